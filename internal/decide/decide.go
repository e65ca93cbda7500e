// Package decide reduces a phase's triage evidence into one verdict at
// the barrier: PROCEED, RETRY, ESCALATE, or MERGE_HANDOFF. It owns the
// retry budget and routes remediation to the merge and deep-failure
// collaborators, which consume handoff records and answer resolved
// or not.
package decide

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/crewkit/crew/internal/models"
)

type State string

const (
	AwaitingReports State = "AWAITING_REPORTS"
	Deciding        State = "DECIDING"
	Resolved        State = "RESOLVED"
)

// MergeCoordinator integrates overlapping work from sibling nodes.
// The core never merges anything itself.
type MergeCoordinator interface {
	Merge(ctx context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error)
}

// Escalator receives failures the core cannot remediate locally.
type Escalator interface {
	Escalate(ctx context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error)
}

// transientRe marks failures worth retrying: infrastructure hiccups
// rather than reproducible breakage.
var transientRe = regexp.MustCompile(`(?i)(timeout|timed out|connection|network|rate limit|temporar|econn|lock)`)

type Engine struct {
	RetryBudget int
	Merge       MergeCoordinator
	Escalate    Escalator
}

// Barrier is the per-phase decision state machine. It enters
// AWAITING_REPORTS on creation, refuses to decide until every node is
// terminal with at least one report, and resolves exactly once.
type Barrier struct {
	phase *models.Phase
	state State
}

func (e *Engine) Barrier(phase *models.Phase) *Barrier {
	return &Barrier{phase: phase, state: AwaitingReports}
}

func (b *Barrier) State() State { return b.state }

// Ready reports whether every node in the phase is terminal and has
// evidence, the condition for leaving AWAITING_REPORTS.
func (b *Barrier) Ready(reports map[string]*models.Report) bool {
	for _, n := range b.phase.Nodes {
		if !n.Status.Terminal() {
			return false
		}
		if _, ok := reports[n.ID]; !ok {
			return false
		}
	}
	return true
}

// Decide runs the decision ladder and resolves the barrier. Calling it
// before Ready, or twice, is a programming error and fails loudly.
func (e *Engine) Decide(ctx context.Context, b *Barrier, runID string, reports map[string]*models.Report) (*models.Decision, error) {
	if b.state != AwaitingReports {
		return nil, fmt.Errorf("barrier for phase %d already %s", b.phase.Index, b.state)
	}
	if !b.Ready(reports) {
		return nil, fmt.Errorf("phase %d has non-terminal nodes or missing reports", b.phase.Index)
	}
	b.state = Deciding

	decision, err := e.decide(ctx, b.phase, runID, reports, modeBarrier)
	if err != nil {
		return nil, err
	}
	b.state = Resolved
	return decision, nil
}

// decideMode selects how the ladder treats overlap flags: the barrier
// hands them to the merge coordinator, a post-merge re-decide treats
// them as settled, and validation has no merge path so they escalate.
type decideMode int

const (
	modeBarrier decideMode = iota
	modeRemerged
	modeValidate
)

func (e *Engine) decide(ctx context.Context, phase *models.Phase, runID string, reports map[string]*models.Report, mode decideMode) (*models.Decision, error) {
	failing := failingNodes(phase, reports)
	if mode == modeRemerged {
		// A settled merge clears nodes whose only defect was the
		// overlap itself; anything else they flagged still counts.
		failing = dropOverlapOnly(failing, reports)
	}
	if len(failing) == 0 {
		return &models.Decision{
			RunID:         runID,
			PhaseIndex:    phase.Index,
			Verdict:       models.VerdictProceed,
			NodeIDs:       phase.NodeIDs(),
			Justification: "all reports OK",
			CreatedAt:     time.Now(),
		}, nil
	}

	// Conflicting output paths go to the merge collaborator before any
	// retry: retrying over an unresolved overlap just reproduces it.
	if mode == modeBarrier {
		if overlapping := nodesWithFlag(failing, reports, models.FlagPathOverlap); len(overlapping) > 0 {
			return e.mergeHandoff(ctx, phase, runID, overlapping, reports)
		}
	}

	if retryable, reason := e.retryEligible(phase, failing, reports); retryable {
		return &models.Decision{
			RunID:         runID,
			PhaseIndex:    phase.Index,
			Verdict:       models.VerdictRetry,
			NodeIDs:       nodeIDs(failing),
			Justification: reason,
			CreatedAt:     time.Now(),
		}, nil
	}

	return e.escalate(ctx, phase, runID, failing, reports)
}

func (e *Engine) mergeHandoff(ctx context.Context, phase *models.Phase, runID string, overlapping []*models.Node, reports map[string]*models.Report) (*models.Decision, error) {
	handoffs := buildHandoffs(runID, overlapping, reports, "parallel siblings declared overlapping output paths", "none; conflict detected at phase barrier")

	if e.Merge == nil {
		return nil, fmt.Errorf("phase %d requires merge handoff but no merge coordinator is configured", phase.Index)
	}
	results, err := e.Merge.Merge(ctx, handoffs)
	if err != nil {
		return nil, fmt.Errorf("merge coordinator failed: %w", err)
	}

	clean := true
	for _, res := range results {
		if !res.Resolved {
			clean = false
		}
	}
	if !clean {
		return e.escalate(ctx, phase, runID, overlapping, reports)
	}

	// Merge came back clean: re-decide with overlap evidence settled.
	decision, err := e.decide(ctx, phase, runID, reports, modeRemerged)
	if err != nil {
		return nil, err
	}
	if decision.Verdict == models.VerdictProceed {
		decision.Verdict = models.VerdictMergeHandoff
		decision.NodeIDs = nodeIDs(overlapping)
		decision.Justification = "output overlap resolved by merge coordinator"
	}
	return decision, nil
}

func (e *Engine) escalate(ctx context.Context, phase *models.Phase, runID string, failing []*models.Node, reports map[string]*models.Report) (*models.Decision, error) {
	attempted := "triage at phase barrier"
	maxRetries := 0
	for _, n := range failing {
		if n.RetryCount > maxRetries {
			maxRetries = n.RetryCount
		}
	}
	if maxRetries > 0 {
		attempted = fmt.Sprintf("retried %d time(s) without recovery", maxRetries)
	}
	handoffs := buildHandoffs(runID, failing, reports, "node failed its phase and is not retry-eligible", attempted)

	if e.Escalate != nil {
		if _, err := e.Escalate.Escalate(ctx, handoffs); err != nil {
			return nil, fmt.Errorf("escalation collaborator failed: %w", err)
		}
	}

	return &models.Decision{
		RunID:         runID,
		PhaseIndex:    phase.Index,
		Verdict:       models.VerdictEscalate,
		NodeIDs:       nodeIDs(failing),
		Justification: fmt.Sprintf("%d node(s) failed beyond local remediation; %s", len(failing), attempted),
		CreatedAt:     time.Now(),
	}, nil
}

// retryEligible allows RETRY only for a narrow, transient failure set
// with budget remaining on every failing node. Narrow means at most
// half the phase failed; broader failure suggests something structural
// a retry will not fix.
func (e *Engine) retryEligible(phase *models.Phase, failing []*models.Node, reports map[string]*models.Report) (bool, string) {
	if len(failing) > (len(phase.Nodes)+1)/2 {
		return false, ""
	}
	for _, n := range failing {
		if n.RetryCount >= e.RetryBudget {
			return false, ""
		}
		rep := reports[n.ID]
		if !transient(n, rep) {
			return false, ""
		}
	}
	return true, fmt.Sprintf("transient failure on %s, within retry budget %d", strings.Join(nodeIDs(failing), ", "), e.RetryBudget)
}

// transient classifies a failure as worth one more attempt. Stuck and
// timeout nodes count as transient: the first retry is the remediation
// for a hang.
func transient(n *models.Node, rep *models.Report) bool {
	if n.Status == models.NodeStuck || n.Status == models.NodeTimeout {
		return true
	}
	if rep == nil {
		return false
	}
	return transientRe.MatchString(rep.OutputTail)
}

func failingNodes(phase *models.Phase, reports map[string]*models.Report) []*models.Node {
	var out []*models.Node
	for _, n := range phase.Nodes {
		rep := reports[n.ID]
		if n.Status != models.NodeSuccess || (rep != nil && !rep.OK()) {
			out = append(out, n)
		}
	}
	return out
}

func dropOverlapOnly(nodes []*models.Node, reports map[string]*models.Report) []*models.Node {
	var out []*models.Node
	for _, n := range nodes {
		rep := reports[n.ID]
		if n.Status == models.NodeSuccess && rep != nil && overlapOnly(rep) {
			continue
		}
		out = append(out, n)
	}
	return out
}

func overlapOnly(rep *models.Report) bool {
	seen := false
	for _, f := range rep.Flags {
		if f.Verdict != models.FlagEscalate {
			continue
		}
		if f.Kind != models.FlagPathOverlap {
			return false
		}
		seen = true
	}
	return seen
}

func nodesWithFlag(nodes []*models.Node, reports map[string]*models.Report, kind models.FlagKind) []*models.Node {
	var out []*models.Node
	for _, n := range nodes {
		rep := reports[n.ID]
		if rep == nil {
			continue
		}
		for _, f := range rep.Flags {
			if f.Kind == kind && f.Verdict == models.FlagEscalate {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func buildHandoffs(runID string, nodes []*models.Node, reports map[string]*models.Report, issue, attempted string) []models.Handoff {
	var out []models.Handoff
	for _, n := range nodes {
		evidence := models.EvidenceLocator{Path: n.LogPath}
		if rep := reports[n.ID]; rep != nil {
			for _, f := range rep.Escalations() {
				if f.Evidence.Path != "" {
					evidence = f.Evidence
					break
				}
			}
		}
		out = append(out, models.Handoff{
			RunID:     runID,
			NodeID:    n.ID,
			Evidence:  evidence,
			Issue:     issue,
			Attempted: attempted,
			CreatedAt: time.Now(),
		})
	}
	return out
}

func nodeIDs(nodes []*models.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	sort.Strings(out)
	return out
}
