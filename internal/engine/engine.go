// Package engine is the coordination core: it walks a run's phases in
// order, dispatches each phase's nodes to external workers under a
// concurrency cap, and acts on the decision engine's verdict at every
// phase barrier. Workers never see the engine; supervision is one tier
// deep by construction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crewkit/crew/internal/decide"
	"github.com/crewkit/crew/internal/log"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/monitor"
	"github.com/crewkit/crew/internal/storage"
	"github.com/crewkit/crew/internal/worker"
	"github.com/crewkit/crew/internal/workspace"
	"golang.org/x/sync/semaphore"
)

// ErrEscalated marks a run that ended because a phase escalated beyond
// local remediation.
var ErrEscalated = errors.New("run escalated beyond local remediation")

// PromptSource supplies the delegated prompt text for a node.
type PromptSource interface {
	Prompt(nodeID string) (string, error)
}

type Engine struct {
	Store    *storage.Storage
	Table    *worker.Table
	Launcher worker.Launcher
	Prompts  PromptSource
	Log      *slog.Logger

	WorkspaceDir string
	SourceRepo   string

	// PollInterval paces the stuck watchdog's log checks.
	PollInterval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	subs    []chan Event
}

func New(store *storage.Storage, table *worker.Table, prompts PromptSource, workspaceDir string) *Engine {
	return &Engine{
		Store:        store,
		Table:        table,
		Launcher:     worker.CLILauncher{},
		Prompts:      prompts,
		Log:          log.Discard(),
		WorkspaceDir: workspaceDir,
		PollInterval: 10 * time.Second,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Subscribe returns a stream of engine events. A slow subscriber drops
// events rather than stalling dispatch.
func (e *Engine) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Execute drives the run to a terminal status. The returned error is
// nil only for a complete run; an escalated run returns ErrEscalated.
func (e *Engine) Execute(ctx context.Context, run *models.Run) error {
	if run.Settings.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, run.Settings.RunTimeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	run.Status = models.RunRunning
	if err := e.Store.UpdateRun(run); err != nil {
		return err
	}
	e.Log.Info("run started", "run", run.ID, "expression", run.Expression, "phases", len(run.Phases))

	decider := &decide.Engine{
		RetryBudget: run.Settings.RetryBudget,
		Merge:       &workerMerge{engine: e, run: run},
		Escalate:    &logEscalator{engine: e, run: run},
	}

	for _, phase := range run.Phases {
		if err := e.runPhase(ctx, run, decider, phase); err != nil {
			return e.finishRun(run, err)
		}
	}

	if run.Settings.Validate {
		if err := e.validateRun(ctx, run, decider); err != nil {
			return e.finishRun(run, err)
		}
	}

	return e.finishRun(run, nil)
}

// runPhase dispatches the phase and loops on RETRY verdicts until the
// barrier resolves to PROCEED, MERGE_HANDOFF, or ESCALATE.
func (e *Engine) runPhase(ctx context.Context, run *models.Run, decider *decide.Engine, phase *models.Phase) error {
	for {
		pctx := ctx
		cancel := context.CancelFunc(func() {})
		if run.Settings.PhaseTimeout > 0 {
			pctx, cancel = context.WithTimeout(ctx, run.Settings.PhaseTimeout)
		}

		e.dispatch(pctx, run, phase)
		cancel()

		if err := ctx.Err(); err != nil {
			return err
		}

		reports, err := e.Store.LatestReports(run.ID)
		if err != nil {
			return err
		}

		decision, err := decider.Decide(ctx, decider.Barrier(phase), run.ID, reports)
		if err != nil {
			return err
		}
		if err := e.Store.AppendDecision(decision); err != nil {
			return err
		}
		e.emit(DecisionMade{RunID: run.ID, Decision: decision})
		e.Log.Info("phase decided", "run", run.ID, "phase", phase.Index,
			"verdict", decision.Verdict, "nodes", strings.Join(decision.NodeIDs, ","))

		switch decision.Verdict {
		case models.VerdictProceed, models.VerdictMergeHandoff:
			return nil
		case models.VerdictRetry:
			for _, id := range decision.NodeIDs {
				n := run.Node(id)
				if n == nil {
					continue
				}
				e.resetForRetry(run, n)
			}
		default:
			return ErrEscalated
		}
	}
}

func (e *Engine) resetForRetry(run *models.Run, n *models.Node) {
	n.RetryCount++
	n.Status = models.NodePending
	n.StartedAt = nil
	n.EndedAt = nil
	n.PID = nil
	// Each attempt is judged on its own output; the failed attempt's
	// tail lives on in its appended report.
	if n.LogPath != "" {
		if err := os.Truncate(n.LogPath, 0); err != nil && !os.IsNotExist(err) {
			e.Log.Error("failed to reset node log", "run", run.ID, "node", n.ID, "error", err)
		}
	}
	if err := e.Store.UpdateNode(run.ID, n); err != nil {
		e.Log.Error("failed to persist retry reset", "run", run.ID, "node", n.ID, "error", err)
	}
}

// dispatch runs every pending node of the phase to completion, at most
// MaxParallel at a time.
func (e *Engine) dispatch(ctx context.Context, run *models.Run, phase *models.Phase) {
	limit := int64(run.Settings.MaxParallel)
	if limit < 1 {
		limit = 1
	}
	sem := semaphore.NewWeighted(limit)

	var wg sync.WaitGroup
	for _, n := range phase.Nodes {
		if n.Status != models.NodePending {
			continue
		}
		wg.Add(1)
		go func(n *models.Node) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				e.cancelNode(ctx, run, phase, n)
				return
			}
			defer sem.Release(1)
			e.runNode(ctx, run, phase, n)
		}(n)
	}
	wg.Wait()
}

func (e *Engine) runNode(ctx context.Context, run *models.Run, phase *models.Phase, n *models.Node) {
	ws, err := workspace.Create(e.WorkspaceDir, run.ID, n.ID, e.SourceRepo)
	if err != nil {
		e.failNode(run, phase, n, fmt.Errorf("workspace allocation failed: %w", err))
		return
	}
	if err := ws.WriteMetadata(&workspace.Metadata{
		RunID:   run.ID,
		NodeID:  n.ID,
		Phase:   phase.Index,
		Worker:  n.Routing.Worker,
		Variant: n.Routing.Variant,
	}); err != nil {
		e.failNode(run, phase, n, err)
		return
	}
	n.Routing.Workspace = ws.Path
	n.LogPath = ws.LogPath

	spec, err := e.Table.Launch(n.Routing)
	if err != nil {
		e.failNode(run, phase, n, err)
		return
	}

	body, err := e.Prompts.Prompt(n.ID)
	if err != nil {
		e.failNode(run, phase, n, err)
		return
	}
	prompt := buildPrompt(n, body)

	now := time.Now().UTC()
	n.StartedAt = &now
	n.Status = models.NodeRunning

	handle, err := e.Launcher.Start(ctx, spec, ws.RepoPath, prompt, ws.LogPath)
	if err != nil {
		e.failNode(run, phase, n, err)
		return
	}
	pid := handle.PID()
	n.PID = &pid
	if err := e.Store.UpdateNode(run.ID, n); err != nil {
		e.Log.Error("failed to persist node start", "run", run.ID, "node", n.ID, "error", err)
	}
	e.emit(NodeStarted{RunID: run.ID, NodeID: n.ID, PID: pid})
	e.Log.Info("node started", "run", run.ID, "node", n.ID,
		"worker", n.Routing.Worker, "pid", pid)

	stuck := make(chan struct{})
	watchCtx, stopWatch := context.WithCancel(ctx)
	go e.watchStuck(watchCtx, run, n, handle, stuck)

	code, werr := handle.Wait()
	stopWatch()

	end := time.Now().UTC()
	n.EndedAt = &end

	select {
	case <-stuck:
		n.Status = models.NodeStuck
	default:
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			n.Status = models.NodeTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			n.Status = models.NodeAborted
		case code == 0 && werr == nil:
			n.Status = models.NodeSuccess
		default:
			n.Status = models.NodeFailed
		}
	}
	if err := e.Store.UpdateNode(run.ID, n); err != nil {
		e.Log.Error("failed to persist node result", "run", run.ID, "node", n.ID, "error", err)
	}

	mon := monitor.New(run.Settings.ExpectedDuration, run.Settings.StuckMultiplier)
	rep := mon.Report(monitor.Evidence{
		Node:     n,
		Siblings: siblings(phase, n),
		ExitCode: &code,
		Dirty:    ws.Dirty(),
	})
	if err := e.Store.AppendReport(run.ID, rep); err != nil {
		e.Log.Error("failed to persist report", "run", run.ID, "node", n.ID, "error", err)
	}
	e.emit(ReportFiled{RunID: run.ID, Report: rep})
	e.emit(NodeFinished{RunID: run.ID, NodeID: n.ID, Status: n.Status, ExitCode: code})
	e.Log.Info("node finished", "run", run.ID, "node", n.ID,
		"status", n.Status, "exit", code, "duration", n.Duration())
}

// watchStuck kills a node whose runtime passed the stuck threshold
// while its log stopped growing. The closed channel tells runNode the
// kill was a stuck verdict, not an external cancellation.
func (e *Engine) watchStuck(ctx context.Context, run *models.Run, n *models.Node, handle worker.Process, stuck chan struct{}) {
	limit := time.Duration(float64(run.Settings.ExpectedDuration) * run.Settings.StuckMultiplier)
	if limit <= 0 {
		return
	}
	poll := e.PollInterval
	if poll <= 0 {
		poll = 10 * time.Second
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	start := time.Now()
	lastSize := int64(-1)
	lastGrowth := start

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if fi, err := os.Stat(n.LogPath); err == nil && fi.Size() != lastSize {
				lastSize = fi.Size()
				lastGrowth = time.Now()
			}
			if time.Since(start) > limit && time.Since(lastGrowth) >= poll {
				close(stuck)
				e.Log.Warn("node stuck, killing process group",
					"run", run.ID, "node", n.ID, "pid", handle.PID(), "limit", limit)
				handle.Kill()
				return
			}
		}
	}
}

// failNode records a node the engine could not even hand to a worker.
// The synthetic report keeps the phase barrier's evidence complete.
func (e *Engine) failNode(run *models.Run, phase *models.Phase, n *models.Node, cause error) {
	now := time.Now().UTC()
	n.Status = models.NodeFailed
	n.EndedAt = &now
	if err := e.Store.UpdateNode(run.ID, n); err != nil {
		e.Log.Error("failed to persist node failure", "run", run.ID, "node", n.ID, "error", err)
	}

	rep := &models.Report{
		NodeID:     n.ID,
		Status:     n.Status,
		Worker:     n.Routing.Worker,
		Variant:    n.Routing.Variant,
		Workspace:  n.Routing.Workspace,
		OutputTail: cause.Error(),
		CreatedAt:  now,
		Flags: []models.TriageFlag{{
			Kind:    models.FlagExit,
			Verdict: models.FlagEscalate,
			Reason:  cause.Error(),
		}},
	}
	if err := e.Store.AppendReport(run.ID, rep); err != nil {
		e.Log.Error("failed to persist synthetic report", "run", run.ID, "node", n.ID, "error", err)
	}
	e.emit(ReportFiled{RunID: run.ID, Report: rep})
	e.Log.Error("node failed before launch", "run", run.ID, "node", n.ID, "error", cause)
}

// cancelNode marks a node that never started because the phase's
// context ended while it waited for a dispatch slot.
func (e *Engine) cancelNode(ctx context.Context, run *models.Run, phase *models.Phase, n *models.Node) {
	status := models.NodeAborted
	reason := "run aborted before dispatch"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		status = models.NodeTimeout
		reason = "phase timed out before dispatch"
	}

	now := time.Now().UTC()
	n.Status = status
	n.EndedAt = &now
	if err := e.Store.UpdateNode(run.ID, n); err != nil {
		e.Log.Error("failed to persist node cancellation", "run", run.ID, "node", n.ID, "error", err)
	}
	rep := &models.Report{
		NodeID:    n.ID,
		Status:    status,
		CreatedAt: now,
		Flags: []models.TriageFlag{{
			Kind:    models.FlagExit,
			Verdict: models.FlagEscalate,
			Reason:  reason,
		}},
	}
	if err := e.Store.AppendReport(run.ID, rep); err != nil {
		e.Log.Error("failed to persist cancellation report", "run", run.ID, "node", n.ID, "error", err)
	}
	e.emit(ReportFiled{RunID: run.ID, Report: rep})
}

// validateRun runs the final full-graph check. A RETRY verdict gets one
// remediation pass; anything short of PASS after that escalates.
func (e *Engine) validateRun(ctx context.Context, run *models.Run, decider *decide.Engine) error {
	for attempt := 0; ; attempt++ {
		reports, err := e.Store.LatestReports(run.ID)
		if err != nil {
			return err
		}

		decision, err := decider.Validate(ctx, run.ID, run.Nodes(), reports)
		if err != nil {
			return err
		}
		if err := e.Store.AppendDecision(decision); err != nil {
			return err
		}
		e.emit(DecisionMade{RunID: run.ID, Decision: decision})
		e.Log.Info("validation decided", "run", run.ID, "verdict", decision.Verdict)

		switch decision.Verdict {
		case models.VerdictPass:
			return nil
		case models.VerdictRetry:
			if attempt > 0 {
				return ErrEscalated
			}
			for _, id := range decision.NodeIDs {
				if n := run.Node(id); n != nil {
					e.resetForRetry(run, n)
				}
			}
			for _, phase := range run.Phases {
				e.dispatch(ctx, run, phase)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
		default:
			return ErrEscalated
		}
	}
}

func (e *Engine) finishRun(run *models.Run, cause error) error {
	now := time.Now().UTC()
	run.CompletedAt = &now

	switch {
	case cause == nil:
		run.Status = models.RunComplete
	case errors.Is(cause, ErrEscalated):
		run.Status = models.RunEscalated
		run.Error = cause.Error()
	case errors.Is(cause, context.Canceled):
		run.Status = models.RunAborted
		run.Error = "aborted"
	default:
		run.Status = models.RunFailed
		run.Error = cause.Error()
	}

	if err := e.Store.UpdateRun(run); err != nil && cause == nil {
		cause = err
	}
	e.Log.Info("run finished", "run", run.ID, "status", run.Status)
	return cause
}

// Abort cancels an in-process run. Running nodes observe the canceled
// context and end as aborted.
func (e *Engine) Abort(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// KillRun stops a run owned by another process, using the PIDs the
// engine persisted at launch. The whole process group dies so worker
// children cannot linger.
func (e *Engine) KillRun(runID string) error {
	if e.Abort(runID) {
		return nil
	}

	run, err := e.Store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}

	now := time.Now().UTC()
	for _, n := range run.Nodes() {
		if n.Status != models.NodeRunning {
			continue
		}
		if n.PID != nil {
			syscall.Kill(-*n.PID, syscall.SIGKILL)
		}
		n.Status = models.NodeAborted
		n.EndedAt = &now
		if err := e.Store.UpdateNode(runID, n); err != nil {
			return err
		}
	}

	run.Status = models.RunAborted
	run.CompletedAt = &now
	return e.Store.UpdateRun(run)
}

// DeleteRun removes a run's record and every workspace it allocated.
func (e *Engine) DeleteRun(runID string) error {
	run, err := e.Store.GetRun(runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if !run.Status.Terminal() {
		return fmt.Errorf("run %s is still %s; kill it first", runID, run.Status)
	}

	for _, n := range run.Nodes() {
		ws, err := workspace.Open(e.WorkspaceDir, runID, n.ID)
		if err != nil {
			continue
		}
		if err := ws.Remove(); err != nil {
			e.Log.Warn("failed to remove workspace", "run", runID, "node", n.ID, "error", err)
		}
	}

	return e.Store.DeleteRun(runID)
}

func siblings(phase *models.Phase, n *models.Node) []*models.Node {
	var out []*models.Node
	for _, s := range phase.Nodes {
		if s.ID != n.ID {
			out = append(out, s)
		}
	}
	return out
}

func buildPrompt(n *models.Node, body string) string {
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n---\n")
	fmt.Fprintf(&b, "You are completing work item %s", n.ID)
	if n.Name != "" {
		fmt.Fprintf(&b, " (%s)", n.Name)
	}
	b.WriteString(" in an isolated checkout.\n")
	b.WriteString("Work only inside the current directory.\n")
	b.WriteString("Do not launch or delegate to other agent CLIs; do the work yourself.\n")
	b.WriteString("Commit your changes when the task is done.\n")
	return b.String()
}
