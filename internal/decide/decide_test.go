package decide

import (
	"context"
	"testing"

	"github.com/crewkit/crew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMerge struct {
	called   bool
	resolved bool
	handoffs []models.Handoff
}

func (f *fakeMerge) Merge(_ context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error) {
	f.called = true
	f.handoffs = handoffs
	out := make([]models.HandoffResult, len(handoffs))
	for i, h := range handoffs {
		out[i] = models.HandoffResult{NodeID: h.NodeID, Resolved: f.resolved}
	}
	return out, nil
}

type fakeEscalator struct {
	called   bool
	handoffs []models.Handoff
}

func (f *fakeEscalator) Escalate(_ context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error) {
	f.called = true
	f.handoffs = handoffs
	return nil, nil
}

func node(id string, status models.NodeStatus) *models.Node {
	return &models.Node{ID: id, Status: status, LogPath: "/logs/" + id + ".log"}
}

func okReport(id string) *models.Report {
	return &models.Report{
		NodeID: id,
		Status: models.NodeSuccess,
		Flags:  []models.TriageFlag{{Kind: models.FlagClean, Verdict: models.FlagOK, Reason: "clean"}},
	}
}

func escalateReport(id string, kind models.FlagKind, tail string) *models.Report {
	return &models.Report{
		NodeID:     id,
		OutputTail: tail,
		Flags: []models.TriageFlag{{
			Kind:     kind,
			Verdict:  models.FlagEscalate,
			Reason:   string(kind),
			Evidence: models.EvidenceLocator{Path: "/logs/" + id + ".log", FirstLine: 10, LastLine: 12},
		}},
	}
}

func TestDecideAllOKProceeds(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{
		node("220", models.NodeSuccess),
		node("221", models.NodeSuccess),
	}}
	reports := map[string]*models.Report{"220": okReport("220"), "221": okReport("221")}

	b := e.Barrier(phase)
	assert.Equal(t, AwaitingReports, b.State())

	decision, err := e.Decide(context.Background(), b, "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictProceed, decision.Verdict)
	assert.Equal(t, Resolved, b.State())
}

func TestDecideBlocksUntilAllTerminalWithReports(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	running := node("220", models.NodeRunning)
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{running}}

	b := e.Barrier(phase)
	assert.False(t, b.Ready(map[string]*models.Report{}))

	_, err := e.Decide(context.Background(), b, "run-1", map[string]*models.Report{})
	require.Error(t, err)
	assert.Equal(t, AwaitingReports, b.State())

	// Terminal but unreported still blocks.
	running.Status = models.NodeFailed
	assert.False(t, b.Ready(map[string]*models.Report{}))
}

func TestDecideTransientFailureRetries(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	failed := node("221", models.NodeFailed)
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{
		node("220", models.NodeSuccess),
		failed,
	}}
	reports := map[string]*models.Report{
		"220": okReport("220"),
		"221": escalateReport("221", models.FlagExit, "connection reset by peer"),
	}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRetry, decision.Verdict)
	assert.Equal(t, []string{"221"}, decision.NodeIDs)
}

func TestDecideRetryBudgetExhaustedEscalates(t *testing.T) {
	esc := &fakeEscalator{}
	e := &Engine{RetryBudget: 1, Escalate: esc}
	failed := node("221", models.NodeFailed)
	failed.RetryCount = 1
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{node("220", models.NodeSuccess), failed}}
	reports := map[string]*models.Report{
		"220": okReport("220"),
		"221": escalateReport("221", models.FlagExit, "connection reset by peer"),
	}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictEscalate, decision.Verdict)
	require.True(t, esc.called)

	// Handoff records carry required evidence and remediation history.
	require.Len(t, esc.handoffs, 1)
	h := esc.handoffs[0]
	assert.Equal(t, "221", h.NodeID)
	assert.Equal(t, 10, h.Evidence.FirstLine)
	assert.Contains(t, h.Attempted, "retried 1")
	assert.NotEmpty(t, h.Issue)
}

func TestDecideDeterministicFailureEscalatesWithoutRetry(t *testing.T) {
	esc := &fakeEscalator{}
	e := &Engine{RetryBudget: 3, Escalate: esc}
	failed := node("221", models.NodeFailed)
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{node("220", models.NodeSuccess), failed}}
	reports := map[string]*models.Report{
		"220": okReport("220"),
		"221": escalateReport("221", models.FlagKeyword, "assertion failed: want 3, got 4"),
	}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictEscalate, decision.Verdict)
}

func TestDecidePathOverlapTriggersMergeHandoff(t *testing.T) {
	// Scenario: one escalating overlap flag forces MERGE_HANDOFF even
	// though every other node reports OK.
	merge := &fakeMerge{resolved: true}
	e := &Engine{RetryBudget: 1, Merge: merge}
	conflicted := node("221", models.NodeSuccess)
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{
		node("220", models.NodeSuccess),
		conflicted,
	}}
	reports := map[string]*models.Report{
		"220": okReport("220"),
		"221": escalateReport("221", models.FlagPathOverlap, ""),
	}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.True(t, merge.called)
	assert.Equal(t, models.VerdictMergeHandoff, decision.Verdict)
	assert.Equal(t, []string{"221"}, decision.NodeIDs)
}

func TestDecideUnresolvedMergeEscalates(t *testing.T) {
	merge := &fakeMerge{resolved: false}
	esc := &fakeEscalator{}
	e := &Engine{RetryBudget: 1, Merge: merge, Escalate: esc}
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{node("221", models.NodeSuccess)}}
	reports := map[string]*models.Report{"221": escalateReport("221", models.FlagPathOverlap, "")}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictEscalate, decision.Verdict)
	assert.True(t, esc.called)
}

func TestDecideStuckNodeIsTransientOnce(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	stuck := node("220", models.NodeStuck)
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{stuck}}
	reports := map[string]*models.Report{"220": escalateReport("220", models.FlagSlow, "")}

	decision, err := e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRetry, decision.Verdict)

	// Second stuck has spent the budget: escalate, never a third try.
	stuck.RetryCount = 1
	decision, err = e.Decide(context.Background(), e.Barrier(phase), "run-1", reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictEscalate, decision.Verdict)
}

func TestDecideBarrierResolvesOnlyOnce(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	phase := &models.Phase{Index: 1, Nodes: []*models.Node{node("220", models.NodeSuccess)}}
	reports := map[string]*models.Report{"220": okReport("220")}

	b := e.Barrier(phase)
	_, err := e.Decide(context.Background(), b, "run-1", reports)
	require.NoError(t, err)

	_, err = e.Decide(context.Background(), b, "run-1", reports)
	require.Error(t, err)
}

func TestValidateMapsProceedToPass(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	nodes := []*models.Node{node("220", models.NodeSuccess)}
	reports := map[string]*models.Report{"220": okReport("220")}

	decision, err := e.Validate(context.Background(), "run-1", nodes, reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictPass, decision.Verdict)
}

func TestValidateNamesRetryTargets(t *testing.T) {
	e := &Engine{RetryBudget: 1}
	failed := node("221", models.NodeFailed)
	nodes := []*models.Node{node("220", models.NodeSuccess), failed}
	reports := map[string]*models.Report{
		"220": okReport("220"),
		"221": escalateReport("221", models.FlagExit, "network unreachable"),
	}

	decision, err := e.Validate(context.Background(), "run-1", nodes, reports)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictRetry, decision.Verdict)
	assert.Equal(t, []string{"221"}, decision.NodeIDs)
}

func TestValidateNeverMergeHandoff(t *testing.T) {
	merge := &fakeMerge{resolved: true}
	esc := &fakeEscalator{}
	e := &Engine{RetryBudget: 1, Merge: merge, Escalate: esc}
	nodes := []*models.Node{node("221", models.NodeSuccess)}
	reports := map[string]*models.Report{"221": escalateReport("221", models.FlagPathOverlap, "")}

	decision, err := e.Validate(context.Background(), "run-1", nodes, reports)
	require.NoError(t, err)
	assert.False(t, merge.called)
	assert.NotEqual(t, models.VerdictMergeHandoff, decision.Verdict)
	assert.Equal(t, models.VerdictEscalate, decision.Verdict)
}
