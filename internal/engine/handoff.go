package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/workspace"
)

// workerMerge resolves output-path conflicts by delegating a merge task
// to the run's default worker inside the conflicting node's workspace.
type workerMerge struct {
	engine *Engine
	run    *models.Run
}

func (m *workerMerge) Merge(ctx context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error) {
	m.engine.emit(HandoffRequested{RunID: m.run.ID, Kind: "merge", Handoffs: handoffs})

	results := make([]models.HandoffResult, 0, len(handoffs))
	for _, h := range handoffs {
		results = append(results, m.mergeOne(ctx, h))
	}

	m.engine.emit(HandoffSettled{RunID: m.run.ID, Kind: "merge", Results: results})
	return results, nil
}

func (m *workerMerge) mergeOne(ctx context.Context, h models.Handoff) models.HandoffResult {
	n := m.run.Node(h.NodeID)
	if n == nil {
		return models.HandoffResult{NodeID: h.NodeID, Detail: "unknown node"}
	}

	ws, err := workspace.Open(m.engine.WorkspaceDir, m.run.ID, n.ID)
	if err != nil {
		return models.HandoffResult{NodeID: h.NodeID, Detail: fmt.Sprintf("workspace unavailable: %v", err)}
	}

	spec, err := m.engine.Table.Launch(models.Routing{Worker: m.run.Settings.DefaultWorker})
	if err != nil {
		return models.HandoffResult{NodeID: h.NodeID, Detail: err.Error()}
	}

	handle, err := m.engine.Launcher.Start(ctx, spec, ws.RepoPath, mergePrompt(h), ws.LogPath)
	if err != nil {
		return models.HandoffResult{NodeID: h.NodeID, Detail: fmt.Sprintf("merge worker failed to start: %v", err)}
	}
	code, werr := handle.Wait()
	if code != 0 || werr != nil {
		return models.HandoffResult{NodeID: h.NodeID, Detail: fmt.Sprintf("merge worker exited %d", code)}
	}

	// A clean tree after the merge pass means the conflict was settled
	// and committed.
	if ws.Dirty() {
		return models.HandoffResult{NodeID: h.NodeID, Detail: "workspace still dirty after merge pass"}
	}
	return models.HandoffResult{NodeID: h.NodeID, Resolved: true, Detail: "merged"}
}

func mergePrompt(h models.Handoff) string {
	var b strings.Builder
	b.WriteString("Two parallel tasks in this repository changed overlapping paths.\n")
	fmt.Fprintf(&b, "Issue: %s\n", h.Issue)
	if h.Evidence.Path != "" {
		fmt.Fprintf(&b, "Evidence: %s", h.Evidence.Path)
		if h.Evidence.FirstLine > 0 {
			fmt.Fprintf(&b, " lines %d-%d", h.Evidence.FirstLine, h.Evidence.LastLine)
		}
		b.WriteString("\n")
	}
	b.WriteString("Reconcile the overlapping changes in this checkout, keep both intents, and commit the result.\n")
	b.WriteString("Do not launch or delegate to other agent CLIs.\n")
	return b.String()
}

// logEscalator surfaces handoffs to the operator. Escalation leaves the
// process: the engine records the evidence and stops, it never retries
// on the operator's behalf.
type logEscalator struct {
	engine *Engine
	run    *models.Run
}

func (l *logEscalator) Escalate(_ context.Context, handoffs []models.Handoff) ([]models.HandoffResult, error) {
	l.engine.emit(HandoffRequested{RunID: l.run.ID, Kind: "escalate", Handoffs: handoffs})

	for _, h := range handoffs {
		l.engine.Log.Error("node escalated",
			"run", l.run.ID,
			"node", h.NodeID,
			"issue", h.Issue,
			"attempted", h.Attempted,
			"evidence", h.Evidence.Path,
		)
	}
	return nil, nil
}
