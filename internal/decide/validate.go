package decide

import (
	"context"

	"github.com/crewkit/crew/internal/models"
)

// Validate is the optional final stage, run once after every phase has
// resolved. It applies the same ladder over the whole run's nodes but
// can only answer PASS, RETRY with named nodes, or ESCALATE: by this
// point any overlap was either merged or escalated, so MERGE_HANDOFF
// is not a possible outcome.
func (e *Engine) Validate(ctx context.Context, runID string, nodes []*models.Node, reports map[string]*models.Report) (*models.Decision, error) {
	phase := &models.Phase{Index: 0, Nodes: nodes}

	decision, err := e.decide(ctx, phase, runID, reports, modeValidate)
	if err != nil {
		return nil, err
	}
	switch decision.Verdict {
	case models.VerdictProceed, models.VerdictMergeHandoff:
		decision.Verdict = models.VerdictPass
		decision.Justification = "validation passed"
	}
	return decision, nil
}
