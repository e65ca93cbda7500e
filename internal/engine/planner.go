package engine

import (
	"time"

	"github.com/crewkit/crew/internal/dag"
	"github.com/crewkit/crew/internal/groups"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/registry"
	"github.com/crewkit/crew/internal/worker"
	"github.com/google/uuid"
)

// Planner resolves a group expression into an executable run. Planning
// has no side effects, so a dry run and a real run share the same plan
// and the same routing for the same inputs.
type Planner struct {
	Registry *registry.Registry
	Builder  *dag.Builder
}

func NewPlanner(reg *registry.Registry) *Planner {
	return &Planner{Registry: reg, Builder: dag.NewBuilder(reg, nil)}
}

// PlanRequest carries everything that can shape a plan: the expression,
// whether bare lists may be auto-ordered, a command-line routing
// override, and the run settings.
type PlanRequest struct {
	Expression string
	Infer      bool
	Override   models.Routing
	Settings   models.Settings
}

func (p *Planner) Plan(req PlanRequest) (*models.Run, *dag.Plan, error) {
	ir, err := groups.Parse(req.Expression, groups.Options{Infer: req.Infer})
	if err != nil {
		return nil, nil, err
	}

	plan, err := p.Builder.Build(ir)
	if err != nil {
		return nil, nil, err
	}

	run := &models.Run{
		ID:         uuid.NewString(),
		Expression: req.Expression,
		Phases:     plan.Phases,
		Settings:   req.Settings,
		Status:     models.RunPending,
		CreatedAt:  time.Now().UTC(),
	}

	runDefault := models.Routing{
		Worker:  req.Settings.DefaultWorker,
		Variant: req.Settings.DefaultVariant,
	}
	for _, n := range run.Nodes() {
		// The builder left the item's front matter hint on the node.
		n.Routing = worker.ResolveRouting(req.Override, n.Routing, runDefault)
	}

	return run, plan, nil
}
