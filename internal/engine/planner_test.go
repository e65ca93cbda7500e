package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewkit/crew/internal/groups"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plannerReg(t *testing.T, files map[string]string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	reg, err := registry.Load([]string{dir})
	require.NoError(t, err)
	return reg
}

func TestPlanResolvesRoutingPrecedence(t *testing.T) {
	reg := plannerReg(t, map[string]string{
		"220-a.md": "---\nworker: codex\nvariant: high\n---\nA.\n",
		"221-b.md": "B.\n",
	})
	p := NewPlanner(reg)

	settings := models.Settings{
		ExpectedDuration: 10 * time.Minute,
		DefaultWorker:    "claude",
	}
	run, plan, err := p.Plan(PlanRequest{
		Expression: "220,221",
		Settings:   settings,
	})
	require.NoError(t, err)
	require.Len(t, plan.Phases, 1)

	// Item front matter beats the run default.
	assert.Equal(t, models.Routing{Worker: "codex", Variant: "high"}, run.Node("220").Routing)
	assert.Equal(t, models.Routing{Worker: "claude"}, run.Node("221").Routing)

	// A command-line override beats both.
	run2, _, err := p.Plan(PlanRequest{
		Expression: "220,221",
		Override:   models.Routing{Worker: "gemini"},
		Settings:   settings,
	})
	require.NoError(t, err)
	assert.Equal(t, "gemini", run2.Node("220").Routing.Worker)
	assert.Equal(t, "gemini", run2.Node("221").Routing.Worker)
}

func TestPlanIsDeterministic(t *testing.T) {
	reg := plannerReg(t, map[string]string{
		"220-a.md": "A.\n",
		"221-b.md": "After 220.\n",
		"222-c.md": "C.\n",
	})
	p := NewPlanner(reg)
	req := PlanRequest{
		Expression: "auto(220 221) -> 222",
		Settings:   models.Settings{DefaultWorker: "claude"},
	}

	// A dry run and a real run share this code path, so repeated plans
	// of the same expression must agree on phases, edges, and routing.
	run1, plan1, err := p.Plan(req)
	require.NoError(t, err)
	run2, plan2, err := p.Plan(req)
	require.NoError(t, err)

	assert.NotEqual(t, run1.ID, run2.ID)
	assert.Equal(t, plan1.Edges, plan2.Edges)
	require.Len(t, plan1.Phases, 3)
	for i := range plan1.Phases {
		assert.Equal(t, plan1.Phases[i].NodeIDs(), plan2.Phases[i].NodeIDs())
	}
	for _, n := range run1.Nodes() {
		assert.Equal(t, n.Routing, run2.Node(n.ID).Routing)
	}
}

func TestPlanSurfacesParseErrors(t *testing.T) {
	p := NewPlanner(plannerReg(t, map[string]string{"220-a.md": "A.\n"}))

	_, _, err := p.Plan(PlanRequest{Expression: "220,,221 -> 222"})
	var emptyNode *groups.EmptyNodeError
	require.ErrorAs(t, err, &emptyNode)
}
