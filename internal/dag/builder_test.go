package dag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crewkit/crew/internal/groups"
	"github.com/crewkit/crew/internal/infer"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReg(t *testing.T, files map[string]string) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	reg, err := registry.Load([]string{dir})
	require.NoError(t, err)
	return reg
}

func phaseIDs(plan *Plan) [][]string {
	var out [][]string
	for _, p := range plan.Phases {
		out = append(out, p.NodeIDs())
	}
	return out
}

func TestBuildExplicitPhases(t *testing.T) {
	reg := testReg(t, map[string]string{
		"220-a.md": "A.\n",
		"221-b.md": "B.\n",
		"222-c.md": "C.\n",
	})
	ir, err := groups.Parse("220,221 -> 222", groups.Options{})
	require.NoError(t, err)

	plan, err := NewBuilder(reg, nil).Build(ir)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"220", "221"}, {"222"}}, phaseIDs(plan))

	// Barrier edges: every left node to every right node.
	var barriers [][2]string
	for _, e := range plan.Edges {
		if e.Origin == OriginBarrier {
			barriers = append(barriers, [2]string{e.From, e.To})
		}
	}
	assert.ElementsMatch(t, [][2]string{{"220", "222"}, {"221", "222"}}, barriers)

	// Siblings stay parallel: phase indexes assigned, statuses pending.
	for _, n := range plan.Phases[0].Nodes {
		assert.Equal(t, 1, n.PhaseIndex)
		assert.Equal(t, models.NodePending, n.Status)
	}
}

func TestBuildAutoSegmentExpansion(t *testing.T) {
	// Scenario: "220 221 222" with inferred edges {220->221, 220->222}
	// expands to [[220], [221, 222]].
	reg := testReg(t, map[string]string{
		"220-base.md": "Base.\n",
		"221-api.md":  "API.\n",
		"222-ui.md":   "UI.\n",
	})
	ir, err := groups.Parse("220 221 222", groups.Options{Infer: true})
	require.NoError(t, err)

	inferencer := InferFunc(func(items []*registry.Item) infer.Result {
		return infer.Result{Edges: []infer.Edge{
			{From: "220", To: "221", Rationale: "declared"},
			{From: "220", To: "222", Rationale: "declared"},
		}}
	})

	plan, err := NewBuilder(reg, inferencer).Build(ir)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"220"}, {"221", "222"}}, phaseIDs(plan))
}

func TestBuildAutoSegmentSplicesIntoSequence(t *testing.T) {
	reg := testReg(t, map[string]string{
		"100-pre.md":  "Pre.\n",
		"220-base.md": "Base.\n",
		"221-api.md":  "API. After 220.\n",
		"300-post.md": "Post.\n",
	})
	ir, err := groups.Parse("100 -> auto(220 221) -> 300", groups.Options{})
	require.NoError(t, err)

	plan, err := NewBuilder(reg, nil).Build(ir)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"100"}, {"220"}, {"221"}, {"300"}}, phaseIDs(plan))

	for i, p := range plan.Phases {
		assert.Equal(t, i+1, p.Index)
	}
}

func TestBuildCyclicInferenceFails(t *testing.T) {
	reg := testReg(t, map[string]string{
		"220-a.md": "A.\n",
		"221-b.md": "B.\n",
	})
	ir, err := groups.Parse("220 221", groups.Options{Infer: true})
	require.NoError(t, err)

	inferencer := InferFunc(func(items []*registry.Item) infer.Result {
		return infer.Result{Edges: []infer.Edge{
			{From: "220", To: "221"},
			{From: "221", To: "220"},
		}}
	})

	_, err = NewBuilder(reg, inferencer).Build(ir)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"220", "221"}, cycleErr.Nodes)
}

func TestBuildUnresolvedNode(t *testing.T) {
	reg := testReg(t, map[string]string{"220-a.md": "A.\n"})
	ir, err := groups.Parse("220 -> 999", groups.Options{})
	require.NoError(t, err)

	_, err = NewBuilder(reg, nil).Build(ir)
	var unresolved *UnresolvedNodeError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "999", unresolved.Token)
	assert.Equal(t, 7, unresolved.Offset)

	var nf *registry.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBuildRejectsItemNamedTwoWaysAcrossPhases(t *testing.T) {
	reg := testReg(t, map[string]string{
		"220-login.md": "Login.\n",
		"221-api.md":   "API.\n",
	})
	// "login" and "220" are the same item; the parser cannot see that,
	// so the builder must report the duplicate instead of a self-edge
	// cycle.
	ir, err := groups.Parse("login -> 220,221", groups.Options{})
	require.NoError(t, err)

	_, err = NewBuilder(reg, nil).Build(ir)
	var dup *groups.CrossPhaseDuplicateError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "220", dup.Token)
}

func TestBuildCarriesItemMetadata(t *testing.T) {
	reg := testReg(t, map[string]string{
		"220-auth.md": "---\noutputs: [internal/auth/]\nworker: codex\nvariant: high\n---\nAuth.\n",
	})
	ir, err := groups.Parse("220", groups.Options{})
	require.NoError(t, err)

	plan, err := NewBuilder(reg, nil).Build(ir)
	require.NoError(t, err)
	n := plan.Phases[0].Nodes[0]
	assert.Equal(t, []string{"internal/auth/"}, n.Outputs)
	assert.Equal(t, "codex", n.Routing.Worker)
	assert.Equal(t, "high", n.Routing.Variant)
}
