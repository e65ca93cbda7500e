// Package dag combines parsed segments and inferred dependencies into
// the phase-barriered execution graph for a run.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crewkit/crew/internal/groups"
	"github.com/crewkit/crew/internal/infer"
	"github.com/crewkit/crew/internal/models"
	"github.com/crewkit/crew/internal/registry"
)

// EdgeOrigin records why an edge exists.
type EdgeOrigin string

const (
	OriginBarrier  EdgeOrigin = "barrier"
	OriginInferred EdgeOrigin = "inferred"
)

type Edge struct {
	From      string     `json:"from"`
	To        string     `json:"to"`
	Origin    EdgeOrigin `json:"origin"`
	Rationale string     `json:"rationale,omitempty"`
}

// Plan is the built graph: ordered phases plus the edge set and the
// inference rationale trail, persisted unchanged for audit.
type Plan struct {
	Phases []*models.Phase `json:"phases"`
	Edges  []Edge          `json:"edges"`
	Trail  []string        `json:"trail,omitempty"`
}

// CycleError reports a dependency cycle among the named nodes.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among %s", strings.Join(e.Nodes, ", "))
}

// UnresolvedNodeError reports a token that names no known work item.
type UnresolvedNodeError struct {
	Token  string
	Offset int
	Cause  error
}

func (e *UnresolvedNodeError) Error() string {
	return fmt.Sprintf("cannot resolve node %q at offset %d: %v", e.Token, e.Offset, e.Cause)
}

func (e *UnresolvedNodeError) Unwrap() error { return e.Cause }

// Inferencer proposes edges within one auto segment.
type Inferencer interface {
	Infer(items []*registry.Item) infer.Result
}

// InferFunc adapts a function to the Inferencer interface.
type InferFunc func(items []*registry.Item) infer.Result

func (f InferFunc) Infer(items []*registry.Item) infer.Result { return f(items) }

type Builder struct {
	reg *registry.Registry
	inf Inferencer
}

func NewBuilder(reg *registry.Registry, inf Inferencer) *Builder {
	if inf == nil {
		inf = InferFunc(infer.Infer)
	}
	return &Builder{reg: reg, inf: inf}
}

// Build turns the IR into an ordered phase list. Explicit segments
// become one phase each; auto segments expand into sub-phases layered
// by the inferencer's edges, then splice into the sequence. A barrier
// implies an edge from every node of the left phase to every node of
// the right phase.
func (b *Builder) Build(ir *groups.IR) (*Plan, error) {
	plan := &Plan{}
	placed := map[string]bool{} // canonical ids from earlier segments

	for _, seg := range ir.Segments {
		items, err := b.resolveSegment(seg, ir.Expression, placed)
		if err != nil {
			return nil, err
		}

		switch seg.Kind {
		case groups.SegmentAuto:
			res := b.inf.Infer(items)
			plan.Trail = append(plan.Trail, res.Trail...)
			layers, err := layer(items, res.Edges)
			if err != nil {
				return nil, err
			}
			for _, e := range res.Edges {
				plan.Edges = append(plan.Edges, Edge{
					From: e.From, To: e.To,
					Origin:    OriginInferred,
					Rationale: e.Rationale,
				})
			}
			for _, layerItems := range layers {
				plan.Phases = append(plan.Phases, phaseFrom(layerItems))
			}
		default:
			plan.Phases = append(plan.Phases, phaseFrom(items))
		}
	}

	for i, phase := range plan.Phases {
		phase.Index = i + 1
		for _, n := range phase.Nodes {
			n.PhaseIndex = phase.Index
		}
	}
	plan.Edges = append(plan.Edges, barrierEdges(plan.Phases)...)

	if cycle := findCycle(plan); len(cycle) > 0 {
		return nil, &CycleError{Nodes: cycle}
	}
	return plan, nil
}

func (b *Builder) resolveSegment(seg groups.Segment, expr string, placed map[string]bool) ([]*registry.Item, error) {
	var items []*registry.Item
	seen := map[string]bool{}
	for _, tok := range seg.Tokens {
		item, err := b.reg.Resolve(tok.Text)
		if err != nil {
			return nil, &UnresolvedNodeError{Token: tok.Text, Offset: tok.Offset, Cause: err}
		}
		// Name and number forms of the same item collapse here.
		if seen[item.ID] {
			continue
		}
		// The parser already rejects textual repeats across segments;
		// the same item named two ways is only visible once resolved.
		if placed[item.ID] {
			return nil, &groups.CrossPhaseDuplicateError{
				Token:   tok.Text,
				Offset:  tok.Offset,
				Example: groups.CleanedExample(expr),
			}
		}
		seen[item.ID] = true
		items = append(items, item)
	}
	for id := range seen {
		placed[id] = true
	}
	return items, nil
}

func phaseFrom(items []*registry.Item) *models.Phase {
	p := &models.Phase{}
	for _, item := range items {
		p.Nodes = append(p.Nodes, &models.Node{
			ID:      item.ID,
			Name:    item.Name,
			Status:  models.NodePending,
			Outputs: item.Outputs,
			Routing: models.Routing{Worker: item.Worker, Variant: item.Variant},
		})
	}
	return p
}

// layer splits an auto segment into sequential sub-phases by Kahn's
// algorithm: every node whose dependencies are satisfied joins the
// current layer. A stuck iteration means a cycle.
func layer(items []*registry.Item, edges []infer.Edge) ([][]*registry.Item, error) {
	incoming := map[string]map[string]bool{}
	for _, item := range items {
		incoming[item.ID] = map[string]bool{}
	}
	for _, e := range edges {
		if _, ok := incoming[e.To]; !ok {
			continue
		}
		incoming[e.To][e.From] = true
	}

	remaining := make([]*registry.Item, len(items))
	copy(remaining, items)

	var layers [][]*registry.Item
	for len(remaining) > 0 {
		var ready, blocked []*registry.Item
		for _, item := range remaining {
			if len(incoming[item.ID]) == 0 {
				ready = append(ready, item)
			} else {
				blocked = append(blocked, item)
			}
		}
		if len(ready) == 0 {
			ids := make([]string, len(blocked))
			for i, item := range blocked {
				ids[i] = item.ID
			}
			sort.Strings(ids)
			return nil, &CycleError{Nodes: ids}
		}
		for _, done := range ready {
			for _, deps := range incoming {
				delete(deps, done.ID)
			}
		}
		layers = append(layers, ready)
		remaining = blocked
	}
	return layers, nil
}

func barrierEdges(phases []*models.Phase) []Edge {
	var out []Edge
	for i := 0; i+1 < len(phases); i++ {
		for _, from := range phases[i].Nodes {
			for _, to := range phases[i+1].Nodes {
				out = append(out, Edge{From: from.ID, To: to.ID, Origin: OriginBarrier})
			}
		}
	}
	return out
}

// findCycle validates the whole graph. Phase ordering makes barrier
// edges acyclic by construction, but the full edge set is still
// checked so a bad edge source fails loudly instead of scheduling in
// an arbitrary order.
func findCycle(plan *Plan) []string {
	indegree := map[string]int{}
	adj := map[string][]string{}
	for _, phase := range plan.Phases {
		for _, n := range phase.Nodes {
			indegree[n.ID] = 0
		}
	}
	for _, e := range plan.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		indegree[e.To]++
	}

	queue := []string{}
	for id, d := range indegree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(indegree) {
		return nil
	}
	var cycle []string
	for id, d := range indegree {
		if d > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}
