// Package infer proposes dependency edges inside one auto segment.
// Signals, strongest first: declared depends_on metadata, dependency
// phrases in the item body, and references to paths another item
// declares as outputs. Inference is local to its segment and never
// produces a cycle: when signals conflict, the weakest edge is dropped
// and the conflict recorded in the rationale trail.
package infer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/crewkit/crew/internal/registry"
)

// Edge is one inferred dependency: From must finish before To starts.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Rationale string `json:"rationale"`
}

// Result carries the accepted edges plus the full rationale trail,
// including entries for edges that were dropped to avoid cycles.
type Result struct {
	Edges []Edge   `json:"edges"`
	Trail []string `json:"trail"`
}

const (
	prioDeclared = iota
	prioPhrase
	prioPathRef
)

type candidate struct {
	Edge
	priority int
}

var phraseRe = regexp.MustCompile(`(?i)(?:depends on|after|blocked by|requires)\s+([A-Za-z0-9_./,\s#-]+)`)

// Infer proposes edges among the given items. Callers pass exactly the
// items of one auto segment; edges to anything else cannot occur
// because the candidates are drawn from this set alone.
func Infer(items []*registry.Item) Result {
	byID := make(map[string]*registry.Item, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}

	var cands []candidate
	cands = append(cands, declaredEdges(items, byID)...)
	cands = append(cands, phraseEdges(items, byID)...)
	cands = append(cands, pathRefEdges(items)...)

	// Strongest signals first; ties broken lexically so inference is
	// deterministic for a given segment.
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		if a.From != b.From {
			return a.From < b.From
		}
		return a.To < b.To
	})

	var res Result
	adj := map[string][]string{}
	have := map[string]bool{}
	for _, c := range cands {
		key := c.From + "->" + c.To
		if have[key] || c.From == c.To {
			continue
		}
		if reaches(adj, c.To, c.From) {
			res.Trail = append(res.Trail, fmt.Sprintf(
				"dropped %s -> %s (%s): would create a cycle", c.From, c.To, c.Rationale))
			continue
		}
		have[key] = true
		adj[c.From] = append(adj[c.From], c.To)
		res.Edges = append(res.Edges, c.Edge)
		res.Trail = append(res.Trail, fmt.Sprintf("%s -> %s: %s", c.From, c.To, c.Rationale))
	}
	return res
}

// reaches reports whether to is reachable from from over the accepted
// edges so far.
func reaches(adj map[string][]string, from, to string) bool {
	if from == to {
		return true
	}
	stack := []string{from}
	seen := map[string]bool{from: true}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[n] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

func declaredEdges(items []*registry.Item, byID map[string]*registry.Item) []candidate {
	var out []candidate
	for _, item := range items {
		for _, dep := range item.DependsOn {
			from, ok := resolveWithin(dep, byID)
			if !ok {
				continue // declared dep outside the segment: out of scope here
			}
			out = append(out, candidate{
				Edge: Edge{
					From:      from,
					To:        item.ID,
					Rationale: fmt.Sprintf("%s declares depends_on: %s", item.ID, dep),
				},
				priority: prioDeclared,
			})
		}
	}
	return out
}

func phraseEdges(items []*registry.Item, byID map[string]*registry.Item) []candidate {
	var out []candidate
	for _, item := range items {
		for _, m := range phraseRe.FindAllStringSubmatch(item.Content, -1) {
			for _, word := range strings.FieldsFunc(m[1], func(r rune) bool {
				return r == ',' || r == ' ' || r == '\n' || r == '\t' || r == '#'
			}) {
				from, ok := resolveWithin(word, byID)
				if !ok || from == item.ID {
					continue
				}
				out = append(out, candidate{
					Edge: Edge{
						From:      from,
						To:        item.ID,
						Rationale: fmt.Sprintf("%s mentions %q in its body", item.ID, strings.TrimSpace(m[0])),
					},
					priority: prioPhrase,
				})
			}
		}
	}
	return out
}

// pathRefEdges orders a consumer after the producer whose declared
// output paths its body references.
func pathRefEdges(items []*registry.Item) []candidate {
	var out []candidate
	for _, producer := range items {
		for _, output := range producer.Outputs {
			path := strings.TrimSpace(output)
			if path == "" {
				continue
			}
			for _, consumer := range items {
				if consumer.ID == producer.ID {
					continue
				}
				if strings.Contains(consumer.Content, path) {
					out = append(out, candidate{
						Edge: Edge{
							From:      producer.ID,
							To:        consumer.ID,
							Rationale: fmt.Sprintf("%s references %s, declared as an output of %s", consumer.ID, path, producer.ID),
						},
						priority: prioPathRef,
					})
				}
			}
		}
	}
	return out
}

// resolveWithin maps a dependency reference to a segment-member id.
// Numeric references match with or without zero padding.
func resolveWithin(ref string, byID map[string]*registry.Item) (string, bool) {
	ref = strings.TrimRight(strings.TrimSpace(ref), ".")
	if ref == "" {
		return "", false
	}
	if _, ok := byID[ref]; ok {
		return ref, true
	}
	trimmed := strings.TrimLeft(ref, "0")
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if strings.TrimLeft(id, "0") == trimmed && trimmed != "" {
			return id, true
		}
		if byID[id].Name == ref {
			return id, true
		}
	}
	return "", false
}
