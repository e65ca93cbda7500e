// Package worker resolves routing (worker kind + variant) to concrete
// launch descriptors and starts the external worker processes. Nothing
// in this package knows about the coordinator: a launch descriptor
// carries only an argv, a working directory, and a log path, so a
// worker can never reach back into the orchestration entry point.
package worker

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/crewkit/crew/internal/models"
	"gopkg.in/yaml.v3"
)

// Def describes one worker kind: the base command line plus extra
// arguments per variant.
type Def struct {
	Command  []string            `yaml:"command"`
	Variants map[string][]string `yaml:"variants,omitempty"`
}

// Table maps worker kinds to launch definitions.
type Table struct {
	Workers map[string]Def `yaml:"workers"`
}

// LaunchSpec is a fully resolved launch descriptor for one node.
type LaunchSpec struct {
	Worker  string
	Variant string
	Argv    []string
}

// DefaultTable covers the worker CLIs the registry's items may name.
// A routing.yaml file replaces or extends these entries.
func DefaultTable() *Table {
	return &Table{Workers: map[string]Def{
		"claude": {
			Command: []string{"claude", "--dangerously-skip-permissions", "-p"},
		},
		"codex": {
			Command: []string{"codex", "exec", "--full-auto"},
			Variants: map[string][]string{
				"high":  {"-c", `model_reasoning_effort="high"`},
				"xhigh": {"-c", `model_reasoning_effort="xhigh"`},
			},
		},
		"gemini": {
			Command: []string{"gemini", "--yolo", "-p"},
		},
		"opencode": {
			Command: []string{"opencode", "run"},
		},
	}}
}

// LoadTable reads a routing table file, merging it over the defaults.
// A missing file yields the defaults unchanged.
func LoadTable(path string) (*Table, error) {
	table := DefaultTable()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return table, nil
		}
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}

	var overlay Table
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("failed to parse routing table %s: %w", path, err)
	}
	for kind, def := range overlay.Workers {
		table.Workers[kind] = def
	}
	return table, nil
}

// ResolveRouting applies the routing precedence: per-node override,
// then the item's metadata hint, then the run-level default.
func ResolveRouting(override, hint, runDefault models.Routing) models.Routing {
	out := runDefault
	if hint.Worker != "" {
		out.Worker = hint.Worker
	}
	if hint.Variant != "" {
		out.Variant = hint.Variant
	}
	if override.Worker != "" {
		out.Worker = override.Worker
	}
	if override.Variant != "" {
		out.Variant = override.Variant
	}
	return out
}

// Launch resolves a routing assignment against the table.
func (t *Table) Launch(r models.Routing) (LaunchSpec, error) {
	def, ok := t.Workers[r.Worker]
	if !ok {
		return LaunchSpec{}, fmt.Errorf("unknown worker kind %q (known: %s)", r.Worker, strings.Join(t.kinds(), ", "))
	}

	argv := append([]string(nil), def.Command...)
	if r.Variant != "" {
		extra, ok := def.Variants[r.Variant]
		if !ok {
			return LaunchSpec{}, fmt.Errorf("worker %q has no variant %q", r.Worker, r.Variant)
		}
		argv = append(argv, extra...)
	}
	return LaunchSpec{Worker: r.Worker, Variant: r.Variant, Argv: argv}, nil
}

func (t *Table) kinds() []string {
	out := make([]string, 0, len(t.Workers))
	for kind := range t.Workers {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}
