package models

import "time"

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunComplete  RunStatus = "complete"
	RunFailed    RunStatus = "failed"
	RunEscalated RunStatus = "escalated"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether the run has finished, in any outcome.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunComplete, RunFailed, RunEscalated, RunAborted:
		return true
	}
	return false
}

// Phase is an ordered grouping of nodes that may run concurrently.
// The barrier between phases requires every node to be terminal
// before the next phase starts.
type Phase struct {
	Index int     `json:"phase"`
	Nodes []*Node `json:"nodes"`
}

// NodeIDs returns the ids of the phase's nodes in declaration order.
func (p *Phase) NodeIDs() []string {
	ids := make([]string, len(p.Nodes))
	for i, n := range p.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// Settings is the run-level configuration captured in the plan record.
type Settings struct {
	MaxParallel      int           `json:"max_parallel"`
	RetryBudget      int           `json:"retry_budget"`
	ExpectedDuration time.Duration `json:"expected_duration"`
	StuckMultiplier  float64       `json:"stuck_multiplier"`
	PhaseTimeout     time.Duration `json:"phase_timeout,omitempty"`
	RunTimeout       time.Duration `json:"run_timeout,omitempty"`
	Validate         bool          `json:"validate"`
	DefaultWorker    string        `json:"default_worker,omitempty"`
	DefaultVariant   string        `json:"default_variant,omitempty"`
}

// Run is one top-level execution of a group expression.
type Run struct {
	ID          string     `json:"run_id"`
	Expression  string     `json:"expression"`
	Phases      []*Phase   `json:"phases"`
	Settings    Settings   `json:"settings"`
	Status      RunStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Node finds a node by id across all phases.
func (r *Run) Node(id string) *Node {
	for _, p := range r.Phases {
		for _, n := range p.Nodes {
			if n.ID == id {
				return n
			}
		}
	}
	return nil
}

// Nodes returns every node in phase order.
func (r *Run) Nodes() []*Node {
	var out []*Node
	for _, p := range r.Phases {
		out = append(out, p.Nodes...)
	}
	return out
}
