package models

import "time"

type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeRunning NodeStatus = "running"
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeTimeout NodeStatus = "timeout"
	NodeAborted NodeStatus = "aborted"
	NodeStuck   NodeStatus = "stuck"
)

// Terminal reports whether a node in this status can never transition again.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeSuccess, NodeFailed, NodeTimeout, NodeAborted, NodeStuck:
		return true
	}
	return false
}

// Routing is the resolved launch assignment for one node:
// which worker kind runs it, with which variant, in which workspace.
type Routing struct {
	Worker    string `json:"worker"`
	Variant   string `json:"variant,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// Node is one schedulable unit of delegated work.
type Node struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	PhaseIndex int        `json:"phase_index"`
	Routing    Routing    `json:"routing"`
	Status     NodeStatus `json:"status"`
	RetryCount int        `json:"retry_count"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	LogPath    string     `json:"log_path,omitempty"`
	PID        *int       `json:"pid,omitempty"`

	// Declared output paths from the work item's front matter.
	// The monitor uses these for sibling overlap detection.
	Outputs []string `json:"outputs,omitempty"`
}

// Duration returns the elapsed wall time, or zero if the node never started.
func (n *Node) Duration() time.Duration {
	if n.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if n.EndedAt != nil {
		end = *n.EndedAt
	}
	return end.Sub(*n.StartedAt)
}
