package engine

import "github.com/crewkit/crew/internal/models"

// Event is one typed message on the coordinator's announcement stream.
// Subscribers (the TUI, log sinks) observe dispatch and decisions
// without being able to influence them.
type Event interface {
	event()
}

type NodeStarted struct {
	RunID  string
	NodeID string
	PID    int
}

type NodeFinished struct {
	RunID    string
	NodeID   string
	Status   models.NodeStatus
	ExitCode int
}

type ReportFiled struct {
	RunID  string
	Report *models.Report
}

type DecisionMade struct {
	RunID    string
	Decision *models.Decision
}

type HandoffRequested struct {
	RunID    string
	Kind     string // "merge" or "escalate"
	Handoffs []models.Handoff
}

type HandoffSettled struct {
	RunID   string
	Kind    string
	Results []models.HandoffResult
}

func (NodeStarted) event()      {}
func (NodeFinished) event()     {}
func (ReportFiled) event()      {}
func (DecisionMade) event()     {}
func (HandoffRequested) event() {}
func (HandoffSettled) event()   {}
