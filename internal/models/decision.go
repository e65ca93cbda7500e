package models

import "time"

type Verdict string

const (
	VerdictProceed      Verdict = "PROCEED"
	VerdictRetry        Verdict = "RETRY"
	VerdictEscalate     Verdict = "ESCALATE"
	VerdictMergeHandoff Verdict = "MERGE_HANDOFF"

	// Validation-stage verdicts. The validation pass never hands off to
	// the merge coordinator; it either passes, names retry targets, or
	// escalates.
	VerdictPass Verdict = "PASS"
)

// Decision is the decision engine's ruling at one phase barrier.
type Decision struct {
	RunID         string    `json:"run_id"`
	PhaseIndex    int       `json:"phase"`
	Verdict       Verdict   `json:"verdict"`
	NodeIDs       []string  `json:"nodes"`
	Justification string    `json:"justification"`
	CreatedAt     time.Time `json:"created_at"`
}

// Handoff is the record supplied to a remediation collaborator.
// Every field is required: an escalation without evidence or an
// account of what was already tried is not actionable.
type Handoff struct {
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id"`
	Evidence  EvidenceLocator `json:"evidence"`
	Issue     string          `json:"issue"`
	Attempted string          `json:"attempted"`
	CreatedAt time.Time       `json:"created_at"`
}

// HandoffResult is the collaborator's verdict on a handoff.
type HandoffResult struct {
	NodeID   string `json:"node_id"`
	Resolved bool   `json:"resolved"`
	Detail   string `json:"detail,omitempty"`
}
