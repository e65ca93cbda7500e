package models

import (
	"fmt"
	"time"
)

type FlagVerdict string

const (
	FlagOK       FlagVerdict = "ok"
	FlagEscalate FlagVerdict = "escalate"
)

// FlagKind names the triage rule that produced a flag.
type FlagKind string

const (
	FlagExit        FlagKind = "abnormal_exit"
	FlagKeyword     FlagKind = "failure_keyword"
	FlagSlow        FlagKind = "duration_exceeded"
	FlagDirtyTree   FlagKind = "uncommitted_changes"
	FlagPathOverlap FlagKind = "output_overlap"
	FlagClean       FlagKind = "checks_passed"
)

// EvidenceLocator points at the lines of a log that support a flag.
type EvidenceLocator struct {
	Path      string `json:"path"`
	FirstLine int    `json:"first_line,omitempty"`
	LastLine  int    `json:"last_line,omitempty"`
}

func (l EvidenceLocator) String() string {
	if l.FirstLine == 0 {
		return l.Path
	}
	return fmt.Sprintf("%s:%d-%d", l.Path, l.FirstLine, l.LastLine)
}

// TriageFlag is one OK/ESCALATE judgment with a human-readable reason.
type TriageFlag struct {
	Kind     FlagKind        `json:"kind"`
	Verdict  FlagVerdict     `json:"verdict"`
	Reason   string          `json:"reason"`
	Evidence EvidenceLocator `json:"evidence,omitempty"`
}

// Report is the append-only evidence object a monitor emits for one node.
type Report struct {
	NodeID     string        `json:"node_id"`
	Status     NodeStatus    `json:"status"`
	Duration   time.Duration `json:"duration"`
	Worker     string        `json:"worker"`
	Variant    string        `json:"variant,omitempty"`
	Workspace  string        `json:"workspace,omitempty"`
	OutputTail string        `json:"output_tail,omitempty"`
	Flags      []TriageFlag  `json:"flags"`
	CreatedAt  time.Time     `json:"created_at"`
}

// OK reports whether every flag on the report passed triage.
func (r *Report) OK() bool {
	for _, f := range r.Flags {
		if f.Verdict == FlagEscalate {
			return false
		}
	}
	return true
}

// Escalations returns the flags that demand attention.
func (r *Report) Escalations() []TriageFlag {
	var out []TriageFlag
	for _, f := range r.Flags {
		if f.Verdict == FlagEscalate {
			out = append(out, f)
		}
	}
	return out
}
