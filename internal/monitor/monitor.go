// Package monitor turns raw node evidence (exit results, log output,
// worktree state) into Execution Reports with triage flags. Reports
// are append-only evidence: the monitor never mutates decision state.
package monitor

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/crewkit/crew/internal/models"
)

const tailLines = 20

var failureRe = regexp.MustCompile(`(?i)\b(error|failed|failure|fatal|panic|conflict)\b`)

type Monitor struct {
	Expected   time.Duration
	Multiplier float64
}

func New(expected time.Duration, multiplier float64) *Monitor {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	return &Monitor{Expected: expected, Multiplier: multiplier}
}

// Evidence is everything the monitor observed about one node.
type Evidence struct {
	Node     *models.Node
	Siblings []*models.Node // other nodes in the same phase
	ExitCode *int           // nil while still running
	Dirty    bool           // uncommitted changes in the workspace
}

// Report applies every triage rule independently and emits one flag
// per match; a node with no findings gets a single OK flag.
func (m *Monitor) Report(ev Evidence) *models.Report {
	n := ev.Node
	rep := &models.Report{
		NodeID:    n.ID,
		Status:    n.Status,
		Duration:  n.Duration(),
		Worker:    n.Routing.Worker,
		Variant:   n.Routing.Variant,
		Workspace: n.Routing.Workspace,
		CreatedAt: time.Now(),
	}

	lines, firstLineNo := readTail(n.LogPath)
	rep.OutputTail = strings.Join(lines, "\n")

	abnormal := ev.ExitCode != nil && *ev.ExitCode != 0
	if abnormal {
		rep.Flags = append(rep.Flags, models.TriageFlag{
			Kind:     models.FlagExit,
			Verdict:  models.FlagEscalate,
			Reason:   fmt.Sprintf("worker exited with code %d", *ev.ExitCode),
			Evidence: models.EvidenceLocator{Path: n.LogPath},
		})
	}
	if n.Status == models.NodeTimeout || n.Status == models.NodeStuck || n.Status == models.NodeAborted {
		abnormal = true
	}

	if first, last, found := scanFailureLines(lines, firstLineNo); found {
		rep.Flags = append(rep.Flags, models.TriageFlag{
			Kind:    models.FlagKeyword,
			Verdict: models.FlagEscalate,
			Reason:  "failure keyword in recent output",
			Evidence: models.EvidenceLocator{
				Path:      n.LogPath,
				FirstLine: first,
				LastLine:  last,
			},
		})
	}

	if m.Expected > 0 && rep.Duration > time.Duration(float64(m.Expected)*m.Multiplier) {
		rep.Flags = append(rep.Flags, models.TriageFlag{
			Kind:     models.FlagSlow,
			Verdict:  models.FlagEscalate,
			Reason:   fmt.Sprintf("duration %s exceeds %.1fx expected %s (possible hang)", rep.Duration.Round(time.Second), m.Multiplier, m.Expected),
			Evidence: models.EvidenceLocator{Path: n.LogPath},
		})
	}

	if ev.Dirty && abnormal {
		rep.Flags = append(rep.Flags, models.TriageFlag{
			Kind:     models.FlagDirtyTree,
			Verdict:  models.FlagEscalate,
			Reason:   "uncommitted changes left after abnormal exit",
			Evidence: models.EvidenceLocator{Path: n.Routing.Workspace},
		})
	}

	for _, sibling := range ev.Siblings {
		if path, ok := overlap(n.Outputs, sibling.Outputs); ok {
			rep.Flags = append(rep.Flags, models.TriageFlag{
				Kind:     models.FlagPathOverlap,
				Verdict:  models.FlagEscalate,
				Reason:   fmt.Sprintf("output path %s overlaps with sibling %s", path, sibling.ID),
				Evidence: models.EvidenceLocator{Path: path},
			})
		}
	}

	if len(rep.Flags) == 0 {
		rep.Flags = append(rep.Flags, models.TriageFlag{
			Kind:    models.FlagClean,
			Verdict: models.FlagOK,
			Reason:  "exit clean, no failure markers in output",
		})
	}
	return rep
}

// readTail returns the last lines of the log plus the 1-based line
// number of the first returned line.
func readTail(path string) ([]string, int) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	start := 0
	if len(all) > tailLines {
		start = len(all) - tailLines
	}
	return all[start:], start + 1
}

// scanFailureLines finds the range of tail lines matching the failure
// patterns, as the evidence locator for the keyword flag.
func scanFailureLines(lines []string, firstLineNo int) (first, last int, found bool) {
	for i, line := range lines {
		if !failureRe.MatchString(line) {
			continue
		}
		no := firstLineNo + i
		if !found {
			first = no
			found = true
		}
		last = no
	}
	return first, last, found
}

// overlap reports whether any declared output path of a is a prefix of
// one of b's or vice versa.
func overlap(a, b []string) (string, bool) {
	for _, pa := range a {
		for _, pb := range b {
			ca, cb := strings.TrimSuffix(pa, "/"), strings.TrimSuffix(pb, "/")
			if ca == "" || cb == "" {
				continue
			}
			if ca == cb || strings.HasPrefix(ca+"/", cb+"/") || strings.HasPrefix(cb+"/", ca+"/") {
				return pa, true
			}
		}
	}
	return "", false
}
