package monitor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewkit/crew/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.log")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func finishedNode(t *testing.T, log string) *models.Node {
	t.Helper()
	started := time.Now().Add(-time.Minute)
	ended := time.Now()
	return &models.Node{
		ID:        "220",
		Status:    models.NodeSuccess,
		StartedAt: &started,
		EndedAt:   &ended,
		LogPath:   writeLog(t, log),
		Routing:   models.Routing{Worker: "claude"},
	}
}

func flagKinds(rep *models.Report) []models.FlagKind {
	var out []models.FlagKind
	for _, f := range rep.Flags {
		out = append(out, f.Kind)
	}
	return out
}

func TestReportCleanRun(t *testing.T) {
	m := New(10*time.Minute, 2.0)
	zero := 0

	rep := m.Report(Evidence{Node: finishedNode(t, "all done\n"), ExitCode: &zero})
	assert.True(t, rep.OK())
	assert.Equal(t, []models.FlagKind{models.FlagClean}, flagKinds(rep))
	assert.Contains(t, rep.OutputTail, "all done")
}

func TestReportAbnormalExit(t *testing.T) {
	m := New(10*time.Minute, 2.0)
	code := 2
	n := finishedNode(t, "done\n")
	n.Status = models.NodeFailed

	rep := m.Report(Evidence{Node: n, ExitCode: &code})
	assert.False(t, rep.OK())
	assert.Contains(t, flagKinds(rep), models.FlagExit)
}

func TestReportFailureKeywordWithLineRange(t *testing.T) {
	m := New(10*time.Minute, 2.0)
	zero := 0
	n := finishedNode(t, "step one\nERROR: tests failed\nstep three\n")

	rep := m.Report(Evidence{Node: n, ExitCode: &zero})
	require.False(t, rep.OK())

	var kw models.TriageFlag
	for _, f := range rep.Flags {
		if f.Kind == models.FlagKeyword {
			kw = f
		}
	}
	assert.Equal(t, models.FlagEscalate, kw.Verdict)
	assert.Equal(t, n.LogPath, kw.Evidence.Path)
	assert.Equal(t, 2, kw.Evidence.FirstLine)
	assert.Equal(t, 2, kw.Evidence.LastLine)
}

func TestReportDurationExceeded(t *testing.T) {
	m := New(time.Minute, 2.0)
	zero := 0
	n := finishedNode(t, "still working\n")
	started := time.Now().Add(-5 * time.Minute)
	n.StartedAt = &started

	rep := m.Report(Evidence{Node: n, ExitCode: &zero})
	assert.Contains(t, flagKinds(rep), models.FlagSlow)
}

func TestReportDirtyTreeOnlyAfterAbnormalExit(t *testing.T) {
	m := New(10*time.Minute, 2.0)

	zero, two := 0, 2
	clean := m.Report(Evidence{Node: finishedNode(t, "ok\n"), ExitCode: &zero, Dirty: true})
	assert.NotContains(t, flagKinds(clean), models.FlagDirtyTree)

	n := finishedNode(t, "done\n")
	n.Status = models.NodeFailed
	bad := m.Report(Evidence{Node: n, ExitCode: &two, Dirty: true})
	assert.Contains(t, flagKinds(bad), models.FlagDirtyTree)
}

func TestReportSiblingOutputOverlap(t *testing.T) {
	m := New(10*time.Minute, 2.0)
	zero := 0
	n := finishedNode(t, "ok\n")
	n.Outputs = []string{"internal/auth/"}
	sibling := &models.Node{ID: "221", Outputs: []string{"internal/auth/session.go"}}

	rep := m.Report(Evidence{Node: n, ExitCode: &zero, Siblings: []*models.Node{sibling}})
	require.Contains(t, flagKinds(rep), models.FlagPathOverlap)

	var overlapFlag models.TriageFlag
	for _, f := range rep.Flags {
		if f.Kind == models.FlagPathOverlap {
			overlapFlag = f
		}
	}
	assert.Contains(t, overlapFlag.Reason, "221")
}

func TestReportDisjointOutputsNoOverlap(t *testing.T) {
	m := New(10*time.Minute, 2.0)
	zero := 0
	n := finishedNode(t, "ok\n")
	n.Outputs = []string{"internal/auth/"}
	sibling := &models.Node{ID: "221", Outputs: []string{"internal/storage/"}}

	rep := m.Report(Evidence{Node: n, ExitCode: &zero, Siblings: []*models.Node{sibling}})
	assert.True(t, rep.OK())
}
