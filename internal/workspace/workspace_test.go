package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeDirIsDeterministicAndIsolated(t *testing.T) {
	a := NodeDir("/ws", "run-1", "220")
	b := NodeDir("/ws", "run-1", "221")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, NodeDir("/ws", "run-1", "220"))

	// Folder-qualified ids must not nest into extra directories.
	c := NodeDir("/ws", "run-1", "auth/220")
	assert.Equal(t, filepath.Join("/ws", "run-1", "auth__220"), c)
}

func TestCreateWithoutRepo(t *testing.T) {
	base := t.TempDir()
	w, err := Create(base, "run-1", "220", "")
	require.NoError(t, err)

	info, err := os.Stat(w.RepoPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, w.WriteMetadata(&Metadata{RunID: "run-1", NodeID: "220", Phase: 1, Worker: "claude"}))
	data, err := os.ReadFile(filepath.Join(w.RepoPath, ".crew", "node.json"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node_id": "220"`)

	// Non-git workspaces never report dirty.
	assert.False(t, w.Dirty())
}

// initRepo creates a git repository with one commit so worktree
// operations have a HEAD to detach from.
func initRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "crew@test"},
		{"config", "user.name", "crew"},
		{"commit", "--allow-empty", "-m", "init"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return repo
}

func TestCreateWithRepoIsIdempotent(t *testing.T) {
	repo := initRepo(t)
	base := t.TempDir()

	w1, err := Create(base, "run-1", "220", repo)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(w1.RepoPath, ".git"))

	// A retried node allocates its workspace again; the existing
	// worktree must come back instead of a git refusal.
	w2, err := Create(base, "run-1", "220", repo)
	require.NoError(t, err)
	assert.Equal(t, w1.RepoPath, w2.RepoPath)
	assert.Equal(t, w1.LogPath, w2.LogPath)
}

func TestOpenMissingWorkspace(t *testing.T) {
	_, err := Open(t.TempDir(), "run-1", "999")
	require.Error(t, err)
}

func TestRemove(t *testing.T) {
	base := t.TempDir()
	w, err := Create(base, "run-1", "220", "")
	require.NoError(t, err)

	require.NoError(t, w.Remove())
	_, err = os.Stat(w.Path)
	assert.True(t, os.IsNotExist(err))
}
