// Package workspace manages the isolated execution context each node
// owns: a detached git worktree of the source repository plus a .crew
// metadata directory and the node's log file. No two nodes ever share
// a workspace.
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

type Workspace struct {
	Path     string // workspace root for this node
	RepoPath string // working tree the worker runs in
	LogPath  string // node log, the report's evidence source
}

// Metadata is written into the workspace so the worker can read its
// own assignment. It deliberately contains no way to reach the
// coordinator: supervised workers may not supervise further workers.
type Metadata struct {
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id"`
	Phase   int    `json:"phase"`
	Worker  string `json:"worker"`
	Variant string `json:"variant,omitempty"`
}

// NodeDir returns the deterministic workspace path for a node, also
// used by dry-run routing records before anything is created.
func NodeDir(baseDir, runID, nodeID string) string {
	return filepath.Join(baseDir, runID, strings.ReplaceAll(nodeID, "/", "__"))
}

// Create allocates the workspace. With a source repo it adds a
// detached worktree at the repo's current HEAD; without one it creates
// an empty working directory. Calling Create again for the same node
// returns the existing workspace: a retried node runs in the tree its
// previous attempt left behind.
func Create(baseDir, runID, nodeID, sourceRepo string) (*Workspace, error) {
	path := NodeDir(baseDir, runID, nodeID)

	w := &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
		LogPath:  filepath.Join(path, "node.log"),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace directory: %w", err)
	}

	if _, err := os.Stat(w.RepoPath); err == nil {
		return w, nil
	}

	if sourceRepo != "" {
		if err := w.createWorktree(sourceRepo); err != nil {
			return nil, err
		}
	} else {
		if err := os.MkdirAll(w.RepoPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create repo directory: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Join(w.RepoPath, ".crew"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return w, nil
}

func (w *Workspace) createWorktree(sourceRepo string) error {
	absRepo, err := filepath.Abs(sourceRepo)
	if err != nil {
		return fmt.Errorf("failed to resolve repo path: %w", err)
	}

	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = absRepo
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s is not a git repository", absRepo)
	}

	cmd = exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = absRepo
	shaOut, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("failed to get HEAD: %w", err)
	}
	sha := strings.TrimSpace(string(shaOut))

	cmd = exec.Command("git", "worktree", "add", "--detach", w.RepoPath, sha)
	cmd.Dir = absRepo
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to create worktree: %s", string(output))
	}

	return nil
}

// Open returns the workspace for an existing node directory.
func Open(baseDir, runID, nodeID string) (*Workspace, error) {
	path := NodeDir(baseDir, runID, nodeID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("workspace for node %s does not exist", nodeID)
	}
	return &Workspace{
		Path:     path,
		RepoPath: filepath.Join(path, "repo"),
		LogPath:  filepath.Join(path, "node.log"),
	}, nil
}

func (w *Workspace) WriteMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal node metadata: %w", err)
	}
	path := filepath.Join(w.RepoPath, ".crew", "node.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write node.json: %w", err)
	}
	return nil
}

// Dirty reports whether the working tree has uncommitted changes.
// Non-git workspaces are never dirty.
func (w *Workspace) Dirty() bool {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = w.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(out))) > 0
}

// Remove tears the workspace down, detaching the worktree first when
// one exists.
func (w *Workspace) Remove() error {
	if sourceRepo := w.findSourceRepo(); sourceRepo != "" {
		cmd := exec.Command("git", "worktree", "remove", "--force", w.RepoPath)
		cmd.Dir = sourceRepo
		cmd.CombinedOutput() // best effort; the directory goes either way
	}
	return os.RemoveAll(w.Path)
}

// findSourceRepo extracts the main repo path from a worktree's .git
// file, which reads "gitdir: /path/to/main/.git/worktrees/<name>".
func (w *Workspace) findSourceRepo() string {
	data, err := os.ReadFile(filepath.Join(w.RepoPath, ".git"))
	if err != nil {
		return ""
	}
	content := string(data)
	if !strings.HasPrefix(content, "gitdir: ") {
		return ""
	}
	gitDir := strings.TrimSpace(content[len("gitdir: "):])
	idx := strings.LastIndex(gitDir, "/.git/")
	if idx == -1 {
		return ""
	}
	return gitDir[:idx]
}
