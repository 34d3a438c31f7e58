// Package worktree implements the WorktreeManager contract (spec component
// C3): the lifecycle of one session-scoped git worktree per session, driven
// entirely through the git CLI via os/exec.
package worktree

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// branchPrefix names the derived branch a worktree is created on, e.g.
// "agent/<session-id>".
const branchPrefix = "agent/"

// envFilePatterns are the files best-effort symlinked from the host repo
// into a freshly created worktree. Whether they are gitignored is not
// checked.
var envFilePatterns = []string{".env", ".env.local", ".envrc"}

// Manager implements the WorktreeManager contract by shelling out to git.
type Manager struct {
	// worktreesDir is the directory new worktrees are created under, one
	// subdirectory per session.
	worktreesDir string
}

// NewManager creates a git-backed Manager. worktreesDir is created if it
// doesn't already exist.
func NewManager(worktreesDir string) (*Manager, error) {
	if err := os.MkdirAll(worktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating worktrees directory: %w", err)
	}
	return &Manager{worktreesDir: worktreesDir}, nil
}

func (m *Manager) path(sessionID string) string {
	return filepath.Join(m.worktreesDir, sessionID)
}

func branchName(sessionID string) string {
	return branchPrefix + sessionID
}

// sessionIDFromPath recovers the session ID a worktree directory belongs
// to, given the directory's basename is that session ID (see Manager.path).
func sessionIDFromPath(path string) string {
	return filepath.Base(path)
}

// Create creates (or idempotently reuses) the worktree for a session,
// rooted at repoPath and derived from baseRef (defaulting to the repo's
// current HEAD if empty). Returns the worktree's absolute path.
func (m *Manager) Create(ctx context.Context, sessionID, repoPath, baseRef string) (string, error) {
	path := m.path(sessionID)

	if info, err := os.Stat(path); err == nil && info.IsDir() {
		if isRegisteredWorktree(ctx, repoPath, path) {
			return path, nil
		}
		// Directory exists but git doesn't know about it: stale leftover
		// from a prior crash. Clear it before retrying.
		if err := os.RemoveAll(path); err != nil {
			return "", fmt.Errorf("clearing stale worktree directory: %w", err)
		}
	}

	branch := branchName(sessionID)
	args := []string{"-C", repoPath, "worktree", "add"}

	if branchExists(ctx, repoPath, branch) {
		// A prior attempt created the branch but not the worktree (or it
		// was removed without --delete-branch); reuse the branch instead
		// of failing on "branch already exists".
		args = append(args, path, branch)
	} else {
		args = append(args, "-b", branch, path)
		if baseRef != "" {
			args = append(args, baseRef)
		}
	}

	out, err := runGit(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("creating worktree: %s: %w", strings.TrimSpace(out), err)
	}

	symlinkEnvFiles(repoPath, path)

	return path, nil
}

// Remove removes a session's worktree. If the git-level removal fails (the
// worktree is locked, dirty, or already gone from git's registry), it falls
// back to forceful directory removal followed by `git worktree prune`.
func (m *Manager) Remove(ctx context.Context, sessionID, repoPath string) error {
	path := m.path(sessionID)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		_, _ = runGit(ctx, "-C", repoPath, "worktree", "prune")
		return nil
	}

	_, gitErr := runGit(ctx, "-C", repoPath, "worktree", "remove", "--force", path)
	if gitErr == nil {
		return nil
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing worktree directory after git removal failed (%v): %w", gitErr, err)
	}
	if _, err := runGit(ctx, "-C", repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("pruning worktree registry: %w", err)
	}
	return nil
}

// List returns the paths of every worktree git knows about for repoPath,
// excluding the main working tree itself.
func (m *Manager) List(ctx context.Context, repoPath string) ([]string, error) {
	out, err := runGit(ctx, "-C", repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("listing worktrees: %w", err)
	}

	var paths []string
	main := true
	for _, block := range strings.Split(out, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			if p, ok := strings.CutPrefix(line, "worktree "); ok {
				if main {
					// The first block git reports is always the main
					// working tree, never one this manager created.
					main = false
					break
				}
				paths = append(paths, p)
				break
			}
		}
	}
	return paths, nil
}

// GetPath returns the worktree path for a session if it exists on disk,
// and whether it was found.
func (m *Manager) GetPath(sessionID string) (string, bool) {
	path := m.path(sessionID)
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return path, true
}

func isRegisteredWorktree(ctx context.Context, repoPath, path string) bool {
	out, err := runGit(ctx, "-C", repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return false
	}
	return strings.Contains(out, "worktree "+path+"\n") || strings.HasSuffix(strings.TrimRight(out, "\n"), "worktree "+path)
}

func branchExists(ctx context.Context, repoPath, branch string) bool {
	_, err := runGit(ctx, "-C", repoPath, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// symlinkEnvFiles best-effort symlinks the files named in envFilePatterns
// from repoPath into the new worktree; no other dotfiles are linked. Failures are ignored: these files
// are a convenience for the sandboxed agent, never required for a worktree
// to be usable.
func symlinkEnvFiles(repoPath, worktreePath string) {
	for _, name := range envFilePatterns {
		src := filepath.Join(repoPath, name)
		if _, err := os.Lstat(src); err != nil {
			continue
		}
		dst := filepath.Join(worktreePath, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}
		_ = os.Symlink(src, dst)
	}
}

func runGit(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}
