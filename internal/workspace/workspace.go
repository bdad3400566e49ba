// Package workspace owns the on-disk worktree layout. Each issue gets a
// dedicated git worktree on its own branch under
// workspaces/<host>/<owner>/<repo>/<issue>; the backing clone lives beside
// the worktrees in a .repo directory.
package workspace

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/alekspetrov/kiln/internal/logging"
	"github.com/alekspetrov/kiln/internal/ticket"
)

const repoDirName = ".repo"

// maxSlugLen bounds the branch name suffix derived from the issue title.
const maxSlugLen = 32

// Manager creates and destroys issue worktrees.
type Manager struct {
	root  string // workspaces directory
	token string // used in clone URLs

	// gitMu serializes git operations that mutate shared repository state
	// (clones, fetches, worktree add/remove). Worktree-local operations
	// run in the worktree directory and do not take it.
	gitMu sync.Mutex

	// runGit is swapped in tests.
	runGit func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewManager creates a workspace manager rooted at dir.
func NewManager(dir, token string) *Manager {
	return &Manager{
		root:   dir,
		token:  token,
		runGit: runGitCommand,
	}
}

func runGitCommand(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return output, nil
}

// Slug derives a branch-safe slug from an issue title: lowercase,
// non-alphanumerics collapsed to single dashes, truncated to maxSlugLen.
func Slug(title string) string {
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.Trim(b.String(), "-")
	if len(slug) > maxSlugLen {
		slug = strings.Trim(slug[:maxSlugLen], "-")
	}
	return slug
}

// BranchName returns the canonical branch for an issue: "<N>-<slug>".
func BranchName(number int, title string) string {
	slug := Slug(title)
	if slug == "" {
		return strconv.Itoa(number)
	}
	return fmt.Sprintf("%d-%s", number, slug)
}

// RepoDir returns the backing clone directory for a repository.
func (m *Manager) RepoDir(ref ticket.Ref) string {
	return filepath.Join(m.root, ref.Host, ref.Owner, ref.Repo, repoDirName)
}

// WorktreePath returns the canonical worktree directory for an issue.
func (m *Manager) WorktreePath(ref ticket.Ref) string {
	return filepath.Join(m.root, ref.Host, ref.Owner, ref.Repo, strconv.Itoa(ref.Number))
}

// validatePath guards against a crafted ref escaping the workspace root.
func (m *Manager) validatePath(path string) error {
	absRoot, err := filepath.Abs(m.root)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace root: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve workspace path: %w", err)
	}
	if absPath != absRoot && !strings.HasPrefix(absPath, absRoot+string(filepath.Separator)) {
		return fmt.Errorf("path %s escapes workspace root %s", absPath, absRoot)
	}
	return nil
}

func (m *Manager) cloneURL(ref ticket.Ref) string {
	if m.token != "" {
		return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", m.token, ref.Host, ref.RepoPath())
	}
	return fmt.Sprintf("https://%s/%s.git", ref.Host, ref.RepoPath())
}

// ensureRepo clones the repository on first use and fetches otherwise.
// Callers hold gitMu.
func (m *Manager) ensureRepo(ctx context.Context, ref ticket.Ref) (string, error) {
	repoDir := m.RepoDir(ref)
	if err := m.validatePath(repoDir); err != nil {
		return "", err
	}

	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err == nil {
		if _, err := m.runGit(ctx, repoDir, "fetch", "origin", "--prune"); err != nil {
			return "", fmt.Errorf("failed to fetch %s: %w", ref.FullRepo(), err)
		}
		return repoDir, nil
	}

	if err := os.MkdirAll(filepath.Dir(repoDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace directory: %w", err)
	}
	logging.WithComponent("workspace").Info("cloning repository", "repo", ref.FullRepo())
	if _, err := m.runGit(ctx, filepath.Dir(repoDir), "clone", m.cloneURL(ref), repoDirName); err != nil {
		return "", fmt.Errorf("failed to clone %s: %w", ref.FullRepo(), err)
	}
	return repoDir, nil
}

// EnsureForIssue makes sure a worktree exists for the issue and returns its
// path and branch. The branch is derived from the issue number and title
// unless overrideBranch is set (issue frontmatter). Reuses an existing
// worktree when present, so later stages share the Prepare stage's tree.
func (m *Manager) EnsureForIssue(ctx context.Context, ref ticket.Ref, title, baseBranch, overrideBranch string) (string, string, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	branch := overrideBranch
	if branch == "" {
		branch = BranchName(ref.Number, title)
	}

	wtPath := m.WorktreePath(ref)
	if err := m.validatePath(wtPath); err != nil {
		return "", "", err
	}

	repoDir, err := m.ensureRepo(ctx, ref)
	if err != nil {
		return "", "", err
	}

	// Existing worktree: confirm git still knows it, then reuse.
	if _, err := os.Stat(wtPath); err == nil {
		if existing, err := m.worktreeBranch(ctx, repoDir, wtPath); err == nil && existing != "" {
			return wtPath, existing, nil
		}
		// Directory exists but git lost track of it; clear and recreate.
		if err := os.RemoveAll(wtPath); err != nil {
			return "", "", fmt.Errorf("failed to clear stale worktree: %w", err)
		}
		if _, err := m.runGit(ctx, repoDir, "worktree", "prune"); err != nil {
			return "", "", err
		}
	}

	baseRef := "origin/" + baseBranch
	if m.branchExists(ctx, repoDir, branch) {
		_, err = m.runGit(ctx, repoDir, "worktree", "add", wtPath, branch)
	} else {
		_, err = m.runGit(ctx, repoDir, "worktree", "add", "-b", branch, wtPath, baseRef)
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to create worktree for %s: %w", ref, err)
	}

	return wtPath, branch, nil
}

func (m *Manager) branchExists(ctx context.Context, repoDir, branch string) bool {
	_, err := m.runGit(ctx, repoDir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// worktreeBranch parses `git worktree list --porcelain` for the branch
// checked out at path. Returns "" if the path is not a known worktree.
func (m *Manager) worktreeBranch(ctx context.Context, repoDir, path string) (string, error) {
	output, err := m.runGit(ctx, repoDir, "worktree", "list", "--porcelain")
	if err != nil {
		return "", err
	}
	return parseWorktreeBranch(string(output), path), nil
}

// parseWorktreeBranch extracts the branch for a worktree path from
// porcelain output.
func parseWorktreeBranch(porcelain, path string) string {
	var current string
	for _, line := range strings.Split(porcelain, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			current = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			if current == path {
				return strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
	}
	return ""
}

// CleanupForIssue removes the issue's worktree and deletes its local
// branch. Safe to call when nothing exists.
func (m *Manager) CleanupForIssue(ctx context.Context, ref ticket.Ref) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	wtPath := m.WorktreePath(ref)
	if err := m.validatePath(wtPath); err != nil {
		return err
	}

	repoDir := m.RepoDir(ref)
	if _, err := os.Stat(filepath.Join(repoDir, ".git")); err != nil {
		// No clone means nothing to clean beyond a stray directory.
		return os.RemoveAll(wtPath)
	}

	branch, _ := m.worktreeBranch(ctx, repoDir, wtPath)

	if _, err := os.Stat(wtPath); err == nil {
		if _, err := m.runGit(ctx, repoDir, "worktree", "remove", "--force", wtPath); err != nil {
			logging.WithComponent("workspace").Warn("worktree remove failed, deleting directory",
				"path", wtPath, "error", err)
		}
		_ = os.RemoveAll(wtPath)
	}
	if _, err := m.runGit(ctx, repoDir, "worktree", "prune"); err != nil {
		return err
	}

	if branch != "" {
		if _, err := m.runGit(ctx, repoDir, "branch", "-D", branch); err != nil {
			logging.WithComponent("workspace").Debug("branch delete failed",
				"branch", branch, "error", err)
		}
	}
	return nil
}

// RebaseFromBase rebases the issue's worktree onto origin/<baseBranch>.
// Conflicts abort the rebase and surface as an error for manual resolution.
func (m *Manager) RebaseFromBase(ctx context.Context, ref ticket.Ref, baseBranch string) error {
	wtPath := m.WorktreePath(ref)
	if _, err := os.Stat(wtPath); err != nil {
		return fmt.Errorf("no worktree for %s: %w", ref, err)
	}

	m.gitMu.Lock()
	_, err := m.runGit(ctx, m.RepoDir(ref), "fetch", "origin", "--prune")
	m.gitMu.Unlock()
	if err != nil {
		return err
	}

	if _, err := m.runGit(ctx, wtPath, "rebase", "origin/"+baseBranch); err != nil {
		_, _ = m.runGit(ctx, wtPath, "rebase", "--abort")
		return fmt.Errorf("rebase onto origin/%s conflicts, resolve manually in %s: %w",
			baseBranch, wtPath, err)
	}
	return nil
}

// Exists reports whether a worktree directory exists for the issue.
func (m *Manager) Exists(ref ticket.Ref) bool {
	_, err := os.Stat(m.WorktreePath(ref))
	return err == nil
}

// OrphanSweep removes worktrees for issues not in the live set. The live
// set is keyed by ticket.Ref.String(). Returns the removed paths.
func (m *Manager) OrphanSweep(ctx context.Context, live map[string]bool) []string {
	var removed []string

	hosts, err := os.ReadDir(m.root)
	if err != nil {
		return nil
	}
	for _, host := range hosts {
		if !host.IsDir() {
			continue
		}
		owners, _ := os.ReadDir(filepath.Join(m.root, host.Name()))
		for _, owner := range owners {
			if !owner.IsDir() {
				continue
			}
			repos, _ := os.ReadDir(filepath.Join(m.root, host.Name(), owner.Name()))
			for _, repo := range repos {
				if !repo.IsDir() {
					continue
				}
				issues, _ := os.ReadDir(filepath.Join(m.root, host.Name(), owner.Name(), repo.Name()))
				for _, issue := range issues {
					if !issue.IsDir() || issue.Name() == repoDirName {
						continue
					}
					number, err := strconv.Atoi(issue.Name())
					if err != nil {
						continue
					}
					ref := ticket.Ref{
						Host:   host.Name(),
						Owner:  owner.Name(),
						Repo:   repo.Name(),
						Number: number,
					}
					if live[ref.String()] {
						continue
					}
					if err := m.CleanupForIssue(ctx, ref); err != nil {
						logging.WithComponent("workspace").Warn("orphan cleanup failed",
							"issue_ref", ref.String(), "error", err)
						continue
					}
					removed = append(removed, m.WorktreePath(ref))
				}
			}
		}
	}
	return removed
}
