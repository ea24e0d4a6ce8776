package repoprovider

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/larryhudson/agent-acp-bridge/internal/bridgeerr"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgelog"
	"github.com/larryhudson/agent-acp-bridge/internal/bridgetypes"
)

// withAccessToken embeds token as HTTP Basic auth ("x-access-token",
// the convention GitHub App installation tokens use) in remoteURL, so
// git authenticates the clone/fetch without the token ever touching
// disk as a separate credential file. Non-HTTP(S) remotes (e.g. git@
// SSH URLs) and an empty token are returned unmodified.
func withAccessToken(remoteURL, token string) string {
	if token == "" {
		return remoteURL
	}
	u, err := url.Parse(remoteURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return remoteURL
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String()
}

// repoLockEntry is a refcounted per-repository mutex, identical in shape
// to the teacher's repoLockEntry: many concurrent Provision calls against
// the same repo_id serialize on one lock, and the entry is reaped once
// the last holder releases it.
type repoLockEntry struct {
	mu       sync.Mutex
	refCount int
}

// SkillFile is one file to materialize into a freshly provisioned
// worktree before the agent subprocess starts (e.g. a CLAUDE.md/AGENTS.md
// convention file, or repo-specific instructions fetched from the
// originating service).
type SkillFile struct {
	RelPath string
	Content []byte
}

// Provider implements the Repository Provider (spec.md §4.3): one bare
// repository per repo_id, one worktree per session.
type Provider struct {
	cfg Config
	log *bridgelog.Logger

	fetchTimeout time.Duration

	repoLockMu sync.Mutex
	repoLocks  map[string]*repoLockEntry
}

// New constructs a Provider rooted at cfg.BasePath, creating the base
// directory if it does not already exist.
func New(cfg Config, fetchTimeout time.Duration, log *bridgelog.Logger) (*Provider, error) {
	if log == nil {
		log = bridgelog.Default()
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "acp-agent/"
	}
	if fetchTimeout <= 0 {
		fetchTimeout = 8 * time.Second
	}

	basePath, err := ExpandedBasePath(cfg.BasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to expand base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repo provider base directory: %w", err)
	}
	cfg.BasePath = basePath

	return &Provider{
		cfg:          cfg,
		log:          log,
		fetchTimeout: fetchTimeout,
		repoLocks:    make(map[string]*repoLockEntry),
	}, nil
}

func (p *Provider) getRepoLock(repoID string) *repoLockEntry {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()

	if entry, ok := p.repoLocks[repoID]; ok {
		entry.refCount++
		return entry
	}
	entry := &repoLockEntry{refCount: 1}
	p.repoLocks[repoID] = entry
	return entry
}

func (p *Provider) releaseRepoLock(repoID string) {
	p.repoLockMu.Lock()
	defer p.repoLockMu.Unlock()

	entry, ok := p.repoLocks[repoID]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(p.repoLocks, repoID)
	}
}

func (p *Provider) bareRepoPath(repoID string) string {
	return filepath.Join(p.cfg.BasePath, "bare", SanitizeSlug(repoID, 64)+".git")
}

// Provision ensures the bare mirror of remoteURL exists, then creates a
// fresh worktree on branch `acp-agent/<slug>-<unixnano>` off baseBranch
// (or cfg.DefaultBranch if baseBranch is empty), installs skillFiles into
// the worktree root, and returns a RepositoryHandle. On any failure after
// the worktree is created, Provision removes it before returning.
//
// token, when non-empty, is a short-lived credential (spec.md §4.3's
// token lifecycle) threaded into remoteURL as HTTP Basic auth for the
// clone and any subsequent fetch, so the bare mirror is never persisted
// with a long-lived credential baked in.
func (p *Provider) Provision(ctx context.Context, repoID, remoteURL, baseBranch, descriptiveSlug, token string, skillFiles []SkillFile) (bridgetypes.RepositoryHandle, error) {
	if baseBranch == "" {
		baseBranch = p.cfg.DefaultBranch
	}
	if baseBranch == "" {
		baseBranch = "main"
	}

	authedURL := withAccessToken(remoteURL, token)

	entry := p.getRepoLock(repoID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		p.releaseRepoLock(repoID)
	}()

	barePath := p.bareRepoPath(repoID)
	if err := cloneBareIfMissing(ctx, authedURL, barePath); err != nil {
		return bridgetypes.RepositoryHandle{}, fmt.Errorf("%w: %v", bridgeerr.RepoUnavailable, err)
	}
	if !isGitRepo(barePath) {
		return bridgetypes.RepositoryHandle{}, fmt.Errorf("%w: %s", ErrRepoNotGit, barePath)
	}

	baseRef := baseBranch
	if p.cfg.PullBeforeWork {
		baseRef = pullBaseBranch(ctx, func(reason, fallbackRef string, err error) {
			p.log.Warn("best-effort branch refresh failed before provisioning worktree",
				zap.String("repo_id", repoID),
				zap.String("reason", reason),
				zap.String("fallback_ref", fallbackRef),
				zap.Error(err))
		}, barePath, baseBranch, p.fetchTimeout)
	}

	if !branchExists(barePath, baseRef) {
		return bridgetypes.RepositoryHandle{}, fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseRef)
	}

	slug := SanitizeSlug(descriptiveSlug, 24)
	if slug == "" {
		slug = SanitizeSlug(repoID, 24)
	}
	branchName := NormalizeBranchPrefix(p.cfg.BranchPrefix) + slug + "-" + fmt.Sprintf("%d", time.Now().UnixNano())
	worktreePath := filepath.Join(p.cfg.BasePath, "worktrees", slug+"-"+fmt.Sprintf("%d", time.Now().UnixNano()))

	if err := gitAddWorktree(ctx, barePath, branchName, worktreePath, baseRef); err != nil {
		return bridgetypes.RepositoryHandle{}, fmt.Errorf("%w: %v", bridgeerr.WorktreeConflict, err)
	}

	if err := installSkillFiles(worktreePath, skillFiles); err != nil {
		_ = removeWorktree(ctx, barePath, worktreePath)
		return bridgetypes.RepositoryHandle{}, fmt.Errorf("failed to install skill files: %w", err)
	}

	p.log.Info("provisioned worktree",
		zap.String("repo_id", repoID),
		zap.String("branch", branchName),
		zap.String("path", worktreePath))

	handle := bridgetypes.RepositoryHandle{
		Cwd:        worktreePath,
		BranchName: branchName,
	}
	handle.Cleanup = func() error {
		return removeWorktree(context.Background(), barePath, worktreePath)
	}
	return handle, nil
}

// installSkillFiles writes each SkillFile into the worktree root,
// creating parent directories as needed. Spec.md's Open Question 4
// resolves the branch itself as never deleted on cleanup — only the
// worktree checkout is removed.
func installSkillFiles(worktreePath string, files []SkillFile) error {
	for _, f := range files {
		dest := filepath.Join(worktreePath, f.RelPath)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, f.Content, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile runs `git worktree prune` in the bare repository of each
// given repo id, clearing stale worktree registrations left behind by a
// prior crash, a narrowed form of the teacher's Manager.Reconcile
// best-effort cleanup pass. Worktree directories are not removed. The
// bridge's persistence store (not this package) is the source of truth
// for which worktrees are still owned by a live session; Reconcile only
// prunes git's own bookkeeping.
func (p *Provider) Reconcile(ctx context.Context, liveRepoIDs []string) error {
	for _, repoID := range liveRepoIDs {
		barePath := p.bareRepoPath(repoID)
		if !isGitRepo(barePath) {
			continue
		}
		pruneCmd := newNonInteractiveGitCmd(ctx, barePath, "worktree", "prune")
		if err := pruneCmd.Run(); err != nil {
			p.log.Debug("git worktree prune failed during reconcile", zap.String("repo_id", repoID), zap.Error(err))
		}
	}
	return nil
}
