package repoprovider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// newNonInteractiveGitCmd builds a git invocation that can never block on
// a credential prompt: spec.md §4.3 requires every Repository Provider
// git call to fail fast rather than hang waiting for terminal input.
func newNonInteractiveGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func isGitRepo(path string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = path
	if err := cmd.Run(); err == nil {
		return true
	}
	// A bare repo fails --is-inside-work-tree; confirm via --is-bare-repository.
	cmd = exec.Command("git", "rev-parse", "--is-bare-repository")
	cmd.Dir = path
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

func branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// classifyGitFallbackReason labels why a best-effort fetch/pull was
// abandoned, for structured logging rather than a raw git error string.
func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}

	out := strings.ToLower(cmdOutput)
	switch {
	case strings.Contains(out, "authentication failed"),
		strings.Contains(out, "terminal prompts disabled"),
		strings.Contains(out, "could not read username"),
		strings.Contains(out, "username for 'https://"),
		strings.Contains(out, "askpass"):
		return "non_interactive_auth_failed"
	default:
		return "git_command_failed"
	}
}

// cloneBareIfMissing ensures a bare mirror of remoteURL exists at
// barePath. If the mirror already exists, it refreshes origin's URL to
// remoteURL instead of re-cloning: the bare mirror outlives any one
// short-lived token (spec.md §4.3), so a freshly minted token must
// reach "origin" even on a repo that was cloned hours ago.
func cloneBareIfMissing(ctx context.Context, remoteURL, barePath string) error {
	if isGitRepo(barePath) {
		setURLCmd := newNonInteractiveGitCmd(ctx, barePath, "remote", "set-url", "origin", remoteURL)
		_ = setURLCmd.Run()
		return nil
	}
	cmd := newNonInteractiveGitCmd(ctx, "", "clone", "--bare", remoteURL, barePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// gitAddWorktree runs "git worktree add -b <branch> <path> <baseRef>"
// against the bare repository.
func gitAddWorktree(ctx context.Context, barePath, branchName, worktreePath, baseRef string) error {
	cmd := newNonInteractiveGitCmd(ctx, barePath, "worktree", "add", "-b", branchName, worktreePath, baseRef)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

// removeWorktree detaches worktreePath from barePath, falling back to a
// manual rm -rf plus prune when git itself refuses (e.g. dirty tree).
func removeWorktree(ctx context.Context, barePath, worktreePath string) error {
	cmd := newNonInteractiveGitCmd(ctx, barePath, "worktree", "remove", "--force", worktreePath)
	if output, err := cmd.CombinedOutput(); err != nil {
		if rmErr := forceRemoveDir(worktreePath); rmErr != nil {
			return fmt.Errorf("%w: %s (fallback rm failed: %v)", ErrGitCommandFailed, string(output), rmErr)
		}
		pruneCmd := newNonInteractiveGitCmd(ctx, barePath, "worktree", "prune")
		_ = pruneCmd.Run()
	}
	return nil
}

func forceRemoveDir(dir string) error {
	const maxRetries = 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		} else {
			lastErr = err
		}
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}

// pullBaseBranch performs a best-effort fetch (and fast-forward pull, if
// currently checked out on baseBranch) against origin, returning the best
// ref available to found a new worktree on. Failures are non-fatal: the
// caller proceeds with whatever ref pullBaseBranch returns.
func pullBaseBranch(ctx context.Context, log func(reason, fallbackRef string, err error), barePath, baseBranch string, fetchTimeout time.Duration) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := newNonInteractiveGitCmd(fetchCtx, barePath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		log(classifyGitFallbackReason(err, string(output), fetchCtx.Err()), baseBranch, err)
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if currentBranch(barePath) == baseBranch {
		pullCtx, cancelPull := context.WithTimeout(ctx, fetchTimeout)
		defer cancelPull()
		pullCmd := newNonInteractiveGitCmd(pullCtx, barePath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			fallbackRef := baseBranch
			if branchExists(barePath, remoteRef) {
				fallbackRef = remoteRef
			}
			log(classifyGitFallbackReason(err, string(output), pullCtx.Err()), fallbackRef, err)
			return fallbackRef
		}
		return baseBranch
	}

	if branchExists(barePath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}
