package repoprovider

import "errors"

var (
	// ErrRepoNotGit is returned when a bare repository path is not a valid git repository.
	ErrRepoNotGit = errors.New("repository is not a git repository")

	// ErrInvalidBaseBranch is returned when the resolved base ref does not exist.
	ErrInvalidBaseBranch = errors.New("base branch does not exist")

	// ErrGitCommandFailed wraps a non-zero exit from a git invocation, with
	// the command's combined output appended by the caller.
	ErrGitCommandFailed = errors.New("git command failed")
)
