package codesync

import (
	"fmt"
	"strings"
)

// NotAGitRepositoryError reports a sync path that is not the root of a git
// repository. Subdirectories of a repository do not qualify.
type NotAGitRepositoryError struct {
	Path   string
	Remote bool
}

func (e *NotAGitRepositoryError) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("%s path %s is not a git repository root", side, e.Path)
}

// UncommittedChangesError aborts a sync whose source work tree is dirty
// while the descriptor selected the abort policy. Nothing has been
// transferred.
type UncommittedChangesError struct {
	Path  string
	Files []string
}

func (e *UncommittedChangesError) Error() string {
	return fmt.Sprintf("work tree %s has %d uncommitted changes; commit them, or rerun with the stash or force policy",
		e.Path, len(e.Files))
}

// GitSyncError wraps a failed transport, inspection or merge step. Stderr
// carries the underlying git output when there is any.
type GitSyncError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *GitSyncError) Error() string {
	msg := fmt.Sprintf("git sync failed to %s", e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *GitSyncError) Unwrap() error { return e.Err }
