package codesync

import (
	"context"
	"errors"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/procgroup"
)

var errDetachedHead = errors.New("work tree is on a detached HEAD")

// syncGit transfers committed history between the two checkouts. The policy
// applies to the source work tree: the side whose uncommitted changes would
// otherwise be silently left out of the transfer.
func (e *Engine) syncGit(ctx context.Context, g *procgroup.Group, host backend.Host, d Descriptor) (*Result, error) {
	ge, ok := host.(backend.GitEndpoint)
	if !ok {
		return nil, &GitSyncError{Op: "resolve transport",
			Err: errors.New("backend " + host.Backend() + " cannot serve as a git peer")}
	}

	if err := e.checkLocalRoot(ctx, g, d); err != nil {
		return nil, err
	}
	if err := checkRemoteRoot(ctx, host, d); err != nil {
		return nil, err
	}

	remote, err := ge.GitRemote(d.RemotePath)
	if err != nil {
		return nil, &GitSyncError{Op: "resolve transport", Err: err}
	}

	if d.Direction == DirectionPush {
		return e.push(ctx, g, host, d, remote)
	}
	return e.pull(ctx, g, host, d, remote)
}

func (e *Engine) push(ctx context.Context, g *procgroup.Group, host backend.Host, d Descriptor, remote string) (*Result, error) {
	branch, err := e.localBranch(ctx, g, d)
	if err != nil {
		return nil, err
	}

	dirty, err := e.localDirty(ctx, g, d)
	if err != nil {
		return nil, err
	}

	result := &Result{Branch: branch}
	restore := func() {}
	defer func() { restore() }()

	if len(dirty) > 0 {
		switch d.Policy {
		case PolicyAbort:
			return nil, &UncommittedChangesError{Path: d.LocalPath, Files: dirty}
		case PolicyStash:
			res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "stash", "push", "-u", "-m", "tachikoma sync")
			if err != nil {
				return nil, err
			}
			if !res.Success() {
				return nil, &GitSyncError{Op: "stash local changes", Stderr: res.Stderr}
			}
			result.Stashed = true
			restore = func() { result.Conflicts = e.restoreLocalStash(ctx, g, d) }
		case PolicyForce:
			// uncommitted work stays put; the transfer carries commits only
		}
	}

	// The previous remote head anchors the transfer accounting. An empty
	// repository has none.
	oldHead := ""
	if res, err := host.Execute(ctx, gitArgv(d.RemotePath, "rev-parse", "HEAD"), d.Timeout); err == nil && res.Success() {
		oldHead = strings.TrimSpace(res.Stdout)
	}

	// Keep the remote work tree following its checked-out branch when the
	// push updates it.
	res, err := host.Execute(ctx, gitArgv(d.RemotePath, "config", "receive.denyCurrentBranch", "updateInstead"), d.Timeout)
	if err != nil {
		return nil, &GitSyncError{Op: "configure remote", Err: err}
	}
	if !res.Success() {
		return nil, &GitSyncError{Op: "configure remote", Stderr: res.Stderr}
	}

	args := []string{"push"}
	if d.Policy == PolicyForce {
		args = append(args, "--force")
	}
	args = append(args, remote, branch+":"+branch)
	pres, err := e.git(ctx, g, d.LocalPath, d.Timeout, args...)
	if err != nil {
		return nil, err
	}
	if !pres.Success() {
		return nil, &GitSyncError{Op: "push", Stderr: pres.Stderr}
	}

	result.Commits, result.FilesTransferred = e.transferStats(ctx, g, d, oldHead, branch)
	e.log.Info("git push completed",
		"host", host.Name(), "branch", branch,
		"commits", result.Commits, "files", result.FilesTransferred, "stashed", result.Stashed)
	return result, nil
}

func (e *Engine) pull(ctx context.Context, g *procgroup.Group, host backend.Host, d Descriptor, remote string) (*Result, error) {
	// The remote's checked-out branch is what the agent has been working
	// on; that is the ref to bring home.
	bres, err := host.Execute(ctx, gitArgv(d.RemotePath, "rev-parse", "--abbrev-ref", "HEAD"), d.Timeout)
	if err != nil {
		return nil, &GitSyncError{Op: "resolve remote branch", Err: err}
	}
	if !bres.Success() {
		return nil, &GitSyncError{Op: "resolve remote branch", Stderr: bres.Stderr}
	}
	branch := strings.TrimSpace(bres.Stdout)
	if branch == "HEAD" {
		return nil, &GitSyncError{Op: "resolve remote branch", Err: errDetachedHead}
	}

	sres, err := host.Execute(ctx, gitArgv(d.RemotePath, "status", "--porcelain"), d.Timeout)
	if err != nil {
		return nil, &GitSyncError{Op: "inspect remote work tree", Err: err}
	}
	if !sres.Success() {
		return nil, &GitSyncError{Op: "inspect remote work tree", Stderr: sres.Stderr}
	}
	dirty := porcelainFiles(sres.Stdout)

	result := &Result{Branch: branch}
	restore := func() {}
	defer func() { restore() }()

	if len(dirty) > 0 {
		switch d.Policy {
		case PolicyAbort:
			return nil, &UncommittedChangesError{Path: d.RemotePath, Files: dirty}
		case PolicyStash:
			res, err := host.Execute(ctx, gitArgv(d.RemotePath, "stash", "push", "-u", "-m", "tachikoma sync"), d.Timeout)
			if err != nil {
				return nil, &GitSyncError{Op: "stash remote changes", Err: err}
			}
			if !res.Success() {
				return nil, &GitSyncError{Op: "stash remote changes", Stderr: res.Stderr}
			}
			result.Stashed = true
			restore = func() { result.Conflicts = e.restoreRemoteStash(ctx, host, d) }
		case PolicyForce:
			// uncommitted remote work is simply not part of the transfer
		}
	}

	fres, err := e.git(ctx, g, d.LocalPath, d.Timeout, "fetch", remote, branch)
	if err != nil {
		return nil, err
	}
	if !fres.Success() {
		return nil, &GitSyncError{Op: "fetch", Stderr: fres.Stderr}
	}

	// An unborn local HEAD means a fresh checkout; anything fetched is
	// trivially a fast-forward from nothing.
	unborn := false
	if res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "rev-parse", "--verify", "HEAD"); err != nil {
		return nil, err
	} else if !res.Success() {
		unborn = true
	}

	from := "HEAD"
	if unborn {
		from = ""
	}
	result.Commits, result.FilesTransferred = e.transferStats(ctx, g, d, from, "FETCH_HEAD")

	var mres procgroup.Result
	if d.Policy == PolicyForce || unborn {
		mres, err = e.git(ctx, g, d.LocalPath, d.Timeout, "reset", "--hard", "FETCH_HEAD")
	} else {
		mres, err = e.git(ctx, g, d.LocalPath, d.Timeout, "merge", "--ff-only", "FETCH_HEAD")
	}
	if err != nil {
		return nil, err
	}
	if !mres.Success() {
		return nil, &GitSyncError{Op: "fast-forward", Stderr: mres.Stderr}
	}

	e.log.Info("git pull completed",
		"host", host.Name(), "branch", branch,
		"commits", result.Commits, "files", result.FilesTransferred, "stashed", result.Stashed)
	return result, nil
}

// git runs one local git command inside the sync's process group. Exit
// codes come back in the result; only spawn, timeout and cancellation
// conditions error.
func (e *Engine) git(ctx context.Context, g *procgroup.Group, dir string, timeout time.Duration, args ...string) (procgroup.Result, error) {
	argv := append([]string{"git", "-C", dir}, args...)
	return g.Run(ctx, procgroup.Command{Argv: argv, Timeout: timeout})
}

func gitArgv(dir string, args ...string) []string {
	return append([]string{"git", "-C", dir}, args...)
}

func (e *Engine) checkLocalRoot(ctx context.Context, g *procgroup.Group, d Descriptor) error {
	res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "rev-parse", "--show-toplevel")
	if err != nil {
		return err
	}
	if !res.Success() || !samePath(strings.TrimSpace(res.Stdout), d.LocalPath) {
		return &NotAGitRepositoryError{Path: d.LocalPath}
	}
	return nil
}

func checkRemoteRoot(ctx context.Context, host backend.Host, d Descriptor) error {
	res, err := host.Execute(ctx, gitArgv(d.RemotePath, "rev-parse", "--show-toplevel"), d.Timeout)
	if err != nil {
		return &GitSyncError{Op: "probe remote repository", Err: err}
	}
	if !res.Success() || path.Clean(strings.TrimSpace(res.Stdout)) != path.Clean(d.RemotePath) {
		return &NotAGitRepositoryError{Path: d.RemotePath, Remote: true}
	}
	return nil
}

func (e *Engine) localBranch(ctx context.Context, g *procgroup.Group, d Descriptor) (string, error) {
	res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", &GitSyncError{Op: "resolve branch", Stderr: res.Stderr}
	}
	branch := strings.TrimSpace(res.Stdout)
	if branch == "HEAD" {
		return "", &GitSyncError{Op: "resolve branch", Err: errDetachedHead}
	}
	return branch, nil
}

func (e *Engine) localDirty(ctx context.Context, g *procgroup.Group, d Descriptor) ([]string, error) {
	res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		return nil, &GitSyncError{Op: "inspect work tree", Stderr: res.Stderr}
	}
	return porcelainFiles(res.Stdout), nil
}

// transferStats counts commits and changed files between two revisions,
// best effort. An empty from means the destination had no history; the
// commit count then covers the whole branch and no file diff is reported.
func (e *Engine) transferStats(ctx context.Context, g *procgroup.Group, d Descriptor, from, to string) (commits, files int) {
	rangeSpec := to
	if from != "" {
		rangeSpec = from + ".." + to
	}
	if res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "rev-list", "--count", rangeSpec); err == nil && res.Success() {
		if n, err := strconv.Atoi(strings.TrimSpace(res.Stdout)); err == nil {
			commits = n
		}
	}
	if from != "" {
		if res, err := e.git(ctx, g, d.LocalPath, d.Timeout, "diff", "--shortstat", rangeSpec); err == nil && res.Success() {
			files = parseShortstat(res.Stdout)
		}
	}
	return commits, files
}

// restoreLocalStash pops the shelved changes once the transfer is done. A
// conflicted pop is reported through the result, not as a sync failure;
// the restore keeps running even when the surrounding context is gone.
func (e *Engine) restoreLocalStash(ctx context.Context, g *procgroup.Group, d Descriptor) []string {
	rctx := context.WithoutCancel(ctx)
	res, err := e.git(rctx, g, d.LocalPath, d.Timeout, "stash", "pop")
	if err == nil && res.Success() {
		return nil
	}
	e.log.Warn("failed to restore stashed changes", "path", d.LocalPath, "error", err, "stderr", strings.TrimSpace(res.Stderr))
	if cres, cerr := e.git(rctx, g, d.LocalPath, d.Timeout, "diff", "--name-only", "--diff-filter=U"); cerr == nil && cres.Success() {
		return splitLines(cres.Stdout)
	}
	return nil
}

func (e *Engine) restoreRemoteStash(ctx context.Context, host backend.Host, d Descriptor) []string {
	rctx := context.WithoutCancel(ctx)
	res, err := host.Execute(rctx, gitArgv(d.RemotePath, "stash", "pop"), d.Timeout)
	if err == nil && res.Success() {
		return nil
	}
	e.log.Warn("failed to restore remote stashed changes", "path", d.RemotePath, "error", err, "stderr", strings.TrimSpace(res.Stderr))
	if cres, cerr := host.Execute(rctx, gitArgv(d.RemotePath, "diff", "--name-only", "--diff-filter=U"), d.Timeout); cerr == nil && cres.Success() {
		return splitLines(cres.Stdout)
	}
	return nil
}

// porcelainFiles extracts the path column from git status --porcelain
// output.
func porcelainFiles(out string) []string {
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) > 3 {
			files = append(files, strings.TrimSpace(line[3:]))
		}
	}
	return files
}

// parseShortstat reads the leading file count out of a git diff --shortstat
// line such as " 3 files changed, 10 insertions(+), 2 deletions(-)".
func parseShortstat(out string) int {
	fields := strings.Fields(out)
	if len(fields) >= 2 && strings.HasPrefix(fields[1], "file") {
		if n, err := strconv.Atoi(fields[0]); err == nil {
			return n
		}
	}
	return 0
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// samePath reports whether two local paths name the same directory once
// cleaned and resolved through symlinks.
func samePath(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if r, err := filepath.EvalSymlinks(a); err == nil {
		a = r
	}
	if r, err := filepath.EvalSymlinks(b); err == nil {
		b = r
	}
	return a == b
}
