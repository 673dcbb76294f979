package codesync_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
)

const testTimeout = 30 * time.Second

// localHost runs commands directly on this machine and serves filesystem
// paths as git remotes, standing in for a real backend host.
type localHost struct{ name string }

func (h *localHost) ID() string                          { return "host-" + h.name }
func (h *localHost) Name() string                        { return h.name }
func (h *localHost) Backend() string                     { return "test" }
func (h *localHost) Addr() string                        { return "" }
func (h *localHost) Dir() string                         { return "" }
func (h *localHost) Reachable(ctx context.Context) bool  { return true }
func (h *localHost) Destroy(ctx context.Context) error   { return nil }
func (h *localHost) GitRemote(path string) (string, error) { return path, nil }

func (h *localHost) MirrorTarget(path string) (string, []string, error) {
	return path, nil, nil
}

func (h *localHost) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if timeout <= 0 {
		return backend.CommandResult{}, fmt.Errorf("timeout is required")
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &stdout, &stderr
	err := cmd.Run()

	res := backend.CommandResult{Argv: argv, Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, err
}

// bareHost exposes the plain host surface without any sync capability.
type bareHost struct{ backend.Host }

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %s: %v\n%s", args, dir, err, out)
	}
	return strings.TrimSpace(string(out))
}

// initRepo creates an empty repository with a committer identity so the
// engine's stash commands work without global config.
func initRepo(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	gitIn(t, dir, "init", "--quiet")
	gitIn(t, dir, "config", "user.email", "test@example.com")
	gitIn(t, dir, "config", "user.name", "test")
	return dir
}

// cloneRepo clones src into a fresh directory.
func cloneRepo(t *testing.T, src string) string {
	t.Helper()
	parent, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}
	dir := filepath.Join(parent, "clone")
	cmd := exec.Command("git", "clone", "--quiet", src, dir)
	if out, cerr := cmd.CombinedOutput(); cerr != nil {
		t.Fatalf("git clone: %v\n%s", cerr, out)
	}
	gitIn(t, dir, "config", "user.email", "test@example.com")
	gitIn(t, dir, "config", "user.name", "test")
	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func commitAll(t *testing.T, dir, msg string) {
	t.Helper()
	gitIn(t, dir, "add", "-A")
	gitIn(t, dir, "commit", "--quiet", "-m", msg)
}

func head(t *testing.T, dir string) string {
	t.Helper()
	return gitIn(t, dir, "rev-parse", "HEAD")
}

// TestPush_TransfersHistory pushes one new commit into the remote checkout
// and verifies the remote work tree follows the ref.
func TestPush_TransfersHistory(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := cloneRepo(t, remote)
	writeFile(t, local, "hello.txt", "hello\n")
	commitAll(t, local, "add hello")

	eng := codesync.NewEngine(nil)
	res, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPush,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if head(t, remote) != head(t, local) {
		t.Error("remote head does not match local after push")
	}
	if _, err := os.Stat(filepath.Join(remote, "hello.txt")); err != nil {
		t.Errorf("remote work tree missing pushed file: %v", err)
	}
	if res.Commits != 1 {
		t.Errorf("Commits = %d, want 1", res.Commits)
	}
	if res.FilesTransferred != 1 {
		t.Errorf("FilesTransferred = %d, want 1", res.FilesTransferred)
	}
	if res.Stashed {
		t.Error("Stashed = true for a clean tree")
	}
}

// TestPush_DirtyAbort verifies the abort policy fails before touching the
// remote.
func TestPush_DirtyAbort(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")
	before := head(t, remote)

	local := cloneRepo(t, remote)
	writeFile(t, local, "base.txt", "modified\n")

	eng := codesync.NewEngine(nil)
	_, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPush,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	})

	var uncommitted *codesync.UncommittedChangesError
	if !errors.As(err, &uncommitted) {
		t.Fatalf("Sync error = %v, want UncommittedChangesError", err)
	}
	if len(uncommitted.Files) != 1 || uncommitted.Files[0] != "base.txt" {
		t.Errorf("Files = %v, want [base.txt]", uncommitted.Files)
	}
	if head(t, remote) != before {
		t.Error("remote moved despite aborted push")
	}
}

// TestPush_StashPolicy verifies uncommitted changes are shelved around the
// transfer and restored afterwards.
func TestPush_StashPolicy(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := cloneRepo(t, remote)
	writeFile(t, local, "committed.txt", "done\n")
	commitAll(t, local, "add committed")
	writeFile(t, local, "base.txt", "work in progress\n")

	eng := codesync.NewEngine(nil)
	res, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPush,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Policy:     codesync.PolicyStash,
		Timeout:    testTimeout,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if !res.Stashed {
		t.Error("Stashed = false, want true")
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("Conflicts = %v, want none", res.Conflicts)
	}

	if head(t, remote) != head(t, local) {
		t.Error("remote head does not match local after push")
	}
	remoteBase, err := os.ReadFile(filepath.Join(remote, "base.txt"))
	if err != nil || string(remoteBase) != "base\n" {
		t.Errorf("remote base.txt = %q, %v; the uncommitted edit must not transfer", remoteBase, err)
	}

	localBase, err := os.ReadFile(filepath.Join(local, "base.txt"))
	if err != nil || string(localBase) != "work in progress\n" {
		t.Errorf("local base.txt = %q, %v; stashed edit was not restored", localBase, err)
	}
	if out := gitIn(t, local, "stash", "list"); out != "" {
		t.Errorf("stash list = %q, want empty after restore", out)
	}
}

// TestPush_NotARepositoryRoot covers plain directories and repository
// subdirectories.
func TestPush_NotARepositoryRoot(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	eng := codesync.NewEngine(nil)

	t.Run("plain directory", func(t *testing.T) {
		plain := t.TempDir()
		_, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
			Direction:  codesync.DirectionPush,
			Mode:       codesync.ModeGit,
			LocalPath:  plain,
			RemotePath: remote,
			Timeout:    testTimeout,
		})
		var notRepo *codesync.NotAGitRepositoryError
		if !errors.As(err, &notRepo) {
			t.Fatalf("Sync error = %v, want NotAGitRepositoryError", err)
		}
		if notRepo.Remote {
			t.Error("Remote = true for a local path failure")
		}
	})

	t.Run("subdirectory of a repository", func(t *testing.T) {
		local := cloneRepo(t, remote)
		sub := filepath.Join(local, "sub")
		if err := os.Mkdir(sub, 0755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		_, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
			Direction:  codesync.DirectionPush,
			Mode:       codesync.ModeGit,
			LocalPath:  sub,
			RemotePath: remote,
			Timeout:    testTimeout,
		})
		var notRepo *codesync.NotAGitRepositoryError
		if !errors.As(err, &notRepo) {
			t.Fatalf("Sync error = %v, want NotAGitRepositoryError", err)
		}
	})
}

// TestPull_FastForwards brings new remote commits into the local checkout.
func TestPull_FastForwards(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := cloneRepo(t, remote)

	writeFile(t, remote, "more.txt", "more\n")
	commitAll(t, remote, "agent work")

	eng := codesync.NewEngine(nil)
	res, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPull,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}

	if head(t, local) != head(t, remote) {
		t.Error("local head does not match remote after pull")
	}
	if res.Commits != 1 {
		t.Errorf("Commits = %d, want 1", res.Commits)
	}
	if res.FilesTransferred != 1 {
		t.Errorf("FilesTransferred = %d, want 1", res.FilesTransferred)
	}
}

// TestPull_IntoEmptyLocal verifies a fresh checkout accepts the fetched
// head.
func TestPull_IntoEmptyLocal(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := initRepo(t)

	eng := codesync.NewEngine(nil)
	res, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPull,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if head(t, local) != head(t, remote) {
		t.Error("local head does not match remote")
	}
	if res.Commits != 1 {
		t.Errorf("Commits = %d, want 1", res.Commits)
	}
}

// TestPull_DirtyRemoteAbort verifies uncommitted agent work blocks the
// pull under the abort policy, since it would not be part of the transfer.
func TestPull_DirtyRemoteAbort(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := cloneRepo(t, remote)
	writeFile(t, remote, "base.txt", "agent wip\n")

	eng := codesync.NewEngine(nil)
	_, err := eng.Sync(context.Background(), &localHost{name: "r1"}, codesync.Descriptor{
		Direction:  codesync.DirectionPull,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	})

	var uncommitted *codesync.UncommittedChangesError
	if !errors.As(err, &uncommitted) {
		t.Fatalf("Sync error = %v, want UncommittedChangesError", err)
	}
	if uncommitted.Path != remote {
		t.Errorf("Path = %q, want the remote path %q", uncommitted.Path, remote)
	}
}

// TestPull_Diverged verifies a diverged local checkout refuses the
// fast-forward and that force resets it to the fetched head.
func TestPull_Diverged(t *testing.T) {
	requireGit(t)
	remote := initRepo(t)
	writeFile(t, remote, "base.txt", "base\n")
	commitAll(t, remote, "base")

	local := cloneRepo(t, remote)
	writeFile(t, local, "local.txt", "local\n")
	commitAll(t, local, "local work")
	writeFile(t, remote, "remote.txt", "remote\n")
	commitAll(t, remote, "remote work")

	eng := codesync.NewEngine(nil)
	desc := codesync.Descriptor{
		Direction:  codesync.DirectionPull,
		Mode:       codesync.ModeGit,
		LocalPath:  local,
		RemotePath: remote,
		Timeout:    testTimeout,
	}

	_, err := eng.Sync(context.Background(), &localHost{name: "r1"}, desc)
	var syncErr *codesync.GitSyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Sync error = %v, want GitSyncError", err)
	}
	if syncErr.Op != "fast-forward" {
		t.Errorf("Op = %q, want fast-forward", syncErr.Op)
	}

	desc.Policy = codesync.PolicyForce
	if _, err := eng.Sync(context.Background(), &localHost{name: "r1"}, desc); err != nil {
		t.Fatalf("forced Sync: %v", err)
	}
	if head(t, local) != head(t, remote) {
		t.Error("local head does not match remote after forced pull")
	}
}

// TestSync_NoGitCapability verifies hosts without a git transport fail
// before any command runs.
func TestSync_NoGitCapability(t *testing.T) {
	eng := codesync.NewEngine(nil)
	_, err := eng.Sync(context.Background(), &bareHost{Host: &localHost{name: "bare"}}, codesync.Descriptor{
		Direction:  codesync.DirectionPush,
		Mode:       codesync.ModeGit,
		LocalPath:  "/tmp/a",
		RemotePath: "/tmp/b",
		Timeout:    testTimeout,
	})
	var syncErr *codesync.GitSyncError
	if !errors.As(err, &syncErr) {
		t.Fatalf("Sync error = %v, want GitSyncError", err)
	}
}

// TestSync_ValidatesDescriptor covers the descriptor checks shared by both
// modes.
func TestSync_ValidatesDescriptor(t *testing.T) {
	eng := codesync.NewEngine(nil)
	base := codesync.Descriptor{
		Direction:  codesync.DirectionPush,
		Mode:       codesync.ModeGit,
		LocalPath:  "/tmp/a",
		RemotePath: "/tmp/b",
		Timeout:    testTimeout,
	}

	tests := []struct {
		name   string
		mutate func(*codesync.Descriptor)
	}{
		{"missing timeout", func(d *codesync.Descriptor) { d.Timeout = 0 }},
		{"unknown direction", func(d *codesync.Descriptor) { d.Direction = "sideways" }},
		{"unknown mode", func(d *codesync.Descriptor) { d.Mode = "tarball" }},
		{"unknown policy", func(d *codesync.Descriptor) { d.Policy = "maybe" }},
		{"missing local path", func(d *codesync.Descriptor) { d.LocalPath = "" }},
		{"missing remote path", func(d *codesync.Descriptor) { d.RemotePath = "" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mutate(&d)
			if _, err := eng.Sync(context.Background(), &localHost{}, d); err == nil {
				t.Error("Sync accepted an invalid descriptor")
			}
		})
	}
}
