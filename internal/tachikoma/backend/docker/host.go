package docker

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
)

// host is a handle on one sandbox container.
type host struct {
	id           string
	name         string
	containerRef string
	adapter      *Adapter
}

var (
	_ backend.Host            = (*host)(nil)
	_ codesync.GitEndpoint    = (*host)(nil)
	_ codesync.MirrorEndpoint = (*host)(nil)
)

func (h *host) ID() string      { return h.id }
func (h *host) Name() string    { return h.name }
func (h *host) Backend() string { return backendName }

// Addr carries the container id so handles can be rebuilt without a name
// lookup.
func (h *host) Addr() string { return h.containerRef }

func (h *host) Dir() string { return h.adapter.hostRoot }

func (h *host) workDir() string { return path.Join(h.adapter.hostRoot, "work") }
func (h *host) logsDir() string { return path.Join(h.adapter.hostRoot, "logs") }

func (h *host) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if len(argv) == 0 {
		return backend.CommandResult{}, fmt.Errorf("argv must not be empty")
	}
	if timeout <= 0 {
		return backend.CommandResult{}, fmt.Errorf("a timeout is required")
	}
	res, err := h.adapter.execCapture(ctx, h.containerRef, argv, h.workDir(), timeout)
	if err != nil {
		return backend.CommandResult{}, err
	}
	res.Argv = argv
	return res, nil
}

func (h *host) Reachable(ctx context.Context) bool {
	inspect, err := h.adapter.client.ContainerInspect(ctx, h.containerRef)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

func (h *host) Destroy(ctx context.Context) error {
	return h.adapter.DestroyHost(ctx, h.id)
}

// GitRemote exposes the in-container path over git's ext transport, which
// tunnels the pack protocol through a docker exec pipe. %S is substituted
// by git with the requested service name.
func (h *host) GitRemote(repoPath string) (string, error) {
	return fmt.Sprintf("ext::docker exec -i %s %%S '%s'", h.containerRef, repoPath), nil
}

// MirrorTarget routes rsync through docker exec. Remote shell transports
// need blocking io on stdin.
func (h *host) MirrorTarget(repoPath string) (string, []string, error) {
	transport := []string{"--blocking-io", "-e", "docker exec -i"}
	return h.containerRef + ":" + repoPath, transport, nil
}

// execCapture runs argv inside a container and collects its demuxed output
// and exit code. The timeout bounds the whole exchange.
func (a *Adapter) execCapture(ctx context.Context, containerRef string, argv []string, workDir string, timeout time.Duration) (backend.CommandResult, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := a.client.ContainerExecCreate(cctx, containerRef, container.ExecOptions{
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   workDir,
		Cmd:          argv,
	})
	if err != nil {
		return backend.CommandResult{}, fmt.Errorf("create exec: %w", err)
	}

	attach, err := a.client.ContainerExecAttach(cctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return backend.CommandResult{}, fmt.Errorf("attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		done <- copyErr
	}()
	select {
	case err = <-done:
		if err != nil {
			return backend.CommandResult{}, fmt.Errorf("read exec output: %w", err)
		}
	case <-cctx.Done():
		attach.Close()
		<-done
		return backend.CommandResult{}, fmt.Errorf("command timed out after %s: %w", timeout, cctx.Err())
	}

	// Inspect on the parent context; the deadline may have just fired
	// between the copy finishing and this call.
	inspect, err := a.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return backend.CommandResult{}, fmt.Errorf("exec vanished before inspection")
		}
		return backend.CommandResult{}, fmt.Errorf("inspect exec: %w", err)
	}
	return backend.CommandResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
