package sshback

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
)

// host is a handle on one remote sandbox directory.
type host struct {
	id      string
	name    string
	dir     string
	adapter *Adapter
}

var (
	_ backend.Host            = (*host)(nil)
	_ codesync.GitEndpoint    = (*host)(nil)
	_ codesync.MirrorEndpoint = (*host)(nil)
)

func (h *host) ID() string      { return h.id }
func (h *host) Name() string    { return h.name }
func (h *host) Backend() string { return backendName }
func (h *host) Addr() string    { return h.adapter.target() }
func (h *host) Dir() string     { return h.dir }

func (h *host) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if len(argv) == 0 {
		return backend.CommandResult{}, fmt.Errorf("argv must not be empty")
	}
	if timeout <= 0 {
		return backend.CommandResult{}, fmt.Errorf("a timeout is required")
	}
	script := remoteCommand(path.Join(h.dir, "work"), argv)
	res, err := h.adapter.run(ctx, script, timeout)
	if err != nil {
		return backend.CommandResult{}, err
	}
	res.Argv = argv
	return res, nil
}

func (h *host) Reachable(ctx context.Context) bool {
	res, err := h.adapter.run(ctx, fmt.Sprintf("[ -d %s ]", shellQuote(h.dir)), probeTimeout)
	return err == nil && res.ExitCode == 0
}

func (h *host) Destroy(ctx context.Context) error {
	return h.adapter.DestroyHost(ctx, h.id)
}

// GitRemote tunnels the pack protocol through an explicit ssh invocation so
// the configured port and key travel with the remote. %S is substituted by
// git with the requested service name.
func (h *host) GitRemote(repoPath string) (string, error) {
	a := h.adapter
	cmd := []string{"ext::ssh", "-o", "BatchMode=yes", "-p", fmt.Sprint(a.port)}
	if a.keyFile != "" {
		cmd = append(cmd, "-i", a.keyFile)
	}
	cmd = append(cmd, a.target(), "%S", shellQuote(repoPath))
	return strings.Join(cmd, " "), nil
}

// MirrorTarget points rsync at the remote path with the backend's ssh
// transport options.
func (h *host) MirrorTarget(repoPath string) (string, []string, error) {
	a := h.adapter
	ssh := fmt.Sprintf("ssh -o BatchMode=yes -p %d", a.port)
	if a.keyFile != "" {
		ssh += " -i " + a.keyFile
	}
	return a.target() + ":" + repoPath, []string{"-e", ssh}, nil
}

// remoteCommand renders argv as a script that runs inside the host's work
// tree.
func remoteCommand(workDir string, argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = shellQuote(arg)
	}
	return fmt.Sprintf("cd %s && exec %s", shellQuote(workDir), strings.Join(quoted, " "))
}
