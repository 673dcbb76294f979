package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/procgroup"
)

// host is one sandbox directory. Commands run with the work tree as their
// working directory.
type host struct {
	id      string
	name    string
	dir     string
	adapter *Adapter
}

var (
	_ backend.Host           = (*host)(nil)
	_ backend.GitEndpoint    = (*host)(nil)
	_ backend.MirrorEndpoint = (*host)(nil)
)

func (h *host) ID() string      { return h.id }
func (h *host) Name() string    { return h.name }
func (h *host) Backend() string { return backendName }
func (h *host) Dir() string     { return h.dir }

// Addr is empty: local hosts need no locator beyond their directory.
func (h *host) Addr() string { return "" }

func (h *host) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if len(argv) == 0 {
		return backend.CommandResult{}, fmt.Errorf("argv must not be empty")
	}
	g := procgroup.Open("host-" + h.name)
	defer g.Close()

	res, err := g.Run(ctx, procgroup.Command{
		Argv:    argv,
		Dir:     filepath.Join(h.dir, workDirName),
		Timeout: timeout,
	})
	if err != nil {
		return backend.CommandResult{Argv: argv}, err
	}
	return backend.CommandResult{Argv: argv, ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}, nil
}

func (h *host) Reachable(ctx context.Context) bool {
	info, err := os.Stat(h.dir)
	return err == nil && info.IsDir()
}

func (h *host) Destroy(ctx context.Context) error {
	return h.adapter.DestroyHost(ctx, h.id)
}

// GitRemote serves sandbox paths directly: git treats an absolute path as a
// local transport.
func (h *host) GitRemote(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("remote path must not be empty")
	}
	return path, nil
}

func (h *host) MirrorTarget(path string) (string, []string, error) {
	if path == "" {
		return "", nil, fmt.Errorf("remote path must not be empty")
	}
	return path, nil, nil
}
