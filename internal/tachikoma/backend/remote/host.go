package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

// host is a handle on one controller-managed sandbox.
type host struct {
	id      string
	name    string
	addr    string
	dir     string
	adapter *Adapter
}

var _ backend.Host = (*host)(nil)

func (h *host) ID() string      { return h.id }
func (h *host) Name() string    { return h.name }
func (h *host) Backend() string { return backendName }
func (h *host) Addr() string    { return h.addr }
func (h *host) Dir() string     { return h.dir }

// Execute runs argv inside the sandbox via the controller. The timeout
// travels in the request so the controller enforces it at the process, and
// the client waits slightly longer to let the controller answer.
func (h *host) Execute(ctx context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if len(argv) == 0 {
		return backend.CommandResult{}, fmt.Errorf("argv must not be empty")
	}
	if timeout <= 0 {
		return backend.CommandResult{}, fmt.Errorf("a timeout is required")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	in := map[string]any{
		"argv":       argv,
		"timeout_ms": timeout.Milliseconds(),
	}
	var out struct {
		ExitCode int    `json:"exit_code"`
		Stdout   string `json:"stdout"`
		Stderr   string `json:"stderr"`
	}
	err := h.adapter.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(h.id)+"/exec", in, &out)
	if err != nil {
		return backend.CommandResult{}, fmt.Errorf("exec failed: %w", err)
	}
	return backend.CommandResult{
		Argv:     argv,
		ExitCode: out.ExitCode,
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
	}, nil
}

func (h *host) Reachable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.adapter.opTimeout)
	defer cancel()

	var out hostObject
	if err := h.adapter.do(ctx, http.MethodGet, "/v1/hosts/"+url.PathEscape(h.id), nil, &out); err != nil {
		return false
	}
	return out.State == "" || out.State == "running"
}

func (h *host) Destroy(ctx context.Context) error {
	return h.adapter.DestroyHost(ctx, h.id)
}
