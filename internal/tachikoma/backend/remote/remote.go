// Package remote drives agent sandboxes through a sandbox controller's
// HTTP API. The controller owns the machines; this backend only speaks the
// wire protocol, so it carries no git or mirror transport and sync requests
// against its hosts are refused by capability.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bdobrica/Tachikoma/common/redact"
	"github.com/bdobrica/Tachikoma/common/retry"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const backendName = "remote"

const configSchema = `{
  "type": "object",
  "properties": {
    "url": {
      "type": "string",
      "description": "base URL of the sandbox controller"
    },
    "token": {
      "type": "string",
      "description": "bearer token for the controller API"
    },
    "request_timeout": {
      "type": "string",
      "description": "per-request deadline for control calls, e.g. \"30s\""
    }
  },
  "required": ["url"],
  "additionalProperties": false
}`

// Config is the remote provider configuration block.
type Config struct {
	URL            string `json:"url"`
	Token          string `json:"token"`
	RequestTimeout string `json:"request_timeout"`
}

// Register adds the remote backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backendName, []byte(configSchema), func(cfg map[string]any) (backend.Provider, error) {
		var c Config
		if err := backend.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(c)
	})
}

// Adapter implements backend.Provider against a sandbox controller.
type Adapter struct {
	baseURL   string
	token     string
	opTimeout time.Duration
	http      *http.Client
}

func New(c Config) (*Adapter, error) {
	if c.URL == "" {
		return nil, fmt.Errorf("remote: a controller url is required")
	}
	a := &Adapter{
		baseURL:   strings.TrimRight(c.URL, "/"),
		token:     c.Token,
		opTimeout: 30 * time.Second,
		http:      &http.Client{},
	}
	if c.RequestTimeout != "" {
		d, err := time.ParseDuration(c.RequestTimeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("remote: invalid request_timeout %q", c.RequestTimeout)
		}
		a.opTimeout = d
	}
	return a, nil
}

func (a *Adapter) Backend() string { return backendName }

// apiError is a non-2xx controller response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("controller returned status %d", e.Status)
	}
	return fmt.Sprintf("controller returned status %d: %s", e.Status, e.Message)
}

func isNotFound(err error) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == http.StatusNotFound
}

// transient reports whether a call is worth retrying: network failures and
// controller-side 5xx responses.
func transient(err error) bool {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae.Status >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

var listRetry = retry.Config{MaxAttempts: 3, InitialDelay: 200 * time.Millisecond, ShouldRetry: transient}

// do performs one JSON round trip against the controller.
func (a *Adapter) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		// Some controllers echo request headers into error bodies; keep
		// the bearer token out of logs and notifications.
		clean := redact.String(strings.TrimSpace(string(msg)), a.token)
		return &apiError{Status: resp.StatusCode, Message: clean}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// hostObject is the controller's host representation.
type hostObject struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Dir     string `json:"dir"`
	State   string `json:"state"`
}

func (a *Adapter) CreateHost(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	in := map[string]any{
		"id":     spec.ID,
		"name":   spec.Name,
		"image":  spec.Image,
		"env":    spec.Env,
		"labels": spec.Labels,
	}
	var out hostObject
	if err := a.do(ctx, http.MethodPost, "/v1/hosts", in, &out); err != nil {
		return nil, fmt.Errorf("create host failed: %w", err)
	}
	return a.newHost(out), nil
}

func (a *Adapter) AttachHost(ctx context.Context, ref backend.HostRef) (backend.Host, error) {
	return a.newHost(hostObject{ID: ref.ID, Name: ref.Name, Address: ref.Address, Dir: ref.Dir}), nil
}

func (a *Adapter) ListHosts(ctx context.Context) ([]backend.Host, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	var out struct {
		Hosts []hostObject `json:"hosts"`
	}
	err := retry.Do(ctx, listRetry, func() error {
		return a.do(ctx, http.MethodGet, "/v1/hosts", nil, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("list hosts failed: %w", err)
	}
	hosts := make([]backend.Host, 0, len(out.Hosts))
	for _, h := range out.Hosts {
		hosts = append(hosts, a.newHost(h))
	}
	return hosts, nil
}

func (a *Adapter) DestroyHost(ctx context.Context, hostID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	err := a.do(ctx, http.MethodDelete, "/v1/hosts/"+url.PathEscape(hostID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("destroy host failed: %w", err)
	}
	return nil
}

func (a *Adapter) StartAgent(ctx context.Context, h backend.Host, spec backend.AgentSpec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	in := map[string]any{
		"id":      spec.ID,
		"name":    spec.Name,
		"type":    spec.Type,
		"command": spec.Command,
		"env":     spec.Env,
	}
	var out struct {
		RuntimeID string `json:"runtime_id"`
	}
	if err := a.do(ctx, http.MethodPost, "/v1/hosts/"+url.PathEscape(h.ID())+"/agents", in, &out); err != nil {
		return "", fmt.Errorf("start agent failed: %w", err)
	}
	if out.RuntimeID == "" {
		return "", fmt.Errorf("controller reported no runtime id")
	}
	return out.RuntimeID, nil
}

// StopAgent asks the controller to terminate the agent process. A missing
// agent means it is already gone.
func (a *Adapter) StopAgent(ctx context.Context, h backend.Host, runtimeID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	err := a.do(ctx, http.MethodDelete, agentPath(h.ID(), runtimeID), nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("stop agent failed: %w", err)
	}
	return nil
}

func (a *Adapter) AgentRunning(ctx context.Context, h backend.Host, runtimeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	var out struct {
		Running bool `json:"running"`
	}
	err := a.do(ctx, http.MethodGet, agentPath(h.ID(), runtimeID), nil, &out)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("agent status failed: %w", err)
	}
	return out.Running, nil
}

func (a *Adapter) ListAgents(ctx context.Context) ([]backend.AgentObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	var out struct {
		Agents []struct {
			AgentID   string `json:"agent_id"`
			HostID    string `json:"host_id"`
			RuntimeID string `json:"runtime_id"`
			Running   bool   `json:"running"`
		} `json:"agents"`
	}
	err := retry.Do(ctx, listRetry, func() error {
		return a.do(ctx, http.MethodGet, "/v1/agents", nil, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("list agents failed: %w", err)
	}
	observations := make([]backend.AgentObservation, 0, len(out.Agents))
	for _, o := range out.Agents {
		observations = append(observations, backend.AgentObservation{
			AgentID:   o.AgentID,
			HostID:    o.HostID,
			RuntimeID: o.RuntimeID,
			Running:   o.Running,
		})
	}
	return observations, nil
}

func (a *Adapter) newHost(o hostObject) *host {
	return &host{id: o.ID, name: o.Name, addr: o.Address, dir: o.Dir, adapter: a}
}

func agentPath(hostID, runtimeID string) string {
	return "/v1/hosts/" + url.PathEscape(hostID) + "/agents/" + url.PathEscape(runtimeID)
}
