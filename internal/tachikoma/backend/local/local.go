// Package local runs agent sandboxes as plain processes on this machine.
// Every host is a directory under the configured base: a work tree for the
// agent, the standard logs layout, and small JSON records that make the
// backend enumerable after a daemon restart.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/agentdir"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const (
	backendName   = "local"
	hostMetaFile  = "host.json"
	agentMetaFile = "agent.json"
	workDirName   = "work"
	agentLogName  = "agent.log"

	labelAgent = "tachikoma.agent"
)

const configSchema = `{
  "type": "object",
  "properties": {
    "base_dir": {
      "type": "string",
      "description": "directory holding one sandbox directory per host"
    },
    "grace_period": {
      "type": "string",
      "description": "wait between SIGTERM and SIGKILL when stopping an agent, as a Go duration"
    }
  },
  "additionalProperties": false
}`

// Config is the local backend's provider configuration block.
type Config struct {
	BaseDir     string `json:"base_dir"`
	GracePeriod string `json:"grace_period"`
}

// Register adds the local backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backendName, []byte(configSchema), func(cfg map[string]any) (backend.Provider, error) {
		var c Config
		if err := backend.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(c)
	})
}

// Adapter implements backend.Provider on top of the local filesystem and
// process table.
type Adapter struct {
	base  string
	grace time.Duration
}

// New creates a local adapter, building the base directory if needed.
func New(c Config) (*Adapter, error) {
	base := c.BaseDir
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		base = filepath.Join(home, ".tachikoma", "hosts")
	}
	grace := 10 * time.Second
	if c.GracePeriod != "" {
		d, err := time.ParseDuration(c.GracePeriod)
		if err != nil {
			return nil, fmt.Errorf("invalid grace_period: %w", err)
		}
		grace = d
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base dir: %w", err)
	}
	return &Adapter{base: base, grace: grace}, nil
}

func (a *Adapter) Backend() string { return backendName }

// hostMeta is the on-disk host record; it is what ListHosts enumerates.
type hostMeta struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// agentMeta records the launched agent process for liveness checks and
// reconciliation.
type agentMeta struct {
	AgentID   string    `json:"agent_id"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func (a *Adapter) CreateHost(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	if spec.ID == "" {
		return nil, fmt.Errorf("host spec is missing an id")
	}
	dir := filepath.Join(a.base, spec.ID)
	if err := os.MkdirAll(filepath.Join(dir, workDirName), 0755); err != nil {
		return nil, fmt.Errorf("failed to create host dir: %w", err)
	}
	if err := agentdir.Init(dir); err != nil {
		return nil, err
	}
	meta := hostMeta{ID: spec.ID, Name: spec.Name, Labels: spec.Labels, CreatedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(dir, hostMetaFile), meta); err != nil {
		return nil, fmt.Errorf("failed to write host record: %w", err)
	}
	return a.newHost(spec.ID, spec.Name, dir), nil
}

func (a *Adapter) AttachHost(ctx context.Context, ref backend.HostRef) (backend.Host, error) {
	dir := ref.Dir
	if dir == "" {
		dir = filepath.Join(a.base, ref.ID)
	}
	return a.newHost(ref.ID, ref.Name, dir), nil
}

func (a *Adapter) ListHosts(ctx context.Context) ([]backend.Host, error) {
	entries, err := os.ReadDir(a.base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read base dir: %w", err)
	}
	var hosts []backend.Host
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.base, entry.Name())
		var meta hostMeta
		if err := readJSON(filepath.Join(dir, hostMetaFile), &meta); err != nil {
			continue
		}
		hosts = append(hosts, a.newHost(meta.ID, meta.Name, dir))
	}
	return hosts, nil
}

func (a *Adapter) DestroyHost(ctx context.Context, hostID string) error {
	dir := filepath.Join(a.base, hostID)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	// Take the agent process down with the sandbox.
	var meta agentMeta
	if err := readJSON(filepath.Join(dir, agentMetaFile), &meta); err == nil && processAlive(meta.PID) {
		_ = syscall.Kill(-meta.PID, syscall.SIGKILL)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove host dir: %w", err)
	}
	return nil
}

func (a *Adapter) StartAgent(ctx context.Context, h backend.Host, spec backend.AgentSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("agent %s: the local backend requires an explicit command", spec.Name)
	}
	dir := h.Dir()
	logPath := filepath.Join(agentdir.LogsDir(dir), agentLogName)
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open agent log: %w", err)
	}
	defer logFile.Close()

	// The agent outlives this call, so it runs detached in its own session
	// rather than inside a waited-on process group.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = filepath.Join(dir, workDirName)
	cmd.Env = agentEnv(spec)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start agent process: %w", err)
	}
	pid := cmd.Process.Pid
	go func() { _ = cmd.Wait() }()

	meta := agentMeta{AgentID: spec.ID, PID: pid, StartedAt: time.Now().UTC()}
	if err := writeJSON(filepath.Join(dir, agentMetaFile), meta); err != nil {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		return "", fmt.Errorf("failed to write agent record: %w", err)
	}
	return runtimeID(pid), nil
}

func (a *Adapter) StopAgent(ctx context.Context, h backend.Host, runtimeID string) error {
	pid, err := parseRuntimeID(runtimeID)
	if err != nil {
		return err
	}
	defer a.clearAgentMeta(h.Dir())

	// Signal the whole session; agents fork children.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		return fmt.Errorf("failed to signal agent process %d: %w", pid, err)
	}

	deadline := time.Now().Add(a.grace)
	for processAlive(pid) && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	if processAlive(pid) {
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
	return nil
}

func (a *Adapter) AgentRunning(ctx context.Context, h backend.Host, runtimeID string) (bool, error) {
	pid, err := parseRuntimeID(runtimeID)
	if err != nil {
		return false, err
	}
	return processAlive(pid), nil
}

func (a *Adapter) ListAgents(ctx context.Context) ([]backend.AgentObservation, error) {
	entries, err := os.ReadDir(a.base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read base dir: %w", err)
	}
	var observations []backend.AgentObservation
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		var meta agentMeta
		if err := readJSON(filepath.Join(a.base, entry.Name(), agentMetaFile), &meta); err != nil {
			continue
		}
		observations = append(observations, backend.AgentObservation{
			AgentID:   meta.AgentID,
			HostID:    entry.Name(),
			RuntimeID: runtimeID(meta.PID),
			Running:   processAlive(meta.PID),
		})
	}
	return observations, nil
}

func (a *Adapter) newHost(id, name, dir string) *host {
	return &host{id: id, name: name, dir: dir, adapter: a}
}

func (a *Adapter) clearAgentMeta(dir string) {
	_ = os.Remove(filepath.Join(dir, agentMetaFile))
}

func agentEnv(spec backend.AgentSpec) []string {
	env := append(os.Environ(),
		"AGENT_ID="+spec.ID,
		"AGENT_NAME="+spec.Name,
		"AGENT_TYPE="+spec.Type,
	)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	return env
}

func runtimeID(pid int) string { return fmt.Sprintf("pid:%d", pid) }

func parseRuntimeID(id string) (int, error) {
	raw, ok := strings.CutPrefix(id, "pid:")
	if !ok {
		return 0, fmt.Errorf("malformed runtime id %q", id)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed runtime id %q", id)
	}
	return pid, nil
}

// processAlive probes a pid with the null signal. EPERM still means the
// process exists.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
