// Package lifecycle drives tracked agents through their state machine:
// creating, running, stopped, destroying, destroyed, with failed as a
// parallel terminal state. The manager is the single writer for agent and
// host records; every operation serializes on the agent identity so
// concurrent callers queue instead of interleaving partial transitions.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"

	"github.com/google/uuid"

	"github.com/bdobrica/Tachikoma/common/trace"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/notify"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/store"
)

// agentIDPattern defines valid agent ID characters.
var agentIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// validateAgentID returns an error if id is not a valid agent identifier.
// Valid IDs must start with a lowercase letter or digit, contain only
// lowercase letters, digits and hyphens, and be at most 63 characters long.
func validateAgentID(id string) error {
	if id == "" {
		return fmt.Errorf("agent ID must not be empty")
	}
	if !agentIDPattern.MatchString(id) {
		return fmt.Errorf("agent ID %q is invalid: must match ^[a-z0-9][a-z0-9-]{0,62}$", id)
	}
	return nil
}

// Config wires a Manager.
type Config struct {
	Store     *store.Store
	Providers map[string]backend.Provider
	Notifier  notify.Notifier
	Hooks     *Hooks
}

// Manager owns agent and host records and the transitions between their
// states. All mutation goes through it.
type Manager struct {
	store     *store.Store
	providers map[string]backend.Provider
	notifier  notify.Notifier
	hooks     *Hooks
	locks     *identityLocks
}

// NewManager creates a Manager. A nil Notifier disables notifications and a
// nil Hooks table disables extension points.
func NewManager(cfg Config) *Manager {
	n := cfg.Notifier
	if n == nil {
		n = notify.Noop{}
	}
	h := cfg.Hooks
	if h == nil {
		h = NewHooks()
	}
	return &Manager{
		store:     cfg.Store,
		providers: cfg.Providers,
		notifier:  n,
		hooks:     h,
		locks:     newIdentityLocks(),
	}
}

func (m *Manager) provider(name string) (backend.Provider, error) {
	p, ok := m.providers[name]
	if !ok {
		names := make([]string, 0, len(m.providers))
		for n := range m.providers {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, &backend.UnknownBackendError{Name: name, Registered: names}
	}
	return p, nil
}

// CreateRequest describes a new agent.
type CreateRequest struct {
	// Name becomes the agent identity. Must match the agent ID pattern and
	// not collide with a live agent.
	Name string
	// Backend selects the configured provider.
	Backend string
	// Type records what kind of agent this is; informational.
	Type string
	// Image is the container or sandbox image, where the backend uses one.
	Image string
	// Command is the agent process argv. Backends may default it.
	Command []string
	// Env is extra environment for the host and agent process.
	Env map[string]string
	// Actor is who asked, for notifications.
	Actor string
}

// Create provisions a host and starts the agent process on it. On success
// the agent is running; on failure the record is failed with the error
// attached for display.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Agent, error) {
	if err := validateAgentID(req.Name); err != nil {
		return nil, err
	}
	p, err := m.provider(req.Backend)
	if err != nil {
		return nil, err
	}
	if req.Type == "" {
		req.Type = "generic"
	}

	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	release := m.locks.Acquire(req.Name)
	defer release()

	// A terminal record may be recreated under the same name; the stale
	// record and its plugin data are dropped first.
	if existing, err := m.store.GetAgent(ctx, req.Name); err == nil {
		if !backend.State(existing.State).Terminal() {
			return nil, fmt.Errorf("agent %q already exists", req.Name)
		}
		if err := m.store.DeleteAgent(ctx, req.Name); err != nil {
			return nil, fmt.Errorf("failed to replace terminal agent record: %w", err)
		}
		if existing.HostID != "" {
			if err := m.store.DeleteHost(ctx, existing.HostID); err != nil {
				slog.Warn("failed to drop stale host record", "host", existing.HostID, "err", err)
			}
		}
	}

	hostID := uuid.New().String()
	host := &store.Host{ID: hostID, Name: req.Name, Backend: req.Backend, State: string(backend.StateCreating)}
	if err := m.store.CreateHost(ctx, host); err != nil {
		return nil, fmt.Errorf("failed to create host record: %w", err)
	}
	agent := &store.Agent{ID: req.Name, Name: req.Name, Type: req.Type, HostID: hostID, State: string(backend.StateCreating)}
	if err := m.store.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent record: %w", err)
	}

	h, err := p.CreateHost(ctx, backend.HostSpec{
		ID:     hostID,
		Name:   req.Name,
		Image:  req.Image,
		Env:    req.Env,
		Labels: map[string]string{"tachikoma.agent": req.Name},
	})
	if err != nil {
		m.markCreateFailed(ctx, req, hostID, fmt.Sprintf("host provisioning failed: %v", err))
		return nil, fmt.Errorf("failed to provision host: %w", err)
	}
	if err := m.store.UpdateHostEndpoint(ctx, hostID, h.Addr(), h.Dir()); err != nil {
		slog.Warn("failed to persist host endpoint", "host", hostID, "err", err)
	}
	if err := m.store.UpdateHostState(ctx, hostID, string(backend.StateRunning)); err != nil {
		slog.Warn("failed to persist host state", "host", hostID, "err", err)
	}
	m.hooks.fire(ctx, HookEvent{Point: PointHostProvisioned, AgentID: req.Name, HostID: hostID, Backend: req.Backend})

	runtimeID, err := p.StartAgent(ctx, h, backend.AgentSpec{
		ID:      req.Name,
		Name:    req.Name,
		Type:    req.Type,
		Command: req.Command,
		Env:     req.Env,
	})
	if err != nil {
		m.markCreateFailed(ctx, req, hostID, fmt.Sprintf("agent start failed: %v", err))
		return nil, fmt.Errorf("failed to start agent: %w", err)
	}

	if err := m.store.MarkAgentRunning(ctx, req.Name, runtimeID); err != nil {
		return nil, fmt.Errorf("agent started but record update failed: %w", err)
	}

	m.hooks.fire(ctx, HookEvent{Point: PointAgentCreated, AgentID: req.Name, HostID: hostID, Backend: req.Backend})
	m.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindAgentCreated, Actor: req.Actor, Target: req.Name,
		Message: fmt.Sprintf("created on %s", req.Backend), TraceID: traceID,
	})
	slog.Info("agent created", "agent", req.Name, "backend", req.Backend, "host", hostID, "trace", traceID)

	return &Agent{id: req.Name, name: req.Name, state: backend.StateRunning, host: h, mgr: m}, nil
}

func (m *Manager) markCreateFailed(ctx context.Context, req CreateRequest, hostID, reason string) {
	if err := m.store.MarkAgentFailed(ctx, req.Name, reason); err != nil {
		slog.Warn("failed to record agent failure", "agent", req.Name, "err", err)
	}
	if err := m.store.UpdateHostState(ctx, hostID, string(backend.StateFailed)); err != nil {
		slog.Warn("failed to record host failure", "host", hostID, "err", err)
	}
	m.hooks.fire(ctx, HookEvent{Point: PointAgentFailed, AgentID: req.Name, HostID: hostID, Backend: req.Backend})
	m.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindAgentFailed, Actor: req.Actor, Target: req.Name, Message: reason,
	})
}

// Start transitions a stopped agent back to running. Mirrors Create's
// success and failure targets.
func (m *Manager) Start(ctx context.Context, id string) error {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	release := m.locks.Acquire(id)
	defer release()

	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	switch backend.State(rec.State) {
	case backend.StateStopped:
		// the one valid source state
	case backend.StateRunning:
		return fmt.Errorf("agent %s is already running", id)
	default:
		return fmt.Errorf("agent %s is %s; start applies to stopped agents", id, rec.State)
	}

	h, hostRec, err := m.attachHost(ctx, rec.HostID)
	if err != nil {
		return fmt.Errorf("failed to attach host for %s: %w", id, err)
	}
	p, err := m.provider(hostRec.Backend)
	if err != nil {
		return err
	}

	runtimeID, err := p.StartAgent(ctx, h, backend.AgentSpec{ID: rec.ID, Name: rec.Name, Type: rec.Type})
	if err != nil {
		if markErr := m.store.MarkAgentFailed(ctx, id, fmt.Sprintf("start failed: %v", err)); markErr != nil {
			slog.Warn("failed to record agent failure", "agent", id, "err", markErr)
		}
		m.hooks.fire(ctx, HookEvent{Point: PointAgentFailed, AgentID: id, HostID: rec.HostID, Backend: hostRec.Backend})
		m.notifier.Notify(ctx, notify.Event{
			Kind: notify.KindAgentFailed, Target: id, Message: fmt.Sprintf("start failed: %v", err), TraceID: traceID,
		})
		return fmt.Errorf("failed to start agent: %w", err)
	}

	if err := m.store.MarkAgentRunning(ctx, id, runtimeID); err != nil {
		return fmt.Errorf("agent started but record update failed: %w", err)
	}
	m.hooks.fire(ctx, HookEvent{Point: PointAgentStarted, AgentID: id, HostID: rec.HostID, Backend: hostRec.Backend})
	m.notifier.Notify(ctx, notify.Event{Kind: notify.KindAgentStarted, Target: id, Message: "started", TraceID: traceID})
	slog.Info("agent started", "agent", id, "trace", traceID)
	return nil
}

// Stop halts a running agent, preserving its host. Stopping an already
// stopped agent is a no-op.
func (m *Manager) Stop(ctx context.Context, id string) error {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	release := m.locks.Acquire(id)
	defer release()

	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	switch backend.State(rec.State) {
	case backend.StateRunning:
		// proceed
	case backend.StateStopped:
		return nil
	default:
		return fmt.Errorf("agent %s is %s; stop applies to running agents", id, rec.State)
	}

	h, hostRec, err := m.attachHost(ctx, rec.HostID)
	if err != nil {
		return fmt.Errorf("failed to attach host for %s: %w", id, err)
	}
	p, err := m.provider(hostRec.Backend)
	if err != nil {
		return err
	}

	if err := p.StopAgent(ctx, h, rec.RuntimeID.String); err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	if err := m.store.MarkAgentStopped(ctx, id, nil); err != nil {
		return fmt.Errorf("agent stopped but record update failed: %w", err)
	}
	m.hooks.fire(ctx, HookEvent{Point: PointAgentStopped, AgentID: id, HostID: rec.HostID, Backend: hostRec.Backend})
	m.notifier.Notify(ctx, notify.Event{Kind: notify.KindAgentStopped, Target: id, Message: "stopped", TraceID: traceID})
	slog.Info("agent stopped", "agent", id, "trace", traceID)
	return nil
}

// Destroy tears down an agent and its host. Valid from any state; always
// ends with the record destroyed, even when the backend teardown partially
// fails. Destroying a destroyed agent is a no-op.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	release := m.locks.Acquire(id)
	defer release()

	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if backend.State(rec.State) == backend.StateDestroyed {
		return nil
	}

	if err := m.store.UpdateAgentState(ctx, id, string(backend.StateDestroying)); err != nil {
		return fmt.Errorf("failed to begin destroy: %w", err)
	}
	if rec.HostID != "" {
		if err := m.store.UpdateHostState(ctx, rec.HostID, string(backend.StateDestroying)); err != nil {
			slog.Warn("failed to mark host destroying", "host", rec.HostID, "err", err)
		}
	}

	// Best effort from here down. Whatever the backend reports, the record
	// must not stay in destroying.
	var teardownErr error
	var backendName string
	hostRec, hostRecErr := m.store.GetHost(ctx, rec.HostID)
	if hostRecErr == nil {
		backendName = hostRec.Backend
		if p, perr := m.provider(hostRec.Backend); perr == nil {
			if h, aerr := m.attachHostRec(ctx, p, hostRec); aerr == nil && rec.RuntimeID.Valid {
				if serr := p.StopAgent(ctx, h, rec.RuntimeID.String); serr != nil {
					slog.Warn("agent process stop during destroy failed", "agent", id, "err", serr)
				}
			}
			teardownErr = p.DestroyHost(ctx, rec.HostID)
		} else {
			teardownErr = perr
		}
	}

	if err := m.store.UpdateAgentState(ctx, id, string(backend.StateDestroyed)); err != nil {
		return fmt.Errorf("failed to finish destroy: %w", err)
	}
	if rec.HostID != "" {
		if err := m.store.UpdateHostState(ctx, rec.HostID, string(backend.StateDestroyed)); err != nil {
			slog.Warn("failed to mark host destroyed", "host", rec.HostID, "err", err)
		}
	}

	msg := "destroyed"
	if teardownErr != nil {
		msg = fmt.Sprintf("destroyed (backend teardown incomplete: %v)", teardownErr)
		slog.Warn("backend teardown incomplete", "agent", id, "err", teardownErr, "trace", traceID)
	}
	m.hooks.fire(ctx, HookEvent{Point: PointAgentDestroyed, AgentID: id, HostID: rec.HostID, Backend: backendName})
	m.notifier.Notify(ctx, notify.Event{Kind: notify.KindAgentDestroyed, Target: id, Message: msg, TraceID: traceID})
	slog.Info("agent destroyed", "agent", id, "trace", traceID)
	return nil
}

// Get loads a live handle for an agent. The host is attached best-effort:
// destroyed agents and agents whose backend is no longer configured come
// back with a nil host.
func (m *Manager) Get(ctx context.Context, id string) (*Agent, error) {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	a := &Agent{id: rec.ID, name: rec.Name, state: backend.State(rec.State), mgr: m}
	if !backend.State(rec.State).Terminal() {
		if h, _, err := m.attachHost(ctx, rec.HostID); err == nil {
			a.host = h
		} else {
			slog.Debug("host attach failed", "agent", id, "err", err)
		}
	}
	return a, nil
}

// List returns the tracked agent records, newest first.
func (m *Manager) List(ctx context.Context) ([]*store.Agent, error) {
	return m.store.ListAgents(ctx)
}

// Describe returns the agent record together with its host record.
func (m *Manager) Describe(ctx context.Context, id string) (*store.Agent, *store.Host, error) {
	rec, err := m.store.GetAgent(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	hostRec, err := m.store.GetHost(ctx, rec.HostID)
	if err != nil {
		return rec, nil, nil
	}
	return rec, hostRec, nil
}

func (m *Manager) attachHost(ctx context.Context, hostID string) (backend.Host, *store.Host, error) {
	hostRec, err := m.store.GetHost(ctx, hostID)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.provider(hostRec.Backend)
	if err != nil {
		return nil, nil, err
	}
	h, err := m.attachHostRec(ctx, p, hostRec)
	if err != nil {
		return nil, nil, err
	}
	return h, hostRec, nil
}

func (m *Manager) attachHostRec(ctx context.Context, p backend.Provider, rec *store.Host) (backend.Host, error) {
	return p.AttachHost(ctx, backend.HostRef{
		ID:      rec.ID,
		Name:    rec.Name,
		Address: rec.Address.String,
		Dir:     rec.Dir.String,
	})
}
