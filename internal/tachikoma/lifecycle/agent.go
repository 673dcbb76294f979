package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

// Agent is the tracked implementation of backend.Agent. It is a snapshot
// handle: State reflects the record at load time, while Start, Stop and the
// plugin data channel go through the manager so per-identity serialization
// holds no matter which handle a caller uses.
type Agent struct {
	id    string
	name  string
	state backend.State
	host  backend.Host
	mgr   *Manager
}

var _ backend.Agent = (*Agent)(nil)

// ID returns the agent identity.
func (a *Agent) ID() string { return a.id }

// Name returns the display name.
func (a *Agent) Name() string { return a.name }

// Host returns the bound host, or nil once the backing resource is gone.
func (a *Agent) Host() backend.Host { return a.host }

// State returns the lifecycle state as of when this handle was loaded.
func (a *Agent) State() backend.State { return a.state }

// Start transitions a stopped agent back to running.
func (a *Agent) Start(ctx context.Context) error {
	return a.mgr.Start(ctx, a.id)
}

// Stop halts a running agent, preserving its host.
func (a *Agent) Stop(ctx context.Context) error {
	return a.mgr.Stop(ctx, a.id)
}

// SetPluginData stores value under namespace on this agent's record. The
// value is encoded as JSON; layered features own the shape of what they
// store.
func (a *Agent) SetPluginData(ctx context.Context, namespace string, value any) error {
	if namespace == "" {
		return fmt.Errorf("plugin namespace must not be empty")
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode plugin data for %s: %w", namespace, err)
	}
	return a.mgr.store.SetPluginData(ctx, a.id, namespace, string(data))
}

// PluginData reads back the raw JSON stored under namespace. The second
// return is false when nothing was stored.
func (a *Agent) PluginData(ctx context.Context, namespace string) (json.RawMessage, bool, error) {
	value, ok, err := a.mgr.store.GetPluginData(ctx, a.id, namespace)
	if err != nil || !ok {
		return nil, ok, err
	}
	return json.RawMessage(value), true, nil
}
