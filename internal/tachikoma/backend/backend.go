// Package backend defines the capability contract every compute backend
// implements, plus the name-keyed registry that constructs configured
// provider instances. Nothing above this package may depend on a specific
// backend's types; container labels, SSH key material and sandbox-service
// identifiers all stay behind these interfaces.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Host is a compute location (a machine, container or sandbox) managed by a
// provider. Implementations must make Destroy idempotent: destroying a host
// whose backing resource is already gone is a no-op, not an error.
type Host interface {
	// ID returns the opaque host identity.
	ID() string

	// Name returns the human-readable host name.
	Name() string

	// Backend returns the backend tag of the owning provider.
	Backend() string

	// Execute runs argv on the host and returns the captured result. The
	// timeout is mandatory; implementations reject a zero value.
	Execute(ctx context.Context, argv []string, timeout time.Duration) (CommandResult, error)

	// Reachable reports whether the host currently answers a cheap probe.
	Reachable(ctx context.Context) bool

	// Addr returns the backend address or locator for this host, empty
	// where the backend needs none. Persisted so handles survive a
	// daemon restart.
	Addr() string

	// Dir returns the host's declared resource directory.
	Dir() string

	// Destroy tears down the host's backing resource.
	Destroy(ctx context.Context) error
}

// Agent is a named, persistent unit of work bound to a host. The concrete
// implementation lives in the lifecycle package; this interface is what
// layered features (port forwarding, activity tracking) program against.
type Agent interface {
	// ID returns the agent identity.
	ID() string

	// Name returns the human-readable agent name.
	Name() string

	// Host returns the host the agent is bound to, or nil once the
	// backing resource is gone.
	Host() Host

	// State returns the tracked lifecycle state.
	State() State

	// Start transitions a stopped agent back to running.
	Start(ctx context.Context) error

	// Stop halts a running agent, preserving its host.
	Stop(ctx context.Context) error

	// SetPluginData stores an opaque value under the given namespace.
	// Namespaces are isolated from each other; no cross-namespace
	// visibility is guaranteed.
	SetPluginData(ctx context.Context, namespace string, value any) error

	// PluginData reads back the value stored under namespace. The second
	// return is false when nothing was stored.
	PluginData(ctx context.Context, namespace string) (json.RawMessage, bool, error)
}

// Provider is a configured backend able to create, enumerate and destroy
// hosts of one kind, and to run agent processes on them. Providers are
// stateless between calls apart from connection and credential material.
type Provider interface {
	// Backend returns the registry name this provider was opened under.
	Backend() string

	// CreateHost provisions a new host.
	CreateHost(ctx context.Context, spec HostSpec) (Host, error)

	// AttachHost rebuilds a handle for a previously created host from its
	// tracked record. It does not verify the backing resource still
	// exists; callers probe with Reachable when that matters.
	AttachHost(ctx context.Context, ref HostRef) (Host, error)

	// ListHosts enumerates the hosts this provider currently manages,
	// from backend reality rather than tracked records.
	ListHosts(ctx context.Context) ([]Host, error)

	// DestroyHost tears down a host by id. Destroying an absent host is
	// a no-op.
	DestroyHost(ctx context.Context, hostID string) error

	// StartAgent launches the agent process described by spec on h and
	// returns the backend runtime identifier (pid, container id, ...).
	StartAgent(ctx context.Context, h Host, spec AgentSpec) (runtimeID string, err error)

	// StopAgent terminates the agent process identified by runtimeID.
	// Stopping an already-dead process is a no-op.
	StopAgent(ctx context.Context, h Host, runtimeID string) error

	// AgentRunning reports whether the agent process is still alive.
	AgentRunning(ctx context.Context, h Host, runtimeID string) (bool, error)

	// ListAgents enumerates the agent processes observable on the
	// backend, used by reconciliation to detect drift.
	ListAgents(ctx context.Context) ([]AgentObservation, error)
}

// GitEndpoint is implemented by hosts that can act as a git transport peer.
// The returned remote is something git itself understands: a filesystem
// path, an ssh:// URL, or an ext:: command remote.
type GitEndpoint interface {
	GitRemote(path string) (string, error)
}

// MirrorEndpoint is implemented by hosts that rsync can reach. target is the
// rsync-side path spec (possibly host-qualified) and transport holds any
// extra rsync arguments needed to get there (remote shell selection).
type MirrorEndpoint interface {
	MirrorTarget(path string) (target string, transport []string, err error)
}

// ResourceLister is implemented by providers that expose reclaimable
// resources to the sweep engine.
type ResourceLister interface {
	// ListResources enumerates resources of one category.
	ListResources(ctx context.Context, c Category) ([]Resource, error)

	// DestroyResource reclaims a single resource. Destroying an absent
	// resource is a no-op.
	DestroyResource(ctx context.Context, r Resource) error
}
