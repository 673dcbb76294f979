package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
)

// Point names one of the fixed extension points the manager fires. There is
// no dynamic discovery; layered features register callbacks against these
// points at process start.
type Point string

const (
	PointHostProvisioned Point = "host.provisioned"
	PointAgentCreated    Point = "agent.created"
	PointAgentStarted    Point = "agent.started"
	PointAgentStopped    Point = "agent.stopped"
	PointAgentDestroyed  Point = "agent.destroyed"
	PointAgentFailed     Point = "agent.failed"
)

var knownPoints = map[Point]bool{
	PointHostProvisioned: true,
	PointAgentCreated:    true,
	PointAgentStarted:    true,
	PointAgentStopped:    true,
	PointAgentDestroyed:  true,
	PointAgentFailed:     true,
}

// HookEvent carries the identities a callback may act on.
type HookEvent struct {
	Point   Point
	AgentID string
	HostID  string
	Backend string
}

// HookFunc is a synchronous extension callback. Returning an error does not
// abort the lifecycle operation; the error is logged against the hook name.
type HookFunc func(ctx context.Context, evt HookEvent) error

type registeredHook struct {
	name string
	fn   HookFunc
}

// Hooks collects callbacks per extension point. Callbacks fire synchronously
// in registration order.
type Hooks struct {
	byPoint map[Point][]registeredHook
}

// NewHooks returns an empty hook table.
func NewHooks() *Hooks {
	return &Hooks{byPoint: make(map[Point][]registeredHook)}
}

// Register adds a named callback to one extension point. Registration is
// expected to happen before the manager starts serving operations; Register
// is not safe to call concurrently with lifecycle operations.
func (h *Hooks) Register(p Point, name string, fn HookFunc) error {
	if !knownPoints[p] {
		return fmt.Errorf("unknown extension point %q", p)
	}
	if name == "" {
		return fmt.Errorf("hook name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("hook %q has no callback", name)
	}
	h.byPoint[p] = append(h.byPoint[p], registeredHook{name: name, fn: fn})
	return nil
}

// fire invokes every callback registered at p, in order. Hook errors are
// logged; they never fail the operation that triggered them.
func (h *Hooks) fire(ctx context.Context, evt HookEvent) {
	if h == nil {
		return
	}
	for _, hook := range h.byPoint[evt.Point] {
		if err := hook.fn(ctx, evt); err != nil {
			slog.Warn("lifecycle hook failed",
				"point", evt.Point, "hook", hook.name, "agent", evt.AgentID, "err", err)
		}
	}
}
