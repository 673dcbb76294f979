// Package notify provides the operations room notification subsystem.
//
// When configured with a Matrix room ID (MATRIX_OPS_ROOM), Tachikoma posts
// concise human-readable summaries of major control-plane events to that
// room so operators can monitor sandbox activity without tailing logs.
//
// Supported event types (Event.Kind):
//   - KindAgentCreated, KindAgentStarted, KindAgentStopped, KindAgentDestroyed,
//     KindAgentFailed, KindAgentUnreachable
//   - KindHostProvisioned, KindHostDestroyed
//   - KindDriftDetected
//   - KindGCCompleted, KindSyncCompleted
//   - KindError
//
// All events include the originating trace ID so operators can correlate a
// notification with the daemon's structured logs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Tachikoma/common/trace"
)

// Kind is a machine-readable event category.
type Kind string

const (
	KindAgentCreated     Kind = "agent.created"
	KindAgentStarted     Kind = "agent.started"
	KindAgentStopped     Kind = "agent.stopped"
	KindAgentDestroyed   Kind = "agent.destroyed"
	KindAgentFailed      Kind = "agent.failed"
	KindAgentUnreachable Kind = "agent.unreachable"
	KindHostProvisioned  Kind = "host.provisioned"
	KindHostDestroyed    Kind = "host.destroyed"
	KindDriftDetected    Kind = "drift.detected"
	KindGCCompleted      Kind = "gc.completed"
	KindSyncCompleted    Kind = "sync.completed"
	KindError            Kind = "error"
)

// Event carries the data that the notifier formats and sends.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind
	// Actor is who triggered the event (operator name or "reconciler").
	Actor string
	// Target is the primary resource affected (agent id, host id, …).
	Target string
	// Message is a human-friendly description of what happened.
	Message string
	// TraceID ties the notification back to the daemon logs.
	// When empty the value is taken from the context.
	TraceID string
	// Timestamp defaults to time.Now() when zero.
	Timestamp time.Time
}

// Notifier sends room notifications for major control-plane events.
type Notifier interface {
	// Notify posts an event. Implementations MUST NOT block the caller
	// for longer than a short timeout; send failures should be logged, not
	// propagated.
	Notify(ctx context.Context, evt Event)
}

// Sender is the subset of the Matrix client needed by MatrixNotifier.
// Defined as an interface so the notifier can be unit-tested independently.
type Sender interface {
	SendNotice(roomID, message string) error
}

// MatrixNotifier posts formatted notices to a Matrix operations room.
type MatrixNotifier struct {
	sender Sender
	roomID string
}

// NewMatrixNotifier creates a MatrixNotifier that posts to roomID via sender.
func NewMatrixNotifier(sender Sender, roomID string) *MatrixNotifier {
	return &MatrixNotifier{sender: sender, roomID: roomID}
}

// Notify formats evt as a human-readable notice and posts it to the ops room.
// Errors are logged at WARN level; the caller is never blocked.
func (n *MatrixNotifier) Notify(ctx context.Context, evt Event) {
	if n.roomID == "" {
		return
	}

	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	icon := kindIcon(evt.Kind)
	msg := fmt.Sprintf("%s [%s] %s", icon, evt.Kind, evt.Message)
	if evt.Target != "" {
		msg = fmt.Sprintf("%s %s → %s", icon, evt.Target, evt.Message)
	}
	if tid != "" {
		msg = fmt.Sprintf("%s\n  trace: %s", msg, tid)
	}
	if evt.Actor != "" {
		msg = fmt.Sprintf("%s\n  actor: %s", msg, evt.Actor)
	}

	if err := n.sender.SendNotice(n.roomID, msg); err != nil {
		slog.Warn("notifier: failed to send room notice",
			"room", n.roomID, "kind", evt.Kind, "err", err)
	} else {
		slog.Debug("notifier: sent notice", "room", n.roomID, "kind", evt.Kind)
	}
}

// LogNotifier writes events to the structured log instead of a room.
// Used when no Matrix configuration is present.
type LogNotifier struct{}

// Notify logs the event at INFO level.
func (LogNotifier) Notify(ctx context.Context, evt Event) {
	tid := evt.TraceID
	if tid == "" {
		tid = trace.FromContext(ctx)
	}
	slog.Info("event", "kind", evt.Kind, "target", evt.Target, "actor", evt.Actor,
		"message", evt.Message, "trace", tid)
}

// Noop is a no-op Notifier used when notifications are disabled.
type Noop struct{}

// Notify does nothing.
func (Noop) Notify(_ context.Context, _ Event) {}

// kindIcon returns a Unicode icon for the event kind.
func kindIcon(k Kind) string {
	switch k {
	case KindAgentCreated:
		return "🟢"
	case KindAgentStarted:
		return "▶️"
	case KindAgentStopped:
		return "⏹️"
	case KindAgentDestroyed:
		return "🗑️"
	case KindAgentFailed:
		return "🚨"
	case KindAgentUnreachable:
		return "📡"
	case KindHostProvisioned:
		return "🖥️"
	case KindHostDestroyed:
		return "💥"
	case KindDriftDetected:
		return "⚠️"
	case KindGCCompleted:
		return "🧹"
	case KindSyncCompleted:
		return "📦"
	case KindError:
		return "🚨"
	default:
		return "ℹ️"
	}
}
