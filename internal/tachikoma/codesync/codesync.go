// Package codesync moves source code between a local working copy and an
// agent host's working copy. Version-control mode preserves history through
// a real git transport; mirror mode is an attribute-preserving, delete-aware
// file copy driven through the host's command channel. The uncommitted-work
// policy is always explicit input; the engine never guesses whether the
// caller wants a destructive overwrite.
package codesync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/procgroup"
)

// Direction selects which side is the source of truth for one transfer.
type Direction string

const (
	DirectionPush Direction = "push" // local to remote
	DirectionPull Direction = "pull" // remote to local
)

// Mode selects the transfer mechanism.
type Mode string

const (
	ModeGit    Mode = "git"
	ModeMirror Mode = "mirror"
)

// Policy decides what happens when the source work tree carries uncommitted
// changes in git mode.
type Policy string

const (
	// PolicyAbort fails the sync and leaves both sides untouched.
	PolicyAbort Policy = "abort"

	// PolicyStash shelves the uncommitted changes around the transfer and
	// restores them afterwards.
	PolicyStash Policy = "stash"

	// PolicyForce proceeds regardless. Push overwrites the remote
	// tracking ref; pull resets the local checkout to the fetched head.
	PolicyForce Policy = "force"
)

// Descriptor describes one sync invocation.
type Descriptor struct {
	Direction Direction
	Mode      Mode

	LocalPath  string
	RemotePath string

	// Policy applies to git mode. Empty selects abort.
	Policy Policy

	// Include and Exclude are mirror-mode path filters, passed to the
	// transfer with includes ahead of excludes so includes win.
	Include []string
	Exclude []string

	// Timeout bounds every external command the sync runs. Required.
	Timeout time.Duration
}

func (d Descriptor) validate() error {
	switch d.Direction {
	case DirectionPush, DirectionPull:
	default:
		return fmt.Errorf("unknown sync direction %q", d.Direction)
	}
	switch d.Mode {
	case ModeGit, ModeMirror:
	default:
		return fmt.Errorf("unknown sync mode %q", d.Mode)
	}
	switch d.Policy {
	case PolicyAbort, PolicyStash, PolicyForce:
	default:
		return fmt.Errorf("unknown uncommitted-changes policy %q", d.Policy)
	}
	if d.LocalPath == "" || d.RemotePath == "" {
		return fmt.Errorf("sync requires both a local and a remote path")
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("sync requires an explicit timeout")
	}
	return nil
}

// Result is the structured outcome of one completed sync. Recoverable
// conditions land here; only unresolvable ones (unreachable host, policy
// violation, repository corruption) surface as errors.
type Result struct {
	Branch           string
	Commits          int
	FilesTransferred int
	BytesTransferred int64

	// Conflicts lists paths left conflicted by a stash restore. The
	// transfer itself has already succeeded when this is non-empty.
	Conflicts []string

	// Stashed reports whether uncommitted changes were shelved around
	// the transfer.
	Stashed bool
}

// Engine runs transfers. One engine serves any number of hosts; each Sync
// call owns its own process group.
type Engine struct {
	log *slog.Logger
}

// NewEngine creates a sync engine logging through log. A nil logger falls
// back to the default.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// Sync runs the transfer described by d against host.
func (e *Engine) Sync(ctx context.Context, host backend.Host, d Descriptor) (*Result, error) {
	if host == nil {
		return nil, fmt.Errorf("sync requires a host")
	}
	if d.Policy == "" {
		d.Policy = PolicyAbort
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	g := procgroup.Open(fmt.Sprintf("sync-%s-%s", d.Mode, d.Direction), procgroup.WithLogger(e.log))
	defer g.Close()

	switch d.Mode {
	case ModeMirror:
		return e.syncMirror(ctx, g, host, d)
	default:
		return e.syncGit(ctx, g, host, d)
	}
}
