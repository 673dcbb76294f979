// Package gc finds and destroys backend resources that should no longer
// exist: work directories, volumes, snapshots, log files, build-cache
// entries and dead hosts. The engine is policy-free; callers decide which
// categories a given invocation touches.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/notify"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/store"
)

// DestroyError records one resource the sweep could not reclaim, or one
// provider enumeration that failed. Collected, never fatal to the pass.
type DestroyError struct {
	Resource backend.Resource
	Err      error
}

func (e *DestroyError) Error() string {
	if e.Resource.ID == "" {
		return fmt.Sprintf("failed to enumerate %s resources on %s: %v", e.Resource.Category, e.Resource.Backend, e.Err)
	}
	return fmt.Sprintf("failed to destroy %s %s: %v", e.Resource.Category, e.Resource.ID, e.Err)
}

func (e *DestroyError) Unwrap() error { return e.Err }

// CategoryResult is the outcome of sweeping one resource category.
type CategoryResult struct {
	Category  backend.Category
	Examined  int
	Destroyed []backend.Resource
	Skipped   int // live-referenced exclusions
	Errors    []*DestroyError
}

// Report is the structured outcome of one sweep.
type Report struct {
	Started    time.Time
	Finished   time.Time
	Categories []CategoryResult
}

// TotalDestroyed counts destroyed resources across all categories.
func (r *Report) TotalDestroyed() int {
	n := 0
	for _, c := range r.Categories {
		n += len(c.Destroyed)
	}
	return n
}

// TotalErrors counts collected errors across all categories.
func (r *Report) TotalErrors() int {
	n := 0
	for _, c := range r.Categories {
		n += len(c.Errors)
	}
	return n
}

// Request describes one sweep: which categories to process and which
// resources within them to select.
type Request struct {
	Categories []backend.Category
	Selection  Selection
}

// Engine runs sweeps across every configured provider that exposes
// reclaimable resources.
type Engine struct {
	store     *store.Store
	providers map[string]backend.Provider
	notifier  notify.Notifier
}

// NewEngine creates a sweep engine. A nil notifier disables notifications.
func NewEngine(s *store.Store, providers map[string]backend.Provider, n notify.Notifier) *Engine {
	if n == nil {
		n = notify.Noop{}
	}
	return &Engine{store: s, providers: providers, notifier: n}
}

// Sweep enumerates each requested category on each provider, destroys every
// resource the selection matches, and returns the per-category outcome.
// One resource's destroy failure never aborts the pass; errors are
// collected into the report.
func (e *Engine) Sweep(ctx context.Context, req Request) (*Report, error) {
	report := &Report{Started: time.Now()}
	defer func() { report.Finished = time.Now() }()

	if req.Selection.Empty() {
		slog.Info("gc: empty selection matches nothing; no resources examined")
		return report, nil
	}

	liveAgents, liveHosts, err := e.liveReferences(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load live references: %w", err)
	}

	names := make([]string, 0, len(e.providers))
	for name := range e.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	now := time.Now()
	for _, cat := range req.Categories {
		result := CategoryResult{Category: cat}

		for _, name := range names {
			lister, ok := e.providers[name].(backend.ResourceLister)
			if !ok {
				continue
			}

			resources, err := lister.ListResources(ctx, cat)
			if err != nil {
				result.Errors = append(result.Errors, &DestroyError{
					Resource: backend.Resource{Category: cat, Backend: name},
					Err:      err,
				})
				continue
			}

			for _, r := range resources {
				result.Examined++
				if !req.Selection.Matches(r, now) {
					continue
				}
				if !req.Selection.Force && (liveAgents[r.AgentID] || liveHosts[r.HostID]) {
					result.Skipped++
					continue
				}
				if err := lister.DestroyResource(ctx, r); err != nil {
					result.Errors = append(result.Errors, &DestroyError{Resource: r, Err: err})
					continue
				}
				result.Destroyed = append(result.Destroyed, r)
				slog.Info("gc: destroyed resource",
					"category", cat, "id", r.ID, "name", r.Name, "backend", r.Backend)
			}
		}

		report.Categories = append(report.Categories, result)
	}

	if report.TotalDestroyed() > 0 || report.TotalErrors() > 0 {
		e.notifier.Notify(ctx, notify.Event{
			Kind:  notify.KindGCCompleted,
			Actor: "gc",
			Message: fmt.Sprintf("destroyed %d resources across %d categories (%d errors)",
				report.TotalDestroyed(), len(report.Categories), report.TotalErrors()),
		})
	}
	return report, nil
}

// liveReferences builds the protection sets: agents in a non-terminal
// state, and the hosts those agents are bound to. Resources tied to either
// are excluded from destruction unless the selection forces them.
func (e *Engine) liveReferences(ctx context.Context) (map[string]bool, map[string]bool, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, nil, err
	}
	liveAgents := make(map[string]bool)
	liveHosts := make(map[string]bool)
	for _, a := range agents {
		if backend.State(a.State).Terminal() {
			continue
		}
		liveAgents[a.ID] = true
		if a.HostID != "" {
			liveHosts[a.HostID] = true
		}
	}
	// The empty key must never protect resources that have no owner.
	delete(liveAgents, "")
	delete(liveHosts, "")
	return liveAgents, liveHosts, nil
}
