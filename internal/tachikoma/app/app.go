// Package app assembles the Tachikoma control plane from its subsystems.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bdobrica/Tachikoma/common/redact"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend/docker"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend/local"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend/remote"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend/sshback"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/blueprint"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/config"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/gc"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/lifecycle"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/matrix"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/notify"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/store"
)

// App is the assembled Tachikoma application.
type App struct {
	config       *config.Config
	store        *store.Store
	registry     *backend.Registry
	providers    map[string]backend.Provider
	matrix       *matrix.Client
	notifier     notify.Notifier
	blueprints   *blueprint.Registry
	hooks        *lifecycle.Hooks
	manager      *lifecycle.Manager
	syncEngine   *codesync.Engine
	gcEngine     *gc.Engine
	reconciler   *lifecycle.Reconciler
	healthServer *HealthServer
}

// New wires the application from a resolved configuration. Provider blocks
// are opened eagerly so configuration mistakes surface at startup rather
// than on the first agent operation. Matrix is the only optional subsystem;
// when it is absent or broken, notifications fall back to the log.
func New(cfg *config.Config) (*App, error) {
	// Initialize database
	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Register every compiled-in backend, then open the configured
	// provider blocks against their schemas.
	registry := backend.NewRegistry()
	for _, reg := range []struct {
		name string
		fn   func(*backend.Registry) error
	}{
		{"local", local.Register},
		{"docker", docker.Register},
		{"sshback", sshback.Register},
		{"remote", remote.Register},
	} {
		if err := reg.fn(registry); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register backend %s: %w", reg.name, err)
		}
	}

	providers := make(map[string]backend.Provider, len(cfg.Providers))
	for i, block := range cfg.Providers {
		p, err := registry.Open(block)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to open providers[%d]: %w", i, err)
		}
		providers[p.Backend()] = p
		slog.Info("provider ready", "backend", p.Backend())
		slog.Debug("provider config", "backend", p.Backend(), "config", redact.Map(block))
	}

	// Initialize Matrix notifications if configured. A broken Matrix setup
	// must not take the control plane down, so failures degrade to logging.
	var matrixClient *matrix.Client
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.Matrix.Enabled() {
		mc, err := matrix.New(matrix.Config{
			Homeserver:  cfg.Matrix.Homeserver,
			UserID:      cfg.Matrix.UserID,
			AccessToken: cfg.Matrix.Token,
		})
		if err != nil {
			slog.Warn("Matrix notifications unavailable; falling back to log", "err", err)
		} else {
			matrixClient = mc
			notifier = notify.NewMatrixNotifier(mc, cfg.Matrix.Room)
			slog.Info("Matrix notifier ready", "homeserver", cfg.Matrix.Homeserver, "room", cfg.Matrix.Room)
		}
	}

	// Initialize the blueprint registry: an operator-supplied directory
	// when configured, the embedded builtins otherwise.
	var blueprints *blueprint.Registry
	if cfg.BlueprintDir != "" {
		blueprints = blueprint.NewRegistry(os.DirFS(cfg.BlueprintDir))
		slog.Info("blueprint registry ready", "dir", cfg.BlueprintDir)
	} else {
		blueprints = blueprint.NewRegistry(blueprint.Builtin())
		slog.Info("blueprint registry ready", "dir", "builtin")
	}

	// Lifecycle extension points. The audit hook mirrors every transition
	// into the structured log so operators can trail agent history without
	// a Matrix room.
	hooks := lifecycle.NewHooks()
	for _, p := range []lifecycle.Point{
		lifecycle.PointHostProvisioned,
		lifecycle.PointAgentCreated,
		lifecycle.PointAgentStarted,
		lifecycle.PointAgentStopped,
		lifecycle.PointAgentDestroyed,
		lifecycle.PointAgentFailed,
	} {
		if err := hooks.Register(p, "audit", auditHook); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to register audit hook: %w", err)
		}
	}

	manager := lifecycle.NewManager(lifecycle.Config{
		Store:     st,
		Providers: providers,
		Notifier:  notifier,
		Hooks:     hooks,
	})

	syncEngine := codesync.NewEngine(slog.Default())
	gcEngine := gc.NewEngine(st, providers, notifier)

	// A destroy that lost part of its provider teardown leaves stragglers
	// behind. Sweep the destroyed host's resources right away instead of
	// waiting for the next periodic pass. Logs and build caches are left
	// for the periodic sweep so post-mortem material survives the destroy.
	// Hooks run by reference, so registering after the manager exists is
	// fine.
	if err := hooks.Register(lifecycle.PointAgentDestroyed, "sweep-host-leftovers",
		func(ctx context.Context, evt lifecycle.HookEvent) error {
			if evt.HostID == "" {
				return nil
			}
			report, err := gcEngine.Sweep(ctx, gc.Request{
				Categories: []backend.Category{
					backend.CategoryWorkDir,
					backend.CategoryVolume,
					backend.CategorySnapshot,
					backend.CategoryHost,
				},
				Selection: gc.Selection{HostIDs: []string{evt.HostID}},
			})
			if err != nil {
				return fmt.Errorf("failed to sweep host %s: %w", evt.HostID, err)
			}
			if n := report.TotalDestroyed(); n > 0 {
				slog.Info("reclaimed leftover resources", "host", evt.HostID, "count", n)
			}
			return nil
		}); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to register sweep hook: %w", err)
	}

	reconciler := lifecycle.NewReconciler(manager, lifecycle.ReconcilerConfig{
		Interval:    cfg.ReconcileInterval,
		RetryBudget: cfg.RetryBudget,
		AlertFunc: func(agentID, message string) {
			notifier.Notify(context.Background(), notify.Event{
				Kind:    notify.KindDriftDetected,
				Actor:   "reconciler",
				Target:  agentID,
				Message: message,
			})
		},
	})

	// Optionally build the health/status HTTP server.
	var healthServer *HealthServer
	if cfg.HTTPAddr != "" {
		healthServer = NewHealthServer(cfg.HTTPAddr, st, registry.Names())
		slog.Info("health server configured", "addr", cfg.HTTPAddr)
	}

	return &App{
		config:       cfg,
		store:        st,
		registry:     registry,
		providers:    providers,
		matrix:       matrixClient,
		notifier:     notifier,
		blueprints:   blueprints,
		hooks:        hooks,
		manager:      manager,
		syncEngine:   syncEngine,
		gcEngine:     gcEngine,
		reconciler:   reconciler,
		healthServer: healthServer,
	}, nil
}

// auditHook mirrors lifecycle transitions into the structured log.
func auditHook(ctx context.Context, evt lifecycle.HookEvent) error {
	slog.Info("lifecycle event",
		"point", string(evt.Point),
		"agent", evt.AgentID,
		"host", evt.HostID,
		"backend", evt.Backend)
	return nil
}

// Config returns the configuration the application was wired from.
func (a *App) Config() *config.Config { return a.config }

// Manager returns the lifecycle manager.
func (a *App) Manager() *lifecycle.Manager { return a.manager }

// SyncEngine returns the code synchronisation engine.
func (a *App) SyncEngine() *codesync.Engine { return a.syncEngine }

// GCEngine returns the resource sweep engine.
func (a *App) GCEngine() *gc.Engine { return a.gcEngine }

// Blueprints returns the blueprint registry.
func (a *App) Blueprints() *blueprint.Registry { return a.blueprints }

// Store returns the persistent record store.
func (a *App) Store() *store.Store { return a.store }

// Providers returns the opened providers keyed by backend name.
func (a *App) Providers() map[string]backend.Provider { return a.providers }

// Run starts the daemon: the health server, the reconciliation loop, and
// the periodic sweep, then blocks until an interrupt arrives.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start health/status HTTP server if configured.
	if a.healthServer != nil {
		if err := a.healthServer.Start(ctx); err != nil {
			slog.Warn("health server failed to start; continuing without it", "err", err)
		}
	}

	// Confirm the Matrix identity once at startup so a revoked token shows
	// up in the log instead of silently eating every notice.
	if a.matrix != nil {
		whoCtx, whoCancel := context.WithTimeout(ctx, 10*time.Second)
		userID, err := a.matrix.WhoAmI(whoCtx)
		whoCancel()
		if err != nil {
			slog.Warn("Matrix identity check failed; notices may not be delivered", "err", err)
		} else {
			slog.Info("Matrix identity confirmed", "user", userID)
		}
	}

	// Start the reconciliation loop in the background.
	go a.reconciler.Run(ctx)

	// Start the periodic sweep when configured. A sweep without a minimum
	// age would select nothing, so that combination is refused up front.
	if a.config.GC.Interval > 0 {
		if a.config.GC.MaxAge <= 0 {
			slog.Warn("periodic gc disabled: gc.max_age must be set when gc.interval is")
		} else {
			go a.runPeriodicGC(ctx)
		}
	}

	// Send startup message to the operations room.
	if a.matrix != nil && a.config.Matrix.Room != "" {
		a.matrix.SendNotice(a.config.Matrix.Room, "✅ Tachikoma control plane started.")
	}

	slog.Info("Tachikoma is running; press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down")
	return nil
}

// runPeriodicGC sweeps every category on a fixed cadence until ctx ends.
func (a *App) runPeriodicGC(ctx context.Context) {
	ticker := time.NewTicker(a.config.GC.Interval)
	defer ticker.Stop()
	req := gc.Request{
		Categories: backend.AllCategories(),
		Selection:  gc.Selection{MinAge: a.config.GC.MaxAge},
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.gcEngine.Sweep(ctx, req)
			if err != nil {
				slog.Warn("periodic gc sweep failed", "err", err)
				continue
			}
			slog.Info("periodic gc sweep finished",
				"destroyed", report.TotalDestroyed(),
				"errors", report.TotalErrors())
		}
	}
}

// Stop releases the application's resources.
func (a *App) Stop() {
	if a.healthServer != nil {
		slog.Info("stopping health server")
		a.healthServer.Stop()
	}

	slog.Info("closing database")
	a.store.Close()
}
