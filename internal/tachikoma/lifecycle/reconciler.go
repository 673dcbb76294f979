package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/notify"
)

// ReconcilerConfig configures the reconciliation loop.
type ReconcilerConfig struct {
	// Interval is how often to poll backend state. Defaults to 30s.
	Interval time.Duration
	// RetryBudget is how many consecutive failed reachability probes a
	// running agent gets before it is marked unreachable. Defaults to 3.
	RetryBudget int
	// AlertFunc is called when an unexpected state change is detected.
	// If nil, issues are only logged.
	AlertFunc func(agentID, message string)
}

// Reconciler periodically compares tracked records against backend reality
// and corrects drift. It is the only component allowed to force a state
// outside the normal transition set, and it backs off whenever an operator
// operation holds the identity lock: a committed operator action wins.
type Reconciler struct {
	mgr *Manager
	cfg ReconcilerConfig

	// consecutive failed reachability probes per agent; single goroutine
	probeFailures map[string]int
}

// NewReconciler creates a new Reconciler.
func NewReconciler(mgr *Manager, cfg ReconcilerConfig) *Reconciler {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetryBudget == 0 {
		cfg.RetryBudget = 3
	}
	return &Reconciler{mgr: mgr, cfg: cfg, probeFailures: make(map[string]int)}
}

// Run starts the reconciliation loop. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[reconciler] starting, interval=%s retry_budget=%d", r.cfg.Interval, r.cfg.RetryBudget)

	for {
		select {
		case <-ctx.Done():
			log.Println("[reconciler] stopping")
			return
		case <-ticker.C:
			if err := r.Reconcile(ctx); err != nil {
				log.Printf("[reconciler] error: %v", err)
			}
		}
	}
}

// reality is one backend's observed state, gathered once per pass.
type reality struct {
	hosts  map[string]bool
	agents map[string]backend.AgentObservation
}

// Reconcile runs a single pass: every tracked agent is checked against what
// its backend actually reports.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	agents, err := r.mgr.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return nil
	}

	observed := make(map[string]*reality)

	for _, agent := range agents {
		state := backend.State(agent.State)
		if state.Terminal() {
			continue
		}

		hostRec, err := r.mgr.store.GetHost(ctx, agent.HostID)
		if err != nil {
			log.Printf("[reconciler] agent %s: host record missing: %v", agent.ID, err)
			continue
		}

		obs, err := r.observe(ctx, observed, hostRec.Backend)
		if err != nil {
			log.Printf("[reconciler] agent %s: backend %s unobservable: %v", agent.ID, hostRec.Backend, err)
			continue
		}

		switch state {
		case backend.StateDestroying:
			r.correctInterruptedDestroy(ctx, agent.ID, agent.HostID, obs)
		case backend.StateRunning, backend.StateStopped:
			if !obs.hosts[agent.HostID] {
				r.forceDestroyed(ctx, agent.ID, agent.HostID, state)
				continue
			}
			if state == backend.StateRunning {
				r.checkProcess(ctx, agent.ID, obs)
				r.checkReachability(ctx, agent.ID, agent.HostID, agent.Unreachable, hostRec.Backend)
			}
		}
	}

	return nil
}

// observe gathers one backend's hosts and agent processes, cached per pass.
func (r *Reconciler) observe(ctx context.Context, cache map[string]*reality, name string) (*reality, error) {
	if obs, ok := cache[name]; ok {
		return obs, nil
	}
	p, err := r.mgr.provider(name)
	if err != nil {
		return nil, err
	}
	hosts, err := p.ListHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	agentObs, err := p.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agent processes: %w", err)
	}

	obs := &reality{hosts: make(map[string]bool, len(hosts)), agents: make(map[string]backend.AgentObservation, len(agentObs))}
	for _, h := range hosts {
		obs.hosts[h.ID()] = true
	}
	for _, a := range agentObs {
		obs.agents[a.AgentID] = a
	}
	cache[name] = obs
	return obs, nil
}

// correctInterruptedDestroy resolves a record left in destroying, typically
// across a daemon restart. Backend absence confirms the destroy finished;
// anything still present means it did not, which the operator must see.
func (r *Reconciler) correctInterruptedDestroy(ctx context.Context, agentID, hostID string, obs *reality) {
	release, ok := r.mgr.locks.TryAcquire(agentID)
	if !ok {
		return
	}
	defer release()

	if obs.hosts[hostID] {
		log.Printf("[reconciler] agent %s: destroy interrupted, backend resource still present, marking failed", agentID)
		if err := r.mgr.store.MarkAgentFailed(ctx, agentID, "destroy interrupted; backend resource still present"); err != nil {
			log.Printf("[reconciler] agent %s: mark failed: %v", agentID, err)
		}
		r.alert(agentID, "destroy interrupted; backend resource still present")
		return
	}

	log.Printf("[reconciler] agent %s: destroy confirmed complete, marking destroyed", agentID)
	if err := r.mgr.store.UpdateAgentState(ctx, agentID, string(backend.StateDestroyed)); err != nil {
		log.Printf("[reconciler] agent %s: mark destroyed: %v", agentID, err)
		return
	}
	if err := r.mgr.store.UpdateHostState(ctx, hostID, string(backend.StateDestroyed)); err != nil {
		log.Printf("[reconciler] host %s: mark destroyed: %v", hostID, err)
	}
}

// forceDestroyed corrects a record whose backing resource disappeared
// underneath it. Surfaced as a warning; drift the operator did not cause
// must not block them.
func (r *Reconciler) forceDestroyed(ctx context.Context, agentID, hostID string, was backend.State) {
	release, ok := r.mgr.locks.TryAcquire(agentID)
	if !ok {
		return
	}
	defer release()

	log.Printf("[reconciler] agent %s: host missing while %s, forcing destroyed", agentID, was)
	if err := r.mgr.store.UpdateAgentState(ctx, agentID, string(backend.StateDestroyed)); err != nil {
		log.Printf("[reconciler] agent %s: force destroyed: %v", agentID, err)
		return
	}
	if err := r.mgr.store.UpdateHostState(ctx, hostID, string(backend.StateDestroyed)); err != nil {
		log.Printf("[reconciler] host %s: mark destroyed: %v", hostID, err)
	}
	delete(r.probeFailures, agentID)

	msg := fmt.Sprintf("backend resource lost while %s; record corrected to destroyed", was)
	r.alert(agentID, msg)
	r.mgr.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindDriftDetected, Actor: "reconciler", Target: agentID, Message: msg,
	})
}

// checkProcess marks a running agent stopped when its process is gone.
func (r *Reconciler) checkProcess(ctx context.Context, agentID string, obs *reality) {
	o, found := obs.agents[agentID]
	if found && o.Running {
		return
	}

	release, ok := r.mgr.locks.TryAcquire(agentID)
	if !ok {
		return
	}
	defer release()

	log.Printf("[reconciler] agent %s: process exited, marking stopped", agentID)
	if err := r.mgr.store.MarkAgentStopped(ctx, agentID, nil); err != nil {
		log.Printf("[reconciler] agent %s: mark stopped: %v", agentID, err)
		return
	}
	r.alert(agentID, "process exited unexpectedly")
}

// checkReachability probes the host and tracks consecutive failures against
// the retry budget. Unreachable is a sub-status: it never destroys anything.
func (r *Reconciler) checkReachability(ctx context.Context, agentID, hostID string, wasUnreachable bool, backendName string) {
	h, _, err := r.mgr.attachHost(ctx, hostID)
	if err != nil {
		log.Printf("[reconciler] agent %s: attach host: %v", agentID, err)
		return
	}

	if h.Reachable(ctx) {
		delete(r.probeFailures, agentID)
		if wasUnreachable {
			log.Printf("[reconciler] agent %s: reachable again", agentID)
			if err := r.mgr.store.SetAgentUnreachable(ctx, agentID, false); err != nil {
				log.Printf("[reconciler] agent %s: clear unreachable: %v", agentID, err)
			}
		}
		if err := r.mgr.store.TouchHost(ctx, hostID); err != nil {
			log.Printf("[reconciler] host %s: touch: %v", hostID, err)
		}
		return
	}

	r.probeFailures[agentID]++
	n := r.probeFailures[agentID]
	if n <= r.cfg.RetryBudget || wasUnreachable {
		return
	}

	log.Printf("[reconciler] agent %s: %d consecutive failed probes, marking unreachable", agentID, n)
	if err := r.mgr.store.SetAgentUnreachable(ctx, agentID, true); err != nil {
		log.Printf("[reconciler] agent %s: mark unreachable: %v", agentID, err)
		return
	}
	msg := fmt.Sprintf("unreachable after %d probes on backend %s", n, backendName)
	r.alert(agentID, msg)
	r.mgr.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindAgentUnreachable, Actor: "reconciler", Target: agentID, Message: msg,
	})
}

func (r *Reconciler) alert(agentID, message string) {
	if r.cfg.AlertFunc != nil {
		r.cfg.AlertFunc(agentID, message)
	} else {
		log.Printf("[reconciler] ALERT agent=%s: %s", agentID, message)
	}
}
