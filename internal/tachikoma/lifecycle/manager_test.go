package lifecycle_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/lifecycle"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "tachikoma-test-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()

	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	return s
}

// mockHost implements backend.Host.
type mockHost struct {
	id         string
	name       string
	backendTag string
	dir        string
	reachable  bool
}

func (h *mockHost) ID() string      { return h.id }
func (h *mockHost) Name() string    { return h.name }
func (h *mockHost) Backend() string { return h.backendTag }
func (h *mockHost) Execute(_ context.Context, argv []string, timeout time.Duration) (backend.CommandResult, error) {
	if timeout <= 0 {
		return backend.CommandResult{}, fmt.Errorf("timeout required")
	}
	return backend.CommandResult{Argv: argv}, nil
}
func (h *mockHost) Reachable(_ context.Context) bool { return h.reachable }
func (h *mockHost) Addr() string                     { return "" }
func (h *mockHost) Dir() string                      { return h.dir }
func (h *mockHost) Destroy(_ context.Context) error  { return nil }

// mockProvider implements backend.Provider with scriptable failures and
// call counters.
type mockProvider struct {
	name string

	mu       sync.Mutex
	hosts    map[string]*mockHost
	observes map[string]backend.AgentObservation

	createHostErr error
	startErr      error
	stopErr       error
	destroyErr    error

	startCalls   int
	stopCalls    int
	destroyCalls int
}

func newMockProvider(name string) *mockProvider {
	return &mockProvider{
		name:     name,
		hosts:    make(map[string]*mockHost),
		observes: make(map[string]backend.AgentObservation),
	}
}

func (p *mockProvider) Backend() string { return p.name }

func (p *mockProvider) CreateHost(_ context.Context, spec backend.HostSpec) (backend.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createHostErr != nil {
		return nil, p.createHostErr
	}
	h := &mockHost{id: spec.ID, name: spec.Name, backendTag: p.name, dir: "/hosts/" + spec.ID, reachable: true}
	p.hosts[spec.ID] = h
	return h, nil
}

func (p *mockProvider) AttachHost(_ context.Context, ref backend.HostRef) (backend.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.hosts[ref.ID]; ok {
		return h, nil
	}
	// Handles attach even when the backing resource is gone; probes fail.
	return &mockHost{id: ref.ID, name: ref.Name, backendTag: p.name, dir: ref.Dir, reachable: false}, nil
}

func (p *mockProvider) ListHosts(_ context.Context) ([]backend.Host, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	hosts := make([]backend.Host, 0, len(p.hosts))
	for _, h := range p.hosts {
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (p *mockProvider) DestroyHost(_ context.Context, hostID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyCalls++
	if p.destroyErr != nil {
		return p.destroyErr
	}
	delete(p.hosts, hostID)
	for id, o := range p.observes {
		if o.HostID == hostID {
			delete(p.observes, id)
		}
	}
	return nil
}

func (p *mockProvider) StartAgent(_ context.Context, h backend.Host, spec backend.AgentSpec) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.startCalls++
	if p.startErr != nil {
		return "", p.startErr
	}
	rid := fmt.Sprintf("proc-%d", p.startCalls)
	p.observes[spec.ID] = backend.AgentObservation{AgentID: spec.ID, HostID: h.ID(), RuntimeID: rid, Running: true}
	return rid, nil
}

func (p *mockProvider) StopAgent(_ context.Context, _ backend.Host, runtimeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	if p.stopErr != nil {
		return p.stopErr
	}
	for id, o := range p.observes {
		if o.RuntimeID == runtimeID {
			o.Running = false
			p.observes[id] = o
		}
	}
	return nil
}

func (p *mockProvider) AgentRunning(_ context.Context, _ backend.Host, runtimeID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, o := range p.observes {
		if o.RuntimeID == runtimeID {
			return o.Running, nil
		}
	}
	return false, nil
}

func (p *mockProvider) ListAgents(_ context.Context) ([]backend.AgentObservation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	obs := make([]backend.AgentObservation, 0, len(p.observes))
	for _, o := range p.observes {
		obs = append(obs, o)
	}
	return obs, nil
}

// killAgent simulates the agent process dying behind the manager's back.
func (p *mockProvider) killAgent(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.observes[agentID]; ok {
		o.Running = false
		p.observes[agentID] = o
	}
}

// loseHost simulates the backing resource vanishing behind the manager's back.
func (p *mockProvider) loseHost(hostID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.hosts, hostID)
	for id, o := range p.observes {
		if o.HostID == hostID {
			delete(p.observes, id)
		}
	}
}

func newTestManager(t *testing.T) (*lifecycle.Manager, *mockProvider, *store.Store) {
	t.Helper()
	s := newTestStore(t)
	p := newMockProvider("mock")
	m := lifecycle.NewManager(lifecycle.Config{
		Store:     s,
		Providers: map[string]backend.Provider{"mock": p},
	})
	return m, p, s
}

// TestFullScenario walks one agent through its whole life: create, stop,
// start, destroy, destroy again.
func TestFullScenario(t *testing.T) {
	m, _, s := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.State() != backend.StateRunning {
		t.Errorf("after create: got %s, want running", a.State())
	}

	if err := m.Stop(ctx, "a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	assertState(t, s, "a1", backend.StateStopped)

	if err := m.Start(ctx, "a1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	assertState(t, s, "a1", backend.StateRunning)

	if err := m.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	assertState(t, s, "a1", backend.StateDestroyed)

	// Second destroy must succeed without side effects.
	if err := m.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	assertState(t, s, "a1", backend.StateDestroyed)
}

func assertState(t *testing.T, s *store.Store, id string, want backend.State) {
	t.Helper()
	rec, err := s.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAgent(%s): %v", id, err)
	}
	if backend.State(rec.State) != want {
		t.Errorf("agent %s state: got %s, want %s", id, rec.State, want)
	}
}

func TestCreate_InvalidName(t *testing.T) {
	m, _, _ := newTestManager(t)

	for _, name := range []string{"", "UPPER", "-leading", "has space", strings.Repeat("a", 64)} {
		if _, err := m.Create(context.Background(), lifecycle.CreateRequest{Name: name, Backend: "mock"}); err == nil {
			t.Errorf("expected error for name %q, got nil", name)
		}
	}
}

func TestCreate_UnknownBackend(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Create(context.Background(), lifecycle.CreateRequest{Name: "a1", Backend: "nope"})
	if err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
	if !backend.IsUnknownBackend(err) {
		t.Errorf("expected UnknownBackendError, got %v", err)
	}
}

func TestCreate_DuplicateName(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err == nil {
		t.Fatal("expected error creating duplicate agent, got nil")
	}
}

// TestCreate_ProvisioningFailure verifies the creating → failed transition
// with the error preserved for display.
func TestCreate_ProvisioningFailure(t *testing.T) {
	m, p, s := newTestManager(t)
	p.createHostErr = fmt.Errorf("no capacity")

	_, err := m.Create(context.Background(), lifecycle.CreateRequest{Name: "a1", Backend: "mock"})
	if err == nil {
		t.Fatal("expected error from failed provisioning, got nil")
	}

	rec, err := s.GetAgent(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if backend.State(rec.State) != backend.StateFailed {
		t.Errorf("state: got %s, want failed", rec.State)
	}
	if !rec.LastError.Valid || rec.LastError.String == "" {
		t.Error("expected LastError to carry the failure reason")
	}
}

func TestCreate_AgentStartFailure(t *testing.T) {
	m, p, s := newTestManager(t)
	p.startErr = fmt.Errorf("binary missing")

	_, err := m.Create(context.Background(), lifecycle.CreateRequest{Name: "a1", Backend: "mock"})
	if err == nil {
		t.Fatal("expected error from failed start, got nil")
	}
	assertState(t, s, "a1", backend.StateFailed)
}

// TestCreate_ReplacesTerminalRecord verifies a name can be reused once its
// previous holder is destroyed.
func TestCreate_ReplacesTerminalRecord(t *testing.T) {
	m, _, s := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create after destroy: %v", err)
	}
	assertState(t, s, "a1", backend.StateRunning)
}

func TestStart_OnlyFromStopped(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Start(ctx, "a1"); err == nil {
		t.Fatal("expected error starting a running agent, got nil")
	}
}

// TestStop_Idempotent verifies a second stop is a no-op without touching
// the provider.
func TestStop_Idempotent(t *testing.T) {
	m, p, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Stop(ctx, "a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stops := p.stopCalls

	if err := m.Stop(ctx, "a1"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if p.stopCalls != stops {
		t.Errorf("second stop should not reach the provider; calls %d → %d", stops, p.stopCalls)
	}
}

func TestStop_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	if err := m.Stop(context.Background(), "ghost"); err == nil {
		t.Fatal("expected error stopping unknown agent, got nil")
	}
}

// TestDestroy_PartialFailure verifies the record still lands in destroyed
// when the backend teardown reports an error.
func TestDestroy_PartialFailure(t *testing.T) {
	m, p, s := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	p.destroyErr = fmt.Errorf("backend unavailable")

	if err := m.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("Destroy should swallow teardown failure, got: %v", err)
	}
	assertState(t, s, "a1", backend.StateDestroyed)
}

// TestDestroy_FromFailed verifies failed agents can still be torn down.
func TestDestroy_FromFailed(t *testing.T) {
	m, p, s := newTestManager(t)
	ctx := context.Background()

	p.startErr = fmt.Errorf("boom")
	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err == nil {
		t.Fatal("expected create failure")
	}
	assertState(t, s, "a1", backend.StateFailed)
	p.startErr = nil

	if err := m.Destroy(ctx, "a1"); err != nil {
		t.Fatalf("Destroy from failed: %v", err)
	}
	assertState(t, s, "a1", backend.StateDestroyed)
}

func TestPluginData_RoundTrip(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := a.SetPluginData(ctx, "forwarding", map[string]any{"port": 8080}); err != nil {
		t.Fatalf("SetPluginData: %v", err)
	}

	raw, ok, err := a.PluginData(ctx, "forwarding")
	if err != nil {
		t.Fatalf("PluginData: %v", err)
	}
	if !ok {
		t.Fatal("expected plugin data to exist")
	}
	if string(raw) != `{"port":8080}` {
		t.Errorf("raw: got %s", raw)
	}

	_, ok, err = a.PluginData(ctx, "other-namespace")
	if err != nil {
		t.Fatalf("PluginData: %v", err)
	}
	if ok {
		t.Error("namespaces must be isolated")
	}
}

// TestHooks_FireInOrder verifies ordered synchronous callbacks at the fixed
// extension points, and that a failing hook does not abort the operation.
func TestHooks_FireInOrder(t *testing.T) {
	s := newTestStore(t)
	p := newMockProvider("mock")
	hooks := lifecycle.NewHooks()

	var fired []string
	record := func(label string) lifecycle.HookFunc {
		return func(_ context.Context, evt lifecycle.HookEvent) error {
			fired = append(fired, label+":"+string(evt.Point))
			return nil
		}
	}
	if err := hooks.Register(lifecycle.PointHostProvisioned, "first", record("first")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hooks.Register(lifecycle.PointHostProvisioned, "second", record("second")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hooks.Register(lifecycle.PointAgentCreated, "failing", func(_ context.Context, _ lifecycle.HookEvent) error {
		return fmt.Errorf("hook exploded")
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := hooks.Register(lifecycle.PointAgentCreated, "after-failing", record("after")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m := lifecycle.NewManager(lifecycle.Config{
		Store:     s,
		Providers: map[string]backend.Provider{"mock": p},
		Hooks:     hooks,
	})

	if _, err := m.Create(context.Background(), lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	want := []string{"first:host.provisioned", "second:host.provisioned", "after:agent.created"}
	if len(fired) != len(want) {
		t.Fatalf("fired %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Errorf("fired[%d]: got %q, want %q", i, fired[i], want[i])
		}
	}
}

func TestHooks_RejectsUnknownPoint(t *testing.T) {
	hooks := lifecycle.NewHooks()
	err := hooks.Register(lifecycle.Point("made.up"), "x", func(_ context.Context, _ lifecycle.HookEvent) error { return nil })
	if err == nil {
		t.Fatal("expected error registering unknown point, got nil")
	}
}

// TestConcurrentOps verifies per-identity serialization: concurrent stop and
// destroy against one agent never interleave into a broken state.
func TestConcurrentOps(t *testing.T) {
	m, _, s := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Create(ctx, lifecycle.CreateRequest{Name: "a1", Backend: "mock"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Stop(ctx, "a1")
			m.Destroy(ctx, "a1")
		}()
	}
	wg.Wait()

	assertState(t, s, "a1", backend.StateDestroyed)
}
