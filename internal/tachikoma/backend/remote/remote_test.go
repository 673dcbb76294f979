package remote_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend/remote"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/codesync"
)

const testTimeout = 10 * time.Second

func newTestAdapter(t *testing.T, handler http.Handler) *remote.Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := remote.New(remote.Config{URL: srv.URL, Token: "secret", RequestTimeout: "5s"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encode response: %v", err)
	}
}

// TestCreateHost verifies the create round trip, including the bearer
// token and the handle built from the controller's answer.
func TestCreateHost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hosts", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var in struct {
			ID    string `json:"id"`
			Name  string `json:"name"`
			Image string `json:"image"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if in.ID != "h-1" || in.Name != "coder" || in.Image != "sandbox:latest" {
			t.Errorf("request = %+v", in)
		}
		writeJSON(t, w, http.StatusCreated, map[string]any{
			"id":      in.ID,
			"name":    in.Name,
			"address": "https://sb-7.internal",
			"dir":     "/srv/sandboxes/h-1",
		})
	})

	a := newTestAdapter(t, mux)
	h, err := a.CreateHost(t.Context(), backend.HostSpec{ID: "h-1", Name: "coder", Image: "sandbox:latest"})
	if err != nil {
		t.Fatalf("CreateHost: %v", err)
	}
	if h.ID() != "h-1" || h.Name() != "coder" || h.Backend() != "remote" {
		t.Errorf("handle = %s/%s/%s", h.ID(), h.Name(), h.Backend())
	}
	if h.Addr() != "https://sb-7.internal" || h.Dir() != "/srv/sandboxes/h-1" {
		t.Errorf("addr/dir = %q %q", h.Addr(), h.Dir())
	}
}

// TestExecute verifies the exec round trip carries the argv and deadline
// and maps the reported exit code back.
func TestExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hosts/h-1/exec", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Argv      []string `json:"argv"`
			TimeoutMS int64    `json:"timeout_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(in.Argv) != 2 || in.Argv[0] != "git" || in.TimeoutMS != 3000 {
			t.Errorf("request = %+v", in)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"exit_code": 1,
			"stdout":    "on branch main\n",
			"stderr":    "warning\n",
		})
	})

	a := newTestAdapter(t, mux)
	h, err := a.AttachHost(t.Context(), backend.HostRef{ID: "h-1", Name: "coder"})
	if err != nil {
		t.Fatalf("AttachHost: %v", err)
	}
	res, err := h.Execute(t.Context(), []string{"git", "status"}, 3*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 1 || res.Stdout != "on branch main\n" || res.Stderr != "warning\n" {
		t.Errorf("result = %+v", res)
	}

	if _, err := h.Execute(t.Context(), []string{"git"}, 0); err == nil {
		t.Fatal("a zero timeout must be rejected")
	}
}

// TestAgentLifecycle verifies start, liveness and the stop no-op for an
// agent the controller no longer knows.
func TestAgentLifecycle(t *testing.T) {
	var stopped atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/hosts/h-1/agents", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusCreated, map[string]any{"runtime_id": "proc-99"})
	})
	mux.HandleFunc("GET /v1/hosts/h-1/agents/proc-99", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"running": !stopped.Load()})
	})
	mux.HandleFunc("DELETE /v1/hosts/h-1/agents/proc-99", func(w http.ResponseWriter, r *http.Request) {
		if stopped.Swap(true) {
			http.Error(w, "no such agent", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	a := newTestAdapter(t, mux)
	h, _ := a.AttachHost(t.Context(), backend.HostRef{ID: "h-1"})

	rid, err := a.StartAgent(t.Context(), h, backend.AgentSpec{ID: "a-1", Name: "coder", Command: []string{"run-agent"}})
	if err != nil {
		t.Fatalf("StartAgent: %v", err)
	}
	if rid != "proc-99" {
		t.Errorf("runtime id = %q", rid)
	}

	running, err := a.AgentRunning(t.Context(), h, rid)
	if err != nil || !running {
		t.Fatalf("AgentRunning = %v, %v", running, err)
	}
	if err := a.StopAgent(t.Context(), h, rid); err != nil {
		t.Fatalf("StopAgent: %v", err)
	}
	// The controller now answers 404; a second stop stays a no-op.
	if err := a.StopAgent(t.Context(), h, rid); err != nil {
		t.Fatalf("second StopAgent: %v", err)
	}
	running, err = a.AgentRunning(t.Context(), h, rid)
	if err != nil || running {
		t.Fatalf("AgentRunning after stop = %v, %v", running, err)
	}
}

// TestListHosts_RetriesTransient verifies a transient controller failure
// is retried rather than surfaced.
func TestListHosts_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/hosts", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "rebooting", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"hosts": []map[string]any{
				{"id": "h-1", "name": "coder"},
				{"id": "h-2", "name": "tester"},
			},
		})
	})

	a := newTestAdapter(t, mux)
	hosts, err := a.ListHosts(t.Context())
	if err != nil {
		t.Fatalf("ListHosts: %v", err)
	}
	if len(hosts) != 2 || hosts[0].ID() != "h-1" || hosts[1].ID() != "h-2" {
		t.Errorf("hosts = %v", hosts)
	}
	if calls.Load() != 2 {
		t.Errorf("controller called %d times, want 2", calls.Load())
	}
}

func TestDestroyHost(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v1/hosts/h-gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such host", http.StatusNotFound)
	})
	mux.HandleFunc("DELETE /v1/hosts/h-bad", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "storage detach failed", http.StatusConflict)
	})

	a := newTestAdapter(t, mux)
	if err := a.DestroyHost(t.Context(), "h-gone"); err != nil {
		t.Errorf("absent host must destroy cleanly: %v", err)
	}
	if err := a.DestroyHost(t.Context(), "h-bad"); err == nil {
		t.Error("controller failure must surface")
	}
}

// TestErrorBodyRedacted verifies the bearer token never leaks through a
// controller error body into the returned error.
func TestErrorBodyRedacted(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/hosts", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request: header Authorization: Bearer secret", http.StatusBadRequest)
	})

	a := newTestAdapter(t, mux)
	_, err := a.ListHosts(t.Context())
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), "secret") {
		t.Errorf("token leaked into error: %v", err)
	}
	if !strings.Contains(err.Error(), "[REDACTED]") {
		t.Errorf("expected a redaction marker in %v", err)
	}
}

// TestResources verifies enumeration filters by category and destroy
// tolerates already-reclaimed artifacts.
func TestResources(t *testing.T) {
	created := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/resources", func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("category"); got != "volume" {
			t.Errorf("category = %q", got)
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"resources": []map[string]any{{
				"id":         "vol-1",
				"name":       "scratch",
				"host_id":    "h-1",
				"size":       4096,
				"created_at": created,
				"state":      "unused",
			}},
		})
	})
	mux.HandleFunc("DELETE /v1/resources/volume/vol-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /v1/resources/volume/vol-gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such volume", http.StatusNotFound)
	})

	a := newTestAdapter(t, mux)
	resources, err := a.ListResources(t.Context(), backend.CategoryVolume)
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(resources) != 1 {
		t.Fatalf("got %d resources, want 1", len(resources))
	}
	r := resources[0]
	if r.Category != backend.CategoryVolume || r.ID != "vol-1" || r.Backend != "remote" || r.Size != 4096 || !r.CreatedAt.Equal(created) {
		t.Errorf("resource = %+v", r)
	}

	if err := a.DestroyResource(t.Context(), r); err != nil {
		t.Errorf("DestroyResource: %v", err)
	}
	if err := a.DestroyResource(t.Context(), backend.Resource{Category: backend.CategoryVolume, ID: "vol-gone"}); err != nil {
		t.Errorf("absent resource must destroy cleanly: %v", err)
	}
}

// TestNoSyncCapability verifies controller-managed hosts advertise no git
// or mirror transport, so the sync engine refuses them by capability.
func TestNoSyncCapability(t *testing.T) {
	a := newTestAdapter(t, http.NewServeMux())
	h, err := a.AttachHost(t.Context(), backend.HostRef{ID: "h-1"})
	if err != nil {
		t.Fatalf("AttachHost: %v", err)
	}
	if _, ok := h.(codesync.GitEndpoint); ok {
		t.Error("remote hosts must not advertise a git transport")
	}
	if _, ok := h.(codesync.MirrorEndpoint); ok {
		t.Error("remote hosts must not advertise a mirror transport")
	}
}

// TestRegister verifies schema validation of the provider block.
func TestRegister(t *testing.T) {
	r := backend.NewRegistry()
	if err := remote.Register(r); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := r.Open(map[string]any{
		"backend": "remote",
		"url":     "https://controller.example.net",
		"token":   "secret",
	}); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if _, err := r.Open(map[string]any{"backend": "remote", "token": "secret"}); err == nil {
		t.Fatal("config without a url must be rejected")
	}
	if _, err := r.Open(map[string]any{"backend": "remote", "url": "https://c", "socket": "x"}); err == nil {
		t.Fatal("unknown config keys must be rejected")
	}
	if _, err := r.Open(map[string]any{"backend": "remote", "url": "https://c", "request_timeout": "soon"}); err == nil {
		t.Fatal("malformed request_timeout must be rejected")
	}
}
