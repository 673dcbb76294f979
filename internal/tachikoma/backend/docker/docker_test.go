package docker

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

// newBareAdapter builds an adapter without an engine connection; only the
// pure helpers are exercised here.
func newBareAdapter() *Adapter {
	return &Adapter{network: "tachikoma", hostRoot: "/tachikoma"}
}

// TestStartScript verifies the launch script records a pid, redirects into
// the sandbox log and quotes hostile arguments.
func TestStartScript(t *testing.T) {
	spec := backend.AgentSpec{
		ID:   "a-1",
		Name: "coder",
		Type: "worker",
		Env:  map[string]string{"MODE": "fast", "GREETING": "it's go"},
	}
	script := startScript("/tachikoma", []string{"run-agent", "--label", "dev ops"}, spec)

	for _, want := range []string{
		"mkdir -p /tachikoma/work /tachikoma/logs",
		"cd /tachikoma/work",
		"nohup env",
		"'AGENT_ID=a-1'",
		"'AGENT_NAME=coder'",
		"'AGENT_TYPE=worker'",
		`'GREETING=it'\''s go'`,
		"'MODE=fast'",
		"'run-agent' '--label' 'dev ops'",
		">> /tachikoma/logs/agent.log 2>&1 &",
		"echo $pid > /tachikoma/agent.pid",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("startScript missing %q:\n%s", want, script)
		}
	}
	// Env vars render sorted so the script is stable across runs.
	if strings.Index(script, "GREETING") > strings.Index(script, "MODE") {
		t.Errorf("env vars not sorted:\n%s", script)
	}
	if !strings.HasSuffix(script, "echo $pid\n") {
		t.Errorf("script must end by printing the pid:\n%s", script)
	}
}

// TestStopScript verifies the termination script escalates from TERM to
// KILL and never reports failure for an already-dead process.
func TestStopScript(t *testing.T) {
	script := stopScript("/tachikoma", 4242, 2*time.Second)

	for _, want := range []string{
		"rm -f /tachikoma/agent.pid",
		"kill -TERM 4242 2>/dev/null || exit 0",
		"kill -0 4242 2>/dev/null || exit 0",
		"[ $i -lt 20 ]",
		"kill -KILL 4242 2>/dev/null",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("stopScript missing %q:\n%s", want, script)
		}
	}
	if !strings.HasSuffix(script, "exit 0\n") {
		t.Errorf("stopScript must exit zero:\n%s", script)
	}
}

func TestParseProbe(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		wantPID   int
		wantAlive bool
		wantOK    bool
	}{
		{name: "alive", out: "123 1\n", wantPID: 123, wantAlive: true, wantOK: true},
		{name: "dead", out: "123 0\n", wantPID: 123, wantAlive: false, wantOK: true},
		{name: "no agent", out: "", wantOK: false},
		{name: "garbage", out: "what even is this", wantOK: false},
		{name: "negative pid", out: "-5 1", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pid, alive, ok := parseProbe(tt.out)
			if ok != tt.wantOK {
				t.Fatalf("parseProbe(%q) ok = %v, want %v", tt.out, ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if pid != tt.wantPID || alive != tt.wantAlive {
				t.Errorf("parseProbe(%q) = (%d, %v), want (%d, %v)", tt.out, pid, alive, tt.wantPID, tt.wantAlive)
			}
		})
	}
}

func TestParsePID(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    int
		wantErr bool
	}{
		{name: "valid", in: "pid:817", want: 817},
		{name: "missing prefix", in: "817", wantErr: true},
		{name: "not a number", in: "pid:many", wantErr: true},
		{name: "zero", in: "pid:0", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("parsePID(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "plain", want: "'plain'"},
		{in: "two words", want: "'two words'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "", want: "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNames(t *testing.T) {
	if got := containerName("coder"); got != "tachikoma-coder" {
		t.Errorf("containerName = %q", got)
	}
	if got := volumeName("h-1"); got != "tachikoma-h-1" {
		t.Errorf("volumeName = %q", got)
	}
}

// TestSyncEndpoints verifies the transports a docker host offers to the
// sync engine: git over the ext helper and rsync over docker exec.
func TestSyncEndpoints(t *testing.T) {
	h := newBareAdapter().newHost("h-1", "coder", "abc123")

	remote, err := h.GitRemote("/tachikoma/work/repo")
	if err != nil {
		t.Fatalf("GitRemote: %v", err)
	}
	want := "ext::docker exec -i abc123 %S '/tachikoma/work/repo'"
	if remote != want {
		t.Errorf("GitRemote = %q, want %q", remote, want)
	}

	target, transport, err := h.MirrorTarget("/tachikoma/work/repo")
	if err != nil {
		t.Fatalf("MirrorTarget: %v", err)
	}
	if target != "abc123:/tachikoma/work/repo" {
		t.Errorf("target = %q", target)
	}
	if len(transport) != 3 || transport[0] != "--blocking-io" || transport[2] != "docker exec -i" {
		t.Errorf("transport = %v", transport)
	}
}

func TestHostDirs(t *testing.T) {
	h := newBareAdapter().newHost("h-1", "coder", "abc123")
	if h.Dir() != "/tachikoma" {
		t.Errorf("Dir = %q", h.Dir())
	}
	if h.workDir() != "/tachikoma/work" {
		t.Errorf("workDir = %q", h.workDir())
	}
	if h.logsDir() != "/tachikoma/logs" {
		t.Errorf("logsDir = %q", h.logsDir())
	}
	if h.Addr() != "abc123" {
		t.Errorf("Addr = %q", h.Addr())
	}
}
