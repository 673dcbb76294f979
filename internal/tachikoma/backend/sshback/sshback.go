// Package sshback runs agent sandboxes on a remote machine over ssh. The
// remote layout mirrors the local backend: one directory per host under a
// base directory, holding work/, logs/ and small metadata files that the
// listing scripts read back.
package sshback

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/Tachikoma/internal/procgroup"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const (
	backendName = "sshback"

	// opTimeout bounds the control-plane round trips (mkdir, kill, listings).
	opTimeout = 30 * time.Second
	// probeTimeout bounds the reachability check.
	probeTimeout = 10 * time.Second
	// graceTicks is how many 100ms polls StopAgent waits before KILL.
	graceTicks = 100
)

const configSchema = `{
  "type": "object",
  "properties": {
    "host": {
      "type": "string",
      "description": "remote machine to connect to"
    },
    "user": {
      "type": "string",
      "description": "ssh login user"
    },
    "port": {
      "type": "integer",
      "minimum": 1,
      "maximum": 65535,
      "description": "ssh port, 22 when omitted"
    },
    "key_file": {
      "type": "string",
      "description": "private key for authentication"
    },
    "base_dir": {
      "type": "string",
      "description": "remote directory holding the sandboxes, relative paths resolve against the login home"
    }
  },
  "required": ["host"],
  "additionalProperties": false
}`

// Config is the sshback provider configuration block.
type Config struct {
	Host    string `json:"host"`
	User    string `json:"user"`
	Port    int    `json:"port"`
	KeyFile string `json:"key_file"`
	BaseDir string `json:"base_dir"`
}

// Register adds the sshback backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backendName, []byte(configSchema), func(cfg map[string]any) (backend.Provider, error) {
		var c Config
		if err := backend.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(c)
	})
}

// Adapter implements backend.Provider over an ssh connection per command.
// No session is held open; every operation is one ssh invocation.
type Adapter struct {
	host    string
	user    string
	port    int
	keyFile string
	base    string
}

func New(c Config) (*Adapter, error) {
	if c.Host == "" {
		return nil, fmt.Errorf("sshback: a host is required")
	}
	a := &Adapter{
		host:    c.Host,
		user:    c.User,
		port:    c.Port,
		keyFile: c.KeyFile,
		base:    c.BaseDir,
	}
	if a.port == 0 {
		a.port = 22
	}
	if a.base == "" {
		a.base = ".tachikoma/hosts"
	}
	return a, nil
}

func (a *Adapter) Backend() string { return backendName }

// target is the user@host ssh destination.
func (a *Adapter) target() string {
	if a.user == "" {
		return a.host
	}
	return a.user + "@" + a.host
}

// baseArgv builds the ssh invocation up to, but excluding, the remote
// command.
func (a *Adapter) baseArgv() []string {
	argv := []string{
		"ssh",
		"-o", "BatchMode=yes",
		"-o", "StrictHostKeyChecking=accept-new",
		"-p", strconv.Itoa(a.port),
	}
	if a.keyFile != "" {
		argv = append(argv, "-i", a.keyFile)
	}
	return append(argv, a.target())
}

// run executes a shell script on the remote machine and returns its output.
// Exit 255 is ssh's own failure code and surfaces as an error, not a result.
func (a *Adapter) run(ctx context.Context, script string, timeout time.Duration) (backend.CommandResult, error) {
	g := procgroup.Open("ssh-" + a.host)
	defer g.Close()

	argv := append(a.baseArgv(), script)
	res, err := g.Run(ctx, procgroup.Command{Argv: argv, Timeout: timeout})
	if err != nil {
		if res = procgroup.ResultOf(err); res == nil {
			return backend.CommandResult{}, err
		}
	}
	if res.ExitCode == 255 {
		return backend.CommandResult{}, fmt.Errorf("ssh transport to %s failed: %s", a.target(), strings.TrimSpace(res.Stderr))
	}
	return backend.CommandResult{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
	}, nil
}

// hostMeta is the metadata file dropped in each remote host directory.
type hostMeta struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (a *Adapter) hostDir(hostID string) string { return path.Join(a.base, hostID) }

func (a *Adapter) CreateHost(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	meta := hostMeta{ID: spec.ID, Name: spec.Name, Labels: spec.Labels, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode host metadata: %w", err)
	}
	dir := a.hostDir(spec.ID)
	script := createScript(dir, string(raw))
	res, err := a.run(ctx, script, opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to provision remote sandbox: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("failed to provision remote sandbox: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return a.newHost(spec.ID, spec.Name, dir), nil
}

func (a *Adapter) AttachHost(ctx context.Context, ref backend.HostRef) (backend.Host, error) {
	dir := ref.Dir
	if dir == "" {
		dir = a.hostDir(ref.ID)
	}
	return a.newHost(ref.ID, ref.Name, dir), nil
}

func (a *Adapter) ListHosts(ctx context.Context) ([]backend.Host, error) {
	res, err := a.run(ctx, listHostsScript(a.base), opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote sandboxes: %w", err)
	}
	var hosts []backend.Host
	for _, meta := range parseHostMetas(res.Stdout) {
		hosts = append(hosts, a.newHost(meta.ID, meta.Name, a.hostDir(meta.ID)))
	}
	return hosts, nil
}

func (a *Adapter) DestroyHost(ctx context.Context, hostID string) error {
	res, err := a.run(ctx, destroyScript(a.hostDir(hostID)), opTimeout)
	if err != nil {
		return fmt.Errorf("failed to destroy remote sandbox: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to destroy remote sandbox: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *Adapter) StartAgent(ctx context.Context, h backend.Host, spec backend.AgentSpec) (string, error) {
	if len(spec.Command) == 0 {
		return "", fmt.Errorf("agent %s: a command is required", spec.Name)
	}
	res, err := a.run(ctx, startScript(h.Dir(), spec), opTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to launch agent: %w", err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("failed to launch agent: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	pid, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil || pid <= 0 {
		return "", fmt.Errorf("launch reported no pid: %q", res.Stdout)
	}
	return fmt.Sprintf("pid:%d", pid), nil
}

func (a *Adapter) StopAgent(ctx context.Context, h backend.Host, runtimeID string) error {
	pid, err := parsePID(runtimeID)
	if err != nil {
		return err
	}
	res, err := a.run(ctx, stopScript(h.Dir(), pid), opTimeout)
	if err != nil {
		return fmt.Errorf("failed to stop agent: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to stop agent: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (a *Adapter) AgentRunning(ctx context.Context, h backend.Host, runtimeID string) (bool, error) {
	pid, err := parsePID(runtimeID)
	if err != nil {
		return false, err
	}
	res, err := a.run(ctx, fmt.Sprintf("kill -0 %d 2>/dev/null", pid), probeTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (a *Adapter) ListAgents(ctx context.Context) ([]backend.AgentObservation, error) {
	res, err := a.run(ctx, listAgentsScript(a.base), opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote agents: %w", err)
	}
	var observations []backend.AgentObservation
	for _, line := range strings.Split(res.Stdout, "\n") {
		obs, ok := parseAgentLine(line)
		if !ok {
			continue
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

func (a *Adapter) newHost(id, name, dir string) *host {
	return &host{id: id, name: name, dir: dir, adapter: a}
}

func parsePID(runtimeID string) (int, error) {
	raw, ok := strings.CutPrefix(runtimeID, "pid:")
	if !ok {
		return 0, fmt.Errorf("malformed runtime id %q", runtimeID)
	}
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed runtime id %q", runtimeID)
	}
	return pid, nil
}

func parseHostMetas(out string) []hostMeta {
	var metas []hostMeta
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var meta hostMeta
		if err := json.Unmarshal([]byte(line), &meta); err != nil || meta.ID == "" {
			continue
		}
		metas = append(metas, meta)
	}
	return metas
}

// parseAgentLine reads one "<host> <agent> <pid> <alive>" listing line.
func parseAgentLine(line string) (backend.AgentObservation, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return backend.AgentObservation{}, false
	}
	pid, err := strconv.Atoi(fields[2])
	if err != nil || pid <= 0 {
		return backend.AgentObservation{}, false
	}
	return backend.AgentObservation{
		HostID:    fields[0],
		AgentID:   fields[1],
		RuntimeID: fmt.Sprintf("pid:%d", pid),
		Running:   fields[3] == "1",
	}, true
}

// createScript provisions the remote host directory and drops its metadata.
func createScript(dir, metaJSON string) string {
	q := shellQuote
	return fmt.Sprintf(`mkdir -p %s %s
: > %s
printf '%%s' %s > %s
`,
		q(path.Join(dir, "work")), q(path.Join(dir, "logs")),
		q(path.Join(dir, "servers.jsonl")),
		q(metaJSON), q(path.Join(dir, "host.json")))
}

// destroyScript kills a resident agent session and removes the directory.
// Absent directories exit zero so destroy stays idempotent.
func destroyScript(dir string) string {
	return fmt.Sprintf(`d=%s
[ -d "$d" ] || exit 0
if [ -f "$d/agent.pid" ]; then
  p=$(cat "$d/agent.pid")
  kill -KILL -"$p" 2>/dev/null || kill -KILL "$p" 2>/dev/null
fi
rm -rf "$d"
`, shellQuote(dir))
}

// startScript launches the agent detached on the remote machine, records
// its pid and identity for the listing script, and prints the pid.
func startScript(dir string, spec backend.AgentSpec) string {
	q := shellQuote
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s %s\ncd %s\n", q(path.Join(dir, "work")), q(path.Join(dir, "logs")), q(path.Join(dir, "work")))
	b.WriteString("nohup env")
	b.WriteString(" " + q("AGENT_ID="+spec.ID))
	b.WriteString(" " + q("AGENT_NAME="+spec.Name))
	b.WriteString(" " + q("AGENT_TYPE="+spec.Type))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + q(k+"="+spec.Env[k]))
	}
	for _, arg := range spec.Command {
		b.WriteString(" " + q(arg))
	}
	fmt.Fprintf(&b, " >> %s 2>&1 &\npid=$!\n", q(path.Join(dir, "logs", "agent.log")))
	fmt.Fprintf(&b, "echo $pid > %s\n", q(path.Join(dir, "agent.pid")))
	fmt.Fprintf(&b, "printf '%%s' %s > %s\n", q(spec.ID), q(path.Join(dir, "agent.id")))
	b.WriteString("echo $pid\n")
	return b.String()
}

// stopScript terminates the recorded agent: TERM, a bounded wait, then
// KILL. A dead process is a no-op.
func stopScript(dir string, pid int) string {
	q := shellQuote
	return fmt.Sprintf(`rm -f %s %s
kill -TERM %d 2>/dev/null || exit 0
i=0
while [ $i -lt %d ]; do
  kill -0 %d 2>/dev/null || exit 0
  sleep 0.1
  i=$((i+1))
done
kill -KILL %d 2>/dev/null
exit 0
`, q(path.Join(dir, "agent.pid")), q(path.Join(dir, "agent.id")), pid, graceTicks, pid, pid)
}

// listHostsScript prints each host's metadata file, one JSON document per
// line.
func listHostsScript(base string) string {
	return fmt.Sprintf(`for d in %s/*/; do
  [ -f "$d/host.json" ] || continue
  cat "$d/host.json"
  echo
done
`, shellQuote(base))
}

// listAgentsScript prints one "<host> <agent> <pid> <alive>" line per
// recorded agent.
func listAgentsScript(base string) string {
	return fmt.Sprintf(`for d in %s/*/; do
  [ -f "$d/agent.pid" ] || continue
  hid=$(basename "$d")
  pid=$(cat "$d/agent.pid")
  aid=$(cat "$d/agent.id" 2>/dev/null || echo -)
  if kill -0 "$pid" 2>/dev/null; then alive=1; else alive=0; fi
  echo "$hid $aid $pid $alive"
done
`, shellQuote(base))
}

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
