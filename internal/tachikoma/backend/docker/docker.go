// Package docker runs agent sandboxes as containers on a Docker Engine.
// The container is the host; the agent is a process launched inside it, so
// stopping an agent leaves the sandbox and its volume in place.
package docker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const (
	backendName = "docker"

	labelManagedBy = "tachikoma.managed-by"
	labelHostID    = "tachikoma.host-id"
	labelAgent     = "tachikoma.agent"
	managedByValue = "tachikoma"

	// stopTimeout is how long to wait for graceful container stop before
	// SIGKILL.
	stopTimeout = 10 * time.Second
)

const configSchema = `{
  "type": "object",
  "properties": {
    "network": {
      "type": "string",
      "description": "Docker network the sandboxes attach to"
    },
    "image": {
      "type": "string",
      "description": "default sandbox image when the host spec carries none"
    },
    "host_root": {
      "type": "string",
      "description": "in-container directory for the sandbox volume"
    },
    "default_command": {
      "type": "array",
      "items": {"type": "string"},
      "description": "agent command when the agent spec carries none"
    }
  },
  "additionalProperties": false
}`

// Config is the docker backend's provider configuration block.
type Config struct {
	Network        string   `json:"network"`
	Image          string   `json:"image"`
	HostRoot       string   `json:"host_root"`
	DefaultCommand []string `json:"default_command"`
}

// Register adds the docker backend to r.
func Register(r *backend.Registry) error {
	return r.Register(backendName, []byte(configSchema), func(cfg map[string]any) (backend.Provider, error) {
		var c Config
		if err := backend.DecodeConfig(cfg, &c); err != nil {
			return nil, err
		}
		return New(c)
	})
}

// Adapter implements backend.Provider against the Docker Engine API.
type Adapter struct {
	client     *dockerclient.Client
	network    string
	image      string
	hostRoot   string
	defaultCmd []string
}

// New creates a docker adapter using the DOCKER_HOST env var or the default
// socket path.
func New(c Config) (*Adapter, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	a := &Adapter{
		client:     cli,
		network:    c.Network,
		image:      c.Image,
		hostRoot:   c.HostRoot,
		defaultCmd: c.DefaultCommand,
	}
	if a.network == "" {
		a.network = "tachikoma"
	}
	if a.hostRoot == "" {
		a.hostRoot = "/tachikoma"
	}
	return a, nil
}

func (a *Adapter) Backend() string { return backendName }

// ensureNetwork creates the sandbox network if it doesn't exist.
func (a *Adapter) ensureNetwork(ctx context.Context) error {
	nets, err := a.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", a.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == a.network {
			return nil
		}
	}
	_, err = a.client.NetworkCreate(ctx, a.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", a.network, err)
	}
	return nil
}

func (a *Adapter) CreateHost(ctx context.Context, spec backend.HostSpec) (backend.Host, error) {
	image := spec.Image
	if image == "" {
		image = a.image
	}
	if image == "" {
		return nil, fmt.Errorf("host %s: an image is required", spec.Name)
	}
	if err := a.ensureNetwork(ctx); err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelManagedBy: managedByValue,
		labelHostID:    spec.ID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	volName := volumeName(spec.ID)
	if _, err := a.client.VolumeCreate(ctx, volume.CreateOptions{Name: volName, Labels: labels}); err != nil {
		return nil, fmt.Errorf("create volume: %w", err)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)

	containerCfg := &container.Config{
		Image:  image,
		Env:    env,
		Labels: labels,
		// The sandbox idles; agents are exec'd into it.
		Cmd: []string{"sleep", "infinity"},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "unless-stopped"},
		Mounts: []mount.Mount{
			{Type: mount.TypeVolume, Source: volName, Target: a.hostRoot},
		},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			a.network: {},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName(spec.Name))
	if err != nil {
		_ = a.client.VolumeRemove(ctx, volName, true)
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		_ = a.client.VolumeRemove(ctx, volName, true)
		return nil, fmt.Errorf("start container: %w", err)
	}

	h := a.newHost(spec.ID, spec.Name, resp.ID)
	if _, err := a.execCapture(ctx, h.containerRef, []string{"mkdir", "-p", h.workDir(), h.logsDir()}, "", stopTimeout); err != nil {
		return nil, fmt.Errorf("prepare sandbox dirs: %w", err)
	}
	return h, nil
}

// AttachHost rebuilds a handle from the tracked record. The container id
// travels in the record's address; a missing one falls back to the stable
// container name.
func (a *Adapter) AttachHost(ctx context.Context, ref backend.HostRef) (backend.Host, error) {
	containerRef := ref.Address
	if containerRef == "" {
		containerRef = containerName(ref.Name)
	}
	return a.newHost(ref.ID, ref.Name, containerRef), nil
}

func (a *Adapter) ListHosts(ctx context.Context) ([]backend.Host, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	hosts := make([]backend.Host, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		hosts = append(hosts, a.newHost(c.Labels[labelHostID], name, c.ID))
	}
	return hosts, nil
}

func (a *Adapter) DestroyHost(ctx context.Context, hostID string) error {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelHostID+"="+hostID),
		),
	})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		timeout := int(stopTimeout.Seconds())
		_ = a.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout})
		if err := a.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if !dockerclient.IsErrNotFound(err) {
				return fmt.Errorf("remove container: %w", err)
			}
		}
	}
	if err := a.client.VolumeRemove(ctx, volumeName(hostID), true); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			return fmt.Errorf("remove volume: %w", err)
		}
	}
	return nil
}

func (a *Adapter) StartAgent(ctx context.Context, h backend.Host, spec backend.AgentSpec) (string, error) {
	command := spec.Command
	if len(command) == 0 {
		command = a.defaultCmd
	}
	if len(command) == 0 {
		return "", fmt.Errorf("agent %s: the docker backend requires a command", spec.Name)
	}
	dh, ok := h.(*host)
	if !ok {
		return "", fmt.Errorf("host %s does not belong to the docker backend", h.ID())
	}

	script := startScript(a.hostRoot, command, spec)
	res, err := a.execCapture(ctx, dh.containerRef, []string{"/bin/sh", "-c", script}, "", stopTimeout)
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
	dh, ok := h.(*host)
	if !ok {
		return fmt.Errorf("host %s does not belong to the docker backend", h.ID())
	}
	// A stopped container has no live processes left to signal.
	inspect, err := a.client.ContainerInspect(ctx, dh.containerRef)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return nil
	}

	script := stopScript(a.hostRoot, pid, stopTimeout)
	res, err := a.execCapture(ctx, dh.containerRef, []string{"/bin/sh", "-c", script}, "", 2*stopTimeout)
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
	dh, ok := h.(*host)
	if !ok {
		return false, fmt.Errorf("host %s does not belong to the docker backend", h.ID())
	}
	inspect, err := a.client.ContainerInspect(ctx, dh.containerRef)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspect container: %w", err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return false, nil
	}
	res, err := a.execCapture(ctx, dh.containerRef, []string{"/bin/sh", "-c", fmt.Sprintf("kill -0 %d 2>/dev/null", pid)}, "", stopTimeout)
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (a *Adapter) ListAgents(ctx context.Context) ([]backend.AgentObservation, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var observations []backend.AgentObservation
	for _, c := range containers {
		obs := backend.AgentObservation{
			AgentID: c.Labels[labelAgent],
			HostID:  c.Labels[labelHostID],
		}
		if strings.EqualFold(c.State, "running") {
			res, err := a.execCapture(ctx, c.ID, []string{"/bin/sh", "-c", probeScript(a.hostRoot)}, "", stopTimeout)
			if err == nil && res.ExitCode == 0 {
				pid, alive, ok := parseProbe(res.Stdout)
				if ok {
					obs.RuntimeID = fmt.Sprintf("pid:%d", pid)
					obs.Running = alive
				}
			}
		}
		observations = append(observations, obs)
	}
	return observations, nil
}

func (a *Adapter) newHost(id, name, containerRef string) *host {
	return &host{id: id, name: name, containerRef: containerRef, adapter: a}
}

func containerName(name string) string { return "tachikoma-" + name }
func volumeName(hostID string) string  { return "tachikoma-" + hostID }

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

// startScript launches the agent detached inside the sandbox, records its
// pid and prints it.
func startScript(root string, command []string, spec backend.AgentSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "mkdir -p %s/work %s/logs\ncd %s/work\n", root, root, root)
	b.WriteString("nohup env")
	b.WriteString(" " + shellQuote("AGENT_ID="+spec.ID))
	b.WriteString(" " + shellQuote("AGENT_NAME="+spec.Name))
	b.WriteString(" " + shellQuote("AGENT_TYPE="+spec.Type))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(" " + shellQuote(k+"="+spec.Env[k]))
	}
	for _, arg := range command {
		b.WriteString(" " + shellQuote(arg))
	}
	fmt.Fprintf(&b, " >> %s/logs/agent.log 2>&1 &\npid=$!\necho $pid > %s/agent.pid\necho $pid\n", root, root)
	return b.String()
}

// stopScript terminates the agent process cooperatively: TERM, a bounded
// wait, then KILL. Exit is always zero; a dead process is a no-op.
func stopScript(root string, pid int, grace time.Duration) string {
	ticks := int(grace / (100 * time.Millisecond))
	return fmt.Sprintf(`rm -f %s/agent.pid
kill -TERM %d 2>/dev/null || exit 0
i=0
while [ $i -lt %d ]; do
  kill -0 %d 2>/dev/null || exit 0
  sleep 0.1
  i=$((i+1))
done
kill -KILL %d 2>/dev/null
exit 0
`, root, pid, ticks, pid, pid)
}

// probeScript prints "<pid> <alive>" for the recorded agent process, or
// nothing when no agent was launched.
func probeScript(root string) string {
	return fmt.Sprintf(`if [ -f %s/agent.pid ]; then
  p=$(cat %s/agent.pid)
  if kill -0 "$p" 2>/dev/null; then echo "$p 1"; else echo "$p 0"; fi
fi
`, root, root)
}

func parseProbe(out string) (pid int, alive, ok bool) {
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, false, false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0, false, false
	}
	return pid, fields[1] == "1", true
}

// shellQuote wraps s in single quotes, escaping embedded ones.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
