package sshback

import (
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

const labelAgent = "tachikoma.agent"

var _ backend.ResourceLister = (*Adapter)(nil)

// ListResources enumerates remote sandbox directories and their work trees.
// Log files stay out of scope here; shipping per-file stat round trips over
// ssh costs more than the space they reclaim.
func (a *Adapter) ListResources(ctx context.Context, category backend.Category) ([]backend.Resource, error) {
	switch category {
	case backend.CategoryHost:
		return a.listHostResources(ctx)
	case backend.CategoryWorkDir:
		return a.listWorkdirResources(ctx)
	default:
		return nil, nil
	}
}

func (a *Adapter) listHostResources(ctx context.Context) ([]backend.Resource, error) {
	res, err := a.run(ctx, listHostsScript(a.base), opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote sandboxes: %w", err)
	}
	observations, err := a.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	running := make(map[string]bool)
	for _, obs := range observations {
		if obs.Running {
			running[obs.HostID] = true
		}
	}

	var resources []backend.Resource
	for _, meta := range parseHostMetas(res.Stdout) {
		state := "stopped"
		if running[meta.ID] {
			state = "running"
		}
		resources = append(resources, backend.Resource{
			Category:  backend.CategoryHost,
			ID:        meta.ID,
			Name:      meta.Name,
			Backend:   backendName,
			HostID:    meta.ID,
			AgentID:   meta.Labels[labelAgent],
			CreatedAt: meta.CreatedAt,
			State:     state,
			Tags:      meta.Labels,
		})
	}
	return resources, nil
}

func (a *Adapter) listWorkdirResources(ctx context.Context) ([]backend.Resource, error) {
	res, err := a.run(ctx, workdirSizeScript(a.base), opTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to measure remote work trees: %w", err)
	}
	var resources []backend.Resource
	for _, line := range strings.Split(res.Stdout, "\n") {
		r, ok := parseWorkdirLine(line)
		if !ok {
			continue
		}
		resources = append(resources, r)
	}
	return resources, nil
}

// DestroyResource reclaims one enumerated artifact. Work tree ids are
// rebuilt into paths server-side; the id never reaches the shell as-is.
func (a *Adapter) DestroyResource(ctx context.Context, r backend.Resource) error {
	switch r.Category {
	case backend.CategoryHost:
		return a.DestroyHost(ctx, r.ID)
	case backend.CategoryWorkDir:
		hostID, ok := strings.CutSuffix(r.ID, "/work")
		if !ok || hostID == "" || strings.ContainsAny(hostID, "/") || hostID == "." || hostID == ".." {
			return fmt.Errorf("work tree id %q does not name a sandbox", r.ID)
		}
		script := fmt.Sprintf("rm -rf %s", shellQuote(path.Join(a.base, hostID, "work")))
		res, err := a.run(ctx, script, opTimeout)
		if err != nil {
			return fmt.Errorf("failed to remove remote work tree: %w", err)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("failed to remove remote work tree: exit %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	default:
		return fmt.Errorf("category %s is not reclaimable on the sshback backend", r.Category)
	}
}

// workdirSizeScript prints one "<host> <kilobytes>" line per work tree.
func workdirSizeScript(base string) string {
	return fmt.Sprintf(`for d in %s/*/; do
  [ -f "$d/host.json" ] || continue
  hid=$(basename "$d")
  sz=$(du -sk "$d/work" 2>/dev/null | cut -f1)
  echo "$hid ${sz:-0}"
done
`, shellQuote(base))
}

func parseWorkdirLine(line string) (backend.Resource, bool) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return backend.Resource{}, false
	}
	kb, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || kb < 0 {
		return backend.Resource{}, false
	}
	return backend.Resource{
		Category: backend.CategoryWorkDir,
		ID:       fields[0] + "/work",
		Name:     "work",
		Backend:  backendName,
		HostID:   fields[0],
		Size:     kb * 1024,
	}, true
}
