package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/agentdir"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

var _ backend.ResourceLister = (*Adapter)(nil)

// ListResources exposes the sandbox directories to the sweep engine. A
// resource id is the path of the artifact relative to the base dir, so
// DestroyResource can reverse the mapping.
func (a *Adapter) ListResources(ctx context.Context, c backend.Category) ([]backend.Resource, error) {
	switch c {
	case backend.CategoryHost, backend.CategoryWorkDir, backend.CategoryLogFile:
	default:
		return nil, nil
	}

	entries, err := os.ReadDir(a.base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read base dir: %w", err)
	}

	var resources []backend.Resource
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(a.base, entry.Name())
		var meta hostMeta
		if err := readJSON(filepath.Join(dir, hostMetaFile), &meta); err != nil {
			continue
		}

		state := "stopped"
		var agent agentMeta
		if err := readJSON(filepath.Join(dir, agentMetaFile), &agent); err == nil && processAlive(agent.PID) {
			state = "running"
		}

		base := backend.Resource{
			Backend:   backendName,
			HostID:    meta.ID,
			AgentID:   meta.Labels[labelAgent],
			CreatedAt: meta.CreatedAt,
			State:     state,
			Tags:      meta.Labels,
		}

		switch c {
		case backend.CategoryHost:
			r := base
			r.Category = c
			r.ID = meta.ID
			r.Name = meta.Name
			resources = append(resources, r)
		case backend.CategoryWorkDir:
			work := filepath.Join(dir, workDirName)
			if _, err := os.Stat(work); err != nil {
				continue
			}
			r := base
			r.Category = c
			r.ID = meta.ID + "/" + workDirName
			r.Name = meta.Name + "-work"
			r.Size = dirSize(work)
			resources = append(resources, r)
		case backend.CategoryLogFile:
			files, err := os.ReadDir(agentdir.LogsDir(dir))
			if err != nil {
				continue
			}
			for _, f := range files {
				info, err := f.Info()
				if err != nil || info.IsDir() {
					continue
				}
				r := base
				r.Category = c
				r.ID = meta.ID + "/logs/" + f.Name()
				r.Name = f.Name()
				r.Size = info.Size()
				r.CreatedAt = info.ModTime()
				resources = append(resources, r)
			}
		}
	}
	return resources, nil
}

// DestroyResource removes the artifact named by the resource id. Anything
// already gone is a no-op.
func (a *Adapter) DestroyResource(ctx context.Context, r backend.Resource) error {
	if r.Category == backend.CategoryHost {
		return a.DestroyHost(ctx, r.ID)
	}
	rel := filepath.Clean(r.ID)
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return fmt.Errorf("malformed resource id %q", r.ID)
	}
	if err := os.RemoveAll(filepath.Join(a.base, rel)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", rel, err)
	}
	return nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
