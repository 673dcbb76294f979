package docker

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockerclient "github.com/docker/docker/client"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

var _ backend.ResourceLister = (*Adapter)(nil)

// ListResources enumerates reclaimable docker artifacts. Hosts are the
// sandbox containers, volumes their attached storage, and the build cache
// is daemon-wide. Images are deliberately not offered: they are shared
// between sandboxes and removal belongs to the operator.
func (a *Adapter) ListResources(ctx context.Context, category backend.Category) ([]backend.Resource, error) {
	switch category {
	case backend.CategoryHost:
		return a.listContainerResources(ctx)
	case backend.CategoryVolume:
		return a.listVolumeResources(ctx)
	case backend.CategoryBuildCache:
		return a.listBuildCacheResources(ctx)
	default:
		return nil, nil
	}
}

func (a *Adapter) listContainerResources(ctx context.Context) ([]backend.Resource, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All:  true,
		Size: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var resources []backend.Resource
	for _, c := range containers {
		hostID := c.Labels[labelHostID]
		if hostID == "" {
			continue
		}
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		resources = append(resources, backend.Resource{
			Category:  backend.CategoryHost,
			ID:        hostID,
			Name:      name,
			Backend:   backendName,
			HostID:    hostID,
			AgentID:   c.Labels[labelAgent],
			Size:      c.SizeRw,
			CreatedAt: time.Unix(c.Created, 0),
			State:     c.State,
			Tags:      c.Labels,
		})
	}
	return resources, nil
}

func (a *Adapter) listVolumeResources(ctx context.Context) ([]backend.Resource, error) {
	usage, err := a.client.DiskUsage(ctx, types.DiskUsageOptions{
		Types: []types.DiskUsageObject{types.VolumeObject},
	})
	if err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}
	var resources []backend.Resource
	for _, v := range usage.Volumes {
		if v == nil || v.Labels[labelManagedBy] != managedByValue {
			continue
		}
		r := backend.Resource{
			Category: backend.CategoryVolume,
			ID:       v.Name,
			Name:     v.Name,
			Backend:  backendName,
			HostID:   v.Labels[labelHostID],
			AgentID:  v.Labels[labelAgent],
			State:    "unused",
			Tags:     v.Labels,
		}
		if created, err := time.Parse(time.RFC3339, v.CreatedAt); err == nil {
			r.CreatedAt = created
		}
		if v.UsageData != nil {
			r.Size = v.UsageData.Size
			if v.UsageData.RefCount > 0 {
				r.State = "in-use"
			}
		}
		resources = append(resources, r)
	}
	return resources, nil
}

func (a *Adapter) listBuildCacheResources(ctx context.Context) ([]backend.Resource, error) {
	usage, err := a.client.DiskUsage(ctx, types.DiskUsageOptions{
		Types: []types.DiskUsageObject{types.BuildCacheObject},
	})
	if err != nil {
		return nil, fmt.Errorf("disk usage: %w", err)
	}
	var resources []backend.Resource
	for _, b := range usage.BuildCache {
		if b == nil {
			continue
		}
		state := "idle"
		if b.InUse {
			state = "in-use"
		}
		resources = append(resources, backend.Resource{
			Category:  backend.CategoryBuildCache,
			ID:        b.ID,
			Name:      b.Description,
			Backend:   backendName,
			Size:      b.Size,
			CreatedAt: b.CreatedAt,
			State:     state,
			Tags: map[string]string{
				"type":   b.Type,
				"shared": strconv.FormatBool(b.Shared),
			},
		})
	}
	return resources, nil
}

// DestroyResource reclaims one enumerated artifact. Absent artifacts are
// treated as already reclaimed.
func (a *Adapter) DestroyResource(ctx context.Context, r backend.Resource) error {
	switch r.Category {
	case backend.CategoryHost:
		return a.DestroyHost(ctx, r.ID)
	case backend.CategoryVolume:
		if err := a.client.VolumeRemove(ctx, r.ID, true); err != nil {
			if dockerclient.IsErrNotFound(err) {
				return nil
			}
			return fmt.Errorf("remove volume %s: %w", r.ID, err)
		}
		return nil
	case backend.CategoryBuildCache:
		_, err := a.client.BuildCachePrune(ctx, types.BuildCachePruneOptions{
			Filters: filters.NewArgs(filters.Arg("id", r.ID)),
		})
		if err != nil {
			return fmt.Errorf("prune build cache %s: %w", r.ID, err)
		}
		return nil
	default:
		return fmt.Errorf("category %s is not reclaimable on the docker backend", r.Category)
	}
}
