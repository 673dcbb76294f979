package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/bdobrica/Tachikoma/common/retry"
	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

var _ backend.ResourceLister = (*Adapter)(nil)

// resourceObject is the controller's reclaimable-artifact representation.
type resourceObject struct {
	Category  string            `json:"category"`
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	HostID    string            `json:"host_id"`
	AgentID   string            `json:"agent_id"`
	Size      int64             `json:"size"`
	CreatedAt time.Time         `json:"created_at"`
	State     string            `json:"state"`
	Tags      map[string]string `json:"tags"`
}

// ListResources forwards the enumeration to the controller, which knows
// what it keeps per category.
func (a *Adapter) ListResources(ctx context.Context, category backend.Category) ([]backend.Resource, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	var out struct {
		Resources []resourceObject `json:"resources"`
	}
	path := "/v1/resources?category=" + url.QueryEscape(string(category))
	err := retry.Do(ctx, listRetry, func() error {
		return a.do(ctx, http.MethodGet, path, nil, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("list resources failed: %w", err)
	}
	resources := make([]backend.Resource, 0, len(out.Resources))
	for _, o := range out.Resources {
		resources = append(resources, backend.Resource{
			Category:  category,
			ID:        o.ID,
			Name:      o.Name,
			Backend:   backendName,
			HostID:    o.HostID,
			AgentID:   o.AgentID,
			Size:      o.Size,
			CreatedAt: o.CreatedAt,
			State:     o.State,
			Tags:      o.Tags,
		})
	}
	return resources, nil
}

// DestroyResource asks the controller to reclaim one artifact. A missing
// artifact is already reclaimed.
func (a *Adapter) DestroyResource(ctx context.Context, r backend.Resource) error {
	ctx, cancel := context.WithTimeout(ctx, a.opTimeout)
	defer cancel()

	path := "/v1/resources/" + url.PathEscape(string(r.Category)) + "/" + url.PathEscape(r.ID)
	err := a.do(ctx, http.MethodDelete, path, nil, nil)
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("destroy resource failed: %w", err)
	}
	return nil
}
