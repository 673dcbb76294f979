package backend

import (
	"fmt"
	"strings"
	"time"
)

// State is the tracked lifecycle state of an agent or host.
type State string

const (
	StateCreating   State = "creating"
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateDestroying State = "destroying"
	StateDestroyed  State = "destroyed"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions leave s. Destroy remains
// callable on terminal records for idempotence but changes nothing once the
// record is destroyed.
func (s State) Terminal() bool {
	return s == StateDestroyed || s == StateFailed
}

// CommandResult carries the outcome of one command executed on a host.
type CommandResult struct {
	Argv     []string
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit code.
func (r CommandResult) Success() bool { return r.ExitCode == 0 }

// HostSpec describes a host to be provisioned.
type HostSpec struct {
	ID     string
	Name   string
	Image  string // container or sandbox image, where the backend uses one
	Dir    string // requested resource directory; backends may derive their own
	Env    map[string]string
	Labels map[string]string
}

// HostRef identifies an already-provisioned host for rehydration from a
// tracked record.
type HostRef struct {
	ID      string
	Name    string
	Address string // backend address where one applies (ssh host, API URL)
	Dir     string
}

// AgentSpec describes the agent process to launch on a host.
type AgentSpec struct {
	ID      string
	Name    string
	Type    string
	Command []string
	Env     map[string]string
}

// AgentObservation is one agent process as actually observed on a backend,
// independent of any tracked record.
type AgentObservation struct {
	AgentID   string
	HostID    string
	RuntimeID string
	Running   bool
}

// Category names one class of reclaimable resource.
type Category string

const (
	CategoryWorkDir    Category = "workdir"
	CategoryVolume     Category = "volume"
	CategorySnapshot   Category = "snapshot"
	CategoryLogFile    Category = "logfile"
	CategoryBuildCache Category = "buildcache"
	CategoryHost       Category = "host"
)

// AllCategories returns every known category in a stable order.
func AllCategories() []Category {
	return []Category{
		CategoryWorkDir, CategoryVolume, CategorySnapshot,
		CategoryLogFile, CategoryBuildCache, CategoryHost,
	}
}

// ParseCategory converts a user-supplied category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllCategories() {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown resource category %q", s)
}

// Resource is one backend-owned artifact eligible for inspection by the
// sweep engine.
type Resource struct {
	Category  Category
	ID        string
	Name      string
	Backend   string
	HostID    string
	AgentID   string
	Size      int64
	CreatedAt time.Time
	State     string
	Tags      map[string]string
}

// Age returns the resource age relative to now.
func (r Resource) Age(now time.Time) time.Duration {
	if r.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(r.CreatedAt)
}
