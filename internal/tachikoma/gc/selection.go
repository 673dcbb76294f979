package gc

import (
	"path"
	"strings"
	"time"

	"github.com/bdobrica/Tachikoma/internal/tachikoma/backend"
)

// Selection is the filter set for one sweep. Set filters combine with
// logical AND. An empty Selection matches nothing: a sweep never defaults
// to everything.
type Selection struct {
	// MinAge selects resources at least this old. Zero disables the filter.
	MinAge time.Duration

	// NameGlob selects resources whose name matches this pattern, in
	// path.Match syntax. Empty disables the filter.
	NameGlob string

	// HasTags selects resources carrying every listed tag. Each entry is
	// either a bare key or key=value.
	HasTags []string

	// NotTags excludes resources carrying any listed tag (same syntax).
	NotTags []string

	// States selects resources in any of the listed states. Empty
	// disables the filter.
	States []string

	// HostIDs selects resources belonging to any of the listed hosts.
	// Empty disables the filter.
	HostIDs []string

	// Force includes resources referenced by a live agent, which are
	// otherwise always excluded. Force alone selects nothing.
	Force bool
}

// Empty reports whether no selecting filter is set.
func (s Selection) Empty() bool {
	return s.MinAge == 0 && s.NameGlob == "" &&
		len(s.HasTags) == 0 && len(s.NotTags) == 0 &&
		len(s.States) == 0 && len(s.HostIDs) == 0
}

// Matches evaluates the AND of every set filter against r at time now.
func (s Selection) Matches(r backend.Resource, now time.Time) bool {
	if s.Empty() {
		return false
	}
	if s.MinAge > 0 && r.Age(now) < s.MinAge {
		return false
	}
	if s.NameGlob != "" {
		ok, err := path.Match(s.NameGlob, r.Name)
		if err != nil || !ok {
			return false
		}
	}
	for _, tag := range s.HasTags {
		if !hasTag(r, tag) {
			return false
		}
	}
	for _, tag := range s.NotTags {
		if hasTag(r, tag) {
			return false
		}
	}
	if len(s.States) > 0 {
		found := false
		for _, st := range s.States {
			if strings.EqualFold(r.State, st) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(s.HostIDs) > 0 {
		found := false
		for _, id := range s.HostIDs {
			if r.HostID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// hasTag checks a bare key for presence, or key=value for an exact match.
func hasTag(r backend.Resource, tag string) bool {
	key, value, exact := strings.Cut(tag, "=")
	got, present := r.Tags[key]
	if !present {
		return false
	}
	if exact {
		return got == value
	}
	return true
}
