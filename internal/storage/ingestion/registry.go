package ingestion

import (
	"sort"
	"sync"

	"github.com/historio/historian/internal/storage/types"
)

// Registry is a swappable in-memory TagProvider. The configuration
// collaborator owns tag definitions; Replace installs a new generation
// atomically, and the change applies from the next sample.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]types.Tag
	groups map[string][]string
}

// NewRegistry builds a registry from an initial tag set.
func NewRegistry(tags []types.Tag) *Registry {
	r := &Registry{}
	r.Replace(tags)
	return r
}

// Replace installs a new tag generation.
func (r *Registry) Replace(tags []types.Tag) {
	byID := make(map[string]types.Tag, len(tags))
	groups := make(map[string][]string)
	for _, t := range tags {
		byID[t.ID] = t
		groups[t.GroupID] = append(groups[t.GroupID], t.ID)
	}
	for _, ids := range groups {
		sort.Strings(ids)
	}

	r.mu.Lock()
	r.byID = byID
	r.groups = groups
	r.mu.Unlock()
}

// Lookup returns a tag's configuration.
func (r *Registry) Lookup(tagID string) (types.Tag, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[tagID]
	return t, ok
}

// GroupTags returns the tag ids configured for a group.
func (r *Registry) GroupTags(groupID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.groups[groupID]
}

var _ types.TagProvider = (*Registry)(nil)
