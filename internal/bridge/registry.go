package bridge

import (
	"errors"
	"fmt"
	"sort"
)

// Registry keeps the configured rail adapters keyed by their identifier.
type Registry struct {
	bridges map[string]Bridge
}

// NewRegistry builds a registry from the provided adapters. Duplicate rail
// identifiers are rejected so a misconfiguration cannot silently shadow a
// rail.
func NewRegistry(bridges ...Bridge) (*Registry, error) {
	set := make(map[string]Bridge, len(bridges))
	for _, b := range bridges {
		if b == nil {
			continue
		}
		id := b.Type()
		if id == "" {
			return nil, errors.New("bridge with empty rail identifier")
		}
		if _, ok := set[id]; ok {
			return nil, fmt.Errorf("duplicate bridge registered for rail %s", id)
		}
		set[id] = b
	}
	return &Registry{bridges: set}, nil
}

// Get returns the adapter for the given rail identifier.
func (r *Registry) Get(rail string) (Bridge, bool) {
	if r == nil {
		return nil, false
	}
	b, ok := r.bridges[rail]
	return b, ok
}

// Rails returns the sorted list of registered rail identifiers.
func (r *Registry) Rails() []string {
	if r == nil {
		return nil
	}
	rails := make([]string, 0, len(r.bridges))
	for id := range r.bridges {
		rails = append(rails, id)
	}
	sort.Strings(rails)
	return rails
}
