// Package memory provides an in-memory manifest.Store suitable for tests and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/eyeflow-dev/kernel/manifest"
)

// Store is an in-memory implementation of manifest.Store. Safe for
// concurrent use; entries are never mutated after Register, matching the
// "immutable process-wide table" invariant in spec.md §3.
type Store struct {
	mu      sync.RWMutex
	entries map[string]manifest.Entry
}

var _ manifest.Store = (*Store)(nil)

// New creates an empty in-memory manifest store.
func New() *Store {
	return &Store{entries: make(map[string]manifest.Entry)}
}

func key(serviceID, version string) string {
	return serviceID + "@" + version
}

// Register adds or replaces an entry. Registration is expected only during
// composition/admin reload, never concurrently with Resolve traffic.
func (s *Store) Register(_ context.Context, entry manifest.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(entry.ServiceID, entry.Version)] = entry
	return nil
}

// Get returns the exact (serviceID, version) entry.
func (s *Store) Get(_ context.Context, serviceID, version string) (manifest.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key(serviceID, version)]
	if !ok {
		return manifest.Entry{}, manifest.ErrNotFound
	}
	return entry, nil
}

// Resolve returns the highest registered version of serviceID satisfying
// versionConstraint. An empty constraint returns the highest registered
// version.
func (s *Store) Resolve(_ context.Context, serviceID, versionConstraint string) (manifest.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []manifest.Entry
	for _, e := range s.entries {
		if e.ServiceID != serviceID {
			continue
		}
		ok, err := manifest.SatisfiesConstraint(e.Version, versionConstraint)
		if err != nil {
			return manifest.Entry{}, err
		}
		if ok {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return manifest.Entry{}, manifest.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi, erri := semver.NewVersion(candidates[i].Version)
		vj, errj := semver.NewVersion(candidates[j].Version)
		if erri != nil || errj != nil {
			return candidates[i].Version > candidates[j].Version
		}
		return vi.GreaterThan(vj)
	})
	return candidates[0], nil
}

// List returns every registered entry, sorted by (ServiceID, Version) for
// deterministic iteration by callers.
func (s *Store) List(_ context.Context) ([]manifest.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]manifest.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}
