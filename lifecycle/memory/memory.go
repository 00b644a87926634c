// Package memory provides an in-memory lifecycle.Store suitable for tests
// and single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/eyeflow-dev/kernel/lifecycle"
)

// Store is an in-memory implementation of lifecycle.Store. Safe for
// concurrent use.
type Store struct {
	mu       sync.RWMutex
	projects map[string]lifecycle.Project
	versions map[string]lifecycle.Version
	running  map[string]bool // projectID -> has a RUNNING execution
}

var _ lifecycle.Store = (*Store)(nil)

// New creates an empty in-memory lifecycle store.
func New() *Store {
	return &Store{
		projects: make(map[string]lifecycle.Project),
		versions: make(map[string]lifecycle.Version),
		running:  make(map[string]bool),
	}
}

func (s *Store) GetProject(_ context.Context, projectID string) (lifecycle.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return lifecycle.Project{}, lifecycle.ErrNotFound
	}
	return p, nil
}

func (s *Store) PutProject(_ context.Context, p lifecycle.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ProjectID] = p
	return nil
}

func (s *Store) GetVersion(_ context.Context, versionID string) (lifecycle.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return lifecycle.Version{}, lifecycle.ErrNotFound
	}
	return v, nil
}

func (s *Store) ListVersions(_ context.Context, projectID string) ([]lifecycle.Version, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]lifecycle.Version, 0)
	for _, v := range s.versions {
		if v.ProjectID == projectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) PutVersion(_ context.Context, v lifecycle.Version) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[v.VersionID] = v
	return nil
}

func (s *Store) HasRunningExecution(_ context.Context, projectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running[projectID], nil
}

// SetRunning lets callers (such as tests) mark a
// project as having a live execution against its active version.
func (s *Store) SetRunning(projectID string, running bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[projectID] = running
}
