// Package memory provides an in-memory execrecord.Store for tests and
// single-node deployments.
package memory

import (
	"context"
	"sync"

	"github.com/eyeflow-dev/kernel/execrecord"
)

// Store is an in-memory implementation of execrecord.Store.
type Store struct {
	mu      sync.RWMutex
	records map[string]execrecord.Record
}

var _ execrecord.Store = (*Store)(nil)

// New creates an empty in-memory execution-record store.
func New() *Store {
	return &Store{records: make(map[string]execrecord.Record)}
}

func (s *Store) Upsert(_ context.Context, rec execrecord.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ExecutionID] = rec
	return nil
}

func (s *Store) Load(_ context.Context, executionID string) (execrecord.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[executionID]
	if !ok {
		return execrecord.Record{}, nil
	}
	return rec, nil
}

func (s *Store) CountRunningForVersion(_ context.Context, versionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.VersionID == versionID && r.Status == execrecord.StatusRunning {
			n++
		}
	}
	return n, nil
}
