// Package memory provides an in-memory memstate.Store suitable for tests
// and single-node deployments.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/eyeflow-dev/kernel/memstate"
)

// Store is an in-memory implementation of memstate.Store.
type Store struct {
	mu   sync.Mutex
	rows map[memstate.Key]memstate.State
}

var _ memstate.Store = (*Store)(nil)

// New creates an empty in-memory memory-state store.
func New() *Store {
	return &Store{rows: make(map[memstate.Key]memstate.State)}
}

func (s *Store) GetOrCreate(_ context.Context, key memstate.Key) (memstate.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.rows[key]; ok {
		return row, nil
	}
	row := memstate.State{Key: key, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	s.rows[key] = row
	return row, nil
}

func (s *Store) Put(_ context.Context, st memstate.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[st.Key] = st
	return nil
}
