// Package memstate implements Execution Memory State (spec.md §3): a
// per-(versionId, executionId, nodeId) row that survives across a single
// execution's instruction boundaries and trigger re-firings, owned
// exclusively by the orchestrator running that execution.
package memstate

import (
	"context"
	"time"
)

// Key identifies one memory-state row.
type Key struct {
	VersionID   string
	ExecutionID string
	NodeID      string
}

// State is the mutable per-execution scratch the orchestrator creates when
// an execution starts and updates on completion.
type State struct {
	Key
	TriggerCount           int
	LastEventPayload       any
	LastEventTime          time.Time
	ConsecutiveMatches     int
	ActionsTriggeredInState int
	ConsecutiveErrors      int
	LastError              string
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Store persists memory-state rows, single-writer per Key (spec §5).
type Store interface {
	GetOrCreate(ctx context.Context, key Key) (State, error)
	Put(ctx context.Context, s State) error
}

// RecordSuccess resets the consecutive-error counter (spec §4.13: "reset
// consecutiveErrors on success").
func RecordSuccess(s State) State {
	s.ConsecutiveErrors = 0
	s.LastError = ""
	s.UpdatedAt = time.Now().UTC()
	return s
}

// RecordFailure increments the consecutive-error counter and stamps the
// failure reason (spec §4.13: "else increment").
func RecordFailure(s State, reason string) State {
	s.ConsecutiveErrors++
	s.LastError = reason
	s.UpdatedAt = time.Now().UTC()
	return s
}
