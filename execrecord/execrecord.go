// Package execrecord persists Execution Records: the per-run audit trail
// the orchestrator (spec.md C13) creates at RUNNING and finalizes at
// SUCCEEDED/FAILED/CANCELLED.
package execrecord

import (
	"context"
	"time"
)

// Status is an Execution Record's terminal or in-flight state.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Record is one execution of a project's active version.
type Record struct {
	ExecutionID   string
	ProjectID     string
	VersionID     string
	NodeID        string
	Status        Status
	StartedAt     time.Time
	FinishedAt    time.Time
	Output        any
	FailureReason string
	CancelReason  string
	// RetryOf points to the ExecutionID this record retries, when non-empty
	// (supplemental retry-lineage feature, SPEC_FULL.md C13).
	RetryOf string
	Attempt int
}

// Store persists Execution Records. Implementations must make Upsert safe
// to call repeatedly for the same ExecutionID (create then update).
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Load(ctx context.Context, executionID string) (Record, error)
	// CountRunningForVersion returns how many records are currently RUNNING
	// against versionID.
	CountRunningForVersion(ctx context.Context, versionID string) (int, error)
}
