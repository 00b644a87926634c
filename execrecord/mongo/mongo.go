// Package mongo provides a MongoDB-backed execrecord.Store, following the
// upsert-by-id pattern of the teacher's run-metadata store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eyeflow-dev/kernel/execrecord"
)

// Store is a MongoDB implementation of execrecord.Store.
type Store struct {
	collection *mongo.Collection
}

var _ execrecord.Store = (*Store)(nil)

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

type recordDocument struct {
	ID            string    `bson:"_id"`
	ProjectID     string    `bson:"project_id"`
	VersionID     string    `bson:"version_id"`
	NodeID        string    `bson:"node_id"`
	Status        string    `bson:"status"`
	StartedAt     time.Time `bson:"started_at"`
	FinishedAt    time.Time `bson:"finished_at,omitempty"`
	Output        any       `bson:"output,omitempty"`
	FailureReason string    `bson:"failure_reason,omitempty"`
	CancelReason  string    `bson:"cancel_reason,omitempty"`
	RetryOf       string    `bson:"retry_of,omitempty"`
	Attempt       int       `bson:"attempt"`
}

// Upsert replaces the record by ExecutionID, creating it if absent.
func (s *Store) Upsert(ctx context.Context, rec execrecord.Record) error {
	doc := toDocument(rec)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("execrecord mongo: upsert %s: %w", rec.ExecutionID, err)
	}
	return nil
}

// Load fetches a record by ExecutionID. Unknown IDs return a zero Record, no
// error (mirrors the teacher's LoadRun: a missing run is not exceptional).
func (s *Store) Load(ctx context.Context, executionID string) (execrecord.Record, error) {
	var doc recordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": executionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return execrecord.Record{}, nil
		}
		return execrecord.Record{}, fmt.Errorf("execrecord mongo: load %s: %w", executionID, err)
	}
	return fromDocument(doc), nil
}

// CountRunningForVersion counts RUNNING records against versionID.
func (s *Store) CountRunningForVersion(ctx context.Context, versionID string) (int, error) {
	count, err := s.collection.CountDocuments(ctx, bson.M{"version_id": versionID, "status": string(execrecord.StatusRunning)})
	if err != nil {
		return 0, fmt.Errorf("execrecord mongo: count running for %s: %w", versionID, err)
	}
	return int(count), nil
}

func toDocument(r execrecord.Record) recordDocument {
	return recordDocument{
		ID:            r.ExecutionID,
		ProjectID:     r.ProjectID,
		VersionID:     r.VersionID,
		NodeID:        r.NodeID,
		Status:        string(r.Status),
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
		Output:        r.Output,
		FailureReason: r.FailureReason,
		CancelReason:  r.CancelReason,
		RetryOf:       r.RetryOf,
		Attempt:       r.Attempt,
	}
}

func fromDocument(d recordDocument) execrecord.Record {
	return execrecord.Record{
		ExecutionID:   d.ID,
		ProjectID:     d.ProjectID,
		VersionID:     d.VersionID,
		NodeID:        d.NodeID,
		Status:        execrecord.Status(d.Status),
		StartedAt:     d.StartedAt,
		FinishedAt:    d.FinishedAt,
		Output:        d.Output,
		FailureReason: d.FailureReason,
		CancelReason:  d.CancelReason,
		RetryOf:       d.RetryOf,
		Attempt:       d.Attempt,
	}
}
