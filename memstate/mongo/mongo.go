// Package mongo provides a MongoDB-backed memstate.Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eyeflow-dev/kernel/memstate"
)

// Store is a MongoDB implementation of memstate.Store.
type Store struct {
	collection *mongo.Collection
}

var _ memstate.Store = (*Store)(nil)

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

type stateDocument struct {
	ID                      string    `bson:"_id"`
	VersionID               string    `bson:"version_id"`
	ExecutionID             string    `bson:"execution_id"`
	NodeID                  string    `bson:"node_id"`
	TriggerCount            int       `bson:"trigger_count"`
	LastEventPayload        any       `bson:"last_event_payload,omitempty"`
	LastEventTime           time.Time `bson:"last_event_time,omitempty"`
	ConsecutiveMatches      int       `bson:"consecutive_matches"`
	ActionsTriggeredInState int       `bson:"actions_triggered_in_state"`
	ConsecutiveErrors       int       `bson:"consecutive_errors"`
	LastError               string    `bson:"last_error,omitempty"`
	CreatedAt               time.Time `bson:"created_at"`
	UpdatedAt               time.Time `bson:"updated_at"`
}

func docID(key memstate.Key) string {
	return key.VersionID + "/" + key.ExecutionID + "/" + key.NodeID
}

func (s *Store) GetOrCreate(ctx context.Context, key memstate.Key) (memstate.State, error) {
	var doc stateDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": docID(key)}).Decode(&doc)
	if err == nil {
		return fromDocument(doc), nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return memstate.State{}, fmt.Errorf("memstate mongo: get %s: %w", docID(key), err)
	}

	now := time.Now().UTC()
	st := memstate.State{Key: key, CreatedAt: now, UpdatedAt: now}
	doc = toDocument(st)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return memstate.State{}, fmt.Errorf("memstate mongo: create %s: %w", docID(key), err)
	}
	return st, nil
}

func (s *Store) Put(ctx context.Context, st memstate.State) error {
	doc := toDocument(st)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("memstate mongo: put %s: %w", doc.ID, err)
	}
	return nil
}

func toDocument(s memstate.State) stateDocument {
	return stateDocument{
		ID: docID(s.Key), VersionID: s.VersionID, ExecutionID: s.ExecutionID, NodeID: s.NodeID,
		TriggerCount: s.TriggerCount, LastEventPayload: s.LastEventPayload, LastEventTime: s.LastEventTime,
		ConsecutiveMatches: s.ConsecutiveMatches, ActionsTriggeredInState: s.ActionsTriggeredInState,
		ConsecutiveErrors: s.ConsecutiveErrors, LastError: s.LastError,
		CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}
}

func fromDocument(d stateDocument) memstate.State {
	return memstate.State{
		Key:                     memstate.Key{VersionID: d.VersionID, ExecutionID: d.ExecutionID, NodeID: d.NodeID},
		TriggerCount:            d.TriggerCount,
		LastEventPayload:        d.LastEventPayload,
		LastEventTime:           d.LastEventTime,
		ConsecutiveMatches:      d.ConsecutiveMatches,
		ActionsTriggeredInState: d.ActionsTriggeredInState,
		ConsecutiveErrors:       d.ConsecutiveErrors,
		LastError:               d.LastError,
		CreatedAt:               d.CreatedAt,
		UpdatedAt:               d.UpdatedAt,
	}
}
