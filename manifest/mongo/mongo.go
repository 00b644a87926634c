// Package mongo provides a MongoDB-backed manifest.Store for production
// deployments where the manifest is synchronized from an external source of
// truth (connector CRUD, out of scope here) rather than hardcoded at
// startup.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eyeflow-dev/kernel/manifest"
)

// Store is a MongoDB implementation of manifest.Store.
type Store struct {
	collection *mongo.Collection
}

var _ manifest.Store = (*Store)(nil)

type signatureDocument struct {
	Name   string `bson:"name"`
	Schema []byte `bson:"schema,omitempty"`
}

type entryDocument struct {
	ID         string              `bson:"_id"`
	ServiceID  string              `bson:"service_id"`
	Version    string              `bson:"version"`
	Format     string              `bson:"format"`
	URL        string              `bson:"url"`
	TrustLevel int                 `bson:"trust_level"`
	Inputs     []signatureDocument `bson:"inputs,omitempty"`
	Outputs    []signatureDocument `bson:"outputs,omitempty"`
	Method     string              `bson:"method"`
	TimeoutMs  int                 `bson:"timeout_ms"`
}

// New creates a Store using the provided collection.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// Register upserts an entry by (serviceId, version).
func (s *Store) Register(ctx context.Context, entry manifest.Entry) error {
	doc := toDocument(entry)
	opts := options.Replace().SetUpsert(true)
	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("manifest mongo: register %s@%s: %w", entry.ServiceID, entry.Version, err)
	}
	return nil
}

// Get returns the exact (serviceID, version) entry.
func (s *Store) Get(ctx context.Context, serviceID, version string) (manifest.Entry, error) {
	var doc entryDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": serviceID + "@" + version}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return manifest.Entry{}, manifest.ErrNotFound
		}
		return manifest.Entry{}, fmt.Errorf("manifest mongo: get %s@%s: %w", serviceID, version, err)
	}
	return fromDocument(doc), nil
}

// Resolve returns the highest version of serviceID satisfying versionConstraint.
func (s *Store) Resolve(ctx context.Context, serviceID, versionConstraint string) (manifest.Entry, error) {
	cursor, err := s.collection.Find(ctx, bson.M{"service_id": serviceID})
	if err != nil {
		return manifest.Entry{}, fmt.Errorf("manifest mongo: resolve %s: %w", serviceID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return manifest.Entry{}, fmt.Errorf("manifest mongo: resolve %s decode: %w", serviceID, err)
	}
	var candidates []manifest.Entry
	for _, d := range docs {
		e := fromDocument(d)
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

// List returns every registered entry.
func (s *Store) List(ctx context.Context) ([]manifest.Entry, error) {
	cursor, err := s.collection.Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("manifest mongo: list: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("manifest mongo: list decode: %w", err)
	}
	out := make([]manifest.Entry, len(docs))
	for i, d := range docs {
		out[i] = fromDocument(d)
	}
	return out, nil
}

func toDocument(e manifest.Entry) entryDocument {
	inputs := make([]signatureDocument, len(e.Inputs))
	for i, sig := range e.Inputs {
		inputs[i] = signatureDocument{Name: sig.Name, Schema: sig.Schema}
	}
	outputs := make([]signatureDocument, len(e.Outputs))
	for i, sig := range e.Outputs {
		outputs[i] = signatureDocument{Name: sig.Name, Schema: sig.Schema}
	}
	return entryDocument{
		ID:         e.ServiceID + "@" + e.Version,
		ServiceID:  e.ServiceID,
		Version:    e.Version,
		Format:     string(e.Format),
		URL:        e.URL,
		TrustLevel: int(e.TrustLevel),
		Inputs:     inputs,
		Outputs:    outputs,
		Method:     e.Method,
		TimeoutMs:  e.TimeoutMs,
	}
}

func fromDocument(d entryDocument) manifest.Entry {
	inputs := make([]manifest.Signature, len(d.Inputs))
	for i, sig := range d.Inputs {
		inputs[i] = manifest.Signature{Name: sig.Name, Schema: sig.Schema}
	}
	outputs := make([]manifest.Signature, len(d.Outputs))
	for i, sig := range d.Outputs {
		outputs[i] = manifest.Signature{Name: sig.Name, Schema: sig.Schema}
	}
	return manifest.Entry{
		ServiceID:  d.ServiceID,
		Version:    d.Version,
		Format:     manifest.Format(d.Format),
		URL:        d.URL,
		TrustLevel: manifest.TrustLevel(d.TrustLevel),
		Inputs:     inputs,
		Outputs:    outputs,
		Method:     d.Method,
		TimeoutMs:  d.TimeoutMs,
	}
}
