// Package mongo provides a MongoDB-backed lifecycle.Store for production
// deployments, following the same document-per-collection shape as
// manifest/mongo.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/eyeflow-dev/kernel/lifecycle"
)

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// Store is a MongoDB implementation of lifecycle.Store, backed by two
// collections: one for projects, one for versions.
type Store struct {
	projects *mongo.Collection
	versions *mongo.Collection
	runs     *mongo.Collection
}

var _ lifecycle.Store = (*Store)(nil)

// New creates a Store using the provided collections. runningExecutions
// should be the same collection the orchestrator (C13) writes Execution
// Records to; HasRunningExecution queries it for a RUNNING status row
// against the project's current active version.
func New(projects, versions, runningExecutions *mongo.Collection) *Store {
	return &Store{projects: projects, versions: versions, runs: runningExecutions}
}

type projectDocument struct {
	ID                string   `bson:"_id"`
	Name              string   `bson:"name"`
	ActiveVersionID   string   `bson:"active_version_id,omitempty"`
	CurrentVersion    int      `bson:"current_version"`
	ExecutionCount    int64    `bson:"execution_count"`
	LastExecutionAt   int64    `bson:"last_execution_at,omitempty"`
	CreatedAt         int64    `bson:"created_at"`
	AllowedConnectors []string `bson:"allowed_connectors,omitempty"`
}

type versionDocument struct {
	ID            string `bson:"_id"`
	ProjectID     string `bson:"project_id"`
	Number        int    `bson:"number"`
	ParentVersion int    `bson:"parent_version"`
	State         string `bson:"state"`
	DagDefinition []byte `bson:"dag_definition,omitempty"`
	DagChecksum   string `bson:"dag_checksum"`
	IRBinary      []byte `bson:"ir_binary,omitempty"`
	IRChecksum    string `bson:"ir_checksum,omitempty"`
	IRSignature   []byte `bson:"ir_signature,omitempty"`
	Author        string `bson:"author"`
	CreatedAt     int64  `bson:"created_at"`
	ValidatedAt   int64  `bson:"validated_at,omitempty"`
	ActivatedAt   int64  `bson:"activated_at,omitempty"`
	ArchivedAt    int64  `bson:"archived_at,omitempty"`
}

func (s *Store) GetProject(ctx context.Context, projectID string) (lifecycle.Project, error) {
	var doc projectDocument
	err := s.projects.FindOne(ctx, bson.M{"_id": projectID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return lifecycle.Project{}, lifecycle.ErrNotFound
		}
		return lifecycle.Project{}, fmt.Errorf("lifecycle mongo: get project %s: %w", projectID, err)
	}
	return projectFromDocument(doc), nil
}

func (s *Store) PutProject(ctx context.Context, p lifecycle.Project) error {
	doc := projectToDocument(p)
	opts := options.Replace().SetUpsert(true)
	_, err := s.projects.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("lifecycle mongo: put project %s: %w", p.ProjectID, err)
	}
	return nil
}

func (s *Store) GetVersion(ctx context.Context, versionID string) (lifecycle.Version, error) {
	var doc versionDocument
	err := s.versions.FindOne(ctx, bson.M{"_id": versionID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return lifecycle.Version{}, lifecycle.ErrNotFound
		}
		return lifecycle.Version{}, fmt.Errorf("lifecycle mongo: get version %s: %w", versionID, err)
	}
	return versionFromDocument(doc), nil
}

func (s *Store) ListVersions(ctx context.Context, projectID string) ([]lifecycle.Version, error) {
	findOpts := options.Find().SetSort(bson.D{{Key: "number", Value: 1}})
	cursor, err := s.versions.Find(ctx, bson.M{"project_id": projectID}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("lifecycle mongo: list versions for %s: %w", projectID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []versionDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("lifecycle mongo: list versions decode: %w", err)
	}
	out := make([]lifecycle.Version, len(docs))
	for i, d := range docs {
		out[i] = versionFromDocument(d)
	}
	return out, nil
}

func (s *Store) PutVersion(ctx context.Context, v lifecycle.Version) error {
	doc := versionToDocument(v)
	opts := options.Replace().SetUpsert(true)
	_, err := s.versions.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts)
	if err != nil {
		return fmt.Errorf("lifecycle mongo: put version %s: %w", v.VersionID, err)
	}
	return nil
}

func (s *Store) HasRunningExecution(ctx context.Context, projectID string) (bool, error) {
	count, err := s.runs.CountDocuments(ctx, bson.M{"project_id": projectID, "status": "RUNNING"}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("lifecycle mongo: has running execution %s: %w", projectID, err)
	}
	return count > 0, nil
}

func projectToDocument(p lifecycle.Project) projectDocument {
	doc := projectDocument{
		ID:                p.ProjectID,
		Name:              p.Name,
		ActiveVersionID:   p.ActiveVersionID,
		CurrentVersion:    p.CurrentVersion,
		ExecutionCount:    p.ExecutionCount,
		CreatedAt:         p.CreatedAt.UnixMilli(),
		AllowedConnectors: p.AllowedConnectors,
	}
	if !p.LastExecutionAt.IsZero() {
		doc.LastExecutionAt = p.LastExecutionAt.UnixMilli()
	}
	return doc
}

func projectFromDocument(d projectDocument) lifecycle.Project {
	p := lifecycle.Project{
		ProjectID:         d.ID,
		Name:              d.Name,
		ActiveVersionID:   d.ActiveVersionID,
		CurrentVersion:    d.CurrentVersion,
		ExecutionCount:    d.ExecutionCount,
		CreatedAt:         millisToTime(d.CreatedAt),
		AllowedConnectors: d.AllowedConnectors,
	}
	if d.LastExecutionAt > 0 {
		p.LastExecutionAt = millisToTime(d.LastExecutionAt)
	}
	return p
}

func versionToDocument(v lifecycle.Version) versionDocument {
	doc := versionDocument{
		ID:            v.VersionID,
		ProjectID:     v.ProjectID,
		Number:        v.Number,
		ParentVersion: v.ParentVersion,
		State:         string(v.State),
		DagDefinition: v.DagDefinition,
		DagChecksum:   v.DagChecksum,
		IRBinary:      v.IRBinary,
		IRChecksum:    v.IRChecksum,
		IRSignature:   v.IRSignature,
		Author:        v.Author,
		CreatedAt:     v.CreatedAt.UnixMilli(),
	}
	if !v.ValidatedAt.IsZero() {
		doc.ValidatedAt = v.ValidatedAt.UnixMilli()
	}
	if !v.ActivatedAt.IsZero() {
		doc.ActivatedAt = v.ActivatedAt.UnixMilli()
	}
	if !v.ArchivedAt.IsZero() {
		doc.ArchivedAt = v.ArchivedAt.UnixMilli()
	}
	return doc
}

func versionFromDocument(d versionDocument) lifecycle.Version {
	v := lifecycle.Version{
		VersionID:     d.ID,
		ProjectID:     d.ProjectID,
		Number:        d.Number,
		ParentVersion: d.ParentVersion,
		State:         lifecycle.State(d.State),
		DagDefinition: d.DagDefinition,
		DagChecksum:   d.DagChecksum,
		IRBinary:      d.IRBinary,
		IRChecksum:    d.IRChecksum,
		IRSignature:   d.IRSignature,
		Author:        d.Author,
		CreatedAt:     millisToTime(d.CreatedAt),
	}
	if d.ValidatedAt > 0 {
		v.ValidatedAt = millisToTime(d.ValidatedAt)
	}
	if d.ActivatedAt > 0 {
		v.ActivatedAt = millisToTime(d.ActivatedAt)
	}
	if d.ArchivedAt > 0 {
		v.ArchivedAt = millisToTime(d.ArchivedAt)
	}
	return v
}
