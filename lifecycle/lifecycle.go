// Package lifecycle implements the Project/Version Lifecycle (spec.md C12):
// the state machine governing how a project's workflow versions move from
// DRAFT to VALID to ACTIVE to ARCHIVED, and the invariants around which
// version may run.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eyeflow-dev/kernel/canon"
)

// State is a Version's position in the lifecycle state machine.
type State string

const (
	StateDraft     State = "DRAFT"
	StateValid     State = "VALID"
	StateActive    State = "ACTIVE"
	StateArchived  State = "ARCHIVED"
	// StateExecuting is a transient marker that BeginExecution sets on the
	// ACTIVE version and EndExecution clears (Activate refuses to replace a
	// current version carrying it; Archive refuses to archive one). It is
	// never itself a rest state.
	StateExecuting State = "EXECUTING"
)

// Project is the top-level container: a named workflow with a lineage of
// versions, at most one of which is ACTIVE at a time.
type Project struct {
	ProjectID       string
	Name            string
	ActiveVersionID string
	CurrentVersion  int
	ExecutionCount  int64
	LastExecutionAt time.Time
	CreatedAt       time.Time
	// AllowedConnectors bounds which connector ids the rule compiler (C14)
	// may reference in this project's rules. Empty means unrestricted.
	AllowedConnectors []string
}

// Version is one compiled revision of a project's workflow DAG.
type Version struct {
	VersionID     string
	ProjectID     string
	Number        int
	ParentVersion int
	State         State
	DagDefinition []byte
	DagChecksum   string
	IRBinary      []byte
	IRChecksum    string
	IRSignature   []byte
	Author        string
	CreatedAt     time.Time
	ValidatedAt   time.Time
	ActivatedAt   time.Time
	ArchivedAt    time.Time
}

var (
	ErrNotFound          = errors.New("lifecycle: not found")
	ErrRunningExecution  = errors.New("lifecycle: project has a running execution against its active version")
	ErrInvalidTransition = errors.New("lifecycle: invalid state transition")
	ErrNoActiveVersion   = errors.New("lifecycle: project has no active version")
	ErrNotActiveProject  = errors.New("lifecycle: project is not active")
)

// Store is the persistence layer for projects and versions. Implementations
// must make each PutVersion call atomic with respect to a single version.
type Store interface {
	GetProject(ctx context.Context, projectID string) (Project, error)
	PutProject(ctx context.Context, p Project) error

	GetVersion(ctx context.Context, versionID string) (Version, error)
	ListVersions(ctx context.Context, projectID string) ([]Version, error)
	PutVersion(ctx context.Context, v Version) error

	// HasRunningExecution reports whether any execution against the
	// project's current active version is still RUNNING.
	HasRunningExecution(ctx context.Context, projectID string) (bool, error)
}

// AuditSink receives one callback per lifecycle transition, decoupling this
// package from a concrete auditchain dependency.
type AuditSink func(ctx context.Context, projectID, versionID, transition, author string)

// Manager enforces spec §4.12's state machine on top of a Store. Per-project
// transitions are serialized through a mutex keyed by projectID (spec §5:
// "Version lifecycle transitions are serialized per-project with
// optimistic check on activeVersionId").
type Manager struct {
	store Store
	audit AuditSink

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager builds a Manager. audit may be nil to disable auditing.
func NewManager(store Store, audit AuditSink) *Manager {
	return &Manager{store: store, audit: audit, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(projectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[projectID] = l
	}
	return l
}

func (m *Manager) emit(ctx context.Context, projectID, versionID, transition, author string) {
	if m.audit != nil {
		m.audit(ctx, projectID, versionID, transition, author)
	}
}

// CreateVersion allocates a new DRAFT version. Requires no RUNNING execution
// against the project's current ACTIVE version (spec §4.12).
func (m *Manager) CreateVersion(ctx context.Context, projectID string, dagDefinition []byte, author string) (Version, error) {
	lock := m.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return Version{}, err
	}
	running, err := m.store.HasRunningExecution(ctx, projectID)
	if err != nil {
		return Version{}, err
	}
	if running {
		return Version{}, ErrRunningExecution
	}

	checksum, err := canon.HashHex(dagDefinition)
	if err != nil {
		return Version{}, fmt.Errorf("lifecycle: checksum dag definition: %w", err)
	}

	v := Version{
		VersionID:     fmt.Sprintf("%s-v%d", projectID, proj.CurrentVersion+1),
		ProjectID:     projectID,
		Number:        proj.CurrentVersion + 1,
		ParentVersion: proj.CurrentVersion,
		State:         StateDraft,
		DagDefinition: dagDefinition,
		DagChecksum:   checksum,
		Author:        author,
		CreatedAt:     time.Now().UTC(),
	}
	if err := m.store.PutVersion(ctx, v); err != nil {
		return Version{}, err
	}
	proj.CurrentVersion = v.Number
	if err := m.store.PutProject(ctx, proj); err != nil {
		return Version{}, err
	}
	m.emit(ctx, projectID, v.VersionID, "CREATE_VERSION", author)
	return v, nil
}

// Validate moves a version from DRAFT to VALID. Only legal from DRAFT.
func (m *Manager) Validate(ctx context.Context, versionID, author string) (Version, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	lock := m.lockFor(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if v.State != StateDraft {
		return Version{}, fmt.Errorf("%w: validate requires DRAFT, got %s", ErrInvalidTransition, v.State)
	}
	v.State = StateValid
	v.ValidatedAt = time.Now().UTC()
	if err := m.store.PutVersion(ctx, v); err != nil {
		return Version{}, err
	}
	m.emit(ctx, v.ProjectID, v.VersionID, "VALIDATE", author)
	return v, nil
}

// Activate moves a version to ACTIVE, archiving the project's current
// ACTIVE version (if any) in the same transaction. Only legal from VALID,
// or from ARCHIVED if the version is still otherwise valid (re-activation).
func (m *Manager) Activate(ctx context.Context, versionID, author string) (Version, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	lock := m.lockFor(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if v.State != StateValid && v.State != StateArchived {
		return Version{}, fmt.Errorf("%w: activate requires VALID or ARCHIVED, got %s", ErrInvalidTransition, v.State)
	}
	if v.State == StateArchived && v.ValidatedAt.IsZero() {
		return Version{}, fmt.Errorf("%w: archived version %s was never validated", ErrInvalidTransition, v.VersionID)
	}

	proj, err := m.store.GetProject(ctx, v.ProjectID)
	if err != nil {
		return Version{}, err
	}

	if proj.ActiveVersionID != "" && proj.ActiveVersionID != versionID {
		current, err := m.store.GetVersion(ctx, proj.ActiveVersionID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Version{}, err
		}
		if err == nil {
			if current.State == StateExecuting {
				return Version{}, ErrRunningExecution
			}
			current.State = StateArchived
			current.ArchivedAt = time.Now().UTC()
			if err := m.store.PutVersion(ctx, current); err != nil {
				return Version{}, err
			}
			m.emit(ctx, v.ProjectID, current.VersionID, "ARCHIVE", author)
		}
	}

	v.State = StateActive
	v.ActivatedAt = time.Now().UTC()
	if err := m.store.PutVersion(ctx, v); err != nil {
		return Version{}, err
	}
	proj.ActiveVersionID = v.VersionID
	if err := m.store.PutProject(ctx, proj); err != nil {
		return Version{}, err
	}
	m.emit(ctx, v.ProjectID, v.VersionID, "ACTIVATE", author)
	return v, nil
}

// Archive moves a version to ARCHIVED directly. Forbidden for the project's
// current ACTIVE version (use Activate on a replacement instead) or any
// version carrying the EXECUTING marker.
func (m *Manager) Archive(ctx context.Context, versionID, author string) (Version, error) {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return Version{}, err
	}
	lock := m.lockFor(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if v.State == StateExecuting {
		return Version{}, fmt.Errorf("%w: cannot archive a version mid-execution", ErrInvalidTransition)
	}
	proj, err := m.store.GetProject(ctx, v.ProjectID)
	if err != nil {
		return Version{}, err
	}
	if proj.ActiveVersionID == versionID {
		return Version{}, fmt.Errorf("%w: cannot archive the active version directly", ErrInvalidTransition)
	}

	v.State = StateArchived
	v.ArchivedAt = time.Now().UTC()
	if err := m.store.PutVersion(ctx, v); err != nil {
		return Version{}, err
	}
	m.emit(ctx, v.ProjectID, v.VersionID, "ARCHIVE", author)
	return v, nil
}

// BeginExecution marks the project's active version EXECUTING for the
// duration of a single execution, returning the version to run against. It
// fails if the project has no ACTIVE version.
func (m *Manager) BeginExecution(ctx context.Context, projectID string) (Version, error) {
	lock := m.lockFor(projectID)
	lock.Lock()
	defer lock.Unlock()

	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return Version{}, err
	}
	if proj.ActiveVersionID == "" {
		return Version{}, ErrNoActiveVersion
	}
	v, err := m.store.GetVersion(ctx, proj.ActiveVersionID)
	if err != nil {
		return Version{}, err
	}
	if v.State != StateActive {
		return Version{}, ErrNotActiveProject
	}
	v.State = StateExecuting
	if err := m.store.PutVersion(ctx, v); err != nil {
		return Version{}, err
	}
	return v, nil
}

// EndExecution clears the EXECUTING marker, returning the version to ACTIVE.
func (m *Manager) EndExecution(ctx context.Context, versionID string) error {
	v, err := m.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	lock := m.lockFor(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()
	if v.State != StateExecuting {
		return nil
	}
	v.State = StateActive
	return m.store.PutVersion(ctx, v)
}
