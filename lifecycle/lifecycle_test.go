package lifecycle_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/lifecycle/memory"
)

func newProject(t *testing.T, st *memory.Store, projectID string) {
	t.Helper()
	require.NoError(t, st.PutProject(context.Background(), lifecycle.Project{ProjectID: projectID, Name: "demo"}))
}

func TestCreateVersionAssignsMonotonicNumbers(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	v1, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{"nodes":[]}`), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, v1.Number)
	require.Equal(t, 0, v1.ParentVersion)

	v2, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{"nodes":["a"]}`), "alice")
	require.NoError(t, err)
	require.Equal(t, 2, v2.Number)
	require.Equal(t, 1, v2.ParentVersion)
}

// TestCreateVersionRejectsWhileRunning exercises spec.md scenario S6: a
// project with a RUNNING execution against its active version refuses a new
// version.
func TestCreateVersionRejectsWhileRunning(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	st.SetRunning("proj-1", true)
	mgr := lifecycle.NewManager(st, nil)

	_, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.ErrorIs(t, err, lifecycle.ErrRunningExecution)
}

func TestValidateRequiresDraft(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	v, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.NoError(t, err)

	validated, err := mgr.Validate(ctx, v.VersionID, "alice")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateValid, validated.State)

	_, err = mgr.Validate(ctx, v.VersionID, "alice")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

// TestActivateArchivesPreviousActive exercises the at-most-one-ACTIVE
// invariant (testable property #6): activating a new version archives
// whichever version was previously ACTIVE, in the same call.
func TestActivateArchivesPreviousActive(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	v1, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.NoError(t, err)
	_, err = mgr.Validate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	activeV1, err := mgr.Activate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, activeV1.State)

	v2, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{"x":1}`), "bob")
	require.NoError(t, err)
	_, err = mgr.Validate(ctx, v2.VersionID, "bob")
	require.NoError(t, err)
	activeV2, err := mgr.Activate(ctx, v2.VersionID, "bob")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, activeV2.State)

	archivedV1, err := st.GetVersion(ctx, v1.VersionID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateArchived, archivedV1.State)

	proj, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, v2.VersionID, proj.ActiveVersionID)
}

func TestArchiveForbidsCurrentActive(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	v1, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.NoError(t, err)
	_, err = mgr.Validate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)

	_, err = mgr.Archive(ctx, v1.VersionID, "alice")
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)
}

func TestBeginEndExecutionRoundTrips(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	v1, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.NoError(t, err)
	_, err = mgr.Validate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)

	executing, err := mgr.BeginExecution(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateExecuting, executing.State)

	// While EXECUTING, the version cannot be archived.
	_, err = mgr.Archive(ctx, v1.VersionID, "alice")
	require.Error(t, err)

	require.NoError(t, mgr.EndExecution(ctx, v1.VersionID))
	after, err := st.GetVersion(ctx, v1.VersionID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, after.State)
}

func TestBeginExecutionWithoutActiveVersionFails(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")
	mgr := lifecycle.NewManager(st, nil)

	_, err := mgr.BeginExecution(ctx, "proj-1")
	require.True(t, errors.Is(err, lifecycle.ErrNoActiveVersion))
}

func TestAuditSinkReceivesEveryTransition(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	newProject(t, st, "proj-1")

	var transitions []string
	mgr := lifecycle.NewManager(st, func(_ context.Context, _, _, transition, _ string) {
		transitions = append(transitions, transition)
	})

	v1, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{}`), "alice")
	require.NoError(t, err)
	_, err = mgr.Validate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, v1.VersionID, "alice")
	require.NoError(t, err)

	require.Equal(t, []string{"CREATE_VERSION", "VALIDATE", "ACTIVATE"}, transitions)
}
