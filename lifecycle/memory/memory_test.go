package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/lifecycle"
)

func TestPutGetProjectRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := New()
	p := lifecycle.Project{ProjectID: "proj-1", Name: "demo", CurrentVersion: 3}
	require.NoError(t, st.PutProject(ctx, p))

	got, err := st.GetProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, p.Name, got.Name)
	require.Equal(t, p.CurrentVersion, got.CurrentVersion)
}

func TestGetUnknownProjectReturnsNotFound(t *testing.T) {
	_, err := New().GetProject(context.Background(), "missing")
	require.ErrorIs(t, err, lifecycle.ErrNotFound)
}

func TestListVersionsSortedByNumber(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.PutVersion(ctx, lifecycle.Version{VersionID: "v3", ProjectID: "p", Number: 3}))
	require.NoError(t, st.PutVersion(ctx, lifecycle.Version{VersionID: "v1", ProjectID: "p", Number: 1}))
	require.NoError(t, st.PutVersion(ctx, lifecycle.Version{VersionID: "v2", ProjectID: "p", Number: 2}))

	versions, err := st.ListVersions(ctx, "p")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	require.Equal(t, []int{1, 2, 3}, []int{versions[0].Number, versions[1].Number, versions[2].Number})
}

func TestHasRunningExecutionDefaultsFalse(t *testing.T) {
	running, err := New().HasRunningExecution(context.Background(), "p")
	require.NoError(t, err)
	require.False(t, running)
}
