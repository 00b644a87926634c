package orchestrator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/auditchain"
	"github.com/eyeflow-dev/kernel/canon"
	"github.com/eyeflow-dev/kernel/execrecord"
	execmemory "github.com/eyeflow-dev/kernel/execrecord/memory"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/lifecycle"
	lifecyclememory "github.com/eyeflow-dev/kernel/lifecycle/memory"
	memstatememory "github.com/eyeflow-dev/kernel/memstate/memory"
	"github.com/eyeflow-dev/kernel/orchestrator"
	"github.com/eyeflow-dev/kernel/signer"
	"github.com/eyeflow-dev/kernel/vm"
)

// passthroughProgram returns a program that copies its input register
// straight to its output register via a single RETURN.
func passthroughProgram() *ir.Program {
	return &ir.Program{
		Instructions:     []ir.Instruction{{Index: 0, Opcode: ir.OpReturn}},
		InstructionOrder: []int{0},
		InputRegister:    0,
		OutputRegister:   0,
	}
}

type fakeArtifactLoader struct {
	cw *artifact.CompiledWorkflow
}

func (f *fakeArtifactLoader) Load(_ context.Context, _ string) (*artifact.CompiledWorkflow, error) {
	return f.cw, nil
}

func setup(t *testing.T) (*orchestrator.Orchestrator, *lifecycle.Manager, lifecycle.Store, string) {
	t.Helper()
	ctx := context.Background()

	sgnr, err := signer.Load("", "", "node-1")
	require.NoError(t, err)

	lcStore := lifecyclememory.New()
	require.NoError(t, lcStore.PutProject(ctx, lifecycle.Project{ProjectID: "proj-1", Name: "demo"}))
	mgr := lifecycle.NewManager(lcStore, nil)

	prog := passthroughProgram()
	irBinary, err := canon.Marshal(prog)
	require.NoError(t, err)
	checksum, err := canon.HashHex(irBinary)
	require.NoError(t, err)

	v, err := mgr.CreateVersion(ctx, "proj-1", []byte(`{"nodes":[]}`), "alice")
	require.NoError(t, err)
	v.IRBinary = irBinary
	v.IRChecksum = checksum
	v.IRSignature = sgnr.Sign([]byte(checksum))
	require.NoError(t, lcStore.PutVersion(ctx, v))
	_, err = mgr.Validate(ctx, v.VersionID, "alice")
	require.NoError(t, err)
	_, err = mgr.Activate(ctx, v.VersionID, "alice")
	require.NoError(t, err)

	cw := &artifact.CompiledWorkflow{ID: v.VersionID, Program: prog}
	loader := &fakeArtifactLoader{cw: cw}

	chain, err := auditchain.New("node-1", sgnr)
	require.NoError(t, err)

	machine := &vm.Machine{}
	orch := orchestrator.New(mgr, lcStore, loader, execmemory.New(), memstatememory.New(), machine, chain, sgnr, "node-1", 0)
	return orch, mgr, lcStore, v.VersionID
}

func TestExecuteSucceedsAndArchivesNothing(t *testing.T) {
	ctx := context.Background()
	orch, _, lcStore, versionID := setup(t)

	rec, err := orch.Execute(ctx, orchestrator.Request{ProjectID: "proj-1", Input: map[string]any{"hello": "world"}})
	require.NoError(t, err)
	require.Equal(t, execrecord.StatusSucceeded, rec.Status)
	require.Equal(t, map[string]any{"hello": "world"}, rec.Output)

	v, err := lcStore.GetVersion(ctx, versionID)
	require.NoError(t, err)
	require.Equal(t, lifecycle.StateActive, v.State)
}

func TestExecuteRejectsProjectWithNoActiveVersion(t *testing.T) {
	ctx := context.Background()
	lcStore := lifecyclememory.New()
	require.NoError(t, lcStore.PutProject(ctx, lifecycle.Project{ProjectID: "empty-proj"}))
	mgr := lifecycle.NewManager(lcStore, nil)
	sgnr, err := signer.Load("", "", "node-1")
	require.NoError(t, err)
	chain, err := auditchain.New("node-1", sgnr)
	require.NoError(t, err)
	orch := orchestrator.New(mgr, lcStore, &fakeArtifactLoader{}, execmemory.New(), memstatememory.New(), &vm.Machine{}, chain, sgnr, "node-1", 0)

	_, err = orch.Execute(ctx, orchestrator.Request{ProjectID: "empty-proj"})
	require.ErrorIs(t, err, lifecycle.ErrNoActiveVersion)
}

func TestExecuteRejectsTamperedIRChecksum(t *testing.T) {
	ctx := context.Background()
	orch, _, lcStore, versionID := setup(t)

	v, err := lcStore.GetVersion(ctx, versionID)
	require.NoError(t, err)
	v.IRBinary = append(v.IRBinary, 'X')
	require.NoError(t, lcStore.PutVersion(ctx, v))

	_, err = orch.Execute(ctx, orchestrator.Request{ProjectID: "proj-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "checksum mismatch")
}

func TestExecutePersistsExecutionRecord(t *testing.T) {
	ctx := context.Background()
	orch, _, _, _ := setup(t)

	rec, err := orch.Execute(ctx, orchestrator.Request{ProjectID: "proj-1", Input: map[string]any{"a": 1}})
	require.NoError(t, err)
	require.NotEmpty(t, rec.ExecutionID)
	require.Equal(t, "proj-1", rec.ProjectID)
	require.False(t, rec.FinishedAt.IsZero())
}
