package manifest_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/manifest"
	"github.com/eyeflow-dev/kernel/manifest/memory"
)

func dest(n int) *int { return &n }

func simpleProgram(serviceID, version string) *ir.Program {
	r0, r1 := 0, 1
	return &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpLoadResource, Dest: &r0},
			{Index: 1, Opcode: ir.OpCallService, Dest: dest(r1), Src: []int{r0},
				Operands: map[string]any{"service_id": serviceID, "service_version": version}},
		},
		InstructionOrder: []int{0, 1},
		DependencyGraph:  map[int][]int{1: {0}},
		InputRegister:    0,
		OutputRegister:   1,
	}
}

func TestResolveAnnotatesDispatchMetadata(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Register(ctx, manifest.Entry{
		ServiceID: "sentiment-analyzer", Version: "2.1.0", Format: manifest.FormatWASM,
		TrustLevel: manifest.TrustHigh, Method: "analyze",
	}))

	resolver := manifest.NewResolver(st)
	result, err := resolver.Resolve(ctx, simpleProgram("sentiment-analyzer", "2.1.0"), manifest.TrustPolicy{MinTrust: manifest.TrustMedium})
	require.NoError(t, err)
	require.Len(t, result.Services, 1)
	require.Equal(t, "sentiment-analyzer", result.Services[0].Entry.ServiceID)

	instr, ok := result.Program.ByIndex(1)
	require.True(t, ok)
	require.NotNil(t, instr.Dispatch)
	require.Equal(t, string(manifest.FormatWASM), instr.Dispatch.Format)
	require.Equal(t, "analyze", instr.Dispatch.Method)
}

// TestResolveUnknownServiceFails exercises spec.md scenario S3: resolution of
// an unregistered service fails with a "not found" error and never mutates
// the program.
func TestResolveUnknownServiceFails(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	resolver := manifest.NewResolver(st)

	_, err := resolver.Resolve(ctx, simpleProgram("magic-unicorn-service", "1.0.0"), manifest.TrustPolicy{})
	require.Error(t, err)
	require.ErrorIs(t, err, manifest.ErrNotFound)
	require.Contains(t, err.Error(), "not found")
}

func TestResolveRejectsTrustViolation(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Register(ctx, manifest.Entry{
		ServiceID: "risky-service", Version: "1.0.0", Format: manifest.FormatNative, TrustLevel: manifest.TrustLow,
	}))
	resolver := manifest.NewResolver(st)
	_, err := resolver.Resolve(ctx, simpleProgram("risky-service", "1.0.0"), manifest.TrustPolicy{MinTrust: manifest.TrustHigh})
	require.Error(t, err)
	require.True(t, errors.Is(err, manifest.ErrTrustViolation))
}

// TestResolveIsDeterministic exercises the invariant that resolving the same
// program against the same manifest twice yields the same annotated result.
func TestResolveIsDeterministic(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.Register(ctx, manifest.Entry{ServiceID: "svc", Version: "1.0.0", Format: manifest.FormatWASM}))
	resolver := manifest.NewResolver(st)

	r1, err := resolver.Resolve(ctx, simpleProgram("svc", "1.0.0"), manifest.TrustPolicy{})
	require.NoError(t, err)
	r2, err := resolver.Resolve(ctx, simpleProgram("svc", "1.0.0"), manifest.TrustPolicy{})
	require.NoError(t, err)
	require.Equal(t, r1.Services[0].Dispatch, r2.Services[0].Dispatch)
}
