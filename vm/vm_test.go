package vm_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/vm"
)

// fakeHandle records the order CALL_SERVICE invocations arrive in, so
// parallelization-group fan-out can be asserted against strictly-ordered
// instructions sharing no group.
type fakeHandle struct {
	serviceID string
	mu        *sync.Mutex
	order     *[]string
}

func (h *fakeHandle) ServiceID() string { return h.serviceID }
func (h *fakeHandle) Format() string    { return "native" }
func (h *fakeHandle) Healthy(context.Context) bool { return true }
func (h *fakeHandle) Close() error      { return nil }
func (h *fakeHandle) Invoke(_ context.Context, method string, args map[string]any) (map[string]any, error) {
	h.mu.Lock()
	*h.order = append(*h.order, h.serviceID)
	h.mu.Unlock()
	return map[string]any{"method": method, "echo": args}, nil
}

func newCompiledWorkflow(prog *ir.Program, handles map[string][]artifact.Handle) *artifact.CompiledWorkflow {
	return &artifact.CompiledWorkflow{ID: "cw-1", Program: prog, PreLoaded: handles}
}

// TestRunRespectsTopologicalOrder checks that strictly-ordered instructions
// (no parallelization group) execute in InstructionOrder, not Instructions
// index order, satisfying invariant #1 (spec §8).
func TestRunRespectsTopologicalOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	prog := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpCallService, Dispatch: &ir.DispatchMetadata{ServiceID: "second", Format: "native", Method: "run"}},
			{Index: 1, Opcode: ir.OpCallService, Dispatch: &ir.DispatchMetadata{ServiceID: "first", Format: "native", Method: "run"}},
			{Index: 2, Opcode: ir.OpReturn},
		},
		// Declared out of Instructions order: instruction 1 ("first") must run
		// before instruction 0 ("second").
		InstructionOrder: []int{1, 0, 2},
		InputRegister:    0,
		OutputRegister:   0,
	}
	handles := map[string][]artifact.Handle{
		"native": {
			&fakeHandle{serviceID: "first", mu: &mu, order: &order},
			&fakeHandle{serviceID: "second", mu: &mu, order: &order},
		},
	}
	cw := newCompiledWorkflow(prog, handles)

	m := &vm.Machine{}
	regs := vm.NewRegisterFile(0)
	regs.SetInitial(0, "input")

	_, err := m.Run(context.Background(), cw, "exec-1", regs)
	require.NoError(t, err)
	require.Equal(t, []string{"first", "second"}, order)
}

// TestRunFansOutParallelizationGroup checks that every member of a
// parallelization group runs even though only one of them is reachable by
// walking InstructionOrder sequentially from the group's first position,
// satisfying the parallel half of invariant #1.
func TestRunFansOutParallelizationGroup(t *testing.T) {
	var mu sync.Mutex
	var order []string

	prog := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpCallService, Dispatch: &ir.DispatchMetadata{ServiceID: "a", Format: "native", Method: "run"}},
			{Index: 1, Opcode: ir.OpCallService, Dispatch: &ir.DispatchMetadata{ServiceID: "b", Format: "native", Method: "run"}},
			{Index: 2, Opcode: ir.OpReturn},
		},
		InstructionOrder:      []int{0, 1, 2},
		ParallelizationGroups: [][]int{{0, 1}},
		InputRegister:         0,
		OutputRegister:        0,
	}
	handles := map[string][]artifact.Handle{
		"native": {
			&fakeHandle{serviceID: "a", mu: &mu, order: &order},
			&fakeHandle{serviceID: "b", mu: &mu, order: &order},
		},
	}
	cw := newCompiledWorkflow(prog, handles)

	m := &vm.Machine{}
	regs := vm.NewRegisterFile(0)
	regs.SetInitial(0, "input")

	result, err := m.Run(context.Background(), cw, "exec-1", regs)
	require.NoError(t, err)
	require.Len(t, result.Steps, 3)
	require.ElementsMatch(t, []string{"a", "b"}, order)
}

// TestRegisterFileSingleAssignmentViolation checks invariant #2: writing the
// same register twice outside a loop body fails instead of silently
// overwriting it.
func TestRegisterFileSingleAssignmentViolation(t *testing.T) {
	regs := vm.NewRegisterFile(0)
	require.NoError(t, regs.Set(5, "first"))
	err := regs.Set(5, "second")
	require.Error(t, err)
	require.Contains(t, err.Error(), "single-assignment")
}

// TestRunRegisterReuseFailsExecution drives the single-assignment violation
// through a full program: two instructions targeting the same dest register
// outside of a LOOP must abort the run with an error, not corrupt state.
func TestRunRegisterReuseFailsExecution(t *testing.T) {
	dest := 1
	prog := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpTransform, Dest: &dest, Src: []int{0}, Operands: map[string]any{"function": "identity"}},
			{Index: 1, Opcode: ir.OpTransform, Dest: &dest, Src: []int{0}, Operands: map[string]any{"function": "identity"}},
			{Index: 2, Opcode: ir.OpReturn},
		},
		InstructionOrder: []int{0, 1, 2},
		InputRegister:    0,
		OutputRegister:   0,
	}
	cw := newCompiledWorkflow(prog, nil)

	m := &vm.Machine{}
	regs := vm.NewRegisterFile(0)
	regs.SetInitial(0, "input")

	_, err := m.Run(context.Background(), cw, "exec-1", regs)
	require.Error(t, err)
	require.Contains(t, err.Error(), "single-assignment")
}

// TestRunEmitsValidationAudit checks that both VALIDATE outcomes raise the
// audit events spec §4.3 mandates (VALIDATION_PASS / VALIDATION_FAIL).
func TestRunEmitsValidationAudit(t *testing.T) {
	schemaID := "string-schema"
	dest := 1
	prog := &ir.Program{
		Instructions: []ir.Instruction{
			{Index: 0, Opcode: ir.OpValidate, Src: []int{0}, Dest: &dest, Operands: map[string]any{"schema_id": schemaID}},
			{Index: 1, Opcode: ir.OpReturn},
		},
		InstructionOrder: []int{0, 1},
		Schemas:          map[string][]byte{schemaID: []byte(`{"type":"string"}`)},
		InputRegister:    0,
		OutputRegister:   1,
	}
	cw := newCompiledWorkflow(prog, nil)

	type auditCall struct {
		eventType string
		details   map[string]any
	}
	var calls []auditCall
	m := &vm.Machine{
		Schemas: vm.NewJSONSchemaValidator(),
		Audit: func(_ context.Context, _ string, eventType string, _, _ any, _ int64, details map[string]any) {
			calls = append(calls, auditCall{eventType: eventType, details: details})
		},
	}

	t.Run("pass", func(t *testing.T) {
		calls = nil
		regs := vm.NewRegisterFile(0)
		regs.SetInitial(0, "hello")
		_, err := m.Run(context.Background(), cw, "exec-pass", regs)
		require.NoError(t, err)
		require.Len(t, calls, 1)
		require.Equal(t, "VALIDATION_PASS", calls[0].eventType)
	})

	t.Run("fail", func(t *testing.T) {
		calls = nil
		regs := vm.NewRegisterFile(0)
		regs.SetInitial(0, 42)
		_, err := m.Run(context.Background(), cw, "exec-fail", regs)
		require.Error(t, err)
		require.Len(t, calls, 1)
		require.Equal(t, "VALIDATION_FAIL", calls[0].eventType)
	})
}

// TestRunAppliesFallbackOnDispatchFailure checks that a failed instruction
// with a Fallback substitutes its value instead of aborting the run.
func TestRunAppliesFallbackOnDispatchFailure(t *testing.T) {
	dest := 1
	prog := &ir.Program{
		Instructions: []ir.Instruction{
			{
				Index: 0, Opcode: ir.OpCallService, Dest: &dest,
				Dispatch: &ir.DispatchMetadata{ServiceID: "missing", Format: "native", Method: "run"},
				Fallback: &ir.Fallback{Value: "default"},
			},
			{Index: 1, Opcode: ir.OpReturn},
		},
		InstructionOrder: []int{0, 1},
		InputRegister:    0,
		OutputRegister:   1,
	}
	cw := newCompiledWorkflow(prog, nil)

	m := &vm.Machine{}
	regs := vm.NewRegisterFile(0)
	regs.SetInitial(0, "input")

	result, err := m.Run(context.Background(), cw, "exec-1", regs)
	require.NoError(t, err)
	require.Equal(t, "default", result.Output)
}
