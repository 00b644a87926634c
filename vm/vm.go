// Package vm implements the Semantic Virtual Machine (spec.md C11): it walks
// a sealed artifact's instruction order, dispatching each instruction's
// opcode against pre-loaded service handles, resources, and the vault.
package vm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/vault"
)

const defaultRegisterCount = 256

// RegisterFile is the VM's execution context: numbered registers plus a
// scratch buffer for large intermediate values. Writes are single-assignment
// per execution; Set returns an error if a register is written twice, since
// that signals a miscompiled or tampered program (caught earlier by
// ir.Program.Validate, but defended here too since the VM is the last line).
type RegisterFile struct {
	mu        sync.Mutex
	registers map[int]any
	written   map[int]bool
	scratch   []byte
	scratchAt int
	loopDepth int
}

// NewRegisterFile builds a RegisterFile with scratchBytes of scratch space.
// scratchBytes defaults to 10 MiB when zero or negative.
func NewRegisterFile(scratchBytes int) *RegisterFile {
	if scratchBytes <= 0 {
		scratchBytes = 10 * 1024 * 1024
	}
	return &RegisterFile{
		registers: make(map[int]any, defaultRegisterCount),
		written:   make(map[int]bool, defaultRegisterCount),
		scratch:   make([]byte, scratchBytes),
	}
}

// Set writes value into reg. Returns an error instead of panicking so the
// machine can surface a clean instruction-level failure.
func (r *RegisterFile) Set(reg int, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.written[reg] && r.loopDepth == 0 {
		return fmt.Errorf("vm: register %d already written (single-assignment violation)", reg)
	}
	r.registers[reg] = value
	r.written[reg] = true
	return nil
}

// enterLoopScope/exitLoopScope bracket a LOOP instruction's body execution:
// single-assignment is relaxed for the body's dest registers since a loop
// body legitimately rewrites its accumulator/convergence registers once per
// iteration. Registers outside the loop body remain single-assignment.
func (r *RegisterFile) enterLoopScope() {
	r.mu.Lock()
	r.loopDepth++
	r.mu.Unlock()
}

func (r *RegisterFile) exitLoopScope() {
	r.mu.Lock()
	r.loopDepth--
	r.mu.Unlock()
}

// SetInitial seeds reg with value without single-assignment enforcement,
// used once to load the orchestrator's input register before Run starts.
func (r *RegisterFile) SetInitial(reg int, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registers[reg] = value
	r.written[reg] = true
}

// Get reads reg's current value.
func (r *RegisterFile) Get(reg int) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.registers[reg]
	return v, ok
}

// AllocScratch reserves n bytes from the scratch buffer, or returns an error
// if the buffer is exhausted.
func (r *RegisterFile) AllocScratch(n int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scratchAt+n > len(r.scratch) {
		return nil, fmt.Errorf("vm: scratch buffer exhausted (%d/%d bytes)", r.scratchAt+n, len(r.scratch))
	}
	buf := r.scratch[r.scratchAt : r.scratchAt+n]
	r.scratchAt += n
	return buf, nil
}

// StepResult is the per-instruction trace entry returned in Result.Steps.
type StepResult struct {
	InstructionIndex int
	Opcode           ir.Opcode
	Status           string // "completed", "failed", "fallback"
	DurationMs       int64
	Output           any
	Error            string
}

// Result is what Run returns: the final output register value plus the full
// per-instruction trace.
type Result struct {
	Output any
	Steps  []StepResult
}

// AuditSink receives one callback per instruction boundary, decoupling the
// VM from a concrete auditchain dependency.
type AuditSink func(ctx context.Context, instructionID string, eventType string, input, output any, durationMs int64, details map[string]any)

// Vault is the subset of vault.Vault the machine needs to resolve secret
// slots ahead of dispatch.
type Vault interface {
	FetchSecret(ctx context.Context, path string) (string, error)
	ResolveSlots(ctx context.Context, slots []ir.VaultSlot, src []int, regs vault.RegisterSetter) error
}

// Cancellation is the subset of cancelbus.Bus the machine consults before
// committing a PHYSICAL_ACTION-flagged CALL_ACTION.
type Cancellation interface {
	WaitForCancellation(ctx context.Context, executionID, target, command string, window time.Duration) bool
}

// Machine executes compiled workflows against their pre-loaded service
// handles.
type Machine struct {
	Vault        Vault
	Cancellation Cancellation
	Audit        AuditSink
	Schemas      SchemaValidator
}

// SchemaValidator validates a value against a named JSON Schema document.
type SchemaValidator interface {
	Validate(schemaID string, schema []byte, value any) error
}

// Run executes cw's program starting from initial, honoring instructionOrder
// and fanning parallelization groups out across goroutines.
func (m *Machine) Run(ctx context.Context, cw *artifact.CompiledWorkflow, executionID string, initial *RegisterFile) (*Result, error) {
	prog := cw.Program
	position := make(map[int]int, len(prog.InstructionOrder))
	for pos, idx := range prog.InstructionOrder {
		position[idx] = pos
	}
	groupOf := make(map[int]int, len(prog.Instructions))
	for gid, members := range prog.ParallelizationGroups {
		for _, idx := range members {
			groupOf[idx] = gid
		}
	}

	result := &Result{}
	pos := 0
	for pos < len(prog.InstructionOrder) {
		idx := prog.InstructionOrder[pos]
		instr, ok := prog.ByIndex(idx)
		if !ok {
			return result, fmt.Errorf("vm: instruction %d not found", idx)
		}

		gid, grouped := groupOf[idx]
		if !grouped {
			step, ret, branchTo, err := m.execStep(ctx, cw, executionID, instr, initial)
			result.Steps = append(result.Steps, step)
			if err != nil {
				return result, err
			}
			if ret {
				result.Output = step.Output
				return result, nil
			}
			if branchTo >= 0 {
				if newPos, ok := position[branchTo]; ok {
					pos = newPos
					continue
				}
				return result, fmt.Errorf("vm: branch target %d not in instruction order", branchTo)
			}
			pos++
			continue
		}

		// Run every member of group gid concurrently.
		members := prog.ParallelizationGroups[gid]
		var wg errgroup.Group
		steps := make([]StepResult, len(members))
		for i, memberIdx := range members {
			i, memberIdx := i, memberIdx
			wg.Go(func() error {
				instr, ok := prog.ByIndex(memberIdx)
				if !ok {
					return fmt.Errorf("vm: instruction %d not found", memberIdx)
				}
				step, ret, _, err := m.execStep(ctx, cw, executionID, instr, initial)
				steps[i] = step
				if ret {
					return fmt.Errorf("vm: RETURN is not permitted inside a parallelization group (instruction %d)", memberIdx)
				}
				return err
			})
		}
		err := wg.Wait()
		result.Steps = append(result.Steps, steps...)
		if err != nil {
			return result, err
		}
		// Advance past every member of the group in instructionOrder.
		for pos < len(prog.InstructionOrder) {
			candidateGid, ok := groupOf[prog.InstructionOrder[pos]]
			if !ok || candidateGid != gid {
				break
			}
			pos++
		}
	}
	return result, nil
}

// execStep dispatches a single instruction's opcode. Returns the step
// result, whether this was a RETURN (terminating the program), and a branch
// target (-1 if none).
func (m *Machine) execStep(ctx context.Context, cw *artifact.CompiledWorkflow, executionID string, instr ir.Instruction, regs *RegisterFile) (StepResult, bool, int, error) {
	start := time.Now()
	step := StepResult{InstructionIndex: instr.Index, Opcode: instr.Opcode}

	output, isReturn, branchTo, err := m.dispatch(ctx, cw, executionID, instr, regs)
	step.DurationMs = time.Since(start).Milliseconds()

	if err != nil {
		if instr.Fallback != nil {
			step.Status = "fallback"
			step.Output = instr.Fallback.Value
			if instr.Dest != nil {
				if setErr := regs.Set(*instr.Dest, instr.Fallback.Value); setErr != nil {
					return step, false, -1, setErr
				}
			}
			return step, false, -1, nil
		}
		step.Status = "failed"
		step.Error = err.Error()
		return step, false, -1, fmt.Errorf("vm: instruction %d (%s): %w", instr.Index, instr.Opcode, err)
	}

	step.Status = "completed"
	step.Output = output
	return step, isReturn, branchTo, nil
}
