package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/eyeflow-dev/kernel/artifact"
	"github.com/eyeflow-dev/kernel/ir"
)

const defaultCancellationWindow = 30 * time.Second

// dispatch executes one instruction's opcode semantics (spec.md §4.3) and
// returns its output value, whether it was a RETURN, and a branch target
// (-1 when not branching).
func (m *Machine) dispatch(ctx context.Context, cw *artifact.CompiledWorkflow, executionID string, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	switch instr.Opcode {
	case ir.OpLoadResource:
		return m.execLoadResource(cw, instr, regs)
	case ir.OpValidate:
		return m.execValidate(ctx, cw, instr, regs)
	case ir.OpCallService:
		return m.execCallService(ctx, cw, instr, regs)
	case ir.OpCallAction:
		return m.execCallAction(ctx, cw, executionID, instr, regs)
	case ir.OpTransform:
		return m.execTransform(instr, regs)
	case ir.OpBranch:
		return m.execBranch(instr, regs)
	case ir.OpReturn:
		return m.execReturn(cw, regs)
	case ir.OpLoop:
		return m.execLoop(ctx, cw, executionID, instr, regs)
	case ir.OpPostcondition:
		return m.execPostcondition(ctx, instr, regs)
	case ir.OpTrigger:
		// Marker only: interpreted by the trigger activation pipeline, not
		// executed here.
		return nil, false, -1, nil
	default:
		return nil, false, -1, fmt.Errorf("unknown opcode %q", instr.Opcode)
	}
}

func (m *Machine) execLoadResource(cw *artifact.CompiledWorkflow, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	name, _ := instr.Operands["resource"].(string)
	value, ok := cw.Program.ResourceTable[name]
	if !ok {
		return nil, false, -1, fmt.Errorf("resource %q not found in resource table", name)
	}
	if instr.Dest != nil {
		if err := regs.Set(*instr.Dest, value); err != nil {
			return nil, false, -1, err
		}
	}
	return value, false, -1, nil
}

func (m *Machine) execValidate(ctx context.Context, cw *artifact.CompiledWorkflow, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	if len(instr.Src) == 0 {
		return nil, false, -1, fmt.Errorf("VALIDATE requires one src register")
	}
	value, ok := regs.Get(instr.Src[0])
	if !ok {
		return nil, false, -1, fmt.Errorf("VALIDATE: register %d not set", instr.Src[0])
	}
	schemaID, _ := instr.Operands["schema_id"].(string)
	schema, ok := cw.Program.Schemas[schemaID]
	if !ok {
		return nil, false, -1, fmt.Errorf("VALIDATE: schema %q not found", schemaID)
	}
	if m.Schemas == nil {
		return nil, false, -1, fmt.Errorf("VALIDATE: no schema validator configured")
	}
	if err := m.Schemas.Validate(schemaID, schema, value); err != nil {
		if m.Audit != nil {
			m.Audit(ctx, fmt.Sprint(instr.Index), "VALIDATION_FAIL", value, nil, 0, map[string]any{"schemaId": schemaID, "error": err.Error()})
		}
		return nil, false, -1, fmt.Errorf("validation failed against schema %q: %w", schemaID, err)
	}
	if m.Audit != nil {
		m.Audit(ctx, fmt.Sprint(instr.Index), "VALIDATION_PASS", value, value, 0, map[string]any{"schemaId": schemaID})
	}
	if instr.Dest != nil {
		if err := regs.Set(*instr.Dest, value); err != nil {
			return nil, false, -1, err
		}
	}
	return value, false, -1, nil
}

func (m *Machine) execCallService(ctx context.Context, cw *artifact.CompiledWorkflow, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	if instr.Dispatch == nil {
		return nil, false, -1, fmt.Errorf("CALL_SERVICE instruction %d missing dispatch metadata", instr.Index)
	}
	if err := m.resolveVaultSlots(ctx, instr, regs); err != nil {
		return nil, false, -1, err
	}
	handle, ok := cw.HandleFor(instr.Dispatch.Format, instr.Dispatch.ServiceID)
	if !ok {
		return nil, false, -1, fmt.Errorf("no pre-loaded handle for service %q (format %s)", instr.Dispatch.ServiceID, instr.Dispatch.Format)
	}
	args, err := m.collectArgs(instr, regs)
	if err != nil {
		return nil, false, -1, err
	}
	result, err := handle.Invoke(ctx, instr.Dispatch.Method, args)
	if err != nil {
		return nil, false, -1, fmt.Errorf("call service %q: %w", instr.Dispatch.ServiceID, err)
	}
	if instr.Dest != nil {
		if err := regs.Set(*instr.Dest, result); err != nil {
			return nil, false, -1, err
		}
	}
	return result, false, -1, nil
}

func (m *Machine) execCallAction(ctx context.Context, cw *artifact.CompiledWorkflow, executionID string, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	physical, _ := instr.Operands["physical"].(bool)
	if physical && m.Cancellation != nil {
		target, _ := instr.Operands["target"].(string)
		command, _ := instr.Operands["command"].(string)
		windowMs, _ := instr.Operands["cancellation_window_ms"].(float64)
		window := defaultCancellationWindow
		if windowMs > 0 {
			window = time.Duration(windowMs) * time.Millisecond
		}
		if m.Cancellation.WaitForCancellation(ctx, executionID, target, command, window) {
			return nil, false, -1, fmt.Errorf("physical action %q cancelled within window", command)
		}
	}
	return m.execCallService(ctx, cw, instr, regs)
}

func (m *Machine) execTransform(instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	fnName, _ := instr.Operands["function"].(string)
	fn, ok := transformFuncs[fnName]
	if !ok {
		return nil, false, -1, fmt.Errorf("unknown transform function %q", fnName)
	}
	args, err := m.collectArgValues(instr, regs)
	if err != nil {
		return nil, false, -1, err
	}
	result, err := fn(args)
	if err != nil {
		return nil, false, -1, fmt.Errorf("transform %q: %w", fnName, err)
	}
	if instr.Dest != nil {
		if err := regs.Set(*instr.Dest, result); err != nil {
			return nil, false, -1, err
		}
	}
	return result, false, -1, nil
}

func (m *Machine) execBranch(instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	if len(instr.Src) == 0 {
		return nil, false, -1, fmt.Errorf("BRANCH requires one src register")
	}
	value, _ := regs.Get(instr.Src[0])
	if truthy(value) {
		target, _ := instr.Operands["target_instruction"].(int)
		if target == 0 {
			if f, ok := instr.Operands["target_instruction"].(float64); ok {
				target = int(f)
			}
		}
		return nil, false, target, nil
	}
	return nil, false, -1, nil
}

func (m *Machine) execReturn(cw *artifact.CompiledWorkflow, regs *RegisterFile) (any, bool, int, error) {
	value, _ := regs.Get(cw.Program.OutputRegister)
	return value, true, -1, nil
}

func (m *Machine) execLoop(ctx context.Context, cw *artifact.CompiledWorkflow, executionID string, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	maxIterations := 1
	if f, ok := instr.Operands["max_iterations"].(float64); ok && f > 0 {
		maxIterations = int(f)
	}
	var convergenceReg *int
	if f, ok := instr.Operands["convergence_register"].(float64); ok {
		r := int(f)
		convergenceReg = &r
	}
	var body []int
	if raw, ok := instr.Operands["body"].([]any); ok {
		for _, v := range raw {
			if f, ok := v.(float64); ok {
				body = append(body, int(f))
			}
		}
	}

	regs.enterLoopScope()
	defer regs.exitLoopScope()

	for i := 0; i < maxIterations; i++ {
		for _, bodyIdx := range body {
			bodyInstr, ok := cw.Program.ByIndex(bodyIdx)
			if !ok {
				return nil, false, -1, fmt.Errorf("LOOP body references unknown instruction %d", bodyIdx)
			}
			if _, _, _, err := m.dispatch(ctx, cw, executionID, bodyInstr, regs); err != nil {
				return nil, false, -1, fmt.Errorf("loop iteration %d: %w", i, err)
			}
		}
		if m.Audit != nil {
			m.Audit(ctx, fmt.Sprint(instr.Index), "LOOP_ITERATION", nil, nil, 0, map[string]any{"iteration": i})
		}
		if convergenceReg != nil {
			value, _ := regs.Get(*convergenceReg)
			if truthy(value) {
				if m.Audit != nil {
					m.Audit(ctx, fmt.Sprint(instr.Index), "LOOP_CONVERGED", nil, value, 0, map[string]any{"iterations": i + 1})
				}
				return value, false, -1, nil
			}
		}
	}
	if m.Audit != nil {
		m.Audit(ctx, fmt.Sprint(instr.Index), "LOOP_TIMEOUT", nil, nil, 0, map[string]any{"maxIterations": maxIterations})
	}
	return nil, false, -1, fmt.Errorf("loop exceeded max iterations (%d) without converging", maxIterations)
}

func (m *Machine) execPostcondition(ctx context.Context, instr ir.Instruction, regs *RegisterFile) (any, bool, int, error) {
	if len(instr.Src) == 0 {
		return nil, false, -1, fmt.Errorf("POSTCONDITION requires one src register")
	}
	value, _ := regs.Get(instr.Src[0])
	if m.Audit != nil {
		eventType := "POSTCONDITION_PASSED"
		if !truthy(value) {
			eventType = "POSTCONDITION_FAILED"
		}
		m.Audit(ctx, fmt.Sprint(instr.Index), eventType, value, nil, 0, nil)
	}
	if !truthy(value) {
		return nil, false, -1, fmt.Errorf("postcondition failed")
	}
	return value, false, -1, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	default:
		return true
	}
}

