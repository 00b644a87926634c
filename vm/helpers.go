package vm

import (
	"context"
	"fmt"

	"github.com/eyeflow-dev/kernel/ir"
)

// resolveVaultSlots fetches each of instr's vault slots through the Vault's
// public ResolveSlots API and writes them into the registers named by their
// SlotID's own index within VaultSlots (slot i writes to register src[i] by
// convention, reserved for secret arguments).
func (m *Machine) resolveVaultSlots(ctx context.Context, instr ir.Instruction, regs *RegisterFile) error {
	if len(instr.VaultSlots) == 0 || m.Vault == nil {
		return nil
	}
	return m.Vault.ResolveSlots(ctx, instr.VaultSlots, instr.Src, regs)
}

// collectArgs reads every src register into a positional "argN" map for
// CALL_SERVICE/CALL_ACTION dispatch.
func (m *Machine) collectArgs(instr ir.Instruction, regs *RegisterFile) (map[string]any, error) {
	args := make(map[string]any, len(instr.Src))
	for i, src := range instr.Src {
		value, ok := regs.Get(src)
		if !ok {
			return nil, fmt.Errorf("instruction %d: src register %d not set", instr.Index, src)
		}
		args[fmt.Sprintf("arg%d", i)] = value
	}
	for k, v := range instr.Operands {
		if k == "service_id" || k == "service_version" {
			continue
		}
		args[k] = v
	}
	return args, nil
}

// collectArgValues reads every src register into a positional slice for
// TRANSFORM function application.
func (m *Machine) collectArgValues(instr ir.Instruction, regs *RegisterFile) ([]any, error) {
	args := make([]any, len(instr.Src))
	for i, src := range instr.Src {
		value, ok := regs.Get(src)
		if !ok {
			return nil, fmt.Errorf("instruction %d: src register %d not set", instr.Index, src)
		}
		args[i] = value
	}
	return args, nil
}
