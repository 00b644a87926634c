// Package ir defines the deterministic intermediate representation compiled
// from a validated rule/DAG and consumed by the service resolver, the
// preloader, and the virtual machine.
//
// The IR is the sole boundary between compilation and execution: nothing in
// this package talks to the network, a database, or a service. Fields are
// ordered deterministically so that two compilations of the same rule against
// the same manifest produce byte-identical checksums.
package ir

import "fmt"

// Opcode identifies the operation an Instruction performs.
type Opcode string

const (
	OpLoadResource  Opcode = "LOAD_RESOURCE"
	OpValidate      Opcode = "VALIDATE"
	OpCallService   Opcode = "CALL_SERVICE"
	OpCallAction    Opcode = "CALL_ACTION"
	OpTransform     Opcode = "TRANSFORM"
	OpBranch        Opcode = "BRANCH"
	OpReturn        Opcode = "RETURN"
	OpTrigger       Opcode = "TRIGGER"
	OpLoop          Opcode = "LOOP"
	OpPostcondition Opcode = "POSTCONDITION"
)

type (
	// VaultSlot is a reference to a secret resolved at dispatch time. Secrets
	// never appear inline in an Instruction's operands.
	VaultSlot struct {
		SlotID string `json:"slot_id"`
		Path   string `json:"vault_path"`
	}

	// DispatchMetadata is attached to a CALL_SERVICE instruction after C1
	// resolution. It is nil until resolution runs.
	DispatchMetadata struct {
		ServiceID         string            `json:"service_id"`
		ServiceVersion    string            `json:"service_version"`
		Format            string            `json:"format"`
		Method            string            `json:"method"`
		TransportEndpoint string            `json:"transport_endpoint,omitempty"`
		ContainerEnv      map[string]string `json:"container_env,omitempty"`
		TimeoutMs         int               `json:"timeout_ms,omitempty"`
	}

	// Instruction is one step of a compiled workflow.
	Instruction struct {
		// Index is the monotone position of the instruction within Program.Instructions.
		Index int `json:"index"`
		// Opcode selects the semantics applied by the VM.
		Opcode Opcode `json:"opcode"`
		// Dest is the register written by this instruction, if any.
		Dest *int `json:"dest,omitempty"`
		// Src lists registers read by this instruction, in argument order.
		Src []int `json:"src,omitempty"`
		// Operands carries opcode-specific parameters (schema id, predicate,
		// branch target, transform function name, ...).
		Operands map[string]any `json:"operands,omitempty"`
		// VaultSlots lists secret references this instruction needs resolved
		// before dispatch.
		VaultSlots []VaultSlot `json:"vault_slots,omitempty"`
		// Dispatch is populated by the resolver (C1) for CALL_SERVICE instructions.
		Dispatch *DispatchMetadata `json:"dispatch,omitempty"`
		// Fallback, when set, is applied instead of aborting the execution when
		// this instruction's dispatch fails.
		Fallback *Fallback `json:"fallback,omitempty"`
		// ParallelizationGroup is the group id this instruction belongs to, or
		// -1 when the instruction must run strictly in order.
		ParallelizationGroup int `json:"parallelization_group"`
	}

	// Fallback describes the value or action substituted when an instruction's
	// dispatch fails instead of aborting the execution.
	Fallback struct {
		Register *int `json:"register,omitempty"`
		Value    any  `json:"value,omitempty"`
	}

	// Program is the ordered, dependency-annotated sequence of instructions
	// that makes up a compiled workflow body (pre-sealing).
	Program struct {
		// Instructions is the full instruction set, indexed by Instruction.Index.
		Instructions []Instruction `json:"instructions"`
		// InstructionOrder is the topological order the VM must respect, except
		// within a single ParallelizationGroups entry.
		InstructionOrder []int `json:"instruction_order"`
		// DependencyGraph maps instruction index to the set of instruction
		// indexes that must execute before it.
		DependencyGraph map[int][]int `json:"dependency_graph"`
		// ResourceTable holds pre-allocated resource handles addressable by
		// LOAD_RESOURCE instructions, keyed by operand "resource".
		ResourceTable map[string]any `json:"resource_table"`
		// ParallelizationGroups lists sets of mutually independent instruction
		// indexes that may run concurrently.
		ParallelizationGroups [][]int `json:"parallelization_groups"`
		// Schemas maps schema id to its raw JSON Schema document, used by
		// VALIDATE instructions.
		Schemas map[string][]byte `json:"schemas"`
		// InputRegister is the register the orchestrator seeds with the
		// triggering event payload.
		InputRegister int `json:"input_register"`
		// OutputRegister is the register RETURN publishes as the execution
		// output.
		OutputRegister int `json:"output_register"`
		// CompilerVersion records which rule-compiler build produced this
		// program, for diagnostics only.
		CompilerVersion string `json:"compiler_version"`
	}
)

// ByIndex returns the instruction with the given index, or false if absent.
func (p *Program) ByIndex(idx int) (Instruction, bool) {
	for _, instr := range p.Instructions {
		if instr.Index == idx {
			return instr, true
		}
	}
	return Instruction{}, false
}

// Validate checks the structural invariants spec.md §3 requires of a Program:
// the dependency graph is a DAG consistent with InstructionOrder, every src
// register is defined by an earlier-ordered instruction, and every vault slot
// names a path.
func (p *Program) Validate() error {
	if len(p.InstructionOrder) != len(p.Instructions) {
		return fmt.Errorf("ir: instruction order has %d entries, want %d", len(p.InstructionOrder), len(p.Instructions))
	}
	position := make(map[int]int, len(p.InstructionOrder))
	for pos, idx := range p.InstructionOrder {
		position[idx] = pos
	}
	definedAt := make(map[int]int)
	for _, instr := range p.Instructions {
		pos, ok := position[instr.Index]
		if !ok {
			return fmt.Errorf("ir: instruction %d missing from instruction order", instr.Index)
		}
		if instr.Dest != nil {
			if prior, exists := definedAt[*instr.Dest]; exists {
				return fmt.Errorf("ir: register %d written by instructions at positions %d and %d", *instr.Dest, prior, pos)
			}
			definedAt[*instr.Dest] = pos
		}
	}
	group := make(map[int]int, len(p.Instructions))
	for gid, members := range p.ParallelizationGroups {
		for _, idx := range members {
			group[idx] = gid
		}
	}
	for _, instr := range p.Instructions {
		pos := position[instr.Index]
		for _, src := range instr.Src {
			defPos, ok := definedAt[src]
			if !ok {
				return fmt.Errorf("ir: instruction %d reads undefined register %d", instr.Index, src)
			}
			sameGroup := false
			if gid, ok := group[instr.Index]; ok {
				if defIdx := instructionAtPosition(p.InstructionOrder, defPos); defIdx >= 0 {
					if dgid, ok := group[defIdx]; ok && dgid == gid {
						sameGroup = true
					}
				}
			}
			if defPos >= pos && !sameGroup {
				return fmt.Errorf("ir: instruction %d reads register %d defined at or after its own position", instr.Index, src)
			}
		}
		for _, dep := range p.DependencyGraph[instr.Index] {
			depPos, ok := position[dep]
			if !ok {
				return fmt.Errorf("ir: instruction %d depends on unknown instruction %d", instr.Index, dep)
			}
			if depPos >= pos {
				return fmt.Errorf("ir: dependency cycle detected at instruction %d", instr.Index)
			}
		}
		for _, slot := range instr.VaultSlots {
			if slot.Path == "" {
				return fmt.Errorf("ir: instruction %d vault slot %q missing path", instr.Index, slot.SlotID)
			}
		}
	}
	return nil
}

func instructionAtPosition(order []int, pos int) int {
	if pos < 0 || pos >= len(order) {
		return -1
	}
	return order[pos]
}
