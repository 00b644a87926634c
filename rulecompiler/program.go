package rulecompiler

import (
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/manifest"
)

// compileProgram lowers a validated Rule into an ir.Program: LOAD_RESOURCE
// for the trigger event, an optional identity TRANSFORM carrying the
// condition expression, then one
// CALL_ACTION per action, terminated by RETURN. Service resolution (manifest
// dispatch metadata) runs later, via manifest.Resolver, over this program.
func compileProgram(rule Rule, _ manifest.Entry) *ir.Program {
	var instructions []ir.Instruction
	var order []int
	idx := 0
	eventReg := 0

	instructions = append(instructions, ir.Instruction{
		Index: idx, Opcode: ir.OpLoadResource, Dest: intPtr(eventReg),
		Operands: map[string]any{"resource": "trigger_event"},
	})
	order = append(order, idx)
	idx++

	if rule.Condition.Expression != "" {
		condReg := idx
		instructions = append(instructions, ir.Instruction{
			Index: idx, Opcode: ir.OpTransform, Dest: intPtr(condReg), Src: []int{eventReg},
			Operands: map[string]any{"function": "identity", "condition_expression": rule.Condition.Expression},
		})
		order = append(order, idx)
		idx++
	}

	lastReg := eventReg
	for i, action := range rule.Actions {
		dest := idx
		instructions = append(instructions, ir.Instruction{
			Index: idx, Opcode: ir.OpCallAction, Dest: intPtr(dest), Src: []int{lastReg},
			Operands: map[string]any{
				"service_id": action.Connector,
				"method":     action.Function,
				"step":       i,
				"args":       action.Args,
			},
		})
		order = append(order, idx)
		lastReg = dest
		idx++
	}

	instructions = append(instructions, ir.Instruction{Index: idx, Opcode: ir.OpReturn})
	order = append(order, idx)

	return &ir.Program{
		Instructions:     instructions,
		InstructionOrder: order,
		InputRegister:    eventReg,
		OutputRegister:   lastReg,
		CompilerVersion:  "rulecompiler/1",
	}
}

func intPtr(n int) *int { return &n }
