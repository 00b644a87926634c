package rulecompiler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/eyeflow-dev/kernel/rulecompiler/llmclient"
)

// LLMRefiner adapts an llmclient.Client to the Refiner interface, converting
// between rulecompiler's typed Rule and the LLM service's loosely-typed
// wire shape.
type LLMRefiner struct {
	Client *llmclient.Client
}

func (r LLMRefiner) Refine(ctx context.Context, currentRule Rule, feedback string, aggregatedContext any) (RefineResult, error) {
	wire, err := ruleToWire(currentRule)
	if err != nil {
		return RefineResult{}, err
	}
	resp, err := r.Client.Refine(ctx, wire, feedback, aggregatedContext)
	if err != nil {
		return RefineResult{}, err
	}
	rules := make([]Rule, 0, len(resp.Rules))
	for _, pr := range resp.Rules {
		rule, err := ruleFromWire(pr)
		if err != nil {
			return RefineResult{}, fmt.Errorf("rulecompiler: decode llm rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return RefineResult{Rules: rules, Confidence: resp.Confidence}, nil
}

func ruleToWire(rule Rule) (any, error) {
	raw, err := json.Marshal(rule)
	if err != nil {
		return nil, fmt.Errorf("rulecompiler: marshal current rule: %w", err)
	}
	var wire any
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("rulecompiler: re-decode current rule: %w", err)
	}
	return wire, nil
}

func ruleFromWire(pr llmclient.ProposedRule) (Rule, error) {
	var rule Rule

	triggerRaw, err := json.Marshal(pr.Trigger)
	if err != nil {
		return Rule{}, err
	}
	if err := json.Unmarshal(triggerRaw, &rule.Trigger); err != nil {
		return Rule{}, fmt.Errorf("decode trigger: %w", err)
	}

	conditionRaw, err := json.Marshal(pr.Condition)
	if err != nil {
		return Rule{}, err
	}
	if err := json.Unmarshal(conditionRaw, &rule.Condition); err != nil {
		return Rule{}, fmt.Errorf("decode condition: %w", err)
	}

	actionsRaw, err := json.Marshal(pr.Actions)
	if err != nil {
		return Rule{}, err
	}
	if err := json.Unmarshal(actionsRaw, &rule.Actions); err != nil {
		return Rule{}, fmt.Errorf("decode actions: %w", err)
	}

	return rule, nil
}
