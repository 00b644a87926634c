// Package cdcproc implements the CDC Event Processor (spec.md C9):
// takes already-normalized change-data-capture events, deduplicates them,
// and matches them against registered rules to produce a workflow-firing
// Mission with a priority-derived deadline.
package cdcproc

import (
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Operation is the CDC change kind.
type Operation string

const (
	OpInsert Operation = "I"
	OpUpdate Operation = "U"
	OpDelete Operation = "D"
)

// Source identifies the origin of a CDC event.
type Source struct {
	DB        string
	Table     string
	Schema    string
	Connector string
}

// Event is the normalized CDC Event (spec.md §3).
type Event struct {
	EventID   string
	EventType string
	Timestamp time.Time
	Source    Source
	Before    map[string]any
	After     map[string]any
	Operation Operation
	TxID      string
	LogOffset int64
	Sequence  int64
}

// Priority controls the deadline attached to a fired Mission.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

var priorityDeadlines = map[Priority]time.Duration{
	PriorityCritical: 5 * time.Minute,
	PriorityHigh:     30 * time.Minute,
	PriorityNormal:   2 * time.Hour,
	PriorityLow:      24 * time.Hour,
}

// Rule matches CDC events to a workflow mission.
type Rule struct {
	RuleID     string
	DB         string
	Table      string
	Schema     string // optional; empty matches any schema
	Operations []Operation
	// Predicate, if set, is a CEL program evaluated over a map with keys
	// "before", "after", "operation", "table", "db", "schema". A false
	// result rejects the match.
	Predicate  cel.Program
	WorkflowID string
	Priority   Priority
}

// Mission is produced when an event matches a rule: the workflow to fire and
// the deadline by which it must complete.
type Mission struct {
	RuleID     string
	WorkflowID string
	Event      Event
	Deadline   time.Time
}

// Processor normalizes raw payloads, deduplicates them, and matches rules.
type Processor struct {
	rules []Rule
	dedup *lru.LRU[string, struct{}]
}

// New builds a Processor. dedupTTL defaults to 1h when zero.
func New(dedupTTL time.Duration) *Processor {
	if dedupTTL <= 0 {
		dedupTTL = time.Hour
	}
	return &Processor{
		dedup: lru.NewLRU[string, struct{}](100_000, nil, dedupTTL),
	}
}

// RegisterRule adds r to the matching set. Rules are matched in registration
// order; the first match wins.
func (p *Processor) RegisterRule(r Rule) {
	p.rules = append(p.rules, r)
}

func dedupKey(e Event) string {
	return fmt.Sprintf("%s/%s/%d", e.Source.Table, e.TxID, e.LogOffset)
}

// Process deduplicates event and matches it against registered rules. The
// bool return is false when the event was a duplicate or dropped, in which
// case the Mission is nil.
func (p *Processor) Process(event Event) (*Mission, bool, error) {
	key := dedupKey(event)
	if _, seen := p.dedup.Get(key); seen {
		return nil, false, nil
	}
	p.dedup.Add(key, struct{}{})

	for _, rule := range p.rules {
		if !matches(rule, event) {
			continue
		}
		ok, err := evalPredicate(rule.Predicate, event)
		if err != nil {
			return nil, false, fmt.Errorf("cdcproc: evaluate predicate for rule %q: %w", rule.RuleID, err)
		}
		if !ok {
			continue
		}
		deadline := priorityDeadlines[rule.Priority]
		if deadline == 0 {
			deadline = priorityDeadlines[PriorityNormal]
		}
		return &Mission{
			RuleID:     rule.RuleID,
			WorkflowID: rule.WorkflowID,
			Event:      event,
			Deadline:   time.Now().Add(deadline),
		}, true, nil
	}
	return nil, false, nil
}

func matches(rule Rule, event Event) bool {
	if rule.DB != event.Source.DB || rule.Table != event.Source.Table {
		return false
	}
	if rule.Schema != "" && rule.Schema != event.Source.Schema {
		return false
	}
	for _, op := range rule.Operations {
		if op == event.Operation {
			return true
		}
	}
	return len(rule.Operations) == 0
}

func evalPredicate(program cel.Program, event Event) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, _, err := program.Eval(map[string]any{
		"before":    event.Before,
		"after":     event.After,
		"operation": string(event.Operation),
		"table":     event.Source.Table,
		"db":        event.Source.DB,
		"schema":    event.Source.Schema,
	})
	if err != nil {
		return false, err
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("cdcproc: predicate did not evaluate to bool")
	}
	return result, nil
}

// CompilePredicate builds a CEL program suitable for Rule.Predicate from a
// source expression over before/after/operation/table/db/schema.
func CompilePredicate(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("before", cel.DynType),
		cel.Variable("after", cel.DynType),
		cel.Variable("operation", cel.StringType),
		cel.Variable("table", cel.StringType),
		cel.Variable("db", cel.StringType),
		cel.Variable("schema", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("cdcproc: build CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("cdcproc: compile predicate: %w", issues.Err())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cdcproc: build CEL program: %w", err)
	}
	return program, nil
}
