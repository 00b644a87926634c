// Package rulecompiler implements the Rule Compiler & Feedback (spec.md
// C14): it validates a natural-language-derived rule against the service
// manifest and project policy, compiles its condition with CEL, and emits
// either an ir.Program or a structured compilation report explaining why
// not.
package rulecompiler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/eyeflow-dev/kernel/connectorpolicy"
	"github.com/eyeflow-dev/kernel/ir"
	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/manifest"
)

// Severity ranks a compilation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IssueType names which of the five validation passes raised an Issue.
type IssueType string

const (
	IssueUnknownTriggerSource IssueType = "unknown_trigger_source"
	IssueUnknownActionConnector IssueType = "unknown_action_connector"
	IssueConnectorNotAllowed IssueType = "connector_not_allowed"
	IssueUnknownActionFunction IssueType = "unknown_action_function"
	IssueConditionTypeMismatch IssueType = "condition_type_mismatch"
	IssueDataFlowUnresolved   IssueType = "dataflow_unresolved_reference"
	IssueLowConfidence        IssueType = "low_refinement_confidence"
)

// Issue is one finding from a validation pass.
type Issue struct {
	Type       IssueType `json:"type"`
	Severity   Severity  `json:"severity"`
	Message    string    `json:"message"`
	Path       string    `json:"path"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// Trigger names the connector a rule fires from and the schema its event
// payload is declared against.
type Trigger struct {
	SourceConnector string `json:"source_connector"`
	EventSchema     []byte `json:"event_schema,omitempty"`
}

// Condition is a CEL expression over the trigger's event payload, gating
// whether the rule's actions run.
type Condition struct {
	Expression string `json:"expression"`
}

// Action is one step a rule performs after its condition passes.
type Action struct {
	Connector string            `json:"connector"`
	Function  string            `json:"function"`
	Args      map[string]string `json:"args,omitempty"` // value refs: "$event.field", "$stepN.field", literal
}

// Rule is the compiler's input: a trigger, a condition, and an ordered
// action list (spec §4.11).
type Rule struct {
	RuleID    string    `json:"rule_id"`
	Trigger   Trigger   `json:"trigger"`
	Condition Condition `json:"condition"`
	Actions   []Action  `json:"actions"`
}

// StepRef is one entry in the data-flow graph annotating which prior step's
// output ($event, $result, $stepN) an action's argument resolves from.
type StepRef struct {
	Step   string `json:"step"`
	Fields []string `json:"fields"`
}

// DataFlow is the step graph produced by pass 5: trigger -> condition ->
// action[0] ... action[n], annotated with each step's output references.
type DataFlow struct {
	Steps []StepRef `json:"steps"`
}

// Report is the Compiler's output: validity, findings, and (on success) the
// compiled program.
type Report struct {
	IsValid               bool
	Issues                []Issue
	MissingRequirements   []string
	DataFlow              DataFlow
	EstimatedExecutionTime time.Duration
	Program               *ir.Program
}

func (r *Report) addIssue(issue Issue) {
	r.Issues = append(r.Issues, issue)
	if issue.Severity == SeverityError {
		r.IsValid = false
	}
}

// perActionOverheadMs is the compiler's rough per-action dispatch estimate,
// used to synthesize EstimatedExecutionTime (spec §4.11). Each action is
// assumed to cost roughly a single network round-trip.
const perActionOverheadMs = 150 * time.Millisecond

// Compiler runs the five validation passes of spec §4.11 over a Rule.
type Compiler struct {
	// Policy, when set, governs pass 2 instead of the project's bare
	// AllowedConnectors slice, letting a deployment block a connector id
	// even when the project's static allowlist would otherwise permit it.
	Policy *connectorpolicy.Engine
}

// NewCompiler builds a stateless Compiler. Pass a non-nil policy to enforce
// connector allow/block rules beyond the project's AllowedConnectors list.
func NewCompiler(policy *connectorpolicy.Engine) *Compiler { return &Compiler{Policy: policy} }

// Compile validates rule against manifests and project, producing a Report.
// On any error-severity Issue, Program is left nil and the rule must never
// be persisted by the caller (spec §4.11: "On failure, never persists the
// rule").
func (c *Compiler) Compile(ctx context.Context, rule Rule, project *lifecycle.Project, manifests manifest.Store) (*Report, error) {
	report := &Report{IsValid: true}

	// Pass 1: trigger source connector exists.
	triggerEntry, err := manifests.Resolve(ctx, rule.Trigger.SourceConnector, "")
	if err != nil {
		report.addIssue(Issue{
			Type: IssueUnknownTriggerSource, Severity: SeverityError,
			Message: fmt.Sprintf("trigger source connector %q is not registered", rule.Trigger.SourceConnector),
			Path:    "trigger.sourceConnector",
		})
		report.MissingRequirements = append(report.MissingRequirements, rule.Trigger.SourceConnector)
	}

	// Pass 2 + 3: each action's connector is allowed and registered, and its
	// function exists on that connector.
	allowed := allowedSet(project)
	for i, action := range rule.Actions {
		path := fmt.Sprintf("actions[%d]", i)
		permitted := true
		switch {
		case c.Policy != nil:
			permitted = c.Policy.Allowed(action.Connector)
		case len(allowed) > 0:
			permitted = allowed[action.Connector]
		}
		if !permitted {
			report.addIssue(Issue{
				Type: IssueConnectorNotAllowed, Severity: SeverityError,
				Message: fmt.Sprintf("connector %q is not in the project's allowed set", action.Connector),
				Path:    path + ".connector",
			})
			continue
		}
		entry, err := manifests.Resolve(ctx, action.Connector, "")
		if err != nil {
			report.addIssue(Issue{
				Type: IssueUnknownActionConnector, Severity: SeverityError,
				Message: fmt.Sprintf("action connector %q is not registered", action.Connector),
				Path:    path + ".connector",
			})
			report.MissingRequirements = append(report.MissingRequirements, action.Connector)
			continue
		}
		if !hasFunction(entry, action.Function) {
			report.addIssue(Issue{
				Type: IssueUnknownActionFunction, Severity: SeverityError,
				Message:    fmt.Sprintf("function %q not found on connector %q", action.Function, action.Connector),
				Path:       path + ".function",
				Suggestion: suggestFunctions(entry),
			})
		}
	}

	// Pass 4: the condition compiles as CEL. Field types are not compared
	// against the trigger's declared schema.
	if rule.Condition.Expression != "" {
		if _, err := c.compileCondition(rule.Condition.Expression, rule.Trigger.EventSchema); err != nil {
			report.addIssue(Issue{
				Type: IssueConditionTypeMismatch, Severity: SeverityError,
				Message: err.Error(),
				Path:    "condition.expression",
			})
		}
	}

	// Pass 5: data-flow graph, trigger -> condition -> action[0..n].
	report.DataFlow = buildDataFlow(rule)
	for _, step := range report.DataFlow.Steps {
		for _, field := range step.Fields {
			if strings.HasPrefix(field, "$step") && !stepExists(field, rule) {
				report.addIssue(Issue{
					Type: IssueDataFlowUnresolved, Severity: SeverityWarning,
					Message: fmt.Sprintf("reference %q does not resolve to an earlier step", field),
					Path:    step.Step,
				})
			}
		}
	}

	report.EstimatedExecutionTime = time.Duration(len(rule.Actions)) * perActionOverheadMs

	if !report.IsValid {
		return report, nil
	}

	report.Program = compileProgram(rule, triggerEntry)
	return report, nil
}

// Refine re-runs the LLM refinement callout against feedback on a
// previously rejected Rule, then re-validates the LLM's revised rule
// through the same five passes. Confidence below minRefinementConfidence is
// surfaced as a warning Issue rather than rejecting outright, per spec §7's
// guidance to preserve intermediate rules for operator review.
func (c *Compiler) Refine(ctx context.Context, llm Refiner, rule Rule, feedback string, aggregatedContext any, project *lifecycle.Project, manifests manifest.Store) (*Report, error) {
	resp, err := llm.Refine(ctx, rule, feedback, aggregatedContext)
	if err != nil {
		return nil, fmt.Errorf("rulecompiler: llm refine: %w", err)
	}
	if len(resp.Rules) == 0 {
		return nil, fmt.Errorf("rulecompiler: llm refine returned no candidate rules")
	}

	refined := resp.Rules[0]
	refined.RuleID = rule.RuleID
	report, err := c.Compile(ctx, refined, project, manifests)
	if err != nil {
		return nil, err
	}
	if resp.Confidence < minRefinementConfidence {
		report.addIssue(Issue{
			Type: IssueLowConfidence, Severity: SeverityWarning,
			Message: fmt.Sprintf("llm refinement confidence %.2f below threshold %.2f", resp.Confidence, minRefinementConfidence),
			Path:    "confidence",
		})
	}
	return report, nil
}

// minRefinementConfidence is the floor below which a refined rule is still
// compiled and returned, but flagged for operator review rather than
// silently accepted (spec §7).
const minRefinementConfidence = 0.6

// Refiner is the subset of llmclient.Client's behavior rulecompiler needs,
// kept as an interface so tests can substitute a fake without a live HTTP
// endpoint.
type Refiner interface {
	Refine(ctx context.Context, currentRules Rule, feedback string, aggregatedContext any) (RefineResult, error)
}

// RefineResult is the subset of llmclient.ParseResponse rulecompiler
// consumes: the top candidate rule and its confidence.
type RefineResult struct {
	Rules      []Rule
	Confidence float64
}

func allowedSet(project *lifecycle.Project) map[string]bool {
	if project == nil || len(project.AllowedConnectors) == 0 {
		return nil
	}
	set := make(map[string]bool, len(project.AllowedConnectors))
	for _, c := range project.AllowedConnectors {
		set[c] = true
	}
	return set
}

func hasFunction(entry manifest.Entry, function string) bool {
	if function == "" || function == entry.Method {
		return true
	}
	for _, sig := range entry.Outputs {
		if sig.Name == function {
			return true
		}
	}
	return false
}

func suggestFunctions(entry manifest.Entry) string {
	if len(entry.Outputs) == 0 {
		return ""
	}
	names := make([]string, len(entry.Outputs))
	for i, sig := range entry.Outputs {
		names[i] = sig.Name
	}
	return "available functions: " + strings.Join(names, ", ")
}

// compileCondition builds a CEL program with a single dynamically typed
// `event` variable. The schema is only checked to be valid JSON; its
// declared fields and types are not used, so a condition naming a missing
// field or comparing a field against the wrong type still compiles.
func (c *Compiler) compileCondition(expr string, schema []byte) (cel.Program, error) {
	opts := []cel.EnvOption{cel.Variable("event", cel.DynType)}
	if len(schema) > 0 {
		var doc any
		if err := json.Unmarshal(schema, &doc); err != nil {
			return nil, fmt.Errorf("parse trigger event schema: %w", err)
		}
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("build CEL env: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition: %w", issues.Err())
	}
	return env.Program(ast)
}

func buildDataFlow(rule Rule) DataFlow {
	flow := DataFlow{Steps: []StepRef{{Step: "trigger", Fields: []string{"$event"}}}}
	if rule.Condition.Expression != "" {
		flow.Steps = append(flow.Steps, StepRef{Step: "condition", Fields: []string{"$event"}})
	}
	for i, action := range rule.Actions {
		var fields []string
		for _, ref := range action.Args {
			fields = append(fields, ref)
		}
		flow.Steps = append(flow.Steps, StepRef{Step: fmt.Sprintf("$step%d", i), Fields: fields})
	}
	return flow
}

func stepExists(ref string, rule Rule) bool {
	for i := range rule.Actions {
		if strings.HasPrefix(ref, fmt.Sprintf("$step%d", i)) {
			return true
		}
	}
	return strings.HasPrefix(ref, "$result")
}
