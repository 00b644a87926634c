package rulecompiler

import (
	"context"
	"testing"

	"github.com/eyeflow-dev/kernel/lifecycle"
	"github.com/eyeflow-dev/kernel/manifest"
	manifestmemory "github.com/eyeflow-dev/kernel/manifest/memory"
)

func registerEntries(t *testing.T, store manifest.Store, entries ...manifest.Entry) {
	t.Helper()
	for _, e := range entries {
		if err := store.Register(context.Background(), e); err != nil {
			t.Fatalf("register %s: %v", e.ServiceID, err)
		}
	}
}

func baseRule() Rule {
	return Rule{
		RuleID:  "rule-1",
		Trigger: Trigger{SourceConnector: "webhook-in"},
		Condition: Condition{
			Expression: `event.amount > 100`,
		},
		Actions: []Action{
			{Connector: "slack-out", Function: "post_message", Args: map[string]string{"text": "$event.amount"}},
		},
	}
}

func TestCompileAcceptsValidRule(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	project := &lifecycle.Project{ProjectID: "p1", AllowedConnectors: []string{"slack-out"}}

	report, err := NewCompiler(nil).Compile(context.Background(), baseRule(), project, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !report.IsValid {
		t.Fatalf("expected valid report, got issues: %+v", report.Issues)
	}
	if report.Program == nil {
		t.Fatal("expected compiled program on success")
	}
	if len(report.DataFlow.Steps) != 3 {
		t.Fatalf("expected 3 data-flow steps (trigger, condition, step0), got %d", len(report.DataFlow.Steps))
	}
}

func TestCompileRejectsUnknownTriggerSource(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store, manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"})
	rule := baseRule()

	report, err := NewCompiler(nil).Compile(context.Background(), rule, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected invalid report for unregistered trigger source")
	}
	if report.Program != nil {
		t.Fatal("expected no program on failure")
	}
	assertHasIssue(t, report, IssueUnknownTriggerSource)
}

func TestCompileRejectsDisallowedConnector(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	project := &lifecycle.Project{AllowedConnectors: []string{"email-out"}}

	report, err := NewCompiler(nil).Compile(context.Background(), baseRule(), project, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected invalid report for disallowed connector")
	}
	assertHasIssue(t, report, IssueConnectorNotAllowed)
}

func TestCompileRejectsUnknownActionFunction(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message", Outputs: []manifest.Signature{{Name: "post_message"}}},
	)
	rule := baseRule()
	rule.Actions[0].Function = "delete_channel"

	report, err := NewCompiler(nil).Compile(context.Background(), rule, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected invalid report for unknown action function")
	}
	assertHasIssue(t, report, IssueUnknownActionFunction)
}

func TestCompileRejectsUnparseableCondition(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	rule := baseRule()
	rule.Condition.Expression = "event.amount >>> garbage("

	report, err := NewCompiler(nil).Compile(context.Background(), rule, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if report.IsValid {
		t.Fatal("expected invalid report for unparseable condition")
	}
	assertHasIssue(t, report, IssueConditionTypeMismatch)
}

func TestCompileFlagsUnresolvedStepReference(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	rule := baseRule()
	rule.Actions[0].Args["text"] = "$step5.result"

	report, err := NewCompiler(nil).Compile(context.Background(), rule, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	// A dangling step reference is a warning, not a hard failure.
	if !report.IsValid {
		t.Fatalf("expected report to remain valid on dataflow warning, got: %+v", report.Issues)
	}
	assertHasIssue(t, report, IssueDataFlowUnresolved)
}

func TestCompileEstimatesExecutionTimeByActionCount(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	rule := baseRule()
	rule.Actions = append(rule.Actions, Action{Connector: "slack-out", Function: "post_message"})

	report, err := NewCompiler(nil).Compile(context.Background(), rule, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := 2 * perActionOverheadMs
	if report.EstimatedExecutionTime != want {
		t.Fatalf("expected estimated execution time %v, got %v", want, report.EstimatedExecutionTime)
	}
}

func assertHasIssue(t *testing.T, report *Report, want IssueType) {
	t.Helper()
	for _, issue := range report.Issues {
		if issue.Type == want {
			return
		}
	}
	t.Fatalf("expected issue %s, got: %+v", want, report.Issues)
}

type fakeRefiner struct {
	result RefineResult
	err    error
}

func (f fakeRefiner) Refine(_ context.Context, _ Rule, _ string, _ any) (RefineResult, error) {
	return f.result, f.err
}

func TestRefineRecompilesTopCandidate(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	refiner := fakeRefiner{result: RefineResult{Rules: []Rule{baseRule()}, Confidence: 0.9}}

	report, err := NewCompiler(nil).Refine(context.Background(), refiner, baseRule(), "tighten the condition", nil, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	if !report.IsValid {
		t.Fatalf("expected valid refined report, got: %+v", report.Issues)
	}
}

func TestRefineFlagsLowConfidence(t *testing.T) {
	store := manifestmemory.New()
	registerEntries(t, store,
		manifest.Entry{ServiceID: "webhook-in", Version: "1.0.0", Method: "receive"},
		manifest.Entry{ServiceID: "slack-out", Version: "1.0.0", Method: "post_message"},
	)
	refiner := fakeRefiner{result: RefineResult{Rules: []Rule{baseRule()}, Confidence: 0.2}}

	report, err := NewCompiler(nil).Refine(context.Background(), refiner, baseRule(), "not sure", nil, &lifecycle.Project{}, store)
	if err != nil {
		t.Fatalf("Refine: %v", err)
	}
	assertHasIssue(t, report, IssueLowConfidence)
}
