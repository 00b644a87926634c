package cdcproc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eyeflow-dev/kernel/cdcproc"
)

func sampleEvent(txID string, offset int64) cdcproc.Event {
	return cdcproc.Event{
		EventID:   "evt-1",
		Timestamp: time.Now(),
		Source:    cdcproc.Source{DB: "sensors", Table: "thermostats", Connector: "postgres"},
		After:     map[string]any{"temperature": 42},
		Operation: cdcproc.OpUpdate,
		TxID:      txID,
		LogOffset: offset,
	}
}

func TestProcessMatchesFirstRuleAndSetsDeadline(t *testing.T) {
	p := cdcproc.New(time.Hour)
	p.RegisterRule(cdcproc.Rule{
		RuleID:     "r1",
		DB:         "sensors",
		Table:      "thermostats",
		Operations: []cdcproc.Operation{cdcproc.OpUpdate},
		WorkflowID: "wf-1",
		Priority:   cdcproc.PriorityHigh,
	})

	before := time.Now()
	mission, fired, err := p.Process(sampleEvent("tx-1", 1))
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, "wf-1", mission.WorkflowID)
	require.WithinDuration(t, before.Add(30*time.Minute), mission.Deadline, 5*time.Second)
}

func TestProcessDeduplicatesByTableTxLogOffset(t *testing.T) {
	p := cdcproc.New(time.Hour)
	p.RegisterRule(cdcproc.Rule{
		RuleID: "r1", DB: "sensors", Table: "thermostats",
		Operations: []cdcproc.Operation{cdcproc.OpUpdate}, WorkflowID: "wf-1", Priority: cdcproc.PriorityNormal,
	})

	event := sampleEvent("tx-1", 1)
	_, fired1, err := p.Process(event)
	require.NoError(t, err)
	require.True(t, fired1)

	_, fired2, err := p.Process(event)
	require.NoError(t, err)
	require.False(t, fired2, "duplicate (table, txId, logOffset) must be dropped")
}

func TestProcessNoMatchReturnsNotFired(t *testing.T) {
	p := cdcproc.New(time.Hour)
	p.RegisterRule(cdcproc.Rule{
		RuleID: "r1", DB: "other", Table: "thermostats",
		Operations: []cdcproc.Operation{cdcproc.OpUpdate}, WorkflowID: "wf-1",
	})

	mission, fired, err := p.Process(sampleEvent("tx-2", 1))
	require.NoError(t, err)
	require.False(t, fired)
	require.Nil(t, mission)
}

func TestProcessPredicateRejectsNonMatchingEvent(t *testing.T) {
	predicate, err := cdcproc.CompilePredicate(`after.temperature > 100`)
	require.NoError(t, err)

	p := cdcproc.New(time.Hour)
	p.RegisterRule(cdcproc.Rule{
		RuleID: "r1", DB: "sensors", Table: "thermostats",
		Operations: []cdcproc.Operation{cdcproc.OpUpdate},
		Predicate:  predicate,
		WorkflowID: "wf-1", Priority: cdcproc.PriorityCritical,
	})

	_, fired, err := p.Process(sampleEvent("tx-3", 1))
	require.NoError(t, err)
	require.False(t, fired, "temperature 42 should not satisfy > 100")
}

func TestProcessPredicateAcceptsMatchingEvent(t *testing.T) {
	predicate, err := cdcproc.CompilePredicate(`after.temperature > 30`)
	require.NoError(t, err)

	p := cdcproc.New(time.Hour)
	p.RegisterRule(cdcproc.Rule{
		RuleID: "r1", DB: "sensors", Table: "thermostats",
		Operations: []cdcproc.Operation{cdcproc.OpUpdate},
		Predicate:  predicate,
		WorkflowID: "wf-1", Priority: cdcproc.PriorityCritical,
	})

	mission, fired, err := p.Process(sampleEvent("tx-4", 1))
	require.NoError(t, err)
	require.True(t, fired)
	require.Equal(t, "wf-1", mission.WorkflowID)
}
