package rules

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/audit"
	"veritas/internal/platform/metrics"
)

var testMetrics = metrics.New()

func testEngine(t *testing.T, rulesToAdd ...*AlertRule) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, r := range rulesToAdd {
		require.NoError(t, store.Create(context.Background(), r))
	}
	logger := slog.New(slog.DiscardHandler)
	dispatcher := NewDispatcher(logger, testMetrics, NewLogAction(logger))
	return NewEngine(store, dispatcher, logger, testMetrics), store
}

func loginFailureRecord() *audit.AuditRecord {
	return &audit.AuditRecord{
		ID:        "rec-1",
		Sequence:  1,
		Timestamp: time.Now().UTC(),
		EventType: "auth",
		Severity:  audit.SeverityMedium,
		Actor:     audit.Actor{ID: "user-7", IP: "10.1.2.3"},
		Action: audit.Action{
			Type:     "login_failed",
			Resource: "/session",
			Details:  map[string]any{"attempts": float64(4)},
		},
	}
}

func activeRule(name string, cond Condition, eventTypes ...string) *AlertRule {
	return &AlertRule{
		ID:         "rule-" + name,
		Name:       name,
		IsActive:   true,
		EventTypes: eventTypes,
		Condition:  cond,
		Actions:    []ActionSpec{{Type: "log"}},
	}
}

func TestEvaluateOperators(t *testing.T) {
	record := loginFailureRecord()

	tests := []struct {
		name  string
		cond  Condition
		match bool
	}{
		{"equals matches", Condition{Field: "action.type", Operator: OpEquals, Value: "login_failed"}, true},
		{"equals mismatch", Condition{Field: "action.type", Operator: OpEquals, Value: "login_ok"}, false},
		{"not_equals", Condition{Field: "severity", Operator: OpNotEquals, Value: "critical"}, true},
		{"contains", Condition{Field: "actor.ip", Operator: OpContains, Value: "10.1"}, true},
		{"regex matches", Condition{Field: "action.type", Operator: OpRegex, Value: "^login_"}, true},
		{"regex mismatch", Condition{Field: "action.type", Operator: OpRegex, Value: "^logout_"}, false},
		{"in", Condition{Field: "severity", Operator: OpIn, Value: []any{"medium", "critical"}}, true},
		{"greater_than", Condition{Field: "action.details.attempts", Operator: OpGreaterThan, Value: float64(3)}, true},
		{"less_than", Condition{Field: "action.details.attempts", Operator: OpLessThan, Value: float64(3)}, false},
		{"missing field never matches", Condition{Field: "actor.department", Operator: OpEquals, Value: "x"}, false},
		{"missing field not_equals matches", Condition{Field: "actor.department", Operator: OpNotEquals, Value: "x"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, _ := testEngine(t, activeRule("r", tt.cond))
			triggered, errs := engine.Evaluate(context.Background(), record)
			assert.Empty(t, errs)
			if tt.match {
				require.Len(t, triggered, 1)
				assert.Equal(t, "rec-1", triggered[0].Alert.RecordID)
			} else {
				assert.Empty(t, triggered)
			}
		})
	}
}

func TestEvaluateEventTypeGate(t *testing.T) {
	rule := activeRule("failed-logins",
		Condition{Field: "action.type", Operator: OpEquals, Value: "login_failed"},
		"auth")
	engine, _ := testEngine(t, rule)

	authRecord := loginFailureRecord()
	triggered, _ := engine.Evaluate(context.Background(), authRecord)
	require.Len(t, triggered, 1)
	assert.Equal(t, "failed-logins", triggered[0].Alert.RuleName)

	// Same matching condition, but the record's event type is outside the
	// rule's allow-list.
	other := loginFailureRecord()
	other.EventType = "data_access"
	triggered, _ = engine.Evaluate(context.Background(), other)
	assert.Empty(t, triggered)
}

func TestEvaluateInactiveRuleSkipped(t *testing.T) {
	rule := activeRule("r", Condition{Field: "eventType", Operator: OpEquals, Value: "auth"})
	rule.IsActive = false
	engine, _ := testEngine(t, rule)

	triggered, _ := engine.Evaluate(context.Background(), loginFailureRecord())
	assert.Empty(t, triggered)
}

func TestRegexCompiledOncePerPattern(t *testing.T) {
	engine, _ := testEngine(t)

	first, err := engine.compiledRegex("failed_.*")
	require.NoError(t, err)
	second, err := engine.compiledRegex("failed_.*")
	require.NoError(t, err)
	assert.Same(t, first, second)

	_, err = engine.compiledRegex("(")
	require.Error(t, err)
	_, err = engine.compiledRegex(42)
	require.Error(t, err)
}

func TestEvaluateRuleErrorIsolated(t *testing.T) {
	// A rule whose regex cannot compile must not stop other rules from
	// matching the same record.
	broken := activeRule("broken", Condition{Field: "action.type", Operator: OpRegex, Value: "("})
	good := activeRule("good", Condition{Field: "eventType", Operator: OpEquals, Value: "auth"})
	engine, _ := testEngine(t, broken, good)

	triggered, errs := engine.Evaluate(context.Background(), loginFailureRecord())
	require.Len(t, triggered, 1)
	assert.Equal(t, "good", triggered[0].Rule.Name)
	require.Len(t, errs, 1)
	assert.Equal(t, "broken", errs[0].RuleName)
}

func TestRecordStoredUpdatesStatistics(t *testing.T) {
	rule := activeRule("r", Condition{Field: "eventType", Operator: OpEquals, Value: "auth"})
	engine, store := testEngine(t, rule)

	engine.RecordStored(context.Background(), loginFailureRecord())
	engine.RecordStored(context.Background(), loginFailureRecord())

	got, err := store.Get(context.Background(), rule.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Statistics.TotalTriggers)
	require.NotNil(t, got.Statistics.LastTriggered)
	assert.WithinDuration(t, time.Now(), *got.Statistics.LastTriggered, time.Minute)
}

func TestValidateRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		rule AlertRule
	}{
		{"missing name", AlertRule{Condition: Condition{Field: "a", Operator: OpEquals}, Actions: []ActionSpec{{Type: "log"}}}},
		{"missing field", AlertRule{Name: "r", Condition: Condition{Operator: OpEquals}, Actions: []ActionSpec{{Type: "log"}}}},
		{"unknown operator", AlertRule{Name: "r", Condition: Condition{Field: "a", Operator: "matches"}, Actions: []ActionSpec{{Type: "log"}}}},
		{"invalid regex", AlertRule{Name: "r", Condition: Condition{Field: "a", Operator: OpRegex, Value: "("}, Actions: []ActionSpec{{Type: "log"}}}},
		{"no actions", AlertRule{Name: "r", Condition: Condition{Field: "a", Operator: OpEquals}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, tt.rule.Validate())
		})
	}
}
