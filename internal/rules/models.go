// Package rules implements real-time pattern matching over the audit event
// stream: persisted condition rules are evaluated against each stored record
// and matches dispatch alert actions.
package rules

import (
	"time"

	dErrors "veritas/pkg/domain-errors"
)

// Operator is the comparison applied between a resolved field and the rule's
// value.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpRegex       Operator = "regex"
	OpIn          Operator = "in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// IsValid reports whether op is a known operator.
func (op Operator) IsValid() bool {
	switch op {
	case OpEquals, OpNotEquals, OpContains, OpRegex, OpIn, OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Condition selects a record field by dot-path and compares it. A missing
// path resolves to undefined and never matches.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// ActionSpec names one action to run on match, in declared order.
type ActionSpec struct {
	Type   string `json:"type"`
	Target string `json:"target,omitempty"`
}

// Statistics track rule activity; mutated in place on every trigger.
type Statistics struct {
	TotalTriggers int64      `json:"totalTriggers"`
	LastTriggered *time.Time `json:"lastTriggered,omitempty"`
}

// AlertRule is admin-managed and evaluated read-only by the engine.
type AlertRule struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	IsActive   bool         `json:"isActive"`
	EventTypes []string     `json:"eventTypes,omitempty"` // optional allow-list
	Severity   string       `json:"severity,omitempty"`
	Condition  Condition    `json:"condition"`
	Actions    []ActionSpec `json:"actions"`
	Statistics Statistics   `json:"statistics"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Validate rejects malformed rule configuration before it is persisted.
// Regex compilation errors are caught here too, so a bad pattern is a
// configuration error surfaced to the operator instead of a runtime crash.
func (r *AlertRule) Validate() error {
	if r.Name == "" {
		return dErrors.New(dErrors.CodeBadRequest, "rule name is required")
	}
	if r.Condition.Field == "" {
		return dErrors.New(dErrors.CodeBadRequest, "condition.field is required")
	}
	if !r.Condition.Operator.IsValid() {
		return dErrors.Newf(dErrors.CodeBadRequest, "unknown operator %q", r.Condition.Operator)
	}
	if r.Condition.Operator == OpRegex {
		if _, err := compileRegexValue(r.Condition.Value); err != nil {
			return dErrors.Wrap(err, dErrors.CodeBadRequest, "condition.value is not a valid pattern")
		}
	}
	if len(r.Actions) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "at least one action is required")
	}
	for _, a := range r.Actions {
		if a.Type == "" {
			return dErrors.New(dErrors.CodeBadRequest, "action type is required")
		}
	}
	return nil
}

// Alert is the event emitted when a rule matches a record.
type Alert struct {
	RuleID      string    `json:"ruleId"`
	RuleName    string    `json:"ruleName"`
	Severity    string    `json:"severity,omitempty"`
	RecordID    string    `json:"recordId"`
	EventType   string    `json:"eventType"`
	TriggeredAt time.Time `json:"triggeredAt"`
}
