package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"veritas/internal/audit"
	"veritas/internal/platform/metrics"
)

// Triggered reports one rule that matched a record.
type Triggered struct {
	Rule  *AlertRule
	Alert Alert
}

// RuleError reports one rule whose condition failed to evaluate. Evaluation
// errors are isolated to the failing rule and never stop other rules from
// matching the same record.
type RuleError struct {
	RuleID   string
	RuleName string
	Err      error
}

// Engine evaluates active rules against incoming records and dispatches
// actions for matches. It is a read-only observer of already-stored records:
// evaluation never affects record storage.
type Engine struct {
	store      Store
	dispatcher *Dispatcher
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// regexps caches compiled patterns so a regex rule compiles once, not
	// once per evaluated record.
	regexMu sync.RWMutex
	regexps map[string]*regexp.Regexp
}

// NewEngine builds a rule engine around a rule store and action dispatcher.
func NewEngine(store Store, dispatcher *Dispatcher, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		logger:     logger,
		metrics:    m,
		regexps:    make(map[string]*regexp.Regexp),
	}
}

// RecordStored implements audit.Observer: every stored record is evaluated
// against the active rule set, and matches dispatch actions in declared
// order.
func (e *Engine) RecordStored(ctx context.Context, record *audit.AuditRecord) {
	triggered, ruleErrs := e.Evaluate(ctx, record)
	for _, re := range ruleErrs {
		e.logger.WarnContext(ctx, "rule evaluation failed, rule skipped",
			"rule_id", re.RuleID, "rule_name", re.RuleName, "error", re.Err)
	}
	for _, t := range triggered {
		e.metrics.AlertsTriggered.WithLabelValues(t.Rule.Name).Inc()
		if err := e.store.RecordTrigger(ctx, t.Rule.ID, t.Alert.TriggeredAt); err != nil {
			e.logger.WarnContext(ctx, "failed to record rule trigger",
				"rule_id", t.Rule.ID, "error", err)
		}
		e.dispatcher.Dispatch(ctx, t.Rule, t.Alert, record)
	}
}

// Evaluate applies every active rule to the record and returns the matches
// plus any per-rule evaluation errors.
func (e *Engine) Evaluate(ctx context.Context, record *audit.AuditRecord) ([]Triggered, []RuleError) {
	active, err := e.store.ListActive(ctx)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to load active rules", "error", err)
		return nil, nil
	}

	doc := recordDocument(record)
	now := time.Now()

	var triggered []Triggered
	var ruleErrs []RuleError
	for _, rule := range active {
		if len(rule.EventTypes) > 0 && !containsString(rule.EventTypes, record.EventType) {
			continue
		}
		match, err := e.evalCondition(rule.Condition, doc)
		if err != nil {
			ruleErrs = append(ruleErrs, RuleError{RuleID: rule.ID, RuleName: rule.Name, Err: err})
			continue
		}
		if !match {
			continue
		}
		triggered = append(triggered, Triggered{
			Rule: rule,
			Alert: Alert{
				RuleID:      rule.ID,
				RuleName:    rule.Name,
				Severity:    rule.Severity,
				RecordID:    record.ID,
				EventType:   record.EventType,
				TriggeredAt: now,
			},
		})
	}
	return triggered, ruleErrs
}

// recordDocument converts a record to its generic JSON form so dot-paths
// resolve against the same field names callers see on the wire.
func recordDocument(record *audit.AuditRecord) map[string]any {
	raw, err := json.Marshal(record)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

// resolvePath walks a dot-path into nested maps. The second return is false
// when any path segment is missing: undefined, never an error.
func resolvePath(doc map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var current any = doc
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func (e *Engine) evalCondition(cond Condition, doc map[string]any) (bool, error) {
	value, found := resolvePath(doc, cond.Field)
	if !found {
		// not_equals treats an absent field as "not equal to anything".
		return cond.Operator == OpNotEquals && cond.Value != nil, nil
	}

	switch cond.Operator {
	case OpEquals:
		return looseEqual(value, cond.Value), nil
	case OpNotEquals:
		return !looseEqual(value, cond.Value), nil
	case OpContains:
		s, ok := value.(string)
		sub, ok2 := cond.Value.(string)
		return ok && ok2 && strings.Contains(s, sub), nil
	case OpRegex:
		re, err := e.compiledRegex(cond.Value)
		if err != nil {
			return false, err
		}
		s, ok := value.(string)
		return ok && re.MatchString(s), nil
	case OpIn:
		set, ok := cond.Value.([]any)
		if !ok {
			return false, fmt.Errorf("operator in requires a list value, got %T", cond.Value)
		}
		for _, member := range set {
			if looseEqual(value, member) {
				return true, nil
			}
		}
		return false, nil
	case OpGreaterThan, OpLessThan:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			// Non-numeric operands yield no match rather than erroring.
			return false, nil
		}
		if cond.Operator == OpGreaterThan {
			return a > b, nil
		}
		return a < b, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// looseEqual compares scalars across JSON typing: numbers by value, the rest
// by string form.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compileRegexValue(v any) (*regexp.Regexp, error) {
	pattern, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("regex value must be a string, got %T", v)
	}
	return regexp.Compile(pattern)
}

// compiledRegex returns the cached compilation of the pattern, compiling on
// first use. Invalid patterns are not cached; they surface as per-rule
// evaluation errors on every record, which is what rule admins see anyway.
func (e *Engine) compiledRegex(v any) (*regexp.Regexp, error) {
	pattern, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("regex value must be a string, got %T", v)
	}

	e.regexMu.RLock()
	re, hit := e.regexps[pattern]
	e.regexMu.RUnlock()
	if hit {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	e.regexMu.Lock()
	e.regexps[pattern] = re
	e.regexMu.Unlock()
	return re, nil
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
