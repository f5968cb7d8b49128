package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"veritas/internal/audit"
	"veritas/internal/platform/metrics"
)

const (
	webhookTimeout = 5 * time.Second
	webhookRetries = 3
)

// Action delivers one triggered alert to one destination. Implementations
// must be safe for concurrent use.
type Action interface {
	Type() string
	Execute(ctx context.Context, spec ActionSpec, alert Alert, record *audit.AuditRecord) error
}

// AlertSink receives alerts for fan-out to live subscribers or downstream
// systems.
type AlertSink interface {
	PublishAlert(ctx context.Context, alert Alert)
}

// Dispatcher runs a rule's actions in declared order on its own worker, so
// a slow external target delays only later alert deliveries, never the
// observers feeding it. Action failures are logged and isolated: one
// failing action never blocks the rest, and no action failure ever reaches
// the ingestion path.
type Dispatcher struct {
	actions map[string]Action
	mirrors []AlertSink
	inbox   chan delivery
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// delivery is one queued alert with everything its actions need.
type delivery struct {
	rule   *AlertRule
	alert  Alert
	record *audit.AuditRecord
}

// NewDispatcher builds a dispatcher over the given action implementations,
// keyed by their Type.
func NewDispatcher(logger *slog.Logger, m *metrics.Metrics, actions ...Action) *Dispatcher {
	byType := make(map[string]Action, len(actions))
	for _, a := range actions {
		byType[a.Type()] = a
	}
	return &Dispatcher{
		actions: byType,
		inbox:   make(chan delivery, 64),
		logger:  logger,
		metrics: m,
	}
}

// AddMirror registers a sink that receives every alert regardless of the
// matched rule's action list. Not safe to call after dispatch has started.
func (d *Dispatcher) AddMirror(sink AlertSink) {
	d.mirrors = append(d.mirrors, sink)
}

// Dispatch queues the alert for delivery. Enqueueing never blocks: a full
// queue drops the delivery and counts it, so a backlog of slow webhooks
// cannot stall rule evaluation or record fan-out.
func (d *Dispatcher) Dispatch(ctx context.Context, rule *AlertRule, alert Alert, record *audit.AuditRecord) {
	select {
	case d.inbox <- delivery{rule: rule, alert: alert, record: record}:
	default:
		d.metrics.ActionFailures.WithLabelValues("queue").Inc()
		d.logger.WarnContext(ctx, "alert delivery queue full, dropping alert",
			"rule_id", rule.ID, "rule_name", rule.Name)
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job := <-d.inbox:
			d.deliver(ctx, job)
		}
	}
}

// deliver executes every action of the rule for the alert, in order, then
// hands the alert to the mirrors.
func (d *Dispatcher) deliver(ctx context.Context, job delivery) {
	rule, alert, record := job.rule, job.alert, job.record
	for _, spec := range rule.Actions {
		action, ok := d.actions[spec.Type]
		if !ok {
			d.metrics.ActionFailures.WithLabelValues(spec.Type).Inc()
			d.logger.WarnContext(ctx, "unknown alert action type",
				"rule_id", rule.ID, "action_type", spec.Type)
			continue
		}
		if err := action.Execute(ctx, spec, alert, record); err != nil {
			d.metrics.ActionFailures.WithLabelValues(spec.Type).Inc()
			d.logger.ErrorContext(ctx, "alert action failed",
				"rule_id", rule.ID, "rule_name", rule.Name,
				"action_type", spec.Type, "error", err)
		}
	}
	for _, m := range d.mirrors {
		m.PublishAlert(ctx, alert)
	}
}

// WebhookAction posts the alert as JSON to the action's target URL, retrying
// transient failures with linear backoff. A delivery gate skips targets that
// keep failing so a dead endpoint cannot stall dispatch for the rest.
type WebhookAction struct {
	client *http.Client
	gate   *deliveryGate
}

func NewWebhookAction() *WebhookAction {
	return &WebhookAction{
		client: &http.Client{Timeout: webhookTimeout},
		gate:   newDeliveryGate(5, time.Minute),
	}
}

func (a *WebhookAction) Type() string { return "webhook" }

func (a *WebhookAction) Execute(ctx context.Context, spec ActionSpec, alert Alert, record *audit.AuditRecord) error {
	if spec.Target == "" {
		return fmt.Errorf("webhook action requires a target URL")
	}
	if a.gate.suspended() {
		return fmt.Errorf("webhook deliveries suspended for %s after repeated failures", spec.Target)
	}

	body, err := json.Marshal(struct {
		Alert  Alert              `json:"alert"`
		Record *audit.AuditRecord `json:"record"`
	}{Alert: alert, Record: record})
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.Target, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			a.gate.succeeded()
			return nil
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			a.gate.failed()
			return fmt.Errorf("webhook rejected: HTTP %d", resp.StatusCode)
		}
		// 5xx: retry
		lastErr = fmt.Errorf("webhook server error: HTTP %d", resp.StatusCode)
	}

	a.gate.failed()
	return fmt.Errorf("webhook failed after %d attempts: %w", webhookRetries, lastErr)
}

// LogAction writes the alert to the structured log. It is the safe default
// action and cannot fail.
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction {
	return &LogAction{logger: logger}
}

func (a *LogAction) Type() string { return "log" }

func (a *LogAction) Execute(ctx context.Context, _ ActionSpec, alert Alert, record *audit.AuditRecord) error {
	a.logger.WarnContext(ctx, "alert triggered",
		"rule_id", alert.RuleID,
		"rule_name", alert.RuleName,
		"severity", alert.Severity,
		"record_id", alert.RecordID,
		"event_type", record.EventType,
	)
	return nil
}

// HubAction pushes the alert onto the live distribution hub so connected
// subscribers of the "alerts" topic see it immediately.
type HubAction struct {
	sink AlertSink
}

func NewHubAction(sink AlertSink) *HubAction {
	return &HubAction{sink: sink}
}

func (a *HubAction) Type() string { return "hub" }

func (a *HubAction) Execute(ctx context.Context, _ ActionSpec, alert Alert, _ *audit.AuditRecord) error {
	a.sink.PublishAlert(ctx, alert)
	return nil
}
