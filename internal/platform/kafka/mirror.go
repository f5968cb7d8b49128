package kafka

import (
	"context"
	"log/slog"

	"veritas/internal/audit"
	"veritas/internal/rules"
)

// RecordMirror adapts the publisher to the ingestion observer interface so
// every stored record is produced to the records topic. Publish failures
// are logged and dropped: Kafka is a mirror, never a gate on ingestion.
type RecordMirror struct {
	publisher *Publisher
	logger    *slog.Logger
}

// NewRecordMirror returns nil when the publisher is nil (mirroring
// disabled), so callers can skip observer registration.
func NewRecordMirror(publisher *Publisher, logger *slog.Logger) *RecordMirror {
	if publisher == nil {
		return nil
	}
	return &RecordMirror{publisher: publisher, logger: logger}
}

func (m *RecordMirror) RecordStored(ctx context.Context, record *audit.AuditRecord) {
	if err := m.publisher.PublishRecord(ctx, record.ID, record); err != nil {
		m.logger.WarnContext(ctx, "failed to mirror record to kafka",
			"record_id", record.ID, "error", err)
	}
}

// AlertMirror produces every triggered alert to the alerts topic.
type AlertMirror struct {
	publisher *Publisher
	logger    *slog.Logger
}

func NewAlertMirror(publisher *Publisher, logger *slog.Logger) *AlertMirror {
	if publisher == nil {
		return nil
	}
	return &AlertMirror{publisher: publisher, logger: logger}
}

func (m *AlertMirror) PublishAlert(ctx context.Context, alert rules.Alert) {
	if err := m.publisher.PublishAlert(ctx, alert.RuleID, alert); err != nil {
		m.logger.WarnContext(ctx, "failed to mirror alert to kafka",
			"rule_id", alert.RuleID, "error", err)
	}
}
