package rules

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"veritas/pkg/platform/sentinel"
)

// PostgresStore persists alert rules. Condition and actions are JSONB; the
// event type allow-list is text[] so ListActive stays a single round-trip.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const rulesSchema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id             UUID PRIMARY KEY,
	name           TEXT NOT NULL,
	is_active      BOOLEAN NOT NULL DEFAULT TRUE,
	event_types    TEXT[] NOT NULL DEFAULT '{}',
	severity       TEXT NOT NULL DEFAULT '',
	condition      JSONB NOT NULL,
	actions        JSONB NOT NULL,
	total_triggers BIGINT NOT NULL DEFAULT 0,
	last_triggered TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the alert_rules table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, rulesSchema); err != nil {
		return fmt.Errorf("ensure alert_rules schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rule *AlertRule) error {
	condition, actions, err := marshalRule(rule)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, name, is_active, event_types, severity, condition, actions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rule.ID, rule.Name, rule.IsActive, textArray(rule.EventTypes), rule.Severity,
		condition, actions, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert alert rule: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, rule *AlertRule) error {
	condition, actions, err := marshalRule(rule)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET name = $2, is_active = $3, event_types = $4, severity = $5,
		    condition = $6, actions = $7, updated_at = $8
		WHERE id = $1
	`, rule.ID, rule.Name, rule.IsActive, textArray(rule.EventTypes), rule.Severity,
		condition, actions, rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete alert rule: %w", err)
	}
	return requireRow(res)
}

const ruleColumns = `id, name, is_active, event_types, severity, condition, actions, total_triggers, last_triggered, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*AlertRule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan alert rule: %w", err)
	}
	return rule, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*AlertRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alert_rules ORDER BY name`)
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]*AlertRule, error) {
	return s.list(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE is_active ORDER BY name`)
}

func (s *PostgresStore) list(ctx context.Context, query string) ([]*AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	defer rows.Close()

	var out []*AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		out = append(out, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rules: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RecordTrigger(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET total_triggers = total_triggers + 1, last_triggered = $2
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("record rule trigger: %w", err)
	}
	return requireRow(res)
}

func textArray(s []string) any {
	if s == nil {
		s = []string{}
	}
	return pq.Array(s)
}

func marshalRule(rule *AlertRule) (condition, actions []byte, err error) {
	condition, err = json.Marshal(rule.Condition)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rule condition: %w", err)
	}
	actions, err = json.Marshal(rule.Actions)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal rule actions: %w", err)
	}
	return condition, actions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AlertRule, error) {
	var (
		rule          AlertRule
		eventTypes    pq.StringArray
		condition     []byte
		actions       []byte
		lastTriggered sql.NullTime
	)
	err := row.Scan(
		&rule.ID, &rule.Name, &rule.IsActive, &eventTypes, &rule.Severity,
		&condition, &actions, &rule.Statistics.TotalTriggers, &lastTriggered,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(eventTypes) > 0 {
		rule.EventTypes = eventTypes
	}
	if err := json.Unmarshal(condition, &rule.Condition); err != nil {
		return nil, fmt.Errorf("unmarshal rule condition: %w", err)
	}
	if err := json.Unmarshal(actions, &rule.Actions); err != nil {
		return nil, fmt.Errorf("unmarshal rule actions: %w", err)
	}
	if lastTriggered.Valid {
		t := lastTriggered.Time
		rule.Statistics.LastTriggered = &t
	}
	return &rule, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}
