package retention

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"veritas/pkg/platform/sentinel"
)

// PostgresStore persists retention policies.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const policiesSchema = `
CREATE TABLE IF NOT EXISTS retention_policies (
	id                    UUID PRIMARY KEY,
	name                  TEXT NOT NULL,
	retention_period_days INTEGER NOT NULL,
	frameworks            TEXT[] NOT NULL DEFAULT '{}',
	event_types           TEXT[] NOT NULL DEFAULT '{}',
	auto_delete           BOOLEAN NOT NULL DEFAULT FALSE,
	last_executed_at      TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the retention_policies table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, policiesSchema); err != nil {
		return fmt.Errorf("ensure retention_policies schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, policy *RetentionPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (id, name, retention_period_days, frameworks, event_types, auto_delete, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, policy.ID, policy.Name, policy.RetentionPeriodDays,
		textArray(policy.Frameworks), textArray(policy.EventTypes),
		policy.AutoDelete, policy.CreatedAt, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert retention policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, policy *RetentionPolicy) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retention_policies
		SET name = $2, retention_period_days = $3, frameworks = $4,
		    event_types = $5, auto_delete = $6, updated_at = $7
		WHERE id = $1
	`, policy.ID, policy.Name, policy.RetentionPeriodDays,
		textArray(policy.Frameworks), textArray(policy.EventTypes),
		policy.AutoDelete, policy.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update retention policy: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM retention_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete retention policy: %w", err)
	}
	return requireRow(res)
}

const policyColumns = `id, name, retention_period_days, frameworks, event_types, auto_delete, last_executed_at, created_at, updated_at`

func (s *PostgresStore) Get(ctx context.Context, id string) (*RetentionPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM retention_policies WHERE id = $1`, id)
	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan retention policy: %w", err)
	}
	return policy, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM retention_policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()

	var out []*RetentionPolicy
	for rows.Next() {
		policy, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		out = append(out, policy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate retention policies: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkExecuted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE retention_policies SET last_executed_at = $2 WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark retention policy executed: %w", err)
	}
	return requireRow(res)
}

func textArray(s []string) any {
	if s == nil {
		s = []string{}
	}
	return pq.Array(s)
}

func scanPolicy(row interface{ Scan(dest ...any) error }) (*RetentionPolicy, error) {
	var (
		policy     RetentionPolicy
		frameworks pq.StringArray
		eventTypes pq.StringArray
		executedAt sql.NullTime
	)
	err := row.Scan(
		&policy.ID, &policy.Name, &policy.RetentionPeriodDays,
		&frameworks, &eventTypes, &policy.AutoDelete, &executedAt,
		&policy.CreatedAt, &policy.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(frameworks) > 0 {
		policy.Frameworks = frameworks
	}
	if len(eventTypes) > 0 {
		policy.EventTypes = eventTypes
	}
	if executedAt.Valid {
		t := executedAt.Time
		policy.LastExecutedAt = &t
	}
	return &policy, nil
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
