package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"veritas/internal/integrity"
	"veritas/pkg/platform/sentinel"
)

// PostgresStore persists audit records in PostgreSQL. The seq column carries
// chain order; frameworks and violations are text[] so retention filters can
// use array overlap operators server-side.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const recordsSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id               UUID PRIMARY KEY,
	seq              BIGINT NOT NULL UNIQUE,
	ts               TIMESTAMPTZ NOT NULL,
	event_type       TEXT NOT NULL,
	severity         TEXT NOT NULL,
	actor_id         TEXT NOT NULL,
	actor_ip         TEXT NOT NULL DEFAULT '',
	actor_user_agent TEXT NOT NULL DEFAULT '',
	actor_session_id TEXT NOT NULL DEFAULT '',
	action_type      TEXT NOT NULL,
	action_resource  TEXT NOT NULL DEFAULT '',
	action_method    TEXT NOT NULL DEFAULT '',
	action_success   BOOLEAN NOT NULL DEFAULT FALSE,
	action_details   JSONB,
	frameworks       TEXT[] NOT NULL DEFAULT '{}',
	violations       TEXT[] NOT NULL DEFAULT '{}',
	content_hash     TEXT NOT NULL,
	chain_hash       TEXT NOT NULL,
	signature        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_records_ts ON audit_records (ts);
CREATE INDEX IF NOT EXISTS idx_audit_records_event_type ON audit_records (event_type);
`

// EnsureSchema creates the audit_records table and indexes if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordsSchema); err != nil {
		return fmt.Errorf("ensure audit_records schema: %w", err)
	}
	return nil
}

const recordColumns = `id, seq, ts, event_type, severity,
	actor_id, actor_ip, actor_user_agent, actor_session_id,
	action_type, action_resource, action_method, action_success, action_details,
	frameworks, violations, content_hash, chain_hash, signature`

func (s *PostgresStore) Append(ctx context.Context, record *AuditRecord) error {
	var details []byte
	if record.Action.Details != nil {
		var err error
		details, err = json.Marshal(record.Action.Details)
		if err != nil {
			return fmt.Errorf("marshal action details: %w", err)
		}
	}

	query := `
		INSERT INTO audit_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.Sequence,
		record.Timestamp,
		record.EventType,
		string(record.Severity),
		record.Actor.ID,
		record.Actor.IP,
		record.Actor.UserAgent,
		record.Actor.SessionID,
		record.Action.Type,
		record.Action.Resource,
		record.Action.Method,
		record.Action.Success,
		details,
		pq.Array(nonNil(record.Compliance.Frameworks)),
		pq.Array(nonNil(record.Compliance.Violations)),
		record.Integrity.ContentHash,
		record.Integrity.ChainHash,
		record.Integrity.Signature,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE id = $1`, id)
	return scanRecordRow(row)
}

func (s *PostgresStore) GetBySequence(ctx context.Context, seq int64) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records WHERE seq = $1`, seq)
	return scanRecordRow(row)
}

func (s *PostgresStore) Head(ctx context.Context) (*AuditRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM audit_records ORDER BY seq DESC LIMIT 1`)
	rec, err := scanRecordRow(row)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.From != nil {
		conds = append(conds, "ts >= "+arg(*filter.From))
	}
	if filter.To != nil {
		conds = append(conds, "ts < "+arg(*filter.To))
	}
	if len(filter.EventTypes) > 0 {
		conds = append(conds, "event_type = ANY("+arg(pq.Array(filter.EventTypes))+")")
	}
	if len(filter.Severities) > 0 {
		sevs := make([]string, len(filter.Severities))
		for i, s := range filter.Severities {
			sevs[i] = string(s)
		}
		conds = append(conds, "severity = ANY("+arg(pq.Array(sevs))+")")
	}
	if filter.ActorID != "" {
		conds = append(conds, "actor_id = "+arg(filter.ActorID))
	}
	if filter.Framework != "" {
		conds = append(conds, arg(filter.Framework)+" = ANY(frameworks)")
	}

	query := `SELECT ` + recordColumns + ` FROM audit_records`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET " + arg(filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) ListBySequence(ctx context.Context, from, to int64) ([]*AuditRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM audit_records WHERE seq >= $1`
	args := []any{from}
	if to > 0 {
		query += ` AND seq <= $2`
		args = append(args, to)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit records by sequence: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *PostgresStore) CountMatching(ctx context.Context, filter PurgeFilter) (int64, error) {
	query, args := purgeWhere(`SELECT COUNT(*) FROM audit_records`, filter)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count matching records: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) DeleteMatching(ctx context.Context, filter PurgeFilter) (int64, error) {
	query, args := purgeWhere(`DELETE FROM audit_records`, filter)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete matching records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

func purgeWhere(prefix string, filter PurgeFilter) (string, []any) {
	query := prefix + ` WHERE ts < $1`
	args := []any{filter.Before}
	if len(filter.Frameworks) > 0 {
		args = append(args, pq.Array(filter.Frameworks))
		query += fmt.Sprintf(" AND frameworks && $%d", len(args))
	}
	if len(filter.EventTypes) > 0 {
		args = append(args, pq.Array(filter.EventTypes))
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	return query, args
}

// nonNil keeps text[] columns NOT NULL when the caller omitted the slice.
func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*AuditRecord, error) {
	var (
		rec        AuditRecord
		severity   string
		details    []byte
		frameworks pq.StringArray
		violations pq.StringArray
		stamp      integrity.Stamp
	)
	err := row.Scan(
		&rec.ID,
		&rec.Sequence,
		&rec.Timestamp,
		&rec.EventType,
		&severity,
		&rec.Actor.ID,
		&rec.Actor.IP,
		&rec.Actor.UserAgent,
		&rec.Actor.SessionID,
		&rec.Action.Type,
		&rec.Action.Resource,
		&rec.Action.Method,
		&rec.Action.Success,
		&details,
		&frameworks,
		&violations,
		&stamp.ContentHash,
		&stamp.ChainHash,
		&stamp.Signature,
	)
	if err != nil {
		return nil, err
	}
	rec.Severity = Severity(severity)
	rec.Compliance.Frameworks = frameworks
	rec.Compliance.Violations = violations
	rec.Integrity = stamp
	if len(details) > 0 {
		if err := json.Unmarshal(details, &rec.Action.Details); err != nil {
			return nil, fmt.Errorf("unmarshal action details: %w", err)
		}
	}
	return &rec, nil
}

func scanRecordRow(row *sql.Row) (*AuditRecord, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]*AuditRecord, error) {
	var out []*AuditRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return out, nil
}
