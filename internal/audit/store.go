package audit

import (
	"context"
	"time"
)

// Filter narrows record queries for the read-back API.
type Filter struct {
	From       *time.Time
	To         *time.Time
	EventTypes []string
	Severities []Severity
	ActorID    string
	Framework  string
	Limit      int
	Offset     int
}

// PurgeFilter selects records for retention deletion: everything older than
// Before, optionally narrowed to frameworks and event types.
type PurgeFilter struct {
	Before     time.Time
	Frameworks []string
	EventTypes []string
}

// Store is the durable, append-mostly home of audit records. Append is the
// only path by which a record is persisted; callers must hand it a fully
// stamped record. Deletion exists solely for the retention scheduler and is
// idempotent: purging records that are already gone is a no-op.
//
// Stores are interface-driven to keep the pipeline testable and to allow
// swapping the in-memory and PostgreSQL implementations without rewiring
// business code.
type Store interface {
	Append(ctx context.Context, record *AuditRecord) error
	Get(ctx context.Context, id string) (*AuditRecord, error)
	GetBySequence(ctx context.Context, seq int64) (*AuditRecord, error)
	// Head returns the record with the highest sequence, or nil for an
	// empty chain.
	Head(ctx context.Context) (*AuditRecord, error)
	Query(ctx context.Context, filter Filter) ([]*AuditRecord, error)
	// ListBySequence returns records with from <= sequence <= to in
	// ascending order, skipping purged gaps. to <= 0 means no upper bound.
	ListBySequence(ctx context.Context, from, to int64) ([]*AuditRecord, error)
	CountMatching(ctx context.Context, filter PurgeFilter) (int64, error)
	DeleteMatching(ctx context.Context, filter PurgeFilter) (int64, error)
}
