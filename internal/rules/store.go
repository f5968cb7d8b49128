package rules

import (
	"context"
	"time"
)

// Store persists alert rules. ListActive feeds the evaluation hot path;
// RecordTrigger mutates statistics in place on match.
type Store interface {
	Create(ctx context.Context, rule *AlertRule) error
	Update(ctx context.Context, rule *AlertRule) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*AlertRule, error)
	List(ctx context.Context) ([]*AlertRule, error)
	ListActive(ctx context.Context) ([]*AlertRule, error)
	RecordTrigger(ctx context.Context, id string, at time.Time) error
}
