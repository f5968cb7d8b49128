package retention

import (
	"context"
	"time"
)

// Store persists retention policies.
type Store interface {
	Create(ctx context.Context, policy *RetentionPolicy) error
	Update(ctx context.Context, policy *RetentionPolicy) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*RetentionPolicy, error)
	List(ctx context.Context) ([]*RetentionPolicy, error)
	MarkExecuted(ctx context.Context, id string, at time.Time) error
}
