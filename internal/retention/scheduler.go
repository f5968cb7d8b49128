package retention

import (
	"context"
	"log/slog"
	"time"

	"veritas/internal/audit"
	"veritas/internal/platform/metrics"
)

const defaultInterval = 6 * time.Hour

// RecordPurger is the slice of the record store the scheduler needs.
type RecordPurger interface {
	CountMatching(ctx context.Context, filter audit.PurgeFilter) (int64, error)
	DeleteMatching(ctx context.Context, filter audit.PurgeFilter) (int64, error)
}

// StatsSink receives purge results for live distribution. Nil sink means
// results are only logged.
type StatsSink interface {
	PublishPurge(ctx context.Context, result PurgeResult)
}

// Scheduler applies retention policies on a fixed interval. Runs are
// idempotent: a record already purged by an earlier pass simply no longer
// matches.
type Scheduler struct {
	store    Store
	records  RecordPurger
	sink     StatsSink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	interval time.Duration
}

// NewScheduler builds a retention scheduler. interval <= 0 selects the
// default of six hours.
func NewScheduler(store Store, records RecordPurger, sink StatsSink, logger *slog.Logger, m *metrics.Metrics, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Scheduler{
		store:    store,
		records:  records,
		sink:     sink,
		logger:   logger,
		metrics:  m,
		interval: interval,
	}
}

// Run executes passes on the configured interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retention scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, time.Now()); err != nil {
				s.logger.ErrorContext(ctx, "retention pass failed", "error", err)
			}
		}
	}
}

// RunOnce applies every policy against a single reference time so all
// cutoffs within one pass agree. Policies with AutoDelete disabled report
// their match count without deleting.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) ([]PurgeResult, error) {
	policies, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]PurgeResult, 0, len(policies))
	for _, policy := range policies {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		result, err := s.apply(ctx, policy, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "retention policy failed",
				"policy_id", policy.ID, "policy_name", policy.Name, "error", err)
			continue
		}
		results = append(results, result)
		if s.sink != nil {
			s.sink.PublishPurge(ctx, result)
		}
	}
	s.metrics.RetentionRuns.Inc()
	return results, nil
}

func (s *Scheduler) apply(ctx context.Context, policy *RetentionPolicy, now time.Time) (PurgeResult, error) {
	filter := audit.PurgeFilter{
		Before:     policy.Cutoff(now),
		Frameworks: policy.Frameworks,
		EventTypes: policy.EventTypes,
	}
	result := PurgeResult{
		PolicyID:   policy.ID,
		PolicyName: policy.Name,
		DryRun:     !policy.AutoDelete,
		Cutoff:     filter.Before,
	}

	if !policy.AutoDelete {
		matched, err := s.records.CountMatching(ctx, filter)
		if err != nil {
			return PurgeResult{}, err
		}
		result.Matched = matched
		s.logger.InfoContext(ctx, "retention dry run",
			"policy_name", policy.Name, "matched", matched, "cutoff", filter.Before)
		return result, nil
	}

	deleted, err := s.records.DeleteMatching(ctx, filter)
	if err != nil {
		return PurgeResult{}, err
	}
	result.Matched = deleted
	result.Deleted = deleted
	s.metrics.RecordsPurged.WithLabelValues(policy.Name).Add(float64(deleted))

	if err := s.store.MarkExecuted(ctx, policy.ID, now); err != nil {
		s.logger.WarnContext(ctx, "failed to mark retention policy executed",
			"policy_id", policy.ID, "error", err)
	}
	s.logger.InfoContext(ctx, "retention purge complete",
		"policy_name", policy.Name, "deleted", deleted, "cutoff", filter.Before)
	return result, nil
}
