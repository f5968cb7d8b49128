package retention

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/audit"
	"veritas/internal/platform/metrics"
)

var testMetrics = metrics.New()

type recordingSink struct {
	results []PurgeResult
}

func (s *recordingSink) PublishPurge(_ context.Context, result PurgeResult) {
	s.results = append(s.results, result)
}

func seedRecord(t *testing.T, store *audit.MemoryStore, age time.Duration, eventType string, frameworks ...string) *audit.AuditRecord {
	t.Helper()
	rec := &audit.AuditRecord{
		ID:         uuid.NewString(),
		Timestamp:  time.Now().UTC().Add(-age),
		EventType:  eventType,
		Severity:   audit.SeverityLow,
		Actor:      audit.Actor{ID: "svc"},
		Action:     audit.Action{Type: "read"},
		Compliance: audit.Compliance{Frameworks: frameworks},
	}
	require.NoError(t, store.Append(context.Background(), rec))
	return rec
}

func testScheduler(t *testing.T, records *audit.MemoryStore, sink StatsSink, policies ...*RetentionPolicy) (*Scheduler, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	for _, p := range policies {
		require.NoError(t, store.Create(context.Background(), p))
	}
	logger := slog.New(slog.DiscardHandler)
	return NewScheduler(store, records, sink, logger, testMetrics, time.Hour), store
}

func TestRunOncePurgesOnlyExpiredRecords(t *testing.T) {
	records := audit.NewMemoryStore()
	old := seedRecord(t, records, 31*24*time.Hour, "data_access")
	fresh := seedRecord(t, records, 29*24*time.Hour, "data_access")

	policy := &RetentionPolicy{
		ID:                  uuid.NewString(),
		Name:                "thirty-days",
		RetentionPeriodDays: 30,
		AutoDelete:          true,
	}
	sink := &recordingSink{}
	scheduler, store := testScheduler(t, records, sink, policy)

	results, err := scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Deleted)
	assert.False(t, results[0].DryRun)

	_, err = records.Get(context.Background(), old.ID)
	assert.Error(t, err, "expired record should be gone")
	_, err = records.Get(context.Background(), fresh.ID)
	assert.NoError(t, err, "record inside the window must survive")

	got, err := store.Get(context.Background(), policy.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastExecutedAt)
	require.Len(t, sink.results, 1)
	assert.Equal(t, "thirty-days", sink.results[0].PolicyName)
}

func TestRunOnceDryRunCountsWithoutDeleting(t *testing.T) {
	records := audit.NewMemoryStore()
	seedRecord(t, records, 40*24*time.Hour, "auth")
	seedRecord(t, records, 50*24*time.Hour, "auth")

	policy := &RetentionPolicy{
		ID:                  uuid.NewString(),
		Name:                "estimate",
		RetentionPeriodDays: 30,
		AutoDelete:          false,
	}
	scheduler, store := testScheduler(t, records, nil, policy)

	results, err := scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].DryRun)
	assert.Equal(t, int64(2), results[0].Matched)
	assert.Equal(t, int64(0), results[0].Deleted)

	// Nothing was deleted and the policy was not marked executed.
	count, err := records.CountMatching(context.Background(), audit.PurgeFilter{Before: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	got, err := store.Get(context.Background(), policy.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastExecutedAt)
}

func TestRunOnceFiltersByFrameworkAndEventType(t *testing.T) {
	records := audit.NewMemoryStore()
	gdpr := seedRecord(t, records, 40*24*time.Hour, "data_access", "gdpr")
	sox := seedRecord(t, records, 40*24*time.Hour, "data_access", "sox")
	otherType := seedRecord(t, records, 40*24*time.Hour, "auth", "gdpr")

	policy := &RetentionPolicy{
		ID:                  uuid.NewString(),
		Name:                "gdpr-data-access",
		RetentionPeriodDays: 30,
		Frameworks:          []string{"gdpr"},
		EventTypes:          []string{"data_access"},
		AutoDelete:          true,
	}
	scheduler, _ := testScheduler(t, records, nil, policy)

	results, err := scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, int64(1), results[0].Deleted)

	_, err = records.Get(context.Background(), gdpr.ID)
	assert.Error(t, err)
	_, err = records.Get(context.Background(), sox.ID)
	assert.NoError(t, err)
	_, err = records.Get(context.Background(), otherType.ID)
	assert.NoError(t, err)
}

func TestRunOnceIdempotent(t *testing.T) {
	records := audit.NewMemoryStore()
	seedRecord(t, records, 40*24*time.Hour, "auth")

	policy := &RetentionPolicy{
		ID:                  uuid.NewString(),
		Name:                "thirty-days",
		RetentionPeriodDays: 30,
		AutoDelete:          true,
	}
	scheduler, _ := testScheduler(t, records, nil, policy)

	first, err := scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), first[0].Deleted)

	second, err := scheduler.RunOnce(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), second[0].Deleted)
}

func TestRunOnceStopsOnCancelledContext(t *testing.T) {
	records := audit.NewMemoryStore()
	scheduler, _ := testScheduler(t, records, nil,
		&RetentionPolicy{ID: uuid.NewString(), Name: "a", RetentionPeriodDays: 1, AutoDelete: true},
		&RetentionPolicy{ID: uuid.NewString(), Name: "b", RetentionPeriodDays: 1, AutoDelete: true},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := scheduler.RunOnce(ctx, time.Now())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicyValidate(t *testing.T) {
	valid := RetentionPolicy{Name: "p", RetentionPeriodDays: 30}
	assert.NoError(t, valid.Validate())

	assert.Error(t, (&RetentionPolicy{RetentionPeriodDays: 30}).Validate())
	assert.Error(t, (&RetentionPolicy{Name: "p"}).Validate())
	assert.Error(t, (&RetentionPolicy{Name: "p", RetentionPeriodDays: -1}).Validate())
}
