package audit

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/integrity"
	"veritas/internal/platform/metrics"
	"veritas/pkg/requestcontext"
)

var testMetrics = metrics.New()

func testService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	chain, err := integrity.NewChain(integrity.NewSignerFromKey(priv))
	require.NoError(t, err)

	store := NewMemoryStore()
	service, err := NewService(context.Background(), store, chain, slog.New(slog.DiscardHandler), testMetrics)
	require.NoError(t, err)
	return service, store
}

func validInput(eventType string) NewRecord {
	return NewRecord{
		EventType: eventType,
		Severity:  SeverityMedium,
		Actor:     Actor{ID: "user-1", IP: "10.0.0.1"},
		Action:    Action{Type: "login_failed", Resource: "/session"},
	}
}

func TestIngestAssignsSequenceAndIntegrity(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()

	a, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)
	b, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(2), b.Sequence)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.Integrity.ContentHash, 64)
	assert.Len(t, a.Integrity.ChainHash, 64)
	assert.NotEmpty(t, a.Integrity.Signature)
	assert.NotEqual(t, a.Integrity.ChainHash, b.Integrity.ChainHash)
}

func TestIngestValidation(t *testing.T) {
	service, _ := testService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*NewRecord)
	}{
		{"missing event type", func(n *NewRecord) { n.EventType = "" }},
		{"invalid severity", func(n *NewRecord) { n.Severity = "catastrophic" }},
		{"missing actor id", func(n *NewRecord) { n.Actor.ID = "" }},
		{"missing action type", func(n *NewRecord) { n.Action.Type = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := validInput("auth")
			tt.mutate(&input)
			_, err := service.Ingest(ctx, input)
			assert.Error(t, err)
		})
	}

	// Nothing was persisted.
	head, err := service.store.Head(ctx)
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestIngestTruncatesTimestampToMicroseconds(t *testing.T) {
	service, _ := testService(t)

	input := validInput("auth")
	input.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	record, err := service.Ingest(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, 123456000, record.Timestamp.Nanosecond())
}

func TestIngestEnrichesUserAgent(t *testing.T) {
	service, _ := testService(t)

	input := validInput("auth")
	input.Actor.UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	record, err := service.Ingest(context.Background(), input)
	require.NoError(t, err)

	platform, ok := record.Action.Details["clientPlatform"].(map[string]any)
	require.True(t, ok, "expected clientPlatform detail")
	assert.Equal(t, "Chrome", platform["browser"])
}

func TestIngestFillsActorFromRequestContext(t *testing.T) {
	service, _ := testService(t)

	ctx := requestcontext.WithClientIP(context.Background(), "192.0.2.7")
	ctx = requestcontext.WithUserAgent(ctx, "curl/8.5.0")

	input := validInput("auth")
	input.Actor.IP = ""
	record, err := service.Ingest(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.7", record.Actor.IP)
	assert.Equal(t, "curl/8.5.0", record.Actor.UserAgent)

	// Caller-supplied values win over transport metadata.
	input = validInput("auth")
	record, err = service.Ingest(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", record.Actor.IP)
}

func TestIngestConcurrentSequencesAreContiguous(t *testing.T) {
	service, store := testService(t)
	ctx := context.Background()
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := service.Ingest(ctx, validInput("auth"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	records, err := store.ListBySequence(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, records, n)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}

	// The whole chain still verifies after concurrent appends.
	report, err := service.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}

func TestObserversSeeStoredRecords(t *testing.T) {
	service, _ := testService(t)

	var mu sync.Mutex
	var seen []string
	service.AddObserver(observerFunc(func(_ context.Context, record *AuditRecord) {
		mu.Lock()
		seen = append(seen, record.ID)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = service.Run(ctx)
		close(done)
	}()

	a, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)
	b, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{a.ID, b.ID}, seen, "observers see records in append order")
	mu.Unlock()

	cancel()
	<-done
}

type observerFunc func(ctx context.Context, record *AuditRecord)

func (f observerFunc) RecordStored(ctx context.Context, record *AuditRecord) { f(ctx, record) }

func TestVerifyRecordDetectsTamper(t *testing.T) {
	service, store := testService(t)
	ctx := context.Background()

	a, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)
	b, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)

	report, err := service.VerifyRecord(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, report.TamperDetected)

	require.True(t, store.Tamper(a.ID, func(r *AuditRecord) {
		r.Severity = SeverityCritical
	}))

	report, err = service.VerifyRecord(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, report.TamperDetected)
	assert.False(t, report.HashValid)
}

func TestVerifyRecordNotFound(t *testing.T) {
	service, _ := testService(t)
	_, err := service.VerifyRecord(context.Background(), "missing")
	assert.Error(t, err)
}

func TestVerifyChainFindsFirstBreak(t *testing.T) {
	service, store := testService(t)
	ctx := context.Background()

	_, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)
	b, err := service.Ingest(ctx, validInput("data_access"))
	require.NoError(t, err)
	_, err = service.Ingest(ctx, validInput("admin"))
	require.NoError(t, err)

	report, err := service.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, 3, report.Checked)
	assert.True(t, report.ContinuityProven)

	require.True(t, store.Tamper(b.ID, func(r *AuditRecord) {
		r.Action.Resource = "/altered"
	}))

	report, err = service.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, 1, report.FirstBrokenIndex)
}

func TestVerifyAfterRetentionPurge(t *testing.T) {
	service, store := testService(t)
	ctx := context.Background()

	old := validInput("auth")
	old.Timestamp = time.Now().Add(-72 * time.Hour)
	_, err := service.Ingest(ctx, old)
	require.NoError(t, err)
	kept, err := service.Ingest(ctx, validInput("auth"))
	require.NoError(t, err)

	deleted, err := store.DeleteMatching(ctx, PurgeFilter{Before: time.Now().Add(-24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	// Single-record verification falls back to content and signature
	// checks when the predecessor is gone.
	report, err := service.VerifyRecord(ctx, kept.ID)
	require.NoError(t, err)
	assert.False(t, report.TamperDetected)
	assert.Contains(t, report.Reason, "predecessor purged")

	// Range verification still passes but cannot prove continuity back to
	// genesis.
	chainReport, err := service.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, chainReport.OK)
	assert.False(t, chainReport.ContinuityProven)
}

func TestVerifyChainAfterFilteredPurge(t *testing.T) {
	service, store := testService(t)
	ctx := context.Background()

	// A filtered policy can purge from the middle of the chain, not just
	// the head: data_access records expire while the surrounding auth
	// records are retained.
	for _, eventType := range []string{"auth", "data_access", "auth"} {
		input := validInput(eventType)
		input.Timestamp = time.Now().Add(-72 * time.Hour)
		_, err := service.Ingest(ctx, input)
		require.NoError(t, err)
	}

	deleted, err := store.DeleteMatching(ctx, PurgeFilter{
		Before:     time.Now(),
		EventTypes: []string{"data_access"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), deleted)

	report, err := service.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK, "retained records must keep validating across the gap")
	assert.Equal(t, -1, report.FirstBrokenIndex)
	assert.Equal(t, 2, report.Checked)
	assert.False(t, report.ContinuityProven)
	assert.Contains(t, report.Reason, "between sequences 1 and 3")
}

func TestNewServiceResumesChainHead(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer := integrity.NewSignerFromKey(priv)
	store := NewMemoryStore()
	logger := slog.New(slog.DiscardHandler)

	chain, err := integrity.NewChain(signer)
	require.NoError(t, err)
	first, err := NewService(context.Background(), store, chain, logger, testMetrics)
	require.NoError(t, err)
	a, err := first.Ingest(context.Background(), validInput("auth"))
	require.NoError(t, err)

	// A new service over the same store must continue the chain, not
	// restart it.
	chain2, err := integrity.NewChain(signer)
	require.NoError(t, err)
	second, err := NewService(context.Background(), store, chain2, logger, testMetrics)
	require.NoError(t, err)
	b, err := second.Ingest(context.Background(), validInput("auth"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), a.Sequence)
	assert.Equal(t, int64(2), b.Sequence)
	report, err := second.VerifyChain(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.True(t, report.OK)
}
