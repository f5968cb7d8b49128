package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mssola/useragent"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"veritas/internal/integrity"
	"veritas/internal/platform/metrics"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/sentinel"
	"veritas/pkg/requestcontext"
)

// Observer receives every stored record off the append path. Rule evaluation
// and distribution implement this; they are side-observers and must never
// block or fail ingestion.
type Observer interface {
	RecordStored(ctx context.Context, record *AuditRecord)
}

// Service is the ingestion engine: it validates events, stamps them with
// integrity metadata, persists them, and hands them to observers.
//
// Ingestion is the single serialization point for chain integrity. The
// chain-head read-modify-write happens under mu so the Nth append always sees
// the (N-1)th chain hash; observers run on a separate worker and never hold
// the lock.
type Service struct {
	store   Store
	chain   *integrity.Chain
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	headSeq  int64
	headHash string

	observers []Observer
	inbox     chan *AuditRecord
}

// NewService builds the ingestion service and loads the chain head from the
// store. The chain (and therefore a configured signing key) is required.
func NewService(ctx context.Context, store Store, chain *integrity.Chain, logger *slog.Logger, m *metrics.Metrics) (*Service, error) {
	if chain == nil {
		return nil, integrity.ErrNoSigningKey
	}

	s := &Service{
		store:   store,
		chain:   chain,
		logger:  logger,
		metrics: m,
		tracer:  otel.Tracer("veritas/audit"),
		inbox:   make(chan *AuditRecord, 256),
	}

	head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("load chain head: %w", err)
	}
	if head != nil {
		s.headSeq = head.Sequence
		s.headHash = head.Integrity.ChainHash
	} else {
		s.headHash = integrity.GenesisChainHash
	}
	return s, nil
}

// AddObserver registers an observer. Not safe to call after Run has started.
func (s *Service) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// Run drains the observer inbox until ctx is canceled. Observers see records
// in append order.
func (s *Service) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record := <-s.inbox:
			s.notify(ctx, record)
		}
	}
}

func (s *Service) notify(ctx context.Context, record *AuditRecord) {
	for _, o := range s.observers {
		o.RecordStored(ctx, record)
	}
}

// Ingest validates, stamps, and stores one event. It either fully succeeds,
// returning the stored record with integrity populated, or fully fails with
// nothing persisted; there is no partial-integrity state.
func (s *Service) Ingest(ctx context.Context, input NewRecord) (*AuditRecord, error) {
	ctx, span := s.tracer.Start(ctx, "audit.Ingest")
	defer span.End()
	start := time.Now()

	if err := input.Validate(); err != nil {
		s.metrics.IngestFailures.WithLabelValues("validation").Inc()
		return nil, err
	}

	record := s.buildRecord(ctx, input)

	s.mu.Lock()
	record.Sequence = s.headSeq + 1
	stamp, err := s.chain.Stamp(record.hashableContent(), s.headHash)
	if err != nil {
		s.mu.Unlock()
		s.metrics.IngestFailures.WithLabelValues("integrity").Inc()
		s.logger.ErrorContext(ctx, "integrity stamping failed, record rejected",
			"event_type", record.EventType, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "integrity stamping failed")
	}
	record.Integrity = stamp

	if err := s.store.Append(ctx, record); err != nil {
		s.mu.Unlock()
		s.metrics.IngestFailures.WithLabelValues("storage").Inc()
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to store audit record")
	}
	s.headSeq = record.Sequence
	s.headHash = stamp.ChainHash
	s.mu.Unlock()

	s.metrics.RecordsIngested.Inc()
	s.metrics.IngestDuration.Observe(time.Since(start).Seconds())

	// Hand off to observers without blocking the append path. A full inbox
	// means observers are badly behind; the record is already durable, so
	// drop the notification and count it.
	select {
	case s.inbox <- record:
	default:
		s.metrics.ObserverDropped.Inc()
		s.logger.WarnContext(ctx, "observer inbox full, dropping notification",
			"record_id", record.ID, "sequence", record.Sequence)
	}

	return record, nil
}

func (s *Service) buildRecord(ctx context.Context, input NewRecord) *AuditRecord {
	ts := input.Timestamp
	if ts.IsZero() {
		ts = requestcontext.Now(ctx)
	}
	// Transport metadata fills actor gaps the caller left open.
	if input.Actor.IP == "" {
		input.Actor.IP = requestcontext.ClientIP(ctx)
	}
	if input.Actor.UserAgent == "" {
		input.Actor.UserAgent = requestcontext.UserAgent(ctx)
	}
	// Microsecond precision: TIMESTAMPTZ cannot hold nanoseconds, and the
	// stamped timestamp must survive a storage round-trip bit-for-bit.
	ts = ts.UTC().Truncate(time.Microsecond)

	record := &AuditRecord{
		ID:         uuid.NewString(),
		Timestamp:  ts,
		EventType:  input.EventType,
		Severity:   input.Severity,
		Actor:      input.Actor,
		Action:     input.Action,
		Compliance: input.Compliance,
	}
	enrichActor(record)
	return record
}

// enrichActor derives a normalized platform summary from the raw user agent
// so rules can match on it without regexing browser strings.
func enrichActor(record *AuditRecord) {
	if record.Actor.UserAgent == "" {
		return
	}
	ua := useragent.New(record.Actor.UserAgent)
	name, version := ua.Browser()
	if name == "" && ua.OS() == "" {
		return
	}
	if record.Action.Details == nil {
		record.Action.Details = make(map[string]any)
	}
	if _, taken := record.Action.Details["clientPlatform"]; !taken {
		record.Action.Details["clientPlatform"] = map[string]any{
			"browser": name,
			"version": version,
			"os":      ua.OS(),
			"mobile":  ua.Mobile(),
			"bot":     ua.Bot(),
		}
	}
}

// Get returns one stored record.
func (s *Service) Get(ctx context.Context, id string) (*AuditRecord, error) {
	record, err := s.store.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "record not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}
	return record, nil
}

// Query returns records matching the filter, most recent first.
func (s *Service) Query(ctx context.Context, filter Filter) ([]*AuditRecord, error) {
	records, err := s.store.Query(ctx, filter)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to query records")
	}
	return records, nil
}

// VerifyRecord recomputes one record's integrity against its stored stamp and
// its predecessor's chain hash. Tampering is reported in the result, never as
// an error.
func (s *Service) VerifyRecord(ctx context.Context, id string) (integrity.Report, error) {
	record, err := s.store.Get(ctx, id)
	if errors.Is(err, sentinel.ErrNotFound) {
		return integrity.Report{}, dErrors.New(dErrors.CodeNotFound, "record not found")
	}
	if err != nil {
		return integrity.Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load record")
	}

	prevHash := integrity.GenesisChainHash
	if record.Sequence > 1 {
		prev, err := s.store.GetBySequence(ctx, record.Sequence-1)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			// Predecessor purged by retention: the chain link cannot be
			// recomputed, so check content and signature only and say so.
			report := s.chain.VerifyDetached(record.hashableContent(), record.Integrity)
			if report.Reason == "" {
				report.Reason = "predecessor purged by retention: chain link not provable"
			}
			s.countVerification(report.TamperDetected)
			return report, nil
		case err != nil:
			return integrity.Report{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load predecessor")
		default:
			prevHash = prev.Integrity.ChainHash
		}
	}

	report := s.chain.Verify(record.hashableContent(), record.Integrity, prevHash)
	s.countVerification(report.TamperDetected)
	return report, nil
}

// VerifyChain walks stored records with from <= sequence <= to in append
// order and reports the first break. to <= 0 means "through the head".
func (s *Service) VerifyChain(ctx context.Context, from, to int64) (integrity.ChainReport, error) {
	ctx, span := s.tracer.Start(ctx, "audit.VerifyChain")
	defer span.End()

	if from <= 0 {
		from = 1
	}
	records, err := s.store.ListBySequence(ctx, from, to)
	if err != nil {
		return integrity.ChainReport{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list records")
	}

	entries := make([]integrity.Entry, len(records))
	for i, rec := range records {
		entries[i] = entryOf(rec)
	}

	report, err := s.chain.VerifyChain(ctx, entries)
	if err != nil {
		return integrity.ChainReport{}, err
	}
	s.countVerification(!report.OK)
	return report, nil
}

func (s *Service) countVerification(tampered bool) {
	outcome := "ok"
	if tampered {
		outcome = "tamper_detected"
	}
	s.metrics.ChainVerifications.WithLabelValues(outcome).Inc()
}

func entryOf(record *AuditRecord) integrity.Entry {
	return integrity.Entry{
		Sequence: record.Sequence,
		Content:  record.hashableContent(),
		Stamp:    record.Integrity,
	}
}
