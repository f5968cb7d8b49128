package httptransport_test

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas/internal/audit"
	"veritas/internal/hub"
	"veritas/internal/integrity"
	"veritas/internal/platform/config"
	"veritas/internal/platform/metrics"
	"veritas/internal/retention"
	"veritas/internal/rules"
	httptransport "veritas/internal/transport/http"
	"veritas/pkg/testutil"
)

var testMetrics = metrics.New()

type env struct {
	router  http.Handler
	service *audit.Service
	hub     *hub.Hub
	records *audit.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	chain, err := integrity.NewChain(integrity.NewSignerFromKey(priv))
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	records := audit.NewMemoryStore()
	service, err := audit.NewService(context.Background(), records, chain, logger, testMetrics)
	require.NoError(t, err)

	ruleStore := rules.NewMemoryStore()
	policyStore := retention.NewMemoryStore()
	scheduler := retention.NewScheduler(policyStore, records, nil, logger, testMetrics, time.Hour)
	h := hub.New(config.Hub{QueueSize: 8}, logger, testMetrics)

	router := httptransport.NewRouter(httptransport.Deps{
		Records:   service,
		Integrity: service,
		Rules:     ruleStore,
		Retention: policyStore,
		Scheduler: scheduler,
		Hub:       h,
		Logger:    logger,
	})
	return &env{router: router, service: service, hub: h, records: records}
}

func ingestBody() map[string]any {
	return map[string]any{
		"eventType": "auth",
		"severity":  "high",
		"actor":     map[string]any{"id": "user-1", "ip": "10.0.0.1"},
		"action":    map[string]any{"type": "login_failed", "resource": "/session"},
	}
}

func TestIngestRecord(t *testing.T) {
	e := newEnv(t)

	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/audit/records", ingestBody()))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	record := testutil.UnmarshalResponse[audit.AuditRecord](t, rr)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, int64(1), record.Sequence)
	assert.NotEmpty(t, record.Integrity.ContentHash)
	assert.NotEmpty(t, record.Integrity.ChainHash)
	assert.NotEmpty(t, record.Integrity.Signature)
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	e := newEnv(t)

	body := ingestBody()
	delete(body, "eventType")
	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/audit/records", body))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")

	body = ingestBody()
	body["severity"] = "catastrophic"
	rr = testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/audit/records", body))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestGetRecord(t *testing.T) {
	e := newEnv(t)
	stored, err := e.service.Ingest(context.Background(), audit.NewRecord{
		EventType: "auth",
		Severity:  audit.SeverityLow,
		Actor:     audit.Actor{ID: "u"},
		Action:    audit.Action{Type: "login"},
	})
	require.NoError(t, err)

	rr := testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/audit/records/"+stored.ID))
	testutil.AssertStatus(t, rr, http.StatusOK)
	got := testutil.UnmarshalResponse[audit.AuditRecord](t, rr)
	assert.Equal(t, stored.ID, got.ID)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/audit/records/unknown"))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}

func TestQueryRecords(t *testing.T) {
	e := newEnv(t)
	for _, et := range []string{"auth", "auth", "data_access"} {
		_, err := e.service.Ingest(context.Background(), audit.NewRecord{
			EventType: et,
			Severity:  audit.SeverityLow,
			Actor:     audit.Actor{ID: "u"},
			Action:    audit.Action{Type: "op"},
		})
		require.NoError(t, err)
	}

	rr := testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/audit/records?eventType=auth"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	body := testutil.UnmarshalResponse[struct {
		Records []audit.AuditRecord `json:"records"`
		Count   int                 `json:"count"`
	}](t, rr)
	assert.Equal(t, 2, body.Count)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/audit/records?from=not-a-time"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestVerifyEndpoints(t *testing.T) {
	e := newEnv(t)
	var last *audit.AuditRecord
	for i := 0; i < 3; i++ {
		var err error
		last, err = e.service.Ingest(context.Background(), audit.NewRecord{
			EventType: "auth",
			Severity:  audit.SeverityLow,
			Actor:     audit.Actor{ID: "u"},
			Action:    audit.Action{Type: "op"},
		})
		require.NoError(t, err)
	}

	rr := testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/integrity/verify?recordId="+last.ID))
	testutil.AssertStatus(t, rr, http.StatusOK)
	report := testutil.UnmarshalResponse[integrity.Report](t, rr)
	assert.False(t, report.TamperDetected)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/integrity/verify"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/integrity/verify-chain"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	chainReport := testutil.UnmarshalResponse[integrity.ChainReport](t, rr)
	assert.True(t, chainReport.OK)
	assert.Equal(t, 3, chainReport.Checked)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/integrity/verify-chain?from=oops"))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestVerifyDetectsTamper(t *testing.T) {
	e := newEnv(t)
	stored, err := e.service.Ingest(context.Background(), audit.NewRecord{
		EventType: "auth",
		Severity:  audit.SeverityLow,
		Actor:     audit.Actor{ID: "u"},
		Action:    audit.Action{Type: "op"},
	})
	require.NoError(t, err)

	require.True(t, e.records.Tamper(stored.ID, func(r *audit.AuditRecord) {
		r.Severity = audit.SeverityCritical
	}))

	rr := testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/integrity/verify?recordId="+stored.ID))
	testutil.AssertStatus(t, rr, http.StatusOK)
	report := testutil.UnmarshalResponse[integrity.Report](t, rr)
	assert.True(t, report.TamperDetected)
}

func TestRulesCRUD(t *testing.T) {
	e := newEnv(t)

	create := map[string]any{
		"name":      "failed-logins",
		"isActive":  true,
		"condition": map[string]any{"field": "action.type", "operator": "equals", "value": "login_failed"},
		"actions":   []map[string]any{{"type": "log"}},
	}
	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/rules", create))
	testutil.AssertStatus(t, rr, http.StatusCreated)
	created := testutil.UnmarshalResponse[rules.AlertRule](t, rr)
	require.NotEmpty(t, created.ID)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/rules/"+created.ID))
	testutil.AssertStatus(t, rr, http.StatusOK)

	update := create
	update["name"] = "failed-logins-v2"
	rr = testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPut, "/rules/"+created.ID, update))
	testutil.AssertStatus(t, rr, http.StatusOK)
	updated := testutil.UnmarshalResponse[rules.AlertRule](t, rr)
	assert.Equal(t, "failed-logins-v2", updated.Name)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodDelete, "/rules/"+created.ID))
	testutil.AssertStatus(t, rr, http.StatusNoContent)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/rules/"+created.ID))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")
}

func TestCreateRuleRejectsInvalid(t *testing.T) {
	e := newEnv(t)

	create := map[string]any{
		"name":      "broken",
		"condition": map[string]any{"field": "a", "operator": "regex", "value": "("},
		"actions":   []map[string]any{{"type": "log"}},
	}
	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/rules", create))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestRetentionPoliciesAndManualRun(t *testing.T) {
	e := newEnv(t)

	rec, err := e.service.Ingest(context.Background(), audit.NewRecord{
		Timestamp: time.Now().Add(-48 * time.Hour),
		EventType: "auth",
		Severity:  audit.SeverityLow,
		Actor:     audit.Actor{ID: "u"},
		Action:    audit.Action{Type: "op"},
	})
	require.NoError(t, err)

	create := map[string]any{
		"name":                "one-day",
		"retentionPeriodDays": 1,
		"autoDelete":          true,
	}
	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/retention/policies", create))
	testutil.AssertStatus(t, rr, http.StatusCreated)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodPost, "/retention/run"))
	testutil.AssertStatus(t, rr, http.StatusOK)
	run := testutil.UnmarshalResponse[struct {
		Results []retention.PurgeResult `json:"results"`
	}](t, rr)
	require.Len(t, run.Results, 1)
	assert.Equal(t, int64(1), run.Results[0].Deleted)

	rr = testutil.DoRequest(e.router, testutil.NewRequest(t, http.MethodGet, "/audit/records/"+rec.ID))
	testutil.AssertStatus(t, rr, http.StatusNotFound)
}

func TestSubscriptionControlUnknownConnection(t *testing.T) {
	e := newEnv(t)

	rr := testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/events/subscriptions",
		map[string]string{"connectionId": "nope", "action": "ping"}))
	testutil.AssertStatusAndError(t, rr, http.StatusNotFound, "not_found")

	rr = testutil.DoRequest(e.router, testutil.NewJSONRequest(t, http.MethodPost, "/events/subscriptions",
		map[string]string{"connectionId": "nope", "action": "teleport"}))
	testutil.AssertStatusAndError(t, rr, http.StatusBadRequest, "bad_request")
}

func TestEventStreamDeliversRecords(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readEvent := func() (string, string) {
		var eventType, data string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				eventType = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && eventType != "":
				return eventType, data
			}
		}
		t.Fatal("stream closed before an event arrived")
		return "", ""
	}

	eventType, data := readEvent()
	require.Equal(t, "connected", eventType)
	assert.Contains(t, data, "connectionId")

	e.hub.PublishRecord(ctx, &audit.AuditRecord{ID: "rec-1", EventType: "auth"})

	eventType, data = readEvent()
	assert.Equal(t, "audit-event", eventType)
	assert.Contains(t, data, "rec-1")
}
