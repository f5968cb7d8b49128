package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"veritas/internal/audit"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

// RecordService defines the record operations the HTTP layer needs.
type RecordService interface {
	Ingest(ctx context.Context, input audit.NewRecord) (*audit.AuditRecord, error)
	Get(ctx context.Context, id string) (*audit.AuditRecord, error)
	Query(ctx context.Context, filter audit.Filter) ([]*audit.AuditRecord, error)
}

// RecordsHandler wires record ingestion and read-back endpoints.
type RecordsHandler struct {
	service RecordService
	logger  *slog.Logger
}

func NewRecordsHandler(service RecordService, logger *slog.Logger) *RecordsHandler {
	return &RecordsHandler{service: service, logger: logger}
}

// Register mounts record endpoints on the router.
func (h *RecordsHandler) Register(r chi.Router) {
	r.Post("/audit/records", h.HandleIngest)
	r.Get("/audit/records", h.HandleQuery)
	r.Get("/audit/records/{id}", h.HandleGet)
}

// HandleIngest handles POST /audit/records.
func (h *RecordsHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var input audit.NewRecord
	if err := httputil.Decode(r, &input); err != nil {
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.Ingest(ctx, input)
	if err != nil {
		h.logger.ErrorContext(ctx, "record ingestion failed",
			"request_id", requestcontext.RequestID(ctx),
			"event_type", input.EventType,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

// HandleGet handles GET /audit/records/{id}.
func (h *RecordsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// HandleQuery handles GET /audit/records with filter query parameters.
func (h *RecordsHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	records, err := h.service.Query(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if records == nil {
		records = []*audit.AuditRecord{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	filter := audit.Filter{
		EventTypes: q["eventType"],
		ActorID:    q.Get("actorId"),
		Framework:  q.Get("framework"),
	}

	for _, s := range q["severity"] {
		sev := audit.Severity(s)
		if !sev.IsValid() {
			return audit.Filter{}, dErrors.Newf(dErrors.CodeBadRequest, "severity %q is not one of low, medium, high, critical", s)
		}
		filter.Severities = append(filter.Severities, sev)
	}

	var err error
	if filter.From, err = parseTimeParam(q.Get("from")); err != nil {
		return audit.Filter{}, err
	}
	if filter.To, err = parseTimeParam(q.Get("to")); err != nil {
		return audit.Filter{}, err
	}
	if filter.Limit, err = parseIntParam(q.Get("limit")); err != nil {
		return audit.Filter{}, err
	}
	if filter.Offset, err = parseIntParam(q.Get("offset")); err != nil {
		return audit.Filter{}, err
	}
	return filter, nil
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "timestamp %q is not RFC 3339", s)
	}
	return &t, nil
}

func parseIntParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%q is not a non-negative integer", s)
	}
	return n, nil
}
