package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"veritas/internal/integrity"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
)

// IntegrityService defines the verification operations the HTTP layer needs.
type IntegrityService interface {
	VerifyRecord(ctx context.Context, id string) (integrity.Report, error)
	VerifyChain(ctx context.Context, from, to int64) (integrity.ChainReport, error)
}

// IntegrityHandler exposes tamper verification endpoints.
type IntegrityHandler struct {
	service IntegrityService
	logger  *slog.Logger
}

func NewIntegrityHandler(service IntegrityService, logger *slog.Logger) *IntegrityHandler {
	return &IntegrityHandler{service: service, logger: logger}
}

// Register mounts integrity endpoints on the router.
func (h *IntegrityHandler) Register(r chi.Router) {
	r.Get("/integrity/verify", h.HandleVerifyRecord)
	r.Get("/integrity/verify-chain", h.HandleVerifyChain)
}

// HandleVerifyRecord handles GET /integrity/verify?recordId=...
func (h *IntegrityHandler) HandleVerifyRecord(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("recordId")
	if id == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "recordId is required"))
		return
	}
	report, err := h.service.VerifyRecord(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

// HandleVerifyChain handles GET /integrity/verify-chain. Optional from/to bound
// the verified sequence range; to omitted or 0 means through the head.
func (h *IntegrityHandler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	from, err := parseSeqParam(r.URL.Query().Get("from"), 1)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	to, err := parseSeqParam(r.URL.Query().Get("to"), 0)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	report, err := h.service.VerifyChain(r.Context(), from, to)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "chain verification failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

func parseSeqParam(s string, fallback int64) (int64, error) {
	if s == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, dErrors.Newf(dErrors.CodeBadRequest, "%q is not a valid sequence number", s)
	}
	return n, nil
}
