package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"veritas/internal/rules"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

// RulesHandler exposes alert rule administration.
type RulesHandler struct {
	store  rules.Store
	logger *slog.Logger
}

func NewRulesHandler(store rules.Store, logger *slog.Logger) *RulesHandler {
	return &RulesHandler{store: store, logger: logger}
}

// Register mounts rule endpoints on the router.
func (h *RulesHandler) Register(r chi.Router) {
	r.Post("/rules", h.HandleCreate)
	r.Get("/rules", h.HandleList)
	r.Get("/rules/{id}", h.HandleGet)
	r.Put("/rules/{id}", h.HandleUpdate)
	r.Delete("/rules/{id}", h.HandleDelete)
}

// ruleRequest is the client-settable portion of a rule. Identity,
// statistics, and timestamps are server-assigned.
type ruleRequest struct {
	Name       string             `json:"name"`
	IsActive   bool               `json:"isActive"`
	EventTypes []string           `json:"eventTypes"`
	Severity   string             `json:"severity"`
	Condition  rules.Condition    `json:"condition"`
	Actions    []rules.ActionSpec `json:"actions"`
}

func (req *ruleRequest) toRule() *rules.AlertRule {
	return &rules.AlertRule{
		Name:       req.Name,
		IsActive:   req.IsActive,
		EventTypes: req.EventTypes,
		Severity:   req.Severity,
		Condition:  req.Condition,
		Actions:    req.Actions,
	}
}

// HandleCreate handles POST /rules.
func (h *RulesHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ruleRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rule := req.toRule()
	if err := rule.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	now := requestcontext.Now(ctx).UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	if err := h.store.Create(ctx, rule); err != nil {
		h.logger.ErrorContext(ctx, "failed to create alert rule", "rule_name", rule.Name, "error", err)
		httputil.WriteError(w, storeError(err, "rule"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rule)
}

// HandleList handles GET /rules.
func (h *RulesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*rules.AlertRule{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"rules": list, "count": len(list)})
}

// HandleGet handles GET /rules/{id}.
func (h *RulesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, storeError(err, "rule"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rule)
}

// HandleUpdate handles PUT /rules/{id}. Statistics survive updates.
func (h *RulesHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ruleRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	rule := req.toRule()
	if err := rule.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	rule.UpdatedAt = requestcontext.Now(ctx).UTC()

	if err := h.store.Update(ctx, rule); err != nil {
		httputil.WriteError(w, storeError(err, "rule"))
		return
	}

	updated, err := h.store.Get(ctx, rule.ID)
	if err != nil {
		httputil.WriteError(w, storeError(err, "rule"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// HandleDelete handles DELETE /rules/{id}.
func (h *RulesHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, storeError(err, "rule"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
