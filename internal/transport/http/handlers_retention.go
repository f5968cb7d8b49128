package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"veritas/internal/retention"
	"veritas/pkg/platform/httputil"
	"veritas/pkg/requestcontext"
)

// RetentionHandler exposes retention policy administration and the manual
// purge trigger.
type RetentionHandler struct {
	store     retention.Store
	scheduler *retention.Scheduler
	logger    *slog.Logger
}

func NewRetentionHandler(store retention.Store, scheduler *retention.Scheduler, logger *slog.Logger) *RetentionHandler {
	return &RetentionHandler{store: store, scheduler: scheduler, logger: logger}
}

// Register mounts retention endpoints on the router.
func (h *RetentionHandler) Register(r chi.Router) {
	r.Post("/retention/policies", h.HandleCreate)
	r.Get("/retention/policies", h.HandleList)
	r.Get("/retention/policies/{id}", h.HandleGet)
	r.Put("/retention/policies/{id}", h.HandleUpdate)
	r.Delete("/retention/policies/{id}", h.HandleDelete)
	r.Post("/retention/run", h.HandleRun)
}

// policyRequest is the client-settable portion of a policy.
type policyRequest struct {
	Name                string   `json:"name"`
	RetentionPeriodDays int      `json:"retentionPeriodDays"`
	Frameworks          []string `json:"frameworks"`
	EventTypes          []string `json:"eventTypes"`
	AutoDelete          bool     `json:"autoDelete"`
}

func (req *policyRequest) toPolicy() *retention.RetentionPolicy {
	return &retention.RetentionPolicy{
		Name:                req.Name,
		RetentionPeriodDays: req.RetentionPeriodDays,
		Frameworks:          req.Frameworks,
		EventTypes:          req.EventTypes,
		AutoDelete:          req.AutoDelete,
	}
}

// HandleCreate handles POST /retention/policies.
func (h *RetentionHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req policyRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	policy := req.toPolicy()
	if err := policy.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	now := requestcontext.Now(ctx).UTC()
	policy.ID = uuid.NewString()
	policy.CreatedAt = now
	policy.UpdatedAt = now

	if err := h.store.Create(ctx, policy); err != nil {
		h.logger.ErrorContext(ctx, "failed to create retention policy", "policy_name", policy.Name, "error", err)
		httputil.WriteError(w, storeError(err, "retention policy"))
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, policy)
}

// HandleList handles GET /retention/policies.
func (h *RetentionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if list == nil {
		list = []*retention.RetentionPolicy{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"policies": list, "count": len(list)})
}

// HandleGet handles GET /retention/policies/{id}.
func (h *RetentionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	policy, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, storeError(err, "retention policy"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, policy)
}

// HandleUpdate handles PUT /retention/policies/{id}.
func (h *RetentionHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req policyRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}

	policy := req.toPolicy()
	if err := policy.Validate(); err != nil {
		httputil.WriteError(w, err)
		return
	}
	policy.ID = chi.URLParam(r, "id")
	policy.UpdatedAt = requestcontext.Now(ctx).UTC()

	if err := h.store.Update(ctx, policy); err != nil {
		httputil.WriteError(w, storeError(err, "retention policy"))
		return
	}

	updated, err := h.store.Get(ctx, policy.ID)
	if err != nil {
		httputil.WriteError(w, storeError(err, "retention policy"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, updated)
}

// HandleDelete handles DELETE /retention/policies/{id}.
func (h *RetentionHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		httputil.WriteError(w, storeError(err, "retention policy"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRun handles POST /retention/run: an immediate pass over all
// policies, outside the scheduler's interval.
func (h *RetentionHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	results, err := h.scheduler.RunOnce(ctx, requestcontext.Now(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "manual retention run failed", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}
