// Package httptransport is the thin HTTP layer: it decodes requests,
// delegates to domain services and stores, and encodes responses. No
// business logic lives here.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"veritas/internal/hub"
	"veritas/internal/retention"
	"veritas/internal/rules"
	"veritas/pkg/platform/httputil"
)

// HealthCheck reports one dependency's liveness for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps carries everything the router mounts.
type Deps struct {
	Records   RecordService
	Integrity IntegrityService
	Rules     rules.Store
	Retention retention.Store
	Scheduler *retention.Scheduler
	Hub       *hub.Hub
	Logger    *slog.Logger
	Checks    []HealthCheck
}

// NewRouter wires all endpoints.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(RequestMetadata)
	r.Use(RequestLogger(deps.Logger))

	NewRecordsHandler(deps.Records, deps.Logger).Register(r)
	NewIntegrityHandler(deps.Integrity, deps.Logger).Register(r)
	NewRulesHandler(deps.Rules, deps.Logger).Register(r)
	NewRetentionHandler(deps.Retention, deps.Scheduler, deps.Logger).Register(r)
	NewStreamHandler(deps.Hub, deps.Logger).Register(r)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", healthHandler(deps.Checks))
	return r
}

func healthHandler(checks []HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]string{"status": "ok"}
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
				body[c.Name] = err.Error()
			} else {
				body[c.Name] = "ok"
			}
		}
		httputil.WriteJSON(w, status, body)
	}
}
