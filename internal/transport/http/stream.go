package httptransport

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"veritas/internal/hub"
	dErrors "veritas/pkg/domain-errors"
	"veritas/pkg/platform/httputil"
)

// StreamHandler adapts the distribution hub to Server-Sent Events. Each
// stream is one hub connection; subscriptions are managed out of band via
// the control endpoint, keyed by the connection ID announced on connect.
type StreamHandler struct {
	hub    *hub.Hub
	logger *slog.Logger
}

func NewStreamHandler(h *hub.Hub, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{hub: h, logger: logger}
}

// Register mounts streaming endpoints on the router.
func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/events/stream", h.HandleStream)
	r.Post("/events/subscriptions", h.HandleControl)
}

// HandleStream handles GET /events/stream. The first event announces the
// connection ID; subsequent events follow the connection's subscriptions.
// Optional repeated topic query parameters narrow the subscription up
// front.
func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "streaming unsupported by client connection"))
		return
	}

	conn := h.hub.Connect()
	defer h.hub.Disconnect(conn.ID)

	for _, topic := range r.URL.Query()["topic"] {
		h.hub.Subscribe(conn.ID, topic)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeSSE(w, "connected", map[string]string{"connectionId": conn.ID})
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-conn.C:
			if !open {
				// Hub disconnected us: idle timeout or overflow.
				return
			}
			writeSSE(w, event.Type, event)
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
}

// controlRequest manages one live connection's subscriptions.
type controlRequest struct {
	ConnectionID string `json:"connectionId"`
	Action       string `json:"action"`
	Topic        string `json:"topic,omitempty"`
}

// HandleControl handles POST /events/subscriptions with
// {connectionId, action, topic}: subscribe, unsubscribe, or ping.
func (h *StreamHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := httputil.Decode(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if req.ConnectionID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "connectionId is required"))
		return
	}

	var ok bool
	switch req.Action {
	case "subscribe":
		if req.Topic == "" {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "topic is required to subscribe"))
			return
		}
		ok = h.hub.Subscribe(req.ConnectionID, req.Topic)
	case "unsubscribe":
		if req.Topic == "" {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "topic is required to unsubscribe"))
			return
		}
		ok = h.hub.Unsubscribe(req.ConnectionID, req.Topic)
	case "ping":
		ok = h.hub.Ping(req.ConnectionID)
	default:
		httputil.WriteError(w, dErrors.Newf(dErrors.CodeBadRequest, "unknown action %q", req.Action))
		return
	}

	if !ok {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "connection not found"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
