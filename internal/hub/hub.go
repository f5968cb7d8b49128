// Package hub fans audit events out to live subscribers. Connections hold a
// bounded delivery queue; a subscriber that cannot keep up is disconnected
// rather than allowed to stall the rest.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"veritas/internal/audit"
	"veritas/internal/platform/config"
	"veritas/internal/platform/metrics"
	"veritas/internal/retention"
	"veritas/internal/rules"
)

// TopicAll delivers every event regardless of topic.
const TopicAll = "all"

const (
	TopicRecords = "audit-records"
	TopicAlerts  = "alerts"
	TopicStats   = "stats-update"
)

// Event is one message delivered to subscribers. Topic names the primary
// channel the event was published on.
type Event struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// topics are the matching keys for subscription fan-out. Record events
	// carry both the records topic and the record's own event type.
	topics []string
}

// NewEvent builds an event deliverable on the given topics.
func NewEvent(eventType string, data any, topics ...string) Event {
	ev := Event{Type: eventType, Data: data, Timestamp: time.Now().UTC(), topics: topics}
	if len(topics) > 0 {
		ev.Topic = topics[0]
	}
	return ev
}

// Conn is one subscriber connection. Events arrive on C; when the hub
// disconnects the connection, C is closed.
type Conn struct {
	ID string
	C  <-chan Event

	ch         chan Event
	topics     map[string]struct{}
	lastActive time.Time
}

func (c *Conn) subscribedTo(topics []string) bool {
	if _, ok := c.topics[TopicAll]; ok {
		return true
	}
	for _, t := range topics {
		if _, ok := c.topics[t]; ok {
			return true
		}
	}
	return false
}

// Hub owns the connection registry. All state lives behind the mutex; there
// are no package-level registries.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	queueSize     int
	idleTimeout   time.Duration
	sweepInterval time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics

	// relay mirrors every locally published event to other instances.
	// Nil means single-instance operation.
	relay func(ctx context.Context, event Event)
}

// New builds a hub from configuration.
func New(cfg config.Hub, logger *slog.Logger, m *metrics.Metrics) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		conns:         make(map[string]*Conn),
		queueSize:     queueSize,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		logger:        logger,
		metrics:       m,
	}
}

// SetRelay installs a cross-instance relay. Must be called before Run.
func (h *Hub) SetRelay(relay func(ctx context.Context, event Event)) {
	h.relay = relay
}

// Connect registers a new connection subscribed to all topics.
func (h *Hub) Connect() *Conn {
	conn := &Conn{
		ID:         uuid.NewString(),
		ch:         make(chan Event, h.queueSize),
		topics:     map[string]struct{}{TopicAll: {}},
		lastActive: time.Now(),
	}
	conn.C = conn.ch

	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()

	h.metrics.HubConnections.Inc()
	h.logger.Debug("hub connection opened", "conn_id", conn.ID)
	return conn
}

// Disconnect removes the connection and closes its event channel.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	conn, ok := h.conns[id]
	if ok {
		delete(h.conns, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	close(conn.ch)
	h.metrics.HubConnections.Dec()
	h.logger.Debug("hub connection closed", "conn_id", id)
}

// Subscribe narrows the connection to explicit topics. The first Subscribe
// replaces the implicit all-topics subscription.
func (h *Hub) Subscribe(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	if topic != TopicAll {
		delete(conn.topics, TopicAll)
	}
	conn.topics[topic] = struct{}{}
	conn.lastActive = time.Now()
	return true
}

// Unsubscribe removes one topic from the connection.
func (h *Hub) Unsubscribe(id, topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	delete(conn.topics, topic)
	conn.lastActive = time.Now()
	return true
}

// Touch marks the connection active. Ping control messages route here.
func (h *Hub) Touch(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	conn.lastActive = time.Now()
	return true
}

// Ping answers a connection's ping with a pong event and counts the
// exchange as activity.
func (h *Hub) Ping(id string) bool {
	if !h.Touch(id) {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[id]
	if !ok {
		return false
	}
	// Sends happen under the read lock so Disconnect cannot close the
	// channel mid-send.
	select {
	case conn.ch <- NewEvent("pong", nil):
	default:
	}
	return true
}

// Publish fans the event out to matching subscribers and mirrors it to the
// relay. Delivery is non-blocking: a full queue disconnects that
// subscriber only.
func (h *Hub) Publish(ctx context.Context, event Event) {
	h.publishLocal(event)
	if h.relay != nil {
		h.relay(ctx, event)
	}
}

func (h *Hub) publishLocal(event Event) {
	h.metrics.HubPublished.WithLabelValues(event.Type).Inc()

	h.mu.RLock()
	var overflowed []string
	for _, conn := range h.conns {
		if !conn.subscribedTo(event.topics) {
			continue
		}
		select {
		case conn.ch <- event:
		default:
			overflowed = append(overflowed, conn.ID)
		}
	}
	h.mu.RUnlock()

	for _, id := range overflowed {
		h.metrics.HubDropped.Inc()
		h.logger.Warn("hub subscriber too slow, disconnecting", "conn_id", id)
		h.Disconnect(id)
	}
}

// PublishRecord implements audit.Observer: every stored record is delivered
// on the records topic and on its own event type.
func (h *Hub) PublishRecord(ctx context.Context, record *audit.AuditRecord) {
	h.Publish(ctx, NewEvent("audit-event", record, TopicRecords, record.EventType))
}

// RecordStored implements audit.Observer.
func (h *Hub) RecordStored(ctx context.Context, record *audit.AuditRecord) {
	h.PublishRecord(ctx, record)
}

// PublishAlert implements rules.AlertSink.
func (h *Hub) PublishAlert(ctx context.Context, alert rules.Alert) {
	h.Publish(ctx, NewEvent("alert", alert, TopicAlerts))
}

// PublishPurge implements retention.StatsSink.
func (h *Hub) PublishPurge(ctx context.Context, result retention.PurgeResult) {
	h.Publish(ctx, NewEvent("stats-update", result, TopicStats))
}

// Run sweeps idle connections until ctx is cancelled. Connections silent
// for longer than the idle timeout are disconnected; pings reset the clock.
func (h *Hub) Run(ctx context.Context) {
	if h.idleTimeout <= 0 || h.sweepInterval <= 0 {
		<-ctx.Done()
		h.closeAll()
		return
	}
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.sweepIdle()
		}
	}
}

func (h *Hub) sweepIdle() {
	deadline := time.Now().Add(-h.idleTimeout)

	h.mu.RLock()
	var idle []string
	for id, conn := range h.conns {
		if conn.lastActive.Before(deadline) {
			idle = append(idle, id)
		}
	}
	h.mu.RUnlock()

	for _, id := range idle {
		h.logger.Info("hub connection idle, disconnecting", "conn_id", id)
		h.Disconnect(id)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Conn)
	h.mu.Unlock()
	for _, conn := range conns {
		close(conn.ch)
		h.metrics.HubConnections.Dec()
	}
}
