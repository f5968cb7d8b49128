package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	platformredis "veritas/internal/platform/redis"
)

const bridgeChannel = "veritas.hub.events"

// bridgeEnvelope carries an event across instances. Origin lets each
// instance drop its own echoes.
type bridgeEnvelope struct {
	Origin    string    `json:"origin"`
	Type      string    `json:"type"`
	Topics    []string  `json:"topics"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisBridge relays hub events between instances over a Redis pub/sub
// channel so subscribers see events regardless of which instance ingested
// them.
type RedisBridge struct {
	client     *platformredis.Client
	hub        *Hub
	instanceID string
	logger     *slog.Logger
}

// NewRedisBridge wires the hub to Redis and installs itself as the hub's
// relay. A nil client returns a nil bridge: single-instance operation.
func NewRedisBridge(client *platformredis.Client, hub *Hub, logger *slog.Logger) *RedisBridge {
	if client == nil {
		return nil
	}
	bridge := &RedisBridge{
		client:     client,
		hub:        hub,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
	hub.SetRelay(bridge.publish)
	return bridge
}

func (b *RedisBridge) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(bridgeEnvelope{
		Origin:    b.instanceID,
		Type:      event.Type,
		Topics:    event.topics,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		b.logger.WarnContext(ctx, "failed to encode bridge event", "error", err)
		return
	}
	if err := b.client.Publish(ctx, bridgeChannel, payload).Err(); err != nil {
		b.logger.WarnContext(ctx, "failed to relay hub event to redis", "error", err)
	}
}

// Run consumes remote events until ctx is cancelled. Events originating
// from this instance are dropped; everything else is delivered to local
// subscribers only, never relayed again.
func (b *RedisBridge) Run(ctx context.Context) error {
	sub := b.client.Subscribe(ctx, bridgeChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var envelope bridgeEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("dropping malformed bridge event", "error", err)
				continue
			}
			if envelope.Origin == b.instanceID {
				continue
			}
			ev := Event{
				Type:      envelope.Type,
				Data:      envelope.Data,
				Timestamp: envelope.Timestamp,
				topics:    envelope.Topics,
			}
			if len(ev.topics) > 0 {
				ev.Topic = ev.topics[0]
			}
			b.hub.publishLocal(ev)
		}
	}
}
