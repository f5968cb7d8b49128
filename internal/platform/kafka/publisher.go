// Package kafka mirrors stored records and alerts to Kafka for downstream
// consumers (SIEM pipelines, long-term archival). Kafka is a mirror here, not
// the source of truth: the hash chain lives in the record store.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"veritas/internal/platform/config"
)

const produceTimeout = 5 * time.Second

// Publisher produces JSON payloads to the configured topics.
type Publisher struct {
	client *kgo.Client
	cfg    config.Kafka
	logger *slog.Logger
}

// New connects to the brokers and ensures the topics exist. Returns nil if no
// brokers are configured (mirroring disabled).
func New(ctx context.Context, cfg config.Kafka, logger *slog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProduceRequestTimeout(produceTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}

	p := &Publisher{client: client, cfg: cfg, logger: logger}
	if err := p.ensureTopics(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) ensureTopics(ctx context.Context) error {
	adm := kadm.NewClient(p.client)
	for _, topic := range []string{p.cfg.RecordsTopic, p.cfg.AlertsTopic} {
		resp, err := adm.CreateTopic(ctx, p.cfg.Partitions, 1, nil, topic)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", topic, err)
		}
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", topic, resp.Err)
		}
	}
	return nil
}

// PublishRecord mirrors a stored audit record, keyed by record ID so
// consumers see a stable partition per record.
func (p *Publisher) PublishRecord(ctx context.Context, recordID string, payload any) error {
	return p.produce(ctx, p.cfg.RecordsTopic, recordID, payload)
}

// PublishAlert mirrors a triggered alert, keyed by rule ID.
func (p *Publisher) PublishAlert(ctx context.Context, ruleID string, payload any) error {
	return p.produce(ctx, p.cfg.AlertsTopic, ruleID, payload)
}

func (p *Publisher) produce(ctx context.Context, topic, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal kafka payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, produceTimeout)
	defer cancel()

	rec := &kgo.Record{Topic: topic, Key: []byte(key), Value: body}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", topic, err)
	}
	return nil
}

// Close flushes outstanding produces and releases the client.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), produceTimeout)
	defer cancel()
	_ = p.client.Flush(ctx)
	p.client.Close()
}
