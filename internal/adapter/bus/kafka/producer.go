// Package kafka provides the event bus client on franz-go.
//
// It implements publish with per-key partitioning and a group consumer with
// in-process redelivery and dead-letter routing. At-least-once delivery is
// the contract; exactly-once is the handler's job via the inbox.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Producer wraps a Kafka producer and implements domain.EventBus.
type Producer struct {
	client      *kgo.Client
	sendTimeout time.Duration
}

// NewProducer constructs a Producer and ensures the given topics exist.
func NewProducer(brokers []string, sendTimeout time.Duration, topics ...string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.producer: no seed brokers provided")
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	slog.Info("creating kafka producer", slog.Any("brokers", brokers))

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.producer: client: %w", err)
	}

	ctx := context.Background()
	for _, t := range topics {
		if err := createTopicIfNotExists(ctx, client, t, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", t), slog.Any("error", err))
		}
	}
	return &Producer{client: client, sendTimeout: sendTimeout}, nil
}

// Publish produces one record, blocking up to the send timeout. Properties
// become record headers so consumers can filter without decoding the value.
func (p *Producer) Publish(ctx domain.Context, topic, key string, payload []byte, properties map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, p.sendTimeout)
	defer cancel()

	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: payload,
	}
	for k, v := range properties {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=kafka.publish: topic %s: %w", topic, err)
	}
	slog.Debug("event published",
		slog.String("topic", topic),
		slog.String("key", key),
		slog.Int("bytes", len(payload)))
	observability.OutboxPublishedTotal.WithLabelValues(topic).Inc()
	return nil
}

// Close closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
