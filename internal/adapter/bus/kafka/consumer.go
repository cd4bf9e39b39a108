package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Handler processes one delivered record. Returning an error NACKs the
// record: the consumer redelivers it in-process with a doubling backoff and,
// after the redelivery budget is spent, routes it to the topic's DLQ and
// moves on.
type Handler func(ctx context.Context, key, value []byte, headers map[string]string) error

// Consumer is a group consumer over one or more topics with per-topic
// handlers. Offsets commit only after a record is handled or dead-lettered,
// so a crash mid-handling results in redelivery, never loss.
type Consumer struct {
	client       *kgo.Client
	groupID      string
	handlers     map[string]Handler
	maxRedeliver int
	retryBase    time.Duration
	ackTimeout   time.Duration

	// produce is the raw record sink used for dead-lettering.
	produce func(ctx context.Context, rec *kgo.Record) error
}

// NewConsumer constructs a Consumer subscribed to the handler map's topics.
// ackTimeout bounds each offset commit round-trip.
func NewConsumer(brokers []string, groupID string, maxRedeliver int, ackTimeout time.Duration, handlers map[string]Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=kafka.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=kafka.consumer: missing required group ID")
	}
	if len(handlers) == 0 {
		return nil, fmt.Errorf("op=kafka.consumer: no handlers registered")
	}
	topics := make([]string, 0, len(handlers))
	for t := range handlers {
		topics = append(topics, t)
	}
	slog.Info("creating kafka consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.Any("topics", topics))

	ctx := context.Background()
	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=kafka.consumer: temp client: %w", err)
	}
	for _, t := range topics {
		if err := createTopicIfNotExists(ctx, tempClient, t, 8, 1); err != nil {
			slog.Warn("failed to create topic, it may already exist",
				slog.String("topic", t), slog.Any("error", err))
		}
		if err := createTopicIfNotExists(ctx, tempClient, domain.DLQTopic(t), 1, 1); err != nil {
			slog.Warn("failed to create DLQ topic, it may already exist",
				slog.String("topic", domain.DLQTopic(t)), slog.Any("error", err))
		}
	}
	tempClient.Close()

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(kotel.TracerProvider(otel.GetTracerProvider()))),
	)
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topics...),
		kgo.WithHooks(kotelService.Hooks()...),
		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.FetchMaxWait(5 * time.Second),
		kgo.DisableAutoCommit(),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=kafka.consumer: client: %w", err)
	}
	if ackTimeout <= 0 {
		ackTimeout = 30 * time.Second
	}
	return &Consumer{
		client:       client,
		groupID:      groupID,
		handlers:     handlers,
		maxRedeliver: maxRedeliver,
		retryBase:    500 * time.Millisecond,
		ackTimeout:   ackTimeout,
		produce: func(ctx context.Context, rec *kgo.Record) error {
			return client.ProduceSync(ctx, rec).FirstErr()
		},
	}, nil
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka consumer started", slog.String("group_id", c.groupID))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			slog.Info("kafka consumer shutting down", slog.String("group_id", c.groupID))
			return ctx.Err()
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("fetch error",
				slog.String("topic", topic),
				slog.Int("partition", int(partition)),
				slog.Any("error", err))
		})
		settled := true
		fetches.EachRecord(func(rec *kgo.Record) {
			if err := c.processRecord(ctx, rec); err != nil {
				settled = false
			}
		})
		if !settled {
			// A record was neither handled nor dead-lettered. Leave the whole
			// batch uncommitted so the broker redelivers it; the inbox absorbs
			// the replays of records that did settle.
			slog.Warn("skipping offset commit, unsettled record in batch")
			continue
		}
		commitCtx, cancel := context.WithTimeout(ctx, c.ackTimeout)
		if err := c.client.CommitUncommittedOffsets(commitCtx); err != nil {
			slog.Error("offset commit failed", slog.Any("error", err))
		}
		cancel()
	}
}

// processRecord runs the handler with the redelivery budget, then
// dead-letters on exhaustion. It returns an error only when the record could
// be neither handled nor dead-lettered, in which case its offset must not be
// committed.
func (c *Consumer) processRecord(ctx context.Context, rec *kgo.Record) error {
	handler, ok := c.handlers[rec.Topic]
	if !ok {
		slog.Warn("no handler for topic, skipping", slog.String("topic", rec.Topic))
		return nil
	}
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBase
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 0; attempt <= c.maxRedeliver; attempt++ {
		if attempt > 0 {
			observability.ConsumerRedeliveriesTotal.WithLabelValues(rec.Topic).Inc()
			select {
			case <-time.After(bo.NextBackOff()):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = handler(ctx, rec.Key, rec.Value, headers)
		if lastErr == nil {
			return nil
		}
		slog.Warn("handler failed",
			slog.String("topic", rec.Topic),
			slog.Int("attempt", attempt+1),
			slog.Any("error", lastErr))
	}
	return c.deadLetter(ctx, rec, lastErr)
}

// deadLetter routes an exhausted record to the topic's DLQ. A produce failure
// propagates so the caller withholds the offset commit and the broker
// redelivers the record.
func (c *Consumer) deadLetter(ctx context.Context, rec *kgo.Record, cause error) error {
	dlq := domain.DLQTopic(rec.Topic)
	out := &kgo.Record{
		Topic:   dlq,
		Key:     rec.Key,
		Value:   rec.Value,
		Headers: append(rec.Headers, kgo.RecordHeader{Key: "dlq_reason", Value: []byte(cause.Error())}),
	}
	if err := c.produce(ctx, out); err != nil {
		slog.Error("dead-letter produce failed",
			slog.String("topic", dlq),
			slog.Any("error", err))
		return fmt.Errorf("op=kafka.dead_letter: topic %s: %w", dlq, err)
	}
	observability.ConsumerDLQTotal.WithLabelValues(rec.Topic).Inc()
	slog.Error("message dead-lettered",
		slog.String("topic", rec.Topic),
		slog.String("dlq", dlq),
		slog.Int("max_redeliver", c.maxRedeliver),
		slog.Any("error", cause))
	return nil
}

// Close closes the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
