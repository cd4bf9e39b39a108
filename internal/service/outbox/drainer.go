// Package outbox implements the transactional outbox drainer: a polling loop
// that moves committed outbox rows onto the event bus and marks them
// processed in a separate transaction.
package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Drainer polls the outbox and publishes pending rows in creation order.
// Publish failures leave the row untouched for the next tick, so delivery is
// at-least-once and consumers dedup by event id.
type Drainer struct {
	repo      domain.OutboxRepository
	bus       domain.EventBus
	batchSize int

	pollInterval   time.Duration
	maxIdleBackoff time.Duration
}

// NewDrainer wires a drainer. The idle backoff doubles from pollInterval up
// to maxIdleBackoff on consecutive empty cycles and resets on work.
func NewDrainer(repo domain.OutboxRepository, bus domain.EventBus, batchSize int, pollInterval, maxIdleBackoff time.Duration) *Drainer {
	if batchSize <= 0 {
		batchSize = 100
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if maxIdleBackoff < pollInterval {
		maxIdleBackoff = 10 * time.Second
	}
	return &Drainer{
		repo:           repo,
		bus:            bus,
		batchSize:      batchSize,
		pollInterval:   pollInterval,
		maxIdleBackoff: maxIdleBackoff,
	}
}

// Run drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) error {
	slog.Info("outbox drainer started",
		slog.Int("batch_size", d.batchSize),
		slog.Duration("poll_interval", d.pollInterval))

	wait := d.pollInterval
	for {
		published, err := d.DrainOnce(ctx)
		switch {
		case err != nil:
			slog.Error("outbox drain cycle failed", slog.Any("error", err))
			wait = doubled(wait, d.maxIdleBackoff)
		case published == 0:
			wait = doubled(wait, d.maxIdleBackoff)
		default:
			wait = d.pollInterval
		}

		select {
		case <-ctx.Done():
			slog.Info("outbox drainer stopping")
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// DrainOnce runs a single cycle and returns how many rows were published.
// The batch stops at the first publish failure to preserve per-aggregate
// order for rows behind the failed one.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	rows, err := d.repo.Pending(ctx, d.batchSize)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		observability.OutboxPendingGauge.Set(0)
		return 0, nil
	}

	var done []string
	for _, row := range rows {
		key, props := routing(row)
		if err := d.bus.Publish(ctx, row.Topic, key, row.Payload, props); err != nil {
			observability.OutboxPublishFailures.Inc()
			slog.Warn("outbox publish failed, row left for retry",
				slog.String("outbox_id", row.ID),
				slog.String("topic", row.Topic),
				slog.Any("error", err))
			break
		}
		done = append(done, row.ID)
	}
	if len(done) > 0 {
		if err := d.repo.MarkProcessed(ctx, done); err != nil {
			// Rows were published but not flipped: they will publish again.
			return len(done), err
		}
	}
	observability.OutboxPendingGauge.Set(float64(len(rows) - len(done)))
	return len(done), nil
}

// routing derives the partition key and broker properties from the row. The
// key is the domain aggregate id so per-aggregate order survives the bus:
// saga events key on saga id, payment events on payment id, campaign events
// on campaign id, tracking commands on affiliate.
func routing(row *domain.OutboxRow) (string, map[string]string) {
	props := map[string]string{
		"event_type":     row.EventKind,
		"schema_version": domain.EnvelopeSchemaVersion,
	}
	var env domain.Envelope
	if err := json.Unmarshal(row.Payload, &env); err != nil {
		return row.ID, props
	}
	if env.EventType != "" {
		props["event_type"] = env.EventType
	}
	var data map[string]any
	_ = json.Unmarshal(env.Data, &data)
	for _, field := range []string{"saga_id", "id_pago", "id", "affiliate"} {
		if v, ok := data[field].(string); ok && v != "" {
			props["aggregate_id"] = v
			return v, props
		}
	}
	return row.ID, props
}

func doubled(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
