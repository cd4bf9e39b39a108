package postgres

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// InboxRepo records handled external events per consumer, giving handlers
// exactly-once semantics on top of at-least-once delivery.
type InboxRepo struct{ Pool PgxPool }

// NewInboxRepo constructs an InboxRepo with the given pool.
func NewInboxRepo(p PgxPool) *InboxRepo { return &InboxRepo{Pool: p} }

// Seen reports whether (consumer, event id) was already processed.
func (r *InboxRepo) Seen(ctx domain.Context, consumer, eventID string) (bool, error) {
	tracer := otel.Tracer("repo.inbox")
	ctx, span := tracer.Start(ctx, "inbox.Seen")
	defer span.End()

	var n int
	q := `SELECT COUNT(*) FROM inbox WHERE consumer = $1 AND event_id = $2`
	if err := r.Pool.QueryRow(ctx, q, consumer, eventID).Scan(&n); err != nil {
		return false, fmt.Errorf("op=inbox.seen: %w", err)
	}
	return n > 0, nil
}

// SeenOrMark atomically inserts (consumer, event id) and reports whether the
// pair already existed. ON CONFLICT DO NOTHING keeps concurrent redeliveries
// from racing: exactly one caller observes seen=false.
func (r *InboxRepo) SeenOrMark(ctx domain.Context, row *domain.InboxRow) (bool, error) {
	tracer := otel.Tracer("repo.inbox")
	ctx, span := tracer.Start(ctx, "inbox.SeenOrMark")
	defer span.End()

	q := `INSERT INTO inbox (consumer, event_id, event_kind, payload, processed_at)
	      VALUES ($1,$2,$3,$4,$5)
	      ON CONFLICT (consumer, event_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, row.Consumer, row.EventID, row.EventKind, row.Payload, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=inbox.seen_or_mark: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}
