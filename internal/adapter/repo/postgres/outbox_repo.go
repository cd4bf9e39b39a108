package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// OutboxRepo is the drainer's view of the outbox table. Rows are normally
// written by SagaRepo inside domain transactions; Add exists for services
// that emit events without a saga mutation.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// Add inserts unprocessed rows.
func (r *OutboxRepo) Add(ctx domain.Context, rows ...*domain.OutboxRow) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Add")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=outbox.add: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := insertOutbox(ctx, tx, rows); err != nil {
		return fmt.Errorf("op=outbox.add: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=outbox.add: commit: %w", err)
	}
	return nil
}

// Pending returns up to limit unprocessed rows ordered by creation time.
// SKIP LOCKED only keeps concurrent drainers apart while this transaction is
// open; once it commits the rows are fair game again, so two drainers can
// still publish the same row. That duplicate is safe because consumers dedup
// by event id.
func (r *OutboxRepo) Pending(ctx domain.Context, limit int) ([]*domain.OutboxRow, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Pending")
	defer span.End()

	if limit <= 0 {
		limit = 100
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=outbox.pending: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `SELECT id, event_kind, payload, topic, processed, created_at, processed_at
	      FROM outbox WHERE processed = false
	      ORDER BY created_at
	      LIMIT $1
	      FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.pending: %w", err)
	}
	defer rows.Close()
	var out []*domain.OutboxRow
	for rows.Next() {
		var row domain.OutboxRow
		if err := rows.Scan(&row.ID, &row.EventKind, &row.Payload, &row.Topic, &row.Processed, &row.CreatedAt, &row.ProcessedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.pending: %w", err)
		}
		out = append(out, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.pending: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=outbox.pending: commit: %w", err)
	}
	return out, nil
}

// MarkProcessed flips rows to processed in a separate transaction from the
// publish, as the outbox contract requires.
func (r *OutboxRepo) MarkProcessed(ctx domain.Context, ids []string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkProcessed")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	q := `UPDATE outbox SET processed = true, processed_at = $2 WHERE id = ANY($1)`
	if _, err := r.Pool.Exec(ctx, q, ids, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.mark_processed: %w", err)
	}
	return nil
}

// Stats returns the health snapshot served on the admin surface.
func (r *OutboxRepo) Stats(ctx domain.Context) (domain.OutboxStats, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.Stats")
	defer span.End()

	q := `SELECT
	        COUNT(*),
	        COUNT(*) FILTER (WHERE processed = false),
	        COUNT(*) FILTER (WHERE processed = true),
	        MIN(created_at) FILTER (WHERE processed = false)
	      FROM outbox`
	var st domain.OutboxStats
	if err := r.Pool.QueryRow(ctx, q).Scan(&st.Total, &st.Pending, &st.Processed, &st.OldestUnsent); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("op=outbox.stats: %w", err)
	}

	rows, err := r.Pool.Query(ctx, `SELECT event_kind, COUNT(*) FROM outbox GROUP BY event_kind`)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("op=outbox.stats: by_kind: %w", err)
	}
	defer rows.Close()
	st.ByKind = map[string]int64{}
	for rows.Next() {
		var kind string
		var n int64
		if err := rows.Scan(&kind, &n); err != nil {
			return domain.OutboxStats{}, fmt.Errorf("op=outbox.stats: by_kind: %w", err)
		}
		st.ByKind[kind] = n
	}
	if err := rows.Err(); err != nil {
		return domain.OutboxStats{}, fmt.Errorf("op=outbox.stats: by_kind: %w", err)
	}
	return st, nil
}
