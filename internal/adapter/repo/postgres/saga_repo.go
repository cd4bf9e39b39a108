package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// SagaRepo persists sagas with their steps and compensations. Writes that
// carry outbox rows commit both in one transaction, so a state transition and
// its announcement are atomic.
type SagaRepo struct{ Pool PgxPool }

// NewSagaRepo constructs a SagaRepo with the given pool.
func NewSagaRepo(p PgxPool) *SagaRepo { return &SagaRepo{Pool: p} }

// Create inserts a new saga, its pre-enumerated steps, and any outbox rows.
func (r *SagaRepo) Create(ctx domain.Context, sg *domain.Saga, outbox []*domain.OutboxRow) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("saga.type", sg.Type),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=saga.create: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO sagas (id, type, state, initial_payload, started_at, ended_at, error_message, timeout_minutes, version)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,1)`
	if _, err := tx.Exec(ctx, q, sg.ID, sg.Type, sg.State, sg.InitialPayload, sg.StartedAt, sg.EndedAt, sg.ErrorMessage, sg.TimeoutMinutes); err != nil {
		return fmt.Errorf("op=saga.create: %w", err)
	}
	for i, st := range sg.Steps {
		sq := `INSERT INTO saga_steps (id, saga_id, position, kind, input, result, success, error, executed_at)
		       VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
		if _, err := tx.Exec(ctx, sq, st.ID, sg.ID, i, st.Kind, st.Input, st.Result, st.Success, st.Error, nullTime(st.ExecutedAt)); err != nil {
			return fmt.Errorf("op=saga.create: step %s: %w", st.ID, err)
		}
	}
	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return fmt.Errorf("op=saga.create: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=saga.create: commit: %w", err)
	}
	sg.Version = 1
	return nil
}

// Update rewrites the saga row plus every step and compensation, guarded by
// the version column. A stale version means another worker got there first;
// the caller reloads and retries.
func (r *SagaRepo) Update(ctx domain.Context, sg *domain.Saga, outbox []*domain.OutboxRow) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Update")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("saga.state", string(sg.State)),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=saga.update: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `UPDATE sagas SET state=$2, ended_at=$3, error_message=$4, version=version+1
	      WHERE id=$1 AND version=$5`
	tag, err := tx.Exec(ctx, q, sg.ID, sg.State, sg.EndedAt, sg.ErrorMessage, sg.Version)
	if err != nil {
		return fmt.Errorf("op=saga.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.update: saga %s version %d: %w", sg.ID, sg.Version, domain.ErrConflict)
	}
	for i, st := range sg.Steps {
		sq := `INSERT INTO saga_steps (id, saga_id, position, kind, input, result, success, error, executed_at)
		       VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		       ON CONFLICT (id) DO UPDATE SET result=EXCLUDED.result, success=EXCLUDED.success, error=EXCLUDED.error, executed_at=EXCLUDED.executed_at`
		if _, err := tx.Exec(ctx, sq, st.ID, sg.ID, i, st.Kind, st.Input, st.Result, st.Success, st.Error, nullTime(st.ExecutedAt)); err != nil {
			return fmt.Errorf("op=saga.update: step %s: %w", st.ID, err)
		}
	}
	for i, c := range sg.Compensations {
		cq := `INSERT INTO saga_compensations (id, saga_id, step_id, position, kind, input, result, success, error, executed_at)
		       VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		       ON CONFLICT (id) DO UPDATE SET result=EXCLUDED.result, success=EXCLUDED.success, error=EXCLUDED.error, executed_at=EXCLUDED.executed_at`
		if _, err := tx.Exec(ctx, cq, c.ID, sg.ID, c.StepID, i, c.Kind, c.Input, c.Result, c.Success, c.Error, nullTime(c.ExecutedAt)); err != nil {
			return fmt.Errorf("op=saga.update: compensation %s: %w", c.ID, err)
		}
	}
	if err := insertOutbox(ctx, tx, outbox); err != nil {
		return fmt.Errorf("op=saga.update: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=saga.update: commit: %w", err)
	}
	sg.Version++
	return nil
}

// Get loads a saga with its steps and compensations.
func (r *SagaRepo) Get(ctx domain.Context, id string) (*domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Get")
	defer span.End()

	q := `SELECT id, type, state, initial_payload, started_at, ended_at, COALESCE(error_message,''), timeout_minutes, version
	      FROM sagas WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	sg, err := scanSaga(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=saga.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=saga.get: %w", err)
	}
	if err := r.loadChildren(ctx, sg); err != nil {
		return nil, fmt.Errorf("op=saga.get: %w", err)
	}
	return sg, nil
}

// List returns sagas matching the filter, most recent first, without their
// steps loaded (listing is a dashboard concern).
func (r *SagaRepo) List(ctx domain.Context, f domain.SagaListFilter) ([]*domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.List")
	defer span.End()

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT id, type, state, initial_payload, started_at, ended_at, COALESCE(error_message,''), timeout_minutes, version
	      FROM sagas
	      WHERE ($1 = '' OR state = $1) AND ($2 = '' OR type = $2)
	      ORDER BY started_at DESC
	      LIMIT $3 OFFSET $4`
	rows, err := r.Pool.Query(ctx, q, string(f.State), f.Type, limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("op=saga.list: %w", err)
	}
	defer rows.Close()
	var out []*domain.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("op=saga.list: %w", err)
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// ListExpired returns non-terminal sagas whose timeout elapsed before now.
func (r *SagaRepo) ListExpired(ctx domain.Context, now time.Time) ([]*domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.ListExpired")
	defer span.End()

	q := `SELECT id, type, state, initial_payload, started_at, ended_at, COALESCE(error_message,''), timeout_minutes, version
	      FROM sagas
	      WHERE state NOT IN ('COMPLETED','FAILED','COMPENSATED','TIMED_OUT')
	        AND started_at + (timeout_minutes || ' minutes')::interval < $1`
	rows, err := r.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, fmt.Errorf("op=saga.list_expired: %w", err)
	}
	defer rows.Close()
	var out []*domain.Saga
	for rows.Next() {
		sg, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("op=saga.list_expired: %w", err)
		}
		out = append(out, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=saga.list_expired: %w", err)
	}
	for _, sg := range out {
		if err := r.loadChildren(ctx, sg); err != nil {
			return nil, fmt.Errorf("op=saga.list_expired: %w", err)
		}
	}
	return out, nil
}

// FindByPaymentID resolves the saga whose payment step recorded the given
// payment id, used to route async payment outcomes.
func (r *SagaRepo) FindByPaymentID(ctx domain.Context, paymentID string) (*domain.Saga, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.FindByPaymentID")
	defer span.End()

	q := `SELECT saga_id FROM saga_steps WHERE kind='PROCESS_PAYMENT' AND result->>'id_pago' = $1 LIMIT 1`
	var sagaID string
	if err := r.Pool.QueryRow(ctx, q, paymentID).Scan(&sagaID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=saga.find_by_payment: payment %s: %w", paymentID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=saga.find_by_payment: %w", err)
	}
	return r.Get(ctx, sagaID)
}

// Delete removes a saga and its children. Test-only cleanup path.
func (r *SagaRepo) Delete(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.Delete")
	defer span.End()

	tag, err := r.Pool.Exec(ctx, `DELETE FROM sagas WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("op=saga.delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=saga.delete: %w", domain.ErrNotFound)
	}
	return nil
}

// DeleteEndedBefore removes terminal sagas older than cutoff. Steps and
// compensations go with them via ON DELETE CASCADE.
func (r *SagaRepo) DeleteEndedBefore(ctx domain.Context, cutoff time.Time) (int64, error) {
	tracer := otel.Tracer("repo.sagas")
	ctx, span := tracer.Start(ctx, "sagas.DeleteEndedBefore")
	defer span.End()

	q := `DELETE FROM sagas WHERE ended_at IS NOT NULL AND ended_at < $1
	      AND state IN ('COMPLETED','FAILED','COMPENSATED','TIMED_OUT')`
	tag, err := r.Pool.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, fmt.Errorf("op=saga.delete_ended: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *SagaRepo) loadChildren(ctx domain.Context, sg *domain.Saga) error {
	sq := `SELECT id, kind, input, result, success, COALESCE(error,''), executed_at
	       FROM saga_steps WHERE saga_id=$1 ORDER BY position`
	rows, err := r.Pool.Query(ctx, sq, sg.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	sg.Steps = nil
	for rows.Next() {
		var st domain.Step
		var executedAt *time.Time
		if err := rows.Scan(&st.ID, &st.Kind, &st.Input, &st.Result, &st.Success, &st.Error, &executedAt); err != nil {
			return err
		}
		if executedAt != nil {
			st.ExecutedAt = *executedAt
		}
		sg.Steps = append(sg.Steps, &st)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	cq := `SELECT id, step_id, kind, input, result, success, COALESCE(error,''), executed_at
	       FROM saga_compensations WHERE saga_id=$1 ORDER BY position`
	crows, err := r.Pool.Query(ctx, cq, sg.ID)
	if err != nil {
		return err
	}
	defer crows.Close()
	sg.Compensations = nil
	for crows.Next() {
		var c domain.Compensation
		var executedAt *time.Time
		if err := crows.Scan(&c.ID, &c.StepID, &c.Kind, &c.Input, &c.Result, &c.Success, &c.Error, &executedAt); err != nil {
			return err
		}
		if executedAt != nil {
			c.ExecutedAt = *executedAt
		}
		sg.Compensations = append(sg.Compensations, &c)
	}
	return crows.Err()
}

func scanSaga(row pgx.Row) (*domain.Saga, error) {
	var sg domain.Saga
	if err := row.Scan(&sg.ID, &sg.Type, &sg.State, &sg.InitialPayload, &sg.StartedAt, &sg.EndedAt, &sg.ErrorMessage, &sg.TimeoutMinutes, &sg.Version); err != nil {
		return nil, err
	}
	return &sg, nil
}

func insertOutbox(ctx domain.Context, tx pgx.Tx, rows []*domain.OutboxRow) error {
	for _, row := range rows {
		q := `INSERT INTO outbox (id, event_kind, payload, topic, processed, created_at)
		      VALUES ($1,$2,$3,$4,false,$5)`
		if _, err := tx.Exec(ctx, q, row.ID, row.EventKind, row.Payload, row.Topic, row.CreatedAt); err != nil {
			return fmt.Errorf("outbox %s: %w", row.ID, err)
		}
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
