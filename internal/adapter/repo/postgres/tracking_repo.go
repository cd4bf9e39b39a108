package postgres

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// TrackingEventRepo persists collector events across their pipeline states so
// FAILED events survive for an admin retry.
type TrackingEventRepo struct{ Pool PgxPool }

// NewTrackingEventRepo constructs the repo with the given pool.
func NewTrackingEventRepo(p PgxPool) *TrackingEventRepo { return &TrackingEventRepo{Pool: p} }

// Save inserts a new event.
func (r *TrackingEventRepo) Save(ctx domain.Context, ev *domain.TrackingEvent) error {
	tracer := otel.Tracer("repo.tracking")
	ctx, span := tracer.Start(ctx, "tracking.Save")
	defer span.End()

	custom, err := json.Marshal(ev.CustomData)
	if err != nil {
		return fmt.Errorf("op=tracking.save: %w", err)
	}
	q := `INSERT INTO tracking_events
	      (id, kind, affiliate_id, campaign_id, offer_id, url, value, currency, custom_data, occurred_at, received_at, state, discard_reason, retriable, fingerprint)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`
	_, err = r.Pool.Exec(ctx, q,
		ev.ID, ev.Kind, ev.AffiliateID, ev.CampaignID, ev.OfferID, ev.URL,
		ev.Value, ev.Currency, custom, ev.OccurredAt, ev.ReceivedAt,
		ev.State, ev.DiscardReason, ev.Retriable, ev.Fingerprint)
	if err != nil {
		return fmt.Errorf("op=tracking.save: %w", err)
	}
	return nil
}

// Get loads an event by id.
func (r *TrackingEventRepo) Get(ctx domain.Context, id string) (*domain.TrackingEvent, error) {
	tracer := otel.Tracer("repo.tracking")
	ctx, span := tracer.Start(ctx, "tracking.Get")
	defer span.End()

	q := `SELECT id, kind, affiliate_id, COALESCE(campaign_id,''), COALESCE(offer_id,''), COALESCE(url,''),
	             value, COALESCE(currency,''), custom_data, occurred_at, received_at,
	             state, COALESCE(discard_reason,''), retriable, fingerprint
	      FROM tracking_events WHERE id=$1`
	var ev domain.TrackingEvent
	var custom []byte
	err := r.Pool.QueryRow(ctx, q, id).Scan(
		&ev.ID, &ev.Kind, &ev.AffiliateID, &ev.CampaignID, &ev.OfferID, &ev.URL,
		&ev.Value, &ev.Currency, &custom, &ev.OccurredAt, &ev.ReceivedAt,
		&ev.State, &ev.DiscardReason, &ev.Retriable, &ev.Fingerprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=tracking.get: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=tracking.get: %w", err)
	}
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &ev.CustomData); err != nil {
			return nil, fmt.Errorf("op=tracking.get: custom_data: %w", err)
		}
	}
	return &ev, nil
}

// Update rewrites the mutable pipeline fields.
func (r *TrackingEventRepo) Update(ctx domain.Context, ev *domain.TrackingEvent) error {
	tracer := otel.Tracer("repo.tracking")
	ctx, span := tracer.Start(ctx, "tracking.Update")
	defer span.End()

	q := `UPDATE tracking_events SET state=$2, discard_reason=$3, retriable=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, ev.ID, ev.State, ev.DiscardReason, ev.Retriable)
	if err != nil {
		return fmt.Errorf("op=tracking.update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=tracking.update: %w", domain.ErrNotFound)
	}
	return nil
}
