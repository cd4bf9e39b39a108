package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// AffiliateRepo resolves affiliate accounts for collector validation.
type AffiliateRepo struct{ Pool PgxPool }

// NewAffiliateRepo constructs the repo with the given pool.
func NewAffiliateRepo(p PgxPool) *AffiliateRepo { return &AffiliateRepo{Pool: p} }

// Get loads one affiliate by id.
func (r *AffiliateRepo) Get(ctx domain.Context, id string) (*domain.Affiliate, error) {
	tracer := otel.Tracer("repo.affiliate")
	ctx, span := tracer.Start(ctx, "affiliate.Get")
	defer span.End()

	q := `SELECT id, name, active, allowed_kinds, per_minute_cap, active_campaigns
	      FROM affiliates WHERE id = $1`
	var (
		a     domain.Affiliate
		kinds []string
	)
	err := r.Pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Name, &a.Active, &kinds, &a.PerMinuteCap, &a.ActiveCampaigns)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=affiliate.get: %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=affiliate.get: %w", err)
	}
	for _, k := range kinds {
		a.AllowedKinds = append(a.AllowedKinds, domain.TrackingEventKind(k))
	}
	return &a, nil
}

// Upsert writes an affiliate record, used by the admin seed path.
func (r *AffiliateRepo) Upsert(ctx domain.Context, a *domain.Affiliate) error {
	tracer := otel.Tracer("repo.affiliate")
	ctx, span := tracer.Start(ctx, "affiliate.Upsert")
	defer span.End()

	kinds := make([]string, 0, len(a.AllowedKinds))
	for _, k := range a.AllowedKinds {
		kinds = append(kinds, string(k))
	}
	q := `INSERT INTO affiliates (id, name, active, allowed_kinds, per_minute_cap, active_campaigns, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)
	      ON CONFLICT (id) DO UPDATE SET
	          name = EXCLUDED.name,
	          active = EXCLUDED.active,
	          allowed_kinds = EXCLUDED.allowed_kinds,
	          per_minute_cap = EXCLUDED.per_minute_cap,
	          active_campaigns = EXCLUDED.active_campaigns,
	          updated_at = EXCLUDED.updated_at`
	_, err := r.Pool.Exec(ctx, q, a.ID, a.Name, a.Active, kinds, a.PerMinuteCap, a.ActiveCampaigns, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=affiliate.upsert: %w", err)
	}
	return nil
}
