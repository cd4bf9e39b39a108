package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/aeropartners/aeropartners/internal/domain"
)

// DataServiceConfigRepo stores the report adapter's upstream configuration.
// Activation deactivates the previous row and inserts the new one in a
// single transaction, keeping "at most one active" a database invariant.
type DataServiceConfigRepo struct{ Pool PgxPool }

// NewDataServiceConfigRepo constructs the repo with the given pool.
func NewDataServiceConfigRepo(p PgxPool) *DataServiceConfigRepo {
	return &DataServiceConfigRepo{Pool: p}
}

// Activate atomically swaps the active configuration.
func (r *DataServiceConfigRepo) Activate(ctx domain.Context, cfg *domain.DataServiceConfig) error {
	tracer := otel.Tracer("repo.dataservice")
	ctx, span := tracer.Start(ctx, "dataservice.Activate")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=dataservice.activate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE data_service_config SET active = false WHERE active = true`); err != nil {
		return fmt.Errorf("op=dataservice.activate: deactivate: %w", err)
	}
	q := `INSERT INTO data_service_config (url, version_tag, active, updated_at)
	      VALUES ($1,$2,true,$3) RETURNING version`
	if err := tx.QueryRow(ctx, q, cfg.URL, cfg.VersionTag, cfg.UpdatedAt).Scan(&cfg.Version); err != nil {
		return fmt.Errorf("op=dataservice.activate: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=dataservice.activate: commit: %w", err)
	}
	return nil
}

// Active returns the currently active configuration row.
func (r *DataServiceConfigRepo) Active(ctx domain.Context) (*domain.DataServiceConfig, error) {
	tracer := otel.Tracer("repo.dataservice")
	ctx, span := tracer.Start(ctx, "dataservice.Active")
	defer span.End()

	q := `SELECT version, url, version_tag, active, updated_at
	      FROM data_service_config WHERE active = true LIMIT 1`
	var cfg domain.DataServiceConfig
	if err := r.Pool.QueryRow(ctx, q).Scan(&cfg.Version, &cfg.URL, &cfg.VersionTag, &cfg.Active, &cfg.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("op=dataservice.active: %w", domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=dataservice.active: %w", err)
	}
	return &cfg, nil
}

// History lists configuration rows newest first.
func (r *DataServiceConfigRepo) History(ctx domain.Context, limit int) ([]*domain.DataServiceConfig, error) {
	tracer := otel.Tracer("repo.dataservice")
	ctx, span := tracer.Start(ctx, "dataservice.History")
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = 20
	}
	q := `SELECT version, url, version_tag, active, updated_at
	      FROM data_service_config ORDER BY version DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dataservice.history: %w", err)
	}
	defer rows.Close()
	var out []*domain.DataServiceConfig
	for rows.Next() {
		var cfg domain.DataServiceConfig
		if err := rows.Scan(&cfg.Version, &cfg.URL, &cfg.VersionTag, &cfg.Active, &cfg.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=dataservice.history: %w", err)
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
