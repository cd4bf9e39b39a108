package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aeropartners/aeropartners/internal/adapter/repo/postgres"
	"github.com/aeropartners/aeropartners/internal/domain"
)

type affiliateYAML struct {
	Affiliates []struct {
		ID           string   `yaml:"id"`
		Name         string   `yaml:"name"`
		Active       *bool    `yaml:"active"`
		AllowedKinds []string `yaml:"allowed_kinds"`
		PerMinuteCap int      `yaml:"per_minute_cap"`
		Campaigns    []string `yaml:"campaigns"`
	} `yaml:"affiliates"`
}

// seedAffiliates loads dev fixtures from the seed file, if present. Upserts
// are idempotent, so re-running on restart is harmless.
func seedAffiliates(ctx context.Context, repo *postgres.AffiliateRepo) {
	path := os.Getenv("SEED_AFFILIATES_FILE")
	if path == "" {
		path = "deploy/seed/affiliates.yaml"
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("affiliate seed file unreadable", slog.String("path", path), slog.Any("error", err))
		}
		return
	}
	var doc affiliateYAML
	if err := yaml.Unmarshal(b, &doc); err != nil {
		slog.Warn("affiliate seed file invalid", slog.String("path", path), slog.Any("error", err))
		return
	}
	seeded := 0
	for _, a := range doc.Affiliates {
		if a.ID == "" {
			continue
		}
		kinds := make([]domain.TrackingEventKind, 0, len(a.AllowedKinds))
		for _, k := range a.AllowedKinds {
			kinds = append(kinds, domain.TrackingEventKind(k))
		}
		active := true
		if a.Active != nil {
			active = *a.Active
		}
		aff := &domain.Affiliate{
			ID:              a.ID,
			Name:            a.Name,
			Active:          active,
			AllowedKinds:    kinds,
			PerMinuteCap:    a.PerMinuteCap,
			ActiveCampaigns: a.Campaigns,
		}
		if err := repo.Upsert(ctx, aff); err != nil {
			slog.Warn("affiliate seed upsert failed", slog.String("affiliate", a.ID), slog.Any("error", err))
			continue
		}
		seeded++
	}
	slog.Info("affiliate seed applied", slog.String("path", path), slog.Int("count", seeded))
}
