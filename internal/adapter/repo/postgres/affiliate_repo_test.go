package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeropartners/aeropartners/internal/adapter/repo/postgres"
	"github.com/aeropartners/aeropartners/internal/domain"
)

func TestAffiliateGet(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*(dest[0].(*string)) = "aff-1"
		*(dest[1].(*string)) = "Acme Media"
		*(dest[2].(*bool)) = true
		*(dest[3].(*[]string)) = []string{"CLICK", "CONVERSION"}
		*(dest[4].(*int)) = 60
		*(dest[5].(*[]string)) = []string{"cmp-1"}
		return nil
	}}}
	repo := postgres.NewAffiliateRepo(pool)

	a, err := repo.Get(context.Background(), "aff-1")
	require.NoError(t, err)
	assert.True(t, a.Active)
	assert.True(t, a.Allows(domain.TrackingClick))
	assert.False(t, a.Allows(domain.TrackingPageView))
	assert.True(t, a.HasCampaign("cmp-1"))
	assert.Equal(t, 60, a.PerMinuteCap)
}

func TestAffiliateGetNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewAffiliateRepo(pool)

	_, err := repo.Get(context.Background(), "aff-ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAffiliateUpsert(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewAffiliateRepo(pool)

	err := repo.Upsert(context.Background(), &domain.Affiliate{
		ID:           "aff-1",
		Name:         "Acme Media",
		Active:       true,
		AllowedKinds: []domain.TrackingEventKind{domain.TrackingClick},
		PerMinuteCap: 60,
	})
	require.NoError(t, err)
	require.Len(t, pool.execLog, 1)
	assert.Contains(t, pool.execLog[0], "ON CONFLICT (id) DO UPDATE")
}
