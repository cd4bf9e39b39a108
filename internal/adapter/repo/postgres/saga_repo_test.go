package postgres_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeropartners/aeropartners/internal/adapter/repo/postgres"
	"github.com/aeropartners/aeropartners/internal/domain"
)

func testSaga(t *testing.T) *domain.Saga {
	t.Helper()
	inputs := []json.RawMessage{
		json.RawMessage(`{}`), json.RawMessage(`{}`), json.RawMessage(`{}`),
	}
	sg, err := domain.NewSaga(domain.SagaTypeCreateCompleteCampaign, json.RawMessage(`{}`), inputs, 30)
	require.NoError(t, err)
	return sg
}

func TestSagaCreateSetsVersion(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewSagaRepo(pool)
	sg := testSaga(t)

	require.NoError(t, repo.Create(context.Background(), sg, nil))
	assert.EqualValues(t, 1, sg.Version)
	// saga row + 3 step rows
	assert.Len(t, pool.execLog, 4)
}

func TestSagaCreateWithOutbox(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("INSERT 0 1")}
	repo := postgres.NewSagaRepo(pool)
	sg := testSaga(t)
	row := domain.NewOutboxRow(domain.EventSagaStarted, domain.TopicSagaEvents, []byte(`{}`))

	require.NoError(t, repo.Create(context.Background(), sg, []*domain.OutboxRow{row}))
	assert.Len(t, pool.execLog, 5)
	assert.Contains(t, pool.execLog[4], "INSERT INTO outbox")
}

func TestSagaUpdateStaleVersionConflicts(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewSagaRepo(pool)
	sg := testSaga(t)
	sg.Version = 3

	err := repo.Update(context.Background(), sg, nil)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.EqualValues(t, 3, sg.Version)
}

func TestSagaUpdateIncrementsVersion(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewSagaRepo(pool)
	sg := testSaga(t)
	sg.Version = 1

	require.NoError(t, repo.Update(context.Background(), sg, nil))
	assert.EqualValues(t, 2, sg.Version)
}

func TestSagaDeleteNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("DELETE 0")}
	repo := postgres.NewSagaRepo(pool)
	err := repo.Delete(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
