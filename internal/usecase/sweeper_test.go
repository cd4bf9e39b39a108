package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeropartners/aeropartners/internal/domain"
)

func expiredSaga(t *testing.T, timeoutMinutes int) *domain.Saga {
	t.Helper()
	inputs := []json.RawMessage{
		json.RawMessage(`{"nombre":"x"}`),
		json.RawMessage(`{"monto":1}`),
		json.RawMessage(`{"tipo":"d"}`),
	}
	sg, err := domain.NewSaga(domain.SagaTypeCreateCompleteCampaign, json.RawMessage(`{}`), inputs, timeoutMinutes)
	require.NoError(t, err)
	sg.StartedAt = time.Now().UTC().Add(-time.Duration(timeoutMinutes+5) * time.Minute)
	return sg
}

func TestSweepTimesOutStalledSaga(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{}
	eng, repo := newEngineFixture(campaign, &participantStub{}, &participantStub{})
	sw := NewSweeper(repo, eng, time.Minute)

	sg := expiredSaga(t, 10)
	require.NoError(t, repo.Create(context.Background(), sg, nil))

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.SagaTimedOut, sg.State)
	assert.NotNil(t, sg.EndedAt)
	assert.Empty(t, sg.Compensations)
	assert.True(t, containsEvent(repo.eventTypes(), domain.EventSagaTimedOut))
}

func TestSweepCompensatesCompletedWork(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{}
	eng, repo := newEngineFixture(campaign, &participantStub{}, &participantStub{})
	sw := NewSweeper(repo, eng, time.Minute)

	sg := expiredSaga(t, 10)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"cmp-1"}`)))
	require.NoError(t, repo.Create(context.Background(), sg, nil))

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.SagaCompensated, sg.State)
	assert.NotNil(t, sg.EndedAt)
	require.Len(t, sg.Compensations, 1)
	assert.Equal(t, domain.CompCancelCampaign, sg.Compensations[0].Kind)
	assert.True(t, sg.Compensations[0].Success)
	assert.Equal(t, 1, campaign.compCalls)

	events := repo.eventTypes()
	assert.True(t, containsEvent(events, domain.EventSagaTimedOut))
	assert.True(t, containsEvent(events, domain.EventSagaCompensationExecuted))
	assert.True(t, containsEvent(events, domain.EventSagaCompensated))
}

func TestSweepSkipsHealthySagas(t *testing.T) {
	t.Parallel()
	eng, repo := newEngineFixture(&participantStub{}, &participantStub{}, &participantStub{})
	sw := NewSweeper(repo, eng, time.Minute)

	inputs := []json.RawMessage{
		json.RawMessage(`{}`), json.RawMessage(`{}`), json.RawMessage(`{}`),
	}
	fresh, err := domain.NewSaga(domain.SagaTypeCreateCompleteCampaign, json.RawMessage(`{}`), inputs, 30)
	require.NoError(t, err)
	require.NoError(t, repo.Create(context.Background(), fresh, nil))

	done := expiredSaga(t, 10)
	done.State = domain.SagaCompleted
	require.NoError(t, repo.Create(context.Background(), done, nil))

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, domain.SagaStarted, fresh.State)
	assert.Equal(t, domain.SagaCompleted, done.State)
}

func TestSweepSkipsConcurrentlyAdvancedSaga(t *testing.T) {
	t.Parallel()
	eng, repo := newEngineFixture(&participantStub{}, &participantStub{}, &participantStub{})
	sw := NewSweeper(repo, eng, time.Minute)

	sg := expiredSaga(t, 10)
	require.NoError(t, repo.Create(context.Background(), sg, nil))
	repo.updateErr = domain.ErrConflict

	n, err := sw.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
