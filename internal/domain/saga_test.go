package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSaga(t *testing.T) *Saga {
	t.Helper()
	inputs := []json.RawMessage{
		json.RawMessage(`{"nombre":"verano"}`),
		json.RawMessage(`{"monto":1200.5}`),
		json.RawMessage(`{"tipo":"mensual"}`),
	}
	sg, err := NewSaga(SagaTypeCreateCompleteCampaign, json.RawMessage(`{}`), inputs, 30)
	require.NoError(t, err)
	return sg
}

func TestNewSaga(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	assert.Equal(t, SagaStarted, sg.State)
	require.Len(t, sg.Steps, 3)
	assert.Equal(t, StepCreateCampaign, sg.Steps[0].Kind)
	assert.Equal(t, StepProcessPayment, sg.Steps[1].Kind)
	assert.Equal(t, StepGenerateReport, sg.Steps[2].Kind)
	for _, st := range sg.Steps {
		assert.True(t, st.Pending())
	}
}

func TestNewSagaUnknownType(t *testing.T) {
	t.Parallel()
	_, err := NewSaga("UNKNOWN", nil, nil, 30)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewSagaInputMismatch(t *testing.T) {
	t.Parallel()
	_, err := NewSaga(SagaTypeCreateCompleteCampaign, nil, []json.RawMessage{nil}, 30)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestMarkStepSucceededAdvancesState(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)

	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	assert.Equal(t, StepOKState(1), sg.State)

	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[1].ID, json.RawMessage(`{"id_pago":"p-1"}`)))
	assert.Equal(t, StepOKState(2), sg.State)

	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[2].ID, json.RawMessage(`{"id":"r-1"}`)))
	assert.Equal(t, SagaCompleted, sg.State)
	require.NotNil(t, sg.EndedAt)
}

func TestMarkStepSucceededIdempotent(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	first := sg.Steps[0].Result
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"other"}`)))
	assert.Equal(t, first, sg.Steps[0].Result)
	assert.Equal(t, StepOKState(1), sg.State)
}

func TestMarkStepFailed(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	require.NoError(t, sg.MarkStepFailed(sg.Steps[1].ID, "payment declined"))
	assert.Equal(t, SagaFailed, sg.State)
	assert.Equal(t, "payment declined", sg.ErrorMessage)
	require.NotNil(t, sg.EndedAt)
}

func TestMarkStepFailedAfterSuccessConflicts(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	err := sg.MarkStepFailed(sg.Steps[0].ID, "late failure")
	assert.ErrorIs(t, err, ErrConflict)
}

func TestBeginCompensationReverseOrder(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[1].ID, json.RawMessage(`{"id_pago":"p-1"}`)))
	require.NoError(t, sg.MarkStepFailed(sg.Steps[2].ID, "report service down"))

	comps := sg.BeginCompensation()
	assert.Equal(t, SagaCompensating, sg.State)
	require.Len(t, comps, 2)
	assert.Equal(t, CompRefundPayment, comps[0].Kind)
	assert.Equal(t, CompCancelCampaign, comps[1].Kind)
	assert.Equal(t, sg.Steps[1].ID, comps[0].StepID)

	// A second call must not duplicate compensations.
	again := sg.BeginCompensation()
	assert.Empty(t, again)
	assert.Len(t, sg.Compensations, 2)
}

func TestFinishCompensation(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	require.NoError(t, sg.MarkStepSucceeded(sg.Steps[0].ID, json.RawMessage(`{"id":"c-1"}`)))
	require.NoError(t, sg.MarkStepFailed(sg.Steps[1].ID, "declined"))
	sg.BeginCompensation()
	sg.Compensations[0].Success = false
	sg.Compensations[0].Error = "campaign service unreachable"
	sg.FinishCompensation()
	assert.Equal(t, SagaCompensated, sg.State)
	require.NotNil(t, sg.EndedAt)
}

func TestAwaitingAsyncResult(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	st := sg.Steps[1]
	assert.False(t, st.AwaitingAsyncResult())
	st.Result = json.RawMessage(`{"id_pago":"p-1","estado":"PENDIENTE"}`)
	assert.True(t, st.AwaitingAsyncResult())
	assert.True(t, st.Pending())
}

func TestExpired(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	sg.StartedAt = time.Now().Add(-31 * time.Minute)
	assert.True(t, sg.Expired(time.Now()))
	sg.StartedAt = time.Now().Add(-5 * time.Minute)
	assert.False(t, sg.Expired(time.Now()))
}

func TestMarkTimedOut(t *testing.T) {
	t.Parallel()
	sg := newTestSaga(t)
	sg.MarkTimedOut()
	assert.Equal(t, SagaTimedOut, sg.State)
	assert.Contains(t, sg.ErrorMessage, "timeout")
	require.NotNil(t, sg.EndedAt)
}

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	assert.True(t, SagaCompleted.IsTerminal())
	assert.True(t, SagaCompensated.IsTerminal())
	assert.True(t, SagaTimedOut.IsTerminal())
	assert.False(t, SagaStarted.IsTerminal())
	assert.False(t, StepOKState(2).IsTerminal())
	assert.False(t, SagaCompensating.IsTerminal())
}

func TestCompensationOf(t *testing.T) {
	t.Parallel()
	c, ok := CompensationOf(StepProcessPayment)
	require.True(t, ok)
	assert.Equal(t, CompRefundPayment, c)
	_, ok = CompensationOf(StepKind("NOPE"))
	assert.False(t, ok)
}
