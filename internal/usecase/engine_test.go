package usecase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeropartners/aeropartners/internal/domain"
)

func startInput() StartSagaInput {
	return StartSagaInput{
		Campaign: json.RawMessage(`{"nombre":"verano","presupuesto":5000}`),
		Payment:  json.RawMessage(`{"monto":5000,"moneda":"USD"}`),
		Report:   json.RawMessage(`{"tipo":"semanal"}`),
		Timeout:  30,
	}
}

// newEngineFixture wires an engine over in-memory stubs with scripted
// participants for the three step kinds.
func newEngineFixture(campaign, payment, report *participantStub) (*Engine, *sagaRepoStub) {
	repo := newSagaRepoStub()
	eng := NewEngine(repo, newInboxStub(), map[domain.StepKind]domain.Participant{
		domain.StepCreateCampaign: campaign,
		domain.StepProcessPayment: payment,
		domain.StepGenerateReport: report,
	})
	return eng, repo
}

// drive feeds every captured saga event back into the engine until the outbox
// stops growing, simulating the broker loop.
func drive(t *testing.T, eng *Engine, repo *sagaRepoStub) {
	t.Helper()
	for idx := 0; idx < len(repo.outbox); idx++ {
		row := repo.outbox[idx]
		if row.Topic != domain.TopicSagaEvents {
			continue
		}
		require.NoError(t, eng.HandleSagaEvent(context.Background(), nil, row.Payload, nil))
	}
}

func TestSagaCompletesEndToEnd(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id_pago":"pg-1"}`)}}
	report := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"reporte":"ok"}`)}}
	eng, repo := newEngineFixture(campaign, payment, report)
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Equal(t, domain.SagaStarted, sg.State)
	assert.Len(t, sg.Steps, 3)

	drive(t, eng, repo)

	assert.Equal(t, domain.SagaCompleted, sg.State)
	assert.NotNil(t, sg.EndedAt)
	for _, st := range sg.Steps {
		assert.True(t, st.Success, "step %s", st.Kind)
	}
	assert.Empty(t, sg.Compensations)

	types := repo.eventTypes()
	assert.Equal(t, []string{
		domain.EventSagaStarted,
		domain.EventSagaStepExecuted,
		domain.EventSagaStepExecuted,
		domain.EventSagaCompleted,
	}, types)
}

func TestAsyncPaymentResolution(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{
		Result:  json.RawMessage(`{"id_pago":"pg-7","estado":"PENDIENTE"}`),
		Pending: true,
	}}
	report := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"reporte":"ok"}`)}}
	eng, repo := newEngineFixture(campaign, payment, report)
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	drive(t, eng, repo)

	// The flow parks on the payment step until its event arrives.
	assert.Equal(t, domain.StepOKState(1), sg.State)
	assert.True(t, sg.Steps[1].AwaitingAsyncResult())
	assert.Equal(t, 0, report.execCalls)

	require.NoError(t, eng.ResolvePayment(context.Background(), "pg-7", true, ""))
	drive(t, eng, repo)

	assert.Equal(t, domain.SagaCompleted, sg.State)
	assert.Equal(t, 1, report.execCalls)
	assert.True(t, containsEvent(repo.eventTypes(), domain.EventSagaCompleted))
}

func TestPaymentFailureCompensatesCampaign(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{
		Result:  json.RawMessage(`{"id_pago":"pg-7"}`),
		Pending: true,
	}}
	report := &participantStub{}
	eng, repo := newEngineFixture(campaign, payment, report)
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	drive(t, eng, repo)

	require.NoError(t, eng.ResolvePayment(context.Background(), "pg-7", false, "fondos insuficientes"))

	assert.Equal(t, domain.SagaCompensated, sg.State)
	assert.Equal(t, "fondos insuficientes", sg.Steps[1].Error)
	require.Len(t, sg.Compensations, 1)
	assert.Equal(t, domain.CompCancelCampaign, sg.Compensations[0].Kind)
	assert.True(t, sg.Compensations[0].Success)
	assert.Equal(t, 1, campaign.compCalls)
	assert.Equal(t, 0, report.execCalls)
}

func TestLastStepFailureCompensatesInReverseOrder(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id_pago":"pg-1"}`)}}
	report := &participantStub{executeErr: &domain.ParticipantError{Reason: "HTTP 400: datos inválidos"}}
	eng, repo := newEngineFixture(campaign, payment, report)
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	drive(t, eng, repo)

	assert.Equal(t, domain.SagaCompensated, sg.State)
	require.Len(t, sg.Compensations, 2)
	assert.Equal(t, domain.CompRefundPayment, sg.Compensations[0].Kind)
	assert.Equal(t, domain.CompCancelCampaign, sg.Compensations[1].Kind)
	// Each compensation receives the forward step result as its input.
	assert.JSONEq(t, `{"id_pago":"pg-1"}`, string(sg.Compensations[0].Input))
	assert.JSONEq(t, `{"id":"cmp-1"}`, string(sg.Compensations[1].Input))

	types := repo.eventTypes()
	assert.True(t, containsEvent(types, domain.EventSagaStepFailed))
	assert.True(t, containsEvent(types, domain.EventSagaCompensationExecuted))
	assert.True(t, containsEvent(types, domain.EventSagaCompensated))
}

func TestFirstStepFailureEndsFailedWithoutCompensation(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeErr: &domain.ParticipantError{Reason: "HTTP 422: presupuesto inválido"}}
	eng, repo := newEngineFixture(campaign, &participantStub{}, &participantStub{})
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	drive(t, eng, repo)

	assert.Equal(t, domain.SagaFailed, sg.State)
	assert.Empty(t, sg.Compensations)
	assert.Contains(t, sg.ErrorMessage, "HTTP 422")
	assert.True(t, containsEvent(repo.eventTypes(), domain.EventSagaFailed))
}

func TestRetriableErrorLeavesSagaUntouched(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeErr: &domain.ParticipantError{Reason: "HTTP 503", Retriable: true}}
	eng, repo := newEngineFixture(campaign, &participantStub{}, &participantStub{})
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)

	startedRow := repo.outbox[0]
	err = eng.HandleSagaEvent(context.Background(), nil, startedRow.Payload, nil)
	require.Error(t, err)
	assert.True(t, domain.IsRetriable(err))

	assert.Equal(t, domain.SagaStarted, sg.State)
	assert.True(t, sg.Steps[0].Pending())
	assert.Empty(t, sg.Compensations)
}

func TestDuplicateSagaEventIsIgnored(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id_pago":"pg-1"}`), Pending: true}}
	eng, repo := newEngineFixture(campaign, payment, &participantStub{})
	svc := NewSagaService(repo, nil)

	_, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)

	startedRow := repo.outbox[0]
	require.NoError(t, eng.HandleSagaEvent(context.Background(), nil, startedRow.Payload, nil))
	require.NoError(t, eng.HandleSagaEvent(context.Background(), nil, startedRow.Payload, nil))
	assert.Equal(t, 1, campaign.execCalls)
}

func TestMalformedSagaEventDropped(t *testing.T) {
	t.Parallel()
	eng, _ := newEngineFixture(&participantStub{}, &participantStub{}, &participantStub{})
	require.NoError(t, eng.HandleSagaEvent(context.Background(), nil, []byte(`not-json`), nil))

	env := domain.NewEnvelope(domain.EventSagaStarted, json.RawMessage(`{"saga_id":""}`))
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, eng.HandleSagaEvent(context.Background(), nil, payload, nil))
}

func TestPaymentEventForUnknownSagaAcknowledged(t *testing.T) {
	t.Parallel()
	eng, _ := newEngineFixture(&participantStub{}, &participantStub{}, &participantStub{})
	require.NoError(t, eng.ResolvePayment(context.Background(), "pg-missing", true, ""))
}

func TestHandlePaymentEventRoutesByType(t *testing.T) {
	t.Parallel()
	campaign := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"id":"cmp-1"}`)}}
	payment := &participantStub{executeOut: domain.StepOutcome{
		Result:  json.RawMessage(`{"id_pago":"pg-9"}`),
		Pending: true,
	}}
	report := &participantStub{executeOut: domain.StepOutcome{Result: json.RawMessage(`{"reporte":"ok"}`)}}
	eng, repo := newEngineFixture(campaign, payment, report)
	svc := NewSagaService(repo, nil)

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	drive(t, eng, repo)

	env := domain.NewEnvelope(domain.EventPaymentCompleted, mustMarshal(domain.PaymentEventPayload{PaymentID: "pg-9"}))
	value, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, eng.HandlePaymentEvent(context.Background(), nil, value, nil))
	drive(t, eng, repo)

	assert.Equal(t, domain.SagaCompleted, sg.State)

	// Redelivery of the same payment event is absorbed by the inbox.
	require.NoError(t, eng.HandlePaymentEvent(context.Background(), nil, value, nil))
	assert.Equal(t, 1, report.execCalls)
}

func TestStartRejectsMissingPayloads(t *testing.T) {
	t.Parallel()
	svc := NewSagaService(newSagaRepoStub(), nil)
	_, err := svc.Start(context.Background(), StartSagaInput{Campaign: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestStartAppliesConfiguredDefaultTimeout(t *testing.T) {
	t.Parallel()
	svc := NewSagaService(newSagaRepoStub(), nil)
	svc.DefaultTimeoutMinutes = 45

	sg, err := svc.Start(context.Background(), startInput())
	require.NoError(t, err)
	assert.Equal(t, 45, sg.TimeoutMinutes)

	// An explicit request timeout wins over the service default.
	in := startInput()
	in.Timeout = 5
	sg, err = svc.Start(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, 5, sg.TimeoutMinutes)
}
