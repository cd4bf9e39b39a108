// Package usecase contains the application services: starting and querying
// sagas, advancing them through the engine, collecting tracking events, and
// the reporting admin operations.
package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// StartSagaInput carries the three step payloads and the timeout for the
// create-complete-campaign flow.
type StartSagaInput struct {
	Campaign json.RawMessage `json:"campana" validate:"required"`
	Payment  json.RawMessage `json:"pago" validate:"required"`
	Report   json.RawMessage `json:"reporte" validate:"required"`
	Timeout  int             `json:"timeout_minutos"`
}

// SagaService starts sagas and serves read queries for the control surface.
// DefaultTimeoutMinutes is applied when a start request carries no timeout;
// zero falls through to the domain default.
type SagaService struct {
	Repo                  domain.SagaRepository
	Outbox                domain.OutboxRepository
	DefaultTimeoutMinutes int
}

// NewSagaService constructs a SagaService.
func NewSagaService(repo domain.SagaRepository, outbox domain.OutboxRepository) SagaService {
	return SagaService{Repo: repo, Outbox: outbox}
}

// Start persists a new saga with its steps pre-enumerated and emits
// SagaStarted through the outbox in the same transaction. The event is what
// wakes the engine up for step one.
func (s SagaService) Start(ctx domain.Context, in StartSagaInput) (*domain.Saga, error) {
	if len(in.Campaign) == 0 || len(in.Payment) == 0 || len(in.Report) == 0 {
		return nil, fmt.Errorf("op=saga.start: all three step payloads are required: %w", domain.ErrInvalidArgument)
	}
	timeout := in.Timeout
	if timeout <= 0 {
		timeout = s.DefaultTimeoutMinutes
	}
	sg, err := domain.NewSaga(
		domain.SagaTypeCreateCompleteCampaign,
		mustMarshal(in),
		[]json.RawMessage{in.Campaign, in.Payment, in.Report},
		timeout,
	)
	if err != nil {
		return nil, err
	}
	row := sagaEventRow(sg, domain.EventSagaStarted, "", "")
	if err := s.Repo.Create(ctx, sg, []*domain.OutboxRow{row}); err != nil {
		return nil, err
	}
	observability.SagasStartedTotal.Inc()
	slog.Info("saga started",
		slog.String("saga_id", sg.ID),
		slog.String("type", sg.Type),
		slog.Int("timeout_minutes", sg.TimeoutMinutes))
	return sg, nil
}

// Get loads a saga with its steps and compensations.
func (s SagaService) Get(ctx domain.Context, id string) (*domain.Saga, error) {
	return s.Repo.Get(ctx, id)
}

// List returns sagas matching the filter.
func (s SagaService) List(ctx domain.Context, f domain.SagaListFilter) ([]*domain.Saga, error) {
	return s.Repo.List(ctx, f)
}

// Delete removes a saga. Test-only cleanup path.
func (s SagaService) Delete(ctx domain.Context, id string) error {
	return s.Repo.Delete(ctx, id)
}

// Cleanup bulk-deletes terminal sagas that ended before the cutoff.
// Test-only cleanup path, like Delete.
func (s SagaService) Cleanup(ctx domain.Context, before time.Time) (int64, error) {
	n, err := s.Repo.DeleteEndedBefore(ctx, before)
	if err != nil {
		return 0, err
	}
	slog.Info("saga cleanup", slog.Int64("deleted", n), slog.Time("before", before))
	return n, nil
}

// OutboxStats reports outbox health for the admin surface.
func (s SagaService) OutboxStats(ctx domain.Context) (domain.OutboxStats, error) {
	return s.Outbox.Stats(ctx)
}

// sagaEventRow wraps a saga lifecycle event in an envelope and returns the
// outbox row that announces it.
func sagaEventRow(sg *domain.Saga, eventType, stepKind, errMsg string) *domain.OutboxRow {
	payload := domain.SagaEventPayload{
		SagaID:   sg.ID,
		SagaType: sg.Type,
		State:    string(sg.State),
		StepKind: stepKind,
		Error:    errMsg,
	}
	env := domain.NewEnvelope(eventType, mustMarshal(payload))
	return domain.NewOutboxRow(eventType, domain.TopicSagaEvents, mustMarshal(env))
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All inputs here are JSON-safe structs; a failure is a programming error.
		panic(fmt.Sprintf("marshal: %v", err))
	}
	return b
}
