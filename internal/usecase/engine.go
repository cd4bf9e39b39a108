package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// Consumer names recorded in the inbox table, one per subscription.
const (
	ConsumerSagaEngine = "saga-engine"
	ConsumerPayments   = "payment-consumer"
)

// Engine advances sagas in response to their own lifecycle events. Each
// SagaStarted/SagaStepExecuted event triggers exactly one forward step; the
// resulting event triggers the next one, so the whole flow is event-driven
// and survives restarts. A retriable participant error bubbles out of the
// handler so broker redelivery drives the next attempt; a business failure
// flips the saga into the compensation chain.
type Engine struct {
	Repo         domain.SagaRepository
	Inbox        domain.InboxRepository
	Participants map[domain.StepKind]domain.Participant
}

// NewEngine wires the engine with one participant per step kind.
func NewEngine(repo domain.SagaRepository, inbox domain.InboxRepository, parts map[domain.StepKind]domain.Participant) *Engine {
	return &Engine{Repo: repo, Inbox: inbox, Participants: parts}
}

// HandleSagaEvent is the saga-events consumer handler. It dedups by event id,
// loads the saga named in the payload and advances it.
func (e *Engine) HandleSagaEvent(ctx domain.Context, _ []byte, value []byte, _ map[string]string) error {
	env, payload, err := decodeSagaEvent(value)
	if err != nil {
		// Malformed envelopes can never succeed; drop them instead of cycling
		// through redelivery.
		slog.Warn("dropping malformed saga event", slog.Any("error", err))
		return nil
	}
	seen, err := e.Inbox.Seen(ctx, ConsumerSagaEngine, env.EventID)
	if err != nil {
		return fmt.Errorf("op=engine.handle_saga_event: %w", err)
	}
	if seen {
		slog.Debug("saga event already processed", slog.String("event_id", env.EventID))
		return nil
	}

	switch env.EventType {
	case domain.EventSagaStarted, domain.EventSagaStepExecuted:
		sg, err := e.Repo.Get(ctx, payload.SagaID)
		if err != nil {
			return fmt.Errorf("op=engine.handle_saga_event: load saga %s: %w", payload.SagaID, err)
		}
		if err := e.Advance(ctx, sg); err != nil {
			return err
		}
	default:
		// Terminal and informational events carry no work for the engine.
	}

	// Claim only after the work committed: a failed attempt above must not
	// block its own redelivery.
	if _, err := e.Inbox.SeenOrMark(ctx, &domain.InboxRow{
		Consumer:  ConsumerSagaEngine,
		EventID:   env.EventID,
		EventKind: env.EventType,
		Payload:   value,
	}); err != nil {
		return fmt.Errorf("op=engine.handle_saga_event: %w", err)
	}
	return nil
}

// Advance executes the next pending step of the saga, if any. It is safe to
// call on any saga: terminal sagas and sagas waiting on an async result are
// left untouched.
func (e *Engine) Advance(ctx domain.Context, sg *domain.Saga) error {
	if sg.State.IsTerminal() || sg.State == domain.SagaCompensating {
		return nil
	}
	st := sg.NextPendingStep()
	if st == nil {
		return nil
	}
	if st.AwaitingAsyncResult() {
		slog.Debug("step awaiting async result",
			slog.String("saga_id", sg.ID),
			slog.String("step_kind", string(st.Kind)))
		return nil
	}
	p, ok := e.Participants[st.Kind]
	if !ok {
		return fmt.Errorf("op=engine.advance: no participant for step %s: %w", st.Kind, domain.ErrInternal)
	}

	start := time.Now()
	out, err := p.Execute(ctx, sg, st)
	if err != nil {
		if domain.IsRetriable(err) {
			observability.ObserveStep(string(st.Kind), "retriable_error", time.Since(start))
			slog.Warn("step failed with retriable error",
				slog.String("saga_id", sg.ID),
				slog.String("step_kind", string(st.Kind)),
				slog.Any("error", err))
			return fmt.Errorf("op=engine.advance: step %s: %w", st.Kind, err)
		}
		observability.ObserveStep(string(st.Kind), "business_failure", time.Since(start))
		return e.failAndCompensate(ctx, sg, st, err.Error())
	}

	if out.Pending {
		// The participant accepted the work; the outcome arrives later as a
		// payment event. Persist the result so the payment id survives, but
		// do not emit a lifecycle event: nothing advanced yet.
		observability.ObserveStep(string(st.Kind), "pending", time.Since(start))
		st.Result = out.Result
		slog.Info("step pending async result",
			slog.String("saga_id", sg.ID),
			slog.String("step_kind", string(st.Kind)))
		if err := e.Repo.Update(ctx, sg, nil); err != nil {
			return fmt.Errorf("op=engine.advance: persist pending step: %w", err)
		}
		return nil
	}

	observability.ObserveStep(string(st.Kind), "success", time.Since(start))
	return e.completeStep(ctx, sg, st, out.Result)
}

// completeStep records a successful step and emits the lifecycle event that
// triggers the next one (or announces completion).
func (e *Engine) completeStep(ctx domain.Context, sg *domain.Saga, st *domain.Step, result json.RawMessage) error {
	if err := sg.MarkStepSucceeded(st.ID, result); err != nil {
		return fmt.Errorf("op=engine.complete_step: %w", err)
	}
	eventType := domain.EventSagaStepExecuted
	if sg.State == domain.SagaCompleted {
		eventType = domain.EventSagaCompleted
	}
	row := sagaEventRow(sg, eventType, string(st.Kind), "")
	if err := e.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
		return fmt.Errorf("op=engine.complete_step: %w", err)
	}
	slog.Info("step executed",
		slog.String("saga_id", sg.ID),
		slog.String("step_kind", string(st.Kind)),
		slog.String("state", string(sg.State)))
	if sg.State == domain.SagaCompleted {
		observability.SagasEndedTotal.WithLabelValues(string(domain.SagaCompleted)).Inc()
	}
	return nil
}

// failAndCompensate records a business failure and, when earlier steps
// succeeded, runs the compensation chain. A failure on the very first step
// leaves the saga FAILED with nothing to undo.
func (e *Engine) failAndCompensate(ctx domain.Context, sg *domain.Saga, st *domain.Step, reason string) error {
	if err := sg.MarkStepFailed(st.ID, reason); err != nil {
		return fmt.Errorf("op=engine.fail_step: %w", err)
	}
	slog.Warn("step failed",
		slog.String("saga_id", sg.ID),
		slog.String("step_kind", string(st.Kind)),
		slog.String("reason", reason))

	if len(sg.SuccessfulSteps()) == 0 {
		row := sagaEventRow(sg, domain.EventSagaFailed, string(st.Kind), reason)
		if err := e.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
			return fmt.Errorf("op=engine.fail_step: %w", err)
		}
		observability.SagasEndedTotal.WithLabelValues(string(domain.SagaFailed)).Inc()
		return nil
	}

	sg.BeginCompensation()
	row := sagaEventRow(sg, domain.EventSagaStepFailed, string(st.Kind), reason)
	if err := e.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
		return fmt.Errorf("op=engine.fail_step: %w", err)
	}
	return e.RunCompensations(ctx, sg)
}

// RunCompensations executes every unresolved compensation in the order they
// were materialized (reverse of execution order) and closes the saga as
// COMPENSATED. Compensations are best-effort: a failed one is recorded and
// the chain continues.
func (e *Engine) RunCompensations(ctx domain.Context, sg *domain.Saga) error {
	for _, c := range sg.Compensations {
		if c.Success || c.Error != "" {
			continue
		}
		st := sg.StepByID(c.StepID)
		if st == nil {
			continue
		}
		p, ok := e.Participants[st.Kind]
		if !ok {
			c.Error = fmt.Sprintf("no participant for step %s", st.Kind)
			continue
		}
		res, err := p.Compensate(ctx, sg, c)
		c.ExecutedAt = time.Now().UTC()
		if err != nil {
			c.Error = err.Error()
			observability.CompensationsTotal.WithLabelValues(string(c.Kind), "failure").Inc()
			slog.Error("compensation failed",
				slog.String("saga_id", sg.ID),
				slog.String("compensation_kind", string(c.Kind)),
				slog.Any("error", err))
		} else {
			c.Success = true
			c.Result = res
			observability.CompensationsTotal.WithLabelValues(string(c.Kind), "success").Inc()
			slog.Info("compensation executed",
				slog.String("saga_id", sg.ID),
				slog.String("compensation_kind", string(c.Kind)))
		}
		row := sagaEventRow(sg, domain.EventSagaCompensationExecuted, string(st.Kind), c.Error)
		if err := e.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
			return fmt.Errorf("op=engine.run_compensations: %w", err)
		}
	}

	sg.FinishCompensation()
	row := sagaEventRow(sg, domain.EventSagaCompensated, "", sg.ErrorMessage)
	if err := e.Repo.Update(ctx, sg, []*domain.OutboxRow{row}); err != nil {
		return fmt.Errorf("op=engine.run_compensations: %w", err)
	}
	observability.SagasEndedTotal.WithLabelValues(string(domain.SagaCompensated)).Inc()
	slog.Info("saga compensated", slog.String("saga_id", sg.ID))
	return nil
}

// HandlePaymentEvent is the payments-events consumer handler. Completed and
// failed payments resolve the saga step that has been waiting on them.
func (e *Engine) HandlePaymentEvent(ctx domain.Context, _ []byte, value []byte, _ map[string]string) error {
	var env domain.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		slog.Warn("dropping malformed payment event", slog.Any("error", err))
		return nil
	}
	if err := env.Validate(); err != nil {
		slog.Warn("dropping invalid payment event", slog.Any("error", err))
		return nil
	}
	seen, err := e.Inbox.Seen(ctx, ConsumerPayments, env.EventID)
	if err != nil {
		return fmt.Errorf("op=engine.handle_payment_event: %w", err)
	}
	if seen {
		return nil
	}

	var payload domain.PaymentEventPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.PaymentID == "" {
		slog.Warn("dropping payment event without id_pago", slog.String("event_id", env.EventID))
		return nil
	}

	switch env.EventType {
	case domain.EventPaymentCompleted:
		err = e.ResolvePayment(ctx, payload.PaymentID, true, "")
	case domain.EventPaymentFailed:
		err = e.ResolvePayment(ctx, payload.PaymentID, false, payload.Reason)
	default:
		// PaymentPending and anything else carry no resolution.
	}
	if err != nil {
		return err
	}

	if _, err := e.Inbox.SeenOrMark(ctx, &domain.InboxRow{
		Consumer:  ConsumerPayments,
		EventID:   env.EventID,
		EventKind: env.EventType,
		Payload:   value,
	}); err != nil {
		return fmt.Errorf("op=engine.handle_payment_event: %w", err)
	}
	return nil
}

// ResolvePayment settles the async payment step of the saga that owns
// paymentID. Success resumes the forward flow; failure starts compensation.
// Events for unknown or already-terminal sagas are acknowledged and dropped.
func (e *Engine) ResolvePayment(ctx domain.Context, paymentID string, success bool, reason string) error {
	sg, err := e.Repo.FindByPaymentID(ctx, paymentID)
	if err != nil {
		if isNotFound(err) {
			slog.Warn("payment event for unknown saga", slog.String("payment_id", paymentID))
			return nil
		}
		return fmt.Errorf("op=engine.resolve_payment: %w", err)
	}
	if sg.State.IsTerminal() {
		slog.Info("payment event for finished saga ignored",
			slog.String("saga_id", sg.ID),
			slog.String("payment_id", paymentID))
		return nil
	}
	var st *domain.Step
	for _, s := range sg.Steps {
		if s.Kind == domain.StepProcessPayment {
			st = s
			break
		}
	}
	if st == nil || !st.AwaitingAsyncResult() {
		return nil
	}

	if success {
		if err := e.completeStep(ctx, sg, st, st.Result); err != nil {
			return err
		}
		return nil
	}
	if reason == "" {
		reason = "pago rechazado"
	}
	return e.failAndCompensate(ctx, sg, st, reason)
}

func decodeSagaEvent(value []byte) (domain.Envelope, domain.SagaEventPayload, error) {
	var env domain.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return env, domain.SagaEventPayload{}, fmt.Errorf("op=engine.decode: %w", err)
	}
	if err := env.Validate(); err != nil {
		return env, domain.SagaEventPayload{}, err
	}
	var payload domain.SagaEventPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return env, payload, fmt.Errorf("op=engine.decode: %w", err)
	}
	if payload.SagaID == "" {
		return env, payload, fmt.Errorf("op=engine.decode: missing saga_id: %w", domain.ErrInvalidArgument)
	}
	return env, payload, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
