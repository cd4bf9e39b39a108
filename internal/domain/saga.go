package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Context is an alias so ports stay decoupled from call sites.
type Context = context.Context

// SagaState is the lifecycle state of a saga instance.
type SagaState string

const (
	SagaStarted      SagaState = "STARTED"
	SagaCompleted    SagaState = "COMPLETED"
	SagaFailed       SagaState = "FAILED"
	SagaCompensating SagaState = "COMPENSATING"
	SagaCompensated  SagaState = "COMPENSATED"
	SagaTimedOut     SagaState = "TIMED_OUT"
)

// StepOKState returns the intermediate state reached after step n (1-based)
// succeeded, e.g. STEP_OK_1.
func StepOKState(n int) SagaState {
	return SagaState(fmt.Sprintf("STEP_OK_%d", n))
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s SagaState) IsTerminal() bool {
	switch s {
	case SagaCompleted, SagaFailed, SagaCompensated, SagaTimedOut:
		return true
	}
	return false
}

// StepKind identifies a forward step in a saga topology.
type StepKind string

const (
	StepCreateCampaign StepKind = "CREATE_CAMPAIGN"
	StepProcessPayment StepKind = "PROCESS_PAYMENT"
	StepGenerateReport StepKind = "GENERATE_REPORT"
)

// CompensationKind identifies the semantic undo of a forward step.
type CompensationKind string

const (
	CompCancelCampaign CompensationKind = "CANCEL_CAMPAIGN"
	CompRefundPayment  CompensationKind = "REFUND_PAYMENT"
	CompCancelReport   CompensationKind = "CANCEL_REPORT"
)

// compensationOf maps forward steps to their compensations. Topologies are
// data: adding a saga type means adding rows here and in its step list.
var compensationOf = map[StepKind]CompensationKind{
	StepCreateCampaign: CompCancelCampaign,
	StepProcessPayment: CompRefundPayment,
	StepGenerateReport: CompCancelReport,
}

// CompensationOf returns the compensation kind for a forward step.
func CompensationOf(k StepKind) (CompensationKind, bool) {
	c, ok := compensationOf[k]
	return c, ok
}

// SagaTypeCreateCompleteCampaign is the single topology this orchestrator
// ships: campaign -> payment -> report.
const SagaTypeCreateCompleteCampaign = "CREAR_CAMPANA_COMPLETA"

// StepsFor returns the ordered forward steps of a saga type.
func StepsFor(sagaType string) ([]StepKind, error) {
	if sagaType == SagaTypeCreateCompleteCampaign {
		return []StepKind{StepCreateCampaign, StepProcessPayment, StepGenerateReport}, nil
	}
	return nil, fmt.Errorf("op=saga.steps_for: unknown saga type %q: %w", sagaType, ErrInvalidArgument)
}

// Step is one forward local transaction in a saga. Append-only: once Success
// is true neither Success nor Result may change.
type Step struct {
	ID         string
	Kind       StepKind
	Input      json.RawMessage
	Result     json.RawMessage
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// Pending reports whether the step has neither succeeded nor failed.
func (s *Step) Pending() bool { return !s.Success && s.Error == "" }

// AwaitingAsyncResult reports whether the step accepted work but has not been
// resolved yet (the payment path: the participant answered PENDING and the
// outcome arrives later as a domain event).
func (s *Step) AwaitingAsyncResult() bool {
	return !s.Success && s.Error == "" && len(s.Result) > 0
}

// Compensation is the undo record for one successful step.
type Compensation struct {
	ID         string
	StepID     string
	Kind       CompensationKind
	Input      json.RawMessage
	Result     json.RawMessage
	Success    bool
	Error      string
	ExecutedAt time.Time
}

// Saga is a persistent long-running transaction instance. It is owned
// exclusively by the orchestrator; readers see the latest committed version.
type Saga struct {
	ID             string
	Type           string
	State          SagaState
	InitialPayload json.RawMessage
	Steps          []*Step
	Compensations  []*Compensation
	StartedAt      time.Time
	EndedAt        *time.Time
	ErrorMessage   string
	TimeoutMinutes int
	// Version increments on every update; repositories reject stale writes.
	Version int64
}

// NewSaga builds a saga with its steps pre-enumerated from the topology and
// the given per-step inputs (parallel to StepsFor order).
func NewSaga(sagaType string, initial json.RawMessage, inputs []json.RawMessage, timeoutMinutes int) (*Saga, error) {
	kinds, err := StepsFor(sagaType)
	if err != nil {
		return nil, err
	}
	if len(inputs) != len(kinds) {
		return nil, fmt.Errorf("op=saga.new: expected %d step inputs, got %d: %w", len(kinds), len(inputs), ErrInvalidArgument)
	}
	if timeoutMinutes <= 0 {
		timeoutMinutes = 30
	}
	sg := &Saga{
		ID:             uuid.New().String(),
		Type:           sagaType,
		State:          SagaStarted,
		InitialPayload: initial,
		StartedAt:      time.Now().UTC(),
		TimeoutMinutes: timeoutMinutes,
	}
	for i, k := range kinds {
		sg.Steps = append(sg.Steps, &Step{
			ID:    uuid.New().String(),
			Kind:  k,
			Input: inputs[i],
		})
	}
	return sg, nil
}

// NextPendingStep returns the first step that has neither succeeded nor
// failed, or nil when every step is done.
func (sg *Saga) NextPendingStep() *Step {
	for _, st := range sg.Steps {
		if st.Pending() {
			return st
		}
	}
	return nil
}

// StepByID looks up a step.
func (sg *Saga) StepByID(id string) *Step {
	for _, st := range sg.Steps {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// SuccessfulSteps returns the steps that completed, in execution order.
func (sg *Saga) SuccessfulSteps() []*Step {
	var out []*Step
	for _, st := range sg.Steps {
		if st.Success {
			out = append(out, st)
		}
	}
	return out
}

// MarkStepSucceeded records a step result and advances the saga state to the
// matching STEP_OK_n (or COMPLETED when it was the last step). Idempotent: a
// second call for an already-successful step is a no-op.
func (sg *Saga) MarkStepSucceeded(stepID string, result json.RawMessage) error {
	st := sg.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("op=saga.mark_step: step %s: %w", stepID, ErrNotFound)
	}
	if st.Success {
		return nil
	}
	st.Success = true
	st.Result = result
	st.Error = ""
	st.ExecutedAt = time.Now().UTC()

	done := len(sg.SuccessfulSteps())
	if done == len(sg.Steps) {
		sg.State = SagaCompleted
		now := time.Now().UTC()
		sg.EndedAt = &now
	} else {
		sg.State = StepOKState(done)
	}
	return nil
}

// MarkStepFailed records a step failure. The saga moves to FAILED; whether it
// instead enters the compensation chain is the engine's call.
func (sg *Saga) MarkStepFailed(stepID, errMsg string) error {
	st := sg.StepByID(stepID)
	if st == nil {
		return fmt.Errorf("op=saga.mark_step: step %s: %w", stepID, ErrNotFound)
	}
	if st.Success {
		return fmt.Errorf("op=saga.mark_step: step %s already succeeded: %w", stepID, ErrConflict)
	}
	st.Success = false
	st.Error = errMsg
	st.ExecutedAt = time.Now().UTC()
	sg.State = SagaFailed
	sg.ErrorMessage = errMsg
	now := time.Now().UTC()
	sg.EndedAt = &now
	return nil
}

// BeginCompensation flips the saga into COMPENSATING and materializes one
// compensation per successful step, in reverse execution order. At most one
// compensation exists per step.
func (sg *Saga) BeginCompensation() []*Compensation {
	sg.State = SagaCompensating
	sg.EndedAt = nil
	existing := map[string]bool{}
	for _, c := range sg.Compensations {
		existing[c.StepID] = true
	}
	succeeded := sg.SuccessfulSteps()
	var created []*Compensation
	for i := len(succeeded) - 1; i >= 0; i-- {
		st := succeeded[i]
		if existing[st.ID] {
			continue
		}
		kind, ok := CompensationOf(st.Kind)
		if !ok {
			continue
		}
		c := &Compensation{
			ID:     uuid.New().String(),
			StepID: st.ID,
			Kind:   kind,
			Input:  st.Result,
		}
		sg.Compensations = append(sg.Compensations, c)
		created = append(created, c)
	}
	return created
}

// FinishCompensation marks the chain done. Compensations are best-effort, so
// the saga ends COMPENSATED even when some of them failed.
func (sg *Saga) FinishCompensation() {
	sg.State = SagaCompensated
	now := time.Now().UTC()
	sg.EndedAt = &now
}

// MarkTimedOut records sweeper-detected expiry.
func (sg *Saga) MarkTimedOut() {
	sg.State = SagaTimedOut
	sg.ErrorMessage = fmt.Sprintf("timeout after %d minutes", sg.TimeoutMinutes)
	now := time.Now().UTC()
	sg.EndedAt = &now
}

// Expired reports whether the saga ran past its timeout budget.
func (sg *Saga) Expired(now time.Time) bool {
	return now.Sub(sg.StartedAt) > time.Duration(sg.TimeoutMinutes)*time.Minute
}
