package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeSchemaVersion is bumped when the wire shape of Envelope changes in
// a non-additive way. Consumers skip-and-log unknown versions.
const EnvelopeSchemaVersion = "v1"

// Envelope is the wire frame every published event travels in. Data carries
// the event-type-specific payload untouched.
type Envelope struct {
	SchemaVersion string          `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload with a fresh event id and UTC timestamp.
func NewEnvelope(eventType string, data json.RawMessage) Envelope {
	return Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		EventType:     eventType,
		EventID:       uuid.New().String(),
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}
}

// Validate rejects envelopes a consumer must not process.
func (e Envelope) Validate() error {
	if e.SchemaVersion != EnvelopeSchemaVersion {
		return fmt.Errorf("op=events.validate: unsupported schema_version %q: %w", e.SchemaVersion, ErrInvalidArgument)
	}
	if e.EventType == "" || e.EventID == "" {
		return fmt.Errorf("op=events.validate: missing event_type or event_id: %w", ErrInvalidArgument)
	}
	return nil
}

// Saga lifecycle event types, published through the outbox on every state
// transition.
const (
	EventSagaStarted              = "SagaStarted"
	EventSagaStepExecuted         = "SagaStepExecuted"
	EventSagaStepFailed           = "SagaStepFailed"
	EventSagaCompensationExecuted = "SagaCompensationExecuted"
	EventSagaCompleted            = "SagaCompleted"
	EventSagaFailed               = "SagaFailed"
	EventSagaCompensated          = "SagaCompensated"
	EventSagaTimedOut             = "SagaTimedOut"
)

// Payment service event types, consumed to resolve async payment steps.
const (
	EventPaymentPending   = "PaymentPending"
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
)

// Topic names. Saga and payment topics are flat; tracking commands follow the
// <context>.commands.<Name>.v<version> convention.
const (
	TopicSagaEvents     = "saga-events"
	TopicPaymentsEvents = "payments-events"
)

// TrackingCommandTopic returns the per-event-type command topic for collector
// dispatch, e.g. tracking.commands.RegisterClick.v1.
func TrackingCommandTopic(eventKind string) string {
	return fmt.Sprintf("tracking.commands.Register%s.v1", eventKind)
}

// DLQTopic returns the dead-letter topic paired with a source topic.
func DLQTopic(topic string) string { return topic + ".DLQ" }

// SagaEventPayload is the data section of every saga lifecycle event.
type SagaEventPayload struct {
	SagaID    string `json:"saga_id"`
	SagaType  string `json:"saga_type"`
	State     string `json:"state"`
	StepKind  string `json:"step_kind,omitempty"`
	CompKind  string `json:"compensation_kind,omitempty"`
	Error     string `json:"error,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
}

// PaymentEventPayload is the data section of PaymentCompleted/PaymentFailed.
type PaymentEventPayload struct {
	PaymentID string  `json:"id_pago"`
	SagaID    string  `json:"saga_id,omitempty"`
	Amount    float64 `json:"monto,omitempty"`
	Reason    string  `json:"razon,omitempty"`
}
