package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(EventSagaStarted, json.RawMessage(`{"saga_id":"s-1"}`))
	assert.Equal(t, EnvelopeSchemaVersion, env.SchemaVersion)
	assert.Equal(t, EventSagaStarted, env.EventType)
	assert.NotEmpty(t, env.EventID)
	assert.False(t, env.Timestamp.IsZero())
	require.NoError(t, env.Validate())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(EventPaymentCompleted, json.RawMessage(`{"id_pago":"p-1","monto":12.5}`))
	b, err := json.Marshal(env)
	require.NoError(t, err)

	var got Envelope
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, env.EventType, got.EventType)
	assert.JSONEq(t, string(env.Data), string(got.Data))
	require.NoError(t, got.Validate())
}

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(EventSagaCompleted, nil)
	env.SchemaVersion = "v99"
	assert.ErrorIs(t, env.Validate(), ErrInvalidArgument)

	env = NewEnvelope("", nil)
	assert.ErrorIs(t, env.Validate(), ErrInvalidArgument)
}

func TestTopicHelpers(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "tracking.commands.RegisterClick.v1", TrackingCommandTopic("Click"))
	assert.Equal(t, "saga-events.DLQ", DLQTopic(TopicSagaEvents))
}
