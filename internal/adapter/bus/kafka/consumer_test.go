package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

func TestNewConsumerValidation(t *testing.T) {
	t.Parallel()
	handlers := map[string]Handler{
		"saga-events": func(context.Context, []byte, []byte, map[string]string) error { return nil },
	}

	_, err := NewConsumer(nil, "g", 3, 0, handlers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed brokers")

	_, err = NewConsumer([]string{"localhost:19092"}, "", 3, 0, handlers)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "group ID")

	_, err = NewConsumer([]string{"localhost:19092"}, "g", 3, 0, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handlers")
}

func TestNewProducerValidation(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(nil, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seed brokers")
}

func TestCreateTopicValidation(t *testing.T) {
	t.Parallel()
	err := createTopicIfNotExists(context.Background(), nil, "", 1, 1)
	require.Error(t, err)
	err = createTopicIfNotExists(context.Background(), nil, "t", 0, 1)
	require.Error(t, err)
	err = createTopicIfNotExists(context.Background(), nil, "t", 1, 0)
	require.Error(t, err)
}

func newTestConsumer(handler Handler, produceErr error) (*Consumer, *[]string) {
	var produced []string
	c := &Consumer{
		handlers:     map[string]Handler{"saga-events": handler},
		maxRedeliver: 1,
		retryBase:    time.Millisecond,
		ackTimeout:   time.Second,
		produce: func(_ context.Context, rec *kgo.Record) error {
			if produceErr != nil {
				return produceErr
			}
			produced = append(produced, rec.Topic)
			return nil
		},
	}
	return c, &produced
}

func TestProcessRecordDeadLettersAfterExhaustion(t *testing.T) {
	t.Parallel()
	c, produced := newTestConsumer(func(context.Context, []byte, []byte, map[string]string) error {
		return errors.New("boom")
	}, nil)

	err := c.processRecord(context.Background(), &kgo.Record{Topic: "saga-events", Value: []byte(`{}`)})
	require.NoError(t, err)
	require.Len(t, *produced, 1)
	assert.Equal(t, "saga-events.DLQ", (*produced)[0])
}

func TestProcessRecordReportsDeadLetterFailure(t *testing.T) {
	t.Parallel()
	c, _ := newTestConsumer(func(context.Context, []byte, []byte, map[string]string) error {
		return errors.New("boom")
	}, errors.New("broker unreachable"))

	// Neither handled nor dead-lettered: the offset must stay uncommitted so
	// the broker redelivers the record.
	err := c.processRecord(context.Background(), &kgo.Record{Topic: "saga-events", Value: []byte(`{}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dead_letter")
}

func TestProcessRecordRecoversWithinBudget(t *testing.T) {
	t.Parallel()
	attempts := 0
	c, produced := newTestConsumer(func(context.Context, []byte, []byte, map[string]string) error {
		attempts++
		if attempts == 1 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	err := c.processRecord(context.Background(), &kgo.Record{Topic: "saga-events", Value: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Empty(t, *produced)
}
