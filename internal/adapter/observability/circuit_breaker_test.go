package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	t.Parallel()
	b := NewBreaker("campaigns", 2, time.Minute)
	boom := errors.New("boom")

	require.Error(t, b.Call(func() error { return boom }))
	assert.Equal(t, BreakerClosed, b.State())
	require.Error(t, b.Call(func() error { return boom }))
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Call(func() error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open")
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	t.Parallel()
	b := NewBreaker("payments", 1, 10*time.Millisecond)
	require.Error(t, b.Call(func() error { return errors.New("down") }))
	assert.Equal(t, BreakerOpen, b.State())

	time.Sleep(20 * time.Millisecond)
	for i := 0; i < halfOpenProbes; i++ {
		require.NoError(t, b.Call(func() error { return nil }))
	}
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerReset(t *testing.T) {
	t.Parallel()
	b := NewBreaker("reporting", 1, time.Minute)
	require.Error(t, b.Call(func() error { return errors.New("down") }))
	assert.Equal(t, BreakerOpen, b.State())
	b.Reset()
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
}

func TestLoggerAndMetricsSetup(t *testing.T) {
	// InitMetrics registers on the default registry; run once per process.
	InitMetrics()
	RecordCircuitBreakerStatus("campaigns", int(BreakerClosed))
}
