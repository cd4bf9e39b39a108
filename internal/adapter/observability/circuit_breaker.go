package observability

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows requests through.
	BreakerClosed BreakerState = iota
	// BreakerOpen blocks requests until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets a few probe requests through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Breaker shields participant HTTP calls from a flapping upstream: after
// maxFailures consecutive errors it rejects calls for cooldown, then probes
// with a handful of requests before closing again.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time
	probes      int
}

const halfOpenProbes = 3

// NewBreaker creates a closed breaker.
func NewBreaker(name string, maxFailures int, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, maxFailures: maxFailures, cooldown: cooldown}
}

// Call runs fn unless the breaker is open. The returned error is either fn's
// error or a rejection when the breaker blocks the call.
func (b *Breaker) Call(fn func() error) error {
	b.mu.Lock()

	if b.state == BreakerOpen && time.Since(b.lastFailure) >= b.cooldown {
		b.state = BreakerHalfOpen
		b.probes = 0
	}
	if b.state == BreakerOpen || (b.state == BreakerHalfOpen && b.probes >= halfOpenProbes) {
		RecordCircuitBreakerStatus(b.name, int(b.state))
		b.mu.Unlock()
		return fmt.Errorf("op=observability.breaker: %s is %s", b.name, b.state)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failures++
		b.lastFailure = time.Now()
		if b.failures >= b.maxFailures {
			b.state = BreakerOpen
		}
	} else {
		switch b.state {
		case BreakerClosed:
			b.failures = 0
		case BreakerHalfOpen:
			b.probes++
			if b.probes >= halfOpenProbes {
				b.state = BreakerClosed
				b.failures = 0
				b.probes = 0
			}
		}
	}
	RecordCircuitBreakerStatus(b.name, int(b.state))
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset force-closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}
