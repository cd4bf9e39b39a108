package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// ParticipantError is a participant call outcome the engine must act on.
// Retriable errors (timeouts, 5xx, broker trouble) propagate up so broker
// redelivery drives the next attempt; non-retriable ones are business
// failures that trigger the compensation chain.
type ParticipantError struct {
	Reason    string
	Retriable bool
}

func (e *ParticipantError) Error() string {
	if e.Retriable {
		return fmt.Sprintf("participant error (retriable): %s", e.Reason)
	}
	return fmt.Sprintf("participant error: %s", e.Reason)
}

// IsRetriable reports whether err should be retried via redelivery rather
// than treated as a business failure.
func IsRetriable(err error) bool {
	var pe *ParticipantError
	if errors.As(err, &pe) {
		return pe.Retriable
	}
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrUpstreamUnavailable)
}
