// Package participant implements the saga step adapters: HTTP clients for
// the campaign, payment, and reporting services. Each adapter classifies
// failures into retriable transport errors and non-retriable business
// failures, which the engine turns into redelivery or compensation.
package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
	"github.com/aeropartners/aeropartners/internal/domain"
)

// httpClient is the subset of http.Client the adapters need.
type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// caller wraps an HTTP client with a circuit breaker and the shared
// classify-and-decode logic.
type caller struct {
	client  httpClient
	breaker *observability.Breaker
	timeout time.Duration
}

func newCaller(name string, client httpClient, timeout time.Duration) caller {
	if client == nil {
		client = &http.Client{}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return caller{
		client:  client,
		breaker: observability.NewBreaker(name, 5, 30*time.Second),
		timeout: timeout,
	}
}

// doJSON performs one JSON request and maps the response per the adapter
// contract: 2xx returns the body, 4xx is a non-retriable business failure,
// 5xx and transport errors are retriable.
func (c caller) doJSON(ctx context.Context, method, url string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("op=participant.do: marshal: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var result json.RawMessage
	callErr := c.breaker.Call(func() error {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
		if err != nil {
			return &domain.ParticipantError{Reason: err.Error()}
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
				return &domain.ParticipantError{Reason: fmt.Sprintf("%s %s: timeout", method, url), Retriable: true}
			}
			return &domain.ParticipantError{Reason: fmt.Sprintf("%s %s: %v", method, url, err), Retriable: true}
		}
		defer func() { _ = resp.Body.Close() }()

		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return &domain.ParticipantError{Reason: fmt.Sprintf("read body: %v", err), Retriable: true}
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result = b
			return nil
		case resp.StatusCode >= 500:
			return &domain.ParticipantError{
				Reason:    fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(b, 256)),
				Retriable: true,
			}
		default:
			return &domain.ParticipantError{
				Reason: fmt.Sprintf("HTTP %d: %s", resp.StatusCode, truncate(b, 256)),
			}
		}
	})
	if callErr != nil {
		var pe *domain.ParticipantError
		if errors.As(callErr, &pe) {
			return nil, callErr
		}
		// Breaker rejection: upstream is known-bad, let redelivery retry later.
		return nil, &domain.ParticipantError{Reason: callErr.Error(), Retriable: true}
	}
	return result, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// resultField extracts a string field from a step result payload.
func resultField(raw json.RawMessage, field string) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", fmt.Errorf("op=participant.result_field: %w", err)
	}
	v, ok := m[field].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("op=participant.result_field: missing %q: %w", field, domain.ErrInvalidArgument)
	}
	return v, nil
}
