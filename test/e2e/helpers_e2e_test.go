//go:build e2e

package e2e_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// getenv returns the value of the environment variable k or def if empty.
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func baseURL() string { return getenv("E2E_BASE_URL", "http://localhost:8080") }

func httpClient() *http.Client { return &http.Client{Timeout: 15 * time.Second} }

// postJSON sends a JSON body and decodes the JSON response into out.
func postJSON(t *testing.T, path string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := httpClient().Post(baseURL()+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := httpClient().Get(baseURL() + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// waitForSagaState polls the status endpoint until the saga reaches one of
// the wanted states or the deadline passes.
func waitForSagaState(t *testing.T, sagaID string, deadline time.Duration, wanted ...string) string {
	t.Helper()
	end := time.Now().Add(deadline)
	var last string
	for time.Now().Before(end) {
		var view struct {
			State string `json:"estado"`
		}
		code := getJSON(t, "/saga/"+sagaID+"/status", &view)
		require.Equal(t, http.StatusOK, code)
		last = view.State
		for _, w := range wanted {
			if view.State == w {
				return view.State
			}
		}
		time.Sleep(time.Second)
	}
	t.Fatalf("saga %s never reached %v, last state %s", sagaID, wanted, last)
	return last
}

func uniqueSuffix() string { return fmt.Sprintf("%d", time.Now().UnixNano()) }
