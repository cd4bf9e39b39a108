package proxy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httputil"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aeropartners/aeropartners/internal/adapter/observability"
)

type upstreamKey struct{}

// NewForwarder builds the reverse proxy handler. Every request goes to the
// upstream that is active at rewrite time; the response (or transport error)
// is reported back into the state so forwarded traffic contributes to the
// failover decision alongside the prober.
func NewForwarder(state *State, transport http.RoundTripper) http.Handler {
	rp := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			name, base := state.Active()
			pr.SetURL(base)
			pr.SetXForwarded()
			pr.Out.Host = base.Host
			pr.Out = pr.Out.WithContext(context.WithValue(pr.Out.Context(), upstreamKey{}, name))
		},
		ModifyResponse: func(resp *http.Response) error {
			if name, ok := resp.Request.Context().Value(upstreamKey{}).(string); ok {
				state.Report(name, resp.StatusCode < http.StatusInternalServerError)
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			name, _ := r.Context().Value(upstreamKey{}).(string)
			if name != "" {
				state.Report(name, false)
			}
			slog.Warn("upstream request failed",
				slog.String("upstream", name),
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error": "servicio de campañas no disponible",
			})
		},
	}
	return rp
}

// NewRouter assembles the proxy's HTTP surface: its own health and status
// endpoints plus the forwarded campaign API.
func NewRouter(state *State, forwarder http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"servicio": "proxy-campanas",
			"modo":     "failover",
		})
	})
	// Healthy as long as at least one upstream can take traffic.
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		snap := state.Snapshot()
		healthy := false
		for _, u := range snap.Upstreams {
			if u.Healthy {
				healthy = true
				break
			}
		}
		estado, code := "ok", http.StatusOK
		if !healthy {
			estado, code = "degradado", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"estado":          estado,
			"upstream_activo": snap.Active,
			"upstreams":       snap.Upstreams,
		})
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, state.Snapshot())
	})
	// Upstream snapshot under the API prefix, for clients that only see
	// /api/campaigns. Static routes win over the wildcard.
	r.Get("/api/campaigns/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, state.Snapshot())
	})
	r.Handle("/api/campaigns", forwarder)
	r.Handle("/api/campaigns/*", forwarder)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
