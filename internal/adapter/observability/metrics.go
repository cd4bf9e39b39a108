package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	SagasStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sagas_started_total",
			Help: "Total number of sagas started",
		},
	)
	SagasEndedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sagas_ended_total",
			Help: "Total number of sagas reaching a terminal state",
		},
		[]string{"state"},
	)
	SagaStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saga_step_duration_seconds",
			Help:    "Participant call duration per step kind",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"kind", "outcome"},
	)
	CompensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total number of compensations executed",
		},
		[]string{"kind", "outcome"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox rows published to the broker",
		},
		[]string{"topic"},
	)
	OutboxPendingGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "outbox_pending_rows",
			Help: "Unprocessed outbox rows at the last drainer cycle",
		},
	)
	OutboxPublishFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Broker publish failures seen by the drainer",
		},
	)

	ConsumerRedeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_redeliveries_total",
			Help: "Handler NACKs leading to in-process redelivery",
		},
		[]string{"topic"},
	)
	ConsumerDLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consumer_dlq_total",
			Help: "Messages routed to a dead-letter topic",
		},
		[]string{"topic"},
	)

	TrackingEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_events_total",
			Help: "Collector outcomes per event kind",
		},
		[]string{"kind", "outcome"},
	)
	TrackingDiscardsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_discards_total",
			Help: "Discarded tracking events by failing validation rule",
		},
		[]string{"rule"},
	)

	ProxyFailoversTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proxy_failovers_total",
			Help: "Active-upstream switches performed by the failover proxy",
		},
	)
	ProxyUpstreamHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proxy_upstream_healthy",
			Help: "Health of each proxy upstream (1 healthy, 0 unhealthy)",
		},
		[]string{"upstream"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(SagasStartedTotal)
	prometheus.MustRegister(SagasEndedTotal)
	prometheus.MustRegister(SagaStepDuration)
	prometheus.MustRegister(CompensationsTotal)
	prometheus.MustRegister(OutboxPublishedTotal)
	prometheus.MustRegister(OutboxPendingGauge)
	prometheus.MustRegister(OutboxPublishFailures)
	prometheus.MustRegister(ConsumerRedeliveriesTotal)
	prometheus.MustRegister(ConsumerDLQTotal)
	prometheus.MustRegister(TrackingEventsTotal)
	prometheus.MustRegister(TrackingDiscardsTotal)
	prometheus.MustRegister(ProxyFailoversTotal)
	prometheus.MustRegister(ProxyUpstreamHealthy)
	prometheus.MustRegister(CircuitBreakerState)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// ObserveStep records one participant call.
func ObserveStep(kind string, outcome string, dur time.Duration) {
	SagaStepDuration.WithLabelValues(kind, outcome).Observe(dur.Seconds())
}

// RecordCircuitBreakerStatus exports the current breaker state.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}
