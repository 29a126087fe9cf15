package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the billing engine.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	httpRequests      *prometheus.HistogramVec
	operationDuration *prometheus.HistogramVec
	bankCalls         *prometheus.CounterVec
	bankErrors        *prometheus.CounterVec
	slipTransitions   *prometheus.CounterVec
	cyclesGenerated   *prometheus.CounterVec
	settlements       *prometheus.CounterVec
	jobRuns           *prometheus.HistogramVec
	tokenRefreshes    *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		httpRequests: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cobranca_http_request_duration_seconds",
				Help:    "Duration of HTTP requests by route and status.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		operationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cobranca_operation_duration_seconds",
				Help:    "Duration of service operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		bankCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_bank_calls_total",
				Help: "Total bank API calls by operation and outcome.",
			},
			[]string{"operation", "outcome"},
		),
		bankErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_bank_errors_total",
				Help: "Total bank API errors by taxonomy kind.",
			},
			[]string{"kind"},
		),
		slipTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_slip_transitions_total",
				Help: "Total slip status transitions.",
			},
			[]string{"to"},
		),
		cyclesGenerated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_cycles_generated_total",
				Help: "Total billing cycles generated.",
			},
			[]string{"trigger"},
		),
		settlements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_settlements_total",
				Help: "Total settlements recorded and reversed.",
			},
			[]string{"kind"},
		),
		jobRuns: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cobranca_job_duration_seconds",
				Help:    "Duration of batch job runs.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
		tokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cobranca_token_refreshes_total",
				Help: "Total OAuth token refreshes by outcome.",
			},
			[]string{"outcome"},
		),
	}
}

// RecordHTTPRequest records one served HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// MetricsMiddleware records request durations per chi route pattern, so
// /v1/slips/{slipID} stays one series regardless of the id.
func MetricsMiddleware(m *Metrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.RecordHTTPRequest(r.Method, route, ww.Status(), time.Since(start))
		})
	}
}

// RecordOperationDuration records the duration of a service operation.
func (m *Metrics) RecordOperationDuration(operation string, d time.Duration) {
	m.operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrBankCall counts one bank API call with its outcome.
func (m *Metrics) IncrBankCall(operation, outcome string) {
	m.bankCalls.WithLabelValues(operation, outcome).Inc()
}

// IncrBankError counts one bank API error by taxonomy kind.
func (m *Metrics) IncrBankError(kind string) {
	m.bankErrors.WithLabelValues(kind).Inc()
}

// IncrSlipTransition counts one slip status transition.
func (m *Metrics) IncrSlipTransition(to string) {
	m.slipTransitions.WithLabelValues(to).Inc()
}

// IncrCycleGenerated counts one generated billing cycle.
func (m *Metrics) IncrCycleGenerated(trigger string) {
	m.cyclesGenerated.WithLabelValues(trigger).Inc()
}

// IncrSettlement counts a recorded or reversed settlement.
func (m *Metrics) IncrSettlement(kind string) {
	m.settlements.WithLabelValues(kind).Inc()
}

// RecordJobRun records the duration of one batch job run.
func (m *Metrics) RecordJobRun(job string, d time.Duration) {
	m.jobRuns.WithLabelValues(job).Observe(d.Seconds())
}

// IncrTokenRefresh counts one OAuth token refresh.
func (m *Metrics) IncrTokenRefresh(outcome string) {
	m.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// BankErrorCount returns the current value of the bank error counter for a
// kind. Used by the operational snapshot endpoint.
func (m *Metrics) BankErrorCount(kind string) float64 {
	return getCounterValue(m.bankErrors, kind)
}

// SlipTransitionCount returns the current transition counter for a status.
func (m *Metrics) SlipTransitionCount(to string) float64 {
	return getCounterValue(m.slipTransitions, to)
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, label string) float64 {
	counter := cv.WithLabelValues(label)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
