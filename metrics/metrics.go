// Package metrics holds the Prometheus collectors for the referral engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "referral_engine",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)

	registrations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "graph",
			Name:      "registrations_total",
			Help:      "Users registered, split by whether they have a referrer.",
		},
		[]string{"referred"},
	)

	surgeries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "graph",
			Name:      "tree_surgery_total",
			Help:      "Admin tree surgery operations applied.",
		},
		[]string{"operation"},
	)

	purchases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "ledger",
			Name:      "packages_total",
			Help:      "Packages granted, split by purchase or admin assignment.",
		},
		[]string{"source"},
	)

	commissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "ledger",
			Name:      "commissions_total",
			Help:      "Commission rows credited by level.",
		},
		[]string{"level"},
	)

	commissionAmount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "ledger",
			Name:      "commission_amount_total",
			Help:      "Sum of credited commission amounts by level.",
		},
		[]string{"level"},
	)

	withdrawals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "referral_engine",
			Subsystem: "ledger",
			Name:      "withdrawal_transitions_total",
			Help:      "Withdrawal state transitions by resulting status.",
		},
		[]string{"status"},
	)

	integrityViolations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "referral_engine",
			Subsystem: "integrity",
			Name:      "violations",
			Help:      "Violations found by the last integrity audit.",
		},
	)

	integrityLastRun = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "referral_engine",
			Subsystem: "integrity",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time of the last integrity audit.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests,
		httpDuration,
		registrations,
		surgeries,
		purchases,
		commissions,
		commissionAmount,
		withdrawals,
		integrityViolations,
		integrityLastRun,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func RecordRegistration(referred bool) {
	registrations.WithLabelValues(strconv.FormatBool(referred)).Inc()
}

func RecordSurgery(operation string) {
	surgeries.WithLabelValues(operation).Inc()
}

func RecordPackage(source string) {
	purchases.WithLabelValues(source).Inc()
}

func RecordCommission(level int, amount float64) {
	l := strconv.Itoa(level)
	commissions.WithLabelValues(l).Inc()
	commissionAmount.WithLabelValues(l).Add(amount)
}

func RecordWithdrawal(status string) {
	withdrawals.WithLabelValues(status).Inc()
}

func RecordIntegrityAudit(violations int, at time.Time) {
	integrityViolations.Set(float64(violations))
	integrityLastRun.Set(float64(at.Unix()))
}
