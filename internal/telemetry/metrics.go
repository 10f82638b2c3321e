package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrsync"

// Drop reasons used as the "reason" label of SyncDropped.
const (
	DropStale            = "stale"
	DropUnknownComponent = "unknown_component"
	DropOwnOrigin        = "own_origin"
	DropInvalid          = "invalid"
	DropRejected         = "rejected"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	InFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
		[]string{"op"},
	)

	// ---- Sync layer ----

	SyncMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "messages_total",
			Help:      "Messages written to or accepted from peer streams.",
		},
		[]string{"direction", "component"},
	)

	SyncDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "dropped_total",
			Help:      "Messages dropped by the sync layer, by reason.",
		},
		[]string{"reason", "component"},
	)

	SyncRelayed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "relayed_total",
			Help:      "Remote messages re-queued onto other sessions.",
		},
		[]string{"component"},
	)

	SyncCoalesced = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "coalesced_total",
			Help:      "Queued messages replaced in place by a newer version of the same key.",
		},
	)

	SyncSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "sessions",
			Help:      "Registered peer sessions.",
		},
	)

	SyncTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "tick_duration_seconds",
			Help:      "Time spent polling reporters and fanning out per tick.",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
		},
	)

	// ---- Process / build info ----
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version and git_sha).",
		},
		[]string{"version", "git_sha"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		RequestsTotal, RequestDuration, InFlight,
		SyncMessages, SyncDropped, SyncRelayed, SyncCoalesced, SyncSessions, SyncTickDuration,
		buildInfo, uptime,
	)
}

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func SetBuildInfo(version, gitSHA string) {
	buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

// ---- Middleware instrumentation ----

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record metrics under the provided "op" label.
// Example:
//
//	mux.Handle("/view", telemetry.Instrument("view", http.HandlerFunc(n.View)))
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		InFlight.WithLabelValues(op).Inc()
		defer InFlight.WithLabelValues(op).Dec()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
