package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors for the messaging core. Registered on the
// default registry; cmd/chatd exposes them via promhttp.

var (
	MessagesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_messages_appended_total",
		Help: "Messages durably appended, by conversation kind.",
	}, []string{"kind"})

	SendsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_sends_rejected_total",
		Help: "Send attempts rejected before any write, by reason.",
	}, []string{"reason"})

	RequestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatd_requests_resolved_total",
		Help: "Message requests resolved, by decision.",
	}, []string{"decision"})

	SweeperDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_sweeper_deleted_total",
		Help: "Messages removed by the ephemeral sweeper.",
	})

	SweeperErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_sweeper_errors_total",
		Help: "Per-message sweep failures (swallowed and retried next tick).",
	})

	CounterDrift = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatd_unread_counter_drift_total",
		Help: "Full-scan recomputes that disagreed with the incremental unread counter.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatd_http_request_seconds",
		Help:    "HTTP request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request latency and status for every handler.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpDuration.WithLabelValues(r.Method, strconv.Itoa(sw.status)).
			Observe(time.Since(start).Seconds())
	})
}
