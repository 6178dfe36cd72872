package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatd/pkg/api/handlers"
	"chatd/pkg/logger"
	"chatd/pkg/telemetry"
	"chatd/pkg/utils"
)

// logRequests traces every request at debug level with redacted
// headers.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("http_request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "headers", logger.SafeHeaders(r))
		next.ServeHTTP(w, r)
	})
}

// Options tunes the router; zero values use conservative defaults.
type Options struct {
	RateRPS   float64
	RateBurst int
}

// NewRouter assembles the full HTTP surface: versioned API, health,
// metrics, and the admin sweep trigger, wrapped in telemetry and
// rate-limit middleware.
func NewRouter(d handlers.Deps, opts Options) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_ = utils.JSONWrite(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	d.RegisterMessages(v1)
	d.RegisterConversations(v1)
	d.RegisterRequests(v1)

	v1.HandleFunc("/admin/sweep", func(w http.ResponseWriter, r *http.Request) {
		if d.Sweep == nil {
			utils.JSONError(w, http.StatusNotImplemented, "sweeper not running")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()
		removed, err := d.Sweep(ctx)
		if err != nil {
			utils.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		_ = utils.JSONWrite(w, http.StatusOK, map[string]int{"removed": removed})
	}).Methods(http.MethodPost)

	lim := &limiterPool{rps: opts.RateRPS, burst: opts.RateBurst}
	return telemetry.Middleware(lim.middleware(logRequests(r)))
}
