package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"testmakon/realtime/internal/logging"
)

// ReadinessProvider exposes coordinator state required for readiness checks.
type ReadinessProvider interface {
	SnapshotClientCounts() (clients, pending int)
	StartupError() error
	Uptime() time.Duration
}

// Sweeper triggers an out-of-band matchmaking pass and reports how many pairs it formed.
type Sweeper interface {
	Sweep(ctx context.Context) int
}

// SweeperFunc adapts a function into a Sweeper.
type SweeperFunc func(ctx context.Context) int

// Sweep implements Sweeper.
func (f SweeperFunc) Sweep(ctx context.Context) int { return f(ctx) }

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// NewAdminLimiter allows limit admin calls per window with a matching burst.
func NewAdminLimiter(window time.Duration, limit int) RateLimiter {
	if window <= 0 || limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit)
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Gatherer    prometheus.Gatherer
	Sweeper     Sweeper
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the coordinator operational handlers.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	gatherer    prometheus.Gatherer
	sweeper     Sweeper
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		gatherer:    gatherer,
		sweeper:     opts.Sweeper,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided router.
func (h *HandlerSet) Register(router *mux.Router) {
	if router == nil {
		return
	}
	router.HandleFunc("/livez", h.LivenessHandler()).Methods(http.MethodGet)
	router.HandleFunc("/readyz", h.ReadinessHandler()).Methods(http.MethodGet)
	router.Handle("/metrics", h.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/admin/matchmaking/sweep", h.SweepHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports coordinator readiness, including session counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Pending       int     `json:"pending_clients"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Clients, resp.Pending = h.readiness.SnapshotClientCounts()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler serves the Prometheus registry in the exposition format.
func (h *HandlerSet) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{
		ErrorLog:      promLogger{h.logger},
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// SweepHandler authorises and triggers an immediate matchmaking sweep.
func (h *HandlerSet) SweepHandler() http.HandlerFunc {
	type response struct {
		Status  string `json:"status"`
		Matched int    `json:"matched"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger
		if logging.TraceIDFromContext(r.Context()) != "" {
			reqLogger = logging.LoggerFromContext(r.Context())
		}
		reqLogger = reqLogger.With(
			logging.String("handler", "matchmaking_sweep"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("sweep denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("sweep denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("sweep denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.sweeper == nil {
			reqLogger.Warn("sweep denied: matchmaker not configured")
			http.Error(w, "matchmaking is unavailable", http.StatusServiceUnavailable)
			return
		}
		matched := h.sweeper.Sweep(r.Context())
		reqLogger.Info("matchmaking sweep triggered", logging.Int("matched", matched))
		writeJSON(w, http.StatusOK, response{Status: "ok", Matched: matched})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

// promLogger routes promhttp gathering errors into the structured logger.
type promLogger struct {
	logger *logging.Logger
}

func (p promLogger) Println(v ...any) {
	parts := make([]string, 0, len(v))
	for _, item := range v {
		if err, ok := item.(error); ok {
			parts = append(parts, err.Error())
			continue
		}
		if s, ok := item.(string); ok {
			parts = append(parts, s)
		}
	}
	p.logger.Warn("metrics gathering failed", logging.String("detail", strings.Join(parts, " ")))
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
