package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"testmakon/realtime/internal/logging"
)

type stubReadiness struct {
	clients int
	pending int
	uptime  time.Duration
	err     error
}

func (s *stubReadiness) SnapshotClientCounts() (int, int) { return s.clients, s.pending }
func (s *stubReadiness) StartupError() error              { return s.err }
func (s *stubReadiness) Uptime() time.Duration            { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" || payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{clients: 3, pending: 1, uptime: 45 * time.Second, err: errors.New("store unreachable")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	handlers.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Clients       int     `json:"clients"`
		Pending       int     `json:"pending_clients"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "store unreachable" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Clients != 3 || payload.Pending != 1 || payload.UptimeSeconds != 45 {
		t.Fatalf("unexpected counters: %+v", payload)
	}
}

func TestMetricsHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	sessions := prometheus.NewGauge(prometheus.GaugeOpts{Name: "realtime_sessions", Help: "Live sessions."})
	reg.MustRegister(sessions)
	sessions.Set(2)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Gatherer: reg})

	router := mux.NewRouter()
	handlers.Register(router)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if body := rr.Body.String(); !strings.Contains(body, "realtime_sessions 2") {
		t.Fatalf("metrics missing gauge:\n%s", body)
	}
}

func TestSweepHandlerAuthAndRateLimits(t *testing.T) {
	calls := 0
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		Sweeper:     SweeperFunc(func(context.Context) int { calls++; return 2 }),
		AdminToken:  "topsecret",
		RateLimiter: &stubLimiter{remaining: 1},
	})

	makeRequest := func(method, token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/admin/matchmaking/sweep", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.SweepHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(http.MethodGet, "topsecret"); resp.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.Code)
	}
	if resp := makeRequest(http.MethodPost, ""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}
	resp := makeRequest(http.MethodPost, "topsecret")
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}
	var payload struct {
		Matched int `json:"matched"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.Matched != 2 {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}
	if calls != 1 {
		t.Fatalf("expected sweeper invoked once, got %d", calls)
	}
	if resp := makeRequest(http.MethodPost, "topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestSweepHandlerWithoutAdminToken(t *testing.T) {
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger()})
	rr := httptest.NewRecorder()
	handlers.SweepHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/matchmaking/sweep", nil))
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestAdminLimiterBurst(t *testing.T) {
	limiter := NewAdminLimiter(time.Hour, 2)
	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}
	if !NewAdminLimiter(0, 0).Allow() {
		t.Fatal("limiter with zero configuration should allow")
	}
}
