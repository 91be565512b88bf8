package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("REALTIME_ADDR", "")
	t.Setenv("REALTIME_ALLOWED_ORIGINS", "")
	t.Setenv("REALTIME_JWT_SECRET", "secret")
	t.Setenv("REALTIME_GRPC_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.HeartbeatTimeout != 90*time.Second {
		t.Fatalf("expected 90s heartbeat timeout, got %v", cfg.HeartbeatTimeout)
	}
	tun := cfg.Tunables
	if tun.ExamTick != 30*time.Second || tun.MatchTick != 5*time.Second {
		t.Fatalf("unexpected ticks exam=%v match=%v", tun.ExamTick, tun.MatchTick)
	}
	if tun.RatingBand != 300 || tun.BucketBurst != 20 || tun.BucketRefill != 5 {
		t.Fatalf("unexpected guard/matchmaking defaults: %+v", tun)
	}
	if tun.OutboundQueue != 256 || tun.NotificationCap != 60 {
		t.Fatalf("unexpected queue defaults: %+v", tun)
	}
	if cfg.JournalMaxBundles != DefaultJournalMaxBundles {
		t.Fatalf("expected default journal bundles, got %d", cfg.JournalMaxBundles)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", "secret")
	t.Setenv("REALTIME_ADDR", "127.0.0.1:9000")
	t.Setenv("REALTIME_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("REALTIME_EXAM_TICK", "10s")
	t.Setenv("REALTIME_RATING_BAND", "150")
	t.Setenv("REALTIME_BUCKET_REFILL", "2.5")
	t.Setenv("REALTIME_GRPC_ADDR", ":9090")
	t.Setenv("REALTIME_GRPC_SHARED_SECRET", "hunter2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.Tunables.ExamTick != 10*time.Second {
		t.Fatalf("expected exam tick override, got %v", cfg.Tunables.ExamTick)
	}
	if cfg.Tunables.RatingBand != 150 {
		t.Fatalf("expected rating band override, got %d", cfg.Tunables.RatingBand)
	}
	if cfg.Tunables.BucketRefill != 2.5 {
		t.Fatalf("expected refill override, got %v", cfg.Tunables.BucketRefill)
	}
	if cfg.GRPCMutualTLS() {
		t.Fatal("shared secret configuration must not report mTLS")
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", "")
	t.Setenv("REALTIME_PING_INTERVAL", "abc")
	t.Setenv("REALTIME_RATING_BAND", "-1")
	t.Setenv("REALTIME_LOG_COMPRESS", "sometimes")
	t.Setenv("REALTIME_GRPC_ADDR", ":9090")
	t.Setenv("REALTIME_GRPC_SHARED_SECRET", "")
	t.Setenv("REALTIME_GRPC_TLS_CERT", "/tmp/cert.pem")

	_, err := Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, fragment := range []string{
		"REALTIME_JWT_SECRET",
		"REALTIME_PING_INTERVAL",
		"REALTIME_RATING_BAND",
		"REALTIME_LOG_COMPRESS",
		"REALTIME_GRPC_ADDR requires",
		"must be provided together",
	} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected error to mention %q, got %q", fragment, msg)
		}
	}
}

func TestLoadRejectsPingLongerThanHeartbeat(t *testing.T) {
	t.Setenv("REALTIME_JWT_SECRET", "secret")
	t.Setenv("REALTIME_PING_INTERVAL", "2m")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "shorter than") {
		t.Fatalf("expected heartbeat ordering error, got %v", err)
	}
}
