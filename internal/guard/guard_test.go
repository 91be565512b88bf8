package guard

import (
	"testing"
	"time"
)

func TestWindowSlides(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	limiter := NewWindow(time.Minute, 2, func() time.Time { return now })

	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("expected first two calls to be allowed")
	}
	if limiter.Allow() {
		t.Fatal("expected third call to be denied")
	}

	now = now.Add(30 * time.Second)
	if limiter.Allow() {
		t.Fatal("expected call within window to still be denied")
	}

	now = now.Add(31 * time.Second)
	if !limiter.Allow() {
		t.Fatal("expected limiter to permit call after window passes")
	}
}

func TestWindowDisabled(t *testing.T) {
	if !NewWindow(0, 0, nil).Allow() {
		t.Fatal("limiter with zero configuration should allow")
	}
}

func TestBucketBurstThenRefill(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	bucket := NewBucket(20, 5, func() time.Time { return now })

	for i := 0; i < 20; i++ {
		if !bucket.Allow() {
			t.Fatalf("frame %d should fit in the burst", i+1)
		}
	}
	if bucket.Allow() {
		t.Fatal("21st frame should exhaust the bucket")
	}

	now = now.Add(time.Second)
	for i := 0; i < 5; i++ {
		if !bucket.Allow() {
			t.Fatalf("refilled token %d should be available", i+1)
		}
	}
	if bucket.Allow() {
		t.Fatal("only five tokens should refill per second")
	}
}

func TestBroadcastCapDropsAndCounts(t *testing.T) {
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	capper := NewBroadcastCap(60, time.Minute, func() time.Time { return now })

	for i := 0; i < 60; i++ {
		if !capper.Allow(7) {
			t.Fatalf("notification %d should be allowed", i+1)
		}
	}
	if capper.Allow(7) || capper.Allow(7) {
		t.Fatal("notifications past the cap should be dropped")
	}
	if capper.Dropped() != 2 {
		t.Fatalf("expected 2 drops, got %d", capper.Dropped())
	}
	if !capper.Allow(8) {
		t.Fatal("caps are per user")
	}

	now = now.Add(61 * time.Second)
	if !capper.Allow(7) {
		t.Fatal("cap should reset after the window")
	}
}
