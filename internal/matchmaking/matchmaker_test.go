package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"testmakon/realtime/internal/battle"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type topicRecorder struct {
	mu     sync.Mutex
	events map[string][]protocol.Envelope
}

func (r *topicRecorder) Publish(topic string, env protocol.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = make(map[string][]protocol.Envelope)
	}
	r.events[topic] = append(r.events[topic], env)
	return 1
}

func (r *topicRecorder) count(topic, typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, env := range r.events[topic] {
		if env.Type == typ {
			n++
		}
	}
	return n
}

type sweepCounter struct {
	mu      sync.Mutex
	sweeps  int
	matched int
}

func (s *sweepCounter) ObserveSweep(_ time.Duration, matched int) {
	s.mu.Lock()
	s.sweeps++
	s.matched += matched
	s.mu.Unlock()
}

type harness struct {
	mem   *store.Memory
	pub   *topicRecorder
	clock *stubClock
	obs   *sweepCounter
	mm    *Matchmaker
}

func newHarness(t *testing.T, ratings map[int64]int) *harness {
	t.Helper()
	mem := store.NewMemory()
	for id, rating := range ratings {
		mem.PutUser(store.User{ID: id, Name: fmt.Sprintf("user-%d", id), Rating: rating})
	}
	for i := 1; i <= 12; i++ {
		subject := "math"
		if i > 10 {
			subject = "physics"
		}
		id := int64(i)
		mem.AddQuestions(store.Question{ID: id, Subject: subject, Text: "q", Answers: []store.Option{{ID: id * 10, IsCorrect: true}, {ID: id*10 + 1}}})
	}
	clock := &stubClock{now: time.Date(2024, time.May, 6, 9, 0, 0, 0, time.UTC)}
	pub := &topicRecorder{}
	obs := &sweepCounter{}
	engine := battle.NewEngine(mem, pub, battle.Config{}, battle.WithClock(clock.Now))
	mm := New(mem, engine, pub, Config{}, WithClock(clock.Now), WithObserver(obs))
	return &harness{mem: mem, pub: pub, clock: clock, obs: obs, mm: mm}
}

func (h *harness) join(t *testing.T, userID int64, subject string) {
	t.Helper()
	if _, err := h.mm.Join(context.Background(), userID, subject, 5); err != nil {
		t.Fatalf("Join(%d): %v", userID, err)
	}
	h.clock.Advance(time.Second)
}

func TestSweepPairsWithinInclusiveBand(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500, 2: 1800})
	ctx := context.Background()
	h.join(t, 1, "math")
	h.join(t, 2, "math")

	if got := h.mm.Sweep(ctx); got != 1 {
		t.Fatalf("expected one pair at a 300 gap, got %d", got)
	}
	for _, topic := range []string{"user:1", "user:2"} {
		if h.pub.count(topic, "match_found") != 1 || h.pub.count(topic, "battle_ready") != 1 {
			t.Fatalf("%s must receive match_found and battle_ready", topic)
		}
	}
	status, err := h.mm.State(ctx, 1)
	if err != nil || status.State != StateMatched || status.BattleUUID == "" {
		t.Fatalf("unexpected state %+v err=%v", status, err)
	}
	b, err := h.mem.GetBattle(ctx, status.BattleUUID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	if b.Status != store.BattleAccepted || b.OpponentType != store.OpponentRandom || b.TotalTime != 150*time.Second {
		t.Fatalf("unexpected matched battle %+v", b)
	}

	//1.- Re-running the sweep must not pair anybody again.
	if got := h.mm.Sweep(ctx); got != 0 {
		t.Fatalf("sweep must be idempotent, got %d", got)
	}
	if h.pub.count("user:1", "match_found") != 1 {
		t.Fatal("match_found must be sent once")
	}
	if h.obs.sweeps != 2 || h.obs.matched != 1 {
		t.Fatalf("unexpected sweep observations %+v", h.obs)
	}
}

func TestSweepLeavesWideGapWaiting(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500, 2: 1801})
	ctx := context.Background()
	h.join(t, 1, "math")
	h.join(t, 2, "math")
	if got := h.mm.Sweep(ctx); got != 0 {
		t.Fatalf("a 301 gap must not match, got %d", got)
	}
	status, _ := h.mm.State(ctx, 2)
	if status.State != StateWaiting {
		t.Fatalf("expected waiting, got %+v", status)
	}
}

func TestSweepHonoursSubjectAndJoinOrder(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500, 2: 1520, 3: 1510, 4: 1500})
	ctx := context.Background()
	h.join(t, 1, "math")
	h.join(t, 2, "physics")
	h.join(t, 3, "math")
	h.join(t, 4, "")

	if got := h.mm.Sweep(ctx); got != 2 {
		t.Fatalf("expected two pairs, got %d", got)
	}
	one, _ := h.mm.State(ctx, 1)
	three, _ := h.mm.State(ctx, 3)
	two, _ := h.mm.State(ctx, 2)
	four, _ := h.mm.State(ctx, 4)
	if one.BattleUUID == "" || one.BattleUUID != three.BattleUUID {
		t.Fatalf("earliest math players must meet, got %+v %+v", one, three)
	}
	if two.BattleUUID == "" || two.BattleUUID != four.BattleUUID {
		t.Fatalf("an open subject must accept physics, got %+v %+v", two, four)
	}
	b, _ := h.mem.GetBattle(ctx, two.BattleUUID)
	if b.Subject != "physics" || b.QuestionCount != 2 {
		t.Fatalf("expected the physics pool, got %s/%d", b.Subject, b.QuestionCount)
	}
}

func TestQueueTimeout(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500})
	ctx := context.Background()
	h.join(t, 1, "math")
	h.clock.Advance(2 * time.Minute)

	if status, _ := h.mm.State(ctx, 1); status.State != StateExpired {
		t.Fatalf("an overdue entry reports expired before the sweep, got %+v", status)
	}
	h.mm.Sweep(ctx)
	if h.pub.count("user:1", "match_timeout") != 1 {
		t.Fatal("expected match_timeout")
	}
	entries, _ := h.mem.ListQueueEntries(ctx)
	if len(entries) != 0 {
		t.Fatalf("expired entry must be deleted, got %+v", entries)
	}
	if status, _ := h.mm.State(ctx, 1); status.State != StateExpired {
		t.Fatalf("expected expired after the sweep, got %+v", status)
	}
	h.join(t, 1, "math")
	if status, _ := h.mm.State(ctx, 1); status.State != StateWaiting {
		t.Fatalf("rejoining must reset the state, got %+v", status)
	}
}

func TestRejoinBeforeSweepReplacesLapsedEntry(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500})
	ctx := context.Background()
	h.join(t, 1, "math")
	h.clock.Advance(3 * time.Minute)

	if status, _ := h.mm.State(ctx, 1); status.State != StateExpired {
		t.Fatalf("expected expired before any sweep, got %+v", status)
	}
	entry, err := h.mm.Join(ctx, 1, "physics", 5)
	if err != nil {
		t.Fatalf("rejoin after the entry lapsed: %v", err)
	}
	if !entry.ExpiresAt.After(h.clock.Now()) {
		t.Fatalf("rejoined entry must carry a fresh expiry, got %v", entry.ExpiresAt)
	}
	if h.pub.count("user:1", "match_timeout") != 1 {
		t.Fatal("the lapsed entry must still time out")
	}
	if status, _ := h.mm.State(ctx, 1); status.State != StateWaiting {
		t.Fatalf("expected waiting after rejoin, got %+v", status)
	}
	entries, _ := h.mem.ListQueueEntries(ctx)
	if len(entries) != 1 || entries[0].Subject != "physics" {
		t.Fatalf("expected only the new entry, got %+v", entries)
	}

	//1.- The sweep must not time the fresh entry out a second time.
	h.mm.Sweep(ctx)
	if h.pub.count("user:1", "match_timeout") != 1 {
		t.Fatal("fresh entry must not be expired by the next sweep")
	}
}

func TestJoinAndCancel(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500})
	ctx := context.Background()
	h.join(t, 1, "math")
	if _, err := h.mm.Join(ctx, 1, "math", 5); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("double join must be invalid_state, got %v", err)
	}
	if _, err := h.mm.Join(ctx, 99, "math", 5); !errors.Is(err, protocol.ErrNotFound) {
		t.Fatalf("unknown user must be not_found, got %v", err)
	}
	if _, err := h.mm.Join(ctx, 1, "math", 51); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("oversized count must be invalid_payload, got %v", err)
	}
	if err := h.mm.Cancel(ctx, 1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if h.pub.count("user:1", "matchmaking_joined") != 1 || h.pub.count("user:1", "matchmaking_cancelled") != 1 {
		t.Fatal("expected joined and cancelled envelopes")
	}
	if status, _ := h.mm.State(ctx, 1); status.State != StateNone {
		t.Fatalf("expected none after cancel, got %+v", status)
	}
	if err := h.mm.Cancel(ctx, 1); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("cancel without an entry must be invalid_state, got %v", err)
	}
}

func TestSweepIgnoresCallerCancellation(t *testing.T) {
	h := newHarness(t, map[int64]int{1: 1500, 2: 1500})
	h.join(t, 1, "math")
	h.join(t, 2, "math")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if got := h.mm.Sweep(ctx); got != 1 {
		t.Fatalf("a cancelled caller must not abort the sweep, got %d", got)
	}
}
