// Package matchmaking pairs queued players of similar rating into random battles.
package matchmaking

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"testmakon/realtime/internal/battle"
	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/schedule"
	"testmakon/realtime/internal/store"
)

const (
	DefaultRatingBand   = 300
	DefaultQueueTTL     = 2 * time.Minute
	DefaultInterval     = 5 * time.Second
	DefaultSweepTimeout = 10 * time.Second

	// expiredMemory bounds how long a timed out user keeps reporting the expired state.
	expiredMemory = time.Hour
)

// Store is the persistence slice the matchmaker needs.
type Store interface {
	store.Queue
	store.Ratings
	store.Questions
	store.Users
}

// Battles opens and announces matched battles.
type Battles interface {
	CreateMatched(ctx context.Context, a, b int64, subject string, questions []store.Question) (store.Battle, error)
	AnnounceReady(b store.Battle)
}

// Publisher is the slice of the dispatcher the matchmaker needs.
type Publisher interface {
	Publish(topic string, env protocol.Envelope) int
}

// Observer records sweep timings.
type Observer interface {
	ObserveSweep(elapsed time.Duration, matched int)
}

// Config tunes the matchmaker.
type Config struct {
	RatingBand   int
	QueueTTL     time.Duration
	Interval     time.Duration
	SweepTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatingBand <= 0 {
		c.RatingBand = DefaultRatingBand
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = DefaultQueueTTL
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = DefaultSweepTimeout
	}
	return c
}

// Option customises a Matchmaker.
type Option func(*Matchmaker)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Matchmaker) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithObserver wires sweep metrics.
func WithObserver(o Observer) Option {
	return func(m *Matchmaker) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the matchmaker logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Matchmaker) {
		if logger != nil {
			m.log = logger
		}
	}
}

// State is a user's position in the queue.
type State string

const (
	StateNone    State = "none"
	StateWaiting State = "waiting"
	StateMatched State = "matched"
	StateExpired State = "expired"
)

// Status reports a user's queue state and, once matched, the battle.
type Status struct {
	State      State  `json:"state"`
	BattleUUID string `json:"battle_uuid,omitempty"`
}

// Matchmaker owns the queue. Join, Cancel and Sweep serialize on one mutex so a sweep always
// sees a consistent queue and never pairs a user twice.
type Matchmaker struct {
	store     Store
	battles   Battles
	publisher Publisher
	cfg       Config
	observer  Observer
	now       func() time.Time
	log       *logging.Logger

	mu      sync.Mutex
	expired map[int64]time.Time
}

// New constructs a matchmaker.
func New(st Store, battles Battles, publisher Publisher, cfg Config, opts ...Option) *Matchmaker {
	m := &Matchmaker{
		store:     st,
		battles:   battles,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       logging.L(),
		expired:   make(map[int64]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Join enqueues a user with a snapshot of their current rating.
func (m *Matchmaker) Join(ctx context.Context, userID int64, subject string, count int) (store.QueueEntry, error) {
	if count == 0 {
		count = battle.DefaultQuestionCount
	}
	if count < 0 || count > battle.MaxQuestionCount {
		return store.QueueEntry{}, protocol.Errorf(protocol.CodeInvalidPayload, "question count must be between 1 and %d", battle.MaxQuestionCount)
	}
	rating, err := m.store.Rating(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.QueueEntry{}, protocol.Errorf(protocol.CodeNotFound, "user %d not found", userID)
	}
	if err != nil {
		return store.QueueEntry{}, protocol.Internal(fmt.Errorf("load rating %d: %w", userID, err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	//1.- A lapsed entry the sweep has not reached yet times out here instead of blocking the rejoin.
	if stale, ok, err := m.entryLocked(ctx, userID); err != nil {
		return store.QueueEntry{}, err
	} else if ok && !stale.Matched && now.After(stale.ExpiresAt) {
		if !m.expireLocked(ctx, stale, now) {
			return store.QueueEntry{}, protocol.Internal(fmt.Errorf("expire stale entry %d", userID))
		}
	}
	entry := store.QueueEntry{
		UserID:        userID,
		Subject:       subject,
		QuestionCount: count,
		Rating:        rating,
		JoinedAt:      now,
		ExpiresAt:     now.Add(m.cfg.QueueTTL),
	}
	if err := m.store.InsertQueueEntry(ctx, entry); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.QueueEntry{}, protocol.Errorf(protocol.CodeInvalidState, "already waiting for a match")
		}
		return store.QueueEntry{}, protocol.Internal(fmt.Errorf("enqueue %d: %w", userID, err))
	}
	delete(m.expired, userID)
	m.publisher.Publish(dispatch.UserTopic(userID), protocol.New("matchmaking_joined", map[string]any{
		"subject":        subject,
		"question_count": count,
		"rating":         rating,
		"expires_at":     entry.ExpiresAt.UTC().Format(time.RFC3339),
		"expires_in":     int64(m.cfg.QueueTTL / time.Second),
	}))
	return entry, nil
}

// Cancel removes a waiting user from the queue.
func (m *Matchmaker) Cancel(ctx context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok, err := m.entryLocked(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return protocol.Errorf(protocol.CodeInvalidState, "not waiting for a match")
	}
	if entry.Matched {
		return protocol.Errorf(protocol.CodeInvalidState, "already matched")
	}
	if err := m.store.DeleteQueueEntry(ctx, userID); err != nil {
		return protocol.Internal(fmt.Errorf("dequeue %d: %w", userID, err))
	}
	m.publisher.Publish(dispatch.UserTopic(userID), protocol.New("matchmaking_cancelled", map[string]any{"subject": entry.Subject}))
	return nil
}

// State reports where a user stands in the queue.
func (m *Matchmaker) State(ctx context.Context, userID int64) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok, err := m.entryLocked(ctx, userID)
	if err != nil {
		return Status{}, err
	}
	switch {
	case ok && entry.Matched:
		return Status{State: StateMatched, BattleUUID: entry.BattleUUID}, nil
	case ok && m.now().After(entry.ExpiresAt):
		return Status{State: StateExpired}, nil
	case ok:
		return Status{State: StateWaiting}, nil
	}
	if _, gone := m.expired[userID]; gone {
		return Status{State: StateExpired}, nil
	}
	return Status{State: StateNone}, nil
}

func (m *Matchmaker) entryLocked(ctx context.Context, userID int64) (store.QueueEntry, bool, error) {
	entries, err := m.store.ListQueueEntries(ctx)
	if err != nil {
		return store.QueueEntry{}, false, protocol.Internal(fmt.Errorf("list queue: %w", err))
	}
	for _, e := range entries {
		if e.UserID == userID {
			return e, true, nil
		}
	}
	return store.QueueEntry{}, false, nil
}

// Sweep expires stale entries and pairs compatible waiting users in join order. It is detached
// from the caller's cancellation, bounded by the sweep timeout, and returns the pairs created.
func (m *Matchmaker) Sweep(ctx context.Context) int {
	started := time.Now()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.SweepTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.store.ListQueueEntries(ctx)
	if err != nil {
		m.log.Warn("matchmaker sweep failed", logging.Error(err))
		return 0
	}
	now := m.now()
	for id, at := range m.expired {
		if now.Sub(at) > expiredMemory {
			delete(m.expired, id)
		}
	}

	//1.- Drop expired entries; matched ones leave silently once their window has passed.
	waiting := make([]store.QueueEntry, 0, len(entries))
	for _, e := range entries {
		switch {
		case !now.After(e.ExpiresAt) && !e.Matched:
			waiting = append(waiting, e)
		case e.Matched:
			if now.After(e.ExpiresAt) {
				m.drop(ctx, e)
			}
		default:
			m.expireLocked(ctx, e, now)
		}
	}

	//2.- Earliest joiner first; each user pairs with the earliest compatible partner.
	slices.SortFunc(waiting, func(a, b store.QueueEntry) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	paired := make(map[int64]bool, len(waiting))
	matched := 0
	for i, a := range waiting {
		if paired[a.UserID] {
			continue
		}
		for _, b := range waiting[i+1:] {
			if paired[b.UserID] || !m.compatible(a, b) {
				continue
			}
			if err := m.pairLocked(ctx, a, b); err != nil {
				m.log.Warn("pairing failed", logging.Int64("user_a", a.UserID), logging.Int64("user_b", b.UserID), logging.Error(err))
				if ctx.Err() != nil {
					return m.finishSweep(started, matched)
				}
				continue
			}
			paired[a.UserID], paired[b.UserID] = true, true
			matched++
			break
		}
	}
	return m.finishSweep(started, matched)
}

func (m *Matchmaker) finishSweep(started time.Time, matched int) int {
	if m.observer != nil {
		m.observer.ObserveSweep(time.Since(started), matched)
	}
	if matched > 0 {
		m.log.Info("matchmaker paired players", logging.Int("pairs", matched))
	}
	return matched
}

// expireLocked removes a lapsed waiting entry and tells its owner.
func (m *Matchmaker) expireLocked(ctx context.Context, e store.QueueEntry, now time.Time) bool {
	if !m.drop(ctx, e) {
		return false
	}
	m.expired[e.UserID] = now
	m.publisher.Publish(dispatch.UserTopic(e.UserID), protocol.New("match_timeout", map[string]any{
		"subject":        e.Subject,
		"waited_seconds": int64(now.Sub(e.JoinedAt) / time.Second),
	}))
	return true
}

func (m *Matchmaker) drop(ctx context.Context, e store.QueueEntry) bool {
	if err := m.store.DeleteQueueEntry(ctx, e.UserID); err != nil {
		m.log.Warn("drop queue entry failed", logging.Int64("user_id", e.UserID), logging.Error(err))
		return false
	}
	return true
}

// compatible reports whether two entries may meet: ratings within the inclusive band and the
// same subject, where an empty subject accepts any.
func (m *Matchmaker) compatible(a, b store.QueueEntry) bool {
	diff := a.Rating - b.Rating
	if diff < 0 {
		diff = -diff
	}
	if diff > m.cfg.RatingBand {
		return false
	}
	return a.Subject == "" || b.Subject == "" || a.Subject == b.Subject
}

func (m *Matchmaker) pairLocked(ctx context.Context, a, b store.QueueEntry) error {
	subject := a.Subject
	if subject == "" {
		subject = b.Subject
	}
	count := min(a.QuestionCount, b.QuestionCount)
	questions, err := m.store.FetchQuestions(ctx, subject, count, rand.Uint64())
	if err != nil {
		return fmt.Errorf("fetch questions: %w", err)
	}
	created, err := m.battles.CreateMatched(ctx, a.UserID, b.UserID, subject, questions)
	if err != nil {
		return err
	}
	for _, e := range []store.QueueEntry{a, b} {
		e.Matched, e.BattleUUID = true, created.UUID
		if err := m.store.UpdateQueueEntry(ctx, e); err != nil {
			m.log.Warn("mark queue entry matched failed", logging.Int64("user_id", e.UserID), logging.Error(err))
		}
	}
	m.announce(ctx, created.UUID, a, b)
	m.announce(ctx, created.UUID, b, a)
	m.battles.AnnounceReady(created)
	return nil
}

func (m *Matchmaker) announce(ctx context.Context, battleUUID string, to, opponent store.QueueEntry) {
	name := ""
	if u, err := m.store.GetUser(ctx, opponent.UserID); err == nil {
		name = u.Name
	}
	m.publisher.Publish(dispatch.UserTopic(to.UserID), protocol.New("match_found", map[string]any{
		"battle_uuid": battleUUID,
		"opponent":    map[string]any{"id": opponent.UserID, "name": name, "rating": opponent.Rating},
	}))
}

// Run sweeps every interval until ctx is cancelled.
func (m *Matchmaker) Run(ctx context.Context) {
	loop := schedule.NewLoop(m.cfg.Interval, func(ctx context.Context) { m.Sweep(ctx) })
	loop.Start(ctx)
	<-ctx.Done()
	loop.Stop()
}
