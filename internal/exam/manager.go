// Package exam coordinates timed group exams: the lifecycle state machine, the countdown
// timer, live leaderboards, ranking and anti-cheat reports.
package exam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

const (
	DefaultTick            = 30 * time.Second
	DefaultLeaderboardSize = 20
	DefaultViolationLimit  = 3

	persistTimeout = 5 * time.Second
)

// Store is the persistence slice exam rooms need.
type Store interface {
	store.Competitions
	store.Participants
}

// Publisher is the slice of the dispatcher exam rooms need.
type Publisher interface {
	Publish(topic string, env protocol.Envelope) int
}

// Journal records lifecycle events and final standings for audit.
type Journal interface {
	Record(slug, kind string, fields map[string]any)
	Standings(slug string, standings []store.Participant)
}

// Archive exports final standings to long-term search storage.
type Archive interface {
	ArchiveStandings(ctx context.Context, c store.Competition, standings []store.Participant) error
}

// Observer counts applied control actions.
type Observer interface {
	ExamTransition(action string)
}

// Config tunes the rooms created by a Manager.
type Config struct {
	Tick            time.Duration
	LeaderboardSize int
	ViolationLimit  int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.LeaderboardSize <= 0 {
		c.LeaderboardSize = DefaultLeaderboardSize
	}
	if c.ViolationLimit <= 0 {
		c.ViolationLimit = DefaultViolationLimit
	}
	return c
}

// Option customises a Manager.
type Option func(*Manager)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithLogger sets the manager logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// WithJournal wires the audit journal.
func WithJournal(j Journal) Option {
	return func(m *Manager) {
		if j != nil {
			m.journal = j
		}
	}
}

// WithArchive wires the standings archive.
func WithArchive(a Archive) Option {
	return func(m *Manager) {
		if a != nil {
			m.archive = a
		}
	}
}

// WithObserver wires transition counters.
func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// Manager owns every live exam room.
type Manager struct {
	store     Store
	publisher Publisher
	cfg       Config
	now       func() time.Time
	log       *logging.Logger
	journal   Journal
	archive   Archive
	observer  Observer

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager constructs a manager. Timer tasks run until Close is called.
func NewManager(st Store, publisher Publisher, cfg Config, opts ...Option) *Manager {
	base, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:     st,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		log:       logging.L(),
		base:      base,
		cancel:    cancel,
		rooms:     make(map[string]*Room),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Room returns the live room for slug, loading the competition on first use.
func (m *Manager) Room(ctx context.Context, slug string) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if room, ok := m.rooms[slug]; ok {
		return room, nil
	}
	//1.- Load the durable projection; unknown slugs surface as not_found.
	comp, err := m.store.GetCompetition(ctx, slug)
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "competition %q not found", slug)
	}
	if err != nil {
		return nil, protocol.Internal(fmt.Errorf("load competition %q: %w", slug, err))
	}
	room := &Room{manager: m, slug: slug, comp: comp, log: m.log.With(logging.String("competition", slug))}
	m.rooms[slug] = room
	//2.- Resume timers for exams that were running before the process started.
	room.restore(ctx)
	return room, nil
}

// Control applies an admin command to slug's room.
func (m *Manager) Control(ctx context.Context, slug string, actorID int64, cmd Command) (protocol.Envelope, error) {
	room, err := m.Room(ctx, slug)
	if err != nil {
		return protocol.Envelope{}, err
	}
	return room.Control(ctx, actorID, cmd)
}

// Rooms returns how many rooms are loaded.
func (m *Manager) Rooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// Close cancels every timer task and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) detachedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}

func (m *Manager) record(slug, kind string, fields map[string]any) {
	if m.journal != nil {
		m.journal.Record(slug, kind, fields)
	}
}

func (m *Manager) transition(action string) {
	if m.observer != nil {
		m.observer.ExamTransition(action)
	}
}
