// Package dispatch is the in-process topic broker that fans envelopes out to session writers.
package dispatch

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"testmakon/realtime/internal/guard"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
)

const (
	shardCount = 32

	// DefaultDropThreshold is how many drops per window a subscriber may accumulate before eviction.
	DefaultDropThreshold = 64
	// DefaultDropWindow is the sliding window used to count slow-consumer drops.
	DefaultDropWindow = time.Minute
)

// Subscriber is a session writer attached to one or more topics.
type Subscriber interface {
	// ID uniquely identifies the subscriber across topics.
	ID() string
	// Enqueue must not block; it reports false when the outbound queue is full or closed.
	Enqueue(frame []byte) bool
	// Evict terminates the subscriber's connection with the given close code.
	Evict(code int, reason string)
}

// Observer receives drop and eviction notifications for observability.
type Observer interface {
	ObserveDrop()
	ObserveEviction()
}

type nopObserver struct{}

func (nopObserver) ObserveDrop()     {}
func (nopObserver) ObserveEviction() {}

// UserTopic is the per-user channel every session of that user listens on.
func UserTopic(userID int64) string { return fmt.Sprintf("user:%d", userID) }

// ExamTopic is the broadcast channel for an exam room.
func ExamTopic(slug string) string { return "exam:" + slug }

// ExamAdminTopic carries admin-only exam events.
func ExamAdminTopic(slug string) string { return "exam_admin:" + slug }

type shard struct {
	mu     sync.Mutex
	topics map[string]map[string]Subscriber
}

type dropState struct {
	window  *guard.Window
	evicted bool
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithDropThreshold overrides how many drops within window trigger eviction.
func WithDropThreshold(threshold int, window time.Duration) Option {
	return func(d *Dispatcher) {
		if threshold > 0 {
			d.dropThreshold = threshold
		}
		if window > 0 {
			d.dropWindow = window
		}
	}
}

// WithObserver wires drop and eviction counters.
func WithObserver(observer Observer) Option {
	return func(d *Dispatcher) {
		if observer != nil {
			d.observer = observer
		}
	}
}

// WithClock overrides the clock used for drop windows.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// WithLogger sets the logger used for eviction reports.
func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.log = logger
		}
	}
}

// Dispatcher routes published envelopes to every subscriber of a topic. Topics are sharded by
// hash so unrelated topics do not contend on one lock.
type Dispatcher struct {
	shards        [shardCount]*shard
	dropThreshold int
	dropWindow    time.Duration
	now           func() time.Time
	observer      Observer
	log           *logging.Logger

	dropMu sync.Mutex
	drops  map[string]*dropState
}

// New constructs a dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		dropThreshold: DefaultDropThreshold,
		dropWindow:    DefaultDropWindow,
		now:           time.Now,
		observer:      nopObserver{},
		log:           logging.L(),
		drops:         make(map[string]*dropState),
	}
	for i := range d.shards {
		d.shards[i] = &shard{topics: make(map[string]map[string]Subscriber)}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *Dispatcher) shardFor(topic string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(topic))
	return d.shards[h.Sum32()%shardCount]
}

// Subscribe attaches sub to topic. Subscribing twice is a no-op.
func (d *Dispatcher) Subscribe(topic string, sub Subscriber) {
	if d == nil || sub == nil || topic == "" {
		return
	}
	s := d.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.topics[topic]
	if !ok {
		subs = make(map[string]Subscriber)
		s.topics[topic] = subs
	}
	subs[sub.ID()] = sub
}

// Unsubscribe detaches sub from topic, dropping the topic once it has no subscribers.
func (d *Dispatcher) Unsubscribe(topic string, sub Subscriber) {
	if d == nil || sub == nil {
		return
	}
	s := d.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(s.topics, topic)
	}
}

// Forget releases drop accounting for a subscriber that has gone away.
func (d *Dispatcher) Forget(sub Subscriber) {
	if d == nil || sub == nil {
		return
	}
	d.dropMu.Lock()
	delete(d.drops, sub.ID())
	d.dropMu.Unlock()
}

// Publish encodes env once and enqueues it to every subscriber of topic, returning how many
// accepted it. The shard lock is held across the fan-out so concurrent publications to the
// same topic reach each subscriber in one total order.
func (d *Dispatcher) Publish(topic string, env protocol.Envelope) int {
	if d == nil {
		return 0
	}
	frame, err := env.Encode()
	if err != nil {
		d.log.Error("encode envelope failed", logging.String("topic", topic), logging.String("type", env.Type), logging.Error(err))
		return 0
	}
	return d.PublishFrame(topic, frame)
}

// PublishFrame fans out an already encoded frame.
func (d *Dispatcher) PublishFrame(topic string, frame []byte) int {
	if d == nil {
		return 0
	}
	var evict []Subscriber
	delivered := 0

	s := d.shardFor(topic)
	s.mu.Lock()
	for _, sub := range s.topics[topic] {
		//1.- Hand the frame over without blocking; a full queue counts as a drop.
		if sub.Enqueue(frame) {
			delivered++
			continue
		}
		d.observer.ObserveDrop()
		if d.recordDrop(sub) {
			evict = append(evict, sub)
		}
	}
	s.mu.Unlock()

	//2.- Evict outside the shard lock because closing a session unsubscribes it.
	for _, sub := range evict {
		d.observer.ObserveEviction()
		d.log.Warn("evicting slow consumer", logging.String("subscriber", sub.ID()), logging.String("topic", topic))
		sub.Evict(protocol.CloseSlowConsumer, "slow consumer")
	}
	return delivered
}

// recordDrop counts a drop and reports whether the subscriber just crossed the threshold.
func (d *Dispatcher) recordDrop(sub Subscriber) bool {
	d.dropMu.Lock()
	defer d.dropMu.Unlock()
	state, ok := d.drops[sub.ID()]
	if !ok {
		state = &dropState{window: guard.NewWindow(d.dropWindow, d.dropThreshold, d.now)}
		d.drops[sub.ID()] = state
	}
	if state.window.Allow() || state.evicted {
		return false
	}
	state.evicted = true
	return true
}

// Subscribers returns how many subscribers a topic has.
func (d *Dispatcher) Subscribers(topic string) int {
	if d == nil {
		return 0
	}
	s := d.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics[topic])
}

// Topics returns the number of topics with at least one subscriber.
func (d *Dispatcher) Topics() int {
	if d == nil {
		return 0
	}
	total := 0
	for _, s := range d.shards {
		s.mu.Lock()
		total += len(s.topics)
		s.mu.Unlock()
	}
	return total
}
