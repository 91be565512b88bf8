// Package presence tracks which users hold live sessions and tells their friends.
package presence

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// DefaultFriendTTL bounds how long a cached friend set is reused.
const DefaultFriendTTL = 30 * time.Second

// Publisher is the slice of the dispatcher the registry needs.
type Publisher interface {
	Publish(topic string, env protocol.Envelope) int
}

type cachedFriends struct {
	ids     []int64
	expires time.Time
}

// Registry counts live sessions per user and emits online_status deltas on 0→1 and 1→0.
type Registry struct {
	friends   store.Friends
	publisher Publisher
	ttl       time.Duration
	now       func() time.Time
	log       *logging.Logger

	mu       sync.Mutex
	sessions map[int64]int
	edges    map[int64]uint64
	seq      uint64

	// publishMu orders announcements; an edge superseded while its friends were loading is dropped.
	publishMu sync.Mutex

	cacheMu   sync.Mutex
	cache     map[int64]cachedFriends
	lastPrune time.Time
}

// Option customises a Registry.
type Option func(*Registry)

// WithFriendTTL overrides the friend cache lifetime.
func WithFriendTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithClock injects the clock used for cache expiry.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.log = logger
		}
	}
}

// NewRegistry constructs a registry that publishes through publisher.
func NewRegistry(friends store.Friends, publisher Publisher, opts ...Option) *Registry {
	r := &Registry{
		friends:   friends,
		publisher: publisher,
		ttl:       DefaultFriendTTL,
		now:       time.Now,
		log:       logging.L(),
		sessions:  make(map[int64]int),
		edges:     make(map[int64]uint64),
		cache:     make(map[int64]cachedFriends),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Connected records a new session for userID.
func (r *Registry) Connected(ctx context.Context, userID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.sessions[userID]++
	first := r.sessions[userID] == 1
	var edge uint64
	if first {
		edge = r.nextEdgeLocked(userID)
	}
	r.mu.Unlock()
	if first {
		r.announce(ctx, userID, edge, true)
	}
}

// Disconnected releases one session for userID.
func (r *Registry) Disconnected(ctx context.Context, userID int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	count, ok := r.sessions[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	last := count <= 1
	var edge uint64
	if last {
		delete(r.sessions, userID)
		edge = r.nextEdgeLocked(userID)
	} else {
		r.sessions[userID] = count - 1
	}
	r.mu.Unlock()
	if last {
		r.announce(ctx, userID, edge, false)
		r.pruneCache()
	}
}

func (r *Registry) nextEdgeLocked(userID int64) uint64 {
	r.seq++
	r.edges[userID] = r.seq
	return r.seq
}

// settle reports whether edge is still the user's latest transition and forgets finished offline edges.
func (r *Registry) settle(userID int64, edge uint64, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.edges[userID] != edge {
		return false
	}
	if !online {
		delete(r.edges, userID)
	}
	return true
}

// IsOnline reports whether userID has at least one live session.
func (r *Registry) IsOnline(userID int64) bool {
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID] > 0
}

// Online returns the sorted ids of every online user.
func (r *Registry) Online() []int64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Sorted(maps.Keys(r.sessions))
}

// Sessions returns the live session count for userID.
func (r *Registry) Sessions(userID int64) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[userID]
}

func (r *Registry) announce(ctx context.Context, userID int64, edge uint64, online bool) {
	//1.- Resolve friends outside the session lock so a slow store never stalls connects.
	friends, err := r.friendsOf(ctx, userID)
	if err != nil {
		r.settle(userID, edge, online)
		r.log.Warn("friend lookup failed", logging.Int64("user_id", userID), logging.Error(err))
		return
	}
	//2.- A newer transition replaced this one during the lookup; friends only hear the newest.
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	if !r.settle(userID, edge, online) {
		r.log.Debug("superseded presence edge dropped", logging.Int64("user_id", userID), logging.Bool("online", online))
		return
	}
	//3.- Fan the delta out to every friend's personal topic.
	for _, fid := range friends {
		r.publisher.Publish(dispatch.UserTopic(fid), protocol.New("online_status", map[string]any{
			"user_id":   userID,
			"is_online": online,
		}))
	}
}

func (r *Registry) friendsOf(ctx context.Context, userID int64) ([]int64, error) {
	now := r.now()
	r.cacheMu.Lock()
	entry, ok := r.cache[userID]
	r.cacheMu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.ids, nil
	}
	if r.friends == nil {
		return nil, nil
	}
	ids, err := r.friends.FriendsOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	r.cacheMu.Lock()
	r.cache[userID] = cachedFriends{ids: ids, expires: now.Add(r.ttl)}
	r.cacheMu.Unlock()
	return ids, nil
}

// pruneCache evicts expired friend sets, at most once per TTL.
func (r *Registry) pruneCache() {
	now := r.now()
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if now.Sub(r.lastPrune) < r.ttl {
		return
	}
	r.lastPrune = now
	for id, entry := range r.cache {
		if !now.Before(entry.expires) {
			delete(r.cache, id)
		}
	}
}

// Invalidate drops the cached friend set of userID, e.g. after a friendship change.
func (r *Registry) Invalidate(userID int64) {
	if r == nil {
		return
	}
	r.cacheMu.Lock()
	delete(r.cache, userID)
	r.cacheMu.Unlock()
}
