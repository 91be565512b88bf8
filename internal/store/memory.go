package store

import (
	"context"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// Memory is a process-local Store. Every call is atomic under one mutex and values are
// deep-copied on the way in and out so callers never share mutable state with the store.
type Memory struct {
	mu            sync.Mutex
	now           func() time.Time
	competitions  map[string]Competition
	participants  map[string]map[int64]Participant
	battles       map[string]Battle
	queue         map[int64]QueueEntry
	users         map[int64]User
	friends       map[int64]map[int64]struct{}
	questions     []Question
	notifications []Notification
	nextNotifyID  int64
}

var _ Store = (*Memory)(nil)

// NewMemory constructs an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		competitions: make(map[string]Competition),
		participants: make(map[string]map[int64]Participant),
		battles:      make(map[string]Battle),
		queue:        make(map[int64]QueueEntry),
		users:        make(map[int64]User),
		friends:      make(map[int64]map[int64]struct{}),
	}
}

// WithClock overrides the clock used to stamp notifications.
func (m *Memory) WithClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	m.mu.Lock()
	m.now = clock
	m.mu.Unlock()
}

// PutCompetition seeds or replaces a competition.
func (m *Memory) PutCompetition(c Competition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.competitions[c.Slug] = c
}

// PutUser seeds or replaces a user.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// AddFriendship records a symmetric friendship.
func (m *Memory) AddFriendship(a, b int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pair := range [][2]int64{{a, b}, {b, a}} {
		set, ok := m.friends[pair[0]]
		if !ok {
			set = make(map[int64]struct{})
			m.friends[pair[0]] = set
		}
		set[pair[1]] = struct{}{}
	}
}

// AddQuestions appends questions to the bank.
func (m *Memory) AddQuestions(qs ...Question) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questions = append(m.questions, CloneQuestions(qs)...)
}

// NotificationsFor returns persisted notifications for a user.
func (m *Memory) NotificationsFor(userID int64) []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

// GetCompetition implements Competitions.
func (m *Memory) GetCompetition(_ context.Context, slug string) (Competition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.competitions[slug]
	if !ok {
		return Competition{}, fmt.Errorf("competition %q: %w", slug, ErrNotFound)
	}
	return c, nil
}

// UpdateCompetition implements Competitions.
func (m *Memory) UpdateCompetition(_ context.Context, c Competition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.competitions[c.Slug]; !ok {
		return fmt.Errorf("competition %q: %w", c.Slug, ErrNotFound)
	}
	m.competitions[c.Slug] = c
	return nil
}

// GetParticipant implements Participants.
func (m *Memory) GetParticipant(_ context.Context, slug string, userID int64) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[slug][userID]
	if !ok {
		return Participant{}, fmt.Errorf("participant %d in %q: %w", userID, slug, ErrNotFound)
	}
	return p.Clone(), nil
}

// UpsertParticipant implements Participants.
func (m *Memory) UpsertParticipant(_ context.Context, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster, ok := m.participants[p.CompetitionSlug]
	if !ok {
		roster = make(map[int64]Participant)
		m.participants[p.CompetitionSlug] = roster
	}
	roster[p.UserID] = p.Clone()
	return nil
}

// ListParticipants implements Participants.
func (m *Memory) ListParticipants(_ context.Context, slug string) ([]Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster := m.participants[slug]
	out := make([]Participant, 0, len(roster))
	for _, id := range slices.Sorted(maps.Keys(roster)) {
		out = append(out, roster[id].Clone())
	}
	return out, nil
}

// SaveRanks implements Participants.
func (m *Memory) SaveRanks(_ context.Context, slug string, standings []Standing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	roster := m.participants[slug]
	for _, s := range standings {
		if _, ok := roster[s.UserID]; !ok {
			return fmt.Errorf("participant %d in %q: %w", s.UserID, slug, ErrNotFound)
		}
	}
	for _, s := range standings {
		p := roster[s.UserID]
		p.Rank = s.Rank
		p.Status = s.Status
		roster[s.UserID] = p
	}
	return nil
}

// CreateBattle implements Battles.
func (m *Memory) CreateBattle(_ context.Context, b Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.battles[b.UUID]; ok {
		return fmt.Errorf("battle %s: %w", b.UUID, ErrConflict)
	}
	if b.InviteCode != "" && m.inviteTakenLocked(b.InviteCode) {
		return fmt.Errorf("invite code %s: %w", b.InviteCode, ErrConflict)
	}
	m.battles[b.UUID] = b.Clone()
	return nil
}

// UpdateBattle implements Battles.
func (m *Memory) UpdateBattle(_ context.Context, b Battle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.battles[b.UUID]
	if !ok {
		return fmt.Errorf("battle %s: %w", b.UUID, ErrNotFound)
	}
	if stored.XPAwarded {
		return fmt.Errorf("battle %s already settled: %w", b.UUID, ErrConflict)
	}
	m.battles[b.UUID] = b.Clone()
	return nil
}

// GetBattle implements Battles.
func (m *Memory) GetBattle(_ context.Context, uuid string) (Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.battles[uuid]
	if !ok {
		return Battle{}, fmt.Errorf("battle %s: %w", uuid, ErrNotFound)
	}
	return b.Clone(), nil
}

// FindBattleByInvite implements Battles.
func (m *Memory) FindBattleByInvite(_ context.Context, code string) (Battle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.battles {
		if b.InviteCode == code {
			return b.Clone(), nil
		}
	}
	return Battle{}, fmt.Errorf("invite %s: %w", code, ErrNotFound)
}

// InviteCodeTaken implements Battles.
func (m *Memory) InviteCodeTaken(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inviteTakenLocked(code), nil
}

func (m *Memory) inviteTakenLocked(code string) bool {
	for _, b := range m.battles {
		if b.InviteCode == code {
			return true
		}
	}
	return false
}

// CompleteBattle implements Battles.
func (m *Memory) CompleteBattle(_ context.Context, b Battle, awards []XPAward) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.battles[b.UUID]
	if !ok {
		return false, fmt.Errorf("battle %s: %w", b.UUID, ErrNotFound)
	}
	//1.- Compare-and-swap on the settlement flag so awards apply once.
	if stored.XPAwarded {
		return false, nil
	}
	for _, award := range awards {
		if _, ok := m.users[award.UserID]; !ok {
			return false, fmt.Errorf("user %d: %w", award.UserID, ErrNotFound)
		}
	}
	//2.- Apply the battle row and every award together.
	b.XPAwarded = true
	b.Status = BattleCompleted
	m.battles[b.UUID] = b.Clone()
	for _, award := range awards {
		u := m.users[award.UserID]
		u.XP += award.XP
		u.Rating += award.RatingDelta
		m.users[award.UserID] = u
	}
	return true, nil
}

// InsertQueueEntry implements Queue.
func (m *Memory) InsertQueueEntry(_ context.Context, e QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queue[e.UserID]; ok && !existing.Matched {
		return fmt.Errorf("queue entry for %d: %w", e.UserID, ErrConflict)
	}
	m.queue[e.UserID] = e
	return nil
}

// UpdateQueueEntry implements Queue.
func (m *Memory) UpdateQueueEntry(_ context.Context, e QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.queue[e.UserID]; !ok {
		return fmt.Errorf("queue entry for %d: %w", e.UserID, ErrNotFound)
	}
	m.queue[e.UserID] = e
	return nil
}

// DeleteQueueEntry implements Queue.
func (m *Memory) DeleteQueueEntry(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queue, userID)
	return nil
}

// ListQueueEntries implements Queue.
func (m *Memory) ListQueueEntries(_ context.Context) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueueEntry, 0, len(m.queue))
	for _, id := range slices.Sorted(maps.Keys(m.queue)) {
		out = append(out, m.queue[id])
	}
	return out, nil
}

// Rating implements Ratings.
func (m *Memory) Rating(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return 0, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return u.Rating, nil
}

// BumpRating implements Ratings.
func (m *Memory) BumpRating(_ context.Context, userID int64, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	u.Rating += delta
	m.users[userID] = u
	return nil
}

// FetchQuestions implements Questions.
func (m *Memory) FetchQuestions(_ context.Context, subject string, count int, seed uint64) ([]Question, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pool []Question
	for _, q := range m.questions {
		if subject == "" || q.Subject == subject {
			pool = append(pool, q.Clone())
		}
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("questions for subject %q: %w", subject, ErrNotFound)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if count > 0 && count < len(pool) {
		pool = pool[:count]
	}
	return pool, nil
}

// FriendsOf implements Friends.
func (m *Memory) FriendsOf(_ context.Context, userID int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.friends[userID])), nil
}

// PersistNotification implements Notifications.
func (m *Memory) PersistNotification(_ context.Context, n Notification) (Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextNotifyID++
	n.ID = m.nextNotifyID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now().UTC()
	}
	m.notifications = append(m.notifications, n)
	return n, nil
}

// GetUser implements Users.
func (m *Memory) GetUser(_ context.Context, userID int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	return u, nil
}
