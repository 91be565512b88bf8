// Package battle runs 1v1 duels: invitations, frozen question sets, answer validation,
// settlement with a single XP award, bot simulation and expiry.
package battle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

const (
	DefaultInviteTTL     = 60 * time.Second
	DefaultMatchedTTL    = time.Hour
	DefaultQuestionLimit = 30 * time.Second
	DefaultQuestionCount = 10
	MaxQuestionCount     = 50

	inviteAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength = 6
	inviteAttempts   = 16
	persistTimeout   = 5 * time.Second
)

// Store is the persistence slice the engine needs.
type Store interface {
	store.Battles
	store.Questions
	store.Users
}

// Publisher is the slice of the dispatcher the engine needs.
type Publisher interface {
	Publish(topic string, env protocol.Envelope) int
}

// Notifier delivers push notifications alongside realtime envelopes.
type Notifier interface {
	Publish(userID int64, n store.Notification) bool
}

// Archive exports settled battles.
type Archive interface {
	ArchiveBattle(ctx context.Context, b store.Battle) error
}

// Observer counts settlements.
type Observer interface {
	BattleSettled(outcome string)
}

// Config tunes the engine.
type Config struct {
	InviteTTL     time.Duration
	MatchedTTL    time.Duration
	QuestionLimit time.Duration
	Rules         XPRules
}

func (c Config) withDefaults() Config {
	if c.InviteTTL <= 0 {
		c.InviteTTL = DefaultInviteTTL
	}
	if c.MatchedTTL <= 0 {
		c.MatchedTTL = DefaultMatchedTTL
	}
	if c.QuestionLimit <= 0 {
		c.QuestionLimit = DefaultQuestionLimit
	}
	if c.Rules == (XPRules{}) {
		c.Rules = XPRules{WinnerXP: 50, LoserXP: 10, RatingDelta: 15}
	}
	return c
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock injects the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithSimulator overrides the bot simulator.
func WithSimulator(sim Simulator) Option {
	return func(e *Engine) {
		if sim != nil {
			e.sim = sim
		}
	}
}

// WithNotifier wires push notifications for invitations and results.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithArchive wires the settled battle archive.
func WithArchive(a Archive) Option {
	return func(e *Engine) {
		if a != nil {
			e.archive = a
		}
	}
}

// WithObserver wires settlement counters.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.log = logger
		}
	}
}

type liveBattle struct {
	mu sync.Mutex
	b  store.Battle
}

// Engine owns every non-terminal battle. Each battle has its own mutex so answers are
// validated one at a time per battle while unrelated battles proceed in parallel.
type Engine struct {
	store     Store
	publisher Publisher
	cfg       Config
	sim       Simulator
	notifier  Notifier
	archive   Archive
	observer  Observer
	now       func() time.Time
	log       *logging.Logger

	mu      sync.Mutex
	battles map[string]*liveBattle
	invites map[string]string
}

// NewEngine constructs a battle engine.
func NewEngine(st Store, publisher Publisher, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:     st,
		publisher: publisher,
		cfg:       cfg.withDefaults(),
		sim:       RandomSimulator{},
		now:       time.Now,
		log:       logging.L(),
		battles:   make(map[string]*liveBattle),
		invites:   make(map[string]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Active returns how many battles are live.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.battles)
}

// Battle returns a copy of a live battle.
func (e *Engine) Battle(id string) (store.Battle, bool) {
	e.mu.Lock()
	lb, ok := e.battles[id]
	e.mu.Unlock()
	if !ok {
		return store.Battle{}, false
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.b.Clone(), true
}

func (e *Engine) register(b store.Battle) *liveBattle {
	e.mu.Lock()
	defer e.mu.Unlock()
	if lb, ok := e.battles[b.UUID]; ok {
		return lb
	}
	lb := &liveBattle{b: b.Clone()}
	e.battles[b.UUID] = lb
	if b.InviteCode != "" && b.Status == store.BattlePending {
		e.invites[b.InviteCode] = b.UUID
	}
	return lb
}

func (e *Engine) forget(b store.Battle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.battles, b.UUID)
	if b.InviteCode != "" {
		delete(e.invites, b.InviteCode)
	}
}

// lookup resolves a battle by uuid or invite code, loading non-terminal battles from the store.
func (e *Engine) lookup(ctx context.Context, ref string) (*liveBattle, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, protocol.Errorf(protocol.CodeInvalidPayload, "battle reference is required")
	}
	e.mu.Lock()
	if lb, ok := e.battles[ref]; ok {
		e.mu.Unlock()
		return lb, nil
	}
	if id, ok := e.invites[strings.ToUpper(ref)]; ok {
		lb := e.battles[id]
		e.mu.Unlock()
		if lb != nil {
			return lb, nil
		}
	} else {
		e.mu.Unlock()
	}

	b, err := e.store.GetBattle(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		b, err = e.store.FindBattleByInvite(ctx, strings.ToUpper(ref))
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "battle %q not found", ref)
	}
	if err != nil {
		return nil, protocol.Internal(fmt.Errorf("load battle %q: %w", ref, err))
	}
	if b.Status.Terminal() {
		return nil, protocol.Errorf(protocol.CodeInvalidState, "battle is %s", b.Status)
	}
	return e.register(b), nil
}

func (e *Engine) mintCode(ctx context.Context) (string, error) {
	buf := make([]byte, inviteCodeLength)
	for attempt := 0; attempt < inviteAttempts; attempt++ {
		for i := range buf {
			buf[i] = inviteAlphabet[rand.IntN(len(inviteAlphabet))]
		}
		code := string(buf)
		e.mu.Lock()
		_, live := e.invites[code]
		e.mu.Unlock()
		if live {
			continue
		}
		taken, err := e.store.InviteCodeTaken(ctx, code)
		if err != nil {
			return "", protocol.Internal(fmt.Errorf("check invite code: %w", err))
		}
		if !taken {
			return code, nil
		}
	}
	return "", protocol.Internal(errors.New("invite code space exhausted"))
}

func normaliseCount(count int) (int, error) {
	if count == 0 {
		return DefaultQuestionCount, nil
	}
	if count < 0 || count > MaxQuestionCount {
		return 0, protocol.Errorf(protocol.CodeInvalidPayload, "question count must be between 1 and %d", MaxQuestionCount)
	}
	return count, nil
}

func (e *Engine) freeze(ctx context.Context, subject string, count int) ([]store.Question, error) {
	questions, err := e.store.FetchQuestions(ctx, subject, count, rand.Uint64())
	if errors.Is(err, store.ErrNotFound) || (err == nil && len(questions) == 0) {
		return nil, protocol.Errorf(protocol.CodeNotFound, "no questions available for subject %q", subject)
	}
	if err != nil {
		return nil, protocol.Internal(fmt.Errorf("fetch questions: %w", err))
	}
	return questions, nil
}

// Invite creates a pending friend battle and sends the invitation.
func (e *Engine) Invite(ctx context.Context, challengerID, opponentID int64, subject string, count int) (store.Battle, error) {
	if opponentID <= 0 || opponentID == challengerID {
		return store.Battle{}, protocol.Errorf(protocol.CodeInvalidPayload, "a different opponent is required")
	}
	count, err := normaliseCount(count)
	if err != nil {
		return store.Battle{}, err
	}
	challenger, err := e.user(ctx, challengerID)
	if err != nil {
		return store.Battle{}, err
	}
	if _, err := e.user(ctx, opponentID); err != nil {
		return store.Battle{}, err
	}
	code, err := e.mintCode(ctx)
	if err != nil {
		return store.Battle{}, err
	}
	now := e.now()
	b := store.Battle{
		UUID:          uuid.NewString(),
		ChallengerID:  challengerID,
		OpponentID:    opponentID,
		OpponentType:  store.OpponentFriend,
		Subject:       subject,
		QuestionCount: count,
		Status:        store.BattlePending,
		InviteCode:    code,
		CreatedAt:     now,
		ExpiresAt:     now.Add(e.cfg.InviteTTL),
	}
	if err := e.store.CreateBattle(ctx, b); err != nil {
		return store.Battle{}, protocol.Internal(fmt.Errorf("create battle: %w", err))
	}
	e.register(b)

	e.publisher.Publish(dispatch.UserTopic(opponentID), protocol.New("battle_invite", map[string]any{
		"battle_uuid":    b.UUID,
		"invite_code":    code,
		"challenger":     map[string]any{"id": challenger.ID, "name": challenger.Name, "rating": challenger.Rating},
		"subject":        subject,
		"question_count": count,
		"expires_at":     b.ExpiresAt.UTC().Format(time.RFC3339),
		"expires_in":     int64(e.cfg.InviteTTL / time.Second),
	}))
	if e.notifier != nil {
		e.notifier.Publish(opponentID, store.Notification{
			Kind:    "battle_invite",
			Title:   "Battle invitation",
			Message: fmt.Sprintf("%s challenged you to a battle", challenger.Name),
			Data:    map[string]any{"battle_uuid": b.UUID, "invite_code": code},
		})
	}
	return b.Clone(), nil
}

func (e *Engine) user(ctx context.Context, id int64) (store.User, error) {
	u, err := e.store.GetUser(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, protocol.Errorf(protocol.CodeNotFound, "user %d not found", id)
	}
	if err != nil {
		return store.User{}, protocol.Internal(fmt.Errorf("load user %d: %w", id, err))
	}
	return u, nil
}

// Accept confirms an invitation, freezes the question set and opens the battle.
func (e *Engine) Accept(ctx context.Context, userID int64, ref string) (store.Battle, error) {
	lb, err := e.lookup(ctx, ref)
	if err != nil {
		return store.Battle{}, err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b := lb.b
	if b.OpponentID != userID {
		return store.Battle{}, protocol.Errorf(protocol.CodeUnauthorized, "only the invited player can accept")
	}
	if b.Status != store.BattlePending {
		return store.Battle{}, protocol.Errorf(protocol.CodeInvalidState, "battle is %s", b.Status)
	}
	now := e.now()
	if now.After(b.ExpiresAt) {
		e.expireLocked(ctx, lb)
		return store.Battle{}, protocol.Errorf(protocol.CodeInvalidState, "invitation expired")
	}
	questions, err := e.freeze(ctx, b.Subject, b.QuestionCount)
	if err != nil {
		return store.Battle{}, err
	}
	next := b.Clone()
	e.open(&next, questions, now)
	if err := e.store.UpdateBattle(ctx, next); err != nil {
		return store.Battle{}, protocol.Internal(fmt.Errorf("accept battle: %w", err))
	}
	lb.b = next
	e.mu.Lock()
	delete(e.invites, next.InviteCode)
	e.mu.Unlock()
	e.AnnounceReady(next)
	return next.Clone(), nil
}

// open moves a battle into the accepted state with its frozen questions.
func (e *Engine) open(b *store.Battle, questions []store.Question, now time.Time) {
	b.Questions = store.CloneQuestions(questions)
	b.QuestionCount = len(questions)
	b.Status = store.BattleAccepted
	b.ExpiresAt = now.Add(e.cfg.MatchedTTL)
	b.TotalTime = time.Duration(len(questions)) * e.cfg.QuestionLimit
}

// Reject declines an invitation on behalf of the invited player.
func (e *Engine) Reject(ctx context.Context, userID int64, ref string) error {
	return e.closePending(ctx, userID, ref, false)
}

// Cancel withdraws an invitation on behalf of the challenger.
func (e *Engine) Cancel(ctx context.Context, userID int64, ref string) error {
	return e.closePending(ctx, userID, ref, true)
}

func (e *Engine) closePending(ctx context.Context, userID int64, ref string, byChallenger bool) error {
	lb, err := e.lookup(ctx, ref)
	if err != nil {
		return err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b := lb.b
	actor, notify, status, kind := b.OpponentID, b.ChallengerID, store.BattleRejected, "battle_rejected"
	if byChallenger {
		actor, notify, status, kind = b.ChallengerID, b.OpponentID, store.BattleCancelled, "battle_cancelled"
	}
	if userID != actor {
		return protocol.Errorf(protocol.CodeUnauthorized, "not allowed to %s this battle", strings.TrimPrefix(kind, "battle_"))
	}
	if b.Status != store.BattlePending {
		return protocol.Errorf(protocol.CodeInvalidState, "battle is %s", b.Status)
	}
	next := b.Clone()
	next.Status = status
	if err := e.store.UpdateBattle(ctx, next); err != nil {
		return protocol.Internal(fmt.Errorf("close battle: %w", err))
	}
	lb.b = next
	e.forget(next)
	if notify != 0 {
		e.publisher.Publish(dispatch.UserTopic(notify), protocol.New(kind, map[string]any{"battle_uuid": next.UUID, "by": userID}))
	}
	return nil
}

// StartBot opens a battle against a simulated opponent.
func (e *Engine) StartBot(ctx context.Context, userID int64, difficulty store.Difficulty, subject string, count int) (store.Battle, error) {
	if difficulty == "" {
		difficulty = store.DifficultyMedium
	}
	if !ValidDifficulty(difficulty) {
		return store.Battle{}, protocol.Errorf(protocol.CodeInvalidPayload, "unknown difficulty %q", difficulty)
	}
	count, err := normaliseCount(count)
	if err != nil {
		return store.Battle{}, err
	}
	questions, err := e.freeze(ctx, subject, count)
	if err != nil {
		return store.Battle{}, err
	}
	now := e.now()
	b := store.Battle{
		UUID:          uuid.NewString(),
		ChallengerID:  userID,
		OpponentType:  store.OpponentBot,
		BotDifficulty: difficulty,
		Subject:       subject,
		CreatedAt:     now,
	}
	e.open(&b, questions, now)
	if err := e.store.CreateBattle(ctx, b); err != nil {
		return store.Battle{}, protocol.Internal(fmt.Errorf("create bot battle: %w", err))
	}
	e.register(b)
	e.AnnounceReady(b)
	return b.Clone(), nil
}

// CreateMatched opens a random battle between two queued players. The caller announces it.
func (e *Engine) CreateMatched(ctx context.Context, a, b int64, subject string, questions []store.Question) (store.Battle, error) {
	if len(questions) == 0 {
		return store.Battle{}, protocol.Errorf(protocol.CodeNotFound, "no questions available for subject %q", subject)
	}
	now := e.now()
	battle := store.Battle{
		UUID:         uuid.NewString(),
		ChallengerID: a,
		OpponentID:   b,
		OpponentType: store.OpponentRandom,
		Subject:      subject,
		CreatedAt:    now,
	}
	e.open(&battle, questions, now)
	if err := e.store.CreateBattle(ctx, battle); err != nil {
		return store.Battle{}, protocol.Internal(fmt.Errorf("create matched battle: %w", err))
	}
	e.register(battle)
	return battle.Clone(), nil
}

// AnnounceReady sends battle_ready, without answer keys, to every human side.
func (e *Engine) AnnounceReady(b store.Battle) {
	fields := func() map[string]any {
		return map[string]any{
			"battle_uuid":            b.UUID,
			"opponent_type":          string(b.OpponentType),
			"bot_difficulty":         string(b.BotDifficulty),
			"subject":                b.Subject,
			"question_count":         b.QuestionCount,
			"question_time_limit_ms": e.cfg.QuestionLimit.Milliseconds(),
			"total_time_seconds":     int64(b.TotalTime / time.Second),
			"challenger_id":          b.ChallengerID,
			"opponent_id":            b.OpponentID,
			"questions":              PublicQuestions(b.Questions),
		}
	}
	for _, id := range humans(b) {
		e.publisher.Publish(dispatch.UserTopic(id), protocol.New("battle_ready", fields()))
	}
}

func humans(b store.Battle) []int64 {
	out := []int64{b.ChallengerID}
	if !b.IsBot() && b.OpponentID != 0 {
		out = append(out, b.OpponentID)
	}
	return out
}
