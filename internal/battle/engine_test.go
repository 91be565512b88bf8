package battle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events map[string][]protocol.Envelope
}

func (p *capturePublisher) Publish(topic string, env protocol.Envelope) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.events == nil {
		p.events = make(map[string][]protocol.Envelope)
	}
	p.events[topic] = append(p.events[topic], env)
	return 1
}

func (p *capturePublisher) ofType(topic, typ string) []protocol.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range p.events[topic] {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

type fixedSimulator struct{ correct int }

func (f fixedSimulator) Simulate(_ store.Difficulty, questions []store.Question) store.Side {
	side := store.Side{Completed: true}
	for i, q := range questions {
		ans := store.Answer{QuestionID: q.ID, TimeMs: 5000}
		if i < f.correct {
			ans.AnswerID, ans.Correct = q.CorrectAnswer(), true
			side.Correct++
		} else {
			ans.AnswerID = q.Answers[len(q.Answers)-1].ID
		}
		side.Answers = append(side.Answers, ans)
		side.TimeMs += int64(ans.TimeMs)
	}
	side.Score = side.Correct
	return side
}

func makeQuestions(subject string, n int) []store.Question {
	out := make([]store.Question, 0, n)
	for i := 1; i <= n; i++ {
		id := int64(i)
		out = append(out, store.Question{
			ID:      id,
			Subject: subject,
			Text:    fmt.Sprintf("Question %d", i),
			Answers: []store.Option{{ID: id*10 + 1, Text: "a", IsCorrect: true}, {ID: id*10 + 2, Text: "b"}, {ID: id*10 + 3, Text: "c"}, {ID: id*10 + 4, Text: "d"}},
		})
	}
	return out
}

type fixture struct {
	mem    *store.Memory
	pub    *capturePublisher
	clock  *testClock
	engine *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.PutUser(store.User{ID: 1, Name: "Ana", Rating: 1500})
	mem.PutUser(store.User{ID: 2, Name: "Ben", Rating: 1520})
	mem.PutUser(store.User{ID: 3, Name: "Cid", Rating: 1400})
	mem.AddQuestions(makeQuestions("math", 10)...)
	clock := &testClock{now: time.Date(2024, time.April, 2, 15, 0, 0, 0, time.UTC)}
	pub := &capturePublisher{}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return &fixture{mem: mem, pub: pub, clock: clock, engine: NewEngine(mem, pub, Config{}, opts...)}
}

func (f *fixture) answer(t *testing.T, userID int64, id string, idx int, correct bool, ms int) (protocol.Envelope, error) {
	t.Helper()
	b, ok := f.engine.Battle(id)
	if !ok {
		t.Fatalf("battle %s is not live", id)
	}
	q := b.Questions[idx]
	answer := q.CorrectAnswer()
	if !correct {
		answer = q.Answers[1].ID
	}
	return f.engine.SubmitAnswer(context.Background(), userID, Submission{BattleUUID: id, QuestionID: q.ID, AnswerID: answer, TimeMs: ms})
}

func TestFriendBattleSettlesAndAwardsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invited, err := f.engine.Invite(ctx, 1, 2, "math", 3)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	invites := f.pub.ofType("user:2", "battle_invite")
	if len(invites) != 1 || invites[0].Get("invite_code") != invited.InviteCode {
		t.Fatalf("expected invite to opponent, got %+v", invites)
	}
	if _, err := f.engine.Accept(ctx, 1, invited.InviteCode); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("challenger cannot accept own invite, got %v", err)
	}
	accepted, err := f.engine.Accept(ctx, 2, strings.ToLower(invited.InviteCode))
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if accepted.Status != store.BattleAccepted || accepted.TotalTime != 90*time.Second {
		t.Fatalf("unexpected accepted battle %+v", accepted)
	}
	for _, topic := range []string{"user:1", "user:2"} {
		ready := f.pub.ofType(topic, "battle_ready")
		if len(ready) != 1 {
			t.Fatalf("expected battle_ready on %s", topic)
		}
		frame, _ := ready[0].Encode()
		if strings.Contains(string(frame), "is_correct") {
			t.Fatal("answer keys must never be transmitted")
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := f.answer(t, 1, accepted.UUID, i, true, 2000); err != nil {
			t.Fatalf("challenger answer %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		if _, err := f.answer(t, 2, accepted.UUID, i, i != 2, 1000); err != nil {
			t.Fatalf("opponent answer %d: %v", i, err)
		}
	}

	stored, err := f.mem.GetBattle(ctx, accepted.UUID)
	if err != nil {
		t.Fatalf("GetBattle: %v", err)
	}
	if !stored.XPAwarded || stored.Status != store.BattleCompleted || stored.WinnerID != 1 {
		t.Fatalf("unexpected settled battle %+v", stored)
	}
	winner, _ := f.mem.GetUser(ctx, 1)
	loser, _ := f.mem.GetUser(ctx, 2)
	if winner.XP != 50 || winner.Rating != 1515 || loser.XP != 10 || loser.Rating != 1505 {
		t.Fatalf("unexpected awards winner=%+v loser=%+v", winner, loser)
	}
	if len(f.pub.ofType("user:1", "battle_result")) != 1 || len(f.pub.ofType("user:2", "battle_result")) != 1 {
		t.Fatal("both players must receive battle_result")
	}

	//1.- A second settlement attempt must not award again.
	again, err := f.mem.CompleteBattle(ctx, stored, Awards(stored, Outcome(stored), XPRules{WinnerXP: 50, LoserXP: 10}))
	if err != nil || again {
		t.Fatalf("expected CAS to refuse a second award, got %v %v", again, err)
	}
	winner, _ = f.mem.GetUser(ctx, 1)
	if winner.XP != 50 {
		t.Fatalf("xp changed on second settlement: %d", winner.XP)
	}
	if _, err := f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: accepted.UUID, QuestionID: 1, AnswerID: 11, TimeMs: 10}); !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("answering after completion must be invalid_state, got %v", err)
	}
}

func TestAnswerValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.engine.StartBot(ctx, 1, store.DifficultyEasy, "math", 4)
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	q0 := b.Questions[0]

	_, err = f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: b.UUID, QuestionID: q0.ID, AnswerID: q0.CorrectAnswer(), TimeMs: 0})
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("time_ms=0 must be rejected, got %v", err)
	}
	_, err = f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: b.UUID, QuestionID: q0.ID, AnswerID: 999, TimeMs: 10})
	if !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("unknown option must be rejected, got %v", err)
	}
	_, err = f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: b.UUID, QuestionID: b.Questions[1].ID, AnswerID: b.Questions[1].CorrectAnswer(), TimeMs: 10})
	if !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("out-of-order question must be rejected, got %v", err)
	}
	_, err = f.engine.SubmitAnswer(ctx, 3, Submission{BattleUUID: b.UUID, QuestionID: q0.ID, AnswerID: q0.CorrectAnswer(), TimeMs: 10})
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("outsider must be rejected, got %v", err)
	}

	ack, err := f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: b.UUID, QuestionID: q0.ID, AnswerID: q0.CorrectAnswer(), TimeMs: 30000})
	if err != nil {
		t.Fatalf("time_ms equal to the limit must be accepted: %v", err)
	}
	if ack.Get("correct") != true || ack.Get("answered") != 1 {
		t.Fatalf("unexpected ack %+v", ack.Fields)
	}
	if live, _ := f.engine.Battle(b.UUID); live.Status != store.BattleInProgress {
		t.Fatalf("first answer must start the battle, got %s", live.Status)
	}
	_, err = f.engine.SubmitAnswer(ctx, 1, Submission{BattleUUID: b.UUID, QuestionID: q0.ID, AnswerID: q0.CorrectAnswer(), TimeMs: 10})
	if !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("duplicate answer must be rejected, got %v", err)
	}
}

func TestBotDuelExpertWins(t *testing.T) {
	f := newFixture(t, WithSimulator(fixedSimulator{correct: 9}))
	ctx := context.Background()
	b, err := f.engine.StartBot(ctx, 1, store.DifficultyExpert, "math", 10)
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := f.answer(t, 1, b.UUID, i, i < 7, 20000); err != nil {
			t.Fatalf("answer %d: %v", i, err)
		}
	}
	stored, _ := f.mem.GetBattle(ctx, b.UUID)
	if !stored.WinnerBot || !stored.XPAwarded || stored.Challenger.Correct != 7 || stored.Challenger.TimeMs != 200000 {
		t.Fatalf("unexpected bot duel %+v", stored)
	}
	human, _ := f.mem.GetUser(ctx, 1)
	if human.XP != 10 || human.Rating != 1500 {
		t.Fatalf("human should receive loser xp only, got %+v", human)
	}
	results := f.pub.ofType("user:1", "battle_result")
	if len(results) != 1 || results[0].Get("xp_earned") != 10 {
		t.Fatalf("unexpected result %+v", results)
	}
}

func TestExpertSimulatorAccuracy(t *testing.T) {
	questions := makeQuestions("math", 10)
	sim := RandomSimulator{}
	strong := 0
	const trials = 500
	for i := 0; i < trials; i++ {
		side := sim.Simulate(store.DifficultyExpert, questions)
		if len(side.Answers) != 10 || !side.Completed {
			t.Fatalf("incomplete simulation %+v", side)
		}
		for _, a := range side.Answers {
			if a.TimeMs < 3000 || a.TimeMs > 10000 {
				t.Fatalf("expert answer time %d outside [3s,10s]", a.TimeMs)
			}
		}
		if side.Correct >= 9 {
			strong++
		}
	}
	if float64(strong)/trials < 0.8 {
		t.Fatalf("expected >=80%% of expert runs with 9-10 correct, got %d/%d", strong, trials)
	}
}

func TestOutcomeTieBreaksAndDrawAwards(t *testing.T) {
	b := store.Battle{ChallengerID: 1, OpponentID: 2, OpponentType: store.OpponentRandom}
	b.Challenger = store.Side{Correct: 5, TimeMs: 40000}
	b.Opponent = store.Side{Correct: 5, TimeMs: 35000}
	if v := Outcome(b); v.WinnerID != 2 {
		t.Fatalf("lower time must win a tie, got %+v", v)
	}
	b.Opponent.TimeMs = 40000
	v := Outcome(b)
	if !v.Draw {
		t.Fatalf("expected draw, got %+v", v)
	}
	awards := Awards(b, v, XPRules{WinnerXP: 50, LoserXP: 10, RatingDelta: 15})
	if len(awards) != 2 || awards[0].XP != 30 || awards[1].XP != 30 || awards[0].RatingDelta != 0 {
		t.Fatalf("unexpected draw awards %+v", awards)
	}
	bot := store.Battle{ChallengerID: 1, OpponentType: store.OpponentBot, Challenger: store.Side{Correct: 8}, Opponent: store.Side{Correct: 3}}
	awards = Awards(bot, Outcome(bot), XPRules{WinnerXP: 50, LoserXP: 10, RatingDelta: 15})
	if len(awards) != 1 || awards[0].XP != 50 || awards[0].RatingDelta != 0 {
		t.Fatalf("beating a bot awards winner xp without rating, got %+v", awards)
	}
}

func TestReapExpiresAndAutoCompletes(t *testing.T) {
	f := newFixture(t, WithSimulator(fixedSimulator{correct: 0}))
	ctx := context.Background()

	invite, err := f.engine.Invite(ctx, 1, 2, "math", 2)
	if err != nil {
		t.Fatalf("Invite: %v", err)
	}
	running, err := f.engine.StartBot(ctx, 3, store.DifficultyHard, "math", 2)
	if err != nil {
		t.Fatalf("StartBot: %v", err)
	}
	if _, err := f.answer(t, 3, running.UUID, 0, true, 1000); err != nil {
		t.Fatalf("answer: %v", err)
	}

	f.clock.Advance(61 * time.Second)
	if changed := f.engine.Reap(ctx); changed != 2 {
		t.Fatalf("expected two reaped battles, got %d", changed)
	}
	expired, _ := f.mem.GetBattle(ctx, invite.UUID)
	if expired.Status != store.BattleExpired {
		t.Fatalf("expected expired invite, got %s", expired.Status)
	}
	if len(f.pub.ofType("user:1", "battle_expired")) != 1 {
		t.Fatal("challenger must be told the invite expired")
	}
	completed, _ := f.mem.GetBattle(ctx, running.UUID)
	if completed.Status != store.BattleCompleted || !completed.XPAwarded || completed.WinnerID != 3 {
		t.Fatalf("expected auto-completed battle won by the human, got %+v", completed)
	}
	if f.engine.Active() != 0 {
		t.Fatalf("expected no live battles, got %d", f.engine.Active())
	}
	if _, err := f.engine.Accept(ctx, 2, invite.InviteCode); !errors.Is(err, protocol.ErrNotFound) && !errors.Is(err, protocol.ErrInvalidState) {
		t.Fatalf("accepting an expired invite must fail, got %v", err)
	}
}

func TestRejectAndCancelPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.engine.Invite(ctx, 1, 2, "", 0)
	if b.QuestionCount != DefaultQuestionCount {
		t.Fatalf("expected default question count, got %d", b.QuestionCount)
	}
	if err := f.engine.Cancel(ctx, 2, b.UUID); !errors.Is(err, protocol.ErrUnauthorized) {
		t.Fatalf("only the challenger may cancel, got %v", err)
	}
	if err := f.engine.Reject(ctx, 2, b.UUID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	rejected := f.pub.ofType("user:1", "battle_rejected")
	if len(rejected) != 1 {
		t.Fatal("challenger must be told about the rejection")
	}
	var payload map[string]any
	frame, _ := rejected[0].Encode()
	if err := json.Unmarshal(frame, &payload); err != nil || payload["battle_uuid"] != b.UUID {
		t.Fatalf("unexpected rejection frame %s", frame)
	}
	if _, err := f.engine.Invite(ctx, 1, 1, "", 0); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("self invites must be invalid, got %v", err)
	}
}
