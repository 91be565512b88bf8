package store

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryCompleteBattleAwardsOnce(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: 1, Name: "ada", Rating: 1500})
	m.PutUser(User{ID: 2, Name: "bob", Rating: 1500})
	b := Battle{UUID: "b-1", ChallengerID: 1, OpponentID: 2, Status: BattleInProgress}
	if err := m.CreateBattle(ctx, b); err != nil {
		t.Fatalf("CreateBattle: %v", err)
	}
	awards := []XPAward{{UserID: 1, XP: 50, RatingDelta: 15}, {UserID: 2, XP: 10, RatingDelta: -15}}

	applied, err := m.CompleteBattle(ctx, b, awards)
	if err != nil || !applied {
		t.Fatalf("expected first settlement to apply, applied=%v err=%v", applied, err)
	}
	applied, err = m.CompleteBattle(ctx, b, awards)
	if err != nil || applied {
		t.Fatalf("expected second settlement to be rejected, applied=%v err=%v", applied, err)
	}

	winner, _ := m.GetUser(ctx, 1)
	loser, _ := m.GetUser(ctx, 2)
	if winner.XP != 50 || winner.Rating != 1515 {
		t.Fatalf("unexpected winner totals %+v", winner)
	}
	if loser.XP != 10 || loser.Rating != 1485 {
		t.Fatalf("unexpected loser totals %+v", loser)
	}
	stored, _ := m.GetBattle(ctx, "b-1")
	if !stored.XPAwarded || stored.Status != BattleCompleted {
		t.Fatalf("expected settled battle, got %+v", stored)
	}
	if err := m.UpdateBattle(ctx, stored); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected settled battle to be immutable, got %v", err)
	}
}

func TestMemoryCompleteBattleIsAtomicOnUnknownUser(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutUser(User{ID: 1})
	b := Battle{UUID: "b-2", ChallengerID: 1, OpponentID: 99}
	_ = m.CreateBattle(ctx, b)

	if _, err := m.CompleteBattle(ctx, b, []XPAward{{UserID: 1, XP: 50}, {UserID: 99, XP: 10}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	u, _ := m.GetUser(ctx, 1)
	stored, _ := m.GetBattle(ctx, "b-2")
	if u.XP != 0 || stored.XPAwarded {
		t.Fatalf("expected no partial settlement, user=%+v battle=%+v", u, stored)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	p := Participant{CompetitionSlug: "olymp", UserID: 3, Violations: []Violation{{Kind: "tab"}}}
	_ = m.UpsertParticipant(ctx, p)
	p.Violations[0].Kind = "mutated"

	got, err := m.GetParticipant(ctx, "olymp", 3)
	if err != nil {
		t.Fatalf("GetParticipant: %v", err)
	}
	if got.Violations[0].Kind != "tab" {
		t.Fatalf("store shared caller memory: %+v", got.Violations)
	}
}

func TestMemorySaveRanksRejectsUnknownParticipant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	_ = m.UpsertParticipant(ctx, Participant{CompetitionSlug: "olymp", UserID: 1, Status: ParticipantInProgress})

	err := m.SaveRanks(ctx, "olymp", []Standing{{UserID: 1, Rank: 1, Status: ParticipantCompleted}, {UserID: 2, Rank: 2}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	got, _ := m.GetParticipant(ctx, "olymp", 1)
	if got.Rank != 0 {
		t.Fatalf("expected ranks untouched after failure, got %d", got.Rank)
	}
}

func TestMemoryFetchQuestionsFiltersAndShuffles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i := int64(1); i <= 10; i++ {
		subject := "math"
		if i > 6 {
			subject = "physics"
		}
		m.AddQuestions(Question{ID: i, Subject: subject, Answers: []Option{{ID: i * 10, IsCorrect: true}}})
	}
	got, err := m.FetchQuestions(ctx, "math", 4, 42)
	if err != nil {
		t.Fatalf("FetchQuestions: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 questions, got %d", len(got))
	}
	for _, q := range got {
		if q.Subject != "math" {
			t.Fatalf("unexpected subject %q", q.Subject)
		}
	}
	if _, err := m.FetchQuestions(ctx, "history", 4, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for empty subject pool, got %v", err)
	}
}

func TestMemoryQueueRejectsDuplicateWaitingEntry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.InsertQueueEntry(ctx, QueueEntry{UserID: 1}); err != nil {
		t.Fatalf("InsertQueueEntry: %v", err)
	}
	if err := m.InsertQueueEntry(ctx, QueueEntry{UserID: 1}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
