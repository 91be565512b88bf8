package battle

import (
	"context"
	"fmt"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// PublicOption is an answer choice without its key.
type PublicOption struct {
	ID   int64  `json:"id"`
	Text string `json:"text"`
}

// PublicQuestion is a question as transmitted to players.
type PublicQuestion struct {
	ID      int64          `json:"id"`
	Text    string         `json:"text"`
	Answers []PublicOption `json:"answers"`
}

// PublicQuestions strips answer keys from a frozen question set.
func PublicQuestions(questions []store.Question) []PublicQuestion {
	out := make([]PublicQuestion, len(questions))
	for i, q := range questions {
		opts := make([]PublicOption, len(q.Answers))
		for j, opt := range q.Answers {
			opts[j] = PublicOption{ID: opt.ID, Text: opt.Text}
		}
		out[i] = PublicQuestion{ID: q.ID, Text: q.Text, Answers: opts}
	}
	return out
}

// Submission is one battle_answer frame.
type Submission struct {
	BattleUUID string `json:"battle_uuid"`
	QuestionID int64  `json:"question_id"`
	AnswerID   int64  `json:"answer_id"`
	TimeMs     int    `json:"time_ms"`
}

// SubmitAnswer validates and records one answer, settling the battle when both sides are done.
func (e *Engine) SubmitAnswer(ctx context.Context, userID int64, sub Submission) (protocol.Envelope, error) {
	lb, err := e.lookup(ctx, sub.BattleUUID)
	if err != nil {
		return protocol.Envelope{}, err
	}
	lb.mu.Lock()
	defer lb.mu.Unlock()
	b := lb.b

	var mine func(*store.Battle) *store.Side
	switch {
	case userID == b.ChallengerID:
		mine = func(x *store.Battle) *store.Side { return &x.Challenger }
	case userID == b.OpponentID && !b.IsBot():
		mine = func(x *store.Battle) *store.Side { return &x.Opponent }
	default:
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeUnauthorized, "not a participant of this battle")
	}

	//1.- Only open battles inside their time budget accept answers.
	now := e.now()
	if b.Status != store.BattleAccepted && b.Status != store.BattleInProgress {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "battle is %s", b.Status)
	}
	if b.Status == store.BattleInProgress && now.After(b.StartedAt.Add(b.TotalTime)) {
		if err := e.settleLocked(ctx, lb, lb.b.Clone()); err != nil {
			e.log.Warn("settle on late answer failed", logging.String("battle", b.UUID), logging.Error(err))
		}
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "battle time limit exceeded")
	}
	side := mine(&b)
	if side.Completed {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "all questions already answered")
	}

	//2.- The answer must target the current question, name one of its options, and fit the limit.
	current := b.Questions[len(side.Answers)]
	if sub.QuestionID != current.ID {
		for _, prior := range side.Answers {
			if prior.QuestionID == sub.QuestionID {
				return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "question %d already answered", sub.QuestionID)
			}
		}
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "question %d is not the current question", sub.QuestionID)
	}
	if !current.HasOption(sub.AnswerID) {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidPayload, "answer %d is not an option of question %d", sub.AnswerID, current.ID)
	}
	if sub.TimeMs <= 0 || int64(sub.TimeMs) > e.cfg.QuestionLimit.Milliseconds() {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidPayload, "time_ms must be in (0, %d]", e.cfg.QuestionLimit.Milliseconds())
	}

	//3.- Record on a copy; the live battle only changes once persistence succeeded.
	next := b.Clone()
	if next.Status == store.BattleAccepted {
		next.Status = store.BattleInProgress
		next.StartedAt = now
	}
	side = mine(&next)
	correct := sub.AnswerID == current.CorrectAnswer()
	side.Answers = append(side.Answers, store.Answer{QuestionID: current.ID, AnswerID: sub.AnswerID, TimeMs: sub.TimeMs, Correct: correct})
	side.TimeMs += int64(sub.TimeMs)
	if correct {
		side.Correct++
	}
	side.Score = side.Correct
	side.Completed = len(side.Answers) == len(next.Questions)
	answered, completed := len(side.Answers), side.Completed

	ack := protocol.New("battle_answer_ack", map[string]any{
		"battle_uuid": next.UUID,
		"question_id": current.ID,
		"correct":     correct,
		"answered":    answered,
		"completed":   completed,
	})

	if completed && (next.IsBot() || (next.Challenger.Completed && next.Opponent.Completed)) {
		if err := e.settleLocked(ctx, lb, next); err != nil {
			return protocol.Envelope{}, err
		}
		return ack, nil
	}
	if err := e.store.UpdateBattle(ctx, next); err != nil {
		return protocol.Envelope{}, protocol.Internal(fmt.Errorf("record answer: %w", err))
	}
	lb.b = next
	for _, id := range humans(next) {
		if id == userID {
			continue
		}
		e.publisher.Publish(dispatch.UserTopic(id), protocol.New("battle_progress", map[string]any{
			"battle_uuid": next.UUID,
			"user_id":     userID,
			"answered":    answered,
			"score":       side.Score,
			"completed":   completed,
		}))
	}
	return ack, nil
}

// settleLocked completes next, awarding XP exactly once through the store's compare-and-swap.
func (e *Engine) settleLocked(ctx context.Context, lb *liveBattle, next store.Battle) error {
	//1.- The bot plays its side as soon as the human is done, before the verdict.
	if next.IsBot() && !next.Opponent.Completed {
		next.Opponent = e.sim.Simulate(next.BotDifficulty, next.Questions)
	}
	next.Challenger.Completed = true
	next.Opponent.Completed = true
	verdict := Outcome(next)
	next.WinnerID, next.WinnerBot, next.Draw = verdict.WinnerID, verdict.WinnerBot, verdict.Draw
	next.Status = store.BattleCompleted
	next.CompletedAt = e.now()
	awards := Awards(next, verdict, e.cfg.Rules)

	settled, err := e.store.CompleteBattle(ctx, next, awards)
	if err != nil {
		return protocol.Internal(fmt.Errorf("complete battle %s: %w", next.UUID, err))
	}
	if !settled {
		e.forget(next)
		return protocol.Errorf(protocol.CodeInvalidState, "battle already settled")
	}
	next.XPAwarded = true
	lb.b = next
	e.forget(next)

	//2.- Tell each human the result with their own award.
	earned := make(map[int64]store.XPAward, len(awards))
	for _, a := range awards {
		earned[a.UserID] = a
	}
	for _, id := range humans(next) {
		e.publisher.Publish(dispatch.UserTopic(id), protocol.New("battle_result", map[string]any{
			"battle_uuid":   next.UUID,
			"winner_id":     next.WinnerID,
			"winner_bot":    next.WinnerBot,
			"draw":          next.Draw,
			"challenger":    sideSummary(next.ChallengerID, next.Challenger),
			"opponent":      sideSummary(next.OpponentID, next.Opponent),
			"xp_earned":     earned[id].XP,
			"rating_change": earned[id].RatingDelta,
		}))
	}
	if e.observer != nil {
		e.observer.BattleSettled(verdict.Label())
	}
	if e.archive != nil {
		archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		settledCopy := next.Clone()
		go func() {
			defer cancel()
			if err := e.archive.ArchiveBattle(archiveCtx, settledCopy); err != nil {
				e.log.Warn("archive battle failed", logging.String("battle", settledCopy.UUID), logging.Error(err))
			}
		}()
	}
	e.log.Info("battle settled", logging.String("battle", next.UUID), logging.String("outcome", verdict.Label()))
	return nil
}

func sideSummary(userID int64, s store.Side) map[string]any {
	return map[string]any{
		"user_id":   userID,
		"score":     s.Score,
		"correct":   s.Correct,
		"time_ms":   s.TimeMs,
		"answered":  len(s.Answers),
		"completed": s.Completed,
	}
}
