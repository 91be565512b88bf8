package battle

import "testmakon/realtime/internal/store"

// Settlement labels reported to observers.
const (
	OutcomeWin    = "win"
	OutcomeDraw   = "draw"
	OutcomeBotWin = "bot_win"
)

// Verdict is the winner of a completed battle.
type Verdict struct {
	WinnerID  int64
	WinnerBot bool
	Draw      bool
}

// Label classifies the verdict for metrics.
func (v Verdict) Label() string {
	switch {
	case v.Draw:
		return OutcomeDraw
	case v.WinnerBot:
		return OutcomeBotWin
	default:
		return OutcomeWin
	}
}

// Outcome decides the winner: more correct answers wins, then the lower total time, else a draw.
func Outcome(b store.Battle) Verdict {
	c, o := b.Challenger, b.Opponent
	var challengerWins, opponentWins bool
	switch {
	case c.Correct > o.Correct:
		challengerWins = true
	case o.Correct > c.Correct:
		opponentWins = true
	case c.TimeMs < o.TimeMs:
		challengerWins = true
	case o.TimeMs < c.TimeMs:
		opponentWins = true
	}
	switch {
	case challengerWins:
		return Verdict{WinnerID: b.ChallengerID}
	case opponentWins && b.IsBot():
		return Verdict{WinnerBot: true}
	case opponentWins:
		return Verdict{WinnerID: b.OpponentID}
	default:
		return Verdict{Draw: true}
	}
}

// XPRules are the settlement amounts.
type XPRules struct {
	WinnerXP    int
	LoserXP     int
	RatingDelta int
}

// Awards computes each human's settlement. Bots never receive anything, and ratings only move
// in decisive battles between two humans.
func Awards(b store.Battle, v Verdict, rules XPRules) []store.XPAward {
	humans := []int64{b.ChallengerID}
	if !b.IsBot() && b.OpponentID != 0 {
		humans = append(humans, b.OpponentID)
	}
	awards := make([]store.XPAward, 0, len(humans))
	switch {
	case v.Draw:
		draw := (rules.WinnerXP + rules.LoserXP) / 2
		for _, id := range humans {
			awards = append(awards, store.XPAward{UserID: id, XP: draw})
		}
	case v.WinnerBot:
		awards = append(awards, store.XPAward{UserID: b.ChallengerID, XP: rules.LoserXP})
	default:
		decisive := len(humans) == 2
		for _, id := range humans {
			award := store.XPAward{UserID: id, XP: rules.LoserXP}
			if id == v.WinnerID {
				award.XP = rules.WinnerXP
			}
			if decisive {
				award.RatingDelta = -rules.RatingDelta
				if id == v.WinnerID {
					award.RatingDelta = rules.RatingDelta
				}
			}
			awards = append(awards, award)
		}
	}
	return awards
}
