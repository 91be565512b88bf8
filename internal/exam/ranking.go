package exam

import (
	"cmp"
	"slices"
	"time"

	"testmakon/realtime/internal/store"
)

// compareStanding orders by score descending, then time spent ascending, then user id.
func compareStanding(a, b store.Participant) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TimeSpent, b.TimeSpent); c != 0 {
		return c
	}
	return cmp.Compare(a.UserID, b.UserID)
}

// Rank assigns final ranks. Participants still in progress are closed as completed and ranked
// 1..N; disqualified participants follow from N+1 and keep their score; registered users who
// never started stay unranked. The result lists ranked, then disqualified, then unranked rows.
func Rank(participants []store.Participant) []store.Participant {
	var finished, disqualified, unranked []store.Participant
	for _, p := range participants {
		p = p.Clone()
		switch p.Status {
		case store.ParticipantInProgress, store.ParticipantCompleted:
			p.Status = store.ParticipantCompleted
			finished = append(finished, p)
		case store.ParticipantDisqualified:
			disqualified = append(disqualified, p)
		default:
			p.Rank = 0
			unranked = append(unranked, p)
		}
	}
	slices.SortFunc(finished, compareStanding)
	slices.SortFunc(disqualified, compareStanding)

	rank := 0
	for i := range finished {
		rank++
		finished[i].Rank = rank
	}
	for i := range disqualified {
		rank++
		disqualified[i].Rank = rank
	}

	out := make([]store.Participant, 0, len(participants))
	out = append(out, finished...)
	out = append(out, disqualified...)
	return append(out, unranked...)
}

// Standings projects ranked participants onto the rows written by SaveRanks.
func Standings(ranked []store.Participant) []store.Standing {
	out := make([]store.Standing, 0, len(ranked))
	for _, p := range ranked {
		if p.Rank == 0 {
			continue
		}
		out = append(out, store.Standing{UserID: p.UserID, Rank: p.Rank, Status: p.Status})
	}
	return out
}

// LeaderboardEntry is one row of a live snapshot.
type LeaderboardEntry struct {
	Position         int     `json:"position"`
	UserID           int64   `json:"user_id"`
	Name             string  `json:"name"`
	Score            float64 `json:"score"`
	Correct          int     `json:"correct"`
	TimeSpentSeconds int64   `json:"time_spent_seconds"`
	Status           string  `json:"status"`
}

// TopN orders non-disqualified participants for a live snapshot and keeps the first limit rows.
func TopN(participants []store.Participant, limit int) []LeaderboardEntry {
	eligible := make([]store.Participant, 0, len(participants))
	for _, p := range participants {
		if p.Status == store.ParticipantDisqualified {
			continue
		}
		eligible = append(eligible, p)
	}
	slices.SortFunc(eligible, compareStanding)
	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	entries := make([]LeaderboardEntry, len(eligible))
	for i, p := range eligible {
		entries[i] = LeaderboardEntry{
			Position:         i + 1,
			UserID:           p.UserID,
			Name:             p.Name,
			Score:            p.Score,
			Correct:          p.Correct,
			TimeSpentSeconds: int64(p.TimeSpent / time.Second),
			Status:           string(p.Status),
		}
	}
	return entries
}
