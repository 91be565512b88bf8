package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"testmakon/realtime/internal/store"
)

type competitionRow struct {
	ID                  int64  `gorm:"primaryKey"`
	Slug                string `gorm:"size:160;uniqueIndex;not null"`
	Title               string `gorm:"size:255"`
	Status              string `gorm:"size:20;not null;index"`
	StartAt             time.Time
	EndAt               time.Time
	DurationMinutes     int  `gorm:"not null;default:0"`
	ShowLiveLeaderboard bool `gorm:"not null;default:true"`
	QuestionMode        string `gorm:"size:20"`
	MinParticipants     int    `gorm:"not null;default:0"`
	PausedRemainingMs   int64  `gorm:"not null;default:0"`
}

func (competitionRow) TableName() string { return "competitions" }

type participantRow struct {
	ID              int64  `gorm:"primaryKey"`
	CompetitionSlug string `gorm:"size:160;not null;uniqueIndex:idx_participant_slug_user"`
	UserID          int64  `gorm:"not null;uniqueIndex:idx_participant_slug_user"`
	Name            string `gorm:"size:150"`
	Status          string `gorm:"size:20;not null"`
	Score           float64
	Correct         int
	Wrong           int
	Skipped         int
	TimeSpentMs     int64
	Rank            int
	Violations      datatypes.JSON
}

func (participantRow) TableName() string { return "competition_participants" }

type battleRow struct {
	UUID          string `gorm:"primaryKey;size:36"`
	ChallengerID  int64  `gorm:"not null;index"`
	OpponentID    int64  `gorm:"index"`
	OpponentType  string `gorm:"size:10;not null"`
	BotDifficulty string `gorm:"size:10"`
	Subject       string `gorm:"size:120"`
	QuestionCount int
	Questions     datatypes.JSON
	Challenger    datatypes.JSON
	Opponent      datatypes.JSON
	WinnerID      int64
	WinnerBot     bool
	Draw          bool
	XPAwarded     bool   `gorm:"column:xp_awarded;not null;default:false"`
	Status        string `gorm:"size:20;not null;index"`
	InviteCode    string `gorm:"size:16;index"`
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	ExpiresAt     time.Time `gorm:"index"`
	TotalTimeMs   int64
}

func (battleRow) TableName() string { return "battles" }

type queueRow struct {
	UserID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Subject       string `gorm:"size:120"`
	QuestionCount int
	Rating        int
	JoinedAt      time.Time `gorm:"index"`
	ExpiresAt     time.Time
	Matched       bool
	BattleUUID    string `gorm:"size:36"`
}

func (queueRow) TableName() string { return "matchmaking_queue" }

type userRow struct {
	ID     int64  `gorm:"primaryKey;autoIncrement:false"`
	Name   string `gorm:"size:150"`
	Rating int    `gorm:"not null;default:1000"`
	XP     int    `gorm:"column:xp;not null;default:0"`
	Level  int    `gorm:"not null;default:1"`
}

func (userRow) TableName() string { return "users" }

type friendshipRow struct {
	UserID   int64 `gorm:"primaryKey;autoIncrement:false"`
	FriendID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (friendshipRow) TableName() string { return "friendships" }

type notificationRow struct {
	ID        int64  `gorm:"primaryKey"`
	UserID    int64  `gorm:"not null;index"`
	Kind      string `gorm:"size:40"`
	Title     string `gorm:"size:255"`
	Message   string `gorm:"type:text"`
	Link      string `gorm:"size:500"`
	Icon      string `gorm:"size:60"`
	Data      datatypes.JSON
	CreatedAt time.Time
}

func (notificationRow) TableName() string { return "notifications" }

type questionRow struct {
	ID      int64  `gorm:"primaryKey"`
	Subject string `gorm:"size:120;index"`
	Text    string `gorm:"type:text;not null"`
	Answers datatypes.JSON
}

func (questionRow) TableName() string { return "questions" }

func allModels() []any {
	return []any{
		&competitionRow{}, &participantRow{}, &battleRow{}, &queueRow{},
		&userRow{}, &friendshipRow{}, &notificationRow{}, &questionRow{},
	}
}

func toJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func fromJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func competitionToRow(c store.Competition) competitionRow {
	return competitionRow{
		ID:                  c.ID,
		Slug:                c.Slug,
		Title:               c.Title,
		Status:              string(c.Status),
		StartAt:             c.StartAt,
		EndAt:               c.EndAt,
		DurationMinutes:     c.DurationMinutes,
		ShowLiveLeaderboard: c.ShowLiveLeaderboard,
		QuestionMode:        c.QuestionMode,
		MinParticipants:     c.MinParticipants,
		PausedRemainingMs:   c.PausedRemaining.Milliseconds(),
	}
}

func (r competitionRow) toDomain() store.Competition {
	return store.Competition{
		ID:                  r.ID,
		Slug:                r.Slug,
		Title:               r.Title,
		Status:              store.CompetitionStatus(r.Status),
		StartAt:             r.StartAt,
		EndAt:               r.EndAt,
		DurationMinutes:     r.DurationMinutes,
		ShowLiveLeaderboard: r.ShowLiveLeaderboard,
		QuestionMode:        r.QuestionMode,
		MinParticipants:     r.MinParticipants,
		PausedRemaining:     time.Duration(r.PausedRemainingMs) * time.Millisecond,
	}
}

func participantToRow(p store.Participant) (participantRow, error) {
	violations, err := toJSON(p.Violations)
	if err != nil {
		return participantRow{}, fmt.Errorf("encode violations: %w", err)
	}
	return participantRow{
		CompetitionSlug: p.CompetitionSlug,
		UserID:          p.UserID,
		Name:            p.Name,
		Status:          string(p.Status),
		Score:           p.Score,
		Correct:         p.Correct,
		Wrong:           p.Wrong,
		Skipped:         p.Skipped,
		TimeSpentMs:     p.TimeSpent.Milliseconds(),
		Rank:            p.Rank,
		Violations:      violations,
	}, nil
}

func (r participantRow) toDomain() (store.Participant, error) {
	p := store.Participant{
		CompetitionSlug: r.CompetitionSlug,
		UserID:          r.UserID,
		Name:            r.Name,
		Status:          store.ParticipantStatus(r.Status),
		Score:           r.Score,
		Correct:         r.Correct,
		Wrong:           r.Wrong,
		Skipped:         r.Skipped,
		TimeSpent:       time.Duration(r.TimeSpentMs) * time.Millisecond,
		Rank:            r.Rank,
	}
	if err := fromJSON(r.Violations, &p.Violations); err != nil {
		return store.Participant{}, fmt.Errorf("decode violations: %w", err)
	}
	return p, nil
}

func battleToRow(b store.Battle) (battleRow, error) {
	questions, err := toJSON(b.Questions)
	if err != nil {
		return battleRow{}, fmt.Errorf("encode questions: %w", err)
	}
	challenger, err := toJSON(b.Challenger)
	if err != nil {
		return battleRow{}, fmt.Errorf("encode challenger side: %w", err)
	}
	opponent, err := toJSON(b.Opponent)
	if err != nil {
		return battleRow{}, fmt.Errorf("encode opponent side: %w", err)
	}
	return battleRow{
		UUID:          b.UUID,
		ChallengerID:  b.ChallengerID,
		OpponentID:    b.OpponentID,
		OpponentType:  string(b.OpponentType),
		BotDifficulty: string(b.BotDifficulty),
		Subject:       b.Subject,
		QuestionCount: b.QuestionCount,
		Questions:     questions,
		Challenger:    challenger,
		Opponent:      opponent,
		WinnerID:      b.WinnerID,
		WinnerBot:     b.WinnerBot,
		Draw:          b.Draw,
		XPAwarded:     b.XPAwarded,
		Status:        string(b.Status),
		InviteCode:    b.InviteCode,
		CreatedAt:     b.CreatedAt,
		StartedAt:     b.StartedAt,
		CompletedAt:   b.CompletedAt,
		ExpiresAt:     b.ExpiresAt,
		TotalTimeMs:   b.TotalTime.Milliseconds(),
	}, nil
}

func (r battleRow) toDomain() (store.Battle, error) {
	b := store.Battle{
		UUID:          r.UUID,
		ChallengerID:  r.ChallengerID,
		OpponentID:    r.OpponentID,
		OpponentType:  store.OpponentType(r.OpponentType),
		BotDifficulty: store.Difficulty(r.BotDifficulty),
		Subject:       r.Subject,
		QuestionCount: r.QuestionCount,
		WinnerID:      r.WinnerID,
		WinnerBot:     r.WinnerBot,
		Draw:          r.Draw,
		XPAwarded:     r.XPAwarded,
		Status:        store.BattleStatus(r.Status),
		InviteCode:    r.InviteCode,
		CreatedAt:     r.CreatedAt,
		StartedAt:     r.StartedAt,
		CompletedAt:   r.CompletedAt,
		ExpiresAt:     r.ExpiresAt,
		TotalTime:     time.Duration(r.TotalTimeMs) * time.Millisecond,
	}
	if err := fromJSON(r.Questions, &b.Questions); err != nil {
		return store.Battle{}, fmt.Errorf("decode questions: %w", err)
	}
	if err := fromJSON(r.Challenger, &b.Challenger); err != nil {
		return store.Battle{}, fmt.Errorf("decode challenger side: %w", err)
	}
	if err := fromJSON(r.Opponent, &b.Opponent); err != nil {
		return store.Battle{}, fmt.Errorf("decode opponent side: %w", err)
	}
	return b, nil
}

func queueToRow(e store.QueueEntry) queueRow {
	return queueRow(e)
}

func (r queueRow) toDomain() store.QueueEntry {
	return store.QueueEntry(r)
}

func notificationToRow(n store.Notification) (notificationRow, error) {
	data, err := toJSON(n.Data)
	if err != nil {
		return notificationRow{}, fmt.Errorf("encode notification data: %w", err)
	}
	return notificationRow{
		ID:        n.ID,
		UserID:    n.UserID,
		Kind:      n.Kind,
		Title:     n.Title,
		Message:   n.Message,
		Link:      n.Link,
		Icon:      n.Icon,
		Data:      data,
		CreatedAt: n.CreatedAt,
	}, nil
}

func (r questionRow) toDomain() (store.Question, error) {
	q := store.Question{ID: r.ID, Subject: r.Subject, Text: r.Text}
	if err := fromJSON(r.Answers, &q.Answers); err != nil {
		return store.Question{}, fmt.Errorf("decode answers for question %d: %w", r.ID, err)
	}
	return q, nil
}
