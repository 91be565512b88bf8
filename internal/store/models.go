package store

import (
	"slices"
	"time"
)

// CompetitionStatus is the lifecycle state of a timed group exam.
type CompetitionStatus string

const (
	CompetitionDraft        CompetitionStatus = "draft"
	CompetitionUpcoming     CompetitionStatus = "upcoming"
	CompetitionRegistration CompetitionStatus = "registration"
	CompetitionActive       CompetitionStatus = "active"
	CompetitionPaused       CompetitionStatus = "paused"
	CompetitionFinished     CompetitionStatus = "finished"
	CompetitionCancelled    CompetitionStatus = "cancelled"
)

// Competition is the persisted projection of a timed exam.
type Competition struct {
	ID                  int64
	Slug                string
	Title               string
	Status              CompetitionStatus
	StartAt             time.Time
	EndAt               time.Time
	DurationMinutes     int
	ShowLiveLeaderboard bool
	QuestionMode        string
	MinParticipants     int
	// PausedRemaining is the time left on the clock when the exam was paused.
	PausedRemaining time.Duration
}

// Duration returns the configured exam length.
func (c Competition) Duration() time.Duration {
	return time.Duration(c.DurationMinutes) * time.Minute
}

// ParticipantStatus tracks a user's progress through a competition.
type ParticipantStatus string

const (
	ParticipantRegistered   ParticipantStatus = "registered"
	ParticipantInProgress   ParticipantStatus = "in_progress"
	ParticipantCompleted    ParticipantStatus = "completed"
	ParticipantDisqualified ParticipantStatus = "disqualified"
)

// Violation is a single anti-cheat report.
type Violation struct {
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// Participant is a (competition, user) enrolment with its scoring.
type Participant struct {
	CompetitionSlug string
	UserID          int64
	Name            string
	Status          ParticipantStatus
	Score           float64
	Correct         int
	Wrong           int
	Skipped         int
	TimeSpent       time.Duration
	// Rank is zero until the competition is finished and ranked.
	Rank       int
	Violations []Violation
}

// Clone returns a deep copy.
func (p Participant) Clone() Participant {
	p.Violations = slices.Clone(p.Violations)
	return p
}

// OpponentType distinguishes how a battle was arranged.
type OpponentType string

const (
	OpponentFriend OpponentType = "friend"
	OpponentRandom OpponentType = "random"
	OpponentBot    OpponentType = "bot"
)

// Difficulty selects the bot profile.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
	DifficultyExpert Difficulty = "expert"
)

// BattleStatus is the lifecycle state of a duel.
type BattleStatus string

const (
	BattlePending    BattleStatus = "pending"
	BattleSearching  BattleStatus = "searching"
	BattleAccepted   BattleStatus = "accepted"
	BattleInProgress BattleStatus = "in_progress"
	BattleCompleted  BattleStatus = "completed"
	BattleRejected   BattleStatus = "rejected"
	BattleExpired    BattleStatus = "expired"
	BattleCancelled  BattleStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s BattleStatus) Terminal() bool {
	switch s {
	case BattleCompleted, BattleRejected, BattleExpired, BattleCancelled:
		return true
	}
	return false
}

// Option is one answer choice of a question.
type Option struct {
	ID        int64  `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question is a multiple-choice item including its answer key.
type Question struct {
	ID      int64    `json:"id"`
	Subject string   `json:"subject,omitempty"`
	Text    string   `json:"text"`
	Answers []Option `json:"answers"`
}

// Clone returns a deep copy.
func (q Question) Clone() Question {
	q.Answers = slices.Clone(q.Answers)
	return q
}

// CorrectAnswer returns the id of the keyed option, or zero when none is keyed.
func (q Question) CorrectAnswer() int64 {
	for _, opt := range q.Answers {
		if opt.IsCorrect {
			return opt.ID
		}
	}
	return 0
}

// HasOption reports whether answerID is one of the question's options.
func (q Question) HasOption(answerID int64) bool {
	for _, opt := range q.Answers {
		if opt.ID == answerID {
			return true
		}
	}
	return false
}

// CloneQuestions deep-copies a question set.
func CloneQuestions(in []Question) []Question {
	if in == nil {
		return nil
	}
	out := make([]Question, len(in))
	for i, q := range in {
		out[i] = q.Clone()
	}
	return out
}

// Answer is one recorded battle submission.
type Answer struct {
	QuestionID int64 `json:"question_id"`
	AnswerID   int64 `json:"answer_id"`
	TimeMs     int   `json:"time_ms"`
	Correct    bool  `json:"correct"`
}

// Side holds one participant's result in a battle.
type Side struct {
	Score     int      `json:"score"`
	Correct   int      `json:"correct"`
	TimeMs    int64    `json:"time_ms"`
	Completed bool     `json:"completed"`
	Answers   []Answer `json:"answers"`
}

// Clone returns a deep copy.
func (s Side) Clone() Side {
	s.Answers = slices.Clone(s.Answers)
	return s
}

// Battle is a persisted 1v1 duel.
type Battle struct {
	UUID          string
	ChallengerID  int64
	// OpponentID is zero when the opponent is a bot.
	OpponentID    int64
	OpponentType  OpponentType
	BotDifficulty Difficulty
	Subject       string
	QuestionCount int
	Questions     []Question
	Challenger    Side
	Opponent      Side
	WinnerID      int64
	WinnerBot     bool
	Draw          bool
	XPAwarded     bool
	Status        BattleStatus
	InviteCode    string
	CreatedAt     time.Time
	StartedAt     time.Time
	CompletedAt   time.Time
	ExpiresAt     time.Time
	TotalTime     time.Duration
}

// Clone returns a deep copy.
func (b Battle) Clone() Battle {
	b.Questions = CloneQuestions(b.Questions)
	b.Challenger = b.Challenger.Clone()
	b.Opponent = b.Opponent.Clone()
	return b
}

// IsBot reports whether the opponent is simulated.
func (b Battle) IsBot() bool { return b.OpponentType == OpponentBot }

// XPAward is one user's settlement from a completed battle.
type XPAward struct {
	UserID      int64
	XP          int
	RatingDelta int
}

// QueueEntry is a user waiting in the random matchmaking queue.
type QueueEntry struct {
	UserID        int64
	Subject       string
	QuestionCount int
	Rating        int
	JoinedAt      time.Time
	ExpiresAt     time.Time
	Matched       bool
	BattleUUID    string
}

// User is the slice of account data the coordinator needs.
type User struct {
	ID     int64
	Name   string
	Rating int
	XP     int
	Level  int
}

// Notification is a persisted push message.
type Notification struct {
	ID        int64          `json:"id"`
	UserID    int64          `json:"user_id"`
	Kind      string         `json:"kind"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Link      string         `json:"link,omitempty"`
	Icon      string         `json:"icon"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Standing is one final rank assignment written when a competition finishes.
type Standing struct {
	UserID int64
	Rank   int
	Status ParticipantStatus
}
