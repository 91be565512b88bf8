// Package store declares the persistence collaborators consumed by the coordinator and an
// in-memory implementation used in development and tests.
package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a uniqueness constraint would be violated.
	ErrConflict = errors.New("record conflict")
)

// Competitions reads and writes competition records.
type Competitions interface {
	GetCompetition(ctx context.Context, slug string) (Competition, error)
	UpdateCompetition(ctx context.Context, c Competition) error
}

// Participants reads and writes competition enrolments.
type Participants interface {
	GetParticipant(ctx context.Context, slug string, userID int64) (Participant, error)
	UpsertParticipant(ctx context.Context, p Participant) error
	ListParticipants(ctx context.Context, slug string) ([]Participant, error)
	// SaveRanks writes final ranks and statuses in one atomic call.
	SaveRanks(ctx context.Context, slug string, standings []Standing) error
}

// Battles persists duels.
type Battles interface {
	CreateBattle(ctx context.Context, b Battle) error
	UpdateBattle(ctx context.Context, b Battle) error
	GetBattle(ctx context.Context, uuid string) (Battle, error)
	FindBattleByInvite(ctx context.Context, code string) (Battle, error)
	InviteCodeTaken(ctx context.Context, code string) (bool, error)
	// CompleteBattle persists the completed battle and applies every award atomically, only if
	// the stored battle has not been settled yet. It reports false when another caller won.
	CompleteBattle(ctx context.Context, b Battle, awards []XPAward) (bool, error)
}

// Queue persists matchmaking queue entries.
type Queue interface {
	InsertQueueEntry(ctx context.Context, e QueueEntry) error
	UpdateQueueEntry(ctx context.Context, e QueueEntry) error
	DeleteQueueEntry(ctx context.Context, userID int64) error
	ListQueueEntries(ctx context.Context) ([]QueueEntry, error)
}

// Ratings reads and adjusts skill ratings.
type Ratings interface {
	Rating(ctx context.Context, userID int64) (int, error)
	BumpRating(ctx context.Context, userID int64, delta int) error
}

// Questions supplies frozen question sets.
type Questions interface {
	// FetchQuestions returns up to count shuffled questions for subject; an empty subject means any.
	FetchQuestions(ctx context.Context, subject string, count int, seed uint64) ([]Question, error)
}

// Friends resolves a user's friend set.
type Friends interface {
	FriendsOf(ctx context.Context, userID int64) ([]int64, error)
}

// Notifications persists push messages before they are fanned out.
type Notifications interface {
	PersistNotification(ctx context.Context, n Notification) (Notification, error)
}

// Users resolves display metadata.
type Users interface {
	GetUser(ctx context.Context, userID int64) (User, error)
}

// Store aggregates every collaborator.
type Store interface {
	Competitions
	Participants
	Battles
	Queue
	Ratings
	Questions
	Friends
	Notifications
	Users
}
