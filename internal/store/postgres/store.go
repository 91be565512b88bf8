// Package postgres implements the coordinator's persistence collaborators on PostgreSQL
// through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/store"
)

const (
	maxOpenConns    = 20
	maxIdleConns    = 5
	connMaxLifetime = 30 * time.Minute
)

// Store is a gorm backed store.Store.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL using dsn and configures the connection pool.
func Open(dsn string, logger *logging.Logger) (*Store, error) {
	if logger == nil {
		logger = logging.L()
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(connMaxLifetime)
	return New(db), nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate creates or updates every table the coordinator owns.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm failures onto the store sentinels.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", what, store.ErrConflict)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}

// GetCompetition implements store.Competitions.
func (s *Store) GetCompetition(ctx context.Context, slug string) (store.Competition, error) {
	var row competitionRow
	if err := s.db.WithContext(ctx).Where("slug = ?", slug).Take(&row).Error; err != nil {
		return store.Competition{}, translate(err, fmt.Sprintf("competition %q", slug))
	}
	return row.toDomain(), nil
}

// UpdateCompetition implements store.Competitions.
func (s *Store) UpdateCompetition(ctx context.Context, c store.Competition) error {
	row := competitionToRow(c)
	res := s.db.WithContext(ctx).Model(&competitionRow{}).Where("slug = ?", c.Slug).
		Select("title", "status", "start_at", "end_at", "duration_minutes", "show_live_leaderboard",
			"question_mode", "min_participants", "paused_remaining_ms").
		Updates(&row)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("competition %q", c.Slug))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("competition %q: %w", c.Slug, store.ErrNotFound)
	}
	return nil
}

// GetParticipant implements store.Participants.
func (s *Store) GetParticipant(ctx context.Context, slug string, userID int64) (store.Participant, error) {
	var row participantRow
	err := s.db.WithContext(ctx).Where("competition_slug = ? AND user_id = ?", slug, userID).Take(&row).Error
	if err != nil {
		return store.Participant{}, translate(err, fmt.Sprintf("participant %d in %q", userID, slug))
	}
	return row.toDomain()
}

// UpsertParticipant implements store.Participants.
func (s *Store) UpsertParticipant(ctx context.Context, p store.Participant) error {
	row, err := participantToRow(p)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "competition_slug"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"name", "status", "score", "correct", "wrong", "skipped", "time_spent_ms", "rank", "violations",
		}),
	}).Create(&row).Error
	return translate(err, fmt.Sprintf("participant %d in %q", p.UserID, p.CompetitionSlug))
}

// ListParticipants implements store.Participants.
func (s *Store) ListParticipants(ctx context.Context, slug string) ([]store.Participant, error) {
	var rows []participantRow
	if err := s.db.WithContext(ctx).Where("competition_slug = ?", slug).Order("user_id").Find(&rows).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("participants of %q", slug))
	}
	out := make([]store.Participant, 0, len(rows))
	for _, row := range rows {
		p, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// SaveRanks implements store.Participants.
func (s *Store) SaveRanks(ctx context.Context, slug string, standings []store.Standing) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, st := range standings {
			res := tx.Model(&participantRow{}).
				Where("competition_slug = ? AND user_id = ?", slug, st.UserID).
				Updates(map[string]any{"rank": st.Rank, "status": string(st.Status)})
			if res.Error != nil {
				return translate(res.Error, fmt.Sprintf("rank participant %d", st.UserID))
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("participant %d in %q: %w", st.UserID, slug, store.ErrNotFound)
			}
		}
		return nil
	})
}

// CreateBattle implements store.Battles.
func (s *Store) CreateBattle(ctx context.Context, b store.Battle) error {
	row, err := battleToRow(b)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if b.InviteCode != "" {
			taken, err := inviteTaken(tx, b.InviteCode)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("invite code %s: %w", b.InviteCode, store.ErrConflict)
			}
		}
		return translate(tx.Create(&row).Error, fmt.Sprintf("battle %s", b.UUID))
	})
}

// UpdateBattle implements store.Battles. Settled battles are immutable.
func (s *Store) UpdateBattle(ctx context.Context, b store.Battle) error {
	row, err := battleToRow(b)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&battleRow{}).Where("uuid = ? AND xp_awarded = ?", b.UUID, false).Select("*").Omit("uuid").Updates(&row)
		if res.Error != nil {
			return translate(res.Error, fmt.Sprintf("battle %s", b.UUID))
		}
		if res.RowsAffected > 0 {
			return nil
		}
		if _, err := getBattle(tx, b.UUID); err != nil {
			return err
		}
		return fmt.Errorf("battle %s already settled: %w", b.UUID, store.ErrConflict)
	})
}

// GetBattle implements store.Battles.
func (s *Store) GetBattle(ctx context.Context, uuid string) (store.Battle, error) {
	return getBattle(s.db.WithContext(ctx), uuid)
}

func getBattle(db *gorm.DB, uuid string) (store.Battle, error) {
	var row battleRow
	if err := db.Where("uuid = ?", uuid).Take(&row).Error; err != nil {
		return store.Battle{}, translate(err, fmt.Sprintf("battle %s", uuid))
	}
	return row.toDomain()
}

// FindBattleByInvite implements store.Battles.
func (s *Store) FindBattleByInvite(ctx context.Context, code string) (store.Battle, error) {
	var row battleRow
	err := s.db.WithContext(ctx).Where("invite_code = ?", code).Order("created_at DESC").Take(&row).Error
	if err != nil {
		return store.Battle{}, translate(err, fmt.Sprintf("invite %s", code))
	}
	return row.toDomain()
}

// InviteCodeTaken implements store.Battles.
func (s *Store) InviteCodeTaken(ctx context.Context, code string) (bool, error) {
	return inviteTaken(s.db.WithContext(ctx), code)
}

func inviteTaken(db *gorm.DB, code string) (bool, error) {
	var count int64
	if err := db.Model(&battleRow{}).Where("invite_code = ?", code).Count(&count).Error; err != nil {
		return false, translate(err, "invite lookup")
	}
	return count > 0, nil
}

// CompleteBattle implements store.Battles.
func (s *Store) CompleteBattle(ctx context.Context, b store.Battle, awards []store.XPAward) (bool, error) {
	b.XPAwarded = true
	b.Status = store.BattleCompleted
	row, err := battleToRow(b)
	if err != nil {
		return false, err
	}
	settled := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		//1.- Compare-and-swap on the settlement flag so awards apply once.
		res := tx.Model(&battleRow{}).Where("uuid = ? AND xp_awarded = ?", b.UUID, false).Select("*").Omit("uuid").Updates(&row)
		if res.Error != nil {
			return translate(res.Error, fmt.Sprintf("settle battle %s", b.UUID))
		}
		if res.RowsAffected == 0 {
			_, err := getBattle(tx, b.UUID)
			return err
		}
		//2.- Awards ride the same transaction; a missing user rolls the settlement back.
		for _, award := range awards {
			upd := tx.Model(&userRow{}).Where("id = ?", award.UserID).Updates(map[string]any{
				"xp":     gorm.Expr("xp + ?", award.XP),
				"rating": gorm.Expr("rating + ?", award.RatingDelta),
			})
			if upd.Error != nil {
				return translate(upd.Error, fmt.Sprintf("award user %d", award.UserID))
			}
			if upd.RowsAffected == 0 {
				return fmt.Errorf("user %d: %w", award.UserID, store.ErrNotFound)
			}
		}
		settled = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return settled, nil
}

// InsertQueueEntry implements store.Queue. A stale matched entry is replaced.
func (s *Store) InsertQueueEntry(ctx context.Context, e store.QueueEntry) error {
	row := queueToRow(e)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing queueRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("user_id = ?", e.UserID).Take(&existing).Error
		switch {
		case err == nil && !existing.Matched:
			return fmt.Errorf("queue entry for %d: %w", e.UserID, store.ErrConflict)
		case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
			return translate(err, fmt.Sprintf("queue entry for %d", e.UserID))
		}
		return translate(tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error, fmt.Sprintf("queue entry for %d", e.UserID))
	})
}

// UpdateQueueEntry implements store.Queue.
func (s *Store) UpdateQueueEntry(ctx context.Context, e store.QueueEntry) error {
	row := queueToRow(e)
	res := s.db.WithContext(ctx).Model(&queueRow{}).Where("user_id = ?", e.UserID).Select("*").Omit("user_id").Updates(&row)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("queue entry for %d", e.UserID))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("queue entry for %d: %w", e.UserID, store.ErrNotFound)
	}
	return nil
}

// DeleteQueueEntry implements store.Queue.
func (s *Store) DeleteQueueEntry(ctx context.Context, userID int64) error {
	return translate(s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&queueRow{}).Error, fmt.Sprintf("queue entry for %d", userID))
}

// ListQueueEntries implements store.Queue.
func (s *Store) ListQueueEntries(ctx context.Context) ([]store.QueueEntry, error) {
	var rows []queueRow
	if err := s.db.WithContext(ctx).Order("user_id").Find(&rows).Error; err != nil {
		return nil, translate(err, "queue entries")
	}
	out := make([]store.QueueEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

// Rating implements store.Ratings.
func (s *Store) Rating(ctx context.Context, userID int64) (int, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.Rating, nil
}

// BumpRating implements store.Ratings.
func (s *Store) BumpRating(ctx context.Context, userID int64, delta int) error {
	res := s.db.WithContext(ctx).Model(&userRow{}).Where("id = ?", userID).Update("rating", gorm.Expr("rating + ?", delta))
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("user %d", userID))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("user %d: %w", userID, store.ErrNotFound)
	}
	return nil
}

// FetchQuestions implements store.Questions. Candidate ids are shuffled with the seed so the
// same seed always freezes the same set.
func (s *Store) FetchQuestions(ctx context.Context, subject string, count int, seed uint64) ([]store.Question, error) {
	db := s.db.WithContext(ctx)
	query := db.Model(&questionRow{}).Order("id")
	if subject != "" {
		query = query.Where("subject = ?", subject)
	}
	var ids []int64
	if err := query.Pluck("id", &ids).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("questions for subject %q", subject))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("questions for subject %q: %w", subject, store.ErrNotFound)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if count > 0 && count < len(ids) {
		ids = ids[:count]
	}
	var rows []questionRow
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, translate(err, "question bodies")
	}
	byID := make(map[int64]questionRow, len(rows))
	for _, row := range rows {
		byID[row.ID] = row
	}
	out := make([]store.Question, 0, len(ids))
	for _, id := range ids {
		row, ok := byID[id]
		if !ok {
			continue
		}
		q, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, nil
}

// FriendsOf implements store.Friends.
func (s *Store) FriendsOf(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&friendshipRow{}).Where("user_id = ?", userID).Order("friend_id").Pluck("friend_id", &ids).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("friends of %d", userID))
	}
	return ids, nil
}

// PersistNotification implements store.Notifications.
func (s *Store) PersistNotification(ctx context.Context, n store.Notification) (store.Notification, error) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	n.ID = 0
	row, err := notificationToRow(n)
	if err != nil {
		return store.Notification{}, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return store.Notification{}, translate(err, fmt.Sprintf("notification for %d", n.UserID))
	}
	n.ID = row.ID
	return n, nil
}

// GetUser implements store.Users.
func (s *Store) GetUser(ctx context.Context, userID int64) (store.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&row).Error; err != nil {
		return store.User{}, translate(err, fmt.Sprintf("user %d", userID))
	}
	return store.User(row), nil
}
