// Package notify routes push notifications to every live session of a user.
package notify

import (
	"context"
	"fmt"
	"time"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/guard"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// Publisher is the slice of the dispatcher the fanout needs.
type Publisher interface {
	Publish(topic string, env protocol.Envelope) int
}

// DropObserver is told about notifications rejected by the per-user cap.
type DropObserver interface {
	NotificationDropped()
}

// IconFor maps a notification kind to the icon rendered by clients.
func IconFor(kind string) string {
	switch kind {
	case "achievement":
		return "trophy"
	case "battle", "battle_invite", "battle_result":
		return "swords"
	case "competition", "exam":
		return "calendar"
	case "level_up":
		return "star"
	case "friend", "friend_request":
		return "users"
	default:
		return "bell"
	}
}

// Fanout publishes notifications to user topics. It never queues: a user with no live session
// simply misses the realtime copy and reads the persisted one later.
type Fanout struct {
	publisher Publisher
	persist   store.Notifications
	limit     *guard.BroadcastCap
	observer  DropObserver
	now       func() time.Time
	log       *logging.Logger
}

// Option customises a Fanout.
type Option func(*Fanout)

// WithCap overrides the per-user broadcast cap.
func WithCap(limit *guard.BroadcastCap) Option {
	return func(f *Fanout) {
		if limit != nil {
			f.limit = limit
		}
	}
}

// WithObserver wires the cap drop counter.
func WithObserver(observer DropObserver) Option {
	return func(f *Fanout) {
		if observer != nil {
			f.observer = observer
		}
	}
}

// WithClock injects the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(f *Fanout) {
		if clock != nil {
			f.now = clock
		}
	}
}

// WithLogger sets the fanout logger.
func WithLogger(logger *logging.Logger) Option {
	return func(f *Fanout) {
		if logger != nil {
			f.log = logger
		}
	}
}

// NewFanout builds a fanout. persist may be nil when only Publish is used.
func NewFanout(publisher Publisher, persist store.Notifications, opts ...Option) *Fanout {
	f := &Fanout{
		publisher: publisher,
		persist:   persist,
		limit:     guard.NewBroadcastCap(guard.DefaultNotificationCap, time.Minute, nil),
		now:       time.Now,
		log:       logging.L(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Publish sends n to every live session of userID. It reports false when the per-user cap
// dropped the notification.
func (f *Fanout) Publish(userID int64, n store.Notification) bool {
	if f == nil {
		return false
	}
	//1.- Enforce the per-user cap before touching the dispatcher.
	if !f.limit.Allow(userID) {
		if f.observer != nil {
			f.observer.NotificationDropped()
		}
		f.log.Debug("notification dropped by cap", logging.Int64("user_id", userID), logging.String("kind", n.Kind))
		return false
	}
	n.UserID = userID
	if n.Icon == "" {
		n.Icon = IconFor(n.Kind)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.now()
	}
	//2.- Publish; zero receivers is fine because the store already holds the durable copy.
	f.publisher.Publish(dispatch.UserTopic(userID), protocol.New("notification", map[string]any{
		"id":         n.ID,
		"kind":       n.Kind,
		"title":      n.Title,
		"message":    n.Message,
		"link":       n.Link,
		"icon":       n.Icon,
		"data":       n.Data,
		"created_at": n.CreatedAt.UTC().Format(time.RFC3339),
	}))
	return true
}

// PersistAndPublish stores n durably and only then fans it out.
func (f *Fanout) PersistAndPublish(ctx context.Context, userID int64, n store.Notification) (store.Notification, error) {
	if f == nil || f.persist == nil {
		return store.Notification{}, protocol.Internal(fmt.Errorf("notification store not configured"))
	}
	n.UserID = userID
	if n.Icon == "" {
		n.Icon = IconFor(n.Kind)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = f.now()
	}
	saved, err := f.persist.PersistNotification(ctx, n)
	if err != nil {
		return store.Notification{}, protocol.Internal(fmt.Errorf("persist notification: %w", err))
	}
	f.Publish(userID, saved)
	return saved, nil
}

// Dropped returns how many notifications the cap rejected.
func (f *Fanout) Dropped() int64 {
	if f == nil {
		return 0
	}
	return f.limit.Dropped()
}
