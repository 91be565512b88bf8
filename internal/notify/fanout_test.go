package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"testmakon/realtime/internal/guard"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

type capturePublisher struct {
	topics []string
	envs   []protocol.Envelope
}

func (p *capturePublisher) Publish(topic string, env protocol.Envelope) int {
	p.topics = append(p.topics, topic)
	p.envs = append(p.envs, env)
	return 0
}

type dropCounter struct{ drops int }

func (d *dropCounter) NotificationDropped() { d.drops++ }

func TestPublishMapsIconAndTopic(t *testing.T) {
	pub := &capturePublisher{}
	f := NewFanout(pub, nil)
	if !f.Publish(7, store.Notification{Kind: "achievement", Title: "First win"}) {
		t.Fatal("expected notification to pass the cap")
	}
	if len(pub.envs) != 1 || pub.topics[0] != "user:7" {
		t.Fatalf("unexpected publication %v", pub.topics)
	}
	if pub.envs[0].Type != "notification" || pub.envs[0].Get("icon") != "trophy" {
		t.Fatalf("unexpected envelope %+v", pub.envs[0])
	}
}

func TestPublishAppliesPerUserCap(t *testing.T) {
	now := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	pub := &capturePublisher{}
	drops := &dropCounter{}
	f := NewFanout(pub, nil, WithCap(guard.NewBroadcastCap(2, time.Minute, clock)), WithObserver(drops), WithClock(clock))

	for i := 0; i < 3; i++ {
		f.Publish(1, store.Notification{Kind: "battle"})
	}
	f.Publish(2, store.Notification{Kind: "battle"})

	if len(pub.envs) != 3 {
		t.Fatalf("expected two deliveries for user 1 and one for user 2, got %d", len(pub.envs))
	}
	if drops.drops != 1 || f.Dropped() != 1 {
		t.Fatalf("expected one counted drop, observer=%d cap=%d", drops.drops, f.Dropped())
	}
}

func TestPersistAndPublishPersistsFirst(t *testing.T) {
	mem := store.NewMemory()
	pub := &capturePublisher{}
	f := NewFanout(pub, mem)

	saved, err := f.PersistAndPublish(context.Background(), 3, store.Notification{Kind: "level_up", Title: "Level 5"})
	if err != nil {
		t.Fatalf("PersistAndPublish: %v", err)
	}
	if saved.ID == 0 || saved.Icon != "star" {
		t.Fatalf("unexpected persisted notification %+v", saved)
	}
	if got := mem.NotificationsFor(3); len(got) != 1 {
		t.Fatalf("expected persisted copy, got %d", len(got))
	}
	if len(pub.envs) != 1 || pub.envs[0].Get("id") != saved.ID {
		t.Fatal("expected publication carrying the persisted id")
	}
}

type failingNotifications struct{}

func (failingNotifications) PersistNotification(context.Context, store.Notification) (store.Notification, error) {
	return store.Notification{}, errors.New("disk full")
}

func TestPersistFailureSkipsPublish(t *testing.T) {
	pub := &capturePublisher{}
	f := NewFanout(pub, failingNotifications{})
	_, err := f.PersistAndPublish(context.Background(), 3, store.Notification{Kind: "x"})
	if !errors.Is(err, protocol.ErrInternal) {
		t.Fatalf("expected internal error, got %v", err)
	}
	if len(pub.envs) != 0 {
		t.Fatal("nothing may be published when persistence fails")
	}
}
