package battle

import (
	"context"

	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// Reap expires stale invitations and unstarted battles, and auto-completes battles whose total
// time has run out. It returns how many battles changed state.
func (e *Engine) Reap(ctx context.Context) int {
	e.mu.Lock()
	live := make([]*liveBattle, 0, len(e.battles))
	for _, lb := range e.battles {
		live = append(live, lb)
	}
	e.mu.Unlock()

	now := e.now()
	changed := 0
	for _, lb := range live {
		lb.mu.Lock()
		b := lb.b
		switch {
		case b.Status.Terminal():
			e.forget(b)
		case (b.Status == store.BattlePending || b.Status == store.BattleAccepted) && now.After(b.ExpiresAt):
			//1.- Invitations and never-started battles lapse at their expiry.
			if e.expireLocked(ctx, lb) {
				changed++
			}
		case b.Status == store.BattleInProgress && now.After(b.StartedAt.Add(b.TotalTime)):
			//2.- Out of time: settle with whatever answers were submitted.
			if err := e.settleLocked(ctx, lb, b.Clone()); err != nil {
				e.log.Warn("auto-complete failed", logging.String("battle", b.UUID), logging.Error(err))
			} else {
				changed++
			}
		}
		lb.mu.Unlock()
	}
	return changed
}

// expireLocked marks a battle expired and tells both humans. The caller holds lb.mu.
func (e *Engine) expireLocked(ctx context.Context, lb *liveBattle) bool {
	next := lb.b.Clone()
	next.Status = store.BattleExpired
	if err := e.store.UpdateBattle(ctx, next); err != nil {
		e.log.Warn("expire battle failed", logging.String("battle", next.UUID), logging.Error(err))
		return false
	}
	lb.b = next
	e.forget(next)
	for _, id := range humans(next) {
		e.publisher.Publish(dispatch.UserTopic(id), protocol.New("battle_expired", map[string]any{"battle_uuid": next.UUID}))
	}
	return true
}
