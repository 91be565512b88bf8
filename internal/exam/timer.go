package exam

import (
	"context"
	"time"

	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// spawnTimerLocked replaces any running timer task with a fresh one.
func (r *Room) spawnTimerLocked() {
	r.stopTimerLocked()
	ctx, cancel := context.WithCancel(r.manager.base)
	r.timerCancel = cancel
	gen := r.timerGen
	untilEnd := r.comp.EndAt.Sub(r.manager.now())
	r.manager.wg.Add(1)
	go func() {
		defer r.manager.wg.Done()
		r.runTimer(ctx, gen, untilEnd)
	}()
}

// stopTimerLocked cancels the running timer task; the generation bump makes a tick that is
// already waiting on the room lock a no-op.
func (r *Room) stopTimerLocked() {
	r.timerGen++
	if r.timerCancel != nil {
		r.timerCancel()
		r.timerCancel = nil
	}
}

func (r *Room) runTimer(ctx context.Context, gen uint64, untilEnd time.Duration) {
	ticker := time.NewTicker(r.manager.cfg.Tick)
	defer ticker.Stop()
	deadline := time.NewTimer(max(untilEnd, 0))
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-deadline.C:
			//1.- Re-arm briefly in case the clock had not quite reached the end.
			deadline.Reset(time.Second)
		}
		if r.tick(ctx, gen) {
			return
		}
	}
}

// tick emits timer_sync, or finishes the exam once no time is left. It reports whether the
// timer task should exit.
func (r *Room) tick(ctx context.Context, gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.timerGen || r.comp.Status != store.CompetitionActive {
		return true
	}
	remaining := r.remainingLocked(r.manager.now())
	if remaining > 0 {
		r.broadcast(protocol.New("timer_sync", map[string]any{"seconds_remaining": seconds(remaining)}))
		return false
	}
	//1.- Persist with a detached context because finishing cancels this task's own context.
	persistCtx, cancel := r.manager.detachedContext(ctx)
	defer cancel()
	if err := r.finishLocked(persistCtx, "time_up"); err != nil {
		r.log.Error("finish on timeout failed", logging.Error(err))
		return false
	}
	return true
}
