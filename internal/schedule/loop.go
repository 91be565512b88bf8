// Package schedule runs periodic coordinator tasks such as matchmaker sweeps and battle reaping.
package schedule

import (
	"context"
	"sync"
	"time"
)

// TaskFunc performs one iteration of a periodic task.
type TaskFunc func(ctx context.Context)

// Loop invokes a task at a fixed interval until its context is cancelled or Stop is called.
type Loop struct {
	interval time.Duration
	task     TaskFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop firing every interval.
func NewLoop(interval time.Duration, task TaskFunc) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	if task == nil {
		task = func(context.Context) {}
	}
	return &Loop{interval: interval, task: task}
}

// Start begins ticking in a background goroutine. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				//1.- Run iterations back to back; a slow task delays the next tick instead of overlapping.
				l.task(ctx)
			}
		}
	}(l.done)
}

// Stop cancels the loop and waits for the in-flight iteration to finish.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Interval exposes the configured period.
func (l *Loop) Interval() time.Duration {
	if l == nil {
		return 0
	}
	return l.interval
}
