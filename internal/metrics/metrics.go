// Package metrics owns the Prometheus collectors exported by the coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing, so components
// can be built without observability in tests.
type Metrics struct {
	sessions          prometheus.Gauge
	inboundFrames     *prometheus.CounterVec
	rateLimited       prometheus.Counter
	dispatchDrops     prometheus.Counter
	evictions         prometheus.Counter
	notificationDrops prometheus.Counter
	sweepDuration     prometheus.Histogram
	matches           prometheus.Counter
	settlements       *prometheus.CounterVec
	examTransitions   *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "realtime_sessions", Help: "Live WebSocket sessions.",
		}),
		inboundFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_inbound_frames_total", Help: "Inbound frames by envelope type.",
		}, []string{"type"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_rate_limited_frames_total", Help: "Inbound frames rejected by the session token bucket.",
		}),
		dispatchDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_dispatch_drops_total", Help: "Envelopes dropped because a session queue was full.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_slow_consumer_evictions_total", Help: "Sessions closed for exceeding the drop threshold.",
		}),
		notificationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_notification_cap_drops_total", Help: "Notifications dropped by the per-user cap.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "realtime_matchmaker_sweep_seconds",
			Help:    "Matchmaker sweep latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "realtime_matches_total", Help: "Random battles created by the matchmaker.",
		}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_battle_settlements_total", Help: "Completed battles by outcome.",
		}, []string{"outcome"}),
		examTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "realtime_exam_transitions_total", Help: "Exam control actions applied.",
		}, []string{"action"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.sessions, m.inboundFrames, m.rateLimited, m.dispatchDrops, m.evictions,
			m.notificationDrops, m.sweepDuration, m.matches, m.settlements, m.examTransitions,
		)
	}
	return m
}

// SessionOpened increments the live session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

// InboundFrame counts an accepted inbound frame.
func (m *Metrics) InboundFrame(typ string) {
	if m != nil {
		m.inboundFrames.WithLabelValues(typ).Inc()
	}
}

// FrameRateLimited counts a frame rejected by the token bucket.
func (m *Metrics) FrameRateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

// ObserveDrop counts a dispatcher drop.
func (m *Metrics) ObserveDrop() {
	if m != nil {
		m.dispatchDrops.Inc()
	}
}

// ObserveEviction counts a slow-consumer eviction.
func (m *Metrics) ObserveEviction() {
	if m != nil {
		m.evictions.Inc()
	}
}

// NotificationDropped counts a notification rejected by the per-user cap.
func (m *Metrics) NotificationDropped() {
	if m != nil {
		m.notificationDrops.Inc()
	}
}

// ObserveSweep records a matchmaker pass.
func (m *Metrics) ObserveSweep(elapsed time.Duration, matched int) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	m.matches.Add(float64(matched))
}

// BattleSettled counts a settlement by outcome (win, draw, bot_win).
func (m *Metrics) BattleSettled(outcome string) {
	if m != nil {
		m.settlements.WithLabelValues(outcome).Inc()
	}
}

// ExamTransition counts an applied exam control action.
func (m *Metrics) ExamTransition(action string) {
	if m != nil {
		m.examTransitions.WithLabelValues(action).Inc()
	}
}
