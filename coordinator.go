package main

import (
	"context"
	"fmt"
	"time"

	"testmakon/realtime/internal/archive"
	"testmakon/realtime/internal/auth"
	"testmakon/realtime/internal/battle"
	configpkg "testmakon/realtime/internal/config"
	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/exam"
	"testmakon/realtime/internal/guard"
	"testmakon/realtime/internal/hub"
	"testmakon/realtime/internal/journal"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/matchmaking"
	"testmakon/realtime/internal/metrics"
	"testmakon/realtime/internal/notify"
	"testmakon/realtime/internal/presence"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/schedule"
	"testmakon/realtime/internal/store"
)

const (
	readinessTimeout      = 2 * time.Second
	journalSweepInterval  = time.Hour
	backgroundStopTimeout = 10 * time.Second
)

// coordinatorOptions carries the optional collaborators of a Coordinator.
type coordinatorOptions struct {
	clock     func() time.Time
	logger    *logging.Logger
	metrics   *metrics.Metrics
	journal   *journal.Journal
	archive   archive.Sink
	simulator battle.Simulator
}

// Coordinator owns every realtime component and glues them to the session hub.
type Coordinator struct {
	cfg        *configpkg.Config
	store      store.Store
	dispatcher *dispatch.Dispatcher
	presence   *presence.Registry
	fanout     *notify.Fanout
	exams      *exam.Manager
	battles    *battle.Engine
	matcher    *matchmaking.Matchmaker
	hub        *hub.Hub
	journal    *journal.Journal
	log        *logging.Logger

	loops       []*schedule.Loop
	stopMatcher context.CancelFunc
	matcherDone chan struct{}
}

// CoordinatorStats is the payload served by /api/stats.
type CoordinatorStats struct {
	Sessions             int     `json:"sessions"`
	PendingSessions      int     `json:"pending_sessions"`
	OnlineUsers          int     `json:"online_users"`
	ExamRooms            int     `json:"exam_rooms"`
	ActiveBattles        int     `json:"active_battles"`
	NotificationsDropped int64   `json:"notifications_dropped"`
	UptimeSeconds        float64 `json:"uptime_seconds"`
}

func newCoordinator(cfg *configpkg.Config, st store.Store, authn auth.Authenticator, opts coordinatorOptions) *Coordinator {
	logger := opts.logger
	if logger == nil {
		logger = logging.L()
	}
	clock := opts.clock
	if clock == nil {
		clock = time.Now
	}
	sink := opts.archive
	if sink == nil {
		sink = archive.Nop{}
	}
	t := cfg.Tunables

	c := &Coordinator{cfg: cfg, store: st, journal: opts.journal, log: logger}

	//1.- The dispatcher sits underneath everything else.
	c.dispatcher = dispatch.New(
		dispatch.WithDropThreshold(t.SlowConsumerDrops, time.Minute),
		dispatch.WithObserver(opts.metrics),
		dispatch.WithClock(clock),
		dispatch.WithLogger(logger.With(logging.String("component", "dispatch"))),
	)
	c.presence = presence.NewRegistry(st, c.dispatcher,
		presence.WithFriendTTL(t.FriendCacheTTL),
		presence.WithClock(clock),
		presence.WithLogger(logger.With(logging.String("component", "presence"))),
	)
	c.fanout = notify.NewFanout(c.dispatcher, st,
		notify.WithCap(guard.NewBroadcastCap(t.NotificationCap, time.Minute, clock)),
		notify.WithObserver(opts.metrics),
		notify.WithClock(clock),
		notify.WithLogger(logger.With(logging.String("component", "notify"))),
	)

	//2.- Domain components publish through the dispatcher and persist through the store.
	c.exams = exam.NewManager(st, c.dispatcher, exam.Config{
		Tick:            t.ExamTick,
		LeaderboardSize: t.LeaderboardSize,
		ViolationLimit:  t.ViolationLimit,
	},
		exam.WithClock(clock),
		exam.WithJournal(opts.journal),
		exam.WithArchive(sink),
		exam.WithObserver(opts.metrics),
		exam.WithLogger(logger.With(logging.String("component", "exam"))),
	)
	c.battles = battle.NewEngine(st, c.dispatcher, battle.Config{
		InviteTTL:     t.InviteTTL,
		MatchedTTL:    t.MatchedBattleTTL,
		QuestionLimit: t.QuestionLimit,
		Rules:         battle.XPRules{WinnerXP: t.WinnerXP, LoserXP: t.LoserXP, RatingDelta: t.RatingDelta},
	},
		battle.WithClock(clock),
		battle.WithSimulator(opts.simulator),
		battle.WithNotifier(c.fanout),
		battle.WithArchive(sink),
		battle.WithObserver(opts.metrics),
		battle.WithLogger(logger.With(logging.String("component", "battle"))),
	)
	c.matcher = matchmaking.New(st, c.battles, c.dispatcher, matchmaking.Config{
		RatingBand: t.RatingBand,
		QueueTTL:   t.QueueTTL,
		Interval:   t.MatchTick,
	},
		matchmaking.WithClock(clock),
		matchmaking.WithObserver(opts.metrics),
		matchmaking.WithLogger(logger.With(logging.String("component", "matchmaking"))),
	)

	//3.- The hub routes inbound frames to the handlers registered below.
	c.hub = hub.New(c.dispatcher, authn, hub.Config{
		OutboundQueue:    t.OutboundQueue,
		BucketBurst:      t.BucketBurst,
		BucketRefill:     t.BucketRefill,
		PingInterval:     cfg.PingInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		HandlerTimeout:   cfg.HandlerTimeout,
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		AllowedOrigins:   cfg.AllowedOrigins,
	},
		hub.WithExamResolver(c),
		hub.WithListener(c),
		hub.WithObserver(opts.metrics),
		hub.WithClock(clock),
		hub.WithLogger(logger.With(logging.String("component", "hub"))),
	)
	registerInboundHandlers(c.hub, c)
	return c
}

// Start launches the background loops: matchmaking sweeps, battle reaping and journal retention.
func (c *Coordinator) Start(ctx context.Context) {
	matchCtx, cancel := context.WithCancel(ctx)
	c.stopMatcher, c.matcherDone = cancel, make(chan struct{})
	go func() {
		defer close(c.matcherDone)
		c.matcher.Run(matchCtx)
	}()

	c.loops = append(c.loops,
		schedule.NewLoop(c.cfg.Tunables.BattleReapInterval, func(ctx context.Context) {
			if n := c.battles.Reap(ctx); n > 0 {
				c.log.Debug("battles reaped", logging.Int("count", n))
			}
		}),
	)
	if c.cfg.JournalDir != "" {
		cleaner := journal.NewCleaner(c.cfg.JournalDir, journal.RetentionPolicy{
			MaxBundles: c.cfg.JournalMaxBundles,
			MaxAge:     c.cfg.JournalMaxAge,
		}, c.log.With(logging.String("component", "journal")))
		c.loops = append(c.loops, schedule.NewLoop(journalSweepInterval, cleaner.Sweep))
	}
	for _, loop := range c.loops {
		loop.Start(ctx)
	}
}

// Close stops background work and terminates every session.
func (c *Coordinator) Close() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if c.stopMatcher != nil {
			c.stopMatcher()
			<-c.matcherDone
		}
		for _, loop := range c.loops {
			loop.Stop()
		}
	}()
	select {
	case <-done:
	case <-time.After(backgroundStopTimeout):
		c.log.Warn("background loops did not stop in time")
	}
	c.hub.Close()
	c.exams.Close()
	c.journal.CloseAll()
}

// ResolveExam implements hub.ExamResolver.
func (c *Coordinator) ResolveExam(ctx context.Context, slug string) error {
	_, err := c.exams.Room(ctx, slug)
	return err
}

// Opened implements hub.Listener.
func (c *Coordinator) Opened(ctx context.Context, s *hub.Session) {
	c.presence.Connected(ctx, s.UserID())
	slug := s.ExamSlug()
	if slug == "" {
		return
	}
	room, err := c.exams.Room(ctx, slug)
	if err != nil {
		c.log.Warn("exam vanished after handshake", logging.String("slug", slug), logging.Error(err))
		return
	}
	s.Send(room.Join(ctx, s.UserID(), s.Name(), s.IsAdmin()))
}

// Closed implements hub.Listener.
func (c *Coordinator) Closed(ctx context.Context, s *hub.Session) {
	c.presence.Disconnected(ctx, s.UserID())
	if slug := s.ExamSlug(); slug != "" {
		if room, err := c.exams.Room(ctx, slug); err == nil {
			room.Leave(s.UserID(), s.Name(), s.IsAdmin())
		}
	}
}

// PushNotification implements rpc.Backend.
func (c *Coordinator) PushNotification(ctx context.Context, userID int64, n store.Notification, persist bool) (store.Notification, bool, error) {
	if persist {
		saved, err := c.fanout.PersistAndPublish(ctx, userID, n)
		if err != nil {
			return store.Notification{}, false, err
		}
		return saved, c.presence.IsOnline(userID), nil
	}
	if !c.fanout.Publish(userID, n) {
		return n, false, nil
	}
	n.UserID = userID
	return n, c.presence.IsOnline(userID), nil
}

// ControlExam implements rpc.Backend. Calls from the control plane carry no acting user.
func (c *Coordinator) ControlExam(ctx context.Context, slug string, cmd exam.Command) (protocol.Envelope, error) {
	return c.exams.Control(ctx, slug, 0, cmd)
}

// SubmitExamResult implements rpc.Backend.
func (c *Coordinator) SubmitExamResult(ctx context.Context, slug string, userID int64, res exam.Result) error {
	room, err := c.exams.Room(ctx, slug)
	if err != nil {
		return err
	}
	return room.RecordResult(ctx, userID, res)
}

// Sweep runs one matchmaking pass on demand.
func (c *Coordinator) Sweep(ctx context.Context) int {
	return c.matcher.Sweep(ctx)
}

// SnapshotClientCounts implements httpapi.ReadinessProvider.
func (c *Coordinator) SnapshotClientCounts() (clients, pending int) {
	return c.hub.SnapshotClientCounts()
}

// Uptime implements httpapi.ReadinessProvider.
func (c *Coordinator) Uptime() time.Duration {
	return c.hub.Uptime()
}

// StartupError implements httpapi.ReadinessProvider by probing stores that can be pinged.
func (c *Coordinator) StartupError() error {
	pinger, ok := c.store.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
	defer cancel()
	if err := pinger.Ping(ctx); err != nil {
		return fmt.Errorf("store unavailable: %w", err)
	}
	return nil
}

// Stats snapshots coordinator counters.
func (c *Coordinator) Stats() CoordinatorStats {
	clients, pending := c.hub.SnapshotClientCounts()
	return CoordinatorStats{
		Sessions:             clients,
		PendingSessions:      pending,
		OnlineUsers:          len(c.presence.Online()),
		ExamRooms:            c.exams.Rooms(),
		ActiveBattles:        c.battles.Active(),
		NotificationsDropped: c.fanout.Dropped(),
		UptimeSeconds:        c.hub.Uptime().Seconds(),
	}
}
