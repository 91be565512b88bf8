// Package hub terminates realtime websocket sessions: it authenticates the handshake, owns each
// session's reader and writer goroutines, and routes inbound envelopes to registered handlers.
package hub

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"testmakon/realtime/internal/auth"
	"testmakon/realtime/internal/dispatch"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
)

const (
	// Subprotocol is the only websocket subprotocol spoken by the hub.
	Subprotocol = "json"

	DefaultOutboundQueue    = 256
	DefaultPingInterval     = 30 * time.Second
	DefaultHeartbeatTimeout = 90 * time.Second
	DefaultHandlerTimeout   = 5 * time.Second
	DefaultMaxPayloadBytes  = 64 << 10

	writeWait = 10 * time.Second
)

// Handler processes one inbound envelope. A returned error is reported to the session as an
// error envelope; replies are sent through the session.
type Handler func(ctx context.Context, s *Session, in protocol.Inbound) error

// ExamResolver confirms an exam exists before a session subscribes to it.
type ExamResolver interface {
	ResolveExam(ctx context.Context, slug string) error
}

// Listener observes session lifecycle. Closed runs on the session's own goroutine after the
// session left every topic.
type Listener interface {
	Opened(ctx context.Context, s *Session)
	Closed(ctx context.Context, s *Session)
}

// Observer receives session metrics.
type Observer interface {
	SessionOpened()
	SessionClosed()
	InboundFrame(typ string)
	FrameRateLimited()
}

type nopObserver struct{}

func (nopObserver) SessionOpened()      {}
func (nopObserver) SessionClosed()      {}
func (nopObserver) InboundFrame(string) {}
func (nopObserver) FrameRateLimited()   {}

// Config tunes session behaviour.
type Config struct {
	OutboundQueue    int
	BucketBurst      int
	BucketRefill     float64
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	HandlerTimeout   time.Duration
	MaxPayloadBytes  int64
	AllowedOrigins   []string
}

func (c Config) withDefaults() Config {
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = DefaultOutboundQueue
	}
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	return c
}

// Option customises a Hub.
type Option func(*Hub)

// WithExamResolver validates exam slugs on the exam route.
func WithExamResolver(r ExamResolver) Option {
	return func(h *Hub) { h.exams = r }
}

// WithListener wires lifecycle callbacks.
func WithListener(l Listener) Option {
	return func(h *Hub) { h.listener = l }
}

// WithObserver wires session metrics.
func WithObserver(o Observer) Option {
	return func(h *Hub) {
		if o != nil {
			h.observer = o
		}
	}
}

// WithClock injects the time source used for heartbeats and token buckets.
func WithClock(clock func() time.Time) Option {
	return func(h *Hub) {
		if clock != nil {
			h.now = clock
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *logging.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.log = logger
		}
	}
}

type route struct {
	fn    Handler
	admin bool
}

// Hub accepts websocket sessions and routes their traffic.
type Hub struct {
	dispatcher *dispatch.Dispatcher
	auth       auth.Authenticator
	exams      ExamResolver
	listener   Listener
	observer   Observer
	cfg        Config
	upgrader   websocket.Upgrader
	now        func() time.Time
	log        *logging.Logger

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	routesMu sync.RWMutex
	routes   map[string]route

	mu       sync.Mutex
	sessions map[string]*Session
	pending  atomic.Int64
	started  time.Time
}

// New constructs a hub publishing through dispatcher and authenticating with authn.
func New(dispatcher *dispatch.Dispatcher, authn auth.Authenticator, cfg Config, opts ...Option) *Hub {
	base, cancel := context.WithCancel(context.Background())
	h := &Hub{
		dispatcher: dispatcher,
		auth:       authn,
		observer:   nopObserver{},
		cfg:        cfg.withDefaults(),
		now:        time.Now,
		log:        logging.L(),
		base:       base,
		cancel:     cancel,
		routes:     make(map[string]route),
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.started = h.now()
	h.upgrader = websocket.Upgrader{
		Subprotocols:    []string{Subprotocol},
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Handle registers a handler for an inbound type.
func (h *Hub) Handle(typ string, fn Handler) {
	h.register(typ, fn, false)
}

// HandleAdmin registers a handler only admin sessions may invoke.
func (h *Hub) HandleAdmin(typ string, fn Handler) {
	h.register(typ, fn, true)
}

func (h *Hub) register(typ string, fn Handler, admin bool) {
	if typ == "" || fn == nil {
		return
	}
	h.routesMu.Lock()
	h.routes[typ] = route{fn: fn, admin: admin}
	h.routesMu.Unlock()
}

// Types lists the registered inbound types, including the built-in ping.
func (h *Hub) Types() []string {
	h.routesMu.RLock()
	defer h.routesMu.RUnlock()
	out := []string{"ping"}
	for typ := range h.routes {
		out = append(out, typ)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func (h *Hub) lookup(typ string) (route, bool) {
	h.routesMu.RLock()
	defer h.routesMu.RUnlock()
	r, ok := h.routes[typ]
	return r, ok
}

// Register attaches the websocket routes to the router.
func (h *Hub) Register(r *mux.Router) {
	if r == nil {
		return
	}
	r.HandleFunc("/ws/notifications", h.ServeNotifications).Methods(http.MethodGet)
	r.HandleFunc("/ws/exam/{slug}", h.ServeExam).Methods(http.MethodGet)
}

// ServeNotifications upgrades a user-scoped session.
func (h *Hub) ServeNotifications(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "")
}

// ServeExam upgrades an exam-scoped session for the slug in the path.
func (h *Hub) ServeExam(w http.ResponseWriter, r *http.Request) {
	slug := strings.TrimSpace(mux.Vars(r)["slug"])
	if slug == "" {
		http.Error(w, "exam slug required", http.StatusNotFound)
		return
	}
	h.serve(w, r, slug)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Hub) serve(w http.ResponseWriter, r *http.Request, slug string) {
	h.pending.Add(1)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.pending.Add(-1)
		h.log.Warn("websocket upgrade failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		return
	}
	h.wg.Add(1)
	defer h.wg.Done()

	//1.- Authenticate after the upgrade so refusals carry a websocket close code.
	ctx, cancel := context.WithTimeout(h.base, h.cfg.HandlerTimeout)
	principal, err := h.authenticate(ctx, r)
	if err != nil {
		cancel()
		h.pending.Add(-1)
		h.log.Info("websocket authentication failed", logging.String("remote_addr", r.RemoteAddr), logging.Error(err))
		refuse(conn, protocol.CloseUnauthenticated, "unauthorized")
		return
	}
	if slug != "" && h.exams != nil {
		if err := h.exams.ResolveExam(ctx, slug); err != nil {
			cancel()
			h.pending.Add(-1)
			code, reason := protocol.CloseNotFound, "exam not found"
			if !errors.Is(err, protocol.ErrNotFound) {
				code, reason = protocol.CloseSlowConsumer, "exam unavailable"
				h.log.Error("resolve exam failed", logging.String("slug", slug), logging.Error(err))
			}
			refuse(conn, code, reason)
			return
		}
	}
	cancel()

	//2.- Attach the session to its topics before anything can be published to it.
	s := newSession(h, conn, principal, slug)
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
	h.pending.Add(-1)
	s.Subscribe(dispatch.UserTopic(principal.UserID))
	if slug != "" {
		s.Subscribe(dispatch.ExamTopic(slug))
		if principal.IsAdmin {
			s.Subscribe(dispatch.ExamAdminTopic(slug))
		}
	}
	h.observer.SessionOpened()
	h.log.Debug("session opened", logging.String("session", s.id), logging.Int64("user_id", principal.UserID), logging.String("exam", slug))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()
	if h.listener != nil {
		h.openListener(s)
	}
	s.readLoop()

	//3.- Tear down on this goroutine so lifecycle callbacks never run under a publisher's lock.
	s.close(protocol.CloseNormal, "")
	<-writerDone
	if h.listener != nil {
		lctx, lcancel := context.WithTimeout(context.WithoutCancel(h.base), h.cfg.HandlerTimeout)
		h.listener.Closed(lctx, s)
		lcancel()
	}
	h.dispatcher.Forget(s)
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.mu.Unlock()
	h.observer.SessionClosed()
	h.log.Debug("session closed", logging.String("session", s.id), logging.Int("code", s.CloseCode()))
}

func (h *Hub) openListener(s *Session) {
	ctx, cancel := context.WithTimeout(h.base, h.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("session open hook panicked", logging.String("session", s.id), logging.String("panic", panicString(rec)))
			s.close(protocol.CloseSlowConsumer, "internal error")
		}
	}()
	h.listener.Opened(ctx, s)
}

func (h *Hub) authenticate(ctx context.Context, r *http.Request) (auth.Principal, error) {
	if h.auth == nil {
		return auth.Principal{}, errors.New("authenticator not configured")
	}
	token := Credential(r)
	if token == "" {
		return auth.Principal{}, auth.ErrInvalidToken
	}
	return h.auth.Authenticate(ctx, token)
}

// Credential extracts the bearer token from the query string or headers.
func Credential(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		if token := strings.TrimSpace(header[7:]); token != "" {
			return token
		}
	}
	return strings.TrimSpace(r.Header.Get("X-Auth-Token"))
}

func refuse(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// Session returns a live session by id.
func (h *Hub) Session(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// SnapshotClientCounts reports live sessions and handshakes still in progress.
func (h *Hub) SnapshotClientCounts() (clients, pending int) {
	h.mu.Lock()
	clients = len(h.sessions)
	h.mu.Unlock()
	return clients, int(h.pending.Load())
}

// Uptime reports how long the hub has been accepting sessions.
func (h *Hub) Uptime() time.Duration {
	return h.now().Sub(h.started)
}

// Close terminates every session and waits for their goroutines.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	live := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()
	for _, s := range live {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
	h.wg.Wait()
}
