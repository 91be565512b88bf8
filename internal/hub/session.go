package hub

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"testmakon/realtime/internal/auth"
	"testmakon/realtime/internal/guard"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
)

// Session is one authenticated websocket connection.
type Session struct {
	hub       *Hub
	conn      *websocket.Conn
	id        string
	principal auth.Principal
	slug      string
	send      chan []byte
	bucket    *guard.Bucket
	log       *logging.Logger

	lastHeartbeat atomic.Int64

	mu     sync.Mutex
	topics map[string]struct{}

	closeOnce   sync.Once
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newSession(h *Hub, conn *websocket.Conn, p auth.Principal, slug string) *Session {
	s := &Session{
		hub:       h,
		conn:      conn,
		id:        uuid.NewString(),
		principal: p,
		slug:      slug,
		send:      make(chan []byte, h.cfg.OutboundQueue),
		bucket:    guard.NewBucket(h.cfg.BucketBurst, h.cfg.BucketRefill, h.now),
		topics:    make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	s.log = h.log.With(logging.String("session", s.id), logging.Int64("user_id", p.UserID))
	s.touch()
	return s
}

// ID implements dispatch.Subscriber.
func (s *Session) ID() string { return s.id }

// UserID returns the authenticated user.
func (s *Session) UserID() int64 { return s.principal.UserID }

// Name returns the user's display name from the credential.
func (s *Session) Name() string { return s.principal.Name }

// IsAdmin reports whether the credential carries the admin flag.
func (s *Session) IsAdmin() bool { return s.principal.IsAdmin }

// ExamSlug is the exam the session joined, or empty for notification sessions.
func (s *Session) ExamSlug() string { return s.slug }

// LastHeartbeat is when the session last sent anything.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touch() {
	s.lastHeartbeat.Store(s.hub.now().UnixNano())
}

// Enqueue implements dispatch.Subscriber. It never blocks.
func (s *Session) Enqueue(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Evict implements dispatch.Subscriber.
func (s *Session) Evict(code int, reason string) {
	s.close(code, reason)
}

// Send encodes and enqueues an envelope for this session only.
func (s *Session) Send(env protocol.Envelope) bool {
	frame, err := env.Encode()
	if err != nil {
		s.log.Error("encode envelope failed", logging.String("type", env.Type), logging.Error(err))
		return false
	}
	return s.Enqueue(frame)
}

// Subscribe attaches the session to an additional topic.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isClosed() {
		return
	}
	s.topics[topic] = struct{}{}
	s.hub.dispatcher.Subscribe(topic, s)
}

// Unsubscribe detaches the session from a topic.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.topics[topic]; !ok {
		return
	}
	delete(s.topics, topic)
	s.hub.dispatcher.Unsubscribe(topic, s)
}

// Topics lists the session's current subscriptions.
func (s *Session) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for topic := range s.topics {
		out = append(out, topic)
	}
	return out
}

// CloseCode is the code the session was closed with, or zero while open.
func (s *Session) CloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// close leaves every topic synchronously and signals the writer to send the close frame.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeCode, s.closeReason = code, reason
		for topic := range s.topics {
			s.hub.dispatcher.Unsubscribe(topic, s)
		}
		clear(s.topics)
		close(s.done)
		s.mu.Unlock()
	})
}

func (s *Session) readLoop() {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("session reader panicked", logging.String("panic", panicString(rec)))
			s.close(protocol.CloseSlowConsumer, "internal error")
		}
	}()
	cfg := s.hub.cfg
	s.conn.SetReadLimit(cfg.MaxPayloadBytes)
	//1.- Only application frames extend the deadline; browsers answer transport pings on their own.
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.isClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Debug("session read ended", logging.Error(err))
			}
			return
		}
		//2.- Every frame counts as a heartbeat.
		s.touch()
		_ = s.conn.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
		if msgType != websocket.TextMessage {
			s.Send(protocol.ErrorEnvelope(protocol.Errorf(protocol.CodeInvalidPayload, "only text frames are accepted")))
			continue
		}
		//3.- Flood control happens before decoding so abusive clients cost as little as possible.
		if !s.bucket.Allow() {
			s.hub.observer.FrameRateLimited()
			s.Send(protocol.ErrorEnvelope(protocol.Errorf(protocol.CodeRateLimited, "too many messages")))
			continue
		}
		in, err := protocol.DecodeInbound(data)
		if err != nil {
			s.Send(protocol.ErrorEnvelope(err))
			continue
		}
		s.hub.observer.InboundFrame(in.Type)
		if err := s.dispatch(in); err != nil {
			env := protocol.ErrorEnvelope(err)
			env.Fields["request_type"] = in.Type
			s.Send(env)
			if protocol.CodeOf(err) == protocol.CodeInternal {
				s.log.Error("handler failed", logging.String("type", in.Type), logging.Error(err))
			}
		}
		if s.isClosed() {
			return
		}
	}
}

func (s *Session) dispatch(in protocol.Inbound) (err error) {
	if in.Type == "ping" {
		s.Send(protocol.New("pong", map[string]any{"ts": s.hub.now().UnixMilli()}))
		return nil
	}
	r, ok := s.hub.lookup(in.Type)
	if !ok {
		return protocol.Errorf(protocol.CodeUnknownType, "unknown message type %q", in.Type)
	}
	if r.admin && !s.principal.IsAdmin {
		return protocol.Errorf(protocol.CodeUnauthorized, "admin privileges required")
	}
	ctx, cancel := context.WithTimeout(s.hub.base, s.hub.cfg.HandlerTimeout)
	defer cancel()
	ctx = logging.ContextWithLogger(ctx, s.log)
	//1.- A panicking handler only takes its own session down.
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("handler panicked", logging.String("type", in.Type), logging.String("panic", panicString(rec)))
			s.close(protocol.CloseSlowConsumer, "internal error")
			err = protocol.Internal(fmt.Errorf("handler %s panicked", in.Type))
		}
	}()
	err = r.fn(ctx, s, in)
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.Internal(fmt.Errorf("handler %s timed out: %w", in.Type, err))
	}
	return err
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if rec := recover(); rec != nil {
			s.log.Error("session writer panicked", logging.String("panic", panicString(rec)))
			s.close(protocol.CloseSlowConsumer, "internal error")
		}
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close(protocol.CloseSlowConsumer, "write failed")
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.close(protocol.CloseSlowConsumer, "ping failed")
				return
			}
		case <-s.done:
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			s.mu.Unlock()
			_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			return
		}
	}
}

func panicString(rec any) string {
	return fmt.Sprintf("%v\n%s", rec, debug.Stack())
}
