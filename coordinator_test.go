package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"testmakon/realtime/internal/auth"
	"testmakon/realtime/internal/battle"
	configpkg "testmakon/realtime/internal/config"
	"testmakon/realtime/internal/hub"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/metrics"
	"testmakon/realtime/internal/store"
)

type harness struct {
	coordinator *Coordinator
	store       *store.Memory
	verifier    *auth.JWTVerifier
	httpURL     string
	wsURL       string
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Address:          ":0",
		PingInterval:     time.Second,
		HeartbeatTimeout: 5 * time.Second,
		HandlerTimeout:   2 * time.Second,
		MaxPayloadBytes:  configpkg.DefaultMaxPayloadBytes,
		AdminToken:       "ops",
		JWTSecret:        "integration-secret",
		Tunables: configpkg.Tunables{
			ExamTick:           time.Second,
			MatchTick:          time.Hour,
			BattleReapInterval: time.Hour,
			RatingBand:         configpkg.DefaultRatingBand,
			QueueTTL:           configpkg.DefaultQueueTTL,
			InviteTTL:          configpkg.DefaultInviteTTL,
			MatchedBattleTTL:   configpkg.DefaultMatchedBattleTTL,
			QuestionLimit:      configpkg.DefaultQuestionLimit,
			WinnerXP:           configpkg.DefaultWinnerXP,
			LoserXP:            configpkg.DefaultLoserXP,
			RatingDelta:        configpkg.DefaultRatingDelta,
			BucketBurst:        configpkg.DefaultBucketBurst,
			BucketRefill:       configpkg.DefaultBucketRefill,
			NotificationCap:    configpkg.DefaultNotificationCap,
			OutboundQueue:      configpkg.DefaultOutboundQueue,
			SlowConsumerDrops:  configpkg.DefaultSlowConsumerDrops,
			FriendCacheTTL:     configpkg.DefaultFriendCacheTTL,
			ViolationLimit:     configpkg.DefaultViolationLimit,
			LeaderboardSize:    configpkg.DefaultLeaderboardSize,
		},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := testConfig()
	mem := store.NewMemory()
	mem.PutUser(store.User{ID: 1, Name: "Ada", Rating: 1200})
	mem.PutUser(store.User{ID: 2, Name: "Brook", Rating: 1250})
	mem.PutUser(store.User{ID: 9, Name: "Proctor", Rating: 1000})
	mem.AddFriendship(1, 2)
	mem.PutCompetition(store.Competition{
		ID:              1,
		Slug:            "midterm",
		Title:           "Midterm",
		Status:          store.CompetitionUpcoming,
		DurationMinutes: 60,
	})
	for i := int64(1); i <= 12; i++ {
		mem.AddQuestions(store.Question{
			ID:      i,
			Subject: "math",
			Text:    "question",
			Answers: []store.Option{{ID: i*10 + 1, Text: "right", IsCorrect: true}, {ID: i*10 + 2, Text: "wrong"}},
		})
	}

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, time.Second)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	registry := prometheus.NewRegistry()
	c := newCoordinator(cfg, mem, verifier, coordinatorOptions{
		logger:    logging.NewTestLogger(),
		metrics:   metrics.New(registry),
		simulator: battle.RandomSimulator{},
	})
	c.Start(context.Background())
	srv := httptest.NewServer(newRouter(c, registry, logging.NewTestLogger()))
	t.Cleanup(func() {
		c.Close()
		srv.Close()
	})
	return &harness{
		coordinator: c,
		store:       mem,
		verifier:    verifier,
		httpURL:     srv.URL,
		wsURL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// connect dials path and waits until the session is attached and announced online.
func (h *harness) connect(t *testing.T, path string, p auth.Principal) *websocket.Conn {
	t.Helper()
	conn := h.dial(t, path, p)
	deadline := time.Now().Add(2 * time.Second)
	for h.coordinator.presence.Sessions(p.UserID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("user %d never came online", p.UserID)
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func (h *harness) dial(t *testing.T, path string, p auth.Principal) *websocket.Conn {
	t.Helper()
	token, err := h.verifier.Issue(p, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	dialer := websocket.Dialer{Subprotocols: []string{hub.Subprotocol}, HandshakeTimeout: 2 * time.Second}
	conn, _, err := dialer.Dial(h.wsURL+path+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, payload map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(payload); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// await reads frames until one of the requested type arrives.
func await(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if out["type"] == typ {
			return out
		}
	}
}

func TestExamSessionLifecycle(t *testing.T) {
	h := newHarness(t)
	admin := h.connect(t, "/ws/exam/midterm", auth.Principal{UserID: 9, Name: "Proctor", IsAdmin: true})
	if state := await(t, admin, "exam_state"); state["status"] != "upcoming" {
		t.Fatalf("unexpected initial state %v", state)
	}

	student := h.connect(t, "/ws/exam/midterm", auth.Principal{UserID: 1, Name: "Ada"})
	await(t, student, "exam_state")
	if self := await(t, admin, "participant_update"); self["count"].(float64) != 0 || self["sessions"].(float64) != 1 {
		t.Fatalf("expected the proctor's own join first, got %v", self)
	}
	update := await(t, admin, "participant_update")
	if update["count"].(float64) != 1 || update["sessions"].(float64) != 2 || update["joined"] != true {
		t.Fatalf("unexpected participant update %v", update)
	}

	send(t, student, map[string]any{"type": "exam_control", "action": "start"})
	if errEnv := await(t, student, "error"); errEnv["code"] != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", errEnv)
	}

	send(t, admin, map[string]any{"type": "exam_control", "action": "start"})
	started := await(t, student, "exam_started")
	if started["seconds_remaining"].(float64) <= 0 {
		t.Fatalf("expected a running clock, got %v", started)
	}

	for i := 0; i < 3; i++ {
		send(t, student, map[string]any{"type": "violation_report", "kind": "tab_switch"})
	}
	await(t, student, "disqualified")
	if violation := await(t, admin, "participant_violation"); violation["type"] != "participant_violation" {
		t.Fatalf("unexpected violation envelope %v", violation)
	}
	participant, err := h.store.GetParticipant(context.Background(), "midterm", 1)
	if err != nil || participant.Status != store.ParticipantDisqualified {
		t.Fatalf("expected disqualified participant, got %+v err=%v", participant, err)
	}
}

func TestUnknownExamRefused(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "/ws/exam/final", auth.Principal{UserID: 1, Name: "Ada"})
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if ce, ok := err.(*websocket.CloseError); ok {
		closeErr = ce
	}
	if closeErr == nil || closeErr.Code != 4004 {
		t.Fatalf("expected close 4004, got %v", err)
	}
}

func TestFriendBattleInviteAndAccept(t *testing.T) {
	h := newHarness(t)
	ada := h.connect(t, "/ws/notifications", auth.Principal{UserID: 1, Name: "Ada"})
	brook := h.connect(t, "/ws/notifications", auth.Principal{UserID: 2, Name: "Brook"})
	if online := await(t, ada, "online_status"); online["user_id"].(float64) != 2 || online["is_online"] != true {
		t.Fatalf("unexpected presence %v", online)
	}

	send(t, ada, map[string]any{"type": "battle_invite", "opponent_id": 2, "subject": "math", "question_count": 5})
	sent := await(t, ada, "battle_invite_sent")
	invite := await(t, brook, "battle_invite")
	if invite["battle_uuid"] != sent["battle_uuid"] || invite["invite_code"] == "" {
		t.Fatalf("invite mismatch: sent %v received %v", sent, invite)
	}
	if notice := await(t, brook, "notification"); notice["kind"] != "battle_invite" {
		t.Fatalf("expected invite notification, got %v", notice)
	}

	send(t, brook, map[string]any{"type": "battle_accept", "invite_code": strings.ToLower(invite["invite_code"].(string))})
	for _, conn := range []*websocket.Conn{ada, brook} {
		ready := await(t, conn, "battle_ready")
		questions, _ := ready["questions"].([]any)
		if len(questions) != 5 {
			t.Fatalf("expected 5 frozen questions, got %v", ready["questions"])
		}
		for _, q := range questions {
			for _, a := range q.(map[string]any)["answers"].([]any) {
				if _, leaked := a.(map[string]any)["is_correct"]; leaked {
					t.Fatalf("answer key leaked to client: %v", a)
				}
			}
		}
	}

	send(t, brook, map[string]any{"type": "battle_cancel", "battle_uuid": sent["battle_uuid"]})
	if errEnv := await(t, brook, "error"); errEnv["code"] != "unauthorized" {
		t.Fatalf("only the challenger may cancel, got %v", errEnv)
	}
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "/ws/notifications", auth.Principal{UserID: 1, Name: "Ada"})
	send(t, conn, map[string]any{"type": "teleport"})
	if errEnv := await(t, conn, "error"); errEnv["code"] != "unknown_type" {
		t.Fatalf("expected unknown_type, got %v", errEnv)
	}
	send(t, conn, map[string]any{"type": "ping"})
	await(t, conn, "pong")
}

func TestMatchmakingOverWebsocket(t *testing.T) {
	h := newHarness(t)
	ada := h.connect(t, "/ws/notifications", auth.Principal{UserID: 1, Name: "Ada"})
	brook := h.connect(t, "/ws/notifications", auth.Principal{UserID: 2, Name: "Brook"})

	send(t, ada, map[string]any{"type": "matchmaking_join", "subject": "math", "question_count": 4})
	await(t, ada, "matchmaking_joined")
	send(t, brook, map[string]any{"type": "matchmaking_join", "subject": "math", "question_count": 4})
	await(t, brook, "matchmaking_joined")

	if matched := h.coordinator.Sweep(context.Background()); matched != 1 {
		t.Fatalf("expected one pairing, got %d", matched)
	}
	found := await(t, ada, "match_found")
	if found["battle_uuid"] == "" {
		t.Fatalf("missing battle uuid in %v", found)
	}
	send(t, brook, map[string]any{"type": "matchmaking_status"})
	status := await(t, brook, "matchmaking_status")
	if status["state"] != "matched" || status["battle_uuid"] != found["battle_uuid"] {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestPushNotificationReachesOnlineUser(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "/ws/notifications", auth.Principal{UserID: 1, Name: "Ada"})

	saved, delivered, err := h.coordinator.PushNotification(context.Background(), 1, store.Notification{
		Kind: "achievement", Title: "Streak", Message: "Five days",
	}, true)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if saved.ID == 0 || !delivered {
		t.Fatalf("expected persisted and delivered notification, got %+v delivered=%t", saved, delivered)
	}
	if got := await(t, conn, "notification"); got["title"] != "Streak" {
		t.Fatalf("unexpected notification %v", got)
	}
	if stored := h.store.NotificationsFor(1); len(stored) != 1 {
		t.Fatalf("expected one stored notification, got %d", len(stored))
	}
}

func TestProtocolAndStatsEndpoints(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "/ws/notifications", auth.Principal{UserID: 1, Name: "Ada"})

	resp, err := http.Get(h.httpURL + "/api/protocol")
	if err != nil {
		t.Fatalf("get protocol: %v", err)
	}
	defer resp.Body.Close()
	var docs []MessageDoc
	if err := json.NewDecoder(resp.Body).Decode(&docs); err != nil {
		t.Fatalf("decode protocol: %v", err)
	}
	if len(docs) != len(defaultMessageDocs) {
		t.Fatalf("expected every documented type to be routed, got %d of %d", len(docs), len(defaultMessageDocs))
	}

	deadline := time.Now().Add(2 * time.Second)
	var stats CoordinatorStats
	for time.Now().Before(deadline) {
		stats = h.coordinator.Stats()
		if stats.Sessions == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if stats.Sessions != 1 || stats.OnlineUsers != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	ready, err := http.Get(h.httpURL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	ready.Body.Close()
	if ready.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", ready.StatusCode)
	}
}
