package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"testmakon/realtime/internal/exam"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

type fakeBackend struct {
	pushed    []store.Notification
	persisted bool
	commands  []exam.Command
	results   map[int64]exam.Result
}

func (f *fakeBackend) PushNotification(_ context.Context, userID int64, n store.Notification, persist bool) (store.Notification, bool, error) {
	n.UserID = userID
	if persist {
		n.ID = int64(len(f.pushed) + 1)
	}
	f.persisted = persist
	f.pushed = append(f.pushed, n)
	return n, true, nil
}

func (f *fakeBackend) ControlExam(_ context.Context, slug string, cmd exam.Command) (protocol.Envelope, error) {
	if slug != "midterm" {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeNotFound, "exam %q not found", slug)
	}
	if cmd.Action == "explode" {
		return protocol.Envelope{}, protocol.Internal(context.Canceled)
	}
	if cmd.Action == "resume" {
		return protocol.Envelope{}, protocol.Errorf(protocol.CodeInvalidState, "exam is not paused")
	}
	f.commands = append(f.commands, cmd)
	return protocol.New("exam_started", map[string]any{"status": "active", "seconds_remaining": 3600}), nil
}

func (f *fakeBackend) SubmitExamResult(_ context.Context, _ string, userID int64, res exam.Result) error {
	if f.results == nil {
		f.results = make(map[int64]exam.Result)
	}
	f.results[userID] = res
	return nil
}

func startControl(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	Register(server, NewService(backend, WithLogger(logging.NewTestLogger())))
	go func() { _ = server.Serve(lis) }()
	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufconn: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		server.Stop()
	})
	return NewClient(conn)
}

func TestPushNotificationPersistsAndDelivers(t *testing.T) {
	backend := &fakeBackend{}
	client := startControl(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := client.PushNotification(ctx, map[string]any{
		"user_id": 7, "kind": "badge", "title": "Streak", "message": "Five days in a row", "persist": true,
		"data": map[string]any{"days": 5},
	}, grpc.UseCompressor(CompressorName))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if out.GetFields()["id"].GetNumberValue() != 1 || !out.GetFields()["delivered"].GetBoolValue() {
		t.Fatalf("unexpected reply %v", out)
	}
	if len(backend.pushed) != 1 || backend.pushed[0].UserID != 7 || !backend.persisted {
		t.Fatalf("unexpected backend state %+v", backend.pushed)
	}
	if backend.pushed[0].Data["days"] != float64(5) {
		t.Fatalf("data payload lost: %v", backend.pushed[0].Data)
	}

	_, err = client.PushNotification(ctx, map[string]any{"user_id": "seven", "title": "x"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestControlExamMapsCodes(t *testing.T) {
	backend := &fakeBackend{}
	client := startControl(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := client.ControlExam(ctx, map[string]any{"slug": "midterm", "action": "start"})
	if err != nil {
		t.Fatalf("control: %v", err)
	}
	if out.GetFields()["status"].GetStringValue() != "active" || out.GetFields()["seconds_remaining"].GetNumberValue() != 3600 {
		t.Fatalf("unexpected reply %v", out)
	}
	if len(backend.commands) != 1 || backend.commands[0].Action != "start" {
		t.Fatalf("unexpected commands %+v", backend.commands)
	}

	cases := map[string]struct {
		in   map[string]any
		code codes.Code
	}{
		"missing slug":  {map[string]any{"action": "start"}, codes.InvalidArgument},
		"unknown exam":  {map[string]any{"slug": "final", "action": "start"}, codes.NotFound},
		"invalid state": {map[string]any{"slug": "midterm", "action": "resume"}, codes.FailedPrecondition},
		"internal":      {map[string]any{"slug": "midterm", "action": "explode"}, codes.Internal},
	}
	for name, tc := range cases {
		_, err := client.ControlExam(ctx, tc.in)
		if status.Code(err) != tc.code {
			t.Fatalf("%s: expected %v, got %v", name, tc.code, err)
		}
		if tc.code == codes.Internal && status.Convert(err).Message() != "internal error" {
			t.Fatalf("internal details leaked: %v", err)
		}
	}
}

func TestSubmitExamResult(t *testing.T) {
	backend := &fakeBackend{}
	client := startControl(t, backend)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := client.SubmitExamResult(ctx, map[string]any{
		"slug": "midterm", "user_id": 4, "score": 87.5, "correct": 35, "wrong": 4, "skipped": 1, "time_spent_seconds": 1800,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := backend.results[4]
	if got.Score != 87.5 || got.Correct != 35 || got.TimeSpent != 30*time.Minute {
		t.Fatalf("unexpected result %+v", got)
	}
	if _, err := client.SubmitExamResult(ctx, map[string]any{"slug": "midterm"}); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
