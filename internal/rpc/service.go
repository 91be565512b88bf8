// Package rpc exposes the coordinator's control plane over gRPC. Messages are protobuf
// well-known Structs so backend services can call it without generated stubs.
package rpc

import (
	"context"
	"errors"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"testmakon/realtime/internal/exam"
	"testmakon/realtime/internal/logging"
	"testmakon/realtime/internal/protocol"
	"testmakon/realtime/internal/store"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "testmakon.realtime.v1.Control"

const callTimeout = 5 * time.Second

// Backend is the coordinator surface the control plane drives.
type Backend interface {
	PushNotification(ctx context.Context, userID int64, n store.Notification, persist bool) (store.Notification, bool, error)
	ControlExam(ctx context.Context, slug string, cmd exam.Command) (protocol.Envelope, error)
	SubmitExamResult(ctx context.Context, slug string, userID int64, res exam.Result) error
}

// ControlServer is the server API of the control service.
type ControlServer interface {
	PushNotification(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	ControlExam(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	SubmitExamResult(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error)
}

// Option customises the Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements ControlServer on top of a Backend.
type Service struct {
	backend Backend
	log     *logging.Logger
}

// NewService wires the control service to the coordinator.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register attaches the service to a gRPC server.
func Register(server *grpc.Server, svc ControlServer) {
	server.RegisterService(&ControlServiceDesc, svc)
}

// PushNotification delivers an out-of-band notification, optionally persisting it first.
func (s *Service) PushNotification(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "control plane unavailable")
	}
	fields := in.GetFields()
	userID, ok := intField(fields, "user_id")
	if !ok || userID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	n := store.Notification{
		Kind:    stringField(fields, "kind"),
		Title:   stringField(fields, "title"),
		Message: stringField(fields, "message"),
		Link:    stringField(fields, "link"),
	}
	if n.Title == "" && n.Message == "" {
		return nil, status.Error(codes.InvalidArgument, "title or message is required")
	}
	if data, ok := fields["data"]; ok && data.GetStructValue() != nil {
		n.Data = data.GetStructValue().AsMap()
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	saved, delivered, err := s.backend.PushNotification(ctx, userID, n, boolField(fields, "persist"))
	if err != nil {
		return nil, s.statusFor("push notification", err)
	}
	return structpb.NewStruct(map[string]any{"id": float64(saved.ID), "delivered": delivered})
}

// ControlExam applies an admin command to a running exam.
func (s *Service) ControlExam(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "control plane unavailable")
	}
	fields := in.GetFields()
	slug := stringField(fields, "slug")
	if slug == "" {
		return nil, status.Error(codes.InvalidArgument, "slug is required")
	}
	minutes, _ := intField(fields, "minutes")
	cmd := exam.Command{Action: stringField(fields, "action"), Minutes: int(minutes), Message: stringField(fields, "message")}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	env, err := s.backend.ControlExam(ctx, slug, cmd)
	if err != nil {
		return nil, s.statusFor("control exam", err)
	}
	out := map[string]any{"type": env.Type}
	for _, key := range []string{"status", "seconds_remaining"} {
		if v, ok := env.Fields[key]; ok {
			out[key] = structValue(v)
		}
	}
	return structpb.NewStruct(out)
}

// SubmitExamResult records a graded participant.
func (s *Service) SubmitExamResult(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	if s == nil || s.backend == nil {
		return nil, status.Error(codes.FailedPrecondition, "control plane unavailable")
	}
	fields := in.GetFields()
	slug := stringField(fields, "slug")
	userID, ok := intField(fields, "user_id")
	if slug == "" || !ok || userID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "slug and user_id are required")
	}
	correct, _ := intField(fields, "correct")
	wrong, _ := intField(fields, "wrong")
	skipped, _ := intField(fields, "skipped")
	spent, _ := intField(fields, "time_spent_seconds")
	score := 0.0
	if v, ok := fields["score"]; ok {
		score = v.GetNumberValue()
	}
	res := exam.Result{Score: score, Correct: int(correct), Wrong: int(wrong), Skipped: int(skipped), TimeSpent: time.Duration(spent) * time.Second}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if err := s.backend.SubmitExamResult(ctx, slug, userID, res); err != nil {
		return nil, s.statusFor("submit exam result", err)
	}
	return &emptypb.Empty{}, nil
}

// statusFor maps coordinator failures onto gRPC status codes without leaking internals.
func (s *Service) statusFor(op string, err error) error {
	perr := protocol.AsError(err)
	code := codes.Internal
	switch protocol.CodeOf(err) {
	case protocol.CodeNotFound:
		code = codes.NotFound
	case protocol.CodeInvalidPayload:
		code = codes.InvalidArgument
	case protocol.CodeInvalidState:
		code = codes.FailedPrecondition
	case protocol.CodeUnauthorized:
		code = codes.PermissionDenied
	case protocol.CodeRateLimited:
		code = codes.ResourceExhausted
	case protocol.CodeUnknownType:
		code = codes.Unimplemented
	}
	if errors.Is(err, context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	if code == codes.Internal {
		s.log.Error("control call failed", logging.String("op", op), logging.Error(err))
		return status.Error(code, "internal error")
	}
	return status.Error(code, perr.Message)
}

func stringField(fields map[string]*structpb.Value, key string) string {
	if v, ok := fields[key]; ok {
		return strings.TrimSpace(v.GetStringValue())
	}
	return ""
}

func intField(fields map[string]*structpb.Value, key string) (int64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	if _, isNumber := v.GetKind().(*structpb.Value_NumberValue); !isNumber {
		return 0, false
	}
	return int64(v.GetNumberValue()), true
}

func boolField(fields map[string]*structpb.Value, key string) bool {
	if v, ok := fields[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

// structValue converts envelope values into types structpb accepts.
func structValue(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case time.Duration:
		return n.Seconds()
	case interface{ String() string }:
		return n.String()
	default:
		return v
	}
}
