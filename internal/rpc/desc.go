package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	pushNotificationMethod = "/" + ServiceName + "/PushNotification"
	controlExamMethod      = "/" + ServiceName + "/ControlExam"
	submitResultMethod     = "/" + ServiceName + "/SubmitExamResult"
)

// ControlServiceDesc describes the control service for grpc.Server.RegisterService.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushNotification", Handler: unary(pushNotificationMethod, ControlServer.PushNotification)},
		{MethodName: "ControlExam", Handler: unary(controlExamMethod, ControlServer.ControlExam)},
		{MethodName: "SubmitExamResult", Handler: unary(submitResultMethod, ControlServer.SubmitExamResult)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "testmakon/realtime/v1/control.proto",
}

// unary adapts a typed ControlServer method to grpc's untyped method handler, running any
// configured interceptor chain.
func unary[Resp proto.Message](fullMethod string, call func(ControlServer, context.Context, *structpb.Struct) (Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Client calls the control service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// PushNotification asks the coordinator to deliver a notification.
func (c *Client) PushNotification(ctx context.Context, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[*structpb.Struct](ctx, c.cc, pushNotificationMethod, in, new(structpb.Struct), opts)
}

// ControlExam applies an admin command to an exam.
func (c *Client) ControlExam(ctx context.Context, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[*structpb.Struct](ctx, c.cc, controlExamMethod, in, new(structpb.Struct), opts)
}

// SubmitExamResult records a graded participant.
func (c *Client) SubmitExamResult(ctx context.Context, in map[string]any, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[*emptypb.Empty](ctx, c.cc, submitResultMethod, in, new(emptypb.Empty), opts)
}

func invoke[Resp proto.Message](ctx context.Context, cc grpc.ClientConnInterface, method string, in map[string]any, out Resp, opts []grpc.CallOption) (Resp, error) {
	var zero Resp
	req, err := structpb.NewStruct(in)
	if err != nil {
		return zero, err
	}
	if err := cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return zero, err
	}
	return out, nil
}
