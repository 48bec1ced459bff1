// Package api exposes a running chat session to local tools over gRPC.
//
// Requests and responses use the protobuf well-known types, so the service
// needs no generated code: the descriptor below is what protoc-gen-go-grpc
// would emit for it.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	ServiceName = "geochat.v1.ChatService"

	methodGetStatus     = "/" + ServiceName + "/GetStatus"
	methodListMessages  = "/" + ServiceName + "/ListMessages"
	methodListPending   = "/" + ServiceName + "/ListPending"
	methodSendMessage   = "/" + ServiceName + "/SendMessage"
	methodResendMessage = "/" + ServiceName + "/ResendMessage"
	methodDiscard       = "/" + ServiceName + "/DiscardMessage"
	methodWatchEvents   = "/" + ServiceName + "/WatchEvents"
)

// ChatServer is the server API for the chat service.
type ChatServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListMessages(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	ListPending(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// SendMessage takes {content, lat?, long?} and returns the clientId.
	SendMessage(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	ResendMessage(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	DiscardMessage(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	// WatchEvents streams bus events whose kind starts with the given prefix.
	WatchEvents(*wrapperspb.StringValue, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterChatServer registers srv on s.
func RegisterChatServer(s grpc.ServiceRegistrar, srv ChatServer) {
	s.RegisterService(&ChatServiceDesc, srv)
}

// ChatServiceDesc is the grpc.ServiceDesc for the chat service.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChatServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ListMessages", Handler: listMessagesHandler},
		{MethodName: "ListPending", Handler: listPendingHandler},
		{MethodName: "SendMessage", Handler: sendMessageHandler},
		{MethodName: "ResendMessage", Handler: resendMessageHandler},
		{MethodName: "DiscardMessage", Handler: discardMessageHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listMessagesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).ListMessages(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListMessages}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).ListMessages(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func listPendingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).ListPending(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListPending}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).ListPending(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func sendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).SendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSendMessage}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).SendMessage(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func resendMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).ResendMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodResendMessage}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).ResendMessage(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func discardMessageHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ChatServer).DiscardMessage(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDiscard}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ChatServer).DiscardMessage(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ChatServer).WatchEvents(in, &eventStream{stream})
}
