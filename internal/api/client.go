package api

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client talks to a session daemon over its Unix domain socket.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) GetStatus(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, methodGetStatus, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context) ([]any, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, methodListMessages, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

func (c *Client) ListPending(ctx context.Context) ([]any, error) {
	out := new(structpb.ListValue)
	if err := c.conn.Invoke(ctx, methodListPending, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out.AsSlice(), nil
}

// SendMessage queues content at the daemon's current position and returns
// the clientId.
func (c *Client) SendMessage(ctx context.Context, content string) (string, error) {
	return c.send(ctx, map[string]*structpb.Value{
		"content": structpb.NewStringValue(content),
	})
}

// SendMessageAt queues content at an explicit location.
func (c *Client) SendMessageAt(ctx context.Context, content string, lat, long float64) (string, error) {
	return c.send(ctx, map[string]*structpb.Value{
		"content": structpb.NewStringValue(content),
		"lat":     structpb.NewNumberValue(lat),
		"long":    structpb.NewNumberValue(long),
	})
}

func (c *Client) send(ctx context.Context, fields map[string]*structpb.Value) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.conn.Invoke(ctx, methodSendMessage, &structpb.Struct{Fields: fields}, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) ResendMessage(ctx context.Context, clientID string) error {
	return c.conn.Invoke(ctx, methodResendMessage, wrapperspb.String(clientID), new(emptypb.Empty))
}

// DiscardMessage drops a pending message from the daemon's queue.
func (c *Client) DiscardMessage(ctx context.Context, clientID string) error {
	return c.conn.Invoke(ctx, methodDiscard, wrapperspb.String(clientID), new(emptypb.Empty))
}

// WatchEvents calls fn for every event whose kind starts with prefix until
// the stream ends, ctx is cancelled or fn returns an error.
func (c *Client) WatchEvents(ctx context.Context, prefix string, fn func(map[string]any) error) error {
	stream, err := c.conn.NewStream(ctx, &ChatServiceDesc.Streams[0], methodWatchEvents)
	if err != nil {
		return err
	}
	if err := stream.SendMsg(wrapperspb.String(prefix)); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt.AsMap()); err != nil {
			return err
		}
	}
}
