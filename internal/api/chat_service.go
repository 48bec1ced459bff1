package api

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/chat"
	"github.com/matheus3301/geochat/internal/status"
	"github.com/matheus3301/geochat/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Session is the part of chat.Session the service drives.
type Session interface {
	State() status.State
	Error() string
	RadiusInMeters() float64
	Position() (store.Location, bool)
	Sender() store.Sender
	Messages() ([]store.Message, error)
	MessageCount() (int, error)
	PendingMessages() ([]store.PendingMessage, error)
	SendMessage(content string, loc store.Location) (string, error)
	SendHere(content string) (string, error)
	ResendByID(clientID string) error
	DiscardMessage(clientID string) error
}

const watchBuffer = 256

// ChatService implements ChatServer on top of a chat session.
type ChatService struct {
	sessionName string
	startedAt   time.Time
	session     Session
	bus         *bus.Bus
	logger      *zap.Logger
}

var _ ChatServer = (*ChatService)(nil)

// NewChatService creates a chat service for the named session.
func NewChatService(sessionName string, s Session, b *bus.Bus, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		session:     s,
		bus:         b,
		logger:      logger,
	}
}

func (s *ChatService) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	state := s.session.State()
	fields := map[string]*structpb.Value{
		"session":        structpb.NewStringValue(s.sessionName),
		"state":          structpb.NewStringValue(string(state)),
		"connected":      structpb.NewBoolValue(state.Connected()),
		"error":          structpb.NewStringValue(s.session.Error()),
		"radiusInMeters": numberValue(s.session.RadiusInMeters()),
		"sender":         senderValue(s.session.Sender()),
		"position":       structpb.NewNullValue(),
		"uptimeMs":       structpb.NewNumberValue(float64(time.Since(s.startedAt).Milliseconds())),
	}
	if loc, ok := s.session.Position(); ok {
		fields["position"] = locationValue(loc)
	}
	if n, err := s.session.MessageCount(); err == nil {
		fields["messageCount"] = structpb.NewNumberValue(float64(n))
	}
	if pending, err := s.session.PendingMessages(); err == nil {
		fields["pendingCount"] = structpb.NewNumberValue(float64(len(pending)))
	}
	return &structpb.Struct{Fields: fields}, nil
}

func (s *ChatService) ListMessages(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	msgs, err := s.session.Messages()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(msgs))}
	for i := range msgs {
		out.Values = append(out.Values, messageValue(&msgs[i]))
	}
	return out, nil
}

func (s *ChatService) ListPending(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	pending, err := s.session.PendingMessages()
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list pending: %v", err)
	}
	out := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(pending))}
	for i := range pending {
		out.Values = append(out.Values, pendingValue(&pending[i]))
	}
	return out, nil
}

func (s *ChatService) SendMessage(_ context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	fields := req.GetFields()
	content := fields["content"].GetStringValue()

	lat, hasLat := fields["lat"]
	long, hasLong := fields["long"]
	if hasLat != hasLong {
		return nil, grpcstatus.Error(codes.InvalidArgument, "lat and long must be given together")
	}

	var (
		clientID string
		err      error
	)
	if hasLat {
		clientID, err = s.session.SendMessage(content, store.Location{
			Lat:  lat.GetNumberValue(),
			Long: long.GetNumberValue(),
		})
	} else {
		clientID, err = s.session.SendHere(content)
	}
	if err != nil {
		return nil, toStatus("send message", err)
	}
	s.logger.Debug("message queued", zap.String("client_id", clientID))
	return wrapperspb.String(clientID), nil
}

func (s *ChatService) ResendMessage(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "clientId is required")
	}
	if err := s.session.ResendByID(req.GetValue()); err != nil {
		return nil, toStatus("resend message", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChatService) DiscardMessage(_ context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "clientId is required")
	}
	if err := s.session.DiscardMessage(req.GetValue()); err != nil {
		return nil, toStatus("discard message", err)
	}
	return &emptypb.Empty{}, nil
}

func (s *ChatService) WatchEvents(req *wrapperspb.StringValue, stream EventStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not available")
	}
	ch, unsub := s.bus.Subscribe(req.GetValue(), watchBuffer)
	defer unsub()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			if err := stream.Send(eventStruct(evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		return grpcstatus.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, chat.ErrNoPosition):
		return grpcstatus.Errorf(codes.FailedPrecondition, "%s: %v", op, err)
	case errors.Is(err, chat.ErrAlreadyConfirmed):
		return grpcstatus.Errorf(codes.AlreadyExists, "%s: %v", op, err)
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Errorf(codes.NotFound, "%s: %v", op, err)
	default:
		return grpcstatus.Errorf(codes.Internal, "%s: %v", op, err)
	}
}
