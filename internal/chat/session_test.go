package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/geochat/internal/auth"
	"github.com/matheus3301/geochat/internal/outbox"
	"github.com/matheus3301/geochat/internal/position"
	"github.com/matheus3301/geochat/internal/protocol"
	"github.com/matheus3301/geochat/internal/status"
	"github.com/matheus3301/geochat/internal/store"
	"github.com/matheus3301/geochat/internal/ws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second
const tick = 10 * time.Millisecond

// chatServer is a minimal chat server: it answers handshakes, rejects
// empty tokens and broadcasts every chat message to all connections.
type chatServer struct {
	t          *testing.T
	mu         sync.Mutex
	conns      map[*websocket.Conn]struct{}
	handshakes atomic.Int32
	down       atomic.Bool
}

func newChatServer(t *testing.T) (*chatServer, string) {
	t.Helper()
	s := &chatServer{t: t, conns: make(map[*websocket.Conn]struct{})}
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return s, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.down.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.CloseNow()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.DecodeClient(data)
		if err != nil {
			continue
		}
		if env.Token == "" {
			s.write(ctx, conn, protocol.NewErrorResponse(401, "unauthorized"))
			continue
		}
		switch p := env.Payload.(type) {
		case *protocol.HandshakePayload:
			s.handshakes.Add(1)
			s.write(ctx, conn, protocol.NewHandshakeResponse(""))
		case *protocol.SendChatMessagePayload:
			sender, _ := auth.SenderFromToken(env.Token)
			s.broadcast(ctx, protocol.NewChatMessageNotification(protocol.ChatMessage{
				ID:         "srv-" + p.ClientID,
				ClientID:   p.ClientID,
				Sender:     protocol.Sender{ID: sender.ID, Username: sender.Username},
				SentAt:     p.SentAt,
				ReceivedAt: time.Now().UTC(),
				Content:    p.Content,
				Position:   p.Position,
			}))
		}
	}
}

func (s *chatServer) write(ctx context.Context, conn *websocket.Conn, env *protocol.ServerEnvelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		s.t.Errorf("encode: %v", err)
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}

func (s *chatServer) broadcast(ctx context.Context, env *protocol.ServerEnvelope) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		s.write(ctx, c, env)
	}
}

func (s *chatServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.CloseNow()
	}
}

type countingOwner struct{ n atomic.Int32 }

func (o *countingOwner) Logout() { o.n.Add(1) }

func token(t *testing.T, sub, username string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: sub},
		Username:         username,
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

var here = store.Location{Lat: 40.0, Long: -73.0}

func newSession(t *testing.T, url, tok string, owner *countingOwner, db *store.DB) *Session {
	t.Helper()
	s, err := New(Params{
		Connection: ws.Config{Endpoint: url, InitialDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		Identity:   auth.NewProvider(tok, nil, nil),
		Owner:      owner,
		Positions:  position.Fixed(here),
		DB:         db,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionSendIsConfirmed(t *testing.T) {
	_, url := newChatServer(t)
	s := newSession(t, url, token(t, "user-1", "alice"), &countingOwner{}, nil)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return s.State() == status.Ready }, waitFor, tick)

	id, err := s.SendMessage("hello", here)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs, _ := s.Messages()
		return len(msgs) == 1
	}, waitFor, tick)

	msgs, err := s.Messages()
	require.NoError(t, err)
	assert.Equal(t, id, msgs[0].ClientID)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, store.Sender{ID: "user-1", Username: "alice"}, msgs[0].Sender)
	assert.InDelta(t, 0, msgs[0].DistanceInMeters, 1e-6)

	pending, err := s.PendingMessages()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, s.Error())

	n, err := s.MessageCount()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Confirmed messages cannot be resent.
	assert.ErrorIs(t, s.ResendByID(id), ErrAlreadyConfirmed)
}

func TestSessionSendBeforeConnectIsDelivered(t *testing.T) {
	_, url := newChatServer(t)
	s := newSession(t, url, token(t, "user-1", "alice"), &countingOwner{}, nil)

	id, err := s.SendMessage("early bird", here)
	require.NoError(t, err)
	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Succeeded)

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		msgs, _ := s.Messages()
		return len(msgs) == 1 && msgs[0].ClientID == id
	}, waitFor, tick)
}

func TestSessionSurvivesServerDrop(t *testing.T) {
	srv, url := newChatServer(t)
	s := newSession(t, url, token(t, "user-1", "alice"), &countingOwner{}, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == status.Ready }, waitFor, tick)

	srv.down.Store(true)
	srv.dropAll()
	require.Eventually(t, func() bool { return s.Error() == ws.ErrConnection }, waitFor, tick)

	id, err := s.SendMessage("during the outage", here)
	require.NoError(t, err)
	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 1)

	srv.down.Store(false)

	require.Eventually(t, func() bool {
		msgs, _ := s.Messages()
		return len(msgs) == 1 && msgs[0].ClientID == id
	}, waitFor, tick)
	require.Eventually(t, func() bool { return srv.handshakes.Load() >= 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return s.Error() == "" }, waitFor, tick)
}

func TestSessionUnauthorizedLogsOutOnce(t *testing.T) {
	_, url := newChatServer(t)
	owner := &countingOwner{}
	s := newSession(t, url, "", owner, nil)

	id, err := s.SendMessage("kept", here)
	require.NoError(t, err)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return owner.n.Load() == 1 }, waitFor, tick)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), owner.n.Load())

	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ClientID)
}

func TestSessionResendFailedMessage(t *testing.T) {
	_, url := newChatServer(t)
	db, _, err := store.OpenMigrated("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := newSession(t, url, token(t, "user-1", "alice"), &countingOwner{}, db)

	id, err := s.SendMessage("try again", here)
	require.NoError(t, err)
	queue := outbox.NewStore(db, nil)
	for range outbox.MaxRetries {
		_, err := queue.MarkFailure(id)
		require.NoError(t, err)
	}

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.State() == status.Ready }, waitFor, tick)

	// Failed messages are not replayed on their own.
	time.Sleep(100 * time.Millisecond)
	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.True(t, pending[0].Failed)

	require.NoError(t, s.ResendMessage(pending[0]))
	require.Eventually(t, func() bool {
		msgs, _ := s.Messages()
		return len(msgs) == 1 && msgs[0].ClientID == id
	}, waitFor, tick)

	assert.ErrorIs(t, s.ResendByID("ghost"), store.ErrNotFound)
}

func TestSessionValidation(t *testing.T) {
	s, err := New(Params{
		Connection: ws.Config{Endpoint: "ws://127.0.0.1:1/ws"},
		Identity:   auth.NewProvider("", nil, nil),
		Positions:  position.Unavailable{},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.SendMessage("   ", here)
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = s.SendHere("hi")
	assert.ErrorIs(t, err, ErrNoPosition)

	// Never started: the message stays queued until discarded.
	id, err := s.SendMessage("hi", here)
	require.NoError(t, err)
	pending, err := s.PendingMessages()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, s.DiscardMessage(id))
	pending, err = s.PendingMessages()
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.Equal(t, DefaultRadius, s.RadiusInMeters())
	assert.Equal(t, 250.0, Radius(250).RadiusInMeters())

	_, err = New(Params{})
	assert.Error(t, err)
}
