// Package chat is the session facade presentation layers talk to: send and
// resend messages, read the confirmed log and the pending queue.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/outbox"
	"github.com/matheus3301/geochat/internal/position"
	"github.com/matheus3301/geochat/internal/status"
	"github.com/matheus3301/geochat/internal/store"
	intsync "github.com/matheus3301/geochat/internal/sync"
	"github.com/matheus3301/geochat/internal/ws"
	"go.uber.org/zap"
)

// DefaultRadius is the chat radius used when none is configured, in meters.
const DefaultRadius = 100.0

var (
	ErrNoPosition   = errors.New("position unknown")
	ErrEmptyContent = errors.New("message is empty")

	// ErrAlreadyConfirmed is returned when resending a message the server
	// has already confirmed.
	ErrAlreadyConfirmed = errors.New("message already confirmed")
)

// Identity supplies the bearer token and the sender it identifies.
type Identity interface {
	ws.TokenProvider
	Sender() store.Sender
}

// Radius is a fixed chat radius. Non-positive values mean DefaultRadius.
type Radius float64

func (r Radius) RadiusInMeters() float64 {
	if r <= 0 {
		return DefaultRadius
	}
	return float64(r)
}

// Params are the collaborators of a Session.
type Params struct {
	Connection   ws.Config
	Dialer       ws.Dialer
	Identity     Identity
	Radius       ws.RadiusProvider // nil means DefaultRadius
	Owner        ws.SessionOwner
	Positions    position.Source // nil means never known
	PollInterval time.Duration
	MaxMessages  int
	DB           *store.DB // nil opens a private in-memory database
	Bus          *bus.Bus
	Logger       *zap.Logger
}

// Session is one user's chat session.
type Session struct {
	db      *store.DB
	ownsDB  bool
	pending *outbox.Store
	log     *intsync.Engine
	client  *ws.Client
	poller  *position.Poller
	ident   Identity
	radius  ws.RadiusProvider
	logger  *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New assembles a session. Call Start to connect.
func New(p Params) (*Session, error) {
	if p.Identity == nil {
		return nil, errors.New("chat: identity is required")
	}
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	radius := p.Radius
	if radius == nil {
		radius = Radius(DefaultRadius)
	}
	source := p.Positions
	if source == nil {
		source = position.Unavailable{}
	}

	db, ownsDB := p.DB, false
	if db == nil {
		var err error
		if db, _, err = store.OpenMigrated(""); err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		ownsDB = true
	}

	pending := outbox.NewStore(db, p.Bus)
	log := intsync.NewEngine(db, p.Bus, logger)
	log.SetRetention(p.MaxMessages)

	client := ws.NewClient(ws.Params{
		Config:  p.Connection,
		Dialer:  p.Dialer,
		Tokens:  p.Identity,
		Radius:  radius,
		Owner:   p.Owner,
		Pending: pending,
		Log:     log,
		Bus:     p.Bus,
		Logger:  logger,
	})

	return &Session{
		db:      db,
		ownsDB:  ownsDB,
		pending: pending,
		log:     log,
		client:  client,
		poller:  position.NewPoller(source, p.PollInterval, logger),
		ident:   p.Identity,
		radius:  radius,
		logger:  logger,
	}, nil
}

// Start begins position polling and connects to the chat server.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.client.Start(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.poller.Run(ctx, func(u position.Update) {
			if u.Known {
				s.client.UpdatePosition(&u.Location)
				return
			}
			s.client.UpdatePosition(nil)
		})
	}()
}

// Close disconnects and releases the session. The log and pending queue
// are discarded with the in-memory store.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.cancel = func() {}
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()
		s.client.Stop()
		if s.ownsDB {
			s.closeErr = s.db.Close()
		}
	})
	return s.closeErr
}

// SendMessage queues content at loc and hands it to the connection. It
// returns the clientId without waiting for the server.
func (s *Session) SendMessage(content string, loc store.Location) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyContent
	}
	id, err := s.pending.Add(content, loc, s.ident.Sender())
	if err != nil {
		return "", err
	}
	s.logger.Debug("message queued", zap.String("client_id", id))
	s.client.Transmit(id)
	return id, nil
}

// SendHere sends content at the viewer's current position.
func (s *Session) SendHere(content string) (string, error) {
	loc, ok := s.client.Position()
	if !ok {
		return "", ErrNoPosition
	}
	return s.SendMessage(content, loc)
}

// ResendMessage makes a pending message eligible again and retransmits it.
func (s *Session) ResendMessage(p store.PendingMessage) error {
	return s.ResendByID(p.ClientID)
}

// ResendByID is ResendMessage keyed by clientId.
func (s *Session) ResendByID(clientID string) error {
	if _, err := s.pending.Resend(clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if confirmed, cerr := s.log.Contains(clientID); cerr == nil && confirmed {
				return ErrAlreadyConfirmed
			}
		}
		return err
	}
	s.client.Transmit(clientID)
	return nil
}

// DiscardMessage drops a pending message, typically one that failed.
// A copy already on the wire may still be confirmed and appear in the log.
func (s *Session) DiscardMessage(clientID string) error {
	return s.pending.Remove(clientID)
}

// Messages returns the confirmed log in arrival order.
func (s *Session) Messages() ([]store.Message, error) {
	return s.log.Messages()
}

// MessageCount returns the size of the confirmed log.
func (s *Session) MessageCount() (int, error) {
	return s.log.Count()
}

// PendingMessages returns the unconfirmed messages in creation order.
func (s *Session) PendingMessages() ([]store.PendingMessage, error) {
	return s.pending.List()
}

// Error returns the session error; empty means none.
func (s *Session) Error() string {
	return s.client.Error()
}

// RadiusInMeters returns the configured chat radius.
func (s *Session) RadiusInMeters() float64 {
	return s.radius.RadiusInMeters()
}

// State returns the connection state.
func (s *Session) State() status.State {
	return s.client.State()
}

// Position returns the viewer's last known position.
func (s *Session) Position() (store.Location, bool) {
	return s.client.Position()
}

// Sender returns the identity messages are sent as.
func (s *Session) Sender() store.Sender {
	return s.ident.Sender()
}
