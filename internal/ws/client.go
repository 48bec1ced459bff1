package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/outbox"
	"github.com/matheus3301/geochat/internal/protocol"
	"github.com/matheus3301/geochat/internal/status"
	"github.com/matheus3301/geochat/internal/store"
	intsync "github.com/matheus3301/geochat/internal/sync"
	"go.uber.org/zap"
)

// ErrConnection is the session error shown while the transport is down.
const ErrConnection = "connection error"

var errNotReady = errors.New("connection not ready")

const (
	defaultInitialDelay = 250 * time.Millisecond
	defaultMaxDelay     = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second

	inboundChanSize = 64
	opChanSize      = 256
)

// Config controls the connection.
type Config struct {
	Endpoint     string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaultInitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// Params are the collaborators of a Client.
type Params struct {
	Config  Config
	Dialer  Dialer // nil uses DialWebsocket
	Tokens  TokenProvider
	Radius  RadiusProvider
	Owner   SessionOwner
	Pending *outbox.Store
	Log     *intsync.Engine
	Bus     *bus.Bus
	Logger  *zap.Logger
}

type opKind int

const (
	opTransmit opKind = iota
	opPosition
)

type op struct {
	kind     opKind
	clientID string
}

type inboundMsg struct {
	gen  uint64
	typ  websocket.MessageType
	data []byte
	err  error
}

type dialResult struct {
	gen  uint64
	conn Conn
	err  error
}

type handlerFunc func(ctx context.Context, env *protocol.ServerEnvelope)

// Client owns one logical connection to the chat server. A single event
// loop goroutine owns the transport, the reconnect timer and the handshake
// flags; other goroutines talk to it through channels.
type Client struct {
	cfg     Config
	dial    Dialer
	tokens  TokenProvider
	radius  RadiusProvider
	owner   SessionOwner
	pending *outbox.Store
	sender  *outbox.Sender
	log     *intsync.Engine
	bus     *bus.Bus
	logger  *zap.Logger

	machine  *status.Machine
	handlers map[protocol.ServerMessageType]handlerFunc
	now      func() time.Time

	ops     chan op
	inbound chan inboundMsg
	dialed  chan dialResult

	// Owned by the event loop.
	backoff       *backoff.ExponentialBackOff
	timer         *time.Timer
	conn          Conn
	connCancel    context.CancelFunc
	generation    uint64
	dialing       bool
	handshakeSent bool
	handshaken    bool
	loggedOut     bool

	mu       sync.RWMutex
	position *store.Location
	lastErr  string

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewClient creates a client. Nothing happens until Start.
func NewClient(p Params) *Client {
	cfg := p.Config.withDefaults()
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dial := p.Dialer
	if dial == nil {
		dial = DialWebsocket
	}

	c := &Client{
		cfg:     cfg,
		dial:    dial,
		tokens:  p.Tokens,
		radius:  p.Radius,
		owner:   p.Owner,
		pending: p.Pending,
		log:     p.Log,
		bus:     p.Bus,
		logger:  logger.Named("ws"),
		machine: status.NewMachine(p.Bus),
		now:     time.Now,
		ops:     make(chan op, opChanSize),
		inbound: make(chan inboundMsg, inboundChanSize),
		dialed:  make(chan dialResult),
		backoff: NewBackoff(cfg.InitialDelay, cfg.MaxDelay),
		done:    make(chan struct{}),
	}
	c.sender = outbox.NewSender(p.Pending, wireSender{c}, p.Bus, c.logger)
	c.handlers = map[protocol.ServerMessageType]handlerFunc{
		protocol.HandshakeResponse:       c.onHandshakeResponse,
		protocol.ChatMessageNotification: c.onChatMessage,
		protocol.ErrorResponse:           c.onErrorResponse,
	}
	return c
}

// Start launches the event loop and the first connection attempt.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.started.Store(true)
		go c.run(ctx)
	})
}

// Stop tears the connection down for good and waits for the loop to exit.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.startOnce.Do(func() {})
		if c.cancel == nil {
			_ = c.machine.Transition(status.Stopped)
			close(c.done)
			return
		}
		c.cancel()
		<-c.done
	})
}

// Transmit asks the loop to send a pending message. If the connection is
// not ready the message stays pending and goes out with the next replay.
func (c *Client) Transmit(clientID string) {
	c.post(op{kind: opTransmit, clientID: clientID})
}

// UpdatePosition records the viewer position; nil means unknown. A known
// position lets a deferred handshake proceed.
func (c *Client) UpdatePosition(loc *store.Location) {
	var cp *store.Location
	if loc != nil {
		v := *loc
		cp = &v
	}
	c.mu.Lock()
	c.position = cp
	c.mu.Unlock()
	c.bus.Emit(bus.KindPosition, cp)
	c.post(op{kind: opPosition})
}

// Position returns the last known viewer position.
func (c *Client) Position() (store.Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.position == nil {
		return store.Location{}, false
	}
	return *c.position, true
}

// Error returns the session error; empty means none.
func (c *Client) Error() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// State returns the connection state.
func (c *Client) State() status.State {
	return c.machine.Current()
}

func (c *Client) setError(msg string) {
	c.mu.Lock()
	changed := c.lastErr != msg
	c.lastErr = msg
	c.mu.Unlock()
	if changed {
		c.bus.Emit(bus.KindSessionError, msg)
	}
}

func (c *Client) post(o op) {
	if !c.started.Load() {
		return
	}
	select {
	case c.ops <- o:
	case <-c.done:
	}
}

func (c *Client) transition(to status.State) {
	if err := c.machine.Transition(to); err != nil {
		c.logger.Warn("unexpected state transition", zap.Error(err))
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	c.timer = time.NewTimer(time.Hour)
	c.timer.Stop()

	c.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			c.teardown()
			return
		case res := <-c.dialed:
			c.handleDial(ctx, res)
		case msg := <-c.inbound:
			if msg.gen != c.generation || c.conn == nil {
				continue
			}
			c.handleInbound(ctx, msg)
		case o := <-c.ops:
			c.handleOp(ctx, o)
		case <-c.timer.C:
			c.checkLiveness(ctx)
		}
	}
}

func (c *Client) connect(ctx context.Context) {
	c.transition(status.Connecting)
	c.dialing = true
	c.generation++
	gen := c.generation

	c.logger.Info("connecting", zap.String("endpoint", c.cfg.Endpoint))
	go func() {
		dctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
		conn, err := c.dial(dctx, c.cfg.Endpoint)
		if conn != nil && ctx.Err() != nil {
			_ = conn.Close(websocket.StatusGoingAway, "session closed")
			return
		}
		// dialed is unbuffered: the result is handed over only while the
		// loop runs, otherwise the conn is closed here.
		select {
		case c.dialed <- dialResult{gen: gen, conn: conn, err: err}:
		case <-c.done:
			if conn != nil {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
			}
		}
	}()
}

func (c *Client) handleDial(ctx context.Context, res dialResult) {
	c.dialing = false
	if res.gen != c.generation {
		if res.conn != nil {
			_ = res.conn.Close(websocket.StatusGoingAway, "stale dial")
		}
		return
	}
	if res.err != nil {
		c.logger.Warn("dial failed", zap.Error(res.err))
		c.setError(ErrConnection)
		c.transition(status.Reconnecting)
		c.scheduleRetry()
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	c.conn = res.conn
	c.connCancel = cancel
	c.handshakeSent = false
	c.handshaken = false
	c.backoff.Reset()
	c.startReader(connCtx, res.conn, res.gen)

	c.transition(status.Open)
	c.logger.Info("connected")
	c.maybeHandshake(ctx)
}

// startReader feeds inbound from conn until a read error or until connCtx
// is cancelled. Messages carry the connection generation so the loop can
// discard anything from a replaced connection.
func (c *Client) startReader(connCtx context.Context, conn Conn, gen uint64) {
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case c.inbound <- inboundMsg{gen: gen, typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

func (c *Client) scheduleRetry() {
	d := c.backoff.NextBackOff()
	c.logger.Info("reconnecting", zap.Duration("backoff", d))
	c.timer.Reset(d)
}

// checkLiveness runs when the reconnect timer fires.
func (c *Client) checkLiveness(ctx context.Context) {
	if c.conn != nil || c.dialing {
		return
	}
	if c.machine.Current() != status.Reconnecting {
		return
	}
	c.connect(ctx)
}

func (c *Client) closeConn(code websocket.StatusCode, reason string) {
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(code, reason)
		c.conn = nil
	}
	c.handshakeSent = false
	c.handshaken = false
}

// fail handles a transport error: close, surface it, and schedule a reconnect.
func (c *Client) fail(err error) {
	if c.conn == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.logger.Info("connection closed by server")
		c.closeConn(websocket.StatusNormalClosure, "")
		c.transition(status.Closed)
	} else {
		c.logger.Warn("connection error", zap.Error(err))
		c.setError(ErrConnection)
		c.closeConn(websocket.StatusInternalError, "connection error")
		c.transition(status.Error)
	}
	c.transition(status.Reconnecting)
	c.scheduleRetry()
}

func (c *Client) teardown() {
	c.timer.Stop()
	c.closeConn(websocket.StatusNormalClosure, "session closed")
	c.transition(status.Stopped)
	c.logger.Info("connection stopped")
}

func (c *Client) handleInbound(ctx context.Context, msg inboundMsg) {
	if msg.err != nil {
		c.fail(msg.err)
		return
	}
	if msg.typ != websocket.MessageText {
		c.logger.Warn("ignoring binary frame", zap.Int("bytes", len(msg.data)))
		return
	}

	env, err := protocol.Decode(msg.data)
	if err != nil {
		c.logger.Warn("dropping undecodable envelope", zap.Error(err), zap.ByteString("raw", msg.data))
		return
	}
	handler, ok := c.handlers[env.Payload.ServerType()]
	if !ok {
		c.logger.Warn("no handler for envelope", zap.String("type", string(env.Payload.ServerType())))
		return
	}
	handler(ctx, env)
}

func (c *Client) handleOp(ctx context.Context, o op) {
	switch o.kind {
	case opTransmit:
		if c.conn == nil || !c.handshaken {
			c.logger.Debug("not ready, message left for replay", zap.String("client_id", o.clientID))
			return
		}
		if err := c.sender.Send(ctx, o.clientID); err != nil {
			c.logger.Warn("transmit failed", zap.Error(err))
		}
	case opPosition:
		c.maybeHandshake(ctx)
	}
}

// maybeHandshake sends the handshake once per connection, as soon as both
// a transport and a position are available.
func (c *Client) maybeHandshake(ctx context.Context) {
	if c.conn == nil || c.handshakeSent {
		return
	}
	pos, ok := c.Position()
	if !ok {
		c.logger.Info("position unknown, deferring handshake")
		return
	}

	env := protocol.NewHandshake(c.tokens.CurrentToken(), toWire(pos), c.radius.RadiusInMeters())
	if err := c.write(ctx, env); err != nil {
		c.fail(err)
		return
	}
	c.handshakeSent = true
	c.logger.Debug("handshake sent", zap.Float64("radius", c.radius.RadiusInMeters()))
}

func (c *Client) write(ctx context.Context, env *protocol.ClientEnvelope) error {
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, c.cfg.WriteTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageText, data)
}

func (c *Client) onHandshakeResponse(ctx context.Context, env *protocol.ServerEnvelope) {
	p := env.Payload.(*protocol.HandshakeResponsePayload)
	if p.Error != "" {
		c.logger.Warn("handshake rejected", zap.String("error", p.Error))
		c.setError(p.Error)
		return
	}
	if c.handshaken {
		return
	}
	c.handshaken = true
	c.loggedOut = false
	c.setError("")
	c.transition(status.Ready)
	c.logger.Info("handshake complete")

	if err := c.sender.Replay(ctx); err != nil {
		c.logger.Warn("replay incomplete", zap.Error(err))
	}
}

func (c *Client) onChatMessage(_ context.Context, env *protocol.ServerEnvelope) {
	p := env.Payload.(*protocol.ChatMessageNotificationPayload)
	var viewer *store.Location
	if pos, ok := c.Position(); ok {
		viewer = &pos
	}
	msg := toMessage(p.Message, viewer)
	if _, err := c.log.Ingest(&msg); err != nil {
		c.logger.Error("failed to ingest message", zap.Error(err), zap.String("id", msg.ID))
	}
}

func (c *Client) onErrorResponse(_ context.Context, env *protocol.ServerEnvelope) {
	p := env.Payload.(*protocol.ErrorResponsePayload)
	switch p.Code {
	case 401:
		if c.loggedOut {
			return
		}
		c.loggedOut = true
		c.logger.Warn("credentials rejected, logging out")
		if c.owner != nil {
			c.owner.Logout()
		}
	case 409:
		c.logger.Debug("duplicate handshake ignored", zap.String("error", p.Error))
	default:
		c.logger.Warn("server error", zap.Int("code", p.Code), zap.String("error", p.Error))
		c.setError(p.Error)
	}
}

// wireSender lets the outbox put messages on the wire. It is only called
// from the event loop.
type wireSender struct {
	c *Client
}

func (w wireSender) SendPending(ctx context.Context, p *store.PendingMessage) error {
	c := w.c
	if c.conn == nil || !c.handshaken {
		return errNotReady
	}
	env := protocol.NewSendChatMessage(c.tokens.CurrentToken(), p.ClientID, p.Content, toWire(p.Location), c.now())
	if err := c.write(ctx, env); err != nil {
		c.fail(err)
		return err
	}
	return nil
}
