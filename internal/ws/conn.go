// Package ws keeps the websocket connection to the chat server alive and
// routes server envelopes into the message log and pending store.
package ws

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
)

// Conn abstracts the websocket so Client can be tested without a server.
// *websocket.Conn satisfies it.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a transport to url.
type Dialer func(ctx context.Context, url string) (Conn, error)

const readLimit = 1 << 20

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // Dial closes the response body
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// NewBackoff returns the reconnect schedule: initial, doubling, capped at
// max, without jitter.
func NewBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// TokenProvider supplies the bearer token sent with every envelope.
// An empty token means unauthenticated.
type TokenProvider interface {
	CurrentToken() string
}

// RadiusProvider supplies the chat radius sent in the handshake.
type RadiusProvider interface {
	RadiusInMeters() float64
}

// SessionOwner is told when the server rejects the session's credentials.
type SessionOwner interface {
	Logout()
}
