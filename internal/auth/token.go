// Package auth holds the session's bearer token and the identity derived
// from it.
package auth

import (
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
	"go.uber.org/zap"
)

// Claims are the token fields the chat client reads.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
}

// SenderFromToken reads the sender identity from a JWT without verifying
// its signature; the server does that. An empty token yields an empty sender.
func SenderFromToken(token string) (store.Sender, error) {
	if token == "" {
		return store.Sender{}, nil
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return store.Sender{}, fmt.Errorf("parse token: %w", err)
	}
	return store.Sender{ID: claims.Subject, Username: claims.Username}, nil
}

// Provider holds the current token. It implements the token provider and
// session owner roles of the chat connection.
type Provider struct {
	mu     sync.RWMutex
	token  string
	sender store.Sender
	bus    *bus.Bus
	logger *zap.Logger
}

// NewProvider creates a provider for token. A token that is not a JWT is
// still used as-is, with an empty sender.
func NewProvider(token string, b *bus.Bus, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Provider{bus: b, logger: logger}
	p.SetToken(token)
	return p
}

// CurrentToken returns the token; empty means unauthenticated.
func (p *Provider) CurrentToken() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// Sender returns the identity carried by the token.
func (p *Provider) Sender() store.Sender {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sender
}

// SetToken replaces the token, e.g. after an external refresh.
func (p *Provider) SetToken(token string) {
	sender, err := SenderFromToken(token)
	if err != nil {
		p.logger.Warn("token is not a readable JWT", zap.Error(err))
	}
	p.mu.Lock()
	p.token = token
	p.sender = sender
	p.mu.Unlock()
}

// Invalidate drops the token.
func (p *Provider) Invalidate() {
	p.SetToken("")
}

// Logout drops the token and announces it. The session's data is left
// alone; whoever listens decides what to dispose.
func (p *Provider) Logout() {
	p.logger.Info("logged out")
	p.Invalidate()
	p.bus.Emit(bus.KindLoggedOut, nil)
}
