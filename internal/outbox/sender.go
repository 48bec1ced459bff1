package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
	"go.uber.org/zap"
)

// TextSender puts one pending message on the wire.
type TextSender interface {
	SendPending(ctx context.Context, p *store.PendingMessage) error
}

// Sender transmits pending messages and keeps their retry bookkeeping.
type Sender struct {
	store  *Store
	sender TextSender
	bus    *bus.Bus
	logger *zap.Logger
}

// NewSender creates a new outbox sender.
func NewSender(s *Store, sender TextSender, b *bus.Bus, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		store:  s,
		sender: sender,
		bus:    b,
		logger: logger,
	}
}

// Send transmits one entry if it is still waiting to be sent. Entries that
// already left the client, failed, or were confirmed are skipped.
func (s *Sender) Send(ctx context.Context, clientID string) error {
	p, err := s.store.Get(clientID)
	if err != nil {
		return fmt.Errorf("load pending %s: %w", clientID, err)
	}
	if p == nil || !p.Pending() {
		return nil
	}
	return s.send(ctx, p)
}

// Replay transmits every replayable entry in insertion order. One
// message's failure does not stop the others.
func (s *Sender) Replay(ctx context.Context) error {
	pending, err := s.store.Replayable()
	if err != nil {
		return fmt.Errorf("read pending: %w", err)
	}
	if len(pending) > 0 {
		s.logger.Info("replaying pending messages", zap.Int("count", len(pending)))
	}

	var errs []error
	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.send(ctx, &pending[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Sender) send(ctx context.Context, p *store.PendingMessage) error {
	if err := s.sender.SendPending(ctx, p); err != nil {
		s.logger.Warn("failed to send message", zap.Error(err), zap.String("client_id", p.ClientID))
		failed, markErr := s.store.MarkFailure(p.ClientID)
		if markErr != nil {
			return errors.Join(err, markErr)
		}
		if failed {
			s.bus.Emit(bus.KindSendFailed, bus.MessageRef{ClientID: p.ClientID, Retries: MaxRetries})
		}
		return fmt.Errorf("send %s: %w", p.ClientID, err)
	}

	if err := s.store.MarkAttempt(p.ClientID); err != nil {
		return fmt.Errorf("mark attempt %s: %w", p.ClientID, err)
	}
	s.logger.Debug("message sent", zap.String("client_id", p.ClientID))
	s.bus.Emit(bus.KindSendAck, bus.MessageRef{ClientID: p.ClientID, Retries: p.Retries})
	return nil
}
