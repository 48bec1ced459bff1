// Package sync maintains the ordered log of server-confirmed messages.
package sync

import (
	"fmt"

	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
	"go.uber.org/zap"
)

// Engine handles idempotent ingestion of confirmed messages into the log.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	logger      *zap.Logger
	maxMessages int
}

// NewEngine creates a new sync engine. The log is unbounded until
// SetRetention is called.
func NewEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger,
	}
}

// SetRetention keeps only the newest max messages. Zero means unbounded.
func (e *Engine) SetRetention(max int) {
	if max < 0 {
		max = 0
	}
	e.maxMessages = max
}

// Ingest appends msg unless an entry with the same clientId is already in
// the log. The matching pending entry is removed in the same transaction
// either way. It reports whether the log grew.
func (e *Engine) Ingest(msg *store.Message) (bool, error) {
	inserted, err := e.db.IngestConfirmed(msg)
	if err != nil {
		return false, fmt.Errorf("ingest %s: %w", msg.ID, err)
	}
	if !inserted {
		e.logger.Debug("duplicate message ignored",
			zap.String("id", msg.ID), zap.String("client_id", msg.ClientID))
		return false, nil
	}

	if e.maxMessages > 0 {
		removed, err := e.db.TrimMessages(e.maxMessages)
		if err != nil {
			e.logger.Warn("failed to trim message log", zap.Error(err))
		} else if removed > 0 {
			e.logger.Debug("message log trimmed", zap.Int64("removed", removed))
		}
	}

	e.bus.Emit(bus.KindConfirmed, bus.MessageRef{ClientID: msg.ClientID, ID: msg.ID})
	return true, nil
}

// Messages returns the log in arrival order.
func (e *Engine) Messages() ([]store.Message, error) {
	return e.db.ListMessages()
}

// Count returns the number of messages in the log.
func (e *Engine) Count() (int, error) {
	return e.db.CountMessages()
}

// Contains reports whether a message with clientID is in the log.
func (e *Engine) Contains(clientID string) (bool, error) {
	return e.db.HasMessage(clientID)
}
