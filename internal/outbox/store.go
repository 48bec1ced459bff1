// Package outbox tracks locally originated messages until the server
// confirms them, and retransmits them within a fixed retry budget.
package outbox

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/geochat/internal/bus"
	"github.com/matheus3301/geochat/internal/store"
)

// MaxRetries is the number of failed sends after which a message is marked
// failed and left for an explicit resend.
const MaxRetries = 5

// Store is the pending message store of one chat session.
type Store struct {
	db  *store.DB
	bus *bus.Bus
	now func() time.Time
}

// NewStore creates a pending store backed by db.
func NewStore(db *store.DB, b *bus.Bus) *Store {
	return &Store{db: db, bus: b, now: time.Now}
}

// Add queues a new message under a fresh clientId and returns the id.
func (s *Store) Add(content string, loc store.Location, sender store.Sender) (string, error) {
	p := &store.PendingMessage{
		ClientID: uuid.NewString(),
		Content:  content,
		Sender:   sender,
		Location: loc,
		SentAt:   s.now().UTC(),
	}
	if err := s.db.InsertPending(p); err != nil {
		return "", fmt.Errorf("queue message: %w", err)
	}
	s.bus.Emit(bus.KindQueued, bus.MessageRef{ClientID: p.ClientID})
	return p.ClientID, nil
}

// Get returns the entry for clientID, or nil if there is none.
func (s *Store) Get(clientID string) (*store.PendingMessage, error) {
	return s.db.GetPending(clientID)
}

// List returns all entries in insertion order.
func (s *Store) List() ([]store.PendingMessage, error) {
	return s.db.ListPending()
}

// Replayable returns entries that are neither failed nor succeeded.
func (s *Store) Replayable() ([]store.PendingMessage, error) {
	return s.db.ReplayablePending()
}

// MarkAttempt records that the message left the client. It says nothing
// about server confirmation.
func (s *Store) MarkAttempt(clientID string) error {
	return s.db.MarkPendingSucceeded(clientID)
}

// MarkFailure counts a failed send and reports whether the retry budget is
// now spent.
func (s *Store) MarkFailure(clientID string) (bool, error) {
	p, err := s.db.MarkPendingFailure(clientID, MaxRetries, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark failure: %w", err)
	}
	if p == nil {
		return false, store.ErrNotFound
	}
	return p.Failed, nil
}

// Remove drops the entry for clientID.
func (s *Store) Remove(clientID string) error {
	return s.db.DeletePending(clientID)
}

// Resend makes an entry eligible for transmission again. The caller is
// responsible for retransmitting it.
func (s *Store) Resend(clientID string) (*store.PendingMessage, error) {
	p, err := s.db.ResetPendingForResend(clientID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("resend %s: %w", clientID, err)
	}
	return p, nil
}
