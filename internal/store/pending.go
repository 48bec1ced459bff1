package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a clientId has no pending entry.
var ErrNotFound = errors.New("not found")

const pendingColumns = `client_id, content, sender_id, sender_username, lat, long, sent_at, retries, failed, succeeded`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPending(row rowScanner) (*PendingMessage, error) {
	var p PendingMessage
	var sentAt int64
	if err := row.Scan(&p.ClientID, &p.Content, &p.Sender.ID, &p.Sender.Username,
		&p.Location.Lat, &p.Location.Long, &sentAt, &p.Retries, &p.Failed, &p.Succeeded); err != nil {
		return nil, err
	}
	p.SentAt = time.Unix(0, sentAt).UTC()
	return &p, nil
}

// InsertPending stores a new pending message. A reused clientId is rejected
// by the UNIQUE constraint.
func (db *DB) InsertPending(p *PendingMessage) error {
	_, err := db.Exec(`
		INSERT INTO pending_messages (`+pendingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ClientID, p.Content, p.Sender.ID, p.Sender.Username,
		p.Location.Lat, p.Location.Long, p.SentAt.UnixNano(), p.Retries, p.Failed, p.Succeeded)
	return err
}

// GetPending returns the pending entry for clientID, or nil if absent.
func (db *DB) GetPending(clientID string) (*PendingMessage, error) {
	p, err := scanPending(db.QueryRow(`SELECT `+pendingColumns+` FROM pending_messages WHERE client_id = ?`, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListPending returns every pending entry in insertion order.
func (db *DB) ListPending() ([]PendingMessage, error) {
	return db.queryPending(`SELECT ` + pendingColumns + ` FROM pending_messages ORDER BY id ASC`)
}

// ReplayablePending returns entries that are neither failed nor succeeded,
// in insertion order.
func (db *DB) ReplayablePending() ([]PendingMessage, error) {
	return db.queryPending(`
		SELECT ` + pendingColumns + ` FROM pending_messages
		WHERE failed = 0 AND succeeded = 0
		ORDER BY id ASC`)
}

func (db *DB) queryPending(query string, args ...any) ([]PendingMessage, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PendingMessage
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// MarkPendingSucceeded records that the message left the client.
// Failed entries are left untouched.
func (db *DB) MarkPendingSucceeded(clientID string) error {
	_, err := db.Exec(`UPDATE pending_messages SET succeeded = 1 WHERE client_id = ? AND failed = 0`, clientID)
	return err
}

// MarkPendingFailure counts one failed attempt and flips the entry to failed
// once retries reaches maxRetries. It returns the updated entry, or nil if
// the clientId is unknown.
func (db *DB) MarkPendingFailure(clientID string, maxRetries int, at time.Time) (*PendingMessage, error) {
	// Right-hand side expressions see the pre-update row.
	_, err := db.Exec(`
		UPDATE pending_messages SET
			retries = retries + 1,
			sent_at = ?,
			succeeded = 0,
			failed = CASE WHEN retries + 1 >= ? THEN 1 ELSE 0 END
		WHERE client_id = ? AND failed = 0`,
		at.UnixNano(), maxRetries, clientID)
	if err != nil {
		return nil, err
	}
	return db.GetPending(clientID)
}

// ResetPendingForResend clears both flags, counts the attempt and refreshes
// sentAt. It returns ErrNotFound for an unknown clientId.
func (db *DB) ResetPendingForResend(clientID string, at time.Time) (*PendingMessage, error) {
	res, err := db.Exec(`
		UPDATE pending_messages SET failed = 0, succeeded = 0, retries = retries + 1, sent_at = ?
		WHERE client_id = ?`, at.UnixNano(), clientID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return db.GetPending(clientID)
}

// DeletePending removes an entry. Deleting an unknown clientId is a no-op.
func (db *DB) DeletePending(clientID string) error {
	_, err := db.Exec(`DELETE FROM pending_messages WHERE client_id = ?`, clientID)
	return err
}
