package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// DedupeKey is the log's uniqueness key: the clientId, or the server id
// when a notification carries no clientId.
func DedupeKey(m *Message) string {
	if m.ClientID != "" {
		return m.ClientID
	}
	return "id:" + m.ID
}

// IngestConfirmed appends m to the log unless its dedupe key is already
// present, and drops the matching pending entry in the same transaction.
// It reports whether a row was appended; on success m.Seq is set.
func (db *DB) IngestConfirmed(m *Message) (bool, error) {
	tx, err := db.Begin()
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var distance sql.NullFloat64
	if !math.IsNaN(m.DistanceInMeters) {
		distance = sql.NullFloat64{Float64: m.DistanceInMeters, Valid: true}
	}

	res, err := tx.Exec(`
		INSERT INTO messages (id, dedupe_key, client_id, sender_id, sender_username, sent_at, received_at, content, lat, long, distance_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		m.ID, DedupeKey(m), m.ClientID, m.Sender.ID, m.Sender.Username,
		nullTime(m.SentAt), nullTime(m.ReceivedAt), m.Content,
		m.Location.Lat, m.Location.Long, distance)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		if m.Seq, err = res.LastInsertId(); err != nil {
			return false, err
		}
	}

	if m.ClientID != "" {
		if _, err := tx.Exec(`DELETE FROM pending_messages WHERE client_id = ?`, m.ClientID); err != nil {
			return false, fmt.Errorf("delete pending: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return n > 0, nil
}

// nullTime stores the zero time as NULL; its UnixNano is out of range.
func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(0, v.Int64).UTC()
}

// HasMessage reports whether the log holds an entry with this clientId.
func (db *DB) HasMessage(clientID string) (bool, error) {
	var exists bool
	err := db.QueryRow(`SELECT EXISTS(SELECT 1 FROM messages WHERE client_id = ?)`, clientID).Scan(&exists)
	return exists, err
}

// ListMessages returns the log in arrival order.
func (db *DB) ListMessages() ([]Message, error) {
	rows, err := db.Query(`
		SELECT seq, id, client_id, sender_id, sender_username, sent_at, received_at, content, lat, long, distance_m
		FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var sentAt, receivedAt sql.NullInt64
		var distance sql.NullFloat64
		if err := rows.Scan(&m.Seq, &m.ID, &m.ClientID, &m.Sender.ID, &m.Sender.Username,
			&sentAt, &receivedAt, &m.Content, &m.Location.Lat, &m.Location.Long, &distance); err != nil {
			return nil, err
		}
		m.SentAt = fromNullTime(sentAt)
		m.ReceivedAt = fromNullTime(receivedAt)
		m.DistanceInMeters = math.NaN()
		if distance.Valid {
			m.DistanceInMeters = distance.Float64
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of log entries.
func (db *DB) CountMessages() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// TrimMessages keeps only the newest max entries. max <= 0 keeps everything.
func (db *DB) TrimMessages(max int) (int64, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := db.Exec(`
		DELETE FROM messages WHERE seq NOT IN (
			SELECT seq FROM messages ORDER BY seq DESC LIMIT ?
		)`, max)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
