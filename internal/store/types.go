package store

import "time"

// Sender identifies the author of a chat message.
type Sender struct {
	ID       string
	Username string
}

// Location is a point-in-time position snapshot. It is replaced, never mutated.
type Location struct {
	Lat  float64
	Long float64
}

// Message is a server-confirmed chat message.
type Message struct {
	Seq              int64 // arrival order within the session
	ID               string
	ClientID         string
	Sender           Sender
	SentAt           time.Time
	ReceivedAt       time.Time
	Content          string
	Location         Location
	DistanceInMeters float64 // NaN when the viewer position was unknown at receipt
}

// PendingMessage is a locally originated message awaiting server confirmation.
type PendingMessage struct {
	ClientID  string
	Content   string
	Sender    Sender
	Location  Location
	SentAt    time.Time // most recent send attempt
	Retries   int
	Failed    bool
	Succeeded bool // left the client; not yet confirmed
}

// Pending reports whether the message is still waiting for its first successful send.
func (p *PendingMessage) Pending() bool {
	return !p.Failed && !p.Succeeded
}
