package bus

import "time"

// Event kinds published by the chat engine.
const (
	KindStatusChanged = "session.status_changed"
	KindSessionError  = "session.error"
	KindLoggedOut     = "session.logged_out"
	KindPosition      = "session.position"

	KindConfirmed  = "message.confirmed"
	KindQueued     = "message.queued"
	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// MessageRef identifies the message an event is about.
type MessageRef struct {
	ClientID string
	ID       string
	Retries  int
}
