// Package protocol implements the JSON wire format spoken with the chat
// server: typed envelopes, payload discriminants and a decoder that revives
// ISO-8601 strings into timestamps.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ClientMessageType discriminates client→server payloads.
type ClientMessageType string

const (
	Handshake       ClientMessageType = "Handshake"
	SendChatMessage ClientMessageType = "SendChatMessage"
	UpdateLocation  ClientMessageType = "UpdateLocation"
)

// ServerMessageType discriminates server→client payloads.
type ServerMessageType string

const (
	HandshakeResponse       ServerMessageType = "HandshakeResponse"
	ChatMessageNotification ServerMessageType = "ChatMessageNotification"
	ErrorResponse           ServerMessageType = "ErrorResponse"
)

// Position is a point on the wire.
type Position struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Sender is the author of a chat message on the wire.
type Sender struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// ClientPayload is implemented by every client→server payload.
type ClientPayload interface {
	ClientType() ClientMessageType
}

// ServerPayload is implemented by every server→client payload.
type ServerPayload interface {
	ServerType() ServerMessageType
}

// ClientEnvelope wraps one client→server payload.
type ClientEnvelope struct {
	ID      string        `json:"id"`
	Token   string        `json:"token,omitempty"`
	Payload ClientPayload `json:"payload"`
}

// ServerEnvelope wraps one server→client payload. Fields holds the whole
// decoded envelope with ISO-8601 strings revived to time.Time.
type ServerEnvelope struct {
	ID      string         `json:"id"`
	Payload ServerPayload  `json:"payload"`
	Fields  map[string]any `json:"-"`
}

type HandshakePayload struct {
	Type     ClientMessageType `json:"type"`
	Position Position          `json:"position"`
	Radius   float64           `json:"radius"`
}

func (p *HandshakePayload) ClientType() ClientMessageType { return Handshake }

type SendChatMessagePayload struct {
	Type     ClientMessageType `json:"type"`
	ClientID string            `json:"clientId"`
	Content  string            `json:"content"`
	Position Position          `json:"position"`
	SentAt   time.Time         `json:"sentAt"`
}

func (p *SendChatMessagePayload) ClientType() ClientMessageType { return SendChatMessage }

type UpdateLocationPayload struct {
	Type     ClientMessageType `json:"type"`
	Position Position          `json:"position"`
	Radius   float64           `json:"radius"`
}

func (p *UpdateLocationPayload) ClientType() ClientMessageType { return UpdateLocation }

type HandshakeResponsePayload struct {
	Type  ServerMessageType `json:"type"`
	Error string            `json:"error,omitempty"`
}

func (p *HandshakeResponsePayload) ServerType() ServerMessageType { return HandshakeResponse }

// ChatMessage is a server-confirmed message as broadcast to every client in range.
// A missing receivedAt decodes as the zero time.
type ChatMessage struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientId"`
	Sender     Sender    `json:"sender"`
	SentAt     time.Time `json:"sentAt"`
	ReceivedAt time.Time `json:"receivedAt"`
	Content    string    `json:"content"`
	Position   Position  `json:"position"`
}

type ChatMessageNotificationPayload struct {
	Type    ServerMessageType `json:"type"`
	Message ChatMessage       `json:"message"`
}

// UnmarshalJSON accepts zone-less and fractional timestamps.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type plain ChatMessage
	var aux struct {
		plain
		SentAt     Timestamp `json:"sentAt"`
		ReceivedAt Timestamp `json:"receivedAt"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*m = ChatMessage(aux.plain)
	m.SentAt = aux.SentAt.Time
	m.ReceivedAt = aux.ReceivedAt.Time
	return nil
}

func (p *ChatMessageNotificationPayload) ServerType() ServerMessageType {
	return ChatMessageNotification
}

type ErrorResponsePayload struct {
	Type  ServerMessageType `json:"type"`
	Code  int               `json:"code"`
	Error string            `json:"error"`
}

func (p *ErrorResponsePayload) ServerType() ServerMessageType { return ErrorResponse }

// NewHandshake builds the first envelope sent on an open connection.
func NewHandshake(token string, pos Position, radius float64) *ClientEnvelope {
	return &ClientEnvelope{
		ID:    uuid.NewString(),
		Token: token,
		Payload: &HandshakePayload{
			Type:     Handshake,
			Position: pos,
			Radius:   radius,
		},
	}
}

// NewSendChatMessage builds a chat message envelope. The envelope id is the
// clientId so the server can correlate retransmissions.
func NewSendChatMessage(token, clientID, content string, pos Position, sentAt time.Time) *ClientEnvelope {
	return &ClientEnvelope{
		ID:    clientID,
		Token: token,
		Payload: &SendChatMessagePayload{
			Type:     SendChatMessage,
			ClientID: clientID,
			Content:  content,
			Position: pos,
			SentAt:   sentAt.UTC(),
		},
	}
}

// NewHandshakeResponse builds a server handshake reply; errMsg may be empty.
func NewHandshakeResponse(errMsg string) *ServerEnvelope {
	return &ServerEnvelope{
		ID:      uuid.NewString(),
		Payload: &HandshakeResponsePayload{Type: HandshakeResponse, Error: errMsg},
	}
}

// NewChatMessageNotification builds a server broadcast for msg.
func NewChatMessageNotification(msg ChatMessage) *ServerEnvelope {
	return &ServerEnvelope{
		ID:      uuid.NewString(),
		Payload: &ChatMessageNotificationPayload{Type: ChatMessageNotification, Message: msg},
	}
}

// NewErrorResponse builds a server error envelope.
func NewErrorResponse(code int, errMsg string) *ServerEnvelope {
	return &ServerEnvelope{
		ID:      uuid.NewString(),
		Payload: &ErrorResponsePayload{Type: ErrorResponse, Code: code, Error: errMsg},
	}
}
