package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"
)

// ErrUnknownType is wrapped by a DecodeError for an unrecognised discriminant.
var ErrUnknownType = errors.New("unknown payload type")

// DecodeError reports an envelope that could not be decoded. Raw holds the
// bytes as received.
type DecodeError struct {
	Raw    []byte
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode envelope: %s: %v", e.Reason, e.Err)
	}
	return "decode envelope: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// isoTimestamp matches ISO-8601 date-times with optional fraction and zone.
var isoTimestamp = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)

// Encode serialises an envelope. Timestamps encode as RFC 3339.
func Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses a server envelope.
func Decode(data []byte) (*ServerEnvelope, error) {
	fields, payload, raw, err := envelopeTree(data)
	if err != nil {
		return nil, err
	}

	kind, _ := payload["type"].(string)
	var p ServerPayload
	switch ServerMessageType(kind) {
	case HandshakeResponse:
		p = &HandshakeResponsePayload{}
	case ChatMessageNotification:
		p = &ChatMessageNotificationPayload{}
	case ErrorResponse:
		p = &ErrorResponsePayload{}
	default:
		return nil, &DecodeError{Raw: data, Reason: fmt.Sprintf("payload type %q", kind), Err: ErrUnknownType}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &DecodeError{Raw: data, Reason: "bind " + kind, Err: err}
	}

	id, _ := fields["id"].(string)
	return &ServerEnvelope{ID: id, Payload: p, Fields: fields}, nil
}

// DecodeClient parses a client envelope. The chat server side and test
// servers use it.
func DecodeClient(data []byte) (*ClientEnvelope, error) {
	fields, payload, raw, err := envelopeTree(data)
	if err != nil {
		return nil, err
	}

	kind, _ := payload["type"].(string)
	var p ClientPayload
	switch ClientMessageType(kind) {
	case Handshake:
		p = &HandshakePayload{}
	case SendChatMessage:
		p = &SendChatMessagePayload{}
	case UpdateLocation:
		p = &UpdateLocationPayload{}
	default:
		return nil, &DecodeError{Raw: data, Reason: fmt.Sprintf("payload type %q", kind), Err: ErrUnknownType}
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, &DecodeError{Raw: data, Reason: "bind " + kind, Err: err}
	}

	id, _ := fields["id"].(string)
	token, _ := fields["token"].(string)
	return &ClientEnvelope{ID: id, Token: token, Payload: p}, nil
}

// DecodeValue parses any JSON document and revives its ISO-8601 string
// leaves. Numbers decode as json.Number.
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, &DecodeError{Raw: data, Reason: "malformed json", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &DecodeError{Raw: data, Reason: "trailing data after document"}
	}
	return Revive(v), nil
}

// Revive walks a generic JSON tree and replaces every ISO-8601 string with
// the time.Time it denotes. Maps and slices are rewritten in place.
func Revive(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			t[k] = Revive(child)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = Revive(child)
		}
		return t
	case string:
		if ts, ok := parseTimestamp(t); ok {
			return ts
		}
		return t
	default:
		return v
	}
}

func parseTimestamp(s string) (time.Time, bool) {
	m := isoTimestamp.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, false
	}
	if m[2] == "" {
		s += "Z"
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// envelopeTree returns the revived envelope, its revived payload and the
// payload bytes as received. Typed payloads bind from the raw bytes so string
// fields such as content are never rewritten by the revival pass.
func envelopeTree(data []byte) (map[string]any, map[string]any, json.RawMessage, error) {
	tree, err := DecodeValue(data)
	if err != nil {
		return nil, nil, nil, err
	}
	fields, ok := tree.(map[string]any)
	if !ok {
		return nil, nil, nil, &DecodeError{Raw: data, Reason: "envelope is not an object"}
	}
	payload, ok := fields["payload"].(map[string]any)
	if !ok {
		return nil, nil, nil, &DecodeError{Raw: data, Reason: "missing payload"}
	}
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, nil, &DecodeError{Raw: data, Reason: "malformed json", Err: err}
	}
	return fields, payload, env.Payload, nil
}

// Timestamp is a time.Time that decodes the ISO-8601 forms the revival pass
// accepts: optional fraction, and a missing zone read as UTC. An empty
// string or null leaves it zero.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	ts, ok := parseTimestamp(s)
	if !ok {
		return fmt.Errorf("invalid timestamp %q", s)
	}
	t.Time = ts
	return nil
}
