package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Request is an inbound named event.
type Request struct {
	ID      *RequestID      `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON rejects frames without an event name.
func (r *Request) UnmarshalJSON(data []byte) error {
	type raw Request
	var v raw
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if v.Event == "" {
		return errors.New("request is missing event")
	}
	*r = Request(v)
	return nil
}

// Reply answers exactly one Request.
type Reply struct {
	ID     *RequestID      `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewResultReply builds a successful reply.
func NewResultReply(id *RequestID, result any) (*Reply, error) {
	b, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return &Reply{ID: id, OK: true, Result: b}, nil
}

// NewErrorReply builds a failed reply.
func NewErrorReply(id *RequestID, e *Error) *Reply {
	return &Reply{ID: id, Error: e}
}

// Notification is a server-initiated event delivered to one connection.
type Notification struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    time.Time       `json:"at"`
}

// NewNotification marshals data into a notification stamped with at.
func NewNotification(event string, data any, at time.Time) (*Notification, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal notification data: %w", err)
	}
	return &Notification{Event: event, Data: b, At: at}, nil
}

// Frame types used by bidirectional transports that multiplex replies and
// notifications on one stream.
const (
	FrameReply        = "reply"
	FrameNotification = "notification"
)

// Frame wraps an outbound message with its type.
type Frame struct {
	Type         string        `json:"type"`
	Reply        *Reply        `json:"reply,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}
