// Package validation checks inbound event payloads before any session logic
// runs.
package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/codleed/ephemeral-chat/chatcrypto"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/sessions"
)

// FieldError names the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrInvalid matches every *FieldError via errors.Is.
var ErrInvalid = errors.New("validation failed")

func (e *FieldError) Is(target error) bool { return target == ErrInvalid }

func invalid(field, format string, args ...any) error {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Event validates payload for event and returns the decoded request, or nil
// for events that take no input. Unknown events pass through with (nil, nil).
func Event(event string, payload json.RawMessage) (any, error) {
	switch event {
	case wire.EventJoinSession:
		var req wire.JoinSessionRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return &req, JoinSession(&req)
	case wire.EventSendMessage:
		var req wire.SendMessageRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return &req, SendMessage(&req)
	case wire.EventSetSessionKey:
		var req wire.SetSessionKeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return &req, SetSessionKey(&req)
	case wire.EventRevokeSession:
		var req wire.RevokeSessionRequest
		if len(bytes.TrimSpace(payload)) > 0 && !bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
			if err := decode(payload, &req); err != nil {
				return nil, err
			}
		}
		return &req, RevokeSession(&req)
	default:
		return nil, nil
	}
}

// decode requires payload to be a JSON object. Type mismatches are reported
// against the field that caused them.
func decode(payload json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return invalid("payload", "must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, dst); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) && te.Field != "" {
			return invalid(te.Field, "must be a %s", te.Type.Kind())
		}
		return invalid("payload", "malformed JSON")
	}
	return nil
}

// JoinSession checks the code's shape. Codes are matched exactly; clients
// that accept typed input upper-case it before sending.
func JoinSession(req *wire.JoinSessionRequest) error {
	if req.Code == "" {
		return invalid("code", "is required")
	}
	if !sessions.ValidCode(req.Code) {
		return invalid("code", "must be %d characters A-Z or 0-9", sessions.CodeLength)
	}
	return nil
}

// SendMessage checks lengths and that both fields parse as one of the known
// wire shapes. The contents stay opaque.
func SendMessage(req *wire.SendMessageRequest) error {
	if req.EncryptedContent == "" {
		return invalid("encryptedContent", "is required")
	}
	if n := utf8.RuneCountInString(req.EncryptedContent); n > wire.MaxEncryptedContentLen {
		return invalid("encryptedContent", "exceeds %d characters", wire.MaxEncryptedContentLen)
	}
	if _, err := chatcrypto.ParsePayload(req.EncryptedContent); err != nil {
		return invalid("encryptedContent", "is not a recognised encrypted payload")
	}
	if req.Signature == "" {
		return nil
	}
	if n := utf8.RuneCountInString(req.Signature); n > wire.MaxSignatureLen {
		return invalid("signature", "exceeds %d characters", wire.MaxSignatureLen)
	}
	if _, err := chatcrypto.ParseSignature(req.Signature); err != nil {
		return invalid("signature", "is not a recognised signature")
	}
	return nil
}

func SetSessionKey(req *wire.SetSessionKeyRequest) error {
	n := utf8.RuneCountInString(req.SessionKey)
	if n == 0 {
		return invalid("sessionKey", "is required")
	}
	if n < wire.MinSessionKeyLen || n > wire.MaxSessionKeyLen {
		return invalid("sessionKey", "must be between %d and %d characters", wire.MinSessionKeyLen, wire.MaxSessionKeyLen)
	}
	return nil
}

func RevokeSession(req *wire.RevokeSessionRequest) error {
	req.Reason = strings.TrimSpace(req.Reason)
	if utf8.RuneCountInString(req.Reason) > wire.MaxRevokeReasonLen {
		return invalid("reason", "exceeds %d characters", wire.MaxRevokeReasonLen)
	}
	return nil
}
