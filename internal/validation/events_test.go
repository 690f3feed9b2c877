package validation

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/codleed/ephemeral-chat/chatcrypto"
	"github.com/codleed/ephemeral-chat/internal/wire"
)

func sealed(t *testing.T, legacy bool) string {
	t.Helper()
	material, _ := chatcrypto.GenerateSessionKey()
	key, _ := chatcrypto.KeyFromMaterial(material)
	c := chatcrypto.NewCodec()
	var (
		out string
		err error
	)
	if legacy {
		out, err = c.EncryptLegacy("hi", key)
	} else {
		out, err = c.Encrypt("hi", key)
	}
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	return out
}

func payload(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestEventValidation(t *testing.T) {
	current := sealed(t, false)
	legacy := sealed(t, true)

	tests := []struct {
		name    string
		event   string
		payload json.RawMessage
		field   string
	}{
		{"join ok", wire.EventJoinSession, payload(t, map[string]string{"code": "AB12CD"}), ""},
		{"join lower case", wire.EventJoinSession, payload(t, map[string]string{"code": "ab12cd"}), "code"},
		{"join padded", wire.EventJoinSession, payload(t, map[string]string{"code": "AB12CD "}), "code"},
		{"join missing", wire.EventJoinSession, json.RawMessage(`{}`), "code"},
		{"join bad shape", wire.EventJoinSession, payload(t, map[string]string{"code": "ABC"}), "code"},
		{"join wrong type", wire.EventJoinSession, json.RawMessage(`{"code":123456}`), "code"},
		{"join no payload", wire.EventJoinSession, nil, "payload"},
		{"send current", wire.EventSendMessage, payload(t, map[string]string{"encryptedContent": current}), ""},
		{"send legacy", wire.EventSendMessage, payload(t, map[string]string{"encryptedContent": legacy}), ""},
		{"send missing", wire.EventSendMessage, json.RawMessage(`{}`), "encryptedContent"},
		{"send garbage", wire.EventSendMessage, payload(t, map[string]string{"encryptedContent": "hello"}), "encryptedContent"},
		{"send too long", wire.EventSendMessage, payload(t, map[string]string{"encryptedContent": strings.Repeat("a", 20001)}), "encryptedContent"},
		{"send current signature", wire.EventSendMessage, payload(t, map[string]string{
			"encryptedContent": current,
			"signature":        `{"signature":"abcd","timestamp":1700000000000}`,
		}), ""},
		{"send legacy signature", wire.EventSendMessage, payload(t, map[string]string{
			"encryptedContent": current,
			"signature":        strings.Repeat("ab", 32),
		}), ""},
		{"send bad signature", wire.EventSendMessage, payload(t, map[string]string{
			"encryptedContent": current,
			"signature":        "not hex",
		}), "signature"},
		{"key ok", wire.EventSetSessionKey, payload(t, map[string]string{"sessionKey": strings.Repeat("k", 64)}), ""},
		{"key short", wire.EventSetSessionKey, payload(t, map[string]string{"sessionKey": "short"}), "sessionKey"},
		{"key long", wire.EventSetSessionKey, payload(t, map[string]string{"sessionKey": strings.Repeat("k", 257)}), "sessionKey"},
		{"revoke empty", wire.EventRevokeSession, nil, ""},
		{"revoke long", wire.EventRevokeSession, payload(t, map[string]string{"reason": strings.Repeat("r", 201)}), "reason"},
		{"no input event", wire.EventCreateSession, json.RawMessage(`"ignored"`), ""},
		{"unknown event", "dance", json.RawMessage(`not even json`), ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Event(tc.event, tc.payload)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fe *FieldError
			if !errors.As(err, &fe) {
				t.Fatalf("expected *FieldError, got %v", err)
			}
			if fe.Field != tc.field {
				t.Fatalf("field = %q, want %q (%v)", fe.Field, tc.field, err)
			}
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("FieldError should match ErrInvalid")
			}
		})
	}
}

func TestJoinKeepsCodeVerbatim(t *testing.T) {
	req, err := Event(wire.EventJoinSession, json.RawMessage(`{"code":"AB12CD"}`))
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	if got := req.(*wire.JoinSessionRequest).Code; got != "AB12CD" {
		t.Fatalf("code = %q", got)
	}
	if _, err := Event(wire.EventJoinSession, json.RawMessage(`{"code":" ab12cd "}`)); err == nil {
		t.Fatal("lower-case padded code accepted")
	}
}
