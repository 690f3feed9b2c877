package wire

import "time"

// Inbound event names.
const (
	EventCreateSession = "create-session"
	EventJoinSession   = "join-session"
	EventSendMessage   = "send-message"
	EventSetSessionKey = "set-session-key"
	EventLeaveSession  = "leave-session"
	EventEndSession    = "end-session"
	EventRotateKey     = "rotate-key"
	EventRevokeSession = "revoke-session"
	EventSessionInfo   = "session-info"
)

// Events lists every inbound event name in a stable order.
var Events = []string{
	EventCreateSession,
	EventJoinSession,
	EventSendMessage,
	EventSetSessionKey,
	EventLeaveSession,
	EventEndSession,
	EventRotateKey,
	EventRevokeSession,
	EventSessionInfo,
}

// Field limits applied by validation.
const (
	MaxEncryptedContentLen = 20000
	MaxSignatureLen        = 10000
	MinSessionKeyLen       = 32
	MaxSessionKeyLen       = 256
	MaxRevokeReasonLen     = 200
)

type JoinSessionRequest struct {
	Code string `json:"code" jsonschema:"pattern=^[A-Z0-9]{6}$"`
}

type SendMessageRequest struct {
	EncryptedContent string `json:"encryptedContent" jsonschema:"minLength=1,maxLength=20000"`
	Signature        string `json:"signature,omitempty" jsonschema:"maxLength=10000"`
}

type SetSessionKeyRequest struct {
	SessionKey string `json:"sessionKey" jsonschema:"minLength=32,maxLength=256"`
}

type RevokeSessionRequest struct {
	Reason string `json:"reason,omitempty" jsonschema:"maxLength=200"`
}

type CreateSessionResult struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
	Alias     string    `json:"alias"`
}

type JoinSessionResult struct {
	Code       string    `json:"code"`
	CreatedAt  time.Time `json:"createdAt"`
	Alias      string    `json:"alias"`
	SessionKey string    `json:"sessionKey"`
	CreatorID  string    `json:"creatorId"`
}

type SendMessageResult struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
}

type SetSessionKeyResult struct {
	Rotated bool `json:"rotated"`
}

type RotateKeyResult struct {
	Message string `json:"message"`
}

// Empty is the result of events that only acknowledge.
type Empty struct{}

type SessionInfoResult struct {
	Code             string    `json:"code"`
	CreatedAt        time.Time `json:"createdAt"`
	ExpiresAt        time.Time `json:"expiresAt"`
	Alias            string    `json:"alias"`
	IsCreator        bool      `json:"isCreator"`
	ParticipantCount int       `json:"participantCount"`
	Participants     []string  `json:"participants"`
	RotationDue      bool      `json:"rotationDue"`
}

// ConnectResult is returned by transports that issue connection tokens.
type ConnectResult struct {
	ConnectionID string    `json:"connectionId"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
}
