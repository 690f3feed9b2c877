package sessions

import (
	"context"
	"errors"
	"time"
)

// Errors returned by the registry. NotFound, Expired, Idle, Revoked and Full
// are distinct here so callers can log the cause; the boundary collapses them.
var (
	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrIdle            = errors.New("session idle")
	ErrRevoked         = errors.New("session revoked")
	ErrFull            = errors.New("session full")
	ErrNotInSession    = errors.New("connection is not in a session")
	ErrCodeUnavailable = errors.New("could not allocate a unique session code")
)

// Session is a snapshot of a live session. Mutating it has no effect on the
// registry.
type Session struct {
	ID              string
	Code            string
	CreatorID       string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	LastActivity    time.Time
	KeyRotatedAt    time.Time
	SessionKey      string
	PreviousKeys    []string
	MaxParticipants int
	// Participants are ordered by join time; the creator is first.
	Participants []Participant
	// RotationDue reports that the rotation interval has elapsed since the
	// key was last set. The registry does not act on it.
	RotationDue bool
}

// Participant is one member of a session.
type Participant struct {
	ConnectionID string
	Alias        string
	IsCreator    bool
	JoinedAt     time.Time
}

// Participant returns the member with the given connection id.
func (s *Session) Participant(connID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.ConnectionID == connID {
			return p, true
		}
	}
	return Participant{}, false
}

// Aliases returns participant aliases in join order.
func (s *Session) Aliases() []string {
	out := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		out[i] = p.Alias
	}
	return out
}

// ConnectionIDs returns participant connection ids in join order.
func (s *Session) ConnectionIDs() []string {
	out := make([]string, len(s.Participants))
	for i, p := range s.Participants {
		out[i] = p.ConnectionID
	}
	return out
}

// IsCreator reports whether connID created the session.
func (s *Session) IsCreator(connID string) bool { return s.CreatorID == connID }

// EndReason explains a terminal transition.
type EndReason string

const (
	ReasonEnded       EndReason = "ended"
	ReasonCreatorLeft EndReason = "creator-left"
	ReasonEmpty       EndReason = "empty"
	ReasonExpired     EndReason = "expired"
	ReasonIdle        EndReason = "idle"
	ReasonRevoked     EndReason = "revoked"
)

// Message is the human-readable text sent with session-ended.
func (r EndReason) Message() string {
	switch r {
	case ReasonEnded:
		return "The session was ended by its creator"
	case ReasonCreatorLeft:
		return "The session creator left the session"
	case ReasonEmpty:
		return "All participants left the session"
	case ReasonExpired:
		return "The session has expired"
	case ReasonIdle:
		return "The session was closed due to inactivity"
	case ReasonRevoked:
		return "The session was revoked"
	default:
		return "The session ended"
	}
}

// Notice event names.
const (
	EventParticipantJoined = "participant-joined"
	EventParticipantLeft   = "participant-left"
	EventSessionEnded      = "session-ended"
	EventSessionKeyUpdated = "session-key-updated"
	EventKeyRotationDue    = "key-rotation-due"
	EventNewMessage        = "new-message"
)

// Notice is an outbound notification addressed to a set of connections.
// Data is one of the payload types below and is sent to clients as JSON.
type Notice struct {
	Event      string
	Recipients []string
	Data       any
}

// RosterUpdate accompanies participant-joined and participant-left.
type RosterUpdate struct {
	Code             string   `json:"code"`
	Alias            string   `json:"alias"`
	ParticipantCount int      `json:"participantCount"`
	Participants     []string `json:"participants"`
}

// SessionEnded accompanies session-ended.
type SessionEnded struct {
	Code    string    `json:"code"`
	Reason  EndReason `json:"reason"`
	Message string    `json:"message"`
}

// KeyUpdate accompanies session-key-updated.
type KeyUpdate struct {
	Code       string `json:"code"`
	SessionKey string `json:"sessionKey"`
	Rotated    bool   `json:"rotated"`
}

// RotationDue accompanies key-rotation-due.
type RotationDue struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	KeyRotatedAt time.Time `json:"keyRotatedAt"`
}

// Message is a relayed chat message. EncryptedContent and Signature are
// opaque to the server.
type Message struct {
	ID               string    `json:"id"`
	Sender           string    `json:"sender"`
	SenderName       string    `json:"senderName"`
	EncryptedContent string    `json:"encryptedContent"`
	Signature        string    `json:"signature,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notifier delivers notices. Implementations must not call back into the
// Registry.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}
