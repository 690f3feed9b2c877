package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codleed/ephemeral-chat/chatcrypto"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/sessions"
)

// UndecryptablePlaceholder is shown in place of a message no retained key
// opens.
const UndecryptablePlaceholder = "[unable to decrypt message]"

var (
	// ErrNoSession is returned by room operations outside a session.
	ErrNoSession = errors.New("chatclient: not in a session")
	// ErrNoKey is returned by Send before a session key has arrived.
	ErrNoKey = errors.New("chatclient: no session key yet")
)

// MessageState describes how far an incoming message could be trusted.
type MessageState int

const (
	// MessageDecrypted opened cleanly and its signature verified.
	MessageDecrypted MessageState = iota
	// MessageUnverified opened but its signature or legacy MAC did not verify.
	MessageUnverified
	// MessageUndecryptable could not be opened with any retained key.
	MessageUndecryptable
)

func (s MessageState) String() string {
	switch s {
	case MessageDecrypted:
		return "decrypted"
	case MessageUnverified:
		return "unverified"
	case MessageUndecryptable:
		return "undecryptable"
	default:
		return fmt.Sprintf("MessageState(%d)", int(s))
	}
}

// ChatMessage is a received message after decryption.
type ChatMessage struct {
	ID         string
	SenderID   string
	SenderName string
	Text       string
	Timestamp  time.Time
	State      MessageState
	// Err is the reason for a non-decrypted state.
	Err error
}

// RoomOption configures a Room.
type RoomOption func(*Room)

// WithCodec sets the codec used by the room's key ring.
func WithCodec(codec *chatcrypto.Codec) RoomOption {
	return func(r *Room) { r.ring = chatcrypto.NewKeyRing(codec) }
}

// WithKeySource overrides session key generation.
func WithKeySource(fn func() (string, error)) RoomOption {
	return func(r *Room) { r.newKey = fn }
}

// Room is a client's view of one session: membership plus the key ring
// used to encrypt outgoing and decrypt incoming messages.
type Room struct {
	c      *Client
	ring   *chatcrypto.KeyRing
	newKey func() (string, error)

	mu      sync.RWMutex
	code    string
	alias   string
	creator bool
}

// NewRoom returns a Room driving c.
func NewRoom(c *Client, opts ...RoomOption) *Room {
	r := &Room{
		c:      c,
		ring:   chatcrypto.NewKeyRing(nil),
		newKey: chatcrypto.GenerateSessionKey,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Code returns the current session code, or "".
func (r *Room) Code() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.code
}

// Alias returns this participant's alias in the current session.
func (r *Room) Alias() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alias
}

// IsCreator reports whether this client created the current session.
func (r *Room) IsCreator() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.creator
}

// Keys exposes the ring for inspection.
func (r *Room) Keys() *chatcrypto.KeyRing { return r.ring }

// Create starts a session, generates its first key and distributes it.
func (r *Room) Create(ctx context.Context) (string, error) {
	res, err := r.c.CreateSession(ctx)
	if err != nil {
		return "", err
	}
	r.ring.Reset()
	r.mu.Lock()
	r.code, r.alias, r.creator = res.Code, res.Alias, true
	r.mu.Unlock()
	if err := r.Rotate(ctx); err != nil {
		return "", err
	}
	return res.Code, nil
}

// Join enters the session with code. The key arrives with the reply when the
// creator has set one, otherwise later as a session-key-updated notification.
func (r *Room) Join(ctx context.Context, code string) error {
	res, err := r.c.JoinSession(ctx, code)
	if err != nil {
		return err
	}
	r.ring.Reset()
	if res.SessionKey != "" {
		r.ring.Rotate(res.SessionKey)
	}
	r.mu.Lock()
	r.code, r.alias, r.creator = res.Code, res.Alias, res.CreatorID == r.c.ConnectionID()
	r.mu.Unlock()
	return nil
}

// Rotate generates a new key, distributes it and installs it locally. The
// previous key stays in the ring so in-flight messages still open.
func (r *Room) Rotate(ctx context.Context) error {
	if r.Code() == "" {
		return ErrNoSession
	}
	key, err := r.newKey()
	if err != nil {
		return fmt.Errorf("chatclient: generate session key: %w", err)
	}
	if _, err := r.c.SetSessionKey(ctx, key); err != nil {
		return err
	}
	r.ring.Rotate(key)
	r.c.log.InfoContext(ctx, "client.key.rotate", slog.String("code", r.Code()))
	return nil
}

// Send encrypts and signs text under the current key and relays it.
func (r *Room) Send(ctx context.Context, text string) (*wire.SendMessageResult, error) {
	if r.Code() == "" {
		return nil, ErrNoSession
	}
	if r.ring.Current() == "" {
		return nil, ErrNoKey
	}
	enc, err := r.ring.Encrypt(text)
	if err != nil {
		return nil, fmt.Errorf("chatclient: encrypt: %w", err)
	}
	sig, err := r.ring.Sign(text)
	if err != nil {
		return nil, fmt.Errorf("chatclient: sign: %w", err)
	}
	return r.c.SendMessage(ctx, enc, sig)
}

// Leave exits the session and forgets its keys.
func (r *Room) Leave(ctx context.Context) error {
	err := r.c.LeaveSession(ctx)
	r.reset()
	return err
}

func (r *Room) reset() {
	r.ring.Reset()
	r.mu.Lock()
	r.code, r.alias, r.creator = "", "", false
	r.mu.Unlock()
}

// Open decrypts a relayed message. It never fails: a message no key opens is
// returned with the placeholder text and MessageUndecryptable.
func (r *Room) Open(m *sessions.Message) *ChatMessage {
	out := &ChatMessage{
		ID:         m.ID,
		SenderID:   m.Sender,
		SenderName: m.SenderName,
		Timestamp:  m.Timestamp,
	}
	pt, err := r.ring.Decrypt(m.EncryptedContent)
	if err != nil {
		out.Text = UndecryptablePlaceholder
		out.State = MessageUndecryptable
		out.Err = err
		return out
	}
	out.Text = pt.Content
	switch {
	case pt.MACMismatch:
		out.State = MessageUnverified
		out.Err = chatcrypto.ErrAuthenticationFailed
	case m.Signature != "" && !r.ring.Verify(pt.Content, m.Signature):
		out.State = MessageUnverified
		out.Err = chatcrypto.ErrAuthenticationFailed
	default:
		out.State = MessageDecrypted
	}
	return out
}

// Apply folds a notification into the room state and returns its decoded
// payload: *ChatMessage for new-message, and the sessions payload type for
// the rest. Key updates are installed into the ring; session-ended resets
// the room.
func (r *Room) Apply(ctx context.Context, n *wire.Notification) (any, error) {
	switch n.Event {
	case sessions.EventNewMessage:
		var m sessions.Message
		if err := json.Unmarshal(n.Data, &m); err != nil {
			return nil, fmt.Errorf("chatclient: decode %s: %w", n.Event, err)
		}
		msg := r.Open(&m)
		if msg.State != MessageDecrypted {
			r.c.log.WarnContext(ctx, "client.message.degraded",
				slog.String("id", msg.ID),
				slog.String("state", msg.State.String()),
				slog.String("err", msg.Err.Error()),
			)
		}
		return msg, nil
	case sessions.EventSessionKeyUpdated:
		var k sessions.KeyUpdate
		if err := json.Unmarshal(n.Data, &k); err != nil {
			return nil, fmt.Errorf("chatclient: decode %s: %w", n.Event, err)
		}
		r.ring.Rotate(k.SessionKey)
		return &k, nil
	case sessions.EventSessionEnded:
		var e sessions.SessionEnded
		if err := json.Unmarshal(n.Data, &e); err != nil {
			return nil, fmt.Errorf("chatclient: decode %s: %w", n.Event, err)
		}
		r.reset()
		return &e, nil
	case sessions.EventParticipantJoined, sessions.EventParticipantLeft:
		var u sessions.RosterUpdate
		if err := json.Unmarshal(n.Data, &u); err != nil {
			return nil, fmt.Errorf("chatclient: decode %s: %w", n.Event, err)
		}
		return &u, nil
	case sessions.EventKeyRotationDue:
		var d sessions.RotationDue
		if err := json.Unmarshal(n.Data, &d); err != nil {
			return nil, fmt.Errorf("chatclient: decode %s: %w", n.Event, err)
		}
		return &d, nil
	default:
		return n.Data, nil
	}
}
