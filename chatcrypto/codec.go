package chatcrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"time"
	"unicode/utf8"
)

var (
	// ErrMalformedPayload is returned when input matches neither wire shape.
	ErrMalformedPayload = errors.New("chatcrypto: malformed payload")
	// ErrAuthenticationFailed is returned when a tag, MAC or signature does not verify.
	ErrAuthenticationFailed = errors.New("chatcrypto: authentication failed")
	// ErrReplayTooOld is returned when an authenticated timestamp is outside the freshness window.
	ErrReplayTooOld = errors.New("chatcrypto: message outside freshness window")
	// ErrNoKeyDecrypts is returned by a KeyRing when every retained key failed.
	ErrNoKeyDecrypts = errors.New("chatcrypto: no key decrypts message")
	// ErrInvalidKey is returned for empty or wrongly sized key material.
	ErrInvalidKey = errors.New("chatcrypto: invalid key")
	// ErrInvalidPublicKey is returned when a peer public key is not a valid P-256 point.
	ErrInvalidPublicKey = errors.New("chatcrypto: invalid public key")
	// ErrInvalidPlaintext is returned when text to seal or sign is not valid UTF-8.
	ErrInvalidPlaintext = errors.New("chatcrypto: plaintext is not valid UTF-8")
)

// Format identifies the wire encoding of a payload or signature.
type Format int

const (
	FormatUnknown Format = iota
	FormatLegacy
	FormatCurrent
)

func (f Format) String() string {
	switch f {
	case FormatLegacy:
		return "legacy"
	case FormatCurrent:
		return "current"
	default:
		return "unknown"
	}
}

// DefaultMaxAge is the freshness window applied to current-format messages
// and signatures.
const DefaultMaxAge = 5 * time.Minute

// Policy controls the checks that the legacy deployment computed but did
// not always enforce.
type Policy struct {
	// MaxAge bounds how far an authenticated timestamp may drift from now.
	MaxAge time.Duration
	// EnforceFreshness turns a stale timestamp into ErrReplayTooOld. When
	// false the result is returned with Stale set.
	EnforceFreshness bool
	// RequireLegacyMAC turns a legacy HMAC mismatch into
	// ErrAuthenticationFailed. When false the result carries MACMismatch.
	RequireLegacyMAC bool
}

// DefaultPolicy enforces freshness and surfaces legacy MAC mismatches.
func DefaultPolicy() Policy {
	return Policy{MaxAge: DefaultMaxAge, EnforceFreshness: true}
}

// Plaintext is a successfully opened payload.
type Plaintext struct {
	Content string
	// Timestamp is the sender clock embedded in current-format payloads;
	// zero for legacy.
	Timestamp time.Time
	Format    Format
	// MACMismatch reports a legacy payload whose HMAC did not verify.
	MACMismatch bool
	// Stale reports a timestamp outside the window when freshness is not enforced.
	Stale bool
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock overrides the time source used for timestamps and freshness.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// WithPolicy replaces the default Policy.
func WithPolicy(p Policy) Option {
	return func(c *Codec) { c.policy = p }
}

// Codec seals, opens, signs and verifies chat payloads. It holds no key
// state and is safe for concurrent use.
type Codec struct {
	now    func() time.Time
	policy Policy
}

// NewCodec returns a Codec with the default policy and wall clock.
func NewCodec(opts ...Option) *Codec {
	c := &Codec{now: time.Now, policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy.MaxAge <= 0 {
		c.policy.MaxAge = DefaultMaxAge
	}
	return c
}

// Policy returns the active policy.
func (c *Codec) Policy() Policy { return c.policy }

// fresh reports whether ts lies within MaxAge of now in either direction.
func (c *Codec) fresh(ts time.Time) bool {
	age := c.now().Sub(ts)
	if age < 0 {
		age = -age
	}
	return age <= c.policy.MaxAge
}

// checkText rejects strings that would not survive the JSON and UTF-8
// round trip through either wire format.
func checkText(s string) error {
	if !utf8.ValidString(s) {
		return ErrInvalidPlaintext
	}
	return nil
}

func checkKey(key []byte) error {
	if len(key) != KeySize {
		return ErrInvalidKey
	}
	return nil
}

func mac(key []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, key)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}
