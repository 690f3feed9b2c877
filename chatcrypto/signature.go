package chatcrypto

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Signature is a decoded message signature. The concrete type is
// *CurrentSignature or *LegacySignature.
type Signature interface {
	Format() Format
	isSignature()
}

// CurrentSignature is {signature, timestamp}: an HMAC over the JSON
// {message, timestamp} with the timestamp in Unix milliseconds.
type CurrentSignature struct {
	MAC       []byte
	Timestamp int64
}

func (*CurrentSignature) Format() Format { return FormatCurrent }
func (*CurrentSignature) isSignature()   {}

// LegacySignature is a bare hex HMAC-SHA256 over the message.
type LegacySignature struct {
	MAC []byte
}

func (*LegacySignature) Format() Format { return FormatLegacy }
func (*LegacySignature) isSignature()   {}

type signatureEnvelope struct {
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"`
}

type signedContent struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// ParseSignature decodes s, trying the JSON shape first and bare hex second.
func ParseSignature(s string) (Signature, error) {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") {
		var env signatureEnvelope
		if err := json.Unmarshal([]byte(trimmed), &env); err == nil && env.Signature != "" && env.Timestamp != 0 {
			m, err := hex.DecodeString(env.Signature)
			if err != nil || len(m) == 0 {
				return nil, ErrMalformedPayload
			}
			return &CurrentSignature{MAC: m, Timestamp: env.Timestamp}, nil
		}
	}
	m, err := hex.DecodeString(trimmed)
	if err != nil || len(m) == 0 {
		return nil, ErrMalformedPayload
	}
	return &LegacySignature{MAC: m}, nil
}

// Sign produces a current-format signature over message.
func (c *Codec) Sign(message string, key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := checkText(message); err != nil {
		return "", err
	}
	ts := c.now().UnixMilli()
	body, err := json.Marshal(signedContent{Message: message, Timestamp: ts})
	if err != nil {
		return "", fmt.Errorf("chatcrypto: marshal signed content: %w", err)
	}
	out, err := json.Marshal(signatureEnvelope{Signature: hex.EncodeToString(mac(key, body)), Timestamp: ts})
	if err != nil {
		return "", fmt.Errorf("chatcrypto: marshal signature: %w", err)
	}
	return string(out), nil
}

// SignLegacy produces a bare hex HMAC over message.
func (c *Codec) SignLegacy(message string, key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := checkText(message); err != nil {
		return "", err
	}
	return hex.EncodeToString(mac(key, []byte(message))), nil
}

// CheckSignature verifies signature over message under key. Current-format
// signatures outside the freshness window fail with ErrReplayTooOld when the
// policy enforces freshness.
func (c *Codec) CheckSignature(message, signature string, key []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	sig, err := ParseSignature(signature)
	if err != nil {
		return err
	}
	switch v := sig.(type) {
	case *CurrentSignature:
		body, err := json.Marshal(signedContent{Message: message, Timestamp: v.Timestamp})
		if err != nil {
			return fmt.Errorf("chatcrypto: marshal signed content: %w", err)
		}
		if !hmac.Equal(mac(key, body), v.MAC) {
			return ErrAuthenticationFailed
		}
		if c.policy.EnforceFreshness && !c.fresh(time.UnixMilli(v.Timestamp)) {
			return ErrReplayTooOld
		}
		return nil
	case *LegacySignature:
		if !hmac.Equal(mac(key, []byte(message)), v.MAC) {
			return ErrAuthenticationFailed
		}
		return nil
	default:
		return ErrMalformedPayload
	}
}

// Verify reports whether signature is valid for message under key.
func (c *Codec) Verify(message, signature string, key []byte) bool {
	return c.CheckSignature(message, signature, key) == nil
}
