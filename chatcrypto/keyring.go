package chatcrypto

import (
	"errors"
	"fmt"
	"sync"
)

// PreviousKeyLimit is the number of superseded keys a KeyRing retains.
const PreviousKeyLimit = 3

// KeyRing holds the current session key and the most recent superseded
// keys, newest first. It is safe for concurrent use.
type KeyRing struct {
	codec *Codec

	mu       sync.RWMutex
	current  string
	previous []string
}

// NewKeyRing returns an empty ring. A nil codec uses NewCodec().
func NewKeyRing(codec *Codec) *KeyRing {
	if codec == nil {
		codec = NewCodec()
	}
	return &KeyRing{codec: codec}
}

// Current returns the active key material, or "" before the first key.
func (r *KeyRing) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Previous returns a copy of the retained superseded keys, newest first.
func (r *KeyRing) Previous() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.previous...)
}

// Rotate installs material as the current key and pushes the old current
// key onto the front of the previous ring, dropping the oldest beyond
// PreviousKeyLimit. Installing the key that is already current is a no-op.
func (r *KeyRing) Rotate(material string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if material == r.current {
		return
	}
	if r.current != "" {
		r.previous = append([]string{r.current}, r.previous...)
		if len(r.previous) > PreviousKeyLimit {
			r.previous = r.previous[:PreviousKeyLimit]
		}
	}
	r.current = material
}

// Reset forgets every key.
func (r *KeyRing) Reset() {
	r.mu.Lock()
	r.current = ""
	r.previous = nil
	r.mu.Unlock()
}

func (r *KeyRing) candidates() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, 1+len(r.previous))
	if r.current != "" {
		out = append(out, r.current)
	}
	return append(out, r.previous...)
}

func (r *KeyRing) currentKey() ([]byte, error) {
	cur := r.Current()
	if cur == "" {
		return nil, fmt.Errorf("%w: no current key", ErrInvalidKey)
	}
	return KeyFromMaterial(cur)
}

// Encrypt seals plaintext under the current key in the current format.
func (r *KeyRing) Encrypt(plaintext string) (string, error) {
	key, err := r.currentKey()
	if err != nil {
		return "", err
	}
	return r.codec.Encrypt(plaintext, key)
}

// Sign signs message under the current key in the current format.
func (r *KeyRing) Sign(message string) (string, error) {
	key, err := r.currentKey()
	if err != nil {
		return "", err
	}
	return r.codec.Sign(message, key)
}

// Decrypt tries the current key and then each previous key in recency
// order, stopping at the first clean success. A legacy result whose HMAC
// did not verify is kept only as a last resort in case a later key opens
// the payload cleanly. ErrMalformedPayload and ErrReplayTooOld end the
// search immediately; exhausting all keys yields ErrNoKeyDecrypts.
func (r *KeyRing) Decrypt(payload string) (*Plaintext, error) {
	p, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	var fallback *Plaintext
	for _, material := range r.candidates() {
		key, err := KeyFromMaterial(material)
		if err != nil {
			continue
		}
		out, err := r.codec.Open(p, key)
		switch {
		case err == nil && !out.MACMismatch:
			return out, nil
		case err == nil:
			if fallback == nil {
				fallback = out
			}
		case errors.Is(err, ErrReplayTooOld), errors.Is(err, ErrMalformedPayload):
			return nil, err
		}
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrNoKeyDecrypts
}

// Verify reports whether any retained key validates signature over message.
func (r *KeyRing) Verify(message, signature string) bool {
	for _, material := range r.candidates() {
		key, err := KeyFromMaterial(material)
		if err != nil {
			continue
		}
		if r.codec.Verify(message, signature, key) {
			return true
		}
	}
	return false
}
