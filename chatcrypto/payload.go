package chatcrypto

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"strings"
)

const (
	legacyIVSize = 16
	nonceSize    = 12
	authTagSize  = 16
)

// Payload is a decoded encrypted message in one of the two wire formats.
// The concrete type is *CurrentPayload or *LegacyPayload.
type Payload interface {
	Format() Format
	isPayload()
}

// CurrentPayload is the JSON envelope {nonce, ciphertext, authTag}.
type CurrentPayload struct {
	Nonce      []byte
	Ciphertext []byte
	AuthTag    []byte
}

func (*CurrentPayload) Format() Format { return FormatCurrent }
func (*CurrentPayload) isPayload()     {}

// LegacyPayload is the colon-separated iv:ciphertext[:hmac] string.
type LegacyPayload struct {
	IV         []byte
	Ciphertext []byte
	// MAC is nil when the sender omitted the HMAC field.
	MAC []byte
}

func (*LegacyPayload) Format() Format { return FormatLegacy }
func (*LegacyPayload) isPayload()     {}

type currentEnvelope struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	AuthTag    string `json:"authTag"`
}

// ParsePayload decodes s, trying the current JSON shape first and the
// legacy colon form second.
func ParsePayload(s string) (Payload, error) {
	if p, ok, err := parseCurrent(s); ok || err != nil {
		return p, err
	}
	return parseLegacy(s)
}

// parseCurrent reports ok=false when s is not shaped like the JSON
// envelope, so the caller can fall back. A recognised envelope with
// undecodable fields is an error.
func parseCurrent(s string) (*CurrentPayload, bool, error) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return nil, false, nil
	}
	var env currentEnvelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, false, nil
	}
	if env.Nonce == "" || env.Ciphertext == "" || env.AuthTag == "" {
		return nil, false, nil
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil || len(nonce) != nonceSize {
		return nil, true, ErrMalformedPayload
	}
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil || len(ct) == 0 {
		return nil, true, ErrMalformedPayload
	}
	tag, err := base64.StdEncoding.DecodeString(env.AuthTag)
	if err != nil || len(tag) != authTagSize {
		return nil, true, ErrMalformedPayload
	}
	return &CurrentPayload{Nonce: nonce, Ciphertext: ct, AuthTag: tag}, true, nil
}

func parseLegacy(s string) (*LegacyPayload, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return nil, ErrMalformedPayload
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != legacyIVSize {
		return nil, ErrMalformedPayload
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(ct) == 0 || len(ct)%legacyIVSize != 0 {
		return nil, ErrMalformedPayload
	}
	p := &LegacyPayload{IV: iv, Ciphertext: ct}
	if len(parts) == 3 && parts[2] != "" {
		m, err := hex.DecodeString(parts[2])
		if err != nil {
			return nil, ErrMalformedPayload
		}
		p.MAC = m
	}
	return p, nil
}

// String re-encodes the payload in its own wire format.
func (p *CurrentPayload) String() string {
	b, _ := json.Marshal(currentEnvelope{
		Nonce:      base64.StdEncoding.EncodeToString(p.Nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(p.Ciphertext),
		AuthTag:    base64.StdEncoding.EncodeToString(p.AuthTag),
	})
	return string(b)
}

// String re-encodes the payload in its own wire format.
func (p *LegacyPayload) String() string {
	s := hex.EncodeToString(p.IV) + ":" + base64.StdEncoding.EncodeToString(p.Ciphertext)
	if p.MAC != nil {
		s += ":" + hex.EncodeToString(p.MAC)
	}
	return s
}
