package chatcrypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

type sealedContent struct {
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Encrypt seals plaintext in the current format.
func (c *Codec) Encrypt(plaintext string, key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := checkText(plaintext); err != nil {
		return "", err
	}
	body, err := json.Marshal(sealedContent{Content: plaintext, Timestamp: c.now().UnixMilli()})
	if err != nil {
		return "", fmt.Errorf("chatcrypto: marshal content: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("chatcrypto: nonce: %w", err)
	}
	stream, err := ctrStream(key, nonce)
	if err != nil {
		return "", err
	}
	ct := make([]byte, len(body))
	stream.XORKeyStream(ct, body)
	p := &CurrentPayload{Nonce: nonce, Ciphertext: ct, AuthTag: mac(key, nonce, ct)[:authTagSize]}
	return p.String(), nil
}

// EncryptLegacy seals plaintext in the legacy colon format.
func (c *Codec) EncryptLegacy(plaintext string, key []byte) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	if err := checkText(plaintext); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("chatcrypto: %w", err)
	}
	iv := make([]byte, legacyIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("chatcrypto: iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	p := &LegacyPayload{IV: iv, Ciphertext: ct, MAC: mac(key, []byte(plaintext))}
	return p.String(), nil
}

// Decrypt opens a payload in either format under a single key.
func (c *Codec) Decrypt(payload string, key []byte) (*Plaintext, error) {
	p, err := ParsePayload(payload)
	if err != nil {
		return nil, err
	}
	return c.Open(p, key)
}

// Open decrypts an already parsed payload.
func (c *Codec) Open(p Payload, key []byte) (*Plaintext, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	switch v := p.(type) {
	case *CurrentPayload:
		return c.openCurrent(v, key)
	case *LegacyPayload:
		return c.openLegacy(v, key)
	default:
		return nil, ErrMalformedPayload
	}
}

func (c *Codec) openCurrent(p *CurrentPayload, key []byte) (*Plaintext, error) {
	if len(p.Nonce) != nonceSize || len(p.AuthTag) != authTagSize {
		return nil, ErrMalformedPayload
	}
	want := mac(key, p.Nonce, p.Ciphertext)[:authTagSize]
	if !hmac.Equal(want, p.AuthTag) {
		return nil, ErrAuthenticationFailed
	}
	stream, err := ctrStream(key, p.Nonce)
	if err != nil {
		return nil, err
	}
	body := make([]byte, len(p.Ciphertext))
	stream.XORKeyStream(body, p.Ciphertext)

	var sc sealedContent
	if err := json.Unmarshal(body, &sc); err != nil {
		return nil, fmt.Errorf("%w: sealed content: %v", ErrMalformedPayload, err)
	}
	out := &Plaintext{Content: sc.Content, Timestamp: time.UnixMilli(sc.Timestamp), Format: FormatCurrent}
	if !c.fresh(out.Timestamp) {
		if c.policy.EnforceFreshness {
			return nil, ErrReplayTooOld
		}
		out.Stale = true
	}
	return out, nil
}

func (c *Codec) openLegacy(p *LegacyPayload, key []byte) (*Plaintext, error) {
	if len(p.IV) != legacyIVSize || len(p.Ciphertext) == 0 || len(p.Ciphertext)%aes.BlockSize != 0 {
		return nil, ErrMalformedPayload
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chatcrypto: %w", err)
	}
	buf := make([]byte, len(p.Ciphertext))
	cipher.NewCBCDecrypter(block, p.IV).CryptBlocks(buf, p.Ciphertext)
	plain, ok := pkcs7Unpad(buf, aes.BlockSize)
	if !ok || !utf8.Valid(plain) {
		// A wrong key almost always yields broken padding or non-UTF-8 bytes.
		return nil, ErrAuthenticationFailed
	}
	out := &Plaintext{Content: string(plain), Format: FormatLegacy}
	if p.MAC != nil && !hmac.Equal(mac(key, plain), p.MAC) {
		if c.policy.RequireLegacyMAC {
			return nil, ErrAuthenticationFailed
		}
		out.MACMismatch = true
	}
	return out, nil
}

func ctrStream(key, nonce []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("chatcrypto: %w", err)
	}
	// 96-bit nonce followed by a 32-bit block counter starting at zero.
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	return cipher.NewCTR(block, iv), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, bool) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, false
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, false
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, false
		}
	}
	return b[:len(b)-n], true
}
