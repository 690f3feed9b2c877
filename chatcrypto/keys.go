package chatcrypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of every symmetric key in bytes (AES-256, HMAC-SHA256).
	KeySize = 32

	kdfSalt  = "ephemeral-chat/v1/kdf-salt"
	kdfLabel = "ephemeral-chat/v1/session-key"
)

// KeyPair is an ECDH P-256 key pair.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("chatcrypto: generate key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// PublicKey returns the uncompressed SEC 1 encoding of the public point.
func (k *KeyPair) PublicKey() []byte {
	return k.priv.PublicKey().Bytes()
}

// PrivateKey returns the raw private scalar.
func (k *KeyPair) PrivateKey() []byte {
	return k.priv.Bytes()
}

// SharedSecret runs ECDH against a peer public key. The output is raw
// curve material and must go through DeriveKey before use.
func (k *KeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	pub, err := ecdh.P256().NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := k.priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return secret, nil
}

// DeriveKey stretches an ECDH shared secret into a working symmetric key:
// HKDF-SHA256 extract with the application salt, then expand with the
// session-key label.
func DeriveKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, ErrInvalidKey
	}
	prk := hkdf.Extract(sha256.New, sharedSecret, []byte(kdfSalt))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, []byte(kdfLabel)), key); err != nil {
		return nil, fmt.Errorf("chatcrypto: expand key: %w", err)
	}
	return key, nil
}

// AgreeSessionKey combines SharedSecret and DeriveKey and returns the result
// as key material suitable for a KeyRing.
func (k *KeyPair) AgreeSessionKey(peerPublic []byte) (string, error) {
	secret, err := k.SharedSecret(peerPublic)
	if err != nil {
		return "", err
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key), nil
}

// GenerateSessionKey returns 32 random bytes hex encoded (64 characters).
func GenerateSessionKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("chatcrypto: generate session key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// KeyFromMaterial maps opaque session key material to cipher key bytes.
// 64 hex characters or base64 of exactly 32 bytes are used verbatim; any
// other non-empty string is hashed with SHA-256.
func KeyFromMaterial(material string) ([]byte, error) {
	if material == "" {
		return nil, ErrInvalidKey
	}
	if len(material) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(material); err == nil {
			return b, nil
		}
	}
	if b, err := base64.StdEncoding.DecodeString(material); err == nil && len(b) == KeySize {
		return b, nil
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:], nil
}
