package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// DefaultTokenTTL bounds how long a connection token stays valid.
	DefaultTokenTTL = 12 * time.Hour
	// DefaultIssuer is used for the iss claim when none is configured.
	DefaultIssuer = "ephemeral-chat"

	minSecretLen = 32
)

// TokenOption configures a TokenIssuer.
type TokenOption func(*TokenIssuer)

// WithTTL sets the token lifetime.
func WithTTL(d time.Duration) TokenOption {
	return func(t *TokenIssuer) {
		if d > 0 {
			t.ttl = d
		}
	}
}

// WithIssuer sets the iss claim, typically the public base URL.
func WithIssuer(iss string) TokenOption {
	return func(t *TokenIssuer) {
		if iss != "" {
			t.issuer = iss
		}
	}
}

// WithLeeway sets clock skew tolerance for exp/iat/nbf.
func WithLeeway(d time.Duration) TokenOption {
	return func(t *TokenIssuer) { t.leeway = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) TokenOption {
	return func(t *TokenIssuer) { t.now = now }
}

type connectionClaims struct {
	jwt.RegisteredClaims
	Addr string `json:"addr,omitempty"`
}

// TokenIssuer mints and verifies HS256 connection tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
	leeway time.Duration
	now    func() time.Time
}

var _ Authenticator = (*TokenIssuer)(nil)

// NewTokenIssuer returns an issuer keyed by secret. An empty secret is
// replaced by 32 random bytes, so tokens do not survive a restart. A
// non-empty secret shorter than 32 bytes is rejected.
func NewTokenIssuer(secret []byte, opts ...TokenOption) (*TokenIssuer, error) {
	if len(secret) == 0 {
		secret = make([]byte, minSecretLen)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("token secret must be at least %d bytes", minSecretLen)
	}
	t := &TokenIssuer{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTokenTTL,
		issuer: DefaultIssuer,
		leeway: 30 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Issue mints a token for connID recorded against addr.
func (t *TokenIssuer) Issue(connID, addr string) (string, time.Time, error) {
	if connID == "" {
		return "", time.Time{}, errors.New("connection id is required")
	}
	now := t.now()
	exp := now.Add(t.ttl)
	claims := connectionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   connID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Addr: addr,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// CheckAuthentication implements Authenticator.
func (t *TokenIssuer) CheckAuthentication(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(t.issuer),
		jwt.WithLeeway(t.leeway),
		jwt.WithTimeFunc(t.now),
	)
	var claims connectionClaims
	if _, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}); err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &Principal{ConnectionID: claims.Subject, Address: claims.Addr}, nil
}
