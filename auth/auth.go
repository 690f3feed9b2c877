package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// Principal is an authenticated connection.
type Principal struct {
	// ConnectionID is the id assigned at connect time.
	ConnectionID string
	// Address is the network address recorded at connect time, if any.
	Address string
}

// Authenticator validates bearer tokens and returns the connection they were
// issued to. It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Principal, error)
}
