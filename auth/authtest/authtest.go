// Package authtest provides an Authenticator for transport tests.
package authtest

import (
	"context"
	"fmt"
	"strings"

	"github.com/codleed/ephemeral-chat/auth"
)

// Passthrough treats the bearer token itself as the connection id. A token
// of the form "conn@addr" also sets the address.
type Passthrough struct{}

func (Passthrough) CheckAuthentication(_ context.Context, tok string) (*auth.Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	id, addr, _ := strings.Cut(tok, "@")
	return &auth.Principal{ConnectionID: id, Address: addr}, nil
}
