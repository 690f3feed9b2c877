package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sets the challenge header and status on w.
func (c *AuthenticationChallenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	http.Error(w, http.StatusText(c.Status), c.Status)
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s"`, quote(realm)),
	}
}

// NewInvalidAuthorizationHeader builds a challenge for a malformed Authorization header.
func NewInvalidAuthorizationHeader(realm string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusBadRequest,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_request", error_description="Invalid Authorization header"`, quote(realm)),
	}
}

// NewInvalidToken builds a challenge indicating the token is invalid.
func NewInvalidToken(realm string, description string) *AuthenticationChallenge {
	return &AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm="%s", error="invalid_token", error_description="%s"`, quote(realm), quote(description)),
	}
}

// quote escapes a value for use inside a quoted-string auth-param.
func quote(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}
