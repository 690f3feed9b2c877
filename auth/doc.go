// Package auth issues and verifies the bearer tokens that bind an HTTP
// client to the connection id it was assigned.
//
// Chat sessions are anonymous: there is no user identity, only a connection.
// The streaming HTTP transport has no socket to hang that connection on, so
// POST /connect mints a short-lived HS256 JWT whose subject is the
// connection id and whose "addr" claim records the network address seen at
// connect time. Every later request presents the token and is attributed to
// that connection.
//
// Example:
//
//	tokens, err := auth.NewTokenIssuer(secret, auth.WithTTL(12*time.Hour))
//	if err != nil { log.Fatal(err) }
//	tok, exp, err := tokens.Issue(connID, remoteAddr)
//
//	// later
//	p, err := tokens.CheckAuthentication(ctx, tok)
//	if errors.Is(err, auth.ErrUnauthorized) { /* 401 challenge */ }
//
// # Errors
//
// ErrUnauthorized signals a missing, malformed, expired or forged token.
// AuthenticationChallenge carries the matching WWW-Authenticate header for
// the transport.
package auth
