// Package streaminghttp exposes the chat service over plain HTTP: JSON
// request/response for inbound events and a Server-Sent Events stream for
// notifications.
//
// Endpoints (relative to the public endpoint path):
//
//	POST   /connect  issue a connection id and bearer token
//	DELETE /connect  tear the connection down
//	POST   /events   send one wire.Request, receive its wire.Reply
//	GET    /events   text/event-stream of wire.Notification, resumable via Last-Event-ID
//	GET    /schema   JSON schemas of every payload
//	GET    /metrics  Prometheus metrics, when configured
//
// Construction
//
//	h, err := streaminghttp.New(
//	    "https://chat.example/api", // public endpoint base
//	    svc,                        // *chatservice.Service
//	    tokens,                     // *auth.TokenIssuer
//	    streaminghttp.WithTrustProxy(true),
//	)
//
// # Connection lifetime
//
// HTTP has no socket to tie a connection to, so the connection lives as long
// as its token and its notification stream. When the last open stream for a
// connection ends and no new one arrives within the disconnect grace period,
// the connection is torn down exactly as DELETE /connect would. A connection
// that only posts events and never streams gets the same grace period,
// restarted by each event.
//
// # Error Handling
//
// Transport failures (bad media type, malformed frame, missing credentials)
// map to HTTP status codes. Event failures are 200 responses carrying a
// wire.Reply with ok=false, so clients handle one error shape per layer.
package streaminghttp
