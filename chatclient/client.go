// Package chatclient drives the HTTP transport of an ephemeral chat server.
//
// Client covers the transport: it obtains a connection token, sends events
// and streams notifications. Room layers end-to-end encryption on top, using
// a chatcrypto.KeyRing fed by the key distribution notifications.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codleed/ephemeral-chat/internal/wire"
)

var (
	// ErrNotConnected is returned by calls made before Connect.
	ErrNotConnected = errors.New("chatclient: not connected")
	// ErrUnauthorized is returned when the server rejects the token.
	ErrUnauthorized = errors.New("chatclient: unauthorized")
)

// EventError is a failed event reply.
type EventError struct {
	Event      string
	Code       wire.ErrorCode
	Message    string
	Field      string
	RetryAfter time.Duration
}

func (e *EventError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s: %s)", e.Event, e.Message, e.Code, e.Field)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Event, e.Message, e.Code)
}

// StatusError is an unexpected HTTP status from the transport.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chatclient: unexpected status %d: %s", e.Status, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client. It must not impose a total
// request timeout if Stream is used.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client talks to one server as one connection. It is safe for concurrent
// use once connected.
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger

	nextID atomic.Int64

	mu     sync.RWMutex
	connID string
	token  string
}

// New returns a Client for the transport rooted at baseURL, for example
// "https://chat.example/api".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("chatclient: invalid base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("chatclient: base url must be http or https, got %q", u.Scheme)
	}
	c := &Client{
		base: strings.TrimSuffix(baseURL, "/"),
		http: http.DefaultClient,
		log:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ConnectionID returns the id assigned by Connect.
func (c *Client) ConnectionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

func (c *Client) bearer() (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", ErrNotConnected
	}
	return "Bearer " + c.token, nil
}

// Connect obtains a fresh connection id and token. Calling it again replaces
// the connection.
func (c *Client) Connect(ctx context.Context) (*wire.ConnectResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/connect", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chatclient: connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var res wire.ConnectResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("chatclient: decode connect result: %w", err)
	}
	c.mu.Lock()
	c.connID, c.token = res.ConnectionID, res.Token
	c.mu.Unlock()
	c.log.InfoContext(ctx, "client.connect.ok", slog.String("connection_id", res.ConnectionID))
	return &res, nil
}

// Disconnect tears the connection down on the server and forgets the token.
func (c *Client) Disconnect(ctx context.Context) error {
	authz, err := c.bearer()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.base+"/connect", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", authz)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatclient: disconnect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return statusError(resp)
	}
	c.mu.Lock()
	c.connID, c.token = "", ""
	c.mu.Unlock()
	return nil
}

// Call sends event with payload. On success the reply result is decoded into
// result when it is non-nil. A failed reply is returned as *EventError.
func (c *Client) Call(ctx context.Context, event string, payload, result any) error {
	authz, err := c.bearer()
	if err != nil {
		return err
	}
	frame := &wire.Request{ID: wire.IntID(c.nextID.Add(1)), Event: event}
	if payload != nil {
		if frame.Payload, err = json.Marshal(payload); err != nil {
			return fmt.Errorf("chatclient: marshal %s payload: %w", event, err)
		}
	}
	body, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("chatclient: marshal %s: %w", event, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authz)
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chatclient: %s: %w", event, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}

	var reply wire.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return fmt.Errorf("chatclient: decode %s reply: %w", event, err)
	}
	c.log.DebugContext(ctx, "client.call.done",
		slog.String("event", event),
		slog.Bool("ok", reply.OK),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	if !reply.OK {
		e := &EventError{Event: event, Code: wire.CodeInternal, Message: "request failed"}
		if reply.Error != nil {
			e.Code = reply.Error.Code
			e.Message = reply.Error.Message
			e.Field = reply.Error.Field
			e.RetryAfter = time.Duration(reply.Error.RetryAfterMs) * time.Millisecond
		}
		return e
	}
	if result != nil && len(reply.Result) > 0 {
		if err := json.Unmarshal(reply.Result, result); err != nil {
			return fmt.Errorf("chatclient: decode %s result: %w", event, err)
		}
	}
	return nil
}

func (c *Client) CreateSession(ctx context.Context) (*wire.CreateSessionResult, error) {
	var res wire.CreateSessionResult
	if err := c.Call(ctx, wire.EventCreateSession, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) JoinSession(ctx context.Context, code string) (*wire.JoinSessionResult, error) {
	var res wire.JoinSessionResult
	if err := c.Call(ctx, wire.EventJoinSession, &wire.JoinSessionRequest{Code: code}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SetSessionKey distributes key to the other participants. Creator only.
func (c *Client) SetSessionKey(ctx context.Context, key string) (*wire.SetSessionKeyResult, error) {
	var res wire.SetSessionKeyResult
	if err := c.Call(ctx, wire.EventSetSessionKey, &wire.SetSessionKeyRequest{SessionKey: key}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SendMessage relays an already encrypted and signed message.
func (c *Client) SendMessage(ctx context.Context, encrypted, signature string) (*wire.SendMessageResult, error) {
	var res wire.SendMessageResult
	req := &wire.SendMessageRequest{EncryptedContent: encrypted, Signature: signature}
	if err := c.Call(ctx, wire.EventSendMessage, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) LeaveSession(ctx context.Context) error {
	return c.Call(ctx, wire.EventLeaveSession, nil, nil)
}

func (c *Client) EndSession(ctx context.Context) error {
	return c.Call(ctx, wire.EventEndSession, nil, nil)
}

func (c *Client) RotateKey(ctx context.Context) (*wire.RotateKeyResult, error) {
	var res wire.RotateKeyResult
	if err := c.Call(ctx, wire.EventRotateKey, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) RevokeSession(ctx context.Context, reason string) error {
	return c.Call(ctx, wire.EventRevokeSession, &wire.RevokeSessionRequest{Reason: reason}, nil)
}

func (c *Client) SessionInfo(ctx context.Context) (*wire.SessionInfoResult, error) {
	var res wire.SessionInfoResult
	if err := c.Call(ctx, wire.EventSessionInfo, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
}
