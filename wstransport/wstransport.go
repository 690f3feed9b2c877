// Package wstransport serves the chat service over a WebSocket. Each socket is
// one connection: inbound text frames carry wire.Request values and outbound
// frames carry wire.Frame values wrapping either a reply or a notification.
// Closing the socket disconnects the connection.
package wstransport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/chatservice"
	"github.com/codleed/ephemeral-chat/internal/logctx"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingPeriod = 30 * time.Second
	writeWait         = 10 * time.Second
	maxMessageSize    = 256 << 10
	sendQueue         = 64
)

// Option configures a Handler.
type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithTrustProxy takes the client address from the first X-Forwarded-For hop.
func WithTrustProxy(trust bool) Option {
	return func(h *Handler) { h.trustProxy = trust }
}

// WithAllowedOrigins restricts cross-origin upgrades to the given origins
// (scheme://host[:port]). Requests without an Origin header and same-host
// requests are always accepted.
func WithAllowedOrigins(origins ...string) Option {
	return func(h *Handler) {
		for _, o := range origins {
			h.origins[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
		}
	}
}

// WithPingPeriod sets the keepalive interval. The peer must answer within
// twice this period.
func WithPingPeriod(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.pingPeriod = d
		}
	}
}

// Handler upgrades requests and runs one connection per socket.
type Handler struct {
	svc        *chatservice.Service
	log        *slog.Logger
	upgrader   websocket.Upgrader
	trustProxy bool
	origins    map[string]struct{}
	pingPeriod time.Duration
}

// New returns a Handler serving svc.
func New(svc *chatservice.Service, opts ...Option) *Handler {
	h := &Handler{
		svc:        svc,
		log:        slog.New(slog.DiscardHandler),
		origins:    make(map[string]struct{}),
		pingPeriod: defaultPingPeriod,
	}
	for _, opt := range opts {
		opt(h)
	}
	if _, ok := h.log.Handler().(logctx.Handler); !ok {
		h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := h.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID: uuid.NewString(),
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	})
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.InfoContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &conn{
		h:    h,
		ws:   ws,
		id:   uuid.NewString(),
		addr: h.clientAddr(r),
		send: make(chan []byte, sendQueue),
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: c.id, RemoteAddr: c.addr, Transport: "websocket"})
	c.serve(ctx)
}

func (h *Handler) clientAddr(r *http.Request) string {
	if h.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// conn is one live socket.
type conn struct {
	h    *Handler
	ws   *websocket.Conn
	id   string
	addr string
	send chan []byte
}

func (c *conn) serve(ctx context.Context) {
	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	log := c.h.log

	stream, err := c.h.svc.Subscribe(ctx, c.id, "")
	if err != nil {
		log.ErrorContext(ctx, "ws.subscribe.fail", slog.String("err", err.Error()))
		cancel()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscribe failed"),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
		return
	}
	log.InfoContext(ctx, "ws.conn.open")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		c.writePump(ctx)
	}()
	go func() {
		defer wg.Done()
		c.notificationPump(ctx, stream)
	}()

	c.readPump(ctx)
	cancel()
	_ = stream.Close()
	wg.Wait()
	_ = c.ws.Close()

	c.h.svc.Disconnect(context.WithoutCancel(ctx), c.id)
	log.InfoContext(ctx, "ws.conn.closed", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// readPump decodes inbound requests and queues their replies until the peer
// goes away or ctx is done.
func (c *conn) readPump(ctx context.Context) {
	pongWait := 2 * c.h.pingPeriod
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) && ctx.Err() == nil {
				c.h.log.InfoContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			if !c.enqueue(ctx, replyFrame(wire.NewErrorReply(nil, &wire.Error{Code: wire.CodeBadRequest, Message: "frames must be text"}))) {
				return
			}
			continue
		}

		var req wire.Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.h.log.InfoContext(ctx, "ws.read.decode.fail", slog.String("err", err.Error()))
			if !c.enqueue(ctx, replyFrame(wire.NewErrorReply(nil, &wire.Error{Code: wire.CodeBadRequest, Message: "invalid request frame"}))) {
				return
			}
			continue
		}
		reply := c.h.svc.Handle(ctx, chatservice.Conn{ID: c.id, Addr: c.addr}, &req)
		if !c.enqueue(ctx, replyFrame(reply)) {
			return
		}
	}
}

// notificationPump forwards broker messages to the socket until the stream
// ends or ctx is done.
func (c *conn) notificationPump(ctx context.Context, stream broker.MessageStream) {
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				c.h.log.ErrorContext(ctx, "ws.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		var n wire.Notification
		if err := json.Unmarshal(env.Data, &n); err != nil {
			c.h.log.ErrorContext(ctx, "ws.stream.decode.fail", slog.String("id", env.ID), slog.String("err", err.Error()))
			continue
		}
		if !c.enqueue(ctx, &wire.Frame{Type: wire.FrameNotification, Notification: &n}) {
			return
		}
	}
}

// writePump owns all data writes to the socket. It closes the socket on
// exit, which unblocks readPump.
func (c *conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(c.h.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.h.log.InfoContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) enqueue(ctx context.Context, frame *wire.Frame) bool {
	b, err := json.Marshal(frame)
	if err != nil {
		c.h.log.ErrorContext(ctx, "ws.frame.marshal.fail", slog.String("err", err.Error()))
		return true
	}
	select {
	case c.send <- b:
		return true
	case <-ctx.Done():
		return false
	}
}

func replyFrame(r *wire.Reply) *wire.Frame {
	return &wire.Frame{Type: wire.FrameReply, Reply: r}
}
