package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/codleed/ephemeral-chat/auth"
	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/chatservice"
	"github.com/codleed/ephemeral-chat/internal/logctx"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader   = "Last-Event-ID"
	authorizationHeader = "Authorization"
	forwardedForHeader  = "X-Forwarded-For"

	// maxBodyBytes comfortably fits the largest valid send-message payload.
	maxBodyBytes = 256 << 10

	defaultKeepAlive       = 25 * time.Second
	defaultDisconnectGrace = 30 * time.Second
)

// writeJSONError emits a transport-level error body before any event
// exchange is possible. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Records are enriched from the request context.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// WithTrustProxy takes the client address from the first X-Forwarded-For hop.
// Enable only behind a proxy that overwrites the header.
func WithTrustProxy(trust bool) Option {
	return func(h *Handler) { h.trustProxy = trust }
}

// WithAuthenticator overrides how bearer tokens are verified. Tokens are
// still issued by the TokenIssuer passed to New.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithMetricsHandler mounts m at GET {base}/metrics.
func WithMetricsHandler(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithKeepAlive sets how often an idle event stream receives a comment ping.
func WithKeepAlive(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// WithDisconnectGrace sets how long a connection survives without an open
// event stream, counted from the later of its last stream closing and its
// last posted event. A negative value disables the automatic teardown.
func WithDisconnectGrace(d time.Duration) Option {
	return func(h *Handler) { h.grace = d }
}

// Handler implements the HTTP transport.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	svc        *chatservice.Service
	tokens     *auth.TokenIssuer
	auth       auth.Authenticator
	metrics    http.Handler
	realm      string
	trustProxy bool
	keepAlive  time.Duration
	grace      time.Duration

	presenceMu sync.Mutex
	presence   map[string]*presence
}

// presence tracks open event streams for one connection.
type presence struct {
	streams int
	gen     int
	timer   *time.Timer
}

// lockedWriteFlusher serializes writes and flushes and refuses to write after
// ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler serving under the path of publicEndpoint.
func New(publicEndpoint string, svc *chatservice.Service, tokens *auth.TokenIssuer, opts ...Option) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chat service is required")
	}
	if tokens == nil {
		return nil, errors.New("token issuer is required")
	}
	u, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint %q: %w", publicEndpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("public endpoint must use HTTP or HTTPS scheme, got %q", u.Scheme)
	}

	h := &Handler{
		log:       slog.New(slog.DiscardHandler),
		svc:       svc,
		tokens:    tokens,
		auth:      tokens,
		realm:     "ephemeral-chat",
		keepAlive: defaultKeepAlive,
		grace:     defaultDisconnectGrace,
		presence:  make(map[string]*presence),
	}
	for _, opt := range opts {
		opt(h)
	}
	if _, ok := h.log.Handler().(logctx.Handler); !ok {
		h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})
	}

	base := strings.TrimSuffix(u.Path, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/connect", base), h.handleConnect)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/connect", base), h.handleDisconnect)
	mux.HandleFunc(fmt.Sprintf("POST %s/events", base), h.handlePostEvent)
	mux.HandleFunc(fmt.Sprintf("GET %s/events", base), h.handleGetEvents)
	mux.HandleFunc(fmt.Sprintf("GET %s/schema", base), h.handleSchema)
	if h.metrics != nil {
		mux.Handle(fmt.Sprintf("GET %s/metrics", base), h.metrics)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID: uuid.NewString(),
		Method:    r.Method,
		UserAgent: r.UserAgent(),
		Path:      r.URL.Path,
	})))
}

// handleConnect mints a new connection id and its bearer token.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	connID := uuid.NewString()
	addr := h.clientAddr(r)
	tok, exp, err := h.tokens.Issue(connID, addr)
	if err != nil {
		h.log.ErrorContext(ctx, "http.connect.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: connID, RemoteAddr: addr, Transport: "http"})
	h.log.InfoContext(ctx, "http.connect.ok")
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, &wire.ConnectResult{ConnectionID: connID, Token: tok, ExpiresAt: exp})
}

// handleDisconnect tears the connection down.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	ctx, p := h.authenticate(w, r)
	if p == nil {
		return
	}
	h.forget(p.ConnectionID)
	h.svc.Disconnect(ctx, p.ConnectionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePostEvent runs one inbound event.
func (h *Handler) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(r.Context(), "content_type.unsupported")
		return
	}

	ctx, p := h.authenticate(w, r)
	if p == nil {
		return
	}

	var req wire.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		h.log.InfoContext(ctx, "http.post.decode.fail", slog.String("err", err.Error()))
		writeJSON(w, http.StatusBadRequest, wire.NewErrorReply(nil, &wire.Error{Code: wire.CodeBadRequest, Message: "invalid request frame"}))
		return
	}

	reply := h.svc.Handle(ctx, chatservice.Conn{ID: p.ConnectionID, Addr: h.clientAddr(r)}, &req)
	h.touch(p.ConnectionID)
	writeJSON(w, http.StatusOK, reply)
	h.log.DebugContext(ctx, "http.post.done", slog.Bool("ok", reply.OK), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGetEvents streams notifications for the connection as SSE.
func (h *Handler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(r.Context(), "http.get.unsupported_media_type")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(r.Context(), "sse.flusher.missing")
		return
	}

	ctx, p := h.authenticate(w, r)
	if p == nil {
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	stream, err := h.svc.Subscribe(ctx, p.ConnectionID, lastEventID)
	if errors.Is(err, broker.ErrUnknownEventID) {
		h.log.InfoContext(ctx, "sse.resume.miss", slog.String("last_event_id", lastEventID))
		stream, err = h.svc.Subscribe(ctx, p.ConnectionID, "")
	}
	if err != nil {
		h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "could not open event stream")
		return
	}
	defer func() {
		_ = stream.Close()
	}()

	h.streamOpened(p.ConnectionID)
	defer h.streamClosed(p.ConnectionID)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		nextCtx, cancel := context.WithTimeout(ctx, h.keepAlive)
		env, err := stream.Next(nextCtx)
		cancel()
		switch {
		case err == nil:
			if err := writeSSEEvent(wf, env.ID, env.Data); err != nil {
				h.log.InfoContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			if _, err := io.WriteString(wf, ": ping\n\n"); err != nil {
				return
			}
			wf.Flush()
		case errors.Is(err, io.EOF):
			h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
			return
		case ctx.Err() != nil:
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		default:
			h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, wire.Schemas())
}

// authenticate verifies the bearer token. On failure it writes the challenge
// and returns a nil principal.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, *auth.Principal) {
	ctx := r.Context()
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		auth.NewAuthenticationRequired(h.realm).Write(w)
		return ctx, nil
	}

	const bearerPrefix = "Bearer "
	if len(authHeader) <= len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		auth.NewInvalidAuthorizationHeader(h.realm).Write(w)
		return ctx, nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])

	p, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			auth.NewInvalidToken(h.realm, "token is invalid or expired").Write(w)
			return ctx, nil
		}
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return ctx, nil
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnectionID: p.ConnectionID, RemoteAddr: h.clientAddr(r), Transport: "http"})
	return ctx, p
}

// clientAddr returns the caller's network address without port.
func (h *Handler) clientAddr(r *http.Request) string {
	if h.trustProxy {
		if xff := r.Header.Get(forwardedForHeader); xff != "" {
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

func (h *Handler) streamOpened(connID string) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	p, ok := h.presence[connID]
	if !ok {
		p = &presence{}
		h.presence[connID] = p
	}
	p.streams++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (h *Handler) streamClosed(connID string) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	p, ok := h.presence[connID]
	if !ok {
		return
	}
	p.streams--
	if p.streams > 0 {
		return
	}
	if h.grace < 0 {
		delete(h.presence, connID)
		return
	}
	h.armLocked(connID, p)
}

// touch restarts the grace period of a connection that has no open stream,
// so one that only posts events is still released once it goes quiet.
func (h *Handler) touch(connID string) {
	if h.grace < 0 {
		return
	}
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	p, ok := h.presence[connID]
	if !ok {
		p = &presence{}
		h.presence[connID] = p
	}
	if p.streams > 0 {
		return
	}
	h.armLocked(connID, p)
}

func (h *Handler) armLocked(connID string, p *presence) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	gen := p.gen
	p.timer = time.AfterFunc(h.grace, func() { h.expire(connID, p, gen) })
}

// expire disconnects connID unless a stream reopened since the timer was armed.
func (h *Handler) expire(connID string, p *presence, gen int) {
	h.presenceMu.Lock()
	if h.presence[connID] != p || p.streams > 0 || p.gen != gen {
		h.presenceMu.Unlock()
		return
	}
	delete(h.presence, connID)
	h.presenceMu.Unlock()

	ctx := logctx.WithConnData(context.Background(), &logctx.ConnData{ConnectionID: connID, Transport: "http"})
	h.log.InfoContext(ctx, "http.disconnect.idle")
	h.svc.Disconnect(ctx, connID)
}

func (h *Handler) forget(connID string) {
	h.presenceMu.Lock()
	defer h.presenceMu.Unlock()
	if p, ok := h.presence[connID]; ok {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.gen++
		delete(h.presence, connID)
	}
}

// writeSSEEvent writes one SSE frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
