package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("path", rd.Path),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnectionID),
			slog.String("remote_addr", cd.RemoteAddr),
			slog.String("transport", cd.Transport),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("code", sd.Code),
			slog.String("alias", sd.Alias),
			slog.Bool("creator", sd.Creator),
		))
	}

	if ed, ok := ctx.Value(eventDataKey{}).(*EventData); ok {
		r.AddAttrs(slog.Group("evt",
			slog.String("name", ed.Event),
			slog.String("id", ed.RequestID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs and WithGroup must keep the wrapper, otherwise derived loggers
// silently drop the context groups.
func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID string
	Method    string
	UserAgent string
	Path      string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	ConnectionID string
	RemoteAddr   string
	Transport    string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	Code    string
	Alias   string
	Creator bool
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type eventDataKey struct{}

type EventData struct {
	Event     string
	RequestID string
}

func WithEventData(ctx context.Context, data *EventData) context.Context {
	return context.WithValue(ctx, eventDataKey{}, data)
}
