// Package chatservice coordinates inbound chat events. Every event runs
// through the same pipeline: rate limiting, payload validation, creator
// authorization where the event requires it, and finally the session
// registry. Transports hand the service a wire.Request plus the caller's
// connection identity and write back the wire.Reply it returns.
package chatservice

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/internal/logctx"
	"github.com/codleed/ephemeral-chat/internal/validation"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/ratelimit"
	"github.com/codleed/ephemeral-chat/sessions"
)

// DefaultEventLimits are the per-event secondary ceilings applied on top of
// the global connection and address limits, per rate window.
var DefaultEventLimits = map[string]int{
	wire.EventCreateSession: 5,
	wire.EventJoinSession:   10,
	wire.EventSendMessage:   60,
	wire.EventSetSessionKey: 10,
}

// MetricsSink is the subset of metrics used by this package.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Conn identifies the caller of an event.
type Conn struct {
	ID string
	// Addr is the caller's network address, empty when unknown.
	Addr string
}

type handlerFunc func(ctx context.Context, conn Conn, req any) (any, error)

// Service is the event dispatcher.
type Service struct {
	registry *sessions.Registry
	limiter  *ratelimit.Limiter
	broker   broker.Broker

	log     *slog.Logger
	metrics MetricsSink

	limitsMu    sync.RWMutex
	eventLimits map[string]int

	handlers map[string]handlerFunc
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(s *Service) { s.metrics = m }
}

// WithEventLimits replaces the per-event ceilings. Events absent from the
// map, or mapped to zero, have no secondary ceiling.
func WithEventLimits(limits map[string]int) Option {
	return func(s *Service) { s.eventLimits = copyLimits(limits) }
}

func copyLimits(limits map[string]int) map[string]int {
	out := make(map[string]int, len(limits))
	for k, v := range limits {
		out[k] = v
	}
	return out
}

// SetEventLimits replaces the per-event ceilings at runtime.
func (s *Service) SetEventLimits(limits map[string]int) {
	next := copyLimits(limits)
	s.limitsMu.Lock()
	s.eventLimits = next
	s.limitsMu.Unlock()
}

func (s *Service) eventLimit(event string) int {
	s.limitsMu.RLock()
	defer s.limitsMu.RUnlock()
	return s.eventLimits[event]
}

// New wires a Service. The broker may be nil when the transport delivers
// notifications some other way; Disconnect then skips broker cleanup.
func New(registry *sessions.Registry, limiter *ratelimit.Limiter, b broker.Broker, opts ...Option) *Service {
	s := &Service{
		registry:    registry,
		limiter:     limiter,
		broker:      b,
		log:         slog.Default(),
		eventLimits: DefaultEventLimits,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handlerFunc{
		wire.EventCreateSession: s.handleCreateSession,
		wire.EventJoinSession:   s.handleJoinSession,
		wire.EventSendMessage:   s.handleSendMessage,
		wire.EventSetSessionKey: s.handleSetSessionKey,
		wire.EventLeaveSession:  s.handleLeaveSession,
		wire.EventEndSession:    s.handleEndSession,
		wire.EventRotateKey:     s.handleRotateKey,
		wire.EventRevokeSession: s.handleRevokeSession,
		wire.EventSessionInfo:   s.handleSessionInfo,
	}
	return s
}

// Handle processes one request and always returns a reply.
func (s *Service) Handle(ctx context.Context, conn Conn, req *wire.Request) *wire.Reply {
	start := time.Now()
	ctx = logctx.WithEventData(ctx, &logctx.EventData{Event: req.Event, RequestID: req.ID.String()})

	result, err := s.dispatch(ctx, conn, req)
	outcome := "ok"
	var reply *wire.Reply
	if err == nil {
		reply, err = wire.NewResultReply(req.ID, result)
	}
	if err != nil {
		werr := toWireError(err)
		outcome = string(werr.Code)
		reply = wire.NewErrorReply(req.ID, werr)
		if werr.Code == wire.CodeInternal {
			s.log.ErrorContext(ctx, "event.fail", slog.String("err", err.Error()))
		} else {
			s.log.InfoContext(ctx, "event.rejected", slog.String("code", outcome), slog.String("err", err.Error()))
		}
	} else {
		s.log.DebugContext(ctx, "event.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	}

	if s.metrics != nil {
		event := req.Event
		if _, known := s.handlers[event]; !known {
			event = "unknown"
		}
		s.metrics.IncCounter("events_total", map[string]string{"event": event, "outcome": outcome})
		s.metrics.ObserveHistogram("event_duration_seconds", time.Since(start).Seconds(), map[string]string{"event": event})
	}
	return reply
}

func (s *Service) dispatch(ctx context.Context, conn Conn, req *wire.Request) (any, error) {
	if err := s.limiter.Allow(ctx, conn.ID, conn.Addr); err != nil {
		return nil, err
	}
	h, ok := s.handlers[req.Event]
	if !ok {
		return nil, errUnknownEvent
	}
	if limit := s.eventLimit(req.Event); limit > 0 {
		if err := s.limiter.AllowEvent(ctx, conn.ID, req.Event, limit); err != nil {
			return nil, err
		}
	}
	in, err := validation.Event(req.Event, req.Payload)
	if err != nil {
		return nil, err
	}
	return h(ctx, conn, in)
}

// Disconnect releases everything held for connID: its session membership,
// its rate-limit records and its queued notifications.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	if err := s.registry.LeaveSession(ctx, connID); err != nil && !errors.Is(err, sessions.ErrNotInSession) {
		s.log.WarnContext(ctx, "conn.disconnect.leave.err", slog.String("err", err.Error()))
	}
	s.limiter.RemoveConnection(connID)
	if s.broker != nil {
		if err := s.broker.Cleanup(ctx, connID); err != nil {
			s.log.WarnContext(ctx, "conn.disconnect.broker.err", slog.String("err", err.Error()))
		}
	}
	s.log.InfoContext(ctx, "conn.disconnect")
	if s.metrics != nil {
		s.metrics.IncCounter("connections_closed_total", nil)
	}
}

// Subscribe opens the notification stream for connID.
func (s *Service) Subscribe(ctx context.Context, connID, lastEventID string) (broker.MessageStream, error) {
	if s.broker == nil {
		return nil, errors.New("no broker configured")
	}
	return s.broker.Subscribe(ctx, connID, lastEventID)
}
