package chatservice

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/internal/wire"
	"github.com/codleed/ephemeral-chat/sessions"
)

// BrokerNotifier implements sessions.Notifier by publishing each notice as a
// wire.Notification into the broker namespace of every recipient.
type BrokerNotifier struct {
	broker  broker.Broker
	log     *slog.Logger
	metrics MetricsSink
	now     func() time.Time
}

// NotifierOption configures a BrokerNotifier.
type NotifierOption func(*BrokerNotifier)

// WithNotifierLogger sets the logger used for publish failures.
func WithNotifierLogger(l *slog.Logger) NotifierOption {
	return func(n *BrokerNotifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithNotifierMetrics sets the metrics sink.
func WithNotifierMetrics(m MetricsSink) NotifierOption {
	return func(n *BrokerNotifier) { n.metrics = m }
}

// WithNotifierClock overrides the time source used to stamp notifications.
func WithNotifierClock(now func() time.Time) NotifierOption {
	return func(n *BrokerNotifier) { n.now = now }
}

// NewBrokerNotifier returns a notifier publishing into b.
func NewBrokerNotifier(b broker.Broker, opts ...NotifierOption) *BrokerNotifier {
	n := &BrokerNotifier{broker: b, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

var _ sessions.Notifier = (*BrokerNotifier)(nil)

// Notify implements sessions.Notifier. Delivery is best effort: a failed
// publish is logged and the remaining recipients are still attempted.
func (n *BrokerNotifier) Notify(ctx context.Context, notice sessions.Notice) {
	note, err := wire.NewNotification(notice.Event, notice.Data, n.now())
	if err != nil {
		n.log.ErrorContext(ctx, "notify.encode.err", slog.String("event", notice.Event), slog.String("err", err.Error()))
		return
	}
	data, err := json.Marshal(note)
	if err != nil {
		n.log.ErrorContext(ctx, "notify.encode.err", slog.String("event", notice.Event), slog.String("err", err.Error()))
		return
	}
	tags := map[string]string{"event": notice.Event}
	for _, connID := range notice.Recipients {
		if _, err := n.broker.Publish(ctx, connID, data); err != nil {
			n.log.WarnContext(ctx, "notify.publish.err",
				slog.String("event", notice.Event),
				slog.String("connection_id", connID),
				slog.String("err", err.Error()),
			)
			if n.metrics != nil {
				n.metrics.IncCounter("notifications_failed_total", tags)
			}
			continue
		}
		if n.metrics != nil {
			n.metrics.IncCounter("notifications_published_total", tags)
		}
	}
}
