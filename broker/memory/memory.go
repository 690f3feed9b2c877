// Package memory provides a single-process implementation of broker.Broker.
package memory

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/codleed/ephemeral-chat/broker"
)

// DefaultHistoryLimit is the number of messages retained per namespace for replay.
const DefaultHistoryLimit = 256

// Option configures a Broker.
type Option func(*Broker)

// WithHistoryLimit bounds how many messages each namespace retains.
func WithHistoryLimit(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.historyLimit = n
		}
	}
}

// Broker implements broker.Broker with in-process state. Publishers never
// block on slow consumers; a consumer that falls further behind than the
// history limit skips the messages that were trimmed.
type Broker struct {
	mu           sync.Mutex
	namespaces   map[string]*namespace
	eventCounter atomic.Int64
	historyLimit int
}

type namespace struct {
	mu       sync.Mutex
	messages []broker.MessageEnvelope
	// base is the absolute offset of messages[0].
	base   int
	signal chan struct{}
	closed bool
}

type subscription struct {
	ns     *namespace
	next   int
	done   chan struct{}
	closed atomic.Bool
}

// New creates a new memory-based broker instance.
func New(opts ...Option) *Broker {
	b := &Broker{
		namespaces:   make(map[string]*namespace),
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) namespace(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{signal: make(chan struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespaceName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ns := b.namespace(namespaceName)
	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.messages = append(ns.messages, broker.MessageEnvelope{
		ID:   eventID,
		Data: append([]byte(nil), data...),
	})
	if over := len(ns.messages) - b.historyLimit; over > 0 {
		ns.messages = append(ns.messages[:0:0], ns.messages[over:]...)
		ns.base += over
	}
	close(ns.signal)
	ns.signal = make(chan struct{})
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespaceName string, lastEventID string) (broker.MessageStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ns := b.namespace(namespaceName)

	ns.mu.Lock()
	defer ns.mu.Unlock()
	sub := &subscription{ns: ns, next: ns.base + len(ns.messages), done: make(chan struct{})}
	if lastEventID == "" {
		return sub, nil
	}
	for i, msg := range ns.messages {
		if msg.ID == lastEventID {
			sub.next = ns.base + i + 1
			return sub, nil
		}
	}
	return nil, broker.ErrUnknownEventID
}

// Cleanup implements broker.Broker. Open streams on the namespace end with io.EOF.
func (b *Broker) Cleanup(ctx context.Context, namespaceName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	ns, ok := b.namespaces[namespaceName]
	delete(b.namespaces, namespaceName)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.closed = true
	ns.messages = nil
	close(ns.signal)
	ns.signal = make(chan struct{})
	return nil
}

// Namespaces reports how many namespaces currently hold state.
func (b *Broker) Namespaces() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.namespaces)
}

// Next implements broker.MessageStream.
func (s *subscription) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, io.EOF
		}
		ns := s.ns
		ns.mu.Lock()
		if ns.closed {
			ns.mu.Unlock()
			return broker.MessageEnvelope{}, io.EOF
		}
		if s.next < ns.base {
			s.next = ns.base
		}
		if idx := s.next - ns.base; idx < len(ns.messages) {
			msg := ns.messages[idx]
			s.next++
			ns.mu.Unlock()
			return msg, nil
		}
		signal := ns.signal
		ns.mu.Unlock()

		select {
		case <-signal:
		case <-s.done:
			return broker.MessageEnvelope{}, io.EOF
		case <-ctx.Done():
			return broker.MessageEnvelope{}, ctx.Err()
		}
	}
}

// Close implements broker.MessageStream.
func (s *subscription) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.done)
	}
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*subscription)(nil)
)
