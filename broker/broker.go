// Package broker queues outbound notifications per connection so that a
// streaming client can reconnect and resume from the last event it saw.
//
// Each connection is a namespace. Publish appends an opaque payload and
// returns its event id; Subscribe replays everything after lastEventID and
// then follows live publishes. Cleanup drops the namespace when the
// connection goes away.
package broker

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by Subscribe when lastEventID is not (or no
// longer) retained for the namespace. Callers typically fall back to a live
// subscription.
var ErrUnknownEventID = errors.New("broker: unknown event id")

// Broker handles message queuing and ordered delivery per namespace.
type Broker interface {
	// Publish appends data to namespace and returns its event id.
	Publish(ctx context.Context, namespace string, data []byte) (eventID string, err error)

	// Subscribe to namespace messages, resuming after lastEventID if provided.
	// If lastEventID is empty, the stream starts with the next published message.
	Subscribe(ctx context.Context, namespace string, lastEventID string) (MessageStream, error)

	// Cleanup removes all stored messages for namespace.
	Cleanup(ctx context.Context, namespace string) error
}

// MessageStream provides ordered message consumption within a namespace.
// A stream is meant for a single consumer.
type MessageStream interface {
	// Next blocks until the next message is available or ctx is done.
	// It returns io.EOF once the stream is closed or its namespace cleaned up.
	Next(ctx context.Context) (MessageEnvelope, error)

	// Close releases resources associated with this stream.
	Close() error
}

// MessageEnvelope wraps a message with its event id.
type MessageEnvelope struct {
	// ID increases monotonically within a namespace.
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
