// Package redis implements broker.Broker on Redis Streams so that several
// server processes can share per-connection notification queues.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/codleed/ephemeral-chat/broker"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultKeyPrefix is prepended to every stream key.
	DefaultKeyPrefix = "ephemeral-chat:broker:"
	// DefaultMaxLen approximately caps each stream.
	DefaultMaxLen = 256
	// DefaultStreamTTL expires streams whose connection vanished without cleanup.
	DefaultStreamTTL = 24 * time.Hour

	readBlock = time.Second
	dataField = "data"
)

var streamIDPattern = regexp.MustCompile(`^\d+-\d+$`)

// Broker is a Redis Streams-based implementation of broker.Broker.
type Broker struct {
	client    redis.UniversalClient
	ownClient bool
	keyPrefix string
	maxLen    int64
	ttl       time.Duration
}

// Config contains configuration options for the Redis broker.
type Config struct {
	// Client is the Redis client to use. If nil, one is created from URL.
	Client redis.UniversalClient
	// URL is a redis:// connection string, used only when Client is nil.
	// Defaults to redis://localhost:6379/0.
	URL string
	// KeyPrefix defaults to DefaultKeyPrefix.
	KeyPrefix string
	// MaxLen defaults to DefaultMaxLen.
	MaxLen int64
	// StreamTTL defaults to DefaultStreamTTL.
	StreamTTL time.Duration
}

// New creates a new Redis-based broker instance.
func New(config Config) (*Broker, error) {
	b := &Broker{
		client:    config.Client,
		keyPrefix: config.KeyPrefix,
		maxLen:    config.MaxLen,
		ttl:       config.StreamTTL,
	}
	if b.client == nil {
		url := config.URL
		if url == "" {
			url = "redis://localhost:6379/0"
		}
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		b.client = redis.NewClient(opts)
		b.ownClient = true
	}
	if b.keyPrefix == "" {
		b.keyPrefix = DefaultKeyPrefix
	}
	if b.maxLen <= 0 {
		b.maxLen = DefaultMaxLen
	}
	if b.ttl <= 0 {
		b.ttl = DefaultStreamTTL
	}
	return b, nil
}

// Close closes the Redis connection if the broker created it.
func (b *Broker) Close() error {
	if !b.ownClient {
		return nil
	}
	return b.client.Close()
}

// Ping checks connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, namespace string, data []byte) (string, error) {
	key := b.streamKey(namespace)
	var add *redis.StringCmd
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		add = p.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: b.maxLen,
			Approx: true,
			Values: map[string]any{dataField: data},
		})
		p.Expire(ctx, key, b.ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("publish to stream %s: %w", key, err)
	}
	return add.Val(), nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, namespace string, lastEventID string) (broker.MessageStream, error) {
	key := b.streamKey(namespace)
	start := lastEventID
	if lastEventID == "" {
		// Pin the current tail so nothing published after Subscribe returns is missed.
		last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("read tail of stream %s: %w", key, err)
		}
		start = "0-0"
		if len(last) > 0 {
			start = last[0].ID
		}
	} else {
		if !streamIDPattern.MatchString(lastEventID) {
			return nil, broker.ErrUnknownEventID
		}
		found, err := b.client.XRange(ctx, key, lastEventID, lastEventID).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("look up event %s in stream %s: %w", lastEventID, key, err)
		}
		if len(found) == 0 {
			return nil, broker.ErrUnknownEventID
		}
	}
	return &stream{client: b.client, key: key, cursor: start}, nil
}

// Cleanup implements broker.Broker.
func (b *Broker) Cleanup(ctx context.Context, namespace string) error {
	key := b.streamKey(namespace)
	if err := b.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cleanup stream %s: %w", key, err)
	}
	return nil
}

func (b *Broker) streamKey(namespace string) string {
	return b.keyPrefix + "stream:" + namespace
}

type stream struct {
	client  redis.UniversalClient
	key     string
	cursor  string
	pending []redis.XMessage
	closed  atomic.Bool
}

// Next implements broker.MessageStream. A stream deleted by Cleanup is not
// observed here; the consumer learns about it when its connection ends.
func (s *stream) Next(ctx context.Context) (broker.MessageEnvelope, error) {
	for {
		if s.closed.Load() {
			return broker.MessageEnvelope{}, io.EOF
		}
		for len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			s.cursor = msg.ID
			data, ok := msg.Values[dataField].(string)
			if !ok {
				continue
			}
			return broker.MessageEnvelope{ID: msg.ID, Data: []byte(data)}, nil
		}
		if err := ctx.Err(); err != nil {
			return broker.MessageEnvelope{}, err
		}

		res, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.key, s.cursor},
			Count:   32,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return broker.MessageEnvelope{}, ctx.Err()
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return broker.MessageEnvelope{}, fmt.Errorf("read stream %s: %w", s.key, err)
		}
		for _, st := range res {
			s.pending = append(s.pending, st.Messages...)
		}
	}
}

// Close implements broker.MessageStream.
func (s *stream) Close() error {
	s.closed.Store(true)
	return nil
}

var (
	_ broker.Broker        = (*Broker)(nil)
	_ broker.MessageStream = (*stream)(nil)
)
