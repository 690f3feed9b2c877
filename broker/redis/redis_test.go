package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/codleed/ephemeral-chat/broker"
	"github.com/codleed/ephemeral-chat/broker/brokertest"
	"github.com/redis/go-redis/v9"
)

func newTestBroker(t *testing.T) (*Broker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b, err := New(Config{Client: client, KeyPrefix: "test:broker:"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b, mr
}

func TestRedisBroker(t *testing.T) {
	brokertest.RunBrokerTests(t, func(t *testing.T) broker.Broker {
		b, _ := newTestBroker(t)
		return b
	})
}

func TestPublishSetsTTL(t *testing.T) {
	b, mr := newTestBroker(t)
	if _, err := b.Publish(context.Background(), "conn", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	key := "test:broker:stream:conn"
	if !mr.Exists(key) {
		t.Fatalf("stream %s not created", key)
	}
	if ttl := mr.TTL(key); ttl != DefaultStreamTTL {
		t.Fatalf("ttl: want %v got %v", DefaultStreamTTL, ttl)
	}
	mr.FastForward(DefaultStreamTTL + time.Second)
	if mr.Exists(key) {
		t.Fatalf("stream should expire")
	}
}

func TestNewFromURL(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := New(Config{URL: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()
	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := New(Config{URL: "://bad"}); err == nil {
		t.Fatalf("expected url parse error")
	}
}
