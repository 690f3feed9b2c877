// Package brokertest is a conformance suite shared by broker implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/codleed/ephemeral-chat/broker"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("SubscribeStartsAtNextMessage", func(t *testing.T) {
		testSubscribeStartsAtNextMessage(t, factory(t))
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory(t))
	})
	t.Run("MultipleSubscribers", func(t *testing.T) {
		testMultipleSubscribers(t, factory(t))
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory(t))
	})
	t.Run("NextHonoursContext", func(t *testing.T) {
		testNextHonoursContext(t, factory(t))
	})
	t.Run("NextWaitsForPublish", func(t *testing.T) {
		testNextWaitsForPublish(t, factory(t))
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory(t))
	})
	t.Run("CleanupForgetsHistory", func(t *testing.T) {
		testCleanupForgetsHistory(t, factory(t))
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func publish(t *testing.T, b broker.Broker, ns string, body string) string {
	t.Helper()
	id, err := b.Publish(testContext(t), ns, []byte(body))
	if err != nil {
		t.Fatalf("publish %q: %v", body, err)
	}
	if id == "" {
		t.Fatalf("publish %q: empty event id", body)
	}
	return id
}

func subscribe(t *testing.T, b broker.Broker, ns, last string) broker.MessageStream {
	t.Helper()
	s, err := b.Subscribe(testContext(t), ns, last)
	if err != nil {
		t.Fatalf("subscribe %s from %q: %v", ns, last, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func expect(t *testing.T, s broker.MessageStream, wantID, wantBody string) {
	t.Helper()
	env, err := s.Next(testContext(t))
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if wantID != "" && env.ID != wantID {
		t.Fatalf("event id: want %s got %s", wantID, env.ID)
	}
	if string(env.Data) != wantBody {
		t.Fatalf("data: want %q got %q", wantBody, env.Data)
	}
}

func testSubscribeStartsAtNextMessage(t *testing.T, b broker.Broker) {
	publish(t, b, "conn-a", "before")
	s := subscribe(t, b, "conn-a", "")
	id := publish(t, b, "conn-a", "after")
	expect(t, s, id, "after")
}

func testResumeFromLastEventID(t *testing.T, b broker.Broker) {
	id1 := publish(t, b, "conn-b", "one")
	id2 := publish(t, b, "conn-b", "two")
	id3 := publish(t, b, "conn-b", "three")

	s := subscribe(t, b, "conn-b", id1)
	expect(t, s, id2, "two")
	expect(t, s, id3, "three")
}

func testMultipleSubscribers(t *testing.T, b broker.Broker) {
	s1 := subscribe(t, b, "conn-c", "")
	s2 := subscribe(t, b, "conn-c", "")
	id := publish(t, b, "conn-c", "hello")
	expect(t, s1, id, "hello")
	expect(t, s2, id, "hello")
}

func testNamespaceIsolation(t *testing.T, b broker.Broker) {
	s1 := subscribe(t, b, "conn-d1", "")
	s2 := subscribe(t, b, "conn-d2", "")
	publish(t, b, "conn-d1", "for-d1")
	publish(t, b, "conn-d2", "for-d2")
	expect(t, s1, "", "for-d1")
	expect(t, s2, "", "for-d2")
}

func testNextHonoursContext(t *testing.T, b broker.Broker) {
	s := subscribe(t, b, "conn-e", "")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func testNextWaitsForPublish(t *testing.T, b broker.Broker) {
	s := subscribe(t, b, "conn-f", "")
	got := make(chan error, 1)
	go func() {
		env, err := s.Next(testContext(t))
		if err == nil && string(env.Data) != "late" {
			err = fmt.Errorf("unexpected data %q", env.Data)
		}
		got <- err
	}()
	time.Sleep(50 * time.Millisecond)
	publish(t, b, "conn-f", "late")
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("next: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("next did not observe publish")
	}
}

func testResumeFromUnknownEventID(t *testing.T, b broker.Broker) {
	publish(t, b, "conn-g", "x")
	_, err := b.Subscribe(testContext(t), "conn-g", "non-existent-id")
	if !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID, got %v", err)
	}
}

func testCleanupForgetsHistory(t *testing.T, b broker.Broker) {
	id := publish(t, b, "conn-h", "gone")
	if err := b.Cleanup(testContext(t), "conn-h"); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := b.Subscribe(testContext(t), "conn-h", id); !errors.Is(err, broker.ErrUnknownEventID) {
		t.Fatalf("expected ErrUnknownEventID after cleanup, got %v", err)
	}
	if err := b.Cleanup(testContext(t), "never-existed"); err != nil {
		t.Fatalf("cleanup of unknown namespace: %v", err)
	}
}
