package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock { return &testClock{t: time.Unix(1_700_000_000, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type recordingSink struct {
	mu       sync.Mutex
	counters map[string]int
}

func (s *recordingSink) IncCounter(name string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = map[string]int{}
	}
	s.counters[name+"/"+tags["scope"]]++
}

func (s *recordingSink) ObserveHistogram(string, float64, map[string]string) {}

// exhaust sends requests until one is rejected and returns that error.
func exhaust(t *testing.T, rl *Limiter, conn, addr string) *LimitError {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10_000; i++ {
		if err := rl.Allow(ctx, conn, addr); err != nil {
			var le *LimitError
			if !errors.As(err, &le) {
				t.Fatalf("unexpected error type %T", err)
			}
			return le
		}
	}
	t.Fatalf("connection %s was never limited", conn)
	return nil
}

func TestConnectionCeiling(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))
	ctx := context.Background()

	for i := 1; i <= 100; i++ {
		if err := rl.Allow(ctx, "c1", ""); err != nil {
			t.Fatalf("request %d rejected: %v", i, err)
		}
	}
	err := rl.Allow(ctx, "c1", "")
	var le *LimitError
	if !errors.As(err, &le) {
		t.Fatalf("101st request: expected *LimitError, got %v", err)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("LimitError should match ErrRateLimited")
	}
	if le.Scope != ScopeConnection || le.RetryAfter != 5*time.Minute {
		t.Fatalf("got %+v, want connection block of 5m", le)
	}

	clock.Advance(4 * time.Minute)
	if err := rl.Allow(ctx, "c1", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rejection while blocked, got %v", err)
	}
	if err := rl.Allow(ctx, "other", ""); err != nil {
		t.Fatalf("an unrelated connection must not be affected: %v", err)
	}
}

func TestWindowResets(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		if err := rl.Allow(ctx, "c1", ""); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	clock.Advance(time.Minute)
	for i := 0; i < 100; i++ {
		if err := rl.Allow(ctx, "c1", ""); err != nil {
			t.Fatalf("after window reset, request %d: %v", i, err)
		}
	}
}

func TestUnblockCountsRequest(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))
	ctx := context.Background()

	exhaust(t, rl, "c1", "")
	clock.Advance(5 * time.Minute)
	if err := rl.Allow(ctx, "c1", ""); err != nil {
		t.Fatalf("request after block expiry: %v", err)
	}
	st, ok := rl.ConnectionStatus("c1")
	if !ok || st.Blocked || st.Count != 1 || st.Violations != 1 {
		t.Fatalf("unexpected status after unblock: %+v", st)
	}
}

func TestProgressiveBlocks(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))

	want := []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute, 24 * time.Hour, 24 * time.Hour}
	for i, d := range want {
		le := exhaust(t, rl, "c1", "")
		if le.RetryAfter != d {
			t.Fatalf("violation %d: block %s, want %s", i+1, le.RetryAfter, d)
		}
		clock.Advance(d)
	}

	// A violation more than 24h after the previous one starts the ladder over.
	clock.Advance(25 * time.Hour)
	le := exhaust(t, rl, "c1", "")
	if le.RetryAfter != 5*time.Minute {
		t.Fatalf("after 25h gap: block %s, want 5m", le.RetryAfter)
	}
	if st, _ := rl.ConnectionStatus("c1"); st.Violations != 1 {
		t.Fatalf("violations = %d, want 1", st.Violations)
	}
}

func TestAddressBlockCascades(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now), WithLimits(Limits{Window: time.Minute, PerConnection: 100, PerAddress: 10}))
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := rl.Allow(ctx, id, "10.0.0.1"); err != nil {
			t.Fatalf("%s: %v", id, err)
		}
	}
	if err := rl.Allow(ctx, "elsewhere", "10.0.0.2"); err != nil {
		t.Fatalf("elsewhere: %v", err)
	}

	le := exhaust(t, rl, "a", "10.0.0.1")
	if le.Scope != ScopeAddress {
		t.Fatalf("expected address scope, got %s", le.Scope)
	}
	for _, id := range []string{"a", "b", "c"} {
		st, _ := rl.ConnectionStatus(id)
		if !st.Blocked || st.Violations != 1 {
			t.Fatalf("%s: expected blocked with one violation, got %+v", id, st)
		}
		if err := rl.Allow(ctx, id, "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("%s: expected rejection, got %v", id, err)
		}
	}
	if err := rl.Allow(ctx, "elsewhere", "10.0.0.2"); err != nil {
		t.Fatalf("other address must be unaffected: %v", err)
	}
	// A fresh connection from the blocked address is refused by the address tier.
	if err := rl.Allow(ctx, "d", "10.0.0.1"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("new connection on blocked address: %v", err)
	}
}

func TestRemoveConnectionEvictsEmptyAddress(t *testing.T) {
	rl := New()
	ctx := context.Background()
	_ = rl.Allow(ctx, "a", "10.0.0.1")
	_ = rl.Allow(ctx, "b", "10.0.0.1")

	rl.RemoveConnection("a")
	if n, ok := rl.AddressConnections("10.0.0.1"); !ok || n != 1 {
		t.Fatalf("after removing a: n=%d ok=%v", n, ok)
	}
	rl.RemoveConnection("b")
	if _, ok := rl.AddressConnections("10.0.0.1"); ok {
		t.Fatalf("address record should be evicted once empty")
	}
	if _, ok := rl.ConnectionStatus("b"); ok {
		t.Fatalf("connection record should be gone")
	}
}

func TestAllowEvent(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := rl.AllowEvent(ctx, "c1", "create-session", 5); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	err := rl.AllowEvent(ctx, "c1", "create-session", 5)
	var le *LimitError
	if !errors.As(err, &le) || le.Scope != ScopeEvent {
		t.Fatalf("expected event-scoped LimitError, got %v", err)
	}
	if err := rl.AllowEvent(ctx, "c1", "send-message", 5); err != nil {
		t.Fatalf("other events are independent: %v", err)
	}
	if err := rl.AllowEvent(ctx, "c2", "create-session", 5); err != nil {
		t.Fatalf("other connections are independent: %v", err)
	}
	if st, ok := rl.ConnectionStatus("c1"); ok && (st.Violations != 0 || st.Blocked) {
		t.Fatalf("event rejections must not feed violations: %+v", st)
	}
	if err := rl.Allow(ctx, "c1", ""); err != nil {
		t.Fatalf("global tier should be unaffected: %v", err)
	}

	clock.Advance(time.Minute)
	if err := rl.AllowEvent(ctx, "c1", "create-session", 5); err != nil {
		t.Fatalf("after window: %v", err)
	}
}

func TestCleanup(t *testing.T) {
	clock := newTestClock()
	rl := New(WithClock(clock.Now))
	ctx := context.Background()

	_ = rl.Allow(ctx, "idle", "10.0.0.1")
	exhaust(t, rl, "blocked", "10.0.0.2")

	clock.Advance(2 * time.Minute)
	st := rl.Cleanup()
	if st.ConnectionsEvicted != 1 || st.AddressesEvicted != 1 {
		t.Fatalf("first pass: %+v", st)
	}
	if _, ok := rl.ConnectionStatus("idle"); ok {
		t.Fatalf("idle connection should be evicted")
	}
	if _, ok := rl.ConnectionStatus("blocked"); !ok {
		t.Fatalf("blocked connection must survive cleanup")
	}
	if _, ok := rl.AddressConnections("10.0.0.1"); ok {
		t.Fatalf("address of evicted connection should be evicted")
	}

	clock.Advance(3 * time.Minute)
	st = rl.Cleanup()
	if st.Unblocked != 1 {
		t.Fatalf("expected the expired block to be lifted: %+v", st)
	}
	status, ok := rl.ConnectionStatus("blocked")
	if ok && (status.Blocked || status.Violations != 1) {
		t.Fatalf("unblocked connection should keep its violation history: %+v", status)
	}
}

func TestSetLimits(t *testing.T) {
	rl := New()
	ctx := context.Background()
	rl.SetLimits(Limits{Window: time.Minute, PerConnection: 2, PerAddress: 10})
	_ = rl.Allow(ctx, "c1", "")
	_ = rl.Allow(ctx, "c1", "")
	if err := rl.Allow(ctx, "c1", ""); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("new ceiling not applied: %v", err)
	}
	rl.SetLimits(Limits{})
	if got := rl.Limits(); got != DefaultLimits() {
		t.Fatalf("zero limits should normalize to defaults, got %+v", got)
	}
}

func TestMetrics(t *testing.T) {
	sink := &recordingSink{}
	rl := New(WithMetrics(sink))
	exhaust(t, rl, "c1", "")
	_ = rl.Allow(context.Background(), "c1", "")

	if got := sink.counters["ratelimit_blocks_total/connection"]; got != 1 {
		t.Fatalf("blocks = %d, want 1", got)
	}
	if got := sink.counters["ratelimit_rejected_total/connection"]; got != 2 {
		t.Fatalf("rejections = %d, want 2", got)
	}
}

func TestConcurrentAllow(t *testing.T) {
	rl := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	rejected := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				if err := rl.Allow(ctx, "shared", fmt.Sprintf("10.0.0.%d", g%2)); err != nil {
					mu.Lock()
					rejected++
					mu.Unlock()
				}
			}
		}(g)
	}
	wg.Wait()
	// 400 requests against a ceiling of 100: exactly 100 pass.
	if rejected != 300 {
		t.Fatalf("rejected = %d, want 300", rejected)
	}
}
