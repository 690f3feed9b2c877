package sessions

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

type recorder struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recorder) Notify(_ context.Context, n Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recorder) byEvent(event string) []Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notice
	for _, n := range r.notices {
		if n.Event == event {
			out = append(out, n)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.notices = nil
	r.mu.Unlock()
}

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *testClock, *recorder) {
	t.Helper()
	clock := &testClock{t: time.Unix(1_700_000_000, 0)}
	rec := &recorder{}
	opts = append([]Option{WithClock(clock.Now), WithNotifier(rec)}, opts...)
	return NewRegistry(opts...), clock, rec
}

func TestCreateSession(t *testing.T) {
	reg, clock, _ := newTestRegistry(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		s, err := reg.CreateSession(ctx, fmt.Sprintf("creator-%d", i), 0)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if !ValidCode(s.Code) {
			t.Fatalf("code %q does not match ^[A-Z0-9]{6}$", s.Code)
		}
		if seen[s.Code] {
			t.Fatalf("duplicate live code %q", s.Code)
		}
		seen[s.Code] = true
		if s.SessionKey != "" {
			t.Fatalf("new session must not have a key")
		}
		if s.MaxParticipants != DefaultMaxParticipants {
			t.Fatalf("max participants = %d", s.MaxParticipants)
		}
		if !s.ExpiresAt.Equal(clock.Now().Add(DefaultLifetime)) {
			t.Fatalf("expiresAt = %v", s.ExpiresAt)
		}
		if len(s.Participants) != 1 || !s.Participants[0].IsCreator || s.Participants[0].Alias == "" {
			t.Fatalf("creator not seeded: %+v", s.Participants)
		}
	}
}

func TestCreateSessionResamplesCollisions(t *testing.T) {
	codes := []string{"AAAAAA", "AAAAAA", "lower!", "BBBBBB"}
	i := 0
	src := func() (string, error) {
		c := codes[i%len(codes)]
		i++
		return c, nil
	}
	reg, _, _ := newTestRegistry(t, WithCodeSource(src))
	ctx := context.Background()

	a, err := reg.CreateSession(ctx, "c1", 0)
	if err != nil || a.Code != "AAAAAA" {
		t.Fatalf("first: %v %v", a, err)
	}
	b, err := reg.CreateSession(ctx, "c2", 0)
	if err != nil || b.Code != "BBBBBB" {
		t.Fatalf("second should skip the collision and the malformed code: %v %v", b, err)
	}

	stuck, _, _ := newTestRegistry(t, WithCodeSource(func() (string, error) { return "ZZZZZZ", nil }))
	if _, err := stuck.CreateSession(ctx, "x", 0); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := stuck.CreateSession(ctx, "y", 0); !errors.Is(err, ErrCodeUnavailable) {
		t.Fatalf("expected ErrCodeUnavailable, got %v", err)
	}
}

func TestJoinSession(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)

	clock.Advance(time.Minute)
	joined, err := reg.JoinSession(ctx, "guest", s.Code)
	if err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	if len(joined.Participants) != 2 {
		t.Fatalf("participants = %d", len(joined.Participants))
	}
	if !joined.ExpiresAt.Equal(clock.Now().Add(DefaultLifetime)) {
		t.Fatalf("join must extend expiry")
	}
	p, ok := joined.Participant("guest")
	if !ok || p.IsCreator || p.Alias == "" {
		t.Fatalf("guest participant: %+v", p)
	}

	roster := rec.byEvent(EventParticipantJoined)
	if len(roster) != 1 || len(roster[0].Recipients) != 2 {
		t.Fatalf("roster notice: %+v", roster)
	}
	if upd := roster[0].Data.(*RosterUpdate); upd.ParticipantCount != 2 || upd.Alias != p.Alias {
		t.Fatalf("roster data: %+v", upd)
	}

	again, err := reg.JoinSession(ctx, "guest", s.Code)
	if err != nil || len(again.Participants) != 2 {
		t.Fatalf("rejoin should be idempotent: %v %v", again, err)
	}

	if _, err := reg.JoinSession(ctx, "guest2", "NOPE00"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJoinFullSession(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 2)
	if _, err := reg.JoinSession(ctx, "a", s.Code); err != nil {
		t.Fatalf("join a: %v", err)
	}
	if _, err := reg.JoinSession(ctx, "b", s.Code); !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	got, _ := reg.GetSession(ctx, s.Code)
	if len(got.Participants) != 2 {
		t.Fatalf("failed join mutated participants: %d", len(got.Participants))
	}
	if _, err := reg.GetSessionByConnection(ctx, "b"); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("rejected joiner must not be indexed: %v", err)
	}
}

func TestJoinExpiredAndIdle(t *testing.T) {
	ctx := context.Background()

	t.Run("expired", func(t *testing.T) {
		reg, clock, rec := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		clock.Advance(11 * time.Minute)
		if _, err := reg.JoinSession(ctx, "late", s.Code); !errors.Is(err, ErrExpired) {
			t.Fatalf("expected ErrExpired, got %v", err)
		}
		if reg.Count() != 0 || reg.IndexedConnections() != 0 {
			t.Fatalf("stale session should be evicted lazily")
		}
		ended := rec.byEvent(EventSessionEnded)
		if len(ended) != 1 || ended[0].Data.(*SessionEnded).Reason != ReasonExpired {
			t.Fatalf("expected expiry notice: %+v", ended)
		}
	})

	t.Run("idle", func(t *testing.T) {
		reg, clock, _ := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		clock.Advance(6 * time.Minute)
		if _, err := reg.JoinSession(ctx, "late", s.Code); !errors.Is(err, ErrIdle) {
			t.Fatalf("expected ErrIdle, got %v", err)
		}
	})

	t.Run("activity keeps it alive", func(t *testing.T) {
		reg, clock, _ := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		for i := 0; i < 4; i++ {
			clock.Advance(4 * time.Minute)
			if _, err := reg.PostMessage(ctx, "creator", "{}", ""); err != nil {
				t.Fatalf("post %d: %v", i, err)
			}
		}
		if _, err := reg.JoinSession(ctx, "late", s.Code); err != nil {
			t.Fatalf("active session should accept joins after 16 minutes: %v", err)
		}
	})
}

func TestSetSessionKeyRing(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)
	_, _ = reg.JoinSession(ctx, "guest", s.Code)
	rec.reset()

	if err := reg.SetSessionKey(ctx, s.Code, "k0"); err != nil {
		t.Fatalf("SetSessionKey: %v", err)
	}
	updates := rec.byEvent(EventSessionKeyUpdated)
	if len(updates) != 1 || len(updates[0].Recipients) != 1 || updates[0].Recipients[0] != "guest" {
		t.Fatalf("key update should reach only non-creators: %+v", updates)
	}
	if updates[0].Data.(*KeyUpdate).Rotated {
		t.Fatalf("initial key is not a rotation")
	}

	for i := 1; i <= 4; i++ {
		clock.Advance(time.Second)
		_ = reg.SetSessionKey(ctx, s.Code, fmt.Sprintf("k%d", i))
	}
	got, _ := reg.GetSession(ctx, s.Code)
	if got.SessionKey != "k4" {
		t.Fatalf("current key = %q", got.SessionKey)
	}
	want := []string{"k3", "k2", "k1"}
	if fmt.Sprint(got.PreviousKeys) != fmt.Sprint(want) {
		t.Fatalf("previous keys = %v, want %v", got.PreviousKeys, want)
	}
	if !got.KeyRotatedAt.Equal(clock.Now()) {
		t.Fatalf("rotation time not stamped")
	}
	if last := rec.byEvent(EventSessionKeyUpdated); !last[len(last)-1].Data.(*KeyUpdate).Rotated {
		t.Fatalf("subsequent keys are rotations")
	}

	if err := reg.SetSessionKey(ctx, "NOPE00", "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetSameKeyDoesNotFillRing(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)
	_, _ = reg.JoinSession(ctx, "guest", s.Code)
	_ = reg.SetSessionKey(ctx, s.Code, "k0")
	_ = reg.SetSessionKey(ctx, s.Code, "k1")
	rec.reset()

	clock.Advance(time.Second)
	for range PreviousKeyLimit + 1 {
		if err := reg.SetSessionKey(ctx, s.Code, "k1"); err != nil {
			t.Fatalf("SetSessionKey: %v", err)
		}
	}
	got, _ := reg.GetSession(ctx, s.Code)
	if got.SessionKey != "k1" || fmt.Sprint(got.PreviousKeys) != "[k0]" {
		t.Fatalf("ring after re-install: current=%q previous=%v", got.SessionKey, got.PreviousKeys)
	}
	if !got.KeyRotatedAt.Equal(clock.Now()) {
		t.Fatalf("re-install should still stamp the rotation time")
	}
	if n := len(rec.byEvent(EventSessionKeyUpdated)); n != PreviousKeyLimit+1 {
		t.Fatalf("key updates = %d", n)
	}
}

func TestRotationDue(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)
	_ = reg.SetSessionKey(ctx, s.Code, "k0")

	// Keep the session active across the rotation interval.
	for i := 0; i < 4; i++ {
		clock.Advance(4 * time.Minute)
		_, _ = reg.PostMessage(ctx, "creator", "{}", "")
	}
	got, err := reg.GetSessionByConnection(ctx, "creator")
	if err != nil {
		t.Fatalf("GetSessionByConnection: %v", err)
	}
	if !got.RotationDue {
		t.Fatalf("rotation should be due after 16 minutes")
	}

	if st := reg.Sweep(ctx); st.RotationDue != 1 {
		t.Fatalf("sweep: %+v", st)
	}
	if st := reg.Sweep(ctx); st.RotationDue != 0 {
		t.Fatalf("rotation notice should be sent once per key: %+v", st)
	}
	due := rec.byEvent(EventKeyRotationDue)
	if len(due) != 1 || due[0].Recipients[0] != "creator" {
		t.Fatalf("rotation notice: %+v", due)
	}

	_ = reg.SetSessionKey(ctx, s.Code, "k1")
	got, _ = reg.GetSession(ctx, s.Code)
	if got.RotationDue {
		t.Fatalf("setting a key clears the rotation signal")
	}
}

func TestLeaveSession(t *testing.T) {
	ctx := context.Background()

	t.Run("participant", func(t *testing.T) {
		reg, _, rec := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		_, _ = reg.JoinSession(ctx, "a", s.Code)
		_, _ = reg.JoinSession(ctx, "b", s.Code)

		if err := reg.LeaveSession(ctx, "a"); err != nil {
			t.Fatalf("LeaveSession: %v", err)
		}
		left := rec.byEvent(EventParticipantLeft)
		if len(left) != 1 || left[0].Data.(*RosterUpdate).ParticipantCount != 2 {
			t.Fatalf("departure notice: %+v", left)
		}
		if err := reg.LeaveSession(ctx, "a"); !errors.Is(err, ErrNotInSession) {
			t.Fatalf("second leave: %v", err)
		}
	})

	t.Run("creator", func(t *testing.T) {
		reg, _, rec := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		_, _ = reg.JoinSession(ctx, "a", s.Code)
		_, _ = reg.JoinSession(ctx, "b", s.Code)

		if err := reg.LeaveSession(ctx, "creator"); err != nil {
			t.Fatalf("LeaveSession: %v", err)
		}
		if reg.Count() != 0 || reg.IndexedConnections() != 0 {
			t.Fatalf("creator departure must release all state: sessions=%d index=%d", reg.Count(), reg.IndexedConnections())
		}
		ended := rec.byEvent(EventSessionEnded)
		if len(ended) != 1 || len(ended[0].Recipients) != 2 {
			t.Fatalf("termination notice: %+v", ended)
		}
		if ended[0].Data.(*SessionEnded).Reason != ReasonCreatorLeft {
			t.Fatalf("reason: %+v", ended[0].Data)
		}
	})

	t.Run("last participant", func(t *testing.T) {
		reg, _, _ := newTestRegistry(t)
		s, _ := reg.CreateSession(ctx, "creator", 0)
		_, _ = reg.JoinSession(ctx, "a", s.Code)
		_ = reg.LeaveSession(ctx, "a")
		_ = reg.LeaveSession(ctx, "creator")
		if reg.Count() != 0 || reg.IndexedConnections() != 0 {
			t.Fatalf("residual state: sessions=%d index=%d", reg.Count(), reg.IndexedConnections())
		}
	})
}

func TestEndAndRevokeSession(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()

	s, _ := reg.CreateSession(ctx, "creator", 0)
	_, _ = reg.JoinSession(ctx, "a", s.Code)
	if err := reg.EndSession(ctx, s.Code); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if reg.IndexedConnections() != 0 {
		t.Fatalf("end must purge connection index")
	}
	if _, err := reg.GetSessionByConnection(ctx, "a"); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("former member still indexed: %v", err)
	}
	if err := reg.EndSession(ctx, s.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double end: %v", err)
	}

	s2, _ := reg.CreateSession(ctx, "creator", 0)
	_, _ = reg.JoinSession(ctx, "b", s2.Code)
	rec.reset()
	if err := reg.RevokeSession(ctx, s2.Code, "abuse reported"); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	ended := rec.byEvent(EventSessionEnded)
	if len(ended) != 1 {
		t.Fatalf("revocation notice: %+v", ended)
	}
	if d := ended[0].Data.(*SessionEnded); d.Reason != ReasonRevoked || d.Message != "abuse reported" {
		t.Fatalf("revocation data: %+v", d)
	}
	if _, err := reg.JoinSession(ctx, "c", s2.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("revoked session must be unreachable: %v", err)
	}
}

func TestSwitchingSessions(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	a, _ := reg.CreateSession(ctx, "alice", 0)
	b, _ := reg.CreateSession(ctx, "bob", 0)
	_, _ = reg.JoinSession(ctx, "carol", a.Code)

	if _, err := reg.JoinSession(ctx, "carol", b.Code); err != nil {
		t.Fatalf("JoinSession: %v", err)
	}
	got, _ := reg.GetSession(ctx, a.Code)
	if _, ok := got.Participant("carol"); ok {
		t.Fatalf("carol should have left her previous session")
	}
	cur, _ := reg.GetSessionByConnection(ctx, "carol")
	if cur.Code != b.Code {
		t.Fatalf("carol indexed to %s, want %s", cur.Code, b.Code)
	}
}

func TestPostMessage(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)
	_, _ = reg.JoinSession(ctx, "guest", s.Code)

	msg, err := reg.PostMessage(ctx, "guest", `{"nonce":"n"}`, "sig")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if msg.ID == "" || msg.Sender != "guest" || msg.SenderName == "" {
		t.Fatalf("message: %+v", msg)
	}
	out := rec.byEvent(EventNewMessage)
	if len(out) != 1 || len(out[0].Recipients) != 2 {
		t.Fatalf("broadcast: %+v", out)
	}
	if _, err := reg.PostMessage(ctx, "stranger", "x", ""); !errors.Is(err, ErrNotInSession) {
		t.Fatalf("expected ErrNotInSession, got %v", err)
	}
}

func TestSweepEvicts(t *testing.T) {
	reg, clock, rec := newTestRegistry(t)
	ctx := context.Background()
	idle, _ := reg.CreateSession(ctx, "idle-creator", 0)
	_, _ = reg.JoinSession(ctx, "idle-guest", idle.Code)
	busy, _ := reg.CreateSession(ctx, "busy-creator", 0)

	clock.Advance(4 * time.Minute)
	_, _ = reg.PostMessage(ctx, "busy-creator", "x", "")
	clock.Advance(2 * time.Minute)

	st := reg.Sweep(ctx)
	if st.Idle != 1 || st.Expired != 0 {
		t.Fatalf("sweep: %+v", st)
	}
	if _, err := reg.GetSession(ctx, busy.Code); err != nil {
		t.Fatalf("busy session evicted: %v", err)
	}
	ended := rec.byEvent(EventSessionEnded)
	if len(ended) != 1 || len(ended[0].Recipients) != 2 {
		t.Fatalf("idle eviction should notify both members: %+v", ended)
	}
	if reg.IndexedConnections() != 1 {
		t.Fatalf("only busy-creator should remain indexed, got %d", reg.IndexedConnections())
	}
}

func TestNoticesFollowMutationOrder(t *testing.T) {
	reg, _, rec := newTestRegistry(t)
	ctx := context.Background()
	s, _ := reg.CreateSession(ctx, "creator", 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.JoinSession(ctx, fmt.Sprintf("g%d", i), s.Code)
		}(i)
	}
	wg.Wait()

	joined := rec.byEvent(EventParticipantJoined)
	if len(joined) != 8 {
		t.Fatalf("joins = %d", len(joined))
	}
	for i, n := range joined {
		if got := n.Data.(*RosterUpdate).ParticipantCount; got != i+2 {
			t.Fatalf("notice %d carries count %d; notices left out of order", i, got)
		}
	}
}
