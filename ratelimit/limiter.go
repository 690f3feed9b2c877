// Package ratelimit implements the two-tier request limiter that guards every
// state-mutating chat operation.
//
// Each request is counted against its connection and, when a network address
// is known, against that address. Counters use a fixed window that resets
// rather than decays. Exceeding a ceiling blocks the offender for a duration
// that grows with its violation count (5m, 15m, 60m, then 24h), and an
// address block extends to every connection attributed to that address.
// Optional per-event ceilings can be layered on top without feeding the
// violation history.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ErrRateLimited matches every *LimitError via errors.Is.
var ErrRateLimited = errors.New("rate limit exceeded")

// Scope names the counter that rejected a request.
type Scope string

const (
	ScopeConnection Scope = "connection"
	ScopeAddress    Scope = "address"
	ScopeEvent      Scope = "event"
)

// LimitError reports a rejected request and how long the caller should wait.
type LimitError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s); retry in %s", e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Is(target error) bool { return target == ErrRateLimited }

// Limits are the hot-reloadable ceilings.
type Limits struct {
	Window        time.Duration
	PerConnection int
	PerAddress    int
}

// DefaultLimits returns a 60 second window with 100 requests per connection
// and 300 per address.
func DefaultLimits() Limits {
	return Limits{Window: time.Minute, PerConnection: 100, PerAddress: 300}
}

// DefaultBlockDurations is the progressive penalty ladder indexed by
// violation count. Counts beyond the ladder reuse the last entry.
var DefaultBlockDurations = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
	24 * time.Hour,
}

// DefaultViolationExpiry is the quiet period after which the violation count
// starts over.
const DefaultViolationExpiry = 24 * time.Hour

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(rl *Limiter) { rl.limits = l }
}

// WithBlockDurations overrides DefaultBlockDurations.
func WithBlockDurations(d ...time.Duration) Option {
	return func(rl *Limiter) { rl.blocks = append([]time.Duration(nil), d...) }
}

// WithViolationExpiry overrides DefaultViolationExpiry.
func WithViolationExpiry(d time.Duration) Option {
	return func(rl *Limiter) { rl.violationExpiry = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rl *Limiter) { rl.now = now }
}

// WithLogger sets the logger used for block and sweep events.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Limiter) { rl.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m MetricsSink) Option {
	return func(rl *Limiter) { rl.metrics = m }
}

type window struct {
	count int
	start time.Time
}

// roll resets the window if it has elapsed and counts one request.
func (w *window) hit(now time.Time, size time.Duration) int {
	if w.start.IsZero() || now.Sub(w.start) >= size {
		w.count = 0
		w.start = now
	}
	w.count++
	return w.count
}

type block struct {
	active bool
	until  time.Time
}

func (b *block) expired(now time.Time) bool { return b.active && !now.Before(b.until) }

type connRecord struct {
	window
	block
	addr          string
	violations    int
	lastViolation time.Time
	lastSeen      time.Time
}

type addrRecord struct {
	window
	block
	conns    map[string]struct{}
	lastSeen time.Time
}

// Limiter tracks connection, address and per-event counters. All state is
// guarded by a single mutex, and Cleanup takes the same lock.
type Limiter struct {
	now             func() time.Time
	log             *slog.Logger
	metrics         MetricsSink
	blocks          []time.Duration
	violationExpiry time.Duration

	mu     sync.Mutex
	limits Limits
	conns  map[string]*connRecord
	addrs  map[string]*addrRecord
	events map[string]map[string]*window
}

// New constructs a Limiter.
func New(opts ...Option) *Limiter {
	rl := &Limiter{
		now:             time.Now,
		log:             slog.Default(),
		blocks:          DefaultBlockDurations,
		violationExpiry: DefaultViolationExpiry,
		limits:          DefaultLimits(),
		conns:           make(map[string]*connRecord),
		addrs:           make(map[string]*addrRecord),
		events:          make(map[string]map[string]*window),
	}
	for _, opt := range opts {
		opt(rl)
	}
	rl.limits = normalize(rl.limits)
	if len(rl.blocks) == 0 {
		rl.blocks = DefaultBlockDurations
	}
	return rl
}

func normalize(l Limits) Limits {
	d := DefaultLimits()
	if l.Window <= 0 {
		l.Window = d.Window
	}
	if l.PerConnection <= 0 {
		l.PerConnection = d.PerConnection
	}
	if l.PerAddress <= 0 {
		l.PerAddress = d.PerAddress
	}
	return l
}

// Limits returns the active ceilings.
func (rl *Limiter) Limits() Limits {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limits
}

// SetLimits replaces the ceilings. Existing windows keep their counts and are
// judged against the new ceilings from the next request on.
func (rl *Limiter) SetLimits(l Limits) {
	rl.mu.Lock()
	rl.limits = normalize(l)
	l = rl.limits
	rl.mu.Unlock()
	rl.log.Info("ratelimit.limits.updated",
		slog.Duration("window", l.Window),
		slog.Int("per_connection", l.PerConnection),
		slog.Int("per_address", l.PerAddress),
	)
}

// Allow counts one request from connID (and addr, when non-empty). It returns
// a *LimitError when the connection or its address is blocked or when this
// request pushes either counter over its ceiling.
func (rl *Limiter) Allow(ctx context.Context, connID, addr string) error {
	rl.mu.Lock()
	now := rl.now()
	err, blocked := rl.allowLocked(now, connID, addr)
	rl.mu.Unlock()

	if err != nil {
		rl.inc("ratelimit_rejected_total", map[string]string{"scope": string(err.Scope)})
	}
	for _, b := range blocked {
		rl.log.WarnContext(ctx, "ratelimit.block",
			slog.String("scope", string(b.scope)),
			slog.String("target", b.target),
			slog.Int("violations", b.violations),
			slog.Duration("duration", b.duration),
		)
		rl.inc("ratelimit_blocks_total", map[string]string{"scope": string(b.scope), "tier": strconv.Itoa(rl.tier(b.violations))})
	}
	if err != nil {
		return err
	}
	return nil
}

type blockEvent struct {
	scope      Scope
	target     string
	violations int
	duration   time.Duration
}

func (rl *Limiter) allowLocked(now time.Time, connID, addr string) (*LimitError, []blockEvent) {
	c := rl.conns[connID]
	if c == nil {
		c = &connRecord{}
		rl.conns[connID] = c
	}
	c.lastSeen = now
	if addr != "" && c.addr != addr {
		rl.detachLocked(connID, c)
		c.addr = addr
	}

	var a *addrRecord
	if c.addr != "" {
		a = rl.addrs[c.addr]
		if a == nil {
			a = &addrRecord{conns: make(map[string]struct{})}
			rl.addrs[c.addr] = a
		}
		a.conns[connID] = struct{}{}
		a.lastSeen = now
	}

	if c.block.active {
		if !c.block.expired(now) {
			return &LimitError{Scope: ScopeConnection, RetryAfter: c.until.Sub(now)}, nil
		}
		c.block = block{}
		c.window = window{}
	}
	if a != nil && a.block.active {
		if !a.block.expired(now) {
			return &LimitError{Scope: ScopeAddress, RetryAfter: a.until.Sub(now)}, nil
		}
		a.block = block{}
		a.window = window{}
	}

	if c.hit(now, rl.limits.Window) > rl.limits.PerConnection {
		d := rl.violateLocked(now, c)
		return &LimitError{Scope: ScopeConnection, RetryAfter: d}, []blockEvent{{
			scope: ScopeConnection, target: connID, violations: c.violations, duration: d,
		}}
	}

	if a != nil && a.hit(now, rl.limits.Window) > rl.limits.PerAddress {
		events := make([]blockEvent, 0, len(a.conns)+1)
		longest := rl.blocks[0]
		for id := range a.conns {
			member := rl.conns[id]
			if member == nil {
				continue
			}
			d := rl.violateLocked(now, member)
			if d > longest {
				longest = d
			}
			events = append(events, blockEvent{scope: ScopeConnection, target: id, violations: member.violations, duration: d})
		}
		a.block = block{active: true, until: now.Add(longest)}
		events = append(events, blockEvent{scope: ScopeAddress, target: c.addr, violations: 1, duration: longest})
		return &LimitError{Scope: ScopeAddress, RetryAfter: longest}, events
	}
	return nil, nil
}

// violateLocked records one violation against c and blocks it for the
// matching tier.
func (rl *Limiter) violateLocked(now time.Time, c *connRecord) time.Duration {
	if c.violations > 0 && now.Sub(c.lastViolation) > rl.violationExpiry {
		c.violations = 0
	}
	c.violations++
	c.lastViolation = now
	d := rl.blocks[rl.tier(c.violations)-1]
	c.block = block{active: true, until: now.Add(d)}
	return d
}

// tier maps a violation count to a 1-based index into the block ladder.
func (rl *Limiter) tier(violations int) int {
	if violations < 1 {
		return 1
	}
	if violations > len(rl.blocks) {
		return len(rl.blocks)
	}
	return violations
}

// AllowEvent applies a secondary ceiling of limit requests per window to the
// (connID, event) pair. Rejections here never count as violations. A limit
// of zero or less disables the check.
func (rl *Limiter) AllowEvent(ctx context.Context, connID, event string, limit int) error {
	if limit <= 0 {
		return nil
	}
	rl.mu.Lock()
	now := rl.now()
	byEvent := rl.events[connID]
	if byEvent == nil {
		byEvent = make(map[string]*window)
		rl.events[connID] = byEvent
	}
	w := byEvent[event]
	if w == nil {
		w = &window{}
		byEvent[event] = w
	}
	n := w.hit(now, rl.limits.Window)
	retry := w.start.Add(rl.limits.Window).Sub(now)
	rl.mu.Unlock()

	if n > limit {
		rl.log.DebugContext(ctx, "ratelimit.event.reject", slog.String("event", event), slog.Int("limit", limit))
		rl.inc("ratelimit_rejected_total", map[string]string{"scope": string(ScopeEvent)})
		return &LimitError{Scope: ScopeEvent, RetryAfter: retry}
	}
	return nil
}

// RemoveConnection drops all state for connID. If connID was the last
// connection attributed to its address, the address record goes too.
func (rl *Limiter) RemoveConnection(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if c, ok := rl.conns[connID]; ok {
		rl.detachLocked(connID, c)
		delete(rl.conns, connID)
	}
	delete(rl.events, connID)
}

func (rl *Limiter) detachLocked(connID string, c *connRecord) {
	if c.addr == "" {
		return
	}
	if a, ok := rl.addrs[c.addr]; ok {
		delete(a.conns, connID)
		if len(a.conns) == 0 {
			delete(rl.addrs, c.addr)
		}
	}
}

// CleanupStats summarises one Cleanup pass.
type CleanupStats struct {
	ConnectionsEvicted int
	AddressesEvicted   int
	Unblocked          int
	ViolationsExpired  int
}

// Cleanup is the periodic sweep. Connections idle for two windows with no
// active block are evicted, expired blocks are lifted while violation
// history is kept, violation counts older than the expiry are reset, and
// idle addresses with no attributed connections are evicted.
func (rl *Limiter) Cleanup() CleanupStats {
	rl.mu.Lock()
	now := rl.now()
	idle := 2 * rl.limits.Window
	var st CleanupStats

	for id, c := range rl.conns {
		if c.block.active {
			if !c.block.expired(now) {
				continue
			}
			c.block = block{}
			st.Unblocked++
		}
		if c.violations > 0 && now.Sub(c.lastViolation) > rl.violationExpiry {
			c.violations = 0
			st.ViolationsExpired++
		}
		if now.Sub(c.lastSeen) >= idle {
			if c.addr != "" {
				if a, ok := rl.addrs[c.addr]; ok {
					delete(a.conns, id)
				}
			}
			delete(rl.conns, id)
			delete(rl.events, id)
			st.ConnectionsEvicted++
		}
	}

	for addr, a := range rl.addrs {
		if a.block.expired(now) {
			a.block = block{}
			st.Unblocked++
		}
		if !a.block.active && len(a.conns) == 0 && now.Sub(a.lastSeen) >= idle {
			delete(rl.addrs, addr)
			st.AddressesEvicted++
		}
	}

	for id, byEvent := range rl.events {
		for ev, w := range byEvent {
			if now.Sub(w.start) >= rl.limits.Window {
				delete(byEvent, ev)
			}
		}
		if len(byEvent) == 0 {
			delete(rl.events, id)
		}
	}
	rl.mu.Unlock()

	if st != (CleanupStats{}) {
		rl.log.Debug("ratelimit.cleanup",
			slog.Int("connections_evicted", st.ConnectionsEvicted),
			slog.Int("addresses_evicted", st.AddressesEvicted),
			slog.Int("unblocked", st.Unblocked),
			slog.Int("violations_expired", st.ViolationsExpired),
		)
	}
	return st
}

// Run calls Cleanup every interval until ctx is done.
func (rl *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = rl.Limits().Window
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.Cleanup()
		}
	}
}

// Status is a point-in-time view of one connection's record.
type Status struct {
	Count        int
	Violations   int
	Blocked      bool
	BlockedUntil time.Time
	Address      string
}

// ConnectionStatus reports the record for connID, if any.
func (rl *Limiter) ConnectionStatus(connID string) (Status, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	c, ok := rl.conns[connID]
	if !ok {
		return Status{}, false
	}
	return Status{
		Count:        c.count,
		Violations:   c.violations,
		Blocked:      c.block.active && rl.now().Before(c.until),
		BlockedUntil: c.until,
		Address:      c.addr,
	}, true
}

// AddressConnections reports how many connections are attributed to addr and
// whether a record exists.
func (rl *Limiter) AddressConnections(addr string) (int, bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	a, ok := rl.addrs[addr]
	if !ok {
		return 0, false
	}
	return len(a.conns), true
}

func (rl *Limiter) inc(name string, tags map[string]string) {
	if rl.metrics != nil {
		rl.metrics.IncCounter(name, tags)
	}
}
