package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/codleed/ephemeral-chat/chatcrypto"
	"github.com/google/uuid"
)

const (
	DefaultLifetime         = 10 * time.Minute
	DefaultIdleTimeout      = 5 * time.Minute
	DefaultRotationInterval = 15 * time.Minute
	DefaultMaxParticipants  = 10

	// PreviousKeyLimit bounds the ring of superseded keys kept per session.
	PreviousKeyLimit = chatcrypto.PreviousKeyLimit

	maxCodeAttempts = 64
)

// Option configures a Registry.
type Option func(*Registry)

// WithLifetime sets how far ExpiresAt is pushed out on creation and activity.
func WithLifetime(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.lifetime = d
		}
	}
}

// WithIdleTimeout sets the inactivity limit.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idle = d
		}
	}
}

// WithRotationInterval sets how long a key may stay current before the
// creator is told to rotate it.
func WithRotationInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.rotation = d
		}
	}
}

// WithMaxParticipants sets the capacity used when CreateSession is called
// without one.
func WithMaxParticipants(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxParticipants = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func WithMetrics(m MetricsSink) Option {
	return func(r *Registry) { r.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithCodeSource replaces NewCode, mainly for collision tests.
func WithCodeSource(fn func() (string, error)) Option {
	return func(r *Registry) { r.newCode = fn }
}

// WithAliasSource replaces NewAlias.
func WithAliasSource(fn func() string) Option {
	return func(r *Registry) { r.newAlias = fn }
}

type member struct {
	alias    string
	joinedAt time.Time
	seq      uint64
}

type session struct {
	id               string
	code             string
	creatorID        string
	createdAt        time.Time
	expiresAt        time.Time
	lastActivity     time.Time
	keyRotatedAt     time.Time
	key              string
	previous         []string
	maxParticipants  int
	members          map[string]*member
	revoked          bool
	rotationNotified bool
}

// Registry is the single in-memory authority for sessions. It is safe for
// concurrent use; all state sits behind one mutex that Sweep also takes.
type Registry struct {
	lifetime        time.Duration
	idle            time.Duration
	rotation        time.Duration
	maxParticipants int
	now             func() time.Time
	log             *slog.Logger
	metrics         MetricsSink
	notifier        Notifier
	newCode         func() (string, error)
	newAlias        func() string

	mu       sync.Mutex
	sessions map[string]*session
	byConn   map[string]string
	seq      uint64

	// emitMu is taken before mu is released so notices leave in mutation order.
	emitMu sync.Mutex
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		lifetime:        DefaultLifetime,
		idle:            DefaultIdleTimeout,
		rotation:        DefaultRotationInterval,
		maxParticipants: DefaultMaxParticipants,
		now:             time.Now,
		log:             slog.Default(),
		notifier:        NotifierFunc(func(context.Context, Notice) {}),
		newCode:         NewCode,
		newAlias:        NewAlias,
		sessions:        make(map[string]*session),
		byConn:          make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// unlockAndEmit releases mu and delivers notices. Every mutating path ends
// here instead of deferring mu.Unlock. emitMu is taken before mu is released,
// so the next mutation waits for this emission to finish.
func (r *Registry) unlockAndEmit(ctx context.Context, notices []Notice) {
	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()
	for _, n := range notices {
		if len(n.Recipients) == 0 {
			continue
		}
		r.notifier.Notify(ctx, n)
	}
}

// CreateSession opens a session owned by creatorID. A maxParticipants of
// zero or less uses the registry default. If creatorID is already in a
// session it leaves that one first.
func (r *Registry) CreateSession(ctx context.Context, creatorID string, maxParticipants int) (*Session, error) {
	if maxParticipants <= 0 {
		maxParticipants = r.maxParticipants
	}
	r.mu.Lock()
	now := r.now()
	notices, _ := r.leaveLocked(ctx, creatorID, now)

	code, err := r.allocateCodeLocked()
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		r.log.ErrorContext(ctx, "session.create.err", slog.String("err", err.Error()))
		return nil, err
	}
	s := &session{
		id:              uuid.NewString(),
		code:            code,
		creatorID:       creatorID,
		createdAt:       now,
		expiresAt:       now.Add(r.lifetime),
		lastActivity:    now,
		maxParticipants: maxParticipants,
		members:         make(map[string]*member, maxParticipants),
	}
	s.members[creatorID] = r.newMemberLocked(now)
	r.sessions[code] = s
	r.byConn[creatorID] = code
	view := r.snapshotLocked(s, now)
	r.unlockAndEmit(ctx, notices)

	r.log.InfoContext(ctx, "session.create.ok",
		slog.String("code", code),
		slog.Int("max_participants", maxParticipants),
	)
	r.inc("sessions_created_total", nil)
	return view, nil
}

func (r *Registry) allocateCodeLocked() (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := r.newCode()
		if err != nil {
			return "", err
		}
		if !ValidCode(code) {
			continue
		}
		if _, taken := r.sessions[code]; !taken {
			return code, nil
		}
	}
	return "", ErrCodeUnavailable
}

func (r *Registry) newMemberLocked(now time.Time) *member {
	r.seq++
	return &member{alias: r.newAlias(), joinedAt: now, seq: r.seq}
}

// JoinSession adds connID to the session identified by code. Joining a
// session the connection is already in returns the current view unchanged.
func (r *Registry) JoinSession(ctx context.Context, connID, code string) (*Session, error) {
	r.mu.Lock()
	now := r.now()
	s, notices, err := r.lookupLocked(ctx, code, now)
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		r.rejectJoin(ctx, code, err)
		return nil, err
	}
	if _, ok := s.members[connID]; ok {
		s.lastActivity = now
		view := r.snapshotLocked(s, now)
		r.unlockAndEmit(ctx, notices)
		return view, nil
	}
	if len(s.members) >= s.maxParticipants {
		r.unlockAndEmit(ctx, notices)
		r.rejectJoin(ctx, code, ErrFull)
		return nil, ErrFull
	}
	if prev, ok := r.byConn[connID]; ok && prev != code {
		left, _ := r.leaveLocked(ctx, connID, now)
		notices = append(notices, left...)
	}

	m := r.newMemberLocked(now)
	s.members[connID] = m
	r.byConn[connID] = code
	r.activityLocked(s, now)
	view := r.snapshotLocked(s, now)
	notices = append(notices, Notice{
		Event:      EventParticipantJoined,
		Recipients: view.ConnectionIDs(),
		Data: &RosterUpdate{
			Code:             code,
			Alias:            m.alias,
			ParticipantCount: len(view.Participants),
			Participants:     view.Aliases(),
		},
	})
	r.unlockAndEmit(ctx, notices)

	r.log.InfoContext(ctx, "session.join.ok",
		slog.String("code", code),
		slog.Int("participants", len(view.Participants)),
	)
	r.inc("session_joins_total", nil)
	return view, nil
}

func (r *Registry) rejectJoin(ctx context.Context, code string, err error) {
	r.log.InfoContext(ctx, "session.join.rejected", slog.String("code", code), slog.String("err", err.Error()))
	r.inc("session_joins_rejected_total", map[string]string{"reason": errReason(err)})
}

func errReason(err error) string {
	switch err {
	case ErrNotFound:
		return "not_found"
	case ErrExpired:
		return "expired"
	case ErrIdle:
		return "idle"
	case ErrRevoked:
		return "revoked"
	case ErrFull:
		return "full"
	default:
		return "other"
	}
}

// GetSession returns the live session for code, evicting it if it has gone
// stale. A successful read counts as activity for idle purposes only.
func (r *Registry) GetSession(ctx context.Context, code string) (*Session, error) {
	r.mu.Lock()
	now := r.now()
	s, notices, err := r.lookupLocked(ctx, code, now)
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		return nil, err
	}
	s.lastActivity = now
	view := r.snapshotLocked(s, now)
	r.unlockAndEmit(ctx, notices)
	return view, nil
}

// GetSessionByConnection is GetSession keyed by participant. It returns
// ErrNotInSession when connID has no session.
func (r *Registry) GetSessionByConnection(ctx context.Context, connID string) (*Session, error) {
	r.mu.Lock()
	code, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotInSession
	}
	now := r.now()
	s, notices, err := r.lookupLocked(ctx, code, now)
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		return nil, err
	}
	s.lastActivity = now
	view := r.snapshotLocked(s, now)
	r.unlockAndEmit(ctx, notices)
	return view, nil
}

// SetSessionKey installs key as the current key for code, pushing any
// existing different key onto the front of the previous-key ring. Other
// participants receive session-key-updated.
func (r *Registry) SetSessionKey(ctx context.Context, code, key string) error {
	r.mu.Lock()
	now := r.now()
	s, notices, err := r.lookupLocked(ctx, code, now)
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		return err
	}
	rotated := s.key != ""
	if rotated && s.key != key {
		s.previous = append([]string{s.key}, s.previous...)
		if len(s.previous) > PreviousKeyLimit {
			s.previous = s.previous[:PreviousKeyLimit]
		}
	}
	s.key = key
	s.keyRotatedAt = now
	s.rotationNotified = false
	r.activityLocked(s, now)

	others := make([]string, 0, len(s.members))
	for id := range s.members {
		if id != s.creatorID {
			others = append(others, id)
		}
	}
	sort.Strings(others)
	notices = append(notices, Notice{
		Event:      EventSessionKeyUpdated,
		Recipients: others,
		Data:       &KeyUpdate{Code: code, SessionKey: key, Rotated: rotated},
	})
	r.unlockAndEmit(ctx, notices)

	r.log.InfoContext(ctx, "session.key.set", slog.String("code", code), slog.Bool("rotated", rotated))
	r.inc("session_keys_set_total", map[string]string{"rotated": boolTag(rotated)})
	return nil
}

func boolTag(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// LeaveSession removes connID from its session. The session is torn down
// when the creator leaves or nobody is left; otherwise the remaining members
// get participant-left and the expiry is extended.
func (r *Registry) LeaveSession(ctx context.Context, connID string) error {
	r.mu.Lock()
	notices, ok := r.leaveLocked(ctx, connID, r.now())
	r.unlockAndEmit(ctx, notices)
	if !ok {
		return ErrNotInSession
	}
	return nil
}

func (r *Registry) leaveLocked(ctx context.Context, connID string, now time.Time) ([]Notice, bool) {
	code, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(r.byConn, connID)
	s := r.sessions[code]
	if s == nil {
		return nil, true
	}
	m := s.members[connID]
	delete(s.members, connID)

	if reason, _ := r.checkLocked(s, now); reason != "" {
		return r.teardownLocked(ctx, s, reason, "", now), true
	}
	if connID == s.creatorID {
		return r.teardownLocked(ctx, s, ReasonCreatorLeft, "", now), true
	}
	if len(s.members) == 0 {
		return r.teardownLocked(ctx, s, ReasonEmpty, "", now), true
	}
	r.activityLocked(s, now)
	view := r.snapshotLocked(s, now)
	alias := ""
	if m != nil {
		alias = m.alias
	}
	r.log.InfoContext(ctx, "session.leave.ok", slog.String("code", code), slog.Int("participants", len(view.Participants)))
	return []Notice{{
		Event:      EventParticipantLeft,
		Recipients: view.ConnectionIDs(),
		Data: &RosterUpdate{
			Code:             code,
			Alias:            alias,
			ParticipantCount: len(view.Participants),
			Participants:     view.Aliases(),
		},
	}}, true
}

// EndSession terminates the session unconditionally.
func (r *Registry) EndSession(ctx context.Context, code string) error {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	notices := r.teardownLocked(ctx, s, ReasonEnded, "", r.now())
	r.unlockAndEmit(ctx, notices)
	return nil
}

// RevokeSession marks the session revoked and tears it down. detail, when
// non-empty, replaces the default reason text sent to participants.
func (r *Registry) RevokeSession(ctx context.Context, code, detail string) error {
	r.mu.Lock()
	s, ok := r.sessions[code]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	s.revoked = true
	notices := r.teardownLocked(ctx, s, ReasonRevoked, detail, r.now())
	r.unlockAndEmit(ctx, notices)
	return nil
}

// PostMessage relays an opaque message from connID to every participant of
// its session, the sender included.
func (r *Registry) PostMessage(ctx context.Context, connID, encryptedContent, signature string) (*Message, error) {
	r.mu.Lock()
	code, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotInSession
	}
	now := r.now()
	s, notices, err := r.lookupLocked(ctx, code, now)
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		return nil, err
	}
	m := s.members[connID]
	if m == nil {
		r.mu.Unlock()
		return nil, ErrNotInSession
	}
	msg := &Message{
		ID:               uuid.NewString(),
		Sender:           connID,
		SenderName:       m.alias,
		EncryptedContent: encryptedContent,
		Signature:        signature,
		Timestamp:        now,
	}
	r.activityLocked(s, now)
	notices = append(notices, Notice{
		Event:      EventNewMessage,
		Recipients: r.snapshotLocked(s, now).ConnectionIDs(),
		Data:       msg,
	})
	r.unlockAndEmit(ctx, notices)

	r.inc("messages_relayed_total", nil)
	return msg, nil
}

// SweepStats summarises one Sweep pass.
type SweepStats struct {
	Expired     int
	Idle        int
	RotationDue int
}

// Sweep evicts expired and idle sessions, notifying their participants, and
// tells each creator whose key has outlived the rotation interval that a new
// key is due. The rotation notice is sent once per key.
func (r *Registry) Sweep(ctx context.Context) SweepStats {
	r.mu.Lock()
	now := r.now()
	var st SweepStats
	var notices []Notice
	for _, s := range r.sessions {
		if reason, _ := r.checkLocked(s, now); reason != "" {
			switch reason {
			case ReasonExpired:
				st.Expired++
			case ReasonIdle:
				st.Idle++
			}
			notices = append(notices, r.teardownLocked(ctx, s, reason, "", now)...)
			continue
		}
		if r.rotationDueLocked(s, now) && !s.rotationNotified {
			s.rotationNotified = true
			st.RotationDue++
			notices = append(notices, rotationNotice(s))
		}
	}
	r.unlockAndEmit(ctx, notices)

	if st != (SweepStats{}) {
		r.log.InfoContext(ctx, "sweep.done",
			slog.Int("expired", st.Expired),
			slog.Int("idle", st.Idle),
			slog.Int("rotation_due", st.RotationDue),
		)
	}
	return st
}

func rotationNotice(s *session) Notice {
	return Notice{
		Event:      EventKeyRotationDue,
		Recipients: []string{s.creatorID},
		Data: &RotationDue{
			Code:         s.code,
			Message:      "Please generate a new session key",
			KeyRotatedAt: s.keyRotatedAt,
		},
	}
}

// RequestRotation sends key-rotation-due to the creator of code right away.
func (r *Registry) RequestRotation(ctx context.Context, code string) error {
	r.mu.Lock()
	s, notices, err := r.lookupLocked(ctx, code, r.now())
	if err != nil {
		r.unlockAndEmit(ctx, notices)
		return err
	}
	notices = append(notices, rotationNotice(s))
	r.unlockAndEmit(ctx, notices)
	return nil
}

// Run calls Sweep every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.Sweep(ctx)
		}
	}
}

// Count returns the number of sessions currently held, stale or not.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// IndexedConnections returns the number of connection index entries.
func (r *Registry) IndexedConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}

// lookupLocked returns the live session for code. A stale session is torn
// down and its notices returned with the matching error.
func (r *Registry) lookupLocked(ctx context.Context, code string, now time.Time) (*session, []Notice, error) {
	s, ok := r.sessions[code]
	if !ok {
		return nil, nil, ErrNotFound
	}
	if reason, err := r.checkLocked(s, now); err != nil {
		return nil, r.teardownLocked(ctx, s, reason, "", now), err
	}
	return s, nil, nil
}

// checkLocked reports why s is no longer live, if it is not. Revocation is
// checked first, then absolute expiry, then idleness.
func (r *Registry) checkLocked(s *session, now time.Time) (EndReason, error) {
	switch {
	case s.revoked:
		return ReasonRevoked, ErrRevoked
	case now.After(s.expiresAt):
		return ReasonExpired, ErrExpired
	case now.Sub(s.lastActivity) > r.idle:
		return ReasonIdle, ErrIdle
	}
	return "", nil
}

func (r *Registry) rotationDueLocked(s *session, now time.Time) bool {
	return !s.keyRotatedAt.IsZero() && now.Sub(s.keyRotatedAt) >= r.rotation
}

func (r *Registry) activityLocked(s *session, now time.Time) {
	s.lastActivity = now
	if exp := now.Add(r.lifetime); exp.After(s.expiresAt) {
		s.expiresAt = exp
	}
}

// teardownLocked removes s and every index entry pointing at it and returns
// the session-ended notice for its remaining members.
func (r *Registry) teardownLocked(ctx context.Context, s *session, reason EndReason, detail string, now time.Time) []Notice {
	recipients := make([]string, 0, len(s.members))
	for id := range s.members {
		recipients = append(recipients, id)
		if r.byConn[id] == s.code {
			delete(r.byConn, id)
		}
	}
	sort.Strings(recipients)
	if r.byConn[s.creatorID] == s.code {
		delete(r.byConn, s.creatorID)
	}
	delete(r.sessions, s.code)

	msg := detail
	if msg == "" {
		msg = reason.Message()
	}
	r.log.InfoContext(ctx, "session.end",
		slog.String("code", s.code),
		slog.String("reason", string(reason)),
		slog.Int("participants", len(recipients)),
	)
	r.inc("sessions_ended_total", map[string]string{"reason": string(reason)})
	if r.metrics != nil {
		r.metrics.ObserveHistogram("session_duration_seconds", now.Sub(s.createdAt).Seconds(), nil)
	}
	return []Notice{{
		Event:      EventSessionEnded,
		Recipients: recipients,
		Data:       &SessionEnded{Code: s.code, Reason: reason, Message: msg},
	}}
}

func (r *Registry) snapshotLocked(s *session, now time.Time) *Session {
	view := &Session{
		ID:              s.id,
		Code:            s.code,
		CreatorID:       s.creatorID,
		CreatedAt:       s.createdAt,
		ExpiresAt:       s.expiresAt,
		LastActivity:    s.lastActivity,
		KeyRotatedAt:    s.keyRotatedAt,
		SessionKey:      s.key,
		PreviousKeys:    append([]string(nil), s.previous...),
		MaxParticipants: s.maxParticipants,
		Participants:    make([]Participant, 0, len(s.members)),
		RotationDue:     r.rotationDueLocked(s, now),
	}
	seqs := make(map[string]uint64, len(s.members))
	for id, m := range s.members {
		view.Participants = append(view.Participants, Participant{
			ConnectionID: id,
			Alias:        m.alias,
			IsCreator:    id == s.creatorID,
			JoinedAt:     m.joinedAt,
		})
		seqs[id] = m.seq
	}
	sort.Slice(view.Participants, func(i, j int) bool {
		return seqs[view.Participants[i].ConnectionID] < seqs[view.Participants[j].ConnectionID]
	})
	return view
}

func (r *Registry) inc(name string, tags map[string]string) {
	if r.metrics != nil {
		r.metrics.IncCounter(name, tags)
	}
}
