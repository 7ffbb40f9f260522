// ABOUTME: Tool session state machine and the manager that owns live sessions
// ABOUTME: Sessions reference their bound token by ID and close on revocation, expiry or idleness

package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tollgate/internal/auth"
	"github.com/2389/tollgate/internal/oauth"
)

// State is the lifecycle position of a session.
type State int

// Session states. Sessions only move forward.
const (
	StateUnconnected State = iota
	StateHandshake
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateHandshake:
		return "handshake"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Close reasons recorded on sessions and in logs.
const (
	ReasonClientClosed = "client closed"
	ReasonTokenInvalid = "token invalid"
	ReasonIdle         = "idle timeout"
	ReasonShutdown     = "shutdown"
)

var (
	// ErrInvalidTransition is returned for a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid session state transition")

	// ErrSessionClosed is returned when operating on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// Session is one client's tool session.
type Session struct {
	id              string
	protocolVersion string
	createdAt       time.Time

	mu          sync.Mutex
	state       State
	grant       auth.AuthContext // bound token, referenced by TokenID
	lastSeen    time.Time
	streams     int
	dropped     int
	closeReason string

	outbound chan []byte
	done     chan struct{}
}

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID          string
	State       State
	UserID      string
	ClientID    string
	TokenID     string
	Scopes      []string
	CreatedAt   time.Time
	LastSeen    time.Time
	Streams     int
	Dropped     int
	CloseReason string
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Info returns a snapshot of the session.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{
		ID:          s.id,
		State:       s.state,
		UserID:      s.grant.UserID,
		ClientID:    s.grant.ClientID,
		TokenID:     s.grant.TokenID,
		Scopes:      slices.Clone(s.grant.Scopes),
		CreatedAt:   s.createdAt,
		LastSeen:    s.lastSeen,
		Streams:     s.streams,
		Dropped:     s.dropped,
		CloseReason: s.closeReason,
	}
}

// advance moves the session to next. Moving to the current state is a no-op.
func (s *Session) advance(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.advanceLocked(next)
}

func (s *Session) advanceLocked(next State) error {
	switch {
	case s.state == next:
		return nil
	case s.state == StateClosed:
		return ErrSessionClosed
	case next == StateClosed, next == s.state+1:
		s.state = next
		return nil
	default:
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s.state, next)
	}
}

// touch records activity and, if the caller presented a renewed token for
// the same grant, rebinds the session to it. It fails if the caller is not
// the session's grantee.
func (s *Session) touch(caller *auth.AuthContext, now time.Time) (rebound bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return false, ErrSessionClosed
	}
	if caller.TokenID != s.grant.TokenID {
		if !s.grant.SameGrantee(caller) {
			return false, errForeignSession
		}
		s.grant = *caller
		s.grant.Scopes = slices.Clone(caller.Scopes)
		rebound = true
	}
	s.lastSeen = now
	return rebound, nil
}

// send queues msg for the session's stream without blocking. It reports
// false if the buffer was full and the message was dropped.
func (s *Session) send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	select {
	case s.outbound <- msg:
		return true
	default:
		s.dropped++
		return false
	}
}

func (s *Session) openStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.streams++
	return nil
}

func (s *Session) closeStream(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams > 0 {
		s.streams--
	}
	s.lastSeen = now
}

// close moves the session to Closed and releases its buffer. It reports
// whether this call did the closing.
func (s *Session) close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return false
	}
	s.state = StateClosed
	s.closeReason = reason
	close(s.done)
	// Drain so queued messages can be collected.
	for {
		select {
		case <-s.outbound:
		default:
			return true
		}
	}
}

// idle reports whether the session has had no traffic or open stream since cutoff.
func (s *Session) idle(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams == 0 && !s.lastSeen.After(cutoff)
}

var errForeignSession = errors.New("session belongs to another grant")

// TokenChecker revalidates a session's bound token.
type TokenChecker interface {
	ValidateID(ctx context.Context, tokenID string) (*oauth.TokenInfo, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Tokens         TokenChecker
	IdleTimeout    time.Duration
	SweepInterval  time.Duration
	OutboundBuffer int
	Logger         *slog.Logger
	Now            func() time.Time
}

// Manager owns the live sessions of one server instance.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	tokens        TokenChecker
	idleTimeout   time.Duration
	sweepInterval time.Duration
	bufferSize    int
	logger        *slog.Logger
	now           func() time.Time
}

// Manager defaults.
const (
	DefaultIdleTimeout    = 30 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
	DefaultOutboundBuffer = 32
)

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token checker is required")
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		tokens:        cfg.Tokens,
		idleTimeout:   cfg.IdleTimeout,
		sweepInterval: cfg.SweepInterval,
		bufferSize:    cfg.OutboundBuffer,
		logger:        cfg.Logger,
		now:           cfg.Now,
	}
	if m.idleTimeout <= 0 {
		m.idleTimeout = DefaultIdleTimeout
	}
	if m.sweepInterval <= 0 {
		m.sweepInterval = DefaultSweepInterval
	}
	if m.bufferSize <= 0 {
		m.bufferSize = DefaultOutboundBuffer
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "sessions")
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

// Open creates a session bound to the caller's token and moves it into Handshake.
func (m *Manager) Open(caller *auth.AuthContext, protocolVersion string) *Session {
	now := m.now()
	grant := *caller
	grant.Scopes = slices.Clone(caller.Scopes)
	sess := &Session{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		createdAt:       now,
		state:           StateUnconnected,
		grant:           grant,
		lastSeen:        now,
		outbound:        make(chan []byte, m.bufferSize),
		done:            make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	total := len(m.sessions)
	m.mu.Unlock()

	_ = sess.advance(StateHandshake)
	m.logger.Info("session opened",
		"session_id", sess.id,
		"user_id", grant.UserID,
		"client_id", grant.ClientID,
		"protocol_version", protocolVersion,
		"total_sessions", total,
	)
	return sess
}

// Get returns a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Close closes and forgets a session. It reports whether the session existed.
func (m *Manager) Close(id, reason string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	if sess.close(reason) {
		m.logger.Info("session closed", "session_id", id, "reason", reason, "user_id", sess.Info().UserID)
	}
	return true
}

// CloseBoundTo closes the session if it is bound to tokenID. Used when a
// request on the session presents a token that no longer validates.
func (m *Manager) CloseBoundTo(id, tokenID, reason string) bool {
	sess, ok := m.Get(id)
	if !ok || sess.Info().TokenID != tokenID {
		return false
	}
	return m.Close(id, reason)
}

// CloseAll closes every session.
func (m *Manager) CloseAll(reason string) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range all {
		sess.close(reason)
	}
	if len(all) > 0 {
		m.logger.Info("sessions closed", "count", len(all), "reason", reason)
	}
}

// Broadcast queues msg on every live session. Sessions whose buffers are
// full miss the message; no session waits on another.
func (m *Manager) Broadcast(msg []byte) {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	for _, sess := range all {
		if !sess.send(msg) {
			m.logger.Warn("session outbound buffer full, message dropped", "session_id", sess.id)
		}
	}
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// List returns snapshots of the live sessions, oldest first.
func (m *Manager) List() []SessionInfo {
	m.mu.RLock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Info())
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Sweep closes idle sessions and sessions whose bound token no longer
// validates. It returns the number closed.
func (m *Manager) Sweep(ctx context.Context) int {
	m.mu.RLock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.mu.RUnlock()

	cutoff := m.now().Add(-m.idleTimeout)
	closed := 0
	for _, sess := range all {
		if sess.idle(cutoff) {
			if m.Close(sess.id, ReasonIdle) {
				closed++
			}
			continue
		}
		tokenID := sess.Info().TokenID
		if _, err := m.tokens.ValidateID(ctx, tokenID); err != nil {
			if oauth.KindOf(err) == oauth.KindServerError {
				m.logger.Warn("could not revalidate session token", "session_id", sess.id, "error", err)
				continue
			}
			if m.CloseBoundTo(sess.id, tokenID, ReasonTokenInvalid) {
				closed++
			}
		}
	}
	return closed
}

// Run sweeps on the configured interval until ctx is cancelled, then closes
// all sessions.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				m.logger.Debug("session sweep", "closed", n, "remaining", m.Len())
			}
		case <-ctx.Done():
			m.CloseAll(ReasonShutdown)
			return
		}
	}
}
