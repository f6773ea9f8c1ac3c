package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ===== session state machine =====

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateNegotiated
	stateActive
	stateClosing
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateNegotiated:
		return "negotiated"
	case stateActive:
		return "active"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// requestEnvelope is one correlated MCP call in flight. It holds a
// non-owning reference to its session; the session owns the envelope for
// the envelope's lifetime.
type requestEnvelope struct {
	correlationID string
	method        string
	capability    string
	session       *Session
	createdAt     time.Time
	ctx           context.Context
	cancel        context.CancelFunc
	done          chan *jsonrpcResponse
}

// Session is one client connection's lifetime and its in-flight state.
type Session struct {
	id           string
	createdAt    time.Time
	state        atomic.Int32
	lastActivity atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	envelopes map[string]*requestEnvelope

	logger zerolog.Logger
}

func newSession(parent context.Context, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:        uuid.NewString(),
		createdAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		envelopes: make(map[string]*requestEnvelope),
	}
	s.logger = logger.With().Str("session", s.id).Logger()
	s.state.Store(int32(stateConnecting))
	s.touch()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() sessionState {
	return sessionState(s.state.Load())
}

// transition applies a single state-machine edge and reports whether it
// took effect.
func (s *Session) transition(from, to sessionState) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

// activate flips Negotiated to Active on the first accepted request. A
// session already Active stays Active.
func (s *Session) activate() bool {
	if s.transition(stateNegotiated, stateActive) {
		s.logger.Debug().Msg("session active")
		return true
	}
	return s.State() == stateActive
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

// track registers an envelope for a parsed client message. Correlation ids
// must be unique within the session's active set for the envelope lifetime.
func (s *Session) track(correlationID, method, capability string, timeout time.Duration) (*requestEnvelope, error) {
	switch s.State() {
	case stateClosing, stateClosed:
		return nil, errSessionClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.envelopes[correlationID]; exists {
		return nil, errDuplicateCorrelation
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	env := &requestEnvelope{
		correlationID: correlationID,
		method:        method,
		capability:    capability,
		session:       s,
		createdAt:     time.Now(),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan *jsonrpcResponse, 1),
	}
	s.envelopes[correlationID] = env
	s.touch()
	return env, nil
}

// resolve removes and returns the envelope for a correlation id, or nil if
// it is no longer tracked.
func (s *Session) resolve(correlationID string) *requestEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	env := s.envelopes[correlationID]
	if env != nil {
		delete(s.envelopes, correlationID)
	}
	return env
}

// deliver relays an upstream response to the waiting envelope. Unmatched
// and late responses return false and the caller logs them; they must never
// reach a client.
func (s *Session) deliver(correlationID string, resp *jsonrpcResponse) bool {
	env := s.resolve(correlationID)
	if env == nil {
		return false
	}
	env.done <- resp
	env.cancel()
	s.touch()
	return true
}

func (s *Session) inflight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.envelopes)
}

// close cancels all in-flight envelopes owned by this session and releases
// it. Envelopes of sibling sessions sharing an upstream are untouched.
func (s *Session) close() {
	for {
		st := s.State()
		if st == stateClosing || st == stateClosed {
			return
		}
		if s.transition(st, stateClosing) {
			break
		}
	}

	s.mu.Lock()
	pending := make([]*requestEnvelope, 0, len(s.envelopes))
	for _, env := range s.envelopes {
		pending = append(pending, env)
	}
	s.envelopes = make(map[string]*requestEnvelope)
	s.mu.Unlock()

	for _, env := range pending {
		env.cancel()
	}
	s.cancel()
	s.state.Store(int32(stateClosed))
	if len(pending) > 0 {
		s.logger.Debug().Int("cancelled", len(pending)).Msg("session closed with in-flight envelopes")
	} else {
		s.logger.Debug().Msg("session closed")
	}
}

// ===== session manager =====

// SessionManager owns the id to session table and the idle sweep.
type SessionManager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	maxSessions int

	ctx    context.Context
	logger zerolog.Logger
}

func newSessionManager(ctx context.Context, idleTimeout time.Duration, maxSessions int, logger zerolog.Logger) *SessionManager {
	return &SessionManager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		maxSessions: maxSessions,
		ctx:         ctx,
		logger:      logger.With().Str("component", "sessions").Logger(),
	}
}

func (m *SessionManager) open() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, errTooManySessions
	}
	sess := newSession(m.ctx, m.logger)
	m.sessions[sess.id] = sess
	return sess, nil
}

func (m *SessionManager) get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func (m *SessionManager) close(id string) bool {
	m.mu.Lock()
	sess := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.close()
	return true
}

func (m *SessionManager) count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// sweepIdle closes sessions past the idle timeout and reports how many.
func (m *SessionManager) sweepIdle() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	expired := make([]*Session, 0)
	for id, sess := range m.sessions {
		if sess.idleFor() > m.idleTimeout {
			expired = append(expired, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.logger.Info().Dur("idle", sess.idleFor()).Msg("session idle timeout")
		sess.close()
	}
	return len(expired)
}

func (m *SessionManager) run(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *SessionManager) closeAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		all = append(all, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, sess := range all {
		sess.close()
	}
}
