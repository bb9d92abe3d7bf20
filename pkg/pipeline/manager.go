package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTooManySessions is returned by Create when the session cap is reached.
	ErrTooManySessions = errors.New("too many active sessions")
)

// Manager owns the sessions created through the HTTP API. Sessions live
// until stopped, until they sit idle past the idle timeout, or until the
// manager's context ends.
type Manager struct {
	ctx         context.Context
	rec         *Recognizer
	interval    time.Duration
	idleTimeout time.Duration
	maxSessions int
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTimeout stops sessions that received no frame for d. Zero keeps
// sessions until they are stopped explicitly.
func WithIdleTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.idleTimeout = d
	}
}

// WithMaxSessions caps the number of concurrent sessions. Zero means no cap.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		m.maxSessions = n
	}
}

// WithManagerClock overrides the clock used by the manager and its sessions.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a manager whose sessions run under ctx. With an idle
// timeout, a janitor reaps idle sessions until ctx ends.
func NewManager(ctx context.Context, rec *Recognizer, interval time.Duration, opts ...ManagerOption) *Manager {
	m := &Manager{
		ctx:      ctx,
		rec:      rec,
		interval: interval,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idleTimeout > 0 {
		go m.janitor()
	}
	return m
}

func (m *Manager) janitor() {
	period := max(m.idleTimeout/2, time.Second)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Create starts a new session.
func (m *Manager) Create(opts ...SessionOption) (*Session, error) {
	opts = append([]SessionOption{WithInterval(m.interval), WithSessionClock(m.now)}, opts...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, ErrTooManySessions
	}

	s := NewSession(m.rec, opts...)
	if err := s.Start(m.ctx); err != nil {
		return nil, err
	}
	m.sessions[s.ID()] = s
	return s, nil
}

// Get returns a running session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// List returns the running sessions ordered by creation time.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt().Equal(out[j].CreatedAt()) {
			return out[i].ID() < out[j].ID()
		}
		return out[i].CreatedAt().Before(out[j].CreatedAt())
	})
	return out
}

// Stop stops and forgets a session.
func (m *Manager) Stop(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	return s.Stop()
}

// Reap stops the sessions idle for longer than the idle timeout and
// returns how many it stopped.
func (m *Manager) Reap() int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		_ = s.Stop()
		logging.Component("session").WithField("session", s.ID()).Info("Idle recognition session reaped")
	}
	return len(idle)
}

// StopAll stops every session.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		_ = s.Stop()
	}
}
