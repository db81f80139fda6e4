package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the in-memory session registry. Sessions are never persisted;
// idle ones are evicted after the TTL.
type Manager struct {
	analyzer Analyzer
	parser   Parser
	cfg      Config
	idleTTL  time.Duration
	logger   *zap.Logger

	// OnCount observes the number of live sessions.
	OnCount func(n int)

	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewManager(analyzer Analyzer, parser Parser, idleTTL time.Duration, cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		analyzer: analyzer,
		parser:   parser,
		cfg:      cfg,
		idleTTL:  idleTTL,
		logger:   cfg.Logger,
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

func (m *Manager) Create() *Session {
	s := New(uuid.NewString(), m.analyzer, m.parser, m.cfg)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.logger.Debug("Session created", zap.String("session_id", s.ID()))
	m.reportCount(n)
	return s
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete cancels any running operation and drops the session.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	n := len(m.sessions)
	m.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	m.reportCount(n)
	return true
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than the TTL. Busy sessions are kept.
func (m *Manager) Sweep() int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if !s.Busy() && s.UpdatedAt().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	if len(expired) > 0 {
		m.logger.Info("Expired idle sessions", zap.Int("count", len(expired)), zap.Int("remaining", n))
		m.reportCount(n)
	}
	return len(expired)
}

// Run sweeps on every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Shutdown cancels every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	m.reportCount(0)
}

func (m *Manager) reportCount(n int) {
	if m.OnCount != nil {
		m.OnCount(n)
	}
}
