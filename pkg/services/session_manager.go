package services

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-refine/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-refine/pkg/metrics"
)

// SessionManager tracks the live sessions served by one engine.
type SessionManager struct {
	engine   *Engine
	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	logger   *zap.Logger
}

// NewSessionManager creates an empty manager.
func NewSessionManager(engine *Engine, logger *zap.Logger) *SessionManager {
	return &SessionManager{
		engine:   engine,
		sessions: make(map[uuid.UUID]*Session),
		logger:   logger.Named("sessions"),
	}
}

// Start opens a new session.
func (m *SessionManager) Start() *Session {
	s := NewSession(m.engine)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	metrics.SessionOpened()
	m.logger.Info("Session started", zap.String("session_id", s.ID.String()))
	return s
}

// Get returns the session with id or ErrSessionNotFound.
func (m *SessionManager) Get(id uuid.UUID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperrors.ErrSessionNotFound
	}
	return s, nil
}

// Lookup parses id and returns the session.
func (m *SessionManager) Lookup(id string) (*Session, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, apperrors.ErrSessionNotFound
	}
	return m.Get(parsed)
}

// End discards the session. Its recorded turns stay in the audit store.
func (m *SessionManager) End(id uuid.UUID) error {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return apperrors.ErrSessionNotFound
	}
	metrics.SessionClosed()
	m.logger.Info("Session ended", zap.String("session_id", id.String()))
	return nil
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
