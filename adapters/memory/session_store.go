package memory

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// SessionStore keeps device sessions in process memory. Expired entries are
// invisible to Get and removed by ExpireSessions.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*entities.DeviceSession
	logger   *zap.Logger
}

func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*entities.DeviceSession),
		logger:   logger,
	}
}

var _ repositories.SessionStore = (*SessionStore)(nil)

func (s *SessionStore) Get(ctx context.Context, deviceID string) (*entities.DeviceSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[deviceID]
	s.mu.RUnlock()
	if !ok || session.IsExpired() {
		return nil, repositories.ErrSessionNotFound
	}
	return session.Clone(), nil
}

func (s *SessionStore) Set(ctx context.Context, session *entities.DeviceSession, ttl time.Duration) error {
	if err := session.Validate(); err != nil {
		return err
	}
	session.Touch(ttl)

	s.mu.Lock()
	s.sessions[session.DeviceID] = session.Clone()
	s.mu.Unlock()
	return nil
}

func (s *SessionStore) Delete(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.sessions, deviceID)
	s.mu.Unlock()
	return nil
}

// Len counts live entries.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, session := range s.sessions {
		if !session.IsExpired() {
			n++
		}
	}
	return n
}

// ExpireSessions drops every entry past its TTL and reports how many went.
func (s *SessionStore) ExpireSessions(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for id, session := range s.sessions {
		if session.IsExpired() {
			delete(s.sessions, id)
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("Expired device sessions", zap.Int("count", expired))
	}
	return expired, nil
}
