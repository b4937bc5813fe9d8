package memory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Expirer removes stale entries from a store.
type Expirer interface {
	ExpireSessions(ctx context.Context) (int, error)
}

// SessionCleanupService periodically sweeps an Expirer
type SessionCleanupService struct {
	store    Expirer
	interval time.Duration
	logger   *zap.Logger
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSessionCleanupService creates a new session cleanup service
func NewSessionCleanupService(store Expirer, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &SessionCleanupService{
		store:    store,
		interval: interval,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service and waits for the loop to exit
func (s *SessionCleanupService) Stop() {
	close(s.stopChan)
	<-s.doneChan
	s.logger.Info("Session cleanup service stopped")
}

func (s *SessionCleanupService) cleanupLoop() {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

func (s *SessionCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := s.store.ExpireSessions(ctx)
	if err != nil {
		s.logger.Error("Failed to expire sessions", zap.Error(err))
		return
	}
	s.logger.Debug("Session cleanup completed", zap.Int("expired", n))
}
