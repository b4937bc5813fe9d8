package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// ProgressStore is the in-process learning progress backend used in development
// and tests.
type ProgressStore struct {
	mu       sync.RWMutex
	users    map[string]*entities.User // id -> user
	byDevice map[string]string         // device_id -> user id
	progress map[string]*entities.UserProgress
	sessions map[string]*entities.LearningSession
	now      func() time.Time
	logger   *zap.Logger
}

func NewProgressStore(logger *zap.Logger) *ProgressStore {
	return &ProgressStore{
		users:    make(map[string]*entities.User),
		byDevice: make(map[string]string),
		progress: make(map[string]*entities.UserProgress),
		sessions: make(map[string]*entities.LearningSession),
		now:      time.Now,
		logger:   logger,
	}
}

var _ repositories.ProgressStore = (*ProgressStore)(nil)

func progressKey(userID string, ref entities.EpisodeRef) string {
	return userID + "|" + ref.String()
}

func (s *ProgressStore) GetOrCreateUser(ctx context.Context, deviceID string) (*entities.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDevice[deviceID]; ok {
		u := *s.users[id]
		return &u, nil
	}

	u := entities.NewUser(uuid.New().String(), deviceID)
	s.users[u.ID] = u
	s.byDevice[deviceID] = u.ID
	s.logger.Info("Created user", zap.String("deviceID", deviceID), zap.String("userID", u.ID))

	out := *u
	return &out, nil
}

func (s *ProgressStore) CreateSession(ctx context.Context, userID string, episode entities.EpisodeRef) (*entities.LearningSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, repositories.ErrUserNotFound
	}

	ls := &entities.LearningSession{
		ID:               uuid.New().String(),
		UserID:           userID,
		Episode:          episode,
		CreatedAt:        s.now(),
		WordsPracticed:   []string{},
		WordsLearned:     []string{},
		CompletionStatus: entities.LearningSessionActive,
	}
	s.sessions[ls.ID] = ls

	out := *ls
	return &out, nil
}

func (s *ProgressStore) UpdateSessionConversationTime(ctx context.Context, userID, sessionID string, seconds float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return repositories.ErrUserNotFound
	}
	u.TotalConversationTime += seconds
	u.UpdatedAt = s.now()

	if sessionID == "" {
		return nil
	}
	ls, ok := s.sessions[sessionID]
	if !ok {
		return repositories.ErrLearningSessionNotFound
	}
	ls.ConversationSeconds += seconds
	return nil
}

// EndSession only moves an active session; a finished one keeps its status.
func (s *ProgressStore) EndSession(ctx context.Context, sessionID string, status entities.LearningSessionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.sessions[sessionID]
	if !ok {
		return repositories.ErrLearningSessionNotFound
	}
	if ls.CompletionStatus != entities.LearningSessionActive {
		return nil
	}
	ended := s.now()
	ls.EndedAt = &ended
	ls.Duration = ended.Sub(ls.CreatedAt).Seconds()
	ls.CompletionStatus = status
	return nil
}

// progressFor returns the record for the pair, creating it. Caller holds mu.
func (s *ProgressStore) progressFor(userID string, ref entities.EpisodeRef) *entities.UserProgress {
	key := progressKey(userID, ref)
	p, ok := s.progress[key]
	if !ok {
		p = &entities.UserProgress{
			UserID:             userID,
			Language:           ref.Language,
			Season:             ref.Season,
			Episode:            ref.Episode,
			VocabularyLearned:  []string{},
			TopicsLearned:      []string{},
			VocabularyProgress: make(map[string]entities.Confidence),
		}
		s.progress[key] = p
	}
	return p
}

func (s *ProgressStore) AddWordLearned(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return repositories.ErrUserNotFound
	}
	p := s.progressFor(userID, episode)
	if !p.HasWord(word) {
		p.VocabularyLearned = append(p.VocabularyLearned, word)
		u.TotalWordsLearned++
	}
	p.VocabularyProgress[word] = confidence
	p.RecomputeScore()
	u.UpdatedAt = s.now()
	return nil
}

func (s *ProgressStore) RecordWordAttempt(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return repositories.ErrUserNotFound
	}
	p := s.progressFor(userID, episode)
	p.Attempts++
	if _, graded := p.VocabularyProgress[word]; !graded {
		p.VocabularyProgress[word] = confidence
		p.RecomputeScore()
	}
	return nil
}

func (s *ProgressStore) AddTopicLearned(ctx context.Context, userID string, episode entities.EpisodeRef, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return repositories.ErrUserNotFound
	}
	p := s.progressFor(userID, episode)
	if !p.HasTopic(topic) {
		p.TopicsLearned = append(p.TopicsLearned, topic)
		u.TotalTopicsLearned++
	}
	return nil
}

func (s *ProgressStore) CompleteEpisode(ctx context.Context, userID string, episode entities.EpisodeRef, next entities.EpisodeRef, words []string) (*entities.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	now := s.now()

	p := s.progressFor(userID, episode)
	for _, w := range words {
		if !p.HasWord(w) {
			p.VocabularyLearned = append(p.VocabularyLearned, w)
			u.TotalWordsLearned++
		}
	}
	if !p.Completed {
		p.Completed = true
		p.CompletedAt = &now
		u.TotalEpisodesCompleted++
	}

	if next.Language != "" {
		u.MoveTo(next)
	}
	u.RecordActivityDay(now)
	u.UpdatedAt = now

	out := *u
	return &out, nil
}

func (s *ProgressStore) GetUserLearningAnalytics(ctx context.Context, userID string) (*entities.LearningAnalytics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, repositories.ErrUserNotFound
	}
	return entities.AnalyticsFor(u), nil
}

// Progress returns a copy of the per-episode record, if any.
func (s *ProgressStore) Progress(userID string, ref entities.EpisodeRef) (*entities.UserProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.progress[progressKey(userID, ref)]
	if !ok {
		return nil, false
	}
	out := *p
	out.VocabularyLearned = append([]string(nil), p.VocabularyLearned...)
	out.VocabularyProgress = make(map[string]entities.Confidence, len(p.VocabularyProgress))
	for k, v := range p.VocabularyProgress {
		out.VocabularyProgress[k] = v
	}
	return &out, true
}

// LearningSession returns a copy of a learning session by id.
func (s *ProgressStore) LearningSession(id string) (*entities.LearningSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ls, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	out := *ls
	return &out, true
}

// LearningSessions lists every session recorded for a user.
func (s *ProgressStore) LearningSessions(userID string) []entities.LearningSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entities.LearningSession
	for _, ls := range s.sessions {
		if ls.UserID == userID {
			out = append(out, *ls)
		}
	}
	return out
}
