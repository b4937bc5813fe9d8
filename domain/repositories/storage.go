package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/satriahrh/storyteller/server/domain/entities"
)

var (
	ErrSessionNotFound = errors.New("device session not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrDeviceNotFound  = errors.New("device not found")

	ErrLearningSessionNotFound = errors.New("learning session not found")
	ErrInvalidCredentials      = errors.New("invalid credentials")
)

// SessionStore keeps ephemeral per-device state with a TTL. Writes are last-write-wins
// and stamp the activity timestamp.
type SessionStore interface {
	// Get returns ErrSessionNotFound when nothing is stored or the entry expired.
	Get(ctx context.Context, deviceID string) (*entities.DeviceSession, error)
	Set(ctx context.Context, session *entities.DeviceSession, ttl time.Duration) error
	Delete(ctx context.Context, deviceID string) error
}

// ProgressStore persists users, their per-episode progress and learning sessions
type ProgressStore interface {
	GetOrCreateUser(ctx context.Context, deviceID string) (*entities.User, error)
	CreateSession(ctx context.Context, userID string, episode entities.EpisodeRef) (*entities.LearningSession, error)
	// UpdateSessionConversationTime adds talk time to the user and, when sessionID is set, to the learning session.
	UpdateSessionConversationTime(ctx context.Context, userID, sessionID string, seconds float64) error
	EndSession(ctx context.Context, sessionID string, status entities.LearningSessionStatus) error
	AddWordLearned(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error
	RecordWordAttempt(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error
	AddTopicLearned(ctx context.Context, userID string, episode entities.EpisodeRef, topic string) error
	// CompleteEpisode marks the episode done, moves the user to next and returns the updated user.
	CompleteEpisode(ctx context.Context, userID string, episode entities.EpisodeRef, next entities.EpisodeRef, words []string) (*entities.User, error)
	GetUserLearningAnalytics(ctx context.Context, userID string) (*entities.LearningAnalytics, error)
}

// ContentProvider resolves curriculum content
type ContentProvider interface {
	// GetNextEpisodeForUser returns nil, nil when the curriculum is exhausted.
	GetNextEpisodeForUser(ctx context.Context, userID string, position entities.CurriculumPosition) (*entities.Episode, error)
	// NextRef returns the position following ref, or false when there is none.
	NextRef(ctx context.Context, ref entities.EpisodeRef) (entities.EpisodeRef, bool, error)
	ListEpisodes(ctx context.Context) ([]entities.Episode, error)
}

// DeviceRepository validates device credentials
type DeviceRepository interface {
	GetByID(ctx context.Context, id string) (*entities.Device, error)
	ValidateDevice(ctx context.Context, serialNumber, secret string) (*entities.Device, error)
}
