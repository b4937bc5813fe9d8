package entities

import (
	"errors"
	"time"
)

// DefaultSessionTTL is how long a device session survives without activity.
const DefaultSessionTTL = 24 * time.Hour

// AgentMode is the persona family currently driving a device conversation.
type AgentMode string

const (
	AgentModeChoosing AgentMode = "CHOOSING"
	AgentModeLearning AgentMode = "LEARNING"
)

// Confidence grades how well a word was learned.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ParseConfidence maps free text to a Confidence, defaulting to medium.
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(s)
	default:
		return ConfidenceMedium
	}
}

// DeviceSession is the ephemeral, TTL-bound state of one connected device.
type DeviceSession struct {
	DeviceID            string                `json:"device_id" bson:"device_id"`
	UserID              string                `json:"user_id" bson:"user_id"`
	AgentMode           AgentMode             `json:"agent_mode" bson:"agent_mode"`
	CurrentEpisode      *Episode              `json:"current_episode,omitempty" bson:"current_episode,omitempty"`
	LearningSessionID   string                `json:"learning_session_id,omitempty" bson:"learning_session_id,omitempty"`
	RealtimeSessionID   string                `json:"realtime_session_id,omitempty" bson:"realtime_session_id,omitempty"`
	WordsLearned        []string              `json:"words_learned" bson:"words_learned"`
	TopicsCovered       []string              `json:"topics_covered" bson:"topics_covered"`
	ConversationSeconds float64               `json:"conversation_seconds" bson:"conversation_seconds"`
	VocabularyProgress  map[string]Confidence `json:"vocabulary_progress,omitempty" bson:"vocabulary_progress,omitempty"`
	PracticeAttempts    map[string]int        `json:"practice_attempts,omitempty" bson:"practice_attempts,omitempty"`
	CreatedAt           time.Time             `json:"created_at" bson:"created_at"`
	LastActivity        time.Time             `json:"last_activity" bson:"last_activity"`
	ExpiresAt           time.Time             `json:"expires_at" bson:"expires_at"`
}

// NewDeviceSession creates a session in choosing mode
func NewDeviceSession(deviceID, userID string) *DeviceSession {
	now := time.Now()
	return &DeviceSession{
		DeviceID:           deviceID,
		UserID:             userID,
		AgentMode:          AgentModeChoosing,
		WordsLearned:       make([]string, 0),
		TopicsCovered:      make([]string, 0),
		VocabularyProgress: make(map[string]Confidence),
		PracticeAttempts:   make(map[string]int),
		CreatedAt:          now,
		LastActivity:       now,
		ExpiresAt:          now.Add(DefaultSessionTTL),
	}
}

// Touch stamps activity and slides the expiry window.
func (s *DeviceSession) Touch(ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	s.LastActivity = time.Now()
	s.ExpiresAt = s.LastActivity.Add(ttl)
}

// IsExpired checks if the session has expired
func (s *DeviceSession) IsExpired() bool {
	return time.Now().After(s.ExpiresAt)
}

// InEpisode reports whether an episode is currently being learned.
func (s *DeviceSession) InEpisode() bool {
	return s.AgentMode == AgentModeLearning && s.CurrentEpisode != nil
}

// StartEpisode switches the session to learning mode for ep.
func (s *DeviceSession) StartEpisode(ep *Episode, learningSessionID string) {
	s.AgentMode = AgentModeLearning
	s.CurrentEpisode = ep
	s.LearningSessionID = learningSessionID
	s.VocabularyProgress = make(map[string]Confidence)
}

// FinishEpisode returns the session to choosing mode.
func (s *DeviceSession) FinishEpisode() {
	s.AgentMode = AgentModeChoosing
	s.CurrentEpisode = nil
	s.LearningSessionID = ""
	s.VocabularyProgress = make(map[string]Confidence)
}

// AddWord appends a learned word once.
func (s *DeviceSession) AddWord(word string) bool {
	for _, w := range s.WordsLearned {
		if w == word {
			return false
		}
	}
	s.WordsLearned = append(s.WordsLearned, word)
	return true
}

// AddTopic appends a covered topic once.
func (s *DeviceSession) AddTopic(topic string) bool {
	for _, t := range s.TopicsCovered {
		if t == topic {
			return false
		}
	}
	s.TopicsCovered = append(s.TopicsCovered, topic)
	return true
}

// RecordAttempt increments and returns the attempt count for word.
func (s *DeviceSession) RecordAttempt(word string) int {
	if s.PracticeAttempts == nil {
		s.PracticeAttempts = make(map[string]int)
	}
	s.PracticeAttempts[word]++
	return s.PracticeAttempts[word]
}

// GradeWord records the confidence reached for word in the current episode.
func (s *DeviceSession) GradeWord(word string, c Confidence) {
	if s.VocabularyProgress == nil {
		s.VocabularyProgress = make(map[string]Confidence)
	}
	s.VocabularyProgress[word] = c
}

// Validate validates the session data
func (s *DeviceSession) Validate() error {
	if s.DeviceID == "" {
		return errors.New("device_id is required")
	}
	if s.AgentMode != AgentModeChoosing && s.AgentMode != AgentModeLearning {
		return errors.New("invalid agent mode")
	}
	if s.AgentMode == AgentModeLearning && s.CurrentEpisode == nil {
		return errors.New("learning mode requires a current episode")
	}
	return nil
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *DeviceSession) Clone() *DeviceSession {
	if s == nil {
		return nil
	}
	c := *s
	c.WordsLearned = append([]string(nil), s.WordsLearned...)
	c.TopicsCovered = append([]string(nil), s.TopicsCovered...)
	c.VocabularyProgress = make(map[string]Confidence, len(s.VocabularyProgress))
	for k, v := range s.VocabularyProgress {
		c.VocabularyProgress[k] = v
	}
	c.PracticeAttempts = make(map[string]int, len(s.PracticeAttempts))
	for k, v := range s.PracticeAttempts {
		c.PracticeAttempts[k] = v
	}
	if s.CurrentEpisode != nil {
		ep := *s.CurrentEpisode
		c.CurrentEpisode = &ep
	}
	return &c
}
