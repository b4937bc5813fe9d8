package entities

import (
	"errors"
	"time"
)

// User is the learner behind a device
type User struct {
	ID                     string     `json:"id" bson:"_id" db:"id"`
	DeviceID               string     `json:"device_id" bson:"device_id" db:"device_id"`
	Name                   string     `json:"name" bson:"name" db:"name"`
	Age                    int        `json:"age" bson:"age" db:"age"`
	CurrentLanguage        string     `json:"current_language" bson:"current_language" db:"current_language"`
	CurrentSeason          int        `json:"current_season" bson:"current_season" db:"current_season"`
	CurrentEpisode         int        `json:"current_episode" bson:"current_episode" db:"current_episode"`
	TotalConversationTime  float64    `json:"total_conversation_time" bson:"total_conversation_time" db:"total_conversation_time"`
	TotalWordsLearned      int        `json:"total_words_learned" bson:"total_words_learned" db:"total_words_learned"`
	TotalTopicsLearned     int        `json:"total_topics_learned" bson:"total_topics_learned" db:"total_topics_learned"`
	TotalEpisodesCompleted int        `json:"total_episodes_completed" bson:"total_episodes_completed" db:"total_episodes_completed"`
	CurrentStreakDays      int        `json:"current_streak_days" bson:"current_streak_days" db:"current_streak_days"`
	LongestStreakDays      int        `json:"longest_streak_days" bson:"longest_streak_days" db:"longest_streak_days"`
	LastActivityDate       *time.Time `json:"last_activity_date,omitempty" bson:"last_activity_date,omitempty" db:"last_activity_date"`
	CreatedAt              time.Time  `json:"created_at" bson:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" bson:"updated_at" db:"updated_at"`
}

// NewUser creates a user at the start of the default curriculum.
func NewUser(id, deviceID string) *User {
	now := time.Now()
	return &User{
		ID:              id,
		DeviceID:        deviceID,
		Name:            "friend",
		Age:             6,
		CurrentLanguage: "spanish",
		CurrentSeason:   1,
		CurrentEpisode:  1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Position returns where the user is in the curriculum
func (u *User) Position() CurriculumPosition {
	return CurriculumPosition{
		Language: u.CurrentLanguage,
		Season:   u.CurrentSeason,
		Episode:  u.CurrentEpisode,
	}
}

// MoveTo points the user at the given episode.
func (u *User) MoveTo(ref EpisodeRef) {
	u.CurrentLanguage = ref.Language
	u.CurrentSeason = ref.Season
	u.CurrentEpisode = ref.Episode
}

// RecordActivityDay updates the streak counters for activity at t.
func (u *User) RecordActivityDay(t time.Time) {
	day := truncateDay(t)
	switch {
	case u.LastActivityDate == nil:
		u.CurrentStreakDays = 1
	case truncateDay(*u.LastActivityDate).Equal(day):
		if u.CurrentStreakDays == 0 {
			u.CurrentStreakDays = 1
		}
	case truncateDay(*u.LastActivityDate).Add(24 * time.Hour).Equal(day):
		u.CurrentStreakDays++
	default:
		u.CurrentStreakDays = 1
	}
	if u.CurrentStreakDays > u.LongestStreakDays {
		u.LongestStreakDays = u.CurrentStreakDays
	}
	u.LastActivityDate = &t
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Validate validates the user data
func (u *User) Validate() error {
	if u.ID == "" {
		return errors.New("id is required")
	}
	if u.DeviceID == "" {
		return errors.New("device_id is required")
	}
	return nil
}

// UserProgress is the per-episode learning record
type UserProgress struct {
	UserID             string                `json:"user_id" bson:"user_id" db:"user_id"`
	Language           string                `json:"language" bson:"language" db:"language"`
	Season             int                   `json:"season" bson:"season" db:"season"`
	Episode            int                   `json:"episode" bson:"episode" db:"episode"`
	Completed          bool                  `json:"completed" bson:"completed" db:"completed"`
	CompletedAt        *time.Time            `json:"completed_at,omitempty" bson:"completed_at,omitempty" db:"completed_at"`
	VocabularyLearned  []string              `json:"vocabulary_learned" bson:"vocabulary_learned" db:"vocabulary_learned"`
	TopicsLearned      []string              `json:"topics_learned" bson:"topics_learned" db:"topics_learned"`
	VocabularyProgress map[string]Confidence `json:"vocabulary_progress" bson:"vocabulary_progress" db:"-"`
	Attempts           int                   `json:"attempts" bson:"attempts" db:"attempts"`
	ConfidenceScore    float64               `json:"confidence_score" bson:"confidence_score" db:"confidence_score"`
}

// LearningSessionStatus is the completion status of a learning session
type LearningSessionStatus string

const (
	LearningSessionActive    LearningSessionStatus = "active"
	LearningSessionCompleted LearningSessionStatus = "completed"
	LearningSessionAborted   LearningSessionStatus = "aborted"
	LearningSessionEnded     LearningSessionStatus = "ended"
)

// LearningSession is one attempt at an episode
type LearningSession struct {
	ID                  string                `json:"id" bson:"_id" db:"id"`
	UserID              string                `json:"user_id" bson:"user_id" db:"user_id"`
	Episode             EpisodeRef            `json:"episode" bson:"episode" db:"-"`
	CreatedAt           time.Time             `json:"created_at" bson:"created_at" db:"created_at"`
	EndedAt             *time.Time            `json:"ended_at,omitempty" bson:"ended_at,omitempty" db:"ended_at"`
	Duration            float64               `json:"duration" bson:"duration" db:"duration"`
	ConversationSeconds float64               `json:"conversation_seconds" bson:"conversation_seconds" db:"conversation_seconds"`
	WordsPracticed      []string              `json:"words_practiced" bson:"words_practiced" db:"words_practiced"`
	WordsLearned        []string              `json:"words_learned" bson:"words_learned" db:"words_learned"`
	CompletionStatus    LearningSessionStatus `json:"completion_status" bson:"completion_status" db:"completion_status"`
}

// LearningAnalytics is the aggregate shown to devices and parents
type LearningAnalytics struct {
	TotalWordsLearned      int     `json:"total_words_learned"`
	TotalTopicsLearned     int     `json:"total_topics_learned"`
	TotalEpisodesCompleted int     `json:"total_episodes_completed"`
	TotalConversationTime  float64 `json:"total_conversation_time"`
	CurrentStreak          int     `json:"current_streak"`
	LongestStreak          int     `json:"longest_streak"`
}

// AnalyticsFor derives analytics from a user's counters.
func AnalyticsFor(u *User) *LearningAnalytics {
	return &LearningAnalytics{
		TotalWordsLearned:      u.TotalWordsLearned,
		TotalTopicsLearned:     u.TotalTopicsLearned,
		TotalEpisodesCompleted: u.TotalEpisodesCompleted,
		TotalConversationTime:  u.TotalConversationTime,
		CurrentStreak:          u.CurrentStreakDays,
		LongestStreak:          u.LongestStreakDays,
	}
}

// Weight maps a confidence grade onto [0,1].
func (c Confidence) Weight() float64 {
	switch c {
	case ConfidenceHigh:
		return 1
	case ConfidenceMedium:
		return 0.66
	case ConfidenceLow:
		return 0.33
	}
	return 0
}

// RecomputeScore averages the per-word confidence weights.
func (p *UserProgress) RecomputeScore() {
	if len(p.VocabularyProgress) == 0 {
		p.ConfidenceScore = 0
		return
	}
	var sum float64
	for _, c := range p.VocabularyProgress {
		sum += c.Weight()
	}
	p.ConfidenceScore = sum / float64(len(p.VocabularyProgress))
}

// HasWord reports whether word was already learned in this episode.
func (p *UserProgress) HasWord(word string) bool {
	for _, w := range p.VocabularyLearned {
		if w == word {
			return true
		}
	}
	return false
}

// HasTopic reports whether topic was already recorded in this episode.
func (p *UserProgress) HasTopic(topic string) bool {
	for _, t := range p.TopicsLearned {
		if t == topic {
			return true
		}
	}
	return false
}
