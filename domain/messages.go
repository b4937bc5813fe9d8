package domain

import "github.com/satriahrh/storyteller/server/domain/entities"

// Message types sent to the device
const (
	TypeConnected            = "connected"
	TypeAgentSwitched        = "agent_switched"
	TypeAudioResponse        = "audio_response"
	TypeTextResponse         = "text_response"
	TypeEpisodeStarted       = "episode_started"
	TypeEpisodeCompleted     = "episode_completed"
	TypeAllEpisodesCompleted = "all_episodes_completed"
	TypeResponseComplete     = "response_complete"
	TypeHeartbeatAck         = "heartbeat_ack"
	TypeError                = "error"
)

// Error codes carried by ErrorMessage
const (
	ErrCodeNoEpisodes     = "no_episodes"
	ErrCodeConnectFailed  = "connect_failed"
	ErrCodePersonaFailed  = "persona_failed"
	ErrCodeSessionLost    = "session_lost"
	ErrCodeNoConversation = "no_conversation"
	ErrCodeBusy           = "busy"
	ErrCodeInternal       = "internal_error"
)

// SessionStats summarizes the current connection for the device
type SessionStats struct {
	SessionDurationSeconds  int     `json:"session_duration_seconds"`
	WordsLearned            int     `json:"words_learned"`
	TopicsCovered           int     `json:"topics_covered"`
	ConversationTimeSeconds float64 `json:"conversation_time_seconds"`
	State                   string  `json:"state"`
	ErrorCount              int     `json:"error_count"`
}

// WelcomeAnalytics is the progress snapshot shown on connect
type WelcomeAnalytics struct {
	TotalWordsLearned      int `json:"total_words_learned"`
	TotalEpisodesCompleted int `json:"total_episodes_completed"`
	CurrentStreak          int `json:"current_streak"`
}

// ConnectedMessage greets the device once the conversation is ready
type ConnectedMessage struct {
	Type        string                   `json:"type"`
	UserID      string                   `json:"user_id"`
	Message     string                   `json:"message"`
	NextEpisode *entities.EpisodeSummary `json:"next_episode"`
	Analytics   WelcomeAnalytics         `json:"analytics"`
}

// AgentSwitchedMessage announces a persona change
type AgentSwitchedMessage struct {
	Type    string                   `json:"type"`
	Agent   string                   `json:"agent"`
	Episode *entities.EpisodeSummary `json:"episode,omitempty"`
}

// AudioResponseMessage carries base64 PCM16 at the device rate
type AudioResponseMessage struct {
	Type       string `json:"type"`
	AudioData  string `json:"audio_data"`
	SampleRate int    `json:"sample_rate"`
}

// TextResponseMessage streams assistant text; Final marks the end of a response
type TextResponseMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type EpisodeStartedMessage struct {
	Type    string                   `json:"type"`
	Episode *entities.EpisodeSummary `json:"episode"`
	Message string                   `json:"message"`
}

type EpisodeCompletedMessage struct {
	Type         string                      `json:"type"`
	Message      string                      `json:"message"`
	WordsLearned []string                    `json:"words_learned"`
	Totals       *entities.LearningAnalytics `json:"totals,omitempty"`
	NextEpisode  *entities.EpisodeSummary    `json:"next_episode"`
	Stats        SessionStats                `json:"stats"`
}

type AllEpisodesCompletedMessage struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Stats   SessionStats `json:"stats"`
}

type ResponseCompleteMessage struct {
	Type   string       `json:"type"`
	Status string       `json:"status,omitempty"`
	Stats  SessionStats `json:"stats"`
}

type HeartbeatAckMessage struct {
	Type         string       `json:"type"`
	Timestamp    string       `json:"timestamp"`
	SessionStats SessionStats `json:"session_stats"`
}

// ErrorMessage is a recoverable error notice; the device may retry
type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorMessage(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}
