package entities

import "fmt"

// EpisodeRef addresses an episode inside the curriculum.
type EpisodeRef struct {
	Language string `json:"language" bson:"language"`
	Season   int    `json:"season" bson:"season"`
	Episode  int    `json:"episode" bson:"episode"`
}

func (r EpisodeRef) String() string {
	return fmt.Sprintf("%s_%d_%d", r.Language, r.Season, r.Episode)
}

// Episode is a unit of learning content with its persona prompts.
type Episode struct {
	EpisodeRef             `bson:",inline"`
	Title                  string            `json:"title" bson:"title"`
	Vocabulary             []string          `json:"vocabulary" bson:"vocabulary"`
	StoryContext           string            `json:"story_context" bson:"story_context"`
	Difficulty             string            `json:"difficulty" bson:"difficulty"`
	EstimatedDuration      int               `json:"estimated_duration" bson:"estimated_duration"`
	LearningObjectives     []string          `json:"learning_objectives" bson:"learning_objectives"`
	VocabularyTranslations map[string]string `json:"vocabulary_translations,omitempty" bson:"vocabulary_translations,omitempty"`
	ChoicePrompt           string            `json:"-" bson:"choice_agent_prompt,omitempty"`
	EpisodePrompt          string            `json:"-" bson:"episode_agent_prompt,omitempty"`
}

// EpisodeSummary is the short form sent to devices.
type EpisodeSummary struct {
	Title    string `json:"title"`
	Language string `json:"language"`
	Season   int    `json:"season"`
	Episode  int    `json:"episode"`
}

// Summary returns the device-facing summary. A nil episode gives nil.
func (e *Episode) Summary() *EpisodeSummary {
	if e == nil {
		return nil
	}
	return &EpisodeSummary{
		Title:    e.Title,
		Language: e.Language,
		Season:   e.Season,
		Episode:  e.Episode,
	}
}

// CurriculumPosition is the user's pointer into the catalog.
type CurriculumPosition struct {
	Language string `json:"current_language" bson:"current_language"`
	Season   int    `json:"current_season" bson:"current_season"`
	Episode  int    `json:"current_episode" bson:"current_episode"`
}

// Ref converts the position to the episode it points at.
func (p CurriculumPosition) Ref() EpisodeRef {
	return EpisodeRef{Language: p.Language, Season: p.Season, Episode: p.Episode}
}
