// Package persona builds the agent profiles applied to a realtime session:
// the choice persona that invites the child into the next episode, and the
// episode persona that teaches it.
package persona

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/satriahrh/storyteller/server/domain/entities"
)

const (
	ChoiceName   = "choice_agent"
	ChoiceVoice  = "alloy"
	EpisodeVoice = "nova"

	defaultUserName = "friend"
	defaultUserAge  = 6
)

// UserInfo personalizes prompts.
type UserInfo struct {
	Name string
	Age  int
}

// UserInfoFrom reads name and age from u, falling back to defaults.
func UserInfoFrom(u *entities.User) UserInfo {
	info := UserInfo{Name: defaultUserName, Age: defaultUserAge}
	if u == nil {
		return info
	}
	if u.Name != "" {
		info.Name = u.Name
	}
	if u.Age > 0 {
		info.Age = u.Age
	}
	return info
}

// Choice builds the persona that chats with the child and starts next when
// they are ready. A nil next still yields a usable persona.
func Choice(next *entities.Episode, user UserInfo) entities.PersonaConfig {
	prompt := fallbackChoicePrompt
	if next != nil && next.ChoicePrompt != "" {
		prompt = next.ChoicePrompt
	}

	return entities.PersonaConfig{
		Name:         ChoiceName,
		Instructions: fill(prompt, values(next, user)),
		Voice:        ChoiceVoice,
		Tools:        []entities.Tool{startEpisodeTool},
	}
}

// Episode builds the teaching persona for ep.
func Episode(ep *entities.Episode, user UserInfo) entities.PersonaConfig {
	prompt := fallbackEpisodePrompt
	if ep.EpisodePrompt != "" {
		prompt = ep.EpisodePrompt
	}

	return entities.PersonaConfig{
		Name:         EpisodeName(ep.EpisodeRef),
		Instructions: fill(prompt, values(ep, user)),
		Voice:        EpisodeVoice,
		Tools:        []entities.Tool{markVocabularyLearnedTool, completeEpisodeTool, practiceWordTool},
	}
}

// EpisodeName is the persona name for the episode at ref.
func EpisodeName(ref entities.EpisodeRef) string {
	return fmt.Sprintf("episode_agent_%s_%d_%d", ref.Language, ref.Season, ref.Episode)
}

func values(ep *entities.Episode, user UserInfo) map[string]string {
	if user.Name == "" {
		user.Name = defaultUserName
	}
	if user.Age <= 0 {
		user.Age = defaultUserAge
	}
	v := map[string]string{
		"user_name":        user.Name,
		"user_age":         strconv.Itoa(user.Age),
		"episode_title":    "Spanish Adventure",
		"episode_language": "Spanish",
		"episode_season":   "1",
		"episode_number":   "1",
		"story_context":    "A fun learning adventure",
		"vocabulary_list":  "",
		"objectives_list":  "",
		"difficulty":       "beginner",
	}
	if ep == nil {
		return v
	}
	if ep.Title != "" {
		v["episode_title"] = ep.Title
	}
	if ep.Language != "" {
		v["episode_language"] = TitleCase(ep.Language)
	}
	if ep.Season > 0 {
		v["episode_season"] = strconv.Itoa(ep.Season)
	}
	if ep.Episode > 0 {
		v["episode_number"] = strconv.Itoa(ep.Episode)
	}
	if ep.StoryContext != "" {
		v["story_context"] = ep.StoryContext
	}
	if ep.Difficulty != "" {
		v["difficulty"] = ep.Difficulty
	}
	v["vocabulary_list"] = strings.Join(ep.Vocabulary, ", ")
	v["objectives_list"] = strings.Join(ep.LearningObjectives, ", ")
	return v
}

// fill substitutes {key} placeholders. Unknown placeholders are left as is.
func fill(prompt string, v map[string]string) string {
	pairs := make([]string, 0, len(v)*2)
	for k, val := range v {
		pairs = append(pairs, "{"+k+"}", val)
	}
	return strings.NewReplacer(pairs...).Replace(prompt)
}

// TitleCase upper-cases the first letter, e.g. "spanish" to "Spanish".
func TitleCase(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if r == utf8.RuneError {
		return s
	}
	return string(unicode.ToUpper(r)) + s[size:]
}
