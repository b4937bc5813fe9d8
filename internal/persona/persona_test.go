package persona

import (
	"strings"
	"testing"

	"github.com/satriahrh/storyteller/server/domain/entities"
)

var farm = &entities.Episode{
	EpisodeRef:         entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2},
	Title:              "Farm Animals",
	Vocabulary:         []string{"gato", "perro"},
	LearningObjectives: []string{"Animal names"},
	StoryContext:       "Farmer Carlos needs help.",
}

func TestChoicePersonaFallback(t *testing.T) {
	p := Choice(farm, UserInfo{Name: "Ana", Age: 7})

	if p.Name != ChoiceName || p.Voice != "alloy" {
		t.Errorf("Unexpected persona %s/%s", p.Name, p.Voice)
	}
	if !p.HasTool(entities.FunctionStartEpisode) || len(p.Tools) != 1 {
		t.Errorf("Choice persona should expose only start_episode, got %v", p.Tools)
	}
	for _, want := range []string{"Ana", "7-year-old", `"Farm Animals"`, "Spanish", "Episode 2"} {
		if !strings.Contains(p.Instructions, want) {
			t.Errorf("Instructions missing %q", want)
		}
	}
	if strings.Contains(p.Instructions, "{") {
		t.Error("All placeholders should be filled")
	}
}

func TestChoicePersonaUsesAuthoredPrompt(t *testing.T) {
	ep := *farm
	ep.ChoicePrompt = "Hi {user_name}, age {user_age}, {unknown}"

	p := Choice(&ep, UserInfo{})
	if p.Instructions != "Hi friend, age 6, {unknown}" {
		t.Errorf("Unexpected instructions %q", p.Instructions)
	}
}

func TestChoicePersonaWithoutEpisode(t *testing.T) {
	p := Choice(nil, UserInfoFrom(nil))
	if !strings.Contains(p.Instructions, "Spanish Adventure") {
		t.Errorf("Expected default title, got %q", p.Instructions)
	}
}

func TestEpisodePersona(t *testing.T) {
	p := Episode(farm, UserInfo{Name: "Ana", Age: 5})

	if p.Name != "episode_agent_spanish_1_2" {
		t.Errorf("Unexpected name %s", p.Name)
	}
	if p.Voice != "nova" {
		t.Errorf("Unexpected voice %s", p.Voice)
	}
	for _, fn := range []string{
		entities.FunctionMarkVocabularyLearned,
		entities.FunctionCompleteEpisode,
		entities.FunctionPracticeWord,
	} {
		if !p.HasTool(fn) {
			t.Errorf("Episode persona missing %s", fn)
		}
	}
	if p.HasTool(entities.FunctionStartEpisode) {
		t.Error("Episode persona should not expose start_episode")
	}
	for _, want := range []string{"gato, perro", "Farmer Carlos needs help.", "Animal names", "beginner"} {
		if !strings.Contains(p.Instructions, want) {
			t.Errorf("Instructions missing %q", want)
		}
	}
}

func TestUserInfoFrom(t *testing.T) {
	info := UserInfoFrom(&entities.User{Name: "Leo"})
	if info.Name != "Leo" || info.Age != 6 {
		t.Errorf("Unexpected info %+v", info)
	}
}

func TestToolSchemasRequireFields(t *testing.T) {
	req := markVocabularyLearnedTool.Parameters["required"].([]string)
	if len(req) != 2 || req[0] != "word" || req[1] != "confidence" {
		t.Errorf("Unexpected required fields %v", req)
	}
}
