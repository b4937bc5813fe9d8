package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/storyteller/server/domain/entities"
)

type fakeModels struct {
	failures int
	calls    int
	text     string
	prompt   string
}

func (f *fakeModels) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.calls++
	f.prompt = contents[0].Parts[0].Text
	if f.calls <= f.failures {
		return nil, errors.New("unavailable")
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText(f.text, genai.RoleModel),
		}},
	}, nil
}

var farm = entities.Episode{
	EpisodeRef: entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2},
	Title:      "Farm Animals",
	Vocabulary: []string{"gato", "perro"},
}

func TestWriteStoryContextRetries(t *testing.T) {
	models := &fakeModels{failures: 1, text: "  Farmer Carlos needs help.  "}
	w := newStoryWriter(models, zap.NewNop())
	w.backoff = 0

	story, err := w.WriteStoryContext(context.Background(), farm)
	if err != nil {
		t.Fatalf("Expected success after retry, got %v", err)
	}
	if story != "Farmer Carlos needs help." {
		t.Errorf("Unexpected story %q", story)
	}
	if models.calls != 2 {
		t.Errorf("Expected 2 calls, got %d", models.calls)
	}
	if !strings.Contains(models.prompt, "gato, perro") {
		t.Errorf("Prompt should list vocabulary, got %q", models.prompt)
	}
}

func TestWriteStoryContextGivesUp(t *testing.T) {
	models := &fakeModels{failures: maxAttempts}
	w := newStoryWriter(models, zap.NewNop())
	w.backoff = 0

	if _, err := w.WriteStoryContext(context.Background(), farm); err == nil {
		t.Fatal("Expected error after exhausting attempts")
	}
	if models.calls != maxAttempts {
		t.Errorf("Expected %d calls, got %d", maxAttempts, models.calls)
	}
}

func TestWriteStoryContextEmpty(t *testing.T) {
	w := newStoryWriter(&fakeModels{text: ""}, zap.NewNop())
	if _, err := w.WriteStoryContext(context.Background(), farm); !errors.Is(err, ErrEmptyStory) {
		t.Errorf("Expected ErrEmptyStory, got %v", err)
	}
}

func TestNewGeminiStoryWriterRequiresKey(t *testing.T) {
	if _, err := NewGeminiStoryWriter(context.Background(), "", zap.NewNop()); err == nil {
		t.Error("Expected error without API key")
	}
}
