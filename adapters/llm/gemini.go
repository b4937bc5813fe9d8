package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultTemperature    = 0.8
	defaultMaxTokens      = 256
	defaultTimeoutSeconds = 15
	maxAttempts           = 3
)

var ErrEmptyStory = errors.New("gemini returned no story text")

// contentGenerator is the slice of genai.Models the writer needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiStoryWriter drafts the short story context an episode persona narrates
// from, for catalog entries that ship without one.
type GeminiStoryWriter struct {
	models  contentGenerator
	logger  *zap.Logger
	model   string
	timeout time.Duration
	backoff time.Duration
}

// NewGeminiStoryWriter creates a writer backed by the Gemini API
func NewGeminiStoryWriter(ctx context.Context, apiKey string, logger *zap.Logger) (*GeminiStoryWriter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newStoryWriter(client.Models, logger), nil
}

func newStoryWriter(models contentGenerator, logger *zap.Logger) *GeminiStoryWriter {
	return &GeminiStoryWriter{
		models:  models,
		logger:  logger,
		model:   defaultModel,
		timeout: defaultTimeoutSeconds * time.Second,
		backoff: time.Second,
	}
}

var _ repositories.StoryWriter = (*GeminiStoryWriter)(nil)

var safetySettings = []*genai.SafetySetting{
	{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
	{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
	{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
	{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockLowAndAbove},
}

func storyPrompt(ep entities.Episode) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a two sentence story setting for a %s lesson for a young child.\n", ep.Language)
	fmt.Fprintf(&b, "Lesson title: %s\n", ep.Title)
	fmt.Fprintf(&b, "Words to practice: %s\n", strings.Join(ep.Vocabulary, ", "))
	if len(ep.LearningObjectives) > 0 {
		fmt.Fprintf(&b, "Goals: %s\n", strings.Join(ep.LearningObjectives, ", "))
	}
	b.WriteString("Introduce one friendly character by name. Answer with the setting only.")
	return b.String()
}

// WriteStoryContext asks Gemini for a setting, retrying transient failures.
func (g *GeminiStoryWriter) WriteStoryContext(ctx context.Context, ep entities.Episode) (string, error) {
	contents := []*genai.Content{genai.NewContentFromText(storyPrompt(ep), genai.RoleUser)}
	config := &genai.GenerateContentConfig{
		SafetySettings:  safetySettings,
		Temperature:     genai.Ptr(float32(defaultTemperature)),
		MaxOutputTokens: defaultMaxTokens,
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var response *genai.GenerateContentResponse
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		response, err = g.models.GenerateContent(ctx, g.model, contents, config)
		if err == nil {
			break
		}

		g.logger.Warn("Failed to generate story context, retrying",
			zap.String("episode", ep.String()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt+1) * g.backoff):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("generate story context: %w", err)
	}

	text := responseText(response)
	if text == "" {
		return "", ErrEmptyStory
	}
	g.logger.Info("Generated story context", zap.String("episode", ep.String()), zap.Int("length", len(text)))
	return text, nil
}

func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(b.String())
}
