package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

func newTestStore(t *testing.T) *ProgressStore {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping PostgreSQL integration test")
	}
	store, err := NewProgressStore(context.Background(), url, zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPostgresProgressStoreFlow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	deviceID := "bear-" + uuid.NewString()
	ref := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1}

	user, err := store.GetOrCreateUser(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	if user.Name != "friend" || user.CurrentEpisode != 1 {
		t.Errorf("Unexpected defaults %+v", user)
	}

	ls, err := store.CreateSession(ctx, user.ID, ref)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.UpdateSessionConversationTime(ctx, user.ID, ls.ID, 6); err != nil {
		t.Fatal(err)
	}
	if err := store.AddWordLearned(ctx, user.ID, ref, "hola", entities.ConfidenceHigh); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordWordAttempt(ctx, user.ID, ref, "papá", entities.ConfidenceLow); err != nil {
		t.Fatal(err)
	}
	if err := store.AddTopicLearned(ctx, user.ID, ref, "family"); err != nil {
		t.Fatal(err)
	}

	next := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2}
	updated, err := store.CompleteEpisode(ctx, user.ID, ref, next, []string{"hola", "adiós"})
	if err != nil {
		t.Fatalf("CompleteEpisode failed: %v", err)
	}
	if updated.CurrentEpisode != 2 || updated.TotalWordsLearned != 2 {
		t.Errorf("Unexpected user after completion %+v", updated)
	}

	if err := store.EndSession(ctx, ls.ID, entities.LearningSessionCompleted); err != nil {
		t.Fatal(err)
	}
	if err := store.EndSession(ctx, "missing", entities.LearningSessionEnded); !errors.Is(err, repositories.ErrLearningSessionNotFound) {
		t.Errorf("Expected ErrLearningSessionNotFound, got %v", err)
	}

	analytics, err := store.GetUserLearningAnalytics(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if analytics.TotalTopicsLearned != 1 || analytics.TotalConversationTime != 6 {
		t.Errorf("Unexpected analytics %+v", analytics)
	}
}
