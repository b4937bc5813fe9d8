package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// Integration tests require a running MongoDB instance
func setupTestStore(t *testing.T) *ProgressStore {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set, skipping MongoDB integration test")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, uri, "storyteller_test_"+uuid.NewString()[:8], zap.NewNop())
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Database.Drop(ctx)
		_ = client.Close(ctx)
	})

	store := NewProgressStore(client.Database, zap.NewNop())
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}
	return store
}

func TestMongoProgressStoreFlow(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	ref := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1}

	user, err := store.GetOrCreateUser(ctx, "bear-1")
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	again, err := store.GetOrCreateUser(ctx, "bear-1")
	if err != nil || again.ID != user.ID {
		t.Fatalf("Expected same user, got %v (%v)", again, err)
	}

	ls, err := store.CreateSession(ctx, user.ID, ref)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := store.UpdateSessionConversationTime(ctx, user.ID, ls.ID, 4); err != nil {
		t.Fatalf("UpdateSessionConversationTime failed: %v", err)
	}

	if err := store.AddWordLearned(ctx, user.ID, ref, "hola", entities.ConfidenceHigh); err != nil {
		t.Fatal(err)
	}
	if err := store.AddWordLearned(ctx, user.ID, ref, "hola", entities.ConfidenceHigh); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordWordAttempt(ctx, user.ID, ref, "familia", entities.ConfidenceLow); err != nil {
		t.Fatal(err)
	}

	next := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2}
	updated, err := store.CompleteEpisode(ctx, user.ID, ref, next, []string{"hola", "mamá"})
	if err != nil {
		t.Fatalf("CompleteEpisode failed: %v", err)
	}
	if updated.CurrentEpisode != 2 || updated.TotalWordsLearned != 2 || updated.TotalEpisodesCompleted != 1 {
		t.Errorf("Unexpected user after completion %+v", updated)
	}

	if err := store.EndSession(ctx, ls.ID, entities.LearningSessionCompleted); err != nil {
		t.Fatal(err)
	}

	analytics, err := store.GetUserLearningAnalytics(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if analytics.TotalConversationTime != 4 {
		t.Errorf("Expected 4s conversation time, got %v", analytics.TotalConversationTime)
	}

	if _, err := store.GetUserLearningAnalytics(ctx, "missing"); !errors.Is(err, repositories.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}
