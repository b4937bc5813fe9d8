package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

var s1e1 = entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1}

func TestSessionStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(zap.NewNop())

	if _, err := store.Get(ctx, "bear-1"); !errors.Is(err, repositories.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}

	session := entities.NewDeviceSession("bear-1", "user-1")
	if err := store.Set(ctx, session, time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := store.Get(ctx, "bear-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("Expected user-1, got %s", got.UserID)
	}

	got.AddWord("hola")
	again, _ := store.Get(ctx, "bear-1")
	if len(again.WordsLearned) != 0 {
		t.Error("Mutating a returned session should not change the stored one")
	}

	if err := store.Delete(ctx, "bear-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Get(ctx, "bear-1"); !errors.Is(err, repositories.ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound after delete, got %v", err)
	}
}

func TestSessionStoreLastWriteWins(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(zap.NewNop())

	first := entities.NewDeviceSession("bear-1", "user-1")
	second := entities.NewDeviceSession("bear-1", "user-2")
	_ = store.Set(ctx, first, time.Hour)
	_ = store.Set(ctx, second, time.Hour)

	got, _ := store.Get(ctx, "bear-1")
	if got.UserID != "user-2" {
		t.Errorf("Expected last write to win, got %s", got.UserID)
	}
}

func TestSessionStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore(zap.NewNop())

	_ = store.Set(ctx, entities.NewDeviceSession("bear-1", "u"), 10*time.Millisecond)
	_ = store.Set(ctx, entities.NewDeviceSession("bear-2", "u"), time.Hour)
	time.Sleep(20 * time.Millisecond)

	if _, err := store.Get(ctx, "bear-1"); !errors.Is(err, repositories.ErrSessionNotFound) {
		t.Errorf("Expired session should not be returned, got %v", err)
	}
	if store.Len() != 1 {
		t.Errorf("Expected 1 live session, got %d", store.Len())
	}

	n, err := store.ExpireSessions(ctx)
	if err != nil || n != 1 {
		t.Errorf("Expected 1 expired session, got %d (%v)", n, err)
	}
}

func TestSessionStoreRejectsInvalid(t *testing.T) {
	store := NewSessionStore(zap.NewNop())
	if err := store.Set(context.Background(), &entities.DeviceSession{}, time.Hour); err == nil {
		t.Error("Expected validation error for empty session")
	}
}

type countingExpirer struct{ calls atomic.Int32 }

func (c *countingExpirer) ExpireSessions(ctx context.Context) (int, error) {
	c.calls.Add(1)
	return 0, nil
}

func TestSessionCleanupServiceRuns(t *testing.T) {
	exp := &countingExpirer{}
	svc := NewSessionCleanupService(exp, 5*time.Millisecond, zap.NewNop())
	svc.Start()
	time.Sleep(30 * time.Millisecond)
	svc.Stop()

	if exp.calls.Load() == 0 {
		t.Error("Expected at least one cleanup run")
	}
}

func TestProgressStoreUserLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore(zap.NewNop())

	u, err := store.GetOrCreateUser(ctx, "bear-1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Name != "friend" || u.Age != 6 {
		t.Errorf("Unexpected defaults %s/%d", u.Name, u.Age)
	}
	again, _ := store.GetOrCreateUser(ctx, "bear-1")
	if again.ID != u.ID {
		t.Error("Same device should map to the same user")
	}

	ls, err := store.CreateSession(ctx, u.ID, s1e1)
	if err != nil {
		t.Fatal(err)
	}
	if ls.CompletionStatus != entities.LearningSessionActive {
		t.Errorf("Expected active session, got %s", ls.CompletionStatus)
	}

	if err := store.UpdateSessionConversationTime(ctx, u.ID, ls.ID, 12.5); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateSessionConversationTime(ctx, u.ID, "", 2.5); err != nil {
		t.Fatal(err)
	}
	recorded, _ := store.LearningSession(ls.ID)
	if recorded.ConversationSeconds != 12.5 {
		t.Errorf("Expected 12.5s on session, got %v", recorded.ConversationSeconds)
	}

	if err := store.EndSession(ctx, ls.ID, entities.LearningSessionCompleted); err != nil {
		t.Fatal(err)
	}
	if err := store.EndSession(ctx, ls.ID, entities.LearningSessionEnded); err != nil {
		t.Fatal(err)
	}
	recorded, _ = store.LearningSession(ls.ID)
	if recorded.CompletionStatus != entities.LearningSessionCompleted {
		t.Errorf("Finished session should keep its status, got %s", recorded.CompletionStatus)
	}

	analytics, _ := store.GetUserLearningAnalytics(ctx, u.ID)
	if analytics.TotalConversationTime != 15 {
		t.Errorf("Expected 15s total, got %v", analytics.TotalConversationTime)
	}
}

func TestProgressStoreWordsAndCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewProgressStore(zap.NewNop())
	u, _ := store.GetOrCreateUser(ctx, "bear-1")

	_ = store.AddWordLearned(ctx, u.ID, s1e1, "hola", entities.ConfidenceHigh)
	_ = store.AddWordLearned(ctx, u.ID, s1e1, "hola", entities.ConfidenceMedium)
	_ = store.RecordWordAttempt(ctx, u.ID, s1e1, "familia", entities.ConfidenceLow)
	_ = store.AddTopicLearned(ctx, u.ID, s1e1, "greetings")

	p, ok := store.Progress(u.ID, s1e1)
	if !ok {
		t.Fatal("Expected progress record")
	}
	if len(p.VocabularyLearned) != 1 || p.Attempts != 1 {
		t.Errorf("Unexpected progress %+v", p)
	}
	if p.VocabularyProgress["hola"] != entities.ConfidenceMedium {
		t.Errorf("Expected latest grade medium, got %s", p.VocabularyProgress["hola"])
	}

	next := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 2}
	updated, err := store.CompleteEpisode(ctx, u.ID, s1e1, next, []string{"hola", "adiós"})
	if err != nil {
		t.Fatal(err)
	}
	if updated.CurrentEpisode != 2 {
		t.Errorf("Expected user moved to episode 2, got %d", updated.CurrentEpisode)
	}
	if updated.TotalWordsLearned != 2 || updated.TotalEpisodesCompleted != 1 {
		t.Errorf("Unexpected totals words=%d episodes=%d", updated.TotalWordsLearned, updated.TotalEpisodesCompleted)
	}
	if updated.CurrentStreakDays != 1 {
		t.Errorf("Expected streak 1, got %d", updated.CurrentStreakDays)
	}

	if _, err := store.CompleteEpisode(ctx, "nobody", s1e1, next, nil); !errors.Is(err, repositories.ErrUserNotFound) {
		t.Errorf("Expected ErrUserNotFound, got %v", err)
	}
}

func TestDeviceRepositoryValidate(t *testing.T) {
	ctx := context.Background()
	repo := NewSeededDeviceRepository()

	device, err := repo.ValidateDevice(ctx, "BEAR001", "secret123")
	if err != nil {
		t.Fatalf("Expected valid credentials, got %v", err)
	}
	if device.ID != "device-BEAR001" {
		t.Errorf("Unexpected device %s", device.ID)
	}

	if _, err := repo.ValidateDevice(ctx, "BEAR001", "nope"); !errors.Is(err, repositories.ErrInvalidCredentials) {
		t.Errorf("Expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := repo.ValidateDevice(ctx, "BEAR999", "secret"); !errors.Is(err, repositories.ErrDeviceNotFound) {
		t.Errorf("Expected ErrDeviceNotFound, got %v", err)
	}

	if err := repo.Register(ctx, &entities.Device{SerialNumber: "BEAR001", SecretKey: "x", Model: "teddy-v1"}); err == nil {
		t.Error("Duplicate serial should be rejected")
	}
	fresh := &entities.Device{SerialNumber: "BEAR100", SecretKey: "s", Model: "teddy-v3"}
	if err := repo.Register(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if _, err := repo.GetByID(ctx, fresh.ID); err != nil {
		t.Errorf("Registered device should be found: %v", err)
	}
}
