package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/adapters/content"
	"github.com/satriahrh/storyteller/server/adapters/memory"
	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

type dispatcherFixture struct {
	sessions   repositories.SessionStore
	progress   *memory.ProgressStore
	dispatcher *FunctionDispatcher
	userID     string
}

func newDispatcherFixture(t *testing.T, catalog repositories.ContentProvider) *dispatcherFixture {
	t.Helper()
	return newDispatcherFixtureWithSessions(t, catalog, memory.NewSessionStore(zap.NewNop()))
}

func newDispatcherFixtureWithSessions(t *testing.T, catalog repositories.ContentProvider, sessions repositories.SessionStore) *dispatcherFixture {
	t.Helper()
	logger := zap.NewNop()
	if catalog == nil {
		catalog = content.NewMockCatalog(logger)
	}
	f := &dispatcherFixture{
		sessions: sessions,
		progress: memory.NewProgressStore(logger),
	}
	f.dispatcher = NewFunctionDispatcher(f.sessions, f.progress, catalog, time.Hour, nil, logger)
	return f
}

func (f *dispatcherFixture) connect(t *testing.T, deviceID string) {
	t.Helper()
	ctx := context.Background()
	user, err := f.progress.GetOrCreateUser(ctx, deviceID)
	if err != nil {
		t.Fatalf("GetOrCreateUser failed: %v", err)
	}
	f.userID = user.ID
	if err := f.sessions.Set(ctx, entities.NewDeviceSession(deviceID, user.ID), time.Hour); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
}

func (f *dispatcherFixture) call(deviceID, name string, args map[string]any) entities.FunctionCallResult {
	return f.dispatcher.Dispatch(context.Background(), deviceID, entities.FunctionCallRequest{
		CallID:    "call_" + name,
		Name:      name,
		Arguments: args,
	})
}

func (f *dispatcherFixture) session(t *testing.T, deviceID string) *entities.DeviceSession {
	t.Helper()
	sess, err := f.sessions.Get(context.Background(), deviceID)
	if err != nil {
		t.Fatalf("Get session failed: %v", err)
	}
	return sess
}

func TestDispatchUnknownFunction(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	res := f.call("dev-1", "dance", nil)
	if res.Success {
		t.Fatal("Unknown function should fail")
	}
	if res.Error != "Unknown function: dance" {
		t.Errorf("Unexpected error %q", res.Error)
	}
	if res.CallID != "call_dance" {
		t.Errorf("Result should echo the call id, got %q", res.CallID)
	}
}

func TestDispatchWithoutSession(t *testing.T) {
	f := newDispatcherFixture(t, nil)

	names := []string{
		entities.FunctionStartEpisode,
		entities.FunctionMarkVocabularyLearned,
		entities.FunctionCompleteEpisode,
		entities.FunctionPracticeWord,
	}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			res := f.call("ghost", name, map[string]any{"ready": true, "word": "hola"})
			if res.Success || res.Error != errNoSession {
				t.Errorf("Expected %q, got success=%v error=%q", errNoSession, res.Success, res.Error)
			}
		})
	}
}

func TestStartEpisodeRequiresReady(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"missing", map[string]any{}, errNotReady},
		{"false", map[string]any{"ready": false}, errNotReady},
		{"string false", map[string]any{"ready": "false"}, errNotReady},
		{"string true", map[string]any{"ready": "true"}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDispatcherFixture(t, nil)
			f.connect(t, "dev-1")

			res := f.call("dev-1", entities.FunctionStartEpisode, tt.args)
			if res.Error != tt.wantErr {
				t.Errorf("Expected error %q, got %q", tt.wantErr, res.Error)
			}
			if got := f.session(t, "dev-1").InEpisode(); got != (tt.wantErr == "") {
				t.Errorf("InEpisode = %v", got)
			}
		})
	}
}

func TestStartEpisode(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	res := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	if !res.Success {
		t.Fatalf("start_episode failed: %s", res.Error)
	}
	if res.Episode == nil || res.Episode.Title != "Greetings and Family" {
		t.Fatalf("Unexpected episode %+v", res.Episode)
	}
	if msg := res.Fields["message"]; msg != "Great choice! Let's start learning Spanish with 'Greetings and Family'!" {
		t.Errorf("Unexpected message %v", msg)
	}

	sess := f.session(t, "dev-1")
	if sess.AgentMode != entities.AgentModeLearning {
		t.Errorf("Expected LEARNING mode, got %s", sess.AgentMode)
	}
	ls, ok := f.progress.LearningSession(sess.LearningSessionID)
	if !ok {
		t.Fatal("Learning session should exist")
	}
	if ls.CompletionStatus != entities.LearningSessionActive {
		t.Errorf("Expected active learning session, got %s", ls.CompletionStatus)
	}

	again := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	if again.Success || again.Error != errEpisodeRunning {
		t.Errorf("Second start should fail with %q, got %q", errEpisodeRunning, again.Error)
	}
}

func TestConcurrentStartEpisodeStartsOnce(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	var wg sync.WaitGroup
	results := make([]entities.FunctionCallResult, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		} else if res.Error != errEpisodeRunning {
			t.Errorf("Unexpected error %q", res.Error)
		}
	}
	if succeeded != 1 {
		t.Errorf("Expected exactly one success, got %d", succeeded)
	}
	if n := len(f.progress.LearningSessions(f.userID)); n != 1 {
		t.Errorf("Expected one learning session, got %d", n)
	}
}

func TestMarkVocabularyLearned(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	res := f.call("dev-1", entities.FunctionMarkVocabularyLearned, map[string]any{"word": "hola"})
	if res.Error != errNoEpisode {
		t.Fatalf("Expected %q outside an episode, got %q", errNoEpisode, res.Error)
	}

	f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})

	if res := f.call("dev-1", entities.FunctionMarkVocabularyLearned, map[string]any{}); res.Error != errMissingWord {
		t.Errorf("Expected %q, got %q", errMissingWord, res.Error)
	}

	res = f.call("dev-1", entities.FunctionMarkVocabularyLearned, map[string]any{"word": "hola", "confidence": "high"})
	if !res.Success {
		t.Fatalf("mark_vocabulary_learned failed: %s", res.Error)
	}
	if res.Fields["word"] != "hola" || res.Fields["confidence"] != "high" {
		t.Errorf("Unexpected fields %v", res.Fields)
	}

	res = f.call("dev-1", entities.FunctionMarkVocabularyLearned, map[string]any{"word": "mamá", "confidence": "shaky"})
	if res.Fields["confidence"] != "medium" {
		t.Errorf("Unknown confidence should default to medium, got %v", res.Fields["confidence"])
	}

	sess := f.session(t, "dev-1")
	if len(sess.WordsLearned) != 2 {
		t.Errorf("Expected 2 words in session, got %v", sess.WordsLearned)
	}
	p, ok := f.progress.Progress(f.userID, sess.CurrentEpisode.EpisodeRef)
	if !ok || !p.HasWord("hola") {
		t.Errorf("Progress should record hola, got %+v", p)
	}
}

func TestPracticeWordConfidence(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")
	f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})

	steps := []struct {
		word       string
		success    bool
		attempts   int
		confidence string
	}{
		{"hola", true, 1, "high"},
		{"papá", false, 1, "low"},
		{"papá", true, 2, "medium"},
	}
	for _, s := range steps {
		res := f.call("dev-1", entities.FunctionPracticeWord, map[string]any{"word": s.word, "success": s.success})
		if !res.Success {
			t.Fatalf("practice_word failed: %s", res.Error)
		}
		if res.Fields["attempts"] != s.attempts {
			t.Errorf("%s: expected attempts %d, got %v", s.word, s.attempts, res.Fields["attempts"])
		}
		if res.Fields["confidence"] != s.confidence {
			t.Errorf("%s: expected confidence %s, got %v", s.word, s.confidence, res.Fields["confidence"])
		}
		if res.Fields["correct"] != s.success {
			t.Errorf("%s: expected correct=%v, got %v", s.word, s.success, res.Fields["correct"])
		}
	}

	sess := f.session(t, "dev-1")
	if sess.VocabularyProgress["papá"] != entities.ConfidenceMedium {
		t.Errorf("Expected papá at medium, got %s", sess.VocabularyProgress["papá"])
	}
}

// jsonSessionStore keeps sessions as JSON documents, the way the Redis store
// does, so empty maps come back nil.
type jsonSessionStore struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newJSONSessionStore() *jsonSessionStore {
	return &jsonSessionStore{docs: make(map[string][]byte)}
}

func (s *jsonSessionStore) Get(_ context.Context, deviceID string) (*entities.DeviceSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.docs[deviceID]
	if !ok {
		return nil, repositories.ErrSessionNotFound
	}
	var sess entities.DeviceSession
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *jsonSessionStore) Set(_ context.Context, session *entities.DeviceSession, _ time.Duration) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[session.DeviceID] = data
	s.mu.Unlock()
	return nil
}

func (s *jsonSessionStore) Delete(_ context.Context, deviceID string) error {
	s.mu.Lock()
	delete(s.docs, deviceID)
	s.mu.Unlock()
	return nil
}

func TestGradingSurvivesSerializedSessions(t *testing.T) {
	f := newDispatcherFixtureWithSessions(t, nil, newJSONSessionStore())
	f.connect(t, "dev-1")

	if res := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true}); !res.Success {
		t.Fatalf("start_episode failed: %s", res.Error)
	}
	if sess := f.session(t, "dev-1"); sess.VocabularyProgress != nil {
		t.Fatalf("Expected the stored session to decode without progress, got %v", sess.VocabularyProgress)
	}

	res := f.call("dev-1", entities.FunctionMarkVocabularyLearned, map[string]any{"word": "hola", "confidence": "high"})
	if !res.Success {
		t.Fatalf("mark_vocabulary_learned failed: %s", res.Error)
	}
	res = f.call("dev-1", entities.FunctionPracticeWord, map[string]any{"word": "gato", "success": true})
	if !res.Success {
		t.Fatalf("practice_word failed: %s", res.Error)
	}

	sess := f.session(t, "dev-1")
	if sess.VocabularyProgress["hola"] != entities.ConfidenceHigh {
		t.Errorf("Expected hola at high, got %s", sess.VocabularyProgress["hola"])
	}
	if sess.VocabularyProgress["gato"] != entities.ConfidenceHigh {
		t.Errorf("Expected gato at high, got %s", sess.VocabularyProgress["gato"])
	}
}

func TestPracticeWordOutsideEpisodeSkipsProgress(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	res := f.call("dev-1", entities.FunctionPracticeWord, map[string]any{"word": "gato", "success": true})
	if !res.Success {
		t.Fatalf("practice_word failed: %s", res.Error)
	}
	ref := entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1}
	if _, ok := f.progress.Progress(f.userID, ref); ok {
		t.Error("Practice outside an episode should not touch progress")
	}
}

func TestCompleteEpisodeAdvances(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")

	start := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	lsID := f.session(t, "dev-1").LearningSessionID

	res := f.call("dev-1", entities.FunctionCompleteEpisode, map[string]any{
		"words_learned": []any{"hola", "mamá"},
	})
	if !res.Success {
		t.Fatalf("complete_episode failed: %s", res.Error)
	}
	if res.NextEpisode == nil || res.NextEpisode.Title != "Farm Animals" {
		t.Errorf("Expected next episode Farm Animals, got %+v", res.NextEpisode)
	}
	if !res.ReturnToChoice {
		t.Error("Expected return_to_choice")
	}
	totals, ok := res.Fields["totals"].(*entities.LearningAnalytics)
	if !ok {
		t.Fatalf("Unexpected totals %T", res.Fields["totals"])
	}
	if totals.TotalEpisodesCompleted != 1 || totals.TotalWordsLearned != 2 {
		t.Errorf("Unexpected totals %+v", totals)
	}
	topics, _ := res.Fields["topics_learned"].([]string)
	if len(topics) != len(start.Episode.LearningObjectives) {
		t.Errorf("Expected %d topics, got %v", len(start.Episode.LearningObjectives), topics)
	}

	ls, _ := f.progress.LearningSession(lsID)
	if ls.CompletionStatus != entities.LearningSessionCompleted {
		t.Errorf("Expected completed learning session, got %s", ls.CompletionStatus)
	}
	sess := f.session(t, "dev-1")
	if sess.InEpisode() {
		t.Error("Session should return to choosing")
	}

	user, _ := f.progress.GetOrCreateUser(context.Background(), "dev-1")
	if user.CurrentEpisode != 2 {
		t.Errorf("User should move to episode 2, got %d", user.CurrentEpisode)
	}

	if again := f.call("dev-1", entities.FunctionCompleteEpisode, nil); again.Error != errNoEpisode {
		t.Errorf("Expected %q after completion, got %q", errNoEpisode, again.Error)
	}
}

func TestCompleteLastEpisode(t *testing.T) {
	logger := zap.NewNop()
	only := []entities.Episode{{
		EpisodeRef:         entities.EpisodeRef{Language: "spanish", Season: 1, Episode: 1},
		Title:              "Greetings and Family",
		StoryContext:       "A family visit.",
		LearningObjectives: []string{"Basic greetings"},
	}}
	f := newDispatcherFixture(t, content.NewCatalog(only, logger))
	f.connect(t, "dev-1")

	f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	res := f.call("dev-1", entities.FunctionCompleteEpisode, map[string]any{"words_learned": []string{"hola"}})
	if !res.Success {
		t.Fatalf("complete_episode failed: %s", res.Error)
	}
	if res.NextEpisode != nil {
		t.Errorf("Expected no next episode, got %+v", res.NextEpisode)
	}

	if again := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true}); again.Error != errNoEpisodesLeft {
		t.Errorf("Expected %q, got %q", errNoEpisodesLeft, again.Error)
	}
}

func TestAbortEpisode(t *testing.T) {
	f := newDispatcherFixture(t, nil)
	f.connect(t, "dev-1")
	f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	lsID := f.session(t, "dev-1").LearningSessionID

	if err := f.dispatcher.AbortEpisode(context.Background(), "dev-1"); err != nil {
		t.Fatalf("AbortEpisode failed: %v", err)
	}

	sess := f.session(t, "dev-1")
	if sess.AgentMode != entities.AgentModeChoosing || sess.InEpisode() {
		t.Errorf("Expected CHOOSING mode, got %s", sess.AgentMode)
	}
	ls, _ := f.progress.LearningSession(lsID)
	if ls.CompletionStatus != entities.LearningSessionAborted {
		t.Errorf("Expected aborted learning session, got %s", ls.CompletionStatus)
	}

	if err := f.dispatcher.AbortEpisode(context.Background(), "dev-1"); err != nil {
		t.Errorf("Aborting without an episode should be a no-op, got %v", err)
	}
}

type panickingContent struct{ repositories.ContentProvider }

func (panickingContent) GetNextEpisodeForUser(context.Context, string, entities.CurriculumPosition) (*entities.Episode, error) {
	panic("catalog exploded")
}

func TestDispatchRecoversPanics(t *testing.T) {
	f := newDispatcherFixture(t, panickingContent{})
	f.connect(t, "dev-1")

	res := f.call("dev-1", entities.FunctionStartEpisode, map[string]any{"ready": true})
	if res.Success {
		t.Fatal("Panicking handler should fail")
	}
	if res.Error != "Function execution failed: catalog exploded" {
		t.Errorf("Unexpected error %q", res.Error)
	}

	// The device lock must have been released.
	if res := f.call("dev-1", entities.FunctionPracticeWord, map[string]any{"word": "hola", "success": true}); !res.Success {
		t.Errorf("Follow-up call failed: %s", res.Error)
	}
}
