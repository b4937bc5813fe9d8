package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
	"github.com/satriahrh/storyteller/server/internal/observability"
	"github.com/satriahrh/storyteller/server/internal/persona"
)

const (
	errNoSession      = "No active session"
	errNoEpisode      = "No episode in progress"
	errNotReady       = "Child is not ready yet"
	errEpisodeRunning = "Episode already in progress"
	errNoEpisodesLeft = "No episodes available"
	errMissingWord    = "Missing word"
)

// FunctionDispatcher executes the functions the remote model calls. Every
// request yields exactly one result; failures are results, never panics.
// Calls for the same device are serialized.
type FunctionDispatcher struct {
	sessions   repositories.SessionStore
	progress   repositories.ProgressStore
	content    repositories.ContentProvider
	sessionTTL time.Duration
	metrics    *observability.Metrics
	logger     *zap.Logger

	locks keyedMutex
}

func NewFunctionDispatcher(
	sessions repositories.SessionStore,
	progress repositories.ProgressStore,
	content repositories.ContentProvider,
	sessionTTL time.Duration,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *FunctionDispatcher {
	return &FunctionDispatcher{
		sessions:   sessions,
		progress:   progress,
		content:    content,
		sessionTTL: sessionTTL,
		metrics:    metrics,
		logger:     logger,
	}
}

// Dispatch runs req for deviceID.
func (d *FunctionDispatcher) Dispatch(ctx context.Context, deviceID string, req entities.FunctionCallRequest) (res entities.FunctionCallResult) {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Function handler panicked",
				zap.String("deviceID", deviceID),
				zap.String("function", req.Name),
				zap.Any("panic", r))
			res = entities.Failed(req, fmt.Sprintf("Function execution failed: %v", r))
		}
		d.metrics.FunctionCall(req.Name, res.Success)
	}()

	d.logger.Info("Dispatching function call",
		zap.String("deviceID", deviceID),
		zap.String("function", req.Name),
		zap.String("callID", req.CallID),
		zap.Any("arguments", req.Arguments))

	switch req.Name {
	case entities.FunctionStartEpisode:
		return d.startEpisode(ctx, deviceID, req)
	case entities.FunctionMarkVocabularyLearned:
		return d.markVocabularyLearned(ctx, deviceID, req)
	case entities.FunctionCompleteEpisode:
		return d.completeEpisode(ctx, deviceID, req)
	case entities.FunctionPracticeWord:
		return d.practiceWord(ctx, deviceID, req)
	default:
		d.logger.Warn("Unknown function called", zap.String("deviceID", deviceID), zap.String("function", req.Name))
		return entities.Failed(req, "Unknown function: "+req.Name)
	}
}

func (d *FunctionDispatcher) session(ctx context.Context, deviceID string) (*entities.DeviceSession, error) {
	sess, err := d.sessions.Get(ctx, deviceID)
	if err != nil {
		if !errors.Is(err, repositories.ErrSessionNotFound) {
			d.logger.Error("Failed to load device session", zap.String("deviceID", deviceID), zap.Error(err))
		}
		return nil, err
	}
	return sess, nil
}

func (d *FunctionDispatcher) save(ctx context.Context, sess *entities.DeviceSession) error {
	if err := d.sessions.Set(ctx, sess, d.sessionTTL); err != nil {
		d.logger.Error("Failed to save device session", zap.String("deviceID", sess.DeviceID), zap.Error(err))
		return err
	}
	return nil
}

func (d *FunctionDispatcher) startEpisode(ctx context.Context, deviceID string, req entities.FunctionCallRequest) entities.FunctionCallResult {
	sess, err := d.session(ctx, deviceID)
	if err != nil {
		return entities.Failed(req, errNoSession)
	}
	if ready, _ := req.Bool("ready"); !ready {
		return entities.Failed(req, errNotReady)
	}
	if sess.InEpisode() {
		d.logger.Warn("Episode already in progress",
			zap.String("deviceID", deviceID),
			zap.String("episode", sess.CurrentEpisode.String()))
		return entities.Failed(req, errEpisodeRunning)
	}

	user, err := d.progress.GetOrCreateUser(ctx, deviceID)
	if err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to load user: %v", err))
	}
	ep, err := d.content.GetNextEpisodeForUser(ctx, user.ID, user.Position())
	if err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to load episode: %v", err))
	}
	if ep == nil {
		return entities.Failed(req, errNoEpisodesLeft)
	}

	ls, err := d.progress.CreateSession(ctx, user.ID, ep.EpisodeRef)
	if err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to create learning session: %v", err))
	}

	sess.UserID = user.ID
	sess.StartEpisode(ep, ls.ID)
	if err := d.save(ctx, sess); err != nil {
		if endErr := d.progress.EndSession(ctx, ls.ID, entities.LearningSessionAborted); endErr != nil {
			d.logger.Warn("Failed to abort learning session", zap.String("sessionID", ls.ID), zap.Error(endErr))
		}
		return entities.Failed(req, fmt.Sprintf("Failed to update session: %v", err))
	}

	d.logger.Info("Episode started",
		zap.String("deviceID", deviceID),
		zap.String("episode", ep.String()),
		zap.String("learningSessionID", ls.ID))

	res := entities.Succeeded(req, map[string]any{
		"episode": episodePayload(ep),
		"message": fmt.Sprintf("Great choice! Let's start learning %s with '%s'!", persona.TitleCase(ep.Language), ep.Title),
	})
	res.Episode = ep
	return res
}

func (d *FunctionDispatcher) markVocabularyLearned(ctx context.Context, deviceID string, req entities.FunctionCallRequest) entities.FunctionCallResult {
	sess, err := d.session(ctx, deviceID)
	if err != nil {
		return entities.Failed(req, errNoSession)
	}
	if !sess.InEpisode() {
		return entities.Failed(req, errNoEpisode)
	}
	word := req.String("word")
	if word == "" {
		return entities.Failed(req, errMissingWord)
	}
	confidence := entities.ParseConfidence(req.String("confidence"))

	if err := d.progress.AddWordLearned(ctx, sess.UserID, sess.CurrentEpisode.EpisodeRef, word, confidence); err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to record word: %v", err))
	}

	sess.AddWord(word)
	sess.GradeWord(word, confidence)
	if err := d.save(ctx, sess); err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to update session: %v", err))
	}

	return entities.Succeeded(req, map[string]any{
		"word":       word,
		"confidence": string(confidence),
	})
}

func (d *FunctionDispatcher) completeEpisode(ctx context.Context, deviceID string, req entities.FunctionCallRequest) entities.FunctionCallResult {
	sess, err := d.session(ctx, deviceID)
	if err != nil {
		return entities.Failed(req, errNoSession)
	}
	if !sess.InEpisode() {
		return entities.Failed(req, errNoEpisode)
	}
	ep := sess.CurrentEpisode
	words := req.Strings("words_learned")
	if words == nil {
		words = []string{}
	}

	topics := make([]string, 0, len(ep.LearningObjectives))
	for _, topic := range ep.LearningObjectives {
		if err := d.progress.AddTopicLearned(ctx, sess.UserID, ep.EpisodeRef, topic); err != nil {
			d.logger.Warn("Failed to record topic", zap.String("deviceID", deviceID), zap.String("topic", topic), zap.Error(err))
			continue
		}
		sess.AddTopic(topic)
		topics = append(topics, topic)
	}

	next, hasNext, err := d.content.NextRef(ctx, ep.EpisodeRef)
	if err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to resolve next episode: %v", err))
	}
	if !hasNext {
		// Point past the end so the catalog reports nothing left.
		next = entities.EpisodeRef{Language: ep.Language, Season: ep.Season, Episode: ep.Episode + 1}
	}
	user, err := d.progress.CompleteEpisode(ctx, sess.UserID, ep.EpisodeRef, next, words)
	if err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to complete episode: %v", err))
	}
	if sess.LearningSessionID != "" {
		if err := d.progress.EndSession(ctx, sess.LearningSessionID, entities.LearningSessionCompleted); err != nil {
			d.logger.Warn("Failed to end learning session",
				zap.String("deviceID", deviceID),
				zap.String("sessionID", sess.LearningSessionID),
				zap.Error(err))
		}
	}

	for _, w := range words {
		sess.AddWord(w)
	}
	sess.FinishEpisode()
	if err := d.save(ctx, sess); err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to update session: %v", err))
	}

	var nextEp *entities.Episode
	if hasNext {
		nextEp, err = d.content.GetNextEpisodeForUser(ctx, user.ID, user.Position())
		if err != nil {
			d.logger.Warn("Failed to load next episode", zap.String("deviceID", deviceID), zap.Error(err))
		}
	}

	d.logger.Info("Episode completed",
		zap.String("deviceID", deviceID),
		zap.String("episode", ep.String()),
		zap.Int("words", len(words)),
		zap.Bool("hasNext", nextEp != nil))

	res := entities.Succeeded(req, map[string]any{
		"words_learned":    words,
		"topics_learned":   topics,
		"totals":           entities.AnalyticsFor(user),
		"next_episode":     nextEp.Summary(),
		"return_to_choice": true,
		"message":          "Congratulations! You completed the episode!",
	})
	res.NextEpisode = nextEp
	res.ReturnToChoice = true
	return res
}

func (d *FunctionDispatcher) practiceWord(ctx context.Context, deviceID string, req entities.FunctionCallRequest) entities.FunctionCallResult {
	sess, err := d.session(ctx, deviceID)
	if err != nil {
		return entities.Failed(req, errNoSession)
	}
	word := req.String("word")
	if word == "" {
		return entities.Failed(req, errMissingWord)
	}
	correct, _ := req.Bool("success")

	attempts := sess.RecordAttempt(word)
	confidence := entities.ConfidenceLow
	switch {
	case correct && attempts == 1:
		confidence = entities.ConfidenceHigh
	case correct:
		confidence = entities.ConfidenceMedium
	}

	if sess.InEpisode() {
		ref := sess.CurrentEpisode.EpisodeRef
		if correct {
			err = d.progress.AddWordLearned(ctx, sess.UserID, ref, word, confidence)
		} else {
			err = d.progress.RecordWordAttempt(ctx, sess.UserID, ref, word, confidence)
		}
		if err != nil {
			return entities.Failed(req, fmt.Sprintf("Failed to record practice: %v", err))
		}
	}
	if correct {
		sess.AddWord(word)
		sess.GradeWord(word, confidence)
	}
	if err := d.save(ctx, sess); err != nil {
		return entities.Failed(req, fmt.Sprintf("Failed to update session: %v", err))
	}

	return entities.Succeeded(req, map[string]any{
		"word":       word,
		"correct":    correct,
		"attempts":   attempts,
		"confidence": string(confidence),
	})
}

// AbortEpisode undoes a started episode: the learning session is closed as
// aborted and the device returns to choosing.
func (d *FunctionDispatcher) AbortEpisode(ctx context.Context, deviceID string) error {
	unlock := d.locks.Lock(deviceID)
	defer unlock()

	sess, err := d.sessions.Get(ctx, deviceID)
	if err != nil {
		return err
	}
	if !sess.InEpisode() {
		return nil
	}
	if sess.LearningSessionID != "" {
		if err := d.progress.EndSession(ctx, sess.LearningSessionID, entities.LearningSessionAborted); err != nil {
			d.logger.Warn("Failed to abort learning session", zap.String("sessionID", sess.LearningSessionID), zap.Error(err))
		}
	}
	sess.FinishEpisode()
	return d.save(ctx, sess)
}

func episodePayload(ep *entities.Episode) map[string]any {
	return map[string]any{
		"title":               ep.Title,
		"language":            ep.Language,
		"season":              ep.Season,
		"episode":             ep.Episode,
		"vocabulary":          ep.Vocabulary,
		"learning_objectives": ep.LearningObjectives,
		"difficulty":          ep.Difficulty,
		"estimated_duration":  ep.EstimatedDuration,
	}
}

// keyedMutex hands out one mutex per key and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
