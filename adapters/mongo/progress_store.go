package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

const (
	usersCollection    = "users"
	progressCollection = "user_progress"
	sessionsCollection = "learning_sessions"
)

// ProgressStore implements repositories.ProgressStore on MongoDB
type ProgressStore struct {
	users    *mongo.Collection
	progress *mongo.Collection
	sessions *mongo.Collection
	logger   *zap.Logger
}

// NewProgressStore creates the store and builds its indexes in the background
func NewProgressStore(db *mongo.Database, logger *zap.Logger) *ProgressStore {
	s := &ProgressStore{
		users:    db.Collection(usersCollection),
		progress: db.Collection(progressCollection),
		sessions: db.Collection(sessionsCollection),
		logger:   logger,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.EnsureIndexes(ctx); err != nil {
			logger.Error("Failed to create progress indexes", zap.Error(err))
		} else {
			logger.Info("Progress indexes created successfully")
		}
	}()

	return s
}

var _ repositories.ProgressStore = (*ProgressStore)(nil)

// EnsureIndexes creates the lookup and uniqueness indexes
func (s *ProgressStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "device_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("users index: %w", err)
	}

	if _, err := s.progress.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "user_id", Value: 1},
			{Key: "language", Value: 1},
			{Key: "season", Value: 1},
			{Key: "episode", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return fmt.Errorf("progress index: %w", err)
	}

	_, err := s.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "completion_status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("sessions index: %w", err)
	}
	return nil
}

func progressFilter(userID string, ref entities.EpisodeRef) bson.M {
	return bson.M{
		"user_id":  userID,
		"language": ref.Language,
		"season":   ref.Season,
		"episode":  ref.Episode,
	}
}

func (s *ProgressStore) GetOrCreateUser(ctx context.Context, deviceID string) (*entities.User, error) {
	fresh := entities.NewUser(uuid.New().String(), deviceID)
	update := bson.M{"$setOnInsert": bson.M{
		"_id":                      fresh.ID,
		"name":                     fresh.Name,
		"age":                      fresh.Age,
		"current_language":         fresh.CurrentLanguage,
		"current_season":           fresh.CurrentSeason,
		"current_episode":          fresh.CurrentEpisode,
		"total_conversation_time":  0.0,
		"total_words_learned":      0,
		"total_topics_learned":     0,
		"total_episodes_completed": 0,
		"current_streak_days":      0,
		"longest_streak_days":      0,
		"created_at":               fresh.CreatedAt,
		"updated_at":               fresh.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user entities.User
	err := s.users.FindOneAndUpdate(ctx, bson.M{"device_id": deviceID}, update, opts).Decode(&user)
	if err != nil {
		s.logger.Error("Failed to get or create user", zap.String("deviceID", deviceID), zap.Error(err))
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return &user, nil
}

func (s *ProgressStore) getUser(ctx context.Context, userID string) (*entities.User, error) {
	var user entities.User
	if err := s.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

func (s *ProgressStore) incUser(ctx context.Context, userID string, inc bson.M) error {
	res, err := s.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$inc": inc,
		"$set": bson.M{"updated_at": time.Now()},
	})
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if res.MatchedCount == 0 {
		return repositories.ErrUserNotFound
	}
	return nil
}

func (s *ProgressStore) CreateSession(ctx context.Context, userID string, episode entities.EpisodeRef) (*entities.LearningSession, error) {
	if _, err := s.getUser(ctx, userID); err != nil {
		return nil, err
	}
	ls := &entities.LearningSession{
		ID:               uuid.New().String(),
		UserID:           userID,
		Episode:          episode,
		CreatedAt:        time.Now(),
		WordsPracticed:   []string{},
		WordsLearned:     []string{},
		CompletionStatus: entities.LearningSessionActive,
	}
	if _, err := s.sessions.InsertOne(ctx, ls); err != nil {
		return nil, fmt.Errorf("create learning session: %w", err)
	}
	return ls, nil
}

func (s *ProgressStore) UpdateSessionConversationTime(ctx context.Context, userID, sessionID string, seconds float64) error {
	if err := s.incUser(ctx, userID, bson.M{"total_conversation_time": seconds}); err != nil {
		return err
	}
	if sessionID == "" {
		return nil
	}
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{
		"$inc": bson.M{"conversation_seconds": seconds},
	})
	if err != nil {
		return fmt.Errorf("update learning session: %w", err)
	}
	if res.MatchedCount == 0 {
		return repositories.ErrLearningSessionNotFound
	}
	return nil
}

func (s *ProgressStore) EndSession(ctx context.Context, sessionID string, status entities.LearningSessionStatus) error {
	var ls entities.LearningSession
	if err := s.sessions.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&ls); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return repositories.ErrLearningSessionNotFound
		}
		return fmt.Errorf("get learning session: %w", err)
	}
	if ls.CompletionStatus != entities.LearningSessionActive {
		return nil
	}

	ended := time.Now()
	_, err := s.sessions.UpdateOne(ctx,
		bson.M{"_id": sessionID, "completion_status": entities.LearningSessionActive},
		bson.M{"$set": bson.M{
			"ended_at":          ended,
			"duration":          ended.Sub(ls.CreatedAt).Seconds(),
			"completion_status": status,
		}},
	)
	if err != nil {
		return fmt.Errorf("end learning session: %w", err)
	}
	return nil
}

// updateProgress upserts the progress record and returns it as it was before
// the update. A missing record decodes as empty progress.
func (s *ProgressStore) updateProgress(ctx context.Context, userID string, ref entities.EpisodeRef, update bson.M) (*entities.UserProgress, error) {
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.Before)

	var before entities.UserProgress
	err := s.progress.FindOneAndUpdate(ctx, progressFilter(userID, ref), update, opts).Decode(&before)
	if err != nil && !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("update progress: %w", err)
	}
	return &before, nil
}

func (s *ProgressStore) rescore(ctx context.Context, userID string, ref entities.EpisodeRef) error {
	var p entities.UserProgress
	if err := s.progress.FindOne(ctx, progressFilter(userID, ref)).Decode(&p); err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	p.RecomputeScore()
	_, err := s.progress.UpdateOne(ctx, progressFilter(userID, ref), bson.M{
		"$set": bson.M{"confidence_score": p.ConfidenceScore},
	})
	return err
}

func (s *ProgressStore) AddWordLearned(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	if _, err := s.getUser(ctx, userID); err != nil {
		return err
	}
	before, err := s.updateProgress(ctx, userID, episode, bson.M{
		"$addToSet": bson.M{"vocabulary_learned": word},
		"$set":      bson.M{"vocabulary_progress." + word: confidence},
	})
	if err != nil {
		return err
	}
	if !before.HasWord(word) {
		if err := s.incUser(ctx, userID, bson.M{"total_words_learned": 1}); err != nil {
			return err
		}
	}
	return s.rescore(ctx, userID, episode)
}

func (s *ProgressStore) RecordWordAttempt(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	if _, err := s.getUser(ctx, userID); err != nil {
		return err
	}
	before, err := s.updateProgress(ctx, userID, episode, bson.M{"$inc": bson.M{"attempts": 1}})
	if err != nil {
		return err
	}
	if _, graded := before.VocabularyProgress[word]; graded {
		return nil
	}
	if _, err := s.progress.UpdateOne(ctx, progressFilter(userID, episode), bson.M{
		"$set": bson.M{"vocabulary_progress." + word: confidence},
	}); err != nil {
		return fmt.Errorf("grade attempt: %w", err)
	}
	return s.rescore(ctx, userID, episode)
}

func (s *ProgressStore) AddTopicLearned(ctx context.Context, userID string, episode entities.EpisodeRef, topic string) error {
	if _, err := s.getUser(ctx, userID); err != nil {
		return err
	}
	before, err := s.updateProgress(ctx, userID, episode, bson.M{
		"$addToSet": bson.M{"topics_learned": topic},
	})
	if err != nil {
		return err
	}
	if before.HasTopic(topic) {
		return nil
	}
	return s.incUser(ctx, userID, bson.M{"total_topics_learned": 1})
}

func (s *ProgressStore) CompleteEpisode(ctx context.Context, userID string, episode entities.EpisodeRef, next entities.EpisodeRef, words []string) (*entities.User, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if words == nil {
		words = []string{}
	}

	before, err := s.updateProgress(ctx, userID, episode, bson.M{
		"$addToSet": bson.M{"vocabulary_learned": bson.M{"$each": words}},
		"$set":      bson.M{"completed": true},
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(words))
	for _, w := range words {
		if !seen[w] && !before.HasWord(w) {
			user.TotalWordsLearned++
		}
		seen[w] = true
	}
	if !before.Completed {
		user.TotalEpisodesCompleted++
		if _, err := s.progress.UpdateOne(ctx, progressFilter(userID, episode), bson.M{
			"$set": bson.M{"completed_at": now},
		}); err != nil {
			return nil, fmt.Errorf("stamp completion: %w", err)
		}
	}
	if next.Language != "" {
		user.MoveTo(next)
	}
	user.RecordActivityDay(now)
	user.UpdatedAt = now

	if _, err := s.users.ReplaceOne(ctx, bson.M{"_id": userID}, user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}
	s.logger.Info("Episode completed",
		zap.String("userID", userID),
		zap.String("episode", episode.String()),
		zap.String("next", next.String()))
	return user, nil
}

func (s *ProgressStore) GetUserLearningAnalytics(ctx context.Context, userID string) (*entities.LearningAnalytics, error) {
	user, err := s.getUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return entities.AnalyticsFor(user), nil
}
