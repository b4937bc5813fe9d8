package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// ProgressStore persists learning progress in PostgreSQL.
type ProgressStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewProgressStore(ctx context.Context, databaseURL string, logger *zap.Logger) (*ProgressStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &ProgressStore{pool: pool, logger: logger}, nil
}

var _ repositories.ProgressStore = (*ProgressStore)(nil)

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			age INT NOT NULL,
			current_language TEXT NOT NULL,
			current_season INT NOT NULL,
			current_episode INT NOT NULL,
			total_conversation_time DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_words_learned INT NOT NULL DEFAULT 0,
			total_topics_learned INT NOT NULL DEFAULT 0,
			total_episodes_completed INT NOT NULL DEFAULT 0,
			current_streak_days INT NOT NULL DEFAULT 0,
			longest_streak_days INT NOT NULL DEFAULT 0,
			last_activity_date TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS user_progress (
			user_id TEXT NOT NULL REFERENCES users(id),
			language TEXT NOT NULL,
			season INT NOT NULL,
			episode INT NOT NULL,
			completed BOOLEAN NOT NULL DEFAULT FALSE,
			completed_at TIMESTAMPTZ,
			vocabulary_learned TEXT[] NOT NULL DEFAULT '{}',
			topics_learned TEXT[] NOT NULL DEFAULT '{}',
			vocabulary_progress JSONB NOT NULL DEFAULT '{}',
			attempts INT NOT NULL DEFAULT 0,
			confidence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, language, season, episode)
		);`,
		`CREATE TABLE IF NOT EXISTS learning_sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			language TEXT NOT NULL,
			season INT NOT NULL,
			episode INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at TIMESTAMPTZ,
			duration DOUBLE PRECISION NOT NULL DEFAULT 0,
			conversation_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
			words_practiced TEXT[] NOT NULL DEFAULT '{}',
			words_learned TEXT[] NOT NULL DEFAULT '{}',
			completion_status TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_learning_sessions_user_created ON learning_sessions (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const userColumns = `id, device_id, name, age, current_language, current_season, current_episode,
	total_conversation_time, total_words_learned, total_topics_learned, total_episodes_completed,
	current_streak_days, longest_streak_days, last_activity_date, created_at, updated_at`

func scanUser(row pgx.Row) (*entities.User, error) {
	var u entities.User
	err := row.Scan(&u.ID, &u.DeviceID, &u.Name, &u.Age, &u.CurrentLanguage, &u.CurrentSeason, &u.CurrentEpisode,
		&u.TotalConversationTime, &u.TotalWordsLearned, &u.TotalTopicsLearned, &u.TotalEpisodesCompleted,
		&u.CurrentStreakDays, &u.LongestStreakDays, &u.LastActivityDate, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrUserNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func (s *ProgressStore) GetOrCreateUser(ctx context.Context, deviceID string) (*entities.User, error) {
	fresh := entities.NewUser(uuid.NewString(), deviceID)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, device_id, name, age, current_language, current_season, current_episode, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		 ON CONFLICT (device_id) DO NOTHING`,
		fresh.ID, deviceID, fresh.Name, fresh.Age, fresh.CurrentLanguage, fresh.CurrentSeason, fresh.CurrentEpisode, fresh.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	return scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE device_id=$1`, deviceID))
}

func (s *ProgressStore) CreateSession(ctx context.Context, userID string, episode entities.EpisodeRef) (*entities.LearningSession, error) {
	ls := &entities.LearningSession{
		ID:               uuid.NewString(),
		UserID:           userID,
		Episode:          episode,
		CreatedAt:        time.Now().UTC(),
		WordsPracticed:   []string{},
		WordsLearned:     []string{},
		CompletionStatus: entities.LearningSessionActive,
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO learning_sessions (id, user_id, language, season, episode, created_at, completion_status)
		 SELECT $1, id, $3, $4, $5, $6, $7 FROM users WHERE id=$2`,
		ls.ID, userID, episode.Language, episode.Season, episode.Episode, ls.CreatedAt, string(ls.CompletionStatus),
	)
	if err != nil {
		return nil, fmt.Errorf("create learning session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, repositories.ErrUserNotFound
	}
	return ls, nil
}

func (s *ProgressStore) UpdateSessionConversationTime(ctx context.Context, userID, sessionID string, seconds float64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE users SET total_conversation_time = total_conversation_time + $2, updated_at = now() WHERE id=$1`,
			userID, seconds)
		if err != nil {
			return fmt.Errorf("update user time: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repositories.ErrUserNotFound
		}
		if sessionID == "" {
			return nil
		}
		tag, err = tx.Exec(ctx,
			`UPDATE learning_sessions SET conversation_seconds = conversation_seconds + $2 WHERE id=$1`,
			sessionID, seconds)
		if err != nil {
			return fmt.Errorf("update session time: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return repositories.ErrLearningSessionNotFound
		}
		return nil
	})
}

func (s *ProgressStore) EndSession(ctx context.Context, sessionID string, status entities.LearningSessionStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE learning_sessions
		 SET ended_at = now(), duration = EXTRACT(EPOCH FROM (now() - created_at)), completion_status = $2
		 WHERE id=$1 AND completion_status = $3`,
		sessionID, string(status), string(entities.LearningSessionActive))
	if err != nil {
		return fmt.Errorf("end learning session: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM learning_sessions WHERE id=$1)`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("check learning session: %w", err)
	}
	if !exists {
		return repositories.ErrLearningSessionNotFound
	}
	return nil
}

// withProgress runs fn against a locked progress row, creating it first, and
// writes the row back afterwards.
func (s *ProgressStore) withProgress(ctx context.Context, userID string, ref entities.EpisodeRef, fn func(tx pgx.Tx, p *entities.UserProgress) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id=$1)`, userID).Scan(&exists); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if !exists {
			return repositories.ErrUserNotFound
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO user_progress (user_id, language, season, episode) VALUES ($1, $2, $3, $4)
			 ON CONFLICT DO NOTHING`,
			userID, ref.Language, ref.Season, ref.Episode); err != nil {
			return fmt.Errorf("insert progress: %w", err)
		}

		p := entities.UserProgress{UserID: userID, Language: ref.Language, Season: ref.Season, Episode: ref.Episode}
		err := tx.QueryRow(ctx,
			`SELECT completed, completed_at, vocabulary_learned, topics_learned, vocabulary_progress, attempts, confidence_score
			 FROM user_progress WHERE user_id=$1 AND language=$2 AND season=$3 AND episode=$4 FOR UPDATE`,
			userID, ref.Language, ref.Season, ref.Episode,
		).Scan(&p.Completed, &p.CompletedAt, &p.VocabularyLearned, &p.TopicsLearned, &p.VocabularyProgress, &p.Attempts, &p.ConfidenceScore)
		if err != nil {
			return fmt.Errorf("load progress: %w", err)
		}
		if p.VocabularyProgress == nil {
			p.VocabularyProgress = make(map[string]entities.Confidence)
		}

		if err := fn(tx, &p); err != nil {
			return err
		}
		p.RecomputeScore()

		_, err = tx.Exec(ctx,
			`UPDATE user_progress SET completed=$5, completed_at=$6, vocabulary_learned=$7, topics_learned=$8,
			 vocabulary_progress=$9, attempts=$10, confidence_score=$11
			 WHERE user_id=$1 AND language=$2 AND season=$3 AND episode=$4`,
			userID, ref.Language, ref.Season, ref.Episode,
			p.Completed, p.CompletedAt, p.VocabularyLearned, p.TopicsLearned, p.VocabularyProgress, p.Attempts, p.ConfidenceScore)
		if err != nil {
			return fmt.Errorf("save progress: %w", err)
		}
		return nil
	})
}

func bumpUser(ctx context.Context, tx pgx.Tx, userID, column string, delta int) error {
	if delta == 0 {
		return nil
	}
	_, err := tx.Exec(ctx,
		`UPDATE users SET `+column+` = `+column+` + $2, updated_at = now() WHERE id=$1`,
		userID, delta)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	return nil
}

func (s *ProgressStore) AddWordLearned(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	return s.withProgress(ctx, userID, episode, func(tx pgx.Tx, p *entities.UserProgress) error {
		p.VocabularyProgress[word] = confidence
		if p.HasWord(word) {
			return nil
		}
		p.VocabularyLearned = append(p.VocabularyLearned, word)
		return bumpUser(ctx, tx, userID, "total_words_learned", 1)
	})
}

func (s *ProgressStore) RecordWordAttempt(ctx context.Context, userID string, episode entities.EpisodeRef, word string, confidence entities.Confidence) error {
	return s.withProgress(ctx, userID, episode, func(tx pgx.Tx, p *entities.UserProgress) error {
		p.Attempts++
		if _, graded := p.VocabularyProgress[word]; !graded {
			p.VocabularyProgress[word] = confidence
		}
		return nil
	})
}

func (s *ProgressStore) AddTopicLearned(ctx context.Context, userID string, episode entities.EpisodeRef, topic string) error {
	return s.withProgress(ctx, userID, episode, func(tx pgx.Tx, p *entities.UserProgress) error {
		if p.HasTopic(topic) {
			return nil
		}
		p.TopicsLearned = append(p.TopicsLearned, topic)
		return bumpUser(ctx, tx, userID, "total_topics_learned", 1)
	})
}

func (s *ProgressStore) CompleteEpisode(ctx context.Context, userID string, episode entities.EpisodeRef, next entities.EpisodeRef, words []string) (*entities.User, error) {
	var updated *entities.User
	err := s.withProgress(ctx, userID, episode, func(tx pgx.Tx, p *entities.UserProgress) error {
		user, err := scanUser(tx.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, userID))
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		for _, w := range words {
			if !p.HasWord(w) {
				p.VocabularyLearned = append(p.VocabularyLearned, w)
				user.TotalWordsLearned++
			}
		}
		if !p.Completed {
			p.Completed = true
			p.CompletedAt = &now
			user.TotalEpisodesCompleted++
		}
		if next.Language != "" {
			user.MoveTo(next)
		}
		user.RecordActivityDay(now)
		user.UpdatedAt = now

		_, err = tx.Exec(ctx,
			`UPDATE users SET current_language=$2, current_season=$3, current_episode=$4,
			 total_words_learned=$5, total_episodes_completed=$6, current_streak_days=$7,
			 longest_streak_days=$8, last_activity_date=$9, updated_at=$10
			 WHERE id=$1`,
			user.ID, user.CurrentLanguage, user.CurrentSeason, user.CurrentEpisode,
			user.TotalWordsLearned, user.TotalEpisodesCompleted, user.CurrentStreakDays,
			user.LongestStreakDays, user.LastActivityDate, user.UpdatedAt)
		if err != nil {
			return fmt.Errorf("save user: %w", err)
		}
		updated = user
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *ProgressStore) GetUserLearningAnalytics(ctx context.Context, userID string) (*entities.LearningAnalytics, error) {
	user, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
	if err != nil {
		return nil, err
	}
	return entities.AnalyticsFor(user), nil
}

func (s *ProgressStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *ProgressStore) Close() error {
	s.pool.Close()
	return nil
}
