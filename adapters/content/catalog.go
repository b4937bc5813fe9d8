package content

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/storyteller/server/domain/entities"
	"github.com/satriahrh/storyteller/server/domain/repositories"
)

// Catalog serves curriculum episodes from memory. When a StoryWriter is set,
// episodes without a story context get one generated on first use.
type Catalog struct {
	mu       sync.RWMutex
	episodes []entities.Episode
	index    map[entities.EpisodeRef]int
	writer   repositories.StoryWriter
	logger   *zap.Logger
}

// NewCatalog builds a catalog ordered by language, season and episode.
func NewCatalog(episodes []entities.Episode, logger *zap.Logger) *Catalog {
	sorted := append([]entities.Episode(nil), episodes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Language != b.Language {
			return a.Language < b.Language
		}
		if a.Season != b.Season {
			return a.Season < b.Season
		}
		return a.Episode < b.Episode
	})

	index := make(map[entities.EpisodeRef]int, len(sorted))
	for i, ep := range sorted {
		index[ep.EpisodeRef] = i
	}
	return &Catalog{episodes: sorted, index: index, logger: logger}
}

// NewMockCatalog returns the built-in development curriculum.
func NewMockCatalog(logger *zap.Logger) *Catalog {
	return NewCatalog(mockEpisodes(), logger)
}

// WithStoryWriter enables story generation for episodes missing one.
func (c *Catalog) WithStoryWriter(w repositories.StoryWriter) *Catalog {
	c.writer = w
	return c
}

var _ repositories.ContentProvider = (*Catalog)(nil)

// Get returns a copy of the episode at ref.
func (c *Catalog) Get(ref entities.EpisodeRef) (*entities.Episode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	i, ok := c.index[ref]
	if !ok {
		return nil, false
	}
	ep := c.episodes[i]
	return &ep, true
}

func (c *Catalog) GetNextEpisodeForUser(ctx context.Context, userID string, position entities.CurriculumPosition) (*entities.Episode, error) {
	ep, ok := c.Get(position.Ref())
	if !ok {
		c.logger.Warn("No next episode found", zap.String("userID", userID), zap.String("position", position.Ref().String()))
		return nil, nil
	}

	if ep.StoryContext == "" && c.writer != nil {
		story, err := c.writer.WriteStoryContext(ctx, *ep)
		if err != nil {
			c.logger.Warn("Story generation failed", zap.String("episode", ep.String()), zap.Error(err))
		} else {
			ep.StoryContext = story
			c.mu.Lock()
			c.episodes[c.index[ep.EpisodeRef]].StoryContext = story
			c.mu.Unlock()
		}
	}

	c.logger.Debug("Next episode found", zap.String("userID", userID), zap.String("title", ep.Title))
	return ep, nil
}

// NextRef follows ref within its season, then rolls over to the next season's
// first episode.
func (c *Catalog) NextRef(ctx context.Context, ref entities.EpisodeRef) (entities.EpisodeRef, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	next := entities.EpisodeRef{Language: ref.Language, Season: ref.Season, Episode: ref.Episode + 1}
	if _, ok := c.index[next]; ok {
		return next, true, nil
	}
	next = entities.EpisodeRef{Language: ref.Language, Season: ref.Season + 1, Episode: 1}
	if _, ok := c.index[next]; ok {
		return next, true, nil
	}
	return entities.EpisodeRef{}, false, nil
}

func (c *Catalog) ListEpisodes(ctx context.Context) ([]entities.Episode, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]entities.Episode(nil), c.episodes...), nil
}
