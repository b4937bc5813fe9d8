package repositories

import (
	"context"

	"github.com/satriahrh/storyteller/server/domain/entities"
)

// StoryWriter drafts narrative text for episodes that ship without one
type StoryWriter interface {
	WriteStoryContext(ctx context.Context, episode entities.Episode) (string, error)
}
