package storage

import (
	"context"

	"github.com/xaenox/weather-chat/internal/models"
)

// ThreadStore persists one transcript per thread identifier. Saves are
// last-write-wins.
type ThreadStore interface {
	// Load returns the stored transcript, or an empty one if nothing was saved.
	Load(ctx context.Context, threadID string) ([]models.Message, error)
	Save(ctx context.Context, threadID string, messages []models.Message) error
	Delete(ctx context.Context, threadID string) error
	// ListThreads returns every known thread, most recently active first.
	ListThreads(ctx context.Context) ([]models.ThreadSummary, error)
	Close() error
}
