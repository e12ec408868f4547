package storage

import (
	"context"
	"sync"

	"github.com/xaenox/weather-chat/internal/models"
	"go.uber.org/zap"
)

// MemoryStorage keeps encoded records in a map, the way a browser keeps
// them in local storage.
type MemoryStorage struct {
	mu      sync.RWMutex
	records map[string][]byte
	logger  *zap.Logger
}

func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	return &MemoryStorage{
		records: make(map[string][]byte),
		logger:  logger,
	}
}

func (s *MemoryStorage) Load(ctx context.Context, threadID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, exists := s.records[Key(threadID)]
	if !exists {
		return []models.Message{}, nil
	}
	return decodeMessages(data)
}

func (s *MemoryStorage) Save(ctx context.Context, threadID string, messages []models.Message) error {
	data, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[Key(threadID)] = data
	return nil
}

func (s *MemoryStorage) Delete(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, Key(threadID))
	return nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context) ([]models.ThreadSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]models.ThreadSummary, 0, len(s.records))
	for key, data := range s.records {
		threadID, ok := ThreadIDFromKey(key)
		if !ok {
			continue
		}
		summary, err := summarize(threadID, data)
		if err != nil {
			s.logger.Warn("Skipping unreadable thread record", zap.String("thread_id", threadID), zap.Error(err))
			continue
		}
		items = append(items, summary)
	}
	sortSummaries(items)
	return items, nil
}

// Put stores a raw record, bypassing encoding. Used to seed imported or legacy data.
func (s *MemoryStorage) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = data
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}
