package storage

import (
	"context"
	"fmt"

	"github.com/xaenox/weather-chat/internal/models"
	"go.uber.org/zap"
	r "gopkg.in/redis.v5"
)

// RedisStorage stores each thread under its namespaced key, one JSON value per thread.
type RedisStorage struct {
	client *r.Client
	logger *zap.Logger
}

func NewRedisStorage(url string, logger *zap.Logger) (*RedisStorage, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis url: %w", err)
	}

	client := r.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}

	return &RedisStorage{client: client, logger: logger}, nil
}

func (s *RedisStorage) Load(ctx context.Context, threadID string) ([]models.Message, error) {
	data, err := s.client.Get(Key(threadID)).Bytes()
	if err == r.Nil {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading thread %s: %w", threadID, err)
	}
	return decodeMessages(data)
}

func (s *RedisStorage) Save(ctx context.Context, threadID string, messages []models.Message) error {
	data, err := encodeMessages(messages)
	if err != nil {
		return err
	}
	if err := s.client.Set(Key(threadID), data, 0).Err(); err != nil {
		return fmt.Errorf("error saving thread %s: %w", threadID, err)
	}
	return nil
}

func (s *RedisStorage) Delete(ctx context.Context, threadID string) error {
	if err := s.client.Del(Key(threadID)).Err(); err != nil {
		return fmt.Errorf("error deleting thread %s: %w", threadID, err)
	}
	return nil
}

func (s *RedisStorage) ListThreads(ctx context.Context) ([]models.ThreadSummary, error) {
	keys, err := s.client.Keys(KeyPrefix + "*").Result()
	if err != nil {
		return nil, fmt.Errorf("error listing threads: %w", err)
	}

	items := make([]models.ThreadSummary, 0, len(keys))
	for _, key := range keys {
		threadID, _ := ThreadIDFromKey(key)
		data, err := s.client.Get(key).Bytes()
		if err == r.Nil {
			// deleted between KEYS and GET
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("error loading thread %s: %w", threadID, err)
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

func (s *RedisStorage) Close() error {
	return s.client.Close()
}
