package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/weather-chat/internal/models"
	"go.uber.org/zap"
)

// sqlQueries holds the dialect specific statements for a thread_records table.
type sqlQueries struct {
	load   string
	upsert string
	delete string
	list   string
}

// sqlStore is the ThreadStore shared by the database/sql backends.
type sqlStore struct {
	db      *sql.DB
	queries sqlQueries
	logger  *zap.Logger
}

func (s *sqlStore) Load(ctx context.Context, threadID string) ([]models.Message, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.queries.load, Key(threadID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []models.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading thread %s: %w", threadID, err)
	}
	return decodeMessages([]byte(data))
}

func (s *sqlStore) Save(ctx context.Context, threadID string, messages []models.Message) error {
	data, err := encodeMessages(messages)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.queries.upsert, Key(threadID), threadID, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("error saving thread %s: %w", threadID, err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, s.queries.delete, Key(threadID)); err != nil {
		return fmt.Errorf("error deleting thread %s: %w", threadID, err)
	}
	return nil
}

func (s *sqlStore) ListThreads(ctx context.Context) ([]models.ThreadSummary, error) {
	rows, err := s.db.QueryContext(ctx, s.queries.list, KeyPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("error querying threads: %w", err)
	}
	defer rows.Close()

	var items []models.ThreadSummary
	for rows.Next() {
		var threadID, data string
		if err := rows.Scan(&threadID, &data); err != nil {
			return nil, fmt.Errorf("error scanning thread: %w", err)
		}
		summary, err := summarize(threadID, []byte(data))
		if err != nil {
			s.logger.Warn("Skipping unreadable thread record", zap.String("thread_id", threadID), zap.Error(err))
			continue
		}
		items = append(items, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating threads: %w", err)
	}

	sortSummaries(items)
	return items, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
