package storage

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_migrations.sql
var sqliteMigrations string

// SQLiteStorage keeps threads in a local database file.
type SQLiteStorage struct {
	sqlStore
}

// NewSQLiteStorage opens (creating if needed) the database at path. ":memory:" is accepted.
func NewSQLiteStorage(path string, logger *zap.Logger) (*SQLiteStorage, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("error creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteMigrations); err != nil {
		db.Close()
		return nil, fmt.Errorf("error executing migrations: %w", err)
	}

	logger.Info("Opened SQLite thread store", zap.String("path", path))
	return &SQLiteStorage{sqlStore{
		db: db,
		queries: sqlQueries{
			load: `SELECT messages FROM thread_records WHERE key = ?`,
			upsert: `
				INSERT INTO thread_records (key, thread_id, messages, updated_at)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (key) DO UPDATE
				SET messages = excluded.messages, updated_at = excluded.updated_at`,
			delete: `DELETE FROM thread_records WHERE key = ?`,
			list: `
				SELECT thread_id, messages
				FROM thread_records
				WHERE key LIKE ?
				ORDER BY updated_at DESC`,
		},
		logger: logger,
	}}, nil
}
