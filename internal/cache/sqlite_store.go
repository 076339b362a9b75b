package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	headers    TEXT NOT NULL,
	body       BLOB,
	stored_at  INTEGER NOT NULL,
	PRIMARY KEY (generation, key)
);
CREATE INDEX IF NOT EXISTS entries_generation_idx ON entries (generation);
`

type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore 在 basePath/cache.db 打开 SQLite 存储；basePath 为 ":memory:" 时使用内存库。
func NewSQLiteStore(basePath string) (Store, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}

	dsn := ":memory:"
	if basePath != ":memory:" {
		abs, err := filepath.Abs(basePath)
		if err != nil {
			return nil, fmt.Errorf("resolve storage path: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create storage path: %w", err)
		}
		dsn = filepath.Join(abs, "cache.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接串行化写入，同时保证 :memory: 库在连接间共享。
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, locator Locator) (*StoredResponse, error) {
	var (
		status   int
		headers  string
		body     []byte
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT status, headers, body, stored_at FROM entries WHERE generation = ? AND key = ?",
		locator.Generation, locator.Key,
	).Scan(&status, &headers, &body, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	resp := StoredResponse{
		Status:   status,
		Body:     body,
		StoredAt: time.UnixMilli(storedAt).UTC(),
	}
	if err := json.Unmarshal([]byte(headers), &resp.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return &resp, nil
}

func (s *sqliteStore) Put(ctx context.Context, locator Locator, resp StoredResponse) error {
	if !validGeneration(locator.Generation) {
		return ErrInvalidGeneration
	}
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (generation, key, status, headers, body, stored_at) VALUES (?, ?, ?, ?, ?, ?)",
		locator.Generation, locator.Key, resp.Status, string(headers), resp.Body, resp.StoredAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *sqliteStore) Delete(ctx context.Context, generation string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation)
	return err
}

func (s *sqliteStore) Count(ctx context.Context, generation string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries WHERE generation = ?", generation).Scan(&count)
	return count, err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
