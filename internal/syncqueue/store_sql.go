// internal/syncqueue/store_sql.go
package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStore keeps the document as one row of the sync_blobs table. It works
// with the sqlite (modernc.org/sqlite) and postgres (lib/pq) drivers.
type SQLStore struct {
	db      *sql.DB
	key     string
	dialect dialect
}

type dialect struct {
	createTable string
	selectBlob  string
	upsertBlob  string
}

var sqliteDialect = dialect{
	createTable: `CREATE TABLE IF NOT EXISTS sync_blobs (
		key TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	selectBlob: `SELECT content FROM sync_blobs WHERE key = ?`,
	upsertBlob: `INSERT INTO sync_blobs (key, content, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET content = excluded.content, updated_at = excluded.updated_at`,
}

var postgresDialect = dialect{
	createTable: `CREATE TABLE IF NOT EXISTS sync_blobs (
		key TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	selectBlob: `SELECT content FROM sync_blobs WHERE key = $1`,
	upsertBlob: `INSERT INTO sync_blobs (key, content, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET content = EXCLUDED.content, updated_at = EXCLUDED.updated_at`,
}

// NewSQLiteStore stores the document in a database opened with the "sqlite" driver.
func NewSQLiteStore(db *sql.DB, key string) *SQLStore {
	return &SQLStore{db: db, key: key, dialect: sqliteDialect}
}

// NewPostgresStore stores the document in a database opened with the "postgres" driver.
func NewPostgresStore(db *sql.DB, key string) *SQLStore {
	return &SQLStore{db: db, key: key, dialect: postgresDialect}
}

// Migrate creates the sync_blobs table when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.createTable); err != nil {
		return fmt.Errorf("failed to create sync_blobs table: %w", err)
	}
	return nil
}

func (s *SQLStore) Read(ctx context.Context) (string, error) {
	var content string
	err := s.db.QueryRowContext(ctx, s.dialect.selectBlob, s.key).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read sync blob: %w", err)
	}
	return content, nil
}

func (s *SQLStore) Write(ctx context.Context, content string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.upsertBlob, s.key, content, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write sync blob: %w", err)
	}
	return nil
}
