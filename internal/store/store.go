package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Read when a note has no stored content.
// A note with no content may still carry a lock.
var ErrNotFound = errors.New("note not found")

// Store persists note content and lock secrets. Content and lock are
// independent rows: either may exist without the other. Concurrent
// writers to the same id are not serialized beyond what sqlite provides;
// the last write to complete wins.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL mode for concurrent readers during writes
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("store initialized", "path", dbPath)
	return &Store{db: db, logger: logger}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS notes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS locks (
		id TEXT PRIMARY KEY,
		secret TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Read returns the stored content for id, or ErrNotFound when no content
// row exists. Lock state is reported separately via Lock.
func (s *Store) Read(id string) (string, error) {
	var content string
	err := s.db.QueryRow("SELECT content FROM notes WHERE id = ?", id).Scan(&content)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

// Write stores content under id. Empty or whitespace-only content is a
// delete request: the row is removed so Read reports ErrNotFound, and
// Write returns deleted=true. The lock row, if any, is untouched.
func (s *Store) Write(id, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		_, err := s.db.Exec("DELETE FROM notes WHERE id = ?", id)
		return true, err
	}

	_, err := s.db.Exec(`
		INSERT INTO notes (id, content, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			updated_at = CURRENT_TIMESTAMP
	`, id, content)
	return false, err
}

// Lock returns the secret for id and whether a lock exists. Checking a
// lock requires no credential, so lock state is visible even when the
// note has no content.
func (s *Store) Lock(id string) (string, bool, error) {
	var secret string
	err := s.db.QueryRow("SELECT secret FROM locks WHERE id = ?", id).Scan(&secret)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return secret, true, nil
}

// SetLock sets, replaces, or removes the lock for id. An empty or
// whitespace-only secret removes the lock; a non-empty secret is stored
// trimmed. Returns the resulting lock state.
func (s *Store) SetLock(id, secret string) (bool, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		_, err := s.db.Exec("DELETE FROM locks WHERE id = ?", id)
		return false, err
	}

	_, err := s.db.Exec(`
		INSERT INTO locks (id, secret, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			secret = excluded.secret,
			updated_at = CURRENT_TIMESTAMP
	`, id, secret)
	return true, err
}

// Stats reports note and lock counts.
func (s *Store) Stats() (map[string]int, error) {
	stats := make(map[string]int)

	var notes int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM notes").Scan(&notes); err != nil {
		return nil, err
	}
	stats["notes"] = notes

	var locks int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM locks").Scan(&locks); err != nil {
		return nil, err
	}
	stats["locks"] = locks

	return stats, nil
}
