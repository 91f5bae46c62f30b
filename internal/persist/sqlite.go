package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"pkt.systems/pslog"
)

// SQLiteStore keeps flags in a single-table SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	log pslog.Logger
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(ctx context.Context, path string, logger pslog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS flags(
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	if logger != nil {
		logger = logger.With("state_path", path)
		logger.Debug("state sqlite open")
	}
	return &SQLiteStore{db: db, log: logger}, nil
}

// GetBool returns the flag, false when it was never set.
func (s *SQLiteStore) GetBool(ctx context.Context, key string) (bool, error) {
	var value int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM flags WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, fmt.Errorf("get flag %s: %w", key, err)
	}
	return value != 0, nil
}

// SetBool upserts the flag.
func (s *SQLiteStore) SetBool(ctx context.Context, key string, value bool) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO flags(key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value
`, key, boolToInt(value))
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "key", key, "err", err)
		}
		return fmt.Errorf("set flag %s: %w", key, err)
	}
	if s.log != nil {
		s.log.Debug("state save ok", "key", key, "value", value)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
