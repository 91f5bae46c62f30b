// Package persist stores the session's small persistent flags.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Store is a boolean key/value store.
type Store interface {
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
	Close() error
}

// Open returns the store for backend at path. An empty backend selects JSON.
func Open(ctx context.Context, backend, path string, logger pslog.Logger) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendJSON:
		return NewJSONStore(path, logger)
	case BackendSQLite:
		return OpenSQLite(ctx, path, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

// JSONStore keeps flags in one JSON object written atomically with a
// temp file and rename.
type JSONStore struct {
	path string
	log  pslog.Logger

	mu sync.Mutex
}

// NewJSONStore constructs a JSON store at path. The file is created on the
// first write.
func NewJSONStore(path string, logger pslog.Logger) (*JSONStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("state path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("state_path", path)
	}
	return &JSONStore{path: path, log: logger}, nil
}

// GetBool returns the flag, false when it was never set.
func (s *JSONStore) GetBool(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		if s.log != nil {
			s.log.Warn("state load failed", "key", key, "err", err)
		}
		return false, err
	}
	return values[key], nil
}

// SetBool persists the flag before returning.
func (s *JSONStore) SetBool(_ context.Context, key string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, err := s.load()
	if err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "key", key, "err", err)
		}
		return err
	}
	values[key] = value
	if err := s.save(values); err != nil {
		if s.log != nil {
			s.log.Warn("state save failed", "key", key, "err", err)
		}
		return err
	}
	if s.log != nil {
		s.log.Debug("state save ok", "key", key, "value", value)
	}
	return nil
}

// Close is a no-op for the JSON store.
func (s *JSONStore) Close() error {
	return nil
}

func (s *JSONStore) load() (map[string]bool, error) {
	values := map[string]bool{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return values, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return values, nil
}

func (s *JSONStore) save(values map[string]bool) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}
