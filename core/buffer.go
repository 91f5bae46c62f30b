package core

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"pkt.systems/shellwarden/schema"
)

// OutputBuffer is the file the shell appends its output to.
//
// The shell writes through its own descriptor and is not synchronized here.
// Tail and Clear share one mutex so a truncation can never interleave with
// the existence check, size query and read of a tail. That mutex is the only
// defense against a concurrent clear; truncation by an outside writer is not
// covered and surfaces as a short read.
type OutputBuffer struct {
	path     string
	capacity int

	mu sync.Mutex
}

// NewOutputBuffer returns a buffer at path with a fixed tail capacity.
// The file itself is created lazily.
func NewOutputBuffer(path string, capacity int) (*OutputBuffer, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("output file path is required")
	}
	if capacity <= 0 {
		return nil, schema.ErrInvalidCapacity
	}
	return &OutputBuffer{path: path, capacity: capacity}, nil
}

// Path returns the backing file path.
func (b *OutputBuffer) Path() string {
	return b.path
}

// Capacity returns the maximum number of bytes returned by Tail.
func (b *OutputBuffer) Capacity() int {
	return b.capacity
}

// Tail returns the last min(size, capacity) bytes of the buffer together with
// the size observed at read time. A buffer that does not exist yet yields "".
func (b *OutputBuffer) Tail() (string, int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	file, err := os.Open(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, nil
		}
		return "", 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", 0, err
	}
	size := info.Size()
	if size <= 0 {
		return "", size, nil
	}

	offset := int64(0)
	length := size
	if size > int64(b.capacity) {
		offset = size - int64(b.capacity)
		length = int64(b.capacity)
	}
	out := make([]byte, length)
	n, err := file.ReadAt(out, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", size, err
	}
	return string(out[:n]), size, nil
}

// Size returns the current byte length of the buffer, 0 when missing.
func (b *OutputBuffer) Size() (int64, error) {
	info, err := os.Stat(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// Clear truncates the buffer to empty, creating it if needed.
func (b *OutputBuffer) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("truncate output: %w", err)
	}
	return file.Close()
}

// OpenAppend opens the buffer for a writer. Writes through the returned file
// always land at the current end, including after a Clear.
func (b *OutputBuffer) OpenAppend() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	file, err := os.OpenFile(b.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return file, nil
}
