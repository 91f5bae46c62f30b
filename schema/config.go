package schema

import (
	"errors"
	"os"
	"path/filepath"
	"time"
)

// SessionConfig defines the limits and timings of a supervised shell session.
type SessionConfig struct {
	// OutputFile is the backing buffer the shell writes into.
	OutputFile string
	// OutputBufferBytes is the tail capacity. Fixed for the session lifetime.
	OutputBufferBytes int
	PollDelay         time.Duration
	RestartDelay      time.Duration
	StopGrace         time.Duration
}

const (
	// DefaultOutputBufferBytes is the default tail capacity.
	DefaultOutputBufferBytes = 16384
	// DefaultPollDelay is the default interval between tail reads.
	DefaultPollDelay = 100 * time.Millisecond
	// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
	DefaultStopGrace = 2 * time.Second
)

// NormalizeSessionConfig applies defaults and validates the config.
func NormalizeSessionConfig(cfg SessionConfig) (SessionConfig, error) {
	if cfg.OutputFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return SessionConfig{}, err
		}
		cfg.OutputFile = filepath.Join(home, ".shellwarden", "state", "shell.out")
	}
	if cfg.OutputBufferBytes == 0 {
		cfg.OutputBufferBytes = DefaultOutputBufferBytes
	}
	if cfg.OutputBufferBytes < 0 {
		return SessionConfig{}, ErrInvalidCapacity
	}
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = DefaultPollDelay
	}
	if cfg.RestartDelay < 0 {
		return SessionConfig{}, errors.New("restart delay must not be negative")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return cfg, nil
}
