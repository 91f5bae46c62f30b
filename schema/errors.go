package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotRunning indicates no shell process is currently alive.
	ErrNotRunning = errors.New("shell not running")
	// ErrAlreadyStarted indicates the shell was already initialized.
	ErrAlreadyStarted = errors.New("shell already started")
	// ErrStopped indicates the supervisor was stopped and will not relaunch.
	ErrStopped = errors.New("supervisor stopped")
	// ErrSessionClosed indicates the session was closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidCapacity indicates a non-positive output buffer capacity.
	ErrInvalidCapacity = errors.New("output buffer capacity must be positive")
	// ErrLauncherUnavailable indicates no process launcher is configured.
	ErrLauncherUnavailable = errors.New("launcher not configured")
)
