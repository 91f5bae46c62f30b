package core

import (
	"context"
	"os"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/schema"
)

// Launcher prepares and starts the debugging shell process.
type Launcher interface {
	// Init performs one-time setup required before a shell can be started.
	Init(ctx context.Context) error
	// Start launches a new shell whose stdout and stderr go to req.Output.
	Start(ctx context.Context, req LaunchRequest) (ProcessHandle, error)
}

// LaunchRequest describes one shell launch.
type LaunchRequest struct {
	Instance schema.InstanceID
	// Output is opened for appending. The supervisor closes its copy once
	// Start returns.
	Output *os.File
}

// ProcessHandle is a running shell process owned by the supervisor.
type ProcessHandle interface {
	PID() int
	// Wait blocks until the process exits or ctx is done. It is safe to call
	// more than once; every call observes the same exit.
	Wait(ctx context.Context) (schema.ExitStatus, error)
	Signal(sig ProcessSignal) error
	// Write sends bytes to the shell's stdin.
	Write(p []byte) (int, error)
}

// ProcessSignal indicates which signal to send to the process.
type ProcessSignal string

const (
	// ProcessSignalHUP requests a hangup signal.
	ProcessSignalHUP ProcessSignal = "HUP"
	// ProcessSignalTERM requests a termination signal.
	ProcessSignalTERM ProcessSignal = "TERM"
	// ProcessSignalKILL requests an immediate kill signal.
	ProcessSignalKILL ProcessSignal = "KILL"
)

// KVStore persists small flags.
type KVStore interface {
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error
}

// PairingPredicate reports whether this platform requires a pairing step.
type PairingPredicate func() bool

// SessionDeps captures the collaborators of a Session.
type SessionDeps struct {
	Launcher Launcher
	Store    KVStore
	Pairing  PairingPredicate
	Logger   pslog.Logger
}
