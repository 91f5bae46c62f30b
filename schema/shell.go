package schema

import "time"

// InstanceID identifies one launched shell process.
type InstanceID string

// ShellState describes where the supervised shell is in its lifecycle.
type ShellState string

const (
	// ShellStateNotStarted indicates InitServer has not succeeded yet.
	ShellStateNotStarted ShellState = "not_started"
	// ShellStateStarting indicates setup and the first launch are in progress.
	ShellStateStarting ShellState = "starting"
	// ShellStateRunning indicates a shell process is alive.
	ShellStateRunning ShellState = "running"
	// ShellStateExited indicates the shell died and has not been relaunched yet.
	ShellStateExited ShellState = "exited"
	// ShellStateRestarting indicates a relaunch is in progress.
	ShellStateRestarting ShellState = "restarting"
	// ShellStateStopped indicates the supervisor was stopped and will not restart.
	ShellStateStopped ShellState = "stopped"
)

// ExitStatus describes how a shell process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// ShellStatus is a point-in-time view of the supervisor.
type ShellStatus struct {
	State     ShellState  `json:"state"`
	PID       int         `json:"pid,omitempty"`
	Instance  InstanceID  `json:"instance,omitempty"`
	Restarts  int         `json:"restarts"`
	StartedAt time.Time   `json:"started_at,omitzero"`
	LastExit  *ExitStatus `json:"last_exit,omitempty"`
}

// OutputSnapshot is one decoded reading of the output buffer tail.
type OutputSnapshot struct {
	Seq   uint64    `json:"seq"`
	Text  string    `json:"text"`
	Size  int64     `json:"size"`
	Taken time.Time `json:"taken"`
}
