package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/internal/logx"
	"pkt.systems/shellwarden/schema"
)

// SupervisorConfig controls restart and shutdown timing.
type SupervisorConfig struct {
	RestartDelay time.Duration
	StopGrace    time.Duration
}

// Supervisor owns the shell process: it starts it, waits for it to die and
// relaunches it into the same output buffer.
type Supervisor struct {
	launcher Launcher
	buffer   *OutputBuffer
	cfg      SupervisorConfig
	log      pslog.Logger
	newID    func() schema.InstanceID

	mu        sync.Mutex
	state     schema.ShellState
	proc      ProcessHandle
	instance  schema.InstanceID
	startedAt time.Time
	restarts  int
	lastExit  *schema.ExitStatus
	stopped   bool
	listeners []func(schema.ShellState)
}

// NewSupervisor constructs a supervisor in the not-started state.
func NewSupervisor(launcher Launcher, buffer *OutputBuffer, cfg SupervisorConfig, logger pslog.Logger) (*Supervisor, error) {
	if launcher == nil {
		return nil, schema.ErrLauncherUnavailable
	}
	if buffer == nil {
		return nil, errors.New("output buffer is required")
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = schema.DefaultStopGrace
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Supervisor{
		launcher: launcher,
		buffer:   buffer,
		cfg:      cfg,
		log:      logger,
		newID:    func() schema.InstanceID { return schema.InstanceID(uuid.NewString()) },
		state:    schema.ShellStateNotStarted,
	}, nil
}

// OnState registers fn to be called after every state transition.
func (s *Supervisor) OnState(fn func(schema.ShellState)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() schema.ShellState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() schema.ShellStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := schema.ShellStatus{
		State:     s.state,
		Instance:  s.instance,
		Restarts:  s.restarts,
		StartedAt: s.startedAt,
	}
	if s.proc != nil {
		status.PID = s.proc.PID()
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		status.LastExit = &exit
	}
	return status
}

// InitServer performs launcher setup and starts the first shell. On failure
// the supervisor stays not-started and may be initialized again.
func (s *Supervisor) InitServer(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return schema.ErrStopped
	}
	if s.state != schema.ShellStateNotStarted {
		s.mu.Unlock()
		return schema.ErrAlreadyStarted
	}
	s.state = schema.ShellStateStarting
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(schema.ShellStateStarting)
	}

	s.log.Info("shell init start")
	if err := s.launcher.Init(ctx); err != nil {
		s.log.Warn("shell init failed", "err", err)
		s.setState(schema.ShellStateNotStarted)
		return fmt.Errorf("init server: %w", err)
	}
	if err := s.launch(ctx, false); err != nil {
		s.log.Warn("shell start failed", "err", err)
		s.setState(schema.ShellStateNotStarted)
		return err
	}
	return nil
}

// WaitForDeathAndReset blocks until the current shell exits, then relaunches
// it. Each call handles exactly one death. If the previous relaunch failed the
// call retries the launch without waiting.
func (s *Supervisor) WaitForDeathAndReset(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	state := s.state
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return schema.ErrStopped
	}
	if proc == nil {
		if state == schema.ShellStateExited {
			return s.relaunch(ctx)
		}
		return schema.ErrNotRunning
	}

	status, err := proc.Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("wait for shell: %w", err)
	}

	s.mu.Lock()
	instance := s.instance
	if s.proc == proc {
		s.proc = nil
	}
	s.lastExit = &status
	stopped = s.stopped
	s.mu.Unlock()

	fields := []any{"exit_code", status.Code}
	if status.Signal != "" {
		fields = append(fields, "signal", status.Signal)
	}
	logx.WithInstance(s.log, instance).Info("shell exited", fields...)
	if stopped {
		return schema.ErrStopped
	}
	s.setState(schema.ShellStateExited)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return s.relaunch(ctx)
}

func (s *Supervisor) relaunch(ctx context.Context) error {
	s.setState(schema.ShellStateRestarting)
	if s.cfg.RestartDelay > 0 {
		timer := time.NewTimer(s.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(schema.ShellStateExited)
			return ctx.Err()
		case <-timer.C:
		}
	}
	if err := s.launch(ctx, true); err != nil {
		s.log.Warn("shell restart failed", "err", err)
		s.setState(schema.ShellStateExited)
		return fmt.Errorf("relaunch shell: %w", err)
	}
	return nil
}

func (s *Supervisor) launch(ctx context.Context, restart bool) error {
	out, err := s.buffer.OpenAppend()
	if err != nil {
		return err
	}
	instance := s.newID()
	log := logx.WithInstance(s.log, instance)
	proc, err := s.launcher.Start(pslog.ContextWithLogger(ctx, log), LaunchRequest{
		Instance: instance,
		Output:   out,
	})
	_ = out.Close()
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = proc.Signal(ProcessSignalKILL)
		return schema.ErrStopped
	}
	s.proc = proc
	s.instance = instance
	s.startedAt = time.Now()
	if restart {
		s.restarts++
	}
	restarts := s.restarts
	s.mu.Unlock()

	log.Info("shell running", "pid", proc.PID(), "restarts", restarts)
	s.setState(schema.ShellStateRunning)
	return nil
}

// ClearOutputText truncates the output buffer. The shell is not affected.
func (s *Supervisor) ClearOutputText() error {
	return s.buffer.Clear()
}

// OutputBufferSize returns the fixed tail capacity in bytes.
func (s *Supervisor) OutputBufferSize() int {
	return s.buffer.Capacity()
}

// SendInput writes data to the running shell's stdin.
func (s *Supervisor) SendInput(data []byte) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc == nil {
		return schema.ErrNotRunning
	}
	if _, err := proc.Write(data); err != nil {
		return fmt.Errorf("write shell input: %w", err)
	}
	return nil
}

// Stop terminates the shell and prevents any further relaunch. The process
// gets SIGTERM, then SIGKILL if it outlives the stop grace period.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	proc := s.proc
	instance := s.instance
	s.mu.Unlock()

	var stopErr error
	if proc != nil {
		log := logx.WithInstance(s.log, instance)
		log.Info("shell stop", "pid", proc.PID())
		_ = proc.Signal(ProcessSignalTERM)
		waitCtx, cancel := context.WithTimeout(ctx, s.cfg.StopGrace)
		_, err := proc.Wait(waitCtx)
		cancel()
		if err != nil {
			log.Warn("shell ignored TERM, killing", "pid", proc.PID())
			_ = proc.Signal(ProcessSignalKILL)
			if _, err := proc.Wait(ctx); err != nil {
				stopErr = fmt.Errorf("wait for killed shell: %w", err)
			}
		}
	}

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()
	s.forceState(schema.ShellStateStopped)
	return stopErr
}

func (s *Supervisor) setState(state schema.ShellState) {
	s.transition(state, false)
}

func (s *Supervisor) forceState(state schema.ShellState) {
	s.transition(state, true)
}

// transition records state and notifies listeners. Once stopped, only a
// forced transition is applied.
func (s *Supervisor) transition(state schema.ShellState, force bool) {
	s.mu.Lock()
	if s.stopped && !force {
		s.mu.Unlock()
		return
	}
	prev := s.state
	s.state = state
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	if prev != state {
		s.log.Debug("shell state", "from", prev, "to", state)
	}
	for _, fn := range listeners {
		fn(state)
	}
}
