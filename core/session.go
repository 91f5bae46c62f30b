package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/internal/eventbus"
	"pkt.systems/shellwarden/schema"
)

// relaunchRetryDelay spaces out death-watch retries after a failed relaunch.
const relaunchRetryDelay = time.Second

// Session is the caller-facing surface of one supervised shell. It runs the
// output poll loop for its whole lifetime and, once the server is started,
// a death-watch loop that relaunches the shell after every exit.
type Session struct {
	cfg        schema.SessionConfig
	buffer     *OutputBuffer
	supervisor *Supervisor
	state      *SessionState
	poll       *PollLoop
	bus        *eventbus.Bus[schema.OutputSnapshot]
	log        pslog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	watching bool
}

// NewSession builds a session and starts its output poll loop. The session
// lives until Close or until ctx is canceled.
func NewSession(ctx context.Context, cfg schema.SessionConfig, deps SessionDeps) (*Session, error) {
	normalized, err := schema.NormalizeSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	buffer, err := NewOutputBuffer(normalized.OutputFile, normalized.OutputBufferBytes)
	if err != nil {
		return nil, err
	}
	supervisor, err := NewSupervisor(deps.Launcher, buffer, SupervisorConfig{
		RestartDelay: normalized.RestartDelay,
		StopGrace:    normalized.StopGrace,
	}, logger)
	if err != nil {
		return nil, err
	}
	state, err := NewSessionState(deps.Store, deps.Pairing)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New[schema.OutputSnapshot](logger)
	sessionCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		cfg:        normalized,
		buffer:     buffer,
		supervisor: supervisor,
		state:      state,
		poll:       NewPollLoop(buffer, bus, normalized.PollDelay, logger),
		bus:        bus,
		log:        logger,
		ctx:        sessionCtx,
		cancel:     cancel,
	}
	logger.Info("session open", "output", normalized.OutputFile, "buffer_bytes", normalized.OutputBufferBytes, "poll_delay_ms", normalized.PollDelay.Milliseconds())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.poll.Run(sessionCtx)
	}()
	return s, nil
}

// StartServer initializes the shell in the background and reports the
// outcome to onDone. On success the death-watch loop is started. A failed
// start is not retried; the caller may call StartServer again.
func (s *Session) StartServer(onDone func(success bool)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.Warn("shell start rejected", "err", schema.ErrSessionClosed)
		if onDone != nil {
			onDone(false)
		}
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		err := s.supervisor.InitServer(s.ctx)
		success := err == nil
		if success {
			s.startDeathWatch()
		} else {
			s.log.Warn("shell start failed", "err", err)
		}
		if onDone != nil {
			onDone(success)
		}
	}()
}

func (s *Session) startDeathWatch() {
	s.mu.Lock()
	if s.closed || s.watching {
		s.mu.Unlock()
		return
	}
	s.watching = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.watching = false
			s.mu.Unlock()
		}()
		for {
			err := s.supervisor.WaitForDeathAndReset(s.ctx)
			if s.ctx.Err() != nil || errors.Is(err, schema.ErrStopped) {
				return
			}
			if err == nil {
				continue
			}
			if errors.Is(err, schema.ErrNotRunning) {
				s.log.Warn("death watch stopped", "err", err)
				return
			}
			s.log.Warn("death watch failed", "err", err)
			timer := time.NewTimer(relaunchRetryDelay)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

// ObserveOutput subscribes to output snapshots. The channel carries only the
// latest snapshot; call the returned func to unsubscribe.
func (s *Session) ObserveOutput() (<-chan schema.OutputSnapshot, func()) {
	return s.bus.Subscribe()
}

// Latest returns the most recently published snapshot.
func (s *Session) Latest() (schema.OutputSnapshot, bool) {
	return s.bus.Latest()
}

// ClearOutput truncates the output buffer and publishes the emptied tail.
func (s *Session) ClearOutput() error {
	if err := s.supervisor.ClearOutputText(); err != nil {
		return err
	}
	s.poll.tick(s.ctx)
	return nil
}

// SendInput writes data to the shell's stdin.
func (s *Session) SendInput(data []byte) error {
	return s.supervisor.SendInput(data)
}

// NeedsPairing reports whether the pairing flow still has to be completed.
func (s *Session) NeedsPairing(ctx context.Context) (bool, error) {
	return s.state.NeedsPairing(ctx)
}

// SetPairedBefore persists the pairing flag.
func (s *Session) SetPairedBefore(ctx context.Context, value bool) error {
	return s.state.SetPairedBefore(ctx, value)
}

// Status returns the supervisor status.
func (s *Session) Status() schema.ShellStatus {
	return s.supervisor.Status()
}

// OnState registers a listener for shell state transitions.
func (s *Session) OnState(fn func(schema.ShellState)) {
	s.supervisor.OnState(fn)
}

// OutputBufferSize returns the fixed tail capacity in bytes.
func (s *Session) OutputBufferSize() int {
	return s.supervisor.OutputBufferSize()
}

// Close stops both background loops and the shell.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	stopErr := s.supervisor.Stop(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("close session: %w", ctx.Err())
	}
	s.log.Info("session closed")
	return stopErr
}
