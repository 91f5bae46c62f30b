// Package launcher starts debugging shells as local child processes.
package launcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/schema"
)

// DeviceEnv is exported to every child so that bridge tools which honor it
// address the configured device.
const DeviceEnv = "ANDROID_SERIAL"

// Config describes the shell command line.
type Config struct {
	// Binary is the debug-bridge executable, resolved through PATH.
	Binary string
	// InitArgs run once during Init (for example "start-server").
	InitArgs []string
	// Args start one interactive shell (for example "shell").
	Args []string
	Env  []string
	Dir  string
	// Device selects the target device; empty means the bridge default.
	Device string
}

// Exec launches shells with os/exec. Each shell gets its own process group
// so that signals reach everything it spawned.
type Exec struct {
	cfg Config

	mu   sync.Mutex
	path string
}

// New constructs an exec launcher.
func New(cfg Config) (*Exec, error) {
	if strings.TrimSpace(cfg.Binary) == "" {
		return nil, fmt.Errorf("%w: shell binary is required", schema.ErrLauncherUnavailable)
	}
	return &Exec{cfg: cfg}, nil
}

// Init resolves the binary and runs the init command, if any.
func (e *Exec) Init(ctx context.Context) error {
	log := pslog.Ctx(ctx)
	path, err := e.resolve()
	if err != nil {
		return err
	}
	log.Debug("shell binary resolved", "path", path)
	if len(e.cfg.InitArgs) == 0 {
		return nil
	}
	log.Info("shell init command", "args", strings.Join(e.cfg.InitArgs, " "))
	out, err := e.Run(ctx, e.cfg.InitArgs...)
	if err != nil {
		return err
	}
	log.Trace("shell init output", "output", out)
	return nil
}

// Run executes a one-off bridge command and returns its combined output.
func (e *Exec) Run(ctx context.Context, args ...string) (string, error) {
	path, err := e.resolve()
	if err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = e.environ()
	cmd.Dir = e.cfg.Dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(out.String())
		if msg != "" {
			return out.String(), fmt.Errorf("run %s %s: %w: %s", e.cfg.Binary, strings.Join(args, " "), err, msg)
		}
		return out.String(), fmt.Errorf("run %s %s: %w", e.cfg.Binary, strings.Join(args, " "), err)
	}
	return out.String(), nil
}

// Pair runs the pairing command against a network device endpoint.
func (e *Exec) Pair(ctx context.Context, pairArgs []string, target, code string) (string, error) {
	if strings.TrimSpace(target) == "" {
		return "", errors.New("pairing target is required")
	}
	args := append(append([]string{}, pairArgs...), target)
	if code != "" {
		args = append(args, code)
	}
	pslog.Ctx(ctx).Info("shell pairing command", "target", target)
	return e.Run(ctx, args...)
}

func (e *Exec) resolve() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.path != "" {
		return e.path, nil
	}
	path, err := exec.LookPath(e.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %v", schema.ErrLauncherUnavailable, err)
	}
	e.path = path
	return path, nil
}

// Start launches a shell with stdout and stderr attached to req.Output.
// The process outlives ctx; it is ended through the returned handle.
func (e *Exec) Start(ctx context.Context, req core.LaunchRequest) (core.ProcessHandle, error) {
	if req.Output == nil {
		return nil, errors.New("output file is required")
	}
	path, err := e.resolve()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(path, e.cfg.Args...)
	cmd.Env = e.environ()
	cmd.Dir = e.cfg.Dir
	cmd.Stdout = req.Output
	cmd.Stderr = req.Output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	proc := &process{
		cmd:   cmd,
		pid:   cmd.Process.Pid,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	pslog.Ctx(ctx).Debug("shell process started", "pid", proc.pid, "args", strings.Join(e.cfg.Args, " "))
	go proc.wait()
	return proc, nil
}

func (e *Exec) environ() []string {
	env := append(os.Environ(), e.cfg.Env...)
	if e.cfg.Device != "" {
		env = append(filterEnv(env, DeviceEnv), DeviceEnv+"="+e.cfg.Device)
	}
	return env
}

func filterEnv(env []string, key string) []string {
	prefix := key + "="
	out := env[:0:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

type process struct {
	cmd   *exec.Cmd
	pid   int
	stdin io.WriteCloser

	done   chan struct{}
	status schema.ExitStatus
	err    error
}

func (p *process) wait() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.err = err
	}
	if state := p.cmd.ProcessState; state != nil {
		p.status = exitStatus(state)
		p.err = nil
	}
	close(p.done)
}

func exitStatus(state *os.ProcessState) schema.ExitStatus {
	status := schema.ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

func (p *process) PID() int {
	return p.pid
}

func (p *process) Wait(ctx context.Context) (schema.ExitStatus, error) {
	select {
	case <-p.done:
		return p.status, p.err
	case <-ctx.Done():
		return schema.ExitStatus{}, ctx.Err()
	}
}

func (p *process) Signal(sig core.ProcessSignal) error {
	var signal syscall.Signal
	switch sig {
	case core.ProcessSignalHUP:
		signal = unix.SIGHUP
	case core.ProcessSignalTERM:
		signal = unix.SIGTERM
	case core.ProcessSignalKILL:
		signal = unix.SIGKILL
	default:
		return fmt.Errorf("unsupported signal: %s", sig)
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if err := unix.Kill(-p.pid, signal); err == nil {
		return nil
	}
	return p.cmd.Process.Signal(signal)
}

func (p *process) Write(data []byte) (int, error) {
	select {
	case <-p.done:
		return 0, schema.ErrNotRunning
	default:
	}
	return p.stdin.Write(data)
}
