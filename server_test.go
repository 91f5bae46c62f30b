package shellwarden

import (
	"context"
	"os"
	"path/filepath"
	"errors"
	"strings"
	"syscall"
	"testing"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/internal/healthgrpc"
	"pkt.systems/shellwarden/internal/launcher"
	"pkt.systems/shellwarden/internal/persist"
	"pkt.systems/shellwarden/schema"
)

func newTestDeps(t *testing.T, dir string) ServerDeps {
	t.Helper()
	return newShellDeps(t, dir, "echo shell ready; exec cat")
}

func newShellDeps(t *testing.T, dir, script string) ServerDeps {
	t.Helper()
	exec, err := launcher.New(launcher.Config{
		Binary: "/bin/sh",
		Args:   []string{"-c", script},
	})
	if err != nil {
		t.Fatalf("launcher: %v", err)
	}
	store, err := persist.NewJSONStore(filepath.Join(dir, "flags.json"), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return ServerDeps{Session: core.SessionDeps{Launcher: exec, Store: store}}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(ServerConfig{}, ServerDeps{}); err == nil {
		t.Fatalf("expected error without launcher")
	}
	dir := t.TempDir()
	deps := newTestDeps(t, dir)
	deps.Session.Store = nil
	if _, err := New(ServerConfig{}, deps); err == nil {
		t.Fatalf("expected error without store")
	}
	cfg := ServerConfig{Session: schema.SessionConfig{OutputFile: filepath.Join(dir, "shell.out")}}
	if _, err := New(cfg, newTestDeps(t, dir), WithSSH()); err == nil {
		t.Fatalf("expected error without ssh address")
	}
	if _, err := New(cfg, newTestDeps(t, dir), WithHealth()); err == nil {
		t.Fatalf("expected error without health socket")
	}
}

func TestServerRunsShellAndReportsHealth(t *testing.T) {
	dir, err := os.MkdirTemp("", "sw")
	if err != nil {
		t.Fatalf("temp dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	socket := filepath.Join(dir, "h.sock")

	started := make(chan bool, 1)
	deps := newTestDeps(t, dir)
	deps.Started = func(success bool) { started <- success }
	srv, err := New(ServerConfig{
		Session: schema.SessionConfig{
			OutputFile:        filepath.Join(dir, "shell.out"),
			OutputBufferBytes: 256,
			PollDelay:         5 * time.Millisecond,
			StopGrace:         100 * time.Millisecond,
		},
		Health: healthgrpc.Config{SocketPath: socket},
	}, deps, WithHealth())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Wait(); err == nil {
		t.Fatalf("expected Wait to fail before Start")
	}
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Fatalf("expected second start to fail")
	}
	select {
	case ok := <-started:
		if !ok {
			t.Fatalf("expected shell start to succeed")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("shell start not reported")
	}

	session := srv.(*compositeServer).Session()
	snapshots, unsubscribe := session.ObserveOutput()
	defer unsubscribe()
	deadline := time.After(3 * time.Second)
	for ready := false; !ready; {
		select {
		case snap := <-snapshots:
			ready = strings.Contains(snap.Text, "shell ready")
		case <-deadline:
			t.Fatalf("shell output not observed")
		}
	}

	var status healthpb.HealthCheckResponse_ServingStatus
	for i := 0; i < 100; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
		status, err = healthgrpc.Check(ctx, socket)
		cancel()
		if err == nil && status == healthpb.HealthCheckResponse_SERVING {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v (err=%v)", status, err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait after stop: %v", err)
	}
	if got := session.Status().State; got != schema.ShellStateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}

func startShellServer(t *testing.T, ctx context.Context, script string) *compositeServer {
	t.Helper()
	dir := t.TempDir()
	started := make(chan bool, 1)
	deps := newShellDeps(t, dir, script)
	deps.Started = func(success bool) { started <- success }
	srv, err := New(ServerConfig{
		Session: schema.SessionConfig{
			OutputFile:        filepath.Join(dir, "shell.out"),
			OutputBufferBytes: 256,
			PollDelay:         5 * time.Millisecond,
			RestartDelay:      10 * time.Millisecond,
			StopGrace:         200 * time.Millisecond,
		},
	}, deps)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Stop(stopCtx)
	})
	select {
	case ok := <-started:
		if !ok {
			t.Fatalf("expected shell start to succeed")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("shell start not reported")
	}
	return srv.(*compositeServer)
}

func waitForText(t *testing.T, session *core.Session, want string) {
	t.Helper()
	snapshots, unsubscribe := session.ObserveOutput()
	defer unsubscribe()
	deadline := time.After(3 * time.Second)
	var last string
	for {
		select {
		case snap := <-snapshots:
			last = snap.Text
			if last == want {
				return
			}
		case <-deadline:
			t.Fatalf("expected output %q, last saw %q", want, last)
		}
	}
}

func processGone(pid int) bool {
	return errors.Is(syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestServerRestartsKilledShell(t *testing.T) {
	srv := startShellServer(t, context.Background(), "echo up; exec cat")
	session := srv.Session()
	waitForText(t, session, "up\n")

	first := session.Status().PID
	if first <= 0 {
		t.Fatalf("expected shell pid, got %d", first)
	}
	if err := syscall.Kill(first, syscall.SIGKILL); err != nil {
		t.Fatalf("kill shell: %v", err)
	}
	waitForText(t, session, "up\nup\n")

	status := session.Status()
	if status.Restarts != 1 {
		t.Fatalf("expected 1 restart, got %d", status.Restarts)
	}
	if status.PID == first || status.PID <= 0 {
		t.Fatalf("expected a new shell pid, got %d (was %d)", status.PID, first)
	}
	if snap, ok := session.Latest(); !ok || snap.Text != "up\nup\n" {
		t.Fatalf("unexpected latest snapshot %q", snap.Text)
	}
}

func TestWaitStopsShellWhenContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := startShellServer(t, ctx, "echo shell ready; exec cat")
	session := srv.Session()
	waitForText(t, session, "shell ready\n")
	pid := session.Status().PID
	if pid <= 0 {
		t.Fatalf("expected shell pid, got %d", pid)
	}

	cancel()
	if err := srv.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !processGone(pid) {
		t.Fatalf("shell pid %d still alive after Wait returned", pid)
	}
	if got := session.Status().State; got != schema.ShellStateStopped {
		t.Fatalf("expected stopped, got %s", got)
	}
}
