package healthgrpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/schema"
)

// ServiceName is the health service reported for the supervised shell.
const ServiceName = "shellwarden.Shell"

// StateSource reports shell state transitions.
type StateSource interface {
	OnState(fn func(schema.ShellState))
	Status() schema.ShellStatus
}

// Server answers grpc.health.v1 checks on a Unix domain socket. The shell
// service is SERVING only while a shell process is running.
type Server struct {
	cfg    Config
	health *health.Server
	logger pslog.Logger
}

// NewServer wires the health status to source.
func NewServer(cfg Config, source StateSource) *Server {
	s := &Server{cfg: cfg, health: health.NewServer()}
	s.apply(source.Status().State)
	source.OnState(s.apply)
	return s
}

func (s *Server) apply(state schema.ShellState) {
	s.health.SetServingStatus(ServiceName, servingStatus(state))
}

func servingStatus(state schema.ShellState) healthpb.HealthCheckResponse_ServingStatus {
	if state == schema.ShellStateRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// ListenAndServe serves health checks until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.cfg.SocketPath == "" {
		return errors.New("health socket path is required")
	}
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o700); err != nil {
		return err
	}
	_ = os.Remove(s.cfg.SocketPath)

	listener, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(s.cfg.SocketPath) }()

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, s.health)
	s.logger.Info("health grpc listening", "socket", s.cfg.SocketPath)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		grpcServer.GracefulStop()
		return nil
	case err := <-errCh:
		return err
	}
}
