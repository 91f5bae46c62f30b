package shellwarden

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/httpapi"
	"pkt.systems/shellwarden/internal/healthgrpc"
	"pkt.systems/shellwarden/schema"
	"pkt.systems/shellwarden/sshserver"
)

// stopMargin is added to the shell stop grace when Wait stops the server.
const stopMargin = 5 * time.Second

// Server composes the shell session with its HTTP, SSH and health surfaces.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Session schema.SessionConfig
	HTTP    httpapi.Config
	SSH     sshserver.Config
	Health  healthgrpc.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Session core.SessionDeps
	// Started, when set, is called once the first shell launch finishes.
	Started func(success bool)
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableHTTP   bool
	enableSSH    bool
	enableHealth bool
}

// WithHTTP enables the HTTP API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// WithSSH enables the SSH output viewer.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithHealth enables the gRPC health socket.
func WithHealth() ServerOption {
	return func(o *serverOptions) { o.enableHealth = true }
}

// New constructs a composable shellwarden server. The session itself is
// opened by Start.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if deps.Session.Launcher == nil {
		return nil, schema.ErrLauncherUnavailable
	}
	if deps.Session.Store == nil {
		return nil, errors.New("state store dependency is required")
	}
	normalized, err := schema.NormalizeSessionConfig(cfg.Session)
	if err != nil {
		return nil, err
	}
	cfg.Session = normalized
	if options.enableSSH && cfg.SSH.Addr == "" {
		return nil, errors.New("ssh address is required")
	}
	if options.enableHealth && cfg.Health.SocketPath == "" {
		return nil, errors.New("health socket path is required")
	}
	return &compositeServer{cfg: cfg, deps: deps, options: options}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	deps    ServerDeps
	options serverOptions
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	session *core.Session
	started bool

	stopOnce sync.Once
	stopErr  error
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	session, err := core.NewSession(runCtx, s.cfg.Session, s.deps.Session)
	if err != nil {
		s.mu.Unlock()
		cancel()
		return err
	}
	s.ctx, s.cancel = runCtx, cancel
	s.errCh = make(chan error, 3)
	s.session = session
	s.started = true
	s.logger = pslog.Ctx(runCtx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http", s.options.enableHTTP,
		"ssh", s.options.enableSSH,
		"health", s.options.enableHealth,
		"http_addr", s.cfg.HTTP.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
		"health_socket", s.cfg.Health.SocketPath,
	)
	if s.options.enableHealth {
		healthSrv := healthgrpc.NewServer(s.cfg.Health, session)
		go s.run("health", func() error { return healthSrv.ListenAndServe(runCtx) })
	}
	if s.options.enableHTTP {
		httpSrv := httpapi.NewServer(s.cfg.HTTP, session)
		go s.run("http", func() error { return httpapi.ListenAndServe(runCtx, s.cfg.HTTP.Addr, httpSrv.Handler()) })
	}
	if s.options.enableSSH {
		sshSrv := &sshserver.Server{
			Addr:               s.cfg.SSH.Addr,
			HostKeyPath:        s.cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: s.cfg.SSH.AuthorizedKeysPath,
			Session:            session,
		}
		go s.run("ssh", func() error { return sshSrv.ListenAndServe(runCtx) })
	}

	session.StartServer(func(success bool) {
		if success {
			log.Info("shell started", "pid", session.Status().PID)
		} else {
			log.Error("shell start failed", "state", session.Status().State)
		}
		if s.deps.Started != nil {
			s.deps.Started(success)
		}
	})
	return nil
}

func (s *compositeServer) run(name string, serve func() error) {
	if err := serve(); err != nil {
		s.logger.Error(name+" server failed", "err", err)
		s.errCh <- err
	}
}

// Session returns the running session, or nil before Start.
func (s *compositeServer) Session() *core.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		// The shell lives in its own process group, so it must be stopped
		// here before the caller exits.
		stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.StopGrace+stopMargin)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop closes the session and shuts down every surface. Concurrent callers
// block until the first stop finishes and share its result.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	s.stopOnce.Do(func() { s.stopErr = s.stop(ctx) })
	return s.stopErr
}

func (s *compositeServer) stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	session := s.session
	log := s.logger
	s.mu.Unlock()
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	log.Info("server stop requested")
	var stopErr error
	if session != nil {
		if err := session.Close(ctx); err != nil {
			log.Warn("server session close failed", "err", err)
			stopErr = err
		} else {
			log.Info("server session closed")
		}
	}
	if cancel != nil {
		cancel()
	}
	if stopErr != nil {
		return stopErr
	}
	log.Info("server stopped")
	return nil
}
