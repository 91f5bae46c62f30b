package sshserver

import (
	"context"
	"errors"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/internal/logx"
	"pkt.systems/shellwarden/schema"
)

// Session is the shell session surface shown to SSH viewers.
type Session interface {
	ObserveOutput() (<-chan schema.OutputSnapshot, func())
	SendInput(data []byte) error
	Status() schema.ShellStatus
}

// Server exposes the shell output over SSH.
type Server struct {
	Addr               string
	HostKeyPath        string
	AuthorizedKeysPath string
	Listener           net.Listener
	Session            Session
	logger             pslog.Logger
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	if s.Session == nil {
		return errors.New("session is required for SSH")
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}
	keys := newAuthorizedKeys(s.AuthorizedKeysPath)
	if _, err := keys.load(); err != nil {
		s.logger.Warn("ssh authorized keys unavailable; all logins will be rejected", "path", s.AuthorizedKeysPath, "err", err)
	}

	server := &gliderssh.Server{
		Addr:    s.Addr,
		Handler: s.handleSession,
		PublicKeyHandler: func(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
			return s.handlePublicKey(ctx, keys, key)
		},
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			s.logger.Info("ssh listening", "addr", s.Listener.Addr().String(), "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
			errCh <- server.Serve(s.Listener)
			return
		}
		s.logger.Info("ssh listening", "addr", s.Addr, "fingerprint", ssh.FingerprintSHA256(signer.PublicKey()))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, keys *authorizedKeys, key gliderssh.PublicKey) bool {
	log := s.logger.With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	ok, err := keys.allowed(key)
	if err != nil {
		log.Warn("ssh pubkey rejected", "err", err)
		return false
	}
	if !ok {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

func (s *Server) handleSession(sess gliderssh.Session) {
	remote := sess.RemoteAddr().String()
	log := s.logger.With("user", sess.User(), "remote", remote)
	if id := sess.Context().SessionID(); id != "" {
		log = log.With("ssh_session", id)
	}
	ctx := logx.ContextWithRemoteLogger(sess.Context(), log, remote)

	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}

	log.Info("ssh session opened", "term", pty.Term)
	v := newViewer(sess, s.Session)
	v.SetSize(pty.Window.Width, pty.Window.Height)
	_ = v.Run(ctx, winCh)
	log.Info("ssh session closed", "term", pty.Term)
	_ = sess.Exit(0)
}
