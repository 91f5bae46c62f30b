package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/httpapi"
	"pkt.systems/shellwarden/internal/appconfig"
	"pkt.systems/shellwarden/internal/healthgrpc"
	"pkt.systems/shellwarden/internal/version"
	"pkt.systems/shellwarden/sshserver"
)

type serveFlags struct {
	httpAddr string
	sshAddr  string
	token    string
	device   string
	noHealth bool
}

func newServeCmd() *cobra.Command {
	var cfgPath string
	var flags serveFlags
	var showQR bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the shell supervisor and its viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			applyServeFlags(&cfg, cmd, flags)

			exec, err := newLauncher(cfg)
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			predicate, err := pairingPredicate(cfg)
			if err != nil {
				return err
			}
			state, err := core.NewSessionState(store, predicate)
			if err != nil {
				return err
			}
			if needs, err := state.NeedsPairing(cmd.Context()); err != nil {
				return err
			} else if needs {
				logger.Warn("device has not been paired; run shellwarden pair", "device", cfg.Shell.Device)
			}

			opts := serveOptions(cfg)
			serverCfg := shellwarden.ServerConfig{
				Session: cfg.SessionConfig(),
				HTTP:    httpapi.Config{Addr: cfg.HTTP.Addr, Token: cfg.HTTP.Token},
				SSH: sshserver.Config{
					Addr:               cfg.SSH.Addr,
					HostKeyPath:        cfg.SSH.HostKeyPath,
					AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
				},
				Health: healthgrpc.Config{SocketPath: cfg.Health.SocketPath},
			}
			server, err := shellwarden.New(serverCfg, shellwarden.ServerDeps{
				Session: core.SessionDeps{
					Launcher: exec,
					Store:    store,
					Pairing:  predicate,
					Logger:   logger,
				},
			}, opts...)
			if err != nil {
				return err
			}

			if showQR {
				if cfg.HTTP.Addr == "" {
					logger.Warn("qr code skipped", "reason", "http disabled")
				} else {
					printViewerQR(cmd.OutOrStdout(), viewerURL(cfg.HTTP.Addr, cfg.HTTP.Token, lanAddress()))
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger.Info("shellwarden start", "version", version.Current())
			logger.Info("shell configured", "binary", cfg.Shell.Binary, "args", strings.Join(cfg.Shell.Args, " "), "device", cfg.Shell.Device)
			if err := server.Start(ctx); err != nil {
				return err
			}
			if err := server.Wait(); err != nil {
				logger.Warn("server stopped with error", "err", err)
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&flags.httpAddr, "http-addr", "", "HTTP listen address (overrides config, \"off\" disables)")
	cmd.Flags().StringVar(&flags.sshAddr, "ssh-addr", "", "SSH viewer listen address (overrides config, \"off\" disables)")
	cmd.Flags().StringVar(&flags.token, "token", "", "bearer token required by the HTTP API (overrides config)")
	cmd.Flags().StringVar(&flags.device, "device", "", "device serial or host:port (overrides config)")
	cmd.Flags().BoolVar(&flags.noHealth, "no-health", false, "disable the gRPC health socket")
	cmd.Flags().BoolVar(&showQR, "qr", false, "print the HTTP viewer URL as a QR code")
	return cmd
}

func applyServeFlags(cfg *appconfig.Config, cmd *cobra.Command, flags serveFlags) {
	if cmd.Flags().Changed("http-addr") {
		cfg.HTTP.Addr = flagAddr(flags.httpAddr)
	}
	if cmd.Flags().Changed("ssh-addr") {
		cfg.SSH.Addr = flagAddr(flags.sshAddr)
	}
	if cmd.Flags().Changed("token") {
		cfg.HTTP.Token = flags.token
	}
	if cmd.Flags().Changed("device") {
		cfg.Shell.Device = strings.TrimSpace(flags.device)
	}
	if flags.noHealth {
		cfg.Health.SocketPath = ""
	}
}

func flagAddr(value string) string {
	value = strings.TrimSpace(value)
	if strings.EqualFold(value, "off") {
		return ""
	}
	return value
}

func serveOptions(cfg appconfig.Config) []shellwarden.ServerOption {
	var opts []shellwarden.ServerOption
	if cfg.HTTP.Addr != "" {
		opts = append(opts, shellwarden.WithHTTP())
	}
	if cfg.SSH.Addr != "" {
		opts = append(opts, shellwarden.WithSSH())
	}
	if cfg.Health.SocketPath != "" {
		opts = append(opts, shellwarden.WithHealth())
	}
	return opts
}

// viewerURL points at the SSE stream. Unspecified listen hosts are replaced
// with lan so the URL is reachable from another device.
func viewerURL(addr, token, lan string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = lan
		if host == "" {
			host = "127.0.0.1"
		}
	}
	u := url.URL{Scheme: "http", Host: net.JoinHostPort(host, port), Path: "/api/output/stream"}
	if token != "" {
		u.RawQuery = url.Values{"token": []string{token}}.Encode()
	}
	return u.String()
}

func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
			continue
		}
		return ipNet.IP.String()
	}
	return ""
}

func printViewerQR(w io.Writer, target string) {
	if target == "" {
		return
	}
	_, _ = fmt.Fprintf(w, "viewer_url: %s\n", target)
	qrterminal.GenerateHalfBlock(target, qrterminal.L, w)
}
