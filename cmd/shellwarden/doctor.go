package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/internal/appconfig"
	"pkt.systems/shellwarden/internal/healthgrpc"
	"pkt.systems/shellwarden/internal/platform"
)

type doctorCheck struct {
	name string
	run  func(ctx context.Context) (string, error)
}

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run shellwarden diagnostics",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				path, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = path
			}
			logger.Info("doctor start", "config", configPath)
			return runDoctor(cmd.Context(), cmd.OutOrStdout(), doctorChecks(cfg, logger), timeout)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "timeout per check")
	return cmd
}

func doctorChecks(cfg appconfig.Config, logger pslog.Logger) []doctorCheck {
	return []doctorCheck{
		{name: "bridge", run: func(ctx context.Context) (string, error) {
			exec, err := newLauncher(cfg)
			if err != nil {
				return "", err
			}
			if err := exec.Init(ctx); err != nil {
				return "", err
			}
			return cfg.Shell.Binary + " " + strings.Join(cfg.Shell.InitArgs, " "), nil
		}},
		{name: "abi", run: func(ctx context.Context) (string, error) {
			exec, err := newLauncher(cfg)
			if err != nil {
				return "", err
			}
			return checkDeviceABI(ctx, cfg.Shell.Binary, exec.Run)
		}},
		{name: "output", run: func(ctx context.Context) (string, error) {
			buffer, err := core.NewOutputBuffer(cfg.Shell.OutputFile, cfg.Shell.OutputBufferBytes)
			if err != nil {
				return "", err
			}
			size, err := buffer.Size()
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (%d bytes)", buffer.Path(), size), nil
		}},
		{name: "state", run: func(ctx context.Context) (string, error) {
			store, err := openStore(ctx, cfg, logger)
			if err != nil {
				return "", err
			}
			defer func() { _ = store.Close() }()
			state, err := sessionState(cfg, store)
			if err != nil {
				return "", err
			}
			needs, err := state.NeedsPairing(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s, needs pairing: %t", cfg.State.Backend, cfg.State.Path, needs), nil
		}},
		{name: "health", run: func(ctx context.Context) (string, error) {
			if cfg.Health.SocketPath == "" {
				return "disabled", nil
			}
			if _, err := os.Stat(cfg.Health.SocketPath); errors.Is(err, os.ErrNotExist) {
				return "not running", nil
			}
			status, err := healthgrpc.Check(ctx, cfg.Health.SocketPath)
			if err != nil {
				return "", err
			}
			return status.String(), nil
		}},
	}
}

// checkDeviceABI reports the device ABIs and fails for devices that cannot
// run the bridge. Non-adb bridges are skipped.
func checkDeviceABI(ctx context.Context, binary string, run platform.RunFunc) (string, error) {
	if !platform.IsADB(binary) {
		return "skipped (not adb)", nil
	}
	info, err := platform.QueryDeviceABI(ctx, run)
	if err != nil {
		return "", err
	}
	if info.Unsupported() {
		return "", fmt.Errorf("unsupported device: %s", info)
	}
	return info.String(), nil
}

func runDoctor(ctx context.Context, out io.Writer, checks []doctorCheck, timeout time.Duration) error {
	failed := 0
	for _, check := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, timeout)
		detail, err := check.run(checkCtx)
		cancel()
		if err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%-8s FAIL %v\n", check.name, err)
			continue
		}
		_, _ = fmt.Fprintf(out, "%-8s ok   %s\n", check.name, detail)
	}
	if failed > 0 {
		return fmt.Errorf("doctor: %d check(s) failed", failed)
	}
	return nil
}
