package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/internal/appconfig"
	"pkt.systems/shellwarden/internal/platform"
)

func newPairCmd() *cobra.Command {
	var cfgPath string
	var force bool
	var reset bool
	cmd := &cobra.Command{
		Use:   "pair [host:port] [code]",
		Short: "Pair with a wireless debugging endpoint and remember it",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			target, code := pairTarget(cfg, args)
			cfg.Shell.Device = target
			store, err := openStore(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			state, err := sessionState(cfg, store)
			if err != nil {
				return err
			}

			if reset {
				if err := state.SetPairedBefore(cmd.Context(), false); err != nil {
					return err
				}
				logger.Info("pairing flag cleared")
				return nil
			}

			needs, err := state.NeedsPairing(cmd.Context())
			if err != nil {
				return err
			}
			if !needs && !force {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "pairing not required")
				return err
			}

			if !platform.IsNetworkDevice(target) {
				return errors.New("pair requires a host:port endpoint (argument or shell.device)")
			}
			exec, err := newLauncher(cfg)
			if err != nil {
				return err
			}
			out, err := exec.Pair(cmd.Context(), cfg.Pairing.Args, target, code)
			if out = strings.TrimSpace(out); out != "" {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
			}
			if err != nil {
				return err
			}
			if err := state.SetPairedBefore(cmd.Context(), true); err != nil {
				return err
			}
			logger.Info("device paired", "target", target)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&force, "force", false, "pair even when already paired")
	cmd.Flags().BoolVar(&reset, "reset", false, "forget that the device was paired")
	return cmd
}

func pairTarget(cfg appconfig.Config, args []string) (string, string) {
	target := strings.TrimSpace(cfg.Shell.Device)
	code := ""
	if len(args) > 0 {
		target = strings.TrimSpace(args[0])
	}
	if len(args) > 1 {
		code = strings.TrimSpace(args[1])
	}
	return target, code
}
