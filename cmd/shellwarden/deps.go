package main

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/internal/appconfig"
	"pkt.systems/shellwarden/internal/launcher"
	"pkt.systems/shellwarden/internal/persist"
	"pkt.systems/shellwarden/internal/platform"
)

func newLauncher(cfg appconfig.Config) (*launcher.Exec, error) {
	return launcher.New(launcher.Config{
		Binary:   cfg.Shell.Binary,
		InitArgs: cfg.Shell.InitArgs,
		Args:     cfg.Shell.Args,
		Env:      cfg.Shell.Env,
		Dir:      cfg.Shell.Dir,
		Device:   cfg.Shell.Device,
	})
}

func openStore(ctx context.Context, cfg appconfig.Config, logger pslog.Logger) (persist.Store, error) {
	store, err := persist.Open(ctx, cfg.State.Backend, cfg.State.Path, logger)
	if err != nil {
		return nil, err
	}
	logger.Debug("state store open", "backend", cfg.State.Backend, "path", cfg.State.Path)
	return store, nil
}

func pairingPredicate(cfg appconfig.Config) (core.PairingPredicate, error) {
	mode, err := platform.ParsePairingMode(cfg.Pairing.Mode)
	if err != nil {
		return nil, err
	}
	return platform.PairingPredicate(mode, cfg.Shell.Device), nil
}

func sessionState(cfg appconfig.Config, store persist.Store) (*core.SessionState, error) {
	predicate, err := pairingPredicate(cfg)
	if err != nil {
		return nil, err
	}
	return core.NewSessionState(store, predicate)
}
