package main

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/core"
	"pkt.systems/shellwarden/internal/appconfig"
	"pkt.systems/shellwarden/internal/eventbus"
	"pkt.systems/shellwarden/schema"
)

func newTailCmd() *cobra.Command {
	var cfgPath string
	var follow bool
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print the tail of the shell output buffer",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			buffer, err := core.NewOutputBuffer(cfg.Shell.OutputFile, cfg.Shell.OutputBufferBytes)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !follow {
				text, _, err := buffer.Tail()
				if err != nil {
					return err
				}
				_, err = io.WriteString(out, text)
				return err
			}

			if interval <= 0 {
				interval = cfg.SessionConfig().PollDelay
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			bus := eventbus.New[schema.OutputSnapshot](logger)
			snapshots, unsubscribe := bus.Subscribe()
			defer unsubscribe()
			loop := core.NewPollLoop(buffer, bus, interval, logger)
			go func() { _ = loop.Run(ctx) }()

			prev := ""
			for {
				select {
				case <-ctx.Done():
					return nil
				case snapshot := <-snapshots:
					if _, err := io.WriteString(out, tailDelta(prev, snapshot.Text)); err != nil {
						return err
					}
					if snapshot.Text == "" && prev != "" {
						_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "-- output cleared --")
					}
					prev = snapshot.Text
				}
			}
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep printing new output")
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval when following (defaults to shell.poll_delay_ms)")
	return cmd
}

// tailDelta returns the part of next that was not already printed as prev.
// The tail window slides, so the longest suffix of prev that prefixes next
// is treated as already seen.
func tailDelta(prev, next string) string {
	if strings.HasPrefix(next, prev) {
		return next[len(prev):]
	}
	return next[overlap(prev, next):]
}

// overlap returns the length of the longest suffix of a that is also a
// prefix of b. It runs in O(len(a)+len(b)) using the KMP failure table of b,
// so a full window is cheap to compare on every tick.
func overlap(a, b string) int {
	if b == "" {
		return 0
	}
	fail := make([]int, len(b))
	for i, k := 1, 0; i < len(b); i++ {
		for k > 0 && b[i] != b[k] {
			k = fail[k-1]
		}
		if b[i] == b[k] {
			k++
		}
		fail[i] = k
	}
	k := 0
	for i := 0; i < len(a); i++ {
		for k > 0 && (k == len(b) || a[i] != b[k]) {
			k = fail[k-1]
		}
		if a[i] == b[k] {
			k++
		}
	}
	return k
}
