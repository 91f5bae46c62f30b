package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/shellwarden/internal/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			line := fmt.Sprintf("%s %s", info.Module, info.Version)
			if info.GoVersion != "" {
				line += " " + info.GoVersion
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), line)
			return err
		},
	}
}
