// Package cmd contains the qgate subcommands.
package cmd

import (
	"io"
	"os"

	"github.com/google/logger"
	"github.com/spf13/cobra"
)

var quiet bool

// RootCmd is the entrypoint for all qgate subcommands.
var RootCmd = &cobra.Command{
	Use: "qgate",
	Long: `Command line tool for the attestation evidence lifecycle.

Builds nonce-bound evidence tokens from a measurement source and verifies
them against a corpus of endorsed reference measurements.`,
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		sink := io.Writer(os.Stderr)
		if quiet {
			sink = io.Discard
		}
		logger.Init("qgate", false, false, sink)
		logger.SetFlags(0)
	},
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false,
		"suppress audit logging on stderr")
	cobra.EnableCommandSorting = false
}
