package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grabtune",
		Short: "An HTTP service that extracts audio from video URLs.",
		Long: `grabtune wraps an external extraction tool behind an HTTP API,
turning video URLs into MP3 downloads. It manages proxy rotation,
per-client rate limits, resource-aware admission and an async job
queue with automatic cleanup of delivered files.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus GRABTUNE_* env vars)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
