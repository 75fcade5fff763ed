package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var configDir string

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Relay Gmail push notifications into enriched mail records",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "directory holding base.yaml and per-environment overrides")

	rootCmd.AddCommand(
		newServeCmd(&configDir),
		newMigrateCmd(&configDir),
		newRenewCmd(&configDir),
		newTokenCmd(&configDir),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
