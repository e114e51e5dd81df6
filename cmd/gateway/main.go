// Package main provides the CLI entry point for the WhatsApp gateway.
//
// The gateway multiplexes many WhatsApp identities behind a single
// HTTP surface: each session is a supervised transport connection
// whose credentials are persisted to Redis and whose inbound events
// are queued in Redis for delivery to a configured webhook sink.
//
// Start the server:
//
//	gateway serve
//
// List active sessions against a running instance:
//
//	gateway sessions list --addr http://localhost:3001
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() to facilitate testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Multi-tenant WhatsApp gateway",
		Long: `gateway runs a multi-tenant WhatsApp connection service: one
supervised session per tenant, credentials persisted to Redis, and
inbound events forwarded to a configured webhook sink.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildSessionsCmd(),
	)

	return rootCmd
}
