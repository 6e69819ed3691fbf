// Package main provides researchctl, the command-line client for the research
// session API.
//
// # Basic Usage
//
// Mint a development token (needs the server's key pair):
//
//	researchctl token --user alice
//
// Start a session and follow it with a live countdown:
//
//	researchctl start "solid-state batteries" --watch
//
// Inspect and control sessions:
//
//	researchctl status <id>
//	researchctl list
//	researchctl extend <id>
//	researchctl terminate <id>
//
// # Environment Variables
//
//   - DEEPRESEARCH_URL: server base URL (default: http://localhost:8080)
//   - DEEPRESEARCH_TOKEN: bearer token
//   - DEEPRESEARCH_JWT_PRIVATE_KEY / DEEPRESEARCH_JWT_PUBLIC_KEY: key pair used by "token"
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := buildRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every API command.
type globalOptions struct {
	serverURL string
	token     string
	jsonOut   bool
}

func buildRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:           "researchctl",
		Short:         "Start, inspect and control research sessions",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.serverURL, "server", envOr("DEEPRESEARCH_URL", "http://localhost:8080"), "Server base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("DEEPRESEARCH_TOKEN"), "Bearer token")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Print raw JSON")

	cmd.AddCommand(
		buildTokenCmd(),
		buildStartCmd(opts),
		buildStatusCmd(opts),
		buildListCmd(opts),
		buildTerminateCmd(opts),
		buildExtendCmd(opts),
		buildWatchCmd(opts),
	)
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
