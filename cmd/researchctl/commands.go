package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// =============================================================================
// Command builders
// =============================================================================

func buildTokenCmd() *cobra.Command {
	var (
		userID     string
		name       string
		privateKey string
		publicKey  string
		expiration time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a user (development)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, userID, name, privateKey, publicKey, expiration)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User ID to put in the token subject")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&privateKey, "private-key", os.Getenv("DEEPRESEARCH_JWT_PRIVATE_KEY"), "Ed25519 private key PEM")
	cmd.Flags().StringVar(&publicKey, "public-key", os.Getenv("DEEPRESEARCH_JWT_PUBLIC_KEY"), "Ed25519 public key PEM")
	cmd.Flags().DurationVar(&expiration, "ttl", 24*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildStartCmd(opts *globalOptions) *cobra.Command {
	var (
		timeLimit  time.Duration
		watch      bool
		autoExtend bool
	)
	cmd := &cobra.Command{
		Use:   "start <topic>",
		Short: "Start a research session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, opts, args[0], timeLimit, watch, autoExtend)
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "Budget (server default when zero)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Follow the session until it finishes")
	cmd.Flags().BoolVar(&autoExtend, "auto-extend", false, "With --watch, request an extension whenever one is offered")
	return cmd
}

func buildStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, opts, args[0])
		},
	}
}

func buildListCmd(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, opts, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Max number of sessions to return")
	return cmd
}

func buildTerminateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "terminate <id>",
		Short: "Stop a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTerminate(cmd, opts, args[0])
		},
	}
}

func buildExtendCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "extend <id>",
		Short: "Request more time for a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExtend(cmd, opts, args[0])
		},
	}
}

func buildWatchCmd(opts *globalOptions) *cobra.Command {
	var (
		timeLimit  time.Duration
		autoExtend bool
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Follow a session with a live countdown",
		Long: "Follow a session's status stream until it finishes. The countdown needs the\n" +
			"session's budget, which the status projection does not carry; pass --time-limit\n" +
			"to show it.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts, args[0], timeLimit, autoExtend)
		},
	}
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 0, "Session budget for the countdown")
	cmd.Flags().BoolVar(&autoExtend, "auto-extend", false, "Request an extension whenever one is offered")
	return cmd
}
