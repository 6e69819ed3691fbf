package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/angelododaro/open-deep-research/internal/auth"
	"github.com/angelododaro/open-deep-research/sdk/go/research"
)

// =============================================================================
// Command handlers
// =============================================================================

func runToken(cmd *cobra.Command, userID, name, privateKey, publicKey string, ttl time.Duration) error {
	if privateKey == "" || publicKey == "" {
		return fmt.Errorf("--private-key and --public-key are required (tokens from an ephemeral key would not validate)")
	}
	mgr, err := auth.NewJWTManager(privateKey, publicKey, ttl)
	if err != nil {
		return err
	}
	token, expires, err := mgr.IssueToken(userID, name)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
	return nil
}

func newClient(opts *globalOptions) (*research.Client, error) {
	if opts.token == "" {
		return nil, fmt.Errorf("no token: pass --token or set DEEPRESEARCH_TOKEN")
	}
	return research.NewClient(research.Config{BaseURL: opts.serverURL, Token: opts.token})
}

func runStart(cmd *cobra.Command, opts *globalOptions, topic string, timeLimit time.Duration, watch, autoExtend bool) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	started, err := client.Start(cmd.Context(), research.StartRequest{
		Topic:            topic,
		TimeLimitSeconds: int(timeLimit / time.Second),
	})
	if err != nil {
		return err
	}
	if opts.jsonOut {
		if err := printJSON(cmd.OutOrStdout(), started); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "started %s (%s, budget %s)\n",
			started.ID, started.Status, time.Duration(started.TimeLimitSeconds)*time.Second)
	}
	if !watch {
		return nil
	}
	return follow(cmd.Context(), cmd.OutOrStdout(), client, started.ID, started.Countdown(), autoExtend)
}

func runStatus(cmd *cobra.Command, opts *globalOptions, id string) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	s, err := client.Status(cmd.Context(), id)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return printJSON(cmd.OutOrStdout(), s)
	}
	fmt.Fprintln(cmd.OutOrStdout(), formatSession(*s))
	return nil
}

func runList(cmd *cobra.Command, opts *globalOptions, limit int) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	sessions, err := client.List(cmd.Context(), limit)
	if err != nil {
		return err
	}
	if opts.jsonOut {
		return printJSON(cmd.OutOrStdout(), sessions)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDEPTH\tSTEPS\tSTARTED\tTOPIC")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d/%d\t%s\t%s\n",
			s.ID, s.Status, s.Progress.CurrentDepth,
			s.Progress.CompletedSteps, s.Progress.TotalSteps,
			s.StartTime.Local().Format(time.DateTime), truncate(s.Topic, 40))
	}
	return w.Flush()
}

func runTerminate(cmd *cobra.Command, opts *globalOptions, id string) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	res, err := client.Terminate(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printCommandResult(cmd.OutOrStdout(), opts, res)
}

func runExtend(cmd *cobra.Command, opts *globalOptions, id string) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	res, err := client.ExtendTimeout(cmd.Context(), id)
	if err != nil {
		return err
	}
	return printCommandResult(cmd.OutOrStdout(), opts, res)
}

func runWatch(cmd *cobra.Command, opts *globalOptions, id string, timeLimit time.Duration, autoExtend bool) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	var countdown *research.Countdown
	if timeLimit > 0 {
		s, err := client.Status(cmd.Context(), id)
		if err != nil {
			return err
		}
		countdown = research.NewCountdown(s.StartTime, timeLimit)
	}
	return follow(cmd.Context(), cmd.OutOrStdout(), client, id, countdown, autoExtend)
}

// follow prints status updates until the session finishes. With a countdown,
// the remaining time is printed every second alongside them.
func follow(ctx context.Context, out io.Writer, client *research.Client, id string, countdown *research.Countdown, autoExtend bool) error {
	var mu sync.Mutex
	printf := func(format string, args ...any) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, format, args...)
	}

	watchCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	if countdown != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			countdown.Run(watchCtx, research.DefaultTick, func(remaining time.Duration) {
				if !countdown.ShouldOfferExtension(time.Now()) {
					printf("remaining %s\n", remaining.Round(time.Second))
					return
				}
				if !autoExtend {
					printf("remaining %s (run: researchctl extend %s)\n", remaining.Round(time.Second), id)
					return
				}
				if _, err := client.ExtendTimeout(watchCtx, id); err != nil {
					printf("remaining %s (extension failed: %v)\n", remaining.Round(time.Second), err)
					return
				}
				countdown.ApplyOptimisticExtension()
				printf("remaining %s (extension requested)\n", countdown.Remaining(time.Now()).Round(time.Second))
			})
		}()
	}

	err := client.Watch(watchCtx, id, func(s research.Session) {
		printf("%s\n", formatSession(s))
	})
	stop()
	wg.Wait()
	return err
}

func formatSession(s research.Session) string {
	return fmt.Sprintf("%s  %-20s depth=%d steps=%d/%d  %s",
		s.ID, s.Status, s.Progress.CurrentDepth,
		s.Progress.CompletedSteps, s.Progress.TotalSteps, truncate(s.Topic, 60))
}

func printCommandResult(out io.Writer, opts *globalOptions, res *research.CommandResult) error {
	if opts.jsonOut {
		return printJSON(out, res)
	}
	fmt.Fprintf(out, "%s (status: %s)\n", res.Message, res.Status)
	return nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
