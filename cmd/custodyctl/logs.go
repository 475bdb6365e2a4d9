package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"key-custody-service/internal/usecase"
)

// logsCmd は鍵再構築の監査ログを新しい順に表示する。
func logsCmd() *cobra.Command {
	var userID string
	var limit int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent key reconstruction audit logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			logs, err := a.reconstruction.GetRecentLogs(ctx, userID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, logs)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED_AT\tPURPOSE\tSHARDS\tSUCCESS\tREASON")
			for _, l := range logs {
				reason := "-"
				if l.FailureReason != nil {
					reason = *l.FailureReason
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					l.CreatedAt.UTC().Format(time.RFC3339), l.Purpose, strings.Join(l.ShardsUsed, ","), l.Success, reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.Flags().IntVar(&limit, "limit", usecase.DefaultRecentLogLimit, "Maximum number of entries")
	cmd.MarkFlagRequired("user")
	return cmd
}

// rateLimitCmd は直近60分の試行回数が上限内かどうかを表示する。
func rateLimitCmd() *cobra.Command {
	var userID string
	var maxAttempts int
	cmd := &cobra.Command{
		Use:   "rate-limit",
		Short: "Check whether a user may attempt another reconstruction",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if maxAttempts <= 0 {
				maxAttempts = cfg.ReconstructMaxAttempts
			}
			allowed, err := a.reconstruction.CanReconstruct(ctx, userID, maxAttempts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output == "json" {
				return writeJSON(out, map[string]interface{}{
					"user_uuid":    userID,
					"allowed":      allowed,
					"max_attempts": maxAttempts,
				})
			}
			if allowed {
				fmt.Fprintf(out, "User %q may reconstruct (limit %d per hour)\n", userID, maxAttempts)
			} else {
				fmt.Fprintf(out, "User %q has reached the limit of %d attempts per hour\n", userID, maxAttempts)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User UUID (required)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Override RECONSTRUCT_MAX_ATTEMPTS")
	cmd.MarkFlagRequired("user")
	return cmd
}
