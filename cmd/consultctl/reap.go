package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pscheid92/consultline/internal/domain"
)

func newReapCmd(e *env, opts *options) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Mark stale ringing sessions missed and end orphaned active sessions",
		Long: `Runs one reaper pass without adopting sessions. Ringing sessions older
than --ring-timeout become missed; active sessions that no instance is billing
and that have been silent for --stale-after are ended as orphans.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			if dryRun {
				now := e.clock.Now()
				ringing, err := e.sessions.ListByStatus(ctx, domain.StatusRequested, now.Add(-opts.ringTimeout))
				if err != nil {
					return err
				}
				stale, err := e.sessions.ListByStatus(ctx, domain.StatusActive, now.Add(-opts.staleAfter))
				if err != nil {
					return err
				}
				for _, s := range ringing {
					slog.Info("Would mark missed", "session_id", s.ID, "requested_at", s.RequestedAt)
				}
				for _, s := range stale {
					slog.Info("Would end if unbilled", "session_id", s.ID, "last_activity", s.LastActivity())
				}
				return printJSON(cmd.OutOrStdout(), map[string]int{
					"ringing": len(ringing),
					"stale":   len(stale),
				})
			}

			report, err := e.sessionSvc.ReapStale(ctx, false)
			if err != nil {
				return fmt.Errorf("reap failed: %w", err)
			}
			slog.Info("Reap complete", "missed", report.Missed, "ended", report.Ended)
			return printJSON(cmd.OutOrStdout(), report)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List candidates without changing anything")
	return cmd
}
