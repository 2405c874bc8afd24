package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/logistik/backend/internal/app"
	syncpkg "github.com/kimhsiao/logistik/backend/internal/sync"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending occurrences and the active route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				st := a.Engine.Status(ctx)
				pending := color.New(color.FgGreen).Sprint(st.PendingCount)
				if st.PendingCount > 0 {
					pending = color.New(color.FgYellow).Sprint(st.PendingCount)
				}
				fmt.Fprintf(out, "Pending occurrences: %s\n", pending)

				summary, ok, err := a.Routes.Active(ctx)
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(out, "Active route: none")
					return nil
				}
				r := summary.Route
				fmt.Fprintf(out, "Active route: %d (%s, km %d)\n", r.ID, r.VehiclePlate, r.StartKm)
				fmt.Fprintf(out, "  started %s, %s ago\n", r.StartedAt.Local().Format(time.RFC822), r.Duration(time.Now()).Round(time.Minute))
				fmt.Fprintf(out, "  %d recorded, %d synced, %d pending\n", summary.Total, summary.Synced, summary.Pending)
				return nil
			})
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send pending occurrences to the backend",
		Long: `Probe the backend, then send every pending occurrence in the chosen
scope. Records that fail stay pending and are retried on the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("scope")
			if raw != string(syncpkg.ScopeAll) && raw != string(syncpkg.ScopeActiveRoute) {
				return fmt.Errorf("--scope must be all or active, got %q", raw)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				sum := a.Scheduler.SyncNow(ctx, syncpkg.ParseScope(raw))
				printSummary(out, sum)
				if sum.Outcome == syncpkg.OutcomeFailed {
					return fmt.Errorf("sync failed: %s", sum.Message())
				}
				return nil
			})
		},
	}
	cmd.Flags().String("scope", string(syncpkg.ScopeAll), "which records to send: all or active")
	return cmd
}

func printSummary(out io.Writer, sum syncpkg.Summary) {
	mark := okMark
	switch sum.Outcome {
	case syncpkg.OutcomePartial, syncpkg.OutcomeOffline, syncpkg.OutcomeSkipped:
		mark = warnMark
	case syncpkg.OutcomeFailed:
		mark = failMark
	}
	fmt.Fprintf(out, "%s %s\n", mark, sum.Message())
	if sum.Attempted > 0 {
		fmt.Fprintf(out, "  attempted %d, synced %d, failed %d\n", sum.Attempted, sum.Synced, sum.Failed)
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Probe the backend and the photo bucket",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				var failed bool
				if a.Remote.CheckConnection(ctx) {
					fmt.Fprintf(out, "%s backend reachable at %s\n", okMark, a.Config.API.BaseURL)
				} else {
					fmt.Fprintf(out, "%s backend unreachable at %s\n", failMark, a.Config.API.BaseURL)
					failed = true
				}

				if a.Bucket != nil {
					if err := a.Bucket.TestConnection(ctx); err != nil {
						fmt.Fprintf(out, "%s photo bucket %s: %v\n", failMark, a.Bucket.Bucket(), err)
						failed = true
					} else {
						fmt.Fprintf(out, "%s photo bucket %s reachable\n", okMark, a.Bucket.Bucket())
					}
				}

				if failed {
					return fmt.Errorf("connectivity check failed")
				}
				return nil
			})
		},
	}
}
