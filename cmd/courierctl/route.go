package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/logistik/backend/internal/app"
	"github.com/kimhsiao/logistik/backend/internal/models"
)

func routeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route",
		Short: "Manage routes (roteiros)",
		Long:  "Start, finalize, discard and list courier routes",
	}
	cmd.AddCommand(routeStartCmd())
	cmd.AddCommand(routeFinalizeCmd())
	cmd.AddCommand(routeDiscardCmd())
	cmd.AddCommand(routeListCmd())
	return cmd
}

func routeStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Register a route on the backend and make it active",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plate, _ := cmd.Flags().GetString("plate")
			km, _ := cmd.Flags().GetInt("km")
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				route, err := a.Routes.Start(ctx, plate, km)
				if err != nil {
					return fmt.Errorf("failed to start route: %w", err)
				}
				fmt.Fprintf(out, "%s Started route %d for %s at km %d\n", okMark, route.ID, route.VehiclePlate, route.StartKm)
				return nil
			})
		},
	}
	cmd.Flags().String("plate", "", "vehicle plate")
	cmd.Flags().Int("km", 0, "odometer reading at start")
	cmd.MarkFlagRequired("plate")
	cmd.MarkFlagRequired("km")
	return cmd
}

func routeFinalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "finalize",
		Short: "Sync and close the active route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				summary, err := a.Routes.Finalize(ctx)
				if err != nil {
					return fmt.Errorf("failed to finalize route: %w", err)
				}
				mark := okMark
				if summary.Pending > 0 {
					mark = warnMark
				}
				fmt.Fprintf(out, "%s Finalized route %d: %d recorded, %d synced, %d pending\n",
					mark, summary.Route.ID, summary.Total, summary.Synced, summary.Pending)
				return nil
			})
		},
	}
}

func routeDiscardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "discard",
		Short: "Abandon the active route",
		Long: `Abandon the active route. With --purge the route's synced occurrences
are deleted locally; unsynced ones are always kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			purge, _ := cmd.Flags().GetBool("purge")
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				purged, err := a.Routes.Discard(ctx, purge)
				if err != nil {
					return fmt.Errorf("failed to discard route: %w", err)
				}
				fmt.Fprintf(out, "%s Discarded active route", okMark)
				if purge {
					fmt.Fprintf(out, " (%d synced occurrence(s) removed)", purged)
				}
				fmt.Fprintln(out)
				return nil
			})
		},
	}
	cmd.Flags().Bool("purge", false, "delete the route's synced occurrences")
	return cmd
}

func routeListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known routes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				history, err := a.Routes.History(ctx)
				if err != nil {
					return fmt.Errorf("failed to list routes: %w", err)
				}
				if len(history) == 0 {
					fmt.Fprintln(out, "No routes found")
					return nil
				}

				fmt.Fprintf(out, "Found %d route(s):\n\n", len(history))
				for _, s := range history {
					r := s.Route
					fmt.Fprintf(out, "%-8d %-10s %s  %-9s %d/%d synced\n",
						r.ID, r.VehiclePlate, r.StartedAt.Local().Format(time.DateTime), routeStatus(r.Status), s.Synced, s.Total)
				}
				return nil
			})
		},
	}
}

func routeStatus(s models.RouteStatus) string {
	switch s {
	case models.RouteActive:
		return color.New(color.FgGreen).Sprint(string(s))
	case models.RouteDiscarded:
		return color.New(color.FgRed).Sprint(string(s))
	default:
		return string(s)
	}
}
