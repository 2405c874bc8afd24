package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/logistik/backend/internal/app"
	"github.com/kimhsiao/logistik/backend/internal/geo"
	"github.com/kimhsiao/logistik/backend/internal/models"
	"github.com/kimhsiao/logistik/backend/internal/services"
)

func occurrenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "occurrence",
		Aliases: []string{"occ"},
		Short:   "Record and list occurrences",
	}
	cmd.AddCommand(occurrenceAddCmd())
	cmd.AddCommand(occurrenceListCmd())
	return cmd
}

func typeNames() string {
	names := make([]string, len(models.AllOccurrenceTypes))
	for i, t := range models.AllOccurrenceTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}

func occurrenceAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an occurrence and try to send it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, _ := cmd.Flags().GetString("code")
			typ, _ := cmd.Flags().GetString("type")
			receiver, _ := cmd.Flags().GetString("receiver")
			document, _ := cmd.Flags().GetString("document")
			photos, _ := cmd.Flags().GetStringSlice("photo")

			sub := services.Submission{
				Code:             code,
				Type:             models.OccurrenceType(typ),
				ReceiverName:     receiver,
				ReceiverDocument: document,
			}
			if cmd.Flags().Changed("lat") || cmd.Flags().Changed("lon") {
				lat, _ := cmd.Flags().GetFloat64("lat")
				lon, _ := cmd.Flags().GetFloat64("lon")
				sub.Locator = geo.Fixed{Lat: lat, Lon: lon}
			}
			for _, path := range photos {
				raw, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read photo: %w", err)
				}
				sub.Photos = append(sub.Photos, raw)
			}

			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				res, err := a.Occurrences.Submit(ctx, sub)
				if err != nil {
					return fmt.Errorf("failed to record occurrence: %w", err)
				}
				mark := okMark
				if !res.Synced {
					mark = warnMark
				}
				fmt.Fprintf(out, "%s Occurrence %d: %s\n", mark, res.ID, res.Message)
				for _, skipped := range res.SkippedPhotos {
					fmt.Fprintf(out, "  %s photo %s skipped: %s\n", warnMark, photos[skipped.Index], skipped.Reason)
				}
				if !res.Located {
					fmt.Fprintln(out, "  no location recorded")
				}
				return nil
			})
		},
	}
	cmd.Flags().String("code", "", "shipment (CT-e) code")
	cmd.Flags().String("type", "", "occurrence type: "+typeNames())
	cmd.Flags().String("receiver", "", "receiver name (required for deliveries)")
	cmd.Flags().String("document", "", "receiver document (required for deliveries)")
	cmd.Flags().StringSlice("photo", nil, "photo file to attach (repeatable)")
	cmd.Flags().Float64("lat", 0, "latitude of the occurrence")
	cmd.Flags().Float64("lon", 0, "longitude of the occurrence")
	cmd.MarkFlagRequired("code")
	cmd.MarkFlagRequired("type")
	return cmd
}

func occurrenceListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List occurrences of the active route, or of --route",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			routeID, _ := cmd.Flags().GetInt64("route")
			return withApp(cmd, func(ctx context.Context, a *app.App, out io.Writer) error {
				var (
					items []*models.Occurrence
					err   error
				)
				if cmd.Flags().Changed("route") {
					items, err = a.Routes.Occurrences(ctx, routeID)
				} else {
					items, err = a.Occurrences.List(ctx)
				}
				if err != nil {
					return fmt.Errorf("failed to list occurrences: %w", err)
				}
				if len(items) == 0 {
					fmt.Fprintln(out, "No occurrences found")
					return nil
				}

				fmt.Fprintf(out, "Found %d occurrence(s):\n\n", len(items))
				for _, o := range items {
					mark := okMark
					if !o.Synced() {
						mark = warnMark
					}
					fmt.Fprintf(out, "  %s %-6d %-14s %-11s %s", mark, o.ID, o.Code, o.Type, o.Timestamp.Local().Format(time.DateTime))
					if o.LastError != "" && !o.Synced() {
						fmt.Fprintf(out, "  (%s)", o.LastError)
					}
					fmt.Fprintln(out)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64("route", 0, "route id")
	return cmd
}
