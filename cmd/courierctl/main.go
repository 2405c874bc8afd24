// Package main is the operator CLI for the courier engine. It works on the
// same data directory as the agent.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/logistik/backend/internal/app"
	"github.com/kimhsiao/logistik/backend/internal/config"
	"github.com/kimhsiao/logistik/backend/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

var (
	okMark   = color.New(color.FgGreen).Sprint("✓")
	warnMark = color.New(color.FgYellow).Sprint("!")
	failMark = color.New(color.FgRed).Sprint("✗")
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "courierctl",
		Short:   "Inspect and drive the courier sync engine",
		Version: Version,
		Long: `courierctl operates on the local courier store: it shows sync status,
runs sync passes, manages routes and records occurrences.

Configuration comes from --config (or LOGISTIK_CONFIG) plus the
LOGISTIK_* environment overrides.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", os.Getenv("LOGISTIK_CONFIG"), "path to the YAML configuration file")
	root.PersistentFlags().Bool("offline", false, "treat the backend as unreachable")
	root.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")

	root.AddCommand(statusCmd())
	root.AddCommand(syncCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(routeCmd())
	root.AddCommand(occurrenceCmd())
	return root
}

// withApp loads configuration, opens the engine, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, out io.Writer) error) error {
	path, _ := cmd.Flags().GetString("config")
	offline, _ := cmd.Flags().GetBool("offline")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := logging.LevelError
	if verbose {
		level = logging.LevelDebug
	}
	logging.Init(cmd.ErrOrStderr(), level)

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var opts []app.Option
	if offline {
		opts = append(opts, app.StartOffline())
	}
	a, err := app.New(ctx, cfg, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Store.Degraded() {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s local store unavailable in %s\n", warnMark, cfg.DataDir)
	}
	return fn(ctx, a, cmd.OutOrStdout())
}
