// Package main runs the courier agent: the sync engine plus a loopback
// REST/WebSocket surface for the UI.
package main

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/logistik/backend/internal/app"
	"github.com/kimhsiao/logistik/backend/internal/config"
	"github.com/kimhsiao/logistik/backend/internal/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadConfig(os.Getenv("LOGISTIK_CONFIG"))
	if err != nil {
		logging.Init(os.Stdout, logging.LevelInfo)
		logging.Error("failed to load configuration", err)
		os.Exit(1)
	}
	logging.Init(os.Stdout, logging.ParseLevel(cfg.Log.Level))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, nil); err != nil {
		logging.Error("courier agent stopped", err)
		os.Exit(1)
	}
}

// run starts the engine, the hub and the HTTP server and blocks until ctx
// is done or one of them fails. onListen receives the bound address.
func run(ctx context.Context, cfg *config.Config, onListen func(addr string)) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	lis, err := net.Listen("tcp", cfg.Agent.HTTPAddr)
	if err != nil {
		return err
	}
	if onListen != nil {
		onListen(lis.Addr().String())
	}

	hub := NewWSHub()
	detach := bridgeEvents(a, hub)
	defer detach()

	srv := &http.Server{
		Handler:           newRouter(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(ctx) })
	g.Go(func() error { return a.Run(ctx) })
	g.Go(func() error {
		logging.Info("courier agent listening", map[string]interface{}{"addr": lis.Addr().String()})
		if err := srv.Serve(lis); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
