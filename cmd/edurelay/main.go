package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edurelay/internal/app"
	"edurelay/internal/config"
	"edurelay/internal/logging"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "edurelay:", err)
		os.Exit(1)
	}
}

// run blocks until ctx is cancelled, a termination signal arrives or the
// server fails, then shuts down within the configured timeout.
func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	cleanup, err := logging.Init(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- application.Wait() }()

	select {
	case err = <-serveErr:
		logging.Log.Error().Err(err).Msg("Server stopped unexpectedly")
	case <-ctx.Done():
		logging.Log.Info().Msg("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(err, application.Stop(shutdownCtx))
}
