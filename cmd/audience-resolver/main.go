// Command audience-resolver answers resolve-audience calls on the NATS broker
// from the relay's SQLite participant directory.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"edurelay/internal/audience"
	"edurelay/internal/broker/natsbroker"
	"edurelay/internal/config"
	"edurelay/internal/database"
	"edurelay/internal/logging"
	"edurelay/internal/rpc"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "audience-resolver:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.Database.Driver != config.DriverSQLite {
		return fmt.Errorf("audience resolver needs the sqlite directory, got driver %q", cfg.Database.Driver)
	}

	cleanup, err := logging.Init(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sqliteCfg := cfg.Database.SQLite
	directory, err := database.NewManager(&sqliteCfg)
	if err != nil {
		return fmt.Errorf("failed to open directory: %w", err)
	}
	defer directory.Close()

	b, err := natsbroker.Connect(cfg.Broker.URL, cfg.Broker.Name+"-resolver", cfg.Broker.ConnectTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer b.Close()

	srv := rpc.NewServer(ctx, b)
	defer srv.Close()

	if err := audience.NewResolver(directory, directory).Register(srv, cfg.RPC.AudienceTopic); err != nil {
		return fmt.Errorf("failed to register resolver: %w", err)
	}

	logging.Log.Info().Str("broker", cfg.Broker.URL).Str("topic", cfg.RPC.AudienceTopic).Msg("Audience resolver ready")
	<-ctx.Done()
	logging.Log.Info().Msg("Audience resolver stopping")
	return nil
}
