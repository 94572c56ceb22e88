// Command migrate applies the embedded goose migrations.
//
// Usage:
//
//	go run ./cmd/migrate up        # Apply all pending migrations
//	go run ./cmd/migrate down      # Roll back the last migration
//	go run ./cmd/migrate redo      # Roll back and re-apply the last migration
//	go run ./cmd/migrate status    # Show migration status
//	go run ./cmd/migrate version   # Show current schema version
//	go run ./cmd/migrate reset     # Roll back everything
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"escrow-payments/internal/config"
	"escrow-payments/internal/database"
	"escrow-payments/internal/logging"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, redo, status, version, reset")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logging.New(cfg.LogLevel, cfg.LogFormat))

	ctx := context.Background()
	db, err := database.NewPostgres(ctx, cfg.PostgresDSN())
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.Run(ctx, db, os.Args[1]); err != nil {
		slog.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}
