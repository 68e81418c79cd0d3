package main

import (
	"context"
	"fmt"
	"os"

	"PerpCore/internal/observability"
	"PerpCore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down>")
		fmt.Println("  up   - apply all pending migrations")
		fmt.Println("  down - roll back the last migration")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  POSTGRES_URL - Postgres connection string")
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	pgURL := os.Getenv("POSTGRES_URL")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/perpcore?sslmode=disable"
	}

	archive, err := store.OpenArchive(pgURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("open archive")
	}
	defer archive.Close()

	ctx := context.Background()
	switch os.Args[1] {
	case "up":
		if err := archive.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := archive.MigrateDown(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up' or 'down')\n", os.Args[1])
		os.Exit(1)
	}
}
