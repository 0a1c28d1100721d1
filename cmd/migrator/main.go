package main

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/quickreceipts/quickreceipts/internal/receipt"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	fs := ff.NewFlagSet("quickreceipts-migrator")
	var (
		direction = fs.StringLong("type", "up", "Migration direction: 'up' or 'down'")
		pgHost    = fs.StringLong("pg-host", "127.0.0.1", "PostgreSQL host")
		pgPort    = fs.StringLong("pg-port", "5432", "PostgreSQL port")
		pgUser    = fs.StringLong("pg-username", "", "PostgreSQL username")
		pgPass    = fs.StringLong("pg-password", "", "PostgreSQL password")
		pgDB      = fs.StringLong("pg-dbname", "", "PostgreSQL database name")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("QUICKRECEIPTS"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *pgUser == "" || *pgDB == "" {
		slog.Error("PostgreSQL username and database name are required")
		os.Exit(1)
	}

	cfg := receipt.PostgresConfig{
		Host:     *pgHost,
		Port:     *pgPort,
		Username: *pgUser,
		Password: *pgPass,
		DBName:   *pgDB,
	}

	if err := run(*direction, cfg); err != nil {
		slog.Error("Migration failed", "type", *direction, "error", err)
		os.Exit(1)
	}
}

func run(direction string, cfg receipt.PostgresConfig) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}

	migrator, err := migrate.NewWithSourceInstance("iofs", src, cfg.URL())
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer migrator.Close()

	switch direction {
	case "up":
		err = migrator.Up()
	case "down":
		err = migrator.Down()
	default:
		return fmt.Errorf("unknown migration type %q, want 'up' or 'down'", direction)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		slog.Info("No migrations to apply")
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	slog.Info("Migrations applied", "type", direction)
	return nil
}
