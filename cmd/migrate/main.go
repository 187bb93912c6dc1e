package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"

	"github.com/sarathsp06/herald/internal/config"
	"github.com/sarathsp06/herald/internal/logger"
)

func main() {
	var (
		direction = flag.String("direction", "up", "Migration direction: up, down")
		steps     = flag.Int("steps", 0, "Number of migration steps (0 for all)")
		version   = flag.Uint("version", 0, "Target migration version")
		source    = flag.String("source", "file://db/migrations", "Location of the herald schema migrations")
		skipRiver = flag.Bool("skip-river", false, "Do not migrate the River job tables")
	)
	flag.Parse()

	log := logger.NewLogger("migration")

	cfg, err := config.Load()
	if err != nil {
		log.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.DatabaseURL == "" {
		log.Error("DATABASE_URL is required for migrations")
		os.Exit(1)
	}
	log.Info("Starting database migration",
		"database_url", redact(cfg.DatabaseURL),
		"direction", *direction,
	)

	ctx := context.Background()

	// River tables are only needed by the river scheduler, but migrating
	// them unconditionally keeps switching schedulers a config change.
	if !*skipRiver && *direction == "up" {
		if err := runRiverMigrations(ctx, cfg.DatabaseURL, log); err != nil {
			log.Error("Failed to run River migrations", "error", err)
			os.Exit(1)
		}
	}

	if err := runAppMigrations(cfg.DatabaseURL, *source, *direction, *steps, *version, log); err != nil {
		log.Error("Failed to run application migrations", "error", err)
		os.Exit(1)
	}

	log.Info("All migrations completed successfully")
}

// redact hides the password of a database URL.
func redact(databaseURL string) string {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}

func runRiverMigrations(ctx context.Context, databaseURL string, log *slog.Logger) error {
	log.Info("Running River queue migrations...")

	dbPool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer dbPool.Close()

	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(dbPool), nil)
	if err != nil {
		return fmt.Errorf("failed to create River migrator: %w", err)
	}

	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, &rivermigrate.MigrateOpts{})
	if err != nil {
		return fmt.Errorf("failed to run River migrations: %w", err)
	}

	for _, v := range res.Versions {
		log.Info("Applied River migration", "version", v.Version, "name", v.Name)
	}
	if len(res.Versions) == 0 {
		log.Info("No River migrations needed - database is already up to date")
	}
	return nil
}

func runAppMigrations(databaseURL, source, direction string, steps int, targetVersion uint, log *slog.Logger) error {
	log.Info("Running application migrations...", "source", source)

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	defer m.Close()

	currentVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}
	if dirty {
		log.Warn("Database is in dirty state, forcing version", "version", currentVersion)
		if err := m.Force(int(currentVersion)); err != nil {
			return fmt.Errorf("failed to force version: %w", err)
		}
	}
	log.Info("Current migration state", "version", currentVersion, "dirty", dirty)

	if err := apply(m, direction, steps, targetVersion); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	finalVersion, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to get final migration version: %w", err)
	}
	log.Info("Application migrations completed", "final_version", finalVersion, "dirty", dirty)
	return nil
}

// apply runs one migration request. A target version wins over steps; with
// neither, up goes to the latest version and down goes back one step.
func apply(m *migrate.Migrate, direction string, steps int, targetVersion uint) error {
	if direction != "up" && direction != "down" {
		return fmt.Errorf("invalid direction: %s (must be 'up' or 'down')", direction)
	}
	switch {
	case targetVersion > 0:
		if err := m.Migrate(targetVersion); err != nil {
			return fmt.Errorf("failed to migrate to version %d: %w", targetVersion, err)
		}
	case direction == "up" && steps > 0:
		if err := m.Steps(steps); err != nil {
			return fmt.Errorf("failed to migrate %d steps up: %w", steps, err)
		}
	case direction == "up":
		if err := m.Up(); err != nil {
			return fmt.Errorf("failed to migrate up: %w", err)
		}
	case steps > 0:
		if err := m.Steps(-steps); err != nil {
			return fmt.Errorf("failed to migrate %d steps down: %w", steps, err)
		}
	default:
		if err := m.Steps(-1); err != nil {
			return fmt.Errorf("failed to migrate down: %w", err)
		}
	}
	return nil
}
