package main

import (
	"database/sql"
	"errors"
	"flag"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/technosupport/ts-license/internal/config"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/logger"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", config.DefaultPath), "Path to the YAML config file")
	source := flag.String("path", "", "Migration source URL (default db.migrations from config)")
	upCmd := flag.Bool("up", false, "Run all up migrations")
	downCmd := flag.Bool("down", false, "Rollback all migrations")
	stepsCmd := flag.Int("steps", 0, "Run +/- steps")
	force := flag.Int("force", -1, "Force the schema version and clear the dirty flag")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	if _, err := logger.Setup(cfg.Log); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}
	if cfg.DB.Driver != "postgres" {
		log.Fatal().Str("driver", cfg.DB.Driver).Msg("Migrations only apply to the postgres driver")
	}

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Msg("Failed to ping database")
	}

	if *source == "" {
		*source = cfg.DB.Migrations
	}
	m, err := data.NewMigrator(db, *source)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize migrate")
	}
	defer m.Close()

	start := time.Now()
	switch {
	case *force >= 0:
		log.Info().Int("version", *force).Msg("Forcing schema version")
		if err := m.Force(*force); err != nil {
			log.Fatal().Err(err).Msg("Force failed")
		}
	case *upCmd:
		log.Info().Msg("Running UP migrations")
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Migration UP failed")
		}
	case *downCmd:
		log.Info().Msg("Running DOWN migrations")
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Migration DOWN failed")
		}
	case *stepsCmd != 0:
		log.Info().Int("steps", *stepsCmd).Msg("Running migration steps")
		if err := m.Steps(*stepsCmd); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal().Err(err).Msg("Migration steps failed")
		}
	default:
		log.Info().Msg("No command specified. Use -up, -down, -steps or -force.")
	}

	version, dirty, err := m.Version()
	if err != nil {
		log.Info().Msg("No version found (empty db?)")
	} else {
		log.Info().Uint("version", version).Bool("dirty", dirty).Msg("Current schema version")
	}
	log.Info().Dur("duration", time.Since(start)).Msg("Done")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
