// Command licensectl administers licenses and admin accounts directly against
// the license database, without going through the HTTP API.
package main

import (
	"context"
	"database/sql"
	"os"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/technosupport/ts-license/internal/admins"
	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/config"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/logger"
	"github.com/technosupport/ts-license/internal/memstore"
	"github.com/technosupport/ts-license/internal/redislock"
)

const cliActor = "cli"

// backend is what every subcommand operates on.
type backend struct {
	engine   *license.Engine
	accounts *admins.Service
	close    func()
}

// openBackend is replaced in tests.
var openBackend = func(ctx context.Context, configPath string) (*backend, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	// Human-facing output goes to stdout; keep the log quiet.
	cfg.Log.Format = "console"
	if cfg.Log.Level == "info" || cfg.Log.Level == "debug" {
		cfg.Log.Level = "warn"
	}
	if _, err := logger.Setup(cfg.Log); err != nil {
		return nil, err
	}

	if cfg.DB.Driver == "memory" {
		mem := memstore.New()
		return &backend{
			engine:   license.NewEngine(license.Deps{Licenses: mem, Bindings: mem, Keys: license.NewRandomKeyGenerator(cfg.License.KeyPrefix)}, cfg.EngineConfig()),
			accounts: &admins.Service{Repo: memstore.NewAdmins()},
			close:    func() {},
		}, nil
	}

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	// Share the servers' per-license locks so renew, suspend and reinstate
	// don't interleave with a running instance.
	var (
		rdb    *redis.Client
		locker license.Locker
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			db.Close()
			return nil, err
		}
		locker = redislock.New(rdb, cfg.License.LockTTL, cfg.License.LockWait)
	}

	auditSvc := audit.NewService(db, nil)
	runCtx, cancel := context.WithCancel(context.Background())
	go auditSvc.Run(runCtx)

	models := data.NewModels(db)
	eng := license.NewEngine(license.Deps{
		Licenses: models.Licenses,
		Bindings: models.Bindings,
		Keys:     license.NewRandomKeyGenerator(cfg.License.KeyPrefix),
		Locker:   locker,
		Recorder: auditSvc,
	}, cfg.EngineConfig())

	return &backend{
		engine:   eng,
		accounts: &admins.Service{Repo: models.Admins, Audit: auditSvc},
		close: func() {
			auditSvc.Close()
			cancel()
			if rdb != nil {
				rdb.Close()
			}
			db.Close()
		},
	}, nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Error().Err(err).Msg("licensectl failed")
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "licensectl",
		Short:         "Administer licenses and admin accounts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", envOr("CONFIG_PATH", config.DefaultPath), "Path to the YAML config file")

	// withBackend opens the backend for one command run.
	withBackend := func(run func(cmd *cobra.Command, args []string, b *backend) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := license.WithActor(cmd.Context(), cliActor)
			cmd.SetContext(ctx)
			b, err := openBackend(ctx, configPath)
			if err != nil {
				return err
			}
			defer b.close()
			return run(cmd, args, b)
		}
	}

	root.AddCommand(
		runIssueCommand(withBackend),
		runRenewCommand(withBackend),
		runRevokeCommand(withBackend),
		runReinstateCommand(withBackend),
		runShowCommand(withBackend),
		runListCommand(withBackend),
		runVerifyCommand(withBackend),
		runDeactivateCommand(withBackend),
		runCreateAdminCommand(withBackend),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
