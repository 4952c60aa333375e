package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/technosupport/ts-license/internal/admins"
	"github.com/technosupport/ts-license/internal/api"
	"github.com/technosupport/ts-license/internal/audit"
	"github.com/technosupport/ts-license/internal/auth"
	"github.com/technosupport/ts-license/internal/config"
	"github.com/technosupport/ts-license/internal/data"
	"github.com/technosupport/ts-license/internal/events"
	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/logger"
	"github.com/technosupport/ts-license/internal/memstore"
	"github.com/technosupport/ts-license/internal/metrics"
	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/ratelimit"
	"github.com/technosupport/ts-license/internal/redislock"
	"github.com/technosupport/ts-license/internal/session"
	"github.com/technosupport/ts-license/internal/tokens"
)

const serviceName = "ts-license"

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", config.DefaultPath), "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	lg, err := logger.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
	log.Info().Msg("Server stopped gracefully")
}

// storage is what the selected database driver provides.
type storage struct {
	licenses license.LicenseStore
	bindings license.BindingLedger
	admins   admins.Repo
	db       *sql.DB
}

func openStorage(cfg *config.Config) (*storage, error) {
	if cfg.DB.Driver == "memory" {
		log.Warn().Msg("Using in-memory storage; all data is lost on restart")
		mem := memstore.New()
		return &storage{licenses: mem, bindings: mem, admins: memstore.NewAdmins()}, nil
	}

	db, err := sql.Open("postgres", cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.DB.AutoMigrate {
		version, err := data.MigrateUp(db, cfg.DB.Migrations)
		if err != nil {
			db.Close()
			return nil, err
		}
		log.Info().Uint("version", version).Msg("Database schema up to date")
	}

	models := data.NewModels(db)
	var licenses license.LicenseStore = models.Licenses
	if cfg.License.UnknownKeyCache > 0 {
		filter, err := data.NewUnknownKeyFilter(models.Licenses, cfg.License.UnknownKeyCache, cfg.License.UnknownKeyTTL)
		if err != nil {
			db.Close()
			return nil, err
		}
		licenses = filter
	}
	return &storage{licenses: licenses, bindings: models.Bindings, admins: models.Admins, db: db}, nil
}

func run(ctx context.Context, cfg *config.Config, lg zerolog.Logger) error {
	if cfg.UsesDevSigningKey() {
		log.Warn().Msg("JWT_SIGNING_KEY is not set; using the development key")
	}

	store, err := openStorage(cfg)
	if err != nil {
		return err
	}
	if store.db != nil {
		defer store.db.Close()
	}

	collector := metrics.NewCollector()
	recorders := license.Recorders{collector}
	checks := map[string]api.Pinger{}

	// Audit trail, postgres only.
	var auditSvc *audit.Service
	if store.db != nil {
		spool, err := audit.NewSpool(cfg.Audit.SpoolDir, cfg.Audit.SpoolMaxMB)
		if err != nil {
			return err
		}
		auditSvc = audit.NewService(store.db, spool)
		recorders = append(recorders, auditSvc)
		checks["postgres"] = store.db
		collector.Watch("postgres", store.db)
	}

	// Redis backs cross-instance locks, admin sessions and rate limits.
	var (
		rdb     *redis.Client
		locker  license.Locker
		limiter *middleware.RateLimitMiddleware
	)
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		redisPing := metrics.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		checks["redis"] = redisPing
		collector.Watch("redis", redisPing)

		locker = redislock.New(rdb, cfg.License.LockTTL, cfg.License.LockWait)
		limiter = middleware.NewRateLimitMiddleware(ratelimit.NewLimiter(rdb, cfg.License.IPSalt), cfg.RateLimit, collector)
	} else {
		log.Warn().Msg("REDIS_ADDR is empty; using in-process locks, rate limiting and the admin API are disabled")
	}

	var publisher *events.NATSPublisher
	if cfg.NATS.URL != "" {
		nc, err := events.Connect(cfg.NATS.URL, serviceName)
		if err != nil {
			return err
		}
		defer nc.Drain()
		publisher = events.NewNATSPublisher(nc, cfg.NATS.SubjectPrefix, cfg.NATS.MaxRetries)
		recorders = append(recorders, publisher)
		collector.Watch("nats", metrics.PingFunc(func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return errors.New("nats not connected")
			}
			return nil
		}))
	}

	engine := license.NewEngine(license.Deps{
		Licenses: store.licenses,
		Bindings: store.bindings,
		Locker:   locker,
		Keys:     license.NewRandomKeyGenerator(cfg.License.KeyPrefix),
		Recorder: recorders,
	}, cfg.EngineConfig())

	handlers := api.Handlers{
		License: &api.LicenseHandler{Engine: engine},
		Health:  &api.HealthHandler{Checks: checks},
		Metrics: collector.Handler(),
	}
	routerCfg := api.RouterConfig{
		Logger:         lg,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.WriteTimeout,
		Observer:       collector,
		RateLimit:      limiter,
	}

	if rdb != nil {
		tokenMgr := tokens.NewManager(cfg.JWT.SigningKey).WithTTL(cfg.JWT.AccessTTL, cfg.JWT.RefreshTTL)
		blacklist := auth.NewRedisBlacklist(rdb)
		accounts := &admins.Service{
			Repo:      store.admins,
			Sessions:  session.NewManager(rdb),
			Tokens:    tokenMgr,
			Blacklist: blacklist,
		}
		adminHandler := &api.AdminLicenseHandler{Engine: engine}
		if auditSvc != nil {
			accounts.Audit = auditSvc
			adminHandler.Activity = auditSvc
			handlers.Audit = &api.AuditHandler{Service: auditSvc}
			routerCfg.AuditSink = auditSvc
		}
		handlers.Admin = adminHandler
		handlers.Auth = &api.AuthHandler{Accounts: accounts, Tokens: tokenMgr}
		routerCfg.JWT = middleware.NewJWTAuth(tokenMgr, blacklist, admins.PermissionsFor)
	}

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           api.NewRouter(handlers, routerCfg),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout + 5*time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	// Background workers stop with bgCtx, after the HTTP server has drained,
	// so that late audit and NATS events are still delivered.
	bgCtx, cancelBG := context.WithCancel(context.Background())
	defer cancelBG()
	var bg errgroup.Group

	if auditSvc != nil {
		bg.Go(func() error { return auditSvc.Run(bgCtx) })
		auditSvc.StartReplayer(bgCtx, cfg.Audit.ReplayInterval)
	}
	if publisher != nil {
		bg.Go(func() error { return publisher.Run(bgCtx) })
	}
	bg.Go(func() error {
		collector.Start(bgCtx, 30*time.Second)
		return nil
	})

	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Str("driver", cfg.DB.Driver).Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	if auditSvc != nil {
		auditSvc.Close()
	}
	cancelBG()
	if bgErr := bg.Wait(); bgErr != nil && err == nil {
		err = bgErr
	}
	if publisher != nil && publisher.Dropped() > 0 {
		log.Warn().Int64("dropped", publisher.Dropped()).Msg("License events dropped while publishing")
	}
	return err
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
