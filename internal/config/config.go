// Package config loads service settings from defaults, a YAML file and the
// environment, in that order of precedence (environment wins).
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/technosupport/ts-license/internal/license"
	"github.com/technosupport/ts-license/internal/middleware"
	"github.com/technosupport/ts-license/internal/ratelimit"
)

const (
	DefaultPath   = "config/default.yaml"
	devSigningKey = "dev-secret-do-not-use-in-prod"
)

type Config struct {
	Server    ServerConfig      `yaml:"server" envconfig:"SERVER"`
	DB        DBConfig          `yaml:"db"`
	Redis     RedisConfig       `yaml:"redis" envconfig:"REDIS"`
	NATS      NATSConfig        `yaml:"nats" envconfig:"NATS"`
	JWT       JWTConfig         `yaml:"jwt" envconfig:"JWT"`
	Log       LogConfig         `yaml:"log" envconfig:"LOG"`
	License   LicenseConfig     `yaml:"license" envconfig:"LICENSE"`
	Audit     AuditConfig       `yaml:"audit" envconfig:"AUDIT"`
	RateLimit middleware.Config `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" split_words:"true"`
	WriteTimeout    time.Duration `yaml:"write_timeout" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
	AllowedOrigins  []string      `yaml:"allowed_origins" split_words:"true"`
}

type DBConfig struct {
	// Driver is "postgres" or "memory". Memory keeps nothing across restarts.
	Driver       string `yaml:"driver"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	User         string `yaml:"user"`
	Password     string `yaml:"password"`
	Name         string `yaml:"name"`
	SSLMode      string `yaml:"sslmode"`
	MaxOpenConns int    `yaml:"max_open_conns" split_words:"true"`
	MaxIdleConns int    `yaml:"max_idle_conns" split_words:"true"`
	// AutoMigrate applies pending migrations from Migrations at server start.
	AutoMigrate bool   `yaml:"auto_migrate" split_words:"true"`
	Migrations  string `yaml:"migrations"`
}

// DSN renders a lib/pq connection URL.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

type RedisConfig struct {
	// Empty Addr runs without Redis: in-process locks, no rate limiting,
	// and the admin API disabled.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type NATSConfig struct {
	// Empty URL disables event publishing.
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix" split_words:"true"`
	MaxRetries    int    `yaml:"max_retries" split_words:"true"`
}

type JWTConfig struct {
	SigningKey string        `yaml:"signing_key" split_words:"true"`
	AccessTTL  time.Duration `yaml:"access_ttl" split_words:"true"`
	RefreshTTL time.Duration `yaml:"refresh_ttl" split_words:"true"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or console
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" split_words:"true"`
	MaxBackups int    `yaml:"max_backups" split_words:"true"`
	MaxAgeDays int    `yaml:"max_age_days" split_words:"true"`
}

type LicenseConfig struct {
	KeyPrefix          string        `yaml:"key_prefix" split_words:"true"`
	DefaultProduct     string        `yaml:"default_product" split_words:"true"`
	DefaultPlan        string        `yaml:"default_plan" split_words:"true"`
	DefaultMaxDevices  int           `yaml:"default_max_devices" split_words:"true"`
	DefaultMaxUsers    int           `yaml:"default_max_users" split_words:"true"`
	ReactivationPolicy string        `yaml:"reactivation_policy" split_words:"true"`
	LockTTL            time.Duration `yaml:"lock_ttl" split_words:"true"`
	LockWait           time.Duration `yaml:"lock_wait" split_words:"true"`
	UnknownKeyCache    int           `yaml:"unknown_key_cache" split_words:"true"`
	UnknownKeyTTL      time.Duration `yaml:"unknown_key_ttl" split_words:"true"`
	IPSalt             string        `yaml:"ip_salt" split_words:"true"`
}

type AuditConfig struct {
	SpoolDir       string        `yaml:"spool_dir" split_words:"true"`
	SpoolMaxMB     int64         `yaml:"spool_max_mb" split_words:"true"`
	ReplayInterval time.Duration `yaml:"replay_interval" split_words:"true"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		DB: DBConfig{
			Driver:       "postgres",
			Host:         "localhost",
			Port:         5432,
			User:         "postgres",
			Name:         "ts_license",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			Migrations:   "file://db/migrations",
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  NATSConfig{SubjectPrefix: "license.events", MaxRetries: 3},
		JWT: JWTConfig{
			SigningKey: devSigningKey,
			AccessTTL:  time.Hour,
			RefreshTTL: 12 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		License: LicenseConfig{
			KeyPrefix:          license.DefaultProduct,
			DefaultProduct:     license.DefaultProduct,
			DefaultPlan:        license.DefaultPlan,
			DefaultMaxDevices:  license.DefaultMaxDevices,
			DefaultMaxUsers:    license.DefaultMaxUsers,
			ReactivationPolicy: string(license.ReactivateWithinQuota),
			LockTTL:            10 * time.Second,
			LockWait:           3 * time.Second,
			UnknownKeyCache:    10000,
			UnknownKeyTTL:      time.Minute,
		},
		Audit: AuditConfig{SpoolMaxMB: 1024, ReplayInterval: 30 * time.Second},
		RateLimit: middleware.Config{
			GlobalIP: ratelimit.LimitConfig{Rate: 600, Window: time.Minute},
			Verify:   ratelimit.LimitConfig{Rate: 60, Window: time.Minute},
			Admin:    ratelimit.LimitConfig{Rate: 300, Window: time.Minute},
			Login:    ratelimit.LimitConfig{Rate: 5, Window: 15 * time.Minute},
		},
	}
}

// Load reads path (skipped when it does not exist) over the defaults, then
// applies environment variables named SECTION_FIELD, e.g. DB_HOST or
// JWT_SIGNING_KEY.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrapf(err, "read %s", path)
		}
	}

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "load config from env")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var problems []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" || c.DB.Name == "" {
			problems = append(problems, "db.host and db.name are required for postgres")
		}
	case "memory":
	default:
		problems = append(problems, fmt.Sprintf("db.driver %q must be postgres or memory", c.DB.Driver))
	}
	if c.JWT.SigningKey == "" {
		problems = append(problems, "jwt.signing_key is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q invalid", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		problems = append(problems, fmt.Sprintf("log.format %q must be json or console", c.Log.Format))
	}
	if !license.ReactivationPolicy(c.License.ReactivationPolicy).Valid() {
		problems = append(problems, fmt.Sprintf("license.reactivation_policy %q must be quota or reject", c.License.ReactivationPolicy))
	}
	if c.License.DefaultMaxDevices < 1 {
		problems = append(problems, "license.default_max_devices must be at least 1")
	}
	if c.License.KeyPrefix == "" || strings.ContainsAny(c.License.KeyPrefix, "- ") {
		problems = append(problems, "license.key_prefix must be non-empty without dashes or spaces")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// UsesDevSigningKey reports whether the built-in JWT key is still in place.
func (c *Config) UsesDevSigningKey() bool {
	return c.JWT.SigningKey == devSigningKey
}

// EngineConfig maps license settings onto the engine.
func (c *Config) EngineConfig() license.Config {
	return license.Config{
		Reactivation:      license.ReactivationPolicy(c.License.ReactivationPolicy),
		DefaultProduct:    c.License.DefaultProduct,
		DefaultPlan:       c.License.DefaultPlan,
		DefaultMaxDevices: c.License.DefaultMaxDevices,
		DefaultMaxUsers:   c.License.DefaultMaxUsers,
	}
}
