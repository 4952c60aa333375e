// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/technosupport/ts-license/internal/config"
	"github.com/technosupport/ts-license/internal/paths"
)

// Setup installs the global logger described by cfg and returns it. When
// cfg.File is set, output is also written to a rotating file in JSON;
// relative names land under the data root's logs directory.
func Setup(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, err
	}

	var console io.Writer = os.Stderr
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	out := console
	if cfg.File != "" {
		file, err := paths.LogFile(cfg.File)
		if err != nil {
			return zerolog.Logger{}, err
		}
		out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	l := New(out, level)
	zerolog.SetGlobalLevel(level)
	log.Logger = l
	return l, nil
}

// New builds a logger on w with the service's standard fields.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("service", "ts-license").Logger()
}
