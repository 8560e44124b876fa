package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/bnema/gantry/internal/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds the process logger from cfg and installs it as the global
// logger. The returned closer releases the log file, if any.
func Setup(cfg config.LoggingConfig) (zerolog.Logger, io.Closer, error) {
	return setup(cfg, os.Stderr)
}

func setup(cfg config.LoggingConfig, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var console io.Writer = stderr
	if cfg.Format != "json" {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.Kitchen, NoColor: !isTerminal(stderr)}
	}

	out := console
	var closer io.Closer = nopCloser{}
	if cfg.File.Enabled {
		// Create logs directory with secure permissions (0700 - owner only)
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o700); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create logs directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSize,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAge,
			Compress:   true,
		}
		// The file always gets JSON so it stays machine readable.
		out = zerolog.MultiLevelWriter(console, fileWriter)
		closer = fileWriter
	}

	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	logger.Debug().
		Str("level", level.String()).
		Str("format", cfg.Format).
		Bool("file", cfg.File.Enabled).
		Msg("logging initialized")

	return logger, closer, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
