// Package logging builds the one process-wide base zerolog.Logger the
// rest of this module derives per-component child loggers from via
// logger.With().Str("component", name).Logger() — see internal/host and
// internal/scheduler for that pattern in use.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a process log level, independent of zerolog's own type so
// config parsing doesn't need to import zerolog directly.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the base logger New builds.
type Config struct {
	Level  Level
	JSON   bool
	Output io.Writer
}

// New builds the base logger every component derives a child from. JSON
// output is for production/piped-to-a-collector use; console output
// (the default) is for interactive terminal use.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.JSON {
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

func parseLevel(l Level) zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case InfoLevel, "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a child logger tagged with name, the convention
// every package in this module uses for its own injected logger.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
