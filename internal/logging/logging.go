// Package logging constructs the process-wide zerolog.Logger from
// configuration, matching the level/format knobs of the teacher pack's
// config.LogLevel/LogFormat.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a logger at the given level ("debug", "info", "warn",
// "error") in the given format ("json" or "console").
func New(level, format string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var writer = os.Stdout
	logger := zerolog.New(writer).Level(lvl).With().Timestamp().Logger()

	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: writer, TimeFormat: time.Kitchen}).
			Level(lvl).With().Timestamp().Logger()
	}

	return logger
}
