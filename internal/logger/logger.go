// Package logger builds the single zerolog.Logger instance main() threads
// through every component via constructor injection (SPEC_FULL.md §5) —
// never a package-global logger. Grounded on the teacher's main.go
// logger-construction call site (console-pretty in dev, JSON in production,
// selected by level/DevMode); the teacher's own pkg/logger package was not
// present in the retrieved pack, so this is authored fresh from that usage
// contract.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls how New builds the process logger.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console-pretty output instead of JSON
}

// New builds a zerolog.Logger per cfg.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var writer = os.Stdout
	if cfg.Pretty {
		console := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(console).With().Timestamp().Logger()
	}
	return zerolog.New(writer).With().Timestamp().Logger()
}
