// Package logging builds the zerolog logger shared by deferflow components.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config selects level and output format.
type Config struct {
	// Level is a zerolog level name such as "debug" or "info".
	Level string
	// Format is "json" or "console".
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a logger stamped with time and the service name.
func New(cfg Config) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level: %w", err)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	switch cfg.Format {
	case "", "json":
	case "console":
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "deferflow").
		Logger(), nil
}
