// Package logging builds the loopctl zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// EnvLevel overrides the configured level.
const EnvLevel = "LOOPCTL_LOG_LEVEL"

// Options selects the writer and level.
type Options struct {
	Level  string
	Format string // "console" or "json"
	Out    io.Writer
}

// New returns a logger tagged app=loopctl. Console output uses RFC3339
// timestamps; anything but "json" is console.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Format != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(ResolveLevel(opts.Level)).
		With().Timestamp().Str("app", "loopctl").
		Logger()
}

// ResolveLevel reads EnvLevel, then configured, then falls back to info.
// Unknown names are info.
func ResolveLevel(configured string) zerolog.Level {
	raw := strings.TrimSpace(os.Getenv(EnvLevel))
	if raw == "" {
		raw = strings.TrimSpace(configured)
	}
	if raw == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}
