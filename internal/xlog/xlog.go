// Package xlog centralizes zerolog setup for both binaries so --log-format
// is the only thing callers need to plumb through (spec.md §6's CLI gains
// this flag in its Go-native form).
package xlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a configured root logger. format is "console" (human-
// readable, colorized) or "json" (one object
// per line, suited to log aggregation); anything else falls back to
// console.
func New(format, component string) zerolog.Logger {
	var w io.Writer
	switch format {
	case "json":
		w = os.Stderr
	default:
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", component).Logger()
}
