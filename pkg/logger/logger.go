// Package logger provides Zaku's structured logging, built on rs/zerolog.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance for call sites that don't carry their
// own configured logger (quick diagnostics, init-time errors).
var Log zerolog.Logger

func init() {
	// Default to JSON output for production
	Log = zerolog.New(os.Stdout).
		With().
		Timestamp().
		Logger()

	// Pretty print for development if requested
	if os.Getenv("APP_ENV") != "production" {
		Log = Log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// New builds a logger for a server or client instance explicitly, rather
// than relying on the package-level global — the server constructor wires
// this in so the subscriber registry and queue engine never reach for a
// hidden singleton.
func New(verbose bool, pretty bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	l := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	if pretty {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return l
}
