// Package logging constructs the zerolog loggers used across tidepool.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const logFilePerm = 0o664

// New returns a logger writing structured JSON to w, tagged with the
// component name. A nil writer logs to stderr.
func New(w io.Writer, component string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Str("component", component).Logger()
}

// NewConsole returns a logger with human-readable console output,
// intended for CLI use.
func NewConsole(w io.Writer, component string) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(cw).With().Timestamp().Str("component", component).Logger()
}

// NewFile returns a logger appending JSON lines to the file at path.
// The caller owns the returned file handle and must close it.
func NewFile(path, component string) (zerolog.Logger, *os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePerm)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	logger := zerolog.New(zerolog.SyncWriter(f)).With().Timestamp().Str("component", component).Logger()
	return logger, f, nil
}

// Nop returns a logger that discards everything.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
