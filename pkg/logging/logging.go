// Package logging builds the slog loggers used across clipring.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options tweak the handler returned by New.
type Options struct { // A
	// Level is the minimum level that is emitted.
	Level slog.Level
	// Writer defaults to os.Stderr.
	Writer io.Writer
	// NoColor disables ANSI colors (log files, CI).
	NoColor bool
	// AddSource adds file:line to every record.
	AddSource bool
}

// NewHandler returns a tint handler configured from opts.
func NewHandler(opts Options) slog.Handler { // A
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.RFC3339,
		AddSource:  opts.AddSource,
		NoColor:    opts.NoColor,
	})
}

// New returns a logger writing through a tint handler.
func New(opts Options) *slog.Logger { // A
	return slog.New(NewHandler(opts))
}

// Default is the fallback used by components that were not handed a
// logger: info level on stderr.
func Default() *slog.Logger { // H
	return New(Options{Level: slog.LevelInfo})
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger { // A
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
