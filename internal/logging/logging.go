// Package logging builds the slog logger the CLI hands to the library.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options selects the handler.
type Options struct {
	// Format is "text" or "json".
	Format string
	// Level is a slog level name: debug, info, warn or error.
	Level string
	// Verbose forces the debug level.
	Verbose bool
}

// New returns a logger writing to w.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}
	if opts.Verbose {
		level.Set(slog.LevelDebug)
	}

	hopts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(opts.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, hopts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, hopts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (supported: text, json)", opts.Format)
	}
}
