// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

// Options configures the logger.
type Options struct {
	Level  string    // debug, info, warn or error
	Format string    // auto, text or json
	Output io.Writer // defaults to stderr
	Prefix string
}

// New creates a logger. The auto format writes text to terminals and JSON
// everywhere else.
func New(opts Options) (*log.Logger, error) {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Level == "" {
		opts.Level = "info"
	}

	level, err := log.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	formatter, err := formatterFor(opts.Format, opts.Output)
	if err != nil {
		return nil, err
	}

	return log.NewWithOptions(opts.Output, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          opts.Prefix,
		Formatter:       formatter,
	}), nil
}

// Setup creates a logger and installs it as the default.
func Setup(opts Options) (*log.Logger, error) {
	logger, err := New(opts)
	if err != nil {
		return nil, err
	}
	log.SetDefault(logger)
	return logger, nil
}

func formatterFor(format string, w io.Writer) (log.Formatter, error) {
	switch format {
	case "text":
		return log.TextFormatter, nil
	case "json":
		return log.JSONFormatter, nil
	case "", "auto":
		if isTerminal(w) {
			return log.TextFormatter, nil
		}
		return log.JSONFormatter, nil
	default:
		return log.TextFormatter, fmt.Errorf("invalid log format %q", format)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec
}
