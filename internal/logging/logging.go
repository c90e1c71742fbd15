// Package logging builds the process logger from configuration.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/scrypster/locai/internal/config"
	"github.com/scrypster/locai/pkg/types"
)

// Default returns an info-level text logger on stderr.
func Default() *log.Logger {
	return log.NewWithOptions(os.Stderr, log.Options{Level: log.InfoLevel, Prefix: "locai", ReportTimestamp: true, TimeFormat: time.RFC3339})
}

// New returns a logger for cfg and a closer for the log file, if any.
// The closer is never nil.
func New(cfg config.LoggingConfig) (*log.Logger, io.Closer, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, nopCloser{}, err
	}

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
	)
	if cfg.Stdout {
		writers = append(writers, os.Stdout)
	}
	if cfg.Stderr {
		writers = append(writers, os.Stderr)
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, closer, types.Wrap(types.KindConfiguration, err, "logging: create log directory")
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, closer, types.Wrap(types.KindConfiguration, err, "logging: open %s", cfg.File)
		}
		writers = append(writers, f)
		closer = f
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	opts := log.Options{Level: level, Prefix: "locai", ReportTimestamp: true, TimeFormat: time.RFC3339}
	switch cfg.Format {
	case "json":
		opts.Formatter = log.JSONFormatter
	case "compact":
		opts.Formatter = log.LogfmtFormatter
		opts.ReportTimestamp = false
	case "pretty":
		opts.ReportCaller = true
		opts.TimeFormat = time.DateTime
	case "", "default":
	default:
		return nil, closer, types.Errorf(types.KindConfiguration, "logging: unknown format %q", cfg.Format)
	}
	return log.NewWithOptions(w, opts), closer, nil
}

// parseLevel maps config levels onto charmbracelet levels. trace has no
// equivalent and logs at debug.
func parseLevel(s string) (log.Level, error) {
	switch s {
	case "trace", "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	}
	return log.InfoLevel, types.Errorf(types.KindConfiguration, "logging: unknown level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
