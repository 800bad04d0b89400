// Package logging builds the process logger used by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error, fatal (default: info).
	Level string
	// Format is "text" (default), "json" or "logfmt".
	Format string
	// File, when set, receives log output with size-based rotation instead of stderr.
	File string
	// MaxSizeMB is the size in megabytes at which the log file is rotated.
	MaxSizeMB int
	// MaxBackups is the number of rotated files to keep.
	MaxBackups int
	// MaxAgeDays is the number of days to keep rotated files.
	MaxAgeDays int
}

// New creates the process logger and returns it together with a closer for
// the underlying writer. The logger is also installed as log.Default so
// components created without an explicit logger share its settings.
func New(opts Options) (*log.Logger, io.Closer, error) {
	level := log.InfoLevel
	if opts.Level != "" {
		l, err := log.ParseLevel(opts.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		level = l
	}

	formatter := log.TextFormatter
	switch opts.Format {
	case "", "text":
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		w = lj
		closer = lj
	}

	logger := log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	log.SetDefault(logger)

	return logger, closer, nil
}

// Component returns logger, or the default logger when nil, with prefix applied.
func Component(logger *log.Logger, prefix string) *log.Logger {
	if logger == nil {
		logger = log.Default()
	}
	return logger.WithPrefix(prefix)
}

// Discard returns a logger that drops everything; used in tests.
func Discard() *log.Logger {
	return log.New(io.Discard)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
