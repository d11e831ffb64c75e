package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/versecache/internal/config"
)

// setupLog configures the default logger. Without a log file messages go
// to stderr. The returned func closes the log file.
func setupLog(cfg config.LoggingConfig) (func() error, error) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	log.SetReportTimestamp(true)

	if cfg.File == "" {
		log.SetOutput(os.Stderr)
		return func() error { return nil }, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil { //nolint:gosec
		return nil, fmt.Errorf("unable to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("unable to open log file: %w", err)
	}
	log.SetOutput(f)
	log.SetFormatter(log.LogfmtFormatter)
	return f.Close, nil
}
