// Package logging installs the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"

	"github.com/51f0x/personal-kanban/internal/config"
)

// ParseLevel maps a config level name to an xlog level.
func ParseLevel(s string) (xlog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return xlog.LevelDebug, nil
	case "", "info":
		return xlog.LevelInfo, nil
	case "warn", "warning":
		return xlog.LevelWarn, nil
	case "error":
		return xlog.LevelError, nil
	}
	return xlog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Console reports whether format selects human-readable output for w.
// "auto" picks console output when w is a terminal.
func Console(format string, w io.Writer) bool {
	switch format {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// New installs the zerolog backend writing to w and returns the process logger
// tagged with app.
func New(cfg config.LogConfig, app string, w io.Writer) (*xlog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if w == nil {
		w = os.Stderr
	}
	logger := zerolog.Use(zerolog.Config{
		MinLevel:          level,
		Console:           Console(cfg.Format, w),
		ConsoleTimeFormat: time.RFC3339,
		Writer:            w,
	})
	return logger.With(xlog.Str("app", app)), nil
}
