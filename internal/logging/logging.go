// Package logging configures the process-wide slog default: a text handler
// on stdout, or a rotating file when one is configured.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config selects the log level and an optional rotating output file.
type Config struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// File, when set, routes output through a size-rotated log file
	// instead of stdout.
	File string

	// MaxSizeMB is the size before rotation (default 10).
	MaxSizeMB int

	// MaxBackups is rotated files to keep (default 5).
	MaxBackups int
}

var rotator *lumberjack.Logger

// Setup installs the default slog logger per cfg.
func Setup(cfg Config) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		if cfg.MaxSizeMB <= 0 {
			cfg.MaxSizeMB = 10
		}
		if cfg.MaxBackups <= 0 {
			cfg.MaxBackups = 5
		}
		rotator = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = rotator
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))
}

// Close closes the rotating file writer if one was opened.
func Close() {
	if rotator != nil {
		rotator.Close()
		rotator = nil
	}
}
