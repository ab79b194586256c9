package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogConfig selects the slog level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// setupLogging installs the default slog logger. Output always goes to
// stdout and is copied to a lumberjack file when one is configured. The
// returned closer is nil without a file.
func setupLogging(cfg LogConfig) (io.Closer, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var out io.Writer = os.Stdout
	var closer io.Closer

	if cfg.File != "" {
		path, err := homedir.Expand(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("invalid log file %q: %w", cfg.File, err)
		}
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
		out = io.MultiWriter(os.Stdout, file)
		closer = file
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: level,
	})))

	return closer, nil
}
