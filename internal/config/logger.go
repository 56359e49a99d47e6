package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// consoleTargets select stderr instead of a rotated file
var consoleTargets = map[string]bool{"-": true, "stderr": true, "console": true}

// InitLogger builds the application logger and installs it as the slog default
func InitLogger(cfg *LoggingConfig) (*slog.Logger, error) {
	logger, err := NewLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

// NewLogger builds a logger without touching the slog default
func NewLogger(cfg *LoggingConfig) (*slog.Logger, error) {
	if cfg.File == "" {
		cfg.File = filepath.Join(getStateDir(), appName, appName+".log")
	}

	var writer io.Writer
	console := consoleTargets[strings.ToLower(cfg.File)]
	if console {
		writer = os.Stderr
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		writer = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}

	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}

	var handler slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		handler = slog.NewJSONHandler(writer, opts)
	case cfg.Color && console:
		handler = NewColoredTextHandler(writer, opts)
	default:
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler), nil
}

var levelColors = map[string]string{
	"DEBUG": "\033[90m",
	"INFO":  "\033[32m",
	"WARN":  "\033[33m",
	"ERROR": "\033[31m",
}

// NewColoredTextHandler returns a text handler whose level field is
// colored for console output
func NewColoredTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	return slog.NewTextHandler(&colorWriter{w: w}, opts)
}

// colorWriter relies on the text handler writing each record with a
// single Write call.
type colorWriter struct {
	w io.Writer
}

func (c *colorWriter) Write(p []byte) (int, error) {
	line := string(p)
	if i := strings.Index(line, "level="); i >= 0 {
		rest := line[i+len("level="):]
		level, _, _ := strings.Cut(rest, " ")
		if color, ok := levelColors[level]; ok {
			line = line[:i] + color + "level=" + level + "\033[0m" + rest[len(level):]
		}
	}
	if _, err := io.WriteString(c.w, line); err != nil {
		return 0, err
	}
	return len(p), nil
}

func parseLogLevel(levelStr string) slog.Level {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
