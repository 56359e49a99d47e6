package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, v, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "yt-dlp", cfg.Engine.ExtractorPath)
	assert.Equal(t, "ffmpeg", cfg.Engine.TranscoderPath)
	assert.Equal(t, 3, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 2, cfg.Engine.RetryAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Engine.ProcessTimeout)
	assert.Equal(t, 200, cfg.Engine.PlaylistCeiling)
	assert.Equal(t, "1080p", cfg.Downloads.Quality)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  extractor_path: /opt/bin/yt-dlp
  max_concurrency: 2
  process_timeout: 90s
  playlist_ceiling: 25
downloads:
  path: ~/Music
  kind: audio
  quality: 192k
`), 0644))

	cfg, _, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/bin/yt-dlp", cfg.Engine.ExtractorPath)
	assert.Equal(t, 2, cfg.Engine.MaxConcurrency)
	assert.Equal(t, 90*time.Second, cfg.Engine.ProcessTimeout)
	assert.Equal(t, 25, cfg.Engine.PlaylistCeiling)
	assert.Equal(t, "audio", cfg.Downloads.Kind)
	assert.Equal(t, "192k", cfg.Downloads.Quality)
	assert.Equal(t, filepath.Join(homeDir(), "Music"), cfg.Downloads.Path)
	assert.Equal(t, "ffmpeg", cfg.Engine.TranscoderPath, "unset keys keep defaults")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("MICRODL_ENGINE_MAX_CONCURRENCY", "5")
	t.Setenv("MICRODL_ENGINE_TRANSCODER_PATH", "/usr/local/bin/ffmpeg")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Engine.MaxConcurrency)
	assert.Equal(t, "/usr/local/bin/ffmpeg", cfg.Engine.TranscoderPath)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  max_concurrency: 0\n"), 0644))

	_, _, err := Load(path)
	assert.Error(t, err)
}

func TestSaveDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, SaveDefaultConfig(path))

	cfg, _, err := Load(path)
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, def.Engine, cfg.Engine)
	assert.Equal(t, def.Logging.Level, cfg.Logging.Level)
}

func TestColoredTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewColoredTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	logger.Warn("disk almost full", "free", 3)

	out := buf.String()
	assert.Contains(t, out, "\033[33mlevel=WARN\033[0m")
	assert.Contains(t, out, `msg="disk almost full"`)
	assert.Contains(t, out, "free=3")
}

func TestNewLoggerConsole(t *testing.T) {
	logger, err := NewLogger(&LoggingConfig{Level: "debug", File: "stderr"})
	require.NoError(t, err)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLogLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLogLevel("nonsense"))
}
