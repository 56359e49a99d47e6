// Package config loads microdl settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const appName = "microdl"

// Config is the root configuration
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Downloads DownloadsConfig `mapstructure:"downloads" yaml:"downloads"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Advanced  AdvancedConfig  `mapstructure:"advanced" yaml:"advanced"`
}

// EngineConfig is handed to the download engine at construction
type EngineConfig struct {
	ExtractorPath    string        `mapstructure:"extractor_path" yaml:"extractor_path"`
	TranscoderPath   string        `mapstructure:"transcoder_path" yaml:"transcoder_path"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
	ProcessTimeout   time.Duration `mapstructure:"process_timeout" yaml:"process_timeout"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	PlaylistCeiling  int           `mapstructure:"playlist_ceiling" yaml:"playlist_ceiling"`
	RetryAttempts    int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	FormatFallback   string        `mapstructure:"format_fallback" yaml:"format_fallback"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	FilenameTemplate string        `mapstructure:"filename_template" yaml:"filename_template"`
	MinFreeSpace     int           `mapstructure:"min_free_space" yaml:"min_free_space"` // GB
}

// DownloadsConfig holds request defaults used by the CLI
type DownloadsConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	Kind           string `mapstructure:"kind" yaml:"kind"`
	Quality        string `mapstructure:"quality" yaml:"quality"`
	OpenOnComplete bool   `mapstructure:"open_on_complete" yaml:"open_on_complete"`
}

// LoggingConfig configures the slog logger
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	Format     string `mapstructure:"format" yaml:"format"`
	Color      bool   `mapstructure:"color" yaml:"color"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig configures the history database
type DatabaseConfig struct {
	Path           string `mapstructure:"path" yaml:"path"`
	MaxConnections int    `mapstructure:"max_connections" yaml:"max_connections"`
	WALMode        bool   `mapstructure:"wal_mode" yaml:"wal_mode"`
	AutoVacuum     bool   `mapstructure:"auto_vacuum" yaml:"auto_vacuum"`
}

// ServerConfig configures the HTTP control surface used by "microdl serve"
type ServerConfig struct {
	Address         string        `mapstructure:"address" yaml:"address"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AdvancedConfig holds rarely changed settings
type AdvancedConfig struct {
	Debug     bool            `mapstructure:"debug" yaml:"debug"`
	Clipboard ClipboardConfig `mapstructure:"clipboard" yaml:"clipboard"`
}

// ClipboardConfig overrides the clipboard read command
type ClipboardConfig struct {
	Command string `mapstructure:"command" yaml:"command"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			ExtractorPath:    "yt-dlp",
			TranscoderPath:   "ffmpeg",
			MaxConcurrency:   3,
			ProcessTimeout:   30 * time.Minute,
			GracePeriod:      5 * time.Second,
			PlaylistCeiling:  200,
			RetryAttempts:    2,
			RetryBackoff:     2 * time.Second,
			FormatFallback:   "ceiling",
			ProgressInterval: 250 * time.Millisecond,
			FilenameTemplate: "{title} [{id}]",
			MinFreeSpace:     0,
		},
		Downloads: DownloadsConfig{
			Path:    filepath.Join(homeDir(), "Downloads", appName),
			Kind:    "video",
			Quality: "1080p",
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       filepath.Join(getStateDir(), appName, appName+".log"),
			Format:     "text",
			Color:      true,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		Database: DatabaseConfig{
			Path:           filepath.Join(GetDataDir(), appName+".db"),
			MaxConnections: 4,
			WALMode:        true,
			AutoVacuum:     true,
		},
		Server: ServerConfig{
			Address:         "127.0.0.1:8787",
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:5173"},
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from cfgFile, or the default location when
// empty. A missing file is not an error. Environment variables prefixed
// MICRODL_ override file values.
func Load(cfgFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(strings.ToUpper(appName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(GetConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(cfgFile != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Decode builds a validated Config from the current state of v
func Decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Downloads.Path = expandHome(cfg.Downloads.Path)
	cfg.Database.Path = expandHome(cfg.Database.Path)
	cfg.Logging.File = expandHome(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("engine.extractor_path", d.Engine.ExtractorPath)
	v.SetDefault("engine.transcoder_path", d.Engine.TranscoderPath)
	v.SetDefault("engine.max_concurrency", d.Engine.MaxConcurrency)
	v.SetDefault("engine.process_timeout", d.Engine.ProcessTimeout)
	v.SetDefault("engine.grace_period", d.Engine.GracePeriod)
	v.SetDefault("engine.playlist_ceiling", d.Engine.PlaylistCeiling)
	v.SetDefault("engine.retry_attempts", d.Engine.RetryAttempts)
	v.SetDefault("engine.retry_backoff", d.Engine.RetryBackoff)
	v.SetDefault("engine.format_fallback", d.Engine.FormatFallback)
	v.SetDefault("engine.progress_interval", d.Engine.ProgressInterval)
	v.SetDefault("engine.filename_template", d.Engine.FilenameTemplate)
	v.SetDefault("engine.min_free_space", d.Engine.MinFreeSpace)

	v.SetDefault("downloads.path", d.Downloads.Path)
	v.SetDefault("downloads.kind", d.Downloads.Kind)
	v.SetDefault("downloads.quality", d.Downloads.Quality)
	v.SetDefault("downloads.open_on_complete", d.Downloads.OpenOnComplete)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.color", d.Logging.Color)
	v.SetDefault("logging.max_size", d.Logging.MaxSize)
	v.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	v.SetDefault("logging.max_age", d.Logging.MaxAge)
	v.SetDefault("logging.compress", d.Logging.Compress)

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.wal_mode", d.Database.WALMode)
	v.SetDefault("database.auto_vacuum", d.Database.AutoVacuum)

	v.SetDefault("server.address", d.Server.Address)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)

	v.SetDefault("advanced.debug", d.Advanced.Debug)
	v.SetDefault("advanced.clipboard.command", d.Advanced.Clipboard.Command)
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	e := c.Engine
	if e.ExtractorPath == "" {
		return fmt.Errorf("engine.extractor_path must be set")
	}
	if e.TranscoderPath == "" {
		return fmt.Errorf("engine.transcoder_path must be set")
	}
	if e.MaxConcurrency < 1 {
		return fmt.Errorf("engine.max_concurrency must be at least 1")
	}
	if e.ProcessTimeout < 0 {
		return fmt.Errorf("engine.process_timeout must not be negative")
	}
	if e.PlaylistCeiling < 0 {
		return fmt.Errorf("engine.playlist_ceiling must not be negative")
	}
	if e.RetryAttempts < 0 {
		return fmt.Errorf("engine.retry_attempts must not be negative")
	}
	if e.MinFreeSpace < 0 {
		return fmt.Errorf("engine.min_free_space must not be negative")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must be set")
	}
	return nil
}

// SaveDefaultConfig writes the default configuration as YAML to path
func SaveDefaultConfig(path string) error {
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	header := []byte("# microdl configuration\n# Environment variables override these values, e.g. MICRODL_ENGINE_MAX_CONCURRENCY=4\n\n")
	if err := os.WriteFile(path, append(header, data...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// InitializeDirs creates the config, data and state directories
func InitializeDirs() error {
	dirs := []string{
		GetConfigDir(),
		GetDataDir(),
		filepath.Join(getStateDir(), appName),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// GetConfigDir returns $XDG_CONFIG_HOME/microdl
func GetConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("APPDATA"); dir != "" {
			return filepath.Join(dir, appName)
		}
	}
	return filepath.Join(homeDir(), ".config", appName)
}

// GetDataDir returns $XDG_DATA_HOME/microdl
func GetDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(homeDir(), ".local", "share", appName)
}

func getStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return dir
	}
	return filepath.Join(homeDir(), ".local", "state")
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func expandHome(path string) string {
	if path == "~" {
		return homeDir()
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}
