package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/tools"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	noColor   bool
	debugMode bool

	// Global config and logger. cfgMu guards cfg against hot reloads.
	cfgMu  sync.RWMutex
	cfg    *config.Config
	logger *slog.Logger
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// currentConfig returns a copy of the active configuration
func currentConfig() config.Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return *cfg
}

// skipsSetup lists commands that run without config, logger or database
func skipsSetup(cmd *cobra.Command) bool {
	if cmd.Name() == "version" {
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "config" && (cmd.Name() == "init" || cmd.Name() == "path")
}

var rootCmd = &cobra.Command{
	Use:   "microdl",
	Short: "Download videos and audio through yt-dlp and ffmpeg",
	Long: `microdl downloads single videos and whole playlists by driving yt-dlp,
converting with ffmpeg when needed.

It runs several downloads at once, retries network failures, names files
from a template and keeps a history of finished jobs.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if skipsSetup(cmd) {
			return nil
		}

		if err := config.InitializeDirs(); err != nil {
			return fmt.Errorf("failed to initialize directories: %w", err)
		}

		loaded, v, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if debugMode {
			loaded.Advanced.Debug = true
			if logLevel == "" {
				loaded.Logging.Level = "debug"
			}
		}
		if logLevel != "" {
			loaded.Logging.Level = logLevel
		}
		if noColor {
			loaded.Logging.Color = false
		}
		cfg = loaded

		logger, err = config.InitLogger(&cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		if err := database.Init(&cfg.Database); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}

		watchConfig(v)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger == nil {
			return
		}
		if err := database.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	},
}

// watchConfig reloads request defaults when the config file changes.
// Engine settings are read once per run and apply to the next one.
func watchConfig(v *viper.Viper) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		logger.Info("config file changed", "name", e.Name)

		next, err := config.Decode(v)
		if err != nil {
			logger.Error("failed to reload config, keeping previous", "error", err)
			return
		}

		cfgMu.Lock()
		// Logging and database stay as opened
		next.Logging = cfg.Logging
		next.Database = cfg.Database
		cfg = next
		cfgMu.Unlock()
		logger.Info("config reloaded")
	})
	v.WatchConfig()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/microdl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored log output")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(toolsCmd)
}

// versionCmd displays version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("microdl version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
	},
}

// toolsCmd reports the external programs microdl drives
var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Check that yt-dlp and ffmpeg are installed",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentConfig()
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		ext, trans := tools.DetectTools(ctx, c.Engine.ExtractorPath, c.Engine.TranscoderPath)
		missing := false
		for _, t := range []*tools.ToolInfo{ext, trans} {
			if !t.Available {
				missing = true
				fmt.Printf("%-10s %-10s not found (%v)\n", t.Type, t.Name, t.Err)
				continue
			}
			fmt.Printf("%-10s %-10s %s (%s)\n", t.Type, t.Name, t.Version, t.Binary)
		}
		if ext.Available && !trans.Available {
			fmt.Println("\nffmpeg is needed to merge video streams and convert audio.")
		}
		if missing {
			return fmt.Errorf("some tools are missing")
		}
		return nil
	},
}

// configCmd handles configuration operations
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := configFilePath()

		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("configuration file already exists: %s", configPath)
		}

		if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		if err := config.SaveDefaultConfig(configPath); err != nil {
			return fmt.Errorf("failed to save default configuration: %w", err)
		}

		fmt.Printf("Default configuration generated successfully at: %s\n", configPath)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := currentConfig()
		data, err := yaml.Marshal(&c)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		fmt.Printf("# %s\n", configFilePath())
		fmt.Print(string(data))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Display configuration file path",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(configFilePath())
	},
}

func configFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return filepath.Join(config.GetConfigDir(), "config.yaml")
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}
