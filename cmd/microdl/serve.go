package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
	"github.com/0x3EF8/Micro-Downloader/internal/server"
)

// serveCmd runs the engine behind an HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the download engine as a local HTTP service",
	Long: `Run the download engine behind a JSON API so other programs can queue
and follow downloads.

  POST   /api/jobs            queue a download {"url", "kind", "quality", "destination_dir"}
  GET    /api/jobs            active and finished jobs
  GET    /api/jobs/:id        one job
  DELETE /api/jobs/:id        cancel a job
  GET    /api/ws/jobs/:id     job events over a WebSocket
  GET    /api/history         stored history (search, state, kind, sort, limit, offset)
  GET    /api/history/:id     one stored job

Running downloads are canceled on shutdown.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringP("address", "l", "", "listen address (default: server.address)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	c := currentConfig()
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		c.Server.Address = addr
	}

	if c.Advanced.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hist := history.NewService(database.GetDB())
	manager, err := downloader.NewManager(&c.Engine, nil, logger, downloader.WithHistoryRecorder(hist))
	if err != nil {
		return fmt.Errorf("failed to initialize download manager: %w", err)
	}

	ext, _ := manager.CheckTools(ctx)
	if !ext.Available {
		return fmt.Errorf("%s not found; install yt-dlp or set engine.extractor_path (see 'microdl tools')", ext.Name)
	}

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start download manager: %w", err)
	}
	defer func() {
		if err := manager.Stop(); err != nil {
			logger.Warn("failed to stop download manager", "error", err)
		}
	}()

	fmt.Fprintf(os.Stderr, "Listening on http://%s (Ctrl+C to stop)\n", c.Server.Address)
	return server.New(&c, manager, hist, logger).Run(ctx)
}
