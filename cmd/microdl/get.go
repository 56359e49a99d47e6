package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/browser"
	"github.com/spf13/cobra"

	"github.com/0x3EF8/Micro-Downloader/internal/clipboard"
	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/history"
	"github.com/0x3EF8/Micro-Downloader/internal/tui"
)

// getCmd downloads one link
var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Download a video, song or playlist",
	Long: `Download a single video or a whole playlist.

Without a URL the link is taken from the clipboard. Press q to cancel;
partial files are removed.`,
	Example: `  microdl get https://www.youtube.com/watch?v=dQw4w9WgXcQ
  microdl get --audio --quality 320k https://www.youtube.com/playlist?list=...
  microdl get --paste -o ~/Videos`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGet,
}

func init() {
	getCmd.Flags().BoolP("audio", "a", false, "download audio only")
	getCmd.Flags().StringP("quality", "q", "", "quality tier: 2160p, 1440p, 1080p, 720p, 480p, 360p for video; 320k, 256k, 192k, 128k for audio")
	getCmd.Flags().StringP("output", "o", "", "destination directory (default: downloads.path)")
	getCmd.Flags().BoolP("paste", "p", false, "read the link from the clipboard")
	getCmd.Flags().Bool("open", false, "open the destination folder when done")
	getCmd.Flags().Bool("plain", false, "print plain progress lines instead of the interactive view")
}

func runGet(cmd *cobra.Command, args []string) error {
	c := currentConfig()
	audio, _ := cmd.Flags().GetBool("audio")
	quality, _ := cmd.Flags().GetString("quality")
	output, _ := cmd.Flags().GetString("output")
	paste, _ := cmd.Flags().GetBool("paste")
	openDir, _ := cmd.Flags().GetBool("open")
	plain, _ := cmd.Flags().GetBool("plain")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	url := ""
	if len(args) > 0 {
		url = args[0]
	}
	if url == "" || paste {
		link, err := clipboard.NewService(&c.Advanced.Clipboard, logger).ReadURL(ctx)
		if err != nil {
			return fmt.Errorf("no URL given and none found in the clipboard: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Using link from clipboard: %s\n", link)
		url = link
	}

	kind := format.Kind(c.Downloads.Kind)
	if audio {
		kind = format.KindAudio
	}
	if quality == "" && kind == format.Kind(c.Downloads.Kind) {
		// Configured default only fits the configured kind
		quality = c.Downloads.Quality
	}
	if output == "" {
		output = c.Downloads.Path
	}

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
	defer func() { _ = manager.Stop() }()

	req := downloader.JobRequest{
		URL:            url,
		Kind:           kind,
		Quality:        format.Tier(quality),
		DestinationDir: output,
	}
	jobID, err := manager.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to queue download: %w", err)
	}
	logger.Info("job submitted", "job_id", jobID, "url", url, "kind", kind, "quality", quality)

	var job downloader.Job
	if plain || !isatty.IsTerminal(os.Stdout.Fd()) {
		job, err = tui.RunPlain(ctx, manager, jobID, os.Stdout)
	} else {
		job, err = tui.Run(ctx, manager, jobID, url, os.Stdout)
	}
	if errors.Is(err, tui.ErrInterrupted) {
		// Stop cancels whatever is still running
		return fmt.Errorf("download interrupted")
	}
	if err != nil {
		return err
	}

	if plain {
		printOutputs(job)
	}

	if job.State == downloader.StateCompleted && (openDir || c.Downloads.OpenOnComplete) {
		if err := browser.OpenFile(openTarget(job)); err != nil {
			logger.Warn("failed to open destination", "error", err)
		}
	}

	// Stop waits for the history recorder
	if err := manager.Stop(); err != nil {
		logger.Warn("failed to stop download manager", "error", err)
	}

	if job.State != downloader.StateCompleted {
		return errors.New(job.Summary())
	}
	return nil
}

// openTarget is the single file's folder or the destination directory
func openTarget(job downloader.Job) string {
	if len(job.Children) == 1 && job.Children[0].OutputPath != "" {
		return filepath.Dir(job.Children[0].OutputPath)
	}
	return job.Request.DestinationDir
}

func printOutputs(job downloader.Job) {
	for _, c := range job.Children {
		if c.State == downloader.ChildDone {
			fmt.Println(c.OutputPath)
		}
	}
}
