package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/progress"
	"github.com/0x3EF8/Micro-Downloader/internal/retry"
)

// downloadShare is the part of a child's progress given to the extractor
// when a transcode follows
const downloadShare = 90.0

// worker represents a download worker. Each worker runs one child at a
// time, so the pool size bounds concurrent processes.
type worker struct {
	id      int
	manager *Manager
	logger  *slog.Logger
}

// newWorker creates a new worker
func newWorker(id int, manager *Manager) *worker {
	return &worker{
		id:      id,
		manager: manager,
		logger:  manager.logger.With("worker_id", id),
	}
}

// run starts the worker loop
func (w *worker) run() {
	for {
		j, c, ok := w.manager.next()
		if !ok {
			return
		}
		output, err := w.processChild(j, c)
		w.manager.completeChild(j, c, output, err)
	}
}

// processChild downloads one item and transcodes it when needed. Files
// the attempt created are removed when it does not succeed.
func (w *worker) processChild(j *job, c *child) (string, *Error) {
	logger := w.logger.With("job_id", j.id, "child", c.index, "url", c.item.URL)
	logger.Info("starting download", "base", c.base)

	existing := listOutputs(c.dir, c.base)
	share := initialShare(j.spec.Transcode)

	attempt := 0
	var downloaded string
	err := retry.Do(j.ctx, w.manager.retryConfig(logger, "download"), nil, func(ctx context.Context) error {
		attempt++
		w.manager.setAttempt(c, attempt)

		path, err := w.extract(ctx, j, c, &share, logger)
		if err != nil {
			removeNew(c.dir, c.base, existing, logger)
			return err
		}
		downloaded = path
		return nil
	})
	if err != nil {
		e := classify(err)
		if j.ctx.Err() != nil {
			e = newError(Canceled, "", err)
		}
		removeNew(c.dir, c.base, existing, logger)
		logger.Warn("download failed", "attempts", attempt, "error", e)
		return "", e
	}

	if !j.spec.Transcode.Needed(filepath.Ext(downloaded)) {
		logger.Info("download complete", "output", downloaded)
		return downloaded, nil
	}

	output, terr := w.transcode(j.ctx, j, c, downloaded, share, logger)
	if terr != nil {
		removeNew(c.dir, c.base, existing, logger)
		logger.Warn("transcode failed", "input", downloaded, "error", terr)
		return "", terr
	}
	logger.Info("download complete", "output", output)
	return output, nil
}

// extractorArgs builds the full extractor command line for one child
func (w *worker) extractorArgs(j *job, c *child) []string {
	cfg := w.manager.cfg
	args := []string{"--newline", "--no-playlist", "--no-colors", "--progress"}
	args = append(args, j.spec.ExtractorArgs...)
	// A bare name is left to the extractor's own PATH lookup
	if strings.ContainsRune(cfg.TranscoderPath, os.PathSeparator) {
		args = append(args, "--ffmpeg-location", cfg.TranscoderPath)
	}
	template := filepath.Join(c.dir, escapeOutputTemplate(c.base)) + ".%(ext)s"
	return append(args, "-o", template, "--", c.item.URL)
}

// initialShare is the download part of a child's progress before the
// extractor says anything about the file it writes. A transcode that only
// runs for a foreign container gets no share until one shows up.
func initialShare(t *format.Transcode) float64 {
	if t == nil || t.OnlyIfContainerDiffers {
		return 100
	}
	return downloadShare
}

// needsTranscode reports whether a destination the extractor announced
// will have to go through the transcoder. Per-format streams named
// base.f<id>.<ext> are merged first and say nothing about the result.
func needsTranscode(t *format.Transcode, base, path string, final bool) bool {
	rest := strings.TrimPrefix(filepath.Base(path), base+".")
	if !final && strings.Contains(rest, ".") {
		return false
	}
	return t.Needed(filepath.Ext(path))
}

// extract runs the extractor once and returns the produced file. share is
// lowered to downloadShare once a destination shows a transcode will follow.
func (w *worker) extract(ctx context.Context, j *job, c *child, share *float64, logger *slog.Logger) (string, error) {
	cfg := w.manager.cfg
	parser := progress.NewParser()

	var dest, final string
	var lastErr *progress.Event

	_, err := w.manager.runner.Run(ctx, process.Command{
		Path:        cfg.ExtractorPath,
		Args:        w.extractorArgs(j, c),
		Dir:         c.dir,
		Timeout:     cfg.ProcessTimeout,
		GracePeriod: cfg.GracePeriod,
	}, func(line process.Line) {
		ev, ok := parser.Parse(line.Text)
		if !ok {
			return
		}
		switch ev.Kind {
		case progress.Progress:
			if ev.HasPercent {
				w.manager.reportProgress(j, c, StageDownloading, ev.Percent*(*share)/100, ev.Speed, ev.ETA)
			}
		case progress.Destination:
			if ev.Final {
				final = ev.Path
			} else {
				dest = ev.Path
			}
			if needsTranscode(j.spec.Transcode, c.base, ev.Path, ev.Final) {
				*share = downloadShare
			}
			switch {
			case ev.Stage == StageConverting:
				w.manager.reportProgress(j, c, StageConverting, *share, 0, 0)
			case ev.HasPercent:
				w.manager.reportProgress(j, c, StageDownloading, ev.Percent*(*share)/100, 0, 0)
			}
		case progress.Error:
			ev := ev
			lastErr = &ev
			logger.Debug("extractor error", "message", ev.Message, "class", ev.Class.String())
		case progress.Info:
			if ev.Stage == StageConverting {
				w.manager.reportProgress(j, c, StageConverting, *share, 0, 0)
			}
		}
	})
	if err != nil {
		if errors.Is(err, process.ErrNonZeroExit) && lastErr != nil {
			return "", newError(kindForClass(lastErr.Class), lastErr.Message, err)
		}
		return "", classify(err)
	}

	for _, candidate := range []string{final, dest} {
		if candidate == "" {
			continue
		}
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(c.dir, candidate)
		}
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if path := findOutput(c.dir, c.base, j.spec.Container); path != "" {
		return path, nil
	}
	return "", newError(ExtractionFailure, "extractor exited without producing a file", nil)
}

// transcode converts input into the target container. The result is written
// to a temporary name and renamed into place once complete.
func (w *worker) transcode(ctx context.Context, j *job, c *child, input string, share float64, logger *slog.Logger) (string, *Error) {
	cfg := w.manager.cfg
	t := j.spec.Transcode

	output := filepath.Join(c.dir, c.base+"."+t.Container)
	tmp := filepath.Join(c.dir, c.base+".converting."+t.Container)

	w.manager.reportProgress(j, c, StageConverting, share, 0, 0)

	parser := progress.NewParser()
	var lastStderr string
	_, err := w.manager.runner.Run(ctx, process.Command{
		Path:        cfg.TranscoderPath,
		Args:        t.Args(input, tmp),
		Dir:         c.dir,
		Timeout:     cfg.ProcessTimeout,
		GracePeriod: cfg.GracePeriod,
	}, func(line process.Line) {
		if line.Stream == process.Stderr && strings.TrimSpace(line.Text) != "" {
			lastStderr = strings.TrimSpace(line.Text)
		}
		if ev, ok := parser.Parse(line.Text); ok && ev.Kind == progress.Progress && ev.HasPercent {
			w.manager.reportProgress(j, c, StageConverting, share+ev.Percent*(100-share)/100, 0, 0)
		}
	})
	if err != nil {
		_ = os.Remove(tmp)
		switch {
		case errors.Is(err, process.ErrNotFound):
			return "", newError(ExecutableNotFound, err.Error(), err)
		case errors.Is(err, process.ErrCanceled) || ctx.Err() != nil:
			return "", newError(Canceled, "", err)
		default:
			msg := lastStderr
			if msg == "" {
				msg = err.Error()
			}
			return "", newError(TranscodeFailure, msg, err)
		}
	}

	if input != output {
		if err := os.Remove(input); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove transcoder input", "path", input, "error", err)
		}
	}
	// Windows refuses to rename over an existing file
	_ = os.Remove(output)
	if err := os.Rename(tmp, output); err != nil {
		_ = os.Remove(tmp)
		return "", newError(TranscodeFailure, fmt.Sprintf("failed to move converted file into place: %v", err), err)
	}
	return output, nil
}

// partialSuffixes mark extractor files that are not finished media
var partialSuffixes = []string{".part", ".ytdl", ".temp", ".tmp"}

// listOutputs returns the names in dir that belong to base
func listOutputs(dir, base string) map[string]bool {
	names := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return names
	}
	prefix := base + "."
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			names[e.Name()] = true
		}
	}
	return names
}

// findOutput picks the finished file for base, preferring the container
// the job asked for.
func findOutput(dir, base, container string) string {
	if container != "" {
		p := filepath.Join(dir, base+"."+container)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	names := make([]string, 0)
	for name := range listOutputs(dir, base) {
		if !isPartial(name) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)
	return filepath.Join(dir, names[0])
}

func isPartial(name string) bool {
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return strings.Contains(name, ".converting.")
}

// removeNew deletes files for base that were not present before the child
// started. Files from earlier, completed runs are left alone.
func removeNew(dir, base string, existing map[string]bool, logger *slog.Logger) {
	for name := range listOutputs(dir, base) {
		if existing[name] {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Warn("failed to remove partial file", "path", path, "error", err)
			continue
		}
		logger.Debug("removed partial file", "path", path)
	}
}
