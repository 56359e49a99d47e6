// Package playlist asks the extractor for a flat listing of a URL and
// turns it into the ordered items a job will download.
package playlist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/progress"
)

// Item is one downloadable entry of a listing
type Item struct {
	Index int
	URL   string
	ID    string
	Title string
}

// Expansion is the result of expanding a URL
type Expansion struct {
	IsCollection bool
	Title        string
	Items        []Item

	// Truncated is set when the listing had more entries than the ceiling.
	// Total is the entry count the extractor reported, or the number seen.
	Truncated bool
	Total     int
}

// Error is an extractor failure reported through its error marker
type Error struct {
	Class   progress.Class
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("listing failed (%s): %s", e.Class, e.Message)
}

// Retryable reports whether the failure looked transient
func (e *Error) Retryable() bool {
	return e.Class == progress.ClassNetwork
}

// Config configures an Expander
type Config struct {
	ExtractorPath string
	// Ceiling caps the number of items. Zero means unlimited.
	Ceiling     int
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Expander lists URLs with the extractor in metadata-only mode
type Expander struct {
	runner process.Runner
	cfg    Config
	logger *slog.Logger
}

// NewExpander creates an expander
func NewExpander(runner process.Runner, cfg Config, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{runner: runner, cfg: cfg, logger: logger}
}

// listing is the subset of the extractor's -J output we use
type listing struct {
	Type          string   `json:"_type"`
	ID            string   `json:"id"`
	Title         string   `json:"title"`
	WebpageURL    string   `json:"webpage_url"`
	PlaylistCount int      `json:"playlist_count"`
	Entries       []*entry `json:"entries"`
}

type entry struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	URL        string `json:"url"`
	WebpageURL string `json:"webpage_url"`
}

// Args returns the extractor arguments used to list url
func (e *Expander) Args(url string) []string {
	args := []string{"--flat-playlist", "-J", "--no-warnings", "--yes-playlist"}
	if e.cfg.Ceiling > 0 {
		// One past the ceiling is enough to detect truncation
		args = append(args, "--playlist-end", strconv.Itoa(e.cfg.Ceiling+1))
	}
	return append(args, url)
}

// Expand lists url. A single video yields one item with IsCollection false.
func (e *Expander) Expand(ctx context.Context, url string) (*Expansion, error) {
	var stdout bytes.Buffer
	parser := progress.NewParser()
	var lastErr *progress.Event

	_, err := e.runner.Run(ctx, process.Command{
		Path:        e.cfg.ExtractorPath,
		Args:        e.Args(url),
		Timeout:     e.cfg.Timeout,
		GracePeriod: e.cfg.GracePeriod,
	}, func(line process.Line) {
		if line.Stream == process.Stdout {
			stdout.WriteString(line.Text)
			stdout.WriteByte('\n')
			return
		}
		if ev, ok := parser.Parse(line.Text); ok && ev.Kind == progress.Error {
			ev := ev
			lastErr = &ev
		}
	})
	if err != nil {
		if errors.Is(err, process.ErrNonZeroExit) {
			if lastErr != nil {
				return nil, &Error{Class: lastErr.Class, Message: lastErr.Message}
			}
			return nil, &Error{Class: progress.ClassUnknown, Message: err.Error()}
		}
		return nil, fmt.Errorf("failed to list %s: %w", url, err)
	}

	var l listing
	if err := json.Unmarshal(stdout.Bytes(), &l); err != nil {
		return nil, &Error{Class: progress.ClassUnknown, Message: "unreadable listing: " + err.Error()}
	}

	exp := e.build(url, &l)
	if exp.Truncated {
		e.logger.Warn("playlist truncated", "url", url, "kept", len(exp.Items), "total", exp.Total)
	}
	return exp, nil
}

func (e *Expander) build(url string, l *listing) *Expansion {
	if l.Type != "playlist" && l.Type != "multi_video" && l.Entries == nil {
		return &Expansion{
			Title: l.Title,
			Items: []Item{{Index: 0, URL: url, ID: l.ID, Title: l.Title}},
			Total: 1,
		}
	}

	exp := &Expansion{IsCollection: true, Title: l.Title}
	for _, en := range l.Entries {
		if en == nil {
			continue
		}
		u := entryURL(en)
		if u == "" {
			continue
		}
		exp.Items = append(exp.Items, Item{
			Index: len(exp.Items),
			URL:   u,
			ID:    en.ID,
			Title: en.Title,
		})
	}

	exp.Total = len(exp.Items)
	if l.PlaylistCount > exp.Total {
		exp.Total = l.PlaylistCount
	}
	if e.cfg.Ceiling > 0 {
		if len(exp.Items) > e.cfg.Ceiling {
			exp.Items = exp.Items[:e.cfg.Ceiling]
			exp.Truncated = true
		}
		// Skipped entries can hide that the listing was cut at the ceiling
		if l.PlaylistCount > e.cfg.Ceiling {
			exp.Truncated = true
		}
	}
	return exp
}

func entryURL(en *entry) string {
	switch {
	case en.URL != "":
		return en.URL
	case en.WebpageURL != "":
		return en.WebpageURL
	case en.ID != "":
		return "https://www.youtube.com/watch?v=" + en.ID
	default:
		return ""
	}
}
