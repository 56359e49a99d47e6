package downloader

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
)

// step scripts one extractor run for a URL
type step struct {
	lines []string
	exit  int
	ext   string
	block bool            // run until canceled, leaving a .part file
	gate  <-chan struct{} // wait for close before finishing
}

// fakeRunner plays the extractor and transcoder without real processes.
// Listings are served for -J runs; downloads follow the scripted steps
// for their URL and otherwise succeed.
type fakeRunner struct {
	mu            sync.Mutex
	listings      map[string]string
	steps         map[string][]step
	failTranscode bool
	missing       bool

	calls      map[string]int
	started    []string
	args       map[string][]string
	live       int
	maxLive    int
	transcodes int
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		listings: make(map[string]string),
		steps:    make(map[string][]step),
		calls:    make(map[string]int),
		args:     make(map[string][]string),
	}
}

func (r *fakeRunner) listing(url, listing string) {
	r.mu.Lock()
	r.listings[url] = listing
	r.mu.Unlock()
}

func (r *fakeRunner) script(url string, steps ...step) {
	r.mu.Lock()
	r.steps[url] = steps
	r.mu.Unlock()
}

func (r *fakeRunner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.live
}

func (r *fakeRunner) MaxLive() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxLive
}

func (r *fakeRunner) Started() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *fakeRunner) Calls(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func (r *fakeRunner) Args(url string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args[url]
}

func (r *fakeRunner) Transcodes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transcodes
}

func (r *fakeRunner) Run(ctx context.Context, cmd process.Command, onLine func(process.Line)) (int, error) {
	if r.missing {
		return -1, process.ErrNotFound
	}
	if ctx.Err() != nil {
		return -1, process.ErrCanceled
	}
	switch {
	case cmd.Path == "ffmpeg":
		return r.runTranscoder(cmd, onLine)
	case slices.Contains(cmd.Args, "-J"):
		return r.runListing(cmd, onLine)
	default:
		return r.runDownload(ctx, cmd, onLine)
	}
}

func (r *fakeRunner) runListing(cmd process.Command, onLine func(process.Line)) (int, error) {
	url := cmd.Args[len(cmd.Args)-1]

	r.mu.Lock()
	listing, ok := r.listings[url]
	r.mu.Unlock()

	if !ok {
		onLine(process.Line{Stream: process.Stderr, Text: "ERROR: Unsupported URL: " + url})
		return 1, &process.ExitError{Path: cmd.Path, Code: 1}
	}
	onLine(process.Line{Stream: process.Stdout, Text: listing})
	return 0, nil
}

func (r *fakeRunner) runDownload(ctx context.Context, cmd process.Command, onLine func(process.Line)) (int, error) {
	url := cmd.Args[len(cmd.Args)-1]
	template := argAfter(cmd.Args, "-o")

	r.mu.Lock()
	n := r.calls[url]
	r.calls[url]++
	r.started = append(r.started, url)
	r.args[url] = cmd.Args
	var st step
	if steps := r.steps[url]; len(steps) > 0 {
		st = steps[min(n, len(steps)-1)]
	}
	r.live++
	r.maxLive = max(r.maxLive, r.live)
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.live--
		r.mu.Unlock()
	}()

	ext := st.ext
	if ext == "" {
		ext = "mp4"
	}
	path := strings.ReplaceAll(strings.ReplaceAll(template, "%(ext)s", ext), "%%", "%")

	out := func(text string) { onLine(process.Line{Stream: process.Stdout, Text: text}) }
	out("[youtube] Extracting URL: " + url)
	out("[download] Destination: " + path)
	for _, l := range st.lines {
		onLine(process.Line{Stream: process.Stderr, Text: l})
	}

	if st.block {
		_ = os.WriteFile(path+".part", []byte("partial"), 0644)
		<-ctx.Done()
		return -1, process.ErrCanceled
	}
	if st.gate != nil {
		select {
		case <-st.gate:
		case <-ctx.Done():
			return -1, process.ErrCanceled
		}
	}
	if st.exit != 0 {
		return st.exit, &process.ExitError{Path: cmd.Path, Code: st.exit}
	}

	out("[download]  50.0% of   10.00MiB at    1.00MiB/s ETA 00:05")
	out("[download] 100% of   10.00MiB in 00:00:10 at 1.00MiB/s")
	if err := os.WriteFile(path, []byte("media"), 0644); err != nil {
		return 1, &process.ExitError{Path: cmd.Path, Code: 1}
	}
	return 0, nil
}

func (r *fakeRunner) runTranscoder(cmd process.Command, onLine func(process.Line)) (int, error) {
	r.mu.Lock()
	r.transcodes++
	fail := r.failTranscode
	r.mu.Unlock()

	output := cmd.Args[len(cmd.Args)-1]
	onLine(process.Line{Stream: process.Stderr, Text: "  Duration: 00:00:10.00, start: 0.000000, bitrate: 128 kb/s"})
	if fail {
		_ = os.WriteFile(output, []byte("half"), 0644)
		onLine(process.Line{Stream: process.Stderr, Text: "Conversion failed!"})
		return 1, &process.ExitError{Path: cmd.Path, Code: 1}
	}
	onLine(process.Line{Stream: process.Stdout, Text: "out_time_us=5000000"})
	onLine(process.Line{Stream: process.Stdout, Text: "progress=end"})
	if err := os.WriteFile(output, []byte("converted"), 0644); err != nil {
		return 1, &process.ExitError{Path: cmd.Path, Code: 1}
	}
	return 0, nil
}

func argAfter(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

// collector records every event of the engine
type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) add(ev Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *collector) forJob(id string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, ev := range c.events {
		if ev.JobID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (c *collector) waitTerminal(t *testing.T, id string) Event {
	t.Helper()
	var term Event
	require.Eventually(t, func() bool {
		for _, ev := range c.forJob(id) {
			if ev.Type == EventTerminal {
				term = ev
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "job %s never finished", id)
	return term
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		ExtractorPath:    "yt-dlp",
		TranscoderPath:   "ffmpeg",
		MaxConcurrency:   2,
		ProcessTimeout:   time.Minute,
		GracePeriod:      time.Second,
		PlaylistCeiling:  50,
		RetryAttempts:    2,
		FormatFallback:   "ceiling",
		FilenameTemplate: DefaultFilenameTemplate,
	}
}

// startManager builds and starts a Manager around runner. The returned
// collector sees every event.
func startManager(t *testing.T, runner process.Runner, mutate func(*config.EngineConfig), opts ...Option) (*Manager, *collector) {
	t.Helper()
	cfg := testEngineConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	m, err := NewManager(&cfg, runner, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)

	c := &collector{}
	m.SubscribeAll(c.add)

	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop() })
	return m, c
}
