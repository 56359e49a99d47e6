package downloader

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/0x3EF8/Micro-Downloader/internal/config"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/playlist"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/tools"
	"github.com/0x3EF8/Micro-Downloader/internal/retry"
)

// Expander lists a URL into downloadable items
type Expander interface {
	Expand(ctx context.Context, url string) (*playlist.Expansion, error)
}

// HistoryRecorder persists finished jobs. Failures are logged and never
// affect the job.
type HistoryRecorder interface {
	Record(ctx context.Context, job Job) error
}

// Option configures a Manager
type Option func(*Manager)

// WithExpander replaces the extractor-backed playlist expander
func WithExpander(e Expander) Option {
	return func(m *Manager) { m.expander = e }
}

// WithHistoryRecorder persists every finished job through r
func WithHistoryRecorder(r HistoryRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

const recordTimeout = 10 * time.Second

// Manager implements Engine. It owns every job and bounds the number of
// concurrently running children with a fixed pool of workers.
type Manager struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled when a child becomes runnable or on stop

	cfg      config.EngineConfig
	runner   process.Runner
	resolver *format.Resolver
	expander Expander
	recorder HistoryRecorder
	logger   *slog.Logger

	jobs     map[string]*job
	order    []*job // unfinished jobs in submission order
	rrNext   int    // position in order the next pick starts from, modulo len(order)
	history  []*job // finished jobs in completion order
	reserved map[string]struct{}
	allSubs  []*subscription

	// Worker pool
	workers  []*worker
	workerWg sync.WaitGroup
	taskWg   sync.WaitGroup // expansion goroutines

	running bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewManager creates a new download manager. A nil runner uses real
// processes.
func NewManager(cfg *config.EngineConfig, runner process.Runner, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if runner == nil {
		runner = process.NewExecRunner(logger)
	}
	if cfg.MaxConcurrency < 1 {
		return nil, fmt.Errorf("max concurrency must be at least 1, got %d", cfg.MaxConcurrency)
	}

	policy, err := format.ParsePolicy(cfg.FormatFallback)
	if err != nil {
		return nil, err
	}

	ecfg := *cfg
	if ecfg.FilenameTemplate == "" {
		ecfg.FilenameTemplate = DefaultFilenameTemplate
	}
	if err := ValidateTemplate(ecfg.FilenameTemplate); err != nil {
		return nil, fmt.Errorf("invalid filename template: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      ecfg,
		runner:   runner,
		resolver: format.NewResolver(policy),
		logger:   logger,
		jobs:     make(map[string]*job),
		reserved: make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.cond = sync.NewCond(&m.mu)

	for _, opt := range opts {
		opt(m)
	}

	if m.expander == nil {
		m.expander = playlist.NewExpander(runner, playlist.Config{
			ExtractorPath: ecfg.ExtractorPath,
			Ceiling:       ecfg.PlaylistCeiling,
			Timeout:       ecfg.ProcessTimeout,
			GracePeriod:   ecfg.GracePeriod,
		}, logger)
	}
	if m.recorder != nil {
		m.SubscribeAll(m.recordTerminal)
	}

	return m, nil
}

// CheckTools reports whether the configured extractor and transcoder can
// be found, logging a warning for each missing one.
func (m *Manager) CheckTools(ctx context.Context) (extractor, transcoder *tools.ToolInfo) {
	extractor, transcoder = tools.DetectTools(ctx, m.cfg.ExtractorPath, m.cfg.TranscoderPath)
	for _, t := range []*tools.ToolInfo{extractor, transcoder} {
		if !t.Available {
			m.logger.Warn("external tool not available", "tool", t.Type.String(), "path", t.Name, "error", t.Err)
		}
	}
	return extractor, transcoder
}

// Start launches the worker pool. The manager stops when ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrManagerStopped
	}
	if m.running {
		return fmt.Errorf("manager already running")
	}

	m.running = true
	m.startWorkerPool()

	go func() {
		select {
		case <-ctx.Done():
			_ = m.Stop()
		case <-m.ctx.Done():
		}
	}()

	m.logger.Info("download manager started", "workers", len(m.workers))
	return nil
}

// Stop cancels every unfinished job, waits for workers and child
// processes to exit and for engine-wide subscribers to drain.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.running = false

	for _, j := range append([]*job(nil), m.order...) {
		m.cancelJobLocked(j)
	}
	m.cancel()
	m.cond.Broadcast()
	m.mu.Unlock()

	m.workerWg.Wait()
	m.taskWg.Wait()

	m.mu.Lock()
	subs := m.allSubs
	m.allSubs = nil
	m.mu.Unlock()
	for _, s := range subs {
		s.close()
		<-s.done
	}

	m.logger.Info("download manager stopped")
	return nil
}

// Submit validates req, registers a job and starts expanding it in the
// background. It returns the job id.
func (m *Manager) Submit(ctx context.Context, req JobRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req, spec, err := m.normalize(req)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(req.DestinationDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}
	if err := m.checkDiskSpace(req.DestinationDir); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return "", ErrManagerStopped
	}

	jctx, cancel := context.WithCancel(m.ctx)
	j := &job{
		id:        uuid.NewString(),
		req:       req,
		spec:      spec,
		state:     StateQueued,
		createdAt: time.Now(),
		ctx:       jctx,
		cancel:    cancel,
	}
	m.jobs[j.id] = j
	m.order = append(m.order, j)
	m.emitLocked(j, Event{Type: EventState})

	m.logger.Info("job submitted", "job_id", j.id, "url", req.URL, "kind", req.Kind, "quality", req.Quality)

	m.taskWg.Add(1)
	go m.expand(j)

	return j.id, nil
}

// normalize fills defaults and resolves the format spec
func (m *Manager) normalize(req JobRequest) (JobRequest, format.Spec, error) {
	req.URL = strings.TrimSpace(req.URL)
	if req.URL == "" || strings.ContainsAny(req.URL, " \t\r\n") {
		return req, format.Spec{}, fmt.Errorf("%w: url %q", ErrInvalidRequest, req.URL)
	}

	kind, err := format.ParseKind(string(req.Kind))
	if err != nil {
		return req, format.Spec{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Kind = kind

	tier, err := format.ParseTier(kind, string(req.Quality))
	if err != nil {
		return req, format.Spec{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.Quality = tier
	spec, err := m.resolver.Resolve(kind, req.Quality)
	if err != nil {
		return req, format.Spec{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if strings.TrimSpace(req.DestinationDir) == "" {
		return req, format.Spec{}, fmt.Errorf("%w: destination directory is required", ErrInvalidRequest)
	}
	dir, err := filepath.Abs(req.DestinationDir)
	if err != nil {
		return req, format.Spec{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	req.DestinationDir = dir

	return req, spec, nil
}

// expand lists the job's URL and turns it into children
func (m *Manager) expand(j *job) {
	defer m.taskWg.Done()

	m.mu.Lock()
	if j.cancelRequested {
		m.finalizeLocked(j)
		m.mu.Unlock()
		return
	}
	j.state = StateExpanding
	m.emitLocked(j, Event{Type: EventState})
	m.mu.Unlock()

	logger := m.logger.With("job_id", j.id)

	var exp *playlist.Expansion
	err := retry.Do(j.ctx, m.retryConfig(logger, "expand"), nil, func(ctx context.Context) error {
		e, err := m.expander.Expand(ctx, j.req.URL)
		if err != nil {
			return classify(err)
		}
		exp = e
		return nil
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case j.cancelRequested:
	case err != nil:
		j.expandErr = classify(err)
		logger.Warn("expansion failed", "url", j.req.URL, "error", j.expandErr)
	case len(exp.Items) == 0:
		j.isCollection = exp.IsCollection
		j.title = exp.Title
		j.expandErr = newError(EmptySource, "listing has no entries", nil)
		logger.Warn("nothing to download", "url", j.req.URL)
	}
	if j.cancelRequested || j.expandErr != nil {
		m.finalizeLocked(j)
		return
	}

	j.isCollection = exp.IsCollection
	j.title = exp.Title
	if j.title == "" && len(exp.Items) == 1 {
		j.title = exp.Items[0].Title
	}

	for i, item := range exp.Items {
		name, err := ParseTemplate(m.cfg.FilenameTemplate, TemplateData{
			Title:    item.Title,
			ID:       item.ID,
			Index:    i + 1,
			Playlist: exp.Title,
			Kind:     j.req.Kind,
			Quality:  string(j.req.Quality),
		})
		if err != nil {
			name = SanitizeFilename(item.Title)
		}
		base := m.reserveLocked(j.req.DestinationDir, name)
		j.children = append(j.children, newChild(i, item, j.req.DestinationDir, base, m.cfg.ProgressInterval))
	}

	if exp.Truncated {
		w := newError(ExpansionTruncated,
			fmt.Sprintf("playlist has %d entries, downloading the first %d", exp.Total, len(exp.Items)), nil)
		j.warnings = append(j.warnings, w)
		m.emitLocked(j, Event{Type: EventWarning, Warning: w})
	}

	j.state = StateRunning
	snap := j.snapshot()
	m.emitLocked(j, Event{Type: EventState, Job: &snap})
	logger.Info("job expanded", "children", len(j.children), "collection", j.isCollection)

	m.cond.Broadcast()
}

// Cancel stops a job. Running children are terminated, pending ones never
// start. Canceling a finished job is a no-op.
func (m *Manager) Cancel(ctx context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return ErrJobNotFound
	}
	m.cancelJobLocked(j)
	return nil
}

func (m *Manager) cancelJobLocked(j *job) {
	if j.state.IsTerminal() || j.cancelRequested {
		return
	}
	j.cancelRequested = true
	j.cancel()

	for _, c := range j.children {
		if c.state == ChildPending {
			c.state = ChildCanceled
			m.releaseLocked(c)
			m.emitChildLocked(j, c)
		}
	}
	m.logger.Info("job canceled", "job_id", j.id, "state", j.state)

	if j.state == StateRunning && j.settled() {
		m.finalizeLocked(j)
	}
}

// next blocks until a pending child can run or the manager stops. Jobs
// take turns: each pick starts after the job that was served last.
func (m *Manager) next() (*job, *child, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if m.stopped {
			return nil, nil, false
		}
		if j, c := m.pickLocked(); c != nil {
			c.state = ChildRunning
			j.running++
			m.emitChildLocked(j, c)
			m.emitProgressLocked(j, c, 0, 0)
			return j, c, true
		}
		m.cond.Wait()
	}
}

func (m *Manager) pickLocked() (*job, *child) {
	n := len(m.order)
	for i := 0; i < n; i++ {
		idx := (m.rrNext + i) % n
		j := m.order[idx]
		if j.state != StateRunning || j.cancelRequested {
			continue
		}
		if c := j.nextPending(); c != nil {
			m.rrNext = idx + 1
			return j, c
		}
	}
	return nil, nil
}

// reportProgress is called by workers as their processes report progress
func (m *Manager) reportProgress(j *job, c *child, stage Stage, percent float64, speed uint64, eta time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state != ChildRunning {
		return
	}
	if _, emit := c.advance(stage, percent); emit {
		m.emitProgressLocked(j, c, speed, int(eta.Seconds()))
	}
}

func (m *Manager) setAttempt(c *child, n int) {
	m.mu.Lock()
	c.attempt = n
	m.mu.Unlock()
}

// completeChild records the outcome of a child run and finalizes the job
// once every child has settled.
func (m *Manager) completeChild(j *job, c *child, output string, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j.running--
	switch {
	case err == nil:
		c.state = ChildDone
		c.percent = 100
		c.output = output
		m.emitProgressLocked(j, c, 0, 0)
	case err.Kind == Canceled || j.cancelRequested:
		c.state = ChildCanceled
		c.err = newError(Canceled, "", nil)
	default:
		c.state = ChildFailed
		c.err = err
		j.recordFailure(err)
	}
	m.releaseLocked(c)
	m.emitChildLocked(j, c)

	if j.settled() {
		m.finalizeLocked(j)
	}
}

func (m *Manager) finalizeLocked(j *job) {
	if j.state.IsTerminal() {
		return
	}

	j.state, j.err = j.outcome()
	j.finishedAt = time.Now()
	j.cancel()

	for i, other := range m.order {
		if other == j {
			m.order = append(m.order[:i], m.order[i+1:]...)
			if i < m.rrNext {
				m.rrNext--
			}
			break
		}
	}
	for _, c := range j.children {
		m.releaseLocked(c)
	}
	m.history = append(m.history, j)

	ev := terminalEvent(j)
	for _, s := range j.subs {
		s.push(ev)
		s.close()
	}
	j.subs = nil
	for _, s := range m.allSubs {
		s.push(ev)
	}

	attrs := []any{"job_id", j.id, "state", j.state, "summary", ev.Reason, "duration", j.finishedAt.Sub(j.createdAt)}
	if j.state == StateFailed {
		m.logger.Warn("job finished", append(attrs, "error", j.err)...)
	} else {
		m.logger.Info("job finished", attrs...)
	}
	m.cond.Broadcast()
}

// reserveLocked claims a base name in dir that no unfinished child uses
func (m *Manager) reserveLocked(dir, name string) string {
	base := uniqueName(name, func(candidate string) bool {
		_, taken := m.reserved[reservationKey(dir, candidate)]
		return taken
	})
	m.reserved[reservationKey(dir, base)] = struct{}{}
	return base
}

func (m *Manager) releaseLocked(c *child) {
	delete(m.reserved, reservationKey(c.dir, c.base))
}

// reservationKey folds case so names that collide on case-insensitive
// filesystems are kept apart.
func reservationKey(dir, base string) string {
	return strings.ToLower(filepath.Join(dir, base))
}

// History returns finished jobs in completion order
func (m *Manager) History() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, len(m.history))
	for i, j := range m.history {
		out[i] = j.snapshot()
	}
	return out
}

// Get returns a snapshot of one job
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j.snapshot(), nil
}

// Active returns unfinished jobs in submission order
func (m *Manager) Active() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Job, len(m.order))
	for i, j := range m.order {
		out[i] = j.snapshot()
	}
	return out
}

func (m *Manager) retryConfig(logger *slog.Logger, op string) retry.Config {
	cfg := retry.Config{
		MaxRetries:     m.cfg.RetryAttempts,
		InitialBackoff: m.cfg.RetryBackoff,
		MaxBackoff:     4 * m.cfg.RetryBackoff,
		Multiplier:     2,
		JitterFraction: 0.2,
	}
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		logger.Warn("retrying after transient failure", "op", op, "attempt", attempt, "wait", wait, "error", err)
	}
	return cfg
}

func (m *Manager) recordTerminal(ev Event) {
	if ev.Type != EventTerminal || ev.Job == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := m.recorder.Record(ctx, *ev.Job); err != nil {
		m.logger.Error("failed to record job history", "job_id", ev.JobID, "error", err)
	}
}

// startWorkerPool starts the worker goroutines
func (m *Manager) startWorkerPool() {
	m.workers = make([]*worker, m.cfg.MaxConcurrency)
	for i := range m.workers {
		w := newWorker(i, m)
		m.workers[i] = w

		m.workerWg.Add(1)
		go func() {
			defer m.workerWg.Done()
			w.run()
		}()
	}
}
