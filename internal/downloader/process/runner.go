package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize bounds a single output line. Flat playlist listings arrive
// as one JSON document on a single line.
const maxLineSize = 64 << 20

// ExecRunner implements Runner on top of os/exec
type ExecRunner struct {
	logger *slog.Logger

	mu      sync.Mutex
	handles map[int]string // pid -> executable
}

// NewExecRunner creates a runner that tracks every process it starts
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		logger:  logger,
		handles: make(map[int]string),
	}
}

// Live returns the number of processes started and not yet reaped
func (r *ExecRunner) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Run starts cmd, streams its output to onLine and waits for it to exit
func (r *ExecRunner) Run(ctx context.Context, c Command, onLine func(Line)) (int, error) {
	path, err := exec.LookPath(c.Path)
	if err != nil {
		return -1, fmt.Errorf("%w: %s", ErrNotFound, c.Path)
	}
	if ctx.Err() != nil {
		return -1, ErrCanceled
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.Command(path, c.Args...)
	cmd.Dir = c.Dir
	setupProcessAttributes(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return -1, fmt.Errorf("%w: %s", ErrNotFound, c.Path)
		}
		return -1, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	pid := cmd.Process.Pid
	r.track(pid, c.Path)
	defer r.untrack(pid)

	logger := r.logger.With("pid", pid, "exe", c.Path)
	logger.Debug("process started", "args", c.Args)

	lines := make(chan Line, 64)
	var readers sync.WaitGroup
	readers.Add(2)
	go scanLines(stdout, Stdout, lines, &readers)
	go scanLines(stderr, Stderr, lines, &readers)
	go func() {
		readers.Wait()
		close(lines)
	}()

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for line := range lines {
			if onLine != nil {
				onLine(line)
			}
		}
	}()

	// Wait must not run before the pipes are drained
	exited := make(chan error, 1)
	go func() {
		<-delivered
		exited <- cmd.Wait()
	}()

	select {
	case err := <-exited:
		return r.result(c.Path, err)
	case <-runCtx.Done():
	}

	reason := ErrTimeout
	if ctx.Err() != nil {
		reason = ErrCanceled
	}

	if err := terminate(cmd); err != nil {
		logger.Debug("termination request failed", "error", err)
	}

	grace := c.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
	case <-timer.C:
		logger.Warn("process ignored termination request, killing", "grace", grace)
		if err := kill(cmd); err != nil {
			logger.Error("failed to kill process", "error", err)
		}
		<-exited
	}

	logger.Debug("process stopped", "reason", reason)
	return cmd.ProcessState.ExitCode(), reason
}

func (r *ExecRunner) result(path string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), &ExitError{Path: path, Code: exitErr.ExitCode()}
	}
	return -1, fmt.Errorf("failed waiting for %s: %w", path, err)
}

func (r *ExecRunner) track(pid int, path string) {
	r.mu.Lock()
	r.handles[pid] = path
	r.mu.Unlock()
}

func (r *ExecRunner) untrack(pid int) {
	r.mu.Lock()
	delete(r.handles, pid)
	r.mu.Unlock()
}

// scanLines forwards every line of rd to out. Carriage returns also end a
// line since the transcoder rewrites its status line in place.
func scanLines(rd io.Reader, stream Stream, out chan<- Line, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(rd)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	scanner.Split(splitLines)

	for scanner.Scan() {
		out <- Line{Stream: stream, Text: scanner.Text()}
	}

	// Keep draining so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, rd)
}

func splitLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance := i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
