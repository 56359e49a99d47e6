//go:build !windows

package process

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lineRecorder struct {
	mu    sync.Mutex
	lines []Line
}

func (r *lineRecorder) add(l Line) {
	r.mu.Lock()
	r.lines = append(r.lines, l)
	r.mu.Unlock()
}

func (r *lineRecorder) texts(stream Stream) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, l := range r.lines {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

func TestRunStreamsLines(t *testing.T) {
	runner := NewExecRunner(nil)
	rec := &lineRecorder{}

	code, err := runner.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "echo one; echo two; echo oops >&2; printf 'a\\rb\\n'"},
	}, rec.add)

	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"one", "two", "a", "b"}, rec.texts(Stdout))
	assert.Equal(t, []string{"oops"}, rec.texts(Stderr))
	assert.Equal(t, 0, runner.Live())
}

func TestRunNonZeroExit(t *testing.T) {
	runner := NewExecRunner(nil)

	code, err := runner.Run(context.Background(), Command{
		Path: "sh",
		Args: []string{"-c", "exit 3"},
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 3, code)
	assert.True(t, errors.Is(err, ErrNonZeroExit))

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.Code)
}

func TestRunExecutableNotFound(t *testing.T) {
	runner := NewExecRunner(nil)

	_, err := runner.Run(context.Background(), Command{Path: "definitely-not-a-real-binary-xyz"}, nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, runner.Live())
}

func TestRunCancelGraceful(t *testing.T) {
	runner := NewExecRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	go func() {
		<-started
		cancel()
	}()

	start := time.Now()
	_, err := runner.Run(ctx, Command{
		Path:        "sh",
		Args:        []string{"-c", "echo ready; sleep 30"},
		GracePeriod: 5 * time.Second,
	}, func(Line) { once.Do(func() { close(started) }) })

	assert.ErrorIs(t, err, ErrCanceled)
	assert.Less(t, time.Since(start), 5*time.Second, "SIGTERM should stop sleep well before the grace period")
	assert.Equal(t, 0, runner.Live())
}

func TestRunCancelForceKill(t *testing.T) {
	runner := NewExecRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	var once sync.Once
	go func() {
		<-started
		cancel()
	}()

	_, err := runner.Run(ctx, Command{
		Path:        "sh",
		Args:        []string{"-c", "trap '' TERM; echo ready; while true; do sleep 0.1; done"},
		GracePeriod: 200 * time.Millisecond,
	}, func(Line) { once.Do(func() { close(started) }) })

	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, 0, runner.Live())
}

func TestRunTimeout(t *testing.T) {
	runner := NewExecRunner(nil)

	_, err := runner.Run(context.Background(), Command{
		Path:        "sleep",
		Args:        []string{"30"},
		Timeout:     100 * time.Millisecond,
		GracePeriod: time.Second,
	}, nil)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 0, runner.Live())
}

func TestRunAlreadyCanceled(t *testing.T) {
	runner := NewExecRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := runner.Run(ctx, Command{Path: "sh", Args: []string{"-c", "echo hi"}}, nil)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestSplitLines(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		atEOF   bool
		advance int
		token   string
	}{
		{"newline", "abc\nrest", false, 4, "abc"},
		{"carriage return", "abc\rrest", false, 4, "abc"},
		{"crlf", "abc\r\nrest", false, 5, "abc"},
		{"partial", "abc", false, 0, ""},
		{"eof", "abc", true, 3, "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advance, token, err := splitLines([]byte(tt.data), tt.atEOF)
			require.NoError(t, err)
			assert.Equal(t, tt.advance, advance)
			assert.Equal(t, tt.token, string(token))
		})
	}
}
