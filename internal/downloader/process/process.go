// Package process runs external executables with line-streamed output,
// cooperative cancellation and bounded-grace termination.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Stream identifies which pipe a line was read from
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Line is one line of process output
type Line struct {
	Stream Stream
	Text   string
}

// Command describes a single process invocation
type Command struct {
	Path string
	Args []string
	Dir  string

	// Timeout bounds the whole run. Zero means no limit.
	Timeout time.Duration

	// GracePeriod is how long a terminated process may take to exit
	// before it is killed. Zero uses DefaultGracePeriod.
	GracePeriod time.Duration
}

// DefaultGracePeriod is used when Command.GracePeriod is zero
const DefaultGracePeriod = 5 * time.Second

// Runner is the capability the engine uses to drive external tools.
// Run blocks until the process has exited and been reaped. Cancelling ctx
// asks the process to terminate. onLine is called sequentially, in the
// order lines were read, and never after Run returns.
type Runner interface {
	Run(ctx context.Context, cmd Command, onLine func(Line)) (int, error)
}

var (
	// ErrNotFound means the executable could not be resolved
	ErrNotFound = errors.New("executable not found")

	// ErrNonZeroExit is matched by *ExitError
	ErrNonZeroExit = errors.New("non-zero exit status")

	// ErrCanceled means the process was stopped because ctx was cancelled
	ErrCanceled = errors.New("process canceled")

	// ErrTimeout means the process exceeded Command.Timeout
	ErrTimeout = errors.New("process timed out")
)

// ExitError reports a process that exited with a non-zero status
type ExitError struct {
	Path string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Path, e.Code)
}

// Is lets errors.Is(err, ErrNonZeroExit) match any *ExitError
func (e *ExitError) Is(target error) bool {
	return target == ErrNonZeroExit
}
