package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/playlist"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/process"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/progress"
	"github.com/0x3EF8/Micro-Downloader/internal/retry"
)

// Request and lifecycle errors returned directly by Manager methods
var (
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInsufficientSpace = errors.New("insufficient disk space")
	ErrManagerStopped    = errors.New("manager stopped")
	ErrJobNotFound       = errors.New("job not found")
)

// ErrorKind classifies a job or child failure
type ErrorKind int

const (
	ExtractionFailure ErrorKind = iota
	ExecutableNotFound
	NetworkFailure
	Timeout
	UnsupportedSource
	FormatUnavailable
	TranscodeFailure
	EmptySource
	Canceled
	// ExpansionTruncated only ever appears as a warning
	ExpansionTruncated
)

var errorKindNames = map[ErrorKind]string{
	ExtractionFailure:  "extraction_failure",
	ExecutableNotFound: "executable_not_found",
	NetworkFailure:     "network_failure",
	Timeout:            "timeout",
	UnsupportedSource:  "unsupported_source",
	FormatUnavailable:  "format_unavailable",
	TranscodeFailure:   "transcode_failure",
	EmptySource:        "empty_source",
	Canceled:           "canceled",
	ExpansionTruncated: "expansion_truncated",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText keeps the kind readable in JSON and the history database
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses a name produced by MarshalText
func (k *ErrorKind) UnmarshalText(b []byte) error {
	for kind, name := range errorKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Error is the engine's failure type. Message carries the tool's own
// wording for logs; Reason is what users see.
type Error struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message,omitempty"`
	Attempts int       `json:"attempts,omitempty"`
	Err      error     `json:"-"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable is true for transient failures: network errors and timeouts
func (e *Error) Retryable() bool {
	return e.Kind == NetworkFailure || e.Kind == Timeout
}

// Reason is a short human-readable explanation
func (e *Error) Reason() string {
	switch e.Kind {
	case ExecutableNotFound:
		return "a required tool is not installed or not on PATH"
	case NetworkFailure:
		return "network error, try again later"
	case Timeout:
		return "the download timed out"
	case UnsupportedSource:
		return "this link is not supported or the content is unavailable"
	case FormatUnavailable:
		return "no format matching the requested quality is available"
	case TranscodeFailure:
		return "converting the downloaded file failed"
	case EmptySource:
		return "there is nothing to download at this link"
	case Canceled:
		return "canceled"
	case ExpansionTruncated:
		if e.Message != "" {
			return e.Message
		}
		return "the playlist was truncated"
	default:
		return "the download failed"
	}
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// kindForClass maps extractor error markers onto the taxonomy.
// Private or removed content is reported as an unsupported source.
func kindForClass(c progress.Class) ErrorKind {
	switch c {
	case progress.ClassNetwork:
		return NetworkFailure
	case progress.ClassUnsupported, progress.ClassUnavailable:
		return UnsupportedSource
	case progress.ClassFormat:
		return FormatUnavailable
	default:
		return ExtractionFailure
	}
}

// classify converts runner, expander and retry errors into an *Error
func classify(err error) *Error {
	if err == nil {
		return nil
	}

	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		e := classify(exhausted.Err)
		cp := *e
		cp.Attempts = exhausted.Attempts
		return &cp
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var perr *playlist.Error
	switch {
	case errors.As(err, &perr):
		return newError(kindForClass(perr.Class), perr.Message, err)
	case errors.Is(err, process.ErrNotFound):
		return newError(ExecutableNotFound, err.Error(), err)
	case errors.Is(err, process.ErrCanceled), errors.Is(err, context.Canceled):
		return newError(Canceled, "", err)
	case errors.Is(err, process.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return newError(Timeout, err.Error(), err)
	default:
		return newError(ExtractionFailure, err.Error(), err)
	}
}
