package downloader

import (
	"context"
	"fmt"
	"time"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/progress"
)

// Engine is the caller-facing surface of the download engine
type Engine interface {
	Submit(ctx context.Context, req JobRequest) (string, error)
	Cancel(ctx context.Context, jobID string) error
	Subscribe(jobID string, handler Handler) (func(), error)
	History() []Job
}

// Kind of media requested
type Kind = format.Kind

const (
	KindVideo = format.KindVideo
	KindAudio = format.KindAudio
)

// Stage of a child download
type Stage = progress.Stage

const (
	StageResolving   = progress.StageResolving
	StageDownloading = progress.StageDownloading
	StageConverting  = progress.StageConverting
)

// JobRequest is what the caller submits. It is never mutated.
type JobRequest struct {
	URL            string      `json:"url"`
	Kind           Kind        `json:"kind"`
	Quality        format.Tier `json:"quality"`
	DestinationDir string      `json:"destination_dir"`
}

// State of a job
type State string

const (
	StateQueued    State = "queued"
	StateExpanding State = "expanding"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// String returns the string representation of State
func (s State) String() string {
	return string(s)
}

// IsTerminal returns true for Completed, Failed and Canceled
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// ChildState of a single item within a job
type ChildState string

const (
	ChildPending  ChildState = "pending"
	ChildRunning  ChildState = "running"
	ChildDone     ChildState = "done"
	ChildFailed   ChildState = "failed"
	ChildCanceled ChildState = "canceled"
)

// String returns the string representation of ChildState
func (s ChildState) String() string {
	return string(s)
}

// IsTerminal returns true for Done, Failed and Canceled
func (s ChildState) IsTerminal() bool {
	return s == ChildDone || s == ChildFailed || s == ChildCanceled
}

// Child is a read-only view of one item of a job
type Child struct {
	Index      int        `json:"index"`
	SourceURL  string     `json:"source_url"`
	ID         string     `json:"id,omitempty"`
	Title      string     `json:"title,omitempty"`
	OutputPath string     `json:"output_path,omitempty"`
	State      ChildState `json:"state"`
	Progress   float64    `json:"progress"` // 0.0 - 100.0
	Stage      Stage      `json:"stage"`
	Attempts   int        `json:"attempts"`
	Err        *Error     `json:"error,omitempty"`
}

// Job is a read-only view of a job. The Manager hands out copies.
type Job struct {
	ID                string     `json:"id"`
	Request           JobRequest `json:"request"`
	State             State      `json:"state"`
	Title             string     `json:"title,omitempty"`
	IsCollection      bool       `json:"is_collection"`
	Children          []Child    `json:"children"`
	AggregateProgress float64    `json:"aggregate_progress"`
	Err               *Error     `json:"error,omitempty"`
	Warnings          []*Error   `json:"warnings,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// DoneCount returns how many children reached Done
func (j Job) DoneCount() int {
	n := 0
	for _, c := range j.Children {
		if c.State == ChildDone {
			n++
		}
	}
	return n
}

// Summary is the one-line status shown when a job ends
func (j Job) Summary() string {
	count := ""
	if j.IsCollection {
		count = fmt.Sprintf(" %d/%d", j.DoneCount(), len(j.Children))
	}
	switch j.State {
	case StateCompleted:
		return "Completed" + count
	case StateCanceled:
		return "Canceled" + count
	case StateFailed:
		reason := "failed"
		if j.Err != nil {
			reason = j.Err.Reason()
		}
		if j.IsCollection {
			return fmt.Sprintf("Failed: %s (completed%s)", reason, count)
		}
		return "Failed: " + reason
	default:
		return string(j.State)
	}
}

// NoChild marks a ProgressEvent that is not about a single child
const NoChild = -1

// ProgressEvent reports progress of one child and the job aggregate
type ProgressEvent struct {
	JobID            string  `json:"job_id"`
	ChildIndex       int     `json:"child_index"`
	Percent          float64 `json:"percent"`
	ETASeconds       int     `json:"eta_seconds"`
	SpeedBytesPerSec uint64  `json:"speed_bytes_per_sec"`
	Stage            Stage   `json:"stage"`
	AggregatePercent float64 `json:"aggregate_percent"`
}

// EventType tags an Event
type EventType int

const (
	// EventState reports a job state change
	EventState EventType = iota
	// EventChild reports a child state change
	EventChild
	// EventProgress carries a ProgressEvent
	EventProgress
	// EventWarning carries a non-fatal condition such as truncation
	EventWarning
	// EventTerminal is the last event of a job
	EventTerminal
)

func (t EventType) String() string {
	switch t {
	case EventState:
		return "state"
	case EventChild:
		return "child"
	case EventProgress:
		return "progress"
	case EventWarning:
		return "warning"
	case EventTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers
type Event struct {
	Type     EventType
	JobID    string
	State    State
	Child    *Child
	Progress *ProgressEvent
	Warning  *Error

	// Job is set on EventTerminal and when a job starts running.
	// Reason is set on EventTerminal.
	Job    *Job
	Reason string
}

// Handler receives events. Handlers for one subscription are called
// sequentially from a dedicated goroutine.
type Handler func(Event)
