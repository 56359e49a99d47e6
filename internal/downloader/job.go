package downloader

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader/format"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader/playlist"
)

// runningCap keeps a child below 100 until it is actually Done
const runningCap = 99.0

// job is the mutable record behind a Job. All fields are guarded by
// Manager.mu.
type job struct {
	id   string
	req  JobRequest
	spec format.Spec

	state        State
	title        string
	isCollection bool
	children     []*child
	aggregate    float64
	warnings     []*Error
	createdAt    time.Time
	finishedAt   time.Time

	ctx             context.Context
	cancel          context.CancelFunc
	cancelRequested bool

	// expandErr fails the job before any child exists
	expandErr *Error
	// firstPermanent and lastTransient pick the job's summary error
	firstPermanent *Error
	lastTransient  *Error

	running int
	subs    []*subscription
	err     *Error
}

// child is one item of a job
type child struct {
	index   int
	item    playlist.Item
	base    string // output file name without extension
	dir     string
	output  string
	state   ChildState
	percent float64
	stage   Stage
	attempt int
	err     *Error

	limiter *rate.Limiter
}

func newChild(index int, item playlist.Item, dir, base string, interval time.Duration) *child {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &child{
		index:   index,
		item:    item,
		dir:     dir,
		base:    base,
		state:   ChildPending,
		stage:   StageResolving,
		limiter: rate.NewLimiter(limit, 1),
	}
}

func (c *child) snapshot() Child {
	return Child{
		Index:      c.index,
		SourceURL:  c.item.URL,
		ID:         c.item.ID,
		Title:      c.item.Title,
		OutputPath: c.output,
		State:      c.state,
		Progress:   c.percent,
		Stage:      c.stage,
		Attempts:   c.attempt,
		Err:        c.err,
	}
}

// advance moves a running child forward. It returns the clamped percent
// and whether an event should go out: always on a stage change, otherwise
// as the limiter allows.
func (c *child) advance(stage Stage, percent float64) (float64, bool) {
	if percent > runningCap {
		percent = runningCap
	}
	if percent < c.percent {
		percent = c.percent
	}
	stageChanged := stage > c.stage
	if stage < c.stage {
		stage = c.stage
	}

	moved := percent > c.percent
	c.percent = percent
	c.stage = stage

	if stageChanged {
		// Counts against the interval like any other event
		c.limiter.Allow()
		return percent, true
	}
	return percent, moved && c.limiter.Allow()
}

func (j *job) snapshot() Job {
	out := Job{
		ID:                j.id,
		Request:           j.req,
		State:             j.state,
		Title:             j.title,
		IsCollection:      j.isCollection,
		AggregateProgress: j.aggregate,
		Err:               j.err,
		CreatedAt:         j.createdAt,
	}
	if len(j.warnings) > 0 {
		out.Warnings = append([]*Error(nil), j.warnings...)
	}
	out.Children = make([]Child, len(j.children))
	for i, c := range j.children {
		out.Children[i] = c.snapshot()
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		out.FinishedAt = &t
	}
	return out
}

// recomputeAggregate sets the job progress to the mean of its children.
// Failed and canceled children keep their last value, so the aggregate
// never moves backwards.
func (j *job) recomputeAggregate() float64 {
	if len(j.children) == 0 {
		return j.aggregate
	}
	var sum float64
	for _, c := range j.children {
		sum += c.percent
	}
	agg := sum / float64(len(j.children))
	if agg > 100 {
		agg = 100
	}
	if agg > j.aggregate {
		j.aggregate = agg
	}
	return j.aggregate
}

// nextPending returns the first Pending child in index order
func (j *job) nextPending() *child {
	for _, c := range j.children {
		if c.state == ChildPending {
			return c
		}
	}
	return nil
}

// settled is true once no child is pending or running
func (j *job) settled() bool {
	for _, c := range j.children {
		if !c.state.IsTerminal() {
			return false
		}
	}
	return true
}

// recordFailure remembers a child failure for the job summary
func (j *job) recordFailure(err *Error) {
	if err.Retryable() {
		j.lastTransient = err
		return
	}
	if j.firstPermanent == nil {
		j.firstPermanent = err
	}
}

// outcome decides the terminal state. Cancellation wins over failures and
// carries no job error; a job is Completed only when every child is Done.
func (j *job) outcome() (State, *Error) {
	if j.cancelRequested {
		return StateCanceled, nil
	}
	if j.expandErr != nil {
		return StateFailed, j.expandErr
	}

	done := 0
	for _, c := range j.children {
		if c.state == ChildDone {
			done++
		}
	}
	if len(j.children) > 0 && done == len(j.children) {
		return StateCompleted, nil
	}

	switch {
	case j.firstPermanent != nil:
		return StateFailed, j.firstPermanent
	case j.lastTransient != nil:
		return StateFailed, j.lastTransient
	default:
		return StateFailed, newError(ExtractionFailure, fmt.Sprintf("%d of %d items did not finish", len(j.children)-done, len(j.children)), nil)
	}
}
