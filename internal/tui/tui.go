// Package tui renders download jobs in the terminal
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/tui/components/downloads"
	"github.com/0x3EF8/Micro-Downloader/internal/tui/utils"
)

// ErrInterrupted is returned when the view was closed before the job finished
var ErrInterrupted = errors.New("interrupted before the job finished")

// Engine is the part of the download engine the views use
type Engine interface {
	Cancel(ctx context.Context, jobID string) error
	Subscribe(jobID string, handler downloader.Handler) (func(), error)
}

// Run shows an interactive progress view until the job finishes or the
// user quits.
func Run(ctx context.Context, engine Engine, jobID, url string, out io.Writer) (downloader.Job, error) {
	model := downloads.New(jobID, url, func() error {
		return engine.Cancel(context.WithoutCancel(ctx), jobID)
	})
	p := tea.NewProgram(model, tea.WithContext(ctx), tea.WithOutput(out))

	unsubscribe, err := engine.Subscribe(jobID, func(ev downloader.Event) {
		p.Send(downloads.EventMsg{Event: ev})
	})
	if err != nil {
		return downloader.Job{}, err
	}
	defer unsubscribe()

	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return downloader.Job{}, fmt.Errorf("progress view failed: %w", err)
	}

	if m, ok := final.(downloads.Model); ok {
		if job, done := m.Final(); done {
			return job, nil
		}
	}
	return downloader.Job{}, ErrInterrupted
}

// RunPlain prints one line per notable event, for pipes and dumb
// terminals. Canceling ctx cancels the job and waits for it to settle.
func RunPlain(ctx context.Context, engine Engine, jobID string, out io.Writer) (downloader.Job, error) {
	pr := &plainPrinter{out: out, step: make(map[int]int)}
	done := make(chan downloader.Job, 1)

	unsubscribe, err := engine.Subscribe(jobID, func(ev downloader.Event) {
		pr.print(ev)
		if ev.Type == downloader.EventTerminal && ev.Job != nil {
			done <- *ev.Job
		}
	})
	if err != nil {
		return downloader.Job{}, err
	}
	defer unsubscribe()

	select {
	case job := <-done:
		return job, nil
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "canceling...")
	if err := engine.Cancel(context.WithoutCancel(ctx), jobID); err != nil {
		return downloader.Job{}, err
	}
	select {
	case job := <-done:
		return job, nil
	case <-time.After(30 * time.Second):
		return downloader.Job{}, ErrInterrupted
	}
}

// plainPrinter writes events as text. Progress is printed in 10% steps.
// Only called from one subscription goroutine.
type plainPrinter struct {
	out  io.Writer
	step map[int]int
}

func (p *plainPrinter) print(ev downloader.Event) {
	switch ev.Type {
	case downloader.EventState:
		line := "state: " + ev.State.String()
		if ev.Job != nil && ev.Job.Title != "" {
			line += fmt.Sprintf(" (%s", ev.Job.Title)
			if ev.Job.IsCollection {
				line += fmt.Sprintf(", %d items", len(ev.Job.Children))
			}
			line += ")"
		}
		fmt.Fprintln(p.out, line)

	case downloader.EventChild:
		c := ev.Child
		if c == nil {
			return
		}
		name := c.Title
		if name == "" {
			name = c.SourceURL
		}
		switch c.State {
		case downloader.ChildRunning:
			fmt.Fprintf(p.out, "[%d] started: %s\n", c.Index+1, name)
		case downloader.ChildDone:
			fmt.Fprintf(p.out, "[%d] saved: %s\n", c.Index+1, c.OutputPath)
		case downloader.ChildFailed:
			reason := "failed"
			if c.Err != nil {
				reason = c.Err.Reason()
			}
			fmt.Fprintf(p.out, "[%d] failed: %s (%s)\n", c.Index+1, name, reason)
		case downloader.ChildCanceled:
			fmt.Fprintf(p.out, "[%d] canceled: %s\n", c.Index+1, name)
		}

	case downloader.EventProgress:
		pe := ev.Progress
		if pe == nil {
			return
		}
		step := int(math.Floor(pe.Percent / 10))
		if step <= p.step[pe.ChildIndex] {
			return
		}
		p.step[pe.ChildIndex] = step
		line := fmt.Sprintf("[%d] %s %3.0f%%", pe.ChildIndex+1, pe.Stage, pe.Percent)
		if pe.SpeedBytesPerSec > 0 {
			line += " at " + humanize.IBytes(pe.SpeedBytesPerSec) + "/s"
		}
		if pe.ETASeconds > 0 {
			line += " ETA " + utils.FormatDuration(time.Duration(pe.ETASeconds)*time.Second)
		}
		fmt.Fprintln(p.out, line)

	case downloader.EventWarning:
		if ev.Warning != nil {
			fmt.Fprintln(p.out, "warning: "+ev.Warning.Message)
		}

	case downloader.EventTerminal:
		fmt.Fprintln(p.out, ev.Reason)
	}
}
