// Package downloads renders the live progress of one download job
package downloads

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
	"github.com/0x3EF8/Micro-Downloader/internal/tui/styles"
	"github.com/0x3EF8/Micro-Downloader/internal/tui/utils"
)

// EventMsg carries an engine event into the program
type EventMsg struct {
	Event downloader.Event
}

// cancelRequestedMsg reports the result of a cancel request
type cancelRequestedMsg struct {
	err error
}

// maxRows is how many items are listed before the rest are summarized
const maxRows = 8

type row struct {
	title   string
	state   downloader.ChildState
	stage   downloader.Stage
	percent float64
	speed   uint64
	eta     time.Duration
	output  string
	err     string
}

// Model shows one job: an aggregate bar plus a line per item
type Model struct {
	jobID     string
	url       string
	title     string
	state     downloader.State
	aggregate float64
	rows      []row
	warnings  []string

	final  *downloader.Job
	reason string

	cancel    func() error
	canceling bool
	cancelErr error

	progressBar progress.Model
	width       int
}

// New creates a model for jobID. cancel is called when the user asks to
// stop the job.
func New(jobID, url string, cancel func() error) Model {
	prog := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(30),
		progress.WithoutPercentage(),
	)

	return Model{
		jobID:       jobID,
		url:         url,
		state:       downloader.StateQueued,
		cancel:      cancel,
		progressBar: prog,
		width:       80,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Final returns the finished job once the terminal event arrived
func (m Model) Final() (downloader.Job, bool) {
	if m.final == nil {
		return downloader.Job{}, false
	}
	return *m.final, true
}

// Update handles engine events and keys
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.progressBar.Width = max(10, min(40, msg.Width-40))

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if m.final != nil || m.canceling {
				return m, tea.Quit
			}
			m.canceling = true
			return m, m.requestCancel()
		}

	case cancelRequestedMsg:
		m.cancelErr = msg.err

	case EventMsg:
		if msg.Event.JobID != m.jobID {
			return m, nil
		}
		if m.apply(msg.Event) {
			return m, tea.Quit
		}
	}

	return m, nil
}

// apply folds ev into the model and reports whether the job finished
func (m *Model) apply(ev downloader.Event) bool {
	if ev.State != "" {
		m.state = ev.State
	}

	switch ev.Type {
	case downloader.EventState:
		if ev.Job != nil {
			m.load(*ev.Job)
		}

	case downloader.EventChild:
		if ev.Child == nil {
			break
		}
		r := m.rowAt(ev.Child.Index)
		r.title = childTitle(*ev.Child)
		r.state = ev.Child.State
		r.stage = ev.Child.Stage
		r.percent = max(r.percent, ev.Child.Progress)
		r.output = ev.Child.OutputPath
		if ev.Child.Err != nil {
			r.err = ev.Child.Err.Reason()
		}
		if r.state != downloader.ChildRunning {
			r.speed, r.eta = 0, 0
		}

	case downloader.EventProgress:
		p := ev.Progress
		if p == nil {
			break
		}
		r := m.rowAt(p.ChildIndex)
		r.percent = max(r.percent, p.Percent)
		r.stage = p.Stage
		r.speed = p.SpeedBytesPerSec
		r.eta = time.Duration(p.ETASeconds) * time.Second
		m.aggregate = max(m.aggregate, p.AggregatePercent)

	case downloader.EventWarning:
		if ev.Warning != nil {
			m.warnings = append(m.warnings, ev.Warning.Message)
		}

	case downloader.EventTerminal:
		if ev.Job != nil {
			m.load(*ev.Job)
			job := *ev.Job
			m.final = &job
		}
		m.reason = ev.Reason
		return true
	}
	return false
}

// load replaces the view with a job snapshot
func (m *Model) load(job downloader.Job) {
	m.state = job.State
	if job.Title != "" {
		m.title = job.Title
	}
	m.aggregate = max(m.aggregate, job.AggregateProgress)
	for _, c := range job.Children {
		r := m.rowAt(c.Index)
		r.title = childTitle(c)
		r.state = c.State
		r.stage = c.Stage
		r.percent = max(r.percent, c.Progress)
		r.output = c.OutputPath
		if c.Err != nil {
			r.err = c.Err.Reason()
		}
	}
	if len(job.Warnings) > len(m.warnings) {
		m.warnings = m.warnings[:0]
		for _, w := range job.Warnings {
			m.warnings = append(m.warnings, w.Message)
		}
	}
}

func (m *Model) rowAt(index int) *row {
	for len(m.rows) <= index {
		m.rows = append(m.rows, row{state: downloader.ChildPending})
	}
	return &m.rows[index]
}

func (m Model) requestCancel() tea.Cmd {
	cancel := m.cancel
	return func() tea.Msg {
		if cancel == nil {
			return cancelRequestedMsg{}
		}
		return cancelRequestedMsg{err: cancel()}
	}
}

func childTitle(c downloader.Child) string {
	if c.Title != "" {
		return c.Title
	}
	if c.ID != "" {
		return c.ID
	}
	return c.SourceURL
}

func stateIcon(state downloader.ChildState) string {
	switch state {
	case downloader.ChildPending:
		return "⏳"
	case downloader.ChildRunning:
		return "▶"
	case downloader.ChildDone:
		return "✓"
	case downloader.ChildFailed:
		return "✗"
	case downloader.ChildCanceled:
		return "⊘"
	default:
		return "?"
	}
}

func (m Model) renderBar(percent float64) string {
	return m.progressBar.ViewAs(min(1, max(0, percent/100)))
}

func (m Model) renderRow(r row) string {
	style := styles.ItemStyle
	if r.state == downloader.ChildRunning {
		style = styles.ActiveItemStyle
	}

	title := r.title
	if title == "" {
		title = "resolving..."
	}
	titleStr := styles.ItemTitleStyle.Render(utils.TruncateWithWidth(title, max(20, m.width-8)))

	badge := styles.StatusBadgeStyle.Foreground(styles.ChildStateColor(r.state)).
		Render(fmt.Sprintf("%s %s", stateIcon(r.state), r.state))
	meta := []string{badge}

	switch r.state {
	case downloader.ChildRunning:
		meta = append(meta, m.renderBar(r.percent), fmt.Sprintf("%.1f%%", r.percent), r.stage.String())
		if r.speed > 0 {
			meta = append(meta, humanize.IBytes(r.speed)+"/s")
		}
		if r.eta > 0 {
			meta = append(meta, "ETA: "+utils.FormatDuration(r.eta))
		}
	case downloader.ChildDone:
		if r.output != "" {
			meta = append(meta, styles.PathStyle.Render(utils.TruncateWithWidth(r.output, max(20, m.width-24))))
		}
	case downloader.ChildFailed:
		if r.err != "" {
			meta = append(meta, utils.TruncateWithWidth(r.err, max(20, m.width-24)))
		}
	}

	return style.Render(titleStr + "\n" + styles.MetadataStyle.Render(strings.Join(meta, " • ")))
}

// renderWarning wraps a warning to the window, indenting continuation lines
func (m Model) renderWarning(w string) string {
	var b strings.Builder
	for i, line := range utils.WrapText(w, max(20, m.width-6)) {
		prefix := "    "
		if i == 0 {
			prefix = "  ⚠ "
		}
		b.WriteString(styles.WarningStyle.Render(prefix+line) + "\n")
	}
	return b.String()
}

// visibleRows keeps running items first, then the most recent others
func (m Model) visibleRows() ([]row, int) {
	if len(m.rows) <= maxRows {
		return m.rows, 0
	}
	var out []row
	for _, r := range m.rows {
		if r.state == downloader.ChildRunning && len(out) < maxRows {
			out = append(out, r)
		}
	}
	for _, r := range m.rows {
		if len(out) >= maxRows {
			break
		}
		if r.state == downloader.ChildPending {
			out = append(out, r)
		}
	}
	return out, len(m.rows) - len(out)
}

// View renders the model
func (m Model) View() string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(styles.TitleStyle.Render("  MICRODL  "))
	b.WriteString("  ")
	b.WriteString(styles.FormatStateBadge(m.state))
	b.WriteString("\n")

	title := m.title
	if title == "" {
		title = m.url
	}
	b.WriteString(styles.SubtitleStyle.Render(utils.TruncateWithWidth("  "+title, max(20, m.width-2))))
	b.WriteString("\n\n")

	done := 0
	for _, r := range m.rows {
		if r.state == downloader.ChildDone {
			done++
		}
	}
	summary := fmt.Sprintf("  %s %.1f%%", m.renderBar(m.aggregate), m.aggregate)
	if len(m.rows) > 1 {
		summary += styles.MetadataStyle.Render(fmt.Sprintf(" • %d/%d items", done, len(m.rows)))
	}
	b.WriteString(summary + "\n\n")

	rows, hidden := m.visibleRows()
	for _, r := range rows {
		b.WriteString(m.renderRow(r) + "\n")
	}
	if hidden > 0 {
		b.WriteString(styles.MetadataStyle.Render(fmt.Sprintf("  ... and %d more", hidden)) + "\n")
	}

	for _, w := range m.warnings {
		b.WriteString(m.renderWarning(w))
	}

	if m.final != nil {
		b.WriteString("\n" + styles.FooterStyle.Render(m.reason) + "\n")
		return b.String()
	}

	help := "  q cancel"
	switch {
	case m.cancelErr != nil:
		help = "  cancel failed: " + m.cancelErr.Error() + " • q quit"
	case m.canceling:
		help = "  canceling... • q quit now"
	}
	b.WriteString(styles.HelpStyle.Render(help))
	return b.String()
}
