package ui

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/session"
)

// SessionMsg carries a session event into the program
type SessionMsg session.Event

// FetchMsg carries a fetch transition into the program
type FetchMsg fetch.Transition

// FinishedMsg ends the dashboard once the capture run has stopped
type FinishedMsg struct {
	Summary session.Summary
	Err     error
}

type statsTickMsg struct{}

func tickStats() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg { return statsTickMsg{} })
}

// Dashboard is the full-screen view of a capture run
type Dashboard struct {
	layout   *Layout
	sess     *session.Session
	stop     func()
	ready    bool
	finished bool
	summary  session.Summary
	err      error
}

// NewDashboard builds a dashboard for sess. stop is called when the user
// quits before the run has finished.
func NewDashboard(sess *session.Session, fetchSlots int, stop func()) *Dashboard {
	if stop == nil {
		stop = func() {}
	}
	d := &Dashboard{
		layout: NewLayout(fetchSlots),
		sess:   sess,
		stop:   stop,
	}
	d.refreshStats()
	return d
}

func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.layout.Init(), tickStats())
}

func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		d.ready = true

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if !d.finished {
				d.layout.Log(LevelInfo, "Stopping capture...")
				d.stop()
			}
			return d, tea.Quit
		}

	case statsTickMsg:
		d.refreshStats()
		cmds = append(cmds, tickStats())

	case SessionMsg:
		d.handleSession(session.Event(msg))

	case FetchMsg:
		d.layout.TrackFetch(fetch.Transition(msg))
		d.refreshStats()

	case FinishedMsg:
		d.finished = true
		d.summary = msg.Summary
		d.err = msg.Err
		d.layout.Log(LevelInfo, fmt.Sprintf("Capture finished: %d questions in %s",
			msg.Summary.Captured, msg.Summary.Elapsed.Round(time.Second)))
		d.refreshStats()
		return d, tea.Quit
	}

	cmds = append(cmds, d.layout.Update(msg))
	return d, tea.Batch(cmds...)
}

func (d *Dashboard) View() string {
	if !d.ready {
		return "Initializing...\n"
	}
	view := d.layout.View()
	if d.err != nil {
		view += "\n" + warningStyle.Render(fmt.Sprintf("Capture stopped: %v", d.err))
	}
	return view
}

// Summary returns the final summary once FinishedMsg has been received
func (d *Dashboard) Summary() (session.Summary, bool) {
	return d.summary, d.finished
}

func (d *Dashboard) handleSession(e session.Event) {
	switch e.Kind {
	case session.EventCaptured:
		d.layout.AddResult(CaptureResult{Count: e.Count, ID: e.ID, Source: e.Source, At: e.At})
		d.layout.Log(LevelInfo, fmt.Sprintf("[SAVE] %s.json (%s)", e.ID, e.Source))
	case session.EventDuplicate:
		d.layout.Log(LevelWarning, fmt.Sprintf("duplicate %s dropped", e.ID))
	case session.EventRejected:
		d.layout.Log(LevelWarning, fmt.Sprintf("rejected payload: %s: %v", e.Error, e.Err))
	case session.EventFailed:
		d.layout.Log(LevelError, fmt.Sprintf("%s failed: %s: %v", e.ID, e.Error, e.Err))
	case session.EventExhausted:
		d.layout.Log(LevelError, fmt.Sprintf("gave up fetching %s: %v", e.ID, e.Err))
	case session.EventManifest:
		d.layout.Log(LevelInfo, fmt.Sprintf("manifest listed %d questions", e.Count))
	}
	d.refreshStats()
}

func (d *Dashboard) refreshStats() {
	if d.sess == nil {
		return
	}
	sum := d.sess.Summary()
	stats := CaptureStats{
		Target:     d.sess.Target,
		Captured:   sum.Captured,
		Duplicates: sum.Duplicates,
		Rejected:   sum.RejectedTotal(),
		Failed:     len(sum.Failed),
		Manifests:  sum.Manifests,
		StartTime:  d.sess.Started,
		LastIDs:    d.sess.Recent(5),
	}
	if d.layout.results.table.Len() > 0 {
		stats.LastSaved = d.layout.results.table.results[d.layout.results.table.Len()-1].At
	}
	d.layout.UpdateStats(stats)
}

// Sender is satisfied by *tea.Program
type Sender interface {
	Send(msg tea.Msg)
}

// Relay forwards session and fetch observer callbacks to a program
// without blocking the caller. Messages are dropped when the buffer is
// full; the periodic stats refresh keeps the counters correct.
type Relay struct {
	ch chan tea.Msg
}

// NewRelay creates a relay buffering up to size messages
func NewRelay(size int) *Relay {
	return &Relay{ch: make(chan tea.Msg, size)}
}

// Session is a session.Observer
func (r *Relay) Session(e session.Event) {
	r.push(SessionMsg(e))
}

// Fetch is a fetch transition observer
func (r *Relay) Fetch(t fetch.Transition) {
	r.push(FetchMsg(t))
}

func (r *Relay) push(msg tea.Msg) {
	select {
	case r.ch <- msg:
	default:
	}
}

// Run delivers buffered messages to s until ctx is done
func (r *Relay) Run(ctx context.Context, s Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.ch:
			s.Send(msg)
		}
	}
}
