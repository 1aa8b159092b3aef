package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/charmbracelet/bubbles/progress"

	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/session"
)

// Tracker renders a single live status line: a spinner, a progress bar
// toward the question target and the last saved question
type Tracker struct {
	bar     progress.Model
	spin    *spinner.Spinner
	target  int
	started time.Time

	mu        sync.Mutex
	captured  int
	failed    int
	inFlight  map[string]struct{}
	lastID    string
	lastSaved time.Time
}

// New creates a Tracker writing to w. A target of zero hides the bar.
func New(w io.Writer, target int) *Tracker {
	t := &Tracker{
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		spin:     spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(w)),
		target:   target,
		started:  time.Now(),
		inFlight: make(map[string]struct{}),
	}
	t.spin.Suffix = " " + t.Line()
	return t
}

// Start begins animating
func (t *Tracker) Start() {
	t.spin.Start()
}

// Stop ends animation and clears the line
func (t *Tracker) Stop() {
	t.spin.Stop()
}

// Observe is a session observer
func (t *Tracker) Observe(e session.Event) {
	t.mu.Lock()
	switch e.Kind {
	case session.EventCaptured:
		// observers may be called out of order; the count only grows
		if e.Count >= t.captured {
			t.captured = e.Count
			t.lastID = e.ID
			t.lastSaved = e.At
		}
	case session.EventFailed, session.EventExhausted:
		t.failed++
	}
	t.mu.Unlock()
	t.refresh()
}

// ObserveFetch is a fetcher observer
func (t *Tracker) ObserveFetch(tr fetch.Transition) {
	t.mu.Lock()
	if tr.To == fetch.StateInFlight {
		t.inFlight[tr.ID] = struct{}{}
	} else {
		delete(t.inFlight, tr.ID)
	}
	t.mu.Unlock()
	t.refresh()
}

func (t *Tracker) refresh() {
	line := t.Line()
	t.spin.Lock()
	t.spin.Suffix = " " + line
	t.spin.Unlock()
}

// Progress returns the fraction of the target captured so far
func (t *Tracker) Progress() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ratio()
}

func (t *Tracker) ratio() float64 {
	if t.target <= 0 {
		return 0
	}
	r := float64(t.captured) / float64(t.target)
	if r > 1 {
		r = 1
	}
	return r
}

// Line renders the status text
func (t *Tracker) Line() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s string
	if t.target > 0 {
		s = fmt.Sprintf("%s %d/%d questions", t.bar.ViewAs(t.ratio()), t.captured, t.target)
	} else {
		s = fmt.Sprintf("%d questions", t.captured)
	}
	if len(t.inFlight) > 0 {
		s += fmt.Sprintf(" | fetching %d", len(t.inFlight))
	}
	if t.failed > 0 {
		s += fmt.Sprintf(" | failed %d", t.failed)
	}
	if t.lastID != "" {
		s += fmt.Sprintf(" | last %s (%s)", t.lastID, t.lastSaved.Format("15:04:05"))
	}
	return s
}
