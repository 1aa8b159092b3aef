package ui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-scripts/perseus-capture/internal/fetch"
	"github.com/go-scripts/perseus-capture/internal/session"
	"github.com/go-scripts/perseus-capture/internal/types"
)

func TestFetchGridSlots(t *testing.T) {
	g := NewFetchGrid(2)

	assert.True(t, g.Assign("x1", 1))
	assert.True(t, g.Assign("x2", 1))
	assert.False(t, g.Assign("x3", 1))
	assert.True(t, g.Assign("x1", 2))
	assert.Equal(t, 2, g.ActiveCount())

	g.Release("x1")
	assert.Equal(t, 1, g.ActiveCount())
	assert.True(t, g.Assign("x3", 1))
	assert.Contains(t, g.View(), "2/2 busy")
}

func TestQueueListTracksStates(t *testing.T) {
	q := NewQueueList()

	q.Track("x1", fetch.StatePending, 0)
	q.Track("x2", fetch.StatePending, 0)
	q.Track("x1", fetch.StateInFlight, 1)
	assert.Equal(t, 2, q.Pending())

	q.Track("x1", fetch.StateSucceeded, 1)
	q.Track("x2", fetch.StateAbandoned, 0)
	assert.Equal(t, 0, q.Pending())

	state, ok := q.State("x1")
	require.True(t, ok)
	assert.Equal(t, fetch.StateSucceeded, state)
	_, ok = q.State("x9")
	assert.False(t, ok)
	assert.Len(t, q.list.Items(), 2)
}

func TestEventConsoleBounded(t *testing.T) {
	c := NewEventConsole()
	for i := 0; i < maxEntries+10; i++ {
		c.AddEntry(LevelWarning, "dup")
	}
	c.AddEntry(LevelError, "boom")

	assert.Len(t, c.entries, maxEntries)
	assert.Equal(t, maxEntries+10, c.Count(LevelWarning))
	assert.Equal(t, 1, c.Count(LevelError))
}

func TestDashboardFollowsRun(t *testing.T) {
	sess := session.New(3)
	stopped := false
	d := NewDashboard(sess, 2, func() { stopped = true })

	assert.Equal(t, "Initializing...\n", d.View())
	d.Update(tea.WindowSizeMsg{Width: 120, Height: 40})

	sess.Subscribe(func(e session.Event) { d.Update(SessionMsg(e)) })
	sess.Manifest(2)
	sess.Captured("x1", types.SourceBrowser)
	sess.Duplicate("x1")
	sess.Rejected(session.MalformedPayload, errors.New("data is null"))

	d.Update(FetchMsg(fetch.Transition{ID: "x2", From: fetch.StatePending, To: fetch.StateInFlight, Attempt: 1}))
	assert.Equal(t, 1, d.layout.stats.Stats().InFlight)
	assert.Equal(t, 1, d.layout.stats.Stats().Pending)

	sess.Captured("x2", types.SourceFetch)
	d.Update(FetchMsg(fetch.Transition{ID: "x2", From: fetch.StateInFlight, To: fetch.StateSucceeded, Attempt: 1}))

	stats := d.layout.stats.Stats()
	assert.Equal(t, 2, stats.Captured)
	assert.Equal(t, 3, stats.Target)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, 1, stats.Rejected)
	assert.Equal(t, 1, stats.Manifests)
	assert.Equal(t, 0, stats.InFlight)
	assert.Equal(t, []string{"x2", "x1"}, stats.LastIDs)
	assert.Equal(t, 2, d.layout.results.table.Len())
	assert.Equal(t, 2, d.layout.console.console.Count(LevelWarning))
	assert.Equal(t, 3, d.layout.console.console.Count(LevelInfo))
	assert.NotEmpty(t, d.View())

	_, cmd := d.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.True(t, stopped)
}

func TestDashboardFinished(t *testing.T) {
	sess := session.New(0)
	stopped := false
	d := NewDashboard(sess, 1, func() { stopped = true })

	_, cmd := d.Update(FinishedMsg{Summary: session.Summary{Captured: 4, Elapsed: time.Minute}})
	require.NotNil(t, cmd)
	sum, done := d.Summary()
	assert.True(t, done)
	assert.Equal(t, 4, sum.Captured)

	d.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.False(t, stopped)
}

type recorder struct {
	mu   sync.Mutex
	msgs []tea.Msg
}

func (r *recorder) Send(msg tea.Msg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func TestRelayDropsWhenFull(t *testing.T) {
	relay := NewRelay(2)
	relay.Session(session.Event{Kind: session.EventCaptured, ID: "x1"})
	relay.Fetch(fetch.Transition{ID: "x2", To: fetch.StateInFlight})
	relay.Session(session.Event{Kind: session.EventCaptured, ID: "x3"})

	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx, rec)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.IsType(t, SessionMsg{}, rec.msgs[0])
	assert.IsType(t, FetchMsg{}, rec.msgs[1])
}
