package ui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-scripts/perseus-capture/internal/fetch"
)

// Component is a dashboard panel
type Component interface {
	Init() tea.Cmd
	Update(tea.Msg) (Component, tea.Cmd)
	View() string
	SetSize(width, height int)
}

var (
	borderStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			PaddingLeft(1)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("110"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

// FetchPanel wraps the fetch slot grid
type FetchPanel struct {
	style  lipgloss.Style
	title  string
	width  int
	height int
	grid   *FetchGrid
}

func NewFetchPanel(slots int) *FetchPanel {
	return &FetchPanel{
		title: "Active fetches",
		style: borderStyle.BorderForeground(lipgloss.Color("63")),
		grid:  NewFetchGrid(slots),
	}
}

func (f *FetchPanel) Init() tea.Cmd {
	return f.grid.Init()
}

func (f *FetchPanel) Update(msg tea.Msg) (Component, tea.Cmd) {
	return f, f.grid.Update(msg)
}

func (f *FetchPanel) View() string {
	content := titleStyle.Render(f.title) + "\n\n" + f.grid.View()
	return f.style.Width(f.width).Height(f.height).Render(content)
}

func (f *FetchPanel) SetSize(width, height int) {
	f.width = width
	f.height = height
	f.grid.SetSize(width-4, height-6)
}

// QueuePanel wraps the manifest queue list
type QueuePanel struct {
	style  lipgloss.Style
	width  int
	height int
	queue  *QueueList
}

func NewQueuePanel() *QueuePanel {
	return &QueuePanel{
		style: borderStyle.BorderForeground(lipgloss.Color("99")),
		queue: NewQueueList(),
	}
}

func (q *QueuePanel) Init() tea.Cmd {
	return nil
}

func (q *QueuePanel) Update(msg tea.Msg) (Component, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			q.queue.list.CursorUp()
			return q, nil
		case "down", "j":
			q.queue.list.CursorDown()
			return q, nil
		}
	}
	return q, q.queue.Update(msg)
}

func (q *QueuePanel) View() string {
	return q.style.Width(q.width).Height(q.height).Render(q.queue.View())
}

func (q *QueuePanel) SetSize(width, height int) {
	q.width = width
	q.height = height
	q.queue.SetSize(width-4, height-4)
}

// ResultsPanel wraps the saved question table
type ResultsPanel struct {
	style  lipgloss.Style
	width  int
	height int
	table  *ResultsTable
}

func NewResultsPanel() *ResultsPanel {
	return &ResultsPanel{
		style: borderStyle.BorderForeground(lipgloss.Color("35")),
		table: NewResultsTable(),
	}
}

func (r *ResultsPanel) Init() tea.Cmd {
	return nil
}

func (r *ResultsPanel) Update(msg tea.Msg) (Component, tea.Cmd) {
	return r, r.table.Update(msg)
}

func (r *ResultsPanel) View() string {
	return r.style.Width(r.width).Height(r.height).Render(r.table.View())
}

func (r *ResultsPanel) SetSize(width, height int) {
	r.width = width
	r.height = height
	r.table.SetSize(width-4, height-4)
}

// ConsolePanel wraps the event console
type ConsolePanel struct {
	style   lipgloss.Style
	width   int
	height  int
	console *EventConsole
}

func NewConsolePanel() *ConsolePanel {
	return &ConsolePanel{
		style:   borderStyle.BorderForeground(lipgloss.Color("196")),
		console: NewEventConsole(),
	}
}

func (c *ConsolePanel) Init() tea.Cmd {
	return nil
}

func (c *ConsolePanel) Update(msg tea.Msg) (Component, tea.Cmd) {
	return c, c.console.Update(msg)
}

func (c *ConsolePanel) View() string {
	return c.style.Width(c.width).Height(c.height).Render(c.console.View())
}

func (c *ConsolePanel) SetSize(width, height int) {
	c.width = width
	c.height = height
	c.console.SetSize(width-4, height-4)
}

// Layout arranges the dashboard panels
type Layout struct {
	fetches *FetchPanel
	queue   *QueuePanel
	results *ResultsPanel
	console *ConsolePanel
	stats   *StatsPanel
	width   int
	height  int
}

// NewLayout creates the panels. slots is the fetch concurrency.
func NewLayout(slots int) *Layout {
	return &Layout{
		fetches: NewFetchPanel(slots),
		queue:   NewQueuePanel(),
		results: NewResultsPanel(),
		console: NewConsolePanel(),
		stats:   NewStatsPanel(),
	}
}

// SetSize adjusts the layout and all panels
func (l *Layout) SetSize(width, height int) {
	l.width = width
	l.height = height

	halfWidth := width / 2
	topHeight := height / 2
	fetchHeight := topHeight * 2 / 5
	statsHeight := topHeight - fetchHeight
	resultsHeight := (height - topHeight) / 2

	l.stats.SetSize(halfWidth, statsHeight)
	l.fetches.SetSize(halfWidth, fetchHeight)
	l.queue.SetSize(width-halfWidth, topHeight)
	l.results.SetSize(width, resultsHeight)
	l.console.SetSize(width, height-topHeight-resultsHeight)
}

// Init initializes all panels
func (l *Layout) Init() tea.Cmd {
	return tea.Batch(
		l.fetches.Init(),
		l.queue.Init(),
		l.results.Init(),
		l.console.Init(),
	)
}

// Update forwards msg to every panel
func (l *Layout) Update(msg tea.Msg) tea.Cmd {
	if msg, ok := msg.(tea.WindowSizeMsg); ok {
		l.SetSize(msg.Width, msg.Height)
	}

	var cmds []tea.Cmd
	for _, c := range []Component{l.fetches, l.queue, l.results, l.console} {
		_, cmd := c.Update(msg)
		cmds = append(cmds, cmd)
	}
	return tea.Batch(cmds...)
}

// View renders the complete layout
func (l *Layout) View() string {
	left := lipgloss.JoinVertical(lipgloss.Left, l.stats.View(), l.fetches.View())
	top := lipgloss.JoinHorizontal(lipgloss.Top, left, l.queue.View())
	return lipgloss.JoinVertical(lipgloss.Left, top, l.results.View(), l.console.View())
}

// TrackFetch moves id through the queue and fetch slots
func (l *Layout) TrackFetch(tr fetch.Transition) {
	l.queue.queue.Track(tr.ID, tr.To, tr.Attempt)
	if tr.To == fetch.StateInFlight {
		l.fetches.grid.Assign(tr.ID, tr.Attempt)
	} else {
		l.fetches.grid.Release(tr.ID)
	}
}

// AddResult appends a saved question
func (l *Layout) AddResult(r CaptureResult) {
	l.results.table.AddResult(r)
}

// Log adds a console entry
func (l *Layout) Log(level LogLevel, msg string) {
	l.console.console.AddEntry(level, msg)
}

// UpdateStats replaces the stats snapshot
func (l *Layout) UpdateStats(stats CaptureStats) {
	stats.Pending = l.queue.queue.Pending()
	stats.InFlight = l.fetches.grid.ActiveCount()
	l.stats.UpdateStats(stats)
}
