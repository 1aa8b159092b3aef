package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-scripts/perseus-capture/internal/types"
)

// CaptureResult is one saved question
type CaptureResult struct {
	Count  int
	ID     string
	Source types.Source
	At     time.Time
}

// ResultsTable lists saved questions in capture order
type ResultsTable struct {
	viewport    viewport.Model
	results     []CaptureResult
	width       int
	height      int
	headerStyle lipgloss.Style
	cellStyle   lipgloss.Style
	style       lipgloss.Style
}

// NewResultsTable creates a new results table
func NewResultsTable() *ResultsTable {
	t := &ResultsTable{
		results: make([]CaptureResult, 0),
		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),
		cellStyle: lipgloss.NewStyle().
			PaddingLeft(1).
			PaddingRight(1),
		style: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("35")),
	}
	t.viewport = viewport.New(0, 0)
	return t
}

// SetSize updates the table dimensions
func (t *ResultsTable) SetSize(width, height int) {
	t.width = width
	t.height = height
	t.viewport.Width = width - 4
	t.viewport.Height = height - 4
	t.refresh()
}

// Update handles UI updates
func (t *ResultsTable) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "pgup":
			t.viewport.HalfViewUp()
		case "pgdown":
			t.viewport.HalfViewDown()
		}
	}

	var cmd tea.Cmd
	t.viewport, cmd = t.viewport.Update(msg)
	return cmd
}

// View renders the table
func (t *ResultsTable) View() string {
	if len(t.results) == 0 {
		return t.style.Width(t.width).Render(infoStyle.Render("No questions saved yet"))
	}

	stats := fmt.Sprintf(
		"\nSaved: %d | browser: %d | fetch: %d | replay: %d",
		len(t.results),
		t.countBySource(types.SourceBrowser),
		t.countBySource(types.SourceFetch),
		t.countBySource(types.SourceReplay),
	)

	return t.style.Width(t.width).Render(
		t.viewport.View() + "\n" + infoStyle.Render(stats),
	)
}

// AddResult appends a saved question
func (t *ResultsTable) AddResult(result CaptureResult) {
	atBottom := t.viewport.AtBottom()
	t.results = append(t.results, result)
	t.refresh()
	if atBottom {
		t.viewport.GotoBottom()
	}
}

// Len returns the number of rows
func (t *ResultsTable) Len() int {
	return len(t.results)
}

func (t *ResultsTable) refresh() {
	idWidth := max(16, min(32, t.width/3))

	header := t.headerStyle.Render(fmt.Sprintf(
		"%6s %-*s %-8s %-8s",
		"#", idWidth, "Question", "Source", "Saved",
	))

	rows := make([]string, 0, len(t.results))
	for _, r := range t.results {
		row := t.cellStyle.Render(fmt.Sprintf(
			"%6d %-*s %-8s %-8s",
			r.Count,
			idWidth, truncate(r.ID, idWidth),
			r.Source,
			r.At.Format("15:04:05"),
		))
		if r.Source == types.SourceFetch {
			row = infoStyle.Render(row)
		}
		rows = append(rows, row)
	}

	t.viewport.SetContent(header + "\n" + strings.Join(rows, "\n"))
}

func truncate(s string, w int) string {
	if w <= 3 || len(s) <= w {
		return s
	}
	return s[:w-3] + "..."
}

func (t *ResultsTable) countBySource(src types.Source) int {
	count := 0
	for _, r := range t.results {
		if r.Source == src {
			count++
		}
	}
	return count
}
