package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// fetchSlot is one concurrent fetch position
type fetchSlot struct {
	id      string
	attempt int
}

// FetchGrid shows which question identifiers occupy the fetcher's
// concurrency slots
type FetchGrid struct {
	spinner spinner.Model
	slots   []fetchSlot
	columns int
	style   lipgloss.Style
	width   int
	height  int
}

// NewFetchGrid creates a grid with one cell per concurrent fetch
func NewFetchGrid(slots int) *FetchGrid {
	if slots < 1 {
		slots = 1
	}
	return &FetchGrid{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("86"))),
		),
		slots:   make([]fetchSlot, slots),
		columns: 2,
		style:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()),
	}
}

// Init starts the spinner
func (g *FetchGrid) Init() tea.Cmd {
	return g.spinner.Tick
}

// Assign puts id into a free slot, or updates its attempt if it already
// holds one. It reports false when every slot is busy.
func (g *FetchGrid) Assign(id string, attempt int) bool {
	free := -1
	for i, s := range g.slots {
		if s.id == id {
			g.slots[i].attempt = attempt
			return true
		}
		if s.id == "" && free < 0 {
			free = i
		}
	}
	if free < 0 {
		return false
	}
	g.slots[free] = fetchSlot{id: id, attempt: attempt}
	return true
}

// Release frees the slot holding id
func (g *FetchGrid) Release(id string) {
	for i, s := range g.slots {
		if s.id == id {
			g.slots[i] = fetchSlot{}
			return
		}
	}
}

// Update advances the spinner
func (g *FetchGrid) Update(msg tea.Msg) tea.Cmd {
	if _, ok := msg.(spinner.TickMsg); ok {
		var cmd tea.Cmd
		g.spinner, cmd = g.spinner.Update(msg)
		return cmd
	}
	return nil
}

// View renders the grid
func (g *FetchGrid) View() string {
	cellWidth := 24
	rows := (len(g.slots) + g.columns - 1) / g.columns

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Fetch slots (%d/%d busy)\n\n", g.ActiveCount(), len(g.slots)))

	for row := 0; row < rows; row++ {
		var cells []string
		for col := 0; col < g.columns; col++ {
			idx := row*g.columns + col
			if idx >= len(g.slots) {
				break
			}
			s := g.slots[idx]
			var cell string
			switch {
			case s.id == "":
				cell = fmt.Sprintf("%d:○", idx+1)
			case s.attempt > 1:
				cell = fmt.Sprintf("%d:%s %s #%d", idx+1, g.spinner.View(), truncate(s.id, 12), s.attempt)
			default:
				cell = fmt.Sprintf("%d:%s %s", idx+1, g.spinner.View(), truncate(s.id, 14))
			}
			cells = append(cells, lipgloss.NewStyle().Width(cellWidth).Render(cell))
		}
		sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cells...))
		sb.WriteString("\n")
	}

	return g.style.Width(g.width).Render(sb.String())
}

// ActiveCount returns the number of busy slots
func (g *FetchGrid) ActiveCount() int {
	count := 0
	for _, s := range g.slots {
		if s.id != "" {
			count++
		}
	}
	return count
}

// SetSize updates the grid dimensions
func (g *FetchGrid) SetSize(width, height int) {
	g.width = width
	g.height = height
	if cols := (width - 4) / 26; cols >= 1 {
		g.columns = cols
	}
}
