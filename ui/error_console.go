package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// LogLevel represents the severity of a console entry
type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelWarning
	LevelError
)

// LogEntry is a single console message
type LogEntry struct {
	timestamp time.Time
	level     LogLevel
	message   string
}

// maxEntries bounds the console history
const maxEntries = 500

// EventConsole shows capture events: rejected payloads, duplicates,
// failed writes and exhausted fetches
type EventConsole struct {
	viewport  viewport.Model
	entries   []LogEntry
	counts    map[LogLevel]int
	width     int
	height    int
	style     lipgloss.Style
	showLevel LogLevel
}

var (
	errorLogStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	warningLogStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	infoLogStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("110"))

	timestampStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("242")).
			Italic(true)
)

// NewEventConsole creates an empty console
func NewEventConsole() *EventConsole {
	e := &EventConsole{
		entries:   make([]LogEntry, 0),
		counts:    make(map[LogLevel]int),
		style:     borderStyle.BorderForeground(lipgloss.Color("196")),
		showLevel: LevelInfo,
	}
	e.viewport = viewport.New(0, 0)
	return e
}

// SetSize updates the console dimensions
func (e *EventConsole) SetSize(width, height int) {
	e.width = width
	e.height = height
	e.viewport.Width = width - 4
	e.viewport.Height = height - 6
	e.updateContent()
}

// AddEntry appends a message, dropping the oldest past maxEntries
func (e *EventConsole) AddEntry(level LogLevel, msg string) {
	e.entries = append(e.entries, LogEntry{
		timestamp: time.Now(),
		level:     level,
		message:   msg,
	})
	e.counts[level]++
	if len(e.entries) > maxEntries {
		e.entries = e.entries[len(e.entries)-maxEntries:]
	}
	e.updateContent()
}

// Update handles UI updates
func (e *EventConsole) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			e.viewport.LineUp(1)
		case "down", "j":
			e.viewport.LineDown(1)
		case "1":
			e.showLevel = LevelInfo
			e.updateContent()
		case "2":
			e.showLevel = LevelWarning
			e.updateContent()
		case "3":
			e.showLevel = LevelError
			e.updateContent()
		}
	}

	var cmd tea.Cmd
	e.viewport, cmd = e.viewport.Update(msg)
	return cmd
}

// View renders the console
func (e *EventConsole) View() string {
	filterInfo := fmt.Sprintf(
		"\nFilter: %s (1:Info 2:Warn 3:Error)",
		levelString(e.showLevel),
	)

	stats := fmt.Sprintf(
		"Total: %d | Errors: %d | Warnings: %d",
		e.counts[LevelInfo]+e.counts[LevelWarning]+e.counts[LevelError],
		e.counts[LevelError],
		e.counts[LevelWarning],
	)

	return e.style.Width(e.width).Render(
		e.viewport.View() +
			infoStyle.Render(filterInfo) + "\n" +
			infoStyle.Render(stats),
	)
}

// Count returns how many entries of level were added
func (e *EventConsole) Count(level LogLevel) int {
	return e.counts[level]
}

func (e *EventConsole) updateContent() {
	atBottom := e.viewport.AtBottom()

	var sb strings.Builder
	for _, entry := range e.entries {
		if entry.level < e.showLevel {
			continue
		}
		var logStyle lipgloss.Style
		switch entry.level {
		case LevelError:
			logStyle = errorLogStyle
		case LevelWarning:
			logStyle = warningLogStyle
		default:
			logStyle = infoLogStyle
		}
		fmt.Fprintf(&sb, "%s [%s] %s\n",
			timestampStyle.Render(entry.timestamp.Format("15:04:05")),
			logStyle.Render(levelString(entry.level)),
			entry.message,
		)
	}

	e.viewport.SetContent(sb.String())
	if atBottom {
		e.viewport.GotoBottom()
	}
}

func levelString(level LogLevel) string {
	switch level {
	case LevelError:
		return "ERROR"
	case LevelWarning:
		return "WARN"
	default:
		return "INFO"
	}
}
