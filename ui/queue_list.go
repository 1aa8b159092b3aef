package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-scripts/perseus-capture/internal/fetch"
)

// QueueItem is one manifest identifier and its fetch state
type QueueItem struct {
	id      string
	state   fetch.State
	attempt int
}

// FilterValue implements list.Item
func (i QueueItem) FilterValue() string { return i.id }

// Title returns the item's title
func (i QueueItem) Title() string { return i.id }

// Description returns the item's description
func (i QueueItem) Description() string {
	if i.attempt > 0 {
		return fmt.Sprintf("%s | attempt %d", i.state, i.attempt)
	}
	return i.state.String()
}

// QueueList tracks manifest identifiers through the fetch lifecycle
type QueueList struct {
	list   list.Model
	index  map[string]int
	width  int
	height int
	done   int
}

// NewQueueList creates an empty queue list
func NewQueueList() *QueueList {
	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.Foreground(lipgloss.Color("170"))
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.Foreground(lipgloss.Color("244"))

	l := list.New([]list.Item{}, delegate, 0, 0)
	l.Title = "Manifest queue"
	l.Styles.Title = l.Styles.Title.Foreground(lipgloss.Color("240"))
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	l.KeyMap.Quit.SetEnabled(false)

	return &QueueList{
		list:  l,
		index: make(map[string]int),
	}
}

// SetSize updates the list dimensions
func (q *QueueList) SetSize(width, height int) {
	q.width = width
	q.height = height
	q.list.SetSize(width, height)
}

// Update handles UI updates
func (q *QueueList) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	q.list, cmd = q.list.Update(msg)
	return cmd
}

// View renders the component
func (q *QueueList) View() string {
	return q.list.View()
}

// Track records a state change for id, adding it when first seen
func (q *QueueList) Track(id string, state fetch.State, attempt int) {
	item := QueueItem{id: id, state: state, attempt: attempt}
	if i, ok := q.index[id]; ok {
		prev := q.list.Items()[i].(QueueItem)
		if !prev.state.Terminal() && state.Terminal() {
			q.done++
		}
		q.list.SetItem(i, item)
	} else {
		q.index[id] = len(q.list.Items())
		q.list.InsertItem(len(q.list.Items()), item)
		if state.Terminal() {
			q.done++
		}
	}
	q.updateTitle()
}

// State returns the last tracked state of id
func (q *QueueList) State(id string) (fetch.State, bool) {
	i, ok := q.index[id]
	if !ok {
		return 0, false
	}
	return q.list.Items()[i].(QueueItem).state, true
}

// Pending returns how many tracked identifiers are not yet terminal
func (q *QueueList) Pending() int {
	return len(q.index) - q.done
}

func (q *QueueList) updateTitle() {
	q.list.Title = fmt.Sprintf("Manifest queue (%d pending)", q.Pending())
}
