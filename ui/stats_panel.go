package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// CaptureStats is the snapshot shown by the stats panel
type CaptureStats struct {
	Target     int
	Captured   int
	Duplicates int
	Rejected   int
	Failed     int
	Manifests  int
	Pending    int
	InFlight   int
	StartTime  time.Time
	LastSaved  time.Time
	LastIDs    []string
}

// StatsPanel displays capture statistics
type StatsPanel struct {
	stats      CaptureStats
	bar        progress.Model
	width      int
	height     int
	style      lipgloss.Style
	labelStyle lipgloss.Style
	valueStyle lipgloss.Style
}

func NewStatsPanel() *StatsPanel {
	return &StatsPanel{
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
		style: borderStyle.BorderForeground(lipgloss.Color("99")),
		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Bold(true),
		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")),
	}
}

func (s *StatsPanel) SetSize(width, height int) {
	s.width = width
	s.height = height
	if w := width - 8; w > 10 {
		s.bar.Width = w
	}
}

func (s *StatsPanel) View() string {
	rate := 0.0
	if !s.stats.StartTime.IsZero() {
		if minutes := time.Since(s.stats.StartTime).Minutes(); minutes > 0 {
			rate = float64(s.stats.Captured) / minutes
		}
	}

	captured := fmt.Sprintf("%d", s.stats.Captured)
	if s.stats.Target > 0 {
		captured = fmt.Sprintf("%d/%d", s.stats.Captured, s.stats.Target)
	}
	lastSaved := "-"
	if !s.stats.LastSaved.IsZero() {
		lastSaved = s.stats.LastSaved.Format("15:04:05")
	}

	rows := []struct {
		label string
		value string
	}{
		{"Captured", captured},
		{"Duplicates", fmt.Sprintf("%d", s.stats.Duplicates)},
		{"Rejected", fmt.Sprintf("%d", s.stats.Rejected)},
		{"Failed", fmt.Sprintf("%d", s.stats.Failed)},
		{"Manifests", fmt.Sprintf("%d (%d pending)", s.stats.Manifests, s.stats.Pending)},
		{"Fetching", fmt.Sprintf("%d", s.stats.InFlight)},
		{"Per Minute", fmt.Sprintf("%.1f", rate)},
		{"Last Saved", lastSaved},
		{"Elapsed", s.formatElapsedTime()},
	}

	var content strings.Builder
	content.WriteString(titleStyle.Render("Capture") + "\n\n")
	if s.stats.Target > 0 {
		content.WriteString(s.bar.ViewAs(s.Ratio()) + "\n\n")
	}

	columnWidth := max(12, (s.width-8)/2)
	for _, row := range rows {
		fmt.Fprintf(&content, "%-*s %s\n",
			columnWidth,
			s.labelStyle.Render(row.label+":"),
			s.valueStyle.Render(row.value),
		)
	}

	if len(s.stats.LastIDs) > 0 {
		content.WriteString("\nRecent:\n")
		for _, id := range s.stats.LastIDs {
			content.WriteString(infoStyle.Render("• "+id) + "\n")
		}
	}

	return s.style.Width(s.width).Height(s.height).Render(content.String())
}

// UpdateStats replaces the snapshot
func (s *StatsPanel) UpdateStats(stats CaptureStats) {
	s.stats = stats
}

// Stats returns the current snapshot
func (s *StatsPanel) Stats() CaptureStats {
	return s.stats
}

// Ratio is the captured fraction of the target
func (s *StatsPanel) Ratio() float64 {
	if s.stats.Target <= 0 {
		return 0
	}
	return min(1, float64(s.stats.Captured)/float64(s.stats.Target))
}

func (s *StatsPanel) formatElapsedTime() string {
	if s.stats.StartTime.IsZero() {
		return "00:00:00"
	}
	elapsed := time.Since(s.stats.StartTime)
	return fmt.Sprintf("%02d:%02d:%02d",
		int(elapsed.Hours()),
		int(elapsed.Minutes())%60,
		int(elapsed.Seconds())%60,
	)
}
