// Package styles holds the lipgloss styles shared by the triage scenes.
package styles

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	Accent     = lipgloss.Color("#2563EB")
	Calm       = lipgloss.Color("#10B981")
	Amber      = lipgloss.Color("#F59E0B")
	Red        = lipgloss.Color("#EF4444")
	DeepRed    = lipgloss.Color("#B91C1C")
	MutedColor = lipgloss.Color("#6B7280")
	White      = lipgloss.Color("#FFFFFF")
)

var (
	Muted = lipgloss.NewStyle().Foreground(MutedColor)

	Title    = lipgloss.NewStyle().Bold(true).Foreground(Accent)
	Subtitle = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
	Help     = lipgloss.NewStyle().Foreground(MutedColor).MarginTop(1)
	ErrorMsg = lipgloss.NewStyle().Foreground(Red).Bold(true)

	// Detail panel for the selected event.
	Detail = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Accent).
		Padding(0, 2)

	TabActive = lipgloss.NewStyle().
			Foreground(White).
			Background(Accent).
			Padding(0, 2).
			Bold(true)
	TabInactive = lipgloss.NewStyle().
			Foreground(MutedColor).
			Padding(0, 2)

	TableHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(Accent).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(MutedColor)
	TableRowSelected = lipgloss.NewStyle().
				Foreground(White).
				Background(Accent)

	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(20)
	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Calm)
	MetricLabel = lipgloss.NewStyle().Foreground(MutedColor)

	// Bar is one row of the rule hit chart.
	Bar = lipgloss.NewStyle().Foreground(Amber)
)

// Risk tiers, highest first.
var (
	RiskCritical = lipgloss.NewStyle().Foreground(White).Background(DeepRed).Bold(true)
	RiskHigh     = lipgloss.NewStyle().Foreground(Red).Bold(true)
	RiskMedium   = lipgloss.NewStyle().Foreground(Amber).Bold(true)
	RiskLow      = lipgloss.NewStyle().Foreground(Calm)
	RiskInfo     = Muted
)

// Degraded marks scores computed with fallbacks or skipped rules.
var Degraded = lipgloss.NewStyle().Foreground(Amber).Italic(true)
