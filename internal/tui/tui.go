// Package tui provides the analyst triage terminal interface.
package tui

import (
	"fmt"
	"strings"

	"secureops/internal/tui/scenes"
	"secureops/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Scene represents the current view
type Scene int

const (
	SceneQueue Scene = iota
	SceneRules
	sceneCount
)

// Model is the main TUI model
type Model struct {
	src scenes.Source

	scene Scene

	// Scene models - only the active one receives updates
	queue *scenes.QueueScene
	rules *scenes.RulesScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model
func New(src scenes.Source, opts scenes.Options) *Model {
	return &Model{
		src:   src,
		scene: SceneQueue,
		queue: scenes.NewQueueScene(src, opts),
		rules: scenes.NewRulesScene(src, opts),
	}
}

// Init initializes the TUI
func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.queue.Init(),
		m.activeTickCmd(),
	)
}

// activeTickCmd returns the tick command for the active scene only
func (m *Model) activeTickCmd() tea.Cmd {
	switch m.scene {
	case SceneQueue:
		return m.queue.TickCmd()
	case SceneRules:
		return m.rules.TickCmd()
	default:
		return nil
	}
}

func (m *Model) activeInitCmd() tea.Cmd {
	switch m.scene {
	case SceneQueue:
		return m.queue.Init()
	case SceneRules:
		return m.rules.Init()
	default:
		return nil
	}
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	return tea.Batch(m.activeInitCmd(), m.activeTickCmd())
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneQueue)
		case "2":
			return m, m.switchTo(SceneRules)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.queue, _ = m.queue.Update(msg)
		m.rules, _ = m.rules.Update(msg)
		return m, nil

	case scenes.TickMsg:
		// Ticks from a scene that is no longer active are dropped so only
		// one ticker runs at a time.
		var cmd tea.Cmd
		switch {
		case m.scene == SceneQueue && msg.Scene == "queue":
			m.queue, cmd = m.queue.Update(msg)
		case m.scene == SceneRules && msg.Scene == "rules":
			m.rules, cmd = m.rules.Update(msg)
		default:
			return m, nil
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}
		cmds = append(cmds, m.activeTickCmd())
		return m, tea.Batch(cmds...)
	}

	// Forward other messages to active scene only
	var cmd tea.Cmd
	switch m.scene {
	case SceneQueue:
		m.queue, cmd = m.queue.Update(msg)
	case SceneRules:
		m.rules, cmd = m.rules.Update(msg)
	}
	return m, cmd
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneQueue:
		b.WriteString(m.queue.View())
	case SceneRules:
		b.WriteString(m.rules.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Risk Queue", "1", SceneQueue},
		{"Rule Hits", "2", SceneRules},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	help := " [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [q] Quit "
	return styles.Help.Render(help)
}

// Run starts the TUI application
func Run(src scenes.Source, opts scenes.Options) error {
	p := tea.NewProgram(New(src, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
