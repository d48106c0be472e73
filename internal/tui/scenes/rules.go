package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"secureops/internal/storage"
	"secureops/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxBarWidth = 40

// RulesScene shows how often each rule fired in the window.
type RulesScene struct {
	src        Source
	opts       Options
	counts     []storage.RuleCount
	err        string
	width      int
	loading    bool
	lastUpdate time.Time
	now        func() time.Time
}

type rulesMsg struct {
	counts []storage.RuleCount
	err    string
}

// NewRulesScene creates a new rule hit scene
func NewRulesScene(src Source, opts Options) *RulesScene {
	return &RulesScene{
		src:     src,
		opts:    opts.withDefaults(),
		loading: true,
		now:     time.Now,
	}
}

// Init initializes the rules scene
func (r *RulesScene) Init() tea.Cmd {
	return r.fetch()
}

func (r *RulesScene) fetch() tea.Cmd {
	since := r.now().Add(-r.opts.Window)
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.QueryTimeout)
		defer cancel()
		counts, err := r.src.RuleCounts(ctx, since)
		if err != nil {
			return rulesMsg{err: err.Error()}
		}
		return rulesMsg{counts: counts}
	}
}

// TickCmd returns a command that ticks every refresh interval
func (r *RulesScene) TickCmd() tea.Cmd {
	return tea.Tick(r.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "rules", Time: t}
	})
}

// Update handles messages for the rules scene
func (r *RulesScene) Update(msg tea.Msg) (*RulesScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		r.width = msg.Width
		return r, nil

	case tea.KeyMsg:
		if msg.String() == "r" {
			r.loading = true
			return r, r.fetch()
		}
		return r, nil

	case rulesMsg:
		r.loading = false
		r.err = msg.err
		if msg.err == "" {
			r.counts = msg.counts
		}
		r.lastUpdate = r.now()
		return r, nil

	case TickMsg:
		if msg.Scene == "rules" {
			return r, r.fetch()
		}
		return r, nil
	}

	return r, nil
}

// View renders rule hit counts as a bar chart
func (r *RulesScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Rule Hits"))
	b.WriteString("\n")
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  last %s", r.opts.Window)))
	b.WriteString("\n\n")

	if r.loading && len(r.counts) == 0 && r.err == "" {
		b.WriteString(styles.Muted.Render("  Loading rule counts..."))
		return b.String()
	}
	if r.err != "" {
		b.WriteString(styles.ErrorMsg.Render(fmt.Sprintf("  Error: %s", r.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}
	if len(r.counts) == 0 {
		b.WriteString(styles.Muted.Render("  No rules fired in this window."))
		return b.String()
	}

	var top uint64
	var total uint64
	for _, c := range r.counts {
		top = max(top, c.Count)
		total += c.Count
	}

	cards := lipgloss.JoinHorizontal(lipgloss.Top,
		styles.MetricCard.Render(lipgloss.JoinVertical(lipgloss.Left,
			styles.MetricValue.Render(fmt.Sprintf("%d", len(r.counts))),
			styles.MetricLabel.Render("rules fired"))),
		styles.MetricCard.Render(lipgloss.JoinVertical(lipgloss.Left,
			styles.MetricValue.Render(fmt.Sprintf("%d", total)),
			styles.MetricLabel.Render("total hits"))),
	)
	b.WriteString(cards)
	b.WriteString("\n\n")

	for _, c := range r.counts {
		width := barWidth(c.Count, top)
		bar := styles.Bar.Render(strings.Repeat("█", width))
		b.WriteString(fmt.Sprintf("  %-32s %s %d\n", truncate(c.Rule, 32), bar, c.Count))
	}

	b.WriteString(styles.Muted.Render("\n  [r] Refresh"))
	if !r.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", r.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

// barWidth scales count against top. Non-zero counts get at least one cell.
func barWidth(count, top uint64) int {
	if top == 0 || count == 0 {
		return 0
	}
	w := int(count * maxBarWidth / top)
	return max(1, w)
}
