package scenes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"secureops/internal/schema"
	"secureops/internal/storage"
	"secureops/internal/tui/styles"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const minScoreStep = 10

// QueueScene lists the highest risk events, newest first within a score.
type QueueScene struct {
	src        Source
	opts       Options
	events     []*schema.ScoredEvent
	err        string
	width      int
	height     int
	cursor     int
	offset     int
	loading    bool
	maxRows    int
	detail     bool
	minScore   int
	lastUpdate time.Time
	now        func() time.Time
}

// queueMsg carries updated events
type queueMsg struct {
	events []*schema.ScoredEvent
	err    string
}

// NewQueueScene creates a new queue scene
func NewQueueScene(src Source, opts Options) *QueueScene {
	opts = opts.withDefaults()
	return &QueueScene{
		src:      src,
		opts:     opts,
		loading:  true,
		maxRows:  10,
		minScore: opts.MinScore,
		now:      time.Now,
	}
}

// Init initializes the queue scene
func (q *QueueScene) Init() tea.Cmd {
	return q.fetch()
}

// MinScore returns the current score filter.
func (q *QueueScene) MinScore() int {
	return q.minScore
}

// Selected returns the event under the cursor, or nil.
func (q *QueueScene) Selected() *schema.ScoredEvent {
	if q.cursor < 0 || q.cursor >= len(q.events) {
		return nil
	}
	return q.events[q.cursor]
}

func (q *QueueScene) fetch() tea.Cmd {
	query := storage.TopRiskQuery{
		Limit:    q.opts.Limit,
		MinScore: q.minScore,
		Since:    q.now().Add(-q.opts.Window),
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.QueryTimeout)
		defer cancel()
		events, err := q.src.TopRisk(ctx, query)
		if err != nil {
			return queueMsg{err: err.Error()}
		}
		return queueMsg{events: events}
	}
}

// TickCmd returns a command that ticks every refresh interval
func (q *QueueScene) TickCmd() tea.Cmd {
	return tea.Tick(q.opts.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "queue", Time: t}
	})
}

// Update handles messages for the queue scene
func (q *QueueScene) Update(msg tea.Msg) (*QueueScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		q.width = msg.Width
		q.height = msg.Height
		q.maxRows = max(5, q.height-14)
		return q, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if q.cursor > 0 {
				q.cursor--
				if q.cursor < q.offset {
					q.offset = q.cursor
				}
			}
		case "down", "j":
			if q.cursor < len(q.events)-1 {
				q.cursor++
				if q.cursor >= q.offset+q.maxRows {
					q.offset = q.cursor - q.maxRows + 1
				}
			}
		case "pgup":
			q.cursor = max(0, q.cursor-q.maxRows)
			q.offset = max(0, q.offset-q.maxRows)
		case "pgdown":
			q.cursor = max(0, min(len(q.events)-1, q.cursor+q.maxRows))
			q.offset = min(max(0, len(q.events)-q.maxRows), q.offset+q.maxRows)
		case "enter":
			q.detail = !q.detail
		case "+", "=":
			if q.minScore < 100 {
				q.minScore = min(100, q.minScore+minScoreStep)
				q.loading = true
				return q, q.fetch()
			}
		case "-":
			if q.minScore > 0 {
				q.minScore = max(0, q.minScore-minScoreStep)
				q.loading = true
				return q, q.fetch()
			}
		case "r":
			q.loading = true
			return q, q.fetch()
		}
		return q, nil

	case queueMsg:
		q.loading = false
		q.err = msg.err
		if msg.err == "" {
			q.events = msg.events
		}
		q.lastUpdate = q.now()
		if q.cursor >= len(q.events) {
			q.cursor = max(0, len(q.events)-1)
		}
		if q.offset > q.cursor {
			q.offset = q.cursor
		}
		return q, nil

	case TickMsg:
		if msg.Scene == "queue" {
			return q, q.fetch()
		}
		return q, nil
	}

	return q, nil
}

// View renders the risk queue
func (q *QueueScene) View() string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("  Risk Queue"))
	b.WriteString("\n")
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  score >= %d, last %s", q.minScore, q.opts.Window)))
	b.WriteString("\n\n")

	if q.loading && len(q.events) == 0 && q.err == "" {
		b.WriteString(styles.Muted.Render("  Loading events..."))
		return b.String()
	}

	if q.err != "" {
		b.WriteString(styles.ErrorMsg.Render(fmt.Sprintf("  Error: %s", q.err)))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Scored events are read from ClickHouse. Check storage settings."))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Press [r] to retry."))
		return b.String()
	}

	if len(q.events) == 0 {
		b.WriteString(styles.Muted.Render("  No events above the score threshold."))
		b.WriteString("\n\n")
		b.WriteString(styles.Muted.Render("  Press [-] to lower the threshold."))
		return b.String()
	}

	header := fmt.Sprintf("  %-10s %-5s %-9s %-12s %-20s %-20s %s",
		"Severity", "Score", "Time", "Source", "Actor", "Action", "Rules")
	b.WriteString(styles.TableHeader.Render(header))
	b.WriteString("\n")

	endIdx := min(q.offset+q.maxRows, len(q.events))
	for i, event := range q.events[q.offset:endIdx] {
		idx := q.offset + i
		b.WriteString(q.renderRow(event, idx == q.cursor))
		b.WriteString("\n")
	}

	if len(q.events) > q.maxRows {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("\n  %d-%d of %d (↑↓ to scroll, [enter] details, [+/-] threshold)",
			q.offset+1, endIdx, len(q.events))))
	} else {
		b.WriteString(styles.Muted.Render("\n  [enter] Details  [+/-] Threshold  [r] Refresh"))
	}
	if q.loading {
		b.WriteString(styles.Muted.Render("  (refreshing...)"))
	}
	if !q.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  |  Updated: %s", q.lastUpdate.Format("15:04:05"))))
	}

	if q.detail {
		if sel := q.Selected(); sel != nil {
			b.WriteString("\n\n")
			b.WriteString(renderDetail(sel))
		}
	}

	return b.String()
}

func (q *QueueScene) renderRow(e *schema.ScoredEvent, selected bool) string {
	row := fmt.Sprintf("  %s %-5d %-9s %-12s %-20s %-20s %s",
		formatSeverity(e.Scoring.FinalScore),
		e.Scoring.FinalScore,
		e.Event.ReceivedAt.Format("15:04:05"),
		truncate(e.Event.Source, 12),
		truncate(e.Event.ActorID(), 20),
		truncate(e.Event.Action, 20),
		truncate(strings.Join(e.Scoring.TriggeredRules, ","), 40),
	)

	if selected {
		return styles.TableRowSelected.Render(row)
	}
	return row
}

func renderDetail(e *schema.ScoredEvent) string {
	var lines []string
	add := func(label, value string) {
		lines = append(lines, fmt.Sprintf("%s %s", styles.MetricLabel.Render(fmt.Sprintf("%-14s", label)), value))
	}

	add("event", e.Event.EventID)
	add("actor", fmt.Sprintf("%s (%s)", e.Event.ActorID(), e.Event.ActorIP()))
	add("resource", fmt.Sprintf("%s/%s", e.Event.ResourceType(), e.Event.ResourceID()))
	if ti := e.Enrichment.ThreatIntel; ti != nil {
		add("reputation", fmt.Sprintf("%s (%d)", ti.IPReputation, ti.ReputationScore))
	}
	if geo := e.Enrichment.Geo; geo != nil {
		add("country", geo.CountryCode)
	}
	if asset := e.Enrichment.AssetContext; asset != nil {
		add("environment", fmt.Sprintf("%s, criticality %d", asset.Environment, asset.Criticality))
	}
	add("scores", fmt.Sprintf("final %d  model %.1f  rules %d  confidence %.2f",
		e.Scoring.FinalScore, e.Scoring.ModelScore, e.Scoring.RuleScore, e.Scoring.Confidence))
	if len(e.Scoring.TriggeredRules) > 0 {
		add("rules", strings.Join(e.Scoring.TriggeredRules, ", "))
	}
	if e.Scoring.Degraded {
		add("degraded", styles.Degraded.Render(fmt.Sprintf("%d rule(s) could not be evaluated", e.Scoring.DegradedRules)))
	}
	add("versions", fmt.Sprintf("model %s, rules %s", e.Scoring.ModelVersion, e.Scoring.RulesVersion))

	return styles.Detail.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatSeverity(score int) string {
	var label string
	var style lipgloss.Style

	switch {
	case score >= 80:
		label = "CRITICAL"
		style = styles.RiskCritical
	case score >= 60:
		label = "HIGH"
		style = styles.RiskHigh
	case score >= 40:
		label = "MEDIUM"
		style = styles.RiskMedium
	case score >= 20:
		label = "LOW"
		style = styles.RiskLow
	default:
		label = "INFO"
		style = styles.RiskInfo
	}

	return style.Render(fmt.Sprintf("%-10s", label))
}
