// Package scenes provides the triage TUI scenes.
package scenes

import (
	"context"
	"time"

	"secureops/internal/schema"
	"secureops/internal/storage"
)

// Source answers the triage queries. storage.ClickHouseClient implements it.
type Source interface {
	TopRisk(ctx context.Context, q storage.TopRiskQuery) ([]*schema.ScoredEvent, error)
	RuleCounts(ctx context.Context, since time.Time) ([]storage.RuleCount, error)
}

// Options controls what the scenes fetch.
type Options struct {
	RefreshInterval time.Duration
	Limit           int
	MinScore        int
	// Window is how far back the scenes look.
	Window time.Duration
	// QueryTimeout bounds each fetch.
	QueryTimeout time.Duration
}

// DefaultOptions returns the default scene options.
func DefaultOptions() Options {
	return Options{
		RefreshInterval: 5 * time.Second,
		Limit:           storage.DefaultTopRiskLimit,
		MinScore:        50,
		Window:          24 * time.Hour,
		QueryTimeout:    5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = d.RefreshInterval
	}
	if o.Limit <= 0 {
		o.Limit = d.Limit
	}
	if o.MinScore < 0 {
		o.MinScore = 0
	}
	if o.Window <= 0 {
		o.Window = d.Window
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	return o
}

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
