package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"secureops/internal/schema"
)

// DefaultTopRiskLimit bounds TopRisk when no limit is given.
const DefaultTopRiskLimit = 50

// TopRiskQuery selects the highest scored events.
type TopRiskQuery struct {
	Limit    int
	MinScore int
	Since    time.Time
	Source   string
}

// RuleCount is how often a rule fired.
type RuleCount struct {
	Rule  string `json:"rule"`
	Count uint64 `json:"count"`
}

// rowScanner is the part of driver.Rows the readers use.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// buildTopRisk renders the TopRisk statement and its arguments.
func buildTopRisk(q TopRiskQuery) (string, []any) {
	if q.Limit <= 0 {
		q.Limit = DefaultTopRiskLimit
	}

	var where []string
	var args []any
	if q.MinScore > 0 {
		where = append(where, "final_score >= ?")
		args = append(args, uint8(q.MinScore))
	}
	if !q.Since.IsZero() {
		where = append(where, "received_at >= ?")
		args = append(args, q.Since.UTC())
	}
	if q.Source != "" {
		where = append(where, "source = ?")
		args = append(args, q.Source)
	}

	var b strings.Builder
	b.WriteString("SELECT event_json FROM scored_events")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY final_score DESC, received_at DESC LIMIT %d", q.Limit)
	return b.String(), args
}

// TopRisk returns the highest scored events, newest first among equal scores.
func (c *ClickHouseClient) TopRisk(ctx context.Context, q TopRiskQuery) ([]*schema.ScoredEvent, error) {
	stmt, args := buildTopRisk(q)
	rows, err := c.conn.Query(ctx, stmt, args...)
	if err != nil {
		return nil, WrapQueryError("TopRisk", scoredEventsTable, err)
	}
	return scanScoredEvents(rows)
}

func scanScoredEvents(rows rowScanner) ([]*schema.ScoredEvent, error) {
	defer rows.Close()

	var events []*schema.ScoredEvent
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, WrapQueryError("Scan", scoredEventsTable, err)
		}
		var event schema.ScoredEvent
		if err := json.Unmarshal([]byte(doc), &event); err != nil {
			return nil, WrapQueryError("Decode", scoredEventsTable, err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("TopRisk", scoredEventsTable, err)
	}
	return events, nil
}

// RuleCounts returns how often each rule fired since the given time,
// most frequent first.
func (c *ClickHouseClient) RuleCounts(ctx context.Context, since time.Time) ([]RuleCount, error) {
	rows, err := c.conn.Query(ctx, `
		SELECT rule, count() AS hits
		FROM scored_events
		ARRAY JOIN triggered_rules AS rule
		WHERE received_at >= ?
		GROUP BY rule
		ORDER BY hits DESC, rule ASC
	`, since.UTC())
	if err != nil {
		return nil, WrapQueryError("RuleCounts", scoredEventsTable, err)
	}
	return scanRuleCounts(rows)
}

func scanRuleCounts(rows rowScanner) ([]RuleCount, error) {
	defer rows.Close()

	var counts []RuleCount
	for rows.Next() {
		var rc RuleCount
		if err := rows.Scan(&rc.Rule, &rc.Count); err != nil {
			return nil, WrapQueryError("Scan", scoredEventsTable, err)
		}
		counts = append(counts, rc)
	}
	if err := rows.Err(); err != nil {
		return nil, WrapQueryError("RuleCounts", scoredEventsTable, err)
	}
	return counts, nil
}
