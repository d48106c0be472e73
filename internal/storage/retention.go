package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetentionConfig holds TTLs for the pipeline tables. Zero leaves the
// table's migration default in place.
type RetentionConfig struct {
	ScoredTTL   time.Duration
	RejectedTTL time.Duration
}

// RetentionDays builds a RetentionConfig from day counts.
func RetentionDays(scored, rejected int) RetentionConfig {
	return RetentionConfig{
		ScoredTTL:   time.Duration(scored) * 24 * time.Hour,
		RejectedTTL: time.Duration(rejected) * 24 * time.Hour,
	}
}

type ttlPolicy struct {
	table  string
	column string
	days   int
}

// RetentionManager applies data retention policies.
type RetentionManager struct {
	client *ClickHouseClient
	config RetentionConfig
	logger *slog.Logger
}

// NewRetentionManager creates a new retention manager.
func NewRetentionManager(client *ClickHouseClient, cfg RetentionConfig, logger *slog.Logger) *RetentionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionManager{client: client, config: cfg, logger: logger}
}

func (r *RetentionManager) policies() []ttlPolicy {
	var out []ttlPolicy
	add := func(table, column string, ttl time.Duration) {
		if ttl <= 0 {
			return
		}
		days := int(ttl.Hours() / 24)
		if days < 1 {
			days = 1
		}
		out = append(out, ttlPolicy{table: table, column: column, days: days})
	}
	add(scoredEventsTable, "received_date", r.config.ScoredTTL)
	add("rejected_events", "toDate(rejected_at)", r.config.RejectedTTL)
	return out
}

func (p ttlPolicy) statement() string {
	return fmt.Sprintf("ALTER TABLE %s MODIFY TTL %s + INTERVAL %d DAY DELETE",
		sanitizeIdentifier(p.table), p.column, p.days)
}

// ApplyTTLs updates table TTLs to the configured retention. It runs after
// migrations. A failing table is logged and skipped.
func (r *RetentionManager) ApplyTTLs(ctx context.Context) error {
	for _, p := range r.policies() {
		if err := r.client.Exec(ctx, p.statement()); err != nil {
			r.logger.Warn("failed to apply TTL policy",
				"table", p.table,
				"ttl_days", p.days,
				"error", err,
			)
			continue
		}
		r.logger.Info("applied retention policy", "table", p.table, "ttl_days", p.days)
	}
	return nil
}

// DropPartition drops one partition, such as "202601", from a table.
func (r *RetentionManager) DropPartition(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION '%s'",
		sanitizeIdentifier(table), sanitizeIdentifier(partition))

	if err := r.client.Exec(ctx, query); err != nil {
		return WrapQueryError("DropPartition", table, err)
	}
	r.logger.Info("dropped partition", "table", table, "partition", partition)
	return nil
}
