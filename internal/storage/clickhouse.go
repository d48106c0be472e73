// Package storage persists scored events in ClickHouse.
package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"secureops/internal/config"
)

// ClickHouseClient wraps the ClickHouse connection.
type ClickHouseClient struct {
	conn     driver.Conn
	database string
}

// NewClickHouseClient opens and verifies a ClickHouse connection.
func NewClickHouseClient(cfg config.ClickHouseConfig) (*ClickHouseClient, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, WrapConnectionError("Open", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, WrapConnectionError("Ping", err)
	}

	return &ClickHouseClient{conn: conn, database: cfg.Database}, nil
}

// NewClickHouseClientFromConn wraps an existing connection.
func NewClickHouseClientFromConn(conn driver.Conn, database string) *ClickHouseClient {
	return &ClickHouseClient{conn: conn, database: database}
}

// Close closes the connection.
func (c *ClickHouseClient) Close() error {
	return c.conn.Close()
}

// Ping checks if the connection is alive.
func (c *ClickHouseClient) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Exec executes a statement without returning rows.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...any) error {
	return c.conn.Exec(ctx, query, args...)
}

// Query executes a query and returns rows.
func (c *ClickHouseClient) Query(ctx context.Context, query string, args ...any) (driver.Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

// PrepareBatch prepares a batch insert.
func (c *ClickHouseClient) PrepareBatch(ctx context.Context, query string) (driver.Batch, error) {
	return c.conn.PrepareBatch(ctx, query)
}

// Database returns the database name.
func (c *ClickHouseClient) Database() string {
	return c.database
}

// EnsureDatabase creates the database if it does not exist.
func (c *ClickHouseClient) EnsureDatabase(ctx context.Context) error {
	return c.conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", sanitizeIdentifier(c.database)))
}

// sanitizeIdentifier keeps only characters safe in an unquoted identifier.
func sanitizeIdentifier(name string) string {
	var out []byte
	for _, b := range []byte(name) {
		if (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') ||
			(b >= '0' && b <= '9') || b == '_' {
			out = append(out, b)
		}
	}
	return string(out)
}
