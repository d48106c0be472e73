package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name     string
		sql      string
		expected []string
	}{
		{
			name:     "single statement",
			sql:      "CREATE TABLE test (id INT)",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
		{
			name:     "multiple statements",
			sql:      "CREATE TABLE a (id INT); CREATE TABLE b (id INT)",
			expected: []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name:     "semicolon in string",
			sql:      "INSERT INTO t VALUES ('hello; world')",
			expected: []string{"INSERT INTO t VALUES ('hello; world')"},
		},
		{
			name:     "escaped quote",
			sql:      "INSERT INTO t VALUES ('it''s; fine'); SELECT 1",
			expected: []string{"INSERT INTO t VALUES ('it''s; fine')", "SELECT 1"},
		},
		{
			name:     "empty string",
			sql:      "",
			expected: nil,
		},
		{
			name:     "only whitespace",
			sql:      "   \n\t  ",
			expected: nil,
		},
		{
			name:     "trailing semicolon",
			sql:      "CREATE TABLE test (id INT);",
			expected: []string{"CREATE TABLE test (id INT)"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := splitStatements(tt.sql)

			if len(result) != len(tt.expected) {
				t.Fatalf("splitStatements() = %q, want %q", result, tt.expected)
			}
			for i := range result {
				if result[i] != tt.expected[i] {
					t.Errorf("statement[%d] = %q, want %q", i, result[i], tt.expected[i])
				}
			}
		})
	}
}

func TestStripComments(t *testing.T) {
	sql := "-- header\nCREATE TABLE a (id INT);\n  -- indented\nSELECT 1"
	got := splitStatements(stripComments(sql))

	want := []string{"CREATE TABLE a (id INT)", "SELECT 1"}
	if len(got) != len(want) {
		t.Fatalf("statements = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("statement[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("len(migrations) = %d, want 2", len(migrations))
	}

	want := []struct {
		version int
		name    string
		table   string
	}{
		{1, "create_scored_events", "scored_events"},
		{2, "create_rejected_events", "rejected_events"},
	}
	for i, w := range want {
		m := migrations[i]
		if m.Version != w.version || m.Name != w.name {
			t.Errorf("migration[%d] = %d/%s, want %d/%s", i, m.Version, m.Name, w.version, w.name)
		}
		if !strings.Contains(m.SQL, "CREATE TABLE IF NOT EXISTS "+w.table) {
			t.Errorf("migration %s does not create %s", m.Name, w.table)
		}
	}
}

func TestMigrator_ExecutesEveryStatement(t *testing.T) {
	conn := &mockConn{}
	conn.queryFunc = func(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
		return &fakeRows{}, nil
	}

	if err := NewMigrator(newMockClient(conn), nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	execs := conn.executed()
	var inserts, creates int
	for _, stmt := range execs {
		if strings.HasPrefix(stmt, "--") {
			t.Errorf("comment-led statement sent to server: %q", stmt)
		}
		if strings.HasPrefix(stmt, "INSERT INTO schema_migrations") {
			inserts++
		}
		if strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS scored_events") ||
			strings.Contains(stmt, "CREATE TABLE IF NOT EXISTS rejected_events") {
			creates++
		}
	}
	if creates != 2 {
		t.Errorf("table creates = %d, want 2", creates)
	}
	if inserts != 2 {
		t.Errorf("migration records = %d, want 2", inserts)
	}
}

func TestMigrator_SkipsApplied(t *testing.T) {
	conn := &mockConn{}
	conn.queryFunc = func(_ context.Context, _ string, _ ...any) (driver.Rows, error) {
		return &fakeRows{values: [][]any{{uint32(1)}, {uint32(2)}}}, nil
	}

	if err := NewMigrator(newMockClient(conn), nil).Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if execs := conn.executed(); len(execs) != 1 {
		t.Errorf("executed %d statements, want only the tracking table", len(execs))
	}
}
