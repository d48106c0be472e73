package storage

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies embedded migrations in version order.
type Migrator struct {
	client *ClickHouseClient
	logger *slog.Logger
}

// NewMigrator creates a new Migrator.
func NewMigrator(client *ClickHouseClient, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{client: client, logger: logger}
}

// Run executes all pending migrations.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			m.logger.Debug("migration already applied",
				"version", migration.Version,
				"name", migration.Name,
			)
			continue
		}

		m.logger.Info("applying migration",
			"version", migration.Version,
			"name", migration.Name,
		)

		for _, stmt := range splitStatements(stripComments(migration.SQL)) {
			if err := m.client.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("failed to apply migration %d (%s): %w",
					migration.Version, migration.Name, err)
			}
		}

		if err := m.client.Exec(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			uint32(migration.Version), migration.Name,
		); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	return m.client.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version UInt32,
			name String,
			applied_at DateTime DEFAULT now()
		)
		ENGINE = MergeTree()
		ORDER BY version
	`)
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}
	return applied, rows.Err()
}

// loadMigrations reads migrations/NNN_name.sql files sorted by version.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		var name string
		if _, err := fmt.Sscanf(entry.Name(), "%03d_%s", &version, &name); err != nil {
			continue
		}

		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, Migration{
			Version: version,
			Name:    strings.TrimSuffix(name, ".sql"),
			SQL:     string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// stripComments drops whole-line "--" comments.
func stripComments(sql string) string {
	lines := strings.Split(sql, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

// splitStatements splits SQL on semicolons outside quoted strings.
func splitStatements(sql string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	escaped := false
	quote := rune(0)

	for i, char := range sql {
		if escaped {
			escaped = false
			current.WriteRune(char)
			continue
		}
		if !inString {
			if char == '\'' || char == '"' {
				inString = true
				quote = char
			} else if char == ';' {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
				continue
			}
		} else if char == quote {
			if i+1 < len(sql) && rune(sql[i+1]) == quote {
				escaped = true
				current.WriteRune(char)
				continue
			}
			inString = false
		}
		current.WriteRune(char)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}
	return statements
}
