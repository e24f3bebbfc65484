package storage

import (
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"sort"
)

//go:embed migrations/001_initial.sql
var initialSchema string

// Migration represents a database schema migration
type Migration struct {
	SQL         string
	Description string
	Version     int
}

// migrations are applied in ascending version order, each in its own transaction
var migrations = []Migration{
	{
		Version:     1,
		Description: "Initial schema with queries table",
		SQL:         initialSchema,
	},
	{
		Version:     2,
		Description: "Add indexes for upstream and cached aggregations",
		SQL: `
			CREATE INDEX IF NOT EXISTS idx_queries_upstream_timestamp ON queries(upstream, timestamp);
			CREATE INDEX IF NOT EXISTS idx_queries_timestamp_agg ON queries(timestamp, cached, outcome);
		`,
	},
}

func getMigrations() []Migration {
	result := make([]Migration, len(migrations))
	copy(result, migrations)
	sort.Slice(result, func(i, j int) bool {
		return result[i].Version < result[j].Version
	})
	return result
}

// getCurrentVersion returns 0 for a fresh database
func getCurrentVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`
		SELECT 1 FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to query schema version: %w", err)
	}
	return version, nil
}

func applyMigration(db *sql.DB, migration Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO schema_version (version, applied_at)
		VALUES (?, CURRENT_TIMESTAMP)
	`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// runMigrations applies every migration newer than the recorded version.
// A failure leaves the schema at the last successful migration.
func runMigrations(db *sql.DB) error {
	current, err := getCurrentVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	for _, migration := range getMigrations() {
		if migration.Version <= current {
			continue
		}
		if err := applyMigration(db, migration); err != nil {
			return fmt.Errorf("failed to apply migration v%d (%s): %w",
				migration.Version, migration.Description, err)
		}
	}
	return nil
}
