package journal

import (
	"fmt"
)

// Migrate runs all database migrations
func (db *DB) Migrate() error {
	// Create migrations table if not exists
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	row := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migration001},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to run migration %d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}

	return nil
}

const migration001 = `
-- Scans seen finishing on the progress stream
CREATE TABLE scan_completions (
    id INTEGER PRIMARY KEY,
    job_id INTEGER NOT NULL,
    target_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_message TEXT,
    phase TEXT NOT NULL DEFAULT 'scanning',
    completed_phases TEXT NOT NULL DEFAULT '[]',
    items_seen INTEGER,
    containers_seen INTEGER,
    overall_completed INTEGER,
    overall_total INTEGER,
    completed_at DATETIME NOT NULL
);

CREATE INDEX idx_scan_completions_job_id ON scan_completions(job_id);
CREATE INDEX idx_scan_completions_completed_at ON scan_completions(completed_at);
CREATE INDEX idx_scan_completions_status ON scan_completions(status);
`
