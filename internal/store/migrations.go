package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS enrichment_history (
		task_id       TEXT PRIMARY KEY,
		subject_id    TEXT NOT NULL,
		subject_name  TEXT NOT NULL,
		supplier      TEXT NOT NULL,
		capabilities  TEXT[] NOT NULL,
		completed     TEXT[] NOT NULL DEFAULT '{}',
		failed        TEXT[] NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL,
		priority      TEXT NOT NULL,
		retry_count   INT NOT NULL DEFAULT 0,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		completed_at  TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_history_subject
		ON enrichment_history (subject_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_enrichment_history_supplier
		ON enrichment_history (supplier)`,
}

// RunMigrations executes the schema migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	for i, sql := range migrations {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i, err)
		}
	}
	return nil
}
