package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"parts-enrichment/internal/models"
)

// Store persists terminal enrichment tasks to Postgres. The scheduler's
// in-memory registry remains authoritative; rows here are an append-only
// audit of completed, failed, and cancelled runs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RecordTerminal inserts one history row for a terminal task. Re-recording
// the same task id is a no-op, so retried delivery stays safe.
func (s *Store) RecordTerminal(ctx context.Context, snap models.TaskSnapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrichment_history
			(task_id, subject_id, subject_name, supplier, capabilities, completed, failed,
			 status, priority, retry_count, error_message, created_at, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (task_id) DO NOTHING
	`, snap.ID, snap.SubjectID, snap.SubjectName, snap.Supplier,
		capStrings(snap.Capabilities), capStrings(snap.Completed), capStrings(snap.Failed),
		string(snap.Status), snap.Priority, snap.RetryCount, emptyToNil(snap.ErrorMessage),
		snap.CreatedAt, snap.StartedAt, snap.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// HistoryEntry is one persisted terminal task.
type HistoryEntry struct {
	TaskID       string     `json:"task_id"`
	SubjectID    string     `json:"subject_id"`
	SubjectName  string     `json:"subject_name"`
	Supplier     string     `json:"supplier"`
	Capabilities []string   `json:"capabilities"`
	Completed    []string   `json:"completed"`
	Failed       []string   `json:"failed"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// FindTask returns the persisted row for a task id, if any.
func (s *Store) FindTask(ctx context.Context, taskID string) (HistoryEntry, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_id, subject_id, subject_name, supplier, capabilities, completed, failed,
		       status, priority, retry_count, error_message, created_at, started_at, completed_at
		FROM enrichment_history WHERE task_id = $1
	`, taskID)
	entry, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return HistoryEntry{}, false, nil
	}
	if err != nil {
		return HistoryEntry{}, false, err
	}
	return entry, true, nil
}

// RecentForSubject lists the newest history rows for one inventory item.
func (s *Store) RecentForSubject(ctx context.Context, subjectID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, subject_id, subject_name, supplier, capabilities, completed, failed,
		       status, priority, retry_count, error_message, created_at, started_at, completed_at
		FROM enrichment_history
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (HistoryEntry, error) {
	var entry HistoryEntry
	var errText pgtype.Text
	if err := row.Scan(&entry.TaskID, &entry.SubjectID, &entry.SubjectName, &entry.Supplier,
		&entry.Capabilities, &entry.Completed, &entry.Failed,
		&entry.Status, &entry.Priority, &entry.RetryCount, &errText,
		&entry.CreatedAt, &entry.StartedAt, &entry.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return HistoryEntry{}, err
		}
		return HistoryEntry{}, fmt.Errorf("scan history row: %w", err)
	}
	entry.ErrorMessage = textPtr(errText)
	return entry, nil
}

func capStrings(caps []models.Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
