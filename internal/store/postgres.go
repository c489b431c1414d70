package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"label-print-service/internal/domain"
)

// pq error code for a missing relation.
const pqUndefinedTable = "42P01"

const createEventsTable = `
		CREATE TABLE IF NOT EXISTS print_events (
			id BIGSERIAL PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
			event TEXT NOT NULL,
			source_ip TEXT NOT NULL DEFAULT '',
			printer TEXT NOT NULL DEFAULT '',
			details TEXT NOT NULL DEFAULT ''
		);
	`

// PostgresEventLog implements EventLogger on a print_events table.
type PostgresEventLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresEventLog creates a new PostgresEventLog instance.
func NewPostgresEventLog(db *sql.DB, logger *slog.Logger) *PostgresEventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresEventLog{db: db, logger: logger}
}

// EnsureSchema creates the events table when missing.
func (s *PostgresEventLog) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("store: EnsureSchema failed: %w", err)
	}
	return nil
}

func (s *PostgresEventLog) Append(ctx context.Context, entry domain.LogEntry) error {
	query := `
		INSERT INTO print_events (created_at, event, source_ip, printer, details)
		VALUES (COALESCE($1, CURRENT_TIMESTAMP), $2, $3, $4, $5);
	`
	var ts sql.NullTime
	if !entry.Timestamp.IsZero() {
		ts = sql.NullTime{Time: entry.Timestamp, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, query, ts, entry.Event, entry.SourceIP, entry.Printer, entry.Details)
	if err != nil {
		return fmt.Errorf("store: Append failed to insert event: %w", err)
	}
	return nil
}

// List returns events oldest first; a Limit keeps only the most recent ones.
func (s *PostgresEventLog) List(ctx context.Context, params ListLogParams) ([]domain.LogEntry, error) {
	query := `
		SELECT created_at, event, source_ip, printer, details FROM (
			SELECT id, created_at, event, source_ip, printer, details
			FROM print_events
			ORDER BY id DESC
			LIMIT $1
		) recent
		ORDER BY id ASC;
	`
	var limit sql.NullInt64
	if params.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(params.Limit), Valid: true}
	}
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUndefinedTable {
			return []domain.LogEntry{}, nil
		}
		return nil, fmt.Errorf("store: List failed to query events: %w", err)
	}
	defer rows.Close()

	entries := []domain.LogEntry{}
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.Timestamp, &e.Event, &e.SourceIP, &e.Printer, &e.Details); err != nil {
			return nil, fmt.Errorf("store: List failed to scan event row: %w", err)
		}
		entries = append(entries, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("store: List iteration error: %w", err)
	}
	return entries, nil
}

func (s *PostgresEventLog) Close() error {
	if s.db == nil {
		return nil
	}
	s.logger.Info("closing event log database")
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close event log database", slog.Any("error", err))
		return err
	}
	return nil
}
