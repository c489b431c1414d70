package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"label-print-service/internal/domain"
)

var logHeader = []string{"timestamp", "evento", "ip", "impressora", "detalhes"}

const logTimeLayout = "2006-01-02 15:04:05"

// CSVEventLog appends entries to logs.csv, writing the header when the file is created.
type CSVEventLog struct {
	mu   sync.Mutex
	path string
}

func NewCSVEventLog(path string) *CSVEventLog {
	return &CSVEventLog{path: path}
}

// Append writes one row. A zero Timestamp is set to now.
func (l *CSVEventLog) Append(ctx context.Context, entry domain.LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("store: create log dir: %w", err)
	}
	_, statErr := os.Stat(l.path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("store: open event log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(logHeader); err != nil {
			return fmt.Errorf("store: write log header: %w", err)
		}
	}
	row := []string{
		entry.Timestamp.Format(logTimeLayout),
		entry.Event,
		entry.SourceIP,
		entry.Printer,
		entry.Details,
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("store: write log row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// List returns entries in append order. With a Limit only the most recent entries are kept.
func (l *CSVEventLog) List(ctx context.Context, params ListLogParams) ([]domain.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.LogEntry{}, nil
		}
		return nil, fmt.Errorf("store: open event log: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return []domain.LogEntry{}, nil
		}
		return nil, fmt.Errorf("store: read log header: %w", err)
	}

	entries := []domain.LogEntry{}
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil || len(row) < len(logHeader) {
			continue
		}
		// unparsable timestamps stay zero; the row is still shown
		ts, _ := time.ParseInLocation(logTimeLayout, row[0], time.Local)
		entries = append(entries, domain.LogEntry{
			Timestamp: ts,
			Event:     row[1],
			SourceIP:  row[2],
			Printer:   row[3],
			Details:   row[4],
		})
	}
	if params.Limit > 0 && len(entries) > params.Limit {
		entries = entries[len(entries)-params.Limit:]
	}
	return entries, nil
}
