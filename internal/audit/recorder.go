package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"label-print-service/internal/domain"
)

// max accepted line length in audit.jsonl
const maxLineBytes = 1 << 20

// Recorder persists finished traces as JSON lines.
type Recorder struct {
	mu     sync.Mutex
	path   string
	logger *slog.Logger
}

func NewRecorder(path string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{path: path, logger: logger}
}

// Record appends trace to the file.
func (r *Recorder) Record(trace domain.PrintTrace) error {
	line, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("audit: marshal trace: %w", err)
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("audit: create dir: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// Read returns every trace started at or after since. Lines that do not decode are skipped.
func (r *Recorder) Read(since time.Time) ([]domain.PrintTrace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, err := os.Open(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.PrintTrace{}, nil
		}
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	defer f.Close()

	traces := []domain.PrintTrace{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var tr domain.PrintTrace
		if err := json.Unmarshal(line, &tr); err != nil {
			skipped++
			continue
		}
		if tr.StartedAt.Before(since) {
			continue
		}
		traces = append(traces, tr)
	}
	if skipped > 0 {
		r.logger.Warn("skipped unreadable audit lines", slog.Int("count", skipped))
	}
	if err := scanner.Err(); err != nil {
		return traces, fmt.Errorf("audit: read: %w", err)
	}
	return traces, nil
}
