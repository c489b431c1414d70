package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"label-print-service/internal/domain"
)

// Keys of the settings file.
const (
	keyPrinterIP        = "IP_IMPRESSORA"
	keyMarginFlower     = "LS_FLOR_VALUE"
	keyMarginPerishable = "LS_FLV_VALUE"
)

// DefaultSettings are used for every key absent from the file.
var DefaultSettings = domain.Settings{
	PrinterIP:            "10.17.30.119",
	LeftMarginFlower:     -40,
	LeftMarginPerishable: -20,
}

// SettingsFile persists domain.Settings as KEY=VALUE lines.
type SettingsFile struct {
	mu   sync.Mutex
	path string
}

func NewSettingsFile(path string) *SettingsFile {
	return &SettingsFile{path: path}
}

// Load reads the file over DefaultSettings. Unknown keys and bad integers are ignored.
func (s *SettingsFile) Load() (domain.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings := DefaultSettings
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return settings, nil
		}
		return settings, fmt.Errorf("store: read settings: %w", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		switch key {
		case keyPrinterIP:
			if value != "" {
				settings.PrinterIP = value
			}
		case keyMarginFlower:
			if v, err := strconv.Atoi(value); err == nil {
				settings.LeftMarginFlower = v
			}
		case keyMarginPerishable:
			if v, err := strconv.Atoi(value); err == nil {
				settings.LeftMarginPerishable = v
			}
		}
	}
	return settings, scanner.Err()
}

// Save rewrites the file with the three known keys.
func (s *SettingsFile) Save(settings domain.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s=%s\n", keyPrinterIP, settings.PrinterIP)
	fmt.Fprintf(&buf, "%s=%d\n", keyMarginFlower, settings.LeftMarginFlower)
	fmt.Fprintf(&buf, "%s=%d\n", keyMarginPerishable, settings.LeftMarginPerishable)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: create settings dir: %w", err)
	}
	if err := os.WriteFile(s.path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("store: write settings: %w", err)
	}
	return nil
}
