// Package datadir resolves the writable data directory and seeds it on first run.
package datadir

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"label-print-service/internal/domain"
	"label-print-service/internal/label"
)

//go:embed seeds/*
var seedFiles embed.FS

const (
	programDataDir = "LabelPrinter"
	userConfigDir  = "labelprinter"
)

// File names inside the layout.
const (
	FlowerCatalogFile     = "flower_catalog.csv"
	PerishableCatalogFile = "perishable_catalog.csv"
	PrintersFile          = "printers.csv"
	SettingsFile          = "config.txt"
	EventLogFile          = "logs.csv"
	AuditFile             = "audit.jsonl"
	AppLogFile            = "app.log"
)

// legacyNames are catalog names used by older installs; they are migrated when the
// current name is missing.
var legacyNames = map[string]string{
	"baseFloricultura.csv": FlowerCatalogFile,
	"baseFatiados.csv":     PerishableCatalogFile,
}

// Layout is the directory tree the service reads and writes.
type Layout struct {
	Root      string
	Data      string
	Templates string
	Logs      string
}

// New returns the layout rooted at root.
func New(root string) Layout {
	return Layout{
		Root:      root,
		Data:      filepath.Join(root, "data"),
		Templates: filepath.Join(root, "templates"),
		Logs:      filepath.Join(root, "logs"),
	}
}

// Resolve picks the root: explicit (DATA_DIR) when set, else %PROGRAMDATA%\LabelPrinter,
// else the per-user config directory.
func Resolve(explicit string) (Layout, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return New(explicit), nil
	}
	if pd := os.Getenv("PROGRAMDATA"); pd != "" {
		return New(filepath.Join(pd, programDataDir)), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return Layout{}, fmt.Errorf("datadir: no data directory available: %w", err)
	}
	return New(filepath.Join(base, userConfigDir)), nil
}

// CatalogPaths maps every label kind to its catalog file.
func (l Layout) CatalogPaths() map[domain.LabelKind]string {
	return map[domain.LabelKind]string{
		domain.LabelFlower:     filepath.Join(l.Data, FlowerCatalogFile),
		domain.LabelPerishable: filepath.Join(l.Data, PerishableCatalogFile),
	}
}

func (l Layout) PrintersPath() string { return filepath.Join(l.Data, PrintersFile) }
func (l Layout) SettingsPath() string { return filepath.Join(l.Data, SettingsFile) }
func (l Layout) EventLogPath() string { return filepath.Join(l.Logs, EventLogFile) }
func (l Layout) AuditPath() string    { return filepath.Join(l.Logs, AuditFile) }
func (l Layout) AppLogPath() string   { return filepath.Join(l.Logs, AppLogFile) }

// Ensure creates the layout, migrates legacy catalog names and seeds missing files from
// the embedded defaults. Existing files are never overwritten.
func Ensure(l Layout, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, dir := range []string{l.Root, l.Data, l.Templates, l.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("datadir: create %s: %w", dir, err)
		}
	}
	if err := migrateLegacy(l, logger); err != nil {
		return err
	}

	seeds, err := fs.Sub(seedFiles, "seeds")
	if err != nil {
		return fmt.Errorf("datadir: open seeds: %w", err)
	}
	created, err := Seed(seeds, l.Data, "*")
	if err != nil {
		return err
	}
	templates, err := fs.Sub(label.DefaultTemplates, "templates")
	if err != nil {
		return fmt.Errorf("datadir: open default templates: %w", err)
	}
	tpl, err := Seed(templates, l.Templates, "*"+label.TemplateExt)
	if err != nil {
		return err
	}
	for _, name := range append(created, tpl...) {
		logger.Info("seeded data file", slog.String("path", name))
	}
	return nil
}

// Seed copies the files of src matching pattern into dir, skipping names that already
// exist. It returns the paths it created.
func Seed(src fs.FS, dir, pattern string) ([]string, error) {
	names, err := fs.Glob(src, pattern)
	if err != nil {
		return nil, fmt.Errorf("datadir: glob seeds: %w", err)
	}
	var created []string
	for _, name := range names {
		dst := filepath.Join(dir, path.Base(name))
		ok, err := copyIfMissing(src, name, dst)
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, dst)
		}
	}
	return created, nil
}

func copyIfMissing(src fs.FS, name, dst string) (bool, error) {
	in, err := src.Open(name)
	if err != nil {
		return false, fmt.Errorf("datadir: open seed %s: %w", name, err)
	}
	defer in.Close()
	if st, err := in.Stat(); err == nil && st.IsDir() {
		return false, nil
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("datadir: create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return false, fmt.Errorf("datadir: write %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return false, fmt.Errorf("datadir: close %s: %w", dst, err)
	}
	return true, nil
}

func migrateLegacy(l Layout, logger *slog.Logger) error {
	for legacy, current := range legacyNames {
		from := filepath.Join(l.Data, legacy)
		to := filepath.Join(l.Data, current)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if _, err := os.Stat(to); err == nil {
			continue
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("datadir: migrate %s: %w", legacy, err)
		}
		logger.Info("migrated legacy catalog", slog.String("from", from), slog.String("to", to))
	}
	return nil
}
