package store

import (
	"context"
	"errors"

	"label-print-service/internal/domain"
)

// Predefined errors for store operations
var (
	ErrInvalidCode      = errors.New("store: code must be 4 to 13 digits")
	ErrProductNotFound  = errors.New("store: product not found")
	ErrStoreNotMapped   = errors.New("store: no printer mapping for client address")
	ErrMappingNotFound  = errors.New("store: printer mapping not found")
	ErrUnknownLabelKind = errors.New("store: unknown label kind")
)

// ProductFinder resolves a code typed or scanned at a terminal.
type ProductFinder interface {
	Lookup(kind domain.LabelKind, code string) (*domain.Product, error)
	Search(kind domain.LabelKind, query string, limit int) ([]domain.Product, error)
}

// MappingStorer defines the persistence operations for printer mappings.
// Every mutation rewrites the whole backing file.
type MappingStorer interface {
	List(ctx context.Context) ([]domain.PrinterMapping, error)
	Upsert(ctx context.Context, m domain.PrinterMapping) (created bool, err error)
	Delete(ctx context.Context, pattern, printerIP string) (*domain.PrinterMapping, error)
	UpdateMargins(ctx context.Context, printerIP string, flower, perishable int) (*domain.PrinterMapping, error)
	Replace(ctx context.Context, mappings []domain.PrinterMapping) error
}

// SettingsStorer loads and saves the key=value defaults.
type SettingsStorer interface {
	Load() (domain.Settings, error)
	Save(s domain.Settings) error
}

// ListLogParams bounds a log listing; zero Limit means everything.
type ListLogParams struct {
	Limit int
}

// EventLogger is the append-only print/admin event log.
type EventLogger interface {
	Append(ctx context.Context, entry domain.LogEntry) error
	List(ctx context.Context, params ListLogParams) ([]domain.LogEntry, error)
}
