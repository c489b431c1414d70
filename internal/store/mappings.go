package store

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"label-print-service/internal/domain"
)

var mappingHeader = []string{"loja", "pattern", "nome", "funcao", "ip", "ls_flor", "ls_flv"}

const labelKindSeparator = ";"

// funcaoNames are the label kind names stored in the funcao column. Existing installs
// and their tooling read these, so writes keep them.
var funcaoNames = map[domain.LabelKind]string{
	domain.LabelFlower:     "floricultura",
	domain.LabelPerishable: "flv",
}

// MappingFile is the printers.csv backed MappingStorer. The mutex serialises
// read-modify-write cycles inside this process; the file itself is always rewritten whole.
type MappingFile struct {
	mu   sync.Mutex
	path string
}

// NewMappingFile returns a store over the CSV file at path.
func NewMappingFile(path string) *MappingFile {
	return &MappingFile{path: path}
}

// List reads every mapping in file order.
func (s *MappingFile) List(ctx context.Context) ([]domain.PrinterMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Replace rewrites the file with mappings.
func (s *MappingFile) Replace(ctx context.Context, mappings []domain.PrinterMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(mappings)
}

// Upsert updates the mapping with the same store and printer address, or appends a new one.
func (s *MappingFile) Upsert(ctx context.Context, m domain.PrinterMapping) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mappings, err := s.load()
	if err != nil {
		return false, err
	}
	for i := range mappings {
		if mappings[i].StoreID == m.StoreID && mappings[i].PrinterIP == m.PrinterIP {
			if m.AddressPattern == "" {
				m.AddressPattern = mappings[i].AddressPattern
			}
			mappings[i] = m
			return false, s.save(mappings)
		}
	}
	if m.AddressPattern == "" {
		m.AddressPattern = DefaultPattern(m.StoreID)
	}
	return true, s.save(append(mappings, m))
}

// Delete removes the mapping matching both pattern and printer address.
func (s *MappingFile) Delete(ctx context.Context, pattern, printerIP string) (*domain.PrinterMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mappings, err := s.load()
	if err != nil {
		return nil, err
	}
	kept := mappings[:0]
	var removed *domain.PrinterMapping
	for _, m := range mappings {
		if removed == nil && m.AddressPattern == pattern && m.PrinterIP == printerIP {
			m := m
			removed = &m
			continue
		}
		kept = append(kept, m)
	}
	if removed == nil {
		return nil, ErrMappingNotFound
	}
	return removed, s.save(kept)
}

// UpdateMargins sets both calibration values of the first mapping using printerIP and
// returns the previous state.
func (s *MappingFile) UpdateMargins(ctx context.Context, printerIP string, flower, perishable int) (*domain.PrinterMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mappings, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range mappings {
		if mappings[i].PrinterIP == printerIP {
			old := mappings[i]
			mappings[i].LeftMarginFlower = flower
			mappings[i].LeftMarginPerishable = perishable
			return &old, s.save(mappings)
		}
	}
	return nil, ErrMappingNotFound
}

func (s *MappingFile) load() ([]domain.PrinterMapping, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.PrinterMapping{}, nil
		}
		return nil, fmt.Errorf("store: open mappings: %w", err)
	}
	defer f.Close()
	return ParseMappings(f)
}

func (s *MappingFile) save(mappings []domain.PrinterMapping) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("store: create mappings dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".printers-*.csv")
	if err != nil {
		return fmt.Errorf("store: create temp mappings: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := WriteMappings(tmp, mappings); err != nil {
		tmp.Close()
		return fmt.Errorf("store: write mappings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("store: close temp mappings: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("store: replace mappings: %w", err)
	}
	return nil
}

// ParseMappings reads printers.csv. Rows without a store id are skipped and
// margins that do not parse become zero.
func ParseMappings(r io.Reader) ([]domain.PrinterMapping, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []domain.PrinterMapping{}, nil
		}
		return nil, fmt.Errorf("store: read mappings header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	get := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	mappings := []domain.PrinterMapping{}
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			continue
		}
		m := domain.PrinterMapping{
			StoreID:              get(row, "loja"),
			AddressPattern:       get(row, "pattern"),
			DisplayName:          get(row, "nome"),
			PrinterIP:            get(row, "ip"),
			LabelKinds:           parseKinds(get(row, "funcao")),
			LeftMarginFlower:     atoiOrZero(get(row, "ls_flor")),
			LeftMarginPerishable: atoiOrZero(get(row, "ls_flv")),
		}
		if m.StoreID == "" {
			continue
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

// WriteMappings writes the CSV header and one row per mapping.
func WriteMappings(w io.Writer, mappings []domain.PrinterMapping) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(mappingHeader); err != nil {
		return err
	}
	for _, m := range mappings {
		kinds := make([]string, 0, len(m.LabelKinds))
		for _, k := range m.LabelKinds {
			name, ok := funcaoNames[k]
			if !ok {
				name = string(k)
			}
			kinds = append(kinds, name)
		}
		row := []string{
			m.StoreID,
			m.AddressPattern,
			m.DisplayName,
			strings.Join(kinds, labelKindSeparator),
			m.PrinterIP,
			strconv.Itoa(m.LeftMarginFlower),
			strconv.Itoa(m.LeftMarginPerishable),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func parseKinds(raw string) []domain.LabelKind {
	var kinds []domain.LabelKind
	for _, part := range strings.Split(raw, labelKindSeparator) {
		if strings.TrimSpace(part) == "" {
			continue
		}
		k, err := domain.ParseLabelKind(part)
		if err != nil {
			continue
		}
		kinds = append(kinds, k)
	}
	return kinds
}

func atoiOrZero(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

// DefaultPattern is the address range assigned to new mappings: stores own 10.<store>.0.0/16.
func DefaultPattern(storeID string) string {
	n, err := strconv.Atoi(storeID)
	if err != nil {
		return storeID + ".*"
	}
	return fmt.Sprintf("10.%d.*", n)
}

// MatchPattern reports whether clientIP falls in pattern. Patterns with glob
// metacharacters are globs; anything else is a plain prefix.
func MatchPattern(pattern, clientIP string) bool {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return false
	}
	if strings.ContainsAny(pattern, "*?[") {
		ok, err := path.Match(pattern, clientIP)
		return err == nil && ok
	}
	return strings.HasPrefix(clientIP, pattern)
}

// Resolve returns the first mapping, in list order, whose pattern matches clientIP.
// There is no default printer: a miss is ErrStoreNotMapped.
func Resolve(clientIP string, mappings []domain.PrinterMapping) (*domain.PrinterMapping, error) {
	for _, m := range mappings {
		if MatchPattern(m.AddressPattern, clientIP) {
			m := m
			return &m, nil
		}
	}
	return nil, ErrStoreNotMapped
}

// StorePrinters returns every mapping that belongs to storeID, preserving order.
func StorePrinters(storeID string, mappings []domain.PrinterMapping) []domain.PrinterMapping {
	out := []domain.PrinterMapping{}
	for _, m := range mappings {
		if m.StoreID == storeID {
			out = append(out, m)
		}
	}
	return out
}
