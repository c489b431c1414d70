package store

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"label-print-service/internal/domain"
)

// Catalog column headers as exported by the store ERP.
const (
	colBarcode      = "EAN-13"
	colDescription  = "Descricao"
	colProductCode  = "Cod.Prod"
	colExpiry       = "Validade"
	colNutritionRaw = "Info.nutricional"
	colServing      = "Porcao"
)

// structured nutrition columns, in label order
var nutritionColumns = []string{
	"Kcal", "Carboidratos", "Proteinas", "GordurasTotais", "GordurasSaturadas",
	"GordurasTrans", "Colesterol", "Fibra", "Calcio", "Ferro", "Sodio",
}

const (
	minCodeDigits     = 4
	barcodeDigits     = 13
	defaultServing    = 100
	defaultSearchSize = 50
)

// Catalog is an immutable, load-ordered product list for one label kind.
type Catalog struct {
	kind      domain.LabelKind
	products  []domain.Product
	byBarcode map[string]int
}

// NewCatalog indexes products keeping their order.
func NewCatalog(kind domain.LabelKind, products []domain.Product) *Catalog {
	c := &Catalog{kind: kind, products: products, byBarcode: make(map[string]int, len(products))}
	for i, p := range products {
		if _, dup := c.byBarcode[p.Barcode]; !dup {
			c.byBarcode[p.Barcode] = i
		}
	}
	return c
}

// Len returns the number of records.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.products)
}

// NormalizeCode strips a hyphen suffix and validates the remaining digits.
func NormalizeCode(raw string) (string, error) {
	key := strings.TrimSpace(raw)
	if i := strings.IndexByte(key, '-'); i >= 0 {
		key = key[:i]
	}
	if len(key) < minCodeDigits || len(key) > barcodeDigits {
		return "", ErrInvalidCode
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return "", ErrInvalidCode
		}
	}
	return key, nil
}

// Lookup finds a product by full barcode (13 digits, exact) or by product code
// prefix (4-12 digits, first record in file order wins).
func (c *Catalog) Lookup(raw string) (*domain.Product, error) {
	key, err := NormalizeCode(raw)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrProductNotFound
	}
	if len(key) == barcodeDigits {
		if i, ok := c.byBarcode[key]; ok {
			p := c.products[i]
			return &p, nil
		}
		return nil, ErrProductNotFound
	}
	for _, p := range c.products {
		if strings.HasPrefix(p.ProductCode, key) {
			return &p, nil
		}
	}
	return nil, ErrProductNotFound
}

// Search matches descriptions ignoring case and accents.
func (c *Catalog) Search(query string, limit int) []domain.Product {
	if limit <= 0 {
		limit = defaultSearchSize
	}
	needle := foldText(query)
	results := []domain.Product{}
	if c == nil || needle == "" {
		return results
	}
	for _, p := range c.products {
		if strings.Contains(foldText(p.Description), needle) {
			results = append(results, p)
			if len(results) == limit {
				break
			}
		}
	}
	return results
}

func foldText(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(strings.TrimSpace(out))
}

// LoadCatalogFile parses a catalog export. A missing file yields an empty catalog.
func LoadCatalogFile(kind domain.LabelKind, path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCatalog(kind, nil), nil
		}
		return nil, fmt.Errorf("store: open catalog %s: %w", path, err)
	}
	defer f.Close()
	products, err := ParseCatalog(f)
	if err != nil {
		return nil, fmt.Errorf("store: parse catalog %s: %w", path, err)
	}
	return NewCatalog(kind, products), nil
}

// ParseCatalog reads a comma or semicolon separated catalog. Rows missing a barcode
// or product code are skipped; unparsable numbers degrade to defaults.
func ParseCatalog(r io.Reader) ([]domain.Product, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	text := strings.TrimPrefix(string(data), "\ufeff")

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sniffDelimiter(text)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	get := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}
	_, structured := cols["Kcal"]
	_, legacyNutrition := cols[colNutritionRaw]
	_, hasExpiry := cols[colExpiry]

	var products []domain.Product
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// malformed line, keep going
			continue
		}
		p := domain.Product{
			Barcode:     get(row, colBarcode),
			Description: get(row, colDescription),
			ProductCode: get(row, colProductCode),
		}
		if p.Barcode == "" || p.ProductCode == "" {
			continue
		}
		if hasExpiry {
			days := parseInt(get(row, colExpiry), 0)
			p.ExpiryDays = &days
		}
		if structured {
			p.Nutrition = parseNutrition(func(name string) string { return get(row, name) })
		}
		if legacyNutrition {
			p.NutritionLines = parseNutritionLines(get(row, colNutritionRaw))
		}
		products = append(products, p)
	}
	return products, nil
}

func sniffDelimiter(text string) rune {
	line := text
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		line = text[:i]
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';'
	}
	return ','
}

func parseNutrition(get func(string) string) *domain.NutritionFacts {
	values := make([]*float64, len(nutritionColumns))
	for i, name := range nutritionColumns {
		values[i] = parseDecimal(get(name))
	}
	return &domain.NutritionFacts{
		ServingGrams: parseInt(get(colServing), defaultServing),
		Kcal:         values[0],
		Carbs:        values[1],
		Protein:      values[2],
		TotalFat:     values[3],
		SaturatedFat: values[4],
		TransFat:     values[5],
		Cholesterol:  values[6],
		Fiber:        values[7],
		Calcium:      values[8],
		Iron:         values[9],
		SodiumMg:     values[10],
	}
}

// parseNutritionLines accepts a JSON list (the ERP export) and falls back to one raw line.
func parseNutritionLines(raw string) []string {
	if raw == "" {
		return nil
	}
	candidates := []string{raw, strings.ReplaceAll(strings.ReplaceAll(raw, "\u2023", ""), "'", `"`)}
	for _, c := range candidates {
		var items []any
		if err := json.Unmarshal([]byte(c), &items); err == nil {
			lines := make([]string, 0, len(items))
			for _, it := range items {
				lines = append(lines, strings.TrimSpace(fmt.Sprint(it)))
			}
			return lines
		}
	}
	return []string{raw}
}

func parseDecimal(s string) *float64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func parseInt(s string, def int) int {
	v := parseDecimal(s)
	if v == nil {
		return def
	}
	return int(*v)
}

// CatalogSet keeps one catalog per label kind and swaps them on reload.
type CatalogSet struct {
	mu       sync.RWMutex
	paths    map[domain.LabelKind]string
	catalogs map[domain.LabelKind]*Catalog
	logger   *slog.Logger
}

// NewCatalogSet creates an empty set; call Reload to read the files.
func NewCatalogSet(paths map[domain.LabelKind]string, logger *slog.Logger) *CatalogSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogSet{
		paths:    paths,
		catalogs: make(map[domain.LabelKind]*Catalog, len(paths)),
		logger:   logger,
	}
}

// Reload re-reads every catalog file. A catalog that fails to load keeps its previous contents.
func (s *CatalogSet) Reload() error {
	var errs []error
	for kind, path := range s.paths {
		c, err := LoadCatalogFile(kind, path)
		if err != nil {
			s.logger.Warn("catalog reload failed", slog.String("kind", string(kind)), slog.Any("error", err))
			errs = append(errs, err)
			continue
		}
		if c.Len() == 0 {
			s.logger.Warn("catalog is empty", slog.String("kind", string(kind)), slog.String("path", path))
		}
		s.Set(kind, c)
	}
	return errors.Join(errs...)
}

// Set replaces the catalog of kind.
func (s *CatalogSet) Set(kind domain.LabelKind, c *Catalog) {
	s.mu.Lock()
	s.catalogs[kind] = c
	s.mu.Unlock()
}

func (s *CatalogSet) get(kind domain.LabelKind) (*Catalog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.catalogs[kind]
	if !ok {
		if _, known := s.paths[kind]; !known {
			return nil, ErrUnknownLabelKind
		}
	}
	return c, nil
}

// Lookup implements ProductFinder.
func (s *CatalogSet) Lookup(kind domain.LabelKind, code string) (*domain.Product, error) {
	c, err := s.get(kind)
	if err != nil {
		return nil, err
	}
	return c.Lookup(code)
}

// Search implements ProductFinder.
func (s *CatalogSet) Search(kind domain.LabelKind, query string, limit int) ([]domain.Product, error) {
	c, err := s.get(kind)
	if err != nil {
		return nil, err
	}
	return c.Search(query, limit), nil
}

// Counts reports the number of loaded records per kind.
func (s *CatalogSet) Counts() map[domain.LabelKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.LabelKind]int, len(s.catalogs))
	for k, c := range s.catalogs {
		out[k] = c.Len()
	}
	return out
}
