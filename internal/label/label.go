// Package label renders ZPL label payloads from per-kind text templates.
package label

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"text/template"
	"time"

	"label-print-service/internal/domain"
)

// DefaultTemplates are the stock layouts copied into the data directory on first run.
//
//go:embed templates/*.zpl.tmpl
var DefaultTemplates embed.FS

// Errors returned by the renderer.
var (
	ErrTemplateNotFound = errors.New("label: template not found")
	ErrRender           = errors.New("label: render failed")
)

const (
	TemplateExt        = ".zpl.tmpl"
	DefaultVariant     = "default"
	MaxCopies          = 100
	NutritionLineCount = 16
	DescriptionWidth   = 27
	dateLayout         = "02/01/2006"
)

var variantPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Request carries everything a template may print.
type Request struct {
	Kind           domain.LabelKind
	Variant        string
	Description    string
	ProductCode    string
	Barcode        string
	Copies         int
	LeftMargin     int
	ExpiryDays     int
	NutritionLines []string
	Nutrition      *domain.NutritionFacts
	Date           time.Time
}

// NewRequest fills a Request from a catalog product.
func NewRequest(kind domain.LabelKind, p *domain.Product, copies, leftMargin int) Request {
	req := Request{
		Kind:           kind,
		Description:    p.Description,
		ProductCode:    p.ProductCode,
		Barcode:        p.Barcode,
		Copies:         copies,
		LeftMargin:     leftMargin,
		NutritionLines: p.NutritionLines,
		Nutrition:      p.Nutrition,
	}
	if p.ExpiryDays != nil {
		req.ExpiryDays = *p.ExpiryDays
	}
	return req
}

// templateData is what templates see. Text fields are already ZPL safe.
type templateData struct {
	Description    string
	ProductCode    string
	Barcode        string
	BarcodeCommand string
	Copies         int
	LeftMargin     int
	ExpiryDays     int
	Date           string
	Lines          []string
	Nutrition      domain.NutritionFacts
}

// Renderer executes templates read from fsys on every call, so edits on disk apply immediately.
type Renderer struct {
	fsys fs.FS
}

func NewRenderer(fsys fs.FS) *Renderer {
	return &Renderer{fsys: fsys}
}

// TemplateName returns the file name of a kind/variant pair.
func TemplateName(kind domain.LabelKind, variant string) string {
	if variant == "" {
		variant = DefaultVariant
	}
	return string(kind) + "_" + variant + TemplateExt
}

// Render produces the ZPL payload for req. A missing template is an error, never a fallback.
func (r *Renderer) Render(req Request) (string, error) {
	variant := req.Variant
	if variant == "" {
		variant = DefaultVariant
	}
	if !variantPattern.MatchString(variant) {
		return "", fmt.Errorf("%w: %q", ErrTemplateNotFound, variant)
	}
	name := TemplateName(req.Kind, variant)
	src, err := fs.ReadFile(r.fsys, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrTemplateNotFound, name)
		}
		return "", fmt.Errorf("label: read %s: %w", name, err)
	}
	tmpl, err := template.New(name).Funcs(Funcs()).Parse(string(src))
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrRender, name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, newTemplateData(req)); err != nil {
		return "", fmt.Errorf("%w: execute %s: %v", ErrRender, name, err)
	}
	return buf.String(), nil
}

func newTemplateData(req Request) templateData {
	date := req.Date
	if date.IsZero() {
		date = time.Now()
	}
	cmd, code := FormatBarcode(req.Barcode)
	data := templateData{
		Description:    zplText(Truncate(req.Description, DescriptionWidth)),
		ProductCode:    zplText(req.ProductCode),
		Barcode:        code,
		BarcodeCommand: cmd,
		Copies:         ClampCopies(req.Copies),
		LeftMargin:     req.LeftMargin,
		ExpiryDays:     req.ExpiryDays,
		Date:           date.Format(dateLayout),
	}
	if req.Nutrition != nil {
		data.Nutrition = *req.Nutrition
	}
	lines := req.NutritionLines
	if len(lines) == 0 && req.Nutrition != nil {
		lines = NutritionLines(req.Nutrition)
	}
	data.Lines = PadLines(lines, NutritionLineCount)
	for i, l := range data.Lines {
		data.Lines[i] = zplText(l)
	}
	return data
}

// FormatBarcode picks the ZPL barcode command: EAN-13 for full barcodes, interleaved
// 2 of 5 zero padded to 12 digits for anything shorter.
func FormatBarcode(code string) (command, value string) {
	code = strings.TrimSpace(code)
	if len(code) == 13 {
		return "BE", code
	}
	if len(code) < 12 {
		code = strings.Repeat("0", 12-len(code)) + code
	}
	return "B2", code
}

// ClampCopies bounds a copy count to 1..MaxCopies.
func ClampCopies(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxCopies {
		return MaxCopies
	}
	return n
}

// ParseCopies reads a form value; anything that is not an integer counts as one copy.
func ParseCopies(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 1
	}
	return ClampCopies(n)
}

// PadLines returns exactly n lines, padding with empty strings or dropping the tail.
func PadLines(lines []string, n int) []string {
	out := make([]string, n)
	copy(out, lines)
	return out
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// zplText removes the ZPL command prefixes so field data cannot start a new command.
func zplText(s string) string {
	return strings.NewReplacer("^", " ", "~", " ", "\r", " ", "\n", " ").Replace(s)
}

// CalibrationPayload is the media load sequence sent by the "load" action.
func CalibrationPayload(leftMargin int) string {
	return fmt.Sprintf("^XA\n^MD30\n^LS%d\n^XZ", leftMargin)
}

// ListTemplates groups the variants found in fsys by label kind. Files whose prefix is
// not a known kind are ignored.
func ListTemplates(fsys fs.FS) (map[domain.LabelKind][]string, error) {
	out := make(map[domain.LabelKind][]string)
	matches, err := fs.Glob(fsys, "*"+TemplateExt)
	if err != nil {
		return nil, fmt.Errorf("label: list templates: %w", err)
	}
	for _, m := range matches {
		base := strings.TrimSuffix(path.Base(m), TemplateExt)
		prefix, variant, ok := strings.Cut(base, "_")
		if !ok || variant == "" {
			continue
		}
		kind := domain.LabelKind(prefix)
		if kind != domain.LabelFlower && kind != domain.LabelPerishable {
			continue
		}
		out[kind] = append(out[kind], variant)
	}
	for k := range out {
		sort.Strings(out[k])
	}
	return out, nil
}
