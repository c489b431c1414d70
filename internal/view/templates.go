package view

import (
	"bytes"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
	"time"

	"label-print-service/internal/domain"
	"label-print-service/internal/session"
	"label-print-service/web"
)

// Engine renders HTML templates. Each page is parsed together with the shared layouts
// and partials so pages can define the same blocks.
type Engine struct {
	pages map[string]*template.Template
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flashes     []session.FlashMessage
	CurrentPath string
	Admin       bool
	Data        any
}

// Funcs are the helpers available to every page.
func Funcs() template.FuncMap {
	return template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02/01/2006 15:04:05")
		},
		"kinds": func(ks []domain.LabelKind) string {
			parts := make([]string, len(ks))
			for i, k := range ks {
				parts[i] = k.Title()
			}
			return strings.Join(parts, ", ")
		},
		"hasKind": func(ks []domain.LabelKind, k domain.LabelKind) bool {
			for _, v := range ks {
				if v == k {
					return true
				}
			}
			return false
		},
		"allKinds": func() []domain.LabelKind {
			return domain.LabelKinds
		},
	}
}

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	return NewEngineFS(web.Templates)
}

// NewEngineFS parses templates/layouts, templates/partials and every templates/pages file
// found in fsys.
func NewEngineFS(fsys fs.FS) (*Engine, error) {
	shared, err := template.New("root").Funcs(Funcs()).ParseFS(fsys, "templates/layouts/*.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse layouts: %w", err)
	}
	pages, err := fs.Glob(fsys, "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	e := &Engine{pages: make(map[string]*template.Template, len(pages))}
	for _, p := range pages {
		t, err := shared.Clone()
		if err != nil {
			return nil, err
		}
		if _, err := t.ParseFS(fsys, p); err != nil {
			return nil, fmt.Errorf("parse %s: %w", p, err)
		}
		e.pages[strings.TrimSuffix(path.Base(p), ".html")] = t
	}
	return e, nil
}

// Render executes page name through the base layout. Output is buffered so a template
// error never produces a half-written page.
func (e *Engine) Render(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	t, ok := e.pages[name]
	if !ok {
		return fmt.Errorf("template %q not found", name)
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "base", data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
