// Package printing serves a print or load request end to end: store resolution, product
// lookup, rendering, transport, event log and audit trace.
package printing

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"label-print-service/internal/audit"
	"label-print-service/internal/domain"
	"label-print-service/internal/label"
	"label-print-service/internal/store"
)

// Trace actions.
const (
	ActionPrint = "print"
	ActionLoad  = "load"
)

const probeConcurrency = 8

var (
	ErrNoPrinter   = errors.New("printing: no printer in this store supports the label kind")
	ErrPrintFailed = errors.New("printing: printer did not accept the job")
)

// Renderer turns a label request into a ZPL payload.
type Renderer interface {
	Render(req label.Request) (string, error)
}

// Sender delivers payloads to printers.
type Sender interface {
	Send(ctx context.Context, host, payload string) bool
	Probe(ctx context.Context, host string) bool
}

// AuditRecorder persists finished traces.
type AuditRecorder interface {
	Record(trace domain.PrintTrace) error
}

// LabelObserver counts printed labels.
type LabelObserver interface {
	ObserveLabel(kind, action, status string)
}

// Service wires the print flow together. Audit, Observer and Templates are optional.
type Service struct {
	Finder    store.ProductFinder
	Mappings  store.MappingStorer
	Renderer  Renderer
	Sender    Sender
	Log       store.EventLogger
	Audit     AuditRecorder
	Observer  LabelObserver
	Templates fs.FS
	Logger    *slog.Logger
	Now       func() time.Time
}

// Request is one print or load action issued from a terminal.
type Request struct {
	ClientIP  string
	Kind      domain.LabelKind
	Code      string
	Copies    int
	PrinterIP string
	Variant   string
}

// Result describes a job accepted by the printer.
type Result struct {
	TraceID     string
	StoreID     string
	PrinterIP   string
	PrinterName string
	Product     *domain.Product
	Copies      int
}

// PrinterStatus is a store printer as presented to the terminal.
type PrinterStatus struct {
	domain.PrinterMapping
	Online *bool `json:"online,omitempty"` // nil when not probed
}

// StoreContext is what a terminal needs to draw its print form.
type StoreContext struct {
	StoreID   string
	Mapping   domain.PrinterMapping
	Printers  []domain.PrinterMapping
	Kinds     []domain.LabelKind
	Templates map[domain.LabelKind][]string
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Context resolves the caller's store and lists its printers and the label kinds that have
// at least one template.
func (s *Service) Context(ctx context.Context, clientIP string) (*StoreContext, error) {
	mappings, err := s.Mappings.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list printer mappings: %w", err)
	}
	m, err := store.Resolve(clientIP, mappings)
	if err != nil {
		return nil, err
	}
	out := &StoreContext{
		StoreID:  m.StoreID,
		Mapping:  *m,
		Printers: store.StorePrinters(m.StoreID, mappings),
	}
	if s.Templates != nil {
		out.Templates, err = label.ListTemplates(s.Templates)
		if err != nil {
			return nil, err
		}
		for _, k := range domain.LabelKinds {
			if len(out.Templates[k]) > 0 {
				out.Kinds = append(out.Kinds, k)
			}
		}
	} else {
		out.Kinds = append(out.Kinds, domain.LabelKinds...)
	}
	return out, nil
}

// Probe reports which printers accept connections right now. Printers are checked
// concurrently, at most probeConcurrency at a time.
func (s *Service) Probe(ctx context.Context, printers []domain.PrinterMapping) []PrinterStatus {
	out := make([]PrinterStatus, len(printers))
	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for i, p := range printers {
		i, p := i, p
		g.Go(func() error {
			online := s.Sender.Probe(ctx, p.PrinterIP)
			out[i] = PrinterStatus{PrinterMapping: p, Online: &online}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// SelectPrinter returns the printer a job goes to: preferred when it is one of the printers
// supporting kind, otherwise the first such printer.
func SelectPrinter(printers []domain.PrinterMapping, kind domain.LabelKind, preferred string) (*domain.PrinterMapping, error) {
	var first *domain.PrinterMapping
	for i := range printers {
		p := &printers[i]
		if !p.Supports(kind) {
			continue
		}
		if preferred != "" && p.PrinterIP == preferred {
			return p, nil
		}
		if first == nil {
			first = p
		}
	}
	if first == nil {
		return nil, ErrNoPrinter
	}
	return first, nil
}

// target resolves the store and printer for req, recording the steps on trace.
func (s *Service) target(ctx context.Context, req Request, trace *audit.Trace) (*domain.PrinterMapping, string, error) {
	mappings, err := s.Mappings.List(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list printer mappings: %w", err)
	}
	m, err := store.Resolve(req.ClientIP, mappings)
	if err != nil {
		trace.Add(audit.EventStoreNotMapped, "ip", req.ClientIP)
		return nil, "", err
	}
	trace.Add(audit.EventStoreResolved, "store", m.StoreID, "pattern", m.AddressPattern)

	p, err := SelectPrinter(store.StorePrinters(m.StoreID, mappings), req.Kind, req.PrinterIP)
	if err != nil {
		return nil, m.StoreID, err
	}
	return p, m.StoreID, nil
}

// Print looks up the product, renders the label with the selected printer's margin and
// sends it. Every outcome is logged and traced.
func (s *Service) Print(ctx context.Context, req Request) (*Result, error) {
	trace := audit.Start(ActionPrint, req.ClientIP)
	copies := label.ClampCopies(req.Copies)

	res, err := s.print(ctx, req, copies, trace)
	status := domain.TraceOK
	switch {
	case errors.Is(err, ErrPrintFailed):
		status = domain.TraceFailed
	case err != nil:
		status = domain.TraceError
		trace.Add(audit.EventError, "error", err.Error())
	}
	s.finish(trace, status, string(req.Kind), ActionPrint)
	return res, err
}

func (s *Service) print(ctx context.Context, req Request, copies int, trace *audit.Trace) (*Result, error) {
	kind, err := domain.ParseLabelKind(string(req.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownLabelKind, req.Kind)
	}
	req.Kind = kind
	p, storeID, err := s.target(ctx, req, trace)
	if err != nil {
		return nil, err
	}
	trace.SetTarget(storeID, p.PrinterIP, req.Kind, copies)

	product, err := s.Finder.Lookup(req.Kind, req.Code)
	if err != nil {
		trace.Add(audit.EventProductNotFound, "code", req.Code)
		return nil, err
	}
	trace.Add(audit.EventProductFound, "barcode", product.Barcode, "product_code", product.ProductCode)

	lr := label.NewRequest(req.Kind, product, copies, p.LeftMargin(req.Kind))
	lr.Variant = req.Variant
	lr.Date = s.now()
	payload, err := s.Renderer.Render(lr)
	if err != nil {
		return nil, err
	}
	trace.Add(audit.EventRendered, "bytes", len(payload))

	res := &Result{
		TraceID:     trace.ID(),
		StoreID:     storeID,
		PrinterIP:   p.PrinterIP,
		PrinterName: p.Name(),
		Product:     product,
		Copies:      copies,
	}
	details := fmt.Sprintf("ean=%s,codprod=%s,copies=%d,kind=%s", product.Barcode, product.ProductCode, copies, req.Kind)

	if !s.Sender.Send(ctx, p.PrinterIP, payload) {
		trace.Add(audit.EventPrintFailed, "printer", p.PrinterIP)
		s.appendLog(ctx, domain.EventPrintFailed, req.ClientIP, p.PrinterIP, details)
		return res, fmt.Errorf("%w: %s", ErrPrintFailed, p.PrinterIP)
	}
	trace.Add(audit.EventPrintSuccess, "printer", p.PrinterIP)
	s.appendLog(ctx, domain.EventPrint, req.ClientIP, p.PrinterIP, details)
	return res, nil
}

// Load sends the media calibration sequence for req.Kind to the selected printer.
func (s *Service) Load(ctx context.Context, req Request) (*Result, error) {
	trace := audit.Start(ActionLoad, req.ClientIP)
	res, err := s.load(ctx, req, trace)
	status := domain.TraceOK
	switch {
	case errors.Is(err, ErrPrintFailed):
		status = domain.TraceFailed
	case err != nil:
		status = domain.TraceError
		trace.Add(audit.EventError, "error", err.Error())
	}
	s.finish(trace, status, string(req.Kind), ActionLoad)
	return res, err
}

func (s *Service) load(ctx context.Context, req Request, trace *audit.Trace) (*Result, error) {
	kind, err := domain.ParseLabelKind(string(req.Kind))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", store.ErrUnknownLabelKind, req.Kind)
	}
	req.Kind = kind
	p, storeID, err := s.target(ctx, req, trace)
	if err != nil {
		return nil, err
	}
	trace.SetTarget(storeID, p.PrinterIP, req.Kind, 0)

	margin := p.LeftMargin(req.Kind)
	res := &Result{TraceID: trace.ID(), StoreID: storeID, PrinterIP: p.PrinterIP, PrinterName: p.Name()}
	details := fmt.Sprintf("kind=%s,ls=%d", req.Kind, margin)
	if !s.Sender.Send(ctx, p.PrinterIP, label.CalibrationPayload(margin)) {
		trace.Add(audit.EventPrintFailed, "printer", p.PrinterIP)
		s.appendLog(ctx, domain.EventPrintFailed, req.ClientIP, p.PrinterIP, details)
		return res, fmt.Errorf("%w: %s", ErrPrintFailed, p.PrinterIP)
	}
	trace.Add(audit.EventPrintSuccess, "printer", p.PrinterIP)
	s.appendLog(ctx, domain.EventLoad, req.ClientIP, p.PrinterIP, details)
	return res, nil
}

func (s *Service) appendLog(ctx context.Context, event, clientIP, printerIP, details string) {
	if s.Log == nil {
		return
	}
	entry := domain.LogEntry{Timestamp: s.now(), Event: event, SourceIP: clientIP, Printer: printerIP, Details: details}
	if err := s.Log.Append(ctx, entry); err != nil {
		s.logger().Error("failed to append event log", slog.String("event", event), slog.Any("error", err))
	}
}

func (s *Service) finish(trace *audit.Trace, status, kind, action string) {
	rec := trace.Finish(status)
	if s.Observer != nil {
		s.Observer.ObserveLabel(kind, action, status)
	}
	if s.Audit == nil {
		return
	}
	if err := s.Audit.Record(rec); err != nil {
		s.logger().Error("failed to record audit trace", slog.String("trace_id", rec.TraceID), slog.Any("error", err))
	}
}
