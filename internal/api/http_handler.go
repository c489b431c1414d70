package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"label-print-service/internal/audit"
	"label-print-service/internal/domain"
	"label-print-service/internal/label"
	"label-print-service/internal/printing"
	"label-print-service/internal/session"
	"label-print-service/internal/store"
)

const (
	defaultSearchLimit = 50
	maxSearchLimit     = 200
	defaultStatsDays   = 30
)

// TraceReader returns the audit traces recorded since a point in time.
type TraceReader interface {
	Read(since time.Time) ([]domain.PrintTrace, error)
}

// HTTPHandler holds dependencies for the JSON API handlers.
type HTTPHandler struct {
	printing *printing.Service
	traces   TraceReader
	auth     *AdminAuth
	csrf     *session.CSRFManager
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewHTTPHandler creates a new HTTPHandler with dependencies.
func NewHTTPHandler(svc *printing.Service, traces TraceReader, auth *AdminAuth, csrf *session.CSRFManager, logger *slog.Logger) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{
		printing: svc,
		traces:   traces,
		auth:     auth,
		csrf:     csrf,
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// newValidator registers the label_kind tag used by mapping and print inputs.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("label_kind", func(fl validator.FieldLevel) bool {
		_, err := domain.ParseLabelKind(fl.Field().String())
		return err == nil
	})
	return v
}

// --- Helpers ---

// ErrorResponse defines the structure for JSON error responses.
type ErrorResponse struct {
	Error string `json:"error"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			slog.Error("failed to encode JSON response", slog.Any("error", err))
		}
	}
}

// clientIP returns the request address without its port. Forwarded headers only count
// when MiddlewareConfig.TrustProxy installed RealIP.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseKind(raw string, def domain.LabelKind) (domain.LabelKind, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	return domain.ParseLabelKind(raw)
}

// statusForError maps print flow errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrInvalidCode), errors.Is(err, store.ErrUnknownLabelKind):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrStoreNotMapped), errors.Is(err, store.ErrProductNotFound):
		return http.StatusNotFound
	case errors.Is(err, printing.ErrNoPrinter):
		return http.StatusConflict
	case errors.Is(err, printing.ErrPrintFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageForError is the user facing text for err.
func messageForError(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidCode):
		return "Code must be 4 to 13 digits"
	case errors.Is(err, store.ErrUnknownLabelKind):
		return "Unknown label kind"
	case errors.Is(err, store.ErrStoreNotMapped):
		return "Store not registered for this terminal"
	case errors.Is(err, store.ErrProductNotFound):
		return "Product not found"
	case errors.Is(err, printing.ErrNoPrinter):
		return "No printer in this store supports this label kind"
	case errors.Is(err, printing.ErrPrintFailed):
		return "Failed to send to printer"
	case errors.Is(err, label.ErrTemplateNotFound):
		return "Label template not found"
	case errors.Is(err, label.ErrRender):
		return "Failed to render label"
	default:
		return "Internal server error"
	}
}

func (h *HTTPHandler) appendLog(r *http.Request, event, printerIP, details string) {
	if h.printing.Log == nil {
		return
	}
	entry := domain.LogEntry{Timestamp: h.now(), Event: event, SourceIP: clientIP(r), Printer: printerIP, Details: details}
	if err := h.printing.Log.Append(r.Context(), entry); err != nil {
		h.logger.Error("failed to append event log", slog.String("event", event), slog.Any("error", err))
	}
}

// --- Context ---

// KindOption is a selectable label kind.
type KindOption struct {
	Key   domain.LabelKind `json:"key"`
	Label string           `json:"label"`
}

// ContextResponse describes the caller's store.
type ContextResponse struct {
	StoreID              string                        `json:"store_id"`
	ClientIP             string                        `json:"client_ip"`
	Printers             []printing.PrinterStatus      `json:"printers"`
	Kinds                []KindOption                  `json:"kinds"`
	Templates            map[domain.LabelKind][]string `json:"templates,omitempty"`
	LeftMarginFlower     int                           `json:"ls_flower"`
	LeftMarginPerishable int                           `json:"ls_perishable"`
	CSRFToken            string                        `json:"csrf_token,omitempty"`
	Admin                bool                          `json:"admin"`
}

// GetContext resolves the store of the calling terminal. ?probe=true also checks which
// printers accept connections.
func (h *HTTPHandler) GetContext(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	sc, err := h.printing.Context(r.Context(), ip)
	if err != nil {
		if errors.Is(err, store.ErrStoreNotMapped) {
			respondWithJSON(w, http.StatusNotFound, struct {
				Error    string `json:"error"`
				ClientIP string `json:"client_ip"`
			}{messageForError(err), ip})
			return
		}
		h.logger.Error("failed to resolve store context", slog.String("ip", ip), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to resolve store")
		return
	}

	resp := ContextResponse{
		StoreID:              sc.StoreID,
		ClientIP:             ip,
		Kinds:                []KindOption{},
		Templates:            sc.Templates,
		LeftMarginFlower:     sc.Mapping.LeftMarginFlower,
		LeftMarginPerishable: sc.Mapping.LeftMarginPerishable,
	}
	if probe, _ := strconv.ParseBool(r.URL.Query().Get("probe")); probe {
		resp.Printers = h.printing.Probe(r.Context(), sc.Printers)
	} else {
		resp.Printers = make([]printing.PrinterStatus, len(sc.Printers))
		for i, p := range sc.Printers {
			resp.Printers[i] = printing.PrinterStatus{PrinterMapping: p}
		}
	}
	for _, k := range sc.Kinds {
		for _, p := range sc.Printers {
			if p.Supports(k) {
				resp.Kinds = append(resp.Kinds, KindOption{Key: k, Label: k.Title()})
				break
			}
		}
	}
	if sess := session.FromContext(r.Context()); sess != nil {
		resp.Admin = h.auth.IsAdmin(sess)
		if h.csrf != nil {
			resp.CSRFToken, _ = h.csrf.EnsureToken(sess)
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// --- Search ---

// ProductSummary is a search hit.
type ProductSummary struct {
	ProductCode string `json:"product_code"`
	Barcode     string `json:"barcode"`
	Description string `json:"description"`
	ExpiryDays  *int   `json:"expiry_days"`
}

// SearchResponse lists the products matching a query.
type SearchResponse struct {
	Products []ProductSummary `json:"products"`
	Count    int              `json:"count"`
	Query    string           `json:"query"`
	Type     string           `json:"type"`
	Kind     domain.LabelKind `json:"kind"`
}

// SearchProducts looks a product up by code (type=code, the default) or lists products whose
// description contains every word of q (type=description).
func (h *HTTPHandler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		respondWithError(w, http.StatusBadRequest, "Query parameter q is required")
		return
	}
	kind, err := parseKind(q.Get("kind"), domain.LabelPerishable)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unknown label kind")
		return
	}
	searchType := strings.ToLower(q.Get("type"))
	switch searchType {
	case "", "code", "codigo":
		searchType = "code"
	case "description", "descricao":
		searchType = "description"
	default:
		respondWithError(w, http.StatusBadRequest, "type must be code or description")
		return
	}
	limit, err := strconv.Atoi(q.Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	var products []domain.Product
	if searchType == "description" {
		products, err = h.printing.Finder.Search(kind, query, limit)
	} else {
		var p *domain.Product
		p, err = h.printing.Finder.Lookup(kind, query)
		if p != nil {
			products = []domain.Product{*p}
		}
		if errors.Is(err, store.ErrProductNotFound) || errors.Is(err, store.ErrInvalidCode) {
			err = nil
		}
	}
	if err != nil {
		h.logger.Error("product search failed", slog.String("query", query), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to search products")
		return
	}

	resp := SearchResponse{Products: make([]ProductSummary, 0, len(products)), Query: query, Type: searchType, Kind: kind}
	for _, p := range products {
		resp.Products = append(resp.Products, ProductSummary{
			ProductCode: p.ProductCode,
			Barcode:     p.Barcode,
			Description: p.Description,
			ExpiryDays:  p.ExpiryDays,
		})
	}
	resp.Count = len(resp.Products)
	respondWithJSON(w, http.StatusOK, resp)
}

// --- Print ---

// PrintInput defines the expected input for printing a label.
type PrintInput struct {
	Kind      string `json:"kind" validate:"required,label_kind"`
	Code      string `json:"code" validate:"required,max=32"`
	Copies    int    `json:"copies"`
	PrinterIP string `json:"printer_ip" validate:"omitempty,ipv4"`
	Variant   string `json:"variant" validate:"omitempty,max=32"`
}

// PrintResponse reports the outcome of a print request.
type PrintResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
	PrinterIP string `json:"printer_ip,omitempty"`
	Product   string `json:"product,omitempty"`
	Copies    int    `json:"copies,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

func (h *HTTPHandler) PrintLabel(w http.ResponseWriter, r *http.Request) {
	var input PrintInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}
	kind, _ := domain.ParseLabelKind(input.Kind)

	res, err := h.printing.Print(r.Context(), printing.Request{
		ClientIP:  clientIP(r),
		Kind:      kind,
		Code:      input.Code,
		Copies:    input.Copies,
		PrinterIP: input.PrinterIP,
		Variant:   input.Variant,
	})
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("print failed", slog.String("code", input.Code), slog.Any("error", err))
		}
		resp := PrintResponse{Success: false, Error: messageForError(err)}
		if res != nil {
			resp.PrinterIP = res.PrinterIP
			resp.TraceID = res.TraceID
			if res.Product != nil {
				resp.Product = res.Product.Description
			}
		}
		respondWithJSON(w, status, resp)
		return
	}

	respondWithJSON(w, http.StatusOK, PrintResponse{
		Success:   true,
		Message:   fmt.Sprintf("%d label(s) sent to %s", res.Copies, res.PrinterName),
		PrinterIP: res.PrinterIP,
		Product:   res.Product.Description,
		Copies:    res.Copies,
		TraceID:   res.TraceID,
	})
}

// --- Printer mappings ---

// MappingInput defines the expected input for creating or updating a printer mapping.
type MappingInput struct {
	StoreID              string   `json:"store_id" validate:"required,number,max=6"`
	Name                 string   `json:"name" validate:"max=64"`
	PrinterIP            string   `json:"ip" validate:"required,ipv4"`
	LabelKinds           []string `json:"label_kinds" validate:"required,min=1,dive,label_kind"`
	LeftMarginFlower     int      `json:"ls_flower"`
	LeftMarginPerishable int      `json:"ls_perishable"`
}

// toMapping converts validated input; kinds are deduplicated and canonical.
func (in MappingInput) toMapping() domain.PrinterMapping {
	m := domain.PrinterMapping{
		StoreID:              strings.TrimSpace(in.StoreID),
		DisplayName:          strings.TrimSpace(in.Name),
		PrinterIP:            strings.TrimSpace(in.PrinterIP),
		LeftMarginFlower:     in.LeftMarginFlower,
		LeftMarginPerishable: in.LeftMarginPerishable,
	}
	for _, raw := range in.LabelKinds {
		k, err := domain.ParseLabelKind(raw)
		if err == nil && !m.Supports(k) {
			m.LabelKinds = append(m.LabelKinds, k)
		}
	}
	return m
}

// MappingDeleteInput identifies a mapping by its pattern and printer address.
type MappingDeleteInput struct {
	PrinterIP string `json:"ip" validate:"required"`
	Pattern   string `json:"pattern" validate:"required"`
}

// MarginsInput defines the expected input for updating calibration values.
type MarginsInput struct {
	PrinterIP            string `json:"ip" validate:"required,ipv4"`
	LeftMarginFlower     *int   `json:"ls_flower" validate:"required"`
	LeftMarginPerishable *int   `json:"ls_perishable" validate:"required"`
}

// MappingResponse reports a mapping mutation.
type MappingResponse struct {
	Success bool                   `json:"success"`
	Created bool                   `json:"created,omitempty"`
	Printer *domain.PrinterMapping `json:"printer,omitempty"`
}

func (h *HTTPHandler) ListPrinters(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.printing.Mappings.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list printer mappings", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to retrieve printers")
		return
	}
	respondWithJSON(w, http.StatusOK, mappings)
}

func (h *HTTPHandler) SavePrinter(w http.ResponseWriter, r *http.Request) {
	var input MappingInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	m := input.toMapping()
	created, err := h.printing.Mappings.Upsert(r.Context(), m)
	if err != nil {
		h.logger.Error("failed to save printer mapping", slog.String("ip", m.PrinterIP), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to save printer")
		return
	}
	if m.AddressPattern == "" && created {
		m.AddressPattern = store.DefaultPattern(m.StoreID)
	}

	event, status := domain.EventMappingUpdate, http.StatusOK
	if created {
		event, status = domain.EventMappingAdd, http.StatusCreated
	}
	h.appendLog(r, event, m.PrinterIP, fmt.Sprintf("store=%s,name=%s", m.StoreID, m.DisplayName))
	respondWithJSON(w, status, MappingResponse{Success: true, Created: created, Printer: &m})
}

func (h *HTTPHandler) DeletePrinter(w http.ResponseWriter, r *http.Request) {
	var input MappingDeleteInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	removed, err := h.printing.Mappings.Delete(r.Context(), input.Pattern, input.PrinterIP)
	if err != nil {
		if errors.Is(err, store.ErrMappingNotFound) {
			respondWithError(w, http.StatusNotFound, "Printer not found")
			return
		}
		h.logger.Error("failed to delete printer mapping", slog.String("ip", input.PrinterIP), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to delete printer")
		return
	}
	h.appendLog(r, domain.EventMappingDelete, removed.PrinterIP, fmt.Sprintf("store=%s,pattern=%s", removed.StoreID, removed.AddressPattern))
	respondWithJSON(w, http.StatusOK, MappingResponse{Success: true, Printer: removed})
}

func (h *HTTPHandler) UpdateMargins(w http.ResponseWriter, r *http.Request) {
	var input MarginsInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request payload: "+err.Error())
		return
	}
	defer r.Body.Close()

	if err := h.validate.Struct(input); err != nil {
		respondWithError(w, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	old, err := h.printing.Mappings.UpdateMargins(r.Context(), input.PrinterIP, *input.LeftMarginFlower, *input.LeftMarginPerishable)
	if err != nil {
		if errors.Is(err, store.ErrMappingNotFound) {
			respondWithError(w, http.StatusNotFound, "Printer not found")
			return
		}
		h.logger.Error("failed to update margins", slog.String("ip", input.PrinterIP), slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to update margins")
		return
	}
	updated := *old
	updated.LeftMarginFlower = *input.LeftMarginFlower
	updated.LeftMarginPerishable = *input.LeftMarginPerishable
	h.appendLog(r, domain.EventMarginUpdate, input.PrinterIP, fmt.Sprintf("ls_flower=%d->%d,ls_perishable=%d->%d",
		old.LeftMarginFlower, updated.LeftMarginFlower, old.LeftMarginPerishable, updated.LeftMarginPerishable))
	respondWithJSON(w, http.StatusOK, MappingResponse{Success: true, Printer: &updated})
}

// --- Stats ---

// GetStats aggregates successful prints over ?days= (default 30), optionally for one ?store=.
func (h *HTTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if h.traces == nil {
		respondWithError(w, http.StatusServiceUnavailable, "Statistics are not available")
		return
	}
	days, err := strconv.Atoi(r.URL.Query().Get("days"))
	if err != nil || days < 1 {
		days = defaultStatsDays
	}
	now := h.now()
	traces, err := h.traces.Read(now.AddDate(0, 0, -days))
	if err != nil {
		h.logger.Error("failed to read audit traces", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to compute statistics")
		return
	}
	mappings, err := h.printing.Mappings.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list printer mappings", slog.Any("error", err))
		respondWithError(w, http.StatusInternalServerError, "Failed to compute statistics")
		return
	}
	storeOf := func(ip string) string {
		if m, err := store.Resolve(ip, mappings); err == nil {
			return m.StoreID
		}
		return ""
	}
	respondWithJSON(w, http.StatusOK, audit.Compute(traces, now, days, strings.TrimSpace(r.URL.Query().Get("store")), storeOf))
}

// --- Route Registration ---

// RegisterRoutes sets up the JSON API. Mutating printer endpoints need an admin session
// and a CSRF token; csrf is the CSRF middleware for those routes.
func (h *HTTPHandler) RegisterRoutes(r chi.Router, csrf func(http.Handler) http.Handler, printLimit func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Use(CORS)
		r.Get("/context", h.GetContext)
		r.Get("/search", h.SearchProducts)
		r.With(printLimit).Post("/print", h.PrintLabel)
		r.Get("/stats", h.GetStats)

		r.Route("/printers", func(r chi.Router) {
			r.Get("/", h.ListPrinters)
			r.Group(func(r chi.Router) {
				r.Use(requireAdminJSON(h.auth), csrf)
				r.Post("/", h.SavePrinter)
				r.Delete("/", h.DeletePrinter)
				r.Put("/ls", h.UpdateMargins)
			})
		})
	})
}
