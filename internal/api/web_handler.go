package api

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"label-print-service/internal/domain"
	"label-print-service/internal/label"
	"label-print-service/internal/printing"
	"label-print-service/internal/session"
	"label-print-service/internal/store"
	"label-print-service/internal/view"
)

const defaultLogLimit = 1000

// WebHandler serves the HTML pages used by store terminals and admins.
type WebHandler struct {
	views    *view.Engine
	printing *printing.Service
	settings store.SettingsStorer
	sessions *session.Manager
	csrf     *session.CSRFManager
	auth     *AdminAuth
	static   fs.FS
	shutdown func()
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// WebConfig groups the WebHandler dependencies.
type WebConfig struct {
	Views    *view.Engine
	Printing *printing.Service
	Settings store.SettingsStorer
	Sessions *session.Manager
	CSRF     *session.CSRFManager
	Auth     *AdminAuth
	Static   fs.FS // rooted so that static/... resolves
	Shutdown func()
	Logger   *slog.Logger
}

func NewWebHandler(cfg WebConfig) *WebHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	shutdown := cfg.Shutdown
	if shutdown == nil {
		shutdown = func() {}
	}
	return &WebHandler{
		views:    cfg.Views,
		printing: cfg.Printing,
		settings: cfg.Settings,
		sessions: cfg.Sessions,
		csrf:     cfg.CSRF,
		auth:     cfg.Auth,
		static:   cfg.Static,
		shutdown: shutdown,
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

// IndexPage is the print form model.
type IndexPage struct {
	StoreID    string
	ClientIP   string
	Kinds      []domain.LabelKind
	Kind       domain.LabelKind
	Variants   []string
	Variant    string
	Printers   []domain.PrinterMapping
	SelectedIP string
	Code       string
	Copies     int
}

// SettingsPage is the settings form model.
type SettingsPage struct {
	Settings domain.Settings
	StoreID  string
	Printers []domain.PrinterMapping
}

// PrinterForm holds the values of the add/update form.
type PrinterForm struct {
	StoreID              string
	Name                 string
	IP                   string
	Kinds                []domain.LabelKind
	LeftMarginFlower     int
	LeftMarginPerishable int
}

// PrintersPage is the mapping admin model.
type PrintersPage struct {
	Mappings []domain.PrinterMapping
	Form     PrinterForm
}

func (h *WebHandler) render(w http.ResponseWriter, r *http.Request, status int, page, title string, data any) {
	sess := session.FromContext(r.Context())
	td := view.TemplateData{
		Title:       title,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if sess != nil {
		token, err := h.csrf.EnsureToken(sess)
		if err != nil {
			h.logger.Error("failed to issue csrf token", slog.Any("error", err))
		}
		td.CSRFToken = token
		td.Flashes = sess.PopFlashes()
		td.Admin = h.auth.IsAdmin(sess)
	}
	if err := h.views.Render(w, status, page, td); err != nil {
		h.logger.Error("failed to render page", slog.String("page", page), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func flash(r *http.Request, kind, msg string) {
	if sess := session.FromContext(r.Context()); sess != nil {
		sess.AddFlash(kind, msg)
	}
}

func redirect(w http.ResponseWriter, r *http.Request, target string) {
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// flashForError is the Portuguese text shown on the print form.
func flashForError(err error) string {
	switch {
	case errors.Is(err, store.ErrInvalidCode):
		return "Código inválido: informe de 4 a 13 dígitos."
	case errors.Is(err, store.ErrUnknownLabelKind):
		return "Tipo de etiqueta inválido."
	case errors.Is(err, store.ErrStoreNotMapped):
		return "Loja não cadastrada para este terminal."
	case errors.Is(err, store.ErrProductNotFound):
		return "Produto não encontrado."
	case errors.Is(err, printing.ErrNoPrinter):
		return "Nenhuma impressora desta loja aceita este tipo de etiqueta."
	case errors.Is(err, printing.ErrPrintFailed):
		return "Falha ao enviar para a impressora. Tente novamente."
	case errors.Is(err, label.ErrTemplateNotFound):
		return "Modelo de etiqueta não encontrado."
	case errors.Is(err, label.ErrRender):
		return "Erro ao gerar a etiqueta."
	default:
		return "Erro interno."
	}
}

// --- Print form ---

func (h *WebHandler) Index(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ip := clientIP(r)
	page := IndexPage{ClientIP: ip, Code: q.Get("code"), Copies: 1, Variant: q.Get("variant")}

	sc, err := h.printing.Context(r.Context(), ip)
	if err != nil {
		if !errors.Is(err, store.ErrStoreNotMapped) {
			h.logger.Error("failed to resolve store context", slog.String("ip", ip), slog.Any("error", err))
		}
		flash(r, session.FlashError, flashForError(err)+" ("+ip+")")
		h.render(w, r, http.StatusOK, "index", "Imprimir", page)
		return
	}
	page.StoreID = sc.StoreID
	page.Kinds = sc.Kinds

	kind, err := parseKind(q.Get("kind"), "")
	if err != nil || kind == "" {
		kind = defaultKind(sc)
	}
	page.Kind = kind
	page.Variants = sc.Templates[kind]
	for _, p := range sc.Printers {
		if p.Supports(kind) {
			page.Printers = append(page.Printers, p)
		}
	}
	if selected, err := printing.SelectPrinter(page.Printers, kind, q.Get("printer_ip")); err == nil {
		page.SelectedIP = selected.PrinterIP
	} else {
		flash(r, session.FlashError, flashForError(err))
	}
	h.render(w, r, http.StatusOK, "index", "Imprimir", page)
}

// defaultKind is the first kind that has both a template and a printer.
func defaultKind(sc *printing.StoreContext) domain.LabelKind {
	for _, k := range sc.Kinds {
		for _, p := range sc.Printers {
			if p.Supports(k) {
				return k
			}
		}
	}
	if len(sc.Kinds) > 0 {
		return sc.Kinds[0]
	}
	return domain.LabelFlower
}

// SubmitIndex handles the print and load actions, then redirects back to the form.
func (h *WebHandler) SubmitIndex(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		flash(r, session.FlashError, "Formulário inválido.")
		redirect(w, r, "/")
		return
	}
	kind, kindErr := parseKind(r.PostForm.Get("kind"), "")
	back := url.Values{}
	if kindErr == nil && kind != "" {
		back.Set("kind", string(kind))
	}
	if v := r.PostForm.Get("printer_ip"); v != "" {
		back.Set("printer_ip", v)
	}
	if v := r.PostForm.Get("variant"); v != "" {
		back.Set("variant", v)
	}
	target := "/"
	if len(back) > 0 {
		target += "?" + back.Encode()
	}

	action := r.PostForm.Get("action")
	if action != "print" && action != "load" {
		redirect(w, r, target)
		return
	}
	if kindErr != nil || kind == "" {
		flash(r, session.FlashError, flashForError(store.ErrUnknownLabelKind))
		redirect(w, r, target)
		return
	}

	req := printing.Request{
		ClientIP:  clientIP(r),
		Kind:      kind,
		Code:      strings.TrimSpace(r.PostForm.Get("code")),
		Copies:    label.ParseCopies(r.PostForm.Get("copies")),
		PrinterIP: r.PostForm.Get("printer_ip"),
		Variant:   r.PostForm.Get("variant"),
	}

	if action == "load" {
		res, err := h.printing.Load(r.Context(), req)
		if err != nil {
			flash(r, session.FlashError, flashForError(err))
		} else {
			flash(r, session.FlashSuccess, fmt.Sprintf("Comando de carga enviado para %s.", res.PrinterName))
		}
		redirect(w, r, target)
		return
	}

	if req.Code == "" {
		flash(r, session.FlashError, "Informe o código de barras ou o código do produto.")
		redirect(w, r, target)
		return
	}
	res, err := h.printing.Print(r.Context(), req)
	if err != nil {
		if statusForError(err) == http.StatusInternalServerError {
			h.logger.Error("print failed", slog.String("code", req.Code), slog.Any("error", err))
		}
		flash(r, session.FlashError, flashForError(err))
	} else {
		flash(r, session.FlashSuccess, fmt.Sprintf("%d etiqueta(s) de %s enviada(s) para %s.", res.Copies, res.Product.Description, res.PrinterName))
	}
	redirect(w, r, target)
}

// --- Login ---

func safeNext(next string) string {
	if !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return "/printers"
	}
	return next
}

func (h *WebHandler) LoginForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, http.StatusOK, "login", "Login", safeNext(r.URL.Query().Get("next")))
}

func (h *WebHandler) Login(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.PostFormValue("next"))
	if !h.auth.CheckLogin(r.PostFormValue("username"), r.PostFormValue("password")) {
		h.logger.Warn("admin login failed", slog.String("ip", clientIP(r)))
		flash(r, session.FlashError, "Usuário ou senha inválidos.")
		h.render(w, r, http.StatusUnauthorized, "login", "Login", next)
		return
	}
	sess := session.FromContext(r.Context())
	if err := h.sessions.Renew(r.Context(), sess); err != nil {
		h.logger.Error("failed to renew session", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	sess.Delete(session.CSRFSessionKey)
	h.auth.Login(sess)
	flash(r, session.FlashSuccess, "Login realizado.")
	redirect(w, r, next)
}

func (h *WebHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sess := session.FromContext(r.Context()); sess != nil {
		h.auth.Logout(sess)
		sess.AddFlash(session.FlashInfo, "Sessão encerrada.")
	}
	redirect(w, r, "/")
}

// --- Settings ---

func (h *WebHandler) Settings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Load()
	if err != nil {
		h.logger.Error("failed to load settings", slog.Any("error", err))
		flash(r, session.FlashError, "Falha ao ler as configurações; exibindo padrões.")
	}
	page := SettingsPage{Settings: s}
	if sc, err := h.printing.Context(r.Context(), clientIP(r)); err == nil {
		page.StoreID = sc.StoreID
		page.Printers = sc.Printers
	}
	h.render(w, r, http.StatusOK, "settings", "Configurações", page)
}

// SettingsInput validates the defaults form.
type SettingsInput struct {
	PrinterIP string `validate:"omitempty,ipv4"`
}

func (h *WebHandler) SaveSettings(w http.ResponseWriter, r *http.Request) {
	flower, errF := strconv.Atoi(strings.TrimSpace(r.PostFormValue("ls_flower")))
	perishable, errP := strconv.Atoi(strings.TrimSpace(r.PostFormValue("ls_perishable")))
	if errF != nil || errP != nil {
		flash(r, session.FlashError, "Os valores de LS devem ser números inteiros.")
		redirect(w, r, "/settings")
		return
	}

	switch r.PostFormValue("form") {
	case "margins":
		ip := strings.TrimSpace(r.PostFormValue("ip"))
		old, err := h.printing.Mappings.UpdateMargins(r.Context(), ip, flower, perishable)
		switch {
		case errors.Is(err, store.ErrMappingNotFound):
			flash(r, session.FlashError, "Impressora não encontrada.")
		case err != nil:
			h.logger.Error("failed to update margins", slog.String("ip", ip), slog.Any("error", err))
			flash(r, session.FlashError, "Falha ao salvar as margens.")
		default:
			h.appendLog(r, domain.EventMarginUpdate, ip, fmt.Sprintf("ls_flower=%d->%d,ls_perishable=%d->%d",
				old.LeftMarginFlower, flower, old.LeftMarginPerishable, perishable))
			flash(r, session.FlashSuccess, "Margens salvas.")
		}
	default:
		input := SettingsInput{PrinterIP: strings.TrimSpace(r.PostFormValue("printer_ip"))}
		if err := h.validate.Struct(input); err != nil {
			flash(r, session.FlashError, "IP da impressora inválido.")
			redirect(w, r, "/settings")
			return
		}
		s := domain.Settings{PrinterIP: input.PrinterIP, LeftMarginFlower: flower, LeftMarginPerishable: perishable}
		if err := h.settings.Save(s); err != nil {
			h.logger.Error("failed to save settings", slog.Any("error", err))
			flash(r, session.FlashError, "Falha ao salvar as configurações.")
		} else {
			flash(r, session.FlashSuccess, "Configurações salvas.")
		}
	}
	redirect(w, r, "/settings")
}

// --- Printer mappings ---

// sortMappings orders by numeric store id, then printer address.
func sortMappings(ms []domain.PrinterMapping) {
	sort.SliceStable(ms, func(i, j int) bool {
		a, errA := strconv.Atoi(ms[i].StoreID)
		b, errB := strconv.Atoi(ms[j].StoreID)
		if errA == nil && errB == nil && a != b {
			return a < b
		}
		if ms[i].StoreID != ms[j].StoreID {
			return ms[i].StoreID < ms[j].StoreID
		}
		return ms[i].PrinterIP < ms[j].PrinterIP
	})
}

func (h *WebHandler) Printers(w http.ResponseWriter, r *http.Request) {
	mappings, err := h.printing.Mappings.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list printer mappings", slog.Any("error", err))
		flash(r, session.FlashError, "Falha ao ler as impressoras.")
	}
	sortMappings(mappings)

	// the saved settings prefill the new-mapping form
	defaults, err := h.settings.Load()
	if err != nil {
		h.logger.Warn("failed to load settings", slog.Any("error", err))
	}
	form := PrinterForm{
		IP:                   defaults.PrinterIP,
		LeftMarginFlower:     defaults.LeftMarginFlower,
		LeftMarginPerishable: defaults.LeftMarginPerishable,
	}
	h.render(w, r, http.StatusOK, "printers", "Impressoras", PrintersPage{Mappings: mappings, Form: form})
}

// mappingFromForm reads the add/update form into the same input the JSON API validates.
func mappingFromForm(r *http.Request) (MappingInput, error) {
	input := MappingInput{
		StoreID:    strings.TrimSpace(r.PostForm.Get("store_id")),
		Name:       strings.TrimSpace(r.PostForm.Get("name")),
		PrinterIP:  strings.TrimSpace(r.PostForm.Get("ip")),
		LabelKinds: r.PostForm["kinds"],
	}
	var err error
	if v := strings.TrimSpace(r.PostForm.Get("ls_flower")); v != "" {
		if input.LeftMarginFlower, err = strconv.Atoi(v); err != nil {
			return input, err
		}
	}
	if v := strings.TrimSpace(r.PostForm.Get("ls_perishable")); v != "" {
		if input.LeftMarginPerishable, err = strconv.Atoi(v); err != nil {
			return input, err
		}
	}
	return input, nil
}

// validationMessage turns validator errors into one Portuguese sentence per field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Dados inválidos."
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Field() {
		case "StoreID":
			msgs = append(msgs, "loja deve ser numérica")
		case "PrinterIP":
			msgs = append(msgs, "IP inválido")
		case "LabelKinds":
			msgs = append(msgs, "selecione ao menos um tipo de etiqueta")
		case "Name":
			msgs = append(msgs, "nome muito longo")
		default:
			msgs = append(msgs, strings.ToLower(fe.Field())+" inválido")
		}
	}
	return "Dados inválidos: " + strings.Join(msgs, ", ") + "."
}

func (h *WebHandler) SubmitPrinters(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		flash(r, session.FlashError, "Formulário inválido.")
		redirect(w, r, "/printers")
		return
	}
	switch r.PostForm.Get("action") {
	case "delete":
		pattern, ip := r.PostForm.Get("pattern"), r.PostForm.Get("ip")
		removed, err := h.printing.Mappings.Delete(r.Context(), pattern, ip)
		switch {
		case errors.Is(err, store.ErrMappingNotFound):
			flash(r, session.FlashError, "Impressora não encontrada.")
		case err != nil:
			h.logger.Error("failed to delete printer mapping", slog.String("ip", ip), slog.Any("error", err))
			flash(r, session.FlashError, "Falha ao excluir a impressora.")
		default:
			h.appendLog(r, domain.EventMappingDelete, removed.PrinterIP, fmt.Sprintf("store=%s,pattern=%s", removed.StoreID, removed.AddressPattern))
			flash(r, session.FlashSuccess, fmt.Sprintf("Impressora %s excluída.", removed.Name()))
		}
		redirect(w, r, "/printers")
	case "save":
		input, err := mappingFromForm(r)
		if err != nil {
			flash(r, session.FlashError, "Os valores de LS devem ser números inteiros.")
			h.rerenderPrinters(w, r, input)
			return
		}
		if err := h.validate.Struct(input); err != nil {
			flash(r, session.FlashError, validationMessage(err))
			h.rerenderPrinters(w, r, input)
			return
		}
		m := input.toMapping()
		created, err := h.printing.Mappings.Upsert(r.Context(), m)
		if err != nil {
			h.logger.Error("failed to save printer mapping", slog.String("ip", m.PrinterIP), slog.Any("error", err))
			flash(r, session.FlashError, "Falha ao salvar a impressora.")
			h.rerenderPrinters(w, r, input)
			return
		}
		event, msg := domain.EventMappingUpdate, "Impressora %s atualizada."
		if created {
			event, msg = domain.EventMappingAdd, "Impressora %s cadastrada."
		}
		h.appendLog(r, event, m.PrinterIP, fmt.Sprintf("store=%s,name=%s", m.StoreID, m.DisplayName))
		flash(r, session.FlashSuccess, fmt.Sprintf(msg, m.Name()))
		redirect(w, r, "/printers")
	default:
		redirect(w, r, "/printers")
	}
}

// rerenderPrinters shows the list again with the rejected form values kept.
func (h *WebHandler) rerenderPrinters(w http.ResponseWriter, r *http.Request, input MappingInput) {
	mappings, err := h.printing.Mappings.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list printer mappings", slog.Any("error", err))
	}
	sortMappings(mappings)
	form := PrinterForm{
		StoreID:              input.StoreID,
		Name:                 input.Name,
		IP:                   input.PrinterIP,
		LeftMarginFlower:     input.LeftMarginFlower,
		LeftMarginPerishable: input.LeftMarginPerishable,
	}
	for _, raw := range input.LabelKinds {
		if k, err := domain.ParseLabelKind(raw); err == nil {
			form.Kinds = append(form.Kinds, k)
		}
	}
	h.render(w, r, http.StatusUnprocessableEntity, "printers", "Impressoras", PrintersPage{Mappings: mappings, Form: form})
}

// --- Logs and shutdown ---

func (h *WebHandler) Logs(w http.ResponseWriter, r *http.Request) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultLogLimit
	}
	entries, err := h.printing.Log.List(r.Context(), store.ListLogParams{Limit: limit})
	if err != nil {
		h.logger.Error("failed to read event log", slog.Any("error", err))
		flash(r, session.FlashError, "Falha ao ler os logs.")
	}
	h.render(w, r, http.StatusOK, "logs", "Logs", entries)
}

// Shutdown stops the process after the response is sent when the password matches.
func (h *WebHandler) Shutdown(w http.ResponseWriter, r *http.Request) {
	if !h.auth.CheckShutdown(r.PostFormValue("password")) {
		h.logger.Warn("shutdown rejected", slog.String("ip", clientIP(r)))
		flash(r, session.FlashError, "Senha incorreta.")
		redirect(w, r, "/logs")
		return
	}
	h.logger.Info("shutdown requested", slog.String("ip", clientIP(r)))
	h.appendLog(r, domain.EventShutdown, "", "requested via web")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusAccepted)
	_, _ = w.Write([]byte("Servidor encerrando.\n"))
	go h.shutdown()
}

func (h *WebHandler) appendLog(r *http.Request, event, printerIP, details string) {
	if h.printing.Log == nil {
		return
	}
	entry := domain.LogEntry{Timestamp: h.now(), Event: event, SourceIP: clientIP(r), Printer: printerIP, Details: details}
	if err := h.printing.Log.Append(r.Context(), entry); err != nil {
		h.logger.Error("failed to append event log", slog.String("event", event), slog.Any("error", err))
	}
}

// --- Route Registration ---

// RegisterRoutes sets up the HTML pages and static assets.
func (h *WebHandler) RegisterRoutes(r chi.Router, csrf, printLimit, loginLimit func(http.Handler) http.Handler) {
	if h.static != nil {
		r.Handle("/static/*", http.FileServer(http.FS(h.static)))
	}
	r.Group(func(r chi.Router) {
		r.Use(csrf)
		r.Get("/", h.Index)
		r.With(printLimit).Post("/", h.SubmitIndex)
		r.Get("/login", h.LoginForm)
		r.With(loginLimit).Post("/login", h.Login)
		r.Get("/logout", h.Logout)
		r.Get("/logs", h.Logs)
		r.With(loginLimit).Post("/shutdown", h.Shutdown)

		r.Group(func(r chi.Router) {
			r.Use(requireAdminPage(h.auth))
			r.Get("/settings", h.Settings)
			r.Post("/settings", h.SaveSettings)
			r.Get("/printers", h.Printers)
			r.Post("/printers", h.SubmitPrinters)
		})
	})
}
