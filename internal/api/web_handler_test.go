package api

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"label-print-service/internal/domain"
	"label-print-service/internal/store"
)

func TestWebHandler_Index(t *testing.T) {
	env := setupTestServer(t, localMappings)

	resp, body := env.get(t, "/?kind=perishable")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, body, "Loja 1")
	assert.Contains(t, body, `value="10.1.0.11" selected`)
	assert.NotContains(t, body, `value="10.1.0.10"`)
	assert.Regexp(t, csrfInput, body)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
}

func TestWebHandler_Index_StoreNotMapped(t *testing.T) {
	env := setupTestServer(t, nil)

	resp, body := env.get(t, "/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Loja não cadastrada para este terminal. (127.0.0.1)")
}

func TestWebHandler_SubmitIndex_Print(t *testing.T) {
	env := setupTestServer(t, localMappings)
	env.finder.On("Lookup", domain.LabelFlower, "1234").Return(bananas(), nil).Once()
	env.sender.On("Send", "10.1.0.10", mock.Anything).Return(true).Once()

	resp := env.postForm(t, "/", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"print"},
		"kind":       {"flower"},
		"printer_ip": {"10.1.0.10"},
		"code":       {" 1234 "},
		"copies":     {"2"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/?kind=flower&printer_ip=10.1.0.10", resp.Header.Get("Location"))

	_, body := env.get(t, resp.Header.Get("Location"))
	assert.Contains(t, body, "2 etiqueta(s) de BANANA PRATA enviada(s) para Flores.")
	env.sender.AssertExpectations(t)

	// flashes are shown once
	_, body = env.get(t, "/?kind=flower")
	assert.NotContains(t, body, "BANANA PRATA")
}

func TestWebHandler_SubmitIndex_Errors(t *testing.T) {
	tests := []struct {
		name  string
		form  url.Values
		setup func(env *testEnv)
		want  string
	}{
		{
			name: "missing code",
			form: url.Values{"action": {"print"}, "kind": {"flower"}},
			want: "Informe o código de barras ou o código do produto.",
		},
		{
			name: "unknown kind",
			form: url.Values{"action": {"print"}, "kind": {"bakery"}, "code": {"1234"}},
			want: "Tipo de etiqueta inválido.",
		},
		{
			name: "product not found",
			form: url.Values{"action": {"print"}, "kind": {"flower"}, "code": {"4321"}},
			setup: func(env *testEnv) {
				env.finder.On("Lookup", domain.LabelFlower, "4321").Return(nil, store.ErrProductNotFound)
			},
			want: "Produto não encontrado.",
		},
		{
			name: "printer offline",
			form: url.Values{"action": {"load"}, "kind": {"perishable"}},
			setup: func(env *testEnv) {
				env.sender.On("Send", "10.1.0.11", mock.Anything).Return(false)
			},
			want: "Falha ao enviar para a impressora. Tente novamente.",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t, localMappings)
			if tt.setup != nil {
				tt.setup(env)
			}
			tt.form.Set("csrf_token", env.csrfToken(t))
			resp := env.postForm(t, "/", tt.form)
			require.Equal(t, http.StatusSeeOther, resp.StatusCode)

			_, body := env.get(t, "/")
			assert.Contains(t, body, tt.want)
		})
	}
}

func TestWebHandler_SubmitIndex_Load(t *testing.T) {
	env := setupTestServer(t, localMappings)
	env.sender.On("Send", "10.1.0.11", mock.MatchedBy(func(payload string) bool {
		return payload != ""
	})).Return(true).Once()

	resp := env.postForm(t, "/", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"load"},
		"kind":       {"perishable"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	_, body := env.get(t, "/?kind=perishable")
	assert.Contains(t, body, "Comando de carga enviado para FLV.")

	entries := env.logEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EventLoad, entries[0].Event)
	assert.Equal(t, "kind=perishable,ls=20", entries[0].Details)
}

func TestWebHandler_SubmitIndex_RequiresCSRF(t *testing.T) {
	env := setupTestServer(t, localMappings)

	resp := env.postForm(t, "/", url.Values{"action": {"print"}, "kind": {"flower"}, "code": {"1234"}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	env.finder.AssertNotCalled(t, "Lookup", mock.Anything, mock.Anything)
}

func TestWebHandler_Login(t *testing.T) {
	env := setupTestServer(t, localMappings)

	resp := env.do(t, http.MethodGet, "/printers", nil, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/login?next=%2Fprinters", resp.Header.Get("Location"))

	resp = env.postForm(t, "/login", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"username":   {testAdminUser},
		"password":   {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	env.login(t)
	resp, body := env.get(t, "/printers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "Login realizado.")
	assert.Contains(t, body, "10.1.0.11")

	resp = env.do(t, http.MethodGet, "/logout", nil, nil)
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/settings", nil, nil)
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
}

func TestWebHandler_Printers_FormPrefilledFromSettings(t *testing.T) {
	env := setupTestServer(t, localMappings)
	require.NoError(t, env.settings.Save(domain.Settings{
		PrinterIP:            "10.50.0.9",
		LeftMarginFlower:     -31,
		LeftMarginPerishable: -12,
	}))
	env.login(t)

	resp, body := env.get(t, "/printers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `name="ip" value="10.50.0.9" required`)
	assert.Contains(t, body, `name="ls_flower" value="-31"`)
	assert.Contains(t, body, `name="ls_perishable" value="-12"`)
}

func TestWebHandler_Printers_FormDefaultsWithoutSettingsFile(t *testing.T) {
	env := setupTestServer(t, localMappings)
	env.login(t)

	_, body := env.get(t, "/printers")
	assert.Contains(t, body, `name="ip" value="`+store.DefaultSettings.PrinterIP+`" required`)
	assert.Contains(t, body, `name="ls_flower" value="-40"`)
	assert.Contains(t, body, `name="ls_perishable" value="-20"`)
}

func TestSafeNext(t *testing.T) {
	assert.Equal(t, "/settings", safeNext("/settings"))
	assert.Equal(t, "/printers", safeNext("https://evil.example"))
	assert.Equal(t, "/printers", safeNext("//evil.example"))
	assert.Equal(t, "/printers", safeNext(""))
}

func TestWebHandler_SubmitPrinters(t *testing.T) {
	env := setupTestServer(t, localMappings)
	env.login(t)

	resp := env.postForm(t, "/printers", url.Values{
		"csrf_token":    {env.csrfToken(t)},
		"action":        {"save"},
		"store_id":      {"12"},
		"name":          {"Floricultura"},
		"ip":            {"10.12.0.5"},
		"kinds":         {"flower"},
		"ls_flower":     {"-30"},
		"ls_perishable": {""},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	list, err := env.mappings.List(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "10.12.*", list[2].AddressPattern)
	assert.Equal(t, -30, list[2].LeftMarginFlower)

	_, body := env.get(t, "/printers")
	assert.Contains(t, body, "Impressora Floricultura cadastrada.")

	resp = env.postForm(t, "/printers", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"save"},
		"store_id":   {"loja"},
		"ip":         {"10.12.0.6"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp = env.postForm(t, "/printers", url.Values{
		"csrf_token": {env.csrfToken(t)},
		"action":     {"delete"},
		"pattern":    {"10.12.*"},
		"ip":         {"10.12.0.5"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	list, err = env.mappings.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestWebHandler_SaveSettings(t *testing.T) {
	env := setupTestServer(t, localMappings)
	env.login(t)

	resp := env.postForm(t, "/settings", url.Values{
		"csrf_token":    {env.csrfToken(t)},
		"form":          {"margins"},
		"ip":            {"10.1.0.10"},
		"ls_flower":     {"-22"},
		"ls_perishable": {"4"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	list, err := env.mappings.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -22, list[0].LeftMarginFlower)
	assert.Equal(t, 4, list[0].LeftMarginPerishable)

	entries := env.logEntries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "ls_flower=-15->-22,ls_perishable=0->4", entries[0].Details)

	resp = env.postForm(t, "/settings", url.Values{
		"csrf_token":    {env.csrfToken(t)},
		"printer_ip":    {"not-an-ip"},
		"ls_flower":     {"0"},
		"ls_perishable": {"0"},
	})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	_, body := env.get(t, "/settings")
	assert.Contains(t, body, "IP da impressora inválido.")
}

func TestWebHandler_Logs(t *testing.T) {
	env := setupTestServer(t, localMappings)
	require.NoError(t, env.log.Append(context.Background(), domain.LogEntry{
		Event: domain.EventPrint, SourceIP: "10.1.2.3", Printer: "10.1.0.10", Details: "ean=1,codprod=2,copies=1,kind=flower",
	}))

	resp, body := env.get(t, "/logs")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "10.1.2.3")
	assert.Contains(t, body, "ean=1,codprod=2,copies=1,kind=flower")
}

func TestWebHandler_Shutdown(t *testing.T) {
	env := setupTestServer(t, localMappings)

	resp := env.postForm(t, "/shutdown", url.Values{"csrf_token": {env.csrfToken(t)}, "password": {"wrong"}})
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	select {
	case <-env.shutdowns:
		t.Fatal("shutdown triggered with a wrong password")
	default:
	}

	resp = env.postForm(t, "/shutdown", url.Values{"csrf_token": {env.csrfToken(t)}, "password": {testShutdownPass}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case <-env.shutdowns:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown was not triggered")
	}

	entries := env.logEntries(t)
	require.NotEmpty(t, entries)
	assert.Equal(t, domain.EventShutdown, entries[len(entries)-1].Event)
}

func TestSortMappings(t *testing.T) {
	ms := []domain.PrinterMapping{
		{StoreID: "10", PrinterIP: "10.10.0.1"},
		{StoreID: "2", PrinterIP: "10.2.0.9"},
		{StoreID: "2", PrinterIP: "10.2.0.1"},
	}
	sortMappings(ms)
	assert.Equal(t, "10.2.0.1", ms[0].PrinterIP)
	assert.Equal(t, "10.2.0.9", ms[1].PrinterIP)
	assert.Equal(t, "10", ms[2].StoreID)
}
