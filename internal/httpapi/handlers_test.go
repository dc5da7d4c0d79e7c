package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"tillpoint/backend/internal/domain"
	"tillpoint/backend/internal/reconcile"
	"tillpoint/backend/internal/service"
	"tillpoint/backend/internal/signal"
	"tillpoint/backend/internal/store/memory"
)

// newTestAPI builds a full API over the in-memory store with a real
// AuthManager, Service and reconciliation Engine so handler tests
// exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	caps, err := repo.ProbeCapabilities(context.Background())
	if err != nil {
		t.Fatalf("probe capabilities: %v", err)
	}
	svc := service.New(repo, signal.NoopBus{}, caps, "main-shop")
	if err := svc.RefreshStock(context.Background()); err != nil {
		t.Fatalf("refresh stock: %v", err)
	}
	engine := reconcile.NewEngine(repo, "main-shop", 0)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, engine, auth, "*")
}

// loginAs logs in through the handler stack and returns a bearer token.
func loginAs(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	payload, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login as %s: expected 200, got %d (body: %s)", username, rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

// doJSON fires an authenticated request with a fresh CSRF token and
// decodes the JSON response into dest when dest is non-nil.
func doJSON(t *testing.T, api *API, token string, method string, path string, body any, dest any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if dest != nil && rec.Code < 300 {
		if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
			t.Fatalf("%s %s: decode response: %v", method, path, err)
		}
	}
	return rec
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	payload, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestStockRequiresAuth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stock", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestStockListsSeededItems(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var body struct {
		Items []domain.StockRow `json:"items"`
	}
	rec := doJSON(t, api, token, http.MethodGet, "/api/v1/stock", nil, &body)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if len(body.Items) == 0 {
		t.Fatalf("expected seeded stock rows")
	}
	for _, item := range body.Items {
		if !item.RemainingPieces.IsPositive() {
			t.Fatalf("expected only items with stock, got %s with %s", item.ItemID, item.RemainingPieces)
		}
	}
}

// Full cashier round trip: add a line, mark the sale as credit, record a
// partial collection, submit, then fetch the stored sale back.
func TestCartSubmitRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	var draft domain.SaleDraft
	rec := doJSON(t, api, token, http.MethodPost, "/api/v1/cart/lines", map[string]any{
		"item_id":         "ITM-SUGAR-1",
		"quantity_pieces": "4",
		"unit_price":      1200,
	}, &draft)
	if rec.Code != http.StatusOK {
		t.Fatalf("add line: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if len(draft.Lines) != 1 {
		t.Fatalf("expected 1 draft line, got %d", len(draft.Lines))
	}

	rec = doJSON(t, api, token, http.MethodPost, "/api/v1/cart/credit", map[string]any{"enabled": true}, &draft)
	if rec.Code != http.StatusOK {
		t.Fatalf("toggle credit: expected 200, got %d", rec.Code)
	}
	doJSON(t, api, token, http.MethodPost, "/api/v1/cart/customer", map[string]any{
		"name": "Ama Serwaa",
	}, &draft)
	doJSON(t, api, token, http.MethodPost, "/api/v1/cart/collected", map[string]any{
		"amount": "2,000",
	}, &draft)
	if draft.AmountCollectedRaw != "2,000" {
		t.Fatalf("expected collected input to stick, got %q", draft.AmountCollectedRaw)
	}

	var sale domain.Sale
	rec = doJSON(t, api, token, http.MethodPost, "/api/v1/cart/submit", nil, &sale)
	if rec.Code != http.StatusCreated {
		t.Fatalf("submit: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if sale.ID == "" {
		t.Fatalf("expected a sale id")
	}
	if sale.Total != 4800 {
		t.Fatalf("expected total 4800, got %d", sale.Total)
	}
	if sale.AmountCollected != 2000 || sale.CreditBalance != 2800 {
		t.Fatalf("expected collected 2000 balance 2800, got %d/%d", sale.AmountCollected, sale.CreditBalance)
	}

	var fetched domain.Sale
	rec = doJSON(t, api, token, http.MethodGet, "/api/v1/sales/"+sale.ID, nil, &fetched)
	if rec.Code != http.StatusOK {
		t.Fatalf("fetch sale: expected 200, got %d", rec.Code)
	}
	if fetched.ID != sale.ID {
		t.Fatalf("expected sale %s, got %s", sale.ID, fetched.ID)
	}
}

func TestCartLineRejectionIsUnprocessable(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, token, http.MethodPost, "/api/v1/cart/lines", map[string]any{
		"item_id":         "ITM-RICE-25",
		"quantity_pieces": "500",
		"unit_price":      36000,
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for over-stock line, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var errBody map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected a user-facing error message")
	}
}

func TestSubmitEmptyCartRejected(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, token, http.MethodPost, "/api/v1/cart/submit", nil, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty cart, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestReconciliationViewAndClosure(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager", "admin123")

	var view domain.ReconciliationResult
	rec := doJSON(t, api, managerToken, http.MethodGet, "/api/v1/reconciliation", nil, &view)
	if rec.Code != http.StatusOK {
		t.Fatalf("view: expected 200, got %d", rec.Code)
	}
	if view.Date == "" {
		t.Fatalf("expected a resolved date")
	}

	var snapshot domain.ClosureSnapshot
	rec = doJSON(t, api, managerToken, http.MethodPost, "/api/v1/reconciliation/closure", map[string]any{
		"counted": map[string]int64{"cash": 5000, "card": 0, "mobile": 0},
		"note":    "till close",
	}, &snapshot)
	if rec.Code != http.StatusCreated {
		t.Fatalf("save closure: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if snapshot.CashAmount != 5000 {
		t.Fatalf("expected saved cash 5000, got %d", snapshot.CashAmount)
	}
}

func TestCashierCannotSavePastDayClosure(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager", "admin123")
	cashierToken := loginAs(t, api, "cashier", "cashier123")

	// Only roles with past-closure rights can move the date back; the
	// cashier's later save must be locked out for that date.
	rec := doJSON(t, api, managerToken, http.MethodPost, "/api/v1/reconciliation/date", map[string]any{
		"date": "2001-01-01",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("set date: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, api, cashierToken, http.MethodPost, "/api/v1/reconciliation/closure", map[string]any{
		"counted": map[string]int64{"cash": 100, "card": 0, "mobile": 0},
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for cashier past-day save, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestUsersEndpointForbiddenForCashier(t *testing.T) {
	api := newTestAPI(t)
	cashierToken := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, cashierToken, http.MethodGet, "/api/v1/users", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier on users, got %d", rec.Code)
	}
}

func TestCreateUserAsManager(t *testing.T) {
	api := newTestAPI(t)
	managerToken := loginAs(t, api, "manager", "admin123")

	var user domain.UserSummary
	rec := doJSON(t, api, managerToken, http.MethodPost, "/api/v1/users", domain.UserCreateRequest{
		Username: "kwame",
		Password: "secret99",
	}, &user)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	if user.Role != domain.RoleCashier {
		t.Fatalf("expected default role cashier, got %s", user.Role)
	}

	if token := loginAs(t, api, "kwame", "secret99"); token == "" {
		t.Fatalf("expected the new user to log in")
	}
}

func TestUnknownSaleReturns404(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	rec := doJSON(t, api, token, http.MethodGet, "/api/v1/sales/no-such-sale", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestTerminalHeaderIsolatesDrafts(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/lines", bytes.NewReader(mustMarshal(t, map[string]any{
		"item_id":         "ITM-SUGAR-1",
		"quantity_pieces": "1",
		"unit_price":      1200,
	})))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-CSRF-Token", api.generateCSRFToken())
	req.Header.Set("X-Terminal-ID", "till-2")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("add line on till-2: expected 200, got %d", rec.Code)
	}

	// Default terminal must still have an empty cart.
	var draft domain.SaleDraft
	if rec := doJSON(t, api, token, http.MethodGet, "/api/v1/cart", nil, &draft); rec.Code != http.StatusOK {
		t.Fatalf("get cart: expected 200, got %d", rec.Code)
	}
	if len(draft.Lines) != 0 {
		t.Fatalf("expected empty cart on default terminal, got %d lines", len(draft.Lines))
	}
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return raw
}

func TestParseCountedQuery(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation?cash=1500&card=200", nil)
	counted := parseCountedQuery(req)
	if counted == nil {
		t.Fatalf("expected counted amounts")
	}
	if counted.Cash != 1500 || counted.Card != 200 || counted.Mobile != 0 {
		t.Fatalf("unexpected counted %+v", counted)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/reconciliation", nil)
	if parseCountedQuery(req) != nil {
		t.Fatalf("expected nil counted when no params are present")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := newTestAPI(t)
	token := loginAs(t, api, "cashier", "cashier123")

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/v1/stock"},
		{http.MethodGet, "/api/v1/cart/submit"},
		{http.MethodPut, "/api/v1/reconciliation/closure"},
	} {
		rec := doJSON(t, api, token, tc.method, tc.path, nil, nil)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: expected 405, got %d", tc.method, tc.path, rec.Code)
		}
	}
}
