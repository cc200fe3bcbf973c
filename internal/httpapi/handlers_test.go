package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/service"
	"fuelpos/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded("station-01")
	svc := service.New(repo, cache.NoopReportCache{}, time.Minute, "station-01")
	auth := NewAuthManager(testSecret, time.Hour, repo)

	return New(svc, auth, "*")
}

func login(t *testing.T, api *API, username string, password string) string {
	t.Helper()

	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("%s login failed, status %d (body: %s)", username, res.Code, res.Body.String())
	}

	var payload domain.LoginResponse
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func call(t *testing.T, api *API, method string, path string, token string, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	return res
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return body
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodGet, "/healthz", "", "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if body := decodeBody(t, res); body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodPost, "/api/v1/auth/login", "", `{"username":"admin","password":"wrongpassword"}`)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestSalesRequireAuth(t *testing.T) {
	api := newTestAPI(t)

	res := call(t, api, http.MethodGet, "/api/v1/sales", "", "")
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.Code)
	}
}

const cashSale = `{
	"payment_method": "cash",
	"subtotal": "100000",
	"total_amount": "100000",
	"items": [{"product_id": "diesel", "tank_id": "tank-diesel-01", "quantity": "10", "unit_price": "10000", "total_price": "100000"}]
}`

func TestCashierSaleLifecycle(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")
	manager := login(t, api, "manager", "manager123")

	res := call(t, api, http.MethodPost, "/api/v1/sales", cashier, cashSale)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", res.Code, res.Body.String())
	}
	var created struct {
		Sale domain.SalesTransaction `json:"sale"`
	}
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode sale: %v", err)
	}
	if created.Sale.StationID != "station-01" || created.Sale.UserID != "cashier" {
		t.Fatalf("unexpected sale: %+v", created.Sale)
	}

	res = call(t, api, http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, cashier, `{"reason":"wrong pump"}`)
	if res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier delete to be 403, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodDelete, "/api/v1/sales/"+created.Sale.ID, manager, `{"reason":"wrong pump"}`)
	if res.Code != http.StatusOK {
		t.Fatalf("expected manager delete to succeed, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodGet, "/api/v1/sales/"+created.Sale.ID, cashier, "")
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected deleted sale to be 404, got %d", res.Code)
	}

	res = call(t, api, http.MethodGet, "/api/v1/tanks/tank-diesel-01/movements?limit=1", manager, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected movements page, got %d", res.Code)
	}
	var page domain.MovementPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		t.Fatalf("decode page: %v", err)
	}
	if len(page.Movements) != 1 || page.NextCursor == "" {
		t.Fatalf("expected one movement and a next cursor, got %+v", page)
	}
}

func TestInsufficientStockNamesTank(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	body := `{
		"payment_method": "cash",
		"subtotal": "30000",
		"total_amount": "30000",
		"items": [{"product_id": "ron92", "tank_id": "tank-pertamax-01", "quantity": "3000", "unit_price": "10", "total_price": "30000"}]
	}`
	res := call(t, api, http.MethodPost, "/api/v1/sales", cashier, body)
	if res.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d (body: %s)", res.Code, res.Body.String())
	}
	payload := decodeBody(t, res)
	if payload["tank_id"] != "tank-pertamax-01" || payload["kind"] != "insufficient_stock" {
		t.Fatalf("unexpected conflict body: %v", payload)
	}
}

func TestValidationAndOverpaymentStatuses(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")

	res := call(t, api, http.MethodPost, "/api/v1/sales", cashier, `{"payment_method":"credit","subtotal":"10","total_amount":"10","items":[{"product_id":"diesel","quantity":"1","unit_price":"10","total_price":"10"}]}`)
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected credit sale without customer to be 400, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodPost, "/api/v1/payments", cashier, `{"customer_id":"cust-walkin-01","amount":"10","payment_method":"cash"}`)
	if res.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected overpayment to be 422, got %d (body: %s)", res.Code, res.Body.String())
	}
}

func TestReportsAreBackOfficeOnly(t *testing.T) {
	api := newTestAPI(t)
	cashier := login(t, api, "cashier", "cashier123")
	manager := login(t, api, "manager", "manager123")

	if res := call(t, api, http.MethodGet, "/api/v1/reports/dashboard", cashier, ""); res.Code != http.StatusForbidden {
		t.Fatalf("expected cashier dashboard to be 403, got %d", res.Code)
	}

	res := call(t, api, http.MethodGet, "/api/v1/reports/dashboard", manager, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected dashboard 200, got %d (body: %s)", res.Code, res.Body.String())
	}
	var stats domain.DashboardStats
	if err := json.NewDecoder(res.Body).Decode(&stats); err != nil {
		t.Fatalf("decode dashboard: %v", err)
	}
	if stats.StationID != "station-01" || stats.TanksNormal+stats.TanksLow+stats.TanksCritical != 3 {
		t.Fatalf("unexpected dashboard: %+v", stats)
	}

	if res := call(t, api, http.MethodGet, "/api/v1/reports/sales?station_id=station-02", manager, ""); res.Code != http.StatusForbidden {
		t.Fatalf("expected other station report to be 403, got %d", res.Code)
	}
}

func TestAdminCreatesTankAndUser(t *testing.T) {
	api := newTestAPI(t)
	admin := login(t, api, "admin", "admin123")

	res := call(t, api, http.MethodPost, "/api/v1/tanks", admin, `{"station_id":"station-02","product_id":"diesel","name":"Diesel S2","capacity":"10000","initial_stock":"4000","minimum_level":"1000"}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected tank create 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	res = call(t, api, http.MethodPost, "/api/v1/users", admin, `{"username":"shift-b","password":"pass1234","role":"cashier","station_id":"station-02"}`)
	if res.Code != http.StatusCreated {
		t.Fatalf("expected user create 201, got %d (body: %s)", res.Code, res.Body.String())
	}

	cashier := login(t, api, "shift-b", "pass1234")
	res = call(t, api, http.MethodGet, "/api/v1/tanks", cashier, "")
	if res.Code != http.StatusOK {
		t.Fatalf("expected tank list 200, got %d", res.Code)
	}
	var listed struct {
		Tanks []domain.Tank `json:"tanks"`
	}
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode tanks: %v", err)
	}
	if len(listed.Tanks) != 1 || listed.Tanks[0].StationID != "station-02" {
		t.Fatalf("expected only the station-02 tank, got %+v", listed.Tanks)
	}

	if res := call(t, api, http.MethodGet, "/api/v1/tanks/tank-diesel-01", cashier, ""); res.Code != http.StatusForbidden {
		t.Fatalf("expected foreign station tank to be 403, got %d", res.Code)
	}
}
