package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nithinbarath/billing-system/internal/domain"
	"github.com/nithinbarath/billing-system/internal/service"
	"github.com/nithinbarath/billing-system/internal/store/memory"
)

var testDenominations = []int64{2000, 500, 200, 100, 50, 20, 10, 5, 2, 1}

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWithOptions(t, Options{AllowedOrigin: "*"})
}

func newTestAPIWithOptions(t *testing.T, opts Options) *API {
	t.Helper()

	repo := memory.NewSeeded(testDenominations)
	svc := service.New(repo, service.Options{})
	auth := NewAuthManager(context.Background(), "test-secret-key", time.Hour, repo)
	if err := auth.EnsureAdmin(context.Background(), "admin", "admin123"); err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	return New(svc, auth, opts)
}

func timeInOneHour() time.Time {
	return time.Now().Add(time.Hour)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("db down") }

func do(t *testing.T, api *API, token string, method string, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body %s)", err, rec.Body.String())
	}
}

func saleBody(cash int, tendered map[string]int, items ...map[string]any) map[string]any {
	return map[string]any{
		"customer_email":     "buyer@example.com",
		"items":              items,
		"cash_paid":          cash,
		"cash_denominations": tendered,
	}
}

func line(id string, qty int) map[string]any {
	return map[string]any{"product_id": id, "quantity": qty}
}

func stockRegister(t *testing.T, api *API, token string, counts map[int64]int) {
	t.Helper()
	req := domain.DenominationBulkUpdateRequest{}
	for value, count := range counts {
		req.Denominations = append(req.Denominations, domain.DenominationCount{Value: value, Count: count})
	}
	rec := do(t, api, token, http.MethodPut, "/api/v1/denominations", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bulk denominations: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, "", http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleHealthReportsUnreachableStore(t *testing.T) {
	api := newTestAPIWithOptions(t, Options{Health: failingPinger{}})

	rec := do(t, api, "", http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleLogin(t *testing.T) {
	api := newTestAPI(t)

	rec := do(t, api, "", http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "admin", Password: "admin123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" || resp.TokenType != "bearer" {
		t.Fatalf("unexpected login response %+v", resp)
	}

	rec = do(t, api, "", http.MethodPost, "/api/v1/auth/login", domain.LoginRequest{Username: "admin", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password, got %d", rec.Code)
	}

	me := do(t, api, resp.AccessToken, http.MethodGet, "/api/v1/auth/me", nil)
	if me.Code != http.StatusOK {
		t.Fatalf("expected 200 from /me, got %d", me.Code)
	}
	var who map[string]string
	decodeBody(t, me, &who)
	if who["username"] != "admin" || who["role"] != RoleAdmin {
		t.Fatalf("unexpected identity %v", who)
	}
}

func TestCreateInvoiceFlow(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	stockRegister(t, api, token, map[int64]int{20: 5, 10: 5, 5: 5, 2: 5, 1: 5})

	// Wireless Mouse costs 28 with tax; 65 tendered leaves 37.
	body := saleBody(65, map[string]int{"50": 1, "10": 1, "5": 1}, line("PRD002", 1))

	rec := do(t, api, token, http.MethodPost, "/api/v1/invoices/preview", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var preview domain.PreviewResult
	decodeBody(t, rec, &preview)
	if len(preview.ChangeBreakdown) != 4 || preview.ChangeBreakdown[0].Value != 20 {
		t.Fatalf("unexpected preview breakdown %+v", preview.ChangeBreakdown)
	}

	rec = do(t, api, token, http.MethodPost, "/api/v1/invoices", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	var invoice domain.Invoice
	decodeBody(t, rec, &invoice)
	if invoice.RoundedNetPrice != 28 {
		t.Fatalf("expected rounded net price 28, got %d", invoice.RoundedNetPrice)
	}
	want := map[int64]int{20: 1, 10: 1, 5: 1, 2: 1}
	for value, count := range want {
		if invoice.ChangeDenominations[value] != count {
			t.Fatalf("expected %d x %d in change, got %v", count, value, invoice.ChangeDenominations)
		}
	}

	rec = do(t, api, token, http.MethodGet, "/api/v1/invoices/"+invoice.ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get invoice: expected 200, got %d", rec.Code)
	}

	rec = do(t, api, token, http.MethodGet, "/api/v1/invoices?skip=0&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list invoices: expected 200, got %d", rec.Code)
	}
	var list domain.InvoiceListResponse
	decodeBody(t, rec, &list)
	if len(list.Invoices) != 1 || list.Limit != 10 {
		t.Fatalf("unexpected invoice list %+v", list)
	}

	rec = do(t, api, token, http.MethodGet, "/api/v1/dashboard/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dashboard: expected 200, got %d", rec.Code)
	}
	var stats domain.DashboardStats
	decodeBody(t, rec, &stats)
	if stats.TotalInvoices != 1 || stats.Revenue != 28 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestCreateInvoiceHonoursIdempotencyHeader(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	body := saleBody(56, map[string]int{"50": 1, "5": 1, "1": 1}, line("PRD002", 2))

	post := func() domain.Invoice {
		payload, _ := json.Marshal(body)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/invoices", bytes.NewReader(payload))
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "till-1-0001")
		rec := httptest.NewRecorder()
		api.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d (%s)", rec.Code, rec.Body.String())
		}
		var inv domain.Invoice
		decodeBody(t, rec, &inv)
		return inv
	}

	first, second := post(), post()
	if first.ID != second.ID {
		t.Fatalf("expected replay to return %s, got %s", first.ID, second.ID)
	}
}

func TestCreateInvoiceErrorStatuses(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	cases := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"insufficient payment", saleBody(20, map[string]int{"20": 1}, line("PRD002", 1)), http.StatusUnprocessableEntity},
		{"unknown product", saleBody(20, map[string]int{"20": 1}, line("PRD999", 1)), http.StatusNotFound},
		{"tender mismatch", saleBody(50, map[string]int{"20": 1}, line("PRD002", 1)), http.StatusBadRequest},
		{"no change in register", saleBody(50, map[string]int{"50": 1}, line("PRD002", 1)), http.StatusConflict},
		{"bad email", map[string]any{
			"customer_email": "nope", "items": []map[string]any{line("PRD002", 1)},
			"cash_paid": 50, "cash_denominations": map[string]int{"50": 1},
		}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, api, token, http.MethodPost, "/api/v1/invoices", tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestShortfallResponseCarriesRemainder(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)
	stockRegister(t, api, token, map[int64]int{20: 1})

	// 50 tendered for 28 needs 22 back; only a single 20 is held.
	rec := do(t, api, token, http.MethodPost, "/api/v1/invoices",
		saleBody(50, map[string]int{"50": 1}, line("PRD002", 1)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	var body map[string]any
	decodeBody(t, rec, &body)
	if body["remainder"] != float64(2) {
		t.Fatalf("expected remainder 2, got %v", body["remainder"])
	}
}

func TestDenominationEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	rec := do(t, api, token, http.MethodPatch, "/api/v1/denominations/500", map[string]int{"count": 3})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var denom domain.Denomination
	decodeBody(t, rec, &denom)
	if denom.Value != 500 || denom.Count != 3 {
		t.Fatalf("unexpected denomination %+v", denom)
	}

	if rec := do(t, api, token, http.MethodPatch, "/api/v1/denominations/7", map[string]int{"count": 3}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown value: expected 400, got %d", rec.Code)
	}
	if rec := do(t, api, token, http.MethodPatch, "/api/v1/denominations/abc", map[string]int{"count": 3}); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad path value: expected 400, got %d", rec.Code)
	}
	if rec := do(t, api, token, http.MethodPatch, "/api/v1/denominations/500", map[string]int{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing count: expected 400, got %d", rec.Code)
	}

	rec = do(t, api, token, http.MethodGet, "/api/v1/denominations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var listing struct {
		Denominations []domain.Denomination `json:"denominations"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Denominations) != len(testDenominations) || listing.Denominations[0].Value != 2000 {
		t.Fatalf("unexpected listing %+v", listing.Denominations)
	}
}

func TestProductEndpoints(t *testing.T) {
	api := newTestAPI(t)
	token := loginAsAdmin(t, api)

	create := map[string]any{
		"product_id": "PRD010", "name": "Webcam", "available_stocks": 12,
		"price_per_unit": "79.90", "tax_percentage": "12",
	}
	rec := do(t, api, token, http.MethodPost, "/api/v1/products", create)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", rec.Code, rec.Body.String())
	}
	if rec := do(t, api, token, http.MethodPost, "/api/v1/products", create); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate: expected 409, got %d", rec.Code)
	}

	rec = do(t, api, token, http.MethodPatch, "/api/v1/products/PRD010", map[string]any{"available_stocks": 20})
	if rec.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var product domain.Product
	decodeBody(t, rec, &product)
	if product.AvailableStock != 20 || product.Name != "Webcam" {
		t.Fatalf("unexpected product %+v", product)
	}

	if rec := do(t, api, token, http.MethodGet, "/api/v1/products/PRD404", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing product: expected 404, got %d", rec.Code)
	}

	rec = do(t, api, token, http.MethodGet, "/api/v1/products?limit=100", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	var listing struct {
		Products []domain.Product `json:"products"`
	}
	decodeBody(t, rec, &listing)
	if len(listing.Products) != 6 {
		t.Fatalf("expected 6 products, got %d", len(listing.Products))
	}
}

func TestStatusForMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrUnknownProduct, http.StatusNotFound},
		{&domain.ProductError{ProductID: "X", Err: domain.ErrUnknownProduct}, http.StatusNotFound},
		{domain.ErrUnknownDenomination, http.StatusBadRequest},
		{domain.ErrInvalidSale, http.StatusBadRequest},
		{domain.ErrInsufficientPayment, http.StatusUnprocessableEntity},
		{&domain.ChangeShortfallError{Remainder: 3}, http.StatusConflict},
		{domain.ErrInsufficientDenomination, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestInternalErrorsStayGeneric(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, http.StatusInternalServerError, errors.New("pq: password authentication failed"))

	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "internal server error" {
		t.Fatalf("expected generic message, got %q", body["error"])
	}
}
