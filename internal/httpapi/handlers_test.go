package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"farmapos/backend/internal/cache"
	"farmapos/backend/internal/domain"
	"farmapos/backend/internal/reclaim"
	"farmapos/backend/internal/service"
	"farmapos/backend/internal/settings"
	"farmapos/backend/internal/store/memory"
)

const (
	testSecret      = "unit-test-secret-0123456789abcdef"
	adminPassword   = "admin-test-pass"
	cashierPassword = "cashier-test-pass"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	t.Setenv("SEED_ADMIN_PASSWORD", adminPassword)
	t.Setenv("SEED_CASHIER_PASSWORD", cashierPassword)

	repo := memory.NewSeeded()
	settingsProvider := settings.NewStoreProvider(repo, cache.NoopSettingsCache{}, time.Second)
	svc := service.New(repo, settingsProvider, "main-branch")
	reclaimer := reclaim.New(repo, settingsProvider)
	auth := NewAuthManager(testSecret, time.Hour, repo)
	api := New(svc, reclaimer, settingsProvider, auth, "http://127.0.0.1:3000")

	server := httptest.NewServer(api.Handler())
	t.Cleanup(server.Close)
	return server, repo
}

func login(t *testing.T, server *httptest.Server, username, password string) string {
	t.Helper()
	resp := doJSON(t, server, http.MethodPost, "/api/login", "", domain.LoginRequest{
		Username: username,
		Password: password,
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: expected 200, got %d", username, resp.StatusCode)
	}
	var body domain.LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	return body.AccessToken
}

func doJSON(t *testing.T, server *httptest.Server, method, path, token string, payload any) *http.Response {
	t.Helper()
	var body *bytes.Buffer
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, server.URL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeSaleResponse(t *testing.T, resp *http.Response) domain.SaleResponse {
	t.Helper()
	defer resp.Body.Close()
	var body domain.SaleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode sale response: %v", err)
	}
	return body
}

func TestSaleFlowOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	token := login(t, server, "cashier", cashierPassword)

	resp := doJSON(t, server, http.MethodPost, "/api/sales", token, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{DrugID: "DRG-PARA-500", Quantity: 10, SaleType: domain.SaleTypeUnit}},
		TotalAmount:   15,
		PaymentMethod: domain.PaymentMethodCash,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	sale := decodeSaleResponse(t, resp)
	if !sale.Sale.Finalized || sale.Held {
		t.Fatalf("expected finalized sale, got %+v", sale)
	}
	if sale.Sale.SoldBy != "cashier" {
		t.Fatalf("expected sale attributed to cashier, got %q", sale.Sale.SoldBy)
	}

	lookup := doJSON(t, server, http.MethodGet, "/api/sales/"+sale.Sale.ID, token, nil)
	if lookup.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on sale lookup, got %d", lookup.StatusCode)
	}
	fetched := decodeSaleResponse(t, lookup)
	if fetched.Sale.ID != sale.Sale.ID {
		t.Fatalf("lookup returned wrong sale: %s", fetched.Sale.ID)
	}

	drugs := doJSON(t, server, http.MethodGet, "/api/drugs", token, nil)
	defer drugs.Body.Close()
	if drugs.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on drug list, got %d", drugs.StatusCode)
	}
	var listing struct {
		Drugs []domain.Drug `json:"drugs"`
	}
	if err := json.NewDecoder(drugs.Body).Decode(&listing); err != nil {
		t.Fatalf("decode drug list: %v", err)
	}
	for _, d := range listing.Drugs {
		if d.DrugID == "DRG-PARA-500" && d.Quantity != 5990 {
			t.Fatalf("expected 5990 base units after the sale, got %d", d.Quantity)
		}
	}
}

func TestSaleConflictStatuses(t *testing.T) {
	server, _ := newTestServer(t)
	token := login(t, server, "cashier", cashierPassword)

	mismatch := doJSON(t, server, http.MethodPost, "/api/sales", token, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{DrugID: "DRG-PARA-500", Quantity: 10, SaleType: domain.SaleTypeUnit}},
		TotalAmount:   999,
		PaymentMethod: domain.PaymentMethodCash,
	})
	mismatch.Body.Close()
	if mismatch.StatusCode != http.StatusConflict {
		t.Fatalf("total mismatch: expected 409, got %d", mismatch.StatusCode)
	}

	short := doJSON(t, server, http.MethodPost, "/api/sales", token, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{DrugID: "DRG-PARA-500", Quantity: 9999, SaleType: domain.SaleTypeCarton}},
		TotalAmount:   899910,
		PaymentMethod: domain.PaymentMethodCash,
	})
	short.Body.Close()
	if short.StatusCode != http.StatusConflict {
		t.Fatalf("insufficient stock: expected 409, got %d", short.StatusCode)
	}

	missing := doJSON(t, server, http.MethodPost, "/api/sales", token, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{DrugID: "DRG-NOPE", Quantity: 1, SaleType: domain.SaleTypeUnit}},
		TotalAmount:   1,
		PaymentMethod: domain.PaymentMethodCash,
	})
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown drug: expected 404, got %d", missing.StatusCode)
	}
}

func TestAuthRequiredAndRoles(t *testing.T) {
	server, _ := newTestServer(t)

	unauth := doJSON(t, server, http.MethodGet, "/api/drugs", "", nil)
	unauth.Body.Close()
	if unauth.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", unauth.StatusCode)
	}

	cashierToken := login(t, server, "cashier", cashierPassword)
	forbidden := doJSON(t, server, http.MethodPost, "/api/transfers", cashierToken, domain.TransferRequest{
		DrugID: "DRG-PARA-500", FromBranchID: "main-branch", ToBranchID: "branch-2", Quantity: 10,
	})
	forbidden.Body.Close()
	if forbidden.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for cashier transfer, got %d", forbidden.StatusCode)
	}

	adminToken := login(t, server, "admin", adminPassword)
	allowed := doJSON(t, server, http.MethodPost, "/api/transfers", adminToken, domain.TransferRequest{
		DrugID: "DRG-PARA-500", FromBranchID: "main-branch", ToBranchID: "branch-2", Quantity: 10,
	})
	defer allowed.Body.Close()
	if allowed.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for admin transfer, got %d", allowed.StatusCode)
	}
	var transfer domain.TransferResponse
	if err := json.NewDecoder(allowed.Body).Decode(&transfer); err != nil {
		t.Fatalf("decode transfer: %v", err)
	}
	if transfer.SourceRemaining != 5990 {
		t.Fatalf("expected 5990 remaining at source, got %d", transfer.SourceRemaining)
	}
}

func TestHeldSaleLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t)
	adminToken := login(t, server, "admin", adminPassword)

	updated := doJSON(t, server, http.MethodPut, "/api/settings", adminToken, domain.PharmacySettings{
		RequireShortCode:       true,
		ShortCodeExpiryMinutes: 15,
	})
	updated.Body.Close()
	if updated.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on settings update, got %d", updated.StatusCode)
	}

	created := doJSON(t, server, http.MethodPost, "/api/sales", adminToken, domain.CreateSaleRequest{
		Items:         []domain.SaleItemRequest{{DrugID: "DRG-PARA-500", Quantity: 10, SaleType: domain.SaleTypeUnit}},
		TotalAmount:   15,
		PaymentMethod: domain.PaymentMethodCash,
	})
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", created.StatusCode)
	}
	sale := decodeSaleResponse(t, created)
	if !sale.Held || len(sale.Sale.ShortCode) != 6 {
		t.Fatalf("expected a held sale with a 6-digit code, got %+v", sale)
	}

	finalized := doJSON(t, server, http.MethodPost, "/api/sales/finalize", adminToken, domain.FinalizeSaleRequest{
		SaleID:    sale.Sale.ID,
		ShortCode: sale.Sale.ShortCode,
	})
	if finalized.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on finalize, got %d", finalized.StatusCode)
	}
	confirmed := decodeSaleResponse(t, finalized)
	if !confirmed.Sale.Finalized {
		t.Fatalf("expected finalized sale, got %+v", confirmed)
	}

	wrongCode := doJSON(t, server, http.MethodPost, "/api/sales/finalize", adminToken, domain.FinalizeSaleRequest{
		SaleID:    sale.Sale.ID,
		ShortCode: "000000",
	})
	wrongCode.Body.Close()
	if wrongCode.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on re-finalize, got %d", wrongCode.StatusCode)
	}
}

func TestReclaimEndpoints(t *testing.T) {
	server, repo := newTestServer(t)
	adminToken := login(t, server, "admin", adminPassword)

	updated := doJSON(t, server, http.MethodPut, "/api/settings", adminToken, domain.PharmacySettings{
		RequireShortCode:       true,
		ShortCodeExpiryMinutes: 15,
	})
	updated.Body.Close()
	if updated.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on settings update, got %d", updated.StatusCode)
	}

	stale := domain.Sale{
		ID:            "sale-http-stale",
		BranchID:      "main-branch",
		Items:         []domain.SaleItem{{DrugID: "DRG-PARA-500", DrugName: "Paracetamol 500mg", Quantity: 10, SaleType: domain.SaleTypeUnit, PriceAtSale: 1.5, BaseUnits: 10}},
		TotalAmount:   15,
		PaymentMethod: domain.PaymentMethodCash,
		ShortCode:     "777777",
		CreatedAt:     time.Now().UTC().Add(-20 * time.Minute),
	}
	if _, err := repo.CreateSale(context.Background(), stale); err != nil {
		t.Fatalf("seed stale sale: %v", err)
	}

	stats := doJSON(t, server, http.MethodGet, "/api/reclaim/stats", adminToken, nil)
	defer stats.Body.Close()
	if stats.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on stats, got %d", stats.StatusCode)
	}
	var statsBody domain.ExpiredSaleStats
	if err := json.NewDecoder(stats.Body).Decode(&statsBody); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if statsBody.Count != 1 {
		t.Fatalf("expected 1 expired sale, got %d", statsBody.Count)
	}

	run := doJSON(t, server, http.MethodPost, "/api/reclaim/run", adminToken, nil)
	defer run.Body.Close()
	if run.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on reclaim run, got %d", run.StatusCode)
	}
	var runBody domain.ReclaimResponse
	if err := json.NewDecoder(run.Body).Decode(&runBody); err != nil {
		t.Fatalf("decode reclaim response: %v", err)
	}
	if runBody.CleanedUpCount != 1 {
		t.Fatalf("expected 1 cleaned up sale, got %d", runBody.CleanedUpCount)
	}
}

func TestLoginRateLimit(t *testing.T) {
	server, _ := newTestServer(t)

	var last int
	for i := 0; i < 6; i++ {
		resp := doJSON(t, server, http.MethodPost, "/api/login", "", domain.LoginRequest{
			Username: "admin",
			Password: fmt.Sprintf("wrong-%d", i),
		})
		resp.Body.Close()
		last = resp.StatusCode
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated failures, got %d", last)
	}
}
