package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"skinmarket/auth"
	"skinmarket/catalog"
	"skinmarket/deposits"
	"skinmarket/identity"
	"skinmarket/listings"
	"skinmarket/models"
	"skinmarket/orders"
)

const (
	testWebhookKey = "webhook-secret"
	testOpsKey     = "ops-secret"
)

func setupTestServer(t *testing.T) (*Server, *gorm.DB) {
	t.Helper()
	return newTestServer(t, nil)
}

// setupTestServerWithCatalog wires a real catalog client against a stubbed
// upstream so handler tests can exercise the inventory failure modes.
func setupTestServerWithCatalog(t *testing.T, upstream http.Handler) (*Server, *gorm.DB) {
	t.Helper()
	stub := httptest.NewServer(upstream)
	t.Cleanup(stub.Close)
	client, err := catalog.NewClient(catalog.Config{BaseURL: stub.URL, RequestsPerM: 600})
	if err != nil {
		t.Fatalf("catalog client: %v", err)
	}
	return newTestServer(t, client)
}

func newTestServer(t *testing.T, catalogClient *catalog.Client) (*Server, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.Options{Enable: false})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	srv := New(Config{
		DB:             db,
		Registry:       listings.NewRegistry(db, nil),
		Engine:         orders.NewEngine(orders.Config{DB: db, HoldPeriod: time.Hour}),
		Deposits:       deposits.NewProcessor(db, nil),
		Identity:       identity.NewResolver(db, nil),
		Catalog:        catalogClient,
		Verifier:       verifier,
		PlatformWallet: "EQplatform",
		WebhookAPIKey:  testWebhookKey,
		OpsAPIKey:      testOpsKey,
	})
	return srv, db
}

type testRequest struct {
	method  string
	path    string
	subject string
	apiKey  string
	idemKey string
	body    any
}

func do(t *testing.T, srv *Server, req testRequest) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Buffer
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		body = bytes.NewBuffer(raw)
	} else {
		body = bytes.NewBuffer(nil)
	}
	httpReq := httptest.NewRequest(req.method, req.path, body)
	if req.subject != "" {
		httpReq.Header.Set("X-Debug-Subject", req.subject)
	}
	if req.apiKey != "" {
		httpReq.Header.Set("X-Api-Key", req.apiKey)
	}
	if req.idemKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.idemKey)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httpReq)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorResponse
	decodeJSON(t, rec, &body)
	return body.Error.Code
}

// fund pushes a confirmed deposit through the webhook and returns the
// subject's account id.
func fund(t *testing.T, srv *Server, db *gorm.DB, subject, amount string) uuid.UUID {
	t.Helper()
	// First contact creates the account.
	if rec := do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/profile", subject: subject}); rec.Code != http.StatusOK {
		t.Fatalf("profile bootstrap: %d %s", rec.Code, rec.Body.String())
	}
	var account models.Account
	if err := db.First(&account, "subject = ?", subject).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/webhooks/deposits", apiKey: testWebhookKey,
		body: map[string]any{"account_id": account.ID, "amount": amount, "tx_hash": "tx-" + uuid.NewString()},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("webhook deposit: %d %s", rec.Code, rec.Body.String())
	}
	return account.ID
}

func TestHealthz(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec := do(t, srv, testRequest{method: http.MethodGet, path: "/healthz"})
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
}

func TestAPIRequiresIdentity(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec := do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/profile"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}

func TestWebhookRequiresAPIKey(t *testing.T) {
	srv, _ := setupTestServer(t)
	for _, key := range []string{"", "wrong"} {
		rec := do(t, srv, testRequest{
			method: http.MethodPost, path: "/webhooks/deposits", apiKey: key,
			body: map[string]any{"account_id": uuid.New(), "amount": "1", "tx_hash": "tx"},
		})
		if rec.Code != http.StatusForbidden {
			t.Fatalf("key %q: expected 403 got %d", key, rec.Code)
		}
	}
}

func TestFullTradeFlow(t *testing.T) {
	srv, db := setupTestServer(t)
	fund(t, srv, db, "steam:buyer", "10.00000000")

	// Seller lists an item. No catalog client is wired, so the ownership
	// precondition is skipped.
	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings", subject: "steam:seller",
		body: map[string]any{"asset_id": "a1", "market_name": "AK-47 | Redline", "price": "3.50000000"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: %d %s", rec.Code, rec.Body.String())
	}
	var listing listingResponse
	decodeJSON(t, rec, &listing)

	// Buyer purchases.
	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings/" + listing.ID.String() + "/purchase", subject: "steam:buyer",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("purchase: %d %s", rec.Code, rec.Body.String())
	}
	var order orderResponse
	decodeJSON(t, rec, &order)
	if order.Status != string(models.OrderPaid) {
		t.Fatalf("expected PAID got %s", order.Status)
	}

	// Seller delivers.
	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/orders/" + order.ID.String() + "/sent", subject: "steam:seller",
		body: map[string]any{"delivery_ref": "trade-offer-1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("mark sent: %d %s", rec.Code, rec.Body.String())
	}

	// Buyer confirms, funds move to the seller.
	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/orders/" + order.ID.String() + "/confirm", subject: "steam:buyer",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rec.Code, rec.Body.String())
	}
	decodeJSON(t, rec, &order)
	if order.Status != string(models.OrderCompleted) {
		t.Fatalf("expected COMPLETED got %s", order.Status)
	}

	rec = do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/profile", subject: "steam:seller"})
	var sellerProfile profileResponse
	decodeJSON(t, rec, &sellerProfile)
	if sellerProfile.BalanceActive != "3.50000000" {
		t.Fatalf("seller balance: %s", sellerProfile.BalanceActive)
	}

	rec = do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/profile", subject: "steam:buyer"})
	var buyerProfile profileResponse
	decodeJSON(t, rec, &buyerProfile)
	if buyerProfile.BalanceActive != "6.50000000" || buyerProfile.BalanceFrozen != "0.00000000" {
		t.Fatalf("buyer balances: %s/%s", buyerProfile.BalanceActive, buyerProfile.BalanceFrozen)
	}
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	srv, _ := setupTestServer(t)

	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings", subject: "steam:seller",
		body: map[string]any{"asset_id": "a1", "market_name": "Item", "price": "5"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create listing: %d", rec.Code)
	}
	var listing listingResponse
	decodeJSON(t, rec, &listing)

	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings/" + listing.ID.String() + "/purchase", subject: "steam:broke",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "insufficient_funds" {
		t.Fatalf("expected insufficient_funds got %s", code)
	}
}

func TestSelfPurchaseRejected(t *testing.T) {
	srv, db := setupTestServer(t)
	fund(t, srv, db, "steam:seller", "10")

	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings", subject: "steam:seller",
		body: map[string]any{"asset_id": "a1", "market_name": "Item", "price": "1"},
	})
	var listing listingResponse
	decodeJSON(t, rec, &listing)

	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings/" + listing.ID.String() + "/purchase", subject: "steam:seller",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "self_purchase" {
		t.Fatalf("expected self_purchase got %s", code)
	}
}

func TestPurchaseIdempotencyReplay(t *testing.T) {
	srv, db := setupTestServer(t)
	fund(t, srv, db, "steam:buyer", "10")

	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings", subject: "steam:seller",
		body: map[string]any{"asset_id": "a1", "market_name": "Item", "price": "2"},
	})
	var listing listingResponse
	decodeJSON(t, rec, &listing)

	first := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings/" + listing.ID.String() + "/purchase",
		subject: "steam:buyer", idemKey: "purchase-1",
	})
	if first.Code != http.StatusCreated {
		t.Fatalf("first purchase: %d %s", first.Code, first.Body.String())
	}

	// The listing is SOLD now; without the key this request would 409.
	// With the key the stored response replays verbatim.
	second := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings/" + listing.ID.String() + "/purchase",
		subject: "steam:buyer", idemKey: "purchase-1",
	})
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: %d %s", second.Code, second.Body.String())
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}

	var count int64
	if err := db.Model(&models.Order{}).Count(&count).Error; err != nil {
		t.Fatalf("count orders: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one order got %d", count)
	}
}

func TestDepositWebhookDuplicate(t *testing.T) {
	srv, db := setupTestServer(t)
	accountID := fund(t, srv, db, "steam:buyer", "1")

	payload := map[string]any{"account_id": accountID, "amount": "1", "tx_hash": "tx-dup"}
	first := do(t, srv, testRequest{method: http.MethodPost, path: "/webhooks/deposits", apiKey: testWebhookKey, body: payload})
	if first.Code != http.StatusCreated {
		t.Fatalf("first deposit: %d", first.Code)
	}
	second := do(t, srv, testRequest{method: http.MethodPost, path: "/webhooks/deposits", apiKey: testWebhookKey, body: payload})
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", second.Code)
	}
	if code := errorCode(t, second); code != "duplicate_transaction" {
		t.Fatalf("expected duplicate_transaction got %s", code)
	}
}

func TestOpsForceCompleteGuarded(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/ops/orders/" + uuid.NewString() + "/force-complete", apiKey: "wrong",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", rec.Code)
	}

	rec = do(t, srv, testRequest{
		method: http.MethodPost, path: "/ops/orders/" + uuid.NewString() + "/force-complete", apiKey: testOpsKey,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d %s", rec.Code, rec.Body.String())
	}
}

func TestInventoryPrivateMapsToConflict(t *testing.T) {
	srv, _ := setupTestServerWithCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	rec := do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/inventory", subject: "steam:seller"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "inventory_private" {
		t.Fatalf("expected inventory_private got %s", code)
	}
}

func TestInventoryBusyMapsToServiceUnavailable(t *testing.T) {
	srv, _ := setupTestServerWithCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	rec := do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/inventory", subject: "steam:seller"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "inventory_busy" {
		t.Fatalf("expected inventory_busy got %s", code)
	}
}

func TestCreateListingRequiresOwnedAsset(t *testing.T) {
	srv, _ := setupTestServerWithCatalog(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"assets": [], "descriptions": []}`))
	}))

	rec := do(t, srv, testRequest{
		method: http.MethodPost, path: "/api/v1/listings", subject: "steam:seller",
		body: map[string]any{"asset_id": "a1", "market_name": "Item", "price": "1"},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d %s", rec.Code, rec.Body.String())
	}
	if code := errorCode(t, rec); code != "invalid_input" {
		t.Fatalf("expected invalid_input got %s", code)
	}
}

func TestDepositInstructions(t *testing.T) {
	srv, _ := setupTestServer(t)
	rec := do(t, srv, testRequest{method: http.MethodGet, path: "/api/v1/deposits/instructions", subject: "steam:buyer"})
	if rec.Code != http.StatusOK {
		t.Fatalf("instructions: %d", rec.Code)
	}
	var body struct {
		PlatformWallet string `json:"platform_wallet"`
		CommentCode    string `json:"comment_code"`
	}
	decodeJSON(t, rec, &body)
	if body.PlatformWallet != "EQplatform" {
		t.Fatalf("wallet: %s", body.PlatformWallet)
	}
	if body.CommentCode == "" {
		t.Fatalf("expected a comment code")
	}
}
