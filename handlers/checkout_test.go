package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"omniplex.app/billing/internal/config"
	"omniplex.app/billing/payments"
	"omniplex.app/billing/storage"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                 "8080",
		StripeSecretKey:      "sk_test_123",
		StripePublishableKey: "pk_test_123",
		StripeWebhookSecret:  "whsec_test",
		AppOrigin:            "http://localhost:3000",
	}
}

type fakeGateway struct {
	customers map[string]payments.Customer

	createdCustomers []payments.Customer
	createdMetadata  []map[string]string
	idempotencyKeys  []string
	sessionRequests  []payments.CheckoutParams

	lookupErr  error
	createErr  error
	sessionErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{customers: make(map[string]payments.Customer)}
}

func (g *fakeGateway) FindCustomerByEmail(ctx context.Context, email string) (payments.Customer, bool, error) {
	if g.lookupErr != nil {
		return payments.Customer{}, false, g.lookupErr
	}
	customer, ok := g.customers[email]
	return customer, ok, nil
}

func (g *fakeGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string, idempotencyKey string) (payments.Customer, error) {
	if g.createErr != nil {
		return payments.Customer{}, g.createErr
	}
	customer := payments.Customer{
		ID:    fmt.Sprintf("cus_new_%d", len(g.createdCustomers)+1),
		Email: email,
	}
	g.customers[email] = customer
	g.createdCustomers = append(g.createdCustomers, customer)
	g.createdMetadata = append(g.createdMetadata, metadata)
	g.idempotencyKeys = append(g.idempotencyKeys, idempotencyKey)
	return customer, nil
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (payments.Session, error) {
	if g.sessionErr != nil {
		return payments.Session{}, g.sessionErr
	}
	g.sessionRequests = append(g.sessionRequests, params)
	return payments.Session{ID: "cs_test_123"}, nil
}

func newCheckoutTestServer() (*Server, *storage.MemoryStorage, *fakeGateway) {
	db := storage.NewMemoryStorage()
	gateway := newFakeGateway()
	server := NewHttpServer(testConfig(), db, gateway)
	return server, db, gateway
}

func postCheckout(t *testing.T, server *Server, body []byte, origin string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if origin != "" {
		req.Header.Set("Origin", origin)
	}

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

func decodeCheckoutResponse(t *testing.T, w *httptest.ResponseRecorder) CheckoutResponse {
	t.Helper()

	var response CheckoutResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return response
}

func assertCheckoutFailure(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	if response["error"] != "Failed to create checkout session" {
		t.Errorf("Expected generic checkout error, got '%s'", response["error"])
	}
}

func TestCreateCheckout_NoEmail(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	w := postCheckout(t, server, []byte(`{"priceId":"price_123"}`), "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	response := decodeCheckoutResponse(t, w)
	if response.SessionID != "cs_test_123" {
		t.Errorf("Expected session id 'cs_test_123', got '%s'", response.SessionID)
	}

	if len(gateway.createdCustomers) != 0 {
		t.Errorf("Expected no customer creation, got %d", len(gateway.createdCustomers))
	}

	if len(gateway.sessionRequests) != 1 {
		t.Fatalf("Expected 1 session request, got %d", len(gateway.sessionRequests))
	}
	if gateway.sessionRequests[0].CustomerID != "" {
		t.Errorf("Expected session without customer, got '%s'", gateway.sessionRequests[0].CustomerID)
	}
	if gateway.sessionRequests[0].PriceID != "price_123" {
		t.Errorf("Expected price 'price_123', got '%s'", gateway.sessionRequests[0].PriceID)
	}
}

func TestCreateCheckout_ExistingCustomer(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()
	gateway.customers["existing@example.com"] = payments.Customer{
		ID:    "cus_existing",
		Email: "existing@example.com",
	}

	w := postCheckout(t, server, []byte(`{"priceId":"price_123","customerEmail":"existing@example.com"}`), "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if len(gateway.createdCustomers) != 0 {
		t.Errorf("Expected no customer creation for existing customer, got %d", len(gateway.createdCustomers))
	}
	if gateway.sessionRequests[0].CustomerID != "cus_existing" {
		t.Errorf("Expected session for 'cus_existing', got '%s'", gateway.sessionRequests[0].CustomerID)
	}
}

func TestCreateCheckout_NewCustomer(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	w := postCheckout(t, server, []byte(`{"priceId":"price_123","customerEmail":"new@example.com"}`), "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if len(gateway.createdCustomers) != 1 {
		t.Fatalf("Expected 1 created customer, got %d", len(gateway.createdCustomers))
	}
	if gateway.createdCustomers[0].Email != "new@example.com" {
		t.Errorf("Expected created customer email 'new@example.com', got '%s'", gateway.createdCustomers[0].Email)
	}

	metadata := gateway.createdMetadata[0]
	if metadata["source"] != "omniplex_web" {
		t.Errorf("Expected metadata source 'omniplex_web', got '%s'", metadata["source"])
	}
	if metadata["created_at"] == "" {
		t.Errorf("Expected created_at metadata to be set")
	}

	if gateway.idempotencyKeys[0] != customerIdempotencyKey("new@example.com") {
		t.Errorf("Expected idempotency key derived from email, got '%s'", gateway.idempotencyKeys[0])
	}

	if gateway.sessionRequests[0].CustomerID != gateway.createdCustomers[0].ID {
		t.Errorf("Expected session for created customer '%s', got '%s'",
			gateway.createdCustomers[0].ID, gateway.sessionRequests[0].CustomerID)
	}
}

func TestCreateCheckout_RedirectURLs(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	postCheckout(t, server, []byte(`{"priceId":"price_123"}`), "https://omniplex.example")

	params := gateway.sessionRequests[0]
	if params.SuccessURL != "https://omniplex.example/payment/success?session_id={CHECKOUT_SESSION_ID}" {
		t.Errorf("Unexpected success URL: %s", params.SuccessURL)
	}
	if params.CancelURL != "https://omniplex.example/payment/cancel" {
		t.Errorf("Unexpected cancel URL: %s", params.CancelURL)
	}
}

func TestCreateCheckout_OriginFallsBackToConfig(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	postCheckout(t, server, []byte(`{"priceId":"price_123"}`), "")

	params := gateway.sessionRequests[0]
	if !strings.HasPrefix(params.SuccessURL, "http://localhost:3000/payment/success") {
		t.Errorf("Expected configured origin in success URL, got %s", params.SuccessURL)
	}
}

func TestCreateCheckout_SessionMetadata(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	postCheckout(t, server, []byte(`{"priceId":"price_123","customerEmail":"meta@example.com"}`), "")

	metadata := gateway.sessionRequests[0].Metadata
	if metadata["source"] != "omniplex_pricing_page" {
		t.Errorf("Expected metadata source 'omniplex_pricing_page', got '%s'", metadata["source"])
	}
	if metadata["customer_email"] != "meta@example.com" {
		t.Errorf("Expected metadata email 'meta@example.com', got '%s'", metadata["customer_email"])
	}
	if metadata["timestamp"] == "" {
		t.Errorf("Expected metadata timestamp to be set")
	}
}

func TestCreateCheckout_MissingPriceIDPassesThrough(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	// No up-front validation: the downstream session call decides.
	w := postCheckout(t, server, []byte(`{}`), "")

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	if gateway.sessionRequests[0].PriceID != "" {
		t.Errorf("Expected empty price to pass through, got '%s'", gateway.sessionRequests[0].PriceID)
	}
}

func TestCreateCheckout_MalformedBody(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()

	w := postCheckout(t, server, []byte(`{not json`), "")

	assertCheckoutFailure(t, w)
	if len(gateway.sessionRequests) != 0 {
		t.Errorf("Expected no session request for malformed body")
	}
}

func TestCreateCheckout_LookupError(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()
	gateway.lookupErr = errors.New("stripe: connection reset")

	w := postCheckout(t, server, []byte(`{"priceId":"price_123","customerEmail":"a@example.com"}`), "")

	assertCheckoutFailure(t, w)
}

func TestCreateCheckout_CreateCustomerError(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()
	gateway.createErr = errors.New("stripe: invalid request")

	w := postCheckout(t, server, []byte(`{"priceId":"price_123","customerEmail":"a@example.com"}`), "")

	assertCheckoutFailure(t, w)
}

func TestCreateCheckout_SessionError(t *testing.T) {
	server, _, gateway := newCheckoutTestServer()
	gateway.sessionErr = errors.New("stripe: no such price")

	w := postCheckout(t, server, []byte(`{"priceId":"price_bogus"}`), "")

	// Remote error text never leaks to the caller.
	assertCheckoutFailure(t, w)
	if strings.Contains(w.Body.String(), "no such price") {
		t.Errorf("Remote error detail leaked to response: %s", w.Body.String())
	}
}

func TestCheckoutConfig(t *testing.T) {
	server, _, _ := newCheckoutTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/config", nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["publishableKey"] != "pk_test_123" {
		t.Errorf("Expected publishable key 'pk_test_123', got '%s'", response["publishableKey"])
	}
}

func TestCheckoutConfig_MissingKey(t *testing.T) {
	cfg := testConfig()
	cfg.StripePublishableKey = ""
	server := NewHttpServer(cfg, storage.NewMemoryStorage(), newFakeGateway())

	req := httptest.NewRequest(http.MethodGet, "/api/checkout/config", nil)
	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func BenchmarkCreateCheckout(b *testing.B) {
	server, _, _ := newCheckoutTestServer()
	body := []byte(`{"priceId":"price_123"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/checkout", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		server.Router.ServeHTTP(w, req)

		if w.Code != http.StatusOK && w.Code != http.StatusTooManyRequests {
			b.Fatalf("Unexpected status code: %d", w.Code)
		}
	}
}
