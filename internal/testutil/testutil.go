package testutil

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"omniplex.app/billing/handlers"
	"omniplex.app/billing/internal/config"
	"omniplex.app/billing/models"
	"omniplex.app/billing/payments"
	"omniplex.app/billing/storage"
)

const (
	WebhookSecret  = "whsec_test"
	PublishableKey = "pk_test_123"
)

// TestConfig returns a config with test credentials wired in.
func TestConfig() *config.Config {
	return &config.Config{
		Port:                 "8080",
		StripeSecretKey:      "sk_test_123",
		StripePublishableKey: PublishableKey,
		StripeWebhookSecret:  WebhookSecret,
		AppOrigin:            "http://localhost:3000",
	}
}

// NewTestServer wires a server with memory storage and a fake gateway.
func NewTestServer() (*handlers.Server, *storage.MemoryStorage, *FakeGateway) {
	db := storage.NewMemoryStorage()
	gateway := NewFakeGateway()
	server := handlers.NewHttpServer(TestConfig(), db, gateway)
	return server, db, gateway
}

// FakeGateway is a hand-written payments.Gateway for handler tests.
type FakeGateway struct {
	Customers map[string]payments.Customer // existing remote customers by email

	CreatedCustomers []payments.Customer
	CreatedMetadata  []map[string]string
	IdempotencyKeys  []string
	SessionRequests  []payments.CheckoutParams

	NextSessionID string

	LookupErr  error
	CreateErr  error
	SessionErr error
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		Customers:     make(map[string]payments.Customer),
		NextSessionID: "cs_test_123",
	}
}

func (g *FakeGateway) FindCustomerByEmail(ctx context.Context, email string) (payments.Customer, bool, error) {
	if g.LookupErr != nil {
		return payments.Customer{}, false, g.LookupErr
	}
	customer, ok := g.Customers[email]
	return customer, ok, nil
}

func (g *FakeGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string, idempotencyKey string) (payments.Customer, error) {
	if g.CreateErr != nil {
		return payments.Customer{}, g.CreateErr
	}

	customer := payments.Customer{
		ID:    fmt.Sprintf("cus_new_%d", len(g.CreatedCustomers)+1),
		Email: email,
	}
	g.Customers[email] = customer
	g.CreatedCustomers = append(g.CreatedCustomers, customer)
	g.CreatedMetadata = append(g.CreatedMetadata, metadata)
	g.IdempotencyKeys = append(g.IdempotencyKeys, idempotencyKey)
	return customer, nil
}

func (g *FakeGateway) CreateCheckoutSession(ctx context.Context, params payments.CheckoutParams) (payments.Session, error) {
	if g.SessionErr != nil {
		return payments.Session{}, g.SessionErr
	}
	g.SessionRequests = append(g.SessionRequests, params)
	return payments.Session{
		ID:  g.NextSessionID,
		URL: "https://checkout.stripe.com/pay/" + g.NextSessionID,
	}, nil
}

// SignPayload produces a Stripe-Signature header value that verifies
// against the given secret.
func SignPayload(payload []byte, secret string) string {
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

// StripeEventPayload builds a webhook event body around one object.
func StripeEventPayload(id, eventType string, object map[string]interface{}) []byte {
	event := map[string]interface{}{
		"id":          id,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"type":        eventType,
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	}

	payload, _ := json.Marshal(event)
	return payload
}

// CheckoutSessionObject is the event object for a completed checkout.
func CheckoutSessionObject(sessionID, customerEmail, stripeCustomerID string) map[string]interface{} {
	object := map[string]interface{}{
		"id":             sessionID,
		"object":         "checkout.session",
		"amount_total":   2999,
		"currency":       "usd",
		"payment_status": "paid",
		"customer_details": map[string]interface{}{
			"email": customerEmail,
		},
	}
	if stripeCustomerID != "" {
		object["customer"] = map[string]interface{}{
			"id": stripeCustomerID,
		}
	}
	return object
}

// MakeCheckoutRequest posts a checkout request through the router.
func MakeCheckoutRequest(t *testing.T, server *handlers.Server, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if raw, ok := body.([]byte); ok {
		buf.Write(raw)
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatalf("Failed to encode request body: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/checkout", &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// MakeWebhookRequest posts a raw payload with the given signature
// header through the router. An empty signature omits the header.
func MakeWebhookRequest(t *testing.T, server *handlers.Server, payload []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/api/checkout/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}

	w := httptest.NewRecorder()
	server.Router.ServeHTTP(w, req)
	return w
}

// SeedCustomer stores a local customer with an active entitlement.
func SeedCustomer(t *testing.T, db storage.Storage, id, email, stripeID, status string) {
	t.Helper()
	ctx := context.Background()

	now := time.Now().UTC()
	customer := &models.Customer{
		ID:               id,
		Email:            email,
		StripeCustomerID: stripeID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := db.SaveCustomer(ctx, customer); err != nil {
		t.Fatalf("Failed to save customer %s: %v", id, err)
	}

	if status == "" {
		return
	}
	entitlement := &models.Entitlement{
		ID:         "ent-" + id,
		CustomerID: id,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := db.SaveEntitlement(ctx, entitlement); err != nil {
		t.Fatalf("Failed to save entitlement for %s: %v", id, err)
	}
}

// AssertErrorResponse checks status code and error body.
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()

	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if response["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%s'", expectedError, response["error"])
	}
}

// AssertReceived checks the webhook acknowledgment body.
func AssertReceived(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response map[string]bool
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if !response["received"] {
		t.Errorf("Expected received=true, got %v", response)
	}
}
