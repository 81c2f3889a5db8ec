package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"omniplex.app/billing/internal/logger"
	"omniplex.app/billing/payments"
)

type CheckoutRequest struct {
	PriceID       string `json:"priceId"`
	CustomerEmail string `json:"customerEmail,omitempty"`
}

type CheckoutResponse struct {
	SessionID string `json:"sessionId"`
}

// CreateCheckout resolves or creates the remote customer and opens a
// hosted checkout session. The priceId is not validated here: a bad or
// missing price is passed through and rejected by the session-creation
// call downstream.
func (s *Server) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.failCheckout(w, fmt.Errorf("%w: %v", errBadCheckoutBody, err))
		return
	}

	logger.Info("Checkout requested", map[string]interface{}{
		"price_id":       req.PriceID,
		"customer_email": req.CustomerEmail,
	})

	var customerID string
	if req.CustomerEmail != "" {
		customer, found, err := s.Gateway.FindCustomerByEmail(ctx, req.CustomerEmail)
		if err != nil {
			s.failCheckout(w, fmt.Errorf("%w: %v", errCustomerLookup, err))
			return
		}

		if found {
			customerID = customer.ID
			logger.Info("Existing customer found", map[string]interface{}{
				"stripe_customer_id": customerID,
			})
		} else {
			created, err := s.Gateway.CreateCustomer(ctx, req.CustomerEmail, map[string]string{
				"source":     "omniplex_web",
				"created_at": time.Now().UTC().Format(time.RFC3339),
			}, customerIdempotencyKey(req.CustomerEmail))
			if err != nil {
				s.failCheckout(w, fmt.Errorf("%w: %v", errCustomerCreate, err))
				return
			}
			customerID = created.ID
			logger.Info("New customer created", map[string]interface{}{
				"stripe_customer_id": customerID,
			})
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = s.Config.AppOrigin
	}

	session, err := s.Gateway.CreateCheckoutSession(ctx, payments.CheckoutParams{
		PriceID:    req.PriceID,
		CustomerID: customerID,
		// {CHECKOUT_SESSION_ID} is substituted by Stripe at redirect time.
		SuccessURL: origin + "/payment/success?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  origin + "/payment/cancel",
		Metadata: map[string]string{
			"source":         "omniplex_pricing_page",
			"customer_email": req.CustomerEmail,
			"timestamp":      time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		s.failCheckout(w, fmt.Errorf("%w: %v", errSessionCreate, err))
		return
	}

	s.checkoutSessions.Inc()
	logger.Info("Checkout session created", map[string]interface{}{
		"session_id": session.ID,
		"customer":   customerID,
	})

	writeJSON(w, http.StatusOK, CheckoutResponse{SessionID: session.ID})
}

// failCheckout collapses every failure site into the one external
// error; the tagged cause goes to the log only.
func (s *Server) failCheckout(w http.ResponseWriter, err error) {
	logger.Error("Failed to create checkout session", map[string]interface{}{
		"error": err.Error(),
	})
	writeErrorResponse(w, http.StatusInternalServerError, "Failed to create checkout session")
}

// customerIdempotencyKey derives a stable key from the email so that
// concurrent first-time checkouts for the same address resolve to a
// single remote customer.
func customerIdempotencyKey(email string) string {
	sum := sha256.Sum256([]byte("customer:" + strings.ToLower(email)))
	return hex.EncodeToString(sum[:])
}

// CheckoutConfig hands the browser the publishable key it needs for
// the redirect call.
func (s *Server) CheckoutConfig(w http.ResponseWriter, r *http.Request) {
	if s.Config.StripePublishableKey == "" {
		logger.Error("STRIPE_PUBLISHABLE_KEY environment variable not set")
		writeErrorResponse(w, http.StatusInternalServerError, "Checkout is not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"publishableKey": s.Config.StripePublishableKey,
	})
}
