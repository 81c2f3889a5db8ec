package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"omniplex.app/billing/internal/logger"
	"omniplex.app/billing/models"
)

const maxWebhookBodyBytes = int64(65536)

// Webhook ingests signed Stripe notifications. Verified events are
// appended to the event log before any side effect runs, so a crash
// between verification and acknowledgment loses nothing Stripe will
// not redeliver, and a redelivery is acknowledged without reprocessing.
func (s *Server) Webhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		s.rejectWebhook(w)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	secret := s.Config.StripeWebhookSecret
	if signature == "" || secret == "" {
		logger.Error("Missing webhook signature or signing secret", map[string]interface{}{
			"has_signature": signature != "",
			"has_secret":    secret != "",
		})
		s.rejectWebhook(w)
		return
	}

	event, err := webhook.ConstructEvent(payload, signature, secret)
	if err != nil {
		logger.Error("Webhook signature verification failed", map[string]interface{}{
			"error":     err.Error(),
			"signature": signature,
		})
		s.rejectWebhook(w)
		return
	}

	logger.Info("Stripe event verified", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	fresh, err := s.Storage.RecordEvent(ctx, &models.WebhookEvent{
		ID:         event.ID,
		Type:       string(event.Type),
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error("Failed to record webhook event", map[string]interface{}{
			"error":    err.Error(),
			"event_id": event.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	if !fresh {
		logger.Info("Webhook event already processed", map[string]interface{}{
			"event_id": event.ID,
		})
		s.acknowledgeWebhook(w)
		return
	}

	if err := s.dispatchEvent(ctx, event); err != nil {
		logger.Error("Webhook handler failed", map[string]interface{}{
			"error":      err.Error(),
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		writeErrorResponse(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	s.acknowledgeWebhook(w)
}

func (s *Server) rejectWebhook(w http.ResponseWriter) {
	s.webhookRejected.Inc()
	writeErrorResponse(w, http.StatusBadRequest, "Webhook signature verification failed")
}

func (s *Server) acknowledgeWebhook(w http.ResponseWriter) {
	s.webhookEvents.Inc()
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// dispatchEvent routes a verified event by type. Unknown types are
// logged and acknowledged, never rejected.
func (s *Server) dispatchEvent(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("unmarshal checkout session: %w", err)
		}

		logger.Info("Payment successful", map[string]interface{}{
			"session_id":     session.ID,
			"customer_id":    stripeCustomerID(session.Customer),
			"amount":         session.AmountTotal,
			"payment_status": session.PaymentStatus,
		})

		return s.handleCheckoutCompleted(ctx, &session)

	case "invoice.payment_succeeded":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}

		logger.Info("Recurring payment successful", map[string]interface{}{
			"invoice_id":  invoice.ID,
			"customer_id": stripeCustomerID(invoice.Customer),
			"amount_paid": invoice.AmountPaid,
			"status":      invoice.Status,
		})

		return s.updateEntitlementByStripeCustomer(ctx, stripeCustomerID(invoice.Customer), func(e *models.Entitlement) {
			e.Status = models.StatusActive
		})

	case "invoice.payment_failed":
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("unmarshal invoice: %w", err)
		}

		logger.Warn("Payment failed", map[string]interface{}{
			"invoice_id":  invoice.ID,
			"customer_id": stripeCustomerID(invoice.Customer),
			"amount_due":  invoice.AmountDue,
			"status":      invoice.Status,
		})

		return s.updateEntitlementByStripeCustomer(ctx, stripeCustomerID(invoice.Customer), func(e *models.Entitlement) {
			e.Status = models.StatusPastDue
		})

	case "customer.subscription.updated":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}

		periodEnd := subscriptionPeriodEnd(&subscription)
		logger.Info("Subscription updated", map[string]interface{}{
			"subscription_id": subscription.ID,
			"customer_id":     stripeCustomerID(subscription.Customer),
			"status":          subscription.Status,
			"period_end":      periodEnd,
		})

		return s.updateEntitlementByStripeCustomer(ctx, stripeCustomerID(subscription.Customer), func(e *models.Entitlement) {
			e.Status = entitlementStatus(subscription.Status)
			e.StripeSubscriptionID = subscription.ID
			e.CurrentPeriodEnd = periodEnd
		})

	case "customer.subscription.deleted":
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			return fmt.Errorf("unmarshal subscription: %w", err)
		}

		logger.Info("Subscription cancelled", map[string]interface{}{
			"subscription_id": subscription.ID,
			"customer_id":     stripeCustomerID(subscription.Customer),
			"status":          subscription.Status,
		})

		return s.updateEntitlementByStripeCustomer(ctx, stripeCustomerID(subscription.Customer), func(e *models.Entitlement) {
			e.Status = models.StatusCanceled
			e.StripeSubscriptionID = subscription.ID
		})

	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		return nil
	}
}

func (s *Server) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) error {
	email := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		email = session.CustomerDetails.Email
	}

	if email == "" {
		logger.Warn("Checkout session has no customer email", map[string]interface{}{
			"session_id": session.ID,
		})
		return nil
	}

	customer, err := s.findOrCreateCustomer(ctx, email, stripeCustomerID(session.Customer))
	if err != nil {
		return fmt.Errorf("resolve customer: %w", err)
	}

	return s.upsertEntitlement(ctx, customer.ID, func(e *models.Entitlement) {
		e.Status = models.StatusActive
		e.StripeSessionID = session.ID
	})
}

func (s *Server) findOrCreateCustomer(ctx context.Context, email, stripeID string) (*models.Customer, error) {
	customer, err := s.Storage.FindCustomerByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	if customer != nil {
		if stripeID != "" && customer.StripeCustomerID != stripeID {
			customer.StripeCustomerID = stripeID
			customer.UpdatedAt = now
			if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
				return nil, fmt.Errorf("update customer: %w", err)
			}
		}
		return customer, nil
	}

	customer = &models.Customer{
		ID:               uuid.Must(uuid.NewRandom()).String(),
		Email:            email,
		StripeCustomerID: stripeID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("save customer: %w", err)
	}

	logger.Info("New customer recorded", map[string]interface{}{
		"customer_id":        customer.ID,
		"customer_email":     customer.Email,
		"stripe_customer_id": customer.StripeCustomerID,
	})

	return customer, nil
}

// updateEntitlementByStripeCustomer applies mutate to the entitlement
// of the local customer mirroring the given Stripe customer. Events
// for customers this service never saw are logged and skipped: failing
// the acknowledgment would only make Stripe retry forever.
func (s *Server) updateEntitlementByStripeCustomer(ctx context.Context, stripeID string, mutate func(*models.Entitlement)) error {
	if stripeID == "" {
		logger.Warn("Webhook event carries no customer id")
		return nil
	}

	customer, err := s.Storage.FindCustomerByStripeID(ctx, stripeID)
	if err != nil {
		return err
	}
	if customer == nil {
		logger.Warn("Webhook event for unknown customer", map[string]interface{}{
			"stripe_customer_id": stripeID,
		})
		return nil
	}

	return s.upsertEntitlement(ctx, customer.ID, mutate)
}

func (s *Server) upsertEntitlement(ctx context.Context, customerID string, mutate func(*models.Entitlement)) error {
	entitlement, err := s.Storage.GetEntitlement(ctx, customerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if entitlement == nil {
		entitlement = &models.Entitlement{
			ID:         uuid.Must(uuid.NewRandom()).String(),
			CustomerID: customerID,
			Status:     models.StatusNone,
			CreatedAt:  now,
		}
	}

	mutate(entitlement)
	entitlement.UpdatedAt = now

	if err := s.Storage.SaveEntitlement(ctx, entitlement); err != nil {
		return fmt.Errorf("save entitlement: %w", err)
	}

	logger.Info("Entitlement updated", map[string]interface{}{
		"customer_id": customerID,
		"status":      entitlement.Status,
	})
	return nil
}

func entitlementStatus(status stripe.SubscriptionStatus) string {
	switch status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return models.StatusActive
	case stripe.SubscriptionStatusPastDue:
		return models.StatusPastDue
	default:
		return models.StatusCanceled
	}
}

// subscriptionPeriodEnd digs the period end out of the first
// subscription item, falling back to the cancel-at timestamp.
func subscriptionPeriodEnd(sub *stripe.Subscription) time.Time {
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].CurrentPeriodEnd > 0 {
		return time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	}
	if sub.CancelAt > 0 {
		return time.Unix(sub.CancelAt, 0).UTC()
	}
	return time.Time{}
}

func stripeCustomerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}
