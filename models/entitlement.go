package models

import "time"

const (
	StatusNone     = "none"
	StatusActive   = "active"
	StatusPastDue  = "past_due"
	StatusCanceled = "canceled"
)

// Entitlement is the server-side record the storefront consults to
// decide whether premium features are visible. It is only ever written
// from verified webhook events, never from redirect URLs.
type Entitlement struct {
	ID                   string
	CustomerID           string
	Status               string
	StripeSubscriptionID string
	StripeSessionID      string
	CurrentPeriodEnd     time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (e *Entitlement) IsPro() bool {
	return e != nil && e.Status == StatusActive
}
