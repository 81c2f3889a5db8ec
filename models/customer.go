package models

import "time"

// Customer is the local mirror of a Stripe customer, created the first
// time a completed checkout names an email we have not seen.
type Customer struct {
	ID               string
	Email            string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
