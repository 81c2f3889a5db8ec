package models

import "time"

// WebhookEvent is one verified Stripe notification, appended before
// any side effect runs. The Stripe event id doubles as the dedupe key
// for replayed deliveries.
type WebhookEvent struct {
	ID         string
	Type       string
	Payload    []byte
	ReceivedAt time.Time
}
