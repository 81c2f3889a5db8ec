package payments

import "context"

// Customer is the slice of a remote customer record the handlers need.
type Customer struct {
	ID    string
	Email string
}

// Session identifies a hosted checkout flow.
type Session struct {
	ID  string
	URL string
}

type CheckoutParams struct {
	PriceID    string
	CustomerID string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Gateway abstracts the payment-processor SDK operations used by the
// checkout handler, so tests can substitute a hand-written fake.
type Gateway interface {
	// FindCustomerByEmail returns the first remote customer matching
	// the email, or found=false when there is none.
	FindCustomerByEmail(ctx context.Context, email string) (customer Customer, found bool, err error)

	// CreateCustomer registers a new remote customer. The idempotency
	// key makes concurrent creates for the same email collapse into
	// one remote record.
	CreateCustomer(ctx context.Context, email string, metadata map[string]string, idempotencyKey string) (Customer, error)

	CreateCheckoutSession(ctx context.Context, params CheckoutParams) (Session, error)
}
