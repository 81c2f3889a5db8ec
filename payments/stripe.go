package payments

import (
	"context"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

// StripeGateway implements Gateway over the Stripe SDK. An empty key
// is allowed at construction time: the first call fails instead, which
// keeps startup independent of credentials.
type StripeGateway struct {
	api *client.API
}

func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

func (g *StripeGateway) FindCustomerByEmail(ctx context.Context, email string) (Customer, bool, error) {
	params := &stripe.CustomerListParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	params.Limit = stripe.Int64(1)

	iter := g.api.Customers.List(params)
	if iter.Next() {
		c := iter.Customer()
		return Customer{ID: c.ID, Email: c.Email}, true, nil
	}
	if err := iter.Err(); err != nil {
		return Customer{}, false, err
	}
	return Customer{}, false, nil
}

func (g *StripeGateway) CreateCustomer(ctx context.Context, email string, metadata map[string]string, idempotencyKey string) (Customer, error) {
	params := &stripe.CustomerParams{
		Email: stripe.String(email),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	c, err := g.api.Customers.New(params)
	if err != nil {
		return Customer{}, err
	}
	return Customer{ID: c.ID, Email: c.Email}, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, p CheckoutParams) (Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(p.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
		SubmitType: stripe.String(string(stripe.CheckoutSessionSubmitTypePay)),
		Locale:     stripe.String("auto"),
	}
	params.Context = ctx

	if p.CustomerID != "" {
		params.Customer = stripe.String(p.CustomerID)
		// Collect billing address and name on the hosted page.
		params.CustomerUpdate = &stripe.CheckoutSessionCustomerUpdateParams{
			Address: stripe.String("auto"),
			Name:    stripe.String("auto"),
		}
	}

	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}

	s, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return Session{}, err
	}
	return Session{ID: s.ID, URL: s.URL}, nil
}
