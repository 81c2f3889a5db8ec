package config

import (
	"os"

	"github.com/hashicorp/go-multierror"
)

// Config carries everything the service reads from the environment.
// Stripe credentials are deliberately not required at startup: each
// handler checks for the key it needs and fails its own request when
// the key is absent.
type Config struct {
	Port string

	DatabasePath string

	StripeSecretKey      string
	StripePublishableKey string
	StripeWebhookSecret  string

	// AppOrigin is the storefront origin used for checkout redirect
	// URLs when the request carries no Origin header.
	AppOrigin string

	SentryDSN string
}

func New() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "billing.db"
	}

	origin := os.Getenv("APP_ORIGIN")
	if origin == "" {
		origin = "http://localhost:3000"
	}

	return &Config{
		Port:                 port,
		DatabasePath:         dbPath,
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripePublishableKey: os.Getenv("STRIPE_PUBLISHABLE_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		AppOrigin:            origin,
		SentryDSN:            os.Getenv("SENTRY_DSN"),
	}
}

// Validate reports every missing Stripe credential at once. Callers
// log the result instead of aborting: the handlers surface the failure
// on first use.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.StripeSecretKey == "" {
		result = multierror.Append(result, errMissing("STRIPE_SECRET_KEY"))
	}
	if c.StripePublishableKey == "" {
		result = multierror.Append(result, errMissing("STRIPE_PUBLISHABLE_KEY"))
	}
	if c.StripeWebhookSecret == "" {
		result = multierror.Append(result, errMissing("STRIPE_WEBHOOK_SECRET"))
	}

	return result.ErrorOrNil()
}

type missingVarError string

func errMissing(name string) error {
	return missingVarError(name)
}

func (e missingVarError) Error() string {
	return string(e) + " environment variable is not set"
}
