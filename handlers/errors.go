package handlers

import "errors"

// Internal failure-site tags for checkout. Callers only ever see the
// one generic message; these exist so logs can tell the sites apart.
var (
	errBadCheckoutBody = errors.New("invalid checkout request body")
	errCustomerLookup  = errors.New("customer lookup failed")
	errCustomerCreate  = errors.New("customer create failed")
	errSessionCreate   = errors.New("session create failed")
)
