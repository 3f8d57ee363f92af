// Package billing defines the interface between payment backends and the
// token ledger. A billing provider turns completed purchases into token
// grants; crediting goes through ledger.Manager.Grant with the provider's
// event id as the idempotency key so redelivered webhooks never double-credit.
package billing

import (
	"context"
	"net/http"
)

// Provider is the interface a payment backend must implement.
type Provider interface {
	// Name returns the provider name (e.g. "stripe").
	Name() string

	// WebhookHandler returns the HTTP handler that processes payment events.
	// The implementation handles signature verification, parsing, and ledger
	// crediting internally.
	WebhookHandler() http.Handler

	// CheckoutURL creates a hosted checkout session for the named token pack
	// and returns its URL.
	CheckoutURL(ctx context.Context, shop, pack, successURL, cancelURL string) (string, error)
}
