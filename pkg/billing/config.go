package billing

import (
	"net/http"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// TokenPack is a purchasable bundle of tokens.
type TokenPack struct {
	// Name is the pack identifier used in checkout requests (e.g. "starter").
	Name string

	// Tokens is the number of tokens credited on purchase.
	Tokens int64

	// PriceID is the provider-side price identifier for the pack.
	PriceID string
}

// Config defines the configuration all providers accept.
type Config struct {
	// Ledger is credited when a purchase completes.
	Ledger *ledger.Manager

	// Packs lists the purchasable token packs. Providers index them by both
	// Name (for checkout) and PriceID (for webhook resolution).
	Packs []TokenPack

	// WebhookSecret verifies incoming webhook requests.
	WebhookSecret string

	// APIKey is used for outbound API calls to the provider.
	APIKey string

	// HTTPClient is an optional client for API calls. If nil, a default
	// client with a 10s timeout is used.
	HTTPClient *http.Client

	// Logger is optional. If nil, logging is disabled.
	Logger logging.Logger
}
