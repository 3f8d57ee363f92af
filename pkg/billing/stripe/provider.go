// Package stripe implements billing.Provider on Stripe Checkout. Token packs
// are sold as one-time payments; the checkout.session.completed webhook
// credits the ledger.
package stripe

import (
	"net/http"
	"strings"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/billing"
	"github.com/mihaimyh/shoplingo/pkg/billing/internal"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
	"github.com/stripe/stripe-go/v83"
)

const (
	providerName             = "stripe"
	defaultHTTPTimeout       = 10 * time.Second
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
	maxWebhookBodyBytes      = 256 * 1024
)

// Config extends billing.Config with Stripe-specific options.
type Config struct {
	billing.Config

	// StripeAPIKey is the secret API key for outbound calls. Falls back to
	// the embedded Config.APIKey when empty.
	StripeAPIKey string

	// StripeWebhookSecret is the endpoint signing secret (whsec_...). Falls
	// back to the embedded Config.WebhookSecret when empty.
	StripeWebhookSecret string
}

// Provider implements billing.Provider for Stripe.
type Provider struct {
	ledger        *ledger.Manager
	config        Config
	httpClient    *http.Client
	rateLimiter   *internal.RateLimiter
	packsByName   map[string]billing.TokenPack
	packsByPrice  map[string]billing.TokenPack
	webhookSecret []byte
	stripeClient  *stripe.Client
	logger        logging.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a Stripe billing provider.
func NewProvider(config Config) (*Provider, error) {
	if config.Ledger == nil {
		return nil, billing.ErrProviderNotConfigured
	}

	// Stripe-specific credentials win over the generic billing.Config ones.
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(config.APIKey)
	}
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	webhookSecret := strings.TrimSpace(config.StripeWebhookSecret)
	if webhookSecret == "" {
		webhookSecret = strings.TrimSpace(config.WebhookSecret)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}

	logger := config.Logger
	if logger == nil {
		logger = &logging.NopLogger{}
	}

	byName := make(map[string]billing.TokenPack, len(config.Packs))
	byPrice := make(map[string]billing.TokenPack, len(config.Packs))
	for _, pack := range config.Packs {
		byName[strings.ToLower(pack.Name)] = pack
		if pack.PriceID != "" {
			byPrice[pack.PriceID] = pack
		}
	}

	return &Provider{
		ledger:        config.Ledger,
		config:        config,
		httpClient:    httpClient,
		rateLimiter:   internal.NewRateLimiter(defaultRateLimitRequests, defaultRateLimitWindow),
		packsByName:   byName,
		packsByPrice:  byPrice,
		webhookSecret: []byte(webhookSecret),
		stripeClient:  stripe.NewClient(apiKey),
		logger:        logger,
	}, nil
}

// Name implements billing.Provider.
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler implements billing.Provider. The handler is wrapped with
// per-IP rate limiting.
func (p *Provider) WebhookHandler() http.Handler {
	return p.rateLimiter.Middleware(http.HandlerFunc(p.handleWebhook))
}

// packByName resolves a checkout pack name, case-insensitively.
func (p *Provider) packByName(name string) (billing.TokenPack, bool) {
	pack, ok := p.packsByName[strings.ToLower(name)]
	return pack, ok
}
