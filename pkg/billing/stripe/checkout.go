package stripe

import (
	"context"
	"fmt"

	"github.com/mihaimyh/shoplingo/pkg/billing"
	"github.com/mihaimyh/shoplingo/pkg/logging"
	"github.com/stripe/stripe-go/v83"
)

// CheckoutURL creates a Stripe Checkout Session for a one-time token pack
// purchase and returns its URL. The shop and pack are carried in session
// metadata so the webhook can credit the right ledger account.
func (p *Provider) CheckoutURL(ctx context.Context, shop, pack, successURL, cancelURL string) (string, error) {
	tp, ok := p.packByName(pack)
	if !ok {
		return "", fmt.Errorf("%w: %s", billing.ErrPackNotConfigured, pack)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(tp.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(shop),
	}
	params.AddMetadata("shop", shop)
	params.AddMetadata("pack", tp.Name)

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.logger.Error("checkout session create failed",
			logging.F("shop", shop), logging.F("pack", tp.Name), logging.F("error", err))
		return "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	return session.URL, nil
}
