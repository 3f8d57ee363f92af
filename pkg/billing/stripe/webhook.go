package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/shoplingo/pkg/billing"
	"github.com/mihaimyh/shoplingo/pkg/billing/internal"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/pkg/logging"
	"github.com/stripe/stripe-go/v83"
)

// handleWebhook processes incoming Stripe webhook events.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if len(p.webhookSecret) == 0 {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := internal.ReadBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	event, err := stripe.ConstructEvent(body, sig, string(p.webhookSecret))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.logger.Error("webhook processing failed",
			logging.F("event_id", event.ID),
			logging.F("event_type", string(event.Type)),
			logging.F("error", err))
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	_ = internal.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// processWebhookEvent dispatches a verified event. Unknown event types are
// acknowledged without action so Stripe stops retrying them.
func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		return p.handleCheckoutSessionCompleted(ctx, event)
	default:
		return nil
	}
}

// handleCheckoutSessionCompleted credits the purchased token pack. The event
// id is the grant idempotency key, so Stripe's at-least-once delivery cannot
// double-credit.
func (p *Provider) handleCheckoutSessionCompleted(ctx context.Context, event *stripe.Event) error {
	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return fmt.Errorf("%w: unmarshal checkout session: %v", billing.ErrInvalidWebhookPayload, err)
	}
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		return nil
	}

	shop := session.Metadata["shop"]
	if shop == "" {
		shop = session.ClientReferenceID
	}
	if shop == "" {
		return fmt.Errorf("%w: checkout session %s has no shop reference", billing.ErrInvalidWebhookPayload, session.ID)
	}

	pack, ok := p.packByName(session.Metadata["pack"])
	if !ok {
		return fmt.Errorf("%w: checkout session %s pack %q", billing.ErrPackNotConfigured, session.ID, session.Metadata["pack"])
	}

	err := p.ledger.Grant(ctx, shop, pack.Tokens, true, event.ID)
	if err != nil {
		if errors.Is(err, ledger.ErrIdempotencyKeyExists) {
			// Redelivered event, already credited.
			return nil
		}
		return fmt.Errorf("credit purchase: %w", err)
	}

	p.logger.Info("token pack credited",
		logging.F("shop", shop),
		logging.F("pack", pack.Name),
		logging.F("tokens", pack.Tokens),
		logging.F("event_id", event.ID))
	return nil
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
}
