package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/shoplingo/pkg/billing"
	"github.com/mihaimyh/shoplingo/pkg/ledger"
	"github.com/mihaimyh/shoplingo/storage/memory"
)

func newTestProvider(t *testing.T) (*Provider, *ledger.Manager) {
	t.Helper()

	manager, err := ledger.NewManager(memory.NewLedgerStore(), ledger.Config{TrialTokens: 0})
	require.NoError(t, err)

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Ledger: manager,
			Packs: []billing.TokenPack{
				{Name: "starter", Tokens: 10000, PriceID: "price_starter"},
				{Name: "growth", Tokens: 50000, PriceID: "price_growth"},
			},
		},
		StripeAPIKey:        "sk_test_123",
		StripeWebhookSecret: "whsec_test",
	})
	require.NoError(t, err)
	return provider, manager
}

func checkoutEvent(t *testing.T, id string, session *stripe.CheckoutSession) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(session)
	require.NoError(t, err)
	return &stripe.Event{
		ID:   id,
		Type: "checkout.session.completed",
		Data: &stripe.EventData{Raw: raw},
	}
}

func TestCheckoutCompletedCreditsPack(t *testing.T) {
	provider, manager := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_1", &stripe.CheckoutSession{
		ID:            "cs_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{"shop": "shop-1", "pack": "starter"},
	})
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	bal, err := manager.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Balance)
	assert.Equal(t, int64(10000), bal.TotalPurchased)
}

func TestCheckoutCompletedRedeliveryIsIdempotent(t *testing.T) {
	provider, manager := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_1", &stripe.CheckoutSession{
		ID:            "cs_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{"shop": "shop-1", "pack": "growth"},
	})
	require.NoError(t, provider.processWebhookEvent(ctx, event))
	// Stripe delivers at least once; the second delivery must be a no-op.
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	bal, err := manager.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50000), bal.Balance)
}

func TestCheckoutUnpaidIsIgnored(t *testing.T) {
	provider, manager := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_1", &stripe.CheckoutSession{
		ID:            "cs_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusUnpaid,
		Metadata:      map[string]string{"shop": "shop-1", "pack": "starter"},
	})
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	bal, err := manager.GetOrCreate(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal.Balance)
}

func TestCheckoutUnknownPackFails(t *testing.T) {
	provider, _ := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_1", &stripe.CheckoutSession{
		ID:            "cs_1",
		PaymentStatus: stripe.CheckoutSessionPaymentStatusPaid,
		Metadata:      map[string]string{"shop": "shop-1", "pack": "mystery"},
	})
	err := provider.processWebhookEvent(ctx, event)
	assert.ErrorIs(t, err, billing.ErrPackNotConfigured)
}

func TestCheckoutFallsBackToClientReferenceID(t *testing.T) {
	provider, manager := newTestProvider(t)
	ctx := context.Background()

	event := checkoutEvent(t, "evt_1", &stripe.CheckoutSession{
		ID:                "cs_1",
		PaymentStatus:     stripe.CheckoutSessionPaymentStatusPaid,
		ClientReferenceID: "shop-2",
		Metadata:          map[string]string{"pack": "starter"},
	})
	require.NoError(t, provider.processWebhookEvent(ctx, event))

	bal, err := manager.GetOrCreate(ctx, "shop-2")
	require.NoError(t, err)
	assert.Equal(t, int64(10000), bal.Balance)
}

func TestUnknownEventTypeAcknowledged(t *testing.T) {
	provider, _ := newTestProvider(t)

	err := provider.processWebhookEvent(context.Background(), &stripe.Event{
		ID:   "evt_1",
		Type: "invoice.payment_succeeded",
		Data: &stripe.EventData{Raw: []byte(`{}`)},
	})
	assert.NoError(t, err)
}

func TestWebhookHandlerRejectsUnsignedRequests(t *testing.T) {
	provider, _ := newTestProvider(t)
	handler := provider.WebhookHandler()

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"type":"checkout.session.completed"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/webhooks/stripe", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewProvider(Config{StripeAPIKey: "sk_test"})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)

	manager, err := ledger.NewManager(memory.NewLedgerStore(), ledger.Config{})
	require.NoError(t, err)
	_, err = NewProvider(Config{Config: billing.Config{Ledger: manager}})
	assert.ErrorIs(t, err, billing.ErrProviderNotConfigured)
}

func TestNewProviderGenericCredentialFallback(t *testing.T) {
	manager, err := ledger.NewManager(memory.NewLedgerStore(), ledger.Config{})
	require.NoError(t, err)

	provider, err := NewProvider(Config{
		Config: billing.Config{
			Ledger:        manager,
			APIKey:        "sk_test_generic",
			WebhookSecret: "whsec_generic",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec_generic"), provider.webhookSecret)

	// Stripe-specific credentials take precedence when both are set.
	provider, err = NewProvider(Config{
		Config: billing.Config{
			Ledger:        manager,
			APIKey:        "sk_test_generic",
			WebhookSecret: "whsec_generic",
		},
		StripeAPIKey:        "sk_test_specific",
		StripeWebhookSecret: "whsec_specific",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("whsec_specific"), provider.webhookSecret)
}
