package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// Well-known feature tags attached to reservations.
const (
	FeatureBulkGenerate = "bulk-generate"
	FeatureAIValidation = "ai-validation"
)

// Config holds ledger manager configuration.
type Config struct {
	// TrialTokens is the balance granted when a tenant is first seen.
	TrialTokens int64

	// Logger is used for structured logging (default: logging.NopLogger).
	Logger logging.Logger

	// Metrics is used for tracking ledger operations (default: NoopMetrics).
	Metrics Metrics
}

// Manager coordinates reserve/finalize/refund accounting on top of a Storage
// backend. All balance mutations go through the reservation protocol; there
// is deliberately no raw "deduct" operation.
type Manager struct {
	storage Storage
	config  Config
}

// NewManager creates a new ledger manager with the given storage and configuration.
func NewManager(storage Storage, config Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config.Logger == nil {
		config.Logger = &logging.NopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	return &Manager{storage: storage, config: config}, nil
}

// GetOrCreate returns the tenant's balance, creating a trial balance on
// first use. Idempotent.
func (m *Manager) GetOrCreate(ctx context.Context, shop string) (*TokenBalance, error) {
	return m.storage.GetOrCreateBalance(ctx, shop, m.config.TrialTokens, time.Now().UTC())
}

// HasBalance reports whether the tenant can cover amount. Pure read.
func (m *Manager) HasBalance(ctx context.Context, shop string, amount int64) (bool, error) {
	bal, err := m.GetOrCreate(ctx, shop)
	if err != nil {
		return false, err
	}
	return bal.Balance >= amount, nil
}

// Reserve atomically holds amount tokens for feature. The hold must be
// terminated exactly once, by Finalize or Refund.
func (m *Manager) Reserve(ctx context.Context, shop string, amount int64, feature string) (*Reservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	// Ensure the balance row exists so the conditional update has a target.
	if _, err := m.GetOrCreate(ctx, shop); err != nil {
		return nil, err
	}

	res, err := m.storage.Reserve(ctx, &ReserveRequest{
		ReservationID: uuid.New().String(),
		Shop:          shop,
		Amount:        amount,
		Feature:       feature,
		Now:           time.Now().UTC(),
	})
	if err != nil {
		m.config.Metrics.RecordReserve(shop, feature, amount, false)
		return nil, err
	}

	m.config.Metrics.RecordReserve(shop, feature, amount, true)
	m.config.Logger.Debug("tokens reserved",
		logging.F("shop", shop),
		logging.F("reservation_id", res.ID),
		logging.F("amount", amount),
		logging.F("feature", feature),
	)
	return res, nil
}

// Finalize settles a reservation against actual consumption. Unused held
// tokens are credited back. A reported actual above the held amount is capped
// at the hold and logged as an overage event for reconciliation; finalize
// never drives a balance negative. Repeating a finalize is a no-op.
func (m *Manager) Finalize(ctx context.Context, reservationID string, actual int64) error {
	if actual < 0 {
		return ErrInvalidAmount
	}

	res, err := m.storage.Settle(ctx, &SettleRequest{
		ReservationID: reservationID,
		Kind:          SettleFinalize,
		ActualAmount:  actual,
		Now:           time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("finalize reservation %s: %w", reservationID, err)
	}

	if actual > res.Amount {
		m.config.Metrics.RecordOverage(res.Shop, res.Feature, res.Amount, actual)
		m.config.Logger.Warn("reservation overage capped at held amount",
			logging.F("shop", res.Shop),
			logging.F("reservation_id", reservationID),
			logging.F("reserved", res.Amount),
			logging.F("reported", actual),
		)
	}

	m.config.Metrics.RecordFinalize(res.Shop, res.Feature, res.Amount, res.ActualAmount)
	m.config.Logger.Debug("reservation finalized",
		logging.F("shop", res.Shop),
		logging.F("reservation_id", reservationID),
		logging.F("actual", res.ActualAmount),
	)
	return nil
}

// Refund returns the full held amount because no consumption occurred.
// Repeating a refund is a no-op; refunding a finalized reservation fails
// with ErrReservationSettled.
func (m *Manager) Refund(ctx context.Context, reservationID string) error {
	res, err := m.storage.Settle(ctx, &SettleRequest{
		ReservationID: reservationID,
		Kind:          SettleRefund,
		Now:           time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("refund reservation %s: %w", reservationID, err)
	}

	m.config.Metrics.RecordRefund(res.Shop, res.Feature, res.Amount)
	m.config.Logger.Debug("reservation refunded",
		logging.F("shop", res.Shop),
		logging.F("reservation_id", reservationID),
		logging.F("amount", res.Amount),
	)
	return nil
}

// Grant credits tokens to a tenant, creating the balance if needed. Purchased
// grants count toward TotalPurchased. The idempotency key deduplicates
// replays; callers treat ErrIdempotencyKeyExists as already-processed.
func (m *Manager) Grant(ctx context.Context, shop string, amount int64, purchased bool, idempotencyKey string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	err := m.storage.AddTokens(ctx, &GrantRequest{
		Shop:           shop,
		Amount:         amount,
		Purchased:      purchased,
		IdempotencyKey: idempotencyKey,
		Now:            time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	m.config.Metrics.RecordGrant(shop, amount, purchased)
	m.config.Logger.Info("tokens granted",
		logging.F("shop", shop),
		logging.F("amount", amount),
		logging.F("purchased", purchased),
	)
	return nil
}
