package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
)

func TestLedgerStoreReserveAndSettle(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.GetBalance(ctx, "shop-1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)

	bal, err := store.GetOrCreateBalance(ctx, "shop-1", 100, now)
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)

	res, err := store.Reserve(ctx, &ledger.ReserveRequest{
		ReservationID: "res-1",
		Shop:          "shop-1",
		Amount:        40,
		Feature:       ledger.FeatureBulkGenerate,
		Now:           now,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReservationPending, res.Status)

	bal, err = store.GetBalance(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(60), bal.Balance)
	assert.Equal(t, int64(40), bal.PendingReserved())

	settled, err := store.Settle(ctx, &ledger.SettleRequest{
		ReservationID: "res-1",
		Kind:          ledger.SettleFinalize,
		ActualAmount:  25,
		Now:           now,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(25), settled.ActualAmount)

	bal, err = store.GetBalance(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(85), bal.Balance)
	assert.Equal(t, int64(0), bal.PendingReserved())
}

func TestLedgerStoreSettleConflicts(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.GetOrCreateBalance(ctx, "shop-1", 100, now)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, &ledger.ReserveRequest{
		ReservationID: "res-1", Shop: "shop-1", Amount: 40,
		Feature: ledger.FeatureBulkGenerate, Now: now,
	})
	require.NoError(t, err)

	_, err = store.Settle(ctx, &ledger.SettleRequest{
		ReservationID: "res-1", Kind: ledger.SettleRefund, Now: now,
	})
	require.NoError(t, err)

	// Same-direction repeat is a no-op, cross-direction fails.
	_, err = store.Settle(ctx, &ledger.SettleRequest{
		ReservationID: "res-1", Kind: ledger.SettleRefund, Now: now,
	})
	assert.NoError(t, err)
	_, err = store.Settle(ctx, &ledger.SettleRequest{
		ReservationID: "res-1", Kind: ledger.SettleFinalize, ActualAmount: 10, Now: now,
	})
	assert.ErrorIs(t, err, ledger.ErrReservationSettled)

	bal, err := store.GetBalance(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), bal.Balance)

	_, err = store.Settle(ctx, &ledger.SettleRequest{
		ReservationID: "missing", Kind: ledger.SettleRefund, Now: now,
	})
	assert.ErrorIs(t, err, ledger.ErrReservationNotFound)
}

func TestLedgerStoreCopiesOut(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	bal, err := store.GetOrCreateBalance(ctx, "shop-1", 100, now)
	require.NoError(t, err)

	// Mutating the returned snapshot must not affect stored state.
	bal.Balance = 0

	fresh, err := store.GetBalance(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), fresh.Balance)
}

func TestLedgerStoreStaleReservations(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC()

	_, err := store.GetOrCreateBalance(ctx, "shop-1", 100, old)
	require.NoError(t, err)
	_, err = store.Reserve(ctx, &ledger.ReserveRequest{
		ReservationID: "res-old", Shop: "shop-1", Amount: 10,
		Feature: ledger.FeatureBulkGenerate, Now: old,
	})
	require.NoError(t, err)
	_, err = store.Reserve(ctx, &ledger.ReserveRequest{
		ReservationID: "res-new", Shop: "shop-1", Amount: 10,
		Feature: ledger.FeatureBulkGenerate, Now: now,
	})
	require.NoError(t, err)

	stale, err := store.StaleReservations(ctx, now.Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "res-old", stale[0].ID)
}

func TestLedgerStoreGrantIdempotency(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	err := store.AddTokens(ctx, &ledger.GrantRequest{
		Shop: "shop-1", Amount: 500, Purchased: true, IdempotencyKey: "evt_1", Now: now,
	})
	require.NoError(t, err)

	err = store.AddTokens(ctx, &ledger.GrantRequest{
		Shop: "shop-1", Amount: 500, Purchased: true, IdempotencyKey: "evt_1", Now: now,
	})
	assert.ErrorIs(t, err, ledger.ErrIdempotencyKeyExists)

	bal, err := store.GetBalance(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), bal.Balance)
	assert.Equal(t, int64(500), bal.TotalPurchased)
}

func TestLedgerStoreClear(t *testing.T) {
	store := NewLedgerStore()
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.GetOrCreateBalance(ctx, "shop-1", 100, now)
	require.NoError(t, err)

	store.Clear()

	_, err = store.GetBalance(ctx, "shop-1")
	assert.ErrorIs(t, err, ledger.ErrBalanceNotFound)
}
