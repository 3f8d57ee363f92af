package ledger

import (
	"context"
	"time"
)

// Storage defines the persistence interface for the token ledger.
//
// Implementations must make Reserve, Settle, and AddTokens atomic against
// concurrent calls for the same tenant: Reserve is a single conditional
// update on the current balance, never a read-then-write.
type Storage interface {
	// GetBalance retrieves a tenant balance including its reservations.
	// Returns ErrBalanceNotFound if the tenant has no balance yet.
	GetBalance(ctx context.Context, shop string) (*TokenBalance, error)

	// GetOrCreateBalance retrieves the tenant balance, creating it with the
	// given initial grant on first use. Must be safe against concurrent
	// first-use races (at most one balance is ever created per tenant).
	GetOrCreateBalance(ctx context.Context, shop string, initialGrant int64, now time.Time) (*TokenBalance, error)

	// Reserve atomically decrements the balance and appends a pending
	// reservation. Returns ErrInsufficientBalance without side effects when
	// the balance cannot cover the amount.
	Reserve(ctx context.Context, req *ReserveRequest) (*Reservation, error)

	// Settle terminates a reservation. Finalize caps the charge at the held
	// amount and credits back the unused remainder; refund credits the full
	// amount. Repeating the same terminal transition is a no-op returning
	// the stored reservation; a conflicting transition returns
	// ErrReservationSettled. Unknown ids return ErrReservationNotFound.
	Settle(ctx context.Context, req *SettleRequest) (*Reservation, error)

	// AddTokens credits tokens to a balance, creating it if absent.
	// Returns ErrIdempotencyKeyExists when the request's key was already
	// processed.
	AddTokens(ctx context.Context, req *GrantRequest) error

	// StaleReservations lists pending reservations created before the
	// cutoff. Used by the sweeper to refund operational leaks.
	StaleReservations(ctx context.Context, olderThan time.Time) ([]*Reservation, error)
}
