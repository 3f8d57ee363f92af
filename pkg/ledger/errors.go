package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when a reserve would overdraw the balance.
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrBalanceNotFound is returned when no balance exists for a tenant.
	ErrBalanceNotFound = errors.New("token balance not found")

	// ErrReservationNotFound is returned for an unknown reservation id.
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrReservationSettled is returned when a terminal reservation receives
	// a conflicting terminal transition (refund after finalize or vice versa).
	ErrReservationSettled = errors.New("reservation already settled")

	// ErrInvalidAmount is returned for zero or negative amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrIdempotencyKeyExists is returned when a grant idempotency key was
	// already processed.
	ErrIdempotencyKeyExists = errors.New("idempotency key already exists")

	// ErrStorageUnavailable is returned when storage is unavailable.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
