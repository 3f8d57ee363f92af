package ledger

import (
	"time"
)

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	// ReservationPending means tokens are held but not yet settled.
	ReservationPending ReservationStatus = "pending"
	// ReservationFinalized means the reservation was settled against actual usage.
	ReservationFinalized ReservationStatus = "finalized"
	// ReservationRefunded means the full held amount was returned to the balance.
	ReservationRefunded ReservationStatus = "refunded"
)

// Reservation is a ledger hold that guarantees tokens are available before
// work starts. It is owned by its TokenBalance and referenced externally only
// by ID. A reservation terminates exactly once, via Finalize or Refund.
type Reservation struct {
	ID      string
	Shop    string
	Amount  int64
	Feature string
	Status  ReservationStatus

	// ActualAmount is the settled charge. Only meaningful once Status is
	// ReservationFinalized. Never exceeds Amount.
	ActualAmount int64

	CreatedAt time.Time
	SettledAt time.Time
}

// Terminal reports whether the reservation has reached a terminal status.
func (r *Reservation) Terminal() bool {
	return r.Status == ReservationFinalized || r.Status == ReservationRefunded
}

// TokenBalance is the prepaid token account of one tenant.
//
// Invariant: Balance == TotalGranted − sum(finalized ActualAmount) −
// sum(pending Amount).
type TokenBalance struct {
	Shop string

	// Balance is the number of tokens currently available to reserve.
	Balance int64

	// TotalGranted is the lifetime number of tokens ever credited,
	// trial and purchased combined.
	TotalGranted int64

	// TotalPurchased is the lifetime number of paid tokens. Used to tell
	// trial-included credit from purchased credit.
	TotalPurchased int64

	// Reservations holds this tenant's reservations in creation order.
	Reservations []*Reservation

	UpdatedAt time.Time
}

// PendingReserved returns the sum of amounts held by pending reservations.
func (b *TokenBalance) PendingReserved() int64 {
	var total int64
	for _, r := range b.Reservations {
		if r.Status == ReservationPending {
			total += r.Amount
		}
	}
	return total
}

// SettleKind selects the terminal transition applied by Storage.Settle.
type SettleKind string

const (
	// SettleFinalize settles a reservation against actual consumption.
	SettleFinalize SettleKind = "finalize"
	// SettleRefund returns the full held amount because nothing was consumed.
	SettleRefund SettleKind = "refund"
)

// ReserveRequest asks storage to atomically hold tokens.
type ReserveRequest struct {
	ReservationID string
	Shop          string
	Amount        int64
	Feature       string
	Now           time.Time
}

// SettleRequest asks storage to atomically terminate a reservation.
// For SettleFinalize, ActualAmount is the reported consumption; storage caps
// the charge at the held amount and credits back the unused remainder.
type SettleRequest struct {
	ReservationID string
	Kind          SettleKind
	ActualAmount  int64
	Now           time.Time
}

// GrantRequest credits tokens to a tenant balance.
type GrantRequest struct {
	Shop   string
	Amount int64

	// Purchased marks paid credit (counts toward TotalPurchased).
	Purchased bool

	// IdempotencyKey deduplicates replayed grants (e.g. webhook redelivery).
	IdempotencyKey string

	Now time.Time
}
