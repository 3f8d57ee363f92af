// Package memory provides in-memory implementations of the ledger and job
// stores. Primarily intended for testing and development.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/ledger"
)

// LedgerStore implements ledger.Storage using in-memory maps.
type LedgerStore struct {
	mu           sync.Mutex
	balances     map[string]*ledger.TokenBalance
	reservations map[string]*ledger.Reservation // id -> live reservation
	idempotency  map[string]bool
}

var _ ledger.Storage = (*LedgerStore)(nil)

// NewLedgerStore creates a new in-memory ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		balances:     make(map[string]*ledger.TokenBalance),
		reservations: make(map[string]*ledger.Reservation),
		idempotency:  make(map[string]bool),
	}
}

// GetBalance implements ledger.Storage.
func (s *LedgerStore) GetBalance(ctx context.Context, shop string) (*ledger.TokenBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[shop]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	return copyBalance(bal), nil
}

// GetOrCreateBalance implements ledger.Storage.
func (s *LedgerStore) GetOrCreateBalance(ctx context.Context, shop string, initialGrant int64, now time.Time) (*ledger.TokenBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[shop]
	if !ok {
		bal = &ledger.TokenBalance{
			Shop:         shop,
			Balance:      initialGrant,
			TotalGranted: initialGrant,
			UpdatedAt:    now,
		}
		s.balances[shop] = bal
	}
	return copyBalance(bal), nil
}

// Reserve implements ledger.Storage. The check and the decrement happen under
// one lock so concurrent reserves cannot oversubscribe the balance.
func (s *LedgerStore) Reserve(ctx context.Context, req *ledger.ReserveRequest) (*ledger.Reservation, error) {
	if req.Amount <= 0 {
		return nil, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	bal, ok := s.balances[req.Shop]
	if !ok {
		return nil, ledger.ErrBalanceNotFound
	}
	if bal.Balance < req.Amount {
		return nil, ledger.ErrInsufficientBalance
	}

	res := &ledger.Reservation{
		ID:        req.ReservationID,
		Shop:      req.Shop,
		Amount:    req.Amount,
		Feature:   req.Feature,
		Status:    ledger.ReservationPending,
		CreatedAt: req.Now,
	}

	bal.Balance -= req.Amount
	bal.Reservations = append(bal.Reservations, res)
	bal.UpdatedAt = req.Now
	s.reservations[res.ID] = res

	resCopy := *res
	return &resCopy, nil
}

// Settle implements ledger.Storage.
func (s *LedgerStore) Settle(ctx context.Context, req *ledger.SettleRequest) (*ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[req.ReservationID]
	if !ok {
		return nil, ledger.ErrReservationNotFound
	}

	if res.Terminal() {
		// Repeating the same terminal transition is a no-op.
		if (req.Kind == ledger.SettleFinalize && res.Status == ledger.ReservationFinalized) ||
			(req.Kind == ledger.SettleRefund && res.Status == ledger.ReservationRefunded) {
			resCopy := *res
			return &resCopy, nil
		}
		return nil, ledger.ErrReservationSettled
	}

	bal := s.balances[res.Shop]

	switch req.Kind {
	case ledger.SettleFinalize:
		settled := req.ActualAmount
		if settled > res.Amount {
			settled = res.Amount // never overspend past the hold
		}
		bal.Balance += res.Amount - settled
		res.Status = ledger.ReservationFinalized
		res.ActualAmount = settled
	case ledger.SettleRefund:
		bal.Balance += res.Amount
		res.Status = ledger.ReservationRefunded
	default:
		return nil, ledger.ErrReservationSettled
	}

	res.SettledAt = req.Now
	bal.UpdatedAt = req.Now

	resCopy := *res
	return &resCopy, nil
}

// AddTokens implements ledger.Storage.
func (s *LedgerStore) AddTokens(ctx context.Context, req *ledger.GrantRequest) error {
	if req.Amount <= 0 {
		return ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if req.IdempotencyKey != "" {
		if s.idempotency[req.IdempotencyKey] {
			return ledger.ErrIdempotencyKeyExists
		}
		s.idempotency[req.IdempotencyKey] = true
	}

	bal, ok := s.balances[req.Shop]
	if !ok {
		bal = &ledger.TokenBalance{Shop: req.Shop}
		s.balances[req.Shop] = bal
	}

	bal.Balance += req.Amount
	bal.TotalGranted += req.Amount
	if req.Purchased {
		bal.TotalPurchased += req.Amount
	}
	bal.UpdatedAt = req.Now
	return nil
}

// StaleReservations implements ledger.Storage.
func (s *LedgerStore) StaleReservations(ctx context.Context, olderThan time.Time) ([]*ledger.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*ledger.Reservation
	for _, bal := range s.balances {
		for _, res := range bal.Reservations {
			if res.Status == ledger.ReservationPending && res.CreatedAt.Before(olderThan) {
				resCopy := *res
				stale = append(stale, &resCopy)
			}
		}
	}
	return stale, nil
}

// Clear removes all data (useful for testing).
func (s *LedgerStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances = make(map[string]*ledger.TokenBalance)
	s.reservations = make(map[string]*ledger.Reservation)
	s.idempotency = make(map[string]bool)
}

func copyBalance(bal *ledger.TokenBalance) *ledger.TokenBalance {
	balCopy := *bal
	balCopy.Reservations = make([]*ledger.Reservation, len(bal.Reservations))
	for i, res := range bal.Reservations {
		resCopy := *res
		balCopy.Reservations[i] = &resCopy
	}
	return &balCopy
}
