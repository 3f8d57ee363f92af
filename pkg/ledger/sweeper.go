package ledger

import (
	"context"
	"time"

	"github.com/mihaimyh/shoplingo/pkg/logging"
)

// SweeperConfig controls the orphaned-reservation sweeper.
type SweeperConfig struct {
	// Interval between sweep passes (default: 1 minute).
	Interval time.Duration

	// TTL is how long a reservation may stay pending before it is treated
	// as an operational leak and refunded (default: 15 minutes).
	TTL time.Duration
}

// Sweeper refunds reservations that were never finalized or refunded, e.g.
// because the process holding them crashed mid-job. It runs as a bounded
// background loop and never blocks ledger callers; sweep failures are logged
// here and nowhere else.
type Sweeper struct {
	manager *Manager
	config  SweeperConfig
	stop    chan struct{}
	done    chan struct{}
}

// NewSweeper creates a sweeper for the given manager.
func NewSweeper(manager *Manager, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	return &Sweeper{
		manager: manager,
		config:  config,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the sweep loop. Call Stop to terminate it.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.SweepOnce(context.Background())
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}

// SweepOnce refunds all pending reservations older than the TTL and returns
// the number refunded. Exposed for tests and for crash-recovery at startup.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-s.config.TTL)
	stale, err := s.manager.storage.StaleReservations(ctx, cutoff)
	if err != nil {
		s.manager.config.Logger.Error("stale reservation scan failed", logging.F("error", err))
		return 0
	}

	refunded := 0
	for _, res := range stale {
		if err := s.manager.Refund(ctx, res.ID); err != nil {
			// Raced with a concurrent finalize; that settlement wins.
			s.manager.config.Logger.Debug("stale reservation already settled",
				logging.F("reservation_id", res.ID),
				logging.F("error", err),
			)
			continue
		}
		refunded++
		s.manager.config.Logger.Warn("refunded orphaned reservation",
			logging.F("shop", res.Shop),
			logging.F("reservation_id", res.ID),
			logging.F("amount", res.Amount),
			logging.F("age", time.Since(res.CreatedAt).String()),
		)
	}

	s.manager.config.Metrics.RecordSweep(refunded)
	return refunded
}
