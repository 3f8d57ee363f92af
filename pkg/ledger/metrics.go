package ledger

// Metrics defines the interface for tracking ledger operations.
type Metrics interface {
	// RecordReserve records a reservation attempt.
	RecordReserve(shop, feature string, amount int64, success bool)

	// RecordFinalize records a settled reservation with held and actual amounts.
	RecordFinalize(shop, feature string, reserved, actual int64)

	// RecordRefund records a refunded reservation.
	RecordRefund(shop, feature string, amount int64)

	// RecordOverage records a finalize whose reported usage exceeded the hold.
	RecordOverage(shop, feature string, reserved, reported int64)

	// RecordGrant records a token grant.
	RecordGrant(shop string, amount int64, purchased bool)

	// RecordSweep records a sweeper pass that refunded n stale reservations.
	RecordSweep(refunded int)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordReserve(shop, feature string, amount int64, success bool) {}
func (n *NoopMetrics) RecordFinalize(shop, feature string, reserved, actual int64)    {}
func (n *NoopMetrics) RecordRefund(shop, feature string, amount int64)                {}
func (n *NoopMetrics) RecordOverage(shop, feature string, reserved, reported int64)   {}
func (n *NoopMetrics) RecordGrant(shop string, amount int64, purchased bool)          {}
func (n *NoopMetrics) RecordSweep(refunded int)                                       {}
