package domain

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

const millisPerMinute = 60_000

// AmountDue is the cumulative charge for billedMillis of talk time at
// ratePerMinute, rounded down to whole minor units.
func AmountDue(ratePerMinute, billedMillis int64) int64 {
	if ratePerMinute <= 0 || billedMillis <= 0 {
		return 0
	}
	return ratePerMinute * billedMillis / millisPerMinute
}

// CommissionOn is the platform share of a cumulative charge.
func CommissionOn(total int64, bps int) int64 {
	return total * int64(bps) / 10_000
}

// AffordableMillis is how much talk time balance still pays for.
func AffordableMillis(balance, ratePerMinute int64) int64 {
	if ratePerMinute <= 0 {
		return math.MaxInt64
	}
	return balance * millisPerMinute / ratePerMinute
}

// MinimumBalance is what a payer must hold to start a session.
func MinimumBalance(ratePerMinute, minutes int64) int64 {
	return ratePerMinute * minutes
}

// TickCharge is the money moved by a single billing tick.
type TickCharge struct {
	BilledMillis int64
	Amount       int64
	Commission   int64
	PayeeCredit  int64
}

// ComputeTick prices tick seq of a session that has already been charged
// alreadyCharged. Both the charge and the commission are derived from
// cumulative totals so per-tick rounding never accumulates.
func ComputeTick(ratePerMinute, tickMillis, seq, alreadyCharged int64, commissionBps int) TickCharge {
	billed := seq * tickMillis
	due := AmountDue(ratePerMinute, billed)

	amount := max(due-alreadyCharged, 0)
	commission := CommissionOn(alreadyCharged+amount, commissionBps) - CommissionOn(alreadyCharged, commissionBps)

	return TickCharge{
		BilledMillis: billed,
		Amount:       amount,
		Commission:   commission,
		PayeeCredit:  amount - commission,
	}
}

type TickRequest struct {
	SessionID uuid.UUID
	Seq       int64
	At        time.Time
}

// TickResult describes the state after a tick. Replayed is set when the tick
// had already been applied and nothing moved.
type TickResult struct {
	Seq          int64
	Charge       TickCharge
	PayerBalance int64
	TotalCharged int64
	PayeeEarned  int64
	BilledMillis int64
	Replayed     bool
}

// TickApplier atomically debits the payer, credits the payee, books the
// commission and advances the session's tick counter. A tick whose seq is
// not beyond the stored counter is a replay. It returns
// ErrInsufficientBalance without moving money when the payer is short and
// ErrSessionNotActive once the session has left the active state.
type TickApplier interface {
	ApplyTick(ctx context.Context, req TickRequest) (*TickResult, error)
}

// BillingLease guarantees a single billing loop per session across instances.
type BillingLease interface {
	Acquire(ctx context.Context, sessionID uuid.UUID) (bool, error)
	// Renew extends a lease this holder owns. It returns false when the
	// lease has been lost.
	Renew(ctx context.Context, sessionID uuid.UUID) (bool, error)
	Release(ctx context.Context, sessionID uuid.UUID) error
	// Held reports whether any instance currently holds the lease.
	Held(ctx context.Context, sessionID uuid.UUID) (bool, error)
}
