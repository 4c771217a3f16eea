package domain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAmountDue(t *testing.T) {
	tests := []struct {
		name   string
		rate   int64
		millis int64
		want   int64
	}{
		{"one minute", 3000, 60_000, 3000},
		{"one second rounds down", 100, 1000, 1},
		{"sub unit", 50, 1000, 0},
		{"zero rate", 0, 60_000, 0},
		{"negative time", 3000, -1, 0},
		{"ninety seconds", 2000, 90_000, 3000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountDue(tt.rate, tt.millis))
		})
	}
}

func TestComputeTick_CumulativeRoundingNeverDrifts(t *testing.T) {
	// 50 units/min billed per second is 0.8333 per tick; per-tick flooring
	// would charge nothing.
	const rate, tick, bps = 50, 1000, 2500

	var charged, earned, commission int64
	for seq := int64(1); seq <= 120; seq++ {
		c := ComputeTick(rate, tick, seq, charged, bps)
		assert.Equal(t, c.Amount, c.Commission+c.PayeeCredit)
		assert.GreaterOrEqual(t, c.Amount, int64(0))
		charged += c.Amount
		earned += c.PayeeCredit
		commission += c.Commission
	}

	assert.Equal(t, int64(100), charged)
	assert.Equal(t, int64(25), commission)
	assert.Equal(t, int64(75), earned)
}

func TestComputeTick_ReplayedSeqChargesNothing(t *testing.T) {
	first := ComputeTick(600, 5000, 1, 0, 0)
	assert.Equal(t, int64(50), first.Amount)

	again := ComputeTick(600, 5000, 1, first.Amount, 0)
	assert.Zero(t, again.Amount)
	assert.Equal(t, int64(5000), again.BilledMillis)
}

func TestComputeTick_GapCatchesUp(t *testing.T) {
	c := ComputeTick(600, 1000, 3, 10, 1000)
	assert.Equal(t, int64(3000), c.BilledMillis)
	assert.Equal(t, int64(20), c.Amount)
	assert.Equal(t, int64(2), c.Commission)
	assert.Equal(t, int64(18), c.PayeeCredit)
}

func TestAffordableMillis(t *testing.T) {
	assert.Equal(t, int64(120_000), AffordableMillis(6000, 3000))
	assert.Equal(t, int64(math.MaxInt64), AffordableMillis(10, 0))
	assert.Zero(t, AffordableMillis(0, 3000))
}

func TestMinimumBalance(t *testing.T) {
	assert.Equal(t, int64(9000), MinimumBalance(3000, 3))
}
