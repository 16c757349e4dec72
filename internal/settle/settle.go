// Package settle holds the pure settlement math: payout schedules,
// direction profitability, and the sweep adjustment formula. Nothing here
// touches storage or the network, which keeps every rule testable in
// isolation.
package settle

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coinharbor/trading-engine/internal/model"
)

// payoutSchedule maps an order duration to its payout percentage. The
// percentage is fixed at submission time and never re-derived later.
var payoutSchedule = map[string]decimal.Decimal{
	"30s":  decimal.NewFromInt(40),
	"60s":  decimal.NewFromInt(60),
	"120s": decimal.NewFromInt(120),
	"300s": decimal.NewFromInt(300),
}

// displayDurations maps a duration to its human-readable form.
var displayDurations = map[string]string{
	"30s":  "30 seconds",
	"60s":  "1 minute",
	"120s": "2 minutes",
	"300s": "5 minutes",
}

// ErrUnknownDuration is returned for a duration outside the schedule.
var ErrUnknownDuration = fmt.Errorf("settle: unknown duration")

// sweepRate is the fraction of the current balance moved per sweep
// settlement: one tenth of one percent.
var sweepRate = decimal.NewFromFloat(0.001)

// hundred for percentage conversions.
var hundred = decimal.NewFromInt(100)

// PayoutPercentage returns the payout percentage for a duration, or
// ErrUnknownDuration if the duration is not offered.
func PayoutPercentage(duration string) (decimal.Decimal, error) {
	pct, ok := payoutSchedule[duration]
	if !ok {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrUnknownDuration, duration)
	}
	return pct, nil
}

// DisplayDuration returns the human-readable form of a duration, falling
// back to the raw value.
func DisplayDuration(duration string) string {
	if s, ok := displayDurations[duration]; ok {
		return s
	}
	return duration
}

// Durations lists the offered order durations.
func Durations() []string {
	return []string{"30s", "60s", "120s", "300s"}
}

// IsProfitable reports whether an order in the given direction is in profit
// at the current price. The comparison is strict: an unchanged price is a
// loss for both directions.
func IsProfitable(direction string, entry, current decimal.Decimal) bool {
	switch direction {
	case model.DirectionLong:
		return current.GreaterThan(entry)
	case model.DirectionShort:
		return current.LessThan(entry)
	default:
		return false
	}
}

// SweepAdjustment is the amount a sweep settlement moves: 0.1% of the
// user's current settlement-currency balance, regardless of stake.
func SweepAdjustment(balance decimal.Decimal) decimal.Decimal {
	return balance.Mul(sweepRate)
}

// PnLPercent is the signed percentage move from entry to exit, oriented by
// direction: a long gains when price rises, a short gains when it falls.
// A zero entry price yields zero rather than dividing.
func PnLPercent(direction string, entry, exit decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	pct := exit.Sub(entry).Div(entry).Mul(hundred)
	if direction == model.DirectionShort {
		pct = pct.Neg()
	}
	return pct
}

// AdminPayout is the amount credited when an admin settles an order as
// profit: the stake multiplied by the order's payout percentage.
func AdminPayout(stake, percentage decimal.Decimal) decimal.Decimal {
	return stake.Mul(percentage).Div(hundred)
}
