// Package investmath computes investment yield. Functions are pure and never
// fail: negative inputs are treated as zero.
package investmath

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DailyAmount returns principal * dailyProfitPct / 100.
func DailyAmount(principal, dailyProfitPct decimal.Decimal) decimal.Decimal {
	return nonNegative(principal).Mul(nonNegative(dailyProfitPct)).Div(hundred)
}

// ExpectedTotalActive is the yield accrued after daysElapsed full days.
func ExpectedTotalActive(daysElapsed int, principal, dailyProfitPct decimal.Decimal) decimal.Decimal {
	return days(daysElapsed).Mul(DailyAmount(principal, dailyProfitPct))
}

// ExpectedTotalCompleted is the yield of a matured investment.
func ExpectedTotalCompleted(durationDays int, principal, dailyProfitPct decimal.Decimal) decimal.Decimal {
	return days(durationDays).Mul(DailyAmount(principal, dailyProfitPct))
}

// FromFloat converts a float read from an untyped source. NaN, infinities and
// negative values become zero.
func FromFloat(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

// DaysElapsed counts whole UTC days from start to today, clamped to
// [0, durationDays] when durationDays is positive.
func DaysElapsed(start, today time.Time, durationDays int) int {
	n := int(math.Floor(StartOfDay(today).Sub(StartOfDay(start)).Hours() / 24))
	if n < 0 {
		n = 0
	}
	if durationDays > 0 && n > durationDays {
		n = durationDays
	}
	return n
}

// StartOfDay truncates t to midnight UTC.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func days(n int) decimal.Decimal {
	if n < 0 {
		n = 0
	}
	return decimal.NewFromInt(int64(n))
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
