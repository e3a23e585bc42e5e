// Package market turns normalized marketplace rows into derived views:
// order books, candles, rolling-window statistics, grouped trades,
// profit and loss positions and deal pricing.
//
// Every function in this package is pure. Monetary sums are accumulated
// with shopspring/decimal and converted to float64 only on output, so
// prices parsed from fixed-precision strings do not drift when summed.
package market

import (
	"math"

	"github.com/shopspring/decimal"
)

func dec(f float64) decimal.Decimal {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(f)
}

func toFloat(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// SafeRatio returns num/den, or 0 when den is zero or the result is not finite.
func SafeRatio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	r := num / den
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return r
}

// PercentChange returns (newValue-oldValue)/oldValue*100, or 0 when oldValue is zero.
func PercentChange(newValue, oldValue float64) float64 {
	if oldValue == 0 {
		return 0
	}
	pct := (newValue - oldValue) / oldValue * 100
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0
	}
	return pct
}
