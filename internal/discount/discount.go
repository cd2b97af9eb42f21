// Package discount maps a fair-value reading to a checkout discount tier.
package discount

import "cryptocheckout/internal/valuation"

// For returns the discount percent for a valuation. Pure and total over
// ValuationPercent: deeper undervaluation earns a larger tier, overvalued
// assets earn none.
func For(v valuation.Result) int64 {
	return forPercent(v.ValuationPercent)
}

func forPercent(pct float64) int64 {
	switch {
	case pct >= 0.50:
		return 10
	case pct >= 0.30:
		return 7
	case pct >= 0.15:
		return 5
	case pct >= 0:
		return 2
	default:
		return 0
	}
}
