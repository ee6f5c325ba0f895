// Package money holds the storefront's integer currency arithmetic.
// Amounts are whole currency units; the legacy catalog has no fractional
// denominations.
package money

import "github.com/shopspring/decimal"

// PercentOff returns round(base*rate) clamped to [0, base].
// Rounding is half away from zero.
func PercentOff(base int64, rate decimal.Decimal) int64 {
	if base <= 0 {
		return 0
	}
	off := decimal.NewFromInt(base).Mul(rate).Round(0).IntPart()
	return Clamp(off, 0, base)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
