package core

import "github.com/shopspring/decimal"

// quantityScale is the fixed-point precision: all stored quantities are
// quantized to 6 decimal places before being written, and all comparisons
// tolerate Epsilon rather than exact equality.
const quantityScale = 6

// Epsilon is the tolerance used for every "is this effectively zero/equal"
// comparison in the reservation and shipment protocols.
var Epsilon = decimal.New(1, -6)

// roundQuantity quantizes x to the fixed-point scale used for all stored
// quantities. Mirrors decimal.Decimal.Round(6).
func roundQuantity(x decimal.Decimal) decimal.Decimal {
	return x.Round(quantityScale)
}

// isZeroish reports whether x is within Epsilon of zero.
func isZeroish(x decimal.Decimal) bool {
	return x.Abs().LessThanOrEqual(Epsilon)
}

// isPositive reports whether x exceeds Epsilon (i.e. is meaningfully > 0).
func isPositive(x decimal.Decimal) bool {
	return x.GreaterThan(Epsilon)
}

// lessThanEps reports a < b - Epsilon (a is meaningfully less than b).
func lessThanEps(a, b decimal.Decimal) bool {
	return a.LessThan(b.Sub(Epsilon))
}

// gteEps reports a >= b - Epsilon (a is not meaningfully less than b).
func gteEps(a, b decimal.Decimal) bool {
	return !lessThanEps(a, b)
}

// minDecimal returns the smaller of a and b.
func minDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// maxDecimal returns the larger of a and b.
func maxDecimal(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// clampNonNegative returns x, or zero if x is negative (within Epsilon).
// Used when applying deltas that must never push a counter below zero.
func clampNonNegative(x decimal.Decimal) decimal.Decimal {
	if x.IsNegative() && isZeroish(x) {
		return decimal.Zero
	}
	return x
}
