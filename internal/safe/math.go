// Package safe provides overflow-checked unsigned arithmetic for settlement.
// Unlike panicking helpers, every function reports overflow to the caller so
// that a rejected operation can leave ledger state untouched.
package safe

import "math/bits"

// Add returns a+b and false if the sum wraps.
func Add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

// Sub returns a-b and false if b > a.
func Sub(a, b uint64) (uint64, bool) {
	diff, borrow := bits.Sub64(a, b, 0)
	return diff, borrow == 0
}

// Mul returns a*b and false if the product does not fit in 64 bits.
func Mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// MulDiv returns floor(a*b/d) computed over a 128-bit intermediate, and
// false if d is zero or the quotient does not fit in 64 bits.
func MulDiv(a, b, d uint64) (uint64, bool) {
	if d == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, b)
	if hi >= d {
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, d)
	return q, true
}
