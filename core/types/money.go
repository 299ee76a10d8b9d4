package types

import (
	"fmt"
	"math/big"
)

// Money is an integer amount in a chain's smallest denomination (spec.md
// §3: "Money is an integer unit in the token's smallest denomination"). All
// internal arithmetic in this runtime uses Money; only display formatting
// divides by the chain's decimal precision.
type Money int64

// Zero is the additive identity, spelled out for readability at call sites.
const Zero Money = 0

// Add returns m+other. Overflow is not detected: like any int64 addition it
// wraps around silently rather than saturating or panicking.
func (m Money) Add(other Money) Money { return m + other }

// Sub returns m-other.
func (m Money) Sub(other Money) Money { return m - other }

// Sign reports -1, 0, or 1.
func (m Money) Sign() int {
	switch {
	case m < 0:
		return -1
	case m > 0:
		return 1
	default:
		return 0
	}
}

// MulRatio multiplies m by a ratio expressed as a float64, rounding down.
// Used throughout the vault for spend-ratio and payout-ratio arithmetic.
func (m Money) MulRatio(ratio float64) Money {
	if ratio <= 0 {
		return 0
	}
	// Parse the ratio's shortest decimal form so 0.3 is exactly 3/10, not the
	// nearest binary float, which would round 2_000_000*0.3 down to 599_999.
	r, ok := new(big.Rat).SetString(fmt.Sprint(ratio))
	if !ok {
		return 0
	}
	scaled := new(big.Rat).Mul(new(big.Rat).SetInt64(int64(m)), r)
	return Money(new(big.Int).Quo(scaled.Num(), scaled.Denom()).Int64())
}

// Display renders m using the supplied chain decimal precision as a
// fixed-point human string, e.g. Money(1_500_000).Display(6) -> "1.500000".
func (m Money) Display(decimals int) string {
	if decimals <= 0 {
		return fmt.Sprintf("%d", int64(m))
	}
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}
	div := int64(1)
	for i := 0; i < decimals; i++ {
		div *= 10
	}
	whole := v / div
	frac := v % div
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%0*d", sign, whole, decimals, frac)
}

// FromWhole converts a whole-unit USD-equivalent integer (as used by the
// constitution's *_USD constants) into Money at the given chain precision.
func FromWhole(whole int64, decimals int) Money {
	div := int64(1)
	for i := 0; i < decimals; i++ {
		div *= 10
	}
	return Money(whole * div)
}
