// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CoinScale is the number of Amount units per coin. All amounts are
// integers in these units; float64 is used only for price presentation,
// comparison, and aggregation.
const CoinScale = 1e8

// MaxCoin is the largest permitted amount, in whole coins.
const MaxCoin = 100_000_000

// precisionDigits is the maximum number of fractional digits a decimal
// amount string may carry without loss.
const precisionDigits = 8

// Amount is a fixed-point monetary scalar: an integer count of 1e-8ths of
// a coin.
type Amount uint64

// ErrPrecision is returned when a decimal string carries more than 8
// fractional digits.
var ErrPrecision = fmt.Errorf("amount precision exceeds 8 fractional digits")

// ValidPrecision reports whether the decimal representation s has at most
// 8 fractional digits.
func ValidPrecision(s string) bool {
	dot := strings.IndexByte(s, '.')
	if dot < 0 {
		return true
	}
	return len(s)-dot-1 <= precisionDigits
}

// AmountFromDecimal parses a decimal coin-quantity string into an Amount.
// It rejects strings with more than 8 fractional digits.
func AmountFromDecimal(s string) (Amount, error) {
	if !ValidPrecision(s) {
		return 0, ErrPrecision
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if f < 0 {
		return 0, fmt.Errorf("amount %q is negative", s)
	}
	return Amount(math.Round(f * CoinScale)), nil
}

// DecimalFromAmount renders an Amount as a decimal coin-quantity string
// with up to 8 fractional digits, trailing zeros trimmed.
func DecimalFromAmount(a Amount) string {
	whole := uint64(a) / CoinScale
	frac := uint64(a) % CoinScale
	s := fmt.Sprintf("%d.%08d", whole, frac)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}

// Price computes the toAmount/fromAmount exchange rate.
func Price(from, to Amount) float64 {
	if from == 0 {
		return 0
	}
	return float64(to) / float64(from)
}

// InversePrice computes 1/Price(from, to).
func InversePrice(from, to Amount) float64 {
	p := Price(from, to)
	if p == 0 {
		return 0
	}
	return 1 / p
}

// epsilon is the Knuth-style relative tolerance used to decide whether two
// floating point prices are "essentially equal": |a-b|/|a| <= eps AND
// |a-b|/|b| <= eps. This is float64 machine epsilon, the same constant
// used by the reference order-book price-grouping comparison.
const epsilon = 2.220446049250313e-16

// PricesEqual reports whether a and b are equal within the relative
// epsilon tolerance. Both a and b must be positive.
func PricesEqual(a, b float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	diff := math.Abs(a - b)
	return diff/math.Abs(a) <= epsilon && diff/math.Abs(b) <= epsilon
}

// ValidAmount reports whether a is in (0, MaxCoin] coins.
func ValidAmount(a Amount) bool {
	return a > 0 && uint64(a) <= uint64(MaxCoin)*CoinScale
}
