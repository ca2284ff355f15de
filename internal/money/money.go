// Package money provides fixed-point USDC amount handling.
//
// USDC uses 6 decimal places. All amounts are carried as big.Int in
// the smallest unit (1 USDC = 1,000,000 units). Fee math is done in
// integer basis points with floor division so that callers can assign
// rounding dust explicitly instead of losing it.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 6

// BpsDenominator is the divisor for basis-point math (10000 bps = 100%).
const BpsDenominator = 10000

// Parse converts a decimal string (e.g. "1.50") to its smallest-unit
// big.Int representation (1500000). Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 6 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 6 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts a smallest-unit big.Int to a human-readable decimal
// string with exactly 6 decimal places (e.g. "1.500000").
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.000000"
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// MulBps returns amount * bps / 10000 with floor division. The remainder
// lost to flooring is at most BpsDenominator-1 smallest units and must be
// accounted for by the caller.
func MulBps(amount *big.Int, bps int64) *big.Int {
	if amount == nil || bps <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(amount, big.NewInt(bps))
	return product.Div(product, big.NewInt(BpsDenominator))
}

// Share returns amount * numerator / denominator with floor division.
// Used for splitting a fee bucket between parties (e.g. 70/100).
func Share(amount *big.Int, numerator, denominator int64) *big.Int {
	if amount == nil || numerator <= 0 || denominator <= 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(amount, big.NewInt(numerator))
	return product.Div(product, big.NewInt(denominator))
}

// Sum adds the given amounts into a fresh big.Int.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}

// IsPositive reports whether amount is non-nil and strictly positive.
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}
