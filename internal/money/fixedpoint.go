// internal/money/fixedpoint.go
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DecimalConfig defines fixed-point precision for a currency
type DecimalConfig struct {
	DecimalPrecision int32 // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Fiat and stablecoin balances are kept in cents
	CentsConfig = DecimalConfig{DecimalPrecision: 2, Scale: 100}
)

// RoundingMode selects how fractional minor units are resolved
type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Truncate toward zero (default for credits)
	RoundHalfEven                     // Banker's rounding
	RoundUp
)

// ParseAmount converts a decimal string ("100.00") into minor units.
// Rejects values with more precision than the config allows instead of silently rounding.
func ParseAmount(s string, cfg DecimalConfig) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d, cfg)
}

// FromDecimal converts a decimal value into minor units.
func FromDecimal(d decimal.Decimal, cfg DecimalConfig) (int64, error) {
	scaled := d.Shift(cfg.DecimalPrecision)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("amount %s exceeds %d decimal places", d.String(), cfg.DecimalPrecision)
	}
	if scaled.Abs().GreaterThan(decimal.NewFromInt(maxSafeMinor)) {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return scaled.IntPart(), nil
}

// maxSafeMinor keeps every sum of two amounts inside int64
const maxSafeMinor = int64(1) << 61

// ToDecimal converts minor units back to a decimal value.
func ToDecimal(amount int64, cfg DecimalConfig) decimal.Decimal {
	return decimal.New(amount, -cfg.DecimalPrecision)
}

// Format renders minor units with the config's fixed number of decimals ("60.00").
func Format(amount int64, cfg DecimalConfig) string {
	return ToDecimal(amount, cfg).StringFixed(cfg.DecimalPrecision)
}

// ApplyRate computes amount * rate, resolving sub-unit remainders with the rounding mode.
// Used for percentage bonuses (rate 0.5 = 50%) and rollover multipliers (rate 3 = 3x).
// A product outside the range FromDecimal accepts is an error.
func ApplyRate(amount int64, rate decimal.Decimal, mode RoundingMode) (int64, error) {
	product := decimal.NewFromInt(amount).Mul(rate)

	switch mode {
	case RoundHalfEven:
		product = product.RoundBank(0)
	case RoundUp:
		product = product.Ceil()
	default:
		product = product.Truncate(0)
	}
	if product.Abs().GreaterThan(decimal.NewFromInt(maxSafeMinor)) {
		return 0, fmt.Errorf("%d x %s out of range", amount, rate.String())
	}
	return product.IntPart(), nil
}

// PercentOf returns pct percent of amount, rounded down (pct 100 = whole amount).
func PercentOf(amount int64, pct decimal.Decimal) (int64, error) {
	return ApplyRate(amount, pct.Div(decimal.NewFromInt(100)), RoundDown)
}

// Min returns the smaller of two amounts
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
