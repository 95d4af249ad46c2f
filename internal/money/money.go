// Package money converts order totals between major currency units and
// integer minor units.
//
// Orders carry totals in major units (e.g. 19.99 EUR) because that is what
// checkout records. Ledger entries, disputes and payout schedules carry
// int64 minor units (1999) so that sums never drift.
package money

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("money: invalid amount")
	ErrInvalidCurrency = errors.New("money: invalid currency")
	ErrOverflow        = errors.New("money: amount overflows minor units")
)

// zeroDecimal and threeDecimal list ISO 4217 currencies whose minor unit
// differs from the usual two digits.
var (
	zeroDecimal  = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true, "ISK": true, "UGX": true, "XOF": true, "XAF": true}
	threeDecimal = map[string]bool{"BHD": true, "KWD": true, "JOD": true, "OMR": true, "TND": true}
)

// NormalizeCurrency upper-cases and validates a three-letter currency code.
func NormalizeCurrency(currency string) (string, error) {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if len(c) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
		}
	}
	return c, nil
}

// Exponent returns the number of minor-unit digits for a currency.
func Exponent(currency string) int32 {
	c := strings.ToUpper(currency)
	switch {
	case zeroDecimal[c]:
		return 0
	case threeDecimal[c]:
		return 3
	default:
		return 2
	}
}

// ToMinor converts a major-unit amount to integer minor units, rounding
// half away from zero at the currency's exponent.
func ToMinor(amount decimal.Decimal, currency string) (int64, error) {
	if _, err := NormalizeCurrency(currency); err != nil {
		return 0, err
	}
	minor := amount.Shift(Exponent(currency)).Round(0)
	if minor.GreaterThan(decimal.NewFromInt(math.MaxInt64)) || minor.LessThan(decimal.NewFromInt(math.MinInt64)) {
		return 0, ErrOverflow
	}
	return minor.IntPart(), nil
}

// ParseMinor parses a major-unit decimal string and converts it to minor units.
func ParseMinor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return ToMinor(d, currency)
}

// FromMinor converts integer minor units back to a major-unit decimal.
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.NewFromInt(minor).Shift(-Exponent(currency))
}

// Format renders minor units as a fixed-point major-unit string ("19.99").
func Format(minor int64, currency string) string {
	return FromMinor(minor, currency).StringFixed(Exponent(currency))
}
