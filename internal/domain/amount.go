package domain

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// ParseAmount parses a non-negative integer amount in smallest units.
// Exponent notation is accepted as long as the value is integral ("1e18").
func ParseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount %q is negative", s)
	}
	if !d.Equal(d.Truncate(0)) {
		return nil, fmt.Errorf("amount %q is not an integer", s)
	}
	return d.BigInt(), nil
}

// FormatAmount renders an amount in smallest units.
func FormatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
