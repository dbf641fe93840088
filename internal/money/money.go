// Package money implements a fixed-point decimal money representation with
// four fractional digits, avoiding floating point for cost/budget arithmetic.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// scale is the number of ten-thousandths per whole currency unit.
const scale = 10000

// Money is a scaled int64: Money(10000) == 1.0000 currency units.
type Money int64

// Zero is the additive identity.
const Zero Money = 0

// FromUnits builds a Money value from a whole-and-fractional float-free pair:
// units is the integer part, tenThousandths is the fractional part (0..9999).
func FromUnits(units int64, tenThousandths int64) Money {
	return Money(units*scale + tenThousandths)
}

// Parse reads a decimal string like "12.5000" or "12.5" into Money.
func Parse(s string) (Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("money: empty string")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	parts := strings.SplitN(s, ".", 2)
	whole, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("money: invalid whole part %q: %w", parts[0], err)
	}
	var frac int64
	if len(parts) == 2 {
		fracStr := parts[1]
		if len(fracStr) > 4 {
			fracStr = fracStr[:4]
		}
		for len(fracStr) < 4 {
			fracStr += "0"
		}
		frac, err = strconv.ParseInt(fracStr, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("money: invalid fractional part %q: %w", parts[1], err)
		}
	}
	m := Money(whole*scale + frac)
	if neg {
		m = -m
	}
	return m, nil
}

// Add returns m + other.
func (m Money) Add(other Money) Money { return m + other }

// Sub returns m - other.
func (m Money) Sub(other Money) Money { return m - other }

// Cmp returns -1, 0, or 1 as m is less than, equal to, or greater than other.
func (m Money) Cmp(other Money) int {
	switch {
	case m < other:
		return -1
	case m > other:
		return 1
	default:
		return 0
	}
}

// String renders the value with four fractional digits, e.g. "12.5000".
func (m Money) String() string {
	v := int64(m)
	neg := v < 0
	if neg {
		v = -v
	}
	whole := v / scale
	frac := v % scale
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d.%04d", sign, whole, frac)
}
