// Package money implements fixed-point monetary arithmetic at two decimal places.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits carried by every monetary value.
const Scale = 2

// ErrMalformed indicates the input could not be parsed as an amount.
var ErrMalformed = errors.New("money: malformed amount")

// Zero is the additive identity.
var Zero = decimal.Zero

// Parse converts operator input into an amount. Commas are accepted only
// as thousands separators and at most Scale fractional digits are allowed,
// so "1,2" and "10.005" are rejected rather than reinterpreted.
func Parse(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.ContainsAny(s, "eE") {
		return decimal.Zero, ErrMalformed
	}
	whole, frac, hasPoint := strings.Cut(s, ".")
	if hasPoint && len(frac) > Scale {
		return decimal.Zero, ErrMalformed
	}
	whole, ok := ungroup(whole)
	if !ok {
		return decimal.Zero, ErrMalformed
	}
	if hasPoint {
		whole += "." + frac
	}
	d, err := decimal.NewFromString(whole)
	if err != nil {
		return decimal.Zero, ErrMalformed
	}
	return Round(d), nil
}

// ungroup strips thousands separators from the integer part of an amount.
func ungroup(s string) (string, bool) {
	if !strings.Contains(s, ",") {
		return s, true
	}
	sign := ""
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		sign, s = s[:1], s[1:]
	}
	groups := strings.Split(s, ",")
	if len(groups[0]) == 0 || len(groups[0]) > 3 {
		return "", false
	}
	for _, g := range groups[1:] {
		if len(g) != 3 {
			return "", false
		}
	}
	return sign + strings.Join(groups, ""), true
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Round rounds half away from zero to Scale places.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// Add returns a+b.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Add(b))
}

// Sub returns a-b.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Round(a.Sub(b))
}

// Sum totals the supplied amounts.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return Round(total)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	return decimal.Min(a, b)
}

// SameSign reports whether a and b share a sign. Zero matches either sign.
func SameSign(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.Sign() == b.Sign()
}

// Format renders d with exactly Scale fractional digits.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
