// Package vat resolves date-bounded VAT rates and splits gross amounts into
// exclusive and tax portions.
package vat

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// ErrRateNotFound indicates no rate covers the requested code and date.
	ErrRateNotFound = errors.New("vat: rate not found")
	// ErrInvalidRate indicates a configured percentage outside [0, 100].
	ErrInvalidRate = errors.New("vat: rate outside 0-100")
)

var upper = cases.Upper(language.Und)

// Rate is a tax percentage valid over an inclusive date window.
type Rate struct {
	Code          string          `json:"code"`
	Description   string          `json:"description,omitempty"`
	Percent       decimal.Decimal `json:"percent"`
	EffectiveFrom time.Time       `json:"effective_from"`
	EffectiveTo   *time.Time      `json:"effective_to,omitempty"`
}

// Covers reports whether asOf falls inside the rate window.
func (r Rate) Covers(asOf time.Time) bool {
	day := truncateDay(asOf)
	if day.Before(truncateDay(r.EffectiveFrom)) {
		return false
	}
	if r.EffectiveTo != nil && day.After(truncateDay(*r.EffectiveTo)) {
		return false
	}
	return true
}

// NormalizeCode canonicalises an operator-entered tax code.
func NormalizeCode(code string) string {
	return upper.String(strings.TrimSpace(code))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
