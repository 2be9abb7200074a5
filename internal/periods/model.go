// Package periods models the financial year of a company and its year-month
// sub-periods (curdt).
package periods

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	// ErrPeriodNotFound indicates the company has no open financial year.
	ErrPeriodNotFound = errors.New("periods: no open financial year")
	// ErrInvalidCurdt indicates a malformed yyyymm value.
	ErrInvalidCurdt = errors.New("periods: invalid curdt")
	// ErrDateOutsideYear indicates a date outside the open financial year.
	ErrDateOutsideYear = errors.New("periods: date outside financial year")
	// ErrDateAfterBatch indicates a date later than the batch sub-period.
	ErrDateAfterBatch = errors.New("periods: date after batch period")
	// ErrDateNotInBatch indicates a date outside a single-period batch.
	ErrDateNotInBatch = errors.New("periods: date not in batch period")
)

// Curdt is a year-month sub-period encoded as yyyymm.
type Curdt int

// CurdtOf returns the sub-period containing t.
func CurdtOf(t time.Time) Curdt {
	return Curdt(t.Year()*100 + int(t.Month()))
}

// ParseCurdt parses a yyyymm string.
func ParseCurdt(s string) (Curdt, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurdt, s)
	}
	c := Curdt(n)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurdt, s)
	}
	return c, nil
}

// Year of the sub-period.
func (c Curdt) Year() int { return int(c) / 100 }

// Month of the sub-period.
func (c Curdt) Month() time.Month { return time.Month(int(c) % 100) }

// Valid reports whether c encodes a real year and month.
func (c Curdt) Valid() bool {
	m := int(c) % 100
	return c.Year() >= 1900 && c.Year() <= 9999 && m >= 1 && m <= 12
}

// Start returns the first day of the sub-period.
func (c Curdt) Start() time.Time {
	return time.Date(c.Year(), c.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the sub-period.
func (c Curdt) End() time.Time {
	return c.Start().AddDate(0, 1, -1)
}

func (c Curdt) String() string {
	return strconv.Itoa(int(c))
}

// Period is the open financial year of a company.
type Period struct {
	Company   int64
	YearStart time.Time
	YearEnd   time.Time
	Current   Curdt
}

// ContainsDate reports whether d falls inside the financial year.
func (p Period) ContainsDate(d time.Time) bool {
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	return !day.Before(p.YearStart) && !day.After(p.YearEnd)
}

// ContainsCurdt reports whether the whole sub-period lies inside the year.
func (p Period) ContainsCurdt(c Curdt) bool {
	return c.Valid() && p.ContainsDate(c.Start()) && p.ContainsDate(c.End())
}

// CheckDate validates a transaction date against the year and the batch
// sub-period. Multi-period batches accept any earlier sub-period of the year.
func (p Period) CheckDate(d time.Time, batch Curdt, multi bool) error {
	if !p.ContainsDate(d) {
		return ErrDateOutsideYear
	}
	c := CurdtOf(d)
	if c > batch {
		return ErrDateAfterBatch
	}
	if !multi && c != batch {
		return ErrDateNotInBatch
	}
	return nil
}
