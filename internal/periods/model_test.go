package periods

import (
	"errors"
	"testing"
	"time"
)

func fy2025() Period {
	return Period{
		Company:   1,
		YearStart: time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC),
		YearEnd:   time.Date(2026, time.February, 28, 0, 0, 0, 0, time.UTC),
		Current:   202506,
	}
}

func TestParseCurdt(t *testing.T) {
	c, err := ParseCurdt("202506")
	if err != nil || c != 202506 {
		t.Fatalf("unexpected: %v %v", c, err)
	}
	for _, bad := range []string{"2025", "202513", "abc", "202500"} {
		if _, err := ParseCurdt(bad); !errors.Is(err, ErrInvalidCurdt) {
			t.Fatalf("expected ErrInvalidCurdt for %q, got %v", bad, err)
		}
	}
	if got := Curdt(202502).End(); got.Day() != 28 {
		t.Fatalf("unexpected end of February: %v", got)
	}
}

func TestContainsCurdt(t *testing.T) {
	p := fy2025()
	if !p.ContainsCurdt(202503) || !p.ContainsCurdt(202602) {
		t.Fatalf("expected year boundaries to be contained")
	}
	if p.ContainsCurdt(202502) || p.ContainsCurdt(202603) {
		t.Fatalf("expected months outside the year to be rejected")
	}
}

func TestCheckDate(t *testing.T) {
	p := fy2025()
	cases := []struct {
		name  string
		date  time.Time
		multi bool
		want  error
	}{
		{"same period", time.Date(2025, time.June, 15, 0, 0, 0, 0, time.UTC), false, nil},
		{"earlier period single", time.Date(2025, time.May, 15, 0, 0, 0, 0, time.UTC), false, ErrDateNotInBatch},
		{"earlier period multi", time.Date(2025, time.May, 15, 0, 0, 0, 0, time.UTC), true, nil},
		{"after batch", time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), true, ErrDateAfterBatch},
		{"before year", time.Date(2025, time.February, 28, 0, 0, 0, 0, time.UTC), true, ErrDateOutsideYear},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := p.CheckDate(tc.date, 202506, tc.multi)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}
