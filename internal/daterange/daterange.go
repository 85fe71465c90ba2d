package daterange

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Layout is the calendar-date format accepted and produced by this package.
const Layout = "2006-01-02"

// ErrMalformedDate is returned when a boundary is not a YYYY-MM-DD calendar date.
var ErrMalformedDate = errors.New("malformed date")

var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Range is an inclusive, immutable span of calendar days.
type Range struct {
	start time.Time
	end   time.Time
	days  []string
	index map[string]struct{}
}

// Parse validates both boundaries and materializes every day between them.
// A start after end yields an empty range, not an error.
func Parse(start, end string) (Range, error) {
	s, err := parseDay(start)
	if err != nil {
		return Range{}, err
	}
	e, err := parseDay(end)
	if err != nil {
		return Range{}, err
	}

	r := Range{start: s, end: e, index: make(map[string]struct{})}
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		day := d.Format(Layout)
		r.days = append(r.days, day)
		r.index[day] = struct{}{}
	}
	return r, nil
}

// Default returns the range the CLI uses when no dates are given: yesterday through today.
func Default(now time.Time) (string, string) {
	today := now.UTC()
	return today.AddDate(0, 0, -1).Format(Layout), today.Format(Layout)
}

func parseDay(value string) (time.Time, error) {
	if !datePattern.MatchString(value) {
		return time.Time{}, errors.Wrapf(ErrMalformedDate, "%q does not match YYYY-MM-DD", value)
	}
	t, err := time.Parse(Layout, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(ErrMalformedDate, "%q is not a calendar date", value)
	}
	return t, nil
}

// Days returns a copy of the ordered day strings.
func (r Range) Days() []string {
	out := make([]string, len(r.days))
	copy(out, r.days)
	return out
}

// Contains reports whether day (YYYY-MM-DD) is one of the range's days.
func (r Range) Contains(day string) bool {
	_, ok := r.index[day]
	return ok
}

func (r Range) Len() int { return len(r.days) }

func (r Range) Empty() bool { return len(r.days) == 0 }

func (r Range) Start() string { return r.start.Format(Layout) }

func (r Range) End() string { return r.end.Format(Layout) }

func (r Range) String() string {
	if r.Empty() {
		return fmt.Sprintf("%s..%s (empty)", r.Start(), r.End())
	}
	return fmt.Sprintf("%s..%s (%d days)", r.Start(), r.End(), len(r.days))
}

// Datenum converts an 8-digit YYYYMMDD string into YYYY-MM-DD.
// ok is false when the input is not exactly eight ASCII digits.
func Datenum(s string) (day string, ok bool) {
	if len(s) != 8 || strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return "", false
	}
	return s[:4] + "-" + s[4:6] + "-" + s[6:8], true
}
