package query

import (
	"regexp"

	"github.com/pkg/errors"

	"github.com/stanstork/bqrunner/internal/daterange"
)

// DatenumGroup is the capture group name holding the YYYYMMDD table suffix.
const DatenumGroup = "datenum"

var ErrInvalidPattern = errors.New("invalid table match pattern")

// Matcher decides whether a table name follows a naming convention and
// carries a date inside a range.
type Matcher struct {
	pattern string
	re      *regexp.Regexp
	group   int
}

// NewMatcher compiles pattern. The pattern is anchored at the start of the
// table name and must define exactly one (?P<datenum>...) group.
func NewMatcher(pattern string) (*Matcher, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)`)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPattern, "compile %q: %v", pattern, err)
	}

	group, count := -1, 0
	for i, name := range re.SubexpNames() {
		if name == DatenumGroup {
			group = i
			count++
		}
	}
	if count != 1 {
		return nil, errors.Wrapf(ErrInvalidPattern, "%q must define exactly one (?P<%s>...) group, found %d", pattern, DatenumGroup, count)
	}

	return &Matcher{pattern: pattern, re: re, group: group}, nil
}

func (m *Matcher) String() string { return m.pattern }

// Datenum extracts the table's date as YYYY-MM-DD. ok is false when the name
// does not follow the pattern or the capture is not exactly eight digits.
func (m *Matcher) Datenum(table string) (day string, ok bool) {
	loc := m.re.FindStringSubmatchIndex(table)
	if loc == nil {
		return "", false
	}
	start, end := loc[2*m.group], loc[2*m.group+1]
	if start < 0 {
		return "", false
	}
	return daterange.Datenum(table[start:end])
}

// Matches reports whether table follows the pattern and its date is one of
// the range's days. An impossible date such as 99999999 is never in a range
// and so is a plain non-match.
func (m *Matcher) Matches(table string, r daterange.Range) bool {
	day, ok := m.Datenum(table)
	if !ok {
		return false
	}
	return r.Contains(day)
}
