// Package schedule implements the cron-like format that workers match ticks
// against.
//
// Format: <second> <minute> <hour> [<day-of-month> <month> <day-of-week>]
//
// Second and minute are 0-59, hour 0-23, day-of-month 1-31, month 1-12 and
// day-of-week 1 (Sunday) to 7 (Saturday). Month and day-of-week also accept
// full names or 3-letter abbreviations, case-insensitively. Each field is "*",
// "*/N", a value, a range "A-B", or a comma-separated list of those. A
// 3-field schedule leaves the date fields as "*".
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is wrapped by every parse failure
var ErrInvalidSchedule = errors.New("invalid schedule")

// Schedule is a parsed six-field schedule. It is immutable and safe for
// concurrent use.
type Schedule struct {
	Second     Part
	Minute     Part
	Hour       Part
	DayOfMonth Part
	Month      Part
	DayOfWeek  Part
}

var _ cron.Schedule = (*Schedule)(nil)

// Parse parses a 3-field or 6-field schedule string
func Parse(text string) (*Schedule, error) {
	fields := strings.Fields(text)
	switch len(fields) {
	case 3:
		fields = append(fields, "*", "*", "*")
	case 6:
	default:
		return nil, fmt.Errorf("%w: expected 3 or 6 fields, got %d in %q", ErrInvalidSchedule, len(fields), text)
	}

	s := &Schedule{}
	targets := []struct {
		dst *Part
		f   field
	}{
		{&s.Second, fieldSecond},
		{&s.Minute, fieldMinute},
		{&s.Hour, fieldHour},
		{&s.DayOfMonth, fieldDayOfMonth},
		{&s.Month, fieldMonth},
		{&s.DayOfWeek, fieldDayOfWeek},
	}
	for i, target := range targets {
		part, err := parsePart(fields[i], target.f)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", text, err)
		}
		*target.dst = part
	}
	return s, nil
}

// MustParse is like Parse but panics on error
func MustParse(text string) *Schedule {
	s, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether t satisfies all six fields, evaluated in t's location
func (s *Schedule) Matches(t time.Time) bool {
	return s.Second.Matches(t.Second()) &&
		s.Minute.Matches(t.Minute()) &&
		s.Hour.Matches(t.Hour()) &&
		s.DayOfMonth.Matches(t.Day()) &&
		s.Month.Matches(int(t.Month())) &&
		s.DayOfWeek.Matches(DayOfWeek(t))
}

// DayOfWeek returns t's weekday as 1 (Sunday) to 7 (Saturday)
func DayOfWeek(t time.Time) int {
	return int(t.Weekday()) + 1
}

func (s *Schedule) String() string {
	return strings.Join([]string{
		s.Second.String(), s.Minute.String(), s.Hour.String(),
		s.DayOfMonth.String(), s.Month.String(), s.DayOfWeek.String(),
	}, " ")
}
