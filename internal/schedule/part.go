package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Field bounds, one per schedule position
type field struct {
	name     string
	min, max int
	names    []string // canonical names, index 0 maps to min
}

var (
	fieldSecond     = field{name: "second", min: 0, max: 59}
	fieldMinute     = field{name: "minute", min: 0, max: 59}
	fieldHour       = field{name: "hour", min: 0, max: 23}
	fieldDayOfMonth = field{name: "day-of-month", min: 1, max: 31}
	fieldMonth      = field{name: "month", min: 1, max: 12, names: []string{
		"january", "february", "march", "april", "may", "june",
		"july", "august", "september", "october", "november", "december",
	}}
	fieldDayOfWeek = field{name: "day-of-week", min: 1, max: 7, names: []string{
		"sunday", "monday", "tuesday", "wednesday", "thursday", "friday", "saturday",
	}}
)

type tokenKind int

const (
	tokenAny tokenKind = iota
	tokenStep
	tokenExact
	tokenRange
)

// token is one comma-separated item of a field. Named items are resolved to
// their numeric index at parse time, so low/high always hold domain values.
type token struct {
	kind      tokenKind
	low, high int
	step      int
	named     bool
}

func (t token) matches(value int) bool {
	switch t.kind {
	case tokenAny:
		return true
	case tokenStep:
		return t.step > 0 && value%t.step == 0
	case tokenExact:
		return value == t.low
	case tokenRange:
		return t.low <= value && value <= t.high
	}
	return false
}

// Part is a single parsed schedule field
type Part struct {
	// Raw is the field text as written
	Raw string

	field  field
	tokens []token
}

// parsePart validates raw against the field domain and tokenizes it
func parsePart(raw string, f field) (Part, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Part{}, fmt.Errorf("%w: empty %s field", ErrInvalidSchedule, f.name)
	}

	part := Part{Raw: raw, field: f}
	for _, item := range strings.Split(raw, ",") {
		tok, err := parseToken(item, f)
		if err != nil {
			return Part{}, err
		}
		part.tokens = append(part.tokens, tok)
	}
	return part, nil
}

func parseToken(item string, f field) (token, error) {
	if item == "" {
		return token{}, fmt.Errorf("%w: empty item in %s field", ErrInvalidSchedule, f.name)
	}
	if item == "*" {
		return token{kind: tokenAny}, nil
	}

	if strings.HasPrefix(item, "*/") {
		n, ok := parseNumber(item[2:])
		if !ok || n <= 0 || n > f.max {
			return token{}, fmt.Errorf("%w: invalid step %q in %s field", ErrInvalidSchedule, item, f.name)
		}
		return token{kind: tokenStep, step: n}, nil
	}

	if low, high, found := strings.Cut(item, "-"); found {
		lo, errLow := f.resolve(low)
		hi, errHigh := f.resolve(high)
		if errLow != nil || errHigh != nil {
			return token{}, fmt.Errorf("%w: invalid range %q in %s field", ErrInvalidSchedule, item, f.name)
		}
		if lo.value > hi.value {
			return token{}, fmt.Errorf("%w: range %q in %s field has low > high", ErrInvalidSchedule, item, f.name)
		}
		return token{kind: tokenRange, low: lo.value, high: hi.value, named: lo.named || hi.named}, nil
	}

	v, err := f.resolve(item)
	if err != nil {
		return token{}, fmt.Errorf("%w: invalid value %q in %s field", ErrInvalidSchedule, item, f.name)
	}
	return token{kind: tokenExact, low: v.value, high: v.value, named: v.named}, nil
}

type resolved struct {
	value int
	named bool
}

// resolve turns a numeric or (for month/day-of-week) named value into a
// domain value
func (f field) resolve(s string) (resolved, error) {
	if n, ok := parseNumber(s); ok {
		if n < f.min || n > f.max {
			return resolved{}, fmt.Errorf("%d out of range [%d, %d]", n, f.min, f.max)
		}
		return resolved{value: n}, nil
	}
	if idx := f.nameIndex(s); idx >= 0 {
		return resolved{value: f.min + idx, named: true}, nil
	}
	return resolved{}, fmt.Errorf("unrecognized value %q", s)
}

// nameIndex matches a full name case-insensitively, or a 3-letter prefix.
// Any other length requires an exact match.
func (f field) nameIndex(s string) int {
	if len(f.names) == 0 || s == "" {
		return -1
	}
	lower := strings.ToLower(s)
	for i, name := range f.names {
		if lower == name {
			return i
		}
		if len(lower) == 3 && strings.HasPrefix(name, lower) {
			return i
		}
	}
	return -1
}

// parseNumber accepts only plain decimal digits, so "-1" and "+1" are rejected
func parseNumber(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Matches reports whether value satisfies the field. Numeric tokens are tried
// first, then named ones.
func (p Part) Matches(value int) bool {
	if value < p.field.min || value > p.field.max {
		return false
	}
	if len(p.tokens) == 0 {
		return true
	}
	for _, tok := range p.tokens {
		if !tok.named && tok.matches(value) {
			return true
		}
	}
	for _, tok := range p.tokens {
		if tok.named && tok.matches(value) {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the field is a bare "*"
func (p Part) IsWildcard() bool {
	return len(p.tokens) == 0 || (len(p.tokens) == 1 && p.tokens[0].kind == tokenAny)
}

func (p Part) String() string {
	if p.Raw == "" {
		return "*"
	}
	return p.Raw
}
