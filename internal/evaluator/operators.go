package evaluator

import (
	"fmt"
	"regexp"
	"strings"
)

type operatorFunc func(extracted, expected interface{}) (bool, error)

var operators = map[string]operatorFunc{
	"eq":       func(a, b interface{}) (bool, error) { return AreEqual(a, b), nil },
	"ne":       func(a, b interface{}) (bool, error) { return !AreEqual(a, b), nil },
	"gt":       compareWith(func(c int) bool { return c > 0 }),
	"lt":       compareWith(func(c int) bool { return c < 0 }),
	"gte":      compareWith(func(c int) bool { return c >= 0 }),
	"lte":      compareWith(func(c int) bool { return c <= 0 }),
	"contains": contains,
	"exists":   func(a, _ interface{}) (bool, error) { return a != nil, nil },
	"regex":    matchRegex,
	"in":       in,
}

// EvaluateOperator applies operator to the extracted and expected values
func EvaluateOperator(operator string, extracted, expected interface{}) (bool, error) {
	fn, ok := operators[strings.ToLower(operator)]
	if !ok {
		return false, fmt.Errorf("unknown operator: %s", operator)
	}
	return fn(extracted, expected)
}

func compareWith(accept func(int) bool) operatorFunc {
	return func(extracted, expected interface{}) (bool, error) {
		cmp, err := CompareNumbers(extracted, expected)
		if err != nil {
			return false, err
		}
		return accept(cmp), nil
	}
}

// contains checks array membership, or substring for scalars
func contains(extracted, expected interface{}) (bool, error) {
	if arr, ok := CoerceToList(extracted); ok {
		for _, item := range arr {
			if AreEqual(item, expected) {
				return true, nil
			}
		}
		return false, nil
	}
	return strings.Contains(CoerceToString(extracted), CoerceToString(expected)), nil
}

// in checks that extracted equals one element of the expected list
func in(extracted, expected interface{}) (bool, error) {
	list, ok := CoerceToList(expected)
	if !ok {
		return false, fmt.Errorf("operator in expects a list, got %T", expected)
	}
	for _, item := range list {
		if AreEqual(extracted, item) {
			return true, nil
		}
	}
	return false, nil
}

func matchRegex(extracted, expected interface{}) (bool, error) {
	pattern := CoerceToString(expected)
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid regex pattern '%s': %w", pattern, err)
	}
	return re.MatchString(CoerceToString(extracted)), nil
}
