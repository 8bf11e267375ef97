package evaluator

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// CoerceToString renders a value the way it appears in normalized tick tags.
// Times use RFC 3339 like their JSON form.
func CoerceToString(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case json.Number:
		return v.String()
	}
	return fmt.Sprintf("%v", value)
}

// CoerceToNumber converts a value to float64. Expected values may arrive as
// any integer width after a round trip through Mongo.
func CoerceToNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		num, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert string '%s' to number", v)
		}
		return num, nil
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	}
	return 0, fmt.Errorf("cannot convert %T to number", value)
}

// CoerceToList returns the elements of any slice or array value. Lists decoded
// from Mongo are primitive.A, not []interface{}.
func CoerceToList(value interface{}) ([]interface{}, bool) {
	if list, ok := value.([]interface{}); ok {
		return list, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]interface{}, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

// CoerceToBool converts a value to boolean
func CoerceToBool(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off", "":
			return false
		}
		return true
	}
	if n, err := CoerceToNumber(value); err == nil {
		return n != 0
	}
	return true
}

// AreEqual compares two values, numerically when both are numbers, then as
// booleans, then as strings
func AreEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	numA, errA := CoerceToNumber(a)
	numB, errB := CoerceToNumber(b)
	if errA == nil && errB == nil {
		return numA == numB
	}

	if boolA, ok := a.(bool); ok {
		return boolA == CoerceToBool(b)
	}
	if boolB, ok := b.(bool); ok {
		return CoerceToBool(a) == boolB
	}

	return CoerceToString(a) == CoerceToString(b)
}

// CompareNumbers returns -1, 0 or 1 comparing a and b as numbers
func CompareNumbers(a, b interface{}) (int, error) {
	numA, err := CoerceToNumber(a)
	if err != nil {
		return 0, fmt.Errorf("cannot compare: left value - %w", err)
	}
	numB, err := CoerceToNumber(b)
	if err != nil {
		return 0, fmt.Errorf("cannot compare: right value - %w", err)
	}

	switch {
	case numA < numB:
		return -1, nil
	case numA > numB:
		return 1, nil
	}
	return 0, nil
}
