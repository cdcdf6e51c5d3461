package types

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"
)

// ValueType tags the declared type of a parameter or state value.
type ValueType string

// The supported value types. Wire values are decoded JSON, so int and
// double both arrive as float64; the declared type decides validation.
const (
	ValueTypeBool      ValueType = "bool"
	ValueTypeInt       ValueType = "int"
	ValueTypeDouble    ValueType = "double"
	ValueTypeString    ValueType = "string"
	ValueTypeBytes     ValueType = "bytes"
	ValueTypeUUID      ValueType = "uuid"
	ValueTypeTimestamp ValueType = "timestamp"
)

// ParseValueType converts a config or wire string to a ValueType.
func ParseValueType(s string) (ValueType, error) {
	switch ValueType(s) {
	case ValueTypeBool, ValueTypeInt, ValueTypeDouble, ValueTypeString,
		ValueTypeBytes, ValueTypeUUID, ValueTypeTimestamp:
		return ValueType(s), nil
	}
	return "", fmt.Errorf("unknown value type %q", s)
}

// TypeMatches reports whether v is acceptable for the declared type.
// Numeric widening holds between int and double only: an int state can
// receive 7.0 but never "7".
func (t ValueType) TypeMatches(v any) bool {
	switch t {
	case ValueTypeBool:
		_, ok := v.(bool)
		return ok
	case ValueTypeInt:
		f, ok := toFloat(v)
		return ok && math.Trunc(f) == f
	case ValueTypeDouble, ValueTypeTimestamp:
		_, ok := toFloat(v)
		return ok
	case ValueTypeString, ValueTypeBytes:
		_, ok := v.(string)
		return ok
	case ValueTypeUUID:
		s, ok := v.(string)
		return ok && validUUID(s)
	}
	return false
}

// ValueOperator is the comparison applied by descriptors. The constants
// are the wire enum names.
type ValueOperator string

// The comparison operators.
const (
	ValueOperatorEquals         ValueOperator = "ValueOperatorEquals"
	ValueOperatorNotEquals      ValueOperator = "ValueOperatorNotEquals"
	ValueOperatorLess           ValueOperator = "ValueOperatorLess"
	ValueOperatorGreater        ValueOperator = "ValueOperatorGreater"
	ValueOperatorLessOrEqual    ValueOperator = "ValueOperatorLessOrEqual"
	ValueOperatorGreaterOrEqual ValueOperator = "ValueOperatorGreaterOrEqual"
)

// ParseValueOperator converts a wire string to a ValueOperator.
func ParseValueOperator(s string) (ValueOperator, error) {
	switch ValueOperator(s) {
	case ValueOperatorEquals, ValueOperatorNotEquals, ValueOperatorLess,
		ValueOperatorGreater, ValueOperatorLessOrEqual, ValueOperatorGreaterOrEqual:
		return ValueOperator(s), nil
	}
	return "", fmt.Errorf("unknown value operator %q", s)
}

// Compare evaluates "have op want". Equality is loose across int/double
// but strict across categories: strings never compare numerically, and a
// category mismatch is simply false (not an error), matching descriptor
// semantics where a mistyped filter never fires.
func Compare(op ValueOperator, have, want any) bool {
	switch op {
	case ValueOperatorEquals:
		return looseEqual(have, want)
	case ValueOperatorNotEquals:
		return !looseEqual(have, want)
	case ValueOperatorLess, ValueOperatorGreater,
		ValueOperatorLessOrEqual, ValueOperatorGreaterOrEqual:
		if l, okL := toFloat(have); okL {
			if r, okR := toFloat(want); okR {
				return ordered(op, l, r)
			}
			return false
		}
		ls, okL := have.(string)
		rs, okR := want.(string)
		if !okL || !okR {
			return false
		}
		switch op {
		case ValueOperatorLess:
			return ls < rs
		case ValueOperatorGreater:
			return ls > rs
		case ValueOperatorLessOrEqual:
			return ls <= rs
		case ValueOperatorGreaterOrEqual:
			return ls >= rs
		}
	}
	return false
}

func ordered(op ValueOperator, left, right float64) bool {
	switch op {
	case ValueOperatorLess:
		return left < right
	case ValueOperatorGreater:
		return left > right
	case ValueOperatorLessOrEqual:
		return left <= right
	case ValueOperatorGreaterOrEqual:
		return left >= right
	}
	return false
}

func looseEqual(a, b any) bool {
	// Normalize numbers (JSON unmarshalling yields float64).
	fa, oka := toFloat(a)
	fb, okb := toFloat(b)
	if oka || okb {
		if !(oka && okb) {
			return false
		}
		return math.Abs(fa-fb) < 1e-9
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ba == bb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case time.Time:
		return float64(t.Unix()), true
	default:
		return 0, false
	}
}
