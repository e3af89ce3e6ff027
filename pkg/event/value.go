package event

import (
	"encoding/json"
	"fmt"
	"math"
)

// Kind enumerates the dynamic types a Value can hold.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is the dynamically typed payload stored at an event key. Accessors
// return ErrTypeMismatch when the requested type does not match the stored
// kind, with the exception of numeric cross-type promotion between int and
// float.
type Value struct {
	kind  Kind
	b     bool
	i     int64
	f     float64
	s     string
	bytes []byte
	list  []Value
	m     map[string]Value
}

var ErrTypeMismatch = fmt.Errorf("value is not of the requested type")

func Null() Value                   { return Value{kind: KindNull} }
func BoolValue(b bool) Value        { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value        { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value    { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value    { return Value{kind: KindString, s: s} }
func BytesValue(b []byte) Value     { return Value{kind: KindBytes, bytes: b} }
func ListValue(l []Value) Value     { return Value{kind: KindList, list: l} }
func MapValue(m map[string]Value) Value {
	return Value{kind: KindMap, m: m}
}

// FromInterface converts an arbitrary value, typically obtained from JSON
// decoding, into a Value. Whole floats decoded from JSON remain floats; use
// AsInt for promotion.
func FromInterface(v interface{}) Value {
	switch typed := v.(type) {
	case nil:
		return Null()
	case bool:
		return BoolValue(typed)
	case int:
		return IntValue(int64(typed))
	case int32:
		return IntValue(int64(typed))
	case int64:
		return IntValue(typed)
	case float32:
		return FloatValue(float64(typed))
	case float64:
		return FloatValue(typed)
	case string:
		return StringValue(typed)
	case []byte:
		return BytesValue(typed)
	case json.Number:
		if i, err := typed.Int64(); err == nil {
			return IntValue(i)
		}
		f, _ := typed.Float64()
		return FloatValue(f)
	case []interface{}:
		list := make([]Value, 0, len(typed))
		for _, item := range typed {
			list = append(list, FromInterface(item))
		}
		return ListValue(list)
	case map[string]interface{}:
		m := make(map[string]Value, len(typed))
		for key, item := range typed {
			m[key] = FromInterface(item)
		}
		return MapValue(m)
	case Value:
		return typed
	default:
		return StringValue(fmt.Sprintf("%v", typed))
	}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, fmt.Errorf("%w: have %s, want bool", ErrTypeMismatch, v.kind)
	}
	return v.b, nil
}

func (v Value) AsInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		if v.f == math.Trunc(v.f) {
			return int64(v.f), nil
		}
		return 0, fmt.Errorf("%w: float %v has a fractional part", ErrTypeMismatch, v.f)
	default:
		return 0, fmt.Errorf("%w: have %s, want int", ErrTypeMismatch, v.kind)
	}
}

func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, fmt.Errorf("%w: have %s, want float", ErrTypeMismatch, v.kind)
	}
}

func (v Value) IsNumeric() bool {
	return v.kind == KindInt || v.kind == KindFloat
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", fmt.Errorf("%w: have %s, want string", ErrTypeMismatch, v.kind)
	}
	return v.s, nil
}

func (v Value) AsBytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, fmt.Errorf("%w: have %s, want bytes", ErrTypeMismatch, v.kind)
	}
	return v.bytes, nil
}

func (v Value) AsList() ([]Value, error) {
	if v.kind != KindList {
		return nil, fmt.Errorf("%w: have %s, want list", ErrTypeMismatch, v.kind)
	}
	return v.list, nil
}

func (v Value) AsMap() (map[string]Value, error) {
	if v.kind != KindMap {
		return nil, fmt.Errorf("%w: have %s, want map", ErrTypeMismatch, v.kind)
	}
	return v.m, nil
}

// Render returns the string form of the value used when concatenating
// identification keys for peer forwarding.
func (v Value) Render() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindBytes:
		return string(v.bytes)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindNull:
		return ""
	default:
		return fmt.Sprintf("%v", v.ToInterface())
	}
}

// ToInterface converts the value back to the plain representation used for
// JSON serialization.
func (v Value) ToInterface() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return v.bytes
	case KindList:
		list := make([]interface{}, 0, len(v.list))
		for _, item := range v.list {
			list = append(list, item.ToInterface())
		}
		return list
	case KindMap:
		m := make(map[string]interface{}, len(v.m))
		for key, item := range v.m {
			m[key] = item.ToInterface()
		}
		return m
	default:
		return nil
	}
}

// Equal compares two values. Numeric values compare as float to avoid
// int/float mismatches.
func (v Value) Equal(other Value) bool {
	if v.IsNumeric() && other.IsNumeric() {
		lhs, _ := v.AsFloat()
		rhs, _ := other.AsFloat()
		return lhs == rhs
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindBytes:
		return string(v.bytes) == string(other.bytes)
	case KindList:
		if len(v.list) != len(other.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(other.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(other.m) {
			return false
		}
		for key, item := range v.m {
			otherItem, ok := other.m[key]
			if !ok || !item.Equal(otherItem) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
