// Package value defines the dynamically typed values held by a status tree.
//
// A Value is a closed sum type:
//
//	Null | Bool | Int | Float | String | Map
//
// The zero Value is Null. Map values own their entries; constructors and
// accessors copy, so a Value obtained from a store can never be used to
// mutate the store.
package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
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
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	m    map[string]Value
}

func Null() Value { return Value{} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func EmptyMap() Value { return Value{kind: KindMap, m: map[string]Value{}} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) IsMap() bool { return v.kind == KindMap }

// IsScalar is true for every kind except Map, Null included.
func (v Value) IsScalar() bool { return v.kind != KindMap }

// Map builds a Map value from m. Entries are deep-copied.
func Map(m map[string]Value) Value {
	out := make(map[string]Value, len(m))
	for k, e := range m {
		out[k] = e.Clone()
	}
	return Value{kind: KindMap, m: out}
}

// Wrap builds a Map value that takes ownership of m. The caller must not
// touch m afterwards.
func Wrap(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// AsFloat returns the numeric value of an Int or Float.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	default:
		return 0, false
	}
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

// Len returns the number of entries of a Map, 0 otherwise.
func (v Value) Len() int {
	if v.kind != KindMap {
		return 0
	}
	return len(v.m)
}

// Keys returns the sorted keys of a Map (nil for scalars).
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Field returns a copy of entry k of a Map.
func (v Value) Field(k string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	e, ok := v.m[k]
	if !ok {
		return Value{}, false
	}
	return e.Clone(), true
}

// Fields returns a deep copy of the entries of a Map (nil for scalars).
func (v Value) Fields() map[string]Value {
	if v.kind != KindMap {
		return nil
	}
	out := make(map[string]Value, len(v.m))
	for k, e := range v.m {
		out[k] = e.Clone()
	}
	return out
}

// Range calls fn for each entry of a Map in sorted key order.
// The Values passed to fn share storage with v and must not be retained
// across mutations of the owner.
func (v Value) Range(fn func(k string, e Value) bool) {
	for _, k := range v.Keys() {
		if !fn(k, v.m[k]) {
			return
		}
	}
}

func (v Value) Clone() Value {
	if v.kind != KindMap {
		return v
	}
	return Map(v.m)
}

// Equal reports deep equality. Floats compare by bit pattern so NaN and -0
// round trips are checkable.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return math.Float64bits(v.f) == math.Float64bits(o.f)
	case KindString:
		return v.s == o.s
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v to plain Go values:
// nil, bool, int64, float64, string, map[string]any.
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.s)
	case KindFloat:
		return formatFloat(v.f)
	case KindMap:
		var b strings.Builder
		b.WriteString("{")
		for i, k := range v.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(k)
			b.WriteString(": ")
			b.WriteString(v.m[k].String())
		}
		b.WriteString("}")
		return b.String()
	default:
		return fmt.Sprint(v.Interface())
	}
}

// FromAny converts a Go value into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t.Clone(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return String(t), nil
	case map[string]Value:
		return Map(t), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return Value{kind: KindMap, m: out}, nil
	case map[string]string:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = String(e)
		}
		return Value{kind: KindMap, m: out}, nil
	case map[string]int:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = Int(int64(e))
		}
		return Value{kind: KindMap, m: out}, nil
	case map[string]float64:
		out := make(map[string]Value, len(t))
		for k, e := range t {
			out[k] = Float(e)
		}
		return Value{kind: KindMap, m: out}, nil
	default:
		return Value{}, fmt.Errorf("value: unsupported type %T", x)
	}
}

// Must is FromAny for literals known to be convertible; it panics otherwise.
func Must(x any) Value {
	v, err := FromAny(x)
	if err != nil {
		panic(err)
	}
	return v
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("value: %d overflows int64", u)
	}
	return Int(int64(u)), nil
}
