package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FloatTag is the key of the object that carries a NaN or infinite Float
// through JSON: {"$float":"NaN"}, {"$float":"+Inf"} or {"$float":"-Inf"}.
const FloatTag = "$float"

// MarshalJSON encodes v so that UnmarshalJSON reproduces it exactly: floats
// always carry a fraction or exponent, integers never do.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.appendJSON(nil)
}

func (v Value) appendJSON(buf []byte) ([]byte, error) {
	switch v.kind {
	case KindNull:
		return append(buf, "null"...), nil
	case KindBool:
		return strconv.AppendBool(buf, v.b), nil
	case KindInt:
		return strconv.AppendInt(buf, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			buf = append(buf, `{"`+FloatTag+`":"`...)
			buf = strconv.AppendFloat(buf, v.f, 'g', -1, 64)
			return append(buf, `"}`...), nil
		}
		return append(buf, formatFloat(v.f)...), nil
	case KindString:
		b, err := json.Marshal(v.s)
		if err != nil {
			return nil, err
		}
		return append(buf, b...), nil
	case KindMap:
		buf = append(buf, '{')
		for i, k := range v.Keys() {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = v.m[k].appendJSON(buf)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
		}
		return append(buf, '}'), nil
	}
	return nil, fmt.Errorf("value: unknown kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	out, err := fromJSON(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Decode parses a JSON document into a Value.
func Decode(data []byte) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON(data); err != nil {
		return Value{}, err
	}
	return v, nil
}

func fromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return parseNumber(string(t))
	case map[string]any:
		if f, ok := taggedFloat(t); ok {
			return Float(f), nil
		}
		out := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromJSON(e)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = ev
		}
		return Value{kind: KindMap, m: out}, nil
	default:
		return Value{}, fmt.Errorf("value: unsupported JSON element %T", raw)
	}
}

func taggedFloat(m map[string]any) (float64, bool) {
	if len(m) != 1 {
		return 0, false
	}
	s, ok := m[FloatTag].(string)
	if !ok {
		return 0, false
	}
	switch s {
	case "NaN":
		return math.NaN(), true
	case "+Inf":
		return math.Inf(1), true
	case "-Inf":
		return math.Inf(-1), true
	}
	return 0, false
}

func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("value: bad number %q: %w", s, err)
	}
	return Float(f), nil
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eEnN") {
		s += ".0"
	}
	return s
}
