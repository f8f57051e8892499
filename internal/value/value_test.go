package value

import (
	"math"
	"testing"
)

func TestJSONRoundTripPreservesKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{name: "null", in: Null(), want: "null"},
		{name: "bool", in: Bool(true), want: "true"},
		{name: "int", in: Int(-42), want: "-42"},
		{name: "whole float", in: Float(3), want: "3.0"},
		{name: "float", in: Float(0.25), want: "0.25"},
		{name: "nan", in: Float(math.NaN()), want: `{"$float":"NaN"}`},
		{name: "+inf", in: Float(math.Inf(1)), want: `{"$float":"+Inf"}`},
		{name: "-inf", in: Float(math.Inf(-1)), want: `{"$float":"-Inf"}`},
		{name: "big float", in: Float(1e21), want: "1e+21"},
		{name: "string", in: String("a\"b"), want: `"a\"b"`},
		{name: "map", in: Must(map[string]any{"b": 1, "a": map[string]any{"x": 1.5}}), want: `{"a":{"x":1.5},"b":1}`},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.in.MarshalJSON()
			if err != nil {
				t.Fatalf("MarshalJSON error: %v", err)
			}
			if string(b) != tt.want {
				t.Fatalf("MarshalJSON = %s, want %s", b, tt.want)
			}
			got, err := Decode(b)
			if err != nil {
				t.Fatalf("Decode(%s) error: %v", b, err)
			}
			if !got.Equal(tt.in) {
				t.Fatalf("round trip = %v (%v), want %v (%v)", got, got.Kind(), tt.in, tt.in.Kind())
			}
		})
	}
}

func TestNonFiniteFloatsNestInMaps(t *testing.T) {
	t.Parallel()
	in := Wrap(map[string]Value{"sensor": Wrap(map[string]Value{"t": Float(math.NaN()), "hi": Float(math.Inf(1))})})
	b, err := in.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON error: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode(%s) error: %v", b, err)
	}
	if !got.Equal(in) {
		t.Fatalf("round trip = %v, want %v", got, in)
	}

	// Only the exact tagged shape decodes as a float.
	for _, doc := range []string{`{"$float":"nan"}`, `{"$float":"NaN","x":1}`, `{"$float":1.5}`} {
		v, err := Decode([]byte(doc))
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", doc, err)
		}
		if !v.IsMap() {
			t.Fatalf("Decode(%s) = %v (%v), want map", doc, v, v.Kind())
		}
	}
}

func TestDecodeRejectsArrays(t *testing.T) {
	t.Parallel()
	if _, err := Decode([]byte(`{"a":[1,2]}`)); err == nil {
		t.Fatal("expected error for array element")
	}
}

func TestDecodeLargeIntegerFallsBackToFloat(t *testing.T) {
	t.Parallel()
	v, err := Decode([]byte("123456789012345678901234"))
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	if v.Kind() != KindFloat {
		t.Fatalf("Kind = %v, want float", v.Kind())
	}
}

func TestFromAnyConversions(t *testing.T) {
	t.Parallel()
	v, err := FromAny(map[string]any{"n": uint8(7), "s": "x", "f": float32(0.5), "nil": nil})
	if err != nil {
		t.Fatalf("FromAny error: %v", err)
	}
	if n, ok := mustField(t, v, "n").AsInt(); !ok || n != 7 {
		t.Fatalf("n = %v (ok=%v), want 7", n, ok)
	}
	if !mustField(t, v, "nil").IsNull() {
		t.Fatalf("nil entry is not Null")
	}
	if _, err := FromAny(uint64(math.MaxUint64)); err == nil {
		t.Fatal("expected overflow error")
	}
	if _, err := FromAny([]int{1}); err == nil {
		t.Fatal("expected error for slice")
	}
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()
	orig := Must(map[string]any{"a": map[string]any{"b": 1}})
	cp := orig.Clone()
	inner := cp.m["a"]
	inner.m["b"] = Int(2)

	if !orig.Equal(Must(map[string]any{"a": map[string]any{"b": 1}})) {
		t.Fatalf("mutating clone changed original: %v", orig)
	}
}

func TestEqualDistinguishesIntAndFloat(t *testing.T) {
	t.Parallel()
	if Int(1).Equal(Float(1)) {
		t.Fatal("Int(1) must not equal Float(1)")
	}
	if !Float(math.NaN()).Equal(Float(math.NaN())) {
		t.Fatal("NaN should equal itself by bit pattern")
	}
}

func TestKeysSorted(t *testing.T) {
	t.Parallel()
	v := Must(map[string]int{"c": 1, "a": 2, "b": 3})
	got := v.Keys()
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Keys = %v, want %v", got, want)
		}
	}
	if Int(1).Keys() != nil {
		t.Fatal("scalar Keys should be nil")
	}
}

func mustField(t *testing.T, v Value, k string) Value {
	t.Helper()
	e, ok := v.Field(k)
	if !ok {
		t.Fatalf("missing field %q in %v", k, v)
	}
	return e
}
