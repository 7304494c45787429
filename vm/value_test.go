package vm

import (
	"math"
	"testing"
)

// ---------------------------------------------------------------------------
// Value representation tests
// ---------------------------------------------------------------------------

func TestValueScalarTags(t *testing.T) {
	tests := []struct {
		name string
		v    Value
		tag  Tag
	}{
		{"null", Null, TagNull},
		{"undefined", Undefined, TagUndefined},
		{"true", True, TagBool},
		{"false", False, TagBool},
		{"uninitialized", Uninitialized, TagUninitialized},
		{"exception", Exception, TagException},
		{"int", NewInt32(42), TagInt},
		{"negative int", NewInt32(-1), TagInt},
		{"float", NewFloat64(3.5), TagFloat64},
		{"catch offset", NewCatchOffset(7), TagCatchOffset},
	}
	for _, tt := range tests {
		if got := tt.v.Tag(); got != tt.tag {
			t.Errorf("%s: Tag() = %d, want %d", tt.name, got, tt.tag)
		}
		if tt.v.HasRefCount() {
			t.Errorf("%s: scalar value reports a reference count", tt.name)
		}
	}
}

func TestValueShortBigIntRoundtrip(t *testing.T) {
	for _, n := range []int32{0, 1, -1, 42, math.MaxInt32, math.MinInt32} {
		v := NewShortBigInt(n)
		if !v.IsShortBigInt() {
			t.Fatalf("NewShortBigInt(%d) is not a short bigint", n)
		}
		if got := v.Tag(); got != TagShortBigInt {
			t.Fatalf("NewShortBigInt(%d): Tag() = %d, want %d", n, got, TagShortBigInt)
		}
		if v.HasRefCount() {
			t.Fatalf("short bigint %d reports a reference count", n)
		}
		if got := v.ShortBigInt(); got != n {
			t.Errorf("ShortBigInt() = %d, want %d", got, n)
		}
	}
	// Floats may carry the sign bit; none of them may classify as bigints.
	for _, f := range []float64{-1.5, math.Inf(-1), math.NaN(), math.Copysign(0, -1)} {
		if v := NewFloat64(f); v.IsShortBigInt() {
			t.Errorf("NewFloat64(%v) classifies as a short bigint", f)
		}
	}
}

func TestValueInt32Roundtrip(t *testing.T) {
	for _, n := range []int32{0, 1, -1, 42, math.MaxInt32, math.MinInt32} {
		v := NewInt32(n)
		if !v.IsInt() {
			t.Fatalf("NewInt32(%d) is not an int", n)
		}
		if got := v.Int32(); got != n {
			t.Errorf("Int32() = %d, want %d", got, n)
		}
	}
}

func TestValueFloat64Roundtrip(t *testing.T) {
	for _, f := range []float64{0, 1.5, -2.25, math.MaxFloat64, math.SmallestNonzeroFloat64, math.Inf(1), math.Inf(-1)} {
		v := NewFloat64(f)
		if !v.IsFloat() {
			t.Fatalf("NewFloat64(%v) is not a float", f)
		}
		if got := v.Float64(); got != f {
			t.Errorf("Float64() = %v, want %v", got, f)
		}
	}
}

func TestValueNaNCanonicalized(t *testing.T) {
	weird := math.Float64frombits(0x7FF8DEADBEEF0001)
	v := NewFloat64(weird)
	if !v.IsFloat() {
		t.Fatal("NaN did not stay a float")
	}
	if got := v.Float64(); !math.IsNaN(got) {
		t.Errorf("Float64() = %v, want NaN", got)
	}
	// All NaN inputs collapse to one representation so payloads can never
	// forge a heap handle.
	if NewFloat64(math.NaN()) != v {
		t.Error("distinct NaN payloads produced distinct values")
	}
}

func TestValueBool(t *testing.T) {
	if !NewBool(true).Bool() {
		t.Error("NewBool(true).Bool() = false")
	}
	if NewBool(false).Bool() {
		t.Error("NewBool(false).Bool() = true")
	}
	if NewBool(true) != True || NewBool(false) != False {
		t.Error("NewBool does not produce the canonical values")
	}
}

func TestValueCatchOffset(t *testing.T) {
	for _, off := range []int32{0, 1, 1 << 20} {
		v := NewCatchOffset(off)
		if !v.IsCatchOffset() {
			t.Fatalf("NewCatchOffset(%d) has wrong kind", off)
		}
		if got := v.CatchOffset(); got != off {
			t.Errorf("CatchOffset() = %d, want %d", got, off)
		}
	}
}

func TestHeapValuePredicates(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	ctx := rt.NewContext()
	defer ctx.Free()

	str := ctx.NewString("hello")
	defer rt.FreeValue(str)
	if !str.IsString() || !str.HasRefCount() || str.Tag() != TagString {
		t.Error("string cell predicates wrong")
	}

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)
	if !obj.IsObject() || obj.Tag() != TagObject {
		t.Error("object cell predicates wrong")
	}

	sym := ctx.NewSymbol("marker")
	defer rt.FreeValue(sym)
	if !sym.IsSymbol() || sym.Tag() != TagSymbol {
		t.Error("symbol cell predicates wrong")
	}
	if rt.SymbolDescription(sym) != "marker" {
		t.Errorf("SymbolDescription = %q, want %q", rt.SymbolDescription(sym), "marker")
	}
}
