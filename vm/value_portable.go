//go:build portable

package vm

import "math"

// Value represents a runtime value using a portable tagged struct. This
// encoding is selectable with the "portable" build tag and observably
// identical to the default NaN-boxed encoding, at the cost of a wider
// in-memory representation.
type Value struct {
	tag Tag
	f   float64
	u   uint64 // int payload, special id, catch offset, or heap handle
}

// Tag identifies the kind of a value handle. Negative tags are heap
// allocated reference-counted payloads; non-negative tags are inline
// scalars. Module and FunctionBytecode are object classes at the encoding
// level; Runtime.ValueTag refines TagObject to them by class.
type Tag int32

const (
	TagFirst            Tag = -9
	TagBigInt           Tag = -9
	TagSymbol           Tag = -8
	TagString           Tag = -7
	TagModule           Tag = -3
	TagFunctionBytecode Tag = -2
	TagObject           Tag = -1

	TagInt           Tag = 0
	TagBool          Tag = 1
	TagNull          Tag = 2
	TagUndefined     Tag = 3
	TagUninitialized Tag = 4
	TagCatchOffset   Tag = 5
	TagException     Tag = 6
	TagShortBigInt   Tag = 7
	TagFloat64       Tag = 8
)

const (
	specialFalseBit uint64 = 0
	specialTrueBit  uint64 = 1
)

// Pre-defined special values
var (
	Null          = Value{tag: TagNull}
	Undefined     = Value{tag: TagUndefined}
	True          = Value{tag: TagBool, u: specialTrueBit}
	False         = Value{tag: TagBool, u: specialFalseBit}
	Uninitialized = Value{tag: TagUninitialized}

	// Exception is the "exception pending" sentinel. The thrown value
	// itself lives in the Context's pending exception slot.
	Exception = Value{tag: TagException}
)

// canonicalNaN carries one normalized NaN bit pattern so representation
// equality matches value equality for floats.
var canonicalNaN = Value{tag: TagFloat64, f: math.Float64frombits(0x7FF8000000000000)}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsFloat returns true if v represents a float64 value.
func (v Value) IsFloat() bool { return v.tag == TagFloat64 }

// IsInt returns true if v represents an inline 32-bit integer.
func (v Value) IsInt() bool { return v.tag == TagInt }

// IsBool returns true if v is True or False.
func (v Value) IsBool() bool { return v.tag == TagBool }

// IsNull returns true if v is the null value.
func (v Value) IsNull() bool { return v.tag == TagNull }

// IsUndefined returns true if v is the undefined value.
func (v Value) IsUndefined() bool { return v.tag == TagUndefined }

// IsUninitialized returns true if v is the uninitialized sentinel.
func (v Value) IsUninitialized() bool { return v.tag == TagUninitialized }

// IsException returns true if v is the exception-pending sentinel.
func (v Value) IsException() bool { return v.tag == TagException }

// IsCatchOffset returns true if v is an exception-unwinding catch offset.
func (v Value) IsCatchOffset() bool { return v.tag == TagCatchOffset }

// IsObject returns true if v references a heap object (including modules
// and function bytecode records).
func (v Value) IsObject() bool { return v.tag == TagObject }

// IsString returns true if v references a heap string cell.
func (v Value) IsString() bool { return v.tag == TagString }

// IsSymbol returns true if v references a heap symbol cell.
func (v Value) IsSymbol() bool { return v.tag == TagSymbol }

// IsBigInt returns true if v references a heap big integer cell.
func (v Value) IsBigInt() bool { return v.tag == TagBigInt }

// IsShortBigInt returns true if v is an inline small big integer.
func (v Value) IsShortBigInt() bool { return v.tag == TagShortBigInt }

// HasRefCount returns true if v references reference-counted heap storage.
func (v Value) HasRefCount() bool { return v.tag < 0 }

// Tag returns the canonical tag of v.
func (v Value) Tag() Tag { return v.tag }

// ---------------------------------------------------------------------------
// Scalar constructors and accessors
// ---------------------------------------------------------------------------

// NewFloat64 creates a float value. NaN inputs are normalized to the
// canonical NaN pattern.
func NewFloat64(f float64) Value {
	if f != f {
		return canonicalNaN
	}
	return Value{tag: TagFloat64, f: f}
}

// Float64 returns v as a float64. Panics if v is not a float.
func (v Value) Float64() float64 {
	if v.tag != TagFloat64 {
		panic("Value.Float64: not a float")
	}
	return v.f
}

// NewInt32 creates an inline integer value.
func NewInt32(n int32) Value {
	return Value{tag: TagInt, u: uint64(uint32(n))}
}

// Int32 returns v as an int32. Panics if v is not an inline integer.
func (v Value) Int32() int32 {
	if v.tag != TagInt {
		panic("Value.Int32: not an int")
	}
	return int32(uint32(v.u))
}

// NewBool creates a boolean value.
func NewBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Bool returns v as a bool. Panics if v is not a boolean.
func (v Value) Bool() bool {
	if v.tag != TagBool {
		panic("Value.Bool: not a boolean")
	}
	return v.u == specialTrueBit
}

// NewShortBigInt creates an inline big integer value. Magnitudes outside
// the 32-bit range go through heap cells; see Context.NewBigInt.
func NewShortBigInt(n int32) Value {
	return Value{tag: TagShortBigInt, u: uint64(uint32(n))}
}

// ShortBigInt returns the inline payload. Panics if v is not a short big
// integer.
func (v Value) ShortBigInt() int32 {
	if v.tag != TagShortBigInt {
		panic("Value.ShortBigInt: not a short big integer")
	}
	return int32(uint32(v.u))
}

// NewCatchOffset creates a catch-offset sentinel used while unwinding.
func NewCatchOffset(off int32) Value {
	return Value{tag: TagCatchOffset, u: uint64(uint32(off))}
}

// CatchOffset returns the offset payload. Panics if v is not a catch offset.
func (v Value) CatchOffset() int32 {
	if v.tag != TagCatchOffset {
		panic("Value.CatchOffset: not a catch offset")
	}
	return int32(uint32(v.u))
}

// ---------------------------------------------------------------------------
// Heap handle plumbing
// ---------------------------------------------------------------------------

// maxHandle keeps heap handles within the payload space shared with the
// NaN-boxed encoding.
const maxHandle = uint64(1)<<48 - 1

func makeHandleValue(box uint64, h uint64) Value {
	if h > maxHandle {
		panic("vm: heap handle exceeds payload space")
	}
	switch box {
	case boxString:
		return Value{tag: TagString, u: h}
	case boxSymbol:
		return Value{tag: TagSymbol, u: h}
	case boxBigInt:
		return Value{tag: TagBigInt, u: h}
	default:
		return Value{tag: TagObject, u: h}
	}
}

// handle returns the heap handle carried by a heap-boxed value.
func (v Value) handle() uint64 { return v.u }

// Box selectors shared with the NaN-boxed encoding.
const (
	boxObject uint64 = 1
	boxString uint64 = 5
	boxSymbol uint64 = 6
	boxBigInt uint64 = 7
)

func boxForClass(class ClassID) uint64 {
	switch class {
	case ClassString:
		return boxString
	case ClassSymbol:
		return boxSymbol
	case ClassBigInt:
		return boxBigInt
	default:
		return boxObject
	}
}
