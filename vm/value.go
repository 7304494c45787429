//go:build !portable

package vm

import "math"

// Value represents a runtime value using NaN-boxing.
//
// All values are represented as 64-bit IEEE 754 doubles. Non-float values
// are encoded in the NaN space using the quiet NaN prefix and tag bits to
// distinguish types.
//
// Encoding scheme:
//   - Float64: native IEEE 754 double (anything that is not a tagged NaN)
//   - Int: quiet NaN + boxInt + 32-bit signed payload
//   - Special: quiet NaN + boxSpecial + special id (null/true/false/...)
//   - CatchOffset: quiet NaN + boxCatch + 32-bit offset
//   - ShortBigInt: sign bit + quiet NaN + 32-bit signed payload
//   - Object/String/Symbol/BigInt: quiet NaN + heap box + 48-bit heap handle
//
// Heap-boxed values are reference counted; scalars are not. Any NaN
// produced by a constructor is normalized to one canonical bit pattern so
// representation equality matches value equality and the reserved tag space
// stays unambiguous.
type Value uint64

// NaN-boxing constants
const (
	// Quiet NaN prefix: exponent all 1s, quiet bit set, sign bit 0
	nanBits uint64 = 0x7FF8000000000000

	// Box tag mask: 3 bits within the NaN mantissa space
	boxMask uint64 = 0x0007000000000000

	// Payload mask: 48 bits for handle/int/id
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	// Box tags (shifted into position)
	boxObject  uint64 = 0x0001000000000000 // heap handle, plain object classes
	boxInt     uint64 = 0x0002000000000000 // 32-bit signed integer
	boxSpecial uint64 = 0x0003000000000000 // null, undefined, bool, sentinels
	boxCatch   uint64 = 0x0004000000000000 // catch offset for unwinding
	boxString  uint64 = 0x0005000000000000 // heap handle, string cell
	boxSymbol  uint64 = 0x0006000000000000 // heap handle, symbol cell
	boxBigInt  uint64 = 0x0007000000000000 // heap handle, big integer cell

	// signBit selects the negative NaN space. NaN canonicalization keeps
	// real float NaNs out of it, so it carries inline small big integers.
	signBit uint64 = 1 << 63

	// boxShortBigInt is a synthetic selector returned by box() for the
	// sign-bit space; it cannot collide with the 3-bit tags above.
	boxShortBigInt uint64 = 0x0008000000000000
)

// Special value payloads
const (
	specialNull uint64 = iota
	specialUndefined
	specialTrue
	specialFalse
	specialUninitialized
	specialException
)

// Pre-defined special values
const (
	Null          Value = Value(nanBits | boxSpecial | specialNull)
	Undefined     Value = Value(nanBits | boxSpecial | specialUndefined)
	True          Value = Value(nanBits | boxSpecial | specialTrue)
	False         Value = Value(nanBits | boxSpecial | specialFalse)
	Uninitialized Value = Value(nanBits | boxSpecial | specialUninitialized)

	// Exception is the "exception pending" sentinel. The thrown value
	// itself lives in the Context's pending exception slot.
	Exception Value = Value(nanBits | boxSpecial | specialException)
)

// canonicalNaN is the single NaN bit pattern stored for float NaNs.
// It carries no box tag, so it never aliases a tagged value.
const canonicalNaN Value = Value(nanBits)

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

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

func (v Value) box() uint64 {
	bits := uint64(v)
	if (bits & nanBits) != nanBits {
		return 0
	}
	if bits&signBit != 0 {
		return boxShortBigInt
	}
	return bits & boxMask
}

// IsFloat returns true if v represents a float64 value, including
// infinities and the canonical NaN.
func (v Value) IsFloat() bool {
	return v.box() == 0
}

// IsInt returns true if v represents an inline 32-bit integer.
func (v Value) IsInt() bool {
	return v.box() == boxInt
}

// IsBool returns true if v is True or False.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// IsNull returns true if v is the null value.
func (v Value) IsNull() bool { return v == Null }

// IsUndefined returns true if v is the undefined value.
func (v Value) IsUndefined() bool { return v == Undefined }

// IsUninitialized returns true if v is the uninitialized sentinel.
func (v Value) IsUninitialized() bool { return v == Uninitialized }

// IsException returns true if v is the exception-pending sentinel.
func (v Value) IsException() bool { return v == Exception }

// IsCatchOffset returns true if v is an exception-unwinding catch offset.
func (v Value) IsCatchOffset() bool {
	return v.box() == boxCatch
}

// IsObject returns true if v references a heap object (including modules
// and function bytecode records).
func (v Value) IsObject() bool {
	return v.box() == boxObject
}

// IsString returns true if v references a heap string cell.
func (v Value) IsString() bool {
	return v.box() == boxString
}

// IsSymbol returns true if v references a heap symbol cell.
func (v Value) IsSymbol() bool {
	return v.box() == boxSymbol
}

// IsBigInt returns true if v references a heap big integer cell.
func (v Value) IsBigInt() bool {
	return v.box() == boxBigInt
}

// IsShortBigInt returns true if v is an inline small big integer.
func (v Value) IsShortBigInt() bool {
	return v.box() == boxShortBigInt
}

// HasRefCount returns true if v references reference-counted heap storage.
// Duplicate and release are no-ops for any other value.
func (v Value) HasRefCount() bool {
	switch v.box() {
	case boxObject, boxString, boxSymbol, boxBigInt:
		return true
	}
	return false
}

// Tag returns the canonical tag of v. For heap handles it reports the
// encoding-level tag; use Runtime.ValueTag to refine TagObject into
// TagModule or TagFunctionBytecode.
func (v Value) Tag() Tag {
	switch v.box() {
	case boxObject:
		return TagObject
	case boxString:
		return TagString
	case boxSymbol:
		return TagSymbol
	case boxBigInt:
		return TagBigInt
	case boxInt:
		return TagInt
	case boxCatch:
		return TagCatchOffset
	case boxShortBigInt:
		return TagShortBigInt
	case boxSpecial:
		switch uint64(v) & payloadMask {
		case specialNull:
			return TagNull
		case specialTrue, specialFalse:
			return TagBool
		case specialUninitialized:
			return TagUninitialized
		case specialException:
			return TagException
		default:
			return TagUndefined
		}
	default:
		return TagFloat64
	}
}

// ---------------------------------------------------------------------------
// Scalar constructors and accessors
// ---------------------------------------------------------------------------

// NewFloat64 creates a float value. NaN inputs are normalized to the
// canonical NaN pattern.
func NewFloat64(f float64) Value {
	if f != f {
		return canonicalNaN
	}
	return Value(math.Float64bits(f))
}

// Float64 returns v as a float64. Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// NewInt32 creates an inline integer value.
func NewInt32(n int32) Value {
	return Value(nanBits | boxInt | (uint64(uint32(n))))
}

// Int32 returns v as an int32. Panics if v is not an inline integer.
func (v Value) Int32() int32 {
	if !v.IsInt() {
		panic("Value.Int32: not an int")
	}
	return int32(uint32(uint64(v) & 0xFFFFFFFF))
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
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// NewShortBigInt creates an inline big integer value. Magnitudes outside
// the 32-bit range go through heap cells; see Context.NewBigInt.
func NewShortBigInt(n int32) Value {
	return Value(signBit | nanBits | uint64(uint32(n)))
}

// ShortBigInt returns the inline payload. Panics if v is not a short big
// integer.
func (v Value) ShortBigInt() int32 {
	if !v.IsShortBigInt() {
		panic("Value.ShortBigInt: not a short big integer")
	}
	return int32(uint32(uint64(v) & 0xFFFFFFFF))
}

// NewCatchOffset creates a catch-offset sentinel used while unwinding.
func NewCatchOffset(off int32) Value {
	return Value(nanBits | boxCatch | uint64(uint32(off)))
}

// CatchOffset returns the offset payload. Panics if v is not a catch offset.
func (v Value) CatchOffset() int32 {
	if !v.IsCatchOffset() {
		panic("Value.CatchOffset: not a catch offset")
	}
	return int32(uint32(uint64(v) & 0xFFFFFFFF))
}

// ---------------------------------------------------------------------------
// Heap handle plumbing
// ---------------------------------------------------------------------------

// maxHandle bounds heap handles to the 48-bit payload space.
const maxHandle = uint64(1)<<48 - 1

func makeHandleValue(box uint64, h uint64) Value {
	if h > maxHandle {
		panic("vm: heap handle exceeds payload space")
	}
	return Value(nanBits | box | h)
}

// handle returns the heap handle carried by a heap-boxed value.
func (v Value) handle() uint64 {
	return uint64(v) & payloadMask
}

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
