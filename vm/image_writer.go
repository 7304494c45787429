package vm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
)

// ---------------------------------------------------------------------------
// Image Format Constants
// ---------------------------------------------------------------------------

// ImageMagic identifies a serialized object graph.
var ImageMagic = [4]byte{'Q', 'J', 'S', 'B'}

// ImageVersion is the stream format version.
// v1: initial format
// v2: module export values and body bytecode in module payloads
const ImageVersion uint32 = 2

// WriteFlag selects optional writer behavior.
type WriteFlag uint32

const (
	// WriteAllowBytecode permits bytecode and module cells in the stream.
	WriteAllowBytecode WriteFlag = 1 << 0
	// WriteAllowSAB permits shared buffer handles in the stream.
	WriteAllowSAB WriteFlag = 1 << 2
	// WriteAllowReference enables the back-reference table: revisited
	// objects encode as references and cycles round-trip. Without it the
	// writer fails on any revisited object.
	WriteAllowReference WriteFlag = 1 << 3
	// WriteStripSource omits retained source text from bytecode payloads.
	WriteStripSource WriteFlag = 1 << 4
	// WriteStripDebug omits filename/line sections from bytecode payloads.
	WriteStripDebug WriteFlag = 1 << 5
)

// Stream value tags.
const (
	bcTagNull byte = iota + 1
	bcTagUndefined
	bcTagFalse
	bcTagTrue
	bcTagInt32
	bcTagFloat64
	bcTagString
	bcTagBigInt
	bcTagSymbol
	bcTagObject
	bcTagArray
	bcTagObjectReference
	bcTagFunctionBytecode
	bcTagModule
	bcTagArrayBuffer
	bcTagSharedArrayBuffer
	bcTagLast = bcTagSharedArrayBuffer
)

// Writer errors.
var (
	ErrCircularReference = errors.New("circular or shared reference without reference support")
	ErrUnsupportedValue  = errors.New("value cannot be serialized")
	ErrBytecodeDisabled  = errors.New("bytecode serialization not enabled")
	ErrSABDisabled       = errors.New("shared buffer serialization not enabled")
)

// ---------------------------------------------------------------------------
// ImageWriter: serializes an object graph to a byte stream
// ---------------------------------------------------------------------------

// ImageWriter encodes one value graph. The stream is self-contained: a
// stream-local atom table carries every property key and symbol
// description, so the bytes decode in any runtime.
type ImageWriter struct {
	ctx   *Context
	flags WriteFlag

	body *bytes.Buffer

	// Stream-local atom table, built as atoms are first written.
	atomIndex map[Atom]uint32
	atoms     []Atom

	// Object handle -> stream object index, for back references. In tree
	// mode the map doubles as the visited set.
	objectIndex map[uint64]uint32
	nextObject  uint32

	// Shared buffer ids captured by the stream, one host reference each.
	sabIDs []uint64
}

func newImageWriter(ctx *Context, flags WriteFlag) *ImageWriter {
	return &ImageWriter{
		ctx:         ctx,
		flags:       flags,
		body:        bytes.NewBuffer(nil),
		atomIndex:   make(map[Atom]uint32),
		objectIndex: make(map[uint64]uint32),
	}
}

// WriteObject serializes v. The returned sab slice lists every shared
// buffer handle the stream captured; the writer took one host reference
// per entry, released with ReleaseSABHandles when the stream is
// discarded. v is borrowed.
func (ctx *Context) WriteObject(v Value, flags WriteFlag) (data []byte, sab []uint64, err error) {
	w := newImageWriter(ctx, flags)
	if err := w.writeValue(v); err != nil {
		ctx.rt.ReleaseSABHandles(w.sabIDs)
		return nil, nil, err
	}
	return w.assemble(), w.sabIDs, nil
}

// ReleaseSABHandles drops the host references a discarded stream holds.
func (rt *Runtime) ReleaseSABHandles(ids []uint64) {
	if rt.sabAllocator == nil {
		return
	}
	for _, id := range ids {
		rt.sabAllocator.Free(id)
	}
}

// assemble prepends the header and atom table to the encoded body. The
// atom table must come first so the reader can resolve key indices while
// decoding values.
func (w *ImageWriter) assemble() []byte {
	out := bytes.NewBuffer(nil)
	out.Write(ImageMagic[:])
	writeUvarint(out, uint64(ImageVersion))

	rt := w.ctx.rt
	writeUvarint(out, uint64(len(w.atoms)))
	for _, a := range w.atoms {
		kind := byte(0)
		if rt.AtomIsSymbol(a) {
			kind = 1
		}
		out.WriteByte(kind)
		writeString(out, rt.AtomString(a))
	}

	out.Write(w.body.Bytes())
	return out.Bytes()
}

// ---------------------------------------------------------------------------
// Primitive encoders
// ---------------------------------------------------------------------------

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeSvarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

// atomIdx returns the stream-local index of a, defining it on first use.
func (w *ImageWriter) atomIdx(a Atom) uint32 {
	if idx, ok := w.atomIndex[a]; ok {
		return idx
	}
	idx := uint32(len(w.atoms))
	w.atomIndex[a] = idx
	w.atoms = append(w.atoms, a)
	return idx
}

func (w *ImageWriter) writeAtom(a Atom) {
	writeUvarint(w.body, uint64(w.atomIdx(a)))
}

// ---------------------------------------------------------------------------
// Value encoding
// ---------------------------------------------------------------------------

func (w *ImageWriter) writeValue(v Value) error {
	rt := w.ctx.rt
	switch v.Tag() {
	case TagNull:
		w.body.WriteByte(bcTagNull)
	case TagUndefined:
		w.body.WriteByte(bcTagUndefined)
	case TagBool:
		if v.Bool() {
			w.body.WriteByte(bcTagTrue)
		} else {
			w.body.WriteByte(bcTagFalse)
		}
	case TagInt:
		w.body.WriteByte(bcTagInt32)
		writeSvarint(w.body, int64(v.Int32()))
	case TagFloat64:
		w.body.WriteByte(bcTagFloat64)
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], math.Float64bits(v.Float64()))
		w.body.Write(tmp[:])
	case TagString:
		w.body.WriteByte(bcTagString)
		writeString(w.body, rt.ToGoString(v))
	case TagBigInt, TagShortBigInt:
		// Both forms share one stream encoding; the reader re-normalizes.
		w.body.WriteByte(bcTagBigInt)
		b := rt.ToBigInt(v)
		sign := byte(0)
		if b.Sign() < 0 {
			sign = 1
		}
		w.body.WriteByte(sign)
		writeBytes(w.body, b.Bytes())
	case TagSymbol:
		w.body.WriteByte(bcTagSymbol)
		w.writeAtom(rt.obj(v).atom)
	case TagObject:
		return w.writeObjectValue(v)
	default:
		return fmt.Errorf("%w: tag %d", ErrUnsupportedValue, v.Tag())
	}
	return nil
}

func (w *ImageWriter) writeObjectValue(v Value) error {
	rt := w.ctx.rt
	obj := rt.obj(v)

	if idx, seen := w.objectIndex[obj.handle]; seen {
		if w.flags&WriteAllowReference == 0 {
			return fmt.Errorf("%w: object revisited", ErrCircularReference)
		}
		w.body.WriteByte(bcTagObjectReference)
		writeUvarint(w.body, uint64(idx))
		return nil
	}
	w.objectIndex[obj.handle] = w.nextObject
	w.nextObject++

	switch obj.class {
	case ClassObject, ClassError:
		w.body.WriteByte(bcTagObject)
		if obj.class == ClassError {
			w.body.WriteByte(1)
		} else {
			w.body.WriteByte(0)
		}
		return w.writeShapeProperties(v, obj)
	case ClassArray:
		w.body.WriteByte(bcTagArray)
		writeUvarint(w.body, uint64(len(obj.arrayData)))
		for _, elem := range obj.arrayData {
			if err := w.writeValue(elem); err != nil {
				return err
			}
		}
		return w.writeShapeProperties(v, obj)
	case ClassFunctionBytecode:
		return w.writeBytecode(obj)
	case ClassModule:
		return w.writeModule(obj)
	case ClassArrayBuffer:
		rec, _ := obj.native.(*arrayBufferRecord)
		if rec == nil || rec.detached {
			return fmt.Errorf("%w: detached buffer", ErrUnsupportedValue)
		}
		w.body.WriteByte(bcTagArrayBuffer)
		writeBytes(w.body, rec.data)
		return nil
	case ClassSharedArrayBuffer:
		if w.flags&WriteAllowSAB == 0 {
			return ErrSABDisabled
		}
		rec, _ := obj.native.(*arrayBufferRecord)
		if rec == nil || rt.sabAllocator == nil {
			return fmt.Errorf("%w: shared buffer without allocator", ErrUnsupportedValue)
		}
		w.body.WriteByte(bcTagSharedArrayBuffer)
		writeUvarint(w.body, rec.sabID)
		rt.sabAllocator.Dup(rec.sabID)
		w.sabIDs = append(w.sabIDs, rec.sabID)
		return nil
	default:
		return fmt.Errorf("%w: class %s", ErrUnsupportedValue, rt.ClassName(obj.class))
	}
}

// writeShapeProperties emits the own shape-held data properties of v.
// Accessor and internal slot kinds do not serialize.
func (w *ImageWriter) writeShapeProperties(v Value, obj *Object) error {
	rt := w.ctx.rt
	var fields []shapeField
	if obj.shape != nil {
		fields = obj.shape.fields
	}

	count := 0
	for _, f := range fields {
		if f.flags&PropKindMask == PropNormal {
			count++
		}
	}
	writeUvarint(w.body, uint64(count))

	for _, f := range fields {
		if f.flags&PropKindMask != PropNormal {
			if f.flags&PropKindMask == PropGetSet {
				return fmt.Errorf("%w: accessor property %q", ErrUnsupportedValue, rt.AtomString(f.atom))
			}
			continue
		}
		w.writeAtom(f.atom)
		writeUvarint(w.body, uint64(f.flags&PropCWE))
		if err := w.writeValue(obj.getSlot(f.offset)); err != nil {
			return err
		}
	}
	return nil
}

func (w *ImageWriter) writeBytecode(obj *Object) error {
	if w.flags&WriteAllowBytecode == 0 {
		return ErrBytecodeDisabled
	}
	fb, _ := obj.native.(*FunctionBytecode)
	if fb == nil {
		return fmt.Errorf("%w: empty bytecode cell", ErrUnsupportedValue)
	}
	rt := w.ctx.rt
	w.body.WriteByte(bcTagFunctionBytecode)
	w.writeAtom(fb.nameAtom)
	writeUvarint(w.body, uint64(fb.argCount))
	writeUvarint(w.body, uint64(fb.varCount))
	writeUvarint(w.body, uint64(fb.stackSize))
	writeBytes(w.body, fb.code)
	writeUvarint(w.body, uint64(len(fb.constants)))
	for _, c := range fb.constants {
		if err := w.writeValue(c); err != nil {
			return err
		}
	}

	if w.flags&WriteStripSource != 0 {
		w.body.WriteByte(0)
	} else {
		w.body.WriteByte(1)
		writeString(w.body, fb.source)
	}
	if w.flags&WriteStripDebug != 0 {
		w.body.WriteByte(0)
	} else {
		w.body.WriteByte(1)
		writeString(w.body, rt.AtomString(fb.filename))
		writeUvarint(w.body, uint64(fb.lineNumber))
	}
	return nil
}

// writeModule emits a module record. Resolution state does not
// serialize; a decoded module is unresolved regardless of the source
// module's state.
func (w *ImageWriter) writeModule(obj *Object) error {
	if w.flags&WriteAllowBytecode == 0 {
		return ErrBytecodeDisabled
	}
	m, _ := obj.native.(*ModuleRecord)
	if m == nil {
		return fmt.Errorf("%w: empty module cell", ErrUnsupportedValue)
	}
	w.body.WriteByte(bcTagModule)
	w.writeAtom(m.nameAtom)

	writeUvarint(w.body, uint64(len(m.requires)))
	for _, req := range m.requires {
		w.writeAtom(req)
	}

	// Sorted export order keeps the stream deterministic.
	rt := w.ctx.rt
	exports := make([]Atom, 0, len(m.exports))
	for a := range m.exports {
		exports = append(exports, a)
	}
	sort.Slice(exports, func(i, j int) bool {
		return rt.AtomString(exports[i]) < rt.AtomString(exports[j])
	})
	writeUvarint(w.body, uint64(len(exports)))
	for _, a := range exports {
		w.writeAtom(a)
		cell := w.ctx.rt.obj(m.exports[a])
		if err := w.writeValue(cell.slot0); err != nil {
			return err
		}
	}

	if m.fn.IsUndefined() {
		w.body.WriteByte(0)
		return nil
	}
	w.body.WriteByte(1)
	return w.writeValue(m.fn)
}

// bigIntFromStream rebuilds a big integer from its sign/magnitude form.
func bigIntFromStream(neg bool, mag []byte) *big.Int {
	b := new(big.Int).SetBytes(mag)
	if neg {
		b.Neg(b)
	}
	return b
}
