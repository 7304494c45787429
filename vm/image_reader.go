package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Image Reader errors
// ---------------------------------------------------------------------------

var (
	ErrInvalidMagic       = errors.New("invalid image magic")
	ErrVersionMismatch    = errors.New("image version mismatch")
	ErrCorruptData        = errors.New("corrupt image data")
	ErrUnexpectedEOF      = errors.New("unexpected end of image data")
	ErrInvalidAtomIndex   = errors.New("invalid atom index")
	ErrInvalidObjectIndex = errors.New("invalid object back-reference")
	ErrTrailingData       = errors.New("trailing bytes after image data")
)

// ReadFlag selects optional reader behavior. Bits mirror the write flags.
type ReadFlag uint32

const (
	// ReadAllowBytecode permits bytecode and module payloads.
	ReadAllowBytecode ReadFlag = 1 << 0
	// ReadAllowSAB permits shared buffer handles.
	ReadAllowSAB ReadFlag = 1 << 2
	// ReadAllowReference permits back-references.
	ReadAllowReference ReadFlag = 1 << 3
)

// maxDecodeDepth bounds value nesting so a hostile stream cannot exhaust
// the Go stack.
const maxDecodeDepth = 1024

// ---------------------------------------------------------------------------
// ImageReader: decodes a byte stream back into an object graph
// ---------------------------------------------------------------------------

// ImageReader decodes one stream. Any malformation fails the whole
// decode; everything allocated up to that point is released before the
// error returns.
type ImageReader struct {
	ctx   *Context
	flags ReadFlag

	data   []byte
	offset int
	depth  int

	// Stream atom index -> runtime atom. Owned until the decode
	// finishes.
	atoms []Atom

	// Decoded objects in registration order, borrowed from the graph.
	objects []Value
}

// ReadObject decodes a stream produced by WriteObject. The result is
// owned by the caller. The flags must admit at least what the stream
// contains; a stream using a disallowed feature fails the decode.
func (ctx *Context) ReadObject(data []byte, flags ReadFlag) (Value, error) {
	r := &ImageReader{ctx: ctx, flags: flags, data: data}
	v, err := r.run()
	r.releaseAtoms()
	if err != nil {
		ctx.rt.FreeValue(v)
		return Undefined, err
	}
	return v, nil
}

func (r *ImageReader) run() (Value, error) {
	if err := r.readHeader(); err != nil {
		return Undefined, err
	}
	if err := r.readAtomTable(); err != nil {
		return Undefined, err
	}
	v, err := r.readValue()
	if err != nil {
		return v, err
	}
	if r.offset != len(r.data) {
		return v, fmt.Errorf("%w: %d byte(s)", ErrTrailingData, len(r.data)-r.offset)
	}
	return v, nil
}

func (r *ImageReader) releaseAtoms() {
	for _, a := range r.atoms {
		r.ctx.rt.FreeAtom(a)
	}
	r.atoms = nil
}

// ---------------------------------------------------------------------------
// Primitive decoders
// ---------------------------------------------------------------------------

func (r *ImageReader) readByte() (byte, error) {
	if r.offset >= len(r.data) {
		return 0, ErrUnexpectedEOF
	}
	b := r.data[r.offset]
	r.offset++
	return b, nil
}

func (r *ImageReader) readUvarint() (uint64, error) {
	v, n := binary.Uvarint(r.data[r.offset:])
	if n <= 0 {
		return 0, ErrUnexpectedEOF
	}
	r.offset += n
	return v, nil
}

func (r *ImageReader) readSvarint() (int64, error) {
	v, n := binary.Varint(r.data[r.offset:])
	if n <= 0 {
		return 0, ErrUnexpectedEOF
	}
	r.offset += n
	return v, nil
}

// readLen reads a length prefix and bounds it against the remaining
// input, so a forged length cannot drive a huge allocation.
func (r *ImageReader) readLen() (int, error) {
	v, err := r.readUvarint()
	if err != nil {
		return 0, err
	}
	if v > uint64(len(r.data)-r.offset) {
		return 0, fmt.Errorf("%w: length %d exceeds remaining input", ErrCorruptData, v)
	}
	return int(v), nil
}

func (r *ImageReader) readString() (string, error) {
	n, err := r.readLen()
	if err != nil {
		return "", err
	}
	s := string(r.data[r.offset : r.offset+n])
	r.offset += n
	return s, nil
}

func (r *ImageReader) readBytes() ([]byte, error) {
	n, err := r.readLen()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.data[r.offset:r.offset+n])
	r.offset += n
	return b, nil
}

// readAtom resolves a stream atom index. The runtime atom is borrowed
// from the reader's table.
func (r *ImageReader) readAtom() (Atom, error) {
	idx, err := r.readUvarint()
	if err != nil {
		return AtomNull, err
	}
	if idx >= uint64(len(r.atoms)) {
		return AtomNull, fmt.Errorf("%w: %d of %d", ErrInvalidAtomIndex, idx, len(r.atoms))
	}
	return r.atoms[idx], nil
}

// ---------------------------------------------------------------------------
// Header and atom table
// ---------------------------------------------------------------------------

func (r *ImageReader) readHeader() error {
	if len(r.data) < len(ImageMagic) {
		return ErrUnexpectedEOF
	}
	for i, b := range ImageMagic {
		if r.data[i] != b {
			return fmt.Errorf("%w: got % x", ErrInvalidMagic, r.data[:len(ImageMagic)])
		}
	}
	r.offset = len(ImageMagic)
	version, err := r.readUvarint()
	if err != nil {
		return err
	}
	if version != uint64(ImageVersion) {
		return fmt.Errorf("%w: expected %d, got %d", ErrVersionMismatch, ImageVersion, version)
	}
	return nil
}

func (r *ImageReader) readAtomTable() error {
	rt := r.ctx.rt
	count, err := r.readLen()
	if err != nil {
		return err
	}
	r.atoms = make([]Atom, 0, count)
	for i := 0; i < count; i++ {
		kind, err := r.readByte()
		if err != nil {
			return err
		}
		if kind > 1 {
			return fmt.Errorf("%w: atom kind %d", ErrCorruptData, kind)
		}
		s, err := r.readString()
		if err != nil {
			return err
		}
		if kind == 1 {
			r.atoms = append(r.atoms, rt.atoms.internSymbol(s))
		} else {
			r.atoms = append(r.atoms, rt.NewAtom(s))
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Value decoding
// ---------------------------------------------------------------------------

// readValue decodes one value. On error nothing is owned: a partially
// built value releases before the error propagates, cascading through
// everything only it referenced.
func (r *ImageReader) readValue() (Value, error) {
	if r.depth >= maxDecodeDepth {
		return Undefined, fmt.Errorf("%w: nesting too deep", ErrCorruptData)
	}
	r.depth++
	v, err := r.readValueInner()
	r.depth--
	if err != nil {
		r.ctx.rt.FreeValue(v)
		return Undefined, err
	}
	return v, nil
}

func (r *ImageReader) readValueInner() (Value, error) {
	ctx := r.ctx
	rt := ctx.rt
	tag, err := r.readByte()
	if err != nil {
		return Undefined, err
	}
	switch tag {
	case bcTagNull:
		return Null, nil
	case bcTagUndefined:
		return Undefined, nil
	case bcTagTrue:
		return True, nil
	case bcTagFalse:
		return False, nil
	case bcTagInt32:
		n, err := r.readSvarint()
		if err != nil {
			return Undefined, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return Undefined, fmt.Errorf("%w: int32 out of range", ErrCorruptData)
		}
		return NewInt32(int32(n)), nil
	case bcTagFloat64:
		if r.offset+8 > len(r.data) {
			return Undefined, ErrUnexpectedEOF
		}
		bits := binary.LittleEndian.Uint64(r.data[r.offset:])
		r.offset += 8
		return NewFloat64(math.Float64frombits(bits)), nil
	case bcTagString:
		s, err := r.readString()
		if err != nil {
			return Undefined, err
		}
		return r.fallible(ctx.NewString(s))
	case bcTagBigInt:
		sign, err := r.readByte()
		if err != nil {
			return Undefined, err
		}
		if sign > 1 {
			return Undefined, fmt.Errorf("%w: bigint sign %d", ErrCorruptData, sign)
		}
		mag, err := r.readBytes()
		if err != nil {
			return Undefined, err
		}
		return r.fallible(ctx.NewBigInt(bigIntFromStream(sign == 1, mag)))
	case bcTagSymbol:
		atom, err := r.readAtom()
		if err != nil {
			return Undefined, err
		}
		if !rt.AtomIsSymbol(atom) {
			return Undefined, fmt.Errorf("%w: symbol with string atom", ErrCorruptData)
		}
		v, cellErr := rt.newCell(ClassSymbol, nil, Null)
		if cellErr != nil {
			return Undefined, cellErr
		}
		rt.obj(v).atom = rt.DupAtom(atom)
		return v, nil
	case bcTagObjectReference:
		if r.flags&ReadAllowReference == 0 {
			return Undefined, fmt.Errorf("%w: back-reference", ErrCorruptData)
		}
		idx, err := r.readUvarint()
		if err != nil {
			return Undefined, err
		}
		if idx >= uint64(len(r.objects)) {
			return Undefined, fmt.Errorf("%w: %d of %d", ErrInvalidObjectIndex, idx, len(r.objects))
		}
		return rt.DupValue(r.objects[idx]), nil
	case bcTagObject:
		return r.readPlainObject()
	case bcTagArray:
		return r.readArray()
	case bcTagFunctionBytecode:
		return r.readBytecode()
	case bcTagModule:
		return r.readModule()
	case bcTagArrayBuffer:
		data, err := r.readBytes()
		if err != nil {
			return Undefined, err
		}
		v, fail := r.fallible(ctx.NewArrayBuffer(data))
		if fail == nil {
			r.register(v)
		}
		return v, fail
	case bcTagSharedArrayBuffer:
		if r.flags&ReadAllowSAB == 0 {
			return Undefined, fmt.Errorf("%w: shared buffer", ErrCorruptData)
		}
		if rt.sabAllocator == nil {
			return Undefined, fmt.Errorf("%w: no shared buffer allocator installed", ErrCorruptData)
		}
		id, err := r.readUvarint()
		if err != nil {
			return Undefined, err
		}
		rt.sabAllocator.Dup(id)
		v, fail := r.fallible(ctx.sharedArrayBufferFromID(id))
		if fail != nil {
			rt.sabAllocator.Free(id)
			return Undefined, fail
		}
		r.register(v)
		return v, nil
	default:
		return Undefined, fmt.Errorf("%w: value tag %d", ErrCorruptData, tag)
	}
}

// fallible converts an exception-signalled allocation failure into a Go
// error, clearing the context's pending exception.
func (r *ImageReader) fallible(v Value) (Value, error) {
	if !v.IsException() {
		return v, nil
	}
	exc := r.ctx.Exception()
	r.ctx.rt.FreeValue(exc)
	return Undefined, fmt.Errorf("%w: allocation failed", ErrCorruptData)
}

// register records a decoded object for back-references. Registration
// happens before children decode so cycles resolve.
func (r *ImageReader) register(v Value) {
	r.objects = append(r.objects, v)
}

func (r *ImageReader) readPlainObject() (Value, error) {
	ctx := r.ctx
	classByte, err := r.readByte()
	if err != nil {
		return Undefined, err
	}
	if classByte > 1 {
		return Undefined, fmt.Errorf("%w: object class %d", ErrCorruptData, classByte)
	}
	var v Value
	if classByte == 1 {
		var cellErr error
		v, cellErr = ctx.rt.newCell(ClassError, ctx.rt.shapeDup(ctx.rt.rootShape), ctx.rt.DupValue(ctx.errorProto))
		if cellErr != nil {
			return Undefined, cellErr
		}
	} else {
		var fail error
		v, fail = r.fallible(ctx.NewObject())
		if fail != nil {
			return Undefined, fail
		}
	}
	r.register(v)
	if err := r.readProperties(v); err != nil {
		return v, err
	}
	return v, nil
}

func (r *ImageReader) readArray() (Value, error) {
	ctx := r.ctx
	v, fail := r.fallible(ctx.NewArray())
	if fail != nil {
		return Undefined, fail
	}
	r.register(v)
	count, err := r.readLen()
	if err != nil {
		return v, err
	}
	obj := ctx.rt.obj(v)
	if err := ctx.rt.accountExtra(obj, int64(count)*slotBytes); err != nil {
		return v, err
	}
	for i := 0; i < count; i++ {
		elem, err := r.readValue()
		if err != nil {
			return v, err
		}
		obj.arrayData = append(obj.arrayData, elem)
	}
	if err := r.readProperties(v); err != nil {
		return v, err
	}
	return v, nil
}

// readProperties decodes shape-held data properties onto v.
func (r *ImageReader) readProperties(v Value) error {
	ctx := r.ctx
	count, err := r.readLen()
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		atom, err := r.readAtom()
		if err != nil {
			return err
		}
		rawFlags, err := r.readUvarint()
		if err != nil {
			return err
		}
		if rawFlags&^uint64(PropCWE) != 0 {
			return fmt.Errorf("%w: property flags %#x", ErrCorruptData, rawFlags)
		}
		pv, err := r.readValue()
		if err != nil {
			return err
		}
		if res := ctx.DefinePropertyValue(v, atom, pv, PropFlags(rawFlags)); res != PropOK {
			exc := ctx.Exception()
			ctx.rt.FreeValue(exc)
			return fmt.Errorf("%w: property define failed", ErrCorruptData)
		}
	}
	return nil
}

func (r *ImageReader) readBytecode() (Value, error) {
	if r.flags&ReadAllowBytecode == 0 {
		return Undefined, fmt.Errorf("%w: bytecode", ErrCorruptData)
	}
	ctx := r.ctx
	rt := ctx.rt

	nameAtom, err := r.readAtom()
	if err != nil {
		return Undefined, err
	}
	argCount, err := r.readUvarint()
	if err != nil {
		return Undefined, err
	}
	varCount, err := r.readUvarint()
	if err != nil {
		return Undefined, err
	}
	stackSize, err := r.readUvarint()
	if err != nil {
		return Undefined, err
	}
	if argCount > math.MaxUint16 || varCount > math.MaxUint16 || stackSize > math.MaxUint16 {
		return Undefined, fmt.Errorf("%w: bytecode counts out of range", ErrCorruptData)
	}
	code, err := r.readBytes()
	if err != nil {
		return Undefined, err
	}

	v, cellErr := rt.newCell(ClassFunctionBytecode, nil, Null)
	if cellErr != nil {
		return Undefined, cellErr
	}
	fb := &FunctionBytecode{
		nameAtom:  rt.DupAtom(nameAtom),
		code:      code,
		argCount:  uint16(argCount),
		varCount:  uint16(varCount),
		stackSize: uint16(stackSize),
		filename:  rt.DupAtom(AtomEmptyString),
	}
	rt.obj(v).native = fb
	r.register(v)

	constCount, err := r.readLen()
	if err != nil {
		return v, err
	}
	for i := 0; i < constCount; i++ {
		c, err := r.readValue()
		if err != nil {
			return v, err
		}
		fb.constants = append(fb.constants, c)
	}

	hasSource, err := r.readByte()
	if err != nil {
		return v, err
	}
	if hasSource == 1 {
		if fb.source, err = r.readString(); err != nil {
			return v, err
		}
	} else if hasSource != 0 {
		return v, fmt.Errorf("%w: source marker %d", ErrCorruptData, hasSource)
	}

	hasDebug, err := r.readByte()
	if err != nil {
		return v, err
	}
	switch hasDebug {
	case 0:
	case 1:
		filename, err := r.readString()
		if err != nil {
			return v, err
		}
		rt.FreeAtom(fb.filename)
		fb.filename = rt.NewAtom(filename)
		line, err := r.readUvarint()
		if err != nil {
			return v, err
		}
		if line > math.MaxUint32 {
			return v, fmt.Errorf("%w: line number out of range", ErrCorruptData)
		}
		fb.lineNumber = uint32(line)
	default:
		return v, fmt.Errorf("%w: debug marker %d", ErrCorruptData, hasDebug)
	}
	return v, nil
}

// readModule rebuilds a module record. The result is always unresolved;
// the host must run ResolveModule before using its namespace.
func (r *ImageReader) readModule() (Value, error) {
	if r.flags&ReadAllowBytecode == 0 {
		return Undefined, fmt.Errorf("%w: module", ErrCorruptData)
	}
	ctx := r.ctx
	rt := ctx.rt

	nameAtom, err := r.readAtom()
	if err != nil {
		return Undefined, err
	}
	v, cellErr := rt.newCell(ClassModule, nil, Null)
	if cellErr != nil {
		return Undefined, cellErr
	}
	m := &ModuleRecord{
		nameAtom:  rt.DupAtom(nameAtom),
		exports:   make(map[Atom]Value),
		namespace: Undefined,
		fn:        Undefined,
	}
	rt.obj(v).native = m
	r.register(v)

	reqCount, err := r.readLen()
	if err != nil {
		return v, err
	}
	for i := 0; i < reqCount; i++ {
		req, err := r.readAtom()
		if err != nil {
			return v, err
		}
		m.requires = append(m.requires, rt.DupAtom(req))
	}

	expCount, err := r.readLen()
	if err != nil {
		return v, err
	}
	for i := 0; i < expCount; i++ {
		name, err := r.readAtom()
		if err != nil {
			return v, err
		}
		if _, dup := m.exports[name]; dup {
			return v, fmt.Errorf("%w: duplicate module export %q", ErrCorruptData, rt.AtomString(name))
		}
		ev, err := r.readValue()
		if err != nil {
			return v, err
		}
		cell, fail := r.fallible(ctx.NewVarRef(ev))
		if fail != nil {
			return v, fail
		}
		m.exports[rt.DupAtom(name)] = cell
	}

	hasBody, err := r.readByte()
	if err != nil {
		return v, err
	}
	switch hasBody {
	case 0:
	case 1:
		fn, err := r.readValue()
		if err != nil {
			return v, err
		}
		if rt.Bytecode(fn) == nil {
			rt.FreeValue(fn)
			return v, fmt.Errorf("%w: module body is not bytecode", ErrCorruptData)
		}
		m.fn = fn
	default:
		return v, fmt.Errorf("%w: module body marker %d", ErrCorruptData, hasBody)
	}
	return v, nil
}
