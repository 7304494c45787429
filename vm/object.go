package vm

import (
	"math"
	"math/big"
)

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// Object is a heap-allocated cell. Property values use a hybrid slot
// layout: 4 inline slots for the common small object, an overflow slice
// beyond that. Strings, symbols, big integers, bytecode records and
// buffers are heap cells too, distinguished by class, carrying their
// payload in native.
type Object struct {
	refCount int32
	class    ClassID
	handle   uint64 // self handle in the runtime heap

	// Cycle collector scratch state.
	gcScan int32
	marked bool

	shape      *Shape
	proto      Value // owned; Null when absent
	extensible bool

	// Inline slots for the first 4 property value slots.
	slot0 Value
	slot1 Value
	slot2 Value
	slot3 Value

	// Overflow for objects with more than 4 slots.
	overflow []Value

	// Fast path element storage for index-bounded array access. Owned.
	arrayData []Value

	// Class-specific payload: string content, *big.Int, *FunctionBytecode,
	// *ModuleRecord, *ArrayBuffer, or host data for registered classes.
	native any

	// Symbol cells carry their key atom.
	atom Atom

	// Bytes reserved against the runtime memory limit for this cell.
	allocBytes int64
}

// numInlineSlots is the number of slots stored directly in the Object.
const numInlineSlots = 4

// slotBytes is the accounting cost of one value slot held outside the
// inline block: overflow property slots and array elements.
const slotBytes = 16

// Class returns the object's class id.
func (obj *Object) Class() ClassID { return obj.class }

// Native returns the class-specific payload installed with SetNative.
func (obj *Object) Native() any { return obj.native }

// SetNative installs a class-specific payload on the object. The payload
// is released only through the class finalizer.
func (obj *Object) SetNative(data any) { obj.native = data }

// getSlot returns the value at the given slot index.
func (obj *Object) getSlot(index uint32) Value {
	switch index {
	case 0:
		return obj.slot0
	case 1:
		return obj.slot1
	case 2:
		return obj.slot2
	case 3:
		return obj.slot3
	default:
		return obj.overflow[index-numInlineSlots]
	}
}

// setSlot stores a value at the given slot index, growing overflow storage
// on demand. Ownership of v transfers to the object.
func (obj *Object) setSlot(index uint32, v Value) {
	switch index {
	case 0:
		obj.slot0 = v
	case 1:
		obj.slot1 = v
	case 2:
		obj.slot2 = v
	case 3:
		obj.slot3 = v
	default:
		i := int(index) - numInlineSlots
		for len(obj.overflow) <= i {
			obj.overflow = append(obj.overflow, Undefined)
		}
		obj.overflow[i] = v
	}
}

// removeSlots closes a gap of n slots starting at off, shifting later
// slots down. Used when a property is deleted.
func (obj *Object) removeSlots(off, n, total uint32) {
	for i := off; i+n < total; i++ {
		obj.setSlot(i, obj.getSlot(i+n))
	}
	for i := total - n; i < total; i++ {
		obj.setSlot(i, Undefined)
	}
	if extra := int(total-n) - numInlineSlots; extra >= 0 && extra < len(obj.overflow) {
		obj.overflow = obj.overflow[:extra]
	}
}

func (obj *Object) initSlots() {
	obj.slot0 = Undefined
	obj.slot1 = Undefined
	obj.slot2 = Undefined
	obj.slot3 = Undefined
}

// forEachOwnedSlot calls fn for every live property slot.
func (obj *Object) forEachOwnedSlot(fn func(Value)) {
	if obj.shape == nil {
		return
	}
	for i := uint32(0); i < obj.shape.slotCount; i++ {
		fn(obj.getSlot(i))
	}
}

func objectBytes(obj *Object) int64 {
	b := int64(128)
	b += int64(len(obj.overflow)+len(obj.arrayData)) * slotBytes
	if s, ok := obj.native.(string); ok {
		b += int64(len(s))
	}
	return b
}

// ---------------------------------------------------------------------------
// Heap management
// ---------------------------------------------------------------------------

type heap struct {
	objects []*Object
	free    []uint64
	// allocation order for reverse-order teardown finalization
	seq     uint64
	liveSeq map[uint64]uint64 // handle -> allocation sequence
}

func newHeap() *heap {
	return &heap{liveSeq: make(map[uint64]uint64)}
}

func (h *heap) alloc(obj *Object) uint64 {
	var hd uint64
	if n := len(h.free); n > 0 {
		hd = h.free[n-1]
		h.free = h.free[:n-1]
		h.objects[hd] = obj
	} else {
		hd = uint64(len(h.objects))
		h.objects = append(h.objects, obj)
	}
	h.seq++
	h.liveSeq[hd] = h.seq
	return hd
}

func (h *heap) release(hd uint64) {
	h.objects[hd] = nil
	delete(h.liveSeq, hd)
	h.free = append(h.free, hd)
}

func (h *heap) get(hd uint64) *Object {
	if hd >= uint64(len(h.objects)) {
		return nil
	}
	return h.objects[hd]
}

func (h *heap) liveCount() int {
	return len(h.liveSeq)
}

// forEachLive visits every live object. The callback must not allocate.
func (h *heap) forEachLive(fn func(*Object)) {
	for _, obj := range h.objects {
		if obj != nil {
			fn(obj)
		}
	}
}

// obj resolves a heap-boxed value to its cell. Panics on scalars.
func (rt *Runtime) obj(v Value) *Object {
	if !v.HasRefCount() {
		panic("vm: value is not heap allocated")
	}
	o := rt.heap.get(v.handle())
	if o == nil {
		panic("vm: dangling heap handle")
	}
	return o
}

// ObjectOf resolves an object value to its heap cell, or nil when v is not
// an object owned by this Runtime.
func (rt *Runtime) ObjectOf(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	return rt.heap.get(v.handle())
}

// newCell allocates a raw heap cell. shape ownership transfers (may be
// nil); proto ownership transfers.
func (rt *Runtime) newCell(class ClassID, shape *Shape, proto Value) (Value, error) {
	obj := &Object{
		refCount:   1,
		class:      class,
		shape:      shape,
		proto:      proto,
		extensible: true,
	}
	obj.initSlots()
	if err := rt.mem.reserve(objectBytes(obj)); err != nil {
		if shape != nil {
			rt.shapeRelease(shape)
		}
		rt.FreeValue(proto)
		return Undefined, err
	}
	obj.allocBytes = objectBytes(obj)
	obj.handle = rt.heap.alloc(obj)
	rt.gcAllocated += obj.allocBytes
	rt.maybeRunGC()
	return makeHandleValue(boxForClass(class), obj.handle), nil
}

// NewObjectClass creates a plain object of the given class with the
// context's default object prototype. The result is owned by the caller.
func (ctx *Context) NewObjectClass(class ClassID) Value {
	return ctx.newObjectProtoClass(ctx.rt.DupValue(ctx.objectProto), class)
}

// NewObject creates a plain object. The result is owned by the caller.
func (ctx *Context) NewObject() Value {
	return ctx.NewObjectClass(ClassObject)
}

// NewObjectProto creates a plain object with an explicit prototype
// (borrowed). The result is owned by the caller.
func (ctx *Context) NewObjectProto(proto Value) Value {
	return ctx.newObjectProtoClass(ctx.rt.DupValue(proto), ClassObject)
}

// newObjectProtoClass consumes proto.
func (ctx *Context) newObjectProtoClass(proto Value, class ClassID) Value {
	v, err := ctx.rt.newCell(class, ctx.rt.shapeDup(ctx.rt.rootShape), proto)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	return v
}

// NewArray creates an empty array with fast element storage. The result is
// owned by the caller.
func (ctx *Context) NewArray() Value {
	v, err := ctx.rt.newCell(ClassArray, ctx.rt.shapeDup(ctx.rt.rootShape), ctx.rt.DupValue(ctx.arrayProto))
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	obj := ctx.rt.obj(v)
	obj.arrayData = make([]Value, 0, 4)
	return v
}

// NewString creates a heap string cell. The result is owned by the caller.
func (rt *Runtime) NewString(s string) (Value, error) {
	v, err := rt.newCell(ClassString, nil, Null)
	if err != nil {
		return Undefined, err
	}
	obj := rt.obj(v)
	obj.native = s
	if err := rt.accountExtra(obj, int64(len(s))); err != nil {
		rt.FreeValue(v)
		return Undefined, err
	}
	return v, nil
}

// NewString creates a heap string cell, throwing on allocation failure.
func (ctx *Context) NewString(s string) Value {
	v, err := ctx.rt.NewString(s)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	return v
}

// ToGoString returns the Go string behind a heap string cell. v is
// borrowed.
func (rt *Runtime) ToGoString(v Value) string {
	if !v.IsString() {
		return ""
	}
	s, _ := rt.obj(v).native.(string)
	return s
}

// NewSymbol creates a unique symbol value with the given description. The
// result is owned by the caller.
func (ctx *Context) NewSymbol(description string) Value {
	rt := ctx.rt
	v, err := rt.newCell(ClassSymbol, nil, Null)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	rt.obj(v).atom = rt.atoms.internSymbol(description)
	return v
}

// SymbolDescription returns the description of a symbol value.
func (rt *Runtime) SymbolDescription(v Value) string {
	if !v.IsSymbol() {
		return ""
	}
	return rt.AtomString(rt.obj(v).atom)
}

// ValueToAtom interns a property key for the given value: symbol values
// map to their unique atom, everything else through its string form. The
// returned atom is owned by the caller.
func (ctx *Context) ValueToAtom(v Value) Atom {
	rt := ctx.rt
	switch {
	case v.IsSymbol():
		return rt.atoms.dup(rt.obj(v).atom)
	case v.IsString():
		return rt.NewAtom(rt.ToGoString(v))
	case v.IsInt():
		n := v.Int32()
		if n >= 0 {
			return rt.NewAtomUInt32(uint32(n))
		}
		return rt.NewAtom(formatInt32(n))
	default:
		return rt.NewAtom(ctx.ToDisplayString(v))
	}
}

// NewBigInt creates a big integer value. Values fitting 32 bits stay
// inline as a short big integer; larger magnitudes get a heap cell with a
// copy of x. The result is owned by the caller.
func (ctx *Context) NewBigInt(x *big.Int) Value {
	if x.IsInt64() {
		if n := x.Int64(); n >= math.MinInt32 && n <= math.MaxInt32 {
			return NewShortBigInt(int32(n))
		}
	}
	v, err := ctx.rt.newCell(ClassBigInt, nil, Null)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	ctx.rt.obj(v).native = new(big.Int).Set(x)
	return v
}

// ToBigInt returns the big integer behind a big integer value, or nil.
// For heap cells the result aliases the cell payload and must not be
// mutated; short big integers materialize a fresh value.
func (rt *Runtime) ToBigInt(v Value) *big.Int {
	if v.IsShortBigInt() {
		return big.NewInt(int64(v.ShortBigInt()))
	}
	if !v.IsBigInt() {
		return nil
	}
	b, _ := rt.obj(v).native.(*big.Int)
	return b
}

func finalizeSymbol(rt *Runtime, obj *Object) {
	rt.FreeAtom(obj.atom)
	obj.atom = AtomNull
}

func formatInt32(n int32) string {
	if n >= 0 {
		return formatUint32(uint32(n))
	}
	return "-" + formatUint32(uint32(-int64(n)))
}
