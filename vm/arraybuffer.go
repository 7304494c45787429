package vm

// ---------------------------------------------------------------------------
// Array buffers
// ---------------------------------------------------------------------------

// arrayBufferRecord backs both ArrayBuffer and SharedArrayBuffer cells.
// Shared buffers do not own their bytes; the host allocator does, keyed
// by sabID, so the same storage can outlive any one runtime.
type arrayBufferRecord struct {
	data     []byte
	detached bool
	shared   bool
	sabID    uint64
}

// SABAllocator manages shared buffer storage outside any single runtime.
// Dup and Free adjust the host-side reference count of one buffer; the
// serialization codec calls them when a stream captures or releases a
// buffer handle.
type SABAllocator interface {
	Alloc(size int) (id uint64, data []byte, err error)
	Dup(id uint64)
	Free(id uint64)
	Resolve(id uint64) []byte
}

// SetSABAllocator installs the shared buffer allocator. Without one,
// shared buffer creation and decoding fail.
func (rt *Runtime) SetSABAllocator(a SABAllocator) {
	rt.sabAllocator = a
}

// NewArrayBuffer creates a buffer cell owning data. The result is owned
// by the caller.
func (ctx *Context) NewArrayBuffer(data []byte) Value {
	rt := ctx.rt
	v, err := rt.newCell(ClassArrayBuffer, nil, Null)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	obj := rt.obj(v)
	obj.native = &arrayBufferRecord{data: data}
	if err := rt.accountExtra(obj, int64(len(data))); err != nil {
		rt.FreeValue(v)
		return ctx.throwOutOfMemory()
	}
	return v
}

// NewArrayBufferCopy creates a buffer cell with a private copy of data.
func (ctx *Context) NewArrayBufferCopy(data []byte) Value {
	cp := make([]byte, len(data))
	copy(cp, data)
	return ctx.NewArrayBuffer(cp)
}

// NewSharedArrayBuffer allocates a shareable buffer through the host
// allocator. The result is owned by the caller.
func (ctx *Context) NewSharedArrayBuffer(size int) Value {
	rt := ctx.rt
	if rt.sabAllocator == nil {
		return ctx.ThrowTypeError("no shared buffer allocator installed")
	}
	id, data, err := rt.sabAllocator.Alloc(size)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	v, cellErr := rt.newCell(ClassSharedArrayBuffer, nil, Null)
	if cellErr != nil {
		rt.sabAllocator.Free(id)
		return ctx.throwOutOfMemory()
	}
	rt.obj(v).native = &arrayBufferRecord{data: data, shared: true, sabID: id}
	return v
}

// sharedArrayBufferFromID wraps an existing host buffer id without
// adjusting its host refcount; the caller has already taken one.
func (ctx *Context) sharedArrayBufferFromID(id uint64) Value {
	rt := ctx.rt
	data := rt.sabAllocator.Resolve(id)
	if data == nil {
		return ctx.ThrowTypeError("unknown shared buffer handle %d", id)
	}
	v, err := rt.newCell(ClassSharedArrayBuffer, nil, Null)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	rt.obj(v).native = &arrayBufferRecord{data: data, shared: true, sabID: id}
	return v
}

func (rt *Runtime) arrayBufferRecordOf(v Value) *arrayBufferRecord {
	o := rt.ObjectOf(v)
	if o == nil || (o.class != ClassArrayBuffer && o.class != ClassSharedArrayBuffer) {
		return nil
	}
	rec, _ := o.native.(*arrayBufferRecord)
	return rec
}

// ArrayBufferBytes returns the backing bytes of a buffer cell. The slice
// aliases the cell (or host storage for shared buffers); nil for
// detached cells and non-buffers.
func (rt *Runtime) ArrayBufferBytes(v Value) []byte {
	rec := rt.arrayBufferRecordOf(v)
	if rec == nil || rec.detached {
		return nil
	}
	return rec.data
}

// IsSharedArrayBuffer reports whether v is a shared buffer cell.
func (rt *Runtime) IsSharedArrayBuffer(v Value) bool {
	o := rt.ObjectOf(v)
	return o != nil && o.class == ClassSharedArrayBuffer
}

// DetachArrayBuffer releases a buffer's storage while the cell lives on.
// Shared buffers cannot detach.
func (ctx *Context) DetachArrayBuffer(v Value) PropResult {
	rec := ctx.rt.arrayBufferRecordOf(v)
	if rec == nil {
		ctx.ThrowTypeError("not an array buffer")
		return PropException
	}
	if rec.shared {
		ctx.ThrowTypeError("cannot detach a shared buffer")
		return PropException
	}
	rec.data = nil
	rec.detached = true
	return PropOK
}

func finalizeArrayBuffer(rt *Runtime, obj *Object) {
	obj.native = nil
}

func finalizeSharedArrayBuffer(rt *Runtime, obj *Object) {
	rec, _ := obj.native.(*arrayBufferRecord)
	if rec != nil && rt.sabAllocator != nil {
		rt.sabAllocator.Free(rec.sabID)
	}
	obj.native = nil
}
