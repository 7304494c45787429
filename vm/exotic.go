package vm

// ---------------------------------------------------------------------------
// Exotic property algorithms: arrays, string wrappers, module namespaces
// ---------------------------------------------------------------------------

// arrayExotic implements index-bounded fast-path element access for dense
// arrays. Elements live in arrayData, not in the shape, so per-object
// overhead stays proportional to the values. Non-index properties fall
// back to the default shape path.
var arrayExotic = &ExoticMethods{
	GetOwnProperty: arrayGetOwnProperty,
	OwnKeys:        arrayOwnKeys,
	Set:            arraySet,
	Delete:         arrayDelete,
	Define:         arrayDefine,
	Has:            arrayHas,
}

func arrayGetOwnProperty(ctx *Context, obj *Object, atom Atom) (*PropertyDescriptor, PropResult) {
	rt := ctx.rt
	if idx, ok := rt.AtomIsArrayIndex(atom); ok {
		if uint64(idx) < uint64(len(obj.arrayData)) {
			return &PropertyDescriptor{
				Flags:  PropCWE | PropNormal,
				Value:  rt.DupValue(obj.arrayData[idx]),
				Getter: Undefined,
				Setter: Undefined,
			}, PropOK
		}
		return nil, PropOK
	}
	if atom == AtomLength {
		return &PropertyDescriptor{
			Flags:  PropWritable | PropNormal,
			Value:  NewInt32(int32(len(obj.arrayData))),
			Getter: Undefined,
			Setter: Undefined,
		}, PropOK
	}
	return nil, PropOK
}

func arrayOwnKeys(ctx *Context, obj *Object) ([]Atom, PropResult) {
	rt := ctx.rt
	atoms := make([]Atom, 0, len(obj.arrayData)+1)
	for i := range obj.arrayData {
		atoms = append(atoms, rt.NewAtomUInt32(uint32(i)))
	}
	atoms = append(atoms, rt.DupAtom(AtomLength))
	if obj.shape != nil {
		for _, f := range obj.shape.fields {
			atoms = append(atoms, rt.DupAtom(f.atom))
		}
	}
	return atoms, PropOK
}

func arrayHas(ctx *Context, obj *Object, atom Atom) (bool, PropResult) {
	if idx, ok := ctx.rt.AtomIsArrayIndex(atom); ok {
		return uint64(idx) < uint64(len(obj.arrayData)), PropOK
	}
	return atom == AtomLength, PropOK
}

// arraySet consumes val when it handles the write.
func arraySet(ctx *Context, obj *Object, atom Atom, val Value, receiver Value, flags PropFlags) (bool, PropResult) {
	rt := ctx.rt
	if receiver.IsObject() && rt.obj(receiver) != obj {
		// Element writes never shadow through the prototype chain.
		return false, PropOK
	}
	if idx, ok := rt.AtomIsArrayIndex(atom); ok {
		n := uint32(len(obj.arrayData))
		if idx >= n {
			// Growth is metered before storage commits.
			grow := int64(idx-n+1) * slotBytes
			if err := rt.accountExtra(obj, grow); err != nil {
				rt.FreeValue(val)
				ctx.throwOutOfMemory()
				return true, PropException
			}
		}
		switch {
		case idx < n:
			old := obj.arrayData[idx]
			obj.arrayData[idx] = val
			rt.FreeValue(old)
		case idx == n:
			obj.arrayData = append(obj.arrayData, val)
		default:
			// Dense storage: fill the gap with undefined.
			for uint32(len(obj.arrayData)) < idx {
				obj.arrayData = append(obj.arrayData, Undefined)
			}
			obj.arrayData = append(obj.arrayData, val)
		}
		return true, PropOK
	}
	if atom == AtomLength {
		res := arraySetLength(ctx, obj, val, flags)
		rt.FreeValue(val)
		return true, res
	}
	return false, PropOK
}

func arraySetLength(ctx *Context, obj *Object, val Value, flags PropFlags) PropResult {
	var n int64
	switch {
	case val.IsInt():
		n = int64(val.Int32())
	case val.IsFloat():
		f := val.Float64()
		n = int64(f)
		if float64(n) != f {
			ctx.ThrowRangeError("invalid array length")
			return PropException
		}
	default:
		ctx.ThrowRangeError("invalid array length")
		return PropException
	}
	if n < 0 || n > 0xFFFFFFFE {
		ctx.ThrowRangeError("invalid array length")
		return PropException
	}
	cur := int64(len(obj.arrayData))
	switch {
	case n < cur:
		for i := n; i < cur; i++ {
			ctx.rt.FreeValue(obj.arrayData[i])
		}
		obj.arrayData = obj.arrayData[:n]
		ctx.rt.releaseExtra(obj, (cur-n)*slotBytes)
	case n > cur:
		if err := ctx.rt.accountExtra(obj, (n-cur)*slotBytes); err != nil {
			ctx.throwOutOfMemory()
			return PropException
		}
		for i := cur; i < n; i++ {
			obj.arrayData = append(obj.arrayData, Undefined)
		}
	}
	return PropOK
}

func arrayDelete(ctx *Context, obj *Object, atom Atom) (bool, PropResult) {
	rt := ctx.rt
	if idx, ok := rt.AtomIsArrayIndex(atom); ok {
		n := uint32(len(obj.arrayData))
		switch {
		case idx >= n:
			return true, PropOK
		case idx == n-1:
			rt.FreeValue(obj.arrayData[idx])
			obj.arrayData = obj.arrayData[:idx]
			rt.releaseExtra(obj, slotBytes)
			return true, PropOK
		default:
			// Dense storage has no holes; interior deletes fail.
			return true, PropFail
		}
	}
	if atom == AtomLength {
		return true, PropFail
	}
	return false, PropOK
}

// arrayDefine handles index and length keys; desc handles are borrowed.
func arrayDefine(ctx *Context, obj *Object, atom Atom, desc PropertyDescriptor, flags PropFlags) (bool, PropResult) {
	rt := ctx.rt
	if _, ok := rt.AtomIsArrayIndex(atom); ok {
		if desc.Flags&(PropHasGet|PropHasSet) != 0 {
			// Accessor elements would break the fast path.
			return true, ctx.propFail(flags, "cannot define accessor element on array")
		}
		_, res := arraySet(ctx, obj, atom, rt.DupValue(desc.Value), Undefined, flags)
		return true, res
	}
	if atom == AtomLength {
		if desc.Flags&PropHasValue == 0 {
			return true, ctx.propFail(flags, "cannot redefine array length")
		}
		return true, arraySetLength(ctx, obj, desc.Value, flags)
	}
	return false, PropOK
}

// NewArrayFrom builds an array from vals. vals are consumed.
func (ctx *Context) NewArrayFrom(vals ...Value) Value {
	rt := ctx.rt
	arr := ctx.NewArray()
	if arr.IsException() {
		for _, v := range vals {
			rt.FreeValue(v)
		}
		return arr
	}
	obj := rt.obj(arr)
	if err := rt.accountExtra(obj, int64(len(vals))*slotBytes); err != nil {
		for _, v := range vals {
			rt.FreeValue(v)
		}
		rt.FreeValue(arr)
		return ctx.throwOutOfMemory()
	}
	obj.arrayData = append(obj.arrayData, vals...)
	return arr
}

// ArrayLength returns the element count of an array value, or -1.
func (ctx *Context) ArrayLength(arr Value) int {
	o := ctx.rt.ObjectOf(arr)
	if o == nil || o.class != ClassArray {
		return -1
	}
	return len(o.arrayData)
}

// ---------------------------------------------------------------------------
// String wrapper objects
// ---------------------------------------------------------------------------

// stringExotic exposes read-only index access over the wrapped string.
var stringExotic = &ExoticMethods{
	GetOwnProperty: stringGetOwnProperty,
	Has:            stringHas,
}

func stringObjectContent(obj *Object) string {
	s, _ := obj.native.(string)
	return s
}

func stringGetOwnProperty(ctx *Context, obj *Object, atom Atom) (*PropertyDescriptor, PropResult) {
	rt := ctx.rt
	s := stringObjectContent(obj)
	if idx, ok := rt.AtomIsArrayIndex(atom); ok {
		if uint64(idx) < uint64(len(s)) {
			ch := ctx.NewString(s[idx : idx+1])
			if ch.IsException() {
				return nil, PropException
			}
			return &PropertyDescriptor{
				Flags:  PropEnumerable | PropNormal,
				Value:  ch,
				Getter: Undefined,
				Setter: Undefined,
			}, PropOK
		}
		return nil, PropOK
	}
	if atom == AtomLength {
		return &PropertyDescriptor{
			Flags:  PropNormal,
			Value:  NewInt32(int32(len(s))),
			Getter: Undefined,
			Setter: Undefined,
		}, PropOK
	}
	return nil, PropOK
}

func stringHas(ctx *Context, obj *Object, atom Atom) (bool, PropResult) {
	s := stringObjectContent(obj)
	if idx, ok := ctx.rt.AtomIsArrayIndex(atom); ok {
		return uint64(idx) < uint64(len(s)), PropOK
	}
	return atom == AtomLength, PropOK
}

// NewStringObject creates a String wrapper over s. The result is owned.
func (ctx *Context) NewStringObject(s string) Value {
	v := ctx.NewObjectClass(ClassStringObject)
	if v.IsException() {
		return v
	}
	ctx.rt.obj(v).native = s
	return v
}

func finalizeStringObject(rt *Runtime, obj *Object)               { obj.native = nil }
func markStringObject(rt *Runtime, obj *Object, mark func(Value)) {}

// ---------------------------------------------------------------------------
// Module namespaces
// ---------------------------------------------------------------------------

// moduleNSExotic makes namespace bindings read-only: writes and deletes
// fail, redefinition fails, reads go through the default varref slots.
var moduleNSExotic = &ExoticMethods{
	Set: func(ctx *Context, obj *Object, atom Atom, val Value, receiver Value, flags PropFlags) (bool, PropResult) {
		ctx.rt.FreeValue(val)
		return true, ctx.propFail(flags, "module namespace binding %q is read-only", ctx.rt.AtomString(atom))
	},
	Delete: func(ctx *Context, obj *Object, atom Atom) (bool, PropResult) {
		if obj.shape != nil {
			if _, ok := obj.shape.find(atom); ok {
				return true, PropFail
			}
		}
		return true, PropOK
	},
	Define: func(ctx *Context, obj *Object, atom Atom, desc PropertyDescriptor, flags PropFlags) (bool, PropResult) {
		return true, ctx.propFail(flags, "cannot define property on module namespace")
	},
}

// ---------------------------------------------------------------------------
// Variable-reference cells
// ---------------------------------------------------------------------------

// NewVarRef creates a shared mutable cell for a closure-captured binding.
// initial is consumed. The result is owned.
func (ctx *Context) NewVarRef(initial Value) Value {
	v, err := ctx.rt.newCell(ClassVarRef, nil, Null)
	if err != nil {
		ctx.rt.FreeValue(initial)
		return ctx.throwOutOfMemory()
	}
	ctx.rt.obj(v).slot0 = initial
	return v
}

// VarRefGet reads through a varref cell. The result is owned.
func (ctx *Context) VarRefGet(cell Value) Value {
	return ctx.rt.DupValue(ctx.rt.obj(cell).slot0)
}

// VarRefSet stores through a varref cell. val is consumed.
func (ctx *Context) VarRefSet(cell Value, val Value) {
	o := ctx.rt.obj(cell)
	old := o.slot0
	o.slot0 = val
	ctx.rt.FreeValue(old)
}

func markVarRef(rt *Runtime, obj *Object, mark func(Value)) {
	mark(obj.slot0)
}

func finalizeVarRef(rt *Runtime, obj *Object) {
	rt.FreeValue(obj.slot0)
	obj.slot0 = Undefined
}

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// NativeFunc is the Go implementation of a callable object. this and args
// are borrowed; the returned value is owned by the caller (or the
// Exception sentinel).
type NativeFunc func(ctx *Context, this Value, args []Value) Value

type functionRecord struct {
	name string
	fn   NativeFunc
}

// NewNativeFunction wraps a Go function as a callable object. The result
// is owned by the caller.
func (ctx *Context) NewNativeFunction(name string, fn NativeFunc) Value {
	v := ctx.NewObjectClass(ClassFunction)
	if v.IsException() {
		return v
	}
	ctx.rt.obj(v).native = &functionRecord{name: name, fn: fn}
	return v
}

func callNativeFunction(ctx *Context, fn, this Value, args []Value, isConstructor bool) Value {
	rec, _ := ctx.rt.obj(fn).native.(*functionRecord)
	if rec == nil || rec.fn == nil {
		return ctx.ThrowTypeError("object is not callable")
	}
	return rec.fn(ctx, this, args)
}

func finalizeFunction(rt *Runtime, obj *Object) { obj.native = nil }

// Captured engine values must live in properties or varref cells of the
// function object so the collector can see them; Go closure captures are
// invisible to the cycle pass.
func markFunction(rt *Runtime, obj *Object, mark func(Value)) {}
