package vm

import "sort"

// ---------------------------------------------------------------------------
// Property operations
// ---------------------------------------------------------------------------

// PropResult is the tri-state outcome of a property operation. Exotic
// methods can raise, so operations cannot collapse to a boolean.
type PropResult int8

const (
	// PropOK: the operation succeeded.
	PropOK PropResult = iota
	// PropFail: the operation could not comply and failed silently
	// (PropThrow was not set).
	PropFail
	// PropException: an exception is pending in the Context.
	PropException
)

// PropertyDescriptor describes one own property. Value, Getter and Setter
// are owned by the holder of the descriptor; release with FreeDescriptor.
type PropertyDescriptor struct {
	Flags  PropFlags
	Value  Value
	Getter Value
	Setter Value
}

// FreeDescriptor releases the handles held by a descriptor.
func (ctx *Context) FreeDescriptor(d *PropertyDescriptor) {
	if d == nil {
		return
	}
	ctx.rt.FreeValue(d.Value)
	ctx.rt.FreeValue(d.Getter)
	ctx.rt.FreeValue(d.Setter)
	d.Value, d.Getter, d.Setter = Undefined, Undefined, Undefined
}

// PropEnum is one entry of an own-key enumeration. The atom is owned by
// the receiver of the enumeration.
type PropEnum struct {
	Atom       Atom
	Enumerable bool
}

// propFail resolves the silent-vs-throw policy for a failed operation.
func (ctx *Context) propFail(flags PropFlags, format string, args ...any) PropResult {
	if flags&PropThrow != 0 {
		ctx.ThrowTypeError(format, args...)
		return PropException
	}
	return PropFail
}

// ---------------------------------------------------------------------------
// Get
// ---------------------------------------------------------------------------

// GetProperty reads obj[atom], walking the prototype chain. Accessor
// getters are invoked with the original receiver. obj and atom are
// borrowed; the result is owned (or the Exception sentinel).
func (ctx *Context) GetProperty(obj Value, atom Atom) Value {
	return ctx.getPropertyInternal(obj, atom, obj)
}

// GetPropertyStr is GetProperty with a transient string key.
func (ctx *Context) GetPropertyStr(obj Value, name string) Value {
	atom := ctx.rt.NewAtom(name)
	defer ctx.rt.FreeAtom(atom)
	return ctx.GetProperty(obj, atom)
}

// GetPropertyUInt32 is GetProperty with an array index key.
func (ctx *Context) GetPropertyUInt32(obj Value, idx uint32) Value {
	atom := ctx.rt.NewAtomUInt32(idx)
	defer ctx.rt.FreeAtom(atom)
	return ctx.GetProperty(obj, atom)
}

func (ctx *Context) getPropertyInternal(obj Value, atom Atom, receiver Value) Value {
	rt := ctx.rt
	if !obj.IsObject() {
		return ctx.ThrowTypeError("cannot read property %q of %s", rt.AtomString(atom), ctx.typeName(obj))
	}
	cur := obj
	for cur.IsObject() {
		o := rt.obj(cur)
		def := rt.classes.lookup(o.class)
		if def != nil && def.Exotic != nil {
			if def.Exotic.Get != nil {
				v, res := def.Exotic.Get(ctx, o, atom, receiver)
				if res == PropException {
					return Exception
				}
				return v
			}
			if def.Exotic.GetOwnProperty != nil {
				desc, res := def.Exotic.GetOwnProperty(ctx, o, atom)
				if res == PropException {
					return Exception
				}
				if desc != nil {
					v := ctx.descriptorRead(desc, receiver)
					ctx.FreeDescriptor(desc)
					return v
				}
			}
		}
		if o.shape != nil {
			if i, ok := o.shape.find(atom); ok {
				return ctx.readField(o, i, receiver)
			}
		}
		cur = o.proto
	}
	return Undefined
}

// readField loads field i of o, dispatching on the descriptor kind.
func (ctx *Context) readField(o *Object, i int, receiver Value) Value {
	rt := ctx.rt
	f := o.shape.fields[i]
	switch f.flags.kind() {
	case PropGetSet:
		getter := o.getSlot(f.offset)
		if getter.IsUndefined() {
			return Undefined
		}
		return ctx.Call(getter, receiver, nil)
	case PropVarRef:
		cell := o.getSlot(f.offset)
		return rt.DupValue(rt.obj(cell).slot0)
	case PropAutoInit:
		return ctx.resolveAutoInit(o, i, receiver)
	default:
		return rt.DupValue(o.getSlot(f.offset))
	}
}

// descriptorRead realizes a value from an exotic descriptor.
func (ctx *Context) descriptorRead(desc *PropertyDescriptor, receiver Value) Value {
	if desc.Flags.kind() == PropGetSet {
		if desc.Getter.IsUndefined() {
			return Undefined
		}
		return ctx.Call(desc.Getter, receiver, nil)
	}
	return ctx.rt.DupValue(desc.Value)
}

// autoInitFunc computes the value of an auto-init slot on first access.
type autoInitFunc func(ctx *Context, this Value, atom Atom) Value

// resolveAutoInit computes a lazy slot and demotes the descriptor to a
// normal value slot.
func (ctx *Context) resolveAutoInit(o *Object, i int, receiver Value) Value {
	rt := ctx.rt
	f := o.shape.fields[i]
	initCell := o.getSlot(f.offset)
	init, _ := rt.obj(initCell).native.(autoInitFunc)
	var v Value = Undefined
	if init != nil {
		v = init(ctx, receiver, f.atom)
		if v.IsException() {
			return v
		}
	}
	if ctx.mutateFieldFlags(o, i, f.flags&^PropKindMask|PropNormal) != PropOK {
		rt.FreeValue(v)
		return Exception
	}
	rt.FreeValue(initCell)
	o.setSlot(f.offset, rt.DupValue(v))
	return v
}

// mutateFieldFlags rewrites the flags of field i, cloning the shape first
// when it is shared. A shape referenced by several objects is never
// mutated in place.
func (ctx *Context) mutateFieldFlags(o *Object, i int, flags PropFlags) PropResult {
	rt := ctx.rt
	if o.shape.shared() {
		clone, err := rt.shapeClonePrivate(o.shape)
		if err != nil {
			ctx.throwOutOfMemory()
			return PropException
		}
		rt.shapeRelease(o.shape)
		o.shape = clone
	}
	o.shape.fields[i].flags = flags.attrBits()
	return PropOK
}

// reserveSlots charges the overflow storage backing n new slots starting
// at off. The returned byte count lets a failing caller hand the charge
// back.
func (rt *Runtime) reserveSlots(o *Object, off, n uint32) (int64, error) {
	var b int64
	for s := off; s < off+n; s++ {
		if s >= numInlineSlots {
			b += slotBytes
		}
	}
	if b == 0 {
		return 0, nil
	}
	if err := rt.accountExtra(o, b); err != nil {
		return 0, err
	}
	return b, nil
}

// releaseSlots returns the overflow charge of slots [off, off+n).
func (rt *Runtime) releaseSlots(o *Object, off, n uint32) {
	var b int64
	for s := off; s < off+n; s++ {
		if s >= numInlineSlots {
			b += slotBytes
		}
	}
	if b > 0 {
		rt.releaseExtra(o, b)
	}
}

// ---------------------------------------------------------------------------
// Set
// ---------------------------------------------------------------------------

// SetProperty writes obj[atom] = val with throw-on-failure semantics.
// obj and atom are borrowed; val is consumed.
func (ctx *Context) SetProperty(obj Value, atom Atom, val Value) PropResult {
	return ctx.SetPropertyFlags(obj, atom, val, PropThrow)
}

// SetPropertyStr is SetProperty with a transient string key.
func (ctx *Context) SetPropertyStr(obj Value, name string, val Value) PropResult {
	atom := ctx.rt.NewAtom(name)
	defer ctx.rt.FreeAtom(atom)
	return ctx.SetProperty(obj, atom, val)
}

// SetPropertyUInt32 is SetProperty with an array index key.
func (ctx *Context) SetPropertyUInt32(obj Value, idx uint32, val Value) PropResult {
	atom := ctx.rt.NewAtomUInt32(idx)
	defer ctx.rt.FreeAtom(atom)
	return ctx.SetProperty(obj, atom, val)
}

// SetPropertyFlags writes obj[atom] = val. flags selects throw-vs-silent
// failure. val is consumed in every outcome.
func (ctx *Context) SetPropertyFlags(obj Value, atom Atom, val Value, flags PropFlags) PropResult {
	rt := ctx.rt
	if !obj.IsObject() {
		rt.FreeValue(val)
		return ctx.propFail(flags|PropThrow, "cannot set property %q of %s", rt.AtomString(atom), ctx.typeName(obj))
	}
	receiver := obj
	cur := obj
	for cur.IsObject() {
		o := rt.obj(cur)
		def := rt.classes.lookup(o.class)
		if def != nil && def.Exotic != nil {
			if def.Exotic.Set != nil {
				handled, res := def.Exotic.Set(ctx, o, atom, val, receiver, flags)
				if handled {
					return res
				}
			}
			if def.Exotic.GetOwnProperty != nil {
				desc, res := def.Exotic.GetOwnProperty(ctx, o, atom)
				if res == PropException {
					rt.FreeValue(val)
					return PropException
				}
				if desc != nil {
					res = ctx.writeThroughDescriptor(desc, atom, receiver, val, flags)
					ctx.FreeDescriptor(desc)
					return res
				}
			}
		}
		if o.shape != nil {
			if i, ok := o.shape.find(atom); ok {
				return ctx.writeField(o, i, cur, receiver, val, flags)
			}
		}
		cur = o.proto
	}
	// Property absent along the whole chain: create an own data property
	// on the receiver.
	return ctx.createOwnValue(receiver, atom, val, PropCWE, flags)
}

func (ctx *Context) writeField(o *Object, i int, holder, receiver, val Value, flags PropFlags) PropResult {
	rt := ctx.rt
	f := o.shape.fields[i]
	switch f.flags.kind() {
	case PropGetSet:
		setter := o.getSlot(f.offset + 1)
		if setter.IsUndefined() {
			rt.FreeValue(val)
			return ctx.propFail(flags, "property %q has no setter", rt.AtomString(f.atom))
		}
		ret := ctx.Call(setter, receiver, []Value{val})
		rt.FreeValue(val)
		if ret.IsException() {
			return PropException
		}
		rt.FreeValue(ret)
		return PropOK
	case PropVarRef:
		if f.flags&PropWritable == 0 {
			rt.FreeValue(val)
			return ctx.propFail(flags, "binding %q is read-only", rt.AtomString(f.atom))
		}
		cell := rt.obj(o.getSlot(f.offset))
		rt.FreeValue(cell.slot0)
		cell.slot0 = val
		return PropOK
	case PropAutoInit:
		// Writing replaces the pending initializer with a plain value.
		if res := ctx.mutateFieldFlags(o, i, f.flags&^PropKindMask|PropNormal); res != PropOK {
			rt.FreeValue(val)
			return res
		}
		fallthrough
	default:
		if f.flags&PropWritable == 0 {
			rt.FreeValue(val)
			return ctx.propFail(flags, "property %q is read-only", rt.AtomString(f.atom))
		}
		if holder == receiver {
			old := o.getSlot(f.offset)
			o.setSlot(f.offset, val)
			rt.FreeValue(old)
			return PropOK
		}
		// Writable data property found on the prototype chain: shadow it
		// with an own property on the receiver.
		return ctx.createOwnValue(receiver, f.atom, val, PropCWE, flags)
	}
}

func (ctx *Context) writeThroughDescriptor(desc *PropertyDescriptor, atom Atom, receiver, val Value, flags PropFlags) PropResult {
	rt := ctx.rt
	if desc.Flags.kind() == PropGetSet {
		if desc.Setter.IsUndefined() {
			rt.FreeValue(val)
			return ctx.propFail(flags, "property has no setter")
		}
		ret := ctx.Call(desc.Setter, receiver, []Value{val})
		rt.FreeValue(val)
		if ret.IsException() {
			return PropException
		}
		rt.FreeValue(ret)
		return PropOK
	}
	if desc.Flags&PropWritable == 0 {
		rt.FreeValue(val)
		return ctx.propFail(flags, "property %q is read-only", rt.AtomString(atom))
	}
	// Writable data property found through an exotic holder: shadow it
	// with an own property on the receiver.
	return ctx.createOwnValue(receiver, atom, val, PropCWE, flags)
}

// createOwnValue adds a fresh own data property. val is consumed.
func (ctx *Context) createOwnValue(objVal Value, atom Atom, val Value, attrs, flags PropFlags) PropResult {
	rt := ctx.rt
	if !objVal.IsObject() {
		rt.FreeValue(val)
		return ctx.propFail(flags, "receiver is not an object")
	}
	o := rt.obj(objVal)
	if !o.extensible {
		rt.FreeValue(val)
		return ctx.propFail(flags, "object is not extensible")
	}
	def := rt.classes.lookup(o.class)
	if def != nil && def.Exotic != nil && def.Exotic.Define != nil {
		handled, res := def.Exotic.Define(ctx, o, atom, PropertyDescriptor{
			Flags: attrs | PropHasValue | PropNormal,
			Value: val,
		}, flags)
		if handled {
			rt.FreeValue(val)
			return res
		}
	}
	if o.shape == nil {
		rt.FreeValue(val)
		return ctx.propFail(flags, "cannot define property on %s cell", rt.ClassName(o.class))
	}
	charged, err := rt.reserveSlots(o, o.shape.slotCount, 1)
	if err != nil {
		rt.FreeValue(val)
		ctx.throwOutOfMemory()
		return PropException
	}
	shape, err := rt.shapeAdd(o.shape, atom, attrs|PropNormal)
	if err != nil {
		rt.releaseExtra(o, charged)
		rt.FreeValue(val)
		ctx.throwOutOfMemory()
		return PropException
	}
	off := o.shape.slotCount
	rt.shapeRelease(o.shape)
	o.shape = shape
	o.setSlot(off, val)
	return PropOK
}

// ---------------------------------------------------------------------------
// Has / Delete
// ---------------------------------------------------------------------------

// HasProperty reports whether obj has atom, own or inherited.
func (ctx *Context) HasProperty(obj Value, atom Atom) (bool, PropResult) {
	rt := ctx.rt
	cur := obj
	for cur.IsObject() {
		o := rt.obj(cur)
		def := rt.classes.lookup(o.class)
		if def != nil && def.Exotic != nil {
			if def.Exotic.Has != nil {
				found, res := def.Exotic.Has(ctx, o, atom)
				if res != PropOK {
					return false, res
				}
				if found {
					return true, PropOK
				}
			} else if def.Exotic.GetOwnProperty != nil {
				desc, res := def.Exotic.GetOwnProperty(ctx, o, atom)
				if res == PropException {
					return false, res
				}
				if desc != nil {
					ctx.FreeDescriptor(desc)
					return true, PropOK
				}
			}
		}
		if o.shape != nil {
			if _, ok := o.shape.find(atom); ok {
				return true, PropOK
			}
		}
		cur = o.proto
	}
	return false, PropOK
}

// DeleteProperty removes an own property. Inherited properties are never
// affected. flags selects throw-vs-silent failure for non-configurable
// properties.
func (ctx *Context) DeleteProperty(obj Value, atom Atom, flags PropFlags) PropResult {
	rt := ctx.rt
	if !obj.IsObject() {
		return ctx.propFail(flags, "cannot delete property of non-object")
	}
	o := rt.obj(obj)
	def := rt.classes.lookup(o.class)
	if def != nil && def.Exotic != nil && def.Exotic.Delete != nil {
		handled, res := def.Exotic.Delete(ctx, o, atom)
		if handled {
			if res == PropFail {
				return ctx.propFail(flags, "cannot delete property %q", rt.AtomString(atom))
			}
			return res
		}
	}
	if o.shape == nil {
		return PropOK
	}
	i, ok := o.shape.find(atom)
	if !ok {
		// Deleting an absent property succeeds.
		return PropOK
	}
	f := o.shape.fields[i]
	if f.flags&PropConfigurable == 0 {
		return ctx.propFail(flags, "property %q is not configurable", rt.AtomString(atom))
	}
	total := o.shape.slotCount
	for s := uint32(0); s < f.slotCount(); s++ {
		rt.FreeValue(o.getSlot(f.offset + s))
		o.setSlot(f.offset+s, Undefined)
	}
	shape, off, n, err := rt.shapeRemove(o.shape, i)
	if err != nil {
		ctx.throwOutOfMemory()
		return PropException
	}
	rt.shapeRelease(o.shape)
	o.shape = shape
	o.removeSlots(off, n, total)
	rt.releaseSlots(o, total-n, n)
	return PropOK
}

// ---------------------------------------------------------------------------
// Define
// ---------------------------------------------------------------------------

// DefineProperty defines or updates an own property from a descriptor.
// Values inside desc are borrowed; the object takes its own references.
func (ctx *Context) DefineProperty(obj Value, atom Atom, desc PropertyDescriptor, flags PropFlags) PropResult {
	rt := ctx.rt
	if !obj.IsObject() {
		return ctx.propFail(flags, "cannot define property on non-object")
	}
	o := rt.obj(obj)
	def := rt.classes.lookup(o.class)
	if def != nil && def.Exotic != nil && def.Exotic.Define != nil {
		handled, res := def.Exotic.Define(ctx, o, atom, desc, flags)
		if handled {
			return res
		}
	}
	if o.shape == nil {
		return ctx.propFail(flags, "cannot define property on %s cell", rt.ClassName(o.class))
	}

	wantKind := PropNormal
	if desc.Flags&(PropHasGet|PropHasSet) != 0 {
		wantKind = PropGetSet
	} else if desc.Flags.kind() != PropNormal {
		wantKind = desc.Flags.kind()
	}

	if i, ok := o.shape.find(atom); ok {
		return ctx.updateOwnProperty(o, i, wantKind, desc, flags)
	}

	if !o.extensible {
		return ctx.propFail(flags, "object is not extensible")
	}
	slots := uint32(1)
	if wantKind == PropGetSet {
		slots = 2
	}
	charged, err := rt.reserveSlots(o, o.shape.slotCount, slots)
	if err != nil {
		ctx.throwOutOfMemory()
		return PropException
	}
	attrs := desc.Flags&PropCWE | wantKind
	shape, err := rt.shapeAdd(o.shape, atom, attrs)
	if err != nil {
		rt.releaseExtra(o, charged)
		ctx.throwOutOfMemory()
		return PropException
	}
	off := o.shape.slotCount
	rt.shapeRelease(o.shape)
	o.shape = shape
	switch wantKind {
	case PropGetSet:
		o.setSlot(off, rt.DupValue(desc.Getter))
		o.setSlot(off+1, rt.DupValue(desc.Setter))
	default:
		o.setSlot(off, rt.DupValue(desc.Value))
	}
	return PropOK
}

func (ctx *Context) updateOwnProperty(o *Object, i int, wantKind PropFlags, desc PropertyDescriptor, flags PropFlags) PropResult {
	rt := ctx.rt
	f := o.shape.fields[i]
	curKind := f.flags.kind()

	if f.flags&PropConfigurable == 0 {
		if wantKind != curKind {
			return ctx.propFail(flags, "property %q is not configurable", rt.AtomString(f.atom))
		}
		if desc.Flags&PropHasConfigurable != 0 && desc.Flags&PropConfigurable != 0 {
			return ctx.propFail(flags, "property %q is not configurable", rt.AtomString(f.atom))
		}
		if desc.Flags&PropHasEnumerable != 0 && desc.Flags&PropEnumerable != f.flags&PropEnumerable {
			return ctx.propFail(flags, "property %q is not configurable", rt.AtomString(f.atom))
		}
		if f.flags&PropWritable == 0 {
			if desc.Flags&PropHasWritable != 0 && desc.Flags&PropWritable != 0 {
				return ctx.propFail(flags, "property %q is not configurable", rt.AtomString(f.atom))
			}
			if desc.Flags&PropHasValue != 0 {
				return ctx.propFail(flags, "property %q is read-only", rt.AtomString(f.atom))
			}
		}
	}

	if wantKind != curKind {
		// Kind change rebuilds the layout: drop the old field, then add
		// the property back with the new kind.
		a := rt.DupAtom(f.atom)
		defer rt.FreeAtom(a)
		if res := ctx.DeleteProperty(makeHandleValue(boxForClass(o.class), o.handle), a, flags); res != PropOK {
			return res
		}
		slots := uint32(1)
		if wantKind == PropGetSet {
			slots = 2
		}
		charged, err := rt.reserveSlots(o, o.shape.slotCount, slots)
		if err != nil {
			ctx.throwOutOfMemory()
			return PropException
		}
		attrs := desc.Flags&PropCWE | wantKind
		shape, err := rt.shapeAdd(o.shape, a, attrs)
		if err != nil {
			rt.releaseExtra(o, charged)
			ctx.throwOutOfMemory()
			return PropException
		}
		off := o.shape.slotCount
		rt.shapeRelease(o.shape)
		o.shape = shape
		if wantKind == PropGetSet {
			o.setSlot(off, rt.DupValue(desc.Getter))
			o.setSlot(off+1, rt.DupValue(desc.Setter))
		} else {
			o.setSlot(off, rt.DupValue(desc.Value))
		}
		return PropOK
	}

	newFlags := f.flags
	if desc.Flags&PropHasConfigurable != 0 {
		newFlags = newFlags&^PropConfigurable | desc.Flags&PropConfigurable
	}
	if desc.Flags&PropHasEnumerable != 0 {
		newFlags = newFlags&^PropEnumerable | desc.Flags&PropEnumerable
	}
	if desc.Flags&PropHasWritable != 0 {
		newFlags = newFlags&^PropWritable | desc.Flags&PropWritable
	}
	if newFlags != f.flags {
		if res := ctx.mutateFieldFlags(o, i, newFlags); res != PropOK {
			return res
		}
	}
	switch curKind {
	case PropGetSet:
		if desc.Flags&PropHasGet != 0 {
			old := o.getSlot(f.offset)
			o.setSlot(f.offset, rt.DupValue(desc.Getter))
			rt.FreeValue(old)
		}
		if desc.Flags&PropHasSet != 0 {
			old := o.getSlot(f.offset + 1)
			o.setSlot(f.offset+1, rt.DupValue(desc.Setter))
			rt.FreeValue(old)
		}
	default:
		if desc.Flags&PropHasValue != 0 {
			old := o.getSlot(f.offset)
			o.setSlot(f.offset, rt.DupValue(desc.Value))
			rt.FreeValue(old)
		}
	}
	return PropOK
}

// DefinePropertyValue defines a data property. val is consumed.
func (ctx *Context) DefinePropertyValue(obj Value, atom Atom, val Value, attrs PropFlags) PropResult {
	res := ctx.DefineProperty(obj, atom, PropertyDescriptor{
		Flags: attrs&PropCWE | PropHasValue | PropHasConfigurable | PropHasEnumerable | PropHasWritable | PropNormal,
		Value: val,
	}, attrs&PropThrow)
	ctx.rt.FreeValue(val)
	return res
}

// DefinePropertyValueStr is DefinePropertyValue with a transient string key.
func (ctx *Context) DefinePropertyValueStr(obj Value, name string, val Value, attrs PropFlags) PropResult {
	atom := ctx.rt.NewAtom(name)
	defer ctx.rt.FreeAtom(atom)
	return ctx.DefinePropertyValue(obj, atom, val, attrs)
}

// DefinePropertyGetSet defines an accessor property. getter and setter are
// consumed.
func (ctx *Context) DefinePropertyGetSet(obj Value, atom Atom, getter, setter Value, attrs PropFlags) PropResult {
	res := ctx.DefineProperty(obj, atom, PropertyDescriptor{
		Flags:  attrs&PropCWE | PropHasGet | PropHasSet | PropHasConfigurable | PropHasEnumerable | PropGetSet,
		Getter: getter,
		Setter: setter,
	}, attrs&PropThrow)
	ctx.rt.FreeValue(getter)
	ctx.rt.FreeValue(setter)
	return res
}

// defineVarRef installs an internal variable-reference slot backed by a
// shared mutable cell, as used for closure-captured bindings. cell must be
// a VarRef object; it is consumed.
func (ctx *Context) defineVarRef(obj Value, atom Atom, cell Value, attrs PropFlags) PropResult {
	rt := ctx.rt
	o := rt.obj(obj)
	charged, err := rt.reserveSlots(o, o.shape.slotCount, 1)
	if err != nil {
		rt.FreeValue(cell)
		ctx.throwOutOfMemory()
		return PropException
	}
	shape, err := rt.shapeAdd(o.shape, atom, attrs&PropCWE|PropVarRef)
	if err != nil {
		rt.releaseExtra(o, charged)
		rt.FreeValue(cell)
		ctx.throwOutOfMemory()
		return PropException
	}
	off := o.shape.slotCount
	rt.shapeRelease(o.shape)
	o.shape = shape
	o.setSlot(off, cell)
	return PropOK
}

// defineAutoInit installs a lazily computed slot. The initializer runs on
// first read, after which the slot behaves as a normal value slot.
func (ctx *Context) defineAutoInit(obj Value, atom Atom, init autoInitFunc, attrs PropFlags) PropResult {
	rt := ctx.rt
	cellVal, err := rt.newCell(ClassAutoInit, nil, Null)
	if err != nil {
		ctx.throwOutOfMemory()
		return PropException
	}
	rt.obj(cellVal).native = init
	o := rt.obj(obj)
	charged, err := rt.reserveSlots(o, o.shape.slotCount, 1)
	if err != nil {
		rt.FreeValue(cellVal)
		ctx.throwOutOfMemory()
		return PropException
	}
	shape, err := rt.shapeAdd(o.shape, atom, attrs&PropCWE|PropAutoInit)
	if err != nil {
		rt.releaseExtra(o, charged)
		rt.FreeValue(cellVal)
		ctx.throwOutOfMemory()
		return PropException
	}
	off := o.shape.slotCount
	rt.shapeRelease(o.shape)
	o.shape = shape
	o.setSlot(off, cellVal)
	return PropOK
}

// ---------------------------------------------------------------------------
// Own keys
// ---------------------------------------------------------------------------

// GetOwnPropertyNames enumerates own keys: array-index keys first in
// ascending numeric order, then the remaining string/symbol keys in
// insertion order. Returned atoms are owned; release with FreePropEnum.
func (ctx *Context) GetOwnPropertyNames(obj Value) ([]PropEnum, PropResult) {
	rt := ctx.rt
	if !obj.IsObject() {
		ctx.ThrowTypeError("cannot enumerate keys of %s", ctx.typeName(obj))
		return nil, PropException
	}
	o := rt.obj(obj)
	def := rt.classes.lookup(o.class)
	if def != nil && def.Exotic != nil && def.Exotic.OwnKeys != nil {
		atoms, res := def.Exotic.OwnKeys(ctx, o)
		if res != PropOK {
			return nil, res
		}
		out := make([]PropEnum, len(atoms))
		for i, a := range atoms {
			out[i] = PropEnum{Atom: a, Enumerable: true}
		}
		for i := range out {
			enum, res := ctx.ownKeyEnumerable(o, def, out[i].Atom)
			if res != PropOK {
				ctx.FreePropEnum(out)
				return nil, res
			}
			out[i].Enumerable = enum
		}
		return sortPropEnum(rt, out), PropOK
	}
	if o.shape == nil {
		return nil, PropOK
	}
	out := make([]PropEnum, 0, len(o.shape.fields))
	for _, f := range o.shape.fields {
		out = append(out, PropEnum{
			Atom:       rt.DupAtom(f.atom),
			Enumerable: f.flags&PropEnumerable != 0,
		})
	}
	return sortPropEnum(rt, out), PropOK
}

// FreePropEnum releases the atoms of an enumeration result.
func (ctx *Context) FreePropEnum(entries []PropEnum) {
	for _, e := range entries {
		ctx.rt.FreeAtom(e.Atom)
	}
}

// ownKeyEnumerable resolves the enumerable attribute of one own key,
// consulting the exotic descriptor first and the shape after.
func (ctx *Context) ownKeyEnumerable(o *Object, def *ClassDef, a Atom) (bool, PropResult) {
	if def.Exotic.GetOwnProperty != nil {
		desc, res := def.Exotic.GetOwnProperty(ctx, o, a)
		if res == PropException {
			return false, res
		}
		if desc != nil {
			enum := desc.Flags&PropEnumerable != 0
			ctx.FreeDescriptor(desc)
			return enum, PropOK
		}
	}
	if o.shape != nil {
		if i, ok := o.shape.find(a); ok {
			return o.shape.fields[i].flags&PropEnumerable != 0, PropOK
		}
	}
	return true, PropOK
}

// sortPropEnum applies the canonical own-key ordering: index-like keys in
// ascending numeric order first, everything else keeps insertion order.
func sortPropEnum(rt *Runtime, entries []PropEnum) []PropEnum {
	sort.SliceStable(entries, func(i, j int) bool {
		ii, iok := rt.AtomIsArrayIndex(entries[i].Atom)
		ji, jok := rt.AtomIsArrayIndex(entries[j].Atom)
		switch {
		case iok && jok:
			return ii < ji
		case iok:
			return true
		default:
			return false
		}
	})
	return entries
}

// ---------------------------------------------------------------------------
// Own property lookup
// ---------------------------------------------------------------------------

// GetOwnProperty returns the descriptor of an own property, or nil if
// absent. The descriptor's handles are owned; release with FreeDescriptor.
func (ctx *Context) GetOwnProperty(obj Value, atom Atom) (*PropertyDescriptor, PropResult) {
	rt := ctx.rt
	if !obj.IsObject() {
		return nil, PropOK
	}
	o := rt.obj(obj)
	def := rt.classes.lookup(o.class)
	if def != nil && def.Exotic != nil && def.Exotic.GetOwnProperty != nil {
		desc, res := def.Exotic.GetOwnProperty(ctx, o, atom)
		if res != PropOK || desc != nil {
			return desc, res
		}
	}
	if o.shape == nil {
		return nil, PropOK
	}
	i, ok := o.shape.find(atom)
	if !ok {
		return nil, PropOK
	}
	f := o.shape.fields[i]
	desc := &PropertyDescriptor{Flags: f.flags, Value: Undefined, Getter: Undefined, Setter: Undefined}
	switch f.flags.kind() {
	case PropGetSet:
		desc.Getter = rt.DupValue(o.getSlot(f.offset))
		desc.Setter = rt.DupValue(o.getSlot(f.offset + 1))
	case PropVarRef:
		cell := o.getSlot(f.offset)
		desc.Value = rt.DupValue(rt.obj(cell).slot0)
	default:
		desc.Value = rt.DupValue(o.getSlot(f.offset))
	}
	return desc, PropOK
}

// ---------------------------------------------------------------------------
// Extensibility and prototypes
// ---------------------------------------------------------------------------

// PreventExtensions marks an object non-extensible. The flag is one-way.
func (ctx *Context) PreventExtensions(obj Value) PropResult {
	if !obj.IsObject() {
		return PropOK
	}
	ctx.rt.obj(obj).extensible = false
	return PropOK
}

// IsExtensible reports whether new own properties may be added.
func (ctx *Context) IsExtensible(obj Value) bool {
	return obj.IsObject() && ctx.rt.obj(obj).extensible
}

// GetPrototype returns the prototype of obj. The result is owned.
func (ctx *Context) GetPrototype(obj Value) Value {
	if !obj.IsObject() {
		return Null
	}
	return ctx.rt.DupValue(ctx.rt.obj(obj).proto)
}

// SetPrototype replaces the prototype of obj. proto is borrowed. Fails on
// non-extensible objects and on prototype cycles.
func (ctx *Context) SetPrototype(obj, proto Value, flags PropFlags) PropResult {
	rt := ctx.rt
	if !obj.IsObject() {
		return ctx.propFail(flags, "cannot set prototype of non-object")
	}
	o := rt.obj(obj)
	if o.proto == proto {
		return PropOK
	}
	if !o.extensible {
		return ctx.propFail(flags, "object is not extensible")
	}
	// Reject direct cycles so chain walks terminate.
	for p := proto; p.IsObject(); p = rt.obj(p).proto {
		if p == obj {
			return ctx.propFail(flags, "prototype cycle")
		}
	}
	old := o.proto
	o.proto = rt.DupValue(proto)
	rt.FreeValue(old)
	return PropOK
}
