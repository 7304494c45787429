package vm

// ---------------------------------------------------------------------------
// Weak references
// ---------------------------------------------------------------------------

// WeakRef observes a heap cell without keeping it alive. The reference
// clears when the target dies, whether through plain reference counting
// or a cycle collector pass, and always before the target's finalizer
// runs.
type WeakRef struct {
	rt     *Runtime
	target Value
	alive  bool
}

// NewWeakRef creates a weak reference to target. target is borrowed and
// must be a heap value.
func (rt *Runtime) NewWeakRef(target Value) *WeakRef {
	if !target.HasRefCount() {
		panic("vm: weak reference target must be heap allocated")
	}
	obj := rt.obj(target)
	wr := &WeakRef{rt: rt, target: target, alive: true}
	rt.weakRefs[obj.handle] = append(rt.weakRefs[obj.handle], wr)
	return wr
}

// Deref returns an owned strong reference to the target, or Undefined
// when the target has died.
func (wr *WeakRef) Deref() Value {
	if !wr.alive {
		return Undefined
	}
	return wr.rt.DupValue(wr.target)
}

// Alive reports whether the target still exists.
func (wr *WeakRef) Alive() bool { return wr.alive }

// Release drops the weak reference before its target dies.
func (wr *WeakRef) Release() {
	if !wr.alive {
		return
	}
	rt := wr.rt
	h := rt.obj(wr.target).handle
	refs := rt.weakRefs[h]
	for i, r := range refs {
		if r == wr {
			refs[i] = refs[len(refs)-1]
			refs = refs[:len(refs)-1]
			break
		}
	}
	if len(refs) == 0 {
		delete(rt.weakRefs, h)
	} else {
		rt.weakRefs[h] = refs
	}
	wr.alive = false
	wr.target = Undefined
}

// clearWeakRefsTo severs every weak reference observing obj. Runs before
// the class finalizer in both death paths.
func (rt *Runtime) clearWeakRefsTo(obj *Object) {
	refs, ok := rt.weakRefs[obj.handle]
	if !ok {
		return
	}
	for _, wr := range refs {
		wr.alive = false
		wr.target = Undefined
	}
	delete(rt.weakRefs, obj.handle)
}
