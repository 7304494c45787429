package vm

// ---------------------------------------------------------------------------
// Reference counting and cycle collection
// ---------------------------------------------------------------------------

// DupValue takes a new reference on v and returns it. Scalars pass
// through unchanged.
func (rt *Runtime) DupValue(v Value) Value {
	if v.HasRefCount() {
		rt.obj(v).refCount++
	}
	return v
}

// FreeValue releases one reference on v. When the count reaches zero the
// cell is finalized and its handle reclaimed. Scalars are ignored.
func (rt *Runtime) FreeValue(v Value) {
	if !v.HasRefCount() {
		return
	}
	o := rt.heap.get(v.handle())
	if o == nil {
		panic("vm: free of dangling heap handle")
	}
	if rt.inCycleSweep && !o.marked {
		// Condemned by the running cycle pass; the sweep loop owns it.
		return
	}
	o.refCount--
	switch {
	case o.refCount > 0:
	case o.refCount == 0:
		rt.freeObject(o)
	default:
		panic("vm: reference count underflow")
	}
}

// freeObject tears down a dead cell. Recursive releases are flattened
// onto a work list so long ownership chains cannot overflow the stack.
func (rt *Runtime) freeObject(o *Object) {
	rt.deadObjects = append(rt.deadObjects, o)
	if rt.freeing {
		return
	}
	rt.freeing = true
	for len(rt.deadObjects) > 0 {
		n := len(rt.deadObjects) - 1
		obj := rt.deadObjects[n]
		rt.deadObjects = rt.deadObjects[:n]
		rt.teardownObject(obj)
	}
	rt.freeing = false
}

// teardownObject runs the death sequence for one cell: weak references
// observing it clear first, then the class finalizer, then owned values
// release and the handle is reclaimed.
func (rt *Runtime) teardownObject(obj *Object) {
	rt.clearWeakRefsTo(obj)
	if def := rt.classes.lookup(obj.class); def != nil && def.Finalizer != nil {
		def.Finalizer(rt, obj)
	}
	obj.forEachOwnedSlot(rt.FreeValue)
	obj.initSlots()
	obj.overflow = nil
	for _, v := range obj.arrayData {
		rt.FreeValue(v)
	}
	obj.arrayData = nil
	rt.FreeValue(obj.proto)
	obj.proto = Null
	if obj.shape != nil {
		rt.shapeRelease(obj.shape)
		obj.shape = nil
	}
	rt.gcAllocated -= obj.allocBytes
	rt.mem.release(obj.allocBytes)
	rt.heap.release(obj.handle)
}

// accountExtra charges n additional bytes of payload to obj.
func (rt *Runtime) accountExtra(obj *Object, n int64) error {
	if err := rt.mem.reserve(n); err != nil {
		return err
	}
	obj.allocBytes += n
	rt.gcAllocated += n
	return nil
}

// releaseExtra returns n bytes of payload charge on obj when its storage
// shrinks before the cell dies.
func (rt *Runtime) releaseExtra(obj *Object, n int64) {
	obj.allocBytes -= n
	rt.gcAllocated -= n
	rt.mem.release(n)
}

// markChildren reports every heap value obj owns: prototype, property
// slots, array elements, and whatever the class mark hook declares.
func (rt *Runtime) markChildren(obj *Object, mark func(Value)) {
	mark(obj.proto)
	obj.forEachOwnedSlot(mark)
	for _, v := range obj.arrayData {
		mark(v)
	}
	if def := rt.classes.lookup(obj.class); def != nil && def.Mark != nil {
		def.Mark(rt, obj, mark)
	}
}

// ---------------------------------------------------------------------------
// Cycle collector
// ---------------------------------------------------------------------------

// GCStats describes one collector pass, delivered to the observer
// installed with SetGCObserver.
type GCStats struct {
	LiveObjects      int
	CollectedObjects int
	HeapBytes        int64
}

// SetGCObserver installs a hook invoked after every collector pass.
func (rt *Runtime) SetGCObserver(fn func(GCStats)) {
	rt.gcObserver = fn
}

// maybeRunGC triggers a pass when accumulated allocation crosses the
// adaptive threshold. A zero threshold disables automatic passes.
func (rt *Runtime) maybeRunGC() {
	if rt.gcThreshold > 0 && rt.gcAllocated >= rt.gcThreshold && !rt.gcRunning {
		rt.RunGC()
	}
}

// RunGC reclaims unreachable reference cycles. Acyclic garbage never
// reaches the collector; plain reference counting frees it immediately.
//
// The pass works in three stages over the live heap. First every cell
// copies its reference count into scratch and each internal reference
// decrements the target's scratch, so a positive remainder identifies
// cells referenced from outside the heap. Second the externally
// referenced cells and everything reachable from them are marked live.
// Third the unmarked remainder, which can only be unreachable cycles, is
// finalized and reclaimed. The returned stats describe the completed
// pass.
func (rt *Runtime) RunGC() GCStats {
	if rt.gcRunning || rt.freeing {
		return GCStats{LiveObjects: rt.heap.liveCount(), HeapBytes: rt.gcAllocated}
	}
	rt.gcRunning = true
	defer func() { rt.gcRunning = false }()

	h := rt.heap
	h.forEachLive(func(obj *Object) {
		obj.gcScan = obj.refCount
		obj.marked = false
	})
	h.forEachLive(func(obj *Object) {
		rt.markChildren(obj, func(v Value) {
			if v.HasRefCount() {
				rt.obj(v).gcScan--
			}
		})
	})

	var stack []*Object
	markLive := func(v Value) {
		if !v.HasRefCount() {
			return
		}
		if o := rt.obj(v); !o.marked {
			o.marked = true
			stack = append(stack, o)
		}
	}
	h.forEachLive(func(obj *Object) {
		if obj.gcScan > 0 && !obj.marked {
			obj.marked = true
			stack = append(stack, obj)
		}
	})
	for len(stack) > 0 {
		obj := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		rt.markChildren(obj, markLive)
	}

	var condemned []*Object
	h.forEachLive(func(obj *Object) {
		if !obj.marked {
			condemned = append(condemned, obj)
		}
	})
	if len(condemned) > 0 {
		rt.inCycleSweep = true
		for _, obj := range condemned {
			rt.clearWeakRefsTo(obj)
		}
		for _, obj := range condemned {
			if def := rt.classes.lookup(obj.class); def != nil && def.Finalizer != nil {
				def.Finalizer(rt, obj)
			}
		}
		for _, obj := range condemned {
			obj.forEachOwnedSlot(rt.FreeValue)
			obj.initSlots()
			obj.overflow = nil
			for _, v := range obj.arrayData {
				rt.FreeValue(v)
			}
			obj.arrayData = nil
			rt.FreeValue(obj.proto)
			obj.proto = Null
			if obj.shape != nil {
				rt.shapeRelease(obj.shape)
				obj.shape = nil
			}
			rt.gcAllocated -= obj.allocBytes
			rt.mem.release(obj.allocBytes)
			rt.heap.release(obj.handle)
		}
		rt.inCycleSweep = false
	}

	// Grow the trigger with the surviving heap so steady-state workloads
	// do not collect on every allocation.
	if rt.gcThreshold > 0 {
		next := rt.gcAllocated * 2
		if next < gcThresholdMin {
			next = gcThresholdMin
		}
		rt.gcThreshold = next
	}

	stats := GCStats{
		LiveObjects:      h.liveCount(),
		CollectedObjects: len(condemned),
		HeapBytes:        rt.gcAllocated,
	}
	if rt.gcObserver != nil {
		rt.gcObserver(stats)
	}
	return stats
}

const gcThresholdMin = 256 * 1024

// SetGCThreshold sets the allocation volume that triggers an automatic
// collector pass. Zero disables automatic passes; RunGC still works.
func (rt *Runtime) SetGCThreshold(n int64) {
	rt.gcThreshold = n
}

// ---------------------------------------------------------------------------
// Memory usage reporting
// ---------------------------------------------------------------------------

// MemoryUsage is a point-in-time census of the runtime heap.
type MemoryUsage struct {
	MemoryBytes   int64
	ObjectCount   int
	StringCount   int
	SymbolCount   int
	BigIntCount   int
	FunctionCount int
	AtomCount     int
	ShapeCount    int
	GCThreshold   int64
}

// MemoryUsage walks the live heap and returns per-category counts.
func (rt *Runtime) MemoryUsage() MemoryUsage {
	u := MemoryUsage{
		MemoryBytes: rt.mem.used(),
		AtomCount:   rt.atoms.liveCount(),
		ShapeCount:  rt.shapeCount,
		GCThreshold: rt.gcThreshold,
	}
	rt.heap.forEachLive(func(obj *Object) {
		switch obj.class {
		case ClassString:
			u.StringCount++
		case ClassSymbol:
			u.SymbolCount++
		case ClassBigInt:
			u.BigIntCount++
		case ClassFunction, ClassFunctionBytecode:
			u.FunctionCount++
		default:
			u.ObjectCount++
		}
	})
	return u
}
