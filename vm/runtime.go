package vm

import (
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Runtime
// ---------------------------------------------------------------------------

// Runtime owns the heap, the atom table, class registry and collector
// state shared by its contexts. A Runtime and everything in it is
// confined to one goroutine; hosts wanting parallelism run one Runtime
// per goroutine and ship data between them with the snapshot codec.
type Runtime struct {
	atoms   *atomTable
	heap    *heap
	classes *classRegistry
	mem     *memAccount

	rootShape  *Shape
	shapeCount int

	gcAllocated  int64
	gcThreshold  int64
	gcRunning    bool
	freeing      bool
	inCycleSweep bool
	deadObjects  []*Object
	gcObserver   func(GCStats)

	weakRefs map[uint64][]*WeakRef

	jobs     []queuedJob
	jobLimit int

	contexts      int
	maxStackDepth int

	interruptHandler func(*Runtime) bool
	interruptCounter int

	sabAllocator SABAllocator

	log commonlog.Logger

	closed bool
}

const defaultMaxStackDepth = 1024

// NewRuntime creates an empty runtime with the engine classes
// registered.
func NewRuntime() *Runtime {
	rt := &Runtime{
		atoms:         newAtomTable(),
		heap:          newHeap(),
		classes:       newClassRegistry(),
		mem:           &memAccount{},
		weakRefs:      make(map[uint64][]*WeakRef),
		maxStackDepth: defaultMaxStackDepth,
		gcThreshold:   gcThresholdMin,
		log:           commonlog.GetLogger("vm.runtime"),
	}
	rt.rootShape = newRootShape()
	rt.shapeCount = 1
	rt.registerEngineClasses()
	return rt
}

// Close tears down the runtime. Live cells are finalized in reverse
// allocation order; surviving references at that point are host leaks and
// are reported through the logger.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	rt.closed = true

	for _, job := range rt.jobs {
		rt.freeJob(job)
	}
	rt.jobs = nil

	if rt.contexts > 0 {
		rt.log.Errorf("%d context(s) still referenced at close", rt.contexts)
	}

	// Reclaim cycles first so only genuinely externally referenced cells
	// remain for the forced teardown.
	rt.RunGC()

	if leaked := rt.heap.liveCount(); leaked > 0 {
		rt.log.Warningf("%d heap cell(s) leaked at close", leaked)
		rt.forcedTeardown()
	}

	if live := rt.atoms.liveCount(); live > 0 {
		rt.log.Warningf("%d atom(s) leaked at close", live)
	}
	rt.shapeRelease(rt.rootShape)
	rt.rootShape = nil
	if rt.shapeCount > 0 {
		rt.log.Warningf("%d shape(s) leaked at close", rt.shapeCount)
	}
}

// forcedTeardown finalizes every surviving cell in reverse allocation
// order, newest first, so dependents die before what they depend on.
func (rt *Runtime) forcedTeardown() {
	type row struct {
		obj *Object
		seq uint64
	}
	var rows []row
	rt.heap.forEachLive(func(obj *Object) {
		rows = append(rows, row{obj, rt.heap.liveSeq[obj.handle]})
	})
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			if rows[j].seq > rows[i].seq {
				rows[i], rows[j] = rows[j], rows[i]
			}
		}
	}
	rt.inCycleSweep = true
	for _, r := range rows {
		r.obj.marked = false
		rt.clearWeakRefsTo(r.obj)
	}
	for _, r := range rows {
		if def := rt.classes.lookup(r.obj.class); def != nil && def.Finalizer != nil {
			def.Finalizer(rt, r.obj)
		}
	}
	for _, r := range rows {
		obj := r.obj
		obj.forEachOwnedSlot(rt.FreeValue)
		obj.initSlots()
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

// ---------------------------------------------------------------------------
// Interruption
// ---------------------------------------------------------------------------

// SetInterruptHandler installs a host callback polled at call boundaries.
// Returning true aborts guest execution with an uncatchable exception.
func (rt *Runtime) SetInterruptHandler(fn func(*Runtime) bool) {
	rt.interruptHandler = fn
}

// interruptPoll is how many call boundaries pass between handler polls.
const interruptPoll = 64

func (rt *Runtime) interruptPending() bool {
	if rt.interruptHandler == nil {
		return false
	}
	rt.interruptCounter++
	if rt.interruptCounter < interruptPoll {
		return false
	}
	rt.interruptCounter = 0
	return rt.interruptHandler(rt)
}

// CheckInterrupt polls the interrupt handler immediately, bypassing the
// call-boundary sampling. Long-running native operations call this to
// stay responsive to host cancellation.
func (rt *Runtime) CheckInterrupt() bool {
	if rt.interruptHandler == nil {
		return false
	}
	rt.interruptCounter = 0
	return rt.interruptHandler(rt)
}

// SetMaxStackSize caps the guest call depth. Zero restores the default.
func (rt *Runtime) SetMaxStackSize(depth int) {
	if depth <= 0 {
		depth = defaultMaxStackDepth
	}
	rt.maxStackDepth = depth
}

// SetJobQueueLimit caps the number of pending jobs. Zero means unbounded.
func (rt *Runtime) SetJobQueueLimit(n int) {
	rt.jobLimit = n
}

// ---------------------------------------------------------------------------
// Tag refinement
// ---------------------------------------------------------------------------

// ValueTag refines v's tag by class: module records and bytecode cells
// report their own tags rather than the generic object tag.
func (rt *Runtime) ValueTag(v Value) Tag {
	t := v.Tag()
	if t != TagObject {
		return t
	}
	switch rt.obj(v).class {
	case ClassModule:
		return TagModule
	case ClassFunctionBytecode:
		return TagFunctionBytecode
	default:
		return TagObject
	}
}
