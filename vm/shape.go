package vm

// ---------------------------------------------------------------------------
// Shape: shared property layout with a transition tree
// ---------------------------------------------------------------------------

// PropFlags carries property attribute bits, the descriptor kind, and the
// modifier bits accepted by the property operations.
type PropFlags uint32

const (
	PropConfigurable PropFlags = 1 << 0
	PropWritable     PropFlags = 1 << 1
	PropEnumerable   PropFlags = 1 << 2
	PropCWE                    = PropConfigurable | PropWritable | PropEnumerable

	// Descriptor kind (two bits).
	PropKindMask PropFlags = 3 << 4
	PropNormal   PropFlags = 0 << 4
	PropGetSet   PropFlags = 1 << 4
	PropVarRef   PropFlags = 2 << 4
	PropAutoInit PropFlags = 3 << 4

	// Presence bits used by DefineProperty.
	PropHasConfigurable PropFlags = 1 << 8
	PropHasWritable     PropFlags = 1 << 9
	PropHasEnumerable   PropFlags = 1 << 10
	PropHasGet          PropFlags = 1 << 11
	PropHasSet          PropFlags = 1 << 12
	PropHasValue        PropFlags = 1 << 13

	// PropThrow selects raising over silent failure when an operation
	// cannot comply (non-writable, non-configurable, non-extensible).
	PropThrow PropFlags = 1 << 14
)

func (f PropFlags) kind() PropFlags { return f & PropKindMask }

// attrBits isolates the attribute and kind bits that participate in shape
// identity.
func (f PropFlags) attrBits() PropFlags { return f & (PropCWE | PropKindMask) }

type shapeField struct {
	atom   Atom
	flags  PropFlags
	offset uint32 // first value slot; accessors occupy offset and offset+1
}

func (f shapeField) slotCount() uint32 {
	if f.flags.kind() == PropGetSet {
		return 2
	}
	return 1
}

type shapeKey struct {
	atom  Atom
	flags PropFlags
}

// Shape is an ordered mapping from atom to property descriptor, shared
// across objects with an identical layout history. A shape referenced by
// more than one holder is immutable; layout changes go through the
// transition tree or clone first.
type Shape struct {
	refCount  int32
	parent    *Shape
	fields    []shapeField
	slotCount uint32

	// transitions caches child shapes keyed by (atom, attr flags). The
	// cache holds no reference; children unlink themselves when freed.
	transitions map[shapeKey]*Shape
	transKey    shapeKey
	cached      bool
}

func newRootShape() *Shape {
	return &Shape{refCount: 1}
}

func (s *Shape) shared() bool { return s.refCount > 1 }

func (s *Shape) find(a Atom) (int, bool) {
	for i := range s.fields {
		if s.fields[i].atom == a {
			return i, true
		}
	}
	return -1, false
}

func (rt *Runtime) shapeDup(s *Shape) *Shape {
	s.refCount++
	return s
}

func (rt *Runtime) shapeRelease(s *Shape) {
	for s != nil {
		s.refCount--
		if s.refCount > 0 {
			return
		}
		if s.refCount < 0 {
			panic("vm: shape refcount underflow")
		}
		for _, f := range s.fields {
			rt.FreeAtom(f.atom)
		}
		parent := s.parent
		if parent != nil && s.cached {
			delete(parent.transitions, s.transKey)
		}
		rt.mem.release(shapeBytes(s))
		rt.shapeCount--
		s = parent
	}
}

func shapeBytes(s *Shape) int64 {
	return int64(len(s.fields))*16 + 64
}

// shapeAdd returns the shape resulting from appending (atom, flags) to s,
// following an existing transition edge or allocating a new child. The
// returned shape carries a new reference; s is not released.
func (rt *Runtime) shapeAdd(s *Shape, atom Atom, flags PropFlags) (*Shape, error) {
	key := shapeKey{atom: atom, flags: flags.attrBits()}
	if child, ok := s.transitions[key]; ok {
		return rt.shapeDup(child), nil
	}
	child := &Shape{
		refCount: 1,
		parent:   s,
		fields:   make([]shapeField, len(s.fields), len(s.fields)+1),
		transKey: key,
		cached:   true,
	}
	copy(child.fields, s.fields)
	fld := shapeField{atom: rt.DupAtom(atom), flags: flags.attrBits(), offset: s.slotCount}
	child.fields = append(child.fields, fld)
	child.slotCount = s.slotCount + fld.slotCount()
	if err := rt.mem.reserve(shapeBytes(child)); err != nil {
		rt.FreeAtom(fld.atom)
		return nil, err
	}
	if s.transitions == nil {
		s.transitions = make(map[shapeKey]*Shape, 4)
	}
	s.transitions[key] = child
	s.refCount++ // child's parent link
	rt.shapeCount++
	return child, nil
}

// shapeClonePrivate returns an unshared copy of s suitable for in-place
// field flag mutation. The copy is outside the transition tree.
func (rt *Runtime) shapeClonePrivate(s *Shape) (*Shape, error) {
	clone := &Shape{
		refCount:  1,
		parent:    s.parent,
		fields:    make([]shapeField, len(s.fields)),
		slotCount: s.slotCount,
	}
	copy(clone.fields, s.fields)
	if err := rt.mem.reserve(shapeBytes(clone)); err != nil {
		return nil, err
	}
	for i := range clone.fields {
		rt.DupAtom(clone.fields[i].atom)
	}
	if clone.parent != nil {
		clone.parent.refCount++
	}
	rt.shapeCount++
	return clone, nil
}

// shapeRemove returns an unshared shape with the field at fieldIdx removed
// and later slot offsets compacted. removedOffset and removedSlots report
// the storage gap the object must close.
func (rt *Runtime) shapeRemove(s *Shape, fieldIdx int) (*Shape, uint32, uint32, error) {
	victim := s.fields[fieldIdx]
	clone := &Shape{
		refCount:  1,
		parent:    s.parent,
		fields:    make([]shapeField, 0, len(s.fields)-1),
		slotCount: s.slotCount - victim.slotCount(),
	}
	for i, f := range s.fields {
		if i == fieldIdx {
			continue
		}
		nf := f
		if nf.offset > victim.offset {
			nf.offset -= victim.slotCount()
		}
		clone.fields = append(clone.fields, nf)
	}
	if err := rt.mem.reserve(shapeBytes(clone)); err != nil {
		return nil, 0, 0, err
	}
	for i := range clone.fields {
		rt.DupAtom(clone.fields[i].atom)
	}
	if clone.parent != nil {
		clone.parent.refCount++
	}
	rt.shapeCount++
	return clone, victim.offset, victim.slotCount(), nil
}
