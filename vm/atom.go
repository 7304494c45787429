package vm

// ---------------------------------------------------------------------------
// AtomTable: interned property keys
// ---------------------------------------------------------------------------

// Atom is an interned small-integer handle standing for a string or symbol
// used as a property key. Atom 0 means "no atom".
type Atom uint32

// AtomNull is the reserved "no atom" handle.
const AtomNull Atom = 0

// Predefined engine atoms. They are interned at Runtime construction, are
// permanent and are never evicted. The order here fixes their handles.
const (
	AtomLength Atom = iota + 1
	AtomPrototype
	AtomConstructor
	AtomName
	AtomMessage
	AtomStack
	AtomToString
	AtomValueOf
	AtomDefault
	AtomEmptyString

	atomFirstPredefined = AtomLength
	atomLastPredefined  = AtomEmptyString
)

var predefinedAtomNames = []string{
	"length",
	"prototype",
	"constructor",
	"name",
	"message",
	"stack",
	"toString",
	"valueOf",
	"default",
	"",
}

type atomKind uint8

const (
	atomKindString atomKind = iota
	atomKindSymbol
)

// noArrayIndex marks atoms whose content is not a canonical array index.
const noArrayIndex = ^uint32(0)

type atomEntry struct {
	str       string
	kind      atomKind
	refCount  int32
	arrayIdx  uint32 // parsed index when content is a canonical array index
	permanent bool
}

// atomTable interns string content to small unsigned handles with O(1)
// reverse lookup through the entries side array. It is private to one
// Runtime and is not safe for concurrent mutation.
type atomTable struct {
	byStr   map[string]Atom
	entries []atomEntry
	free    []Atom // reclaimed handles available for reuse
}

func newAtomTable() *atomTable {
	t := &atomTable{
		byStr:   make(map[string]Atom, 64),
		entries: make([]atomEntry, 1, 64), // entry 0 reserved for AtomNull
	}
	for a := atomFirstPredefined; a <= atomLastPredefined; a++ {
		name := predefinedAtomNames[a-atomFirstPredefined]
		t.entries = append(t.entries, atomEntry{
			str:       name,
			kind:      atomKindString,
			refCount:  1,
			arrayIdx:  parseArrayIndex(name),
			permanent: true,
		})
		t.byStr[name] = a
	}
	return t
}

// parseArrayIndex returns the integer value of a canonical decimal array
// index string (0 .. 2^32-2, no leading zeros), or noArrayIndex.
func parseArrayIndex(s string) uint32 {
	if s == "" || len(s) > 10 {
		return noArrayIndex
	}
	if len(s) > 1 && s[0] == '0' {
		return noArrayIndex
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return noArrayIndex
		}
		n = n*10 + uint64(c-'0')
		if n > 0xFFFFFFFE {
			return noArrayIndex
		}
	}
	return uint32(n)
}

func (t *atomTable) slot() Atom {
	if n := len(t.free); n > 0 {
		a := t.free[n-1]
		t.free = t.free[:n-1]
		return a
	}
	t.entries = append(t.entries, atomEntry{})
	return Atom(len(t.entries) - 1)
}

// intern returns the handle for s, creating an entry on first use. The
// returned handle carries one reference.
func (t *atomTable) intern(s string) Atom {
	if a, ok := t.byStr[s]; ok {
		t.entries[a].refCount++
		return a
	}
	a := t.slot()
	t.entries[a] = atomEntry{
		str:      s,
		kind:     atomKindString,
		refCount: 1,
		arrayIdx: parseArrayIndex(s),
	}
	t.byStr[s] = a
	return a
}

// internSymbol creates a fresh symbol atom with the given description.
// Symbol atoms are never matched by content.
func (t *atomTable) internSymbol(desc string) Atom {
	a := t.slot()
	t.entries[a] = atomEntry{
		str:      desc,
		kind:     atomKindSymbol,
		refCount: 1,
		arrayIdx: noArrayIndex,
	}
	return a
}

func (t *atomTable) dup(a Atom) Atom {
	if a == AtomNull {
		return a
	}
	e := &t.entries[a]
	if !e.permanent {
		e.refCount++
	}
	return a
}

func (t *atomTable) release(a Atom) {
	if a == AtomNull {
		return
	}
	e := &t.entries[a]
	if e.permanent {
		return
	}
	if e.refCount <= 0 {
		panic("atomTable.release: refcount underflow")
	}
	e.refCount--
	if e.refCount == 0 {
		if e.kind == atomKindString {
			delete(t.byStr, e.str)
		}
		*e = atomEntry{}
		t.free = append(t.free, a)
	}
}

func (t *atomTable) valid(a Atom) bool {
	return int(a) < len(t.entries) && (a == AtomNull || t.entries[a].refCount > 0)
}

// liveCount returns the number of live atoms, predefined ones included.
func (t *atomTable) liveCount() int {
	n := 0
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].refCount > 0 {
			n++
		}
	}
	return n
}

func (t *atomTable) bytes() int64 {
	var b int64
	for i := 1; i < len(t.entries); i++ {
		if t.entries[i].refCount > 0 {
			b += int64(len(t.entries[i].str)) + 16
		}
	}
	return b
}

// ---------------------------------------------------------------------------
// Runtime boundary surface
// ---------------------------------------------------------------------------

// NewAtom interns s and returns an owning atom handle; the caller must
// release it with FreeAtom.
func (rt *Runtime) NewAtom(s string) Atom {
	return rt.atoms.intern(s)
}

// NewAtomUInt32 interns the canonical decimal form of n.
func (rt *Runtime) NewAtomUInt32(n uint32) Atom {
	return rt.atoms.intern(formatUint32(n))
}

// DupAtom adds a reference to an atom handle and returns it.
func (rt *Runtime) DupAtom(a Atom) Atom {
	return rt.atoms.dup(a)
}

// FreeAtom releases one reference to an atom handle.
func (rt *Runtime) FreeAtom(a Atom) {
	rt.atoms.release(a)
}

// AtomString returns the string content of an atom. The result borrows the
// table entry; it stays valid while a reference to the atom is held.
func (rt *Runtime) AtomString(a Atom) string {
	if !rt.atoms.valid(a) || a == AtomNull {
		return ""
	}
	return rt.atoms.entries[a].str
}

// AtomIsArrayIndex reports whether the atom's content is a canonical array
// index, and its integer value if so.
func (rt *Runtime) AtomIsArrayIndex(a Atom) (uint32, bool) {
	if a == AtomNull || !rt.atoms.valid(a) {
		return 0, false
	}
	idx := rt.atoms.entries[a].arrayIdx
	return idx, idx != noArrayIndex
}

// AtomIsSymbol reports whether the atom denotes a symbol key.
func (rt *Runtime) AtomIsSymbol(a Atom) bool {
	return rt.atoms.valid(a) && a != AtomNull && rt.atoms.entries[a].kind == atomKindSymbol
}

func formatUint32(n uint32) string {
	if n == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
