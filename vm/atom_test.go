package vm

import "testing"

// ---------------------------------------------------------------------------
// Atom table tests
// ---------------------------------------------------------------------------

func TestAtomInternIdempotent(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	a := rt.NewAtom("velocity")
	b := rt.NewAtom("velocity")
	if a != b {
		t.Fatalf("interning the same string twice gave %d and %d", a, b)
	}
	if got := rt.AtomString(a); got != "velocity" {
		t.Errorf("AtomString = %q, want %q", got, "velocity")
	}
	rt.FreeAtom(a)
	rt.FreeAtom(b)
}

func TestAtomPredefined(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	tests := []struct {
		atom Atom
		str  string
	}{
		{AtomLength, "length"},
		{AtomPrototype, "prototype"},
		{AtomConstructor, "constructor"},
		{AtomName, "name"},
		{AtomMessage, "message"},
		{AtomStack, "stack"},
		{AtomToString, "toString"},
		{AtomValueOf, "valueOf"},
		{AtomDefault, "default"},
		{AtomEmptyString, ""},
	}
	for _, tt := range tests {
		if got := rt.AtomString(tt.atom); got != tt.str {
			t.Errorf("AtomString(%d) = %q, want %q", tt.atom, got, tt.str)
		}
		// Interning the same text must find the predefined entry.
		a := rt.NewAtom(tt.str)
		if a != tt.atom {
			t.Errorf("NewAtom(%q) = %d, want predefined %d", tt.str, a, tt.atom)
		}
		rt.FreeAtom(a)
	}

	// Predefined atoms survive any number of releases.
	rt.FreeAtom(AtomLength)
	rt.FreeAtom(AtomLength)
	if got := rt.AtomString(AtomLength); got != "length" {
		t.Errorf("predefined atom released: AtomString = %q", got)
	}
}

func TestAtomArrayIndex(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	tests := []struct {
		str   string
		idx   uint32
		isIdx bool
	}{
		{"0", 0, true},
		{"1", 1, true},
		{"42", 42, true},
		{"4294967294", 4294967294, true}, // 2^32-2, largest index
		{"4294967295", 0, false},         // 2^32-1 is not an index
		{"01", 0, false},                 // leading zero
		{"-1", 0, false},
		{"", 0, false},
		{"1a", 0, false},
		{"length", 0, false},
	}
	for _, tt := range tests {
		a := rt.NewAtom(tt.str)
		idx, ok := rt.AtomIsArrayIndex(a)
		if ok != tt.isIdx {
			t.Errorf("%q: AtomIsArrayIndex ok = %v, want %v", tt.str, ok, tt.isIdx)
		} else if ok && idx != tt.idx {
			t.Errorf("%q: index = %d, want %d", tt.str, idx, tt.idx)
		}
		rt.FreeAtom(a)
	}
}

func TestAtomUInt32(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	a := rt.NewAtomUInt32(1234)
	b := rt.NewAtom("1234")
	if a != b {
		t.Errorf("NewAtomUInt32(1234) = %d, NewAtom(\"1234\") = %d, want equal", a, b)
	}
	rt.FreeAtom(a)
	rt.FreeAtom(b)
}

func TestAtomSlotReuse(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	a := rt.NewAtom("transient")
	rt.FreeAtom(a)

	// The slot is reclaimed; a new intern may reuse it but must not alias
	// the dead string.
	b := rt.NewAtom("another")
	if got := rt.AtomString(b); got != "another" {
		t.Errorf("AtomString after slot reuse = %q, want %q", got, "another")
	}
	rt.FreeAtom(b)
}

func TestAtomSymbolsAreUnique(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()
	ctx := rt.NewContext()
	defer ctx.Free()

	s1 := ctx.NewSymbol("dup")
	s2 := ctx.NewSymbol("dup")
	defer rt.FreeValue(s1)
	defer rt.FreeValue(s2)

	a1 := ctx.ValueToAtom(s1)
	a2 := ctx.ValueToAtom(s2)
	defer rt.FreeAtom(a1)
	defer rt.FreeAtom(a2)

	if a1 == a2 {
		t.Error("two symbols with the same description share an atom")
	}
	if !rt.AtomIsSymbol(a1) || !rt.AtomIsSymbol(a2) {
		t.Error("symbol atoms not marked as symbols")
	}
	// A string atom with the same text stays distinct.
	s := rt.NewAtom("dup")
	if s == a1 || s == a2 {
		t.Error("string atom collides with symbol atom")
	}
	rt.FreeAtom(s)
}

func TestAtomLiveCount(t *testing.T) {
	rt := NewRuntime()
	defer rt.Close()

	base := rt.atoms.liveCount()
	a := rt.NewAtom("countme")
	if got := rt.atoms.liveCount(); got != base+1 {
		t.Errorf("liveCount after intern = %d, want %d", got, base+1)
	}
	rt.FreeAtom(a)
	if got := rt.atoms.liveCount(); got != base {
		t.Errorf("liveCount after release = %d, want %d", got, base)
	}
}
