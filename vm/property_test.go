package vm

import "testing"

// ---------------------------------------------------------------------------
// Property model tests
// ---------------------------------------------------------------------------

func newTestContext(t *testing.T) (*Runtime, *Context) {
	t.Helper()
	rt := NewRuntime()
	ctx := rt.NewContext()
	t.Cleanup(func() {
		ctx.Free()
		rt.Close()
	})
	return rt, ctx
}

func TestPropertyGetSetRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	if res := ctx.SetPropertyStr(obj, "answer", NewInt32(42)); res != PropOK {
		t.Fatalf("SetPropertyStr: %v", res)
	}
	got := ctx.GetPropertyStr(obj, "answer")
	if !got.IsInt() || got.Int32() != 42 {
		t.Errorf("GetPropertyStr = %v, want 42", got)
	}

	// Overwrite releases the old value and stores the new one.
	if res := ctx.SetPropertyStr(obj, "answer", NewInt32(7)); res != PropOK {
		t.Fatalf("SetPropertyStr overwrite: %v", res)
	}
	got = ctx.GetPropertyStr(obj, "answer")
	if got.Int32() != 7 {
		t.Errorf("after overwrite = %v, want 7", got)
	}
}

func TestPropertySetOnShapelessCell(t *testing.T) {
	rt, ctx := newTestContext(t)

	// Module and buffer cells carry no property storage; writes fail
	// instead of faulting.
	mod := ctx.NewModule("m", nil)
	defer rt.FreeValue(mod)
	buf := ctx.NewArrayBuffer(make([]byte, 8))
	defer rt.FreeValue(buf)

	for _, v := range []Value{mod, buf} {
		if res := ctx.SetPropertyStr(v, "x", NewInt32(1)); res != PropException {
			t.Errorf("throwing set on %s = %v, want PropException", rt.ClassName(rt.obj(v).class), res)
		}
		if !ctx.HasException() {
			t.Fatal("no pending exception after throwing set")
		}
		rt.FreeValue(ctx.Exception())

		a := rt.NewAtom("x")
		if res := ctx.SetPropertyFlags(v, a, NewInt32(1), 0); res != PropFail {
			t.Errorf("silent set = %v, want PropFail", res)
		}
		rt.FreeAtom(a)
		if ctx.HasException() {
			t.Error("silent set left an exception pending")
		}
	}
}

func TestPropertyMissingIsUndefined(t *testing.T) {
	_, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer ctx.rt.FreeValue(obj)

	got := ctx.GetPropertyStr(obj, "nothing")
	if !got.IsUndefined() {
		t.Errorf("missing property = %v, want undefined", got)
	}
}

func TestPropertyPrototypeChain(t *testing.T) {
	rt, ctx := newTestContext(t)

	proto := ctx.NewObject()
	defer rt.FreeValue(proto)
	ctx.SetPropertyStr(proto, "inherited", NewInt32(10))

	child := ctx.NewObjectProto(proto)
	defer rt.FreeValue(child)

	got := ctx.GetPropertyStr(child, "inherited")
	if !got.IsInt() || got.Int32() != 10 {
		t.Errorf("inherited read = %v, want 10", got)
	}

	// A write through the chain shadows on the receiver.
	if res := ctx.SetPropertyStr(child, "inherited", NewInt32(20)); res != PropOK {
		t.Fatalf("shadowing write: %v", res)
	}
	if got := ctx.GetPropertyStr(child, "inherited"); got.Int32() != 20 {
		t.Errorf("child after shadow = %v, want 20", got)
	}
	if got := ctx.GetPropertyStr(proto, "inherited"); got.Int32() != 10 {
		t.Errorf("proto after shadow = %v, want 10", got)
	}
}

func TestPropertyEnumerationOrder(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	// Insertion order b, 2, a, 1; index keys enumerate first, ascending.
	for _, key := range []string{"b", "2", "a", "1"} {
		if res := ctx.SetPropertyStr(obj, key, NewInt32(0)); res != PropOK {
			t.Fatalf("SetPropertyStr %q: %v", key, res)
		}
	}

	names, res := ctx.GetOwnPropertyNames(obj)
	if res != PropOK {
		t.Fatalf("GetOwnPropertyNames: %v", res)
	}
	defer ctx.FreePropEnum(names)

	want := []string{"1", "2", "b", "a"}
	if len(names) != len(want) {
		t.Fatalf("got %d keys, want %d", len(names), len(want))
	}
	for i, w := range want {
		if got := rt.AtomString(names[i].Atom); got != w {
			t.Errorf("key[%d] = %q, want %q", i, got, w)
		}
	}
}

func TestPropertyAccessor(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	var stored Value = NewInt32(0)
	getter := ctx.NewNativeFunction("get", func(ctx *Context, this Value, args []Value) Value {
		return ctx.rt.DupValue(stored)
	})
	setter := ctx.NewNativeFunction("set", func(ctx *Context, this Value, args []Value) Value {
		stored = args[0]
		return Undefined
	})

	atom := rt.NewAtom("accessor")
	defer rt.FreeAtom(atom)
	if res := ctx.DefinePropertyGetSet(obj, atom, getter, setter, PropConfigurable|PropEnumerable|PropThrow); res != PropOK {
		t.Fatalf("DefinePropertyGetSet: %v", res)
	}

	if res := ctx.SetProperty(obj, atom, NewInt32(99)); res != PropOK {
		t.Fatalf("setter write: %v", res)
	}
	got := ctx.GetProperty(obj, atom)
	if !got.IsInt() || got.Int32() != 99 {
		t.Errorf("accessor read = %v, want 99", got)
	}
}

func TestPropertyGetterExceptionPropagates(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	getter := ctx.NewNativeFunction("boom", func(ctx *Context, this Value, args []Value) Value {
		return ctx.ThrowTypeError("no reading today")
	})
	atom := rt.NewAtom("trap")
	defer rt.FreeAtom(atom)
	if res := ctx.DefinePropertyGetSet(obj, atom, getter, Undefined, PropConfigurable|PropThrow); res != PropOK {
		t.Fatalf("DefinePropertyGetSet: %v", res)
	}

	got := ctx.GetProperty(obj, atom)
	if !got.IsException() {
		t.Fatalf("throwing getter returned %v, want exception", got)
	}
	if !ctx.HasException() {
		t.Fatal("no pending exception after throwing getter")
	}
	exc := ctx.Exception()
	defer rt.FreeValue(exc)
	if msg := ctx.ErrorMessage(exc); msg != "no reading today" {
		t.Errorf("exception message = %q", msg)
	}
	if ctx.HasException() {
		t.Error("exception still pending after fetch")
	}
}

func TestPropertyNonWritable(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	atom := rt.NewAtom("frozen")
	defer rt.FreeAtom(atom)
	if res := ctx.DefinePropertyValue(obj, atom, NewInt32(1), PropConfigurable); res != PropOK {
		t.Fatalf("DefinePropertyValue: %v", res)
	}

	// Silent mode reports failure without raising.
	if res := ctx.SetPropertyFlags(obj, atom, NewInt32(2), 0); res != PropFail {
		t.Errorf("silent write to read-only = %v, want PropFail", res)
	}
	if ctx.HasException() {
		t.Error("silent failure left a pending exception")
	}

	// Throwing mode raises.
	if res := ctx.SetPropertyFlags(obj, atom, NewInt32(2), PropThrow); res != PropException {
		t.Errorf("throwing write to read-only = %v, want PropException", res)
	}
	exc := ctx.Exception()
	rt.FreeValue(exc)

	got := ctx.GetProperty(obj, atom)
	if got.Int32() != 1 {
		t.Errorf("read-only property changed to %v", got)
	}
}

func TestPropertyDeleteNonConfigurable(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	atom := rt.NewAtom("pinned")
	defer rt.FreeAtom(atom)
	ctx.DefinePropertyValue(obj, atom, NewInt32(1), PropWritable|PropEnumerable)

	if res := ctx.DeleteProperty(obj, atom, 0); res != PropFail {
		t.Errorf("delete non-configurable = %v, want PropFail", res)
	}
	if res := ctx.DeleteProperty(obj, atom, PropThrow); res != PropException {
		t.Errorf("throwing delete non-configurable = %v, want PropException", res)
	}
	exc := ctx.Exception()
	rt.FreeValue(exc)

	// Deleting a missing key succeeds.
	missing := rt.NewAtom("absent")
	defer rt.FreeAtom(missing)
	if res := ctx.DeleteProperty(obj, missing, PropThrow); res != PropOK {
		t.Errorf("delete of missing key = %v, want PropOK", res)
	}
}

func TestPropertyPreventExtensions(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)
	ctx.SetPropertyStr(obj, "existing", NewInt32(1))

	if res := ctx.PreventExtensions(obj); res != PropOK {
		t.Fatalf("PreventExtensions: %v", res)
	}
	if ctx.IsExtensible(obj) {
		t.Error("object still extensible")
	}

	fresh := rt.NewAtom("fresh")
	if res := ctx.SetPropertyFlags(obj, fresh, NewInt32(2), 0); res != PropFail {
		t.Errorf("new property on sealed object = %v, want PropFail", res)
	}
	rt.FreeAtom(fresh)
	// Existing properties still writable.
	if res := ctx.SetPropertyStr(obj, "existing", NewInt32(3)); res != PropOK {
		t.Errorf("existing property write = %v, want PropOK", res)
	}
}

func TestPropertyHas(t *testing.T) {
	rt, ctx := newTestContext(t)

	proto := ctx.NewObject()
	defer rt.FreeValue(proto)
	ctx.SetPropertyStr(proto, "up", NewInt32(1))

	obj := ctx.NewObjectProto(proto)
	defer rt.FreeValue(obj)
	ctx.SetPropertyStr(obj, "own", NewInt32(2))

	for _, tt := range []struct {
		key  string
		want bool
	}{
		{"own", true},
		{"up", true},
		{"nope", false},
	} {
		atom := rt.NewAtom(tt.key)
		has, res := ctx.HasProperty(obj, atom)
		rt.FreeAtom(atom)
		if res != PropOK {
			t.Fatalf("HasProperty(%q): %v", tt.key, res)
		}
		if has != tt.want {
			t.Errorf("HasProperty(%q) = %v, want %v", tt.key, has, tt.want)
		}
	}
}

func TestPropertySetPrototypeCycleRejected(t *testing.T) {
	rt, ctx := newTestContext(t)

	a := ctx.NewObject()
	b := ctx.NewObjectProto(a)
	defer rt.FreeValue(a)
	defer rt.FreeValue(b)

	if res := ctx.SetPrototype(a, b, PropThrow); res != PropException {
		t.Errorf("prototype cycle = %v, want PropException", res)
	}
	exc := ctx.Exception()
	rt.FreeValue(exc)
}

func TestPropertyAutoInitRunsOnce(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)

	calls := 0
	atom := rt.NewAtom("lazy")
	defer rt.FreeAtom(atom)
	res := ctx.defineAutoInit(obj, atom, func(ctx *Context, this Value, a Atom) Value {
		calls++
		return NewInt32(77)
	}, PropCWE)
	if res != PropOK {
		t.Fatalf("defineAutoInit: %v", res)
	}

	for i := 0; i < 3; i++ {
		got := ctx.GetProperty(obj, atom)
		if !got.IsInt() || got.Int32() != 77 {
			t.Fatalf("lazy read %d = %v, want 77", i, got)
		}
	}
	if calls != 1 {
		t.Errorf("initializer ran %d times, want 1", calls)
	}
}

func TestPropertyVarRefSharing(t *testing.T) {
	rt, ctx := newTestContext(t)

	cell := ctx.NewVarRef(NewInt32(5))
	a := ctx.NewObject()
	b := ctx.NewObject()
	defer rt.FreeValue(a)
	defer rt.FreeValue(b)

	atomA := rt.NewAtom("binding")
	defer rt.FreeAtom(atomA)
	ctx.defineVarRef(a, atomA, rt.DupValue(cell), PropCWE)
	ctx.defineVarRef(b, atomA, cell, PropCWE)

	// A write through one alias is visible through the other.
	if res := ctx.SetProperty(a, atomA, NewInt32(6)); res != PropOK {
		t.Fatalf("varref write: %v", res)
	}
	got := ctx.GetProperty(b, atomA)
	if !got.IsInt() || got.Int32() != 6 {
		t.Errorf("aliased read = %v, want 6", got)
	}
}

// ---------------------------------------------------------------------------
// Array exotic tests
// ---------------------------------------------------------------------------

func TestArrayElementAccess(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArray()
	defer rt.FreeValue(arr)

	for i := int32(0); i < 5; i++ {
		if res := ctx.SetPropertyUInt32(arr, uint32(i), NewInt32(i*10)); res != PropOK {
			t.Fatalf("element %d: %v", i, res)
		}
	}
	if n := ctx.ArrayLength(arr); n != 5 {
		t.Errorf("ArrayLength = %d, want 5", n)
	}
	got := ctx.GetPropertyUInt32(arr, 3)
	if !got.IsInt() || got.Int32() != 30 {
		t.Errorf("arr[3] = %v, want 30", got)
	}
	length := ctx.GetPropertyStr(arr, "length")
	if !length.IsInt() || length.Int32() != 5 {
		t.Errorf("length = %v, want 5", length)
	}
}

func TestArrayLengthTruncates(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArray()
	defer rt.FreeValue(arr)
	for i := uint32(0); i < 10; i++ {
		ctx.SetPropertyUInt32(arr, i, NewInt32(int32(i)))
	}

	if res := ctx.SetPropertyStr(arr, "length", NewInt32(3)); res != PropOK {
		t.Fatalf("length write: %v", res)
	}
	if n := ctx.ArrayLength(arr); n != 3 {
		t.Errorf("length after truncate = %d, want 3", n)
	}
	if got := ctx.GetPropertyUInt32(arr, 5); !got.IsUndefined() {
		t.Errorf("truncated element = %v, want undefined", got)
	}
}

func TestArrayDenseDelete(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArray()
	defer rt.FreeValue(arr)
	for i := uint32(0); i < 3; i++ {
		ctx.SetPropertyUInt32(arr, i, NewInt32(int32(i)))
	}

	// Deleting the last element shrinks the array.
	last := rt.NewAtomUInt32(2)
	res := ctx.DeleteProperty(arr, last, 0)
	rt.FreeAtom(last)
	if res != PropOK {
		t.Fatalf("delete last: %v", res)
	}
	if n := ctx.ArrayLength(arr); n != 2 {
		t.Errorf("length after pop = %d, want 2", n)
	}

	// Interior deletes would punch a hole; dense storage refuses.
	first := rt.NewAtomUInt32(0)
	res = ctx.DeleteProperty(arr, first, 0)
	rt.FreeAtom(first)
	if res != PropFail {
		t.Errorf("interior delete = %v, want PropFail", res)
	}
}

func TestArrayNonIndexProperties(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArray()
	defer rt.FreeValue(arr)
	ctx.SetPropertyUInt32(arr, 0, NewInt32(1))

	if res := ctx.SetPropertyStr(arr, "tag", ctx.NewString("named")); res != PropOK {
		t.Fatalf("named property on array: %v", res)
	}
	got := ctx.GetPropertyStr(arr, "tag")
	defer rt.FreeValue(got)
	if rt.ToGoString(got) != "named" {
		t.Errorf("named property = %v", got)
	}
}

func TestArrayKeyEnumerability(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArrayFrom(NewInt32(1), NewInt32(2))
	defer rt.FreeValue(arr)
	hidden := rt.NewAtom("hidden")
	ctx.DefinePropertyValue(arr, hidden, NewInt32(3), 0)
	rt.FreeAtom(hidden)

	names, res := ctx.GetOwnPropertyNames(arr)
	if res != PropOK {
		t.Fatalf("GetOwnPropertyNames: %v", res)
	}
	defer ctx.FreePropEnum(names)

	for _, e := range names {
		switch s := rt.AtomString(e.Atom); s {
		case "length", "hidden":
			if e.Enumerable {
				t.Errorf("%q reported enumerable", s)
			}
		default:
			if !e.Enumerable {
				t.Errorf("element key %q reported non-enumerable", s)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// String object exotic tests
// ---------------------------------------------------------------------------

func TestStringObjectIndexAccess(t *testing.T) {
	rt, ctx := newTestContext(t)

	so := ctx.NewStringObject("abc")
	defer rt.FreeValue(so)

	got := ctx.GetPropertyUInt32(so, 1)
	defer rt.FreeValue(got)
	if rt.ToGoString(got) != "b" {
		t.Errorf("so[1] = %v, want \"b\"", got)
	}

	length := ctx.GetPropertyStr(so, "length")
	if !length.IsInt() || length.Int32() != 3 {
		t.Errorf("length = %v, want 3", length)
	}

	if got := ctx.GetPropertyUInt32(so, 9); !got.IsUndefined() {
		t.Errorf("out of range = %v, want undefined", got)
	}
}

// ---------------------------------------------------------------------------
// Module namespace tests
// ---------------------------------------------------------------------------

func TestModuleNamespaceReadOnly(t *testing.T) {
	rt, ctx := newTestContext(t)

	mod := ctx.NewModule("lib", nil)
	defer rt.FreeValue(mod)
	if res := ctx.AddModuleExport(mod, "version"); res != PropOK {
		t.Fatalf("AddModuleExport: %v", res)
	}
	if res := ctx.SetModuleExport(mod, "version", NewInt32(3)); res != PropOK {
		t.Fatalf("SetModuleExport: %v", res)
	}
	if res := ctx.ResolveModule(mod, nil); res != PropOK {
		t.Fatalf("ResolveModule: %v", res)
	}

	ns := ctx.ModuleNamespace(mod)
	defer rt.FreeValue(ns)

	got := ctx.GetPropertyStr(ns, "version")
	if !got.IsInt() || got.Int32() != 3 {
		t.Errorf("namespace read = %v, want 3", got)
	}

	// Writes and deletes reject.
	if res := ctx.SetPropertyFlags(ns, AtomName, NewInt32(9), 0); res != PropFail {
		t.Errorf("namespace write = %v, want PropFail", res)
	}
	atom := rt.NewAtom("version")
	defer rt.FreeAtom(atom)
	if res := ctx.DeleteProperty(ns, atom, 0); res != PropFail {
		t.Errorf("namespace delete = %v, want PropFail", res)
	}

	// Exports stay live: a later store is visible through the namespace.
	if res := ctx.SetModuleExport(mod, "version", NewInt32(4)); res != PropOK {
		t.Fatalf("SetModuleExport after resolve: %v", res)
	}
	got = ctx.GetProperty(ns, atom)
	if !got.IsInt() || got.Int32() != 4 {
		t.Errorf("namespace after rebind = %v, want 4", got)
	}
}

func TestModuleResolveRequiresDeps(t *testing.T) {
	rt, ctx := newTestContext(t)

	mod := ctx.NewModule("app", []string{"lib"})
	defer rt.FreeValue(mod)

	if res := ctx.ResolveModule(mod, nil); res != PropException {
		t.Fatalf("resolve with missing dep = %v, want PropException", res)
	}
	exc := ctx.Exception()
	rt.FreeValue(exc)

	lib := ctx.NewModule("lib", nil)
	defer rt.FreeValue(lib)
	if res := ctx.ResolveModule(lib, nil); res != PropOK {
		t.Fatalf("resolve lib: %v", res)
	}
	res := ctx.ResolveModule(mod, func(spec string) Value {
		if spec == "lib" {
			return lib
		}
		return Undefined
	})
	if res != PropOK {
		t.Fatalf("resolve app: %v", res)
	}
	if !rt.Module(mod).Resolved() {
		t.Error("module not marked resolved")
	}
}
