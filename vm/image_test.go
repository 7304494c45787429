package vm

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
)

func encodeRoundtrip(t *testing.T, ctx *Context, v Value, wf WriteFlag, rf ReadFlag) Value {
	t.Helper()
	data, sab, err := ctx.WriteObject(v, wf)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if len(sab) != 0 {
		t.Fatalf("unexpected shared buffer handles: %v", sab)
	}
	out, err := ctx.ReadObject(data, rf)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	return out
}

func TestImageScalarRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	for _, v := range []Value{
		Undefined, Null, True, False,
		NewInt32(0), NewInt32(-1), NewInt32(123456),
		NewFloat64(3.25), NewFloat64(-0.0),
	} {
		got := encodeRoundtrip(t, ctx, v, 0, 0)
		if got != v {
			t.Errorf("roundtrip(%v) = %v", v, got)
		}
		rt.FreeValue(got)
	}
}

func TestImageStringRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	s := ctx.NewString("hello, éè world")
	defer rt.FreeValue(s)
	got := encodeRoundtrip(t, ctx, s, 0, 0)
	defer rt.FreeValue(got)
	if rt.ToGoString(got) != rt.ToGoString(s) {
		t.Errorf("string roundtrip = %q", rt.ToGoString(got))
	}
}

func TestImageBigIntRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	x := new(big.Int)
	x.SetString("-123456789012345678901234567890", 10)
	v := ctx.NewBigInt(x)
	defer rt.FreeValue(v)

	got := encodeRoundtrip(t, ctx, v, 0, 0)
	defer rt.FreeValue(got)
	if rt.ToBigInt(got).Cmp(x) != 0 {
		t.Errorf("bigint roundtrip = %v", rt.ToBigInt(got))
	}
}

func TestImageShortBigIntRoundtrip(t *testing.T) {
	_, ctx := newTestContext(t)

	for _, n := range []int32{0, 7, -7, 1 << 30} {
		v := ctx.NewBigInt(big.NewInt(int64(n)))
		if !v.IsShortBigInt() {
			t.Fatalf("NewBigInt(%d) is not inline", n)
		}
		got := encodeRoundtrip(t, ctx, v, 0, 0)
		if !got.IsShortBigInt() || got.ShortBigInt() != n {
			t.Errorf("roundtrip(%dn) = %v", n, got)
		}
	}
}

func TestImageObjectRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)
	ctx.SetPropertyStr(obj, "n", NewInt32(7))
	ctx.SetPropertyStr(obj, "s", ctx.NewString("txt"))
	inner := ctx.NewObject()
	ctx.SetPropertyStr(inner, "deep", True)
	ctx.SetPropertyStr(obj, "inner", inner)

	got := encodeRoundtrip(t, ctx, obj, 0, 0)
	defer rt.FreeValue(got)

	if n := ctx.GetPropertyStr(got, "n"); n.Int32() != 7 {
		t.Errorf("n = %v", n)
	}
	s := ctx.GetPropertyStr(got, "s")
	if rt.ToGoString(s) != "txt" {
		t.Errorf("s = %v", s)
	}
	rt.FreeValue(s)
	in := ctx.GetPropertyStr(got, "inner")
	if d := ctx.GetPropertyStr(in, "deep"); d != True {
		t.Errorf("inner.deep = %v", d)
	}
	rt.FreeValue(in)
}

func TestImageEncodingDeterministic(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)
	ctx.SetPropertyStr(obj, "b", NewInt32(2))
	ctx.SetPropertyStr(obj, "a", NewInt32(1))

	first, _, err := ctx.WriteObject(obj, 0)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	// Decoding and re-encoding yields the identical stream.
	decoded, err := ctx.ReadObject(first, 0)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer rt.FreeValue(decoded)
	second, _, err := ctx.WriteObject(decoded, 0)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("re-encoded stream differs from original")
	}
}

func TestImageArrayRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	arr := ctx.NewArray()
	defer rt.FreeValue(arr)
	for i := int32(0); i < 4; i++ {
		ctx.SetPropertyUInt32(arr, uint32(i), NewInt32(i))
	}
	ctx.SetPropertyStr(arr, "tag", ctx.NewString("meta"))

	got := encodeRoundtrip(t, ctx, arr, 0, 0)
	defer rt.FreeValue(got)

	if n := ctx.ArrayLength(got); n != 4 {
		t.Fatalf("length = %d, want 4", n)
	}
	for i := int32(0); i < 4; i++ {
		if e := ctx.GetPropertyUInt32(got, uint32(i)); e.Int32() != i {
			t.Errorf("elem %d = %v", i, e)
		}
	}
	tag := ctx.GetPropertyStr(got, "tag")
	if rt.ToGoString(tag) != "meta" {
		t.Errorf("tag = %v", tag)
	}
	rt.FreeValue(tag)
}

func TestImageArrayBufferRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	buf := ctx.NewArrayBufferCopy([]byte{1, 2, 3, 4, 5})
	defer rt.FreeValue(buf)

	got := encodeRoundtrip(t, ctx, buf, 0, 0)
	defer rt.FreeValue(got)
	if !bytes.Equal(rt.ArrayBufferBytes(got), []byte{1, 2, 3, 4, 5}) {
		t.Errorf("buffer = %v", rt.ArrayBufferBytes(got))
	}
}

func TestImageSharedSubtreeNeedsReferenceFlag(t *testing.T) {
	rt, ctx := newTestContext(t)

	shared := ctx.NewObject()
	root := ctx.NewObject()
	defer rt.FreeValue(root)
	ctx.SetPropertyStr(root, "x", rt.DupValue(shared))
	ctx.SetPropertyStr(root, "y", shared)

	// Tree mode refuses any revisited object.
	_, _, err := ctx.WriteObject(root, 0)
	if !errors.Is(err, ErrCircularReference) {
		t.Fatalf("tree mode error = %v, want ErrCircularReference", err)
	}

	// Reference mode preserves sharing.
	data, _, err := ctx.WriteObject(root, WriteAllowReference)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	got, err := ctx.ReadObject(data, ReadAllowReference)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer rt.FreeValue(got)

	x := ctx.GetPropertyStr(got, "x")
	y := ctx.GetPropertyStr(got, "y")
	if x != y {
		t.Error("shared subtree decoded as distinct objects")
	}
	rt.FreeValue(x)
	rt.FreeValue(y)

	// A reference-bearing stream needs the read flag too.
	if _, err := ctx.ReadObject(data, 0); err == nil {
		t.Error("backreference decoded without ReadAllowReference")
	}
}

func TestImageCycleRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	a := ctx.NewObject()
	ctx.SetPropertyStr(a, "self", rt.DupValue(a))

	if _, _, err := ctx.WriteObject(a, 0); !errors.Is(err, ErrCircularReference) {
		t.Fatalf("tree mode cycle error = %v", err)
	}

	data, _, err := ctx.WriteObject(a, WriteAllowReference)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	rt.FreeValue(a)
	rt.RunGC()

	got, err := ctx.ReadObject(data, ReadAllowReference)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	self := ctx.GetPropertyStr(got, "self")
	if self != got {
		t.Error("cycle not reconstructed")
	}
	rt.FreeValue(self)
	rt.FreeValue(got)
	rt.RunGC()
}

func TestImageBytecodeGating(t *testing.T) {
	rt, ctx := newTestContext(t)

	fn := ctx.NewFunctionBytecode(FunctionBytecodeDef{
		Name:       "f",
		Code:       []byte{1, 2, 3},
		ArgCount:   2,
		VarCount:   1,
		StackSize:  8,
		Source:     "function f(a, b) {}",
		Filename:   "f.js",
		LineNumber: 10,
	})
	defer rt.FreeValue(fn)

	if _, _, err := ctx.WriteObject(fn, 0); !errors.Is(err, ErrBytecodeDisabled) {
		t.Fatalf("ungated write error = %v", err)
	}

	data, _, err := ctx.WriteObject(fn, WriteAllowBytecode)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := ctx.ReadObject(data, 0); err == nil {
		t.Error("bytecode decoded without ReadAllowBytecode")
	}

	got, err := ctx.ReadObject(data, ReadAllowBytecode)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer rt.FreeValue(got)
	fb := rt.Bytecode(got)
	if fb == nil {
		t.Fatal("decoded value is not bytecode")
	}
	if fb.Name(rt) != "f" || !bytes.Equal(fb.Code(), []byte{1, 2, 3}) {
		t.Errorf("bytecode fields: name=%q code=%v", fb.Name(rt), fb.Code())
	}
	if fb.Source() != "function f(a, b) {}" {
		t.Errorf("source = %q", fb.Source())
	}
}

func TestImageStripSource(t *testing.T) {
	rt, ctx := newTestContext(t)

	fn := ctx.NewFunctionBytecode(FunctionBytecodeDef{
		Name:   "g",
		Code:   []byte{9},
		Source: "function g() {}",
	})
	defer rt.FreeValue(fn)

	data, _, err := ctx.WriteObject(fn, WriteAllowBytecode|WriteStripSource)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	got, err := ctx.ReadObject(data, ReadAllowBytecode)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer rt.FreeValue(got)
	if src := rt.Bytecode(got).Source(); src != "" {
		t.Errorf("source survived stripping: %q", src)
	}
}

func TestImageModuleRoundtrip(t *testing.T) {
	rt, ctx := newTestContext(t)

	mod := ctx.NewModule("util", []string{"core"})
	defer rt.FreeValue(mod)
	ctx.AddModuleExport(mod, "pi")
	ctx.SetModuleExport(mod, "pi", NewFloat64(3.14))

	data, _, err := ctx.WriteObject(mod, WriteAllowBytecode)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	got, err := ctx.ReadObject(data, ReadAllowBytecode)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	defer rt.FreeValue(got)

	m := rt.Module(got)
	if m == nil {
		t.Fatal("decoded value is not a module")
	}
	if m.Name(rt) != "util" {
		t.Errorf("name = %q", m.Name(rt))
	}
	if reqs := m.Requires(rt); len(reqs) != 1 || reqs[0] != "core" {
		t.Errorf("requires = %v", reqs)
	}
	// Decoded modules come back unresolved; exported state survives.
	if m.Resolved() {
		t.Error("decoded module marked resolved")
	}
	if res := ctx.ResolveModule(got, func(string) Value {
		core := ctx.NewModule("core", nil)
		t.Cleanup(func() { rt.FreeValue(core) })
		ctx.ResolveModule(core, nil)
		return core
	}); res != PropOK {
		t.Fatalf("resolve decoded module: %v", res)
	}
	ns := ctx.ModuleNamespace(got)
	defer rt.FreeValue(ns)
	pi := ctx.GetPropertyStr(ns, "pi")
	if !pi.IsFloat() || pi.Float64() != 3.14 {
		t.Errorf("pi = %v", pi)
	}
}

func TestImageAccessorsRejected(t *testing.T) {
	rt, ctx := newTestContext(t)

	obj := ctx.NewObject()
	defer rt.FreeValue(obj)
	getter := ctx.NewNativeFunction("get", func(ctx *Context, this Value, args []Value) Value {
		return Undefined
	})
	atom := rt.NewAtom("acc")
	ctx.DefinePropertyGetSet(obj, atom, getter, Undefined, PropConfigurable)
	rt.FreeAtom(atom)

	if _, _, err := ctx.WriteObject(obj, 0); !errors.Is(err, ErrUnsupportedValue) {
		t.Errorf("accessor write error = %v, want ErrUnsupportedValue", err)
	}
}

func TestImageCorruptStreams(t *testing.T) {
	rt, ctx := newTestContext(t)

	good, _, err := ctx.WriteObject(NewInt32(5), 0)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrUnexpectedEOF},
		{"bad magic", []byte{'X', 'X', 'X', 'X', 2}, ErrInvalidMagic},
		{"bad version", append(append([]byte{}, good[:4]...), 99), ErrVersionMismatch},
		{"truncated", good[:len(good)-1], ErrUnexpectedEOF},
		{"trailing", append(append([]byte{}, good...), 0), ErrTrailingData},
	}
	for _, tt := range tests {
		v, err := ctx.ReadObject(tt.data, 0)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.want)
		}
		rt.FreeValue(v)
	}
}

func TestImageDecodeDepthLimit(t *testing.T) {
	rt, ctx := newTestContext(t)

	// Build nesting deeper than the decoder allows.
	root := ctx.NewObject()
	cur := root
	for i := 0; i < maxDecodeDepth+8; i++ {
		next := ctx.NewObject()
		ctx.SetPropertyStr(cur, "c", rt.DupValue(next))
		rt.FreeValue(cur)
		cur = next
	}
	rt.FreeValue(cur)

	data, _, err := ctx.WriteObject(root, 0)
	rt.FreeValue(root)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := ctx.ReadObject(data, 0); err == nil {
		t.Error("over-deep stream decoded")
	}
}

type testSABAllocator struct {
	next    uint64
	buffers map[uint64][]byte
	refs    map[uint64]int
}

func newTestSABAllocator() *testSABAllocator {
	return &testSABAllocator{buffers: map[uint64][]byte{}, refs: map[uint64]int{}}
}

func (a *testSABAllocator) Alloc(size int) (uint64, []byte, error) {
	a.next++
	a.buffers[a.next] = make([]byte, size)
	a.refs[a.next] = 1
	return a.next, a.buffers[a.next], nil
}

func (a *testSABAllocator) Dup(id uint64)            { a.refs[id]++ }
func (a *testSABAllocator) Resolve(id uint64) []byte { return a.buffers[id] }

func (a *testSABAllocator) Free(id uint64) {
	a.refs[id]--
	if a.refs[id] <= 0 {
		delete(a.buffers, id)
		delete(a.refs, id)
	}
}

func TestImageSharedArrayBuffer(t *testing.T) {
	rt, ctx := newTestContext(t)

	alloc := newTestSABAllocator()
	rt.SetSABAllocator(alloc)

	sab := ctx.NewSharedArrayBuffer(8)
	if sab.IsException() {
		t.Fatal("NewSharedArrayBuffer failed")
	}
	copy(rt.ArrayBufferBytes(sab), "shared!!")

	if _, _, err := ctx.WriteObject(sab, 0); !errors.Is(err, ErrSABDisabled) {
		t.Fatalf("ungated write error = %v", err)
	}

	data, handles, err := ctx.WriteObject(sab, WriteAllowSAB)
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if len(handles) != 1 {
		t.Fatalf("handles = %v, want one", handles)
	}

	got, err := ctx.ReadObject(data, ReadAllowSAB)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if !rt.IsSharedArrayBuffer(got) {
		t.Error("decoded value is not a shared buffer")
	}
	if string(rt.ArrayBufferBytes(got)) != "shared!!" {
		t.Errorf("decoded contents = %q", rt.ArrayBufferBytes(got))
	}

	rt.FreeValue(got)
	rt.FreeValue(sab)
	rt.ReleaseSABHandles(handles)
	if len(alloc.buffers) != 0 {
		t.Errorf("allocator still holds %d buffers", len(alloc.buffers))
	}
}
