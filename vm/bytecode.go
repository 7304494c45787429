package vm

// ---------------------------------------------------------------------------
// Function bytecode and module records
// ---------------------------------------------------------------------------

// FunctionBytecode is the compiled form of a guest function. The runtime
// core treats the code bytes as opaque; a bytecode interpreter consumes
// them. The record owns its constant pool values and its atoms.
type FunctionBytecode struct {
	nameAtom  Atom
	code      []byte
	constants []Value

	argCount  uint16
	varCount  uint16
	stackSize uint16

	// Source and debug sections, strippable at serialization time.
	source     string
	filename   Atom
	lineNumber uint32
}

// FunctionBytecodeDef carries the fields of a bytecode record across the
// constructor boundary. Code and constants ownership transfers.
type FunctionBytecodeDef struct {
	Name      string
	Code      []byte
	Constants []Value

	ArgCount  uint16
	VarCount  uint16
	StackSize uint16

	Source     string
	Filename   string
	LineNumber uint32
}

// NewFunctionBytecode creates a bytecode cell. Constants are consumed.
// The result is owned by the caller.
func (ctx *Context) NewFunctionBytecode(def FunctionBytecodeDef) Value {
	rt := ctx.rt
	v, err := rt.newCell(ClassFunctionBytecode, nil, Null)
	if err != nil {
		for _, c := range def.Constants {
			rt.FreeValue(c)
		}
		return ctx.throwOutOfMemory()
	}
	fb := &FunctionBytecode{
		nameAtom:   rt.NewAtom(def.Name),
		code:       def.Code,
		constants:  def.Constants,
		argCount:   def.ArgCount,
		varCount:   def.VarCount,
		stackSize:  def.StackSize,
		source:     def.Source,
		filename:   rt.NewAtom(def.Filename),
		lineNumber: def.LineNumber,
	}
	obj := rt.obj(v)
	obj.native = fb
	extra := int64(len(fb.code) + len(fb.source))
	if err := rt.accountExtra(obj, extra); err != nil {
		rt.FreeValue(v)
		return ctx.throwOutOfMemory()
	}
	return v
}

// Bytecode returns the record behind a bytecode cell, or nil.
func (rt *Runtime) Bytecode(v Value) *FunctionBytecode {
	o := rt.ObjectOf(v)
	if o == nil || o.class != ClassFunctionBytecode {
		return nil
	}
	fb, _ := o.native.(*FunctionBytecode)
	return fb
}

// Name returns the function name.
func (fb *FunctionBytecode) Name(rt *Runtime) string { return rt.AtomString(fb.nameAtom) }

// Code returns the opaque code bytes. The slice aliases the record.
func (fb *FunctionBytecode) Code() []byte { return fb.code }

// Constants returns the constant pool. Values are borrowed.
func (fb *FunctionBytecode) Constants() []Value { return fb.constants }

// Source returns the retained source text, empty when stripped.
func (fb *FunctionBytecode) Source() string { return fb.source }

func finalizeBytecode(rt *Runtime, obj *Object) {
	fb, _ := obj.native.(*FunctionBytecode)
	if fb == nil {
		return
	}
	rt.FreeAtom(fb.nameAtom)
	rt.FreeAtom(fb.filename)
	for _, c := range fb.constants {
		rt.FreeValue(c)
	}
	fb.constants = nil
	obj.native = nil
}

func markBytecode(rt *Runtime, obj *Object, mark func(Value)) {
	fb, _ := obj.native.(*FunctionBytecode)
	if fb == nil {
		return
	}
	for _, c := range fb.constants {
		mark(c)
	}
}

// ---------------------------------------------------------------------------
// Modules
// ---------------------------------------------------------------------------

// ModuleRecord is a guest module: its specifier, the specifiers it
// requires, its exported bindings and, once instantiated, its namespace
// object. A freshly created or freshly decoded module is unresolved; it
// must pass through ResolveModule before its namespace can be used.
type ModuleRecord struct {
	nameAtom Atom
	requires []Atom

	// Export bindings: name atom to shared varref cell. Cells are owned.
	exports map[Atom]Value

	resolved  bool
	namespace Value // owned once built; Undefined before

	// The module body, a bytecode cell. Owned. Undefined when absent.
	fn Value
}

// NewModule creates an unresolved module record with the given specifier
// and required specifiers. The result is owned by the caller.
func (ctx *Context) NewModule(name string, requires []string) Value {
	rt := ctx.rt
	v, err := rt.newCell(ClassModule, nil, Null)
	if err != nil {
		return ctx.throwOutOfMemory()
	}
	m := &ModuleRecord{
		nameAtom:  rt.NewAtom(name),
		exports:   make(map[Atom]Value),
		namespace: Undefined,
		fn:        Undefined,
	}
	for _, req := range requires {
		m.requires = append(m.requires, rt.NewAtom(req))
	}
	rt.obj(v).native = m
	return v
}

// Module returns the record behind a module cell, or nil.
func (rt *Runtime) Module(v Value) *ModuleRecord {
	o := rt.ObjectOf(v)
	if o == nil || o.class != ClassModule {
		return nil
	}
	m, _ := o.native.(*ModuleRecord)
	return m
}

// Name returns the module specifier.
func (m *ModuleRecord) Name(rt *Runtime) string { return rt.AtomString(m.nameAtom) }

// Requires returns the specifiers this module depends on.
func (m *ModuleRecord) Requires(rt *Runtime) []string {
	out := make([]string, len(m.requires))
	for i, a := range m.requires {
		out[i] = rt.AtomString(a)
	}
	return out
}

// Resolved reports whether ResolveModule completed for this module.
func (m *ModuleRecord) Resolved() bool { return m.resolved }

// SetModuleBody attaches the compiled body to an unresolved module.
// module is borrowed; fn is consumed and must be a bytecode cell.
func (ctx *Context) SetModuleBody(module, fn Value) PropResult {
	m := ctx.rt.Module(module)
	if m == nil || ctx.rt.Bytecode(fn) == nil {
		ctx.rt.FreeValue(fn)
		ctx.ThrowTypeError("not a module or bytecode value")
		return PropException
	}
	ctx.rt.FreeValue(m.fn)
	m.fn = fn
	return PropOK
}

// AddModuleExport declares an exported binding on an unresolved module,
// backed by a fresh varref cell initialized to Uninitialized.
func (ctx *Context) AddModuleExport(module Value, name string) PropResult {
	rt := ctx.rt
	m := rt.Module(module)
	if m == nil {
		ctx.ThrowTypeError("not a module value")
		return PropException
	}
	if m.resolved {
		ctx.ThrowTypeError("module %s is already resolved", m.Name(rt))
		return PropException
	}
	atom := rt.NewAtom(name)
	if _, dup := m.exports[atom]; dup {
		rt.FreeAtom(atom)
		ctx.ThrowSyntaxError("duplicate export %q in module %s", name, m.Name(rt))
		return PropException
	}
	cell := ctx.NewVarRef(Uninitialized)
	if cell.IsException() {
		rt.FreeAtom(atom)
		return PropException
	}
	m.exports[atom] = cell
	return PropOK
}

// SetModuleExport stores a value into an exported binding. val is
// consumed.
func (ctx *Context) SetModuleExport(module Value, name string, val Value) PropResult {
	rt := ctx.rt
	m := rt.Module(module)
	if m == nil {
		rt.FreeValue(val)
		ctx.ThrowTypeError("not a module value")
		return PropException
	}
	atom := rt.NewAtom(name)
	cell, ok := m.exports[atom]
	rt.FreeAtom(atom)
	if !ok {
		rt.FreeValue(val)
		ctx.ThrowReferenceError("module %s has no export %q", m.Name(rt), name)
		return PropException
	}
	ctx.VarRefSet(cell, val)
	return PropOK
}

// ResolveModule validates a module's requirements against the resolver
// and builds its namespace object. resolve maps a specifier to a module
// value (borrowed result) or Undefined when unknown. Resolution is
// idempotent.
func (ctx *Context) ResolveModule(module Value, resolve func(specifier string) Value) PropResult {
	rt := ctx.rt
	m := rt.Module(module)
	if m == nil {
		ctx.ThrowTypeError("not a module value")
		return PropException
	}
	if m.resolved {
		return PropOK
	}
	for _, req := range m.requires {
		spec := rt.AtomString(req)
		dep := Undefined
		if resolve != nil {
			dep = resolve(spec)
		}
		if rt.Module(dep) == nil {
			ctx.ThrowReferenceError("module %s: unresolved dependency %q", m.Name(rt), spec)
			return PropException
		}
	}
	ns, res := ctx.buildModuleNamespace(m)
	if res != PropOK {
		return res
	}
	m.namespace = ns
	m.resolved = true
	return PropOK
}

// ModuleNamespace returns an owned reference to the namespace of a
// resolved module.
func (ctx *Context) ModuleNamespace(module Value) Value {
	m := ctx.rt.Module(module)
	if m == nil || !m.resolved {
		return ctx.ThrowTypeError("module is not resolved")
	}
	return ctx.rt.DupValue(m.namespace)
}

// buildModuleNamespace materializes the read-only namespace object whose
// fields alias the module's varref cells.
func (ctx *Context) buildModuleNamespace(m *ModuleRecord) (Value, PropResult) {
	rt := ctx.rt
	ns, err := rt.newCell(ClassModuleNamespace, rt.shapeDup(rt.rootShape), Null)
	if err != nil {
		ctx.throwOutOfMemory()
		return Undefined, PropException
	}
	for atom, cell := range m.exports {
		res := ctx.defineVarRef(ns, atom, rt.DupValue(cell), PropEnumerable)
		if res != PropOK {
			rt.FreeValue(ns)
			return Undefined, res
		}
	}
	obj := rt.obj(ns)
	obj.extensible = false
	return ns, PropOK
}

func finalizeModule(rt *Runtime, obj *Object) {
	m, _ := obj.native.(*ModuleRecord)
	if m == nil {
		return
	}
	rt.FreeAtom(m.nameAtom)
	for _, req := range m.requires {
		rt.FreeAtom(req)
	}
	for atom, cell := range m.exports {
		rt.FreeAtom(atom)
		rt.FreeValue(cell)
	}
	m.exports = nil
	rt.FreeValue(m.namespace)
	m.namespace = Undefined
	rt.FreeValue(m.fn)
	m.fn = Undefined
	obj.native = nil
}

func markModule(rt *Runtime, obj *Object, mark func(Value)) {
	m, _ := obj.native.(*ModuleRecord)
	if m == nil {
		return
	}
	for _, cell := range m.exports {
		mark(cell)
	}
	mark(m.namespace)
	mark(m.fn)
}
