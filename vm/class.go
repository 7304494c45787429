package vm

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Class descriptors
// ---------------------------------------------------------------------------

// ClassID identifies a registered object class. IDs are drawn from a
// process-wide monotonic counter so independent Runtimes can exchange
// serialized data that names the same engine classes.
type ClassID uint32

// Engine classes. User classes are allocated with NewClassID.
const (
	classInvalid ClassID = iota
	ClassObject
	ClassArray
	ClassError
	ClassString
	ClassStringObject
	ClassSymbol
	ClassBigInt
	ClassFunction
	ClassFunctionBytecode
	ClassModule
	ClassModuleNamespace
	ClassVarRef
	ClassAutoInit
	ClassArrayBuffer
	ClassSharedArrayBuffer

	classFirstUser // first id handed out by NewClassID
)

var classIDCounter atomic.Uint32

func init() {
	classIDCounter.Store(uint32(classFirstUser))
}

// NewClassID allocates a fresh process-wide class id.
func NewClassID() ClassID {
	return ClassID(classIDCounter.Add(1) - 1)
}

// FinalizerFunc releases class-specific resources of a dying object. It
// must not resurrect the object and must not assume any other object in
// the same sweep is still valid.
type FinalizerFunc func(rt *Runtime, obj *Object)

// MarkFunc reports every Value the object exclusively owns to the garbage
// collector. It must mirror the traversal the finalizer releases.
type MarkFunc func(rt *Runtime, obj *Object, mark func(Value))

// CallFunc implements call-as-function behavior for a class. fn and this
// are borrowed; args are borrowed; the return value is owned by the caller
// (or the Exception sentinel).
type CallFunc func(ctx *Context, fn, this Value, args []Value, isConstructor bool) Value

// ExoticMethods overrides any subset of the default property algorithms
// for a class. Unset entries fall back to the default path.
type ExoticMethods struct {
	// GetOwnProperty returns the descriptor for an own property, or nil
	// if absent. Returned handles in the descriptor are owned.
	GetOwnProperty func(ctx *Context, obj *Object, atom Atom) (*PropertyDescriptor, PropResult)

	// OwnKeys returns all own property keys; each returned atom carries a
	// reference owned by the caller.
	OwnKeys func(ctx *Context, obj *Object) ([]Atom, PropResult)

	// Delete removes an own property. A false handled result falls back
	// to the default algorithm; PropFail means the property cannot be
	// deleted.
	Delete func(ctx *Context, obj *Object, atom Atom) (handled bool, res PropResult)

	// Define defines or updates an own property. desc handles are
	// borrowed. A false handled result falls back to the default
	// algorithm.
	Define func(ctx *Context, obj *Object, atom Atom, desc PropertyDescriptor, flags PropFlags) (handled bool, res PropResult)

	// Has reports whether the object has an own property.
	Has func(ctx *Context, obj *Object, atom Atom) (bool, PropResult)

	// Get fully handles property reads when set. receiver is the original
	// receiver of the access, not necessarily obj's value.
	Get func(ctx *Context, obj *Object, atom Atom, receiver Value) (Value, PropResult)

	// Set handles property writes. A false handled result falls back to
	// the default algorithm; val is consumed only when handled.
	Set func(ctx *Context, obj *Object, atom Atom, val Value, receiver Value, flags PropFlags) (handled bool, res PropResult)
}

// ClassDef describes a class to RegisterClass.
type ClassDef struct {
	Name          string
	Finalizer     FinalizerFunc
	Mark          MarkFunc
	Call          CallFunc
	IsConstructor bool // Call may be invoked as a constructor
	Exotic        *ExoticMethods
}

// classRegistry is the per-Runtime view of registered classes. Class ids
// are process-wide; definitions are not.
type classRegistry struct {
	defs map[ClassID]*ClassDef
}

func newClassRegistry() *classRegistry {
	return &classRegistry{defs: make(map[ClassID]*ClassDef, 32)}
}

func (r *classRegistry) register(id ClassID, def *ClassDef) error {
	if id == classInvalid {
		return fmt.Errorf("vm: invalid class id %d", id)
	}
	if _, dup := r.defs[id]; dup {
		return fmt.Errorf("vm: class id %d (%q) already registered", id, def.Name)
	}
	r.defs[id] = def
	return nil
}

func (r *classRegistry) lookup(id ClassID) *ClassDef {
	return r.defs[id]
}

// RegisterClass installs a class definition in this Runtime. The id must
// come from the engine class space or NewClassID.
func (rt *Runtime) RegisterClass(id ClassID, def *ClassDef) error {
	return rt.classes.register(id, def)
}

// ClassName returns the registered name for a class id, or "" if the class
// is unknown to this Runtime.
func (rt *Runtime) ClassName(id ClassID) string {
	if def := rt.classes.lookup(id); def != nil {
		return def.Name
	}
	return ""
}

// registerEngineClasses installs the built-in classes of a fresh Runtime.
func (rt *Runtime) registerEngineClasses() {
	must := func(id ClassID, def *ClassDef) {
		if err := rt.classes.register(id, def); err != nil {
			panic(err)
		}
	}
	must(ClassObject, &ClassDef{Name: "Object"})
	must(ClassArray, &ClassDef{Name: "Array", Exotic: arrayExotic})
	must(ClassError, &ClassDef{Name: "Error"})
	must(ClassString, &ClassDef{Name: "String"})
	must(ClassStringObject, &ClassDef{
		Name:      "StringObject",
		Exotic:    stringExotic,
		Finalizer: finalizeStringObject,
		Mark:      markStringObject,
	})
	must(ClassSymbol, &ClassDef{Name: "Symbol", Finalizer: finalizeSymbol})
	must(ClassBigInt, &ClassDef{Name: "BigInt"})
	must(ClassFunction, &ClassDef{
		Name:      "Function",
		Call:      callNativeFunction,
		Finalizer: finalizeFunction,
		Mark:      markFunction,
	})
	must(ClassFunctionBytecode, &ClassDef{
		Name:      "FunctionBytecode",
		Finalizer: finalizeBytecode,
		Mark:      markBytecode,
	})
	must(ClassModule, &ClassDef{
		Name:      "Module",
		Finalizer: finalizeModule,
		Mark:      markModule,
	})
	must(ClassModuleNamespace, &ClassDef{Name: "ModuleNamespace", Exotic: moduleNSExotic})
	must(ClassVarRef, &ClassDef{Name: "VarRef", Mark: markVarRef, Finalizer: finalizeVarRef})
	must(ClassAutoInit, &ClassDef{Name: "AutoInit"})
	must(ClassArrayBuffer, &ClassDef{Name: "ArrayBuffer", Finalizer: finalizeArrayBuffer})
	must(ClassSharedArrayBuffer, &ClassDef{Name: "SharedArrayBuffer", Finalizer: finalizeSharedArrayBuffer})
}
