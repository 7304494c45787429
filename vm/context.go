package vm

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// Context is an isolated realm within a Runtime: its own global object,
// intrinsic prototypes and pending exception slot. Heap cells and atoms
// are shared across all contexts of one Runtime; contexts of different
// Runtimes must never exchange values.
type Context struct {
	rt       *Runtime
	refCount int32

	global      Value
	objectProto Value
	arrayProto  Value
	errorProto  Value
	funcProto   Value

	pendingException Value
	hasException     bool
	uncatchable      bool

	frames []stackFrame

	// Host association, e.g. a session or tenant id.
	opaque any
}

type stackFrame struct {
	funcName string
}

// NewContext creates a realm with fresh intrinsics. The context holds a
// reference on the runtime until freed.
func (rt *Runtime) NewContext() *Context {
	ctx := &Context{
		rt:               rt,
		refCount:         1,
		pendingException: Undefined,
	}

	protoOf := func(parent Value) Value {
		v, err := rt.newCell(ClassObject, rt.shapeDup(rt.rootShape), rt.DupValue(parent))
		if err != nil {
			panic(err)
		}
		return v
	}
	ctx.objectProto = protoOf(Null)
	ctx.arrayProto = protoOf(ctx.objectProto)
	ctx.errorProto = protoOf(ctx.objectProto)
	ctx.funcProto = protoOf(ctx.objectProto)
	ctx.global = protoOf(ctx.objectProto)

	rt.contexts++
	return ctx
}

// DupContext takes a new reference on the context.
func (ctx *Context) DupContext() *Context {
	ctx.refCount++
	return ctx
}

// Free releases one reference on the context, tearing down its realm
// state when the count reaches zero.
func (ctx *Context) Free() {
	ctx.refCount--
	if ctx.refCount > 0 {
		return
	}
	rt := ctx.rt
	rt.FreeValue(ctx.pendingException)
	ctx.pendingException = Undefined
	rt.FreeValue(ctx.global)
	rt.FreeValue(ctx.funcProto)
	rt.FreeValue(ctx.errorProto)
	rt.FreeValue(ctx.arrayProto)
	rt.FreeValue(ctx.objectProto)
	rt.contexts--
}

// Runtime returns the owning runtime.
func (ctx *Context) Runtime() *Runtime { return ctx.rt }

// Global returns a borrowed reference to the global object.
func (ctx *Context) Global() Value { return ctx.global }

// ObjectPrototype returns a borrowed reference to the realm's base
// object prototype.
func (ctx *Context) ObjectPrototype() Value { return ctx.objectProto }

// SetOpaque attaches host data to the context.
func (ctx *Context) SetOpaque(v any) { ctx.opaque = v }

// Opaque returns the host data attached with SetOpaque.
func (ctx *Context) Opaque() any { return ctx.opaque }

// ---------------------------------------------------------------------------
// Calling
// ---------------------------------------------------------------------------

// Call invokes fn with the given receiver and arguments. fn, this and
// args are borrowed; the result is owned by the caller (Exception on
// throw). The interrupt handler is polled on every call boundary.
func (ctx *Context) Call(fn, this Value, args []Value) Value {
	return ctx.callInternal(fn, this, args, false)
}

// CallConstructor invokes fn as a constructor.
func (ctx *Context) CallConstructor(fn Value, args []Value) Value {
	return ctx.callInternal(fn, Undefined, args, true)
}

func (ctx *Context) callInternal(fn, this Value, args []Value, isConstructor bool) Value {
	rt := ctx.rt
	o := rt.ObjectOf(fn)
	if o == nil {
		return ctx.ThrowTypeError("%s is not a function", ctx.typeName(fn))
	}
	def := rt.classes.lookup(o.class)
	if def == nil || def.Call == nil {
		return ctx.ThrowTypeError("object of class %s is not callable", rt.ClassName(o.class))
	}
	if isConstructor && !def.IsConstructor {
		return ctx.ThrowTypeError("object of class %s is not a constructor", rt.ClassName(o.class))
	}
	if len(ctx.frames) >= rt.maxStackDepth {
		return ctx.throwStackOverflow()
	}
	if rt.interruptPending() {
		return ctx.throwInterrupted()
	}

	ctx.frames = append(ctx.frames, stackFrame{funcName: ctx.callableName(o)})
	res := def.Call(ctx, fn, this, args, isConstructor)
	ctx.frames = ctx.frames[:len(ctx.frames)-1]
	return res
}

func (ctx *Context) callableName(o *Object) string {
	if rec, ok := o.native.(*functionRecord); ok && rec.name != "" {
		return rec.name
	}
	if fb, ok := o.native.(*FunctionBytecode); ok {
		return ctx.rt.AtomString(fb.nameAtom)
	}
	return ctx.rt.ClassName(o.class)
}

// IsFunction reports whether v is callable.
func (ctx *Context) IsFunction(v Value) bool {
	o := ctx.rt.ObjectOf(v)
	if o == nil {
		return false
	}
	def := ctx.rt.classes.lookup(o.class)
	return def != nil && def.Call != nil
}

// ---------------------------------------------------------------------------
// Display
// ---------------------------------------------------------------------------

// typeName returns the language-level type of v, as typeof would.
func (ctx *Context) typeName(v Value) string {
	switch v.Tag() {
	case TagUndefined, TagUninitialized:
		return "undefined"
	case TagNull:
		return "object"
	case TagBool:
		return "boolean"
	case TagInt, TagFloat64:
		return "number"
	case TagString:
		return "string"
	case TagSymbol:
		return "symbol"
	case TagBigInt, TagShortBigInt:
		return "bigint"
	case TagObject:
		if ctx.IsFunction(v) {
			return "function"
		}
		return "object"
	default:
		return "unknown"
	}
}

// ToDisplayString renders v for diagnostics. v is borrowed. Unlike a
// conversion to a string value it never raises and never calls guest
// code.
func (ctx *Context) ToDisplayString(v Value) string {
	rt := ctx.rt
	switch v.Tag() {
	case TagUndefined:
		return "undefined"
	case TagUninitialized:
		return "<uninitialized>"
	case TagNull:
		return "null"
	case TagBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TagInt:
		return formatInt32(v.Int32())
	case TagFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case TagString:
		return rt.ToGoString(v)
	case TagSymbol:
		return "Symbol(" + rt.SymbolDescription(v) + ")"
	case TagBigInt, TagShortBigInt:
		if b := rt.ToBigInt(v); b != nil {
			return b.String() + "n"
		}
		return "0n"
	case TagException:
		return "<exception>"
	case TagObject:
		o := rt.ObjectOf(v)
		if o == nil {
			return "<dangling>"
		}
		switch o.class {
		case ClassArray:
			return fmt.Sprintf("[array of %d]", len(o.arrayData))
		case ClassFunction, ClassFunctionBytecode:
			return "function " + ctx.callableName(o)
		default:
			return "[object " + rt.ClassName(o.class) + "]"
		}
	default:
		return "<value>"
	}
}
