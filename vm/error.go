package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Exceptions
// ---------------------------------------------------------------------------

// Throw installs v as the pending exception and returns the Exception
// sentinel. v is consumed.
func (ctx *Context) Throw(v Value) Value {
	ctx.rt.FreeValue(ctx.pendingException)
	ctx.pendingException = v
	ctx.hasException = true
	return Exception
}

// HasException reports whether an exception is pending.
func (ctx *Context) HasException() bool { return ctx.hasException }

// Exception detaches and returns the pending exception. Returns Undefined
// with no pending exception. The result is owned by the caller.
func (ctx *Context) Exception() Value {
	if !ctx.hasException {
		return Undefined
	}
	v := ctx.pendingException
	ctx.pendingException = Undefined
	ctx.hasException = false
	ctx.uncatchable = false
	return v
}

// IsUncatchable reports whether the pending exception must not be caught
// by guest error handling. Out-of-memory, interrupt and stack overflow
// conditions are uncatchable.
func (ctx *Context) IsUncatchable() bool {
	return ctx.hasException && ctx.uncatchable
}

// newError builds an error object on the error prototype with name,
// message and a textual backtrace of the active call stack.
func (ctx *Context) newError(name, message string) Value {
	rt := ctx.rt
	errv, err := rt.newCell(ClassError, rt.shapeDup(rt.rootShape), rt.DupValue(ctx.errorProto))
	if err != nil {
		// Error construction itself ran out of memory.
		return Undefined
	}
	const attrs = PropConfigurable | PropWritable
	nameVal := ctx.NewString(name)
	if !nameVal.IsException() {
		ctx.DefinePropertyValue(errv, rt.DupAtom(AtomName), nameVal, attrs)
	}
	msgVal := ctx.NewString(message)
	if !msgVal.IsException() {
		ctx.DefinePropertyValue(errv, rt.DupAtom(AtomMessage), msgVal, attrs)
	}
	stackVal := ctx.NewString(ctx.backtrace())
	if !stackVal.IsException() {
		ctx.DefinePropertyValue(errv, rt.DupAtom(AtomStack), stackVal, attrs)
	}
	return errv
}

func (ctx *Context) throwError(name, format string, args ...any) Value {
	errv := ctx.newError(name, fmt.Sprintf(format, args...))
	if errv.IsUndefined() {
		return ctx.throwOutOfMemory()
	}
	return ctx.Throw(errv)
}

// ThrowError throws a plain Error with a formatted message.
func (ctx *Context) ThrowError(format string, args ...any) Value {
	return ctx.throwError("Error", format, args...)
}

// ThrowTypeError throws a TypeError with a formatted message.
func (ctx *Context) ThrowTypeError(format string, args ...any) Value {
	return ctx.throwError("TypeError", format, args...)
}

// ThrowRangeError throws a RangeError with a formatted message.
func (ctx *Context) ThrowRangeError(format string, args ...any) Value {
	return ctx.throwError("RangeError", format, args...)
}

// ThrowReferenceError throws a ReferenceError with a formatted message.
func (ctx *Context) ThrowReferenceError(format string, args ...any) Value {
	return ctx.throwError("ReferenceError", format, args...)
}

// ThrowSyntaxError throws a SyntaxError with a formatted message.
func (ctx *Context) ThrowSyntaxError(format string, args ...any) Value {
	return ctx.throwError("SyntaxError", format, args...)
}

// ThrowInternalError throws an InternalError with a formatted message.
func (ctx *Context) ThrowInternalError(format string, args ...any) Value {
	return ctx.throwError("InternalError", format, args...)
}

// throwOutOfMemory installs the uncatchable out-of-memory condition. No
// error object is allocated; allocating here could fail again.
func (ctx *Context) throwOutOfMemory() Value {
	msg, err := ctx.rt.NewString("out of memory")
	if err != nil {
		msg = Null
	}
	res := ctx.Throw(msg)
	ctx.uncatchable = true
	return res
}

// throwStackOverflow installs the uncatchable stack exhaustion condition.
func (ctx *Context) throwStackOverflow() Value {
	res := ctx.throwError("InternalError", "stack overflow")
	ctx.uncatchable = true
	return res
}

// throwInterrupted installs the uncatchable interruption condition raised
// when the host interrupt handler asks for termination.
func (ctx *Context) throwInterrupted() Value {
	res := ctx.throwError("InternalError", "interrupted")
	ctx.uncatchable = true
	return res
}

// backtrace renders the active call stack, innermost frame first.
func (ctx *Context) backtrace() string {
	if len(ctx.frames) == 0 {
		return ""
	}
	var b strings.Builder
	for i := len(ctx.frames) - 1; i >= 0; i-- {
		name := ctx.frames[i].funcName
		if name == "" {
			name = "<anonymous>"
		}
		fmt.Fprintf(&b, "    at %s\n", name)
	}
	return b.String()
}

// ErrorMessage extracts the message property of an error value for host
// display. v is borrowed.
func (ctx *Context) ErrorMessage(v Value) string {
	if !v.IsObject() {
		return ctx.ToDisplayString(v)
	}
	msg := ctx.GetProperty(v, AtomMessage)
	if !msg.IsString() {
		ctx.rt.FreeValue(msg)
		return ctx.ToDisplayString(v)
	}
	s := ctx.rt.ToGoString(msg)
	ctx.rt.FreeValue(msg)
	return s
}
