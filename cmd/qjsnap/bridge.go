package main

import (
	"fmt"
	"math"

	"github.com/yonasBSD/quickjs-ng/vm"
)

// valueFromGo builds a value graph from a decoded JSON document. The
// result is owned by the caller.
func valueFromGo(ctx *vm.Context, doc any) (vm.Value, error) {
	rt := ctx.Runtime()
	switch d := doc.(type) {
	case nil:
		return vm.Null, nil
	case bool:
		return vm.NewBool(d), nil
	case float64:
		if d == math.Trunc(d) && d >= math.MinInt32 && d <= math.MaxInt32 {
			return vm.NewInt32(int32(d)), nil
		}
		return vm.NewFloat64(d), nil
	case string:
		v := ctx.NewString(d)
		if v.IsException() {
			return vm.Undefined, exceptionToError(ctx)
		}
		return v, nil
	case []any:
		arr := ctx.NewArray()
		if arr.IsException() {
			return vm.Undefined, exceptionToError(ctx)
		}
		for i, elem := range d {
			ev, err := valueFromGo(ctx, elem)
			if err != nil {
				rt.FreeValue(arr)
				return vm.Undefined, err
			}
			if res := ctx.SetPropertyUInt32(arr, uint32(i), ev); res != vm.PropOK {
				rt.FreeValue(arr)
				return vm.Undefined, exceptionToError(ctx)
			}
		}
		return arr, nil
	case map[string]any:
		obj := ctx.NewObject()
		if obj.IsException() {
			return vm.Undefined, exceptionToError(ctx)
		}
		for key, elem := range d {
			ev, err := valueFromGo(ctx, elem)
			if err != nil {
				rt.FreeValue(obj)
				return vm.Undefined, err
			}
			if res := ctx.SetPropertyStr(obj, key, ev); res != vm.PropOK {
				rt.FreeValue(obj)
				return vm.Undefined, exceptionToError(ctx)
			}
		}
		return obj, nil
	default:
		return vm.Undefined, fmt.Errorf("unsupported JSON value %T", doc)
	}
}

// valueToGo converts a value graph back into JSON-encodable Go data. v is
// borrowed. Cyclic graphs fail rather than recurse forever.
func valueToGo(ctx *vm.Context, v vm.Value) (any, error) {
	return valueToGoRec(ctx, v, 0)
}

func valueToGoRec(ctx *vm.Context, v vm.Value, depth int) (any, error) {
	rt := ctx.Runtime()
	if depth > 512 {
		return nil, fmt.Errorf("value graph too deep for JSON output")
	}
	switch {
	case v.IsNull(), v.IsUndefined():
		return nil, nil
	case v.IsBool():
		return v.Bool(), nil
	case v.IsInt():
		return float64(v.Int32()), nil
	case v.IsFloat():
		return v.Float64(), nil
	case v.IsString():
		return rt.ToGoString(v), nil
	case v.IsObject():
		if n := ctx.ArrayLength(v); n >= 0 {
			out := make([]any, 0, n)
			for i := 0; i < n; i++ {
				ev := ctx.GetPropertyUInt32(v, uint32(i))
				if ev.IsException() {
					return nil, exceptionToError(ctx)
				}
				conv, err := valueToGoRec(ctx, ev, depth+1)
				rt.FreeValue(ev)
				if err != nil {
					return nil, err
				}
				out = append(out, conv)
			}
			return out, nil
		}
		names, res := ctx.GetOwnPropertyNames(v)
		if res != vm.PropOK {
			return nil, exceptionToError(ctx)
		}
		defer ctx.FreePropEnum(names)
		out := make(map[string]any, len(names))
		for _, p := range names {
			pv := ctx.GetProperty(v, p.Atom)
			if pv.IsException() {
				return nil, exceptionToError(ctx)
			}
			conv, err := valueToGoRec(ctx, pv, depth+1)
			rt.FreeValue(pv)
			if err != nil {
				return nil, err
			}
			out[rt.AtomString(p.Atom)] = conv
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value cannot be represented as JSON")
	}
}

func exceptionToError(ctx *vm.Context) error {
	exc := ctx.Exception()
	defer ctx.Runtime().FreeValue(exc)
	return fmt.Errorf("runtime error: %s", ctx.ErrorMessage(exc))
}
