package trigger

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"sync"
)

var (
	funcsMu sync.RWMutex
	funcs   = map[string]reflect.Value{}

	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// RegisterFunc makes fn callable through StaticFunc references under name.
func RegisterFunc(name string, fn any) error {
	if name == "" {
		return NewError(ErrInvalidAction, "function name cannot be empty", nil, nil)
	}
	if fn == nil || reflect.TypeOf(fn).Kind() != reflect.Func {
		return NewError(ErrInvalidAction, fmt.Sprintf("function %q must be a func, got %T", name, fn), nil, nil)
	}
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, exists := funcs[name]; exists {
		return NewError(ErrActionExists, fmt.Sprintf("function %q already registered", name), nil, nil)
	}
	funcs[name] = reflect.ValueOf(fn)
	return nil
}

// RegisteredFuncs lists the names known to StaticFunc, sorted.
func RegisteredFuncs() []string {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	out := make([]string, 0, len(funcs))
	for name := range funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func lookupFunc(name string) (reflect.Value, bool) {
	funcsMu.RLock()
	defer funcsMu.RUnlock()
	fn, ok := funcs[name]
	return fn, ok
}

// callFunc calls fn with args converted to its parameter types. A leading
// context.Context parameter receives ctx and a trailing error result is
// returned as the error.
func callFunc(ctx context.Context, fn reflect.Value, args []any) (any, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		return nil, NewError(ErrInvalidAction, "action target is not a function", nil, nil)
	}
	ft := fn.Type()

	in := make([]reflect.Value, 0, len(args)+1)
	first := 0
	if ft.NumIn() > 0 && ft.In(0) == contextType {
		if ctx == nil {
			ctx = context.Background()
		}
		in = append(in, reflect.ValueOf(ctx))
		first = 1
	}

	fixed := ft.NumIn() - first
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			return nil, argCountError(ft, fixed, len(args))
		}
	} else if len(args) != fixed {
		return nil, argCountError(ft, fixed, len(args))
	}

	for i, arg := range args {
		var pt reflect.Type
		if i < fixed {
			pt = ft.In(first + i)
		} else {
			pt = ft.In(ft.NumIn() - 1).Elem()
		}
		v, err := convertArg(arg, pt)
		if err != nil {
			return nil, NewError(ErrInvalidAction, fmt.Sprintf("argument %d: %v", i, err), err, nil)
		}
		in = append(in, v)
	}

	return unpackResults(fn.Call(in))
}

func argCountError(ft reflect.Type, want, got int) error {
	return NewError(ErrInvalidAction, fmt.Sprintf("action %s expects %d arguments, got %d", ft, want, got), nil,
		map[string]any{"expected": want, "actual": got})
}

func unpackResults(out []reflect.Value) (any, error) {
	if len(out) == 0 {
		return nil, nil
	}
	var err error
	last := out[len(out)-1]
	if last.Type().Implements(errorType) {
		if !last.IsNil() {
			err = last.Interface().(error)
		}
		out = out[:len(out)-1]
	}
	if len(out) == 0 {
		return nil, err
	}
	return out[0].Interface(), err
}

// convertArg adapts decoded values (for example JSON float64 numbers or
// []any lists) to the declared parameter type.
func convertArg(arg any, pt reflect.Type) (reflect.Value, error) {
	if arg == nil {
		switch pt.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Slice, reflect.Map, reflect.Func, reflect.Chan:
			return reflect.Zero(pt), nil
		}
		return reflect.Value{}, fmt.Errorf("cannot use nil as %s", pt)
	}

	rv := reflect.ValueOf(arg)
	if rv.Type().AssignableTo(pt) {
		return rv, nil
	}

	switch {
	case isNumberKind(rv.Kind()) && isNumberKind(pt.Kind()):
		return convertNumber(rv, pt)
	case pt.Kind() == reflect.Slice && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array):
		out := reflect.MakeSlice(pt, rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			item, err := convertArg(rv.Index(i).Interface(), pt.Elem())
			if err != nil {
				return reflect.Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			out.Index(i).Set(item)
		}
		return out, nil
	case rv.Type().ConvertibleTo(pt) && rv.Kind() == pt.Kind():
		return rv.Convert(pt), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", arg, pt)
}

// convertNumber converts between numeric kinds, rejecting values the
// target type cannot hold.
func convertNumber(rv reflect.Value, pt reflect.Type) (reflect.Value, error) {
	target := reflect.New(pt).Elem()
	overflow := func() (reflect.Value, error) {
		return reflect.Value{}, fmt.Errorf("value %v overflows %s", rv.Interface(), pt)
	}

	switch {
	case isFloatKind(pt.Kind()):
		if isFloatKind(rv.Kind()) && target.OverflowFloat(rv.Float()) {
			return overflow()
		}
	case isUintKind(pt.Kind()):
		switch {
		case isFloatKind(rv.Kind()):
			f := rv.Float()
			if f != math.Trunc(f) {
				return reflect.Value{}, fmt.Errorf("cannot use fractional %v as %s", f, pt)
			}
			if f < 0 {
				return reflect.Value{}, fmt.Errorf("cannot use negative %v as %s", f, pt)
			}
			if f >= math.MaxUint64 || target.OverflowUint(uint64(f)) {
				return overflow()
			}
		case isUintKind(rv.Kind()):
			if target.OverflowUint(rv.Uint()) {
				return overflow()
			}
		default:
			i := rv.Int()
			if i < 0 {
				return reflect.Value{}, fmt.Errorf("cannot use negative %d as %s", i, pt)
			}
			if target.OverflowUint(uint64(i)) {
				return overflow()
			}
		}
	default:
		switch {
		case isFloatKind(rv.Kind()):
			f := rv.Float()
			if f != math.Trunc(f) {
				return reflect.Value{}, fmt.Errorf("cannot use fractional %v as %s", f, pt)
			}
			if f < math.MinInt64 || f >= math.MaxInt64 || target.OverflowInt(int64(f)) {
				return overflow()
			}
		case isUintKind(rv.Kind()):
			u := rv.Uint()
			if u > math.MaxInt64 || target.OverflowInt(int64(u)) {
				return overflow()
			}
		default:
			if target.OverflowInt(rv.Int()) {
				return overflow()
			}
		}
	}
	return rv.Convert(pt), nil
}

func isNumberKind(k reflect.Kind) bool {
	return isIntKind(k) || isFloatKind(k)
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

func isUintKind(k reflect.Kind) bool {
	switch k {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}

func isFloatKind(k reflect.Kind) bool {
	return k == reflect.Float32 || k == reflect.Float64
}
