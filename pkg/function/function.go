// Package function implements the runtime's callable function
// description: a name, its declared input/output types, and the
// storage.Handle that actually runs it. Wrap adapts an ordinary Go
// function into a native storage.Handle via reflection.
package function

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
)

// Param describes one input or output slot of a Function.
type Param struct {
	Name string
	Type types.ID
}

// Function is a registered callable: a name, its declared signature,
// and the handle that runs it (native or bytecode).
type Function struct {
	Name    string
	Inputs  []Param
	Outputs []Param
	Handle  storage.Handle
}

// IsCallableWith reports whether argTypes structurally matches f's
// declared inputs: same arity, exact type-id match per position, no
// coercions.
func (f *Function) IsCallableWith(argTypes []types.ID) bool {
	if len(argTypes) != len(f.Inputs) {
		return false
	}
	for i, in := range f.Inputs {
		if argTypes[i] != in.Type {
			return false
		}
	}
	return true
}

// CallError wraps a failure raised while invoking f, annotated with
// f's name so it is identifiable once it has propagated out of
// whatever deeply nested call produced it.
type CallError struct {
	FunctionName string
	Err          error
}

func (e *CallError) Error() string {
	return errors.Wrapf(e.Err, "function: call to %q failed", e.FunctionName).Error()
}
func (e *CallError) Unwrap() error { return e.Err }

// Invoker is the execution surface Call dispatches through. It is
// storage.Context plus the one capability a bare register stack lacks:
// dispatching a Handle of either kind. exec.Context implements it; a
// plain storage.Context cannot, because interpreting a bytecode handle
// needs the instruction pool only an execution context owns.
type Invoker interface {
	storage.Context
	Call(handle storage.Handle) error
}

// Call invokes f.Handle against ctx, wrapping any failure as a
// *CallError carrying f's name. The caller must already have pushed
// f's arguments in declared order.
func (f *Function) Call(ctx Invoker) error {
	if err := ctx.Call(f.Handle); err != nil {
		return &CallError{FunctionName: f.Name, Err: err}
	}
	return nil
}

// readRegister is the minimal bridge Wrap needs between a reflect.Value
// and a register's storage.Storage. Only the primitive kinds the
// runtime's inline slot already supports natively are handled; a
// composed-value host parameter is expected to arrive as *storage.Storage
// (a reference) rather than by value.
func readRegister(s *storage.Storage, t reflect.Type) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.Float64:
		return reflect.ValueOf(s.Float64()), nil
	case reflect.Float32:
		return reflect.ValueOf(float32(s.Float64())), nil
	case reflect.Bool:
		return reflect.ValueOf(s.Bool()), nil
	case reflect.Int64, reflect.Int:
		v := reflect.New(t).Elem()
		v.SetInt(s.Int64())
		return v, nil
	case reflect.Ptr:
		if t == reflect.TypeOf((*storage.Storage)(nil)) {
			return reflect.ValueOf(s.Pointer()), nil
		}
	}
	return reflect.Value{}, errors.Errorf("function: unsupported native parameter type %s", t)
}

func writeRegister(s *storage.Storage, v reflect.Value) error {
	switch v.Kind() {
	case reflect.Float64, reflect.Float32:
		s.SetFloat64(v.Float())
	case reflect.Bool:
		s.SetBool(v.Bool())
	case reflect.Int64, reflect.Int:
		s.SetInt64(v.Int())
	case reflect.Ptr:
		if v.Type() == reflect.TypeOf((*storage.Storage)(nil)) {
			s.SetPointer(v.Interface().(*storage.Storage))
			break
		}
		fallthrough
	default:
		return errors.Errorf("function: unsupported native return type %s", v.Type())
	}
	return nil
}

// ReadStorageAs interprets s as R using the same primitive-kind
// mapping Wrap's generated closures use. Exposed for callers (pkg/vm's
// property access) that read a register or property slot outside a
// native call.
func ReadStorageAs[R any](s *storage.Storage) (R, error) {
	var zero R
	rt := reflect.TypeOf(zero)
	if rt == nil {
		return zero, errors.New("function: ReadStorageAs requires a concrete result type")
	}
	rv, err := readRegister(s, rt)
	if err != nil {
		return zero, err
	}
	return rv.Interface().(R), nil
}

// WriteStorage stores the host value v into s, the counterpart to
// ReadStorageAs.
func WriteStorage(s *storage.Storage, v any) error {
	return writeRegister(s, reflect.ValueOf(v))
}

// PushArg pushes a host value v onto ctx's top-of-stack register using
// the same primitive-kind mapping Wrap's generated native closures use.
// It is the building block vm.Call uses to pack arguments before
// dispatching a Function's handle.
func PushArg(ctx storage.Context, v any) error {
	ctx.PushUninitializedValues(1)
	return writeRegister(ctx.Top(0), reflect.ValueOf(v))
}

// PopResult pops the top-of-stack register, interpreting it as R. It is
// the counterpart to PushArg, used once a call has left its single
// declared output on top of the stack.
func PopResult[R any](ctx storage.Context) (R, error) {
	var zero R
	rt := reflect.TypeOf(zero)
	if rt == nil {
		return zero, errors.New("function: PopResult requires a concrete result type")
	}
	rv, err := readRegister(ctx.Top(0), rt)
	if err != nil {
		return zero, err
	}
	if err := ctx.PopValues(1); err != nil {
		return zero, err
	}
	return rv.Interface().(R), nil
}

// Wrap adapts fn — an ordinary Go func whose parameters and results are
// drawn from the inline-representable kinds readRegister/writeRegister
// support — into a native storage.Handle: the generated closure reads
// the declared number of arguments off the top of the register stack
// (in declaration order, deepest first), pops them, calls fn, and
// pushes a single result if fn returns one.
//
// Wrap also returns fn's inferred parameter count and whether it
// returns a value, so callers building a Function's Inputs/Outputs
// don't need to re-derive them via reflection themselves.
func Wrap(fn any) (handle storage.Handle, paramCount int, hasResult bool, err error) {
	fv := reflect.ValueOf(fn)
	ft := fv.Type()
	if ft.Kind() != reflect.Func {
		return storage.Handle{}, 0, false, errors.Errorf("function: Wrap requires a func, got %s", ft)
	}
	if ft.IsVariadic() {
		return storage.Handle{}, 0, false, errors.New("function: Wrap does not support variadic functions")
	}
	if ft.NumOut() > 1 {
		return storage.Handle{}, 0, false, errors.New("function: Wrap supports at most one return value")
	}
	paramCount = ft.NumIn()
	hasResult = ft.NumOut() == 1

	native := func(ctx storage.Context) error {
		args := make([]reflect.Value, paramCount)
		for i := 0; i < paramCount; i++ {
			// Arguments sit below the top of stack in declaration order:
			// the first parameter is deepest, matching vm.Call, which
			// pushes arguments left-to-right with PushArg.
			offset := paramCount - i - 1
			arg, err := readRegister(ctx.Top(offset), ft.In(i))
			if err != nil {
				return err
			}
			args[i] = arg
		}
		if err := ctx.PopValues(paramCount); err != nil {
			return err
		}
		results := fv.Call(args)
		if hasResult {
			ctx.PushUninitializedValues(1)
			if err := writeRegister(ctx.Top(0), results[0]); err != nil {
				return err
			}
		}
		return nil
	}

	return storage.FromNative(native), paramCount, hasResult, nil
}
