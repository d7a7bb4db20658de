// Package storage implements the runtime's function handle (a tagged
// reference to either a native Go closure or a bytecode offset) and its
// value storage (a fixed inline slot with heap fallback). The two types
// are kept in one package because a Handle's native closure and a
// Storage's construct/copy/destruct functions are all defined in terms
// of the minimal Context a register stack exposes, and that Context
// hands out *Storage registers — splitting them would add an import
// cycle or an interface-only package for no real separation.
package storage

import "github.com/pkg/errors"

// Kind distinguishes the three states a Handle can be in. Handle is an
// explicit sum type rather than a pointer-tagged machine word: callers
// never see or depend on a bit layout, only on Kind() and the typed
// accessors below.
type Kind uint8

const (
	// KindNull is the zero value: "no destructor" / "no callee".
	KindNull Kind = iota
	// KindNative wraps a host Go closure.
	KindNative
	// KindBytecode references an offset into the VM's instruction pool.
	KindBytecode
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNative:
		return "native"
	case KindBytecode:
		return "bytecode"
	default:
		return "unknown"
	}
}

// Context is the minimal surface a native closure or destructor needs
// from whatever register stack is calling it. exec.Context implements
// this; native code never sees the concrete execution-context type.
type Context interface {
	// Top returns the storage offset registers below the current top
	// of the active stack frame (0 = topmost).
	Top(offset int) *Storage
	// PushUninitializedValues grows the register stack by n slots.
	PushUninitializedValues(n int)
	// PopValues destructs (where a destructor is present) and shrinks
	// the top n registers.
	PopValues(n int) error
	// PopTrivialValues shrinks the top n registers without invoking
	// destructors; callers must already know none of them has one.
	PopTrivialValues(n int)
}

// NativeFunc is a host-implemented callable, invoked with the Context
// that is making the call. It is expected to pop its own arguments (via
// Top/PopValues) and push its own results, per whatever calling
// convention the caller (pkg/function, or a destructor invocation)
// established.
type NativeFunc func(ctx Context) error

// Handle is a tagged callable reference: either a native function, a
// bytecode offset, or null.
type Handle struct {
	kind   Kind
	native NativeFunc
	offset uint32
}

// Null returns the zero handle: no destructor, no callee.
func Null() Handle { return Handle{} }

// FromNative wraps a host closure as a callable handle.
func FromNative(fn NativeFunc) Handle {
	if fn == nil {
		return Null()
	}
	return Handle{kind: KindNative, native: fn}
}

// FromBytecodeOffset references a point in the VM's instruction pool.
func FromBytecodeOffset(offset uint32) Handle {
	return Handle{kind: KindBytecode, offset: offset}
}

// Kind reports which of the three states h is in.
func (h Handle) Kind() Kind { return h.kind }

// IsNull reports whether h is the null handle.
func (h Handle) IsNull() bool { return h.kind == KindNull }

// Native returns h's native closure and true, or (nil, false) if h does
// not wrap a native function.
func (h Handle) Native() (NativeFunc, bool) {
	if h.kind != KindNative {
		return nil, false
	}
	return h.native, true
}

// BytecodeOffset returns h's instruction-pool offset and true, or
// (0, false) if h is not a bytecode handle.
func (h Handle) BytecodeOffset() (uint32, bool) {
	if h.kind != KindBytecode {
		return 0, false
	}
	return h.offset, true
}

// ErrNotCallable is returned by Invoke when called on a null handle.
var ErrNotCallable = errors.New("storage: handle is not callable")

// Invoke dispatches h against ctx. Bytecode handles cannot be invoked
// directly through this low-level entry point — only an execution
// context (which owns the instruction pool) can interpret them; it does
// so by recognizing KindBytecode itself and entering its interpreter
// loop rather than calling through Invoke.
func (h Handle) Invoke(ctx Context) error {
	switch h.kind {
	case KindNative:
		return h.native(ctx)
	case KindNull:
		return ErrNotCallable
	default:
		return errors.Errorf("storage: handle kind %s cannot be invoked directly", h.kind)
	}
}
