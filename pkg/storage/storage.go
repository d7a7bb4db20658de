package storage

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
)

// ConstructFunc initializes freshly (un)allocated storage s. It is
// called once, immediately after Storage decides whether s needs heap
// backing, and must leave s in a valid constructed state.
type ConstructFunc func(ctx Context, s *Storage) error

// CopyFunc copies the value held in src into the already-constructed
// dst. Both must already hold the same layout.
type CopyFunc func(ctx Context, dst, src *Storage) error

// DestructFunc tears down the value held in s. Storage.Reset invokes it
// through ctx so that a script-defined destructor failure surfaces as
// an ordinary call failure rather than an unrecoverable panic.
type DestructFunc func(ctx Context, s *Storage) error

// Layout is the minimal construction contract a type hands Storage:
// how big the value is, how it aligns, and how to construct/copy/
// destruct it. pkg/types.MemoryLayout embeds this with additional
// registry-level metadata (constructibility flags, a native
// fingerprint) that Storage itself has no need to know about.
type Layout struct {
	AlignmentInBytes int
	SizeInBytes      int
	Construct        ConstructFunc
	Copy             CopyFunc
	Destruct         DestructFunc
}

// FitsInline reports whether a value with this layout lives in
// Storage's fixed 8-byte slot rather than falling back to a boxed heap
// allocation.
func (l Layout) FitsInline() bool {
	return l.SizeInBytes <= inlineSize && l.AlignmentInBytes <= inlineSize
}

const inlineSize = 8

// DestructError is the fatal failure kind for destructors: a failing
// destructor aborts the call chain rather than being swallowed.
type DestructError struct {
	Err error
}

func (e *DestructError) Error() string { return fmt.Sprintf("storage: destructor failed: %v", e.Err) }
func (e *DestructError) Unwrap() error { return e.Err }

// Storage is the runtime's fixed-size value carrier: an 8-byte aligned
// inline slot, a boxed fallback for oversize values, a destructor, and
// the allocated-storage bit that always agrees with which of the two
// backs the current value.
type Storage struct {
	inline    [inlineSize]byte
	boxed     any
	allocated bool
	destruct  DestructFunc
}

// HasAllocatedStorage reports whether s's value lives in the boxed
// fallback rather than the inline slot.
func (s *Storage) HasAllocatedStorage() bool { return s.allocated }

// HasDestructor reports whether s currently carries a destructor.
func (s *Storage) HasDestructor() bool { return s.destruct != nil }

// Construct initializes s per layout: decides inline vs. boxed, runs
// layout.Construct if present, and records the destructor. Construct
// may only be called on empty storage (no destructor, not allocated);
// calling it twice without an intervening Reset is a logic error.
func (s *Storage) Construct(ctx Context, layout Layout) error {
	if s.destruct != nil || s.allocated {
		return errors.New("storage: Construct called on non-empty storage")
	}
	s.allocated = !layout.FitsInline()
	if layout.Construct != nil {
		if err := layout.Construct(ctx, s); err != nil {
			s.allocated = false
			s.boxed = nil
			return err
		}
	}
	s.destruct = layout.Destruct
	return nil
}

// Reset runs s's destructor (if any) through ctx, then releases any
// boxed storage. A failing destructor is reported as a *DestructError
// and the storage is left with its destructor cleared regardless (the
// caller is expected to treat this as fatal and unwind, not retry).
func (s *Storage) Reset(ctx Context) error {
	if s.destruct != nil {
		destruct := s.destruct
		s.destruct = nil
		if err := destruct(ctx, s); err != nil {
			s.allocated = false
			s.boxed = nil
			s.inline = [inlineSize]byte{}
			return &DestructError{Err: err}
		}
	}
	s.boxed = nil
	s.allocated = false
	s.inline = [inlineSize]byte{}
	return nil
}

// ResetTrivial is the fast path for storage known to have neither a
// destructor nor allocated backing. Calling it otherwise is a logic
// error and panics.
func (s *Storage) ResetTrivial() {
	if s.destruct != nil || s.allocated {
		panic("storage: ResetTrivial called on storage with a destructor or allocated backing")
	}
	s.inline = [inlineSize]byte{}
}

// CopyTrivially raw-copies src into dst. Valid only when neither side
// has allocated storage or a destructor.
func CopyTrivially(dst, src *Storage) error {
	if dst.allocated || src.allocated {
		return errors.New("storage: CopyTrivially requires neither side to have allocated storage")
	}
	if dst.destruct != nil || src.destruct != nil {
		return errors.New("storage: CopyTrivially requires neither side to have a destructor")
	}
	dst.inline = src.inline
	return nil
}

// Copy copies src into dst, both already constructed with layout: a
// raw value copy for trivial inline layouts, layout.Copy otherwise. A
// heap-backed layout must bring its own copy function — sharing the
// boxed value between dst and src would alias two owners to one
// backing store.
func Copy(ctx Context, layout Layout, dst, src *Storage) error {
	if layout.Copy != nil {
		return layout.Copy(ctx, dst, src)
	}
	if layout.FitsInline() {
		dst.inline = src.inline
		return nil
	}
	return errors.New("storage: copy of a heap-backed layout requires a copy function")
}

// SetBoxed stores v in the boxed fallback slot. Construct functions for
// oversize (non-inline) layouts call this to install whatever
// representation the type uses (e.g. a []Storage for a composed type).
func (s *Storage) SetBoxed(v any) { s.boxed = v }

// Boxed returns the boxed fallback value, or nil if s holds an inline
// value.
func (s *Storage) Boxed() any { return s.boxed }

// SetFloat64 writes v into the inline slot, reinterpreting the 8 bytes
// directly — the standard Go idiom for fixed-size scalar storage
// (the same technique math.Float64bits uses internally).
func (s *Storage) SetFloat64(v float64) {
	*(*float64)(unsafe.Pointer(&s.inline[0])) = v
}

// Float64 reads the inline slot as a float64.
func (s *Storage) Float64() float64 {
	return *(*float64)(unsafe.Pointer(&s.inline[0]))
}

// SetBool writes v into the inline slot.
func (s *Storage) SetBool(v bool) {
	s.inline[0] = 0
	if v {
		s.inline[0] = 1
	}
}

// Bool reads the inline slot as a bool.
func (s *Storage) Bool() bool { return s.inline[0] != 0 }

// SetInt64 writes v into the inline slot.
func (s *Storage) SetInt64(v int64) {
	*(*int64)(unsafe.Pointer(&s.inline[0])) = v
}

// Int64 reads the inline slot as an int64.
func (s *Storage) Int64() int64 {
	return *(*int64)(unsafe.Pointer(&s.inline[0]))
}

// SetHandle stores a Handle in the boxed slot. Handles can wrap a Go
// closure, so — unlike the scalar accessors above — they cannot be
// reinterpreted into the fixed inline bytes and always live boxed.
func (s *Storage) SetHandle(h Handle) { s.boxed = h }

// HandleHeld returns the Handle held in the boxed slot, or
// (Handle{}, false) if s does not currently hold one.
func (s *Storage) HandleHeld() (Handle, bool) {
	h, ok := s.boxed.(Handle)
	return h, ok
}

// SetRaw copies up to the inline slot's size from p into the inline
// slot. It is the generic counterpart to the typed Set*/accessor pairs
// above, used by reflection-driven native type registration (pkg/vm's
// RegisterType) for small, non-built-in Go types that still fit inline.
func (s *Storage) SetRaw(p unsafe.Pointer, size int) {
	if size > inlineSize {
		size = inlineSize
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(&s.inline[0])), size)
	src := unsafe.Slice((*byte)(p), size)
	copy(dst, src)
}

// Raw returns a pointer to s's inline slot, reinterpreted by callers
// (pkg/vm's RegisterType) as *T for whatever small Go type they stored
// there via SetRaw.
func (s *Storage) Raw() unsafe.Pointer {
	return unsafe.Pointer(&s.inline[0])
}

// SetPointer stores a reference to another Storage inline — used by
// reference types, whose representation is a handle to another object
// rather than a value.
func (s *Storage) SetPointer(p *Storage) {
	*(**Storage)(unsafe.Pointer(&s.inline[0])) = p
}

// Pointer reads the inline slot as a *Storage.
func (s *Storage) Pointer() *Storage {
	return *(**Storage)(unsafe.Pointer(&s.inline[0]))
}
