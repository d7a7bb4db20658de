// Package value implements the runtime's boxed script value: a typed,
// possibly-reference, possibly-absent value whose storage is managed
// through pkg/storage.
package value

import (
	"github.com/pkg/errors"

	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
)

// Value is a script value: a type id, whether it is a reference
// (rather than an owning value), and the storage backing it. The zero
// Value has no type (types.NoneID) and holds nothing.
type Value struct {
	typeID      types.ID
	isReference bool
	storage     storage.Storage
}

// TypeID reports which type v holds, or types.NoneID if v is empty.
func (v *Value) TypeID() types.ID { return v.typeID }

// IsReference reports whether v refers to storage owned elsewhere
// rather than owning its own value.
func (v *Value) IsReference() bool { return v.isReference }

// IsEmpty reports whether v holds no type.
func (v *Value) IsEmpty() bool { return v.typeID == types.NoneID }

// Storage exposes v's backing storage.Storage for callers (pkg/exec's
// register stack) that need to read or write through it directly.
func (v *Value) Storage() *storage.Storage { return &v.storage }

// Target returns the storage v's reads and writes go through: its own
// storage for a value type, the referenced storage for a reference.
// This is the get_pointer side of the reference contract — a mutation
// of the referenced value is observed through every reference to it.
func (v *Value) Target() *storage.Storage {
	if v.isReference {
		return v.storage.Pointer()
	}
	return &v.storage
}

// New constructs a Value of t, running t's construct function.
func New(ctx storage.Context, t *types.Type) (*Value, error) {
	v := &Value{typeID: t.ID()}
	if err := v.storage.Construct(ctx, t.Layout().Layout); err != nil {
		return nil, errors.Wrapf(err, "value: constructing %s", t.FullReference())
	}
	return v, nil
}

// NewReference builds a reference Value pointing at target's storage,
// without constructing a new backing value of its own.
func NewReference(t *types.Type, target *Value) *Value {
	v := &Value{typeID: t.ID(), isReference: true}
	v.storage.SetPointer(target.Storage())
	return v
}

// Reset releases v's storage, invoking its destructor if present. A
// reference Value's Reset does not touch the referenced storage — it
// never owned it.
func (v *Value) Reset(ctx storage.Context) error {
	if v.isReference {
		v.typeID = types.NoneID
		v.isReference = false
		return nil
	}
	if err := v.storage.Reset(ctx); err != nil {
		return err
	}
	v.typeID = types.NoneID
	return nil
}

// CopyTo overwrites dst with a copy of src's value, per t's copy
// function (or a raw copy, for trivially-copyable t). src must be
// constructed as t; a dst holding a different type is reset and
// reconstructed as t first.
func CopyTo(ctx storage.Context, t *types.Type, dst, src *Value) error {
	if src.typeID != t.ID() {
		return errors.Errorf("value: CopyTo type mismatch: src=%d want=%d", src.typeID, t.ID())
	}
	if dst.typeID != t.ID() {
		if err := dst.Reset(ctx); err != nil {
			return err
		}
		if err := dst.storage.Construct(ctx, t.Layout().Layout); err != nil {
			return err
		}
		dst.typeID = t.ID()
	}
	return storage.Copy(ctx, t.Layout().Layout, &dst.storage, &src.storage)
}

// Clone constructs a new Value of t holding a copy of src's value:
// allocate if necessary, default-construct, then copy-assign.
func Clone(ctx storage.Context, t *types.Type, src *Value) (*Value, error) {
	dst, err := New(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := CopyTo(ctx, t, dst, src); err != nil {
		_ = dst.Reset(ctx)
		return nil, err
	}
	return dst, nil
}
