// Package types implements the runtime's type registry entry: a Type
// names a module-qualified script type, carries the
// memory layout pkg/storage needs to construct values of it, and
// (for composed types) a flat list of accessible properties plus an
// optional base type for upcasting.
package types

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/kestrelengine/scriptvm/pkg/storage"
)

// ID identifies a registered type within a VM. The zero ID means
// "none" (void).
type ID int32

// NoneID is the reserved identifier for the absence of a type.
const NoneID ID = 0

// MemoryLayout extends storage.Layout with registry-level metadata a
// construct/copy/destruct function alone doesn't carry: whether the
// type supports each operation at all, and a native fingerprint used
// to catch a Go value being smuggled in under the wrong Type.
type MemoryLayout struct {
	storage.Layout
	IsConstructible bool
	IsCopyable      bool
	// NativeFingerprint identifies the Go type RegisterType derived this
	// layout from (reflect.Type.String()), or "" for types with no
	// single backing Go type (e.g. purely script-composed types).
	NativeFingerprint string
}

// PropertyAccess selects how a PropertyDescriptor reaches its value:
// either a direct index into a composed value's property slots, or a
// pair of getter/setter handles.
type PropertyAccess int

const (
	// PropertyAccessIndex addresses the property by position in the
	// composed value's ordered property slots — the OffsetAddress
	// instruction operand.
	PropertyAccessIndex PropertyAccess = iota
	// PropertyAccessAccessor reaches the property through Getter/Setter
	// native handles instead of a storage slot.
	PropertyAccessAccessor
)

// PropertyDescriptor describes one property of a composed type.
type PropertyDescriptor struct {
	Name   string
	Type   ID
	Access PropertyAccess
	// Index is meaningful when Access == PropertyAccessIndex.
	Index int
	// Getter/Setter are meaningful when Access == PropertyAccessAccessor.
	Getter storage.Handle
	Setter storage.Handle
}

// ReferenceDescriptor describes a reference type: a Type whose values
// are handles to storage owned elsewhere, rather than values in their
// own right.
type ReferenceDescriptor struct {
	// TargetType is the type being referenced.
	TargetType ID
}

// Type is one entry in a VM's type registry.
type Type struct {
	id             ID
	module         string
	name           string
	layout         MemoryLayout
	properties     []PropertyDescriptor
	base           ID
	hasBase        bool
	reference      *ReferenceDescriptor
}

// New constructs a Type. Callers (pkg/vm's registry) assign id.
func New(id ID, module, name string, layout MemoryLayout) *Type {
	return &Type{id: id, module: module, name: name, layout: layout}
}

// ID returns t's registry identifier.
func (t *Type) ID() ID { return t.id }

// Module returns the name of the module t was registered under.
func (t *Type) Module() string { return t.module }

// Name returns t's unqualified name.
func (t *Type) Name() string { return t.name }

// FullReference returns t's "Module.Name" qualified name, matching the
// wire format ParseRef accepts.
func (t *Type) FullReference() string { return fmt.Sprintf("%s.%s", t.module, t.name) }

// Layout returns t's memory layout.
func (t *Type) Layout() MemoryLayout { return t.layout }

// Properties returns t's property descriptors, in declaration order.
func (t *Type) Properties() []PropertyDescriptor { return t.properties }

// SetProperties installs t's property list (pkg/vm does this once,
// during registration).
func (t *Type) SetProperties(props []PropertyDescriptor) { t.properties = props }

// Property looks up a property by name, returning (descriptor, true)
// or (zero value, false) if t has none with that name.
func (t *Type) Property(name string) (PropertyDescriptor, bool) {
	for _, p := range t.properties {
		if p.Name == name {
			return p, true
		}
	}
	return PropertyDescriptor{}, false
}

// SetBase records that t derives from base, enabling IsDerivedFrom and
// CastToBase. A type has at most one base; the chain is single
// inheritance.
func (t *Type) SetBase(base ID) {
	t.base = base
	t.hasBase = true
}

// Base returns t's base type id and true, or (0, false) if t has none.
func (t *Type) Base() (ID, bool) { return t.base, t.hasBase }

// Reference returns t's reference descriptor, or nil if t is a value
// type rather than a reference type.
func (t *Type) Reference() *ReferenceDescriptor { return t.reference }

// SetReference marks t as a reference type.
func (t *Type) SetReference(ref *ReferenceDescriptor) { t.reference = ref }

// Registry resolves a type ID to a *Type, owned by pkg/vm. Kept as an
// interface here so IsDerivedFrom/CastToBase can walk a base chain
// without pkg/types importing pkg/vm.
type Registry interface {
	TypeByID(id ID) (*Type, bool)
}

// IsDerivedFrom walks t's base chain (through reg) looking for
// candidate. A type is considered derived from itself.
func IsDerivedFrom(reg Registry, t *Type, candidate ID) bool {
	for current := t; current != nil; {
		if current.id == candidate {
			return true
		}
		base, ok := current.Base()
		if !ok {
			return false
		}
		current, ok = reg.TypeByID(base)
		if !ok {
			return false
		}
	}
	return false
}

// CastToBase returns the nearest ancestor of t (inclusive) whose id is
// target, or an error if target is not in t's base chain.
func CastToBase(reg Registry, t *Type, target ID) (*Type, error) {
	for current := t; current != nil; {
		if current.id == target {
			return current, nil
		}
		base, ok := current.Base()
		if !ok {
			return nil, errors.Errorf("types: %s is not derived from type id %d", current.FullReference(), target)
		}
		next, ok := reg.TypeByID(base)
		if !ok {
			return nil, errors.Errorf("types: dangling base type id %d for %s", base, current.FullReference())
		}
		current = next
	}
	return nil, errors.New("types: CastToBase called with nil type")
}

// Ref identifies a type by its wire representation: either a single
// "Module.Name" string, or a {module, name} pair.
type Ref struct {
	Module string
	Name   string
}

// ParseRef resolves the string form of a type reference: a
// "Module.Name" pair split on the first period. Names may themselves
// contain periods; the module may not.
func ParseRef(raw string) (Ref, error) {
	period := strings.IndexByte(raw, '.')
	if period < 0 {
		return Ref{}, errors.Errorf("types: %q is not a \"Module.Name\" type reference", raw)
	}
	return Ref{Module: raw[:period], Name: raw[period+1:]}, nil
}

// ParseRefFields resolves the object form of a type reference, where
// module and name already arrived as separate JSON string fields.
func ParseRefFields(module, name string) (Ref, error) {
	if module == "" || name == "" {
		return Ref{}, errors.New("types: type reference object requires non-empty \"module\" and \"name\"")
	}
	return Ref{Module: module, Name: name}, nil
}
