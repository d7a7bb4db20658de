// Package module implements the runtime's module: a named grouping
// that owns a set of registered types and functions within a VM. A
// Module records what it owns so everything can be torn down together,
// without owning registration itself — that stays with pkg/vm to
// avoid a module->vm->module import cycle.
package module

import (
	"github.com/kestrelengine/scriptvm/pkg/function"
	"github.com/kestrelengine/scriptvm/pkg/types"
)

// Owner is the registry a Module resolves name lookups through.
// *vm.VM satisfies it; keeping it an interface here avoids a
// module->vm import cycle.
type Owner interface {
	LookupType(moduleName, name string) (*types.Type, bool)
	LookupFunction(moduleName, name string) (*function.Function, bool)
}

// Module groups the types and functions registered under one name.
// pkg/vm creates and populates Modules; Module itself only tracks what
// it has been told it owns.
type Module struct {
	name      string
	owner     Owner
	typeIDs   []types.ID
	functions []string
}

// New creates an empty module named name.
func New(name string) *Module {
	return &Module{name: name}
}

// Name returns the module's name.
func (m *Module) Name() string { return m.name }

// Bind attaches m to the registry that owns it. pkg/vm calls this at
// registration time; GetType/GetFunction resolve through it.
func (m *Module) Bind(owner Owner) { m.owner = owner }

// GetType resolves an unqualified type name within m.
func (m *Module) GetType(name string) (*types.Type, bool) {
	if m.owner == nil {
		return nil, false
	}
	return m.owner.LookupType(m.name, name)
}

// GetFunction resolves an unqualified function name within m.
func (m *Module) GetFunction(name string) (*function.Function, bool) {
	if m.owner == nil {
		return nil, false
	}
	return m.owner.LookupFunction(m.name, name)
}

// AddType records that m owns the type with id. Called by pkg/vm's
// RegisterType once the type itself has been added to the VM's
// registry.
func (m *Module) AddType(id types.ID) {
	m.typeIDs = append(m.typeIDs, id)
}

// Types returns the ids of every type registered under m, in
// registration order.
func (m *Module) Types() []types.ID {
	return append([]types.ID(nil), m.typeIDs...)
}

// AddFunction records that m owns the function named name.
func (m *Module) AddFunction(name string) {
	m.functions = append(m.functions, name)
}

// Functions returns the names of every function registered under m,
// in registration order.
func (m *Module) Functions() []string {
	return append([]string(nil), m.functions...)
}

// Clear drops m's bookkeeping of owned types and functions. It does
// not deregister anything from a VM's registry itself — pkg/vm calls
// this only after it has removed m's entries from its own tables.
func (m *Module) Clear() {
	m.typeIDs = nil
	m.functions = nil
}
