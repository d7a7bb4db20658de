// Package vm implements the runtime's root object: it owns the module
// table, the recyclable type registry, the append-only
// constant/instruction pools, and the main execution context every
// Function is ultimately called through. Module, type, and function
// registration happens through explicit builder calls during setup,
// not static-init-time global registries.
package vm

import (
	"fmt"
	"reflect"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kestrelengine/scriptvm/pkg/bytecode"
	"github.com/kestrelengine/scriptvm/pkg/exec"
	"github.com/kestrelengine/scriptvm/pkg/function"
	"github.com/kestrelengine/scriptvm/pkg/module"
	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
	"github.com/kestrelengine/scriptvm/pkg/value"
)

// slotBits is how many of types.ID's 32 bits address a registry slot;
// the remaining high bits carry the slot's current version, so a
// deregistered-then-reused slot yields a structurally different id and
// stale holders fail TypeByID.
const slotBits = 16

func packTypeID(slot int, version uint32) types.ID {
	return types.ID(uint32(slot) | (version << slotBits))
}

func unpackTypeID(id types.ID) (slot int, version uint32) {
	v := uint32(id)
	return int(v & 0xFFFF), v >> slotBits
}

// Config bounds a VM's append-only pools and register stack, loadable
// from YAML at the CLI layer (see cmd/scriptvm) via
// github.com/mitchellh/mapstructure.
type Config struct {
	RegisterStackCapacity int `mapstructure:"register_stack_capacity"`
	ConstantCapacity      int `mapstructure:"constant_capacity"`
	InstructionCapacity   int `mapstructure:"instruction_capacity"`
}

// DefaultConfig returns the standard capacities: a 1024-register
// stack, a 1024-entry constant pool, and a 1 Mi-instruction pool.
func DefaultConfig() Config {
	return Config{
		RegisterStackCapacity: 1024,
		ConstantCapacity:      1024,
		InstructionCapacity:   1 << 20,
	}
}

// RegistrationError reports a module/type/function registration
// failure: name collisions, or type-id exhaustion.
type RegistrationError struct {
	Err error
}

func (e *RegistrationError) Error() string { return errors.Wrap(e.Err, "vm: registration failed").Error() }
func (e *RegistrationError) Unwrap() error { return e.Err }

// ResourceExhaustionError reports a pool growing past its configured
// capacity.
type ResourceExhaustionError struct {
	Pool      string
	Requested int
	Capacity  int
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("vm: %s pool exhausted: requested %d entries, capacity %d", e.Pool, e.Requested, e.Capacity)
}

// VM is the runtime's root object: modules, the type registry, the
// interned instruction/constant pools, and the main execution context.
type VM struct {
	config Config

	modules map[string]*module.Module

	typeEntries           []*types.Type
	typeVersions          []uint32
	freeTypeSlots         []int
	typeIDByQualifiedName map[string]types.ID
	typeIDByFingerprint   map[string]types.ID

	functions map[string]*function.Function

	instructions []bytecode.Instruction
	constants    []storage.Storage

	mainContext *exec.Context

	// anonymous is where GetTypeID lazily registers native types that
	// have no script-visible module/name of their own.
	anonymous *module.Module

	// numberType and booleanType back Core.Number / Core.Boolean, the
	// two primitive types every native function signature and script
	// literal resolves to (storage.Storage's own Float64/Bool
	// accessors are exactly these types' bit-level representation).
	numberType  *types.Type
	booleanType *types.Type
}

// New creates a VM with the given Config, pre-registering the Core
// module's Number and Boolean primitive types.
func New(cfg Config) (*VM, error) {
	v := &VM{
		config:                cfg,
		modules:               make(map[string]*module.Module),
		typeIDByQualifiedName: make(map[string]types.ID),
		typeIDByFingerprint:   make(map[string]types.ID),
		functions:             make(map[string]*function.Function),
	}
	v.instructions = make([]bytecode.Instruction, 0, min(cfg.InstructionCapacity, 4096))
	v.constants = make([]storage.Storage, 0, min(cfg.ConstantCapacity, 256))
	v.mainContext = exec.New(v.instructions, v.constants, cfg.RegisterStackCapacity)

	v.anonymous = module.New("__anonymous__")
	v.anonymous.Bind(v)
	v.modules[v.anonymous.Name()] = v.anonymous

	core, err := v.RegisterModule("Core")
	if err != nil {
		return nil, err
	}
	v.numberType, err = RegisterType[float64](v, core, "Number")
	if err != nil {
		return nil, errors.Wrap(err, "vm: registering Core.Number")
	}
	v.booleanType, err = RegisterType[bool](v, core, "Boolean")
	if err != nil {
		return nil, errors.Wrap(err, "vm: registering Core.Boolean")
	}

	// The built-in arithmetic functions the script compiler's dedicated
	// 3-register opcodes (SUBTRACT_NUMBERS et al.) are keyed on. They
	// also exist as ordinary native functions so indirect callers get
	// the same semantics as compiled call sites.
	builtins := []struct {
		name string
		fn   any
	}{
		{"Subtract", func(a, b float64) float64 { return a - b }},
		{"Multiply", func(a, b float64) float64 { return a * b }},
		{"IsGreater", func(a, b float64) bool { return a > b }},
	}
	for _, b := range builtins {
		if _, err := v.RegisterNativeFunction(core, b.name, b.fn); err != nil {
			return nil, errors.Wrapf(err, "vm: registering Core.%s", b.name)
		}
	}
	return v, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Config returns the Config the VM was created with.
func (v *VM) Config() Config { return v.config }

// MainContext returns the VM's permanent execution context — the entry
// point Function.Call and pkg/script's compiled calls run against.
func (v *VM) MainContext() *exec.Context { return v.mainContext }

// NumberType returns the Core.Number type every floating-point native
// parameter/return and script literal number resolves to.
func (v *VM) NumberType() *types.Type { return v.numberType }

// BooleanType returns the Core.Boolean type every boolean native
// parameter/return and script literal resolves to.
func (v *VM) BooleanType() *types.Type { return v.booleanType }

// RegisterModule creates and registers a new, empty module named name.
func (v *VM) RegisterModule(name string) (*module.Module, error) {
	if _, exists := v.modules[name]; exists {
		return nil, &RegistrationError{Err: errors.Errorf("module %q already registered", name)}
	}
	m := module.New(name)
	m.Bind(v)
	v.modules[name] = m
	logrus.WithField("module", name).Debug("vm: registered module")
	return m, nil
}

// Module looks up a registered module by name.
func (v *VM) Module(name string) (*module.Module, bool) {
	m, ok := v.modules[name]
	return m, ok
}

// DeregisterModule removes the named module and deregisters every
// type it owns.
func (v *VM) DeregisterModule(name string) error {
	m, ok := v.modules[name]
	if !ok {
		return &RegistrationError{Err: errors.Errorf("module %q not registered", name)}
	}
	for _, id := range m.Types() {
		if err := v.DeregisterType(id); err != nil {
			return err
		}
	}
	for _, fnName := range m.Functions() {
		delete(v.functions, name+"."+fnName)
	}
	m.Clear()
	delete(v.modules, name)
	return nil
}

// allocateTypeSlot reserves a registry slot, reusing a deregistered one
// when available and bumping its version so stale ids fail lookup.
func (v *VM) allocateTypeSlot() (slot int, version uint32, err error) {
	if n := len(v.freeTypeSlots); n > 0 {
		slot = v.freeTypeSlots[n-1]
		v.freeTypeSlots = v.freeTypeSlots[:n-1]
		v.typeVersions[slot]++
		return slot, v.typeVersions[slot], nil
	}
	slot = len(v.typeEntries)
	if slot > 1<<slotBits-1 {
		return 0, 0, &ResourceExhaustionError{Pool: "type registry", Requested: slot + 1, Capacity: 1 << slotBits}
	}
	v.typeEntries = append(v.typeEntries, nil)
	v.typeVersions = append(v.typeVersions, 1)
	return slot, v.typeVersions[slot], nil
}

// registerType allocates a fresh types.ID for layout and records it
// under m, with no properties set yet (callers — RegisterType[T] or
// pkg/script's composed-type registration — set those afterward).
func (v *VM) registerType(m *module.Module, name string, layout types.MemoryLayout) (*types.Type, error) {
	qualified := m.Name() + "." + name
	if m != v.anonymous {
		if _, exists := v.typeIDByQualifiedName[qualified]; exists {
			return nil, &RegistrationError{Err: errors.Errorf("type %q already registered", qualified)}
		}
	}
	slot, version, err := v.allocateTypeSlot()
	if err != nil {
		return nil, &RegistrationError{Err: err}
	}
	id := packTypeID(slot, version)
	t := types.New(id, m.Name(), name, layout)
	v.typeEntries[slot] = t
	m.AddType(id)
	v.typeIDByQualifiedName[qualified] = id
	if layout.NativeFingerprint != "" {
		v.typeIDByFingerprint[layout.NativeFingerprint] = id
	}
	return t, nil
}

// RegisterComposedType registers a type whose layout pkg/script
// already computed by property packing, rather than derived from a Go
// type via RegisterType[T]. If the layout carries no construct/copy
// functions of its own, they are synthesized over the type's ordered
// property slots: construct allocates one zeroed 8-byte slot per
// property, copy duplicates the slots in declaration order.
func (v *VM) RegisterComposedType(m *module.Module, name string, layout types.MemoryLayout, properties []types.PropertyDescriptor) (*types.Type, error) {
	if layout.Layout.Construct == nil {
		slots := (layout.SizeInBytes + 7) / 8
		layout.Layout.Construct = func(ctx storage.Context, s *storage.Storage) error {
			s.SetBoxed(make([]storage.Storage, slots))
			return nil
		}
		if layout.Layout.Copy == nil {
			layout.Layout.Copy = func(ctx storage.Context, dst, src *storage.Storage) error {
				srcSlots, ok := src.Boxed().([]storage.Storage)
				if !ok {
					return errors.Errorf("vm: copy of composed type %q: source holds no property slots", name)
				}
				dstSlots, ok := dst.Boxed().([]storage.Storage)
				if !ok {
					return errors.Errorf("vm: copy of composed type %q: destination holds no property slots", name)
				}
				copy(dstSlots, srcSlots)
				return nil
			}
		}
	}
	t, err := v.registerType(m, name, layout)
	if err != nil {
		return nil, err
	}
	t.SetProperties(properties)
	return t, nil
}

// DeregisterType removes the type with id from the registry.
// Deregistering a type still referenced by a live value is undefined;
// callers must drain such values first.
func (v *VM) DeregisterType(id types.ID) error {
	slot, _ := unpackTypeID(id)
	t, ok := v.TypeByID(id)
	if !ok {
		return &RegistrationError{Err: errors.Errorf("type id %d not registered", id)}
	}
	delete(v.typeIDByQualifiedName, t.FullReference())
	if fp := t.Layout().NativeFingerprint; fp != "" {
		delete(v.typeIDByFingerprint, fp)
	}
	v.typeEntries[slot] = nil
	v.freeTypeSlots = append(v.freeTypeSlots, slot)
	return nil
}

// TypeByID resolves id to its *types.Type, satisfying types.Registry
// for IsDerivedFrom/CastToBase. Returns false for a stale id whose slot
// has since been deregistered or reused at a different version.
func (v *VM) TypeByID(id types.ID) (*types.Type, bool) {
	slot, version := unpackTypeID(id)
	if slot < 0 || slot >= len(v.typeEntries) {
		return nil, false
	}
	if v.typeVersions[slot] != version {
		return nil, false
	}
	t := v.typeEntries[slot]
	if t == nil {
		return nil, false
	}
	return t, true
}

// LookupType resolves a "Module.Name" pair to its registered type.
func (v *VM) LookupType(moduleName, name string) (*types.Type, bool) {
	id, ok := v.typeIDByQualifiedName[moduleName+"."+name]
	if !ok {
		return nil, false
	}
	return v.TypeByID(id)
}

// registerFunction records f as owned by m. Function names are unique
// per owning module; a collision is rejected.
func (v *VM) registerFunction(m *module.Module, f *function.Function) error {
	qualified := m.Name() + "." + f.Name
	if _, exists := v.functions[qualified]; exists {
		return &RegistrationError{Err: errors.Errorf("function %q already registered", qualified)}
	}
	v.functions[qualified] = f
	m.AddFunction(f.Name)
	return nil
}

// LookupFunction resolves a "Module.Name" pair to its registered
// Function.
func (v *VM) LookupFunction(moduleName, name string) (*function.Function, bool) {
	f, ok := v.functions[moduleName+"."+name]
	return f, ok
}

// reflectKindType maps the handful of Go kinds function.Wrap's native
// adapter supports (see pkg/function's readRegister/writeRegister) onto
// the two built-in script types they correspond to.
func (v *VM) reflectKindType(k reflect.Kind) (*types.Type, bool) {
	switch k {
	case reflect.Float64, reflect.Float32:
		return v.numberType, true
	case reflect.Bool:
		return v.booleanType, true
	default:
		return nil, false
	}
}

// RegisterNativeFunction wraps fn (via function.Wrap) and registers it
// under m as name, resolving fn's reflected parameter/result kinds to
// registered script types to build the declared Inputs/Outputs.
func (v *VM) RegisterNativeFunction(m *module.Module, name string, fn any) (*function.Function, error) {
	handle, paramCount, hasResult, err := function.Wrap(fn)
	if err != nil {
		return nil, &RegistrationError{Err: errors.Wrapf(err, "native function %q", name)}
	}
	ft := reflect.TypeOf(fn)
	inputs := make([]function.Param, paramCount)
	for i := 0; i < paramCount; i++ {
		t, ok := v.reflectKindType(ft.In(i).Kind())
		if !ok {
			return nil, &RegistrationError{Err: errors.Errorf("native function %q: unsupported parameter kind %s", name, ft.In(i).Kind())}
		}
		inputs[i] = function.Param{Name: fmt.Sprintf("arg%d", i), Type: t.ID()}
	}
	var outputs []function.Param
	if hasResult {
		t, ok := v.reflectKindType(ft.Out(0).Kind())
		if !ok {
			return nil, &RegistrationError{Err: errors.Errorf("native function %q: unsupported return kind %s", name, ft.Out(0).Kind())}
		}
		outputs = []function.Param{{Name: "result", Type: t.ID()}}
	}
	f := &function.Function{Name: name, Inputs: inputs, Outputs: outputs, Handle: handle}
	if err := v.registerFunction(m, f); err != nil {
		return nil, err
	}
	return f, nil
}

// RegisterScriptFunction registers a function whose bytecode/constants
// pkg/script has already compiled and inserted into v's pools,
// producing f's Handle.
func (v *VM) RegisterScriptFunction(m *module.Module, f *function.Function) error {
	return v.registerFunction(m, f)
}

// InsertInstructions appends instrs to v's append-only instruction
// pool and returns the stable offset they start at.
func (v *VM) InsertInstructions(instrs []bytecode.Instruction) (int, error) {
	offset := len(v.instructions)
	if v.config.InstructionCapacity > 0 && offset+len(instrs) > v.config.InstructionCapacity {
		return 0, &ResourceExhaustionError{Pool: "instruction", Requested: offset + len(instrs), Capacity: v.config.InstructionCapacity}
	}
	v.instructions = append(v.instructions, instrs...)
	v.mainContext.SetPools(v.instructions, v.constants)
	return offset, nil
}

// Instructions returns the current contents of the append-only
// instruction pool. Offsets returned by InsertInstructions index into
// it; tooling (cmd/scriptvm's bytecode dump) walks it directly.
func (v *VM) Instructions() []bytecode.Instruction { return v.instructions }

// Constants returns the current contents of the append-only constant
// pool.
func (v *VM) Constants() []storage.Storage { return v.constants }

// InsertConstants appends consts to v's append-only constant pool and
// returns the stable offset they start at.
func (v *VM) InsertConstants(consts []storage.Storage) (int, error) {
	offset := len(v.constants)
	if v.config.ConstantCapacity > 0 && offset+len(consts) > v.config.ConstantCapacity {
		return 0, &ResourceExhaustionError{Pool: "constant", Requested: offset + len(consts), Capacity: v.config.ConstantCapacity}
	}
	v.constants = append(v.constants, consts...)
	v.mainContext.SetPools(v.instructions, v.constants)
	return offset, nil
}

// Call invokes f through v's main execution context, pushing args in
// declared order and returning the single declared output as R.
// Whatever happens, the register stack is back at its entry depth when
// Call returns: a bytecode callee leaves the pushed arguments behind
// (RETURN only unwinds its own locals) and a failed call may leave
// partial state, both of which are unwound here.
func Call[R any](v *VM, f *function.Function, args ...any) (R, error) {
	var zero R
	ctx := v.MainContext()
	entry := ctx.RegisterCount()
	for _, a := range args {
		if err := function.PushArg(ctx, a); err != nil {
			ctx.UnwindTo(entry)
			return zero, err
		}
	}
	if err := f.Call(ctx); err != nil {
		ctx.UnwindTo(entry)
		return zero, err
	}
	out, err := function.PopResult[R](ctx)
	ctx.UnwindTo(entry)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// CallVoid invokes f (which must declare no outputs) through v's main
// execution context, with the same stack-balance guarantee as Call.
func CallVoid(v *VM, f *function.Function, args ...any) error {
	ctx := v.MainContext()
	entry := ctx.RegisterCount()
	for _, a := range args {
		if err := function.PushArg(ctx, a); err != nil {
			ctx.UnwindTo(entry)
			return err
		}
	}
	err := f.Call(ctx)
	ctx.UnwindTo(entry)
	return err
}

// scriptConstructible and scriptDestructible are the optional
// interfaces RegisterType[T] probes for. A type implementing neither
// gets the trivial zero-value / no-op lifecycle.
type scriptConstructible interface{ ScriptConstruct() }
type scriptDestructible interface{ ScriptDestruct() }

// RegisterType composes a types.MemoryLayout from T via reflection
// (Align/Size) and registers it under m as name. If *T implements
// ScriptConstruct/ScriptDestruct, those back the layout's
// construct/destruct functions; otherwise T gets the trivial
// zero-value/no-op path. Values fitting inline are stored via
// storage.SetRaw/Raw; oversize values are boxed as *T.
func RegisterType[T any](v *VM, m *module.Module, name string) (*types.Type, error) {
	var zero T
	rt := reflect.TypeOf(zero)
	align, size := 8, 8
	fingerprint := ""
	if rt != nil {
		align, size = int(rt.Align()), int(rt.Size())
		fingerprint = rt.String()
	}
	fitsInline := size <= 8 && align <= 8

	_, constructible := any((*T)(nil)).(scriptConstructible)
	_, destructible := any((*T)(nil)).(scriptDestructible)

	layout := types.MemoryLayout{
		Layout: storage.Layout{
			AlignmentInBytes: align,
			SizeInBytes:      size,
		},
		IsConstructible:   true,
		IsCopyable:        true,
		NativeFingerprint: fingerprint,
	}
	layout.Layout.Construct = func(ctx storage.Context, s *storage.Storage) error {
		obj := new(T)
		if constructible {
			any(obj).(scriptConstructible).ScriptConstruct()
		}
		if fitsInline {
			s.SetRaw(unsafe.Pointer(obj), size)
		} else {
			s.SetBoxed(obj)
		}
		return nil
	}
	layout.Layout.Copy = func(ctx storage.Context, dst, src *storage.Storage) error {
		if fitsInline {
			*(*T)(dst.Raw()) = *(*T)(src.Raw())
			return nil
		}
		srcPtr, _ := src.Boxed().(*T)
		dstPtr, _ := dst.Boxed().(*T)
		*dstPtr = *srcPtr
		return nil
	}
	if destructible {
		layout.Layout.Destruct = func(ctx storage.Context, s *storage.Storage) error {
			var obj *T
			if fitsInline {
				obj = (*T)(s.Raw())
			} else {
				obj, _ = s.Boxed().(*T)
			}
			any(obj).(scriptDestructible).ScriptDestruct()
			return nil
		}
	}
	t, err := v.registerType(m, name, layout)
	if err != nil {
		return nil, err
	}
	if rt != nil && rt.Kind() == reflect.Struct {
		t.SetProperties(deriveStructProperties[T](v, rt, fitsInline))
	}
	return t, nil
}

// deriveStructProperties builds accessor-backed property descriptors
// for T's exported Number/Boolean fields, so a native struct type gets
// the same getter/setter property surface a script-composed type gets
// through index access. The property name is the `script` field tag
// when present, the field name with its first rune lowered otherwise.
//
// Accessor calling convention: the getter expects the top register to
// hold a pointer to the object's storage, pops it, and pushes the
// property value. The setter expects (pointer, new value) on top and
// pops both.
func deriveStructProperties[T any](v *VM, rt reflect.Type, fitsInline bool) []types.PropertyDescriptor {
	object := func(s *storage.Storage) *T {
		if fitsInline {
			return (*T)(s.Raw())
		}
		ptr, _ := s.Boxed().(*T)
		return ptr
	}

	var props []types.PropertyDescriptor
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		pt, ok := v.reflectKindType(field.Type.Kind())
		if !ok {
			continue
		}
		name := field.Tag.Get("script")
		if name == "" {
			name = strings.ToLower(field.Name[:1]) + field.Name[1:]
		}
		idx := i

		getter := storage.FromNative(func(ctx storage.Context) error {
			target := ctx.Top(0).Pointer()
			ctx.PopTrivialValues(1)
			obj := object(target)
			if obj == nil {
				return errors.Errorf("vm: property getter: register does not reference a %s value", rt)
			}
			fv := reflect.ValueOf(obj).Elem().Field(idx)
			ctx.PushUninitializedValues(1)
			if fv.Kind() == reflect.Bool {
				ctx.Top(0).SetBool(fv.Bool())
			} else {
				ctx.Top(0).SetFloat64(fv.Float())
			}
			return nil
		})
		setter := storage.FromNative(func(ctx storage.Context) error {
			target := ctx.Top(1).Pointer()
			obj := object(target)
			if obj == nil {
				return errors.Errorf("vm: property setter: register does not reference a %s value", rt)
			}
			fv := reflect.ValueOf(obj).Elem().Field(idx)
			if fv.Kind() == reflect.Bool {
				fv.SetBool(ctx.Top(0).Bool())
			} else {
				fv.SetFloat(ctx.Top(0).Float64())
			}
			ctx.PopTrivialValues(2)
			return nil
		})

		props = append(props, types.PropertyDescriptor{
			Name:   name,
			Type:   pt.ID(),
			Access: types.PropertyAccessAccessor,
			Getter: getter,
			Setter: setter,
		})
	}
	return props
}

// GetProperty reads property name of val (a constructed value of type
// t) as R, going through the property's accessor handles or, for a
// composed type, its property slot index.
func GetProperty[R any](v *VM, t *types.Type, val *value.Value, name string) (R, error) {
	var zero R
	p, ok := t.Property(name)
	if !ok {
		return zero, errors.Errorf("vm: type %s has no property %q", t.FullReference(), name)
	}
	switch p.Access {
	case types.PropertyAccessAccessor:
		ctx := v.MainContext()
		entry := ctx.RegisterCount()
		ctx.PushUninitializedValues(1)
		ctx.Top(0).SetPointer(val.Target())
		if err := ctx.Call(p.Getter); err != nil {
			ctx.UnwindTo(entry)
			return zero, err
		}
		out, err := function.PopResult[R](ctx)
		ctx.UnwindTo(entry)
		if err != nil {
			return zero, err
		}
		return out, nil
	default:
		slots, ok := val.Target().Boxed().([]storage.Storage)
		if !ok {
			return zero, errors.Errorf("vm: property %q: value is not a composed value", name)
		}
		if p.Index < 0 || p.Index >= len(slots) {
			return zero, errors.Errorf("vm: property %q: slot index %d out of range", name, p.Index)
		}
		return function.ReadStorageAs[R](&slots[p.Index])
	}
}

// SetProperty writes x into property name of val, the counterpart to
// GetProperty.
func SetProperty(v *VM, t *types.Type, val *value.Value, name string, x any) error {
	p, ok := t.Property(name)
	if !ok {
		return errors.Errorf("vm: type %s has no property %q", t.FullReference(), name)
	}
	switch p.Access {
	case types.PropertyAccessAccessor:
		ctx := v.MainContext()
		entry := ctx.RegisterCount()
		ctx.PushUninitializedValues(1)
		ctx.Top(0).SetPointer(val.Target())
		if err := function.PushArg(ctx, x); err != nil {
			ctx.UnwindTo(entry)
			return err
		}
		if err := ctx.Call(p.Setter); err != nil {
			ctx.UnwindTo(entry)
			return err
		}
		return nil
	default:
		slots, ok := val.Target().Boxed().([]storage.Storage)
		if !ok {
			return errors.Errorf("vm: property %q: value is not a composed value", name)
		}
		if p.Index < 0 || p.Index >= len(slots) {
			return errors.Errorf("vm: property %q: slot index %d out of range", name, p.Index)
		}
		return function.WriteStorage(&slots[p.Index], x)
	}
}

// GetTypeID is the idempotent native-type lookup: the first call for
// a given T lazily registers an anonymous entry; every later call
// returns the same id.
func GetTypeID[T any](v *VM) (types.ID, error) {
	var zero T
	rt := reflect.TypeOf(zero)
	var fingerprint string
	if rt != nil {
		fingerprint = rt.String()
	}
	if id, ok := v.typeIDByFingerprint[fingerprint]; ok {
		return id, nil
	}
	t, err := RegisterType[T](v, v.anonymous, fingerprint)
	if err != nil {
		return types.NoneID, err
	}
	return t.ID(), nil
}
