// Package script implements the runtime's script parser: it turns a
// tree-shaped script document (function and composed-type
// declarations) into compiled bytecode/constants and type layouts, or
// a non-empty list of structured errors. Errors accumulate — the
// parser keeps going after a failure so one run reports as many
// problems as possible.
package script

import (
	"fmt"

	"github.com/go-openapi/jsonpointer"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/kestrelengine/scriptvm/pkg/function"
	"github.com/kestrelengine/scriptvm/pkg/module"
	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
	vmpkg "github.com/kestrelengine/scriptvm/pkg/vm"
)

// ParseError is one accumulated parse failure, carrying a JSON-pointer
// path (RFC 6901) so a UI can point at the offending node. Deliberately
// a flat struct rather than a github.com/pkg/errors-wrapped type:
// collected errors need a serializable {path, message} shape, not a
// stack trace.
type ParseError struct {
	Path    string
	Message string
}

func (e ParseError) Error() string { return fmt.Sprintf("%s: %s", e.Path, e.Message) }

// TypeDescription is the parsed, not-yet-registered IR for a `type`
// declaration: its computed memory layout and property list, ready to
// hand to vm.RegisterComposedType once the caller has picked an owning
// module.
type TypeDescription struct {
	Name       string
	Layout     types.MemoryLayout
	Properties []types.PropertyDescriptor
}

// FunctionDescription is the parsed, compiled IR for a `function`
// declaration: its declared signature and a ready-to-call handle,
// already interned into the VM's instruction/constant pools.
type FunctionDescription struct {
	Name    string
	Inputs  []function.Param
	Outputs []function.Param
	Handle  storage.Handle
}

// ParseResult bundles every successfully parsed declaration.
type ParseResult struct {
	Functions []FunctionDescription
	Types     []TypeDescription
}

// Parse parses doc (a top-level JSON array of declarations) against v,
// resolving type/function references against v's registry in addition
// to declarations made elsewhere in doc. It returns either a
// ParseResult with a nil error slice, or a nil ParseResult with a
// non-empty, exhaustive error list — never a partial mix of the two.
func Parse(v *vmpkg.VM, doc []byte) (*ParseResult, []ParseError) {
	root := gjson.ParseBytes(doc)
	if !root.IsArray() {
		return nil, []ParseError{{Path: "", Message: "script: top-level document must be an array of declarations"}}
	}

	// Locally declared types get negative placeholder ids (starting at
	// -1, keeping types.NoneID reserved); registration assigns the real
	// registry ids afterwards.
	p := &parser{vm: v, localTypes: map[string]*localType{}, nextLocalID: -1}
	var errs []ParseError

	elements := root.Array()
	for i, el := range elements {
		if el.Get("definitionType").String() == "type" {
			errs = append(errs, p.collectTypeDecl(el, pathAt(i))...)
		}
	}
	errs = append(errs, p.resolveProperties()...)

	var result ParseResult
	for _, lt := range p.orderedLocalTypes {
		result.Types = append(result.Types, TypeDescription{
			Name: lt.name,
			Layout: types.MemoryLayout{
				Layout:          storage.Layout{AlignmentInBytes: lt.align, SizeInBytes: lt.size},
				IsConstructible: true,
				IsCopyable:      true,
			},
			Properties: lt.properties,
		})
	}

	for i, el := range elements {
		dt := el.Get("definitionType").String()
		path := pathAt(i)
		switch dt {
		case "type":
			// Already handled above.
		case "function":
			desc, ferrs := p.compileFunction(el, path)
			if len(ferrs) > 0 {
				errs = append(errs, ferrs...)
				continue
			}
			result.Functions = append(result.Functions, *desc)
		default:
			errs = append(errs, ParseError{Path: path + "/definitionType", Message: fmt.Sprintf("unknown definitionType %q", dt)})
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &result, nil
}

func pathAt(i int) string { return fmt.Sprintf("/%d", i) }

// Register installs every declaration of result into v under m:
// composed types first, then functions. The functions' bytecode is
// already interned in v's pools by Parse; Register only makes them
// resolvable by name for later parses and host calls.
func Register(v *vmpkg.VM, m *module.Module, result *ParseResult) error {
	for _, td := range result.Types {
		if _, err := v.RegisterComposedType(m, td.Name, td.Layout, td.Properties); err != nil {
			return err
		}
	}
	for _, fd := range result.Functions {
		f := &function.Function{Name: fd.Name, Inputs: fd.Inputs, Outputs: fd.Outputs, Handle: fd.Handle}
		if err := v.RegisterScriptFunction(m, f); err != nil {
			return err
		}
	}
	return nil
}

// escapeToken applies RFC 6901 escaping to one path segment before it
// is joined into a JSON pointer, via go-openapi/jsonpointer.
func escapeToken(token string) string { return jsonpointer.Escape(token) }

// parser holds the cross-declaration state a single Parse call needs:
// the VM references/types resolve against, plus every type declared
// locally in this same document (so later declarations, and every
// function, can refer to them before — or instead of — anything
// registered in v).
type parser struct {
	vm                *vmpkg.VM
	localTypes        map[string]*localType
	orderedLocalTypes []*localType
	nextLocalID       types.ID
}

type localType struct {
	id            types.ID
	name          string
	align, size   int
	properties    []types.PropertyDescriptor
	rawProperties []rawProperty
}

type rawProperty struct {
	name       string
	typeRefRaw gjson.Result
	path       string
}

// parseTypeRefResult reads a type or function reference node: either
// a bare "Module.Name" string or a {module, name} object.
func parseTypeRefResult(v gjson.Result) (types.Ref, error) {
	switch {
	case v.Type == gjson.String:
		return types.ParseRef(v.String())
	case v.IsObject():
		return types.ParseRefFields(v.Get("module").String(), v.Get("name").String())
	default:
		return types.Ref{}, errors.New("expected a \"Module.Name\" string or a {module, name} object")
	}
}

func refString(ref types.Ref) string { return ref.Module + "." + ref.Name }

// collectTypeDecl records a `type` declaration's name and raw property
// list. Property *types* are resolved in a later pass (resolveProperties)
// so that types can reference each other regardless of declaration
// order — but each type's own align/size is already fully known here:
// every property occupies exactly one 8-byte-aligned, 8-byte Storage
// slot regardless of its payload, so a composed type's layout is
// `{alignment: 8, size: 8 * property_count}`.
func (p *parser) collectTypeDecl(el gjson.Result, path string) []ParseError {
	name := el.Get("name").String()
	if name == "" {
		return []ParseError{{Path: path + "/name", Message: "type declaration requires a non-empty name"}}
	}
	if _, exists := p.localTypes[name]; exists {
		return []ParseError{{Path: path + "/name", Message: fmt.Sprintf("duplicate type declaration %q", name)}}
	}

	propsNode := el.Get("properties")
	var raw []rawProperty
	if propsNode.Exists() {
		if !propsNode.IsObject() {
			return []ParseError{{Path: path + "/properties", Message: "properties must be an object"}}
		}
		propsNode.ForEach(func(key, value gjson.Result) bool {
			raw = append(raw, rawProperty{
				name:       key.String(),
				typeRefRaw: value.Get("type"),
				path:       fmt.Sprintf("%s/properties/%s/type", path, escapeToken(key.String())),
			})
			return true
		})
	}

	lt := &localType{
		id:            p.nextLocalID,
		name:          name,
		rawProperties: raw,
		align:         8,
		size:          len(raw) * 8,
	}
	p.nextLocalID--
	p.localTypes[name] = lt
	p.orderedLocalTypes = append(p.orderedLocalTypes, lt)
	return nil
}

// resolveProperties resolves every collected property's type reference
// now that all locally declared type names are known.
func (p *parser) resolveProperties() []ParseError {
	var errs []ParseError
	for _, lt := range p.orderedLocalTypes {
		for _, raw := range lt.rawProperties {
			ref, err := parseTypeRefResult(raw.typeRefRaw)
			if err != nil {
				errs = append(errs, ParseError{Path: raw.path, Message: err.Error()})
				continue
			}
			tid, _, _, ok := p.resolveTypeRef(ref)
			if !ok {
				errs = append(errs, ParseError{Path: raw.path, Message: fmt.Sprintf("unknown type reference %q", refString(ref))})
				continue
			}
			lt.properties = append(lt.properties, types.PropertyDescriptor{
				Name:   raw.name,
				Type:   tid,
				Access: types.PropertyAccessIndex,
				Index:  len(lt.properties),
			})
		}
	}
	return errs
}

// resolveTypeRef resolves ref against types declared locally in this
// document first (innermost in spirit, though types have no nested
// scoping — just "this document"), then against v's registry.
func (p *parser) resolveTypeRef(ref types.Ref) (id types.ID, align, size int, ok bool) {
	if lt, exists := p.localTypes[ref.Name]; exists {
		return lt.id, lt.align, lt.size, true
	}
	if t, exists := p.vm.LookupType(ref.Module, ref.Name); exists {
		layout := t.Layout()
		return t.ID(), layout.AlignmentInBytes, layout.SizeInBytes, true
	}
	return types.NoneID, 0, 0, false
}

// callee is the resolved shape of a function reference: enough to
// type-check a call site's arity/types and to compile it.
type callee struct {
	Name    string
	Inputs  []function.Param
	Outputs []function.Param
	Handle  storage.Handle
}

func (p *parser) resolveFunctionRef(raw gjson.Result, path string) (*callee, error) {
	ref, err := parseTypeRefResult(raw)
	if err != nil {
		return nil, err
	}
	f, ok := p.vm.LookupFunction(ref.Module, ref.Name)
	if !ok {
		return nil, errors.Errorf("unknown function reference %q", refString(ref))
	}
	// The qualified name is what emitCall keys its arithmetic fast path
	// on, and what error messages show.
	return &callee{Name: refString(ref), Inputs: f.Inputs, Outputs: f.Outputs, Handle: f.Handle}, nil
}

// parseParamList parses an `inputs`/`outputs` declaration array (name +
// type ref pairs).
func (p *parser) parseParamList(arr gjson.Result, path string) ([]function.Param, []ParseError) {
	if !arr.Exists() {
		return nil, nil
	}
	if !arr.IsArray() {
		return nil, []ParseError{{Path: path, Message: "must be an array"}}
	}
	var params []function.Param
	var errs []ParseError
	for i, el := range arr.Array() {
		elPath := fmt.Sprintf("%s/%d", path, i)
		name := el.Get("name").String()
		if name == "" {
			errs = append(errs, ParseError{Path: elPath + "/name", Message: "parameter requires a non-empty name"})
			continue
		}
		ref, err := parseTypeRefResult(el.Get("type"))
		if err != nil {
			errs = append(errs, ParseError{Path: elPath + "/type", Message: err.Error()})
			continue
		}
		tid, _, _, ok := p.resolveTypeRef(ref)
		if !ok {
			errs = append(errs, ParseError{Path: elPath + "/type", Message: fmt.Sprintf("unknown type reference %q", refString(ref))})
			continue
		}
		params = append(params, function.Param{Name: name, Type: tid})
	}
	return params, errs
}
