package script

import (
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/kestrelengine/scriptvm/pkg/bytecode"
	"github.com/kestrelengine/scriptvm/pkg/function"
	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
)

// scopedVar is a compiled local or input: the frame-relative register
// slot it lives in and its type.
type scopedVar struct {
	slot int
	typ  types.ID
}

// funcCompiler compiles one `function` declaration's action list into
// bytecode. A fresh funcCompiler is used per declaration; its
// instructions/constants are handed to the VM's append-only pools once
// compilation succeeds.
type funcCompiler struct {
	p       *parser
	path    string
	outputs []function.Param

	instructions []bytecode.Instruction
	constants    []storage.Storage

	// nextSlot is the next free frame-relative register slot — the
	// frame-absolute counterpart of Context's top-of-stack cursor,
	// since every register-addressing opcode this compiler emits
	// (SubtractNumbers, MultiplyNumbers, IsNumberGreater, CopyRegister)
	// addresses registers
	// frame-relatively (base+index) rather than stack-relatively.
	nextSlot int
	inputs   map[string]scopedVar
	scopes   []map[string]scopedVar

	errs []ParseError
}

func (fc *funcCompiler) fail(path, msg string) { fc.errs = append(fc.errs, ParseError{Path: path, Message: msg}) }
func (fc *funcCompiler) emit(i bytecode.Instruction) { fc.instructions = append(fc.instructions, i) }

func (fc *funcCompiler) addConstant(s storage.Storage) int {
	fc.constants = append(fc.constants, s)
	return len(fc.constants) - 1
}

func (fc *funcCompiler) addConstantHandle(h storage.Handle) int {
	var s storage.Storage
	s.SetHandle(h)
	return fc.addConstant(s)
}

func (fc *funcCompiler) pushScope() { fc.scopes = append(fc.scopes, map[string]scopedVar{}) }

// popScope closes the innermost scope, emitting a Pop for every local
// it declared, so destructors run on leaving the enclosing body.
// Not used for the function's own root scope —
// RETURN already unwinds every register above its caller-supplied
// arguments, so an explicit pop there would be dead code emitted after
// an unconditional jump out of the function.
func (fc *funcCompiler) popScope() {
	top := fc.scopes[len(fc.scopes)-1]
	fc.scopes = fc.scopes[:len(fc.scopes)-1]
	if len(top) == 0 {
		return
	}
	fc.emit(bytecode.Pop{Count: len(top)})
	fc.nextSlot -= len(top)
}

func (fc *funcCompiler) declareLocal(name string, slot int, tid types.ID) {
	fc.scopes[len(fc.scopes)-1][name] = scopedVar{slot: slot, typ: tid}
}

func (fc *funcCompiler) shadowedInCurrentScope(name string) bool {
	_, ok := fc.scopes[len(fc.scopes)-1][name]
	return ok
}

func (fc *funcCompiler) lookupLocal(name string) (scopedVar, bool) {
	for i := len(fc.scopes) - 1; i >= 0; i-- {
		if sv, ok := fc.scopes[i][name]; ok {
			return sv, true
		}
	}
	return scopedVar{}, false
}

func (fc *funcCompiler) patchJump(idx, targetPC int) {
	offset := targetPC - (idx + 1)
	switch fc.instructions[idx].(type) {
	case bytecode.JumpIfFalse:
		fc.instructions[idx] = bytecode.JumpIfFalse{Offset: offset}
	case bytecode.JumpIfTrue:
		fc.instructions[idx] = bytecode.JumpIfTrue{Offset: offset}
	case bytecode.Jump:
		fc.instructions[idx] = bytecode.Jump{Offset: offset}
	}
}

// compileFunction compiles one `function` declaration end to end:
// parses its signature, compiles its action list against a fresh
// funcCompiler, then interns the result into v's instruction/constant
// pools.
func (p *parser) compileFunction(el gjson.Result, path string) (*FunctionDescription, []ParseError) {
	name := el.Get("name").String()
	if name == "" {
		return nil, []ParseError{{Path: path + "/name", Message: "function declaration requires a non-empty name"}}
	}

	var errs []ParseError
	inputs, ierrs := p.parseParamList(el.Get("inputs"), path+"/inputs")
	errs = append(errs, ierrs...)
	outputs, oerrs := p.parseParamList(el.Get("outputs"), path+"/outputs")
	errs = append(errs, oerrs...)
	if len(outputs) > 1 {
		errs = append(errs, ParseError{Path: path + "/outputs", Message: "at most one declared output is supported"})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	fc := &funcCompiler{p: p, path: path, outputs: outputs}
	fc.inputs = make(map[string]scopedVar, len(inputs))
	for i, in := range inputs {
		// Caller-pushed arguments sit below this frame's base, reached
		// through negative frame-relative indices: input i of N is at
		// slot i-N.
		fc.inputs[in.Name] = scopedVar{slot: i - len(inputs), typ: in.Type}
	}

	// The frame must be pushed before the constant base is set: the
	// base lives in the new frame and dies with it on RETURN, so a
	// callee never clobbers its caller's constant addressing.
	// Instruction 1 is a placeholder patched with the real constant-pool
	// base once this function's constants are interned below.
	fc.emit(bytecode.PushExecutionState{})
	fc.emit(bytecode.SetConstantBaseOffset{Offset: 0})
	fc.scopes = append(fc.scopes, map[string]scopedVar{})

	actions := el.Get("actions")
	if actions.IsArray() {
		for i, a := range actions.Array() {
			fc.compileAction(a, fmt.Sprintf("%s/actions/%d", path, i))
		}
	} else if actions.Exists() {
		fc.fail(path+"/actions", "must be an array")
	}

	if len(fc.errs) > 0 {
		errs = append(errs, fc.errs...)
		return nil, errs
	}

	// Every control-flow path must terminate inside this function's own
	// bytecode — falling off the end would run the interpreter into
	// whatever the pool holds next. A function with outputs must return
	// them on every path; a void function gets a terminal return for
	// the paths that fall through.
	if !actionListAlwaysReturns(actions) {
		if len(outputs) != 0 {
			return nil, []ParseError{{Path: path + "/actions", Message: "function declares outputs but does not return on every path"}}
		}
		fc.emit(bytecode.Return{OutputCount: 0})
	}

	constOffset, err := p.vm.InsertConstants(fc.constants)
	if err != nil {
		return nil, []ParseError{{Path: path, Message: err.Error()}}
	}
	fc.instructions[1] = bytecode.SetConstantBaseOffset{Offset: constOffset}

	instrOffset, err := p.vm.InsertInstructions(fc.instructions)
	if err != nil {
		return nil, []ParseError{{Path: path, Message: err.Error()}}
	}

	return &FunctionDescription{
		Name:    name,
		Inputs:  inputs,
		Outputs: outputs,
		Handle:  storage.FromBytecodeOffset(uint32(instrOffset)),
	}, nil
}

// actionListAlwaysReturns reports whether every control-flow path
// through the list reaches a return before falling off its end.
func actionListAlwaysReturns(arr gjson.Result) bool {
	if !arr.IsArray() {
		return false
	}
	for _, a := range arr.Array() {
		if actionAlwaysReturns(a) {
			return true
		}
	}
	return false
}

func actionAlwaysReturns(a gjson.Result) bool {
	switch a.Get("id").String() {
	case "return":
		return true
	case "if":
		// Only an if with both branches returning is exhaustive; a
		// while's body may never run, so it guarantees nothing.
		elseRaw := a.Get("else")
		return elseRaw.Exists() &&
			actionListAlwaysReturns(a.Get("then")) &&
			actionListAlwaysReturns(elseRaw)
	default:
		return false
	}
}

func (fc *funcCompiler) compileActionList(arr gjson.Result, path string) {
	if !arr.Exists() {
		return
	}
	if !arr.IsArray() {
		fc.fail(path, "must be an array")
		return
	}
	for i, a := range arr.Array() {
		fc.compileAction(a, fmt.Sprintf("%s/%d", path, i))
	}
}

func (fc *funcCompiler) compileAction(a gjson.Result, path string) {
	switch id := a.Get("id").String(); id {
	case "variable_declaration":
		fc.compileVariableDeclaration(a, path)
	case "function_call":
		fc.compileFunctionCallAction(a, path)
	case "if":
		fc.compileIf(a, path)
	case "while":
		fc.compileWhile(a, path)
	case "return":
		fc.compileReturn(a, path)
	default:
		fc.fail(path+"/id", fmt.Sprintf("unknown action id %q", id))
	}
}

func (fc *funcCompiler) compileVariableDeclaration(a gjson.Result, path string) {
	name := a.Get("name").String()
	if name == "" {
		fc.fail(path+"/name", "variable_declaration requires a non-empty name")
		return
	}
	if fc.shadowedInCurrentScope(name) {
		fc.fail(path+"/name", fmt.Sprintf("duplicate local declaration %q", name))
		return
	}
	ref, err := parseTypeRefResult(a.Get("type"))
	if err != nil {
		fc.fail(path+"/type", err.Error())
		return
	}
	tid, align, size, ok := fc.p.resolveTypeRef(ref)
	if !ok {
		fc.fail(path+"/type", fmt.Sprintf("unknown type reference %q", refString(ref)))
		return
	}

	slot := fc.nextSlot
	fc.emit(bytecode.Push{Count: 1})
	fc.nextSlot++
	if align <= 8 && size <= 8 {
		fc.emit(bytecode.ConstructInlineValue{})
	} else {
		fc.emit(bytecode.ConstructValue{Align: align, Size: size})
	}
	fc.declareLocal(name, slot, tid)
}

// compileExpr evaluates e, leaving exactly one new register on top of
// the (conceptual) stack at frame-relative slot fc.nextSlot-1, and
// returns its type.
func (fc *funcCompiler) compileExpr(e gjson.Result, path string) (types.ID, bool) {
	switch {
	case e.Get("local").Exists():
		return fc.compileNameRef(e.Get("local").String(), path, true)
	case e.Get("input").Exists():
		return fc.compileNameRef(e.Get("input").String(), path, false)
	case e.Get("function").Exists():
		return fc.compileFunctionCallExpr(e, path)
	case e.Type == gjson.True || e.Type == gjson.False:
		return fc.compileBoolLiteral(e.Bool()), true
	case e.Type == gjson.Number:
		return fc.compileNumberLiteral(e.Float()), true
	default:
		fc.fail(path, "expected a literal, {local:...}, {input:...}, or nested function_call")
		return types.NoneID, false
	}
}

func (fc *funcCompiler) compileNameRef(name, path string, isLocal bool) (types.ID, bool) {
	var sv scopedVar
	var ok bool
	if isLocal {
		// Innermost scope first, then the function's inputs.
		sv, ok = fc.lookupLocal(name)
		if !ok {
			sv, ok = fc.inputs[name]
		}
		if !ok {
			fc.fail(path, fmt.Sprintf("undefined local %q", name))
			return types.NoneID, false
		}
	} else {
		sv, ok = fc.inputs[name]
		if !ok {
			fc.fail(path, fmt.Sprintf("undefined input %q", name))
			return types.NoneID, false
		}
	}
	if sv.typ != fc.p.vm.NumberType().ID() && sv.typ != fc.p.vm.BooleanType().ID() {
		fc.fail(path, fmt.Sprintf("%q: only Core.Number/Core.Boolean values can be pushed by reference", name))
		return types.NoneID, false
	}
	newSlot := fc.nextSlot
	fc.emit(bytecode.Push{Count: 1})
	fc.nextSlot++
	fc.emit(bytecode.ConstructInlineValue{})
	fc.emit(bytecode.CopyRegister{Dest: newSlot, Src: sv.slot})
	return sv.typ, true
}

func (fc *funcCompiler) compileBoolLiteral(v bool) types.ID {
	var s storage.Storage
	s.SetBool(v)
	fc.emit(bytecode.LoadConstant{Index: fc.addConstant(s)})
	fc.nextSlot++
	return fc.p.vm.BooleanType().ID()
}

func (fc *funcCompiler) compileNumberLiteral(v float64) types.ID {
	var s storage.Storage
	s.SetFloat64(v)
	fc.emit(bytecode.LoadConstant{Index: fc.addConstant(s)})
	fc.nextSlot++
	return fc.p.vm.NumberType().ID()
}

// emitCall compiles a call to c with its arguments already pushed (the
// N topmost registers, frame-relative slots startSlot..nextSlot-1).
// Returns the frame-relative slot holding the single result, or ok=false
// if c has no declared output.
//
// Core.Subtract/Multiply/IsGreater are recognized by qualified name and
// compiled directly to their dedicated 3-register opcodes rather than
// through a handle/CallNativeFunction round trip.
//
// For a bytecode (script) callee, Return only unwinds the callee's own
// locals — its caller-pushed arguments are left on the stack — so the
// compiler must clean them up itself: copy the result down over the
// first argument slot, then pop the rest.
func (fc *funcCompiler) emitCall(c *callee, path string) (resultSlot int, ok bool) {
	n := len(c.Inputs)
	hasResult := len(c.Outputs) == 1
	startSlot := fc.nextSlot - n

	if hasResult && n == 2 {
		if opcode, isArith := coreArithmeticOp(c.Name); isArith {
			s0, s1 := fc.nextSlot-2, fc.nextSlot-1
			fc.emit(opcode(s0, s0, s1))
			fc.emit(bytecode.Pop{Count: 1})
			fc.nextSlot--
			return fc.nextSlot - 1, true
		}
	}

	fc.emit(bytecode.LoadConstant{Index: fc.addConstantHandle(c.Handle)})
	fc.emit(bytecode.CallNativeFunction{InputCount: n})

	if c.Handle.Kind() == storage.KindBytecode && n > 0 {
		// Stack after the call: the n arguments, then the callee's
		// outputs on top. The result therefore sits at startSlot+n,
		// not startSlot.
		if hasResult {
			fc.emit(bytecode.CopyRegister{Dest: startSlot, Src: startSlot + n})
			fc.emit(bytecode.Pop{Count: n})
		} else {
			fc.emit(bytecode.Pop{Count: n})
		}
	}

	if hasResult {
		fc.nextSlot = startSlot + 1
		return startSlot, true
	}
	fc.nextSlot = startSlot
	return 0, false
}

// coreArithmeticOp recognizes the built-in Core module functions that
// have a dedicated 3-register opcode, keyed by "Module.Name".
func coreArithmeticOp(qualifiedName string) (func(dest, a, b int) bytecode.Instruction, bool) {
	switch qualifiedName {
	case "Core.Subtract":
		return func(dest, a, b int) bytecode.Instruction { return bytecode.SubtractNumbers{Dest: dest, A: a, B: b} }, true
	case "Core.Multiply":
		return func(dest, a, b int) bytecode.Instruction { return bytecode.MultiplyNumbers{Dest: dest, A: a, B: b} }, true
	case "Core.IsGreater":
		return func(dest, a, b int) bytecode.Instruction { return bytecode.IsNumberGreater{Dest: dest, A: a, B: b} }, true
	default:
		return nil, false
	}
}

func (fc *funcCompiler) compileCallArgs(inputs []function.Param, argsRaw []gjson.Result, path string) bool {
	if len(argsRaw) != len(inputs) {
		fc.fail(path+"/inputs", fmt.Sprintf("expected %d argument(s), got %d", len(inputs), len(argsRaw)))
		return false
	}
	for i, a := range argsRaw {
		t, ok := fc.compileExpr(a, fmt.Sprintf("%s/inputs/%d", path, i))
		if !ok {
			return false
		}
		if t != inputs[i].Type {
			fc.fail(fmt.Sprintf("%s/inputs/%d", path, i), "argument type mismatch")
			return false
		}
	}
	return true
}

func (fc *funcCompiler) compileFunctionCallExpr(e gjson.Result, path string) (types.ID, bool) {
	c, err := fc.p.resolveFunctionRef(e.Get("function"), path+"/function")
	if err != nil {
		fc.fail(path+"/function", err.Error())
		return types.NoneID, false
	}
	if len(c.Outputs) != 1 {
		fc.fail(path, fmt.Sprintf("function %q used as a value must declare exactly one output", c.Name))
		return types.NoneID, false
	}
	if !fc.compileCallArgs(c.Inputs, e.Get("inputs").Array(), path) {
		return types.NoneID, false
	}
	fc.emitCall(c, path)
	return c.Outputs[0].Type, true
}

func (fc *funcCompiler) compileFunctionCallAction(a gjson.Result, path string) {
	c, err := fc.p.resolveFunctionRef(a.Get("function"), path+"/function")
	if err != nil {
		fc.fail(path+"/function", err.Error())
		return
	}
	if !fc.compileCallArgs(c.Inputs, a.Get("inputs").Array(), path) {
		return
	}
	outNames := a.Get("outputs").Array()
	if len(outNames) != len(c.Outputs) {
		fc.fail(path+"/outputs", fmt.Sprintf("function %q declares %d output(s), got %d binding name(s)", c.Name, len(c.Outputs), len(outNames)))
		return
	}
	resultSlot, hasResult := fc.emitCall(c, path)
	if hasResult {
		fc.declareLocal(outNames[0].String(), resultSlot, c.Outputs[0].Type)
	}
}

func (fc *funcCompiler) compileIf(a gjson.Result, path string) {
	condType, ok := fc.compileExpr(a.Get("condition"), path+"/condition")
	if !ok {
		return
	}
	if condType != fc.p.vm.BooleanType().ID() {
		fc.fail(path+"/condition", "if condition must be a Boolean expression")
		return
	}
	fc.nextSlot-- // JumpIfFalse consumes the condition at runtime.

	falseJump := len(fc.instructions)
	fc.emit(bytecode.JumpIfFalse{})

	// Both branches start from the same register height, and the if as
	// a whole leaves it unchanged — a branch must not see the other
	// branch's slot accounting.
	branchSlot := fc.nextSlot
	fc.pushScope()
	fc.compileActionList(a.Get("then"), path+"/then")
	fc.popScope()
	fc.nextSlot = branchSlot

	elseRaw := a.Get("else")
	if elseRaw.Exists() {
		endJump := len(fc.instructions)
		fc.emit(bytecode.Jump{})
		fc.patchJump(falseJump, len(fc.instructions))

		fc.pushScope()
		fc.compileActionList(elseRaw, path+"/else")
		fc.popScope()
		fc.nextSlot = branchSlot

		fc.patchJump(endJump, len(fc.instructions))
	} else {
		fc.patchJump(falseJump, len(fc.instructions))
	}
}

func (fc *funcCompiler) compileWhile(a gjson.Result, path string) {
	headerPC := len(fc.instructions)
	condType, ok := fc.compileExpr(a.Get("condition"), path+"/condition")
	if !ok {
		return
	}
	if condType != fc.p.vm.BooleanType().ID() {
		fc.fail(path+"/condition", "while condition must be a Boolean expression")
		return
	}
	fc.nextSlot--

	exitJump := len(fc.instructions)
	fc.emit(bytecode.JumpIfFalse{})

	fc.pushScope()
	fc.compileActionList(a.Get("body"), path+"/body")
	fc.popScope()

	backJump := len(fc.instructions)
	fc.emit(bytecode.Jump{})
	fc.instructions[backJump] = bytecode.Jump{Offset: headerPC - (backJump + 1)}

	fc.patchJump(exitJump, len(fc.instructions))
}

func (fc *funcCompiler) compileReturn(a gjson.Result, path string) {
	entrySlot := fc.nextSlot
	exprs := a.Get("outputs").Array()
	if len(exprs) != len(fc.outputs) {
		fc.fail(path+"/outputs", fmt.Sprintf("return has %d output(s), function declares %d", len(exprs), len(fc.outputs)))
		return
	}
	for i, e := range exprs {
		t, ok := fc.compileExpr(e, fmt.Sprintf("%s/outputs/%d", path, i))
		if !ok {
			return
		}
		if t != fc.outputs[i].Type {
			fc.fail(fmt.Sprintf("%s/outputs/%d", path, i), "return output type mismatch")
			return
		}
	}
	fc.emit(bytecode.Return{OutputCount: len(exprs)})
	// The return consumes its output temporaries at runtime; the
	// compile-time slot cursor must not keep counting them.
	fc.nextSlot = entrySlot
}
