// Package bytecode defines the instruction set the execution context
// interprets. Each opcode is a small Go struct implementing the
// Instruction marker interface — a closed set of typed instruction
// kinds behind one interface, dispatched with a type switch, rather
// than a hand-packed machine word.
package bytecode

// Opcode names an instruction kind, mostly useful for printing/logging;
// dispatch itself is a Go type switch over Instruction, not over Opcode.
type Opcode int

const (
	OpHalt Opcode = iota
	OpPush
	OpPop
	OpPopTrivial
	OpOffsetAddress
	OpCallNativeFunction
	OpSubtractNumbers
	OpMultiplyNumbers
	OpIsNumberGreater
	OpJump
	OpJumpIfTrue
	OpJumpIfFalse
	OpConstructInlineValue
	OpConstructValue
	OpPushExecutionState
	OpSetConstantBaseOffset
	OpReturn
	OpLoadConstant
	OpCopyRegister
)

var opcodeNames = [...]string{
	"HALT", "PUSH", "POP", "POP_TRIVIAL", "OFFSET_ADDRESS",
	"CALL_NATIVE_FUNCTION", "SUBTRACT_NUMBERS", "MULTIPLY_NUMBERS",
	"IS_NUMBER_GREATER", "JUMP", "JUMP_IF_TRUE", "JUMP_IF_FALSE",
	"CONSTRUCT_INLINE_VALUE", "CONSTRUCT_VALUE", "PUSH_EXECUTION_STATE",
	"SET_CONSTANT_BASE_OFFSET", "RETURN", "LOAD_CONSTANT", "COPY_REGISTER",
}

func (op Opcode) String() string {
	if int(op) < 0 || int(op) >= len(opcodeNames) {
		return "UNKNOWN"
	}
	return opcodeNames[op]
}

// Instruction is implemented by every concrete instruction struct.
type Instruction interface {
	Opcode() Opcode
}

// Halt terminates the current interpret loop and returns normally.
type Halt struct{}

// Push advances the register stack by Count uninitialized registers.
type Push struct{ Count int }

// Pop invokes destructors (for registers that have one) and shrinks
// the register stack by Count.
type Pop struct{ Count int }

// PopTrivial shrinks the register stack by Count without invoking
// destructors. The caller must already know none of the popped
// registers carries one.
type PopTrivial struct{ Count int }

// OffsetAddress adjusts a register holding a composed value to refer
// to one of its properties, by index into the value's ordered
// property slots.
type OffsetAddress struct {
	Register      int
	PropertyIndex int
}

// CallNativeFunction pops the function handle from the top of the
// stack and invokes it; InputCount records how many of the registers
// below the handle are its arguments. The interpreter does not read
// InputCount: the callee itself knows how many arguments it takes.
type CallNativeFunction struct{ InputCount int }

// SubtractNumbers computes registers[Dest] = registers[A] - registers[B].
type SubtractNumbers struct{ Dest, A, B int }

// MultiplyNumbers computes registers[Dest] = registers[A] * registers[B].
type MultiplyNumbers struct{ Dest, A, B int }

// IsNumberGreater computes registers[Dest] = registers[A] > registers[B].
type IsNumberGreater struct{ Dest, A, B int }

// Jump adds Offset to the instruction pointer. Offset is relative to
// the instruction following the jump.
type Jump struct{ Offset int }

// JumpIfTrue pops a boolean off the top of stack and, if true, adds
// Offset to the instruction pointer.
type JumpIfTrue struct{ Offset int }

// JumpIfFalse pops a boolean off the top of stack and, if false, adds
// Offset to the instruction pointer.
type JumpIfFalse struct{ Offset int }

// ConstructInlineValue marks the top register, already zeroed by
// Push, as a constructed inline value with no destructor. No type's
// construct function runs, so it suits types whose zero bit pattern is
// a valid value.
type ConstructInlineValue struct{}

// ConstructValue constructs the top register for the given layout. A
// layout that does not fit inline gets a boxed slice of one property
// slot per 8 bytes of Size; an inline layout gets no allocation.
type ConstructValue struct {
	Align int
	Size  int
}

// PushExecutionState records a frame marker, used when entering script
// (bytecode) functions.
type PushExecutionState struct{}

// SetConstantBaseOffset sets the constant-pool base used by subsequent
// LoadConstant reads in the current function.
type SetConstantBaseOffset struct{ Offset int }

// Return pops the current frame, preserving the top OutputCount
// registers, and hands control back to the caller.
type Return struct{ OutputCount int }

// LoadConstant copies the constant at the active constant-base offset
// plus Index onto a newly pushed register. Only destructor-free
// constants (numbers, booleans, function handles) go through it.
type LoadConstant struct{ Index int }

// CopyRegister duplicates the frame-relative register Src (trivial,
// inline storage only — no destructor, no heap backing) into the
// frame-relative register Dest. The script compiler emits it to read
// a named local or input without consuming it.
type CopyRegister struct{ Dest, Src int }

func (Halt) Opcode() Opcode                   { return OpHalt }
func (Push) Opcode() Opcode                   { return OpPush }
func (Pop) Opcode() Opcode                    { return OpPop }
func (PopTrivial) Opcode() Opcode             { return OpPopTrivial }
func (OffsetAddress) Opcode() Opcode          { return OpOffsetAddress }
func (CallNativeFunction) Opcode() Opcode     { return OpCallNativeFunction }
func (SubtractNumbers) Opcode() Opcode        { return OpSubtractNumbers }
func (MultiplyNumbers) Opcode() Opcode        { return OpMultiplyNumbers }
func (IsNumberGreater) Opcode() Opcode        { return OpIsNumberGreater }
func (Jump) Opcode() Opcode                   { return OpJump }
func (JumpIfTrue) Opcode() Opcode             { return OpJumpIfTrue }
func (JumpIfFalse) Opcode() Opcode            { return OpJumpIfFalse }
func (ConstructInlineValue) Opcode() Opcode   { return OpConstructInlineValue }
func (ConstructValue) Opcode() Opcode         { return OpConstructValue }
func (PushExecutionState) Opcode() Opcode     { return OpPushExecutionState }
func (SetConstantBaseOffset) Opcode() Opcode  { return OpSetConstantBaseOffset }
func (Return) Opcode() Opcode                 { return OpReturn }
func (LoadConstant) Opcode() Opcode           { return OpLoadConstant }
func (CopyRegister) Opcode() Opcode           { return OpCopyRegister }
