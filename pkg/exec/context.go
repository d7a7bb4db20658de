// Package exec implements the runtime's execution context: a bounded
// register stack with stack frames, and the interpreter loop that
// dispatches pkg/bytecode instructions against it. A context has a
// permanent base stack frame, top()/push/pop register primitives, and
// an Execute loop driven by a linear program counter over the VM's
// flat instruction pool.
package exec

import (
	"github.com/pkg/errors"

	"github.com/kestrelengine/scriptvm/pkg/bytecode"
	"github.com/kestrelengine/scriptvm/pkg/storage"
)

// frame is one entry of the stack-frame chain: the register offset it
// began at, and the constant-pool base active within it.
type frame struct {
	registerOffset     int
	constantBaseOffset int
}

// ResourceExhaustionError reports the register stack growing past its
// configured capacity.
type ResourceExhaustionError struct {
	Requested int
	Capacity  int
}

func (e *ResourceExhaustionError) Error() string {
	return errors.Errorf("exec: register stack exhausted: requested %d registers, capacity %d", e.Requested, e.Capacity).Error()
}

// CallError wraps a failure that occurred while dispatching a
// CALL_NATIVE_FUNCTION or bytecode call, with the instruction pointer
// it happened at for diagnostics.
type CallError struct {
	PC  int
	Err error
}

func (e *CallError) Error() string { return errors.Wrapf(e.Err, "exec: call failed at pc=%d", e.PC).Error() }
func (e *CallError) Unwrap() error { return e.Err }

// Context is a register stack with stack frames plus the shared
// instruction/constant pools it interprets against. Every Context has
// a permanent base frame that can never be popped.
type Context struct {
	registers    []storage.Storage
	frames       []frame
	capacity     int
	instructions []bytecode.Instruction
	constants    []storage.Storage
}

// New creates a Context backed by the given instruction and constant
// pools (owned by a vm.VM), with a register stack bounded by capacity.
func New(instructions []bytecode.Instruction, constants []storage.Storage, capacity int) *Context {
	return &Context{
		frames:       []frame{{}},
		capacity:     capacity,
		instructions: instructions,
		constants:    constants,
	}
}

// Top returns the register offset below the current top of stack (0 =
// topmost), satisfying storage.Context.
func (c *Context) Top(offset int) *storage.Storage {
	return &c.registers[len(c.registers)-1-offset]
}

// PushUninitializedValues grows the register stack by n uninitialized
// registers.
func (c *Context) PushUninitializedValues(n int) {
	c.registers = append(c.registers, make([]storage.Storage, n)...)
}

// PopValues destructs (where present) and discards the top n
// registers.
func (c *Context) PopValues(n int) error {
	for i := 0; i < n; i++ {
		idx := len(c.registers) - 1 - i
		if err := c.registers[idx].Reset(c); err != nil {
			return err
		}
	}
	c.registers = c.registers[:len(c.registers)-n]
	return nil
}

// PopTrivialValues discards the top n registers without running
// destructors. Callers must already know none of them has one.
func (c *Context) PopTrivialValues(n int) {
	for i := 0; i < n; i++ {
		c.registers[len(c.registers)-1-i].ResetTrivial()
	}
	c.registers = c.registers[:len(c.registers)-n]
}

// currentFrame returns the active stack frame.
func (c *Context) currentFrame() *frame { return &c.frames[len(c.frames)-1] }

// Call invokes handle. Native handles run directly; bytecode handles
// enter the interpreter loop at their recorded offset in a fresh
// stack frame. The caller is responsible for having already pushed
// handle's arguments (PushValue-style) onto the register stack.
//
// On failure the context is unwound back to where this Call began:
// frames pushed by the aborted callee are dropped and destructors for
// the registers it introduced run in reverse order. The arguments the
// caller pushed stay on the stack — they are the caller's to clean up.
func (c *Context) Call(handle storage.Handle) error {
	entryFrames := len(c.frames)
	entryRegisters := len(c.registers)

	var err error
	switch handle.Kind() {
	case storage.KindNative:
		native, _ := handle.Native()
		if nerr := native(c); nerr != nil {
			err = &CallError{Err: nerr}
		}
	case storage.KindBytecode:
		offset, _ := handle.BytecodeOffset()
		err = c.Execute(int(offset))
	default:
		err = &CallError{Err: storage.ErrNotCallable}
	}

	if err != nil {
		if len(c.frames) > entryFrames {
			c.frames = c.frames[:entryFrames]
		}
		c.UnwindTo(entryRegisters)
	}
	return err
}

// UnwindTo pops registers down to count, running destructors in
// reverse push order. A destructor failing during an unwind is
// dropped: the error that triggered the unwind takes precedence.
func (c *Context) UnwindTo(count int) {
	for len(c.registers) > count {
		idx := len(c.registers) - 1
		_ = c.registers[idx].Reset(c)
		c.registers = c.registers[:idx]
	}
}

// Execute runs the interpreter loop starting at pc, dispatching each
// bytecode.Instruction by its concrete Go type, until it reaches a
// Halt or a Return unwinds back past the frame Execute started in.
func (c *Context) Execute(pc int) error {
	startDepth := len(c.frames)
	for {
		if pc < 0 || pc >= len(c.instructions) {
			return errors.Errorf("exec: instruction pointer %d out of range", pc)
		}
		instr := c.instructions[pc]
		next := pc + 1

		switch in := instr.(type) {
		case bytecode.Halt:
			return nil

		case bytecode.Push:
			if c.capacity > 0 && len(c.registers)+in.Count > c.capacity {
				return &ResourceExhaustionError{Requested: len(c.registers) + in.Count, Capacity: c.capacity}
			}
			c.PushUninitializedValues(in.Count)

		case bytecode.Pop:
			if err := c.PopValues(in.Count); err != nil {
				return errors.Wrapf(err, "exec: POP at pc=%d", pc)
			}

		case bytecode.PopTrivial:
			c.PopTrivialValues(in.Count)

		case bytecode.LoadConstant:
			base := c.currentFrame().constantBaseOffset
			idx := base + in.Index
			if idx < 0 || idx >= len(c.constants) {
				return errors.Errorf("exec: LOAD_CONSTANT index %d out of range at pc=%d", idx, pc)
			}
			if c.capacity > 0 && len(c.registers)+1 > c.capacity {
				return &ResourceExhaustionError{Requested: len(c.registers) + 1, Capacity: c.capacity}
			}
			c.PushUninitializedValues(1)
			// Constants are append-only and never destructed through the
			// register stack; loading one duplicates its bits (and, for a
			// handle constant, the handle value itself) without
			// transferring ownership of anything heap-backed.
			*c.Top(0) = c.constants[idx]

		case bytecode.CopyRegister:
			dst := c.frameRegister(in.Dest)
			src := c.frameRegister(in.Src)
			if dst.HasDestructor() || dst.HasAllocatedStorage() || src.HasAllocatedStorage() {
				return errors.Errorf("exec: COPY_REGISTER at pc=%d requires trivial, inline storage", pc)
			}
			if err := storage.CopyTrivially(dst, src); err != nil {
				return errors.Wrapf(err, "exec: COPY_REGISTER at pc=%d", pc)
			}

		case bytecode.SetConstantBaseOffset:
			c.currentFrame().constantBaseOffset = in.Offset

		case bytecode.PushExecutionState:
			c.frames = append(c.frames, frame{
				registerOffset:     len(c.registers),
				constantBaseOffset: c.currentFrame().constantBaseOffset,
			})

		case bytecode.OffsetAddress:
			reg := c.frameRegister(in.Register)
			props, ok := reg.Boxed().([]storage.Storage)
			if !ok {
				return errors.Errorf("exec: OFFSET_ADDRESS at pc=%d targets a non-composed register", pc)
			}
			if in.PropertyIndex < 0 || in.PropertyIndex >= len(props) {
				return errors.Errorf("exec: OFFSET_ADDRESS property index %d out of range at pc=%d", in.PropertyIndex, pc)
			}
			var addressed storage.Storage
			addressed.SetPointer(&props[in.PropertyIndex])
			*reg = addressed

		case bytecode.CallNativeFunction:
			top := c.Top(0)
			handle, ok := top.HandleHeld()
			if !ok {
				return errors.Errorf("exec: CALL_NATIVE_FUNCTION at pc=%d found no handle on top of stack", pc)
			}
			c.PopTrivialValues(1)
			if err := c.Call(handle); err != nil {
				return &CallError{PC: pc, Err: err}
			}

		case bytecode.SubtractNumbers:
			base := c.currentFrame().registerOffset
			c.registers[base+in.Dest].SetFloat64(c.registers[base+in.A].Float64() - c.registers[base+in.B].Float64())

		case bytecode.MultiplyNumbers:
			base := c.currentFrame().registerOffset
			c.registers[base+in.Dest].SetFloat64(c.registers[base+in.A].Float64() * c.registers[base+in.B].Float64())

		case bytecode.IsNumberGreater:
			base := c.currentFrame().registerOffset
			c.registers[base+in.Dest].SetBool(c.registers[base+in.A].Float64() > c.registers[base+in.B].Float64())

		case bytecode.Jump:
			next = pc + 1 + in.Offset

		case bytecode.JumpIfTrue:
			cond := c.Top(0).Bool()
			c.PopTrivialValues(1)
			if cond {
				next = pc + 1 + in.Offset
			}

		case bytecode.JumpIfFalse:
			cond := c.Top(0).Bool()
			c.PopTrivialValues(1)
			if !cond {
				next = pc + 1 + in.Offset
			}

		case bytecode.ConstructInlineValue:
			// An inline type's construct function needs no layout beyond
			// "fits in 8 bytes, starts zeroed" — PushUninitializedValues
			// already leaves the register zeroed, so this just marks it
			// constructed with no destructor.
			if err := c.Top(0).Construct(c, storage.Layout{AlignmentInBytes: 8, SizeInBytes: 8}); err != nil {
				return errors.Wrapf(err, "exec: CONSTRUCT_INLINE_VALUE at pc=%d", pc)
			}

		case bytecode.ConstructValue:
			layout := storage.Layout{AlignmentInBytes: in.Align, SizeInBytes: in.Size}
			if !layout.FitsInline() {
				slots := in.Size / 8
				if in.Size%8 != 0 {
					slots++
				}
				layout.Construct = func(ctx storage.Context, s *storage.Storage) error {
					s.SetBoxed(make([]storage.Storage, slots))
					return nil
				}
			}
			if err := c.Top(0).Construct(c, layout); err != nil {
				return errors.Wrapf(err, "exec: CONSTRUCT_VALUE at pc=%d", pc)
			}

		case bytecode.Return:
			if len(c.frames) <= 1 {
				return errors.Errorf("exec: RETURN at pc=%d with no active call frame", pc)
			}
			base := c.currentFrame().registerOffset
			outStart := len(c.registers) - in.OutputCount
			for idx := outStart - 1; idx >= base; idx-- {
				if err := c.registers[idx].Reset(c); err != nil {
					return errors.Wrapf(err, "exec: RETURN at pc=%d", pc)
				}
			}
			outputs := append([]storage.Storage(nil), c.registers[outStart:]...)
			c.registers = append(c.registers[:base], outputs...)
			c.frames = c.frames[:len(c.frames)-1]
			// The interpreted function pushed its own frame (via
			// PUSH_EXECUTION_STATE) after this Execute began, so popping
			// back to the entry depth means the function has returned.
			if len(c.frames) <= startDepth {
				return nil
			}

		default:
			return errors.Errorf("exec: unhandled instruction %T at pc=%d", instr, pc)
		}

		pc = next
	}
}

// frameRegister resolves a frame-relative register index against the
// active frame's base. Negative indices reach the caller-pushed
// arguments sitting below the frame.
func (c *Context) frameRegister(index int) *storage.Storage {
	base := c.currentFrame().registerOffset
	return &c.registers[base+index]
}

// RegisterCount reports how many registers are currently live, for
// tests and diagnostics.
func (c *Context) RegisterCount() int { return len(c.registers) }

// SetPools replaces the instruction/constant pools c interprets
// against. The owning vm.VM calls this after every InsertInstructions/
// InsertConstants so the main context's view stays current even though
// those pools grow by re-slicing rather than in place.
func (c *Context) SetPools(instructions []bytecode.Instruction, constants []storage.Storage) {
	c.instructions = instructions
	c.constants = constants
}
