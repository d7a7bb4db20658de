package bytecode

import "testing"

func TestOpcodeRoundTrip(t *testing.T) {
	cases := []struct {
		instr Instruction
		want  Opcode
	}{
		{Halt{}, OpHalt},
		{Push{Count: 2}, OpPush},
		{Pop{Count: 1}, OpPop},
		{PopTrivial{Count: 1}, OpPopTrivial},
		{OffsetAddress{Register: 0, PropertyIndex: 1}, OpOffsetAddress},
		{CallNativeFunction{InputCount: 2}, OpCallNativeFunction},
		{SubtractNumbers{Dest: 0, A: 1, B: 2}, OpSubtractNumbers},
		{MultiplyNumbers{Dest: 0, A: 1, B: 2}, OpMultiplyNumbers},
		{IsNumberGreater{Dest: 0, A: 1, B: 2}, OpIsNumberGreater},
		{Jump{Offset: 4}, OpJump},
		{JumpIfTrue{Offset: -2}, OpJumpIfTrue},
		{JumpIfFalse{Offset: -2}, OpJumpIfFalse},
		{ConstructInlineValue{}, OpConstructInlineValue},
		{ConstructValue{Align: 8, Size: 16}, OpConstructValue},
		{PushExecutionState{}, OpPushExecutionState},
		{SetConstantBaseOffset{Offset: 3}, OpSetConstantBaseOffset},
		{Return{OutputCount: 1}, OpReturn},
		{LoadConstant{Index: 0}, OpLoadConstant},
	}
	for _, c := range cases {
		if got := c.instr.Opcode(); got != c.want {
			t.Errorf("%#v.Opcode() = %v, want %v", c.instr, got, c.want)
		}
	}
}

func TestOpcodeString(t *testing.T) {
	if OpHalt.String() != "HALT" {
		t.Errorf("OpHalt.String() = %q, want HALT", OpHalt.String())
	}
	if OpLoadConstant.String() != "LOAD_CONSTANT" {
		t.Errorf("OpLoadConstant.String() = %q, want LOAD_CONSTANT", OpLoadConstant.String())
	}
	if got := Opcode(999).String(); got != "UNKNOWN" {
		t.Errorf("out-of-range Opcode.String() = %q, want UNKNOWN", got)
	}
}
