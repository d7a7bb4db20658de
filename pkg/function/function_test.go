package function

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/kestrelengine/scriptvm/pkg/storage"
	"github.com/kestrelengine/scriptvm/pkg/types"
)

type fakeContext struct {
	regs []storage.Storage
}

func (c *fakeContext) Top(offset int) *storage.Storage {
	return &c.regs[len(c.regs)-1-offset]
}
func (c *fakeContext) PushUninitializedValues(n int) {
	c.regs = append(c.regs, make([]storage.Storage, n)...)
}
func (c *fakeContext) PopValues(n int) error {
	c.regs = c.regs[:len(c.regs)-n]
	return nil
}
func (c *fakeContext) PopTrivialValues(n int) {
	c.regs = c.regs[:len(c.regs)-n]
}
func (c *fakeContext) Call(h storage.Handle) error {
	return h.Invoke(c)
}

func TestWrapSubtract(t *testing.T) {
	subtract := func(a, b float64) float64 { return a - b }
	handle, paramCount, hasResult, err := Wrap(subtract)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if paramCount != 2 || !hasResult {
		t.Fatalf("paramCount=%d hasResult=%v, want 2 true", paramCount, hasResult)
	}

	ctx := &fakeContext{}
	ctx.PushUninitializedValues(2)
	ctx.Top(1).SetFloat64(10)
	ctx.Top(0).SetFloat64(4)

	if err := handle.Invoke(ctx); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(ctx.regs) != 1 {
		t.Fatalf("expected exactly one register left after call, got %d", len(ctx.regs))
	}
	if got := ctx.Top(0).Float64(); got != 6 {
		t.Fatalf("result = %v, want 6", got)
	}
}

func TestFunctionCallWrapsFailure(t *testing.T) {
	boom := errors.New("boom")
	f := &Function{
		Name:   "explode",
		Handle: storage.FromNative(func(ctx storage.Context) error { return boom }),
	}
	err := f.Call(&fakeContext{})
	var callErr *CallError
	if err == nil {
		t.Fatalf("expected an error")
	}
	if ce, ok := err.(*CallError); ok {
		callErr = ce
	}
	if callErr == nil || callErr.FunctionName != "explode" {
		t.Fatalf("Call error = %v, want *CallError naming \"explode\"", err)
	}
}

func TestIsCallableWith(t *testing.T) {
	f := &Function{Inputs: []Param{{Name: "a", Type: 1}, {Name: "b", Type: 2}}}
	if !f.IsCallableWith([]types.ID{1, 2}) {
		t.Fatalf("expected matching types to be callable")
	}
	if f.IsCallableWith([]types.ID{1}) {
		t.Fatalf("expected an arity mismatch to be rejected")
	}
	if f.IsCallableWith([]types.ID{2, 1}) {
		t.Fatalf("expected a type mismatch to be rejected")
	}
}
