package vm

import (
	"strings"
	"testing"
)

func TestDisassembleSimpleChunk(t *testing.T) {
	h := NewHeap(HeapOptions{})
	fn := h.Alloc(&ObjFunction{Name: "demo"})
	c := &h.Function(fn).Chunk
	emitConstant(c, NumberValue(1.5), 1)
	c.WriteOp(OpPrint, 1)
	emitReturnNil(c, 2)

	listing := h.DisassembleFunction(fn)
	for _, want := range []string{"== demo ==", "CONSTANT", "1.5", "PRINT", "RETURN"} {
		if !strings.Contains(listing, want) {
			t.Errorf("listing missing %q:\n%s", want, listing)
		}
	}
}

func TestDisassembleJumpShowsTarget(t *testing.T) {
	h := NewHeap(HeapOptions{})
	fn := h.Alloc(&ObjFunction{})
	c := &h.Function(fn).Chunk
	c.WriteOp(OpJump, 1)
	c.WriteByte(0x00, 1)
	c.WriteByte(0x02, 1) // jump over the next two bytes
	c.WriteOp(OpPop, 1)
	c.WriteOp(OpPop, 1)
	emitReturnNil(c, 1)

	text, length := h.DisassembleInstruction(c, 0)
	if length != 3 {
		t.Errorf("jump length %d", length)
	}
	if !strings.Contains(text, "0000 -> 0005") {
		t.Errorf("jump target not decoded: %q", text)
	}
}

func TestDisassembleClosureListsUpvalues(t *testing.T) {
	h := NewHeap(HeapOptions{})
	inner := h.Alloc(&ObjFunction{
		Name:     "inner",
		Upvalues: []UpvalueDesc{{Index: 1, IsLocal: true}, {Index: 0, IsLocal: false}},
	})
	fn := h.Alloc(&ObjFunction{})
	c := &h.Function(fn).Chunk
	idx := c.AddConstant(ObjectValue(inner))
	c.WriteOp(OpClosure, 1)
	c.WriteByte(byte(idx), 1)
	c.WriteByte(1, 1) // local
	c.WriteByte(1, 1)
	c.WriteByte(0, 1) // upvalue
	c.WriteByte(0, 1)

	text, length := h.DisassembleInstruction(c, 0)
	if length != 6 {
		t.Errorf("closure instruction length %d, want 6", length)
	}
	if !strings.Contains(text, "local 1") || !strings.Contains(text, "upvalue 0") {
		t.Errorf("upvalue operands not decoded: %q", text)
	}
}

func TestFormatValueRenderings(t *testing.T) {
	h := NewHeap(HeapOptions{})
	str := h.Intern("hi")
	fn := h.Alloc(&ObjFunction{Name: "f"})
	class := h.Alloc(&ObjClass{Name: h.Intern("C"), Methods: make(map[Handle]Handle)})
	instance := h.Alloc(&ObjInstance{Class: class, Fields: make(map[Handle]Value)})

	cases := []struct {
		v    Value
		want string
	}{
		{Nil, "nil"},
		{True, "true"},
		{NumberValue(7), "7"},
		{ObjectValue(str), "hi"},
		{ObjectValue(fn), "<fn f>"},
		{ObjectValue(class), "<class C>"},
		{ObjectValue(instance), "<instance of C>"},
	}
	for _, tc := range cases {
		if got := h.FormatValue(tc.v); got != tc.want {
			t.Errorf("FormatValue = %q, want %q", got, tc.want)
		}
	}

	// Debug rendering quotes strings.
	if got := h.DebugValue(ObjectValue(str)); got != "\"hi\"" {
		t.Errorf("DebugValue(string) = %q", got)
	}
}
