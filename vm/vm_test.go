package vm

import (
	"bytes"
	"strings"
	"testing"
)

// buildProgram hand-assembles a top-level function and runs it, returning
// captured stdout.
func buildProgram(t *testing.T, build func(h *Heap, c *Chunk)) (string, error) {
	t.Helper()
	h := NewHeap(HeapOptions{})
	fn := h.Alloc(&ObjFunction{})
	build(h, &h.Function(fn).Chunk)

	var out bytes.Buffer
	machine := New(h, WithStdout(&out))
	defer machine.Close()
	err := machine.Interpret(fn)
	return out.String(), err
}

// emitConstant writes a CONSTANT instruction for v and returns its index.
func emitConstant(c *Chunk, v Value, line int) int {
	idx := c.AddConstant(v)
	c.WriteOp(OpConstant, line)
	c.WriteByte(byte(idx), line)
	return idx
}

// emitReturnNil closes a chunk with the implicit nil return.
func emitReturnNil(c *Chunk, line int) {
	emitConstant(c, Nil, line)
	c.WriteOp(OpReturn, line)
}

func TestPrintConstant(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, NumberValue(2.5), 1)
		c.WriteOp(OpPrint, 1)
		emitReturnNil(c, 1)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "2.5\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestArithmetic(t *testing.T) {
	// 1 + 2 * 3, operands pre-ordered for the stack machine.
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, NumberValue(1), 1)
		emitConstant(c, NumberValue(2), 1)
		emitConstant(c, NumberValue(3), 1)
		c.WriteOp(OpMultiply, 1)
		c.WriteOp(OpAdd, 1)
		c.WriteOp(OpPrint, 1)
		emitReturnNil(c, 1)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "7\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestDivisionByZeroYieldsInfinity(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, NumberValue(1), 1)
		emitConstant(c, NumberValue(0), 1)
		c.WriteOp(OpDivide, 1)
		c.WriteOp(OpPrint, 1)
		emitReturnNil(c, 1)
	})
	if err != nil {
		t.Fatalf("division by zero must not error: %v", err)
	}
	if !strings.Contains(out, "Inf") {
		t.Errorf("stdout %q, want an infinity", out)
	}
}

func TestStringConcatenationInterns(t *testing.T) {
	var heap *Heap
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		heap = h
		emitConstant(c, ObjectValue(h.Intern("he")), 1)
		emitConstant(c, ObjectValue(h.Intern("llo")), 1)
		c.WriteOp(OpAdd, 1)
		c.WriteOp(OpPrint, 1)
		emitReturnNil(c, 1)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "hello\n" {
		t.Errorf("stdout %q", out)
	}
	// The concatenation result must be the canonical "hello": interning the
	// same content again finds it instead of allocating a new string.
	before := heap.ObjectCount()
	if heap.String(heap.Intern("hello")).Value != "hello" {
		t.Error("concatenation result not interned")
	}
	if heap.ObjectCount() != before {
		t.Error("concatenation result not interned")
	}
}

func TestAddTypeMismatch(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, NumberValue(1), 3)
		emitConstant(c, ObjectValue(h.Intern("x")), 3)
		c.WriteOp(OpAdd, 3)
		emitReturnNil(c, 3)
	})
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("want RuntimeError, got %v", err)
	}
	if re.Message != "operands to `+` must be two numbers or two strings" {
		t.Errorf("message %q", re.Message)
	}
	if re.Line != 3 {
		t.Errorf("line %d, want 3", re.Line)
	}
}

func TestComparisonRequiresNumbers(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, True, 1)
		emitConstant(c, NumberValue(1), 1)
		c.WriteOp(OpGreater, 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "operands must be numbers" {
		t.Fatalf("want operands error, got %v", err)
	}
}

func TestNegateRequiresNumber(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, True, 1)
		c.WriteOp(OpNegate, 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "operand must be a number" {
		t.Fatalf("want operand error, got %v", err)
	}
}

func TestGlobals(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		name := c.AddConstant(ObjectValue(h.Intern("answer")))
		emitConstant(c, NumberValue(42), 1)
		c.WriteOp(OpDefineGlobal, 1)
		c.WriteByte(byte(name), 1)

		name2 := c.AddConstant(ObjectValue(h.Intern("answer")))
		c.WriteOp(OpGetGlobal, 2)
		c.WriteByte(byte(name2), 2)
		c.WriteOp(OpPrint, 2)
		emitReturnNil(c, 2)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "42\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestUndefinedGlobal(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		name := c.AddConstant(ObjectValue(h.Intern("missing")))
		c.WriteOp(OpGetGlobal, 5)
		c.WriteByte(byte(name), 5)
		emitReturnNil(c, 5)
	})
	re, ok := err.(*RuntimeError)
	if !ok {
		t.Fatalf("want RuntimeError, got %v", err)
	}
	if re.Message != "undefined variable 'missing'" {
		t.Errorf("message %q", re.Message)
	}
}

func TestJumpSkipsCode(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		// Jump over a print of "skipped".
		c.WriteOp(OpJump, 1)
		jump := c.WriteByte(0xFF, 1)
		c.WriteByte(0xFF, 1)

		emitConstant(c, ObjectValue(h.Intern("skipped")), 1)
		c.WriteOp(OpPrint, 1)

		offset := c.Size() - jump - 2
		c.PatchByte(jump, byte(offset>>8))
		c.PatchByte(jump+1, byte(offset))

		emitConstant(c, ObjectValue(h.Intern("ran")), 2)
		c.WriteOp(OpPrint, 2)
		emitReturnNil(c, 2)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "ran\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestJumpIfFalseDoesNotPop(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		// A falsy condition stays on the stack across the jump; the target
		// pops and prints it.
		emitConstant(c, False, 1)
		c.WriteOp(OpJumpIfFalse, 1)
		jump := c.WriteByte(0xFF, 1)
		c.WriteByte(0xFF, 1)

		offset := c.Size() - jump - 2
		c.PatchByte(jump, byte(offset>>8))
		c.PatchByte(jump+1, byte(offset))

		c.WriteOp(OpPrint, 1)
		emitReturnNil(c, 1)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "false\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestCallClosureAndReturn(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		inner := h.Alloc(&ObjFunction{Name: "answer"})
		innerChunk := &h.Function(inner).Chunk
		emitConstant(innerChunk, NumberValue(42), 1)
		innerChunk.WriteOp(OpReturn, 1)

		idx := c.AddConstant(ObjectValue(inner))
		c.WriteOp(OpClosure, 2)
		c.WriteByte(byte(idx), 2)
		c.WriteOp(OpCall, 2)
		c.WriteByte(0, 2)
		c.WriteOp(OpPrint, 2)
		emitReturnNil(c, 2)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "42\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestCallArityMismatch(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		inner := h.Alloc(&ObjFunction{Name: "f", Arity: 2})
		innerChunk := &h.Function(inner).Chunk
		emitConstant(innerChunk, Nil, 1)
		innerChunk.WriteOp(OpReturn, 1)

		idx := c.AddConstant(ObjectValue(inner))
		c.WriteOp(OpClosure, 1)
		c.WriteByte(byte(idx), 1)
		c.WriteOp(OpCall, 1)
		c.WriteByte(0, 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "expected 2 arguments but got 0" {
		t.Fatalf("want arity error, got %v", err)
	}
}

func TestCallNonCallable(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		emitConstant(c, NumberValue(7), 1)
		c.WriteOp(OpCall, 1)
		c.WriteByte(0, 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "can only call functions and classes" {
		t.Fatalf("want call error, got %v", err)
	}
}

func TestNativeBindingsInstalled(t *testing.T) {
	h := NewHeap(HeapOptions{})
	machine := New(h)
	defer machine.Close()

	for _, name := range []string{"clock", "sleep"} {
		v, ok := machine.Global(name)
		if !ok {
			t.Errorf("native %s not bound", name)
			continue
		}
		if h.Type(v.AsHandle()) != ObjTypeNative {
			t.Errorf("global %s is %s, want native", name, h.Type(v.AsHandle()))
		}
	}
}

func TestSleepRejectsNegative(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		name := c.AddConstant(ObjectValue(h.Intern("sleep")))
		c.WriteOp(OpGetGlobal, 1)
		c.WriteByte(byte(name), 1)
		emitConstant(c, NumberValue(-1), 1)
		c.WriteOp(OpCall, 1)
		c.WriteByte(1, 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "sleep: argument must be non-negative" {
		t.Fatalf("want sleep error, got %v", err)
	}
}

func TestClassInstantiationAndProperty(t *testing.T) {
	out, err := buildProgram(t, func(h *Heap, c *Chunk) {
		// class Box {}  var b = Box();  b.x = 9;  print b.x;
		nameIdx := c.AddConstant(ObjectValue(h.Intern("Box")))
		c.WriteOp(OpClass, 1)
		c.WriteByte(byte(nameIdx), 1)

		boxName := c.AddConstant(ObjectValue(h.Intern("Box")))
		c.WriteOp(OpDefineGlobal, 1)
		c.WriteByte(byte(boxName), 1)

		bName := c.AddConstant(ObjectValue(h.Intern("b")))
		c.WriteOp(OpGetGlobal, 2)
		c.WriteByte(byte(boxName), 2)
		c.WriteOp(OpCall, 2)
		c.WriteByte(0, 2)
		c.WriteOp(OpDefineGlobal, 2)
		c.WriteByte(byte(bName), 2)

		xName := c.AddConstant(ObjectValue(h.Intern("x")))
		c.WriteOp(OpGetGlobal, 3)
		c.WriteByte(byte(bName), 3)
		emitConstant(c, NumberValue(9), 3)
		c.WriteOp(OpSetProperty, 3)
		c.WriteByte(byte(xName), 3)
		c.WriteOp(OpPop, 3)

		c.WriteOp(OpGetGlobal, 4)
		c.WriteByte(byte(bName), 4)
		c.WriteOp(OpGetProperty, 4)
		c.WriteByte(byte(xName), 4)
		c.WriteOp(OpPrint, 4)
		emitReturnNil(c, 4)
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if out != "9\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestGetPropertyOnNonInstance(t *testing.T) {
	_, err := buildProgram(t, func(h *Heap, c *Chunk) {
		name := c.AddConstant(ObjectValue(h.Intern("x")))
		emitConstant(c, NumberValue(1), 1)
		c.WriteOp(OpGetProperty, 1)
		c.WriteByte(byte(name), 1)
		emitReturnNil(c, 1)
	})
	re, ok := err.(*RuntimeError)
	if !ok || re.Message != "only instances have properties" {
		t.Fatalf("want property error, got %v", err)
	}
}

func TestRuntimeErrorDiscardsStacks(t *testing.T) {
	h := NewHeap(HeapOptions{})
	machine := New(h)
	defer machine.Close()

	fn := h.Alloc(&ObjFunction{})
	c := &h.Function(fn).Chunk
	emitConstant(c, True, 1)
	c.WriteOp(OpNegate, 1)
	emitReturnNil(c, 1)

	if err := machine.Interpret(fn); err == nil {
		t.Fatal("expected a runtime error")
	}
	if len(machine.stack) != 0 || len(machine.frames) != 0 {
		t.Error("stacks not discarded after runtime error")
	}
}
