package vm

import (
	"fmt"
	"strings"
)

// FormatValue renders a value the way the print statement does: strings raw,
// numbers in shortest round-trip form, callables and classes in angle
// brackets.
func (h *Heap) FormatValue(v Value) string {
	switch {
	case v.IsNil():
		return "nil"
	case v.IsBool():
		if v.AsBool() {
			return "true"
		}
		return "false"
	case v.IsNumber():
		return FormatNumber(v.AsNumber())
	default:
		return h.formatObject(v.AsHandle(), false)
	}
}

// DebugValue renders a value for disassembly and traces: like FormatValue,
// but strings are quoted.
func (h *Heap) DebugValue(v Value) string {
	if v.IsObject() {
		return h.formatObject(v.AsHandle(), true)
	}
	return h.FormatValue(v)
}

func (h *Heap) formatObject(handle Handle, quoted bool) string {
	switch obj := h.Get(handle).(type) {
	case *ObjString:
		if quoted {
			return "\"" + obj.Value + "\""
		}
		return obj.Value
	case *ObjFunction:
		if obj.Name == "" {
			return "<script>"
		}
		return "<fn " + obj.Name + ">"
	case *ObjClosure:
		fn := h.Function(obj.Function)
		if fn.Name == "" {
			return "<script>"
		}
		return "<fn " + fn.Name + ">"
	case *ObjUpvalue:
		return "<upvalue>"
	case *ObjNative:
		return "<native fn " + obj.Name + ">"
	case *ObjClass:
		return "<class " + h.String(obj.Name).Value + ">"
	case *ObjInstance:
		class := h.Class(obj.Class)
		return "<instance of " + h.String(class.Name).Value + ">"
	case *ObjBoundMethod:
		method := h.Closure(obj.Method)
		return "<fn " + h.Function(method.Function).Name + ">"
	default:
		return fmt.Sprintf("<object %d>", handle)
	}
}

// DisassembleFunction returns a human-readable bytecode listing for a
// function and, recursively, every function in its constant pool.
func (h *Heap) DisassembleFunction(fn Handle) string {
	var sb strings.Builder
	h.disassembleFunction(&sb, fn)
	return sb.String()
}

func (h *Heap) disassembleFunction(sb *strings.Builder, fn Handle) {
	f := h.Function(fn)
	name := f.Name
	if name == "" {
		name = "<script>"
	}
	fmt.Fprintf(sb, "== %s ==\n", name)
	h.disassembleChunk(sb, &f.Chunk)

	// Nested functions live in the constant pool; list them after the parent.
	for _, c := range f.Chunk.Constants {
		if c.IsObject() && h.Type(c.AsHandle()) == ObjTypeFunction {
			sb.WriteString("\n")
			h.disassembleFunction(sb, c.AsHandle())
		}
	}
}

func (h *Heap) disassembleChunk(sb *strings.Builder, c *Chunk) {
	offset := 0
	lastLine := -1
	for offset < len(c.Code) {
		line := c.LineAt(offset)
		if line != lastLine {
			fmt.Fprintf(sb, "%4d ", line)
			lastLine = line
		} else {
			sb.WriteString("   | ")
		}
		text, length := h.DisassembleInstruction(c, offset)
		fmt.Fprintf(sb, "%04X  %s\n", offset, text)
		offset += length
	}
}

// DisassembleInstruction decodes a single instruction at the given offset.
// Returns the formatted text and the instruction length in bytes.
func (h *Heap) DisassembleInstruction(c *Chunk, offset int) (string, int) {
	op := Opcode(c.Code[offset])
	info := GetOpcodeInfo(op)

	switch op {
	case OpConstant, OpDefineGlobal, OpGetGlobal, OpSetGlobal,
		OpGetProperty, OpSetProperty, OpClass:
		idx := int(c.Code[offset+1])
		return fmt.Sprintf("%-16s %3d  %s", info.Name, idx, h.DebugValue(c.ConstantAt(idx))), 2

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		operand := int(c.Code[offset+1])
		return fmt.Sprintf("%-16s %3d", info.Name, operand), 2

	case OpJump, OpJumpIfFalse:
		jump := int16(uint16(c.Code[offset+1])<<8 | uint16(c.Code[offset+2]))
		target := offset + 3 + int(jump)
		return fmt.Sprintf("%-16s %04X -> %04X", info.Name, offset, target), 3

	case OpClosure:
		idx := int(c.Code[offset+1])
		fn := h.Function(c.ConstantAt(idx).AsHandle())
		text := fmt.Sprintf("%-16s %3d  %s", info.Name, idx, h.DebugValue(c.ConstantAt(idx)))
		length := 2
		for i := 0; i < len(fn.Upvalues); i++ {
			isLocal := c.Code[offset+length] != 0
			index := int(c.Code[offset+length+1])
			kind := "upvalue"
			if isLocal {
				kind = "local"
			}
			text += fmt.Sprintf("\n   |           |  %s %d", kind, index)
			length += 2
		}
		return text, length

	default:
		return info.Name, 1 + info.OperandLen
	}
}
