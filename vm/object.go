package vm

import "fmt"

// ObjType identifies the variant of a heap object.
type ObjType uint8

const (
	ObjTypeString ObjType = iota
	ObjTypeFunction
	ObjTypeUpvalue
	ObjTypeClosure
	ObjTypeNative
	ObjTypeClass
	ObjTypeInstance
	ObjTypeBoundMethod
)

// String returns a human-readable name for ObjType.
func (t ObjType) String() string {
	switch t {
	case ObjTypeString:
		return "string"
	case ObjTypeFunction:
		return "function"
	case ObjTypeUpvalue:
		return "upvalue"
	case ObjTypeClosure:
		return "closure"
	case ObjTypeNative:
		return "native"
	case ObjTypeClass:
		return "class"
	case ObjTypeInstance:
		return "instance"
	case ObjTypeBoundMethod:
		return "bound method"
	default:
		return fmt.Sprintf("ObjType(%d)", uint8(t))
	}
}

// FunctionKind classifies what kind of callable a Function was compiled as.
// The VM uses this only indirectly (initializers return their receiver); the
// compiler threads it through to pick the implicit return value.
type FunctionKind uint8

const (
	FuncToplevel FunctionKind = iota
	FuncFunction
	FuncMethod
	FuncInitializer
)

// UpvalueDesc describes one captured variable of a compiled function.
// IsLocal means the capture refers to a local slot of the immediately
// enclosing function; otherwise Index refers to the enclosing function's
// own upvalue list.
type UpvalueDesc struct {
	Index   int
	IsLocal bool
}

// ---------------------------------------------------------------------------
// Heap object variants. References between objects are Handles into the
// heap's arena, never Go pointers, so the collector can treat the object
// graph uniformly.
// ---------------------------------------------------------------------------

// ObjString is an immutable, interned byte string.
type ObjString struct {
	Value string
}

// ObjFunction is a compiled function: its bytecode chunk, arity, and the
// descriptors for the variables it captures. Immutable once compilation of
// the function finishes.
type ObjFunction struct {
	Name     string
	Arity    int
	Kind     FunctionKind
	Upvalues []UpvalueDesc
	Chunk    Chunk
}

// ObjUpvalue is the indirection cell that lets closures read and write a
// captured variable. While open, Location indexes the VM value stack and
// Closed is unused. Once closed, Location is -1 and Closed holds the value.
type ObjUpvalue struct {
	Location int
	Closed   Value
}

// Open reports whether the upvalue still points into the value stack.
func (u *ObjUpvalue) Open() bool {
	return u.Location >= 0
}

// ObjClosure pairs a function with the upvalues it captured. Created each
// time the enclosing CLOSURE instruction executes.
type ObjClosure struct {
	Function Handle
	Upvalues []Handle
}

// NativeFn is the host callback backing a native function. It receives the
// argument values and returns a result or an error message that becomes a
// runtime error.
type NativeFn func(args []Value) (Value, error)

// ObjNative binds a host function into the globals table at VM init.
type ObjNative struct {
	Name  string
	Arity int
	Fn    NativeFn
}

// ObjClass is a runtime class: a name and a method table. Method keys are
// handles of interned strings, so lookup is identity-based.
type ObjClass struct {
	Name    Handle
	Methods map[Handle]Handle
}

// ObjInstance is an instance of a class with its own field table. Field keys
// are handles of interned strings.
type ObjInstance struct {
	Class  Handle
	Fields map[Handle]Value
}

// ObjBoundMethod is a method closure bound to a receiver, produced by
// property access on an instance.
type ObjBoundMethod struct {
	Receiver Handle
	Method   Handle
}

// objPayload is the closed set of heap object variants. Implementations are
// pointers so that payloads can be mutated in place through the arena.
type objPayload interface {
	objType() ObjType
	// heapSize estimates the object's contribution to bytesAllocated. The
	// collector only needs a monotonic approximation, not exact byte counts.
	heapSize() int
}

func (*ObjString) objType() ObjType      { return ObjTypeString }
func (*ObjFunction) objType() ObjType    { return ObjTypeFunction }
func (*ObjUpvalue) objType() ObjType     { return ObjTypeUpvalue }
func (*ObjClosure) objType() ObjType     { return ObjTypeClosure }
func (*ObjNative) objType() ObjType      { return ObjTypeNative }
func (*ObjClass) objType() ObjType       { return ObjTypeClass }
func (*ObjInstance) objType() ObjType    { return ObjTypeInstance }
func (*ObjBoundMethod) objType() ObjType { return ObjTypeBoundMethod }

func (s *ObjString) heapSize() int { return 32 + len(s.Value) }
func (f *ObjFunction) heapSize() int {
	return 64 + len(f.Chunk.Code) + 8*len(f.Chunk.Constants) + 4*len(f.Upvalues)
}
func (*ObjUpvalue) heapSize() int     { return 24 }
func (c *ObjClosure) heapSize() int   { return 24 + 8*len(c.Upvalues) }
func (*ObjNative) heapSize() int      { return 48 }
func (c *ObjClass) heapSize() int     { return 32 + 16*len(c.Methods) }
func (i *ObjInstance) heapSize() int  { return 32 + 16*len(i.Fields) }
func (*ObjBoundMethod) heapSize() int { return 16 }
