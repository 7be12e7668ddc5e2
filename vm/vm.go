package vm

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/tliron/commonlog"
)

var vmLog = commonlog.GetLogger("lume.vm")

const (
	// MaxFrames bounds the call-frame stack.
	MaxFrames = 64
	// MaxStackSize bounds the value stack.
	MaxStackSize = MaxFrames * 256
)

// CallFrame is the execution record for one in-flight call. stackStart is
// the value-stack index of the callee's slot 0; all local slot operands are
// relative to it.
type CallFrame struct {
	closure    Handle
	ip         int
	stackStart int
}

// TraceFrame is one line of a runtime error's call-stack trace.
type TraceFrame struct {
	Line     int
	Function string
}

// RuntimeError is a fatal error raised during execution. The VM's state is
// not recoverable afterwards; the value and frame stacks are discarded.
type RuntimeError struct {
	Line    int
	Message string
	Trace   []TraceFrame
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// Render returns the error with its call-stack trace, innermost frame first.
func (e *RuntimeError) Render() string {
	var sb strings.Builder
	sb.WriteString(e.Error())
	for _, f := range e.Trace {
		fmt.Fprintf(&sb, "\n  [line %d] in %s", f.Line, f.Function)
	}
	return sb.String()
}

// VM executes compiled functions against a heap. It owns the value stack,
// the call-frame stack, the globals table, and the open-upvalue list, and it
// registers all of them as GC roots for the heap's collector.
type VM struct {
	heap *Heap

	stack  []Value
	frames []CallFrame

	// globals is keyed by interned-string handle: name identity is handle
	// identity.
	globals map[Handle]Value

	// openUpvalues holds every upvalue still pointing into the stack, with
	// no duplicates by target slot. Linear search is fine at the expected
	// cardinalities.
	openUpvalues []Handle

	// initName is the interned "init" used for constructor lookup.
	initName Handle

	stdout io.Writer
	trace  bool

	unregisterRoots func()
}

// Option configures a VM.
type Option func(*VM)

// WithStdout redirects the print statement's output.
func WithStdout(w io.Writer) Option {
	return func(vm *VM) { vm.stdout = w }
}

// WithTrace enables per-instruction tracing to stderr.
func WithTrace(enabled bool) Option {
	return func(vm *VM) { vm.trace = enabled }
}

// New creates a VM bound to a heap, registers its roots with the collector,
// and installs the native bindings.
func New(heap *Heap, opts ...Option) *VM {
	vm := &VM{
		heap:    heap,
		stack:   make([]Value, 0, MaxStackSize),
		frames:  make([]CallFrame, 0, MaxFrames),
		globals: make(map[Handle]Value),
		stdout:  os.Stdout,
	}
	for _, opt := range opts {
		opt(vm)
	}

	vm.unregisterRoots = heap.AddRootMarker(vm.markRoots)
	vm.initName = heap.Intern("init")
	vm.defineNatives()
	return vm
}

// Close unregisters the VM's roots from the heap. After Close the VM must
// not be used.
func (vm *VM) Close() {
	if vm.unregisterRoots != nil {
		vm.unregisterRoots()
		vm.unregisterRoots = nil
	}
}

// Heap returns the heap this VM allocates through.
func (vm *VM) Heap() *Heap { return vm.heap }

// Global looks up a global by name. Used by tests.
func (vm *VM) Global(name string) (Value, bool) {
	v, ok := vm.globals[vm.heap.Intern(name)]
	return v, ok
}

// OpenUpvalueCount returns the number of upvalues still pointing into the
// stack.
func (vm *VM) OpenUpvalueCount() int { return len(vm.openUpvalues) }

// markRoots marks everything reachable from the VM: the value stack, the
// globals table (keys and values), every frame's closure, the open-upvalue
// list, and the interned "init" name.
func (vm *VM) markRoots(h *Heap) {
	for _, v := range vm.stack {
		h.MarkValue(v)
	}
	for name, v := range vm.globals {
		h.MarkObject(name)
		h.MarkValue(v)
	}
	for i := range vm.frames {
		h.MarkObject(vm.frames[i].closure)
	}
	for _, uv := range vm.openUpvalues {
		h.MarkObject(uv)
	}
	h.MarkObject(vm.initName)
}

// Interpret runs a compiled top-level function to completion. On a runtime
// error the returned error is a *RuntimeError and the VM's stacks have been
// discarded; globals survive, so a REPL can keep going.
func (vm *VM) Interpret(fn Handle) error {
	// The function must be rooted across the closure allocation.
	vm.push(ObjectValue(fn))
	closure := vm.heap.Alloc(&ObjClosure{Function: fn})
	vm.stack[len(vm.stack)-1] = ObjectValue(closure)

	vm.frames = append(vm.frames, CallFrame{closure: closure, stackStart: 0})

	err := vm.run()
	if err != nil {
		vmLog.Debugf("runtime error: %s", err.Error())
		vm.stack = vm.stack[:0]
		vm.frames = vm.frames[:0]
		vm.openUpvalues = vm.openUpvalues[:0]
	}
	return err
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (vm *VM) push(v Value) {
	if len(vm.stack) >= MaxStackSize {
		panic(vm.newError("stack overflow"))
	}
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Value {
	if len(vm.stack) == 0 {
		panic(vm.newError("stack underflow"))
	}
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[len(vm.stack)-1-distance]
}

// StackDump writes the current value stack to w, bottom first.
func (vm *VM) StackDump(w io.Writer) {
	if len(vm.stack) == 0 {
		fmt.Fprint(w, "          <empty stack>\n")
		return
	}
	fmt.Fprint(w, "          ")
	for _, v := range vm.stack {
		fmt.Fprintf(w, "[%s]", vm.heap.DebugValue(v))
	}
	fmt.Fprint(w, "\n")
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

// newError builds a RuntimeError at the current instruction with the full
// call-stack trace, innermost frame first.
func (vm *VM) newError(format string, args ...any) *RuntimeError {
	e := &RuntimeError{Message: fmt.Sprintf(format, args...)}
	for i := len(vm.frames) - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		fn := vm.heap.Function(vm.heap.Closure(frame.closure).Function)
		ip := frame.ip - 1
		if ip < 0 {
			ip = 0
		}
		line := fn.Chunk.LineAt(ip)
		name := fn.Name
		if name == "" {
			name = "script"
		}
		e.Trace = append(e.Trace, TraceFrame{Line: line, Function: name})
	}
	if len(e.Trace) > 0 {
		e.Line = e.Trace[0].Line
	}
	return e
}

// ---------------------------------------------------------------------------
// Frame helpers
// ---------------------------------------------------------------------------

func (vm *VM) frame() *CallFrame {
	return &vm.frames[len(vm.frames)-1]
}

func (vm *VM) chunk() *Chunk {
	frame := vm.frame()
	return &vm.heap.Function(vm.heap.Closure(frame.closure).Function).Chunk
}

func (vm *VM) readByte() byte {
	frame := vm.frame()
	b := vm.chunk().Code[frame.ip]
	frame.ip++
	return b
}

func (vm *VM) readShort() int16 {
	hi := vm.readByte()
	lo := vm.readByte()
	return int16(uint16(hi)<<8 | uint16(lo))
}

func (vm *VM) readConstant() Value {
	return vm.chunk().ConstantAt(int(vm.readByte()))
}

// readName reads a constant operand that is known to be an interned string
// and returns its handle.
func (vm *VM) readName() Handle {
	return vm.readConstant().AsHandle()
}

// ---------------------------------------------------------------------------
// Execution
// ---------------------------------------------------------------------------

func (vm *VM) run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if re, ok := r.(*RuntimeError); ok {
				err = re
				return
			}
			panic(r)
		}
	}()

	for {
		if vm.trace {
			vm.StackDump(os.Stderr)
			frame := vm.frame()
			text, _ := vm.heap.DisassembleInstruction(vm.chunk(), frame.ip)
			fmt.Fprintf(os.Stderr, "%04X  %s\n", frame.ip, text)
		}

		op := Opcode(vm.readByte())
		switch op {
		case OpConstant:
			vm.push(vm.readConstant())

		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := int(vm.readByte())
			vm.push(vm.stack[vm.frame().stackStart+slot])

		case OpSetLocal:
			// Assignment is an expression: the value stays on the stack.
			slot := int(vm.readByte())
			vm.stack[vm.frame().stackStart+slot] = vm.peek(0)

		case OpGetUpvalue:
			slot := int(vm.readByte())
			uv := vm.heap.Upvalue(vm.heap.Closure(vm.frame().closure).Upvalues[slot])
			if uv.Open() {
				vm.push(vm.stack[uv.Location])
			} else {
				vm.push(uv.Closed)
			}

		case OpSetUpvalue:
			slot := int(vm.readByte())
			uv := vm.heap.Upvalue(vm.heap.Closure(vm.frame().closure).Upvalues[slot])
			if uv.Open() {
				vm.stack[uv.Location] = vm.peek(0)
			} else {
				uv.Closed = vm.peek(0)
			}

		case OpCloseUpvalue:
			vm.closeUpvalues(len(vm.stack) - 1)
			vm.pop()

		case OpDefineGlobal:
			name := vm.readName()
			vm.globals[name] = vm.peek(0)
			vm.pop()

		case OpGetGlobal:
			name := vm.readName()
			v, ok := vm.globals[name]
			if !ok {
				return vm.newError("undefined variable '%s'", vm.heap.String(name).Value)
			}
			vm.push(v)

		case OpSetGlobal:
			name := vm.readName()
			if _, ok := vm.globals[name]; !ok {
				return vm.newError("undefined variable '%s'", vm.heap.String(name).Value)
			}
			vm.globals[name] = vm.peek(0)

		case OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(BoolValue(Equal(a, b)))

		case OpGreater:
			a, b, err := vm.numberOperands()
			if err != nil {
				return err
			}
			vm.push(BoolValue(a > b))

		case OpLess:
			a, b, err := vm.numberOperands()
			if err != nil {
				return err
			}
			vm.push(BoolValue(a < b))

		case OpAdd:
			if err := vm.add(); err != nil {
				return err
			}

		case OpSubtract:
			a, b, err := vm.numberOperands()
			if err != nil {
				return err
			}
			vm.push(NumberValue(a - b))

		case OpMultiply:
			a, b, err := vm.numberOperands()
			if err != nil {
				return err
			}
			vm.push(NumberValue(a * b))

		case OpDivide:
			// IEEE semantics: division by zero yields an infinity, not an
			// error.
			a, b, err := vm.numberOperands()
			if err != nil {
				return err
			}
			vm.push(NumberValue(a / b))

		case OpNot:
			vm.push(BoolValue(!vm.pop().IsTruthy()))

		case OpNegate:
			if !vm.peek(0).IsNumber() {
				return vm.newError("operand must be a number")
			}
			vm.push(NumberValue(-vm.pop().AsNumber()))

		case OpPrint:
			fmt.Fprintln(vm.stdout, vm.heap.FormatValue(vm.pop()))

		case OpJump:
			offset := vm.readShort()
			vm.frame().ip += int(offset)

		case OpJumpIfFalse:
			offset := vm.readShort()
			if !vm.peek(0).IsTruthy() {
				vm.frame().ip += int(offset)
			}

		case OpCall:
			nargs := int(vm.readByte())
			if err := vm.callValue(vm.peek(nargs), nargs); err != nil {
				return err
			}

		case OpClosure:
			if err := vm.makeClosure(); err != nil {
				return err
			}

		case OpReturn:
			result := vm.pop()
			frame := vm.frame()
			vm.closeUpvalues(frame.stackStart)
			vm.stack = vm.stack[:frame.stackStart]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if len(vm.frames) == 0 {
				return nil
			}
			vm.push(result)

		case OpClass:
			name := vm.readName()
			class := vm.heap.Alloc(&ObjClass{Name: name, Methods: make(map[Handle]Handle)})
			vm.push(ObjectValue(class))

		case OpDefineMethod:
			// The closure sits on top of the class that is collecting
			// methods. The method name comes from the compiled function.
			method := vm.peek(0).AsHandle()
			class := vm.heap.Class(vm.peek(1).AsHandle())
			fn := vm.heap.Function(vm.heap.Closure(method).Function)
			name := vm.heap.Intern(fn.Name)
			class.Methods[name] = method
			vm.pop()

		case OpGetProperty:
			name := vm.readName()
			if err := vm.getProperty(name); err != nil {
				return err
			}

		case OpSetProperty:
			name := vm.readName()
			if !vm.peek(1).IsObject() || vm.heap.Type(vm.peek(1).AsHandle()) != ObjTypeInstance {
				return vm.newError("only instances have fields")
			}
			instance := vm.heap.Instance(vm.peek(1).AsHandle())
			instance.Fields[name] = vm.peek(0)
			value := vm.pop()
			vm.pop()
			vm.push(value)

		default:
			panic(fmt.Sprintf("lume: unknown opcode 0x%02X", byte(op)))
		}
	}
}

// numberOperands checks that the top two stack values are numbers before any
// side effect, then pops them.
func (vm *VM) numberOperands() (float64, float64, error) {
	if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
		return 0, 0, vm.newError("operands must be numbers")
	}
	b := vm.pop().AsNumber()
	a := vm.pop().AsNumber()
	return a, b, nil
}

func (vm *VM) add() error {
	a, b := vm.peek(1), vm.peek(0)
	switch {
	case a.IsNumber() && b.IsNumber():
		vm.pop()
		vm.pop()
		vm.push(NumberValue(a.AsNumber() + b.AsNumber()))
		return nil
	case vm.isString(a) && vm.isString(b):
		// Interning may collect, so keep the operands on the stack until
		// the result exists. The concatenated Go string owns its bytes
		// either way.
		content := vm.heap.String(a.AsHandle()).Value + vm.heap.String(b.AsHandle()).Value
		result := vm.heap.Intern(content)
		vm.pop()
		vm.pop()
		vm.push(ObjectValue(result))
		return nil
	default:
		return vm.newError("operands to `+` must be two numbers or two strings")
	}
}

func (vm *VM) isString(v Value) bool {
	return v.IsObject() && vm.heap.Type(v.AsHandle()) == ObjTypeString
}

// ---------------------------------------------------------------------------
// Calls
// ---------------------------------------------------------------------------

func (vm *VM) callValue(callee Value, nargs int) error {
	if !callee.IsObject() {
		return vm.newError("can only call functions and classes")
	}
	handle := callee.AsHandle()

	switch obj := vm.heap.Get(handle).(type) {
	case *ObjClosure:
		return vm.callClosure(handle, nargs)

	case *ObjNative:
		if nargs != obj.Arity {
			return vm.newError("expected %d arguments but got %d", obj.Arity, nargs)
		}
		args := vm.stack[len(vm.stack)-nargs:]
		result, err := obj.Fn(args)
		if err != nil {
			return vm.newError("%s", err.Error())
		}
		vm.stack = vm.stack[:len(vm.stack)-nargs-1]
		vm.push(result)
		return nil

	case *ObjClass:
		// The callee slot becomes slot 0 of the constructor frame, so the
		// fresh instance takes its place. The class value is still
		// reachable through the instance, so the swap is GC-safe.
		instance := vm.heap.Alloc(&ObjInstance{Class: handle, Fields: make(map[Handle]Value)})
		vm.stack[len(vm.stack)-nargs-1] = ObjectValue(instance)
		if init, ok := obj.Methods[vm.initName]; ok {
			return vm.callClosure(init, nargs)
		}
		if nargs != 0 {
			return vm.newError("expected 0 arguments but got %d", nargs)
		}
		return nil

	case *ObjBoundMethod:
		vm.stack[len(vm.stack)-nargs-1] = ObjectValue(obj.Receiver)
		return vm.callClosure(obj.Method, nargs)

	default:
		return vm.newError("can only call functions and classes")
	}
}

func (vm *VM) callClosure(closure Handle, nargs int) error {
	fn := vm.heap.Function(vm.heap.Closure(closure).Function)
	if nargs != fn.Arity {
		return vm.newError("expected %d arguments but got %d", fn.Arity, nargs)
	}
	if len(vm.frames) >= MaxFrames {
		return vm.newError("stack overflow")
	}
	vm.frames = append(vm.frames, CallFrame{
		closure:    closure,
		stackStart: len(vm.stack) - nargs - 1,
	})
	return nil
}

// ---------------------------------------------------------------------------
// Closures and upvalues
// ---------------------------------------------------------------------------

func (vm *VM) makeClosure() error {
	fnHandle := vm.readConstant().AsHandle()
	fn := vm.heap.Function(fnHandle)

	closure := &ObjClosure{Function: fnHandle}
	handle := vm.heap.Alloc(closure)
	// Push before capturing: captures may allocate, and the closure must be
	// reachable when they do.
	vm.push(ObjectValue(handle))

	enclosing := vm.heap.Closure(vm.frame().closure)
	for range fn.Upvalues {
		isLocal := vm.readByte() != 0
		index := int(vm.readByte())
		if isLocal {
			closure.Upvalues = append(closure.Upvalues,
				vm.captureUpvalue(vm.frame().stackStart+index))
		} else {
			closure.Upvalues = append(closure.Upvalues, enclosing.Upvalues[index])
		}
	}

	if len(closure.Upvalues) != len(fn.Upvalues) {
		panic(fmt.Sprintf("lume: closure has %d upvalues, function declares %d",
			len(closure.Upvalues), len(fn.Upvalues)))
	}
	return nil
}

// captureUpvalue returns the open upvalue for a stack slot, creating it if
// no closure has captured that slot yet. The open list never holds two
// upvalues for the same slot.
func (vm *VM) captureUpvalue(slot int) Handle {
	for _, h := range vm.openUpvalues {
		if vm.heap.Upvalue(h).Location == slot {
			return h
		}
	}
	handle := vm.heap.Alloc(&ObjUpvalue{Location: slot, Closed: Nil})
	vm.openUpvalues = append(vm.openUpvalues, handle)
	return handle
}

// closeUpvalues closes every open upvalue pointing at stack slot `from` or
// above: the captured value moves off the stack into the upvalue itself.
func (vm *VM) closeUpvalues(from int) {
	remaining := vm.openUpvalues[:0]
	for _, h := range vm.openUpvalues {
		uv := vm.heap.Upvalue(h)
		if uv.Location >= from {
			uv.Closed = vm.stack[uv.Location]
			uv.Location = -1
		} else {
			remaining = append(remaining, h)
		}
	}
	vm.openUpvalues = remaining
}

// ---------------------------------------------------------------------------
// Properties
// ---------------------------------------------------------------------------

func (vm *VM) getProperty(name Handle) error {
	v := vm.peek(0)
	if !v.IsObject() || vm.heap.Type(v.AsHandle()) != ObjTypeInstance {
		return vm.newError("only instances have properties")
	}
	instance := vm.heap.Instance(v.AsHandle())

	// Fields shadow methods.
	if value, ok := instance.Fields[name]; ok {
		vm.pop()
		vm.push(value)
		return nil
	}

	class := vm.heap.Class(instance.Class)
	if method, ok := class.Methods[name]; ok {
		// The receiver stays on the stack until the bound method exists.
		bound := vm.heap.Alloc(&ObjBoundMethod{Receiver: v.AsHandle(), Method: method})
		vm.pop()
		vm.push(ObjectValue(bound))
		return nil
	}

	return vm.newError("undefined property '%s'", vm.heap.String(name).Value)
}
