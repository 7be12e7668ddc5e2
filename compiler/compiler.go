// Package compiler turns source text into compiled functions in a single
// pass: tokens are parsed and bytecode is emitted as the parse goes, with no
// intermediate tree. Scopes and closures are resolved by the per-function
// compiler frames; everything the compiler allocates goes through the heap
// so collection stays sound while compilation is in flight.
package compiler

import (
	"fmt"
	"strconv"

	"github.com/tliron/commonlog"

	"github.com/chazu/lume/vm"
)

var log = commonlog.GetLogger("lume.compiler")

// maxLocals bounds the locals of one function; local slots are one byte.
const maxLocals = 256

// maxArity bounds parameter and argument counts.
const maxArity = 255

// Error is a compile error with its source line. Compilation records the
// first error and stops; the Error method renders the report format the CLI
// prints to stderr.
type Error struct {
	Line    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("[line %d] Error: %s", e.Line, e.Message)
}

// precedence orders the Pratt parser's binding levels, lowest to highest.
type precedence int

const (
	precNone precedence = iota
	precAssignment
	precOr
	precAnd
	precEquality
	precComparison
	precTerm
	precFactor
	precUnary
	precCall
	precPrimary
)

func nextPrecedence(p precedence) precedence {
	if p == precPrimary {
		panic("unreachable: PRIMARY has the highest precedence")
	}
	return p + 1
}

type parseFn func(p *Parser, canAssign bool)

type rule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// local is one entry of a compiler frame's locals table.
type local struct {
	name       string
	depth      int
	isCaptured bool
}

// compilerFrame tracks the state of one function being compiled: its locals,
// the scope depth, and a link to the enclosing frame for upvalue resolution.
// Slot 0 is reserved; in methods it holds `this`.
type compilerFrame struct {
	enclosing *compilerFrame
	function  vm.Handle
	kind      vm.FunctionKind
	locals    []local
	depth     int
}

func newFrame(enclosing *compilerFrame, function vm.Handle, kind vm.FunctionKind) *compilerFrame {
	slot0 := ""
	if kind == vm.FuncMethod || kind == vm.FuncInitializer {
		slot0 = "this"
	}
	return &compilerFrame{
		enclosing: enclosing,
		function:  function,
		kind:      kind,
		locals:    []local{{name: slot0, depth: 0}},
	}
}

// classContext tracks that parsing is inside a class body, which is what
// makes `this` legal.
type classContext struct {
	enclosing *classContext
}

// Parser drives the scanner and emits bytecode into the current compiler
// frame's function.
type Parser struct {
	scanner  *Scanner
	heap     *vm.Heap
	current  Token
	previous Token

	// err holds the first compile error; once set, parsing stops.
	err *Error

	compiler     *compilerFrame
	currentClass *classContext
}

// Compile compiles source to a top-level function in one pass. On failure it
// returns the first compile error.
func Compile(source string, heap *vm.Heap) (vm.Handle, error) {
	script := heap.Alloc(&vm.ObjFunction{Kind: vm.FuncToplevel})
	p := &Parser{
		scanner:  NewScanner(source),
		heap:     heap,
		compiler: newFrame(nil, script, vm.FuncToplevel),
	}

	// While compilation is in flight, the functions being built are
	// reachable only through the compiler frames; they are roots until the
	// finished script function is handed to the caller.
	unregister := heap.AddRootMarker(p.markRoots)
	defer unregister()

	p.advance()
	for !p.check(TokenEOF) && !p.hasError() {
		p.declaration()
	}

	if p.hasError() {
		log.Debugf("compile failed: %s", p.err.Error())
		return vm.InvalidHandle, p.err
	}

	p.emitAutoReturnValue()
	p.emit(byte(vm.OpReturn))
	if p.hasError() {
		return vm.InvalidHandle, p.err
	}
	return script, nil
}

func (p *Parser) markRoots(h *vm.Heap) {
	for frame := p.compiler; frame != nil; frame = frame.enclosing {
		h.MarkObject(frame.function)
	}
}

// ---------------------------------------------------------------------------
// Token plumbing
// ---------------------------------------------------------------------------

func (p *Parser) advance() {
	p.previous = p.current
	p.current = p.scanner.Scan()
	if p.current.Kind == TokenError {
		p.error(p.current.Lexeme, p.current.Line)
	}
}

func (p *Parser) check(kind TokenKind) bool {
	return p.current.Kind == kind
}

// consumeIf consumes the current token if it matches, reporting whether it
// did. The consumed token lands in p.previous.
func (p *Parser) consumeIf(kind TokenKind) bool {
	if !p.check(kind) {
		return false
	}
	p.advance()
	return true
}

func (p *Parser) consumeOrError(kind TokenKind, message string) bool {
	if p.check(kind) {
		p.advance()
		return true
	}
	p.error(message, p.current.Line)
	return false
}

func (p *Parser) isAtEnd() bool {
	return p.current.Kind == TokenEOF
}

func (p *Parser) error(message string, line int) {
	if p.err == nil {
		p.err = &Error{Line: line, Message: message}
	}
}

func (p *Parser) errorAtPrevious(message string) {
	p.error(message, p.previous.Line)
}

func (p *Parser) hasError() bool {
	return p.err != nil
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (p *Parser) currentChunk() *vm.Chunk {
	return &p.heap.Function(p.compiler.function).Chunk
}

func (p *Parser) emit(b byte) {
	p.currentChunk().WriteByte(b, p.previous.Line)
}

func (p *Parser) emitOp(op vm.Opcode) {
	p.emit(byte(op))
}

func (p *Parser) chunkSize() int {
	return p.currentChunk().Size()
}

// makeConstant pushes a value into the constant pool without emitting code.
// Constant operands are one byte, so pools cap at 256 entries.
func (p *Parser) makeConstant(v vm.Value) int {
	index := p.currentChunk().AddConstant(v)
	if index > 255 {
		p.errorAtPrevious("Too many constants in one chunk.")
	}
	return index
}

// emitConstant pushes a value into the constant pool and emits the CONSTANT
// instruction that loads it.
func (p *Parser) emitConstant(v vm.Value) int {
	index := p.makeConstant(v)
	p.emitOp(vm.OpConstant)
	p.emit(byte(index))
	return index
}

// emitJump emits a jump with a placeholder offset and returns the offset of
// the placeholder's first byte for later patching.
func (p *Parser) emitJump(op vm.Opcode) int {
	p.emitOp(op)
	p.emit(0xFF)
	p.emit(0xFF)
	return p.chunkSize() - 2
}

// patchJump fills a placeholder so the jump lands on target. The two offset
// bytes are read by the VM before the jump applies, hence the -2.
func (p *Parser) patchJump(jumpByte, target int) {
	offset := target - jumpByte - 2
	if offset > 32767 || offset < -32768 {
		p.errorAtPrevious("Too much code to jump over.")
		return
	}
	p.currentChunk().PatchByte(jumpByte, byte(offset>>8))
	p.currentChunk().PatchByte(jumpByte+1, byte(offset))
}

// emitAutoReturnValue pushes the implicit return value: the receiver for
// initializers (always local slot 0), nil for everything else. The RETURN
// itself is emitted by the caller.
func (p *Parser) emitAutoReturnValue() {
	if p.compiler.kind == vm.FuncInitializer {
		p.emitOp(vm.OpGetLocal)
		p.emit(0)
	} else {
		p.emitConstant(vm.Nil)
	}
}

// ---------------------------------------------------------------------------
// Scopes and variables
// ---------------------------------------------------------------------------

func (p *Parser) beginScope() {
	p.compiler.depth++
}

// endScope pops the scope's locals. Captured locals close their upvalue on
// the way out; plain locals just pop.
func (p *Parser) endScope() {
	frame := p.compiler
	for len(frame.locals) > 0 && frame.locals[len(frame.locals)-1].depth == frame.depth {
		if frame.locals[len(frame.locals)-1].isCaptured {
			p.emitOp(vm.OpCloseUpvalue)
		} else {
			p.emitOp(vm.OpPop)
		}
		frame.locals = frame.locals[:len(frame.locals)-1]
	}
	frame.depth--
}

// declareLocal adds a local to the current frame, reporting whether the name
// is already declared at the same depth.
func (p *Parser) declareLocal(name string) (duplicate bool) {
	frame := p.compiler
	if len(frame.locals) >= maxLocals {
		p.errorAtPrevious("too many local variables in function")
		return false
	}
	// Walk back until before the current scope began, looking for a clash.
	for i := len(frame.locals) - 1; i >= 0; i-- {
		if frame.locals[i].depth < frame.depth {
			break
		}
		if frame.locals[i].name == name {
			return true
		}
	}
	frame.locals = append(frame.locals, local{name: name, depth: frame.depth})
	return false
}

// resolveLocal finds a local by name, newest first. Returns -1 if absent.
func (frame *compilerFrame) resolveLocal(name string) int {
	for i := len(frame.locals) - 1; i >= 0; i-- {
		if frame.locals[i].name == name {
			return i
		}
	}
	return -1
}

// resolveUpvalue finds a variable in an enclosing function, recording an
// upvalue descriptor chain down to the current frame. Returns -1 when the
// name is not found anywhere up the chain (so it must be a global).
func (p *Parser) resolveUpvalue(frame *compilerFrame, name string) int {
	if frame.enclosing == nil {
		return -1
	}

	if localIndex := frame.enclosing.resolveLocal(name); localIndex >= 0 {
		frame.enclosing.locals[localIndex].isCaptured = true
		return p.declareUpvalue(frame, vm.UpvalueDesc{Index: localIndex, IsLocal: true})
	}

	if upvalueIndex := p.resolveUpvalue(frame.enclosing, name); upvalueIndex >= 0 {
		return p.declareUpvalue(frame, vm.UpvalueDesc{Index: upvalueIndex, IsLocal: false})
	}

	return -1
}

// declareUpvalue records an upvalue descriptor on the frame's function,
// reusing an existing descriptor for the same target.
func (p *Parser) declareUpvalue(frame *compilerFrame, desc vm.UpvalueDesc) int {
	fn := p.heap.Function(frame.function)
	for i, existing := range fn.Upvalues {
		if existing == desc {
			return i
		}
	}
	if len(fn.Upvalues) >= maxLocals {
		p.errorAtPrevious("too many closure variables in function")
		return 0
	}
	fn.Upvalues = append(fn.Upvalues, desc)
	return len(fn.Upvalues) - 1
}

// defineVariable binds a just-computed value (on the stack top) to a name:
// locals are declared in the compiler, globals get a DEFINE_GLOBAL.
func (p *Parser) defineVariable(name string) {
	if p.compiler.depth > 0 {
		if p.declareLocal(name) {
			p.error(fmt.Sprintf("variable '%s' already declared in this scope", name), p.previous.Line)
		}
		return
	}
	p.defineGlobalVariable(name)
}

func (p *Parser) defineGlobalVariable(name string) {
	// makeConstant, not emitConstant: the name must not be loaded as a
	// string literal, only referenced by DEFINE_GLOBAL's operand.
	index := p.makeConstant(vm.ObjectValue(p.heap.Intern(name)))
	p.emitOp(vm.OpDefineGlobal)
	p.emit(byte(index))
}

// emitVariableAccess emits either the set or get opcode for a resolved
// variable, depending on whether an `=` follows.
func (p *Parser) emitVariableAccess(setOp, getOp vm.Opcode, canAssign bool, index int) {
	if p.consumeIf(TokenEqual) {
		if !canAssign {
			p.errorAtPrevious("invalid assignment target")
		}
		p.expression()
		p.emitOp(setOp)
		p.emit(byte(index))
	} else {
		p.emitOp(getOp)
		p.emit(byte(index))
	}
}

// namedVariable resolves a name as local, then upvalue, then global, and
// emits the matching access.
func (p *Parser) namedVariable(name string, canAssign bool) {
	if localIndex := p.compiler.resolveLocal(name); localIndex >= 0 {
		p.emitVariableAccess(vm.OpSetLocal, vm.OpGetLocal, canAssign, localIndex)
		return
	}
	if upvalueIndex := p.resolveUpvalue(p.compiler, name); upvalueIndex >= 0 {
		p.emitVariableAccess(vm.OpSetUpvalue, vm.OpGetUpvalue, canAssign, upvalueIndex)
		return
	}
	// Not found, so it's a global. It might be undefined, but that is a
	// runtime question: a function body may refer to a global defined
	// after it compiles.
	index := p.makeConstant(vm.ObjectValue(p.heap.Intern(name)))
	p.emitVariableAccess(vm.OpSetGlobal, vm.OpGetGlobal, canAssign, index)
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (p *Parser) declaration() {
	if p.consumeIf(TokenVar) {
		p.varDeclaration()
	} else if p.consumeIf(TokenFun) {
		p.function(false)
	} else if p.consumeIf(TokenClass) {
		p.classDeclaration()
	} else {
		p.statement()
	}
}

func (p *Parser) varDeclaration() {
	p.consumeOrError(TokenIdentifier, "expected variable name")
	name := p.previous.Lexeme
	if p.consumeIf(TokenEqual) {
		p.expression()
	} else {
		p.emitConstant(vm.Nil)
	}
	p.defineVariable(name)
	p.consumeOrError(TokenSemicolon, "expected ';' after variable declaration")
}

// function compiles a function declaration or a method: a fresh compiler
// frame, parameters as depth-1 locals, the body block, and finally a CLOSURE
// instruction with the upvalue descriptor operands.
func (p *Parser) function(isClassMethod bool) {
	p.consumeOrError(TokenIdentifier, "expected function name")
	name := p.previous.Lexeme
	p.consumeOrError(TokenLeftParen, "expected '(' after function name")

	kind := vm.FuncFunction
	if isClassMethod {
		if name == "init" {
			kind = vm.FuncInitializer
		} else {
			kind = vm.FuncMethod
		}
	}
	fnHandle := p.heap.Alloc(&vm.ObjFunction{Name: name, Kind: kind})
	p.compiler = newFrame(p.compiler, fnHandle, kind)
	p.beginScope()

	arity := 0
	if !p.consumeIf(TokenRightParen) {
		for {
			arity++
			if arity > maxArity {
				p.errorAtPrevious("cannot have more than 255 parameters")
			}
			p.consumeOrError(TokenIdentifier, "expected parameter name")
			p.defineVariable(p.previous.Lexeme)
			if p.consumeIf(TokenComma) {
				continue
			} else if p.consumeIf(TokenRightParen) {
				break
			} else {
				p.errorAtPrevious("expected ',' or ')' after parameter")
				break
			}
		}
	}
	p.heap.Function(fnHandle).Arity = arity

	p.consumeOrError(TokenLeftBrace, "expected '{' before function body")
	p.block()

	finished := p.finalizeFunction()
	if finished == vm.InvalidHandle {
		return
	}

	index := p.makeConstant(vm.ObjectValue(finished))
	p.emitOp(vm.OpClosure)
	p.emit(byte(index))
	for _, uv := range p.heap.Function(finished).Upvalues {
		if uv.IsLocal {
			p.emit(1)
		} else {
			p.emit(0)
		}
		p.emit(byte(uv.Index))
	}

	if !isClassMethod {
		// A method's name lives in the class's method table, not in a
		// variable; for plain functions the name binds here.
		p.defineVariable(name)
	}
}

// finalizeFunction seals the current function with its implicit return and
// pops the compiler frame. Returns InvalidHandle when compilation already
// failed.
func (p *Parser) finalizeFunction() vm.Handle {
	if p.hasError() {
		return vm.InvalidHandle
	}
	// Tack a return onto the end of the body. If the body already returned,
	// this is unreachable; if it fell off the end, this catches it.
	p.emitAutoReturnValue()
	p.emitOp(vm.OpReturn)
	fn := p.compiler.function
	p.compiler = p.compiler.enclosing
	return fn
}

func (p *Parser) classDeclaration() {
	p.consumeOrError(TokenIdentifier, "expected class name")
	name := p.previous.Lexeme

	// CLASS constructs the runtime class object and leaves it on the stack.
	index := p.makeConstant(vm.ObjectValue(p.heap.Intern(name)))
	p.emitOp(vm.OpClass)
	p.emit(byte(index))

	p.currentClass = &classContext{enclosing: p.currentClass}

	// Bind the class to its name, then load it back on top of the stack so
	// each compiled method finds its class immediately below it.
	p.defineVariable(name)
	p.namedVariable(name, false)

	p.consumeOrError(TokenLeftBrace, "expected '{' before class body")
	for !p.check(TokenRightBrace) && !p.isAtEnd() && !p.hasError() {
		p.method()
	}
	p.consumeOrError(TokenRightBrace, "expected '}' after class body")

	// The class has collected its methods; drop it from the stack.
	p.emitOp(vm.OpPop)

	p.currentClass = p.currentClass.enclosing
}

func (p *Parser) method() {
	// The function body compiles to a CLOSURE on the stack; DEFINE_METHOD
	// moves it into the method table of the class below it. The method name
	// is read from the compiled function at runtime, so no operand.
	p.function(true)
	p.emitOp(vm.OpDefineMethod)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (p *Parser) statement() {
	if p.consumeIf(TokenPrint) {
		p.printStatement()
	} else if p.consumeIf(TokenIf) {
		p.ifStatement()
	} else if p.consumeIf(TokenWhile) {
		p.whileStatement()
	} else if p.consumeIf(TokenFor) {
		p.forStatement()
	} else if p.consumeIf(TokenReturn) {
		p.returnStatement()
	} else if p.consumeIf(TokenLeftBrace) {
		p.beginScope()
		p.block()
		p.endScope()
	} else {
		p.expressionStatement()
	}
}

func (p *Parser) block() {
	for !p.consumeIf(TokenRightBrace) && !p.isAtEnd() && !p.hasError() {
		p.declaration()
	}
}

func (p *Parser) printStatement() {
	p.expression()
	p.consumeOrError(TokenSemicolon, "expected ';' after value in print statement")
	p.emitOp(vm.OpPrint)
}

func (p *Parser) returnStatement() {
	if p.compiler.kind == vm.FuncToplevel {
		p.errorAtPrevious("cannot return from top-level code")
	}
	if p.consumeIf(TokenSemicolon) {
		p.emitAutoReturnValue()
	} else {
		if p.compiler.kind == vm.FuncInitializer {
			p.errorAtPrevious("cannot return a value from an initializer")
		}
		p.expression()
		p.consumeOrError(TokenSemicolon, "expected ';' after return value")
	}
	p.emitOp(vm.OpReturn)
}

func (p *Parser) ifStatement() {
	p.consumeOrError(TokenLeftParen, "expected '(' after 'if'")
	p.expression()
	p.consumeOrError(TokenRightParen, "expected ')' after condition")

	thenJump := p.emitJump(vm.OpJumpIfFalse)
	// Truthy path: drop the condition, run the branch, then hop the else.
	p.emitOp(vm.OpPop)
	p.statement()
	elseJump := p.emitJump(vm.OpJump)

	p.patchJump(thenJump, p.chunkSize())
	p.emitOp(vm.OpPop)
	if p.consumeIf(TokenElse) {
		p.statement()
	}
	p.patchJump(elseJump, p.chunkSize())
}

func (p *Parser) whileStatement() {
	p.consumeOrError(TokenLeftParen, "expected '(' after 'while'")
	loopStart := p.chunkSize()
	p.expression()
	p.consumeOrError(TokenRightParen, "expected ')' after while condition")

	exitJump := p.emitJump(vm.OpJumpIfFalse)
	p.emitOp(vm.OpPop)
	p.statement()
	loopJump := p.emitJump(vm.OpJump)
	p.patchJump(loopJump, loopStart)
	p.patchJump(exitJump, p.chunkSize())
	p.emitOp(vm.OpPop)
}

func (p *Parser) forStatement() {
	p.consumeOrError(TokenLeftParen, "expected '(' after 'for'")
	p.beginScope()

	// Initializer; all three arms eat the trailing semicolon.
	if p.consumeIf(TokenSemicolon) {
		// No initializer.
	} else if p.consumeIf(TokenVar) {
		p.varDeclaration()
	} else {
		p.expressionStatement()
	}

	condStart := p.chunkSize()
	hasCondition := !p.consumeIf(TokenSemicolon)
	exitJump := 0
	if hasCondition {
		p.expression()
		p.consumeOrError(TokenSemicolon, "expected ';' after loop condition")
		exitJump = p.emitJump(vm.OpJumpIfFalse)
	}

	// The increment textually precedes the body but runs after it, so jump
	// over it to the body, and loop back through it.
	toBodyJump := p.emitJump(vm.OpJump)
	incrementStart := p.chunkSize()
	if !p.consumeIf(TokenRightParen) {
		p.expression()
		p.consumeOrError(TokenRightParen, "expected ')' after for clauses")
		p.emitOp(vm.OpPop)
	}

	if hasCondition {
		toCondJump := p.emitJump(vm.OpJump)
		p.patchJump(toCondJump, condStart)
	}

	p.patchJump(toBodyJump, p.chunkSize())
	if hasCondition {
		p.emitOp(vm.OpPop)
	}
	p.statement()
	toIncrementJump := p.emitJump(vm.OpJump)
	p.patchJump(toIncrementJump, incrementStart)
	if hasCondition {
		p.patchJump(exitJump, p.chunkSize())
	}
	p.emitOp(vm.OpPop)

	p.endScope()
}

func (p *Parser) expressionStatement() {
	p.expression()
	p.consumeOrError(TokenSemicolon, "expected ';' after expression")
	p.emitOp(vm.OpPop)
}

// ---------------------------------------------------------------------------
// Expressions (Pratt)
// ---------------------------------------------------------------------------

func (p *Parser) expression() {
	p.parsePrecedence(precAssignment)
}

func (p *Parser) parsePrecedence(prec precedence) {
	p.advance()
	r := p.getRule(p.previous.Kind)
	if r.prefix == nil {
		p.errorAtPrevious("expected expression")
		return
	}

	canAssign := prec <= precAssignment
	r.prefix(p, canAssign)

	for !p.hasError() {
		next := p.getRule(p.current.Kind)
		if next.prec < prec {
			break
		}
		p.advance()
		if next.infix == nil {
			panic(fmt.Sprintf("unreachable: no infix rule for token %s with precedence %d",
				p.previous.Kind, next.prec))
		}
		next.infix(p, canAssign)
	}

	if canAssign && p.check(TokenEqual) {
		p.error("invalid assignment target", p.current.Line)
	}
}

func (p *Parser) number(bool) {
	value, _ := strconv.ParseFloat(p.previous.Lexeme, 64)
	p.emitConstant(vm.NumberValue(value))
}

func (p *Parser) str(bool) {
	p.emitConstant(vm.ObjectValue(p.heap.Intern(p.previous.Lexeme)))
}

func (p *Parser) literal(bool) {
	switch p.previous.Kind {
	case TokenNil:
		p.emitConstant(vm.Nil)
	case TokenTrue:
		p.emitConstant(vm.True)
	case TokenFalse:
		p.emitConstant(vm.False)
	default:
		panic("unreachable: unknown literal type " + p.previous.Kind.String())
	}
}

func (p *Parser) variable(canAssign bool) {
	p.namedVariable(p.previous.Lexeme, canAssign)
}

// this_ treats `this` as a read of the reserved local at slot 0 of the
// enclosing method frame. Whether we're inside a class is tracked separately
// from the function kind: a nested function inside a method is still inside
// the class, but its own kind is FUNCTION.
func (p *Parser) this_(bool) {
	if p.currentClass == nil {
		p.errorAtPrevious("cannot use 'this' outside of a class")
		return
	}
	p.variable(false)
}

func (p *Parser) grouping(bool) {
	p.expression()
	p.consumeOrError(TokenRightParen, "expected ')'")
}

func (p *Parser) unary(bool) {
	opKind := p.previous.Kind
	p.parsePrecedence(precUnary)
	switch opKind {
	case TokenMinus:
		p.emitOp(vm.OpNegate)
	case TokenBang:
		p.emitOp(vm.OpNot)
	default:
		panic("unreachable: unknown unary operator " + opKind.String())
	}
}

func (p *Parser) binary(bool) {
	opKind := p.previous.Kind
	// The right operand binds tighter: parse at one level above this
	// operator's precedence so equal-precedence operators associate left.
	p.parsePrecedence(nextPrecedence(p.getRule(opKind).prec))

	switch opKind {
	case TokenPlus:
		p.emitOp(vm.OpAdd)
	case TokenMinus:
		p.emitOp(vm.OpSubtract)
	case TokenStar:
		p.emitOp(vm.OpMultiply)
	case TokenSlash:
		p.emitOp(vm.OpDivide)
	case TokenEqualEqual:
		p.emitOp(vm.OpEqual)
	case TokenBangEqual:
		p.emitOp(vm.OpEqual)
		p.emitOp(vm.OpNot)
	case TokenGreater:
		p.emitOp(vm.OpGreater)
	case TokenGreaterEqual:
		p.emitOp(vm.OpLess)
		p.emitOp(vm.OpNot)
	case TokenLess:
		p.emitOp(vm.OpLess)
	case TokenLessEqual:
		p.emitOp(vm.OpGreater)
		p.emitOp(vm.OpNot)
	default:
		panic("unreachable: unknown binary operator " + opKind.String())
	}
}

// andOperator short-circuits: a falsy left operand stays on the stack and
// the right operand is skipped entirely.
func (p *Parser) andOperator(bool) {
	endJump := p.emitJump(vm.OpJumpIfFalse)
	p.emitOp(vm.OpPop)
	p.parsePrecedence(precAnd)
	p.patchJump(endJump, p.chunkSize())
}

// orOperator short-circuits with two jumps, since there is no JUMP_IF_TRUE:
// a falsy left operand hops into the right operand; a truthy one jumps over
// it and remains the result.
func (p *Parser) orOperator(bool) {
	toRightOperand := p.emitJump(vm.OpJumpIfFalse)
	toEnd := p.emitJump(vm.OpJump)
	p.patchJump(toRightOperand, p.chunkSize())
	p.emitOp(vm.OpPop)
	p.parsePrecedence(precOr)
	p.patchJump(toEnd, p.chunkSize())
}

// call compiles an argument list; the callee is already on the stack, and
// the arguments stack directly into the callee's parameter slots.
func (p *Parser) call(bool) {
	argCount := 0
	if !p.consumeIf(TokenRightParen) {
		for {
			argCount++
			if argCount > maxArity {
				p.errorAtPrevious("cannot have more than 255 arguments")
			}
			p.expression()
			if p.consumeIf(TokenComma) {
				continue
			} else if p.consumeIf(TokenRightParen) {
				break
			} else {
				p.errorAtPrevious("expected ',' or ')' after argument")
				break
			}
		}
	}
	p.emitOp(vm.OpCall)
	p.emit(byte(argCount))
}

func (p *Parser) dot(canAssign bool) {
	p.consumeOrError(TokenIdentifier, "expected property name after '.'")
	index := p.makeConstant(vm.ObjectValue(p.heap.Intern(p.previous.Lexeme)))
	p.emitVariableAccess(vm.OpSetProperty, vm.OpGetProperty, canAssign, index)
}

// ---------------------------------------------------------------------------
// Parse rules
// ---------------------------------------------------------------------------

func (p *Parser) getRule(kind TokenKind) rule {
	switch kind {
	case TokenLeftParen:
		return rule{(*Parser).grouping, (*Parser).call, precCall}
	case TokenDot:
		return rule{nil, (*Parser).dot, precCall}
	case TokenMinus:
		return rule{(*Parser).unary, (*Parser).binary, precTerm}
	case TokenPlus:
		return rule{nil, (*Parser).binary, precTerm}
	case TokenSlash:
		return rule{nil, (*Parser).binary, precFactor}
	case TokenStar:
		return rule{nil, (*Parser).binary, precFactor}
	case TokenBang:
		return rule{(*Parser).unary, nil, precNone}
	case TokenBangEqual:
		return rule{nil, (*Parser).binary, precEquality}
	case TokenEqualEqual:
		return rule{nil, (*Parser).binary, precEquality}
	case TokenGreater:
		return rule{nil, (*Parser).binary, precComparison}
	case TokenGreaterEqual:
		return rule{nil, (*Parser).binary, precComparison}
	case TokenLess:
		return rule{nil, (*Parser).binary, precComparison}
	case TokenLessEqual:
		return rule{nil, (*Parser).binary, precComparison}
	case TokenIdentifier:
		return rule{(*Parser).variable, nil, precNone}
	case TokenString:
		return rule{(*Parser).str, nil, precNone}
	case TokenNumber:
		return rule{(*Parser).number, nil, precNone}
	case TokenAnd:
		return rule{nil, (*Parser).andOperator, precAnd}
	case TokenOr:
		return rule{nil, (*Parser).orOperator, precOr}
	case TokenFalse, TokenNil, TokenTrue:
		return rule{(*Parser).literal, nil, precNone}
	case TokenThis:
		return rule{(*Parser).this_, nil, precNone}
	default:
		return rule{nil, nil, precNone}
	}
}
