// Package lume is a bytecode interpreter for a small dynamically typed,
// class-based scripting language. Source is compiled in a single pass to a
// stack bytecode and executed by a virtual machine whose heap is managed by
// a tracing mark-and-sweep collector.
package lume

import (
	"fmt"
	"io"
	"os"

	"github.com/chazu/lume/compiler"
	"github.com/chazu/lume/config"
	"github.com/chazu/lume/vm"
)

// Result is the outcome of interpreting a piece of source.
type Result int

const (
	// OK means the program ran to completion.
	OK Result = iota
	// CompileError means the source did not compile; nothing ran.
	CompileError
	// RuntimeError means execution failed; the VM's state was discarded.
	RuntimeError
)

// Interp owns a heap and a VM and can interpret any number of sources
// against them. Globals persist between calls, which is what makes the REPL
// work.
type Interp struct {
	heap    *vm.Heap
	machine *vm.VM
	stderr  io.Writer
}

// NewInterp builds an interpreter from configuration.
func NewInterp(cfg config.Config, stdout io.Writer) *Interp {
	heap := vm.NewHeap(vm.HeapOptions{
		Stress:           cfg.GC.Stress,
		InitialThreshold: cfg.GC.InitialThreshold,
	})
	machine := vm.New(heap,
		vm.WithStdout(stdout),
		vm.WithTrace(cfg.Trace.Execution),
	)
	return &Interp{heap: heap, machine: machine, stderr: os.Stderr}
}

// Heap exposes the interpreter's heap (for the image cache and for tests).
func (i *Interp) Heap() *vm.Heap { return i.heap }

// VM exposes the interpreter's virtual machine.
func (i *Interp) VM() *vm.VM { return i.machine }

// Close releases the VM's GC roots.
func (i *Interp) Close() {
	i.machine.Close()
}

// Compile compiles source without running it.
func (i *Interp) Compile(source string) (vm.Handle, error) {
	return compiler.Compile(source, i.heap)
}

// Run compiles and executes source, reporting errors to stderr in the
// canonical formats: "[line N] Error: message" for compile errors,
// "line N: message" plus a call-stack trace for runtime errors.
func (i *Interp) Run(source string) Result {
	fn, err := compiler.Compile(source, i.heap)
	if err != nil {
		fmt.Fprintln(i.stderr, err.Error())
		return CompileError
	}
	return i.RunFunction(fn)
}

// RunFunction executes an already-compiled top-level function.
func (i *Interp) RunFunction(fn vm.Handle) Result {
	if err := i.machine.Interpret(fn); err != nil {
		if re, ok := err.(*vm.RuntimeError); ok {
			fmt.Fprintln(i.stderr, re.Render())
		} else {
			fmt.Fprintln(i.stderr, err.Error())
		}
		return RuntimeError
	}
	return OK
}

// Interpret is the one-shot convenience entry: compile and run source with
// default configuration, printing to stdout.
func Interpret(source string) Result {
	interp := NewInterp(config.Default(), os.Stdout)
	defer interp.Close()
	return interp.Run(source)
}
