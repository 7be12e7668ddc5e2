// Package vm provides the runtime half of the lume interpreter: the value
// model, the garbage-collected heap, compiled chunks, and the stack-based
// virtual machine that executes them.
//
// # Architecture Overview
//
//   - Value: a NaN-boxed 64-bit representation. Numbers are native IEEE 754
//     doubles; nil, true, and false are tagged quiet-NaN specials; object
//     references are tagged quiet-NaNs carrying a heap handle.
//
//   - Heap: owns every heap object in a slot arena addressed by Handle, and
//     reclaims unreachable objects with a tri-color mark-and-sweep collector.
//     The heap also interns strings, so string equality is handle identity.
//     Components that hold roots (the VM, and the compiler while a compile is
//     in flight) register root markers; collection is triggered by an
//     allocation threshold that each cycle resets to twice the surviving
//     heap size.
//
//   - Chunk: the compiled artifact for one function. Instructions and inline
//     operands live in a flat byte buffer next to a constant pool and a
//     run-length line table used for error reporting.
//
//   - VM: a value stack, a call-frame stack, a globals table, and an
//     open-upvalue list. Dispatch is a switch over one-byte opcodes; operand
//     widths are fixed per opcode (one byte for constants and slots, two
//     big-endian bytes for jump offsets).
//
// # Closures
//
// Each CLOSURE instruction builds a closure and binds its upvalues: captures
// of an enclosing local reuse or create an open upvalue pointing at the live
// stack slot, while transitive captures share the enclosing closure's
// upvalues. When a captured slot leaves the stack (block exit or function
// return), the upvalue closes: the value moves into the upvalue itself and
// every closure sharing it keeps seeing the same storage.
//
// # Images
//
// A compiled program can be serialized into a versioned, magic-prefixed CBOR
// image and reloaded into a fresh heap. Strings re-intern on load, so
// identity-based semantics survive the round trip. Images are what the
// compile cache stores.
package vm
