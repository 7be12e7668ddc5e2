package vm

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// defineNatives installs the host bindings into the globals table.
func (vm *VM) defineNatives() {
	vm.defineNative("clock", 0, nativeClock)
	vm.defineNative("sleep", 1, nativeSleep)
}

// defineNative binds a host function under a global name. The name is kept
// on the stack across the allocation so a collection cannot reclaim it
// before the globals table holds it.
func (vm *VM) defineNative(name string, arity int, fn NativeFn) {
	nameHandle := vm.heap.Intern(name)
	vm.push(ObjectValue(nameHandle))
	native := vm.heap.Alloc(&ObjNative{Name: name, Arity: arity, Fn: fn})
	vm.globals[nameHandle] = ObjectValue(native)
	vm.pop()
}

// nativeClock returns seconds of process CPU time (user plus system) as a
// double.
func nativeClock(_ []Value) (Value, error) {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return Nil, err
	}
	seconds := float64(usage.Utime.Sec) + float64(usage.Utime.Usec)/1e6 +
		float64(usage.Stime.Sec) + float64(usage.Stime.Usec)/1e6
	return NumberValue(seconds), nil
}

// nativeSleep blocks the interpreter thread for the given number of seconds
// and returns nil. The argument must be a non-negative number.
func nativeSleep(args []Value) (Value, error) {
	if !args[0].IsNumber() {
		return Nil, errors.New("sleep: argument must be a number")
	}
	seconds := args[0].AsNumber()
	if seconds < 0 {
		return Nil, errors.New("sleep: argument must be non-negative")
	}
	time.Sleep(time.Duration(seconds * float64(time.Second)))
	return Nil, nil
}
