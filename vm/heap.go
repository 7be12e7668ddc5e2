package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var gcLog = commonlog.GetLogger("lume.gc")

// Handle is a non-owning reference to a heap object. Handles index into the
// heap's arena; 0 is never a valid handle.
type Handle uint32

// InvalidHandle is the zero Handle. It never refers to an object.
const InvalidHandle Handle = 0

// DefaultGCThreshold is the initial bytes-allocated threshold that triggers
// a collection.
const DefaultGCThreshold = 1024 * 1024

type slot struct {
	payload objPayload
	size    int
	marked  bool
	inUse   bool
}

// Heap owns every heap object and reclaims unreachable ones with a tri-color
// mark-and-sweep collector. Objects live in a slot arena; a Handle substitutes
// for every object reference, so sweeping is a single pass over the arena and
// freed slots are recycled through a free list.
//
// The heap does not know where the roots are. Components that hold roots (the
// VM, and the compiler while compilation is in flight) register a root marker
// with AddRootMarker; collection invokes every marker before propagating.
type Heap struct {
	slots []slot
	free  []Handle

	// Interned strings, keyed by content. Entries are weak: the purge step
	// of each collection removes entries whose string died.
	strings map[string]Handle

	grey []Handle

	rootMarkers map[int]func(*Heap)
	nextMarker  int

	bytesAllocated int
	nextThreshold  int

	// stress forces a collection before every allocation. Correctness must
	// not depend on this setting; it exists to shake out missing roots.
	stress bool

	collections int
}

// HeapOptions tunes heap construction. The zero value gives defaults.
type HeapOptions struct {
	// Stress forces a collection on every allocation.
	Stress bool
	// InitialThreshold overrides the first collection trigger point.
	InitialThreshold int
}

// NewHeap creates an empty heap.
func NewHeap(opts HeapOptions) *Heap {
	threshold := opts.InitialThreshold
	if threshold <= 0 {
		threshold = DefaultGCThreshold
	}
	return &Heap{
		strings:       make(map[string]Handle),
		rootMarkers:   make(map[int]func(*Heap)),
		nextThreshold: threshold,
		stress:        opts.Stress,
	}
}

// AddRootMarker registers a function that marks GC roots grey. It returns a
// function that unregisters the marker (used by the compiler, whose in-flight
// functions are roots only for the duration of a compile).
func (h *Heap) AddRootMarker(marker func(*Heap)) func() {
	id := h.nextMarker
	h.nextMarker++
	h.rootMarkers[id] = marker
	return func() { delete(h.rootMarkers, id) }
}

// Alloc places a new object in the arena and returns its handle. A collection
// may run before the object is created, never after, so the caller's fresh
// handle is always safe. Callers must make the object reachable from a root
// before the next allocation.
func (h *Heap) Alloc(payload objPayload) Handle {
	if h.stress || h.bytesAllocated > h.nextThreshold {
		h.collectWithRoots()
	}

	size := payload.heapSize()
	h.bytesAllocated += size

	s := slot{payload: payload, size: size, inUse: true}
	if n := len(h.free); n > 0 {
		handle := h.free[n-1]
		h.free = h.free[:n-1]
		h.slots[handle-1] = s
		return handle
	}
	h.slots = append(h.slots, s)
	return Handle(len(h.slots))
}

// Intern returns the canonical handle for the given string content,
// allocating a new ObjString only if none exists.
func (h *Heap) Intern(content string) Handle {
	if handle, ok := h.strings[content]; ok {
		return handle
	}
	handle := h.Alloc(&ObjString{Value: content})
	h.strings[content] = handle
	return handle
}

// ---------------------------------------------------------------------------
// Object access
// ---------------------------------------------------------------------------

// Get returns the payload for a handle. Panics on a dead or invalid handle;
// that is an interpreter bug, not a user error.
func (h *Heap) Get(handle Handle) objPayload {
	if handle == InvalidHandle || int(handle) > len(h.slots) {
		panic(fmt.Sprintf("lume: invalid heap handle %d", handle))
	}
	s := &h.slots[handle-1]
	if !s.inUse {
		panic(fmt.Sprintf("lume: access to freed heap handle %d", handle))
	}
	return s.payload
}

// Type returns the object type behind a handle.
func (h *Heap) Type(handle Handle) ObjType {
	return h.Get(handle).objType()
}

// String returns the ObjString behind a handle, panicking on type mismatch.
func (h *Heap) String(handle Handle) *ObjString {
	return h.Get(handle).(*ObjString)
}

// Function returns the ObjFunction behind a handle.
func (h *Heap) Function(handle Handle) *ObjFunction {
	return h.Get(handle).(*ObjFunction)
}

// Upvalue returns the ObjUpvalue behind a handle.
func (h *Heap) Upvalue(handle Handle) *ObjUpvalue {
	return h.Get(handle).(*ObjUpvalue)
}

// Closure returns the ObjClosure behind a handle.
func (h *Heap) Closure(handle Handle) *ObjClosure {
	return h.Get(handle).(*ObjClosure)
}

// Native returns the ObjNative behind a handle.
func (h *Heap) Native(handle Handle) *ObjNative {
	return h.Get(handle).(*ObjNative)
}

// Class returns the ObjClass behind a handle.
func (h *Heap) Class(handle Handle) *ObjClass {
	return h.Get(handle).(*ObjClass)
}

// Instance returns the ObjInstance behind a handle.
func (h *Heap) Instance(handle Handle) *ObjInstance {
	return h.Get(handle).(*ObjInstance)
}

// BoundMethod returns the ObjBoundMethod behind a handle.
func (h *Heap) BoundMethod(handle Handle) *ObjBoundMethod {
	return h.Get(handle).(*ObjBoundMethod)
}

// EachObject calls fn for every live object until fn returns false. The
// payload is one of the Obj* pointer types; callers type-switch on it.
func (h *Heap) EachObject(fn func(Handle, any) bool) {
	for i := range h.slots {
		if h.slots[i].inUse {
			if !fn(Handle(i+1), h.slots[i].payload) {
				return
			}
		}
	}
}

// ObjectCount returns the number of live objects.
func (h *Heap) ObjectCount() int {
	count := 0
	for i := range h.slots {
		if h.slots[i].inUse {
			count++
		}
	}
	return count
}

// BytesAllocated returns the heap's current size estimate.
func (h *Heap) BytesAllocated() int { return h.bytesAllocated }

// Collections returns how many collections have run.
func (h *Heap) Collections() int { return h.collections }

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// MarkValue marks a value's object grey, if it has one. Idempotent; a no-op
// for non-object values.
func (h *Heap) MarkValue(v Value) {
	if v.IsObject() {
		h.MarkObject(v.AsHandle())
	}
}

// MarkObject marks an object grey. Idempotent; a no-op for invalid handles
// and already-marked objects.
func (h *Heap) MarkObject(handle Handle) {
	if handle == InvalidHandle {
		return
	}
	s := &h.slots[handle-1]
	if !s.inUse || s.marked {
		return
	}
	s.marked = true
	h.grey = append(h.grey, handle)
}

// CollectNow marks all registered roots and runs a full collection,
// regardless of the allocation threshold.
func (h *Heap) CollectNow() {
	h.collectWithRoots()
}

// collectWithRoots runs the registered root markers and then a full
// collection. Used by the allocation trigger; tests that mark roots by hand
// call Collect directly.
func (h *Heap) collectWithRoots() {
	for _, marker := range h.rootMarkers {
		marker(h)
	}
	h.Collect()
}

// Collect runs a full mark-and-sweep cycle. Precondition: every root has been
// marked grey. Postcondition: unreachable objects are freed, survivors are
// unmarked, dead interned strings are purged, and the trigger threshold is
// doubled from the post-collection heap size.
func (h *Heap) Collect() {
	before := h.bytesAllocated

	// Propagate grey markings forward.
	for len(h.grey) > 0 {
		handle := h.grey[len(h.grey)-1]
		h.grey = h.grey[:len(h.grey)-1]
		h.blacken(handle)
	}

	// Purge interned strings that did not survive marking. The intern table
	// holds weak references: it never keeps a string alive by itself.
	for content, handle := range h.strings {
		if !h.slots[handle-1].marked {
			delete(h.strings, content)
		}
	}

	// Sweep: free unmarked slots, clear the mark on survivors.
	freed := 0
	for i := range h.slots {
		s := &h.slots[i]
		if !s.inUse {
			continue
		}
		if s.marked {
			s.marked = false
			continue
		}
		h.bytesAllocated -= s.size
		s.payload = nil
		s.inUse = false
		h.free = append(h.free, Handle(i+1))
		freed++
	}

	h.nextThreshold = h.bytesAllocated * 2
	h.collections++

	gcLog.Debugf("collected %d objects, %d -> %d bytes, next threshold %d",
		freed, before, h.bytesAllocated, h.nextThreshold)
}

// blacken marks every child reference of an object grey.
func (h *Heap) blacken(handle Handle) {
	switch obj := h.slots[handle-1].payload.(type) {
	case *ObjString, *ObjNative:
		// No outgoing references.
	case *ObjFunction:
		for _, c := range obj.Chunk.Constants {
			h.MarkValue(c)
		}
	case *ObjUpvalue:
		// An open upvalue's slot lives on the VM stack, which the stack scan
		// already covered. Only the closed value is owned here.
		if !obj.Open() {
			h.MarkValue(obj.Closed)
		}
	case *ObjClosure:
		h.MarkObject(obj.Function)
		for _, uv := range obj.Upvalues {
			h.MarkObject(uv)
		}
	case *ObjClass:
		h.MarkObject(obj.Name)
		for name, method := range obj.Methods {
			h.MarkObject(name)
			h.MarkObject(method)
		}
	case *ObjInstance:
		h.MarkObject(obj.Class)
		for name, value := range obj.Fields {
			h.MarkObject(name)
			h.MarkValue(value)
		}
	case *ObjBoundMethod:
		h.MarkObject(obj.Receiver)
		h.MarkObject(obj.Method)
	default:
		panic(fmt.Sprintf("lume: unknown object type %T in blacken", obj))
	}
}
