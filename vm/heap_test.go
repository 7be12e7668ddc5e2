package vm

import "testing"

func TestInternDeduplicates(t *testing.T) {
	h := NewHeap(HeapOptions{})
	a := h.Intern("hello")
	b := h.Intern("hello")
	c := h.Intern("world")
	if a != b {
		t.Errorf("same content interned to different handles: %d != %d", a, b)
	}
	if a == c {
		t.Error("different content interned to the same handle")
	}
	if h.String(a).Value != "hello" {
		t.Errorf("interned content %q", h.String(a).Value)
	}
}

func TestInternUniquenessInvariant(t *testing.T) {
	h := NewHeap(HeapOptions{})
	for _, s := range []string{"a", "b", "c", "a", "b"} {
		h.Intern(s)
	}
	seen := make(map[string]Handle)
	h.EachObject(func(handle Handle, payload any) bool {
		if s, ok := payload.(*ObjString); ok {
			if prev, dup := seen[s.Value]; dup {
				t.Errorf("two strings with content %q: handles %d and %d", s.Value, prev, handle)
			}
			seen[s.Value] = handle
		}
		return true
	})
}

func TestCollectFreesUnreachable(t *testing.T) {
	h := NewHeap(HeapOptions{})
	root := h.Intern("kept")
	h.Intern("doomed-1")
	h.Intern("doomed-2")
	if h.ObjectCount() != 3 {
		t.Fatalf("object count %d before collect", h.ObjectCount())
	}

	h.MarkObject(root)
	h.Collect()

	if h.ObjectCount() != 1 {
		t.Fatalf("object count %d after collect, want 1", h.ObjectCount())
	}
	// The survivor is usable and unmarked (clean slate for the next cycle).
	if h.String(root).Value != "kept" {
		t.Error("survivor corrupted")
	}
}

func TestCollectPurgesInternTable(t *testing.T) {
	h := NewHeap(HeapOptions{})
	h.Intern("gone")
	h.Collect()

	// Re-interning after the purge must produce a live string, not a stale
	// handle into a freed slot.
	again := h.Intern("gone")
	if h.String(again).Value != "gone" {
		t.Error("re-interned string not usable")
	}
}

func TestCollectTracesChildReferences(t *testing.T) {
	h := NewHeap(HeapOptions{})

	name := h.Intern("greeting")
	str := h.Intern("hi")
	class := h.Alloc(&ObjClass{Name: name, Methods: make(map[Handle]Handle)})
	instance := h.Alloc(&ObjInstance{Class: class, Fields: map[Handle]Value{
		name: ObjectValue(str),
	}})

	// Only the instance is a root; the class, the field name, and the field
	// value must survive through tracing.
	h.MarkObject(instance)
	h.Collect()

	if h.ObjectCount() != 4 {
		t.Fatalf("object count %d after collect, want 4", h.ObjectCount())
	}
	if h.String(h.Class(h.Instance(instance).Class).Name).Value != "greeting" {
		t.Error("class name lost through collection")
	}
}

func TestCollectHandlesCycles(t *testing.T) {
	h := NewHeap(HeapOptions{})

	// A method closure whose class's instance holds the bound method forms
	// a cycle; tracing must terminate and reclaim the whole group once
	// unreachable.
	name := h.Intern("C")
	class := h.Alloc(&ObjClass{Name: name, Methods: make(map[Handle]Handle)})
	instance := h.Alloc(&ObjInstance{Class: class, Fields: make(map[Handle]Value)})
	fn := h.Alloc(&ObjFunction{Name: "m"})
	closure := h.Alloc(&ObjClosure{Function: fn})
	bound := h.Alloc(&ObjBoundMethod{Receiver: instance, Method: closure})
	h.Instance(instance).Fields[name] = ObjectValue(bound)

	h.MarkObject(instance)
	h.Collect()
	alive := h.ObjectCount()
	if alive != 6 {
		t.Fatalf("cycle group: %d objects alive, want 6", alive)
	}

	// Drop the root: the entire cycle must go.
	h.Collect()
	if h.ObjectCount() != 0 {
		t.Fatalf("%d objects alive after dropping roots, want 0", h.ObjectCount())
	}
}

func TestOpenUpvalueIsNotTracedClosedIs(t *testing.T) {
	h := NewHeap(HeapOptions{})
	payload := h.Intern("captured")
	stale := h.Intern("stale")

	open := h.Alloc(&ObjUpvalue{Location: 3, Closed: ObjectValue(stale)})
	closed := h.Alloc(&ObjUpvalue{Location: -1, Closed: ObjectValue(payload)})

	h.MarkObject(open)
	h.MarkObject(closed)
	h.Collect()

	// The closed upvalue keeps its payload alive; the open one contributed
	// nothing (its slot would have been scanned as part of the stack).
	if h.ObjectCount() != 3 {
		t.Fatalf("object count %d, want 3", h.ObjectCount())
	}
	if h.String(h.Upvalue(closed).Closed.AsHandle()).Value != "captured" {
		t.Error("closed value lost")
	}
}

func TestAllocTriggersCollection(t *testing.T) {
	h := NewHeap(HeapOptions{InitialThreshold: 1})

	var rootCalls int
	unregister := h.AddRootMarker(func(*Heap) { rootCalls++ })
	defer unregister()

	// The second allocation exceeds the tiny threshold and must trigger a
	// collection through the registered root marker.
	h.Alloc(&ObjFunction{Name: "a"})
	h.Alloc(&ObjFunction{Name: "b"})
	if rootCalls == 0 {
		t.Error("allocation never triggered a collection")
	}
	if h.Collections() == 0 {
		t.Error("collection count not incremented")
	}
}

func TestStressCollectsEveryAllocation(t *testing.T) {
	h := NewHeap(HeapOptions{Stress: true})
	unregister := h.AddRootMarker(func(*Heap) {})
	defer unregister()

	before := h.Collections()
	h.Alloc(&ObjFunction{})
	h.Alloc(&ObjFunction{})
	if h.Collections() != before+2 {
		t.Errorf("stress mode ran %d collections for 2 allocations", h.Collections()-before)
	}
}

func TestThresholdDoublesAfterCollection(t *testing.T) {
	h := NewHeap(HeapOptions{})
	root := h.Intern("survivor")
	h.MarkObject(root)
	h.Collect()
	if h.nextThreshold != h.bytesAllocated*2 {
		t.Errorf("threshold %d, want %d", h.nextThreshold, h.bytesAllocated*2)
	}
}

func TestFreedSlotsAreRecycled(t *testing.T) {
	h := NewHeap(HeapOptions{})
	h.Intern("dead")
	h.Collect()
	recycled := h.Intern("fresh")
	if int(recycled) > 1 {
		t.Errorf("freed slot not recycled: new handle %d", recycled)
	}
	if h.String(recycled).Value != "fresh" {
		t.Error("recycled slot corrupted")
	}
}
