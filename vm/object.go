package vm

import (
	"sync"

	"github.com/vela-lang/vela/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Handle registry
//
// Boxed objects are referenced from Values by handle rather than raw
// pointer: the 48-bit payload holds a 32-bit registry index plus a 16-bit
// generation. A stale handle (index reused after release) dereferences to
// nil instead of aliasing a new object. Reclamation of the objects
// themselves is the Go runtime's job; the registry only provides identity.
// ---------------------------------------------------------------------------

// Handle references a boxed object in a VM's registry.
type Handle uint64

func makeHandle(index uint32, gen uint16) Handle {
	return Handle(uint64(gen)<<32 | uint64(index))
}

func (h Handle) index() uint32 { return uint32(h) }
func (h Handle) gen() uint16   { return uint16(h >> 32) }

// ObjectKind tags a boxed object.
type ObjectKind uint8

const (
	KindString ObjectKind = iota
	KindList
	KindMap
	KindInstance
	KindView
	KindClosure
	KindDeferred
	KindError
	KindNative
)

// Object is implemented by every boxed object kind.
type Object interface {
	Kind() ObjectKind
}

type registryEntry struct {
	obj Object
	gen uint16
}

// Registry maps handles to boxed objects for one VM. Safe for concurrent
// use; tasks on separate workers share it.
type Registry struct {
	mu      sync.RWMutex
	entries []registryEntry
	free    []uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register stores obj and returns its handle.
func (r *Registry) Register(obj Object) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		idx := r.free[n-1]
		r.free = r.free[:n-1]
		e := &r.entries[idx]
		e.obj = obj
		return makeHandle(idx, e.gen)
	}
	idx := uint32(len(r.entries))
	r.entries = append(r.entries, registryEntry{obj: obj})
	return makeHandle(idx, 0)
}

// Deref returns the object for h, or nil if h is stale or out of range.
func (r *Registry) Deref(h Handle) Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	idx := h.index()
	if int(idx) >= len(r.entries) {
		return nil
	}
	e := r.entries[idx]
	if e.gen != h.gen() {
		return nil
	}
	return e.obj
}

// Release drops the object for h and bumps the slot generation so existing
// handles to it go stale. Releasing a stale handle is a no-op.
func (r *Registry) Release(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := h.index()
	if int(idx) >= len(r.entries) {
		return
	}
	e := &r.entries[idx]
	if e.gen != h.gen() || e.obj == nil {
		return
	}
	e.obj = nil
	e.gen++
	r.free = append(r.free, idx)
}

// ---------------------------------------------------------------------------
// Object kinds
// ---------------------------------------------------------------------------

// StringObject boxes a string.
type StringObject struct {
	S string
}

func (*StringObject) Kind() ObjectKind { return KindString }

// ListObject boxes a mutable list.
type ListObject struct {
	Elems []Value
}

func (*ListObject) Kind() ObjectKind { return KindList }

// MapObject boxes a string-keyed map.
type MapObject struct {
	Entries map[string]Value
}

func (*MapObject) Kind() ObjectKind { return KindMap }

// Closure pairs a compiled function with the scope frame chain it captured.
// Two closures built from the same CmdFunction under different frames (for
// example in a loop) resolve captured slots to distinct frames.
type Closure struct {
	Fn    *bytecode.CmdFunction
	Frame *Frame // innermost captured frame, nil if the function captures nothing
	Self  Value  // bound receiver for method closures, Null otherwise
}

func (*Closure) Kind() ObjectKind { return KindClosure }

// ErrorObject boxes a raised error so script handlers can inspect it.
type ErrorObject struct {
	Err *RaisedError
}

func (*ErrorObject) Kind() ObjectKind { return KindError }

// NativeObject boxes an opaque host value handed out by a builtin module.
type NativeObject struct {
	TypeName string
	Payload  any
}

func (*NativeObject) Kind() ObjectKind { return KindNative }

// ---------------------------------------------------------------------------
// VM-level boxing helpers
// ---------------------------------------------------------------------------

// NewString boxes a string and returns its value.
func (vm *VM) NewString(s string) Value {
	return FromHandle(vm.Objects.Register(&StringObject{S: s}))
}

// NewList boxes a list and returns its value.
func (vm *VM) NewList(elems []Value) Value {
	return FromHandle(vm.Objects.Register(&ListObject{Elems: elems}))
}

// NewMap boxes an empty map and returns its value.
func (vm *VM) NewMap() Value {
	return FromHandle(vm.Objects.Register(&MapObject{Entries: make(map[string]Value)}))
}

// NewClosure boxes a closure over the given frame chain.
func (vm *VM) NewClosure(fn *bytecode.CmdFunction, frame *Frame, self Value) Value {
	return FromHandle(vm.Objects.Register(&Closure{Fn: fn, Frame: frame, Self: self}))
}

// deref returns the boxed object behind v, or nil if v is not a live handle.
func (vm *VM) deref(v Value) Object {
	if !v.IsHandle() {
		return nil
	}
	return vm.Objects.Deref(v.Handle())
}

// StringContent returns the string behind v, or "", false.
func (vm *VM) StringContent(v Value) (string, bool) {
	if s, ok := vm.deref(v).(*StringObject); ok {
		return s.S, true
	}
	return "", false
}
