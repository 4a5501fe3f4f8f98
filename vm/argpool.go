package vm

import "sync"

// argBuffer stages call arguments between ARG_PREP and the call command.
// Buffers are pooled per VM: a call site acquires one, pushes arguments into
// it, hands the slice to the callee's local slots, and releases it. Staged
// values never leak into the next acquisition.
type argBuffer struct {
	vals []Value
}

// Values returns the staged arguments. The slice is valid until Release.
func (b *argBuffer) Values() []Value { return b.vals }

// Add appends one argument.
func (b *argBuffer) Add(v Value) { b.vals = append(b.vals, v) }

// Len returns the number of staged arguments.
func (b *argBuffer) Len() int { return len(b.vals) }

// argPool recycles argument buffers across calls.
type argPool struct {
	pool sync.Pool
}

func newArgPool() *argPool {
	p := &argPool{}
	p.pool.New = func() any {
		return &argBuffer{vals: make([]Value, 0, 8)}
	}
	return p
}

// Acquire returns an empty buffer with capacity for at least hint values.
func (p *argPool) Acquire(hint int) *argBuffer {
	b := p.pool.Get().(*argBuffer)
	if cap(b.vals) < hint {
		b.vals = make([]Value, 0, hint)
	}
	return b
}

// Release clears and recycles b. The caller must not use b afterwards.
func (p *argPool) Release(b *argBuffer) {
	for i := range b.vals {
		b.vals[i] = Null
	}
	b.vals = b.vals[:0]
	p.pool.Put(b)
}
