package vm

// Frame is one scope frame: the captured slots allocated by a function or
// block whose variables are referenced by nested closures. Frames form a
// chain through Parent; a closure holds the innermost frame of the chain it
// captured, which keeps every enclosing frame reachable exactly as long as a
// live closure references it. Nothing else owns a frame past its
// invocation's lifetime.
type Frame struct {
	Slots  []Value
	Parent *Frame
}

// NewFrame allocates a frame with n captured slots on top of parent.
func NewFrame(n int, parent *Frame) *Frame {
	f := &Frame{Parent: parent}
	if n > 0 {
		f.Slots = make([]Value, n)
		for i := range f.Slots {
			f.Slots[i] = Null
		}
	}
	return f
}

// ResolveScopeSlot walks depth parents from f and returns the storage cell
// for index in that frame. Returns nil if the address is out of range; the
// interpreter turns that into a raised slot-range error.
func ResolveScopeSlot(f *Frame, depth, index int32) *Value {
	for d := int32(0); d < depth && f != nil; d++ {
		f = f.Parent
	}
	if f == nil || index < 0 || int(index) >= len(f.Slots) {
		return nil
	}
	return &f.Slots[index]
}
