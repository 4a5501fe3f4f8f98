package vm

import "math"

// Value represents a Vela value using NaN-boxing.
//
// All values are 64-bit words. Reals are native IEEE 754 doubles; every
// non-real value is encoded in the quiet-NaN space with tag bits selecting
// the kind and a 48-bit payload.
//
// Encoding scheme:
//   - Real: native IEEE 754 double (anything that is not a tagged NaN)
//   - Int: quiet NaN + tagInt + 48-bit signed payload
//   - Handle: quiet NaN + tagHandle + registry index (boxed object)
//   - Special: quiet NaN + tagSpecial + null/true/false id
//
// Ints, reals, and booleans therefore live unboxed inside slots; strings,
// lists, maps, instances, closures, and deferreds are registry handles.
type Value uint64

const (
	nanBits uint64 = 0x7FF8000000000000

	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagHandle  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNull  uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values.
const (
	Null  Value = Value(nanBits | tagSpecial | specialNull)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// Int range (48-bit signed payload).
const (
	MaxInt int64 = (1 << 47) - 1
	MinInt int64 = -(1 << 47)
)

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsReal returns true if v is a float64. Regular numbers, infinities, and
// untagged NaNs all count; tagged NaN encodings do not.
func (v Value) IsReal() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	mantissa := bits & 0x000FFFFFFFFFFFFF
	if mantissa == 0 {
		return true // +/- Inf
	}
	if (bits & nanBits) != nanBits {
		return true // signaling NaN, treat as real
	}
	return bits&tagMask == 0 // plain quiet NaN is a real
}

// IsInt returns true if v is an integer.
func (v Value) IsInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsHandle returns true if v references a boxed object.
func (v Value) IsHandle() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagHandle)
}

// IsNull returns true if v is null.
func (v Value) IsNull() bool { return v == Null }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool { return v == True || v == False }

// ---------------------------------------------------------------------------
// Constructors and accessors
// ---------------------------------------------------------------------------

// Real returns v as a float64. Panics if v is not a real.
func (v Value) Real() float64 {
	if !v.IsReal() {
		panic("Value.Real: not a real")
	}
	return math.Float64frombits(uint64(v))
}

// FromReal creates a Value from a float64.
func FromReal(f float64) Value {
	return Value(math.Float64bits(f))
}

// Int returns v as an int64. Panics if v is not an integer.
func (v Value) Int() int64 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	payload := uint64(v) & payloadMask
	if payload&intSignBit != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromInt creates a Value from an int64. Panics if n is outside the 48-bit
// payload range.
func FromInt(n int64) Value {
	if n > MaxInt || n < MinInt {
		panic("FromInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// Bool returns v as a bool. Panics if v is not a boolean.
func (v Value) Bool() bool {
	switch v {
	case True:
		return true
	case False:
		return false
	default:
		panic("Value.Bool: not a boolean")
	}
}

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// Handle returns the registry handle encoded in v.
// Panics if v is not a handle.
func (v Value) Handle() Handle {
	if !v.IsHandle() {
		panic("Value.Handle: not a handle")
	}
	return Handle(uint64(v) & payloadMask)
}

// FromHandle creates a Value from a registry handle.
func FromHandle(h Handle) Value {
	return Value(nanBits | tagHandle | (uint64(h) & payloadMask))
}

// ---------------------------------------------------------------------------
// Truthiness
// ---------------------------------------------------------------------------

// IsTruthy reports conditional truth: false and null are falsy, everything
// else is truthy.
func (v Value) IsTruthy() bool {
	return v != False && v != Null
}
