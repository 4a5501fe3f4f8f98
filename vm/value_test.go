package vm

import (
	"math"
	"testing"
)

func TestValueIntRoundTrip(t *testing.T) {
	cases := []int64{0, 1, -1, 42, -42, MaxInt, MinInt}
	for _, n := range cases {
		v := FromInt(n)
		if !v.IsInt() {
			t.Errorf("FromInt(%d).IsInt() = false", n)
		}
		if v.IsReal() || v.IsHandle() || v.IsBool() || v.IsNull() {
			t.Errorf("FromInt(%d) classified as another kind", n)
		}
		if got := v.Int(); got != n {
			t.Errorf("Int() = %d, want %d", got, n)
		}
	}
}

func TestValueIntOutOfRangePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("FromInt(MaxInt+1) did not panic")
		}
	}()
	FromInt(MaxInt + 1)
}

func TestValueRealRoundTrip(t *testing.T) {
	cases := []float64{0, 1.5, -3.25, math.Pi, math.Inf(1), math.Inf(-1)}
	for _, f := range cases {
		v := FromReal(f)
		if !v.IsReal() {
			t.Errorf("FromReal(%g).IsReal() = false", f)
		}
		if got := v.Real(); got != f {
			t.Errorf("Real() = %g, want %g", got, f)
		}
	}
}

func TestValueNaNIsReal(t *testing.T) {
	v := FromReal(math.NaN())
	if !v.IsReal() {
		t.Error("plain NaN must classify as a real")
	}
	if v.IsInt() || v.IsHandle() {
		t.Error("plain NaN classified as a tagged value")
	}
	if !math.IsNaN(v.Real()) {
		t.Error("NaN did not survive the round trip")
	}
}

func TestValueSpecials(t *testing.T) {
	if !Null.IsNull() || Null.IsBool() {
		t.Error("Null misclassified")
	}
	if !True.IsBool() || !False.IsBool() {
		t.Error("booleans misclassified")
	}
	if !True.Bool() || False.Bool() {
		t.Error("boolean payloads wrong")
	}
	if FromBool(true) != True || FromBool(false) != False {
		t.Error("FromBool not canonical")
	}
}

func TestValueHandleRoundTrip(t *testing.T) {
	h := makeHandle(7, 3)
	v := FromHandle(h)
	if !v.IsHandle() {
		t.Error("IsHandle() = false")
	}
	if got := v.Handle(); got != h {
		t.Errorf("Handle() = %v, want %v", got, h)
	}
	if h.index() != 7 || h.gen() != 3 {
		t.Errorf("index=%d gen=%d, want 7 and 3", h.index(), h.gen())
	}
}

func TestValueTruthiness(t *testing.T) {
	falsy := []Value{False, Null}
	for _, v := range falsy {
		if v.IsTruthy() {
			t.Errorf("%v should be falsy", v)
		}
	}
	truthy := []Value{True, FromInt(0), FromInt(1), FromReal(0), FromHandle(makeHandle(0, 0))}
	for _, v := range truthy {
		if !v.IsTruthy() {
			t.Errorf("%v should be truthy", v)
		}
	}
}

func TestRegistryStaleHandle(t *testing.T) {
	r := NewRegistry()
	h := r.Register(&StringObject{S: "first"})
	if r.Deref(h) == nil {
		t.Fatal("fresh handle dereferenced to nil")
	}
	r.Release(h)
	if r.Deref(h) != nil {
		t.Error("released handle still dereferences")
	}

	// The slot is reused with a bumped generation: the old handle stays
	// stale, the new one works.
	h2 := r.Register(&StringObject{S: "second"})
	if h2.index() != h.index() {
		t.Fatalf("slot not reused: %d vs %d", h2.index(), h.index())
	}
	if r.Deref(h) != nil {
		t.Error("stale handle aliases the reused slot")
	}
	s, ok := r.Deref(h2).(*StringObject)
	if !ok || s.S != "second" {
		t.Error("new handle does not reach the new object")
	}
}
