package vm

import (
	"context"
	"strings"
	"testing"

	"github.com/vela-lang/vela/pkg/ast"
)

// defineChain builds and defines a class on the registry, failing the test
// on error.
func mustDefine(t *testing.T, reg *ClassRegistry, c *Class) *Class {
	t.Helper()
	if err := reg.Define(c); err != nil {
		t.Fatalf("Define(%s): %v", c.Name, err)
	}
	return c
}

func linString(c *Class) string {
	names := make([]string, 0)
	for _, a := range c.Linearization() {
		names = append(names, a.Name)
	}
	return strings.Join(names, ",")
}

// ---------------------------------------------------------------------------
// Linearization
// ---------------------------------------------------------------------------

func TestLinearizeSingleChain(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	b := mustDefine(t, reg, NewClass("B", a))
	c := mustDefine(t, reg, NewClass("C", b))

	if got := linString(c); got != "C,B,A" {
		t.Errorf("linearization = %s, want C,B,A", got)
	}
}

func TestLinearizeDiamond(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	b := mustDefine(t, reg, NewClass("B", a))
	c := mustDefine(t, reg, NewClass("C", a))
	d := mustDefine(t, reg, NewClass("D", b, c))

	if got := linString(d); got != "D,B,C,A" {
		t.Errorf("linearization = %s, want D,B,C,A", got)
	}
}

func TestLinearizeDirectOrderWins(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	b := mustDefine(t, reg, NewClass("B"))
	c := mustDefine(t, reg, NewClass("C", b, a))

	if got := linString(c); got != "C,B,A" {
		t.Errorf("linearization = %s, want C,B,A", got)
	}
}

func TestLinearizeConflictFailsAtDefine(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	b := mustDefine(t, reg, NewClass("B"))
	x := mustDefine(t, reg, NewClass("X", a, b))
	y := mustDefine(t, reg, NewClass("Y", b, a))

	err := reg.Define(NewClass("Z", x, y))
	if err == nil {
		t.Fatal("conflicting ancestor orders defined without error")
	}
	if _, ok := err.(*LinearizationError); !ok {
		t.Errorf("err = %T, want *LinearizationError", err)
	}
	if reg.Has("Z") {
		t.Error("failed class leaked into the registry")
	}
}

func TestDefineSealsClass(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))

	if err := a.AddMethod(&Method{Name: "late"}); err == nil {
		t.Error("AddMethod after Define should fail")
	}
	if err := a.AddField(Field{Name: "late"}); err == nil {
		t.Error("AddField after Define should fail")
	}
	if err := reg.Define(NewClass("A")); err == nil {
		t.Error("redefining A should fail")
	}
}

func TestDefineRequiresDefinedAncestors(t *testing.T) {
	reg := NewClassRegistry()
	loose := NewClass("Loose")
	if err := reg.Define(NewClass("Child", loose)); err == nil {
		t.Error("Define with an undefined ancestor should fail")
	}
}

// ---------------------------------------------------------------------------
// Field segments
// ---------------------------------------------------------------------------

func TestSameNamedFieldsStayIndependent(t *testing.T) {
	reg := NewClassRegistry()
	a := NewClass("A")
	a.AddField(Field{Name: "id", Mutable: true})
	mustDefine(t, reg, a)
	b := NewClass("B")
	b.AddField(Field{Name: "id", Mutable: true})
	mustDefine(t, reg, b)
	c := mustDefine(t, reg, NewClass("C", a, b))

	if c.StorageSize() != 2 {
		t.Fatalf("StorageSize() = %d, want 2", c.StorageSize())
	}
	offA, okA := c.SegmentOffset(a)
	offB, okB := c.SegmentOffset(b)
	if !okA || !okB {
		t.Fatal("ancestor segments missing")
	}
	if offA == offB {
		t.Error("A and B share a field segment")
	}
}

// ---------------------------------------------------------------------------
// Member resolution
// ---------------------------------------------------------------------------

func nativeMethod(name string, result string) *Method {
	return &Method{
		Name: name,
		Vis:  ast.Public,
		Native: func(t *Task, recv Value, args []Value) (Value, *RaisedError) {
			return t.vm.NewString(result), nil
		},
	}
}

func TestResolveMemberOverride(t *testing.T) {
	reg := NewClassRegistry()
	a := NewClass("A")
	a.AddMethod(nativeMethod("f", "A"))
	mustDefine(t, reg, a)
	b := NewClass("B", a)
	b.AddMethod(nativeMethod("f", "B"))
	mustDefine(t, reg, b)

	declaring, m, err := ResolveMember(b, b, "f", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if declaring != b || m.Owner != b {
		t.Errorf("resolved on %s, want B", declaring.Name)
	}
}

func TestResolveMemberQualifiedStartsAtQualifier(t *testing.T) {
	reg := NewClassRegistry()
	a := NewClass("A")
	a.AddMethod(nativeMethod("f", "A"))
	mustDefine(t, reg, a)
	b := NewClass("B", a)
	b.AddMethod(nativeMethod("f", "B"))
	mustDefine(t, reg, b)
	c := mustDefine(t, reg, NewClass("C", b))

	declaring, _, err := ResolveMember(c, c, "f", a, nil)
	if err != nil {
		t.Fatal(err)
	}
	if declaring != a {
		t.Errorf("qualified resolve found %s, want A", declaring.Name)
	}

	// Qualifying by B finds B's own declaration, not A's.
	declaring, _, err = ResolveMember(c, c, "f", b, nil)
	if err != nil {
		t.Fatal(err)
	}
	if declaring != b {
		t.Errorf("qualified resolve found %s, want B", declaring.Name)
	}
}

func TestResolveMemberInvalidQualifier(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	other := mustDefine(t, reg, NewClass("Other"))

	_, _, err := ResolveMember(a, a, "f", other, nil)
	if err == nil || err.Kind != ErrInvalidQualifier {
		t.Fatalf("err = %v, want invalid qualifier", err)
	}
}

func TestResolveMemberMissingCarriesLinearization(t *testing.T) {
	reg := NewClassRegistry()
	a := mustDefine(t, reg, NewClass("A"))
	b := mustDefine(t, reg, NewClass("B", a))

	_, _, err := ResolveMember(b, b, "nope", nil, nil)
	if err == nil || err.Kind != ErrMissingMember {
		t.Fatalf("err = %v, want missing member", err)
	}
	if err.ClassName != "B" {
		t.Errorf("ClassName = %q, want B", err.ClassName)
	}
	if len(err.Linearization) != 2 || err.Linearization[0] != "B" || err.Linearization[1] != "A" {
		t.Errorf("Linearization = %v", err.Linearization)
	}
	if !strings.Contains(err.Message, "B, A") {
		t.Errorf("message does not render the order: %s", err.Message)
	}
}

func TestResolveMemberVisibility(t *testing.T) {
	reg := NewClassRegistry()
	base := NewClass("Base")
	priv := nativeMethod("secret", "x")
	priv.Vis = ast.Private
	base.AddMethod(priv)
	prot := nativeMethod("guarded", "y")
	prot.Vis = ast.Protected
	base.AddMethod(prot)
	mustDefine(t, reg, base)
	child := mustDefine(t, reg, NewClass("Child", base))
	outsider := mustDefine(t, reg, NewClass("Outsider"))

	// Private: only the declaring class itself.
	if _, _, err := ResolveMember(base, base, "secret", nil, base); err != nil {
		t.Errorf("private from declaring class: %v", err)
	}
	if _, _, err := ResolveMember(child, child, "secret", nil, child); err == nil {
		t.Error("private visible from subclass")
	}

	// Protected: the declaring class and its descendants.
	if _, _, err := ResolveMember(child, child, "guarded", nil, child); err != nil {
		t.Errorf("protected from subclass: %v", err)
	}
	if _, _, err := ResolveMember(child, child, "guarded", nil, outsider); err == nil {
		t.Error("protected visible from unrelated class")
	}
	if _, _, err := ResolveMember(child, child, "guarded", nil, nil); err == nil {
		t.Error("protected visible from free function")
	}
}

// ---------------------------------------------------------------------------
// Construction and casts
// ---------------------------------------------------------------------------

func testTask(t *testing.T, v *VM) *Task {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return v.newTask(ctx, cancel)
}

func TestConstructDiamondInitializesSharedAncestorOnce(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	var aInits int
	a := NewClass("A")
	a.SetCtor(&Method{Name: "init", Native: func(t *Task, recv Value, args []Value) (Value, *RaisedError) {
		aInits++
		return Null, nil
	}})
	mustDefine(t, v.Classes, a)
	b := mustDefine(t, v.Classes, NewClass("B", a))
	c := mustDefine(t, v.Classes, NewClass("C", a))
	d := mustDefine(t, v.Classes, NewClass("D", b, c))

	tk := testTask(t, v)
	if _, err := tk.Construct(d, nil); err != nil {
		t.Fatal(err)
	}
	if aInits != 1 {
		t.Errorf("shared ancestor constructed %d times, want 1", aInits)
	}
}

func TestConstructFieldDefaults(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	a := NewClass("A")
	a.AddField(Field{Name: "n", Mutable: true, Init: &ast.IntLit{Value: 7}})
	mustDefine(t, v.Classes, a)

	tk := testTask(t, v)
	inst, err := tk.Construct(a, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, rerr := tk.getField(inst, "n", nil, a)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if !got.IsInt() || got.Int() != 7 {
		t.Errorf("field n = %v, want 7", got)
	}
}

func TestCastToAncestorChangesDispatchStart(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	a := NewClass("A")
	a.AddMethod(nativeMethod("who", "A"))
	mustDefine(t, v.Classes, a)
	b := NewClass("B", a)
	b.AddMethod(nativeMethod("who", "B"))
	mustDefine(t, v.Classes, b)

	tk := testTask(t, v)
	inst, err := tk.Construct(b, nil)
	if err != nil {
		t.Fatal(err)
	}

	direct, rerr := tk.callVirtual(inst, "who", nil, nil, nil)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if s, _ := v.StringContent(direct); s != "B" {
		t.Errorf("direct dispatch = %q, want B", s)
	}

	view, rerr := tk.cast(inst, a, false)
	if rerr != nil {
		t.Fatal(rerr)
	}
	viewed, rerr := tk.callVirtual(view, "who", nil, nil, nil)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if s, _ := v.StringContent(viewed); s != "A" {
		t.Errorf("view dispatch = %q, want A", s)
	}
}

func TestCastFailures(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	a := mustDefine(t, v.Classes, NewClass("A"))
	other := mustDefine(t, v.Classes, NewClass("Other"))

	tk := testTask(t, v)
	inst, err := tk.Construct(a, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, rerr := tk.cast(inst, other, false); rerr == nil || rerr.Kind != ErrCast {
		t.Errorf("hard cast err = %v, want cast error", rerr)
	}
	soft, rerr := tk.cast(inst, other, true)
	if rerr != nil || !soft.IsNull() {
		t.Errorf("soft cast = (%v, %v), want null", soft, rerr)
	}

	// Casting to the exact class returns the raw instance, not a view.
	same, rerr := tk.cast(inst, a, false)
	if rerr != nil || same != inst {
		t.Errorf("cast to exact class = (%v, %v), want identity", same, rerr)
	}
}

func TestModuleClassRegistration(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	shape := NewClass("Shape")
	shape.AddMethod(nativeMethod("kind", "shape"))
	if err := v.Module("geom").Class(shape); err != nil {
		t.Fatal(err)
	}
	box := NewClass("Box", shape)
	if err := v.Module("geom").Class(box); err != nil {
		t.Fatal(err)
	}

	// Module registration goes through the same registry as Define: the
	// class is sealed, linearized, and protected from redefinition.
	if got := linString(box); got != "Box,Shape" {
		t.Errorf("linearization = %s, want Box,Shape", got)
	}
	if err := v.Module("geom").Class(NewClass("Shape")); err == nil {
		t.Error("redefining Shape through a module should fail")
	}

	tk := testTask(t, v)
	inst, err := tk.Construct(box, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, rerr := tk.callVirtual(inst, "kind", nil, nil, nil)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if s, _ := v.StringContent(got); s != "shape" {
		t.Errorf("kind() = %q, want shape", s)
	}
}

func TestMissingMemberHintNamesUnreachedDeclarer(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	base := mustDefine(t, v.Classes, NewClass("Base"))
	top := NewClass("Top", base)
	top.AddMethod(nativeMethod("extra", "t"))
	mustDefine(t, v.Classes, top)

	tk := testTask(t, v)
	inst, err := tk.Construct(top, nil)
	if err != nil {
		t.Fatal(err)
	}

	// Dispatch through a view of Base walks [Base] only, but "extra" does
	// exist on the receiver's full linearization. The error should point
	// at Top.
	view, rerr := tk.cast(inst, base, false)
	if rerr != nil {
		t.Fatal(rerr)
	}
	_, rerr = tk.callVirtual(view, "extra", nil, nil, nil)
	if rerr == nil || rerr.Kind != ErrMissingMember {
		t.Fatalf("err = %v, want missing member", rerr)
	}
	if !strings.Contains(rerr.Message, "Top declares") {
		t.Errorf("message lacks the declaring-class hint: %s", rerr.Message)
	}
}
