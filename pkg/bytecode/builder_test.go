package bytecode

import (
	"errors"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Builder assembly and label resolution
// ---------------------------------------------------------------------------

func TestBuilderSimpleFunction(t *testing.T) {
	b := NewBuilder("double")
	x := b.AddParam("x", SlotInt)
	out := b.AddLocal("out", SlotInt, true)
	b.Emit(OpAddII, out, x, x)
	b.Emit(OpReturn, out)

	fn, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if fn.NumParams != 1 || fn.NumLocals != 2 {
		t.Errorf("params=%d locals=%d, want 1 and 2", fn.NumParams, fn.NumLocals)
	}
	if len(fn.Cmds) != 2 {
		t.Fatalf("len(Cmds) = %d, want 2", len(fn.Cmds))
	}
	if fn.Cmds[0].Op != OpAddII || fn.Cmds[0].B != x || fn.Cmds[0].C != x {
		t.Errorf("cmd 0 = %+v", fn.Cmds[0])
	}
}

func TestBuilderForwardLabel(t *testing.T) {
	b := NewBuilder("branch")
	cond := b.AddParam("cond", SlotBool)
	out := b.AddLocal("out", SlotInt, true)
	end := b.NewLabel()
	b.EmitBranch(OpJumpIfFalse, cond, end)
	b.Emit(OpLoadConst, out, b.IntConst(1))
	b.MarkLabel(end)
	b.Emit(OpReturn, out)

	fn, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if fn.Cmds[0].B != 2 {
		t.Errorf("branch target = %d, want 2", fn.Cmds[0].B)
	}
}

func TestBuilderBackwardLabel(t *testing.T) {
	b := NewBuilder("loop")
	i := b.AddParam("i", SlotInt)
	top := b.NewLabel()
	b.MarkLabel(top)
	b.Emit(OpIncInt, i)
	b.EmitJump(top)

	fn, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	if fn.Cmds[1].Op != OpJump || fn.Cmds[1].A != 0 {
		t.Errorf("jump = %+v, want target 0", fn.Cmds[1])
	}
}

func TestBuilderUnmarkedLabelFails(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	l := b.NewLabel()
	b.EmitJump(l)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func TestBuilderWrongOperandCount(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	b.Emit(OpMove, 0)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

func TestBuilderSlotOutOfRange(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	b.Emit(OpMove, 0, 7)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

func TestBuilderConstOutOfRange(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	b.Emit(OpLoadConst, 0, 3)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

func TestBuilderRejectsRawIPOperand(t *testing.T) {
	b := NewBuilder("bad")
	b.Emit(OpJump, 3)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

func TestBuilderParamAfterLocalFails(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	b.AddParam("late", SlotInt)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

func TestBuilderNegativeIDOperand(t *testing.T) {
	b := NewBuilder("bad")
	b.AddLocal("x", SlotObject, true)
	b.Emit(OpGetField, 0, 0, -1)
	if _, err := b.Build(); !errors.Is(err, ErrBuild) {
		t.Fatalf("Build() err = %v, want ErrBuild", err)
	}
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

func TestConstDeduplication(t *testing.T) {
	b := NewBuilder("consts")
	if b.IntConst(42) != b.IntConst(42) {
		t.Error("equal int constants not deduplicated")
	}
	if b.StringConst("a") == b.StringConst("b") {
		t.Error("distinct strings share a pool slot")
	}
	if b.IntConst(42) == b.RealConst(42) {
		t.Error("int and real constants share a pool slot")
	}

	inner, err := NewBuilder("inner").Build()
	if err != nil {
		t.Fatal(err)
	}
	f1 := b.Const(Const{Kind: ConstFunc, Fn: inner})
	f2 := b.Const(Const{Kind: ConstFunc, Fn: inner})
	if f1 == f2 {
		t.Error("function constants must not be deduplicated")
	}
}

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

func TestDisassembleListing(t *testing.T) {
	b := NewBuilder("greet")
	s := b.AddLocal("s", SlotObject, true)
	b.Emit(OpLoadConst, s, b.StringConst("hello"))
	b.Emit(OpReturn, s)
	fn, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	out := Disassemble(fn)
	for _, want := range []string{"func greet", "LOAD_CONST", `string "hello"`, "s0(s)", "RETURN"} {
		if !strings.Contains(out, want) {
			t.Errorf("listing missing %q:\n%s", want, out)
		}
	}
}
