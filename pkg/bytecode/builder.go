package bytecode

import (
	"errors"
	"fmt"
)

// ErrBuild wraps every builder validation failure so callers can
// distinguish build-time contract violations from runtime errors.
var ErrBuild = errors.New("bytecode build error")

// Label is a forward-referenceable jump target. Labels are created by the
// Builder, marked at an instruction position, and resolved to absolute
// instruction indices in Build. Jumping to a label that is never marked is a
// build failure, not a runtime one.
type Label int32

const unmarked int32 = -1

type patch struct {
	cmdIdx  int
	operand int // 0..3
	label   Label
}

// Builder assembles a CmdFunction. It validates operand arity and kinds as
// instructions are emitted and resolves labels when built; a Builder that
// returned an error from Build must be discarded.
type Builder struct {
	fn      CmdFunction
	labels  []int32 // label -> instruction index, or unmarked
	patches []patch
	err     error
}

// NewBuilder starts a function with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{fn: CmdFunction{Name: name}}
}

// SetOwner records the declaring class for a method body.
func (b *Builder) SetOwner(class string) { b.fn.Owner = class }

// SetLabel declares the function's own non-local return label.
func (b *Builder) SetLabel(label string) { b.fn.Label = label }

// AddParam declares the next parameter. Parameters occupy the leading local
// slots in declaration order.
func (b *Builder) AddParam(name string, kind SlotKind) int32 {
	if b.fn.NumLocals != b.fn.NumParams {
		b.fail("parameter %q declared after locals", name)
		return 0
	}
	b.fn.NumParams++
	return b.AddLocal(name, kind, false)
}

// AddLocal declares a local slot and returns its index.
func (b *Builder) AddLocal(name string, kind SlotKind, mutable bool) int32 {
	idx := int32(b.fn.NumLocals)
	b.fn.NumLocals++
	b.fn.Locals = append(b.fn.Locals, LocalInfo{Name: name, Kind: kind, Mutable: mutable})
	return idx
}

// AddScopeSlot grows the function's own scope frame by one captured slot and
// records its metadata. Depth 0 refers to the frame this function allocates.
func (b *Builder) AddScopeSlot(name string) int32 {
	idx := int32(b.fn.NumScope)
	b.fn.NumScope++
	b.fn.ScopeInfo = append(b.fn.ScopeInfo, ScopeSlotInfo{Depth: 0, Index: idx, Name: name})
	return idx
}

// NoteScopeRef records metadata for a captured slot referenced at an outer
// depth, for diagnostics.
func (b *Builder) NoteScopeRef(depth, index int32, name string) {
	for _, s := range b.fn.ScopeInfo {
		if s.Depth == depth && s.Index == index {
			return
		}
	}
	b.fn.ScopeInfo = append(b.fn.ScopeInfo, ScopeSlotInfo{Depth: depth, Index: index, Name: name})
}

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// Const adds an entry to the constant pool and returns its index.
// Scalar and name entries are deduplicated; function and node entries are not.
func (b *Builder) Const(c Const) int32 {
	if c.Kind != ConstFunc && c.Kind != ConstNode {
		for i, existing := range b.fn.Consts {
			if existing.Kind == c.Kind && existing.Int == c.Int &&
				existing.Real == c.Real && existing.Str == c.Str {
				return int32(i)
			}
		}
	}
	idx := int32(len(b.fn.Consts))
	b.fn.Consts = append(b.fn.Consts, c)
	return idx
}

// IntConst interns an integer constant.
func (b *Builder) IntConst(v int64) int32 { return b.Const(Const{Kind: ConstInt, Int: v}) }

// RealConst interns a real constant.
func (b *Builder) RealConst(v float64) int32 { return b.Const(Const{Kind: ConstReal, Real: v}) }

// StringConst interns a string constant.
func (b *Builder) StringConst(s string) int32 { return b.Const(Const{Kind: ConstString, Str: s}) }

// ClassConst interns a class reference by name.
func (b *Builder) ClassConst(name string) int32 { return b.Const(Const{Kind: ConstClass, Str: name}) }

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

// Emit appends an instruction, checking operand arity immediately.
// IP operands must be emitted through the jump helpers so they resolve
// through labels.
func (b *Builder) Emit(op Opcode, operands ...int32) int {
	info := op.Info()
	if len(operands) != len(info.Kinds) {
		b.fail("%s expects %d operands, got %d", info.Name, len(info.Kinds), len(operands))
		return len(b.fn.Cmds)
	}
	for i, k := range info.Kinds {
		if k == KindIP {
			b.fail("%s: IP operand %d must be emitted via a label", info.Name, i)
			return len(b.fn.Cmds)
		}
	}
	return b.append(op, operands)
}

// NewLabel creates an unmarked label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, unmarked)
	return Label(len(b.labels) - 1)
}

// MarkLabel pins a label to the next emitted instruction.
func (b *Builder) MarkLabel(l Label) {
	if int(l) >= len(b.labels) {
		b.fail("mark of undeclared label %d", l)
		return
	}
	b.labels[l] = int32(len(b.fn.Cmds))
}

// EmitJump emits OpJump to a label.
func (b *Builder) EmitJump(l Label) int {
	idx := b.append(OpJump, []int32{0})
	b.patches = append(b.patches, patch{cmdIdx: idx, operand: 0, label: l})
	return idx
}

// EmitBranch emits a conditional jump (OpJumpIfFalse or OpJumpIfTrue) on the
// condition slot, targeting a label.
func (b *Builder) EmitBranch(op Opcode, cond int32, l Label) int {
	if op != OpJumpIfFalse && op != OpJumpIfTrue {
		b.fail("EmitBranch on non-branch opcode %s", op)
		return len(b.fn.Cmds)
	}
	idx := b.append(op, []int32{cond, 0})
	b.patches = append(b.patches, patch{cmdIdx: idx, operand: 1, label: l})
	return idx
}

// EmitPushHandler installs a handler whose catch body starts at the label and
// binds the raised error to the given slot.
func (b *Builder) EmitPushHandler(l Label, errSlot int32) int {
	idx := b.append(OpPushHandler, []int32{0, errSlot})
	b.patches = append(b.patches, patch{cmdIdx: idx, operand: 0, label: l})
	return idx
}

func (b *Builder) append(op Opcode, operands []int32) int {
	idx := len(b.fn.Cmds)
	var cmd Cmd
	cmd.Op = op
	switch len(operands) {
	case 4:
		cmd.D = operands[3]
		fallthrough
	case 3:
		cmd.C = operands[2]
		fallthrough
	case 2:
		cmd.B = operands[1]
		fallthrough
	case 1:
		cmd.A = operands[0]
	}
	b.fn.Cmds = append(b.fn.Cmds, cmd)
	return idx
}

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("%w: %s: %s", ErrBuild, b.fn.Name, fmt.Sprintf(format, args...))
	}
}

// ---------------------------------------------------------------------------
// Build: label resolution and final validation
// ---------------------------------------------------------------------------

// Build resolves labels, validates every operand against its declared kind,
// and returns the finished immutable CmdFunction. All failures here are
// compilation failures; none can be deferred to run time.
func (b *Builder) Build() (*CmdFunction, error) {
	if b.err != nil {
		return nil, b.err
	}

	for _, p := range b.patches {
		target := b.labels[p.label]
		if target == unmarked {
			return nil, fmt.Errorf("%w: %s: unresolved label %d", ErrBuild, b.fn.Name, p.label)
		}
		b.setOperand(p.cmdIdx, p.operand, target)
	}

	for idx, cmd := range b.fn.Cmds {
		if err := b.validate(idx, cmd); err != nil {
			return nil, err
		}
	}

	fn := b.fn
	b.fn = CmdFunction{}
	return &fn, nil
}

func (b *Builder) setOperand(cmdIdx, operand int, v int32) {
	c := &b.fn.Cmds[cmdIdx]
	switch operand {
	case 0:
		c.A = v
	case 1:
		c.B = v
	case 2:
		c.C = v
	case 3:
		c.D = v
	}
}

func (b *Builder) validate(idx int, cmd Cmd) error {
	info := cmd.Op.Info()
	ops := cmd.Operands()
	for i, k := range info.Kinds {
		v := ops[i]
		ok := true
		switch k {
		case KindSlot:
			ok = v >= 0 && int(v) < b.fn.NumLocals
		case KindConst:
			ok = v >= 0 && int(v) < len(b.fn.Consts)
		case KindIP:
			ok = v >= 0 && int(v) <= len(b.fn.Cmds)
		case KindAddr, KindCount, KindID:
			ok = v >= 0
		}
		if !ok {
			return fmt.Errorf("%w: %s: cmd %d %s operand %d (%s) out of range: %d",
				ErrBuild, b.fn.Name, idx, info.Name, i, k, v)
		}
	}
	return nil
}
