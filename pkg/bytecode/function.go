// Package bytecode defines the compiled representation executed by the Vela
// VM: typed instructions (Cmd), the immutable compiled unit (CmdFunction),
// and the Builder that assembles and validates them.
package bytecode

import (
	"fmt"
	"sync"

	"github.com/vela-lang/vela/pkg/ast"
)

// Cmd is one instruction: an opcode plus up to four operands. The operand
// kinds for each position are fixed per opcode (see OpInfo) and validated by
// the Builder, so the interpreter dispatches on Op alone and reads operands
// without runtime kind tests.
type Cmd struct {
	Op         Opcode
	A, B, C, D int32
}

// Operands returns the populated operand values in positional order.
func (c Cmd) Operands() []int32 {
	all := [4]int32{c.A, c.B, c.C, c.D}
	return all[:c.Op.Arity()]
}

// SlotKind is the declared kind of a local slot, fixed at compile time for
// that slot index. Runtime conversions between kinds are explicit opcodes.
type SlotKind uint8

const (
	SlotObject SlotKind = iota
	SlotInt
	SlotReal
	SlotBool
)

func (k SlotKind) String() string {
	switch k {
	case SlotInt:
		return "int"
	case SlotReal:
		return "real"
	case SlotBool:
		return "bool"
	default:
		return "object"
	}
}

// SlotKindFor maps a declared type name to a slot kind. Class names and the
// empty string are object slots.
func SlotKindFor(typeName string) SlotKind {
	switch typeName {
	case ast.TypeInt:
		return SlotInt
	case ast.TypeReal:
		return SlotReal
	case ast.TypeBool:
		return SlotBool
	default:
		return SlotObject
	}
}

// LocalInfo describes one local slot, for diagnostics and the fallback
// evaluator.
type LocalInfo struct {
	Name    string
	Kind    SlotKind
	Mutable bool
}

// ScopeSlotInfo describes one captured slot referenced by the function:
// its depth in the enclosing frame chain, its index within that frame, and
// an optional name for diagnostics and closures.
type ScopeSlotInfo struct {
	Depth int32
	Index int32
	Name  string
}

// ConstKind tags a constant pool entry.
type ConstKind uint8

const (
	ConstInt ConstKind = iota
	ConstReal
	ConstString
	ConstFunc  // nested compiled function (closure body)
	ConstClass // class reference by name, resolved in the VM registry
	ConstNode  // AST node for the fallback evaluator
)

// Const is one constant pool entry.
type Const struct {
	Kind ConstKind
	Int  int64
	Real float64
	Str  string // ConstString and ConstClass payload
	Fn   *CmdFunction
	Node ast.Node
}

func (c Const) String() string {
	switch c.Kind {
	case ConstInt:
		return fmt.Sprintf("int %d", c.Int)
	case ConstReal:
		return fmt.Sprintf("real %g", c.Real)
	case ConstString:
		return fmt.Sprintf("string %q", c.Str)
	case ConstFunc:
		return fmt.Sprintf("func %s", c.Fn.Name)
	case ConstClass:
		return fmt.Sprintf("class %s", c.Str)
	case ConstNode:
		return "node"
	default:
		return "const?"
	}
}

// CmdFunction is the compiled, immutable unit of bytecode for one function,
// method, or top-level body. It is safe for concurrent execution; all
// per-invocation state lives in the interpreter frame.
type CmdFunction struct {
	Name  string
	Owner string // declaring class for methods, "" for free functions
	Label string // non-local return label; "" if the function declares none

	NumParams int
	NumLocals int // includes parameters, which occupy slots 0..NumParams-1
	NumScope  int // size of the scope frame this function allocates

	Locals    []LocalInfo
	ScopeInfo []ScopeSlotInfo

	Consts []Const
	Cmds   []Cmd
}

// LocalIndex returns the slot index of the named local, or -1.
func (f *CmdFunction) LocalIndex(name string) int {
	for i, l := range f.Locals {
		if l.Name == name {
			return i
		}
	}
	return -1
}

// ConstAt returns the constant pool entry at idx.
// The Builder guarantees every compiled CONST operand is in range.
func (f *CmdFunction) ConstAt(idx int32) Const {
	return f.Consts[idx]
}

// ---------------------------------------------------------------------------
// SymbolTable: interned member and label names
// ---------------------------------------------------------------------------

// SymbolTable interns member, function, and label names to dense ids used in
// ID operands. It is safe for concurrent use.
type SymbolTable struct {
	mu    sync.RWMutex
	names []string
	ids   map[string]int32
}

// NewSymbolTable creates an empty symbol table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{ids: make(map[string]int32)}
}

// Intern returns the id for name, assigning one if needed.
func (t *SymbolTable) Intern(name string) int32 {
	t.mu.RLock()
	id, ok := t.ids[name]
	t.mu.RUnlock()
	if ok {
		return id
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if id, ok := t.ids[name]; ok {
		return id
	}
	id = int32(len(t.names))
	t.names = append(t.names, name)
	t.ids[name] = id
	return id
}

// Lookup returns the id for name, or -1 if it has never been interned.
func (t *SymbolTable) Lookup(name string) int32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id, ok := t.ids[name]; ok {
		return id
	}
	return -1
}

// Name returns the name for an id, or "" if out of range.
func (t *SymbolTable) Name(id int32) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if id < 0 || int(id) >= len(t.names) {
		return ""
	}
	return t.names[id]
}

// Len returns the number of interned symbols.
func (t *SymbolTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.names)
}
