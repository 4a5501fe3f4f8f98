// Package ast defines the Vela AST consumed by the bytecode compiler.
// The parser that produces these nodes lives outside this repository; the
// types here are the shared boundary and carry no behavior beyond simple
// predicates.
package ast

import "fmt"

// Position is a location in the original source, for diagnostics.
type Position struct {
	Line int `json:"line"`
	Col  int `json:"col"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Col)
}

// Node is implemented by every AST node.
type Node interface {
	Pos() Position
}

// Expr is implemented by expression nodes.
type Expr interface {
	Node
	exprNode()
}

// Stmt is implemented by statement nodes.
type Stmt interface {
	Node
	stmtNode()
}

// ---------------------------------------------------------------------------
// Static types
//
// The compiler tracks a coarse static type per slot so it can pick
// type-specialized opcodes. TypeUnknown always falls back to polymorphic
// or fallback instructions; it is never an error.
// ---------------------------------------------------------------------------

// Type names recognized in declarations. Anything else (a class name, or the
// empty string) is treated as an object type.
const (
	TypeInt  = "Int"
	TypeReal = "Real"
	TypeBool = "Bool"
)

// Visibility of a class member.
type Visibility uint8

const (
	Public Visibility = iota
	Protected
	Private
)

func (v Visibility) String() string {
	switch v {
	case Protected:
		return "protected"
	case Private:
		return "private"
	default:
		return "public"
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// IntLit is an integer literal.
type IntLit struct {
	Value    int64
	Position Position
}

// RealLit is a floating-point literal.
type RealLit struct {
	Value    float64
	Position Position
}

// BoolLit is true or false.
type BoolLit struct {
	Value    bool
	Position Position
}

// StringLit is a string literal.
type StringLit struct {
	Value    string
	Position Position
}

// NullLit is the null literal.
type NullLit struct {
	Position Position
}

// Ident is a bare name reference: a local, a captured variable, or a
// top-level name, decided by the compiler's scope analysis.
type Ident struct {
	Name     string
	Position Position
}

// This refers to the receiver inside a method body.
type This struct {
	Position Position
}

// Binary is a binary operation. Op is one of "+", "-", "*", "/", "%",
// "==", "!=", "<", "<=", ">", ">=", "===", "&&", "||".
type Binary struct {
	Op       string
	Left     Expr
	Right    Expr
	Position Position
}

// Unary is a unary operation. Op is "-" or "!".
type Unary struct {
	Op       string
	Operand  Expr
	Position Position
}

// Assign assigns Value to Target. Target must be an Ident or a FieldAccess.
type Assign struct {
	Target   Expr
	Value    Expr
	Position Position
}

// Call invokes a top-level function or a callable value. When Callee is an
// Ident naming a registered function, the compiler emits a direct call;
// otherwise the callee is evaluated and called through a slot.
type Call struct {
	Callee   Expr
	Args     []Expr
	Position Position
}

// MethodCall invokes a method on a receiver. Qualifier, when non-empty,
// names an ancestor class for qualified dispatch (recv@Qualifier.Name(...)),
// starting member resolution at that ancestor's position in the
// linearization.
type MethodCall struct {
	Recv      Expr
	Name      string
	Qualifier string
	Args      []Expr
	Position  Position
}

// FieldAccess reads a field. Qualifier, when non-empty, binds storage on the
// named ancestor class directly instead of searching the linearization.
type FieldAccess struct {
	Recv      Expr
	Name      string
	Qualifier string
	Position  Position
}

// New constructs an instance of the named class.
type New struct {
	Class    string
	Args     []Expr
	Position Position
}

// Cast is `x as Type` (Soft=false) or `x as? Type` (Soft=true). A hard cast
// failure raises a cast error; a soft cast failure yields null.
type Cast struct {
	Operand  Expr
	Type     string
	Soft     bool
	Position Position
}

// Lambda is a function literal. Label, when non-empty, makes the lambda a
// return-to-label target (return@Label from nested code unwinds here).
type Lambda struct {
	Params   []Param
	Body     *Block
	Label    string
	Position Position
}

// Launch schedules Fn (a callable expression taking no arguments) to run as
// an independently scheduled task and yields a Deferred immediately.
type Launch struct {
	Fn       Expr
	Position Position
}

// Await suspends the current task until the Deferred operand completes,
// yielding its result or rethrowing its failure.
type Await struct {
	Operand  Expr
	Position Position
}

// Delay suspends the current task for at least Millis milliseconds.
type Delay struct {
	Millis   Expr
	Position Position
}

// IndexExpr reads an element of a list or map.
type IndexExpr struct {
	Recv     Expr
	Index    Expr
	Position Position
}

// ListLit constructs a list.
type ListLit struct {
	Elems    []Expr
	Position Position
}

func (e *IntLit) Pos() Position      { return e.Position }
func (e *RealLit) Pos() Position     { return e.Position }
func (e *BoolLit) Pos() Position     { return e.Position }
func (e *StringLit) Pos() Position   { return e.Position }
func (e *NullLit) Pos() Position     { return e.Position }
func (e *Ident) Pos() Position       { return e.Position }
func (e *This) Pos() Position        { return e.Position }
func (e *Binary) Pos() Position      { return e.Position }
func (e *Unary) Pos() Position       { return e.Position }
func (e *Assign) Pos() Position      { return e.Position }
func (e *Call) Pos() Position        { return e.Position }
func (e *MethodCall) Pos() Position  { return e.Position }
func (e *FieldAccess) Pos() Position { return e.Position }
func (e *New) Pos() Position         { return e.Position }
func (e *Cast) Pos() Position        { return e.Position }
func (e *Lambda) Pos() Position      { return e.Position }
func (e *Launch) Pos() Position      { return e.Position }
func (e *Await) Pos() Position       { return e.Position }
func (e *Delay) Pos() Position       { return e.Position }
func (e *IndexExpr) Pos() Position   { return e.Position }
func (e *ListLit) Pos() Position     { return e.Position }

func (*IntLit) exprNode()      {}
func (*RealLit) exprNode()     {}
func (*BoolLit) exprNode()     {}
func (*StringLit) exprNode()   {}
func (*NullLit) exprNode()     {}
func (*Ident) exprNode()       {}
func (*This) exprNode()        {}
func (*Binary) exprNode()      {}
func (*Unary) exprNode()       {}
func (*Assign) exprNode()      {}
func (*Call) exprNode()        {}
func (*MethodCall) exprNode()  {}
func (*FieldAccess) exprNode() {}
func (*New) exprNode()         {}
func (*Cast) exprNode()        {}
func (*Lambda) exprNode()      {}
func (*Launch) exprNode()      {}
func (*Await) exprNode()       {}
func (*Delay) exprNode()       {}
func (*IndexExpr) exprNode()   {}
func (*ListLit) exprNode()     {}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// VarDecl declares a local variable. Type may name a static type (Int, Real,
// Bool), a class, or be empty for an untyped slot.
type VarDecl struct {
	Name     string
	Type     string
	Mutable  bool
	Init     Expr
	Position Position
}

// ExprStmt evaluates an expression for its effect.
type ExprStmt struct {
	X        Expr
	Position Position
}

// Block is a brace-delimited statement sequence.
type Block struct {
	Stmts    []Stmt
	Position Position
}

// If is a conditional statement.
type If struct {
	Cond     Expr
	Then     *Block
	Else     *Block
	Position Position
}

// While is a loop.
type While struct {
	Cond     Expr
	Body     *Block
	Position Position
}

// Return exits the enclosing function with an optional value. Label, when
// non-empty, is a non-local return: execution unwinds to the function or
// lambda that declared the label, which returns Value to its caller.
type Return struct {
	Value    Expr
	Label    string
	Position Position
}

// Raise raises a script error carrying the operand as its message.
type Raise struct {
	Operand  Expr
	Position Position
}

// Try runs Body; if a raised error unwinds out of it, CatchVar is bound to
// the error value and Catch runs.
type Try struct {
	Body     *Block
	CatchVar string
	Catch    *Block
	Position Position
}

func (s *VarDecl) Pos() Position  { return s.Position }
func (s *ExprStmt) Pos() Position { return s.Position }
func (s *Block) Pos() Position    { return s.Position }
func (s *If) Pos() Position       { return s.Position }
func (s *While) Pos() Position    { return s.Position }
func (s *Return) Pos() Position   { return s.Position }
func (s *Raise) Pos() Position    { return s.Position }
func (s *Try) Pos() Position      { return s.Position }

func (*VarDecl) stmtNode()  {}
func (*ExprStmt) stmtNode() {}
func (*Block) stmtNode()    {}
func (*If) stmtNode()       {}
func (*While) stmtNode()    {}
func (*Return) stmtNode()   {}
func (*Raise) stmtNode()    {}
func (*Try) stmtNode()      {}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

// Param is a function or method parameter.
type Param struct {
	Name string
	Type string
}

// FuncDecl is a top-level function or a method body. A function's own name
// doubles as a return label (return@name).
type FuncDecl struct {
	Name     string
	Vis      Visibility
	Params   []Param
	Body     *Block
	Position Position
}

func (d *FuncDecl) Pos() Position { return d.Position }

// AncestorRef names a direct ancestor in a class header, with optional
// constructor arguments (evaluated in the constructing class's init scope).
type AncestorRef struct {
	Name string
	Args []Expr
}

// FieldDecl declares field storage on a class. Every declaring class owns
// its own storage: same-named fields on different ancestors never merge.
type FieldDecl struct {
	Name     string
	Type     string
	Vis      Visibility
	Mutable  bool
	Init     Expr
	Position Position
}

// ClassDecl declares a class with zero or more direct ancestors.
type ClassDecl struct {
	Name      string
	Ancestors []AncestorRef
	Fields    []FieldDecl
	Init      *FuncDecl // optional constructor
	Methods   []*FuncDecl
	Position  Position
}

func (d *ClassDecl) Pos() Position { return d.Position }
