package compiler

import (
	"fmt"

	"github.com/vela-lang/vela/pkg/ast"
	"github.com/vela-lang/vela/pkg/bytecode"
	"github.com/vela-lang/vela/vm"
)

// Env is the compilation environment: the shared symbol table plus the
// top-level names the compiler can bind statically. Anything it cannot bind
// is parked for the fallback evaluator instead of failing.
type Env struct {
	Symbols *bytecode.SymbolTable
	Funcs   map[string]int32
	Classes map[string]bool
}

// NewEnv creates an empty environment with a fresh symbol table.
func NewEnv() *Env {
	return &Env{
		Symbols: bytecode.NewSymbolTable(),
		Funcs:   make(map[string]int32),
		Classes: make(map[string]bool),
	}
}

// EnvFromVM snapshots a VM's registrations, sharing its symbol table so
// interned ids agree between compiled code and the interpreter.
func EnvFromVM(v *vm.VM) *Env {
	env := &Env{
		Symbols: v.Symbols,
		Funcs:   v.Funcs(),
		Classes: make(map[string]bool),
	}
	for _, c := range v.Classes.All() {
		env.Classes[c.Name] = true
	}
	return env
}

// sType is the compiler's coarse static type per slot, used to pick
// type-specialized opcodes. tUnknown always compiles, via the polymorphic
// forms.
type sType uint8

const (
	tUnknown sType = iota
	tInt
	tReal
	tBool
	tString
	tObject
)

func typeOfName(typeName string) sType {
	switch typeName {
	case ast.TypeInt:
		return tInt
	case ast.TypeReal:
		return tReal
	case ast.TypeBool:
		return tBool
	case "":
		return tUnknown
	default:
		return tObject
	}
}

// Compiler accumulates errors across one compilation unit.
type Compiler struct {
	env  *Env
	errs []error
}

func (c *Compiler) errf(pos ast.Position, format string, args ...any) {
	c.errs = append(c.errs, fmt.Errorf("%s: %s", pos, fmt.Sprintf(format, args...)))
}

func (c *Compiler) firstErr() error {
	if len(c.errs) > 0 {
		return c.errs[0]
	}
	return nil
}

// Compile translates a top-level function declaration. The function's own
// name doubles as its non-local return label.
func Compile(env *Env, d *ast.FuncDecl) (*bytecode.CmdFunction, error) {
	c := &Compiler{env: env}
	caps := analyzeFunction(d, d.Params, d.Body)
	fn := c.compileBody(nil, d, d.Name, "", d.Name, d.Params, 0, d.Body, &caps)
	if err := c.firstErr(); err != nil {
		return nil, err
	}
	return fn, nil
}

// CompileMethod translates a method or constructor body declared on owner.
// The receiver becomes the implicit leading parameter, so `this` resolves
// and is capturable like any other name.
func CompileMethod(env *Env, owner string, d *ast.FuncDecl) (*bytecode.CmdFunction, error) {
	c := &Compiler{env: env}
	params := make([]ast.Param, 0, len(d.Params)+1)
	params = append(params, ast.Param{Name: "this", Type: owner})
	params = append(params, d.Params...)
	caps := analyzeFunction(d, params, d.Body)
	fn := c.compileBody(nil, d, owner+"."+d.Name, owner, d.Name, params, 0, d.Body, &caps)
	if err := c.firstErr(); err != nil {
		return nil, err
	}
	return fn, nil
}

// Register compiles a top-level function, installs it in the VM, and
// records its id so later compilations bind calls to it directly.
func Register(v *vm.VM, env *Env, d *ast.FuncDecl) (int32, error) {
	fn, err := Compile(env, d)
	if err != nil {
		return 0, err
	}
	id := v.RegisterFunc(fn)
	env.Funcs[d.Name] = id
	return id, nil
}

// DefineClass compiles a class declaration's constructor and methods,
// builds the runtime class, and defines it in the VM registry, which
// computes and seals its linearization.
func DefineClass(v *vm.VM, env *Env, d *ast.ClassDecl) (*vm.Class, error) {
	ancestors := make([]*vm.Class, len(d.Ancestors))
	headerArgs := make([][]ast.Expr, len(d.Ancestors))
	for i, ref := range d.Ancestors {
		a := v.Classes.Lookup(ref.Name)
		if a == nil {
			return nil, fmt.Errorf("class %s: unknown ancestor %s", d.Name, ref.Name)
		}
		ancestors[i] = a
		headerArgs[i] = ref.Args
	}

	cls := vm.NewClass(d.Name, ancestors...)
	cls.HeaderArgs = headerArgs
	for _, f := range d.Fields {
		if err := cls.AddField(vm.Field{
			Name:    f.Name,
			Vis:     f.Vis,
			Mutable: f.Mutable,
			Init:    f.Init,
		}); err != nil {
			return nil, err
		}
	}

	if d.Init != nil {
		fn, err := CompileMethod(env, d.Name, d.Init)
		if err != nil {
			return nil, err
		}
		if err := cls.SetCtor(&vm.Method{
			Name:  d.Init.Name,
			Vis:   d.Init.Vis,
			Arity: len(d.Init.Params),
			Fn:    fn,
		}); err != nil {
			return nil, err
		}
	}
	for _, m := range d.Methods {
		fn, err := CompileMethod(env, d.Name, m)
		if err != nil {
			return nil, err
		}
		if err := cls.AddMethod(&vm.Method{
			Name:  m.Name,
			Vis:   m.Vis,
			Arity: len(m.Params),
			Fn:    fn,
		}); err != nil {
			return nil, err
		}
	}

	if err := v.Classes.Define(cls); err != nil {
		return nil, err
	}
	env.Classes[d.Name] = true
	return cls, nil
}

// ---------------------------------------------------------------------------
// Function contexts and bindings
// ---------------------------------------------------------------------------

// frameRec mirrors one runtime scope frame during code generation. The
// chain crosses lambda boundaries the same way the runtime chain does, so
// a captured reference's depth is the number of links from the current
// innermost frame to the frame that holds the declaration.
type frameRec struct {
	parent *frameRec
	next   int32 // next slot index for block frames
}

// binding is one resolved variable: a plain local slot or a captured slot
// in its declaring frame.
type binding struct {
	name     string
	typ      sType
	mutable  bool
	captured bool
	slot     int32 // local index, or scope index within frame
	frame    *frameRec
	owner    *funcCtx
}

type funcCtx struct {
	c      *Compiler
	parent *funcCtx
	node   ast.Node
	owner  string // declaring class for methods and their lambdas
	label  string
	b      *bytecode.Builder
	caps   *captureInfo
	frame  *frameRec // innermost frame open at the current emission point
	scopes []map[string]*binding
}

func (c *Compiler) compileBody(parent *funcCtx, node ast.Node, fullName, owner, label string, params []ast.Param, paramKeyBase int, body *ast.Block, caps *captureInfo) *bytecode.CmdFunction {
	fc := &funcCtx{
		c:      c,
		parent: parent,
		node:   node,
		owner:  owner,
		label:  label,
		b:      bytecode.NewBuilder(fullName),
		caps:   caps,
	}
	if parent != nil {
		fc.frame = parent.frame
	}
	if owner != "" {
		fc.b.SetOwner(owner)
	}
	if label != "" {
		fc.b.SetLabel(label)
	}
	fc.pushScope()

	// Captured parameters live in the entry frame, allocated by the
	// interpreter at call time from the function's scope-slot count.
	if caps.frameSize[node] > 0 {
		fc.frame = &frameRec{parent: fc.frame}
	}
	for i, p := range params {
		slot := fc.b.AddParam(p.Name, bytecode.SlotKindFor(p.Type))
		key := declKey{node: node, param: paramKeyBase + i}
		bnd := &binding{name: p.Name, typ: typeOfName(p.Type), mutable: true, slot: slot, owner: fc}
		if caps.captured[key] {
			// Captured parameters arrive in their local slot and are
			// copied into the frame before the body runs.
			scopeIdx := fc.b.AddScopeSlot(p.Name)
			fc.b.Emit(bytecode.OpStoreScope, 0, scopeIdx, slot)
			bnd.captured = true
			bnd.slot = scopeIdx
			bnd.frame = fc.frame
		}
		fc.bind(p.Name, bnd)
	}

	fc.blockStmts(body)
	fc.b.Emit(bytecode.OpReturnNull)

	fn, err := fc.b.Build()
	if err != nil {
		c.errs = append(c.errs, err)
		return nil
	}
	return fn
}

func (fc *funcCtx) pushScope() {
	fc.scopes = append(fc.scopes, make(map[string]*binding))
}

func (fc *funcCtx) popScope() {
	fc.scopes = fc.scopes[:len(fc.scopes)-1]
}

func (fc *funcCtx) bind(name string, b *binding) {
	fc.scopes[len(fc.scopes)-1][name] = b
}

// lookup resolves a name through this function's blocks and then the
// enclosing functions'.
func (fc *funcCtx) lookup(name string) (*binding, bool) {
	for f := fc; f != nil; f = f.parent {
		for i := len(f.scopes) - 1; i >= 0; i-- {
			if b, ok := f.scopes[i][name]; ok {
				return b, true
			}
		}
	}
	return nil, false
}

// frameDepth returns the scope-chain depth of target as seen from the
// current emission point.
func (fc *funcCtx) frameDepth(target *frameRec) int32 {
	var d int32
	for f := fc.frame; f != target; f = f.parent {
		d++
	}
	return d
}

// temp allocates an anonymous local slot for an intermediate value.
func (fc *funcCtx) temp() int32 {
	return fc.b.AddLocal("", bytecode.SlotObject, true)
}

// load materializes a binding into a readable slot.
func (fc *funcCtx) load(b *binding) (int32, sType) {
	if !b.captured {
		if b.owner != fc {
			// The analyzer marks every cross-function reference captured;
			// reaching here means the passes disagree.
			fc.c.errf(ast.Position{}, "internal: uncaptured non-local %q", b.name)
			return fc.temp(), tUnknown
		}
		return b.slot, b.typ
	}
	depth := fc.frameDepth(b.frame)
	dst := fc.temp()
	fc.b.NoteScopeRef(depth, b.slot, b.name)
	fc.b.Emit(bytecode.OpLoadScope, dst, depth, b.slot)
	return dst, b.typ
}

// store writes src into a binding.
func (fc *funcCtx) store(b *binding, src int32) {
	if !b.captured {
		if b.slot != src {
			fc.b.Emit(bytecode.OpMove, b.slot, src)
		}
		return
	}
	depth := fc.frameDepth(b.frame)
	fc.b.NoteScopeRef(depth, b.slot, b.name)
	fc.b.Emit(bytecode.OpStoreScope, depth, b.slot, src)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// blockStmts compiles a block. A block whose declarations are captured by
// nested closures pushes a fresh frame on every entry, so each iteration of
// an enclosing loop gets its own cells.
func (fc *funcCtx) blockStmts(b *ast.Block) {
	if b == nil {
		return
	}
	fc.pushScope()
	size := fc.caps.frameSize[b]
	if size > 0 {
		fc.b.Emit(bytecode.OpPushFrame, int32(size))
		fc.frame = &frameRec{parent: fc.frame}
	}
	for _, s := range b.Stmts {
		fc.stmt(s)
	}
	if size > 0 {
		fc.b.Emit(bytecode.OpPopFrame)
		fc.frame = fc.frame.parent
	}
	fc.popScope()
}

func (fc *funcCtx) stmt(s ast.Stmt) {
	switch n := s.(type) {
	case *ast.VarDecl:
		var src int32
		declared := typeOfName(n.Type)
		if n.Init != nil {
			var it sType
			src, it = fc.expr(n.Init)
			if declared == tUnknown {
				declared = it
			} else if declared == tReal && it == tInt {
				conv := fc.temp()
				fc.b.Emit(bytecode.OpIntToReal, conv, src)
				src = conv
			}
		} else {
			src = fc.temp()
			fc.b.Emit(bytecode.OpLoadNull, src)
		}
		key := declKey{node: n, param: -1}
		if fc.caps.captured[key] {
			idx := fc.frame.next
			fc.frame.next++
			fc.b.NoteScopeRef(0, idx, n.Name)
			fc.b.Emit(bytecode.OpStoreScope, 0, idx, src)
			fc.bind(n.Name, &binding{name: n.Name, typ: declared, mutable: n.Mutable, captured: true, slot: idx, frame: fc.frame, owner: fc})
		} else {
			slot := fc.b.AddLocal(n.Name, bytecode.SlotKindFor(n.Type), n.Mutable)
			fc.b.Emit(bytecode.OpMove, slot, src)
			fc.bind(n.Name, &binding{name: n.Name, typ: declared, mutable: n.Mutable, slot: slot, owner: fc})
		}

	case *ast.ExprStmt:
		fc.expr(n.X)

	case *ast.Block:
		fc.blockStmts(n)

	case *ast.If:
		cond, _ := fc.expr(n.Cond)
		elseL := fc.b.NewLabel()
		fc.b.EmitBranch(bytecode.OpJumpIfFalse, cond, elseL)
		fc.blockStmts(n.Then)
		if n.Else != nil {
			endL := fc.b.NewLabel()
			fc.b.EmitJump(endL)
			fc.b.MarkLabel(elseL)
			fc.blockStmts(n.Else)
			fc.b.MarkLabel(endL)
		} else {
			fc.b.MarkLabel(elseL)
		}

	case *ast.While:
		startL := fc.b.NewLabel()
		endL := fc.b.NewLabel()
		fc.b.MarkLabel(startL)
		cond, _ := fc.expr(n.Cond)
		fc.b.EmitBranch(bytecode.OpJumpIfFalse, cond, endL)
		fc.blockStmts(n.Body)
		fc.b.EmitJump(startL)
		fc.b.MarkLabel(endL)

	case *ast.Return:
		if n.Label != "" {
			var src int32
			if n.Value != nil {
				src, _ = fc.expr(n.Value)
			} else {
				src = fc.temp()
				fc.b.Emit(bytecode.OpLoadNull, src)
			}
			fc.b.Emit(bytecode.OpReturnLabel, fc.c.env.Symbols.Intern(n.Label), src)
			return
		}
		if n.Value != nil {
			src, _ := fc.expr(n.Value)
			fc.b.Emit(bytecode.OpReturn, src)
		} else {
			fc.b.Emit(bytecode.OpReturnNull)
		}

	case *ast.Raise:
		src, _ := fc.expr(n.Operand)
		fc.b.Emit(bytecode.OpRaise, src)

	case *ast.Try:
		errSlot := fc.b.AddLocal(n.CatchVar, bytecode.SlotObject, false)
		catchL := fc.b.NewLabel()
		endL := fc.b.NewLabel()
		fc.b.EmitPushHandler(catchL, errSlot)
		fc.blockStmts(n.Body)
		fc.b.Emit(bytecode.OpPopHandler)
		fc.b.EmitJump(endL)
		fc.b.MarkLabel(catchL)
		fc.pushScope()
		size := fc.caps.frameSize[n]
		if size > 0 {
			fc.b.Emit(bytecode.OpPushFrame, int32(size))
			fc.frame = &frameRec{parent: fc.frame}
		}
		if n.CatchVar != "" {
			key := declKey{node: n, param: -1}
			bnd := &binding{name: n.CatchVar, typ: tObject, slot: errSlot, owner: fc}
			if fc.caps.captured[key] {
				idx := fc.frame.next
				fc.frame.next++
				fc.b.NoteScopeRef(0, idx, n.CatchVar)
				fc.b.Emit(bytecode.OpStoreScope, 0, idx, errSlot)
				bnd.captured = true
				bnd.slot = idx
				bnd.frame = fc.frame
			}
			fc.bind(n.CatchVar, bnd)
		}
		fc.blockStmts(n.Catch)
		if size > 0 {
			fc.b.Emit(bytecode.OpPopFrame)
			fc.frame = fc.frame.parent
		}
		fc.popScope()
		fc.b.MarkLabel(endL)

	default:
		fc.c.errf(s.Pos(), "uncompilable statement")
	}
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

// fallback parks a node for the general evaluator.
func (fc *funcCtx) fallback(op bytecode.Opcode, node ast.Node) (int32, sType) {
	dst := fc.temp()
	idx := fc.b.Const(bytecode.Const{Kind: bytecode.ConstNode, Node: node})
	fc.b.Emit(op, dst, idx)
	return dst, tUnknown
}

func (fc *funcCtx) expr(e ast.Expr) (int32, sType) {
	switch n := e.(type) {
	case *ast.IntLit:
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLoadConst, dst, fc.b.IntConst(n.Value))
		return dst, tInt
	case *ast.RealLit:
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLoadConst, dst, fc.b.RealConst(n.Value))
		return dst, tReal
	case *ast.BoolLit:
		dst := fc.temp()
		if n.Value {
			fc.b.Emit(bytecode.OpLoadTrue, dst)
		} else {
			fc.b.Emit(bytecode.OpLoadFalse, dst)
		}
		return dst, tBool
	case *ast.StringLit:
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLoadConst, dst, fc.b.StringConst(n.Value))
		return dst, tString
	case *ast.NullLit:
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLoadNull, dst)
		return dst, tObject

	case *ast.Ident:
		if b, ok := fc.lookup(n.Name); ok {
			return fc.load(b)
		}
		// Unbound names (VM globals, late registrations) resolve at run
		// time through the evaluator.
		return fc.fallback(bytecode.OpEvalFallback, n)

	case *ast.This:
		if b, ok := fc.lookup("this"); ok {
			return fc.load(b)
		}
		fc.c.errf(n.Position, "this outside a method")
		return fc.temp(), tUnknown

	case *ast.Binary:
		return fc.binary(n)

	case *ast.Unary:
		src, st := fc.expr(n.Operand)
		dst := fc.temp()
		switch {
		case n.Op == "!":
			fc.b.Emit(bytecode.OpNot, dst, src)
			return dst, tBool
		case n.Op == "-" && st == tInt:
			fc.b.Emit(bytecode.OpNegInt, dst, src)
			return dst, tInt
		case n.Op == "-" && st == tReal:
			fc.b.Emit(bytecode.OpNegReal, dst, src)
			return dst, tReal
		case n.Op == "-":
			return fc.fallback(bytecode.OpEvalFallback, n)
		}
		fc.c.errf(n.Position, "unknown unary operator %q", n.Op)
		return dst, tUnknown

	case *ast.Assign:
		return fc.assign(n)

	case *ast.Call:
		if id, ok := n.Callee.(*ast.Ident); ok {
			if _, bound := fc.lookup(id.Name); !bound {
				if fid, ok := fc.c.env.Funcs[id.Name]; ok {
					fc.stageArgs(n.Args)
					dst := fc.temp()
					fc.b.Emit(bytecode.OpCallDirect, dst, fid, int32(len(n.Args)))
					return dst, tUnknown
				}
				// Unknown callee: the whole call goes through the
				// evaluator so VM globals and natives work.
				return fc.fallback(bytecode.OpCallFallback, n)
			}
		}
		callee, _ := fc.expr(n.Callee)
		fc.stageArgs(n.Args)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpCallSlot, dst, callee, int32(len(n.Args)))
		return dst, tUnknown

	case *ast.MethodCall:
		recv, _ := fc.expr(n.Recv)
		fc.stageArgs(n.Args)
		dst := fc.temp()
		nameID := fc.c.env.Symbols.Intern(n.Name)
		if n.Qualifier != "" {
			fc.b.Emit(bytecode.OpCallQualified, dst, recv, fc.b.ClassConst(n.Qualifier), nameID)
		} else {
			fc.b.Emit(bytecode.OpCallVirtual, dst, recv, nameID, int32(len(n.Args)))
		}
		return dst, tUnknown

	case *ast.FieldAccess:
		recv, _ := fc.expr(n.Recv)
		dst := fc.temp()
		nameID := fc.c.env.Symbols.Intern(n.Name)
		if n.Qualifier != "" {
			fc.b.Emit(bytecode.OpGetFieldQ, dst, recv, fc.b.ClassConst(n.Qualifier), nameID)
		} else {
			fc.b.Emit(bytecode.OpGetField, dst, recv, nameID)
		}
		return dst, tUnknown

	case *ast.New:
		fc.stageArgs(n.Args)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpNewInstance, dst, fc.b.ClassConst(n.Class))
		return dst, tObject

	case *ast.Cast:
		src, _ := fc.expr(n.Operand)
		dst := fc.temp()
		soft := int32(0)
		if n.Soft {
			soft = 1
		}
		fc.b.Emit(bytecode.OpCast, dst, src, fc.b.ClassConst(n.Type), soft)
		return dst, tObject

	case *ast.Lambda:
		return fc.lambda(n)

	case *ast.Launch:
		src, _ := fc.expr(n.Fn)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLaunch, dst, src)
		return dst, tObject

	case *ast.Await:
		src, _ := fc.expr(n.Operand)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpAwait, dst, src)
		return dst, tUnknown

	case *ast.Delay:
		src, _ := fc.expr(n.Millis)
		fc.b.Emit(bytecode.OpDelay, src)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpLoadNull, dst)
		return dst, tObject

	case *ast.IndexExpr:
		recv, _ := fc.expr(n.Recv)
		idx, _ := fc.expr(n.Index)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpIndex, dst, recv, idx)
		return dst, tUnknown

	case *ast.ListLit:
		fc.stageArgs(n.Elems)
		dst := fc.temp()
		fc.b.Emit(bytecode.OpNewList, dst, int32(len(n.Elems)))
		return dst, tObject
	}

	fc.c.errf(e.Pos(), "uncompilable expression")
	return fc.temp(), tUnknown
}

// stageArgs evaluates argument expressions into slots, then stages them
// through the pooled argument buffer for the following call command.
func (fc *funcCtx) stageArgs(args []ast.Expr) {
	slots := make([]int32, len(args))
	for i, a := range args {
		slots[i], _ = fc.expr(a)
	}
	fc.b.Emit(bytecode.OpArgPrep, int32(len(args)))
	for _, s := range slots {
		fc.b.Emit(bytecode.OpArgPush, s)
	}
}

func (fc *funcCtx) lambda(n *ast.Lambda) (int32, sType) {
	name := "lambda"
	if n.Label != "" {
		name = "lambda@" + n.Label
	}
	fn := fc.c.compileBody(fc, n, name, fc.owner, n.Label, n.Params, 0, n.Body, fc.caps)
	if fn == nil {
		return fc.temp(), tUnknown
	}
	dst := fc.temp()
	idx := fc.b.Const(bytecode.Const{Kind: bytecode.ConstFunc, Fn: fn})
	fc.b.Emit(bytecode.OpMakeClosure, dst, idx)
	return dst, tObject
}

// isIncrementOf reports whether e is `name + 1` or `1 + name`.
func isIncrementOf(e ast.Expr, name string) bool {
	b, ok := e.(*ast.Binary)
	if !ok || b.Op != "+" {
		return false
	}
	if id, ok := b.Left.(*ast.Ident); ok && id.Name == name {
		lit, ok := b.Right.(*ast.IntLit)
		return ok && lit.Value == 1
	}
	if id, ok := b.Right.(*ast.Ident); ok && id.Name == name {
		lit, ok := b.Left.(*ast.IntLit)
		return ok && lit.Value == 1
	}
	return false
}

func (fc *funcCtx) assign(n *ast.Assign) (int32, sType) {
	switch target := n.Target.(type) {
	case *ast.Ident:
		if b, ok := fc.lookup(target.Name); ok && !b.captured && b.mutable && b.typ == tInt &&
			isIncrementOf(n.Value, target.Name) {
			fc.b.Emit(bytecode.OpIncInt, b.slot)
			return b.slot, tInt
		}
		src, st := fc.expr(n.Value)
		b, ok := fc.lookup(target.Name)
		if !ok {
			fc.c.errf(n.Position, "assignment to undeclared name %q", target.Name)
			return src, st
		}
		if !b.mutable {
			fc.c.errf(n.Position, "cannot assign to immutable %q", target.Name)
		}
		fc.store(b, src)
		return src, st

	case *ast.FieldAccess:
		recv, _ := fc.expr(target.Recv)
		src, st := fc.expr(n.Value)
		nameID := fc.c.env.Symbols.Intern(target.Name)
		if target.Qualifier != "" {
			fc.b.Emit(bytecode.OpSetFieldQ, recv, fc.b.ClassConst(target.Qualifier), nameID, src)
		} else {
			fc.b.Emit(bytecode.OpSetField, recv, nameID, src)
		}
		return src, st

	case *ast.IndexExpr:
		recv, _ := fc.expr(target.Recv)
		idx, _ := fc.expr(target.Index)
		src, st := fc.expr(n.Value)
		fc.b.Emit(bytecode.OpSetIndex, recv, idx, src)
		return src, st
	}

	fc.c.errf(n.Position, "invalid assignment target")
	return fc.temp(), tUnknown
}

// ---------------------------------------------------------------------------
// Binary operations and specialization
// ---------------------------------------------------------------------------

func (fc *funcCtx) binary(n *ast.Binary) (int32, sType) {
	switch n.Op {
	case "&&", "||":
		return fc.shortCircuit(n)
	}

	l, lt := fc.expr(n.Left)
	r, rt := fc.expr(n.Right)
	dst := fc.temp()

	if op, rt2, ok := specializedOp(n.Op, lt, rt); ok {
		fc.b.Emit(op, dst, l, r)
		return dst, rt2
	}

	switch n.Op {
	case "!=":
		if op, _, ok := specializedOp("==", lt, rt); ok {
			eq := fc.temp()
			fc.b.Emit(op, eq, l, r)
			fc.b.Emit(bytecode.OpNot, dst, eq)
			return dst, tBool
		}
		fc.b.Emit(bytecode.OpNeObj, dst, l, r)
		return dst, tBool
	case "===":
		fc.b.Emit(bytecode.OpEqRef, dst, l, r)
		return dst, tBool
	}

	if op, rt2, ok := polymorphicOp(n.Op); ok {
		fc.b.Emit(op, dst, l, r)
		return dst, rt2
	}
	fc.c.errf(n.Position, "unknown operator %q", n.Op)
	return dst, tUnknown
}

// shortCircuit compiles && and || with conditional evaluation of the right
// side, normalizing the result to a boolean.
func (fc *funcCtx) shortCircuit(n *ast.Binary) (int32, sType) {
	dst := fc.temp()
	l, _ := fc.expr(n.Left)
	shortL := fc.b.NewLabel()
	endL := fc.b.NewLabel()

	if n.Op == "&&" {
		fc.b.EmitBranch(bytecode.OpJumpIfFalse, l, shortL)
	} else {
		fc.b.EmitBranch(bytecode.OpJumpIfTrue, l, shortL)
	}

	r, _ := fc.expr(n.Right)
	truthyL := fc.b.NewLabel()
	fc.b.EmitBranch(bytecode.OpJumpIfTrue, r, truthyL)
	fc.b.Emit(bytecode.OpLoadFalse, dst)
	fc.b.EmitJump(endL)
	fc.b.MarkLabel(truthyL)
	fc.b.Emit(bytecode.OpLoadTrue, dst)
	fc.b.EmitJump(endL)

	fc.b.MarkLabel(shortL)
	if n.Op == "&&" {
		fc.b.Emit(bytecode.OpLoadFalse, dst)
	} else {
		fc.b.Emit(bytecode.OpLoadTrue, dst)
	}
	fc.b.MarkLabel(endL)
	return dst, tBool
}

// specializedOp picks a pairwise-typed opcode when both static operand
// types are known precisely enough.
func specializedOp(op string, lt, rt sType) (bytecode.Opcode, sType, bool) {
	type pair struct{ l, r sType }
	p := pair{lt, rt}

	pick4 := func(ii, ir, ri, rr bytecode.Opcode, iiType sType) (bytecode.Opcode, sType, bool) {
		switch p {
		case pair{tInt, tInt}:
			return ii, iiType, true
		case pair{tInt, tReal}:
			return ir, tReal, true
		case pair{tReal, tInt}:
			return ri, tReal, true
		case pair{tReal, tReal}:
			return rr, tReal, true
		}
		return 0, tUnknown, false
	}
	cmp4 := func(ii, ir, ri, rr bytecode.Opcode) (bytecode.Opcode, sType, bool) {
		op, _, ok := pick4(ii, ir, ri, rr, tBool)
		return op, tBool, ok
	}

	switch op {
	case "+":
		return pick4(bytecode.OpAddII, bytecode.OpAddIR, bytecode.OpAddRI, bytecode.OpAddRR, tInt)
	case "-":
		return pick4(bytecode.OpSubII, bytecode.OpSubIR, bytecode.OpSubRI, bytecode.OpSubRR, tInt)
	case "*":
		return pick4(bytecode.OpMulII, bytecode.OpMulIR, bytecode.OpMulRI, bytecode.OpMulRR, tInt)
	case "/":
		return pick4(bytecode.OpDivII, bytecode.OpDivIR, bytecode.OpDivRI, bytecode.OpDivRR, tInt)
	case "%":
		if p == (pair{tInt, tInt}) {
			return bytecode.OpModII, tInt, true
		}
	case "<":
		return cmp4(bytecode.OpLtII, bytecode.OpLtIR, bytecode.OpLtRI, bytecode.OpLtRR)
	case "<=":
		return cmp4(bytecode.OpLeII, bytecode.OpLeIR, bytecode.OpLeRI, bytecode.OpLeRR)
	case ">":
		return cmp4(bytecode.OpGtII, bytecode.OpGtIR, bytecode.OpGtRI, bytecode.OpGtRR)
	case ">=":
		return cmp4(bytecode.OpGeII, bytecode.OpGeIR, bytecode.OpGeRI, bytecode.OpGeRR)
	case "==":
		switch p {
		case pair{tInt, tInt}:
			return bytecode.OpEqII, tBool, true
		case pair{tReal, tReal}:
			return bytecode.OpEqRR, tBool, true
		case pair{tBool, tBool}:
			return bytecode.OpEqBB, tBool, true
		}
	}
	return 0, tUnknown, false
}

// polymorphicOp maps an operator to its runtime-dispatched form.
func polymorphicOp(op string) (bytecode.Opcode, sType, bool) {
	switch op {
	case "+":
		return bytecode.OpAddAny, tUnknown, true
	case "-":
		return bytecode.OpSubAny, tUnknown, true
	case "*":
		return bytecode.OpMulAny, tUnknown, true
	case "/":
		return bytecode.OpDivAny, tUnknown, true
	case "%":
		return bytecode.OpModAny, tUnknown, true
	case "<":
		return bytecode.OpLtAny, tBool, true
	case "<=":
		return bytecode.OpLeAny, tBool, true
	case ">":
		return bytecode.OpGtAny, tBool, true
	case ">=":
		return bytecode.OpGeAny, tBool, true
	case "==":
		return bytecode.OpEqObj, tBool, true
	}
	return 0, tUnknown, false
}
