package vm

import (
	"github.com/vela-lang/vela/pkg/ast"
	"github.com/vela-lang/vela/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Fallback evaluator
//
// The compiler emits specialized commands for the shapes it recognizes and
// parks anything else in the constant pool as an AST node behind
// CALL_FALLBACK / EVAL_FALLBACK. This walker executes those nodes with the
// same semantics, bridging names back to the compiled frame's local and
// scope slots. Construction also runs header arguments and field defaults
// through it.
// ---------------------------------------------------------------------------

// evalEnv is one lexical environment for the walker. A chain of envs mirrors
// nested blocks and lambda bodies; the innermost env may bridge to a
// compiled invocation so evaluated code reads and writes the same variables
// the surrounding bytecode uses.
type evalEnv struct {
	t      *Task
	parent *evalEnv
	vars   map[string]Value

	st *execState // compiled-frame bridge, nil outside fallback

	this      Value
	hasThis   bool
	accessCtx *Class
	inCtor    bool
	label     string // active non-local return label, "" if none
}

func newEvalEnv(t *Task, parent *evalEnv) *evalEnv {
	e := &evalEnv{t: t, parent: parent, vars: make(map[string]Value)}
	if parent != nil {
		e.st = parent.st
		e.this = parent.this
		e.hasThis = parent.hasThis
		e.accessCtx = parent.accessCtx
		e.inCtor = parent.inCtor
		e.label = parent.label
	}
	return e
}

// withThis derives a child environment with the receiver bound and the
// access context moved to ctx. Construction uses it to evaluate field
// defaults in the declaring class's context.
func (e *evalEnv) withThis(this Value, ctx *Class) *evalEnv {
	child := newEvalEnv(e.t, e)
	child.this = this
	child.hasThis = true
	child.accessCtx = ctx
	child.inCtor = true
	return child
}

// bind declares name in this environment.
func (e *evalEnv) bind(name string, v Value) {
	e.vars[name] = v
}

// lookup resolves name through the environment chain, then the bridged
// compiled frame, then VM globals and registered functions.
func (e *evalEnv) lookup(name string) (Value, bool) {
	for env := e; env != nil; env = env.parent {
		if v, ok := env.vars[name]; ok {
			return v, true
		}
	}
	if e.st != nil {
		if idx := e.st.fn.LocalIndex(name); idx >= 0 {
			return e.st.locals[idx], true
		}
		for _, s := range e.st.fn.ScopeInfo {
			if s.Name == name {
				if cell := ResolveScopeSlot(e.st.scope, s.Depth, s.Index); cell != nil {
					return *cell, true
				}
			}
		}
	}
	if v, ok := e.t.vm.Global(name); ok {
		return v, true
	}
	if id, ok := e.t.vm.FuncID(name); ok {
		fn := e.t.vm.FuncByID(id)
		return FromHandle(e.t.vm.Objects.Register(&Closure{Fn: fn})), true
	}
	return Null, false
}

// assign writes name wherever lookup would have found it. Declared bindings
// win over bridged slots.
func (e *evalEnv) assign(name string, v Value) bool {
	for env := e; env != nil; env = env.parent {
		if _, ok := env.vars[name]; ok {
			env.vars[name] = v
			return true
		}
	}
	if e.st != nil {
		if idx := e.st.fn.LocalIndex(name); idx >= 0 {
			e.st.locals[idx] = v
			return true
		}
		for _, s := range e.st.fn.ScopeInfo {
			if s.Name == name {
				if cell := ResolveScopeSlot(e.st.scope, s.Depth, s.Index); cell != nil {
					*cell = v
					return true
				}
			}
		}
	}
	return false
}

// EvalClosure is a lambda closed over walker environments rather than scope
// frames. It is callable exactly like a compiled closure.
type EvalClosure struct {
	Fn   *ast.Lambda
	Env  *evalEnv
	This Value
}

func (*EvalClosure) Kind() ObjectKind { return KindClosure }

// evalFallback runs one parked node against the current compiled frame.
func (t *Task) evalFallback(st *execState, node ast.Node) (Value, *RaisedError) {
	env := newEvalEnv(t, nil)
	env.st = st
	env.this = st.this
	env.hasThis = !st.this.IsNull()
	env.accessCtx = st.accessCtx
	env.inCtor = st.inCtor
	env.label = st.fn.Label

	switch n := node.(type) {
	case ast.Expr:
		return t.evalExpr(env, n)
	case ast.Stmt:
		_, v, err := t.evalStmt(env, n)
		return v, err
	}
	return Null, raisedf(ErrUndefined, "fallback node is not evaluable")
}

// callEvalClosure invokes a walker lambda.
func (t *Task) callEvalClosure(c *EvalClosure, args []Value) (result Value, rerr *RaisedError) {
	if len(args) != len(c.Fn.Params) {
		return Null, raisedf(ErrArity, "function takes %d argument(s), got %d", len(c.Fn.Params), len(args))
	}
	t.depth++
	defer func() { t.depth-- }()
	if t.depth > t.vm.maxDepth {
		return Null, raisedf(ErrStackOverflow, "call depth exceeds %d", t.vm.maxDepth)
	}

	env := newEvalEnv(t, c.Env)
	env.this = c.This
	env.hasThis = !c.This.IsNull()
	env.label = c.Fn.Label
	for i, p := range c.Fn.Params {
		env.bind(p.Name, args[i])
	}

	if c.Fn.Label != "" {
		defer func() {
			if r := recover(); r != nil {
				nlr, ok := r.(*nonLocalReturn)
				if !ok || nlr.label != c.Fn.Label {
					panic(r)
				}
				result = nlr.value
				rerr = nil
			}
		}()
	}

	sig, v, err := t.evalBlock(env, c.Fn.Body)
	if err != nil {
		return Null, err
	}
	if sig == sigReturn {
		return v, nil
	}
	return Null, nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (t *Task) evalExpr(env *evalEnv, e ast.Expr) (Value, *RaisedError) {
	switch n := e.(type) {
	case *ast.IntLit:
		return FromInt(n.Value), nil
	case *ast.RealLit:
		return FromReal(n.Value), nil
	case *ast.BoolLit:
		return FromBool(n.Value), nil
	case *ast.StringLit:
		return t.vm.NewString(n.Value), nil
	case *ast.NullLit:
		return Null, nil

	case *ast.Ident:
		if v, ok := env.lookup(n.Name); ok {
			return v, nil
		}
		return Null, raisedf(ErrUndefined, "undefined name %q", n.Name)

	case *ast.This:
		if !env.hasThis {
			return Null, raisedf(ErrUndefined, "this outside a method")
		}
		return env.this, nil

	case *ast.Binary:
		return t.evalBinary(env, n)

	case *ast.Unary:
		v, err := t.evalExpr(env, n.Operand)
		if err != nil {
			return Null, err
		}
		switch n.Op {
		case "!":
			return FromBool(!v.IsTruthy()), nil
		case "-":
			if i, ok := asInt(v); ok {
				return intResult(-i)
			}
			if v.IsReal() {
				return FromReal(-v.Real()), nil
			}
			return Null, raisedf(ErrType, "cannot negate non-numeric value")
		}
		return Null, raisedf(ErrUndefined, "unknown unary operator %q", n.Op)

	case *ast.Assign:
		return t.evalAssign(env, n)

	case *ast.Call:
		args, err := t.evalArgs(env, n.Args)
		if err != nil {
			return Null, err
		}
		if id, ok := n.Callee.(*ast.Ident); ok {
			if fid, ok := t.vm.FuncID(id.Name); ok {
				return t.callFunction(t.vm.FuncByID(fid), Null, nil, args)
			}
		}
		callee, err := t.evalExpr(env, n.Callee)
		if err != nil {
			return Null, err
		}
		return t.callClosureValue(callee, args)

	case *ast.MethodCall:
		recv, err := t.evalExpr(env, n.Recv)
		if err != nil {
			return Null, err
		}
		args, err := t.evalArgs(env, n.Args)
		if err != nil {
			return Null, err
		}
		var q *Class
		if n.Qualifier != "" {
			if q = t.vm.Classes.Lookup(n.Qualifier); q == nil {
				return Null, raisedf(ErrUndefined, "unknown class %q", n.Qualifier)
			}
		}
		return t.callVirtual(recv, n.Name, q, env.accessCtx, args)

	case *ast.FieldAccess:
		recv, err := t.evalExpr(env, n.Recv)
		if err != nil {
			return Null, err
		}
		var q *Class
		if n.Qualifier != "" {
			if q = t.vm.Classes.Lookup(n.Qualifier); q == nil {
				return Null, raisedf(ErrUndefined, "unknown class %q", n.Qualifier)
			}
		}
		return t.getField(recv, n.Name, q, env.accessCtx)

	case *ast.New:
		cls := t.vm.Classes.Lookup(n.Class)
		if cls == nil {
			return Null, raisedf(ErrUndefined, "unknown class %q", n.Class)
		}
		args, err := t.evalArgs(env, n.Args)
		if err != nil {
			return Null, err
		}
		return t.Construct(cls, args)

	case *ast.Cast:
		v, err := t.evalExpr(env, n.Operand)
		if err != nil {
			return Null, err
		}
		cls := t.vm.Classes.Lookup(n.Type)
		if cls == nil {
			return Null, raisedf(ErrUndefined, "unknown class %q", n.Type)
		}
		return t.cast(v, cls, n.Soft)

	case *ast.Lambda:
		this := Null
		if env.hasThis {
			this = env.this
		}
		return FromHandle(t.vm.Objects.Register(&EvalClosure{Fn: n, Env: env, This: this})), nil

	case *ast.Launch:
		fn, err := t.evalExpr(env, n.Fn)
		if err != nil {
			return Null, err
		}
		return t.launch(fn)

	case *ast.Await:
		v, err := t.evalExpr(env, n.Operand)
		if err != nil {
			return Null, err
		}
		return t.await(v)

	case *ast.Delay:
		v, err := t.evalExpr(env, n.Millis)
		if err != nil {
			return Null, err
		}
		ms, ok := asInt(v)
		if !ok {
			return Null, raisedf(ErrType, "delay operand is not an integer")
		}
		if err := t.delay(ms); err != nil {
			return Null, err
		}
		return Null, nil

	case *ast.IndexExpr:
		recv, err := t.evalExpr(env, n.Recv)
		if err != nil {
			return Null, err
		}
		idx, err := t.evalExpr(env, n.Index)
		if err != nil {
			return Null, err
		}
		return t.index(recv, idx)

	case *ast.ListLit:
		elems, err := t.evalArgs(env, n.Elems)
		if err != nil {
			return Null, err
		}
		return t.vm.NewList(elems), nil
	}

	return Null, raisedf(ErrUndefined, "unevaluable expression")
}

func (t *Task) evalArgs(env *evalEnv, exprs []ast.Expr) ([]Value, *RaisedError) {
	if len(exprs) == 0 {
		return nil, nil
	}
	out := make([]Value, len(exprs))
	for i, e := range exprs {
		v, err := t.evalExpr(env, e)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (t *Task) evalBinary(env *evalEnv, n *ast.Binary) (Value, *RaisedError) {
	// Short-circuit forms evaluate the right side conditionally.
	switch n.Op {
	case "&&":
		l, err := t.evalExpr(env, n.Left)
		if err != nil {
			return Null, err
		}
		if !l.IsTruthy() {
			return False, nil
		}
		r, err := t.evalExpr(env, n.Right)
		if err != nil {
			return Null, err
		}
		return FromBool(r.IsTruthy()), nil
	case "||":
		l, err := t.evalExpr(env, n.Left)
		if err != nil {
			return Null, err
		}
		if l.IsTruthy() {
			return True, nil
		}
		r, err := t.evalExpr(env, n.Right)
		if err != nil {
			return Null, err
		}
		return FromBool(r.IsTruthy()), nil
	}

	l, err := t.evalExpr(env, n.Left)
	if err != nil {
		return Null, err
	}
	r, err := t.evalExpr(env, n.Right)
	if err != nil {
		return Null, err
	}

	switch n.Op {
	case "+":
		return t.addAny(l, r)
	case "-":
		return numericAny(bytecode.OpSubAny, l, r)
	case "*":
		return numericAny(bytecode.OpMulAny, l, r)
	case "/":
		return numericAny(bytecode.OpDivAny, l, r)
	case "%":
		return modII(l, r)
	case "==":
		return FromBool(t.valueEq(l, r)), nil
	case "!=":
		return FromBool(!t.valueEq(l, r)), nil
	case "===":
		return FromBool(l == r), nil
	case "<":
		return t.compareAny(bytecode.OpLtAny, l, r)
	case "<=":
		return t.compareAny(bytecode.OpLeAny, l, r)
	case ">":
		return t.compareAny(bytecode.OpGtAny, l, r)
	case ">=":
		return t.compareAny(bytecode.OpGeAny, l, r)
	}
	return Null, raisedf(ErrUndefined, "unknown operator %q", n.Op)
}

func (t *Task) evalAssign(env *evalEnv, n *ast.Assign) (Value, *RaisedError) {
	v, err := t.evalExpr(env, n.Value)
	if err != nil {
		return Null, err
	}
	switch target := n.Target.(type) {
	case *ast.Ident:
		if !env.assign(target.Name, v) {
			return Null, raisedf(ErrUndefined, "assignment to undeclared name %q", target.Name)
		}
		return v, nil
	case *ast.FieldAccess:
		recv, err := t.evalExpr(env, target.Recv)
		if err != nil {
			return Null, err
		}
		var q *Class
		if target.Qualifier != "" {
			if q = t.vm.Classes.Lookup(target.Qualifier); q == nil {
				return Null, raisedf(ErrUndefined, "unknown class %q", target.Qualifier)
			}
		}
		if err := t.setField(recv, target.Name, q, env.accessCtx, env.inCtor, v); err != nil {
			return Null, err
		}
		return v, nil
	case *ast.IndexExpr:
		recv, err := t.evalExpr(env, target.Recv)
		if err != nil {
			return Null, err
		}
		idx, err := t.evalExpr(env, target.Index)
		if err != nil {
			return Null, err
		}
		if err := t.setIndex(recv, idx, v); err != nil {
			return Null, err
		}
		return v, nil
	}
	return Null, raisedf(ErrType, "invalid assignment target")
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

// evalSignal reports how a statement finished.
type evalSignal uint8

const (
	sigNone evalSignal = iota
	sigReturn
)

func (t *Task) evalStmt(env *evalEnv, s ast.Stmt) (evalSignal, Value, *RaisedError) {
	switch n := s.(type) {
	case *ast.VarDecl:
		v := Null
		if n.Init != nil {
			var err *RaisedError
			if v, err = t.evalExpr(env, n.Init); err != nil {
				return sigNone, Null, err
			}
		}
		env.bind(n.Name, v)
		return sigNone, Null, nil

	case *ast.ExprStmt:
		if _, err := t.evalExpr(env, n.X); err != nil {
			return sigNone, Null, err
		}
		return sigNone, Null, nil

	case *ast.Block:
		return t.evalBlock(newEvalEnv(t, env), n)

	case *ast.If:
		cond, err := t.evalExpr(env, n.Cond)
		if err != nil {
			return sigNone, Null, err
		}
		if cond.IsTruthy() {
			return t.evalBlock(newEvalEnv(t, env), n.Then)
		}
		if n.Else != nil {
			return t.evalBlock(newEvalEnv(t, env), n.Else)
		}
		return sigNone, Null, nil

	case *ast.While:
		for {
			cond, err := t.evalExpr(env, n.Cond)
			if err != nil {
				return sigNone, Null, err
			}
			if !cond.IsTruthy() {
				return sigNone, Null, nil
			}
			sig, v, err := t.evalBlock(newEvalEnv(t, env), n.Body)
			if err != nil || sig == sigReturn {
				return sig, v, err
			}
		}

	case *ast.Return:
		v := Null
		if n.Value != nil {
			var err *RaisedError
			if v, err = t.evalExpr(env, n.Value); err != nil {
				return sigNone, Null, err
			}
		}
		if n.Label != "" && n.Label != env.label {
			panic(&nonLocalReturn{label: n.Label, value: v})
		}
		return sigReturn, v, nil

	case *ast.Raise:
		v, err := t.evalExpr(env, n.Operand)
		if err != nil {
			return sigNone, Null, err
		}
		return sigNone, Null, t.raiseValue(v)

	case *ast.Try:
		sig, v, err := t.evalBlock(newEvalEnv(t, env), n.Body)
		if err == nil {
			return sig, v, nil
		}
		catchEnv := newEvalEnv(t, env)
		if n.CatchVar != "" {
			catchEnv.bind(n.CatchVar, FromHandle(t.vm.Objects.Register(&ErrorObject{Err: err})))
		}
		return t.evalBlock(catchEnv, n.Catch)
	}

	return sigNone, Null, raisedf(ErrUndefined, "unevaluable statement")
}

func (t *Task) evalBlock(env *evalEnv, b *ast.Block) (evalSignal, Value, *RaisedError) {
	if b == nil {
		return sigNone, Null, nil
	}
	for _, s := range b.Stmts {
		sig, v, err := t.evalStmt(env, s)
		if err != nil || sig == sigReturn {
			return sig, v, err
		}
	}
	return sigNone, Null, nil
}
