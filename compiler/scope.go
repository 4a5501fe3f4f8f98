// Package compiler translates the Vela AST into bytecode. Each variable
// reference is classified exactly once, at compile time: a plain local slot,
// a captured slot addressed by (depth, index) in the scope frame chain, or a
// name left to the fallback evaluator.
package compiler

import "github.com/vela-lang/vela/pkg/ast"

// declKey identifies one variable declaration site: a VarDecl node or a
// parameter position of a function or lambda node.
type declKey struct {
	node  ast.Node
	param int // -1 for VarDecl, parameter index otherwise
}

// captureInfo is the result of the pre-pass: which declarations are
// referenced from a nested function (and therefore live in scope frames),
// and how many captured slots each declaring function or block contributes.
// A block with a nonzero frame size gets a fresh frame on every entry, so
// closures made in different loop iterations close over distinct cells.
type captureInfo struct {
	captured  map[declKey]bool
	frameSize map[ast.Node]int
}

// analyzer walks a function body resolving names lexically, exactly the way
// the code generator will, and records every cross-function reference.
type analyzer struct {
	info captureInfo
}

// aScope is one lexical scope during analysis: a function's parameter scope
// or one block. node identifies the frame a captured declaration lands in.
type aScope struct {
	parent *aScope
	fn     ast.Node // owning function node; changes at lambda boundaries
	node   ast.Node // function, block, or try node owning this scope
	names  map[string]declKey
}

func newAnalyzer() *analyzer {
	return &analyzer{info: captureInfo{
		captured:  make(map[declKey]bool),
		frameSize: make(map[ast.Node]int),
	}}
}

// analyzeFunction records captures for one function or method body,
// including every nested lambda.
func analyzeFunction(fnNode ast.Node, params []ast.Param, body *ast.Block) captureInfo {
	a := newAnalyzer()
	a.function(nil, fnNode, params, body)
	return a.info
}

func (a *analyzer) function(parent *aScope, fnNode ast.Node, params []ast.Param, body *ast.Block) {
	sc := &aScope{parent: parent, fn: fnNode, node: fnNode, names: make(map[string]declKey)}
	for i, p := range params {
		sc.names[p.Name] = declKey{node: fnNode, param: i}
	}
	a.block(sc, body)
}

func (a *analyzer) block(parent *aScope, b *ast.Block) {
	if b == nil {
		return
	}
	sc := &aScope{parent: parent, fn: parent.fn, node: b, names: make(map[string]declKey)}
	for _, s := range b.Stmts {
		a.stmt(sc, s)
	}
}

func (a *analyzer) stmt(sc *aScope, s ast.Stmt) {
	switch n := s.(type) {
	case *ast.VarDecl:
		if n.Init != nil {
			a.expr(sc, n.Init)
		}
		sc.names[n.Name] = declKey{node: n, param: -1}
	case *ast.ExprStmt:
		a.expr(sc, n.X)
	case *ast.Block:
		a.block(sc, n)
	case *ast.If:
		a.expr(sc, n.Cond)
		a.block(sc, n.Then)
		a.block(sc, n.Else)
	case *ast.While:
		a.expr(sc, n.Cond)
		a.block(sc, n.Body)
	case *ast.Return:
		if n.Value != nil {
			a.expr(sc, n.Value)
		}
	case *ast.Raise:
		a.expr(sc, n.Operand)
	case *ast.Try:
		a.block(sc, n.Body)
		catch := &aScope{parent: sc, fn: sc.fn, node: n, names: make(map[string]declKey)}
		if n.CatchVar != "" {
			catch.names[n.CatchVar] = declKey{node: n, param: -1}
		}
		a.block(catch, n.Catch)
	}
}

func (a *analyzer) expr(sc *aScope, e ast.Expr) {
	switch n := e.(type) {
	case *ast.Ident:
		a.reference(sc, n.Name)
	case *ast.This:
		a.reference(sc, "this")
	case *ast.Binary:
		a.expr(sc, n.Left)
		a.expr(sc, n.Right)
	case *ast.Unary:
		a.expr(sc, n.Operand)
	case *ast.Assign:
		a.expr(sc, n.Target)
		a.expr(sc, n.Value)
	case *ast.Call:
		a.expr(sc, n.Callee)
		for _, arg := range n.Args {
			a.expr(sc, arg)
		}
	case *ast.MethodCall:
		a.expr(sc, n.Recv)
		for _, arg := range n.Args {
			a.expr(sc, arg)
		}
	case *ast.FieldAccess:
		a.expr(sc, n.Recv)
	case *ast.New:
		for _, arg := range n.Args {
			a.expr(sc, arg)
		}
	case *ast.Cast:
		a.expr(sc, n.Operand)
	case *ast.Lambda:
		a.function(sc, n, n.Params, n.Body)
	case *ast.Launch:
		a.expr(sc, n.Fn)
	case *ast.Await:
		a.expr(sc, n.Operand)
	case *ast.Delay:
		a.expr(sc, n.Millis)
	case *ast.IndexExpr:
		a.expr(sc, n.Recv)
		a.expr(sc, n.Index)
	case *ast.ListLit:
		for _, el := range n.Elems {
			a.expr(sc, el)
		}
	}
}

// reference resolves a name lexically; a hit in an enclosing function marks
// the declaration captured and grows its declaring scope's frame.
func (a *analyzer) reference(sc *aScope, name string) {
	for s := sc; s != nil; s = s.parent {
		key, ok := s.names[name]
		if !ok {
			continue
		}
		if s.fn != sc.fn && !a.info.captured[key] {
			a.info.captured[key] = true
			a.info.frameSize[s.node]++
		}
		return
	}
}
