package vm

import (
	"strings"

	"github.com/vela-lang/vela/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// handlerEntry is one installed error handler in the current invocation:
// where to resume, which slot receives the error object, and the scope
// frame to restore so block frames pushed inside the guarded body unwind.
type handlerEntry struct {
	ip    int32
	slot  int32
	scope *Frame
}

// execState is the per-invocation interpreter state. It lives on the Go
// stack of the calling task.
type execState struct {
	fn        *bytecode.CmdFunction
	locals    []Value
	scope     *Frame
	this      Value
	accessCtx *Class
	inCtor    bool
	handlers  []handlerEntry
}

// nonLocalReturn unwinds Go frames until the function declaring the label
// catches it. It is not an error: installed handlers on intervening frames
// never see it.
type nonLocalReturn struct {
	label string
	value Value
}

// invokeMethod runs a resolved method, native or compiled, binding the raw
// instance as the receiver. Compiled method bodies take the receiver as
// their implicit leading parameter, so closures inside them can capture it
// like any other variable.
func (t *Task) invokeMethod(m *Method, recv Value, args []Value) (Value, *RaisedError) {
	if m.Native != nil {
		if len(args) != m.Arity {
			return Null, raisedf(ErrArity, "%s takes %d argument(s), got %d", m.Name, m.Arity, len(args))
		}
		return m.Native(t, recv, args)
	}
	full := make([]Value, 0, len(args)+1)
	full = append(full, recv)
	full = append(full, args...)
	return t.callFunction(m.Fn, recv, nil, full)
}

// callClosureValue runs any callable object: a compiled closure with its
// captured frame chain, a walker lambda, or a native function.
func (t *Task) callClosureValue(v Value, args []Value) (Value, *RaisedError) {
	switch c := t.vm.deref(v).(type) {
	case *Closure:
		return t.callFunction(c.Fn, c.Self, c.Frame, args)
	case *EvalClosure:
		return t.callEvalClosure(c, args)
	case *NativeClosure:
		if len(args) != c.Arity {
			return Null, raisedf(ErrArity, "%s takes %d argument(s), got %d", c.Name, c.Arity, len(args))
		}
		return c.Fn(t, Null, args)
	}
	return Null, raisedf(ErrType, "value is not callable")
}

// runBody is the entry point for task bodies started by the scheduler: it
// converts a non-local return that escapes the body into a missing-label
// error instead of crashing the worker.
func (t *Task) runBody(body Value, args []Value) (result Value, rerr *RaisedError) {
	defer func() {
		if r := recover(); r != nil {
			if nlr, ok := r.(*nonLocalReturn); ok {
				result = Null
				rerr = raisedf(ErrMissingLabel, "no enclosing function labeled %q", nlr.label)
				return
			}
			panic(r)
		}
	}()
	return t.callClosureValue(body, args)
}

// callFunction runs one compiled function invocation.
func (t *Task) callFunction(fn *bytecode.CmdFunction, recv Value, capturedScope *Frame, args []Value) (result Value, rerr *RaisedError) {
	if fn == nil {
		return Null, raisedf(ErrUndefined, "call to undefined function")
	}
	if len(args) != fn.NumParams {
		return Null, raisedf(ErrArity, "%s takes %d argument(s), got %d", fn.Name, fn.NumParams, len(args))
	}
	t.depth++
	defer func() { t.depth-- }()
	if t.depth > t.vm.maxDepth {
		return Null, raisedf(ErrStackOverflow, "call depth exceeds %d", t.vm.maxDepth)
	}

	st := execState{
		fn:     fn,
		locals: make([]Value, fn.NumLocals),
		this:   recv,
	}
	for i := range st.locals {
		st.locals[i] = Null
	}
	copy(st.locals, args)

	if fn.NumScope > 0 {
		st.scope = NewFrame(fn.NumScope, capturedScope)
	} else {
		st.scope = capturedScope
	}
	if fn.Owner != "" {
		st.accessCtx = t.vm.Classes.Lookup(fn.Owner)
		if st.accessCtx != nil && st.accessCtx.Ctor != nil && st.accessCtx.Ctor.Fn == fn {
			st.inCtor = true
		}
	}

	if fn.Label != "" {
		defer func() {
			if r := recover(); r != nil {
				nlr, ok := r.(*nonLocalReturn)
				if !ok || nlr.label != fn.Label {
					panic(r)
				}
				result = nlr.value
				rerr = nil
			}
		}()
	}

	return t.exec(&st)
}

// deliver routes a raised error to the innermost installed handler. It
// returns the resume ip and true, or false when the invocation has no
// handler and must propagate.
func (t *Task) deliver(st *execState, err *RaisedError) (int, bool) {
	n := len(st.handlers)
	if n == 0 {
		return 0, false
	}
	h := st.handlers[n-1]
	st.handlers = st.handlers[:n-1]
	st.scope = h.scope
	st.locals[h.slot] = FromHandle(t.vm.Objects.Register(&ErrorObject{Err: err}))
	return int(h.ip), true
}

// exec is the command loop. Operand kinds are fixed per opcode and already
// validated by the Builder, so operands are read positionally without
// checks; value-level type faults raise catchable errors.
func (t *Task) exec(st *execState) (Value, *RaisedError) {
	fn := st.fn
	locals := st.locals
	trace := t.vm.trace

	ip := 0
	for ip >= 0 && ip < len(fn.Cmds) {
		cmd := fn.Cmds[ip]
		if trace {
			t.log.Debugf("%s %04d %s", fn.Name, ip, cmd.Op)
		}
		ip++

		var opErr *RaisedError

		switch cmd.Op {
		case bytecode.OpNop:

		// --- constants and moves ---

		case bytecode.OpLoadConst:
			c := fn.ConstAt(cmd.B)
			switch c.Kind {
			case bytecode.ConstInt:
				locals[cmd.A] = FromInt(c.Int)
			case bytecode.ConstReal:
				locals[cmd.A] = FromReal(c.Real)
			case bytecode.ConstString:
				locals[cmd.A] = t.vm.NewString(c.Str)
			default:
				opErr = raisedf(ErrType, "constant %d is not loadable", cmd.B)
			}
		case bytecode.OpLoadNull:
			locals[cmd.A] = Null
		case bytecode.OpLoadTrue:
			locals[cmd.A] = True
		case bytecode.OpLoadFalse:
			locals[cmd.A] = False
		case bytecode.OpMove:
			locals[cmd.A] = locals[cmd.B]

		// --- scope slots ---

		case bytecode.OpLoadScope:
			cell := ResolveScopeSlot(st.scope, cmd.B, cmd.C)
			if cell == nil {
				opErr = raisedf(ErrSlotRange, "scope slot %d@%d out of range", cmd.C, cmd.B)
			} else {
				locals[cmd.A] = *cell
			}
		case bytecode.OpStoreScope:
			cell := ResolveScopeSlot(st.scope, cmd.A, cmd.B)
			if cell == nil {
				opErr = raisedf(ErrSlotRange, "scope slot %d@%d out of range", cmd.B, cmd.A)
			} else {
				*cell = locals[cmd.C]
			}
		case bytecode.OpPushFrame:
			st.scope = NewFrame(int(cmd.A), st.scope)
		case bytecode.OpPopFrame:
			if st.scope == nil {
				opErr = raisedf(ErrSlotRange, "frame pop on an empty chain")
			} else {
				st.scope = st.scope.Parent
			}
		case bytecode.OpMakeClosure:
			c := fn.ConstAt(cmd.B)
			locals[cmd.A] = t.vm.NewClosure(c.Fn, st.scope, st.this)

		// --- fields ---

		case bytecode.OpGetField:
			name := t.vm.Symbols.Name(cmd.C)
			locals[cmd.A], opErr = t.getField(locals[cmd.B], name, nil, st.accessCtx)
		case bytecode.OpSetField:
			name := t.vm.Symbols.Name(cmd.B)
			opErr = t.setField(locals[cmd.A], name, nil, st.accessCtx, st.inCtor, locals[cmd.C])
		case bytecode.OpGetFieldQ:
			q := t.lookupClassConst(fn, cmd.C)
			if q == nil {
				opErr = raisedf(ErrUndefined, "unknown class in qualified access")
			} else {
				name := t.vm.Symbols.Name(cmd.D)
				locals[cmd.A], opErr = t.getField(locals[cmd.B], name, q, st.accessCtx)
			}
		case bytecode.OpSetFieldQ:
			q := t.lookupClassConst(fn, cmd.B)
			if q == nil {
				opErr = raisedf(ErrUndefined, "unknown class in qualified access")
			} else {
				name := t.vm.Symbols.Name(cmd.C)
				opErr = t.setField(locals[cmd.A], name, q, st.accessCtx, st.inCtor, locals[cmd.D])
			}

		// --- conversions, unary ---

		case bytecode.OpIntToReal:
			if n, ok := asInt(locals[cmd.B]); ok {
				locals[cmd.A] = FromReal(float64(n))
			} else {
				opErr = raisedf(ErrType, "INT_TO_REAL on non-integer")
			}
		case bytecode.OpNegInt:
			if n, ok := asInt(locals[cmd.B]); ok {
				locals[cmd.A], opErr = intResult(-n)
			} else {
				opErr = raisedf(ErrType, "NEG_INT on non-integer")
			}
		case bytecode.OpNegReal:
			if locals[cmd.B].IsReal() {
				locals[cmd.A] = FromReal(-locals[cmd.B].Real())
			} else {
				opErr = raisedf(ErrType, "NEG_REAL on non-real")
			}
		case bytecode.OpNot:
			locals[cmd.A] = FromBool(!locals[cmd.B].IsTruthy())
		case bytecode.OpIncInt:
			if n, ok := asInt(locals[cmd.A]); ok {
				locals[cmd.A], opErr = intResult(n + 1)
			} else {
				opErr = raisedf(ErrType, "INC_INT on non-integer")
			}

		// --- arithmetic ---

		case bytecode.OpAddII:
			locals[cmd.A], opErr = addII(locals[cmd.B], locals[cmd.C])
		case bytecode.OpAddIR, bytecode.OpAddRI, bytecode.OpAddRR:
			locals[cmd.A], opErr = arithRR(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpAddAny:
			locals[cmd.A], opErr = t.addAny(locals[cmd.B], locals[cmd.C])
		case bytecode.OpSubII:
			locals[cmd.A], opErr = subII(locals[cmd.B], locals[cmd.C])
		case bytecode.OpSubIR, bytecode.OpSubRI, bytecode.OpSubRR:
			locals[cmd.A], opErr = arithRR(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpSubAny:
			locals[cmd.A], opErr = numericAny(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpMulII:
			locals[cmd.A], opErr = mulII(locals[cmd.B], locals[cmd.C])
		case bytecode.OpMulIR, bytecode.OpMulRI, bytecode.OpMulRR:
			locals[cmd.A], opErr = arithRR(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpMulAny:
			locals[cmd.A], opErr = numericAny(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpDivII:
			locals[cmd.A], opErr = divII(locals[cmd.B], locals[cmd.C])
		case bytecode.OpDivIR, bytecode.OpDivRI, bytecode.OpDivRR:
			locals[cmd.A], opErr = arithRR(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpDivAny:
			locals[cmd.A], opErr = numericAny(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpModII:
			locals[cmd.A], opErr = modII(locals[cmd.B], locals[cmd.C])
		case bytecode.OpModAny:
			locals[cmd.A], opErr = modII(locals[cmd.B], locals[cmd.C])

		// --- comparison ---

		case bytecode.OpLtII, bytecode.OpLeII, bytecode.OpGtII, bytecode.OpGeII:
			locals[cmd.A], opErr = compareII(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpLtIR, bytecode.OpLtRI, bytecode.OpLtRR,
			bytecode.OpLeIR, bytecode.OpLeRI, bytecode.OpLeRR,
			bytecode.OpGtIR, bytecode.OpGtRI, bytecode.OpGtRR,
			bytecode.OpGeIR, bytecode.OpGeRI, bytecode.OpGeRR:
			locals[cmd.A], opErr = compareRR(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpLtAny, bytecode.OpLeAny, bytecode.OpGtAny, bytecode.OpGeAny:
			locals[cmd.A], opErr = t.compareAny(cmd.Op, locals[cmd.B], locals[cmd.C])
		case bytecode.OpEqII:
			l, lok := asInt(locals[cmd.B])
			r, rok := asInt(locals[cmd.C])
			if !lok || !rok {
				opErr = raisedf(ErrType, "EQ_II on non-integer")
			} else {
				locals[cmd.A] = FromBool(l == r)
			}
		case bytecode.OpEqRR:
			if !locals[cmd.B].IsReal() || !locals[cmd.C].IsReal() {
				opErr = raisedf(ErrType, "EQ_RR on non-real")
			} else {
				locals[cmd.A] = FromBool(locals[cmd.B].Real() == locals[cmd.C].Real())
			}
		case bytecode.OpEqBB:
			if !locals[cmd.B].IsBool() || !locals[cmd.C].IsBool() {
				opErr = raisedf(ErrType, "EQ_BB on non-boolean")
			} else {
				locals[cmd.A] = FromBool(locals[cmd.B] == locals[cmd.C])
			}
		case bytecode.OpEqObj:
			locals[cmd.A] = FromBool(t.valueEq(locals[cmd.B], locals[cmd.C]))
		case bytecode.OpNeObj:
			locals[cmd.A] = FromBool(!t.valueEq(locals[cmd.B], locals[cmd.C]))
		case bytecode.OpEqRef:
			locals[cmd.A] = FromBool(locals[cmd.B] == locals[cmd.C])

		// --- control flow ---

		case bytecode.OpJump:
			ip = int(cmd.A)
		case bytecode.OpJumpIfFalse:
			if !locals[cmd.A].IsTruthy() {
				ip = int(cmd.B)
			}
		case bytecode.OpJumpIfTrue:
			if locals[cmd.A].IsTruthy() {
				ip = int(cmd.B)
			}
		case bytecode.OpReturn:
			return locals[cmd.A], nil
		case bytecode.OpReturnNull:
			return Null, nil
		case bytecode.OpReturnLabel:
			label := t.vm.Symbols.Name(cmd.A)
			v := locals[cmd.B]
			if fn.Label == label {
				return v, nil
			}
			panic(&nonLocalReturn{label: label, value: v})

		// --- argument staging and calls ---

		case bytecode.OpArgPrep:
			t.prepArgs(int(cmd.A))
		case bytecode.OpArgPush:
			t.pushArg(locals[cmd.A])
		case bytecode.OpCallDirect:
			callee := t.vm.FuncByID(cmd.B)
			locals[cmd.A], opErr = t.drainCall(func(args []Value) (Value, *RaisedError) {
				return t.callFunction(callee, Null, nil, args)
			})
		case bytecode.OpCallVirtual:
			name := t.vm.Symbols.Name(cmd.C)
			recv := locals[cmd.B]
			locals[cmd.A], opErr = t.drainCall(func(args []Value) (Value, *RaisedError) {
				return t.callVirtual(recv, name, nil, st.accessCtx, args)
			})
		case bytecode.OpCallQualified:
			q := t.lookupClassConst(fn, cmd.C)
			name := t.vm.Symbols.Name(cmd.D)
			recv := locals[cmd.B]
			if q == nil {
				t.dropArgs()
				opErr = raisedf(ErrUndefined, "unknown class in qualified call")
			} else {
				locals[cmd.A], opErr = t.drainCall(func(args []Value) (Value, *RaisedError) {
					return t.callVirtual(recv, name, q, st.accessCtx, args)
				})
			}
		case bytecode.OpCallSlot:
			callee := locals[cmd.B]
			locals[cmd.A], opErr = t.drainCall(func(args []Value) (Value, *RaisedError) {
				return t.callClosureValue(callee, args)
			})
		case bytecode.OpCallFallback, bytecode.OpEvalFallback:
			c := fn.ConstAt(cmd.B)
			locals[cmd.A], opErr = t.evalFallback(st, c.Node)

		// --- objects ---

		case bytecode.OpNewInstance:
			cls := t.lookupClassConst(fn, cmd.B)
			if cls == nil {
				t.dropArgs()
				opErr = raisedf(ErrUndefined, "unknown class in construction")
			} else {
				locals[cmd.A], opErr = t.drainCall(func(args []Value) (Value, *RaisedError) {
					return t.Construct(cls, args)
				})
			}
		case bytecode.OpCast:
			cls := t.lookupClassConst(fn, cmd.C)
			if cls == nil {
				opErr = raisedf(ErrUndefined, "unknown class in cast")
			} else {
				locals[cmd.A], opErr = t.cast(locals[cmd.B], cls, cmd.D != 0)
			}
		case bytecode.OpNewList:
			buf := t.takeArgs()
			elems := make([]Value, 0, bufLen(buf))
			if buf != nil {
				elems = append(elems, buf.Values()...)
				t.vm.args.Release(buf)
			}
			locals[cmd.A] = t.vm.NewList(elems)
		case bytecode.OpIndex:
			locals[cmd.A], opErr = t.index(locals[cmd.B], locals[cmd.C])
		case bytecode.OpSetIndex:
			opErr = t.setIndex(locals[cmd.A], locals[cmd.B], locals[cmd.C])
		case bytecode.OpLen:
			locals[cmd.A], opErr = t.length(locals[cmd.B])

		// --- coroutines ---

		case bytecode.OpLaunch:
			locals[cmd.A], opErr = t.launch(locals[cmd.B])
		case bytecode.OpAwait:
			locals[cmd.A], opErr = t.await(locals[cmd.B])
		case bytecode.OpDelay:
			if ms, ok := asInt(locals[cmd.A]); ok {
				opErr = t.delay(ms)
			} else {
				opErr = raisedf(ErrType, "delay operand is not an integer")
			}

		// --- errors and handlers ---

		case bytecode.OpRaise:
			opErr = t.raiseValue(locals[cmd.A])
		case bytecode.OpPushHandler:
			st.handlers = append(st.handlers, handlerEntry{ip: cmd.A, slot: cmd.B, scope: st.scope})
		case bytecode.OpPopHandler:
			if n := len(st.handlers); n > 0 {
				st.handlers = st.handlers[:n-1]
			}

		default:
			opErr = raisedf(ErrUndefined, "unimplemented opcode %s", cmd.Op)
		}

		if opErr != nil {
			nip, handled := t.deliver(st, opErr)
			if !handled {
				return Null, opErr
			}
			ip = nip
		}
	}

	return Null, nil
}

// lookupClassConst resolves a ConstClass pool entry against the registry.
func (t *Task) lookupClassConst(fn *bytecode.CmdFunction, idx int32) *Class {
	c := fn.ConstAt(idx)
	if c.Kind != bytecode.ConstClass {
		return nil
	}
	return t.vm.Classes.Lookup(c.Str)
}

// callVirtual resolves and invokes a method on recv. qualifier pins the
// start of the linearization walk for this@Class calls.
func (t *Task) callVirtual(recv Value, name string, qualifier, accessCtx *Class, args []Value) (Value, *RaisedError) {
	r, err := t.receiver(recv)
	if err != nil {
		return Null, err
	}
	resolve := r.resolve
	if qualifier != nil {
		// Qualified dispatch walks the exact class's full order.
		resolve = r.exact
	}
	_, m, err := ResolveMember(resolve, r.exact, name, qualifier, accessCtx)
	if err != nil {
		return Null, err
	}
	return t.invokeMethod(m, r.instVal, args)
}

// raiseValue turns a RAISE operand into a pending error. Raising an error
// object re-raises it unchanged.
func (t *Task) raiseValue(v Value) *RaisedError {
	if eo, ok := t.vm.deref(v).(*ErrorObject); ok {
		return eo.Err
	}
	msg := t.vm.DisplayString(v)
	return &RaisedError{Kind: ErrRaised, Message: msg, Payload: v}
}

// ---------------------------------------------------------------------------
// Argument staging
// ---------------------------------------------------------------------------

func (t *Task) prepArgs(hint int) {
	if t.argbuf != nil {
		t.vm.args.Release(t.argbuf)
	}
	t.argbuf = t.vm.args.Acquire(hint)
}

func (t *Task) pushArg(v Value) {
	if t.argbuf == nil {
		t.argbuf = t.vm.args.Acquire(4)
	}
	t.argbuf.Add(v)
}

// takeArgs detaches the staged buffer; the caller owns releasing it.
func (t *Task) takeArgs() *argBuffer {
	b := t.argbuf
	t.argbuf = nil
	return b
}

// dropArgs releases any staged arguments without a call.
func (t *Task) dropArgs() {
	if t.argbuf != nil {
		t.vm.args.Release(t.argbuf)
		t.argbuf = nil
	}
}

func bufLen(b *argBuffer) int {
	if b == nil {
		return 0
	}
	return b.Len()
}

// drainCall hands the staged arguments to invoke and releases the buffer on
// every exit, including a non-local return unwinding through the call site.
func (t *Task) drainCall(invoke func(args []Value) (Value, *RaisedError)) (Value, *RaisedError) {
	buf := t.takeArgs()
	var args []Value
	if buf != nil {
		args = buf.Values()
		defer t.vm.args.Release(buf)
	}
	return invoke(args)
}

// ---------------------------------------------------------------------------
// Arithmetic and comparison helpers
// ---------------------------------------------------------------------------

func asInt(v Value) (int64, bool) {
	if !v.IsInt() {
		return 0, false
	}
	return v.Int(), true
}

// asNumber widens ints to float64 for the mixed-kind specializations.
func asNumber(v Value) (float64, bool) {
	if v.IsInt() {
		return float64(v.Int()), true
	}
	if v.IsReal() {
		return v.Real(), true
	}
	return 0, false
}

func intResult(n int64) (Value, *RaisedError) {
	if n > MaxInt || n < MinInt {
		return Null, raisedf(ErrType, "integer overflow")
	}
	return FromInt(n), nil
}

func addII(l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "ADD_II on non-integer")
	}
	return intResult(a + b)
}

func subII(l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "SUB_II on non-integer")
	}
	return intResult(a - b)
}

func mulII(l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "MUL_II on non-integer")
	}
	n := a * b
	if a != 0 && (n/a != b) {
		return Null, raisedf(ErrType, "integer overflow")
	}
	return intResult(n)
}

func divII(l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "DIV_II on non-integer")
	}
	if b == 0 {
		return Null, raisedf(ErrZeroDivide, "integer division by zero")
	}
	return intResult(a / b)
}

func modII(l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "modulo on non-integer")
	}
	if b == 0 {
		return Null, raisedf(ErrZeroDivide, "integer modulo by zero")
	}
	return FromInt(a % b), nil
}

// arithRR covers every mixed or real-real specialization: both operands
// widen to float64 and the result is a real.
func arithRR(op bytecode.Opcode, l, r Value) (Value, *RaisedError) {
	a, aok := asNumber(l)
	b, bok := asNumber(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "%s on non-numeric operand", op)
	}
	switch op {
	case bytecode.OpAddIR, bytecode.OpAddRI, bytecode.OpAddRR:
		return FromReal(a + b), nil
	case bytecode.OpSubIR, bytecode.OpSubRI, bytecode.OpSubRR:
		return FromReal(a - b), nil
	case bytecode.OpMulIR, bytecode.OpMulRI, bytecode.OpMulRR:
		return FromReal(a * b), nil
	case bytecode.OpDivIR, bytecode.OpDivRI, bytecode.OpDivRR:
		if b == 0 {
			return Null, raisedf(ErrZeroDivide, "division by zero")
		}
		return FromReal(a / b), nil
	}
	return Null, raisedf(ErrType, "%s is not an arithmetic opcode", op)
}

// numericAny dispatches Sub/Mul/Div on runtime operand kinds: two ints stay
// integral, any real operand widens the result.
func numericAny(op bytecode.Opcode, l, r Value) (Value, *RaisedError) {
	if l.IsInt() && r.IsInt() {
		switch op {
		case bytecode.OpSubAny:
			return subII(l, r)
		case bytecode.OpMulAny:
			return mulII(l, r)
		case bytecode.OpDivAny:
			return divII(l, r)
		}
	}
	a, aok := asNumber(l)
	b, bok := asNumber(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "%s on non-numeric operand", op)
	}
	switch op {
	case bytecode.OpSubAny:
		return FromReal(a - b), nil
	case bytecode.OpMulAny:
		return FromReal(a * b), nil
	case bytecode.OpDivAny:
		if b == 0 {
			return Null, raisedf(ErrZeroDivide, "division by zero")
		}
		return FromReal(a / b), nil
	}
	return Null, raisedf(ErrType, "%s is not a numeric opcode", op)
}

// addAny additionally handles string concatenation.
func (t *Task) addAny(l, r Value) (Value, *RaisedError) {
	if l.IsInt() && r.IsInt() {
		return addII(l, r)
	}
	if ls, ok := t.vm.StringContent(l); ok {
		if rs, ok := t.vm.StringContent(r); ok {
			return t.vm.NewString(ls + rs), nil
		}
		return Null, raisedf(ErrType, "cannot add string and non-string")
	}
	a, aok := asNumber(l)
	b, bok := asNumber(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "ADD_ANY on incompatible operands")
	}
	return FromReal(a + b), nil
}

func compareII(op bytecode.Opcode, l, r Value) (Value, *RaisedError) {
	a, aok := asInt(l)
	b, bok := asInt(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "%s on non-integer", op)
	}
	return orderResult(op, a < b, a == b), nil
}

func compareRR(op bytecode.Opcode, l, r Value) (Value, *RaisedError) {
	a, aok := asNumber(l)
	b, bok := asNumber(r)
	if !aok || !bok {
		return Null, raisedf(ErrType, "%s on non-numeric operand", op)
	}
	return orderResult(op, a < b, a == b), nil
}

func (t *Task) compareAny(op bytecode.Opcode, l, r Value) (Value, *RaisedError) {
	if ls, ok := t.vm.StringContent(l); ok {
		if rs, ok := t.vm.StringContent(r); ok {
			c := strings.Compare(ls, rs)
			return orderResult(op, c < 0, c == 0), nil
		}
		return Null, raisedf(ErrType, "cannot order string and non-string")
	}
	return compareRR(op, l, r)
}

// orderResult maps a less/equal pair to the boolean each ordering opcode
// family expects.
func orderResult(op bytecode.Opcode, less, equal bool) Value {
	switch op {
	case bytecode.OpLtII, bytecode.OpLtIR, bytecode.OpLtRI, bytecode.OpLtRR, bytecode.OpLtAny:
		return FromBool(less)
	case bytecode.OpLeII, bytecode.OpLeIR, bytecode.OpLeRI, bytecode.OpLeRR, bytecode.OpLeAny:
		return FromBool(less || equal)
	case bytecode.OpGtII, bytecode.OpGtIR, bytecode.OpGtRI, bytecode.OpGtRR, bytecode.OpGtAny:
		return FromBool(!less && !equal)
	default:
		return FromBool(!less)
	}
}

// valueEq is structural equality: numbers by value across int/real, strings
// by content, lists elementwise, everything else by reference.
func (t *Task) valueEq(l, r Value) bool {
	if l == r {
		return true
	}
	if a, ok := asNumber(l); ok {
		if b, ok := asNumber(r); ok {
			return a == b
		}
		return false
	}
	switch lo := t.vm.deref(l).(type) {
	case *StringObject:
		ro, ok := t.vm.deref(r).(*StringObject)
		return ok && lo.S == ro.S
	case *ListObject:
		ro, ok := t.vm.deref(r).(*ListObject)
		if !ok || len(lo.Elems) != len(ro.Elems) {
			return false
		}
		for i := range lo.Elems {
			if !t.valueEq(lo.Elems[i], ro.Elems[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Indexing and length
// ---------------------------------------------------------------------------

func (t *Task) index(recv, key Value) (Value, *RaisedError) {
	switch o := t.vm.deref(recv).(type) {
	case *ListObject:
		i, ok := asInt(key)
		if !ok {
			return Null, raisedf(ErrType, "list index is not an integer")
		}
		if i < 0 || int(i) >= len(o.Elems) {
			return Null, raisedf(ErrIndexRange, "index %d out of range (len %d)", i, len(o.Elems))
		}
		return o.Elems[i], nil
	case *MapObject:
		k, ok := t.vm.StringContent(key)
		if !ok {
			return Null, raisedf(ErrType, "map key is not a string")
		}
		if v, ok := o.Entries[k]; ok {
			return v, nil
		}
		return Null, nil
	case *StringObject:
		i, ok := asInt(key)
		if !ok {
			return Null, raisedf(ErrType, "string index is not an integer")
		}
		if i < 0 || int(i) >= len(o.S) {
			return Null, raisedf(ErrIndexRange, "index %d out of range (len %d)", i, len(o.S))
		}
		return t.vm.NewString(o.S[i : i+1]), nil
	}
	return Null, raisedf(ErrType, "value is not indexable")
}

func (t *Task) setIndex(recv, key, v Value) *RaisedError {
	switch o := t.vm.deref(recv).(type) {
	case *ListObject:
		i, ok := asInt(key)
		if !ok {
			return raisedf(ErrType, "list index is not an integer")
		}
		if i < 0 || int(i) >= len(o.Elems) {
			return raisedf(ErrIndexRange, "index %d out of range (len %d)", i, len(o.Elems))
		}
		o.Elems[i] = v
		return nil
	case *MapObject:
		k, ok := t.vm.StringContent(key)
		if !ok {
			return raisedf(ErrType, "map key is not a string")
		}
		o.Entries[k] = v
		return nil
	}
	return raisedf(ErrType, "value is not index-assignable")
}

func (t *Task) length(v Value) (Value, *RaisedError) {
	switch o := t.vm.deref(v).(type) {
	case *ListObject:
		return FromInt(int64(len(o.Elems))), nil
	case *MapObject:
		return FromInt(int64(len(o.Entries))), nil
	case *StringObject:
		return FromInt(int64(len(o.S))), nil
	}
	return Null, raisedf(ErrType, "value has no length")
}
