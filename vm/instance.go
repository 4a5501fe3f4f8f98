package vm

// ---------------------------------------------------------------------------
// Instances, views, construction
// ---------------------------------------------------------------------------

// Instance is a constructed object: its exact class plus one flat slot array
// holding every field segment of the linearization. Segment offsets come
// from the exact class, so two ancestors declaring a same-named field keep
// independent storage.
type Instance struct {
	Class *Class
	Slots []Value
}

func (*Instance) Kind() ObjectKind { return KindInstance }

// View is the result of a cast to an ancestor class: it shares the
// underlying instance's storage but dispatches from ViewClass's
// linearization. `this` inside a method invoked through a view is the raw
// instance again, so the view narrows exactly one dispatch.
type View struct {
	Inst      Value // handle to the underlying Instance
	ViewClass *Class
}

func (*View) Kind() ObjectKind { return KindView }

// receiverInfo normalizes a receiver value for dispatch and field access.
type receiverInfo struct {
	exact   *Class // the instance's exact class
	resolve *Class // class whose linearization dispatch walks (view class or exact)
	inst    *Instance
	instVal Value // handle value of the raw instance, for binding `this`
}

// receiver unwraps v into dispatch info. Returns a type error if v is not an
// instance or a view of one.
func (t *Task) receiver(v Value) (receiverInfo, *RaisedError) {
	obj := t.vm.deref(v)
	switch o := obj.(type) {
	case *Instance:
		return receiverInfo{exact: o.Class, resolve: o.Class, inst: o, instVal: v}, nil
	case *View:
		inner, ok := t.vm.deref(o.Inst).(*Instance)
		if !ok {
			return receiverInfo{}, raisedf(ErrType, "stale view target")
		}
		return receiverInfo{exact: inner.Class, resolve: o.ViewClass, inst: inner, instVal: o.Inst}, nil
	default:
		return receiverInfo{}, raisedf(ErrType, "receiver is not an object instance")
	}
}

// cast converts v to target. A cast to the exact class returns the raw
// instance; a cast to a proper ancestor returns a view dispatching from that
// ancestor. Casting a view recasts the underlying instance, so views never
// stack. Soft casts yield null on failure, hard casts raise.
func (t *Task) cast(v Value, target *Class, soft bool) (Value, *RaisedError) {
	if v.IsNull() {
		if soft {
			return Null, nil
		}
		return Null, raisedf(ErrCast, "cannot cast null to %s", target.Name)
	}
	r, err := t.receiver(v)
	if err != nil {
		if soft {
			return Null, nil
		}
		return Null, raisedf(ErrCast, "cannot cast non-instance value to %s", target.Name)
	}
	if !r.exact.HasAncestor(target) {
		if soft {
			return Null, nil
		}
		return Null, newCastError(r.exact, target.Name)
	}
	if target == r.exact {
		return r.instVal, nil
	}
	return FromHandle(t.vm.Objects.Register(&View{Inst: r.instVal, ViewClass: target})), nil
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

// Construct allocates an instance of c and runs the construction protocol:
// each class in the hierarchy initializes exactly once, ancestors before the
// classes that inherit them, with constructor arguments flowing through the
// ancestor lists in the class headers. A shared ancestor in a diamond is
// initialized by whichever path reaches it first.
func (t *Task) Construct(c *Class, args []Value) (Value, *RaisedError) {
	inst := &Instance{
		Class: c,
		Slots: make([]Value, c.StorageSize()),
	}
	for i := range inst.Slots {
		inst.Slots[i] = Null
	}
	instVal := FromHandle(t.vm.Objects.Register(inst))

	visited := make(map[*Class]bool, len(c.lin))
	if err := t.initClass(inst, instVal, c, args, visited); err != nil {
		return Null, err
	}
	return instVal, nil
}

// initClass runs one class's share of construction: ancestor header args
// are evaluated in the constructor parameter environment, ancestors
// initialize first, then this class's field defaults, then its constructor
// body.
func (t *Task) initClass(inst *Instance, instVal Value, c *Class, args []Value, visited map[*Class]bool) *RaisedError {
	if visited[c] {
		return nil
	}
	visited[c] = true

	if c.Ctor != nil && len(args) != c.Ctor.Arity {
		return raisedf(ErrArity, "constructor of %s takes %d argument(s), got %d",
			c.Name, c.Ctor.Arity, len(args))
	}

	env := t.ctorEnv(c, args)

	for i, a := range c.Ancestors {
		var aArgs []Value
		if i < len(c.HeaderArgs) {
			aArgs = make([]Value, len(c.HeaderArgs[i]))
			for j, expr := range c.HeaderArgs[i] {
				v, err := t.evalExpr(env, expr)
				if err != nil {
					return err
				}
				aArgs[j] = v
			}
		}
		if err := t.initClass(inst, instVal, a, aArgs, visited); err != nil {
			return err
		}
	}

	// Field defaults land in this class's own segment within the exact
	// class's layout.
	off, ok := inst.Class.SegmentOffset(c)
	if !ok {
		return raisedf(ErrType, "%s is not linearized into %s", c.Name, inst.Class.Name)
	}
	fieldEnv := env.withThis(instVal, c)
	for idx, f := range c.Fields {
		if f.Init == nil {
			continue
		}
		v, err := t.evalExpr(fieldEnv, f.Init)
		if err != nil {
			return err
		}
		inst.Slots[off+idx] = v
	}

	if c.Ctor != nil {
		if _, err := t.invokeMethod(c.Ctor, instVal, args); err != nil {
			return err
		}
	}
	return nil
}

// ctorEnv builds the environment for ancestor header argument and field
// default evaluation: constructor parameters bound positionally, no `this`.
// Compiled constructor bodies carry the receiver as an implicit leading
// parameter, which is skipped here.
func (t *Task) ctorEnv(c *Class, args []Value) *evalEnv {
	env := newEvalEnv(t, nil)
	if c.Ctor == nil || c.Ctor.Fn == nil {
		return env
	}
	fn := c.Ctor.Fn
	skip := 0
	if fn.Owner != "" {
		skip = 1
	}
	for i := 0; i+skip < fn.NumParams && i < len(args); i++ {
		env.bind(fn.Locals[i+skip].Name, args[i])
	}
	return env
}

// ---------------------------------------------------------------------------
// Field access through a receiver
// ---------------------------------------------------------------------------

// getField reads a field by linearized lookup from the receiver's resolve
// class. qualifier, when non-nil, pins the declaring class instead.
func (t *Task) getField(recv Value, name string, qualifier *Class, accessCtx *Class) (Value, *RaisedError) {
	r, err := t.receiver(recv)
	if err != nil {
		return Null, err
	}
	var ref fieldRef
	if qualifier != nil {
		ref, err = resolveFieldQualified(r.exact, qualifier, name, accessCtx)
	} else {
		ref, err = resolveField(r.resolve, r.exact, name, accessCtx)
	}
	if err != nil {
		return Null, err
	}
	return r.inst.Slots[ref.slot], nil
}

// setField writes a field located the same way getField locates it.
// Immutable fields only accept writes from their declaring class's
// constructor context.
func (t *Task) setField(recv Value, name string, qualifier *Class, accessCtx *Class, inCtor bool, v Value) *RaisedError {
	r, err := t.receiver(recv)
	if err != nil {
		return err
	}
	var ref fieldRef
	if qualifier != nil {
		ref, err = resolveFieldQualified(r.exact, qualifier, name, accessCtx)
	} else {
		ref, err = resolveField(r.resolve, r.exact, name, accessCtx)
	}
	if err != nil {
		return err
	}
	idx := ref.declaring.fieldIndex(name)
	if !ref.declaring.Fields[idx].Mutable && !(inCtor && accessCtx == ref.declaring) {
		return raisedf(ErrType, "field %s.%s is immutable", ref.declaring.Name, name)
	}
	r.inst.Slots[ref.slot] = v
	return nil
}
