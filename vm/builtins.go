package vm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Host modules and core builtins
// ---------------------------------------------------------------------------

// NativeClosure is a host function exposed to scripts as a callable global.
type NativeClosure struct {
	Name  string
	Arity int
	Fn    NativeFunc
}

func (*NativeClosure) Kind() ObjectKind { return KindClosure }

// Module is a named group of host registrations. Registrations bind into the
// VM's global namespace; the module name prefixes diagnostics only.
type Module struct {
	vm   *VM
	name string
}

// Module returns the named registration namespace, creating it on first
// use.
func (vm *VM) Module(name string) *Module {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if m, ok := vm.modules[name]; ok {
		return m
	}
	m := &Module{vm: vm, name: name}
	vm.modules[name] = m
	return m
}

// Class defines a native class in the VM registry, sealing it and
// computing its linearization exactly like a script-defined class.
func (m *Module) Class(c *Class) error {
	return m.vm.Classes.Define(c)
}

// Func registers a native function of the given arity as a global.
func (m *Module) Func(name string, arity int, fn NativeFunc) {
	nc := &NativeClosure{Name: m.name + "." + name, Arity: arity, Fn: fn}
	m.vm.SetGlobal(name, FromHandle(m.vm.Objects.Register(nc)))
}

// Func0 registers a nullary native function.
func (m *Module) Func0(name string, fn func(t *Task) (Value, *RaisedError)) {
	m.Func(name, 0, func(t *Task, _ Value, _ []Value) (Value, *RaisedError) {
		return fn(t)
	})
}

// Func1 registers a unary native function.
func (m *Module) Func1(name string, fn func(t *Task, a Value) (Value, *RaisedError)) {
	m.Func(name, 1, func(t *Task, _ Value, args []Value) (Value, *RaisedError) {
		return fn(t, args[0])
	})
}

// Func2 registers a binary native function.
func (m *Module) Func2(name string, fn func(t *Task, a, b Value) (Value, *RaisedError)) {
	m.Func(name, 2, func(t *Task, _ Value, args []Value) (Value, *RaisedError) {
		return fn(t, args[0], args[1])
	})
}

// Func3 registers a ternary native function.
func (m *Module) Func3(name string, fn func(t *Task, a, b, c Value) (Value, *RaisedError)) {
	m.Func(name, 3, func(t *Task, _ Value, args []Value) (Value, *RaisedError) {
		return fn(t, args[0], args[1], args[2])
	})
}

// installCore registers the builtin core module every VM starts with.
func installCore(vm *VM) {
	core := vm.Module("core")

	core.Func1("print", func(t *Task, v Value) (Value, *RaisedError) {
		fmt.Println(t.vm.DisplayString(v))
		return Null, nil
	})

	core.Func1("len", func(t *Task, v Value) (Value, *RaisedError) {
		return t.length(v)
	})

	core.Func1("str", func(t *Task, v Value) (Value, *RaisedError) {
		return t.vm.NewString(t.vm.DisplayString(v)), nil
	})

	core.Func0("clock", func(t *Task) (Value, *RaisedError) {
		return FromInt(time.Now().UnixMilli()), nil
	})

	core.Func2("push", func(t *Task, list, v Value) (Value, *RaisedError) {
		lo, ok := t.vm.deref(list).(*ListObject)
		if !ok {
			return Null, raisedf(ErrType, "push target is not a list")
		}
		lo.Elems = append(lo.Elems, v)
		return list, nil
	})

	core.Func1("pop", func(t *Task, list Value) (Value, *RaisedError) {
		lo, ok := t.vm.deref(list).(*ListObject)
		if !ok {
			return Null, raisedf(ErrType, "pop target is not a list")
		}
		n := len(lo.Elems)
		if n == 0 {
			return Null, raisedf(ErrIndexRange, "pop from empty list")
		}
		v := lo.Elems[n-1]
		lo.Elems = lo.Elems[:n-1]
		return v, nil
	})

	core.Func1("keys", func(t *Task, m Value) (Value, *RaisedError) {
		mo, ok := t.vm.deref(m).(*MapObject)
		if !ok {
			return Null, raisedf(ErrType, "keys target is not a map")
		}
		out := make([]Value, 0, len(mo.Entries))
		for k := range mo.Entries {
			out = append(out, t.vm.NewString(k))
		}
		return t.vm.NewList(out), nil
	})

	core.Func0("map", func(t *Task) (Value, *RaisedError) {
		return t.vm.NewMap(), nil
	})

	core.Func1("cancel", func(t *Task, v Value) (Value, *RaisedError) {
		d, ok := t.vm.deref(v).(*Deferred)
		if !ok {
			return Null, raisedf(ErrType, "cancel operand is not a deferred")
		}
		d.Cancel()
		return Null, nil
	})

	core.Func1("class_of", func(t *Task, v Value) (Value, *RaisedError) {
		r, err := t.receiver(v)
		if err != nil {
			return Null, err
		}
		return t.vm.NewString(r.resolve.Name), nil
	})
}

// DisplayString renders a value for print, str, and raise messages.
func (vm *VM) DisplayString(v Value) string {
	switch {
	case v.IsNull():
		return "null"
	case v == True:
		return "true"
	case v == False:
		return "false"
	case v.IsInt():
		return strconv.FormatInt(v.Int(), 10)
	case v.IsReal():
		return strconv.FormatFloat(v.Real(), 'g', -1, 64)
	}

	switch o := vm.Objects.Deref(v.Handle()).(type) {
	case *StringObject:
		return o.S
	case *ListObject:
		var b strings.Builder
		b.WriteByte('[')
		for i, e := range o.Elems {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(vm.DisplayString(e))
		}
		b.WriteByte(']')
		return b.String()
	case *MapObject:
		return fmt.Sprintf("map(%d entries)", len(o.Entries))
	case *Instance:
		return fmt.Sprintf("%s instance", o.Class.Name)
	case *View:
		return fmt.Sprintf("%s view", o.ViewClass.Name)
	case *Closure, *EvalClosure, *NativeClosure:
		return "function"
	case *Deferred:
		return fmt.Sprintf("deferred %s", o.ID)
	case *ErrorObject:
		return o.Err.Error()
	case *NativeObject:
		return o.TypeName
	}
	return "object"
}
