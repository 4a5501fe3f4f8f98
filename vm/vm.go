package vm

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/vela-lang/vela/pkg/bytecode"
)

// ---------------------------------------------------------------------------
// VM
// ---------------------------------------------------------------------------

// Options configures a VM.
type Options struct {
	// Workers is the coroutine worker pool size. Zero means GOMAXPROCS.
	Workers int
	// MaxCallDepth bounds interpreter recursion per task.
	MaxCallDepth int
	// Trace enables per-command debug logging.
	Trace bool
}

// DefaultOptions returns the defaults the runtime starts with.
func DefaultOptions() Options {
	return Options{
		Workers:      runtime.GOMAXPROCS(0),
		MaxCallDepth: 2048,
	}
}

// VM is one scripting runtime: object registry, class table, interned
// symbols, registered functions, builtin modules, and the coroutine
// scheduler. A VM is safe for concurrent task execution; function and class
// registration is expected to finish before execution starts.
type VM struct {
	Objects *Registry
	Classes *ClassRegistry
	Symbols *bytecode.SymbolTable
	Sched   *Scheduler

	mu      sync.RWMutex
	funcs   []*bytecode.CmdFunction
	funcIDs map[string]int32
	globals map[string]Value
	modules map[string]*Module

	args     *argPool
	maxDepth int
	trace    bool
	log      commonlog.Logger
}

// New creates a VM with its worker pool started and the builtin core module
// installed.
func New(opts Options) *VM {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.MaxCallDepth <= 0 {
		opts.MaxCallDepth = 2048
	}
	vm := &VM{
		Objects:  NewRegistry(),
		Classes:  NewClassRegistry(),
		Symbols:  bytecode.NewSymbolTable(),
		funcIDs:  make(map[string]int32),
		globals:  make(map[string]Value),
		modules:  make(map[string]*Module),
		args:     newArgPool(),
		maxDepth: opts.MaxCallDepth,
		trace:    opts.Trace,
		log:      commonlog.GetLogger("vela.vm"),
	}
	vm.Sched = newScheduler(vm, opts.Workers, commonlog.GetLogger("vela.sched"))
	vm.Sched.Start()
	installCore(vm)
	return vm
}

// Close stops the worker pool. In-flight deferreds are cancelled.
func (vm *VM) Close() {
	vm.Sched.Stop()
}

// ---------------------------------------------------------------------------
// Function table
// ---------------------------------------------------------------------------

// RegisterFunc adds a compiled function and returns its id for CALL_DIRECT.
// Re-registering a name replaces the binding at the old id.
func (vm *VM) RegisterFunc(fn *bytecode.CmdFunction) int32 {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	if id, ok := vm.funcIDs[fn.Name]; ok && fn.Name != "" {
		vm.funcs[id] = fn
		return id
	}
	id := int32(len(vm.funcs))
	vm.funcs = append(vm.funcs, fn)
	if fn.Name != "" {
		vm.funcIDs[fn.Name] = id
	}
	return id
}

// FuncByID returns the function registered under id, or nil.
func (vm *VM) FuncByID(id int32) *bytecode.CmdFunction {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if id < 0 || int(id) >= len(vm.funcs) {
		return nil
	}
	return vm.funcs[id]
}

// FuncID looks up a registered function's id by name.
func (vm *VM) FuncID(name string) (int32, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	id, ok := vm.funcIDs[name]
	return id, ok
}

// Funcs returns a snapshot of the registered function name-to-id table.
func (vm *VM) Funcs() map[string]int32 {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	out := make(map[string]int32, len(vm.funcIDs))
	for name, id := range vm.funcIDs {
		out[name] = id
	}
	return out
}

// SetGlobal binds a host-visible global value.
func (vm *VM) SetGlobal(name string, v Value) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	vm.globals[name] = v
}

// Global reads a global binding.
func (vm *VM) Global(name string) (Value, bool) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	v, ok := vm.globals[name]
	return v, ok
}

// ---------------------------------------------------------------------------
// Execution entry points
// ---------------------------------------------------------------------------

func (vm *VM) newTask(ctx context.Context, cancel context.CancelFunc) *Task {
	return &Task{
		vm:     vm,
		ID:     uuid.New(),
		ctx:    ctx,
		cancel: cancel,
		log:    vm.log,
	}
}

// Execute runs fn to completion on a fresh root task and returns its result.
// Errors that unwind past the root are returned as a *RaisedError (which
// implements error); cancelling ctx is observed at the task's suspension
// points.
func (vm *VM) Execute(ctx context.Context, fn *bytecode.CmdFunction, args []Value) (result Value, err error) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()
	t := vm.newTask(tctx, cancel)

	defer func() {
		if r := recover(); r != nil {
			if nlr, ok := r.(*nonLocalReturn); ok {
				result = Null
				err = raisedf(ErrMissingLabel, "no enclosing function labeled %q", nlr.label)
				return
			}
			panic(r)
		}
	}()

	result, rerr := t.callFunction(fn, Null, nil, args)
	if rerr != nil {
		return Null, rerr
	}
	return result, nil
}

// ExecuteName runs a registered function by name.
func (vm *VM) ExecuteName(ctx context.Context, name string, args []Value) (Value, error) {
	id, ok := vm.FuncID(name)
	if !ok {
		return Null, fmt.Errorf("no function registered as %q", name)
	}
	return vm.Execute(ctx, vm.FuncByID(id), args)
}
