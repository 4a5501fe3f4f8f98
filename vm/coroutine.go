package vm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Tasks, deferreds, scheduler
// ---------------------------------------------------------------------------

// Task is one strand of script execution. Every entry into the interpreter
// runs on a task: the root call, each launched coroutine, and each body a
// waiting task steals and runs inline. Tasks carry the cancellation context
// and the call-depth guard; they are not shared between goroutines.
type Task struct {
	vm     *VM
	ID     uuid.UUID
	ctx    context.Context
	cancel context.CancelFunc
	depth  int
	argbuf *argBuffer
	log    commonlog.Logger
}

// Context returns the task's cancellation context. Native functions that
// block should honor it.
func (t *Task) Context() context.Context { return t.ctx }

// VM returns the owning virtual machine.
func (t *Task) VM() *VM { return t.vm }

// cancelledErr returns the pending cancellation as a raised error, or nil.
// Cancellation is only observed here, which the interpreter calls at
// suspension points (await and delay), never mid-sequence.
func (t *Task) cancelledErr() *RaisedError {
	select {
	case <-t.ctx.Done():
		return newCancelled("task " + t.ID.String())
	default:
		return nil
	}
}

// Deferred states. Claiming is a compare-and-swap from pending so a body
// runs at most once whether a worker dequeues it or an awaiting task steals
// it.
const (
	defPending int32 = iota
	defClaimed
	defDone
	defCancelled
)

// Deferred is the handle returned by launch: the eventual result of a
// coroutine body. Await blocks until done and yields the result or
// re-raises the body's error on the awaiting task.
type Deferred struct {
	ID uuid.UUID

	state  atomic.Int32
	done   chan struct{}
	result Value
	err    *RaisedError

	body   Value // closure handle
	ctx    context.Context
	cancel context.CancelFunc
}

func (*Deferred) Kind() ObjectKind { return KindDeferred }

// State returns the current lifecycle state.
func (d *Deferred) State() int32 { return d.state.Load() }

// Cancel requests cancellation. A pending body never runs; a running body
// observes the request at its next suspension point.
func (d *Deferred) Cancel() {
	if d.state.CompareAndSwap(defPending, defCancelled) {
		d.err = newCancelled("deferred " + d.ID.String())
		close(d.done)
		return
	}
	d.cancel()
}

// claim attempts the pending-to-claimed transition.
func (d *Deferred) claim() bool {
	return d.state.CompareAndSwap(defPending, defClaimed)
}

// finish publishes the body's outcome and wakes awaiters.
func (d *Deferred) finish(result Value, err *RaisedError) {
	d.result = result
	d.err = err
	d.state.Store(defDone)
	close(d.done)
}

// Scheduler runs launched deferreds on a fixed worker pool. The pool never
// grows: when every worker is blocked awaiting, progress comes from awaiting
// tasks stealing pending bodies and running them inline.
type Scheduler struct {
	vm      *VM
	queue   chan *Deferred
	workers int
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped sync.Once
	log     commonlog.Logger
}

func newScheduler(vm *VM, workers int, log commonlog.Logger) *Scheduler {
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		vm:      vm,
		queue:   make(chan *Deferred, 256),
		workers: workers,
		stop:    make(chan struct{}),
		log:     log,
	}
}

// Start spins up the worker pool.
func (s *Scheduler) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
}

// Stop drains the pool. Pending deferreds that were never claimed are
// cancelled, so their awaiters observe cancellation instead of blocking.
func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stop) })
	s.wg.Wait()
	for {
		select {
		case d := <-s.queue:
			d.Cancel()
		default:
			return
		}
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case d := <-s.queue:
			s.runDeferred(d)
		}
	}
}

// runDeferred claims and executes one deferred body on a fresh task.
func (s *Scheduler) runDeferred(d *Deferred) {
	if !d.claim() {
		return
	}
	t := s.vm.newTask(d.ctx, d.cancel)
	s.log.Debugf("task %s running deferred %s", t.ID, d.ID)
	result, err := t.runBody(d.body, nil)
	if err != nil {
		s.log.Infof("deferred %s failed: %s", d.ID, err.Error())
	}
	d.finish(result, err)
}

// enqueue hands a deferred to the pool without blocking the launcher: if
// the queue is full the launching task runs the body inline instead.
func (s *Scheduler) enqueue(t *Task, d *Deferred) {
	select {
	case s.queue <- d:
	default:
		s.runDeferredOn(t, d)
	}
}

// runDeferredOn executes d inline on the given task's goroutine, with d's
// own cancellation context.
func (s *Scheduler) runDeferredOn(t *Task, d *Deferred) {
	if !d.claim() {
		return
	}
	inline := s.vm.newTask(d.ctx, d.cancel)
	inline.depth = t.depth
	result, err := inline.runBody(d.body, nil)
	d.finish(result, err)
}

// ---------------------------------------------------------------------------
// Task-level operations behind LAUNCH / AWAIT / DELAY
// ---------------------------------------------------------------------------

// launch wraps a closure in a deferred and schedules it. The body does not
// start synchronously; the launcher continues immediately.
func (t *Task) launch(body Value) (Value, *RaisedError) {
	obj := t.vm.deref(body)
	if obj == nil || obj.Kind() != KindClosure {
		return Null, raisedf(ErrType, "launch operand is not a function")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Deferred{
		ID:     uuid.New(),
		done:   make(chan struct{}),
		body:   body,
		ctx:    ctx,
		cancel: cancel,
	}
	h := t.vm.Objects.Register(d)
	t.vm.Sched.enqueue(t, d)
	return FromHandle(h), nil
}

// await blocks until the deferred completes, first attempting to steal a
// still-pending body and run it inline so a fully blocked worker pool
// cannot deadlock on its own queue.
func (t *Task) await(dv Value) (Value, *RaisedError) {
	if err := t.cancelledErr(); err != nil {
		return Null, err
	}
	d, ok := t.vm.deref(dv).(*Deferred)
	if !ok {
		return Null, raisedf(ErrType, "await operand is not a deferred")
	}

	if d.claim() {
		inline := t.vm.newTask(d.ctx, d.cancel)
		inline.depth = t.depth
		result, err := inline.runBody(d.body, nil)
		d.finish(result, err)
	}

	select {
	case <-d.done:
	case <-t.ctx.Done():
		return Null, newCancelled("task " + t.ID.String())
	}

	if d.err != nil {
		return Null, d.err
	}
	return d.result, nil
}

// delay suspends the task for ms milliseconds, waking early on
// cancellation.
func (t *Task) delay(ms int64) *RaisedError {
	if err := t.cancelledErr(); err != nil {
		return err
	}
	if ms <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-t.ctx.Done():
		return newCancelled("task " + t.ID.String())
	}
}
