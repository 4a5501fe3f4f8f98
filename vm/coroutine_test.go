package vm

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/vela-lang/vela/pkg/bytecode"
)

// launchAwaitFn builds: d = launch(fn); return await(d)
func launchAwaitFn(t *testing.T, body *bytecode.CmdFunction) *bytecode.CmdFunction {
	t.Helper()
	b := bytecode.NewBuilder("launch_await")
	f := b.AddLocal("f", bytecode.SlotObject, true)
	d := b.AddLocal("d", bytecode.SlotObject, true)
	out := b.AddLocal("out", bytecode.SlotObject, true)
	b.Emit(bytecode.OpMakeClosure, f, b.Const(bytecode.Const{Kind: bytecode.ConstFunc, Fn: body}))
	b.Emit(bytecode.OpLaunch, d, f)
	b.Emit(bytecode.OpAwait, out, d)
	b.Emit(bytecode.OpReturn, out)
	return build(t, b)
}

func TestLaunchAwaitResult(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	body := bytecode.NewBuilder("body")
	out := body.AddLocal("out", bytecode.SlotInt, true)
	body.Emit(bytecode.OpLoadConst, out, body.IntConst(42))
	body.Emit(bytecode.OpReturn, out)

	got := run(t, v, launchAwaitFn(t, build(t, body)))
	if !got.IsInt() || got.Int() != 42 {
		t.Errorf("await = %v, want 42", got)
	}
}

func TestAwaitReRaisesBodyError(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	body := bytecode.NewBuilder("body")
	msg := body.AddLocal("msg", bytecode.SlotObject, true)
	body.Emit(bytecode.OpLoadConst, msg, body.StringConst("task failed"))
	body.Emit(bytecode.OpRaise, msg)
	body.Emit(bytecode.OpReturnNull)

	rerr := runErr(t, v, launchAwaitFn(t, build(t, body)))
	if rerr.Kind != ErrRaised || rerr.Message != "task failed" {
		t.Errorf("await err = %v, want the body's raise", rerr)
	}
}

func TestAwaitStealsWithSingleWorker(t *testing.T) {
	// One worker, many deferreds: when the worker is busy or the queue
	// backs up, awaiting tasks must steal pending bodies instead of
	// deadlocking.
	v := New(Options{Workers: 1})
	defer v.Close()

	body := bytecode.NewBuilder("body")
	out := body.AddLocal("out", bytecode.SlotInt, true)
	body.Emit(bytecode.OpLoadConst, out, body.IntConst(1))
	body.Emit(bytecode.OpReturn, out)
	bodyFn := build(t, body)

	// launch 8 deferreds, await them all, sum the results.
	b := bytecode.NewBuilder("fanout")
	f := b.AddLocal("f", bytecode.SlotObject, true)
	sum := b.AddLocal("sum", bytecode.SlotInt, true)
	tmp := b.AddLocal("tmp", bytecode.SlotInt, true)
	ds := make([]int32, 8)
	b.Emit(bytecode.OpMakeClosure, f, b.Const(bytecode.Const{Kind: bytecode.ConstFunc, Fn: bodyFn}))
	for i := range ds {
		ds[i] = b.AddLocal("d", bytecode.SlotObject, true)
		b.Emit(bytecode.OpLaunch, ds[i], f)
	}
	b.Emit(bytecode.OpLoadConst, sum, b.IntConst(0))
	for _, d := range ds {
		b.Emit(bytecode.OpAwait, tmp, d)
		b.Emit(bytecode.OpAddII, sum, sum, tmp)
	}
	b.Emit(bytecode.OpReturn, sum)

	fn := build(t, b)
	type outcome struct {
		val Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := v.Execute(context.Background(), fn, nil)
		done <- outcome{val, err}
	}()
	select {
	case o := <-done:
		if o.err != nil {
			t.Fatal(o.err)
		}
		if !o.val.IsInt() || o.val.Int() != 8 {
			t.Errorf("fanout = %v, want 8", o.val)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fanout deadlocked")
	}
}

func TestLaunchNonCallableFails(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	b := bytecode.NewBuilder("bad_launch")
	n := b.AddLocal("n", bytecode.SlotInt, true)
	d := b.AddLocal("d", bytecode.SlotObject, true)
	b.Emit(bytecode.OpLoadConst, n, b.IntConst(5))
	b.Emit(bytecode.OpLaunch, d, n)
	b.Emit(bytecode.OpReturnNull)

	if rerr := runErr(t, v, build(t, b)); rerr.Kind != ErrType {
		t.Errorf("err = %v, want type error", rerr)
	}
}

func TestDelayWaits(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	b := bytecode.NewBuilder("nap")
	ms := b.AddLocal("ms", bytecode.SlotInt, true)
	b.Emit(bytecode.OpLoadConst, ms, b.IntConst(30))
	b.Emit(bytecode.OpDelay, ms)
	b.Emit(bytecode.OpReturnNull)
	fn := build(t, b)

	start := time.Now()
	run(t, v, fn)
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("delay returned after %v, want at least ~30ms", elapsed)
	}
}

func TestDeferredCancelBeforeRun(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	d := &Deferred{done: make(chan struct{})}
	d.Cancel()
	if d.State() != defCancelled {
		t.Fatalf("state = %d, want cancelled", d.State())
	}
	if d.err == nil || d.err.Kind != ErrCancelled {
		t.Errorf("err = %v, want cancelled", d.err)
	}
	// A cancelled deferred cannot be claimed by a worker.
	if d.claim() {
		t.Error("claim succeeded on a cancelled deferred")
	}
}

func TestStopCancelsQueuedDeferreds(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	// A deferred still sitting in the queue when the pool stops must be
	// cancelled so its awaiters wake instead of blocking forever.
	s := newScheduler(v, 1, commonlog.GetLogger("test.sched"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &Deferred{ID: uuid.New(), done: make(chan struct{}), ctx: ctx, cancel: cancel}
	s.queue <- d
	s.Stop()

	if d.State() != defCancelled {
		t.Fatalf("state = %d, want cancelled", d.State())
	}
	if d.err == nil || d.err.Kind != ErrCancelled {
		t.Errorf("err = %v, want cancelled", d.err)
	}
	select {
	case <-d.done:
	default:
		t.Error("done channel still open after Stop")
	}
}

func TestAwaitCancelledDeferredRaises(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	nap := bytecode.NewBuilder("nap")
	ms := nap.AddLocal("ms", bytecode.SlotInt, true)
	nap.Emit(bytecode.OpLoadConst, ms, nap.IntConst(500))
	nap.Emit(bytecode.OpDelay, ms)
	nap.Emit(bytecode.OpReturnNull)
	napFn := build(t, nap)

	tk := testTask(t, v)
	body := v.NewClosure(napFn, nil, Null)
	dv, rerr := tk.launch(body)
	if rerr != nil {
		t.Fatal(rerr)
	}
	d := v.deref(dv).(*Deferred)
	d.Cancel()

	_, rerr = tk.await(dv)
	if rerr == nil || rerr.Kind != ErrCancelled {
		t.Errorf("await err = %v, want cancelled", rerr)
	}
}

func TestLauncherContinuesBeforeBodyFinishes(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	v.SetGlobal("gate", FromHandle(v.Objects.Register(&NativeClosure{
		Name:  "gate",
		Arity: 0,
		Fn: func(t *Task, recv Value, args []Value) (Value, *RaisedError) {
			close(started)
			<-release
			return Null, nil
		},
	})))

	tk := testTask(t, v)
	gate, _ := v.Global("gate")
	dv, rerr := tk.launch(gate)
	if rerr != nil {
		t.Fatal(rerr)
	}

	// launch returns while the body is still blocked in the gate.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("body never started")
	}
	d := v.deref(dv).(*Deferred)
	if d.State() == defDone {
		t.Error("deferred done before the gate opened")
	}
	close(release)

	got, rerr := tk.await(dv)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if !got.IsNull() {
		t.Errorf("await = %v, want null", got)
	}
}

// ---------------------------------------------------------------------------
// Argument buffer pool
// ---------------------------------------------------------------------------

func TestArgPoolReleaseClears(t *testing.T) {
	p := newArgPool()
	b := p.Acquire(2)
	b.Add(FromInt(1))
	b.Add(FromInt(2))
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	p.Release(b)

	b2 := p.Acquire(0)
	if b2.Len() != 0 {
		t.Errorf("recycled buffer holds %d stale values", b2.Len())
	}
	p.Release(b2)
}

func TestDrainCallReleasesBufferOnUnwind(t *testing.T) {
	v := New(DefaultOptions())
	defer v.Close()
	tk := testTask(t, v)

	// A panic out of the invoked body (a non-local return unwinding past
	// this call site) must still return the staged buffer to the pool.
	buf := v.args.Acquire(1)
	buf.Add(FromInt(1))
	tk.argbuf = buf

	func() {
		defer func() { _ = recover() }()
		tk.drainCall(func([]Value) (Value, *RaisedError) {
			panic("unwind")
		})
	}()

	if buf.Len() != 0 {
		t.Errorf("staged buffer holds %d values after unwind, want released", buf.Len())
	}
}

func TestArgPoolCapacityHint(t *testing.T) {
	p := newArgPool()
	b := p.Acquire(64)
	if cap(b.Values()) < 64 {
		t.Errorf("capacity = %d, want at least 64", cap(b.Values()))
	}
	p.Release(b)
}
