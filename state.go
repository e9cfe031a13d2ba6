package corejs

import (
	"context"

	"github.com/cryguy/corejs/modules"
	"github.com/cryguy/corejs/ops"
)

// pendingFuture is one in-flight async op. The future runs on its own
// goroutine as soon as Async/AsyncUnref is returned from the router; ch
// receives its result exactly once.
type pendingFuture struct {
	ch chan ops.Result
}

func startFuture(ctx context.Context, f ops.Future, notify chan struct{}) *pendingFuture {
	pf := &pendingFuture{ch: make(chan ops.Result, 1)}
	go func() {
		pf.ch <- f(ctx)
		select {
		case notify <- struct{}{}:
		default:
		}
	}()
	return pf
}

// tryRecv does a non-blocking receive; ok is true iff a result was ready.
func (pf *pendingFuture) tryRecv() (ops.Result, bool) {
	select {
	case r := <-pf.ch:
		return r, true
	default:
		return ops.Result{}, false
	}
}

// runtimeState is the per-isolate embedder slot (§3 RuntimeState). In this
// Go port it is simply the private fields of Runtime, grouped here for
// clarity; there is no separate interior-mutability wrapper because a
// Runtime is never accessed from more than one goroutine at a time (§5).
type runtimeState struct {
	loader   modules.Loader
	compiler modules.Compiler // adapts Engine.CompileModule to modules.Compiler
	registry *modules.Registry

	pendingOps      []*pendingFuture // reffed — keep Run's poll alive
	pendingUnrefOps []*pendingFuture // unreffed — do not
	haveUnpolledOps bool

	dynImportNextID     int64
	dynImportResolvers  map[int64]int64 // load id -> same id (presence = pending); kept for symmetry with dyn_import_map
	preparingDynImports []*modules.RecursiveLoad
	pendingDynImports   []*modules.RecursiveLoad

	// notify is signaled (non-blocking, best-effort) whenever a pending
	// future or dynamic-import step completes, waking Run's wait loop. This
	// is this port's equivalent of the original's AtomicWaker.
	notify chan struct{}

	errorWrapFn ErrorWrapFunc
}

// Stats is a snapshot of a Runtime's event-loop bookkeeping, for external
// diagnostics (package inspector). It is only ever constructed on the
// Runtime's own goroutine, at the end of a Poll cycle, and handed to
// observers over a channel — never read directly from rt's fields by
// another goroutine, since RuntimeState has no lock (§5: "mutable access is
// single-threaded").
type Stats struct {
	PendingOps          int
	PendingUnrefOps     int
	PreparingDynImports int
	PendingDynImports   int
	QueueSize           int
}

func (rt *Runtime) statsLocked() Stats {
	return Stats{
		PendingOps:          len(rt.state.pendingOps),
		PendingUnrefOps:     len(rt.state.pendingUnrefOps),
		PreparingDynImports: len(rt.state.preparingDynImports),
		PendingDynImports:   len(rt.state.pendingDynImports),
		QueueSize:           rt.queue.Size(),
	}
}

// Subscribe registers ch to receive a Stats value at the end of every Poll
// cycle (non-blocking send: a slow reader misses updates rather than
// stalling the loop). Only one subscriber is supported; a second Subscribe
// call replaces the first.
func (rt *Runtime) Subscribe(ch chan<- Stats) {
	rt.statsCh = ch
}

func newRuntimeState(loader modules.Loader) *runtimeState {
	if loader == nil {
		loader = modules.NoopLoader{}
	}
	return &runtimeState{
		loader:             loader,
		registry:           modules.NewRegistry(),
		dynImportResolvers: make(map[int64]int64),
		notify:             make(chan struct{}, 1),
		errorWrapFn:        defaultErrorWrapFunc,
	}
}
