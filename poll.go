package corejs

import (
	"context"
	"fmt"

	"github.com/cryguy/corejs/modules"
	"github.com/cryguy/corejs/ops"
)

// dispatch backs Hooks.RouteOp: it routes the call, and for an async result
// starts the future immediately and tracks it in the reffed or unreffed
// pending set, returning the caller only the tag it needs to decide what to
// hand back to script (§4.5).
func (rt *Runtime) dispatch(router ops.Router, opID uint32, bufs [][]byte) ops.Op {
	op := router.Route(opID, bufs)
	switch op.Kind {
	case ops.Async:
		pf := startFuture(rt.bgCtx(), op.Future, rt.state.notify)
		rt.state.pendingOps = append(rt.state.pendingOps, pf)
		rt.state.haveUnpolledOps = true
		return ops.Op{Kind: ops.Async}
	case ops.AsyncUnref:
		pf := startFuture(rt.bgCtx(), op.Future, rt.state.notify)
		rt.state.pendingUnrefOps = append(rt.state.pendingUnrefOps, pf)
		rt.state.haveUnpolledOps = true
		return ops.Op{Kind: ops.AsyncUnref}
	default:
		return op
	}
}

// Run drives Poll to readiness, blocking between cycles until there is new
// work rather than busy-spinning (§4.7).
func (rt *Runtime) Run(ctx context.Context) error {
	prev := rt.runCtx
	rt.runCtx = ctx
	defer func() { rt.runCtx = prev }()

	for {
		ready, err := rt.Poll(ctx)
		if err != nil {
			return err
		}
		if ready {
			return nil
		}
		select {
		case <-rt.state.notify:
		case <-ctx.Done():
			rt.engine.TerminateExecution()
			return rt.wrapErr(newTerminationError())
		}
	}
}

// drainPendingSet pushes every already-ready future's result onto rt.queue,
// taking ready futures in the order they were dispatched, stopping the
// instant one fails to fit
// (§4.5, §4.7 steps 4-5). The caller is left holding whatever didn't
// complete or didn't fit this cycle.
func (rt *Runtime) drainPendingSet(set []*pendingFuture) (remaining []*pendingFuture, pushedAny bool, overflow *ops.Result) {
	remaining = set
	for {
		idx := -1
		var res ops.Result
		for i, pf := range remaining {
			if r, ok := pf.tryRecv(); ok {
				idx = i
				res = r
				break
			}
		}
		if idx == -1 {
			return remaining, pushedAny, overflow
		}
		remaining = append(append([]*pendingFuture{}, remaining[:idx]...), remaining[idx+1:]...)
		if rt.queue.Push(res.OpID, res.Bytes) {
			pushedAny = true
			continue
		}
		overflow = &res
		return remaining, pushedAny, overflow
	}
}

// syncAndRecv mirrors the shared queue into the engine and invokes the
// no-argument receive callback, which delivers every queued record to
// script synchronously; the Go-side queue is then reset for the next cycle's
// pushes (§4.7 step 7). There is nothing further to assert here: script
// reads the mirrored copy through a DataView, it does not write back into
// it, so the only signal this host gets that delivery happened is
// InvokeRecv returning without an exception.
func (rt *Runtime) syncAndRecv() (*EngineException, error) {
	if rt.queue.Size() == 0 {
		return nil, nil
	}
	if err := rt.engine.SyncSharedQueue(rt.queue.Bytes()); err != nil {
		return nil, fmt.Errorf("corejs: syncing shared queue: %w", err)
	}
	exc, err := rt.engine.InvokeRecv(nil)
	if err != nil {
		return nil, err
	}
	rt.queue.Reset()
	if exc != nil {
		return exc, nil
	}
	return nil, nil
}

// checkPromiseException takes one pending rejection, if any, and turns it
// into a fatal error for Poll to return (§4.7 steps 3/8).
func (rt *Runtime) checkPromiseException() error {
	rej, ok := rt.engine.TakePendingRejection()
	if !ok {
		return nil
	}
	return rt.wrapErr(&RuntimeError{
		Kind:        KindUnhandledRejection,
		Message:     rej.Exception.Message,
		Filename:    rej.Exception.Filename,
		Line:        rej.Exception.Line,
		Column:      rej.Exception.Column,
		EndColumn:   rej.Exception.EndColumn,
		StackTrace:  rej.Exception.StackTrace,
		EngineValue: rej.Exception.Value,
	})
}

// rejectDynamicImport rejects load's deferred promise with a plain Go error
// (a loader failure, not an engine exception) and drops its bookkeeping.
func (rt *Runtime) rejectDynamicImport(load *modules.RecursiveLoad, err error) {
	delete(rt.dynImportLoads, load.ID)
	_ = rt.engine.RejectDynamicImport(load.ID, nil, err.Error())
}

// drainPreparingDynImports advances every in-flight prepare() call; a load
// whose prepare completed moves to pendingDynImports, or is rejected
// immediately on a prepare failure (§4.6.5).
func (rt *Runtime) drainPreparingDynImports(ctx context.Context) error {
	var still []*modules.RecursiveLoad
	for _, load := range rt.state.preparingDynImports {
		err, ready := load.PollPrepare()
		if !ready {
			still = append(still, load)
			continue
		}
		if err != nil {
			rt.rejectDynamicImport(load, err)
			continue
		}
		rt.state.pendingDynImports = append(rt.state.pendingDynImports, load)
	}
	rt.state.preparingDynImports = still
	return nil
}

// drainPendingDynImports advances every load that has cleared prepare(): it
// starts the next Load() step if none is in flight, and finishes the load
// (instantiate+evaluate+resolve) once it reaches Done (§4.6.4/§4.6.5).
func (rt *Runtime) drainPendingDynImports(ctx context.Context) error {
	pending := rt.state.pendingDynImports
	var still []*modules.RecursiveLoad
	for _, load := range pending {
		load.StartStep(ctx) // no-op if a step is already in flight or none is pending

		if load.HasPendingWork() {
			ready, err := load.PollStep()
			if !ready {
				still = append(still, load)
				continue
			}
			if err != nil {
				rt.rejectDynamicImport(load, err)
				continue
			}
		}

		if load.State == modules.Done {
			rt.settleDynamicImport(load)
			continue
		}
		still = append(still, load)
	}
	rt.state.pendingDynImports = still
	return nil
}

// Poll runs exactly one cycle of the event loop state machine (§4.7).
func (rt *Runtime) Poll(ctx context.Context) (ready bool, err error) {
	// Bootstrap and the startup script, if any, run before the first cycle.
	if err := rt.ensureInit(); err != nil {
		return false, err
	}
	rt.state.haveUnpolledOps = false

	if err := rt.drainPreparingDynImports(ctx); err != nil {
		return false, err
	}
	if err := rt.drainPendingDynImports(ctx); err != nil {
		return false, err
	}
	if err := rt.checkPromiseException(); err != nil {
		return false, err
	}

	remaining, _, overflow := rt.drainPendingSet(rt.state.pendingOps)
	rt.state.pendingOps = remaining
	if overflow == nil {
		remaining, _, of := rt.drainPendingSet(rt.state.pendingUnrefOps)
		rt.state.pendingUnrefOps = remaining
		overflow = of
	}

	if exc, err := rt.syncAndRecv(); err != nil {
		return false, err
	} else if exc != nil {
		return false, rt.wrapErr(errFromException(KindRuntimeException, exc))
	}
	if overflow != nil {
		if exc, err := rt.engine.InvokeRecv(&OverflowResponse{OpID: overflow.OpID, Data: overflow.Bytes}); err != nil {
			return false, err
		} else if exc != nil {
			return false, rt.wrapErr(errFromException(KindRuntimeException, exc))
		}
	}

	if exc, err := rt.engine.DrainMacrotasks(); err != nil {
		return false, err
	} else if exc != nil {
		return false, rt.wrapErr(errFromException(KindRuntimeException, exc))
	}

	if err := rt.checkPromiseException(); err != nil {
		return false, err
	}

	if rt.statsCh != nil {
		select {
		case rt.statsCh <- rt.statsLocked():
		default:
		}
	}

	noReffedOps := len(rt.state.pendingOps) == 0
	noDynImports := len(rt.state.preparingDynImports) == 0 && len(rt.state.pendingDynImports) == 0
	if noReffedOps && noDynImports {
		return true, nil
	}
	if rt.state.haveUnpolledOps {
		rt.wake()
	}
	return false, nil
}
