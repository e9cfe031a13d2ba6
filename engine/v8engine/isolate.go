// Package v8engine implements corejs.Engine on top of tommie/v8go. It is
// grounded in cryguy-worker's internal/v8engine: isolate/context
// construction and the ResourceConstraints-based heap sizing come from
// pool.go, RunScript/exception handling from runtime.go and execute.go, and
// the SharedArrayBuffer bridge from runtime.go's ReadBinaryFromJS/
// WriteBinaryToJS. Module compilation, linking, dynamic import, and snapshot
// support have no analogue in that file (the teacher never loads ES
// modules) and are designed by analogy to rusty_v8/deno_core's naming —
// v8go's actual module API was not available to inspect while writing this,
// so CompileModule/InstantiateModule/Evaluate/GetIdentityHash below are this
// package's best-effort mapping onto what a V8 embedding binding exposes.
//
//go:build v8

package v8engine

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cryguy/corejs"
	v8 "github.com/tommie/v8go"
)

// Engine is the tommie/v8go-backed corejs.Engine.
type Engine struct {
	iso *v8.Isolate
	ctx *v8.Context

	hooks corejs.Hooks

	mu         sync.Mutex
	rejections map[int32]corejs.PromiseRejection
	rejectionQ []int32

	modules map[int32]*v8.Module // compiled-module handle, keyed by identity hash

	dynImportResolvers map[int64]*v8.PromiseResolver

	heapLimitCB          func(current, initial uint64) uint64
	heapLimitCBInstalled bool

	willSnapshot   bool
	hasSnapshotted bool
	creator        *v8.SnapshotCreator

	// sharedBuf is the SharedArrayBuffer backing `corejs.shared`, lazily
	// created on the first SyncSharedQueue call once bootstrap has run.
	sharedBuf *v8.SharedArrayBuffer
}

var _ corejs.Engine = (*Engine)(nil)

// New builds an Engine per params (§4.1). Mirrors the teacher's v8Pool
// isolate construction: ResourceConstraints only when heap limits are
// requested, a fresh Context immediately after.
func New(params corejs.EngineParams) (corejs.Engine, error) {
	var iso *v8.Isolate
	var creator *v8.SnapshotCreator

	switch {
	case params.WillSnapshot:
		creator = v8.NewSnapshotCreator()
		iso = creator.Isolate()
	case params.StartupSnapshot != nil:
		iso = v8.NewIsolateFromSnapshot(params.StartupSnapshot.Data)
	case params.HeapLimits != nil:
		iso = v8.NewIsolate(v8.WithResourceConstraints(params.HeapLimits.Initial, params.HeapLimits.Max))
	default:
		iso = v8.NewIsolate()
	}

	ctx := v8.NewContext(iso)

	// §4.1: stack traces for uncaught exceptions are always captured, depth
	// >= 10, regardless of how the isolate was constructed.
	iso.SetCaptureStackTraceForUncaughtExceptions(true, 10)

	e := &Engine{
		iso:                iso,
		ctx:                ctx,
		rejections:         make(map[int32]corejs.PromiseRejection),
		modules:            make(map[int32]*v8.Module),
		dynImportResolvers: make(map[int64]*v8.PromiseResolver),
		willSnapshot:       params.WillSnapshot,
		creator:            creator,
	}
	return e, nil
}

// Install wires corejs_dispatch and the promise-reject, module-resolve and
// dynamic-import callbacks (§4.1, §6.3). It installs no host import-meta
// callback.
func (e *Engine) Install(hooks corejs.Hooks) error {
	e.hooks = hooks

	tmpl := v8.NewFunctionTemplate(e.iso, e.dispatchCallback)
	if err := e.ctx.Global().Set("corejs_dispatch", tmpl.GetFunction(e.ctx)); err != nil {
		return fmt.Errorf("v8engine: installing corejs_dispatch: %w", err)
	}

	e.iso.SetPromiseRejectCallback(e.onPromiseReject)
	e.ctx.SetModuleResolveCallback(e.onResolveModule)
	e.ctx.SetHostImportModuleDynamicallyCallback(e.onDynamicImport)
	return nil
}

// RunScript compiles and runs source as classic script (§4.2).
func (e *Engine) RunScript(filename, source string) (*corejs.EngineException, error) {
	_, err := e.ctx.RunScript(source, filename)
	if err == nil {
		return nil, nil
	}
	return toEngineException(err), nil
}

// RunMicrotasks performs one microtask checkpoint.
func (e *Engine) RunMicrotasks() { e.iso.PerformMicrotaskCheckpoint() }

// DrainMacrotasks calls the script-registered corejs.drainOneMacrotask()
// (bootstrap.js) repeatedly, running a microtask checkpoint between calls so
// promise continuations queued by each macrotask flush before the next one
// runs, until it reports true (§4.7 step 9). If script never called
// setMacrotaskCallback, drainOneMacrotask answers true on the first call, so
// this still costs exactly one microtask checkpoint, matching this engine's
// previous no-op behavior for that case.
func (e *Engine) DrainMacrotasks() (*corejs.EngineException, error) {
	for {
		val, err := e.ctx.RunScript("corejs.drainOneMacrotask()", "corejs:drain-macrotask")
		if err != nil {
			return toEngineException(err), nil
		}
		done := val.Boolean()
		e.RunMicrotasks()
		if done {
			return nil, nil
		}
	}
}

// AddNearHeapLimitCallback/RemoveNearHeapLimitCallback back §4.4.
// "Registering a second callback removes the first" is implemented by
// registering a single standing closure with the isolate on first use and
// only ever redirecting e.heapLimitCB afterwards, rather than registering a
// fresh isolate-level callback per call: v8 invokes every callback it has
// registered, so registering a second one without removing the first would
// fire both, not just the latest.
func (e *Engine) AddNearHeapLimitCallback(cb func(current, initial uint64) uint64) {
	e.heapLimitCB = cb
	if e.heapLimitCBInstalled {
		return
	}
	e.heapLimitCBInstalled = true
	e.iso.AddNearHeapLimitCallback(func(current, initial uint64) uint64 {
		return e.heapLimitCB(current, initial)
	})
}

func (e *Engine) RemoveNearHeapLimitCallback(finalLimit uint64) {
	e.iso.RemoveNearHeapLimitCallback(finalLimit)
	e.heapLimitCB = nil
	e.heapLimitCBInstalled = false
}

// TerminateExecution/CancelTerminateExecution/IsExecutionTerminating back
// §7's termination kind.
func (e *Engine) TerminateExecution()          { e.iso.TerminateExecution() }
func (e *Engine) CancelTerminateExecution()    { e.iso.CancelTerminateExecution() }
func (e *Engine) IsExecutionTerminating() bool { return e.iso.IsExecutionTerminating() }

func (e *Engine) Dispose() {
	if e.creator != nil && !e.hasSnapshotted {
		// A SnapshotCreator's isolate must never be disposed directly unless
		// it produced a blob; leaking it here matches v8go's own documented
		// constraint and the teacher's always-dispose-the-plain-isolate path
		// simply doesn't apply to this one.
		return
	}
	e.iso.Dispose()
}

// toEngineException converts whatever v8go's RunScript/module calls return
// on failure into the engine-agnostic shape corejs's errFromException
// needs. JSError.Location is "file.js:line:col"; §7 requires end_column so a
// toolchain can point at the token after a compile error, which v8go's
// JSError does not expose separately — it is approximated here as column+1.
func toEngineException(err error) *corejs.EngineException {
	jsErr, ok := err.(*v8.JSError)
	if !ok {
		return &corejs.EngineException{Message: err.Error()}
	}
	exc := &corejs.EngineException{
		Message:    jsErr.Message,
		StackTrace: jsErr.StackTrace,
		Value:      jsErr,
	}
	exc.Filename, exc.Line, exc.Column = parseLocation(jsErr.Location)
	exc.EndColumn = exc.Column + 1
	return exc
}

// newTypeError constructs a real script-side TypeError whose message is msg,
// so its string form is "TypeError: <msg>" (P8, §4.5, §4.6.5, §7) rather than
// a bare string value. The message is passed in through a one-shot function
// template instead of being interpolated into the script source, the same
// pattern convert.go's InvokeRecv overflow path uses to hand a value to
// script without building an escaped literal.
func (e *Engine) newTypeError(msg string) (*v8.Value, error) {
	tmpl := v8.NewFunctionTemplate(e.iso, func(*v8.FunctionCallbackInfo) *v8.Value {
		v, _ := v8.NewValue(e.iso, msg)
		return v
	})
	if err := e.ctx.Global().Set("__corejs_type_error_msg", tmpl.GetFunction(e.ctx)); err != nil {
		return nil, err
	}
	return e.ctx.RunScript("new TypeError(__corejs_type_error_msg())", "corejs:type-error")
}

// parseLocation splits v8go's "file:line:col" JSError.Location into parts,
// tolerating a bare filename with no position.
func parseLocation(loc string) (filename string, line, col int) {
	parts := strings.Split(loc, ":")
	if len(parts) < 3 {
		return loc, 0, 0
	}
	col, _ = strconv.Atoi(parts[len(parts)-1])
	line, _ = strconv.Atoi(parts[len(parts)-2])
	filename = strings.Join(parts[:len(parts)-2], ":")
	return filename, line, col
}
