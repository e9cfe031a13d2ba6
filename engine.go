package corejs

import "github.com/cryguy/corejs/ops"

// EngineException is the engine-agnostic shape errFromException (runtime.go)
// needs out of a raw engine exception value.
type EngineException struct {
	Message        string
	Filename       string
	Line           int
	Column         int
	EndColumn      int
	StackTrace     string
	IsCompileError bool
	Value          any // the raw engine-side exception (v8engine stores its *v8go.JSError)
}

// PromiseRejection is one entry the engine's promise-reject callback has
// recorded (§3 RuntimeState, §4.7 step 4/10).
type PromiseRejection struct {
	Identity  int32
	Exception EngineException
}

// Hooks are the Runtime-provided callbacks the Engine invokes for events
// that originate on the engine side: an op dispatch from script, a module
// resolve during linking, or a dynamic import() expression.
type Hooks struct {
	// RouteOp classifies a script-initiated dispatch call (§4.5, §6.1).
	RouteOp func(opID uint32, bufs [][]byte) ops.Op

	// ResolveModule is called during mod_instantiate's linking pass for each
	// import of referrerID; it must return the dependency's registered id,
	// or modules.NoModule (0) if it isn't registered (§4.6.2).
	ResolveModule func(specifier string, referrerID int32) int32

	// BeginDynamicImport is called from host_import_module_dynamically
	// (§4.6.5). It must kick off a RecursiveLoad for specifier/referrer and
	// return a load id that ResolveDynamicImport/RejectDynamicImport will
	// later be called with.
	BeginDynamicImport func(specifier, referrer string) (loadID int64)
}

// OverflowResponse is the single-shot argument delivered to the receive
// callback when SharedQueue.Push failed for a response (§4.5).
type OverflowResponse struct {
	OpID uint32
	Data []byte
}

// Engine is the native-engine glue a Runtime drives. It is implemented by
// engine/v8engine.Engine (build-tagged `v8`, since the real implementation
// requires cgo and the V8 libraries) so that this package and its tests stay
// engine-independent, mirroring how cryguy-worker's internal/core defines
// JSRuntime/EngineBackend and internal/v8engine implements them.
type Engine interface {
	// Install wires the script-callable corejs_dispatch function, on which
	// bootstrap.js builds the send/dispatch/recv/setAsyncHandler/shared
	// primitives (§6.3), and the module-resolve/promise-reject/dynamic-import
	// engine callbacks (§4.1), calling back into hooks. No import-meta
	// callback is part of this contract. Called once, before the bootstrap
	// script first runs.
	Install(hooks Hooks) error

	// RunScript compiles and runs source as classic (non-module) script in
	// the global context (§4.2).
	RunScript(filename, source string) (*EngineException, error)

	// SyncSharedQueue mirrors buf into the script-visible shared buffer,
	// just before InvokeRecv is called with no arguments.
	SyncSharedQueue(buf []byte) error

	// InvokeRecv calls the registered receive callback. overflow == nil
	// means the no-argument batch/fast-path call; otherwise it is the
	// single (op_id, bytes) overflow call (§4.5, §6.3 recv).
	InvokeRecv(overflow *OverflowResponse) (*EngineException, error)

	// DrainMacrotasks calls the registered macrotask-drain callback
	// repeatedly until it returns true; a no-op if none is registered
	// (§4.7 step 9).
	DrainMacrotasks() (*EngineException, error)

	// RunMicrotasks performs one microtask checkpoint.
	RunMicrotasks()

	// TakePendingRejection removes and returns one recorded unhandled
	// promise rejection, if any (§4.7 step 4/10).
	TakePendingRejection() (PromiseRejection, bool)

	// ForgetPendingRejection removes a specific promise's recorded
	// rejection by identity without returning it (§4.6.3: mod_evaluate
	// clears its own evaluation promise's entry).
	ForgetPendingRejection(identity int32)

	// CompileModule compiles source as an ES module and returns the
	// engine-assigned identity hash, an opaque handle, and the module's
	// import specifiers exactly as written, in declaration order. The
	// caller (engineCompiler) resolves each specifier against url through
	// the configured loader before registering the module, per §4.6.1.
	CompileModule(isMain bool, url, code string) (id int32, handle any, importSpecifiers []string, err *EngineException)

	// InstantiateModule links the module registered under id, consulting
	// ResolveModule for each dependency (§4.6.2). id == 0 is a silent no-op.
	InstantiateModule(id int32) *EngineException

	// EvaluateModule evaluates an instantiated module. If it produces a
	// top-level-await promise, promiseIdentity is its identity hash so the
	// caller can forget any rejection the promise-reject callback recorded
	// against it (§4.6.3).
	EvaluateModule(id int32) (promiseIdentity int32, err *EngineException)

	// ModuleNamespace returns the namespace object of an Evaluated module,
	// for resolving a dynamic import's deferred promise (§4.6.5).
	ModuleNamespace(id int32) any

	// ResolveDynamicImport fulfills the deferred promise for loadID with
	// the given module's namespace, then runs a microtask checkpoint
	// (§4.6.5).
	ResolveDynamicImport(loadID int64, moduleID int32) error

	// RejectDynamicImport rejects the deferred promise for loadID, then
	// runs a microtask checkpoint (§4.6.5).
	RejectDynamicImport(loadID int64, exc *EngineException, fallbackMessage string) error

	// Snapshot support (§4.3, §4.4)
	CanSnapshot() bool
	PrepareForSnapshot() // drop context/module-registry-hostile state
	CreateSnapshot() ([]byte, error)
	AddNearHeapLimitCallback(cb func(current, initial uint64) uint64)
	RemoveNearHeapLimitCallback(finalLimit uint64)

	// TerminateExecution/CancelTerminateExecution back Runtime cancellation
	// (§4.7, §7 Termination, §4.8).
	TerminateExecution()
	CancelTerminateExecution()
	IsExecutionTerminating() bool

	Dispose()
}
