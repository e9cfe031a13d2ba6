package corejs

import (
	"context"
	"fmt"

	"github.com/cryguy/corejs/modules"
	"github.com/cryguy/corejs/ops"
	"github.com/cryguy/corejs/queue"
)

// EngineParams is what a Runtime hands its EngineFactory: everything about
// isolate construction that Config decided before any engine existed (§4.1).
type EngineParams struct {
	WillSnapshot    bool
	StartupSnapshot *Snapshot
	HeapLimits      *HeapLimits
}

// EngineFactory builds the native engine a Runtime will drive. Splitting
// construction out like this keeps this package free of any cgo/V8 import;
// engine/v8engine.New has the matching signature.
type EngineFactory func(EngineParams) (Engine, error)

// Runtime is the embeddable async JS runtime core (§3/§4).
type Runtime struct {
	engine Engine
	queue  *queue.SharedQueue
	state  *runtimeState

	needsInit      bool
	hasSnapshotted bool
	willSnapshot   bool

	startupScript *Script

	dynImportLoads map[int64]*modules.RecursiveLoad

	runCtx context.Context

	// statsCh, if set via Subscribe, receives a Stats snapshot at the end of
	// every Poll cycle (SPEC_FULL.md inspector component).
	statsCh chan<- Stats
}

// bgCtx is the context passed to work started outside of a Run call (e.g. a
// dynamic import kicked off synchronously from script). It uses whatever
// context the current Run call was given, falling back to Background before
// the first Run.
func (rt *Runtime) bgCtx() context.Context {
	if rt.runCtx != nil {
		return rt.runCtx
	}
	return context.Background()
}

// wake nudges a blocked Run loop; safe to call with no Run in flight.
func (rt *Runtime) wake() {
	select {
	case rt.state.notify <- struct{}{}:
	default:
	}
}

// engineCompiler adapts Engine.CompileModule to modules.Compiler: it also
// resolves every raw import specifier the engine reports against url
// through the configured loader, since §4.6.1 requires mod_new itself (not
// link time) to produce resolved dependency URLs for the registry.
type engineCompiler struct {
	engine Engine
	loader modules.Loader
}

func (c engineCompiler) CompileModule(isMain bool, url, code string) (modules.ID, any, []string, error) {
	id, handle, specifiers, exc := c.engine.CompileModule(isMain, url, code)
	if exc != nil {
		return modules.NoModule, nil, nil, errFromException(KindModuleResolve, exc)
	}
	deps := make([]string, 0, len(specifiers))
	for _, specifier := range specifiers {
		resolved, err := c.loader.Resolve(specifier, url, false)
		if err != nil {
			return modules.NoModule, nil, nil, wrapModuleLoadError(KindModuleResolve, err)
		}
		deps = append(deps, resolved)
	}
	return modules.ID(id), handle, deps, nil
}

// New builds a Runtime. The Engine must already reflect cfg's construction
// options (snapshot/heap limits); callers typically obtain one by calling an
// EngineFactory (e.g. v8engine.New) with the matching EngineParams, which
// NewWithFactory does for you.
func New(engine Engine, cfg Config) (*Runtime, error) {
	if cfg.Router == nil {
		return nil, fmt.Errorf("corejs: Config.Router is required")
	}
	if cfg.StartupSnapshot != nil && cfg.WillSnapshot {
		return nil, fmt.Errorf("corejs: WillSnapshot and StartupSnapshot are mutually exclusive")
	}

	qCap := cfg.QueueCapacity
	if qCap <= 0 {
		qCap = queue.RecommendedSize
	}

	rt := &Runtime{
		engine:         engine,
		queue:          queue.New(qCap),
		state:          newRuntimeState(cfg.Loader),
		needsInit:      true,
		willSnapshot:   cfg.WillSnapshot,
		startupScript:  cfg.StartupScript,
		dynImportLoads: make(map[int64]*modules.RecursiveLoad),
	}
	rt.state.compiler = engineCompiler{engine: engine, loader: rt.state.loader}

	router := cfg.Router
	hooks := Hooks{
		RouteOp:            func(opID uint32, bufs [][]byte) ops.Op { return rt.dispatch(router, opID, bufs) },
		ResolveModule:      rt.resolveModule,
		BeginDynamicImport: rt.beginDynamicImport,
	}
	if err := engine.Install(hooks); err != nil {
		return nil, fmt.Errorf("corejs: installing engine: %w", err)
	}
	return rt, nil
}

// NewWithFactory derives EngineParams from cfg, builds the Engine via
// factory, and constructs the Runtime — the common path for a caller that
// doesn't need to touch the Engine directly.
func NewWithFactory(factory EngineFactory, cfg Config) (*Runtime, error) {
	eng, err := factory(EngineParams{
		WillSnapshot:    cfg.WillSnapshot,
		StartupSnapshot: cfg.StartupSnapshot,
		HeapLimits:      cfg.HeapLimits,
	})
	if err != nil {
		return nil, fmt.Errorf("corejs: building engine: %w", err)
	}
	return New(eng, cfg)
}

// SetErrorWrapFn installs a function every *RuntimeError a Runtime method
// returns is passed through before returning to the caller (§4.8, SPEC_FULL.md
// supplemented feature #1). The default is identity. Go-side failures that
// are not RuntimeErrors (engine construction, shared-queue syncing, snapshot
// creation and the like) are returned without passing through it.
func (rt *Runtime) SetErrorWrapFn(fn ErrorWrapFunc) {
	if fn == nil {
		fn = defaultErrorWrapFunc
	}
	rt.state.errorWrapFn = fn
}

func (rt *Runtime) wrapErr(e *RuntimeError) error {
	if e == nil {
		return nil
	}
	return rt.state.errorWrapFn(e)
}

func errFromException(kind ErrorKind, exc *EngineException) *RuntimeError {
	if exc == nil {
		return nil
	}
	k := kind
	if exc.IsCompileError {
		k = KindCompile
	}
	return &RuntimeError{
		Kind:        k,
		Message:     exc.Message,
		Filename:    exc.Filename,
		Line:        exc.Line,
		Column:      exc.Column,
		EndColumn:   exc.EndColumn,
		StackTrace:  exc.StackTrace,
		EngineValue: exc.Value,
	}
}

// ensureInit runs the bootstrap script exactly once, lazily, on first use
// (§4.2's "needs_init" gate).
func (rt *Runtime) ensureInit() error {
	if !rt.needsInit {
		return nil
	}
	rt.needsInit = false
	if exc, err := rt.engine.RunScript(bootstrapFilename, bootstrapSource); err != nil {
		return fmt.Errorf("corejs: running bootstrap: %w", err)
	} else if exc != nil {
		return rt.wrapErr(errFromException(KindRuntimeException, exc))
	}
	if rt.startupScript != nil {
		s := rt.startupScript
		rt.startupScript = nil
		if exc, err := rt.engine.RunScript(s.Filename, s.Source); err != nil {
			return fmt.Errorf("corejs: running startup script: %w", err)
		} else if exc != nil {
			return rt.wrapErr(errFromException(KindRuntimeException, exc))
		}
	}
	return nil
}

// Execute compiles and runs source as classic script, then drives the event
// loop to completion (§4.2).
func (rt *Runtime) Execute(ctx context.Context, filename, source string) error {
	if err := rt.ensureInit(); err != nil {
		return err
	}
	exc, err := rt.engine.RunScript(filename, source)
	if err != nil {
		return fmt.Errorf("corejs: running script: %w", err)
	}
	if exc != nil {
		return rt.wrapErr(errFromException(KindRuntimeException, exc))
	}
	return rt.Run(ctx)
}

// LoadModule resolves, loads, instantiates, and evaluates a module graph
// rooted at specifier, then drives the event loop to completion
// (SPEC_FULL.md supplemented feature #2; §4.6).
func (rt *Runtime) LoadModule(ctx context.Context, specifier, code string) error {
	if err := rt.ensureInit(); err != nil {
		return err
	}
	rt.state.dynImportNextID++
	loadID := rt.state.dynImportNextID

	var load *modules.RecursiveLoad
	if code != "" {
		// A root specifier with source supplied directly: skip the loader for
		// the root and let it drive dependencies normally by seeding the
		// registry via a one-shot inline loader wrapper.
		load = modules.NewMainLoad(loadID, specifier, inlineLoader{inner: rt.state.loader, url: specifier, code: code}, rt.state.compiler, rt.state.registry)
	} else {
		load = modules.NewMainLoad(loadID, specifier, rt.state.loader, rt.state.compiler, rt.state.registry)
	}
	if err := load.Drive(ctx); err != nil {
		return rt.wrapErr(wrapModuleLoadError(KindModuleLoad, err))
	}

	if exc := rt.engine.InstantiateModule(int32(load.RootModuleID)); exc != nil {
		return rt.wrapErr(errFromException(KindModuleLink, exc))
	}
	promiseID, exc := rt.engine.EvaluateModule(int32(load.RootModuleID))
	if exc != nil {
		return rt.wrapErr(errFromException(KindEvaluation, exc))
	}
	if err := rt.Run(ctx); err != nil {
		return err
	}
	// A top-level-await promise that's still pending once the loop is
	// otherwise quiescent can't ever resolve further (§4.6.3); any rejection
	// recorded against it was already surfaced by Run via Poll step 10/4.
	rt.engine.ForgetPendingRejection(promiseID)
	return nil
}

// inlineLoader serves exactly one URL's code verbatim and otherwise defers
// to inner — used by LoadModule when the caller hands source directly
// instead of letting the configured Loader fetch the root.
type inlineLoader struct {
	inner modules.Loader
	url   string
	code  string
	used  bool
}

func (l inlineLoader) Resolve(specifier, referrer string, isMain bool) (string, error) {
	return l.inner.Resolve(specifier, referrer, isMain)
}

func (l inlineLoader) Load(ctx context.Context, url, referrer string, isDynamic bool) (modules.ModuleSource, error) {
	if url == l.url && !l.used {
		return modules.ModuleSource{URLSpecified: url, URLFound: url, Code: l.code}, nil
	}
	return l.inner.Load(ctx, url, referrer, isDynamic)
}

func (l inlineLoader) Prepare(ctx context.Context, loadID int64, rootSpecifier, referrer string, isDynamic bool) error {
	return l.inner.Prepare(ctx, loadID, rootSpecifier, referrer, isDynamic)
}

// resolveModule backs Hooks.ResolveModule (§4.6.2): it resolves specifier
// against the referrer module's URL and looks the result up in the registry.
func (rt *Runtime) resolveModule(specifier string, referrerID int32) int32 {
	info, ok := rt.state.registry.GetInfo(modules.ID(referrerID))
	if !ok {
		return int32(modules.NoModule)
	}
	resolved, err := rt.state.loader.Resolve(specifier, info.URL, false)
	if err != nil {
		return int32(modules.NoModule)
	}
	id, ok := rt.state.registry.GetID(resolved)
	if !ok {
		return int32(modules.NoModule)
	}
	return int32(id)
}

// AddNearHeapLimitCallback registers cb to be invoked when the isolate
// approaches its heap limit (§4.4); cb returns the new limit to grant.
func (rt *Runtime) AddNearHeapLimitCallback(cb func(current, initial uint64) uint64) {
	rt.engine.AddNearHeapLimitCallback(cb)
}

// RemoveNearHeapLimitCallback undoes AddNearHeapLimitCallback.
func (rt *Runtime) RemoveNearHeapLimitCallback(finalLimit uint64) {
	rt.engine.RemoveNearHeapLimitCallback(finalLimit)
}

// Snapshot produces a startup blob from the current isolate state (§4.3). The
// Runtime must have been constructed with Config.WillSnapshot and not yet
// snapshotted; the module registry and global context are dropped as part of
// producing the blob, so the Runtime is unusable afterward.
func (rt *Runtime) Snapshot() ([]byte, error) {
	if !rt.willSnapshot {
		return nil, fmt.Errorf("corejs: Runtime was not constructed with WillSnapshot")
	}
	if rt.hasSnapshotted {
		return nil, fmt.Errorf("corejs: Runtime has already produced a snapshot")
	}
	if !rt.engine.CanSnapshot() {
		return nil, fmt.Errorf("corejs: engine reports it cannot snapshot")
	}
	rt.state.registry.Clear()
	rt.engine.PrepareForSnapshot()
	blob, err := rt.engine.CreateSnapshot()
	if err != nil {
		return nil, fmt.Errorf("corejs: creating snapshot: %w", err)
	}
	rt.hasSnapshotted = true
	return blob, nil
}

// Dispose releases the underlying engine. The Runtime must not be used
// afterward.
func (rt *Runtime) Dispose() {
	rt.engine.Dispose()
}

const bootstrapFilename = "corejs:bootstrap"
