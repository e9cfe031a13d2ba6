package modules

import "context"

// Kind distinguishes a main module-graph load from one kicked off by a
// script-level dynamic import() — see §4.6.4/§4.6.5.
type Kind int

const (
	Main Kind = iota
	DynamicImport
)

// State is the RecursiveLoad state machine. Transitions only ever move
// forward: LoadingRoot -> LoadingImports -> Done.
type State int

const (
	LoadingRoot State = iota
	LoadingImports
	Done
)

// Compiler is the engine capability RecursiveLoad needs to turn module
// source into a registered module: compile it as an ES module, resolve its
// import specifiers against url, and hand back an opaque engine handle plus
// the resolved dependency URLs. RecursiveLoad registers the result itself.
type Compiler interface {
	CompileModule(isMain bool, url, code string) (id ID, handle any, dependencyURLs []string, err error)
}

type pendingSpecifier struct {
	specifier string
	referrer  string

	// needsResolve is set only for the root entry of a dynamic-import load:
	// unlike a static dependency's specifier (already resolved to a
	// canonical URL by the compiler before it's enqueued, per §4.6.1) or a
	// main load's caller-supplied root (already a canonical URL by
	// contract), a dynamic import's specifier is exactly what script wrote
	// in import(...) and must be resolved against its referrer before
	// Load can be called with it (§6.2: Load's url parameter is always
	// already-resolved).
	needsResolve bool
}

type stepOutcome struct {
	src ModuleSource
	err error
}

// RecursiveLoad drives a single module-graph load (static or dynamic) from a
// root specifier to a fully registered graph, per §4.6.4.
type RecursiveLoad struct {
	ID           int64
	Kind         Kind
	State        State
	RootModuleID ID

	rootSpecifier string
	rootReferrer  string

	pending  []pendingSpecifier
	loader   Loader
	compiler Compiler
	registry *Registry

	prepareCh chan error

	stepInFlight bool
	stepCh       chan stepOutcome
}

// NewMainLoad creates a load for a root (non-dynamic) specifier.
func NewMainLoad(id int64, rootSpecifier string, loader Loader, compiler Compiler, registry *Registry) *RecursiveLoad {
	return &RecursiveLoad{
		ID:            id,
		Kind:          Main,
		State:         LoadingRoot,
		rootSpecifier: rootSpecifier,
		pending:       []pendingSpecifier{{specifier: rootSpecifier}},
		loader:        loader,
		compiler:      compiler,
		registry:      registry,
	}
}

// NewDynamicLoad creates a load for a script-initiated import(specifier)
// evaluated from a module whose canonical URL is referrer.
func NewDynamicLoad(id int64, specifier, referrer string, loader Loader, compiler Compiler, registry *Registry) *RecursiveLoad {
	return &RecursiveLoad{
		ID:            id,
		Kind:          DynamicImport,
		State:         LoadingRoot,
		rootSpecifier: specifier,
		rootReferrer:  referrer,
		pending:       []pendingSpecifier{{specifier: specifier, referrer: referrer, needsResolve: true}},
		loader:        loader,
		compiler:      compiler,
		registry:      registry,
	}
}

// Prepare runs the loader's one-time per-load setup hook synchronously. Used
// by the synchronous main-load driver (Drive).
func (l *RecursiveLoad) Prepare(ctx context.Context) error {
	return l.loader.Prepare(ctx, l.ID, l.rootSpecifier, l.rootReferrer, l.Kind == DynamicImport)
}

// StartPrepare launches Prepare on a goroutine so a poll loop can drain it
// to readiness without blocking (§4.6.5: "pushes its prepare() future into
// preparing_dyn_imports").
func (l *RecursiveLoad) StartPrepare(ctx context.Context) {
	l.prepareCh = make(chan error, 1)
	go func() {
		l.prepareCh <- l.Prepare(ctx)
	}()
}

// PollPrepare is a non-blocking check of the in-flight Prepare call.
func (l *RecursiveLoad) PollPrepare() (err error, ready bool) {
	select {
	case err = <-l.prepareCh:
		return err, true
	default:
		return nil, false
	}
}

// step applies one fetched ModuleSource: alias if needed, compile-and-register
// if not already registered, and enqueue unregistered dependencies. Mirrors
// §4.6.4 steps 3-6 (and the original's register_during_load).
func (l *RecursiveLoad) step(src ModuleSource) error {
	if src.URLSpecified != src.URLFound {
		l.registry.Alias(src.URLSpecified, src.URLFound)
	}

	id, already := l.registry.GetID(src.URLFound)
	if !already {
		isMain := l.State == LoadingRoot && l.Kind == Main
		var (
			handle any
			deps   []string
			err    error
		)
		id, handle, deps, err = l.compiler.CompileModule(isMain, src.URLFound, src.Code)
		if err != nil {
			return err
		}
		l.registry.Register(id, src.URLFound, isMain, handle, deps)
		for _, dep := range deps {
			if !l.registry.IsRegistered(dep) {
				l.pending = append(l.pending, pendingSpecifier{specifier: dep, referrer: src.URLFound})
			}
		}
	}

	if l.State == LoadingRoot {
		l.RootModuleID = id
		l.State = LoadingImports
	}
	if len(l.pending) == 0 {
		l.State = Done
	}
	return nil
}

// Drive runs Prepare then synchronously pulls every pending specifier until
// the load reaches Done. Used by the main-load convenience driver
// (Runtime.LoadModule), which the caller already treats as blocking.
func (l *RecursiveLoad) Drive(ctx context.Context) error {
	if err := l.Prepare(ctx); err != nil {
		return err
	}
	for l.State != Done {
		next := l.pending[0]
		l.pending = l.pending[1:]
		url, err := l.resolvePending(next)
		if err != nil {
			return err
		}
		src, err := l.loader.Load(ctx, url, next.referrer, l.Kind == DynamicImport)
		if err != nil {
			return err
		}
		if err := l.step(src); err != nil {
			return err
		}
	}
	return nil
}

// resolvePending returns the URL Load should be called with for ps: ps's
// specifier unchanged unless needsResolve is set, in which case it is
// resolved against ps.referrer first (§6.2; see pendingSpecifier.needsResolve).
func (l *RecursiveLoad) resolvePending(ps pendingSpecifier) (string, error) {
	if !ps.needsResolve {
		return ps.specifier, nil
	}
	return l.loader.Resolve(ps.specifier, ps.referrer, false)
}

// StartStep begins the next pending Load call on a goroutine, if there is
// pending work and no step is already in flight. Returns false if it started
// nothing.
func (l *RecursiveLoad) StartStep(ctx context.Context) bool {
	if l.stepInFlight || l.State == Done || len(l.pending) == 0 {
		return false
	}
	next := l.pending[0]
	l.pending = l.pending[1:]
	l.stepInFlight = true
	l.stepCh = make(chan stepOutcome, 1)
	go func() {
		url, err := l.resolvePending(next)
		if err != nil {
			l.stepCh <- stepOutcome{err: err}
			return
		}
		src, err := l.loader.Load(ctx, url, next.referrer, l.Kind == DynamicImport)
		l.stepCh <- stepOutcome{src: src, err: err}
	}()
	return true
}

// PollStep is a non-blocking check of the in-flight Load call started by
// StartStep. ready is true once a result (success or failure) was consumed;
// the load's own state (State, RootModuleID, pending) is updated on success
// before returning.
func (l *RecursiveLoad) PollStep() (ready bool, err error) {
	if !l.stepInFlight {
		return false, nil
	}
	select {
	case out := <-l.stepCh:
		l.stepInFlight = false
		if out.err != nil {
			return true, out.err
		}
		return true, l.step(out.src)
	default:
		return false, nil
	}
}

// HasPendingWork reports whether this load still has unfetched specifiers or
// an in-flight fetch — used by the poll loop to decide whether to keep
// driving pending_dyn_imports.
func (l *RecursiveLoad) HasPendingWork() bool {
	return l.stepInFlight || (l.State != Done && len(l.pending) > 0)
}
