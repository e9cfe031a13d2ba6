package corejs

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cryguy/corejs/modules"
	"github.com/cryguy/corejs/ops"
	"github.com/cryguy/corejs/queue"
)

// fakeEngine is an engine-independent test double for Engine, letting this
// package's state-machine logic (Run/Poll, dynamic import settlement,
// snapshot bookkeeping) be exercised without a real V8 isolate, mirroring
// how original_source/core/runtime.rs's own test module drives JsRuntime
// against small in-process fakes rather than a browser.
type fakeEngine struct {
	mu sync.Mutex

	hooks Hooks

	recvCalls     int
	recvOverflows []OverflowResponse
	lastShared    []byte

	rejections []PromiseRejection

	terminating bool
	terminated  bool

	heapCB func(current, initial uint64) uint64

	canSnapshot bool
	snapshotted bool

	// modules simulates compiled module state keyed by a sequential id.
	nextModuleID int32
	modules      map[int32]*fakeModule

	// specifiersByURL seeds the raw (unresolved) import specifiers
	// CompileModule reports for a given module URL, mirroring what
	// v8go's GetModuleRequests would return before engineCompiler resolves
	// them against the loader (§4.6.1).
	specifiersByURL map[string][]string

	resolvers map[int64]chan fakeSettlement
}

type fakeModule struct {
	url  string
	deps []string
	fail error
}

type fakeSettlement struct {
	ns  any
	err error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		modules:   make(map[int32]*fakeModule),
		resolvers: make(map[int64]chan fakeSettlement),
	}
}

func (e *fakeEngine) Install(hooks Hooks) error {
	e.hooks = hooks
	return nil
}

func (e *fakeEngine) RunScript(filename, source string) (*EngineException, error) {
	return nil, nil
}

func (e *fakeEngine) SyncSharedQueue(buf []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastShared = append([]byte(nil), buf...)
	return nil
}

// takeSyncedRecords decodes and clears whatever the host last mirrored into
// the engine, i.e. exactly what script would have seen through its DataView
// this cycle. The Go-side queue itself is reset the moment InvokeRecv
// returns (§4.7 step 7), so this is the only place a test can observe a
// cycle's delivery; it is consume-once so a later Poll cycle that has
// nothing new to sync does not replay the same records again.
func (e *fakeEngine) takeSyncedRecords() []queue.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	recs := queue.Decode(e.lastShared)
	e.lastShared = nil
	return recs
}

func (e *fakeEngine) InvokeRecv(overflow *OverflowResponse) (*EngineException, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recvCalls++
	if overflow != nil {
		e.recvOverflows = append(e.recvOverflows, *overflow)
	}
	return nil, nil
}

func (e *fakeEngine) DrainMacrotasks() (*EngineException, error) { return nil, nil }
func (e *fakeEngine) RunMicrotasks()                             {}

func (e *fakeEngine) TakePendingRejection() (PromiseRejection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.rejections) == 0 {
		return PromiseRejection{}, false
	}
	r := e.rejections[0]
	e.rejections = e.rejections[1:]
	return r, true
}

func (e *fakeEngine) ForgetPendingRejection(identity int32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	filtered := e.rejections[:0]
	for _, r := range e.rejections {
		if r.Identity != identity {
			filtered = append(filtered, r)
		}
	}
	e.rejections = filtered
}

func (e *fakeEngine) CompileModule(isMain bool, url, code string) (int32, any, []string, *EngineException) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextModuleID++
	id := e.nextModuleID
	specifiers := e.specifiersByURL[url]
	e.modules[id] = &fakeModule{url: url, deps: specifiers}
	return id, e.modules[id], specifiers, nil
}

func (e *fakeEngine) InstantiateModule(id int32) *EngineException { return nil }

func (e *fakeEngine) EvaluateModule(id int32) (int32, *EngineException) {
	e.mu.Lock()
	m, ok := e.modules[id]
	e.mu.Unlock()
	if !ok {
		return 0, &EngineException{Message: "no such module"}
	}
	if m.fail != nil {
		return 0, &EngineException{Message: m.fail.Error()}
	}
	return 0, nil
}

func (e *fakeEngine) ModuleNamespace(id int32) any {
	return fmt.Sprintf("namespace:%d", id)
}

func (e *fakeEngine) ResolveDynamicImport(loadID int64, moduleID int32) error {
	e.mu.Lock()
	ch, ok := e.resolvers[loadID]
	delete(e.resolvers, loadID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no resolver for load %d", loadID)
	}
	ch <- fakeSettlement{ns: e.ModuleNamespace(moduleID)}
	return nil
}

func (e *fakeEngine) RejectDynamicImport(loadID int64, exc *EngineException, fallback string) error {
	e.mu.Lock()
	ch, ok := e.resolvers[loadID]
	delete(e.resolvers, loadID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no resolver for load %d", loadID)
	}
	msg := fallback
	if exc != nil {
		msg = exc.Message
	}
	ch <- fakeSettlement{err: fmt.Errorf("%s", msg)}
	return nil
}

func (e *fakeEngine) CanSnapshot() bool    { return e.canSnapshot }
func (e *fakeEngine) PrepareForSnapshot()  {}
func (e *fakeEngine) CreateSnapshot() ([]byte, error) {
	e.snapshotted = true
	return []byte("fake-snapshot-blob"), nil
}

func (e *fakeEngine) AddNearHeapLimitCallback(cb func(current, initial uint64) uint64) {
	e.heapCB = cb
}
func (e *fakeEngine) RemoveNearHeapLimitCallback(finalLimit uint64) { e.heapCB = nil }

func (e *fakeEngine) TerminateExecution()       { e.terminating = true; e.terminated = true }
func (e *fakeEngine) CancelTerminateExecution() { e.terminating = false }
func (e *fakeEngine) IsExecutionTerminating() bool {
	return e.terminating
}

func (e *fakeEngine) Dispose() {}

var _ Engine = (*fakeEngine)(nil)

func newTestRuntime(t *testing.T, router ops.Router) (*Runtime, *fakeEngine) {
	t.Helper()
	eng := newFakeEngine()
	rt, err := New(eng, Config{Router: router, QueueCapacity: 1024})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return rt, eng
}

// countingRouter counts every dispatched op id (P1).
type countingRouter struct {
	mu    sync.Mutex
	count int
}

func (r *countingRouter) Route(opID uint32, bufs [][]byte) ops.Op {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
	return ops.SyncOp([]byte("ok"))
}

func TestDispatchAccounting(t *testing.T) {
	router := &countingRouter{}
	rt, _ := newTestRuntime(t, router)
	if err := rt.ensureInit(); err != nil {
		t.Fatalf("ensureInit: %v", err)
	}
	for i := 0; i < 5; i++ {
		rt.dispatch(router, uint32(i), [][]byte{nil})
	}
	if router.count != 5 {
		t.Fatalf("count = %d, want 5", router.count)
	}
}

func TestSyncResponseAliasesBytes(t *testing.T) {
	want := []byte("hello")
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(want) })
	rt, _ := newTestRuntime(t, router)
	op := rt.dispatch(router, 1, nil)
	if op.Kind != ops.Sync || string(op.Bytes) != string(want) {
		t.Fatalf("got %+v", op)
	}
	if &op.Bytes[0] != &want[0] {
		t.Fatal("Sync result was copied, want it to alias the router's bytes")
	}
}

func TestAsyncDeliveryOrdering(t *testing.T) {
	var mu sync.Mutex
	var delivered []uint32
	const k = 4
	order := make(chan uint32, k)

	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op {
		return ops.AsyncOp(func(ctx context.Context) ops.Result {
			<-order // block until the test releases a completion
			return ops.Result{OpID: opID, Bytes: []byte("r")}
		})
	})
	rt, eng := newTestRuntime(t, router)

	for i := uint32(0); i < k; i++ {
		rt.dispatch(router, i, nil)
	}
	// release every completion, then wait until all k results are ready so
	// one Poll pulls them all and the delivery order is the push order
	for i := uint32(0); i < k; i++ {
		order <- i
	}
	readyBy := time.Now().Add(2 * time.Second)
	for {
		n := 0
		for _, pf := range rt.state.pendingOps {
			n += len(pf.ch)
		}
		if n == k {
			break
		}
		if time.Now().After(readyBy) {
			t.Fatal("async ops never completed")
		}
		time.Sleep(time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(delivered) < k && time.Now().Before(deadline) {
		ready, err := rt.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		// The Go-side queue is reset inside Poll the instant InvokeRecv
		// returns, so the engine's last-synced mirror (what script actually
		// saw this cycle) is the only place left to observe delivery from.
		mu.Lock()
		for _, rec := range eng.takeSyncedRecords() {
			delivered = append(delivered, rec.OpID)
		}
		mu.Unlock()
		if ready {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(delivered) != k {
		t.Fatalf("delivered %d ops, want %d", len(delivered), k)
	}
	for i, id := range delivered {
		if id != uint32(i) {
			t.Fatalf("delivered %v, want push order 0..%d", delivered, k-1)
		}
	}
}

func TestUnreffedOpsDoNotBlockReady(t *testing.T) {
	blockForever := make(chan struct{})
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op {
		return ops.AsyncUnrefOp(func(ctx context.Context) ops.Result {
			<-blockForever
			return ops.Result{}
		})
	})
	rt, _ := newTestRuntime(t, router)
	rt.dispatch(router, 1, nil)

	ready, err := rt.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !ready {
		t.Fatal("runtime should be Ready with only unreffed ops outstanding")
	}
}

func TestBadOpIDRoutesNotFound(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.NotFoundOp() })
	rt, _ := newTestRuntime(t, router)
	op := rt.dispatch(router, 100, nil)
	if op.Kind != ops.NotFound {
		t.Fatalf("got %+v, want NotFound", op)
	}
}

func TestHeapLimitCallbackRegisterAndRemove(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	rt, eng := newTestRuntime(t, router)

	called := false
	rt.AddNearHeapLimitCallback(func(current, initial uint64) uint64 {
		called = true
		return current * 2
	})
	if eng.heapCB == nil {
		t.Fatal("expected callback registered on engine")
	}
	eng.heapCB(1, 1)
	if !called {
		t.Fatal("callback was not invoked")
	}

	rt.RemoveNearHeapLimitCallback(0)
	if eng.heapCB != nil {
		t.Fatal("expected callback cleared")
	}
}

func TestSnapshotRequiresWillSnapshot(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	rt, _ := newTestRuntime(t, router)
	if _, err := rt.Snapshot(); err == nil {
		t.Fatal("expected error snapshotting a Runtime not constructed with WillSnapshot")
	}
}

func TestSnapshotRoundTripBookkeeping(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	eng := newFakeEngine()
	eng.canSnapshot = true
	rt, err := New(eng, Config{Router: router, WillSnapshot: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	blob, err := rt.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(blob) == 0 {
		t.Fatal("expected non-empty snapshot blob")
	}
	if !rt.hasSnapshotted {
		t.Fatal("expected hasSnapshotted set")
	}
	if _, err := rt.Snapshot(); err == nil {
		t.Fatal("expected error snapshotting twice")
	}
}

func TestTerminationRoundTrip(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op {
		return ops.AsyncOp(func(ctx context.Context) ops.Result {
			<-ctx.Done()
			return ops.Result{}
		})
	})
	rt, eng := newTestRuntime(t, router)
	rt.dispatch(router, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rt.Run(ctx)
	if err == nil {
		t.Fatal("expected termination error")
	}
	if !eng.terminated {
		t.Fatal("expected TerminateExecution to have been called")
	}
	rerr, ok := err.(*RuntimeError)
	if !ok || rerr.Kind != KindTermination {
		t.Fatalf("got %v, want a KindTermination RuntimeError", err)
	}
	if rerr.Error() != terminatedMessage {
		t.Fatalf("message = %q, want %q", rerr.Error(), terminatedMessage)
	}
}

// fakeModuleLoader resolves every specifier to itself, serves a placeholder
// source for any URL, and counts Resolve calls.
type fakeModuleLoader struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeModuleLoader) Resolve(specifier, referrer string, isMain bool) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return specifier, nil
}

func (f *fakeModuleLoader) Load(ctx context.Context, url, referrer string, isDynamic bool) (modules.ModuleSource, error) {
	return modules.ModuleSource{URLSpecified: url, URLFound: url, Code: "// " + url}, nil
}

func (f *fakeModuleLoader) Prepare(ctx context.Context, loadID int64, rootSpecifier, referrer string, isDynamic bool) error {
	return nil
}

func TestLoadModuleDrivesToCompletion(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	eng := newFakeEngine()
	rt, err := New(eng, Config{Router: router, Loader: &fakeModuleLoader{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.LoadModule(context.Background(), "file:///main.js", "// inline"); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
}

// TestLoadModuleResolvesStaticDependency exercises §4.6.1's mod_new
// contract directly: a.js's raw "./b.js" import specifier must be resolved
// against its own URL (not loaded verbatim) before b.js is registered as a
// dependency, and the resolved URL is what the loader is asked to fetch
// (P11).
func TestLoadModuleResolvesStaticDependency(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	eng := newFakeEngine()
	eng.specifiersByURL = map[string][]string{"file:///a.js": {"./b.js"}}

	loader := &recordingLoader{
		sources: map[string]modules.ModuleSource{
			"file:///a.js":     {URLSpecified: "file:///a.js", URLFound: "file:///a.js", Code: "import './b.js'"},
			"file:///dir/b.js": {URLSpecified: "file:///dir/b.js", URLFound: "file:///dir/b.js", Code: "export const x = 1"},
		},
	}
	rt, err := New(eng, Config{Router: router, Loader: loader})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.LoadModule(context.Background(), "file:///a.js", ""); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if got := loader.resolveCalls["./b.js"]; got != "file:///a.js" {
		t.Fatalf("Resolve(./b.js, ...) referrer = %q, want file:///a.js", got)
	}
	if !loader.loaded["file:///dir/b.js"] {
		t.Fatalf("expected loader.Load to be called with the resolved URL, got loaded=%v", loader.loaded)
	}
	if !rt.state.registry.IsRegistered("file:///dir/b.js") {
		t.Fatal("expected b.js registered under its resolved URL")
	}
}

// recordingLoader resolves "./b.js" to a path under a different directory
// than its referrer so a test can assert the resolved (not raw) specifier
// is what gets loaded.
type recordingLoader struct {
	mu           sync.Mutex
	sources      map[string]modules.ModuleSource
	resolveCalls map[string]string // specifier -> referrer, last call wins
	loaded       map[string]bool
}

func (l *recordingLoader) Resolve(specifier, referrer string, isMain bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolveCalls == nil {
		l.resolveCalls = map[string]string{}
	}
	l.resolveCalls[specifier] = referrer
	if specifier == "./b.js" {
		return "file:///dir/b.js", nil
	}
	return specifier, nil
}

func (l *recordingLoader) Load(ctx context.Context, url, referrer string, isDynamic bool) (modules.ModuleSource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.loaded == nil {
		l.loaded = map[string]bool{}
	}
	l.loaded[url] = true
	src, ok := l.sources[url]
	if !ok {
		return modules.ModuleSource{}, fmt.Errorf("recordingLoader: no source for %s", url)
	}
	return src, nil
}

func (l *recordingLoader) Prepare(ctx context.Context, loadID int64, rootSpecifier, referrer string, isDynamic bool) error {
	return nil
}

func TestDynamicImportResolvesNamespace(t *testing.T) {
	router := ops.RouterFunc(func(opID uint32, bufs [][]byte) ops.Op { return ops.SyncOp(nil) })
	eng := newFakeEngine()
	rt, err := New(eng, Config{Router: router, Loader: &fakeModuleLoader{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := rt.ensureInit(); err != nil {
		t.Fatalf("ensureInit: %v", err)
	}

	ch := make(chan fakeSettlement, 1)
	loadID := rt.beginDynamicImport("file:///dep.js", "file:///main.js")
	eng.mu.Lock()
	eng.resolvers[loadID] = ch
	eng.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case s := <-ch:
			if s.err != nil {
				t.Fatalf("dynamic import rejected: %v", s.err)
			}
			return
		default:
		}
		if _, err := rt.Poll(context.Background()); err != nil {
			t.Fatalf("Poll: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("dynamic import never settled")
}
