// Module compilation, linking, evaluation, and snapshot support. The
// teacher never loads ES modules (internal/v8engine/pool.go wraps worker
// scripts as a classic IIFE via webapi.WrapESModule instead), so this file
// has no direct teacher analogue; it follows the naming rusty_v8/deno_core
// use for the same V8 primitives (Module.InstantiateModule,
// Module.Evaluate, Module.GetModuleRequests, SnapshotCreator.CreateBlob),
// which v8go's module support (added after the teacher's pool.go was
// written) mirrors closely enough to stand in for here.
//
//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/corejs"
	v8 "github.com/tommie/v8go"
)

// CompileModule backs Engine.CompileModule (§4.6.1): compile source as an ES
// module, read its raw import specifiers via GetModuleRequests (resolution
// against url is the caller's job — engineCompiler does it through the
// configured loader before registering anything), and register the
// compiled module under the engine-assigned identity hash.
func (e *Engine) CompileModule(isMain bool, url, code string) (int32, any, []string, *corejs.EngineException) {
	mod, err := e.iso.CompileModule(code, url, v8.CompileOptions{})
	if err != nil {
		exc := toEngineException(err)
		exc.IsCompileError = true
		return 0, nil, nil, exc
	}

	id := int32(mod.GetIdentityHash())
	reqs := mod.GetModuleRequests()
	deps := make([]string, 0, len(reqs))
	for _, r := range reqs {
		deps = append(deps, r.Specifier)
	}

	e.modules[id] = mod
	return id, mod, deps, nil
}

// InstantiateModule backs Engine.InstantiateModule (§4.6.2). id == 0 is a
// silent no-op — it is the sentinel the resolve callback returns for an
// unresolved dependency, never a module this function is asked to link
// directly.
func (e *Engine) InstantiateModule(id int32) *corejs.EngineException {
	if id == 0 {
		return nil
	}
	mod, ok := e.modules[id]
	if !ok {
		return &corejs.EngineException{Message: fmt.Sprintf("v8engine: no module registered for id %d", id)}
	}
	if mod.GetStatus() == v8.ModuleStatusErrored {
		return toEngineException(mod.GetException())
	}
	if err := mod.InstantiateModule(e.ctx, e.onResolveModule); err != nil {
		return toEngineException(err)
	}
	return nil
}

// EvaluateModule backs Engine.EvaluateModule (§4.6.3). Top-level await is
// always enabled for module evaluation in v8go; the returned value is a
// Promise whose identity the caller uses to forget any rejection the
// promise-reject callback may have already recorded against it.
func (e *Engine) EvaluateModule(id int32) (int32, *corejs.EngineException) {
	mod, ok := e.modules[id]
	if !ok {
		return 0, &corejs.EngineException{Message: fmt.Sprintf("v8engine: no module registered for id %d", id)}
	}
	val, err := mod.Evaluate(e.ctx)
	if err != nil {
		return 0, toEngineException(err)
	}
	status := mod.GetStatus()
	if status == v8.ModuleStatusErrored {
		return 0, toEngineException(mod.GetException())
	}
	if status != v8.ModuleStatusEvaluated {
		panic(fmt.Sprintf("v8engine: module %d in unexpected status %v after evaluate", id, status))
	}
	var promiseIdentity int32
	if val != nil && val.IsPromise() {
		promiseIdentity = int32(val.GetIdentityHash())
	}
	return promiseIdentity, nil
}

// ModuleNamespace backs Engine.ModuleNamespace (§4.6.5): the namespace
// object a dynamic import()'s deferred promise resolves with.
func (e *Engine) ModuleNamespace(id int32) any {
	mod, ok := e.modules[id]
	if !ok {
		return nil
	}
	return mod.Namespace()
}

// ResolveDynamicImport fulfills loadID's deferred promise with moduleID's
// namespace object, then runs a microtask checkpoint so its continuations
// progress (§4.6.5).
func (e *Engine) ResolveDynamicImport(loadID int64, moduleID int32) error {
	e.mu.Lock()
	resolver, ok := e.dynImportResolvers[loadID]
	delete(e.dynImportResolvers, loadID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("v8engine: no dynamic import resolver for load %d", loadID)
	}
	ns := e.ModuleNamespace(moduleID)
	nsVal, ok := ns.(*v8.Value)
	if !ok {
		return fmt.Errorf("v8engine: module %d has no namespace value", moduleID)
	}
	if err := resolver.Resolve(nsVal); err != nil {
		return err
	}
	e.RunMicrotasks()
	return nil
}

// RejectDynamicImport rejects loadID's deferred promise (§4.6.5, §7). When
// exc.Value is a *v8go.Value, that value is used directly; otherwise a
// TypeError is synthesized from fallbackMessage (or exc.Message when
// fallbackMessage is empty). Exceptions built by toEngineException carry a
// *v8go.JSError, not a *v8go.Value, so they are rejected with a synthesized
// TypeError too, the same as Go-side loader errors.
func (e *Engine) RejectDynamicImport(loadID int64, exc *corejs.EngineException, fallbackMessage string) error {
	e.mu.Lock()
	resolver, ok := e.dynImportResolvers[loadID]
	delete(e.dynImportResolvers, loadID)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("v8engine: no dynamic import resolver for load %d", loadID)
	}

	var rejectVal *v8.Value
	if exc != nil {
		if v, ok := exc.Value.(*v8.Value); ok {
			rejectVal = v
		}
	}
	if rejectVal == nil {
		msg := fallbackMessage
		if msg == "" && exc != nil {
			msg = exc.Message
		}
		v, err := e.newTypeError(msg)
		if err != nil {
			return err
		}
		rejectVal = v
	}
	if err := resolver.Reject(rejectVal); err != nil {
		return err
	}
	e.RunMicrotasks()
	return nil
}

// CanSnapshot reports whether this Engine was constructed with WillSnapshot.
func (e *Engine) CanSnapshot() bool { return e.willSnapshot }

// PrepareForSnapshot backs §4.3: drop everything that would prevent the
// snapshot creator from producing a blob. The persistent global context and
// every compiled module handle must be released first — both are
// snapshot-hostile per the original's design note (§9).
func (e *Engine) PrepareForSnapshot() {
	e.ctx = nil
	e.modules = make(map[int32]*v8.Module)
}

// CreateSnapshot asks the snapshot creator to produce a startup blob while
// keeping compiled function code (§4.3).
func (e *Engine) CreateSnapshot() ([]byte, error) {
	blob, err := e.creator.CreateBlob(v8.FunctionCodeHandlingKeep)
	if err != nil {
		return nil, fmt.Errorf("v8engine: creating snapshot blob: %w", err)
	}
	e.hasSnapshotted = true
	return blob, nil
}
