package corejs

import "github.com/cryguy/corejs/modules"

// beginDynamicImport backs Hooks.BeginDynamicImport (§4.6.5): it creates a
// RecursiveLoad for specifier/referrer, starts its Prepare call, and tracks
// it in preparingDynImports so Poll picks it up.
func (rt *Runtime) beginDynamicImport(specifier, referrer string) int64 {
	rt.state.dynImportNextID++
	id := rt.state.dynImportNextID

	load := modules.NewDynamicLoad(id, specifier, referrer, rt.state.loader, rt.state.compiler, rt.state.registry)
	rt.dynImportLoads[id] = load
	rt.state.preparingDynImports = append(rt.state.preparingDynImports, load)
	load.StartPrepare(rt.bgCtx())
	rt.wake()
	return id
}

// settleDynamicImport finishes a load that reached Done: instantiate,
// evaluate, and resolve or reject its deferred promise (§4.6.5).
func (rt *Runtime) settleDynamicImport(load *modules.RecursiveLoad) {
	delete(rt.dynImportLoads, load.ID)

	if exc := rt.engine.InstantiateModule(int32(load.RootModuleID)); exc != nil {
		_ = rt.engine.RejectDynamicImport(load.ID, exc, "")
		return
	}
	promiseID, exc := rt.engine.EvaluateModule(int32(load.RootModuleID))
	if exc != nil {
		_ = rt.engine.RejectDynamicImport(load.ID, exc, "")
		return
	}
	if err := rt.engine.ResolveDynamicImport(load.ID, int32(load.RootModuleID)); err != nil {
		_ = rt.engine.RejectDynamicImport(load.ID, nil, err.Error())
	}
	// Evaluation may still have recorded a top-level-await rejection against
	// promiseID; the promise returned to the importer is the namespace
	// promise we just resolved above, not the evaluation promise, so forget
	// it rather than surfacing it as an unhandled rejection (§4.6.3).
	rt.engine.ForgetPendingRejection(promiseID)
}
