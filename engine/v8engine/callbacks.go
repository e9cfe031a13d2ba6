//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/corejs"
	"github.com/cryguy/corejs/ops"
	v8 "github.com/tommie/v8go"
)

// dispatchCallback is corejs_dispatch's V8 FunctionTemplate body: bufs[0] is
// the control buffer, the rest are the zero-copy buffers aliased from
// script for the duration of this call only (§4.5, §6.1).
func (e *Engine) dispatchCallback(info *v8.FunctionCallbackInfo) *v8.Value {
	args := info.Args()
	if len(args) < 2 {
		return e.throwTypeError("corejs_dispatch: expected (opId, control, ...bufs)")
	}
	opID := uint32(args[0].Integer())

	bufs := make([][]byte, 0, len(args)-1)
	for _, a := range args[1:] {
		b, err := uint8ArrayBytes(a)
		if err != nil {
			return e.throwTypeError(err.Error())
		}
		bufs = append(bufs, b)
	}

	op := e.hooks.RouteOp(opID, bufs)
	switch op.Kind {
	case ops.NotFound:
		return e.throwTypeError(fmt.Sprintf("Unknown op id: %d", opID))
	case ops.Sync:
		val, err := bytesToUint8Array(e.ctx, op.Bytes)
		if err != nil {
			return e.throwTypeError(err.Error())
		}
		return val
	default: // Async, AsyncUnref: the Runtime already started tracking it
		return nil
	}
}

// throwTypeError throws a real TypeError (P8: its string form must be
// exactly "TypeError: <msg>"), not a bare string value.
func (e *Engine) throwTypeError(msg string) *v8.Value {
	v, err := e.newTypeError(msg)
	if err != nil {
		// Falling back to a string is still better than panicking here, but
		// should never happen: constructing a TypeError cannot itself throw.
		v, _ = v8.NewValue(e.iso, msg)
	}
	e.iso.ThrowException(v)
	return nil
}

// onPromiseReject records an unhandled rejection by promise identity, and
// forgets it if the rejection is later handled (§4.7 step 3/8, §4.6.3).
func (e *Engine) onPromiseReject(msg *v8.PromiseRejectMessage) {
	identity := msg.Promise.GetIdentityHash()
	switch msg.Event {
	case v8.PromiseRejectWithNoHandler:
		e.mu.Lock()
		e.rejections[identity] = corejs.PromiseRejection{
			Identity:  identity,
			Exception: *toEngineException(msg.Value),
		}
		e.rejectionQ = append(e.rejectionQ, identity)
		e.mu.Unlock()
	case v8.PromiseHandlerAddedAfterReject:
		e.mu.Lock()
		delete(e.rejections, identity)
		e.mu.Unlock()
	}
}

// TakePendingRejection removes and returns the oldest recorded rejection.
func (e *Engine) TakePendingRejection() (corejs.PromiseRejection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.rejectionQ) > 0 {
		id := e.rejectionQ[0]
		e.rejectionQ = e.rejectionQ[1:]
		if rej, ok := e.rejections[id]; ok {
			delete(e.rejections, id)
			return rej, true
		}
	}
	return corejs.PromiseRejection{}, false
}

func (e *Engine) ForgetPendingRejection(identity int32) {
	e.mu.Lock()
	delete(e.rejections, identity)
	e.mu.Unlock()
}

// onResolveModule backs V8's module resolve callback during linking
// (§4.6.2): it defers entirely to the Runtime via hooks.ResolveModule, then
// looks the resulting id back up in e.modules. Returning nil for an unknown
// dependency causes v8go to raise a link error, which InstantiateModule
// below converts (§4.6.2's "id 0 ... raise a link error that the host
// converts").
func (e *Engine) onResolveModule(specifier string, referrer *v8.Module) *v8.Module {
	referrerID := int32(referrer.GetIdentityHash())
	depID := e.hooks.ResolveModule(specifier, referrerID)
	if depID == 0 {
		return nil
	}
	return e.modules[depID]
}

// onDynamicImport backs host_import_module_dynamically (§4.6.5): it starts
// a RecursiveLoad via hooks.BeginDynamicImport and returns the promise the
// loader will later resolve or reject with that load's id.
func (e *Engine) onDynamicImport(referrer, specifier string) *v8.Promise {
	resolver := v8.NewPromiseResolver(e.ctx)
	loadID := e.hooks.BeginDynamicImport(specifier, referrer)
	e.mu.Lock()
	e.dynImportResolvers[loadID] = resolver
	e.mu.Unlock()
	return resolver.GetPromise()
}
